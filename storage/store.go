package storage

import (
	"context"

	"github.com/google/uuid"
)

// DefaultBatchSize bounds the documents sent per bulk request.
const DefaultBatchSize = 1000

// Stats describes one physical collection.
type Stats struct {
	Kind       Kind   `json:"kind"`
	Collection string `json:"collection"`
	Count      int64  `json:"count"`
	SizeBytes  int64  `json:"size_bytes"`
}

// Store is the document store contract. BulkIndex reports partial and total
// failure in its result; the other methods return errors.
type Store interface {
	BulkIndex(ctx context.Context, kind Kind, docs []Document) IndexingResult
	IndexDocument(ctx context.Context, kind Kind, id string, doc Document) error
	Search(ctx context.Context, kind Kind, filter *QueryFilter) ([]Document, error)
	Aggregate(ctx context.Context, kind Kind, filter *QueryFilter, agg *AggregationQuery) (AggregationResult, error)
	GetByID(ctx context.Context, kind Kind, id string) (Document, error)
	DeleteByID(ctx context.Context, kind Kind, id string) error
	DeleteByQuery(ctx context.Context, kind Kind, filter *QueryFilter) (int64, error)
	Stats(ctx context.Context, kind Kind) (Stats, error)
	EnsureIndexes(ctx context.Context) error
	Close(ctx context.Context) error
}

// withID returns a shallow copy of doc carrying id, assigning a random id when
// neither is set.
func withID(doc Document, id string) Document {
	out := make(Document, len(doc)+1)
	for k, v := range doc {
		out[k] = v
	}
	if id != "" {
		out[IDField] = id
	}
	if out.ID() == "" {
		out[IDField] = uuid.NewString()
	}
	return out
}

func chunks(docs []Document, size int) [][]Document {
	if size <= 0 {
		size = DefaultBatchSize
	}
	out := make([][]Document, 0, (len(docs)+size-1)/size)
	for start := 0; start < len(docs); start += size {
		end := start + size
		if end > len(docs) {
			end = len(docs)
		}
		out = append(out, docs[start:end])
	}
	return out
}
