package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
)

// MongoOptions configures NewMongoStore.
type MongoOptions struct {
	URI            string
	Database       string
	Collections    Collections
	BatchSize      int
	ConnectTimeout time.Duration
	Logger         *slog.Logger
}

// MongoStore is a Store backed by MongoDB.
type MongoStore struct {
	client      *mongo.Client
	db          *mongo.Database
	collections Collections
	batchSize   int
	logger      *slog.Logger
}

// NewMongoStore connects and pings the primary. A store that cannot reach
// the server is not returned.
func NewMongoStore(ctx context.Context, opts MongoOptions) (*MongoStore, error) {
	if opts.URI == "" {
		return nil, errors.New("mongo uri is required")
	}
	if opts.Database == "" {
		return nil, errors.New("mongo database is required")
	}
	if opts.Collections == nil {
		opts.Collections = DefaultCollections()
	}
	if err := opts.Collections.Validate(); err != nil {
		return nil, fmt.Errorf("collections: %w", err)
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}

	client, err := mongo.Connect(options.Client().ApplyURI(opts.URI).SetConnectTimeout(opts.ConnectTimeout))
	if err != nil {
		return nil, fmt.Errorf("connect to mongodb: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, opts.ConnectTimeout)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}

	return &MongoStore{
		client:      client,
		db:          client.Database(opts.Database),
		collections: opts.Collections,
		batchSize:   opts.BatchSize,
		logger:      opts.Logger,
	}, nil
}

func (s *MongoStore) collection(kind Kind) (*mongo.Collection, error) {
	name, err := s.collections.Name(kind)
	if err != nil {
		return nil, err
	}
	return s.db.Collection(name), nil
}

func (s *MongoStore) BulkIndex(ctx context.Context, kind Kind, docs []Document) IndexingResult {
	var res IndexingResult
	coll, err := s.collection(kind)
	if err != nil {
		res.FailAll(docs, err)
		return res
	}

	for _, chunk := range chunks(docs, s.batchSize) {
		if err := ctx.Err(); err != nil {
			res.FailAll(chunk, err)
			continue
		}
		res.Merge(s.writeChunk(ctx, coll, kind, chunk))
	}
	return res
}

func (s *MongoStore) writeChunk(ctx context.Context, coll *mongo.Collection, kind Kind, chunk []Document) IndexingResult {
	var res IndexingResult
	prepared := make([]Document, len(chunk))
	models := make([]mongo.WriteModel, len(chunk))
	for i, d := range chunk {
		prepared[i] = withID(d, "")
		models[i] = mongo.NewReplaceOneModel().
			SetFilter(bson.D{{Key: IDField, Value: prepared[i].ID()}}).
			SetReplacement(prepared[i]).
			SetUpsert(true)
	}

	_, err := coll.BulkWrite(ctx, models, options.BulkWrite().SetOrdered(false))
	if err == nil {
		res.AddSuccess(len(chunk))
		return res
	}

	var bwe mongo.BulkWriteException
	if errors.As(err, &bwe) && len(bwe.WriteErrors) > 0 {
		failed := make(map[int]struct{}, len(bwe.WriteErrors))
		errs := make([]IndexError, 0, len(bwe.WriteErrors))
		for _, we := range bwe.WriteErrors {
			if we.Index < 0 || we.Index >= len(prepared) {
				continue
			}
			if _, dup := failed[we.Index]; dup {
				continue
			}
			failed[we.Index] = struct{}{}
			errs = append(errs, IndexError{DocID: prepared[we.Index].ID(), Reason: we.Message})
		}
		res.AddFailure(len(failed), errs...)
		res.AddSuccess(len(chunk) - len(failed))
		s.logger.Warn("bulk write partially failed", "kind", kind, "failed", len(failed), "chunk", len(chunk))
		return res
	}

	s.logger.Warn("bulk write failed", "kind", kind, "chunk", len(chunk), "err", err)
	res.FailAll(prepared, err)
	return res
}

func (s *MongoStore) IndexDocument(ctx context.Context, kind Kind, id string, doc Document) error {
	coll, err := s.collection(kind)
	if err != nil {
		return err
	}
	d := withID(doc, id)
	_, err = coll.ReplaceOne(ctx, bson.D{{Key: IDField, Value: d.ID()}}, d, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("index %s %q: %w", kind, d.ID(), err)
	}
	return nil
}

func (s *MongoStore) Search(ctx context.Context, kind Kind, filter *QueryFilter) ([]Document, error) {
	coll, err := s.collection(kind)
	if err != nil {
		return nil, err
	}
	opts := options.Find().
		SetLimit(int64(filter.Limit())).
		SetSkip(int64(filter.Offset()))
	if sortDoc := buildSort(filter); len(sortDoc) > 0 {
		opts.SetSort(sortDoc)
	}
	cur, err := coll.Find(ctx, buildFilter(filter), opts)
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", kind, err)
	}
	defer cur.Close(ctx)

	var raw []bson.M
	if err := cur.All(ctx, &raw); err != nil {
		return nil, fmt.Errorf("decode %s: %w", kind, err)
	}
	out := make([]Document, 0, len(raw))
	for _, r := range raw {
		out = append(out, Document(normalizeBSON(r).(map[string]any)))
	}
	return out, nil
}

func (s *MongoStore) Aggregate(ctx context.Context, kind Kind, filter *QueryFilter, agg *AggregationQuery) (AggregationResult, error) {
	if err := agg.check(); err != nil {
		return AggregationResult{}, err
	}
	coll, err := s.collection(kind)
	if err != nil {
		return AggregationResult{}, err
	}
	cur, err := coll.Aggregate(ctx, buildPipeline(filter, agg))
	if err != nil {
		return AggregationResult{}, fmt.Errorf("aggregate %s: %w", kind, err)
	}
	defer cur.Close(ctx)

	var rows []bson.M
	if err := cur.All(ctx, &rows); err != nil {
		return AggregationResult{}, fmt.Errorf("decode %s aggregation: %w", kind, err)
	}
	if len(rows) == 0 {
		return newAggregationResult(), nil
	}
	facets, _ := normalizeBSON(rows[0]).(map[string]any)
	return parseFacets(facets, agg), nil
}

func (s *MongoStore) GetByID(ctx context.Context, kind Kind, id string) (Document, error) {
	coll, err := s.collection(kind)
	if err != nil {
		return nil, err
	}
	var raw bson.M
	err = coll.FindOne(ctx, bson.D{{Key: IDField, Value: id}}).Decode(&raw)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("%s %q: %w", kind, id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get %s %q: %w", kind, id, err)
	}
	return Document(normalizeBSON(raw).(map[string]any)), nil
}

func (s *MongoStore) DeleteByID(ctx context.Context, kind Kind, id string) error {
	coll, err := s.collection(kind)
	if err != nil {
		return err
	}
	res, err := coll.DeleteOne(ctx, bson.D{{Key: IDField, Value: id}})
	if err != nil {
		return fmt.Errorf("delete %s %q: %w", kind, id, err)
	}
	if res.DeletedCount == 0 {
		return fmt.Errorf("%s %q: %w", kind, id, ErrNotFound)
	}
	return nil
}

func (s *MongoStore) DeleteByQuery(ctx context.Context, kind Kind, filter *QueryFilter) (int64, error) {
	coll, err := s.collection(kind)
	if err != nil {
		return 0, err
	}
	res, err := coll.DeleteMany(ctx, buildFilter(filter))
	if err != nil {
		return 0, fmt.Errorf("delete %s by query: %w", kind, err)
	}
	return res.DeletedCount, nil
}

func (s *MongoStore) Stats(ctx context.Context, kind Kind) (Stats, error) {
	coll, err := s.collection(kind)
	if err != nil {
		return Stats{}, err
	}
	count, err := coll.CountDocuments(ctx, bson.D{})
	if err != nil {
		return Stats{}, fmt.Errorf("count %s: %w", kind, err)
	}
	st := Stats{Kind: kind, Collection: coll.Name(), Count: count}

	var raw bson.M
	if err := s.db.RunCommand(ctx, bson.D{{Key: "collStats", Value: coll.Name()}}).Decode(&raw); err != nil {
		s.logger.Debug("collStats unavailable", "collection", coll.Name(), "err", err)
		return st, nil
	}
	if size, ok := ToFloat(normalizeBSON(raw["size"])); ok {
		st.SizeBytes = int64(size)
	}
	return st, nil
}

func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	models := []mongo.IndexModel{
		{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "timestamp", Value: 1}}},
		{Keys: bson.D{{Key: "activity_id", Value: 1}, {Key: "timestamp", Value: 1}}},
	}
	for _, kind := range Kinds() {
		coll, err := s.collection(kind)
		if err != nil {
			return err
		}
		if _, err := coll.Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("create indexes on %s: %w", coll.Name(), err)
		}
	}
	return nil
}

func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func buildFilter(q *QueryFilter) bson.D {
	if q == nil || len(q.clauses) == 0 {
		return bson.D{}
	}
	parts := make([]bson.E, 0, len(q.clauses)+1)
	for _, c := range q.clauses {
		switch c.op {
		case opTerm:
			parts = append(parts, bson.E{Key: c.field, Value: c.value})
		case opTerms:
			parts = append(parts, bson.E{Key: c.field, Value: bson.D{{Key: "$in", Value: bson.A(c.values)}}})
		case opRange:
			parts = append(parts, bson.E{Key: c.field, Value: rangeDoc(c.bounds)})
		case opExists:
			parts = append(parts, bson.E{Key: c.field, Value: bson.D{{Key: "$exists", Value: true}}})
		case opGeo:
			parts = append(parts,
				bson.E{Key: c.field + ".lat", Value: rangeDoc(RangeBounds{GTE: c.bottomRight.Lat, LTE: c.topLeft.Lat})},
				bson.E{Key: c.field + ".lon", Value: rangeDoc(RangeBounds{GTE: c.topLeft.Lon, LTE: c.bottomRight.Lon})},
			)
		}
	}

	seen := make(map[string]struct{}, len(parts))
	unique := true
	for _, p := range parts {
		if _, dup := seen[p.Key]; dup {
			unique = false
			break
		}
		seen[p.Key] = struct{}{}
	}
	if unique {
		return bson.D(parts)
	}
	and := make(bson.A, 0, len(parts))
	for _, p := range parts {
		and = append(and, bson.D{p})
	}
	return bson.D{{Key: "$and", Value: and}}
}

func rangeDoc(b RangeBounds) bson.D {
	out := bson.D{}
	if b.GTE != nil {
		out = append(out, bson.E{Key: "$gte", Value: b.GTE})
	}
	if b.GT != nil {
		out = append(out, bson.E{Key: "$gt", Value: b.GT})
	}
	if b.LTE != nil {
		out = append(out, bson.E{Key: "$lte", Value: b.LTE})
	}
	if b.LT != nil {
		out = append(out, bson.E{Key: "$lt", Value: b.LT})
	}
	return out
}

func buildSort(q *QueryFilter) bson.D {
	out := bson.D{}
	for _, s := range q.Sorts() {
		dir := -1
		if s.Ascending {
			dir = 1
		}
		out = append(out, bson.E{Key: s.Field, Value: dir})
	}
	return out
}

const totalFacet = "total"

func facetName(i int) string { return fmt.Sprintf("a%d", i) }

func buildPipeline(filter *QueryFilter, agg *AggregationQuery) mongo.Pipeline {
	facets := bson.D{{Key: totalFacet, Value: bson.A{bson.D{{Key: "$count", Value: "n"}}}}}
	for i, s := range agg.specs {
		field := "$" + s.field
		var stages bson.A
		switch s.kind {
		case aggMetric:
			var acc bson.D
			switch s.op {
			case Count:
				acc = bson.D{{Key: "$sum", Value: bson.D{{Key: "$cond", Value: bson.A{
					bson.D{{Key: "$in", Value: bson.A{bson.D{{Key: "$type", Value: field}}, bson.A{"missing", "null"}}}},
					0, 1,
				}}}}}
			default:
				acc = bson.D{{Key: "$" + string(s.op), Value: field}}
			}
			stages = bson.A{bson.D{{Key: "$group", Value: bson.D{{Key: "_id", Value: nil}, {Key: "v", Value: acc}}}}}
		case aggTerms:
			stages = bson.A{
				bson.D{{Key: "$match", Value: bson.D{{Key: s.field, Value: bson.D{{Key: "$exists", Value: true}, {Key: "$ne", Value: nil}}}}}},
				bson.D{{Key: "$group", Value: bson.D{{Key: "_id", Value: field}, {Key: "count", Value: bson.D{{Key: "$sum", Value: 1}}}}}},
				bson.D{{Key: "$sort", Value: bson.D{{Key: "count", Value: -1}, {Key: "_id", Value: 1}}}},
				bson.D{{Key: "$limit", Value: s.size}},
			}
		case aggDateHistogram:
			trunc := bson.D{
				{Key: "date", Value: bson.D{{Key: "$dateFromString", Value: bson.D{{Key: "dateString", Value: field}}}}},
				{Key: "unit", Value: string(s.interval)},
				{Key: "timezone", Value: "UTC"},
				{Key: "startOfWeek", Value: "monday"},
			}
			stages = bson.A{
				bson.D{{Key: "$match", Value: bson.D{{Key: s.field, Value: bson.D{{Key: "$type", Value: "string"}}}}}},
				bson.D{{Key: "$group", Value: bson.D{
					{Key: "_id", Value: bson.D{{Key: "$dateTrunc", Value: trunc}}},
					{Key: "count", Value: bson.D{{Key: "$sum", Value: 1}}},
				}}},
				bson.D{{Key: "$sort", Value: bson.D{{Key: "_id", Value: 1}}}},
			}
		}
		facets = append(facets, bson.E{Key: facetName(i), Value: stages})
	}
	return mongo.Pipeline{
		{{Key: "$match", Value: buildFilter(filter)}},
		{{Key: "$facet", Value: facets}},
	}
}

func parseFacets(facets map[string]any, agg *AggregationQuery) AggregationResult {
	res := newAggregationResult()
	if rows, _ := facets[totalFacet].([]any); len(rows) > 0 {
		if row, ok := rows[0].(map[string]any); ok {
			if n, ok := ToFloat(row["n"]); ok {
				res.Total = int64(n)
			}
		}
	}
	for i, s := range agg.specs {
		rows, _ := facets[facetName(i)].([]any)
		switch s.kind {
		case aggMetric:
			if len(rows) == 0 {
				if s.op == Sum || s.op == Count {
					res.Metrics[s.name] = 0
				}
				continue
			}
			row, _ := rows[0].(map[string]any)
			if v, ok := ToFloat(row["v"]); ok {
				res.Metrics[s.name] = v
			} else if s.op == Sum || s.op == Count {
				res.Metrics[s.name] = 0
			}
		case aggTerms, aggDateHistogram:
			buckets := make([]Bucket, 0, len(rows))
			for _, r := range rows {
				row, _ := r.(map[string]any)
				n, _ := ToFloat(row["count"])
				key := fmt.Sprint(row["_id"])
				if t, ok := row["_id"].(time.Time); ok {
					key = t.UTC().Format(time.RFC3339)
				}
				buckets = append(buckets, Bucket{Key: key, Count: int64(n)})
			}
			if s.kind == aggDateHistogram {
				sort.Slice(buckets, func(i, j int) bool { return buckets[i].Key < buckets[j].Key })
			}
			res.Buckets[s.name] = buckets
		}
	}
	return res
}

// normalizeBSON converts driver container types into plain Go maps and slices.
func normalizeBSON(v any) any {
	switch x := v.(type) {
	case bson.M:
		out := make(map[string]any, len(x))
		for k, vv := range x {
			out[k] = normalizeBSON(vv)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, vv := range x {
			out[k] = normalizeBSON(vv)
		}
		return out
	case bson.D:
		out := make(map[string]any, len(x))
		for _, e := range x {
			out[e.Key] = normalizeBSON(e.Value)
		}
		return out
	case bson.A:
		out := make([]any, len(x))
		for i := range x {
			out[i] = normalizeBSON(x[i])
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i := range x {
			out[i] = normalizeBSON(x[i])
		}
		return out
	case int32:
		return int64(x)
	case bson.DateTime:
		return x.Time().UTC()
	}
	return v
}
