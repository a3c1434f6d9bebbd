package storage

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-process Store used by tests and dry runs. It can
// inject per-document and transport failures.
type MemoryStore struct {
	mu          sync.RWMutex
	collections Collections
	batchSize   int
	data        map[Kind]map[string]Document
	failIDs     map[string]string
	transport   error
	bulkCalls   int
}

// NewMemoryStore returns an empty store over collections. A nil map uses DefaultCollections.
func NewMemoryStore(collections Collections) *MemoryStore {
	if collections == nil {
		collections = DefaultCollections()
	}
	return &MemoryStore{
		collections: collections,
		batchSize:   DefaultBatchSize,
		data:        make(map[Kind]map[string]Document),
		failIDs:     make(map[string]string),
	}
}

// SetBatchSize changes the bulk chunk size.
func (m *MemoryStore) SetBatchSize(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n > 0 {
		m.batchSize = n
	}
}

// FailDocuments makes BulkIndex and IndexDocument reject the given ids.
func (m *MemoryStore) FailDocuments(reason string, ids ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		m.failIDs[id] = reason
	}
}

// FailTransport makes every call fail with err until called with nil.
func (m *MemoryStore) FailTransport(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transport = err
}

// BulkCalls returns how many chunks BulkIndex has sent.
func (m *MemoryStore) BulkCalls() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.bulkCalls
}

func (m *MemoryStore) BulkIndex(ctx context.Context, kind Kind, docs []Document) IndexingResult {
	var res IndexingResult
	if _, err := m.collections.Name(kind); err != nil {
		res.FailAll(docs, err)
		return res
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, chunk := range chunks(docs, m.batchSize) {
		if err := ctx.Err(); err != nil {
			res.FailAll(chunk, err)
			continue
		}
		m.bulkCalls++
		if m.transport != nil {
			res.FailAll(chunk, m.transport)
			continue
		}
		bucket := m.bucket(kind)
		for _, d := range chunk {
			doc := withID(d, "")
			if reason, ok := m.failIDs[doc.ID()]; ok {
				res.AddFailure(1, IndexError{DocID: doc.ID(), Reason: reason})
				continue
			}
			bucket[doc.ID()] = cloneDocument(doc)
			res.AddSuccess(1)
		}
	}
	return res
}

func (m *MemoryStore) IndexDocument(ctx context.Context, kind Kind, id string, doc Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := m.collections.Name(kind); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.transport != nil {
		return m.transport
	}
	d := withID(doc, id)
	if reason, ok := m.failIDs[d.ID()]; ok {
		return errors.New(reason)
	}
	m.bucket(kind)[d.ID()] = cloneDocument(d)
	return nil
}

func (m *MemoryStore) Search(ctx context.Context, kind Kind, filter *QueryFilter) ([]Document, error) {
	docs, err := m.matching(ctx, kind, filter)
	if err != nil {
		return nil, err
	}
	sortDocuments(docs, filter.Sorts())

	offset := filter.Offset()
	if offset >= len(docs) {
		return []Document{}, nil
	}
	docs = docs[offset:]
	if limit := filter.Limit(); limit < len(docs) {
		docs = docs[:limit]
	}
	return docs, nil
}

func (m *MemoryStore) Aggregate(ctx context.Context, kind Kind, filter *QueryFilter, agg *AggregationQuery) (AggregationResult, error) {
	if err := agg.check(); err != nil {
		return AggregationResult{}, err
	}
	docs, err := m.matching(ctx, kind, filter)
	if err != nil {
		return AggregationResult{}, err
	}

	res := newAggregationResult()
	res.Total = int64(len(docs))
	for _, s := range agg.specs {
		switch s.kind {
		case aggMetric:
			memoryMetric(&res, s, docs)
		case aggTerms:
			res.Buckets[s.name] = memoryTerms(s, docs)
		case aggDateHistogram:
			res.Buckets[s.name] = memoryHistogram(s, docs)
		}
	}
	return res, nil
}

func (m *MemoryStore) GetByID(ctx context.Context, kind Kind, id string) (Document, error) {
	if err := m.precheck(ctx, kind); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc, ok := m.data[kind][id]
	if !ok {
		return nil, fmt.Errorf("%s %q: %w", kind, id, ErrNotFound)
	}
	return cloneDocument(doc), nil
}

func (m *MemoryStore) DeleteByID(ctx context.Context, kind Kind, id string) error {
	if err := m.precheck(ctx, kind); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[kind][id]; !ok {
		return fmt.Errorf("%s %q: %w", kind, id, ErrNotFound)
	}
	delete(m.data[kind], id)
	return nil
}

func (m *MemoryStore) DeleteByQuery(ctx context.Context, kind Kind, filter *QueryFilter) (int64, error) {
	docs, err := m.matching(ctx, kind, filter)
	if err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range docs {
		delete(m.data[kind], d.ID())
	}
	return int64(len(docs)), nil
}

func (m *MemoryStore) Stats(ctx context.Context, kind Kind) (Stats, error) {
	if err := m.precheck(ctx, kind); err != nil {
		return Stats{}, err
	}
	name, _ := m.collections.Name(kind)
	m.mu.RLock()
	defer m.mu.RUnlock()
	var size int64
	for _, d := range m.data[kind] {
		size += int64(len(fmt.Sprint(map[string]any(d))))
	}
	return Stats{Kind: kind, Collection: name, Count: int64(len(m.data[kind])), SizeBytes: size}, nil
}

func (m *MemoryStore) EnsureIndexes(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return m.collections.Validate()
}

func (m *MemoryStore) Close(context.Context) error { return nil }

func (m *MemoryStore) precheck(ctx context.Context, kind Kind) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := m.collections.Name(kind); err != nil {
		return err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.transport
}

func (m *MemoryStore) bucket(kind Kind) map[string]Document {
	b, ok := m.data[kind]
	if !ok {
		b = make(map[string]Document)
		m.data[kind] = b
	}
	return b
}

func (m *MemoryStore) matching(ctx context.Context, kind Kind, filter *QueryFilter) ([]Document, error) {
	if err := m.precheck(ctx, kind); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.data[kind]))
	for id := range m.data[kind] {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]Document, 0, len(ids))
	for _, id := range ids {
		doc := m.data[kind][id]
		if filter == nil || filter.matches(doc) {
			out = append(out, cloneDocument(doc))
		}
	}
	return out, nil
}

func (q *QueryFilter) matches(doc Document) bool {
	for _, c := range q.clauses {
		if !c.matches(doc) {
			return false
		}
	}
	return true
}

func (c clause) matches(doc Document) bool {
	switch c.op {
	case opTerm:
		v, ok := lookup(doc, c.field)
		return ok && equalValues(v, c.value)
	case opTerms:
		v, ok := lookup(doc, c.field)
		if !ok {
			return false
		}
		for _, want := range c.values {
			if equalValues(v, want) {
				return true
			}
		}
		return false
	case opRange:
		v, ok := lookup(doc, c.field)
		return ok && inRange(v, c.bounds)
	case opExists:
		_, ok := lookup(doc, c.field)
		return ok
	case opGeo:
		lat, ok1 := lookup(doc, c.field+".lat")
		lon, ok2 := lookup(doc, c.field+".lon")
		if !ok1 || !ok2 {
			return false
		}
		return inRange(lat, RangeBounds{GTE: c.bottomRight.Lat, LTE: c.topLeft.Lat}) &&
			inRange(lon, RangeBounds{GTE: c.topLeft.Lon, LTE: c.bottomRight.Lon})
	}
	return false
}

func inRange(v any, b RangeBounds) bool {
	check := func(bound any, ok func(int) bool) bool {
		if bound == nil {
			return true
		}
		cmp, comparable := compareValues(v, bound)
		return comparable && ok(cmp)
	}
	return check(b.GTE, func(c int) bool { return c >= 0 }) &&
		check(b.GT, func(c int) bool { return c > 0 }) &&
		check(b.LTE, func(c int) bool { return c <= 0 }) &&
		check(b.LT, func(c int) bool { return c < 0 })
}

func lookup(doc map[string]any, path string) (any, bool) {
	var cur any = doc
	for _, part := range strings.Split(path, ".") {
		var m map[string]any
		switch x := cur.(type) {
		case map[string]any:
			m = x
		case Document:
			m = x
		default:
			return nil, false
		}
		v, ok := m[part]
		if !ok || v == nil {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

// ToFloat converts stored numeric values to float64.
func ToFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int8:
		return float64(x), true
	case int16:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint8:
		return float64(x), true
	case uint16:
		return float64(x), true
	case uint32:
		return float64(x), true
	case uint64:
		return float64(x), true
	}
	return 0, false
}

func compareValues(a, b any) (int, bool) {
	if t, ok := a.(time.Time); ok {
		a = t.UTC().Format(time.RFC3339)
	}
	if t, ok := b.(time.Time); ok {
		b = t.UTC().Format(time.RFC3339)
	}
	if fa, ok := ToFloat(a); ok {
		fb, ok := ToFloat(b)
		if !ok {
			return 0, false
		}
		switch {
		case fa < fb:
			return -1, true
		case fa > fb:
			return 1, true
		}
		return 0, true
	}
	sa, ok1 := a.(string)
	sb, ok2 := b.(string)
	if ok1 && ok2 {
		return strings.Compare(sa, sb), true
	}
	return 0, false
}

func equalValues(a, b any) bool {
	if cmp, ok := compareValues(a, b); ok {
		return cmp == 0
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func sortDocuments(docs []Document, sorts []SortField) {
	if len(sorts) == 0 {
		return
	}
	sort.SliceStable(docs, func(i, j int) bool {
		for _, s := range sorts {
			a, okA := lookup(docs[i], s.Field)
			b, okB := lookup(docs[j], s.Field)
			switch {
			case !okA && !okB:
				continue
			case !okA:
				return false
			case !okB:
				return true
			}
			cmp, ok := compareValues(a, b)
			if !ok || cmp == 0 {
				continue
			}
			if s.Ascending {
				return cmp < 0
			}
			return cmp > 0
		}
		return false
	})
}

func memoryMetric(res *AggregationResult, s aggSpec, docs []Document) {
	var (
		sum, lo, hi float64
		n, present  int
	)
	lo, hi = math.Inf(1), math.Inf(-1)
	for _, d := range docs {
		v, ok := lookup(d, s.field)
		if !ok {
			continue
		}
		present++
		f, ok := ToFloat(v)
		if !ok {
			continue
		}
		n++
		sum += f
		lo = math.Min(lo, f)
		hi = math.Max(hi, f)
	}
	switch s.op {
	case Sum:
		res.Metrics[s.name] = sum
	case Count:
		res.Metrics[s.name] = float64(present)
	case Avg:
		if n > 0 {
			res.Metrics[s.name] = sum / float64(n)
		}
	case Min:
		if n > 0 {
			res.Metrics[s.name] = lo
		}
	case Max:
		if n > 0 {
			res.Metrics[s.name] = hi
		}
	}
}

func memoryTerms(s aggSpec, docs []Document) []Bucket {
	counts := make(map[string]int64)
	for _, d := range docs {
		if v, ok := lookup(d, s.field); ok {
			counts[fmt.Sprint(v)]++
		}
	}
	out := make([]Bucket, 0, len(counts))
	for k, c := range counts {
		out = append(out, Bucket{Key: k, Count: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Key < out[j].Key
	})
	if len(out) > s.size {
		out = out[:s.size]
	}
	return out
}

func memoryHistogram(s aggSpec, docs []Document) []Bucket {
	counts := make(map[string]int64)
	for _, d := range docs {
		v, ok := lookup(d, s.field)
		if !ok {
			continue
		}
		t, ok := asTime(v)
		if !ok {
			continue
		}
		counts[truncateTime(t, s.interval).Format(time.RFC3339)]++
	}
	out := make([]Bucket, 0, len(counts))
	for k, c := range counts {
		out = append(out, Bucket{Key: k, Count: c})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func asTime(v any) (time.Time, bool) {
	switch x := v.(type) {
	case time.Time:
		return x.UTC(), true
	case string:
		t, err := time.Parse(time.RFC3339, x)
		if err != nil {
			return time.Time{}, false
		}
		return t.UTC(), true
	}
	return time.Time{}, false
}

// truncateTime floors t to the interval start in UTC. Weeks start on Monday.
func truncateTime(t time.Time, interval Interval) time.Time {
	t = t.UTC()
	switch interval {
	case Minute:
		return t.Truncate(time.Minute)
	case Hour:
		return t.Truncate(time.Hour)
	case Day:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	case Week:
		day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		shift := (int(day.Weekday()) + 6) % 7
		return day.AddDate(0, 0, -shift)
	case Month:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	case Quarter:
		m := ((int(t.Month())-1)/3)*3 + 1
		return time.Date(t.Year(), time.Month(m), 1, 0, 0, 0, 0, time.UTC)
	default:
		return time.Date(t.Year(), 1, 1, 0, 0, 0, 0, time.UTC)
	}
}

func cloneDocument(d Document) Document {
	out := make(Document, len(d))
	for k, v := range d {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, vv := range x {
			out[k] = cloneValue(vv)
		}
		return out
	case Document:
		return cloneDocument(x)
	case []any:
		out := make([]any, len(x))
		for i := range x {
			out[i] = cloneValue(x[i])
		}
		return out
	}
	return v
}
