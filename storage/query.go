package storage

import "time"

// DefaultLimit is the page size of a new QueryFilter.
const DefaultLimit = 1000

type clauseOp int

const (
	opTerm clauseOp = iota
	opTerms
	opRange
	opExists
	opGeo
)

// RangeBounds holds optional range endpoints. Nil bounds are ignored.
type RangeBounds struct {
	GTE any
	LTE any
	GT  any
	LT  any
}

func (b RangeBounds) empty() bool {
	return b.GTE == nil && b.LTE == nil && b.GT == nil && b.LT == nil
}

// GeoPoint is a WGS84 coordinate in degrees.
type GeoPoint struct {
	Lat float64
	Lon float64
}

type clause struct {
	op          clauseOp
	field       string
	value       any
	values      []any
	bounds      RangeBounds
	topLeft     GeoPoint
	bottomRight GeoPoint
}

// SortField is one sort key.
type SortField struct {
	Field     string
	Ascending bool
}

// QueryFilter accumulates filter clauses, sort keys and paging. Identical
// call sequences always yield identical generated queries.
type QueryFilter struct {
	clauses []clause
	sorts   []SortField
	limit   int
	offset  int
}

// NewQueryFilter returns an empty filter with DefaultLimit.
func NewQueryFilter() *QueryFilter {
	return &QueryFilter{limit: DefaultLimit}
}

// Term adds an equality clause. A later Term on the same field replaces it.
func (q *QueryFilter) Term(field string, value any) *QueryFilter {
	for i, c := range q.clauses {
		if c.op == opTerm && c.field == field {
			q.clauses[i].value = value
			return q
		}
	}
	q.clauses = append(q.clauses, clause{op: opTerm, field: field, value: value})
	return q
}

// Terms adds a membership clause.
func (q *QueryFilter) Terms(field string, values ...any) *QueryFilter {
	q.clauses = append(q.clauses, clause{op: opTerms, field: field, values: append([]any(nil), values...)})
	return q
}

// Range adds a range clause. Empty bounds are ignored.
func (q *QueryFilter) Range(field string, bounds RangeBounds) *QueryFilter {
	if bounds.empty() {
		return q
	}
	q.clauses = append(q.clauses, clause{op: opRange, field: field, bounds: bounds})
	return q
}

// DateRange adds an inclusive range on an RFC 3339 timestamp field.
func (q *QueryFilter) DateRange(field string, start, end *time.Time) *QueryFilter {
	var b RangeBounds
	if start != nil {
		b.GTE = start.UTC().Format(time.RFC3339)
	}
	if end != nil {
		b.LTE = end.UTC().Format(time.RFC3339)
	}
	return q.Range(field, b)
}

// Exists requires field to be present.
func (q *QueryFilter) Exists(field string) *QueryFilter {
	q.clauses = append(q.clauses, clause{op: opExists, field: field})
	return q
}

// GeoBounds restricts location to a bounding box.
func (q *QueryFilter) GeoBounds(topLeft, bottomRight GeoPoint) *QueryFilter {
	q.clauses = append(q.clauses, clause{op: opGeo, field: "location", topLeft: topLeft, bottomRight: bottomRight})
	return q
}

// Sort appends a sort key.
func (q *QueryFilter) Sort(field string, ascending bool) *QueryFilter {
	q.sorts = append(q.sorts, SortField{Field: field, Ascending: ascending})
	return q
}

// Page sets limit and offset. Non-positive limits keep the current limit.
func (q *QueryFilter) Page(limit, offset int) *QueryFilter {
	if limit > 0 {
		q.limit = limit
	}
	if offset >= 0 {
		q.offset = offset
	}
	return q
}

// Limit returns the page size.
func (q *QueryFilter) Limit() int {
	if q == nil {
		return DefaultLimit
	}
	return q.limit
}

// Offset returns the number of documents skipped.
func (q *QueryFilter) Offset() int {
	if q == nil {
		return 0
	}
	return q.offset
}

// Sorts returns a copy of the sort keys.
func (q *QueryFilter) Sorts() []SortField {
	if q == nil {
		return nil
	}
	return append([]SortField(nil), q.sorts...)
}
