package storage

import (
	"errors"
	"fmt"
)

// MetricOp is a scalar aggregation.
type MetricOp string

const (
	Sum   MetricOp = "sum"
	Avg   MetricOp = "avg"
	Min   MetricOp = "min"
	Max   MetricOp = "max"
	Count MetricOp = "count"
)

// Interval is a calendar interval for date histograms.
type Interval string

const (
	Minute  Interval = "minute"
	Hour    Interval = "hour"
	Day     Interval = "day"
	Week    Interval = "week"
	Month   Interval = "month"
	Quarter Interval = "quarter"
	Year    Interval = "year"
)

func (i Interval) valid() bool {
	switch i {
	case Minute, Hour, Day, Week, Month, Quarter, Year:
		return true
	}
	return false
}

type aggKind int

const (
	aggMetric aggKind = iota
	aggTerms
	aggDateHistogram
)

type aggSpec struct {
	name     string
	kind     aggKind
	op       MetricOp
	field    string
	size     int
	interval Interval
}

// AggregationQuery is an ordered set of uniquely named aggregations.
type AggregationQuery struct {
	specs []aggSpec
	names map[string]struct{}
	err   error
}

// NewAggregationQuery returns an empty aggregation query.
func NewAggregationQuery() *AggregationQuery {
	return &AggregationQuery{names: make(map[string]struct{})}
}

func (a *AggregationQuery) add(s aggSpec) *AggregationQuery {
	if s.name == "" {
		a.err = errors.Join(a.err, errors.New("aggregation name is empty"))
		return a
	}
	if _, dup := a.names[s.name]; dup {
		a.err = errors.Join(a.err, fmt.Errorf("duplicate aggregation name %q", s.name))
		return a
	}
	a.names[s.name] = struct{}{}
	a.specs = append(a.specs, s)
	return a
}

// Metric adds a scalar aggregation over field.
func (a *AggregationQuery) Metric(name string, op MetricOp, field string) *AggregationQuery {
	switch op {
	case Sum, Avg, Min, Max, Count:
	default:
		a.err = errors.Join(a.err, fmt.Errorf("aggregation %q: unknown metric %q", name, op))
		return a
	}
	return a.add(aggSpec{name: name, kind: aggMetric, op: op, field: field})
}

// TermsAgg adds a top-N bucket count over field.
func (a *AggregationQuery) TermsAgg(name, field string, size int) *AggregationQuery {
	if size <= 0 {
		size = 10
	}
	return a.add(aggSpec{name: name, kind: aggTerms, field: field, size: size})
}

// DateHistogram adds calendar buckets over an RFC 3339 timestamp field.
func (a *AggregationQuery) DateHistogram(name, field string, interval Interval) *AggregationQuery {
	if !interval.valid() {
		a.err = errors.Join(a.err, fmt.Errorf("aggregation %q: unknown interval %q", name, interval))
		return a
	}
	return a.add(aggSpec{name: name, kind: aggDateHistogram, field: field, interval: interval})
}

// Err reports the first construction problem, if any.
func (a *AggregationQuery) Err() error {
	if a == nil {
		return nil
	}
	return a.err
}

func (a *AggregationQuery) check() error {
	if a == nil || len(a.specs) == 0 {
		return fmt.Errorf("%w: empty aggregation", ErrInvalidQuery)
	}
	if a.err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidQuery, a.err)
	}
	return nil
}

// Bucket is one terms or histogram bucket. Histogram keys are RFC 3339 bucket starts.
type Bucket struct {
	Key   string `json:"key"`
	Count int64  `json:"count"`
}

// AggregationResult holds metric values and bucket lists by aggregation name.
// Avg, Min and Max are absent when no document carried a numeric value.
type AggregationResult struct {
	Total   int64               `json:"total"`
	Metrics map[string]float64  `json:"metrics"`
	Buckets map[string][]Bucket `json:"buckets"`
}

func newAggregationResult() AggregationResult {
	return AggregationResult{
		Metrics: make(map[string]float64),
		Buckets: make(map[string][]Bucket),
	}
}
