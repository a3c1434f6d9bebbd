package extract

import (
	"errors"
	"time"

	"github.com/lucasjlepore/peakflow/storage"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the extraction counters. A nil *Metrics records nothing.
type Metrics struct {
	documents *prometheus.CounterVec
	dropped   *prometheus.CounterVec
	duration  *prometheus.HistogramVec
}

// NewMetrics registers the extraction collectors on reg. Collectors already
// registered by an earlier call are reused.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		documents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "peakflow_documents_total",
			Help: "Documents handled by extraction, by kind and outcome.",
		}, []string{"kind", "outcome"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "peakflow_documents_dropped_total",
			Help: "Documents discarded before validation because they had no timestamp.",
		}, []string{"kind"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "peakflow_extraction_seconds",
			Help:    "Wall time of one extraction job.",
			Buckets: prometheus.DefBuckets,
		}, []string{"processor"}),
	}
	var err error
	if m.documents, err = register(reg, m.documents); err != nil {
		return nil, err
	}
	if m.dropped, err = register(reg, m.dropped); err != nil {
		return nil, err
	}
	if m.duration, err = register(reg, m.duration); err != nil {
		return nil, err
	}
	return m, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

func (m *Metrics) count(kind storage.Kind, outcome string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.documents.WithLabelValues(string(kind), outcome).Add(float64(n))
}

func (m *Metrics) drop(kind storage.Kind, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.dropped.WithLabelValues(string(kind)).Add(float64(n))
}

func (m *Metrics) observe(processor string, d time.Duration) {
	if m == nil {
		return
	}
	m.duration.WithLabelValues(processor).Observe(d.Seconds())
}
