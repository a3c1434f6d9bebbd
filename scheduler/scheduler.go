// Package scheduler runs the periodic TSS backfill for configured users.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"

	"github.com/lucasjlepore/peakflow/stress"
)

// Calculator is the part of the TSS service the backfill needs.
type Calculator interface {
	CalculateForUser(ctx context.Context, userID string, limit int, o stress.Overrides) (stress.BatchResult, error)
}

// Metrics counts backfill outcomes.
type Metrics struct {
	activities *prometheus.CounterVec
	runs       *prometheus.CounterVec
	duration   prometheus.Histogram
}

// NewMetrics registers the backfill metrics with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		activities: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "peakflow_backfill_activities_total",
			Help: "Activities processed by the TSS backfill, by outcome.",
		}, []string{"outcome"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "peakflow_backfill_runs_total",
			Help: "Backfill runs per user, by outcome.",
		}, []string{"outcome"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "peakflow_backfill_duration_seconds",
			Help:    "Wall time of one backfill run over all users.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{m.activities, m.runs, m.duration} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register backfill metrics: %w", err)
		}
	}
	return m, nil
}

// Backfill calculates missing TSS for each user in turn.
type Backfill struct {
	calc    Calculator
	users   []string
	limit   int
	metrics *Metrics
	logger  *slog.Logger

	// running guards against overlapping cron ticks.
	running sync.Mutex
}

// NewBackfill returns a backfill over users. metrics may be nil.
func NewBackfill(calc Calculator, users []string, limit int, metrics *Metrics, logger *slog.Logger) *Backfill {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Backfill{
		calc:    calc,
		users:   append([]string(nil), users...),
		limit:   limit,
		metrics: metrics,
		logger:  logger,
	}
}

// Report summarizes one run.
type Report struct {
	Users      int
	Activities int
	Successful int
	Failed     int
	UserErrors map[string]error
	Skipped    bool
}

// Run processes every user once. A failing user is logged and the rest
// still run. When a previous run is still in progress Run returns at once
// with Skipped set.
func (b *Backfill) Run(ctx context.Context) Report {
	if !b.running.TryLock() {
		b.logger.Warn("backfill still running, skipping tick")
		return Report{Skipped: true}
	}
	defer b.running.Unlock()

	start := time.Now()
	rep := Report{UserErrors: make(map[string]error)}
	for _, user := range b.users {
		if ctx.Err() != nil {
			rep.UserErrors[user] = ctx.Err()
			continue
		}
		rep.Users++
		res, err := b.calc.CalculateForUser(ctx, user, b.limit, stress.Overrides{})
		if err != nil {
			b.logger.Error("backfill failed", "user_id", user, "error", err)
			rep.UserErrors[user] = err
			b.countRun("error")
			continue
		}
		rep.Activities += res.Total
		rep.Successful += res.Successful
		rep.Failed += res.Failed
		b.countRun("ok")
		b.countActivities(res)
	}
	if b.metrics != nil {
		b.metrics.duration.Observe(time.Since(start).Seconds())
	}
	b.logger.Info("backfill finished",
		"users", rep.Users,
		"activities", rep.Activities,
		"successful", rep.Successful,
		"failed", rep.Failed,
		"duration", time.Since(start))
	return rep
}

func (b *Backfill) countRun(outcome string) {
	if b.metrics != nil {
		b.metrics.runs.WithLabelValues(outcome).Inc()
	}
}

func (b *Backfill) countActivities(res stress.BatchResult) {
	if b.metrics == nil {
		return
	}
	b.metrics.activities.WithLabelValues("success").Add(float64(res.Successful))
	b.metrics.activities.WithLabelValues("failed").Add(float64(res.Failed))
}

// Schedule registers the backfill on c under spec, a standard five-field
// cron expression or a descriptor such as "@every 1h".
func (b *Backfill) Schedule(ctx context.Context, c *cron.Cron, spec string) (cron.EntryID, error) {
	id, err := c.AddFunc(spec, func() { b.Run(ctx) })
	if err != nil {
		return 0, fmt.Errorf("schedule backfill %q: %w", spec, err)
	}
	return id, nil
}
