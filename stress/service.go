package stress

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lucasjlepore/peakflow/storage"
)

// recordLimit bounds the records loaded for one activity.
const recordLimit = 10000

// Service calculates, persists and summarizes TSS for stored activities.
type Service struct {
	store    storage.Store
	resolver *Resolver
	zones    Zones
	logger   *slog.Logger
	now      func() time.Time
}

// NewService returns a service over store. resolver may be nil, in which
// case only overrides, file thresholds and defaults apply.
func NewService(store storage.Store, resolver *Resolver, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if resolver == nil {
		resolver = NewResolver(nil, logger)
	}
	return &Service{store: store, resolver: resolver, logger: logger, now: time.Now}
}

// WithZones sets the zone tables used for threshold estimates.
func (s *Service) WithZones(z Zones) *Service {
	s.zones = z
	return s
}

// Calculation is a persisted composite result.
type Calculation struct {
	CompositeResult
	DocID        string    `json:"doc_id"`
	UserID       string    `json:"user_id"`
	ActivityID   string    `json:"activity_id"`
	Sport        string    `json:"sport"`
	Timestamp    time.Time `json:"timestamp"`
	CalculatedAt time.Time `json:"calculated_at"`
}

// DocID returns the TSS document id for an activity.
func DocID(userID, activityID string) string {
	return userID + "_" + activityID
}

// CalculateForActivity loads an activity's records and session, computes the
// composite TSS and persists it.
func (s *Service) CalculateForActivity(ctx context.Context, userID, activityID string, o Overrides) (*Calculation, error) {
	if userID == "" || activityID == "" {
		return nil, fmt.Errorf("calculate tss: %w: user and activity ids are required", ErrInvalidParameter)
	}
	records, err := s.store.Search(ctx, storage.KindRecord, storage.NewQueryFilter().
		Term("activity_id", activityID).
		Sort("timestamp", true).
		Page(recordLimit, 0))
	if err != nil {
		return nil, fmt.Errorf("load records for %s: %w", activityID, err)
	}
	session, err := s.session(ctx, activityID)
	if err != nil {
		return nil, err
	}

	series := SeriesFromDocuments(records)
	th := s.resolver.Resolve(ctx, ResolveInput{
		UserID:             userID,
		Overrides:          o,
		FileThresholdPower: sessionThresholdPower(session),
		Zones:              s.zones,
		HeartRate:          series.HeartRate,
	})
	composite, err := Composite(series, th)
	if err != nil {
		return nil, fmt.Errorf("activity %s: %w", activityID, err)
	}

	calc := &Calculation{
		CompositeResult: composite,
		DocID:           DocID(userID, activityID),
		UserID:          userID,
		ActivityID:      activityID,
		Sport:           "unknown",
		CalculatedAt:    s.now().UTC(),
	}
	if sport, ok := session["sport"].(string); ok && sport != "" {
		calc.Sport = sport
	}
	calc.Timestamp = activityTime(session, records)

	ir := s.store.BulkIndex(ctx, storage.KindTSS, []storage.Document{calc.Document()})
	if ir.Failed > 0 {
		reason := "unknown"
		if len(ir.Errors) > 0 {
			reason = ir.Errors[0].Reason
		}
		return calc, fmt.Errorf("persist tss %s: %s", calc.DocID, reason)
	}
	s.logger.Info("tss calculated",
		"user_id", userID, "activity_id", activityID,
		"tss", calc.TSS, "method", calc.PrimaryMethod)
	return calc, nil
}

// Recalculate removes any stored TSS for the activity and calculates again.
func (s *Service) Recalculate(ctx context.Context, userID, activityID string, o Overrides) (*Calculation, error) {
	if err := s.store.DeleteByID(ctx, storage.KindTSS, DocID(userID, activityID)); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("delete tss %s: %w", DocID(userID, activityID), err)
	}
	return s.CalculateForActivity(ctx, userID, activityID, o)
}

// Get returns the stored TSS document for an activity.
func (s *Service) Get(ctx context.Context, userID, activityID string) (storage.Document, error) {
	return s.store.GetByID(ctx, storage.KindTSS, DocID(userID, activityID))
}

// BatchDetail is the outcome for one activity of a batch.
type BatchDetail struct {
	ActivityID string  `json:"activity_id"`
	TSS        float64 `json:"tss,omitempty"`
	Method     Method  `json:"method,omitempty"`
	Error      string  `json:"error,omitempty"`
}

// BatchResult summarizes CalculateForUser.
type BatchResult struct {
	Total      int           `json:"total"`
	Successful int           `json:"successful"`
	Failed     int           `json:"failed"`
	Details    []BatchDetail `json:"details"`
}

// CalculateForUser calculates TSS for the user's most recent sessions that
// have none yet. A failing activity does not affect the others.
func (s *Service) CalculateForUser(ctx context.Context, userID string, limit int, o Overrides) (BatchResult, error) {
	if limit <= 0 {
		limit = 100
	}
	pending, err := s.pendingActivities(ctx, userID, limit)
	if err != nil {
		return BatchResult{}, err
	}

	res := BatchResult{Total: len(pending)}
	for _, activityID := range pending {
		if err := ctx.Err(); err != nil {
			res.Failed++
			res.Details = append(res.Details, BatchDetail{ActivityID: activityID, Error: err.Error()})
			continue
		}
		calc, err := s.CalculateForActivity(ctx, userID, activityID, o)
		if err != nil {
			s.logger.Warn("tss calculation failed", "user_id", userID, "activity_id", activityID, "error", err)
			res.Failed++
			res.Details = append(res.Details, BatchDetail{ActivityID: activityID, Error: err.Error()})
			continue
		}
		res.Successful++
		res.Details = append(res.Details, BatchDetail{ActivityID: activityID, TSS: calc.TSS, Method: calc.PrimaryMethod})
	}
	s.logger.Info("tss batch finished", "user_id", userID, "total", res.Total, "successful", res.Successful, "failed", res.Failed)
	return res, nil
}

func (s *Service) pendingActivities(ctx context.Context, userID string, limit int) ([]string, error) {
	sessions, err := s.store.Search(ctx, storage.KindSession, storage.NewQueryFilter().
		Term("user_id", userID).
		Sort("timestamp", false).
		Page(limit, 0))
	if err != nil {
		return nil, fmt.Errorf("load sessions for %s: %w", userID, err)
	}
	done, err := s.store.Search(ctx, storage.KindTSS, storage.NewQueryFilter().
		Term("user_id", userID).
		Page(recordLimit, 0))
	if err != nil {
		return nil, fmt.Errorf("load tss for %s: %w", userID, err)
	}

	seen := make(map[string]bool, len(done))
	for _, d := range done {
		if id, ok := d["activity_id"].(string); ok {
			seen[id] = true
		}
	}
	var out []string
	for _, d := range sessions {
		id, ok := d["activity_id"].(string)
		if !ok || id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out, nil
}

// Load categories by average weekly TSS.
const (
	LoadLow      = "low"
	LoadModerate = "moderate"
	LoadHigh     = "high"
	LoadVeryHigh = "very_high"
)

// LoadCategory buckets an average weekly TSS.
func LoadCategory(weeklyTSS float64) string {
	switch {
	case weeklyTSS < 150:
		return LoadLow
	case weeklyTSS < 300:
		return LoadModerate
	case weeklyTSS < 450:
		return LoadHigh
	default:
		return LoadVeryHigh
	}
}

// WeekCount is the number of scored activities in one Monday-based week.
type WeekCount struct {
	WeekStart string `json:"week_start"`
	Count     int64  `json:"count"`
}

// Summary describes a user's stored TSS over a period.
type Summary struct {
	UserID          string           `json:"user_id"`
	PeriodDays      int              `json:"period_days"`
	TotalActivities int64            `json:"total_activities"`
	TotalTSS        float64          `json:"total_tss"`
	AvgTSS          float64          `json:"avg_tss"`
	MaxTSS          float64          `json:"max_tss"`
	AvgWeeklyTSS    float64          `json:"avg_weekly_tss"`
	LoadCategory    string           `json:"training_load_category"`
	Methods         map[string]int64 `json:"methods_used"`
	Sports          map[string]int64 `json:"activities_by_sport"`
	Weekly          []WeekCount      `json:"weekly"`
}

// Summary aggregates the user's TSS documents from the last days.
func (s *Service) Summary(ctx context.Context, userID string, days int) (Summary, error) {
	if days <= 0 {
		days = 30
	}
	since := s.now().UTC().AddDate(0, 0, -days)
	filter := storage.NewQueryFilter().
		Term("user_id", userID).
		DateRange("timestamp", &since, nil)
	agg := storage.NewAggregationQuery().
		Metric("total_tss", storage.Sum, "tss").
		Metric("avg_tss", storage.Avg, "tss").
		Metric("max_tss", storage.Max, "tss").
		Metric("count", storage.Count, "tss").
		TermsAgg("methods", "primary_method", 10).
		TermsAgg("sports", "sport", 20).
		DateHistogram("weekly", "timestamp", storage.Week)

	res, err := s.store.Aggregate(ctx, storage.KindTSS, filter, agg)
	if err != nil {
		return Summary{}, fmt.Errorf("tss summary for %s: %w", userID, err)
	}

	out := Summary{
		UserID:          userID,
		PeriodDays:      days,
		TotalActivities: int64(res.Metrics["count"]),
		TotalTSS:        round(res.Metrics["total_tss"], 1),
		AvgTSS:          round(res.Metrics["avg_tss"], 1),
		MaxTSS:          round(res.Metrics["max_tss"], 1),
		Methods:         make(map[string]int64),
		Sports:          make(map[string]int64),
	}
	weeks := max(float64(days)/7, 1)
	out.AvgWeeklyTSS = round(res.Metrics["total_tss"]/weeks, 1)
	out.LoadCategory = LoadCategory(out.AvgWeeklyTSS)
	for _, b := range res.Buckets["methods"] {
		out.Methods[b.Key] = b.Count
	}
	for _, b := range res.Buckets["sports"] {
		out.Sports[b.Key] = b.Count
	}
	for _, b := range res.Buckets["weekly"] {
		out.Weekly = append(out.Weekly, WeekCount{WeekStart: b.Key, Count: b.Count})
	}
	return out, nil
}

// Document renders the calculation as a TSS document.
func (c *Calculation) Document() storage.Document {
	th := c.Thresholds
	doc := storage.Document{
		storage.IDField:    c.DocID,
		"user_id":          c.UserID,
		"activity_id":      c.ActivityID,
		"tss":              c.TSS,
		"primary_method":   string(c.PrimaryMethod),
		"intensity_factor": c.IntensityFactor,
		"duration_hours":   c.DurationHours,
		"sport":            c.Sport,
		"calculated_at":    c.CalculatedAt.Format(time.RFC3339),
		"thresholds_used": map[string]any{
			"threshold_power": th.Power.Value,
			"threshold_hr":    th.HeartRate.Value,
			"max_hr":          th.MaxHR.Value,
			"threshold_pace":  th.Pace.Value,
			"source": map[string]any{
				"threshold_power": th.Power.Source,
				"threshold_hr":    th.HeartRate.Source,
				"max_hr":          th.MaxHR.Source,
				"threshold_pace":  th.Pace.Source,
			},
		},
	}
	if !c.Timestamp.IsZero() {
		doc["timestamp"] = c.Timestamp.UTC().Format(time.RFC3339)
	}
	methods := make([]any, 0, 3)
	for _, m := range c.Succeeded() {
		methods = append(methods, string(m))
		doc[string(m)] = resultMap(c.ByMethod(m))
	}
	doc["methods"] = methods
	return doc
}

func resultMap(r *Result) map[string]any {
	out := map[string]any{
		"tss":              r.TSS,
		"intensity_factor": r.IntensityFactor,
		"threshold":        r.Threshold.Value,
		"threshold_source": r.Threshold.Source,
		"duration_seconds": int64(r.DurationSeconds),
		"duration_hours":   r.DurationHours,
		"average":          r.Average,
		"max":              r.Max,
	}
	switch r.Method {
	case MethodPower:
		out["normalized_power"] = r.NormalizedMetric
	case MethodHeartRate:
		out["max_hr"] = r.MaxHR.Value
		out["max_hr_source"] = r.MaxHR.Source
	case MethodPace:
		out["normalized_pace"] = r.NormalizedMetric
		out["normalized_pace_formatted"] = r.NormalizedPaceFormatted
		out["threshold_pace_formatted"] = r.ThresholdPaceFormatted
		out["average_pace_formatted"] = r.AveragePaceFormatted
		out["best_pace_formatted"] = r.BestPaceFormatted
	}
	return out
}

func (s *Service) session(ctx context.Context, activityID string) (storage.Document, error) {
	doc, err := s.store.GetByID(ctx, storage.KindSession, activityID+"_session")
	if err == nil {
		return doc, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("load session for %s: %w", activityID, err)
	}
	docs, err := s.store.Search(ctx, storage.KindSession, storage.NewQueryFilter().
		Term("activity_id", activityID).
		Page(1, 0))
	if err != nil {
		return nil, fmt.Errorf("load session for %s: %w", activityID, err)
	}
	if len(docs) == 0 {
		return nil, nil
	}
	return docs[0], nil
}

// sessionThresholdPower reads the FTP recorded by the device, which
// classification files under power_fields.
func sessionThresholdPower(session storage.Document) float64 {
	if session == nil {
		return 0
	}
	v, ok := docFloat(session, "power_fields.threshold_power", "threshold_power")
	if !ok || v <= 0 {
		return 0
	}
	return v
}

func activityTime(session storage.Document, records []storage.Document) time.Time {
	for _, key := range []string{"start_time", "timestamp"} {
		if t, ok := docTime(session[key]); ok {
			return t
		}
	}
	if len(records) > 0 {
		if t, ok := docTime(records[0]["timestamp"]); ok {
			return t
		}
	}
	return time.Time{}
}
