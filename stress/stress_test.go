package stress

import (
	"context"
	"errors"
	"math"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/lucasjlepore/peakflow/fitsource"
	"github.com/lucasjlepore/peakflow/storage"
)

func constant(n int, v float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func near(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol
}

func defaults() ThresholdSet {
	return ThresholdSet{
		Power:     Threshold{Value: 200, Source: SourceParameter},
		HeartRate: Threshold{Value: 170, Source: SourceDefault},
		MaxHR:     Threshold{Value: 185, Source: SourceDefault},
		Pace:      Threshold{Value: 4.0, Source: SourceDefault},
	}
}

func TestNormalizedPowerConstantSeries(t *testing.T) {
	if got := NormalizedPower(constant(600, 250)); got != 250 {
		t.Fatalf("expected NP 250 for constant series, got %.3f", got)
	}
	if got := NormalizedPower([]float64{100, 200}); got != 150 {
		t.Fatalf("expected mean for short series, got %.3f", got)
	}
	if got := NormalizedPower(nil); got != 0 {
		t.Fatalf("expected 0 for empty series, got %.3f", got)
	}
}

func TestNormalizedPowerRewardsVariability(t *testing.T) {
	var power []float64
	for i := 0; i < 20; i++ {
		power = append(power, constant(60, 300)...)
		power = append(power, constant(60, 100)...)
	}
	np := NormalizedPower(power)
	if np <= average(power) {
		t.Fatalf("expected NP above average for variable series, got np=%.1f avg=%.1f", np, average(power))
	}
}

func TestPowerTSSOneHourAtThreshold(t *testing.T) {
	r, err := PowerTSS(constant(3600, 200), Threshold{Value: 200, Source: SourceParameter})
	if err != nil {
		t.Fatalf("PowerTSS: %v", err)
	}
	if r.TSS != 100 || r.IntensityFactor != 1 || r.NormalizedMetric != 200 {
		t.Fatalf("unexpected result: %+v", r)
	}
	if r.DurationSeconds != 3600 || r.DurationHours != 1 {
		t.Fatalf("unexpected duration: %+v", r)
	}
}

func TestPowerTSSRejectsBadInput(t *testing.T) {
	tests := []struct {
		name  string
		power []float64
		ftp   float64
		want  error
	}{
		{name: "zero ftp", power: constant(10, 200), ftp: 0, want: ErrInvalidParameter},
		{name: "absurd ftp", power: constant(10, 200), ftp: 5000, want: ErrInvalidParameter},
		{name: "nan ftp", power: constant(10, 200), ftp: math.NaN(), want: ErrInvalidParameter},
		{name: "no samples", power: nil, ftp: 200, want: ErrInsufficientData},
		{name: "only negative", power: []float64{-1, -5}, ftp: 200, want: ErrInsufficientData},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := PowerTSS(tt.power, Threshold{Value: tt.ftp})
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestHeartRateTSSAtThreshold(t *testing.T) {
	r, err := HeartRateTSS(constant(3600, 170), Threshold{Value: 170}, Threshold{Value: 185})
	if err != nil {
		t.Fatalf("HeartRateTSS: %v", err)
	}
	if r.IntensityFactor != 1 || r.TSS != 100 {
		t.Fatalf("expected IF 1 and TSS 100, got %+v", r)
	}
}

func TestHeartRateTSSEstimatesMaxHR(t *testing.T) {
	hr := make([]float64, 0, 100)
	for i := 0; i < 100; i++ {
		hr = append(hr, float64(100+i))
	}
	r, err := HeartRateTSS(hr, Threshold{Value: 170}, Threshold{})
	if err != nil {
		t.Fatalf("HeartRateTSS: %v", err)
	}
	if r.MaxHR.Source != SourceObserved || r.MaxHR.Value != 194 {
		t.Fatalf("expected observed max HR 194, got %+v", r.MaxHR)
	}
	if r.IntensityFactor > 2 {
		t.Fatalf("IF must be capped at 2, got %.3f", r.IntensityFactor)
	}
}

func TestHeartRateTSSThresholdBounds(t *testing.T) {
	for _, lthr := range []float64{0, 20, 300} {
		if _, err := HeartRateTSS(constant(10, 150), Threshold{Value: lthr}, Threshold{Value: 185}); !errors.Is(err, ErrInvalidParameter) {
			t.Fatalf("lthr %.0f: expected ErrInvalidParameter, got %v", lthr, err)
		}
	}
}

func TestPaceTSSAtThreshold(t *testing.T) {
	r, err := PaceTSS(constant(3600, PaceToSpeed(4.0)), Threshold{Value: 4.0, Source: SourceDefault})
	if err != nil {
		t.Fatalf("PaceTSS: %v", err)
	}
	if !near(r.TSS, 100, 0.1) || !near(r.IntensityFactor, 1, 0.001) {
		t.Fatalf("expected TSS ~100 and IF ~1, got %+v", r)
	}
	if r.NormalizedPaceFormatted != "4:00" && r.NormalizedPaceFormatted != "3:59" {
		t.Fatalf("unexpected formatted pace %q", r.NormalizedPaceFormatted)
	}
	if _, err := PaceTSS([]float64{0, -1}, Threshold{Value: 4.0}); !errors.Is(err, ErrInsufficientData) {
		t.Fatalf("expected ErrInsufficientData without positive speeds, got %v", err)
	}
}

func TestPaceHelpers(t *testing.T) {
	if got := SpeedToPace(PaceToSpeed(5)); !near(got, 5, 1e-9) {
		t.Fatalf("expected pace round trip, got %.6f", got)
	}
	if !math.IsInf(SpeedToPace(0), 1) {
		t.Fatalf("expected +Inf pace for zero speed")
	}
	if got := FormatPace(4.5); got != "4:30" {
		t.Fatalf("expected 4:30, got %q", got)
	}
	if got := FormatPace(math.Inf(1)); got != "∞:∞" {
		t.Fatalf("expected infinite pace marker, got %q", got)
	}

	tests := []struct {
		in      string
		want    float64
		wantErr bool
	}{
		{in: "4:30", want: 4.5},
		{in: " 5:00 ", want: 5},
		{in: "4.25", want: 4.25},
		{in: "4:75", wantErr: true},
		{in: "fast", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParsePace(tt.in)
		if tt.wantErr {
			if !errors.Is(err, ErrInvalidParameter) {
				t.Fatalf("ParsePace(%q): expected ErrInvalidParameter, got %v", tt.in, err)
			}
			continue
		}
		if err != nil || !near(got, tt.want, 1e-9) {
			t.Fatalf("ParsePace(%q) = %v, %v; want %v", tt.in, got, err, tt.want)
		}
	}
}

func TestCompositePrefersPower(t *testing.T) {
	s := Series{
		Power:     constant(3600, 200),
		HeartRate: constant(3600, 150),
	}
	c, err := Composite(s, defaults())
	if err != nil {
		t.Fatalf("Composite: %v", err)
	}
	if c.PrimaryMethod != MethodPower || c.TSS != 100 {
		t.Fatalf("expected power primary with TSS 100, got %s %.1f", c.PrimaryMethod, c.TSS)
	}
	if c.HeartRate == nil || c.Pace != nil {
		t.Fatalf("expected heart rate result and no pace result")
	}
	if _, ok := c.Skipped[MethodPace]; !ok {
		t.Fatalf("expected pace to be reported as skipped, got %v", c.Skipped)
	}
	got := c.Succeeded()
	if len(got) != 2 || got[0] != MethodPower || got[1] != MethodHeartRate {
		t.Fatalf("unexpected succeeded methods %v", got)
	}
}

func TestCompositeFallsBackToHeartRate(t *testing.T) {
	c, err := Composite(Series{HeartRate: constant(1800, 170)}, defaults())
	if err != nil {
		t.Fatalf("Composite: %v", err)
	}
	if c.PrimaryMethod != MethodHeartRate || c.Primary() != c.HeartRate {
		t.Fatalf("expected heart rate primary, got %s", c.PrimaryMethod)
	}
}

func TestCompositeJoinsErrors(t *testing.T) {
	_, err := Composite(Series{}, defaults())
	if !errors.Is(err, ErrInsufficientData) {
		t.Fatalf("expected ErrInsufficientData, got %v", err)
	}
	for _, m := range Methods() {
		if !strings.Contains(err.Error(), string(m)) {
			t.Fatalf("expected %s reason in %q", m, err)
		}
	}
}

type fakeIndicators struct {
	ind   Indicators
	err   error
	calls int
}

func (f *fakeIndicators) UserIndicators(ctx context.Context, userID string) (Indicators, error) {
	f.calls++
	return f.ind, f.err
}

func TestResolvePriority(t *testing.T) {
	src := &fakeIndicators{ind: Indicators{ThresholdPower: 280, ThresholdHR: 165}}
	r := NewResolver(src, nil)
	th := r.Resolve(context.Background(), ResolveInput{
		UserID:             "u1",
		Overrides:          Overrides{ThresholdPower: 300},
		FileThresholdPower: 260,
		Zones: Zones{
			Pace: map[string]ZoneRange{"zone_4": {3.8, 4.2}},
		},
		HeartRate: constant(100, 180),
	})
	want := ThresholdSet{
		Power:     Threshold{Value: 300, Source: SourceParameter},
		HeartRate: Threshold{Value: 165, Source: SourceUserIndicator},
		MaxHR:     Threshold{Value: 180, Source: SourceObserved},
		Pace:      Threshold{Value: 4.2, Source: SourceZoneTable},
	}
	if th != want {
		t.Fatalf("unexpected thresholds:\n got  %+v\n want %+v", th, want)
	}
	if src.calls != 1 {
		t.Fatalf("expected one indicator lookup, got %d", src.calls)
	}
}

func TestResolveDegradesOnIndicatorError(t *testing.T) {
	for _, err := range []error{ErrNoIndicators, errors.New("connection refused")} {
		r := NewResolver(&fakeIndicators{err: err}, nil)
		th := r.Resolve(context.Background(), ResolveInput{UserID: "u1", FileThresholdPower: 240})
		if th.Power != (Threshold{Value: 240, Source: SourceActivityFile}) {
			t.Fatalf("%v: expected file threshold power, got %+v", err, th.Power)
		}
		if th.HeartRate.Source != SourceDefault || th.HeartRate.Value != DefaultThresholdHR {
			t.Fatalf("%v: expected default LTHR, got %+v", err, th.HeartRate)
		}
		if th.MaxHR.Value != DefaultMaxHR || th.Pace.Value != DefaultThresholdPace {
			t.Fatalf("%v: expected defaults, got %+v", err, th)
		}
	}
}

func TestResolveKeepsHigherSourceForEqualValues(t *testing.T) {
	th := NewResolver(nil, nil).Resolve(context.Background(), ResolveInput{
		Overrides: Overrides{ThresholdPower: DefaultThresholdPower},
	})
	if th.Power.Source != SourceParameter {
		t.Fatalf("expected parameter source, got %+v", th.Power)
	}
}

func TestZoneThreshold(t *testing.T) {
	tests := []struct {
		name  string
		zones map[string]ZoneRange
		pace  bool
		want  float64
	}{
		{name: "zone 4 lower bound", zones: map[string]ZoneRange{"zone_3": {150, 180}, "zone_4": {181, 210}}, want: 181},
		{name: "threshold name", zones: map[string]ZoneRange{"Threshold": {160, 170}}, want: 160},
		{name: "zone 3 upper bound", zones: map[string]ZoneRange{"zone_2": {120, 150}, "zone_3": {150, 175}}, want: 175},
		{name: "pace upper bound", zones: map[string]ZoneRange{"zone_4": {3.8, 4.2}}, pace: true, want: 4.2},
		{name: "several matches pick the first name", zones: map[string]ZoneRange{"zone_4": {200, 240}, "threshold": {230, 250}, "zone_4b": {210, 245}}, want: 230},
		{name: "nothing usable", zones: map[string]ZoneRange{"zone_1": {0, 100}}, want: 0},
		{name: "empty", zones: nil, want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for range 20 {
				if got := zoneThreshold(tt.zones, tt.pace); got != tt.want {
					t.Fatalf("expected %v, got %v", tt.want, got)
				}
			}
		})
	}
}

func TestSeriesFromDocuments(t *testing.T) {
	t0 := time.Date(2024, 5, 1, 7, 0, 0, 0, time.UTC)
	docs := []storage.Document{
		{"timestamp": t0.Add(6 * time.Second).Format(time.RFC3339), "power_fields": map[string]any{"power": int64(120)}},
		{"timestamp": t0, "power": 100.0, "heart_rate": int64(140), "speed": 3.0},
		{"timestamp": t0.Add(time.Second), "power": 110.0, "heart_rate": int64(0), "enhanced_speed": 3.2},
	}
	s := SeriesFromDocuments(docs)
	want := []float64{100, 110, 110, 110, 110, 110, 120}
	if len(s.Power) != len(want) {
		t.Fatalf("expected %d power samples, got %v", len(want), s.Power)
	}
	for i := range want {
		if s.Power[i] != want[i] {
			t.Fatalf("power[%d] = %v, want %v", i, s.Power[i], want[i])
		}
	}
	if len(s.HeartRate) != 1 || s.HeartRate[0] != 140 {
		t.Fatalf("expected one positive HR sample, got %v", s.HeartRate)
	}
	if len(s.Speed) != 2 || s.Speed[1] != 3.2 {
		t.Fatalf("expected speed and enhanced_speed samples, got %v", s.Speed)
	}
	if !(Series{}).Empty() || s.Empty() {
		t.Fatalf("unexpected Empty result")
	}
}

func TestSeriesFromDocumentsSkipsLongGaps(t *testing.T) {
	t0 := time.Date(2024, 5, 1, 7, 0, 0, 0, time.UTC)
	s := SeriesFromDocuments([]storage.Document{
		{"timestamp": t0, "power": 100.0},
		{"timestamp": t0.Add(10 * time.Minute), "power": 200.0},
	})
	if len(s.Power) != 2 {
		t.Fatalf("expected long gap to stay unfilled, got %d samples", len(s.Power))
	}
}

func TestEstimatePlanMatchesExecutedSession(t *testing.T) {
	th := defaults()
	est, err := EstimatePlan(WorkoutPlan{
		Name:     "Steady",
		Segments: []PlanSegment{{DurationSeconds: 3600, Metric: MethodPower, Target: 200}},
	}, th)
	if err != nil {
		t.Fatalf("EstimatePlan: %v", err)
	}
	executed, err := PowerTSS(constant(3600, 200), th.Power)
	if err != nil {
		t.Fatalf("PowerTSS: %v", err)
	}
	if est.TSS != executed.TSS || est.TSS != 100 {
		t.Fatalf("expected plan TSS %.1f to equal executed %.1f", est.TSS, executed.TSS)
	}
	if est.PrimaryMethod != MethodPower || est.TotalDurationHours != 1 {
		t.Fatalf("unexpected estimate %+v", est)
	}
}

func TestEstimatePlanSumsMetricGroups(t *testing.T) {
	est, err := EstimatePlan(WorkoutPlan{Segments: []PlanSegment{
		{DurationSeconds: 1800, Metric: MethodPower, Target: 200},
		{DurationSeconds: 1800, Metric: MethodPace, Target: 4.0},
	}}, defaults())
	if err != nil {
		t.Fatalf("EstimatePlan: %v", err)
	}
	if len(est.Groups) != 2 || len(est.Segments) != 2 {
		t.Fatalf("expected two groups and segments, got %+v", est)
	}
	if !near(est.TSS, est.Groups[0].TSS+est.Groups[1].TSS, 0.11) || !near(est.TSS, 100, 0.2) {
		t.Fatalf("expected summed TSS near 100, got %.1f", est.TSS)
	}
	if est.Segments[1].TargetFormatted != "4:00/km" {
		t.Fatalf("unexpected pace target label %q", est.Segments[1].TargetFormatted)
	}
}

func TestEstimatePlanErrors(t *testing.T) {
	tests := []struct {
		name string
		plan WorkoutPlan
		want error
	}{
		{name: "empty", plan: WorkoutPlan{}, want: ErrInsufficientData},
		{name: "zero duration", plan: WorkoutPlan{Segments: []PlanSegment{{Metric: MethodPower, Target: 200}}}, want: ErrCalculation},
		{name: "bad target", plan: WorkoutPlan{Segments: []PlanSegment{{DurationSeconds: 60, Metric: MethodPower, Target: -1}}}, want: ErrInvalidParameter},
		{name: "bad metric", plan: WorkoutPlan{Segments: []PlanSegment{{DurationSeconds: 60, Metric: "cadence", Target: 90}}}, want: ErrInvalidParameter},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := EstimatePlan(tt.plan, defaults()); !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestLoadPlanYAML(t *testing.T) {
	doc := `
name: Mixed
sport: running
segments:
  - duration: 10m
    metric: power
    target: 180
  - duration_minutes: 20
    metric: pace
    target: "4:30"
  - duration_seconds: 90
    metric: hr
    target: 160
`
	plan, err := LoadPlanYAML(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("LoadPlanYAML: %v", err)
	}
	want := []PlanSegment{
		{DurationSeconds: 600, Metric: MethodPower, Target: 180},
		{DurationSeconds: 1200, Metric: MethodPace, Target: 4.5},
		{DurationSeconds: 90, Metric: MethodHeartRate, Target: 160},
	}
	if plan.Name != "Mixed" || plan.Sport != "running" || len(plan.Segments) != len(want) {
		t.Fatalf("unexpected plan %+v", plan)
	}
	for i := range want {
		if plan.Segments[i] != want[i] {
			t.Fatalf("segment %d = %+v, want %+v", i, plan.Segments[i], want[i])
		}
	}

	if _, err := LoadPlanYAML(strings.NewReader("segments:\n  - duration: 5m\n    metric: cadence\n    target: 90\n")); !errors.Is(err, ErrInvalidParameter) {
		t.Fatalf("expected ErrInvalidParameter for unknown metric, got %v", err)
	}
}

func field(name string, v any) fitsource.Field {
	return fitsource.Field{Name: name, Value: v}
}

func step(index int, fields ...fitsource.Field) fitsource.Message {
	return fitsource.Message{
		Type:   "workout_step",
		Fields: append([]fitsource.Field{field("message_index", uint16(index))}, fields...),
	}
}

func TestPlanFromWorkout(t *testing.T) {
	th := defaults()
	th.Power.Value = 250
	msgs := []fitsource.Message{
		{Type: "workout", Fields: []fitsource.Field{field("wkt_name", "Over-unders"), field("sport", "cycling")}},
		step(0, field("duration_type", uint8(0)), field("duration_value", uint32(600000)),
			field("target_type", uint8(4)), field("custom_target_value_low", uint32(1200)), field("custom_target_value_high", uint32(1240))),
		step(1, field("duration_type", uint8(0)), field("duration_value", uint32(300000)),
			field("target_type", uint8(4)), field("custom_target_value_low", uint32(88)), field("custom_target_value_high", uint32(92))),
		step(2, field("duration_type", uint8(0)), field("duration_value", uint32(120000)),
			field("target_type", uint8(4)), field("target_value", uint32(2))),
		step(3, field("duration_type", uint8(6)), field("duration_value", uint32(1)), field("target_value", uint32(3))),
		step(4, field("duration_type", uint8(0)), field("duration_value", uint32(60000)),
			field("target_type", uint8(1)), field("custom_target_value_low", uint32(240)), field("custom_target_value_high", uint32(250))),
		step(5, field("duration_type", uint8(1)), field("duration_value", uint32(1000)), field("target_type", uint8(4))),
	}
	plan, err := PlanFromWorkout(msgs, th)
	if err != nil {
		t.Fatalf("PlanFromWorkout: %v", err)
	}
	if plan.Name != "Over-unders" || plan.Sport != "cycling" {
		t.Fatalf("unexpected plan header %q %q", plan.Name, plan.Sport)
	}
	if len(plan.Segments) != 8 {
		t.Fatalf("expected 8 segments after repeat expansion, got %d: %+v", len(plan.Segments), plan.Segments)
	}
	checks := []PlanSegment{
		{DurationSeconds: 600, Metric: MethodPower, Target: 220},
		{DurationSeconds: 300, Metric: MethodPower, Target: 225},
		{DurationSeconds: 120, Metric: MethodPower, Target: 162.5},
	}
	sameSegment := func(a, b PlanSegment) bool {
		return a.DurationSeconds == b.DurationSeconds && a.Metric == b.Metric && near(a.Target, b.Target, 1e-9)
	}
	for i, want := range checks {
		if !sameSegment(plan.Segments[i], want) {
			t.Fatalf("segment %d = %+v, want %+v", i, plan.Segments[i], want)
		}
	}
	if !sameSegment(plan.Segments[5], checks[1]) || !sameSegment(plan.Segments[6], checks[2]) {
		t.Fatalf("expected repeated block, got %+v", plan.Segments[5:7])
	}
	if last := plan.Segments[7]; last.Metric != MethodHeartRate || last.Target != 145 {
		t.Fatalf("expected HR segment at 145 bpm, got %+v", last)
	}

	if _, err := PlanFromWorkout(msgs[:1], th); !errors.Is(err, ErrInsufficientData) {
		t.Fatalf("expected ErrInsufficientData without steps, got %v", err)
	}
}

func seedActivity(t *testing.T, store *storage.MemoryStore, userID, activityID string, start time.Time, seconds int, watts float64) {
	t.Helper()
	ctx := context.Background()
	records := make([]storage.Document, 0, seconds)
	for i := 0; i < seconds; i++ {
		records = append(records, storage.Document{
			storage.IDField: activityID + "_record_" + strconv.Itoa(i),
			"user_id":       userID,
			"activity_id":   activityID,
			"timestamp":     start.Add(time.Duration(i) * time.Second).Format(time.RFC3339),
			"power":         watts,
		})
	}
	if ir := store.BulkIndex(ctx, storage.KindRecord, records); ir.Failed != 0 {
		t.Fatalf("seed records: %+v", ir)
	}
	seedSession(t, store, userID, activityID, start)
}

func seedSession(t *testing.T, store *storage.MemoryStore, userID, activityID string, start time.Time) {
	t.Helper()
	session := storage.Document{
		storage.IDField: activityID + "_session",
		"user_id":       userID,
		"activity_id":   activityID,
		"sport":         "cycling",
		"timestamp":     start.Format(time.RFC3339),
		"start_time":    start.Format(time.RFC3339),
		"power_fields":  map[string]any{"threshold_power": int64(200)},
	}
	if ir := store.BulkIndex(context.Background(), storage.KindSession, []storage.Document{session}); ir.Failed != 0 {
		t.Fatalf("seed session: %+v", ir)
	}
}

func TestServiceCalculateForActivity(t *testing.T) {
	store := storage.NewMemoryStore(nil)
	start := time.Date(2024, 5, 1, 7, 0, 0, 0, time.UTC)
	seedActivity(t, store, "u1", "a1", start, 3600, 200)

	svc := NewService(store, nil, nil)
	calc, err := svc.CalculateForActivity(context.Background(), "u1", "a1", Overrides{})
	if err != nil {
		t.Fatalf("CalculateForActivity: %v", err)
	}
	if calc.TSS != 100 || calc.PrimaryMethod != MethodPower || calc.IntensityFactor != 1 {
		t.Fatalf("unexpected calculation %+v", calc.CompositeResult)
	}
	if calc.Thresholds.Power.Source != SourceActivityFile {
		t.Fatalf("expected FTP from the activity file, got %+v", calc.Thresholds.Power)
	}

	doc, err := svc.Get(context.Background(), "u1", "a1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if doc["tss"] != 100.0 || doc["primary_method"] != "power" || doc["sport"] != "cycling" {
		t.Fatalf("unexpected stored document %v", doc)
	}
	if doc["timestamp"] != start.Format(time.RFC3339) {
		t.Fatalf("expected activity start timestamp, got %v", doc["timestamp"])
	}
	used, _ := doc["thresholds_used"].(map[string]any)
	source, _ := used["source"].(map[string]any)
	if used["threshold_power"] != 200.0 || source["threshold_power"] != SourceActivityFile {
		t.Fatalf("unexpected thresholds_used %v", used)
	}
	power, _ := doc["power"].(map[string]any)
	if power["normalized_power"] != 200.0 {
		t.Fatalf("expected power sub-document, got %v", doc["power"])
	}
}

func TestServiceOverridesAndRecalculate(t *testing.T) {
	store := storage.NewMemoryStore(nil)
	seedActivity(t, store, "u1", "a1", time.Date(2024, 5, 1, 7, 0, 0, 0, time.UTC), 3600, 200)
	svc := NewService(store, nil, nil)

	if _, err := svc.Recalculate(context.Background(), "u1", "a1", Overrides{}); err != nil {
		t.Fatalf("Recalculate without existing document: %v", err)
	}
	calc, err := svc.Recalculate(context.Background(), "u1", "a1", Overrides{ThresholdPower: 400})
	if err != nil {
		t.Fatalf("Recalculate: %v", err)
	}
	if calc.TSS != 25 || calc.Thresholds.Power.Source != SourceParameter {
		t.Fatalf("expected TSS 25 at FTP 400, got %.1f (%+v)", calc.TSS, calc.Thresholds.Power)
	}
	doc, err := svc.Get(context.Background(), "u1", "a1")
	if err != nil || doc["tss"] != 25.0 {
		t.Fatalf("expected stored TSS 25, got %v (%v)", doc["tss"], err)
	}
}

func TestServiceCalculateErrors(t *testing.T) {
	store := storage.NewMemoryStore(nil)
	svc := NewService(store, nil, nil)
	if _, err := svc.CalculateForActivity(context.Background(), "", "a1", Overrides{}); !errors.Is(err, ErrInvalidParameter) {
		t.Fatalf("expected ErrInvalidParameter, got %v", err)
	}
	if _, err := svc.CalculateForActivity(context.Background(), "u1", "missing", Overrides{}); !errors.Is(err, ErrInsufficientData) {
		t.Fatalf("expected ErrInsufficientData, got %v", err)
	}

	seedActivity(t, store, "u1", "a1", time.Date(2024, 5, 1, 7, 0, 0, 0, time.UTC), 60, 200)
	store.FailDocuments("mapping conflict", DocID("u1", "a1"))
	if _, err := svc.CalculateForActivity(context.Background(), "u1", "a1", Overrides{}); err == nil || !strings.Contains(err.Error(), "mapping conflict") {
		t.Fatalf("expected persistence failure, got %v", err)
	}
}

func TestServiceCalculateForUser(t *testing.T) {
	store := storage.NewMemoryStore(nil)
	start := time.Date(2024, 5, 1, 7, 0, 0, 0, time.UTC)
	seedActivity(t, store, "u1", "done", start, 600, 200)
	seedActivity(t, store, "u1", "a1", start.Add(24*time.Hour), 600, 200)
	seedSession(t, store, "u1", "empty", start.Add(48*time.Hour))
	seedActivity(t, store, "u2", "other", start, 600, 200)

	svc := NewService(store, nil, nil)
	if _, err := svc.CalculateForActivity(context.Background(), "u1", "done", Overrides{}); err != nil {
		t.Fatalf("CalculateForActivity: %v", err)
	}

	res, err := svc.CalculateForUser(context.Background(), "u1", 10, Overrides{})
	if err != nil {
		t.Fatalf("CalculateForUser: %v", err)
	}
	if res.Total != 2 || res.Successful != 1 || res.Failed != 1 {
		t.Fatalf("unexpected batch result %+v", res)
	}
	if res.Details[0].ActivityID != "empty" || res.Details[0].Error == "" {
		t.Fatalf("expected newest session first with an error, got %+v", res.Details[0])
	}
	if res.Details[1].ActivityID != "a1" || res.Details[1].Method != MethodPower {
		t.Fatalf("unexpected detail %+v", res.Details[1])
	}
}

func TestServiceSummary(t *testing.T) {
	store := storage.NewMemoryStore(nil)
	now := time.Date(2024, 5, 20, 12, 0, 0, 0, time.UTC)
	svc := NewService(store, nil, nil)
	svc.now = func() time.Time { return now }

	docs := []storage.Document{
		{storage.IDField: "u1_a", "user_id": "u1", "tss": 100.0, "primary_method": "power", "sport": "cycling", "timestamp": "2024-05-13T07:00:00Z"},
		{storage.IDField: "u1_b", "user_id": "u1", "tss": 200.0, "primary_method": "power", "sport": "cycling", "timestamp": "2024-05-15T07:00:00Z"},
		{storage.IDField: "u1_c", "user_id": "u1", "tss": 60.0, "primary_method": "heart_rate", "sport": "running", "timestamp": "2024-05-19T07:00:00Z"},
		{storage.IDField: "u1_old", "user_id": "u1", "tss": 500.0, "primary_method": "power", "sport": "cycling", "timestamp": "2024-01-01T07:00:00Z"},
		{storage.IDField: "u2_a", "user_id": "u2", "tss": 80.0, "primary_method": "power", "sport": "cycling", "timestamp": "2024-05-14T07:00:00Z"},
	}
	if ir := store.BulkIndex(context.Background(), storage.KindTSS, docs); ir.Failed != 0 {
		t.Fatalf("seed: %+v", ir)
	}

	sum, err := svc.Summary(context.Background(), "u1", 14)
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if sum.TotalActivities != 3 || sum.TotalTSS != 360 || sum.AvgTSS != 120 || sum.MaxTSS != 200 {
		t.Fatalf("unexpected totals %+v", sum)
	}
	if sum.AvgWeeklyTSS != 180 || sum.LoadCategory != LoadModerate {
		t.Fatalf("expected weekly 180 (moderate), got %.1f (%s)", sum.AvgWeeklyTSS, sum.LoadCategory)
	}
	if sum.Methods["power"] != 2 || sum.Sports["running"] != 1 {
		t.Fatalf("unexpected breakdowns %v %v", sum.Methods, sum.Sports)
	}
	if len(sum.Weekly) != 1 || sum.Weekly[0].Count != 3 {
		t.Fatalf("expected one Monday-based week with 3 activities, got %+v", sum.Weekly)
	}
}

func TestLoadCategory(t *testing.T) {
	tests := []struct {
		tss  float64
		want string
	}{
		{0, LoadLow},
		{149.9, LoadLow},
		{150, LoadModerate},
		{300, LoadHigh},
		{449, LoadHigh},
		{450, LoadVeryHigh},
	}
	for _, tt := range tests {
		if got := LoadCategory(tt.tss); got != tt.want {
			t.Fatalf("LoadCategory(%v) = %s, want %s", tt.tss, got, tt.want)
		}
	}
}

func TestBuildReport(t *testing.T) {
	s := Series{Power: constant(3600, 200), HeartRate: constant(3600, 150)}
	c, err := Composite(s, defaults())
	if err != nil {
		t.Fatalf("Composite: %v", err)
	}
	report := BuildReport(c, s)
	for _, want := range []string{
		"TSS 100.0 (power)",
		"Duration 1h00m00s",
		"FTP 200 W (parameter)",
		"Best 20 min power: 200 W",
		"Z4 Threshold: 1h00m00s (100.0%)",
		"pace skipped",
	} {
		if !strings.Contains(report, want) {
			t.Fatalf("expected %q in report:\n%s", want, report)
		}
	}

	if got := BuildReport(CompositeResult{}, Series{}); !strings.Contains(got, "unavailable") {
		t.Fatalf("expected unavailable report, got %q", got)
	}
}

func TestBuildPlanReport(t *testing.T) {
	est, err := EstimatePlan(WorkoutPlan{Name: "Steady", Sport: "cycling", Segments: []PlanSegment{
		{DurationSeconds: 1200, Metric: MethodPower, Target: 200},
		{DurationSeconds: 300, Metric: MethodPower, Target: 100},
	}}, defaults())
	if err != nil {
		t.Fatalf("EstimatePlan: %v", err)
	}
	report := BuildPlanReport(est)
	for _, want := range []string{"Plan: Steady (cycling)", "1. 20m00s @ 200 W", "2. 5m00s @ 100 W"} {
		if !strings.Contains(report, want) {
			t.Fatalf("expected %q in report:\n%s", want, report)
		}
	}
}
