package stress

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// PlanSegment is one planned block at a constant target. Targets are watts
// for power, bpm for heart rate and min/km for pace.
type PlanSegment struct {
	DurationSeconds int     `json:"duration_seconds"`
	Metric          Method  `json:"metric"`
	Target          float64 `json:"target"`
}

// WorkoutPlan is an ordered list of segments.
type WorkoutPlan struct {
	Name     string        `json:"name"`
	Sport    string        `json:"sport,omitempty"`
	Segments []PlanSegment `json:"segments"`
}

// SegmentEstimate is the standalone score of one segment.
type SegmentEstimate struct {
	PlanSegment
	TargetFormatted string  `json:"target_formatted"`
	TSS             float64 `json:"estimated_tss"`
	IntensityFactor float64 `json:"intensity_factor"`
}

// PlanEstimate is the estimated load of a plan. TSS is the sum of the
// per-metric group scores.
type PlanEstimate struct {
	Name                 string            `json:"name"`
	Sport                string            `json:"sport,omitempty"`
	TSS                  float64           `json:"estimated_tss"`
	PrimaryMethod        Method            `json:"primary_method"`
	TotalDurationSeconds int               `json:"total_duration_seconds"`
	TotalDurationHours   float64           `json:"total_duration_hours"`
	Groups               []Result          `json:"groups"`
	Segments             []SegmentEstimate `json:"segments"`
	Thresholds           ThresholdSet      `json:"thresholds_used"`
}

// EstimatePlan scores a plan by synthesizing a constant 1 Hz series for each
// segment and running it through the same path as an executed activity.
func EstimatePlan(plan WorkoutPlan, th ThresholdSet) (PlanEstimate, error) {
	if len(plan.Segments) == 0 {
		return PlanEstimate{}, fmt.Errorf("estimate plan %q: %w: no segments", plan.Name, ErrInsufficientData)
	}

	out := PlanEstimate{Name: plan.Name, Sport: plan.Sport, Thresholds: th}
	grouped := make(map[Method][]float64)
	for i, seg := range plan.Segments {
		if seg.DurationSeconds <= 0 {
			return PlanEstimate{}, fmt.Errorf("estimate plan %q: segment %d: %w: zero duration", plan.Name, i+1, ErrCalculation)
		}
		samples, err := segmentSamples(seg)
		if err != nil {
			return PlanEstimate{}, fmt.Errorf("estimate plan %q: segment %d: %w", plan.Name, i+1, err)
		}
		r, err := runPath(seg.Metric, samples, th)
		if err != nil {
			return PlanEstimate{}, fmt.Errorf("estimate plan %q: segment %d: %w", plan.Name, i+1, err)
		}
		out.Segments = append(out.Segments, SegmentEstimate{
			PlanSegment:     seg,
			TargetFormatted: formatTarget(seg),
			TSS:             r.TSS,
			IntensityFactor: r.IntensityFactor,
		})
		grouped[seg.Metric] = append(grouped[seg.Metric], samples...)
		out.TotalDurationSeconds += seg.DurationSeconds
	}

	total := 0.0
	for _, m := range Methods() {
		samples, ok := grouped[m]
		if !ok {
			continue
		}
		r, err := runPath(m, samples, th)
		if err != nil {
			return PlanEstimate{}, fmt.Errorf("estimate plan %q: %s group: %w", plan.Name, m, err)
		}
		out.Groups = append(out.Groups, r)
		total += r.TSS
		if out.PrimaryMethod == "" {
			out.PrimaryMethod = m
		}
	}
	out.TSS = round(total, 1)
	out.TotalDurationHours = round(float64(out.TotalDurationSeconds)/3600, 2)
	return out, nil
}

// segmentSamples synthesizes the 1 Hz series a segment would produce. Pace
// targets become the equivalent speed.
func segmentSamples(seg PlanSegment) ([]float64, error) {
	if !isFinite(seg.Target) || seg.Target <= 0 {
		return nil, fmt.Errorf("%w: target %v must be positive", ErrInvalidParameter, seg.Target)
	}
	v := seg.Target
	switch seg.Metric {
	case MethodPower, MethodHeartRate:
	case MethodPace:
		v = PaceToSpeed(seg.Target)
	default:
		return nil, fmt.Errorf("%w: unknown metric %q", ErrInvalidParameter, seg.Metric)
	}
	samples := make([]float64, seg.DurationSeconds)
	for i := range samples {
		samples[i] = v
	}
	return samples, nil
}

func runPath(m Method, samples []float64, th ThresholdSet) (Result, error) {
	switch m {
	case MethodPower:
		return PowerTSS(samples, th.Power)
	case MethodHeartRate:
		return HeartRateTSS(samples, th.HeartRate, th.MaxHR)
	case MethodPace:
		return PaceTSS(samples, th.Pace)
	}
	return Result{}, fmt.Errorf("%w: unknown metric %q", ErrInvalidParameter, m)
}

func formatTarget(seg PlanSegment) string {
	switch seg.Metric {
	case MethodPower:
		return fmt.Sprintf("%.0f W", seg.Target)
	case MethodHeartRate:
		return fmt.Sprintf("%.0f bpm", seg.Target)
	case MethodPace:
		return FormatPace(seg.Target) + "/km"
	}
	return strconv.FormatFloat(seg.Target, 'f', -1, 64)
}

type yamlPlan struct {
	Name     string        `yaml:"name"`
	Sport    string        `yaml:"sport"`
	Segments []yamlSegment `yaml:"segments"`
}

type yamlSegment struct {
	Duration        string    `yaml:"duration"`
	DurationSeconds int       `yaml:"duration_seconds"`
	DurationMinutes float64   `yaml:"duration_minutes"`
	Metric          string    `yaml:"metric"`
	Target          yaml.Node `yaml:"target"`
}

// LoadPlanYAML reads a plan such as:
//
//	name: Sweet spot
//	sport: cycling
//	segments:
//	  - duration: 10m
//	    metric: power
//	    target: 180
//	  - duration_minutes: 20
//	    metric: pace
//	    target: "4:30"
func LoadPlanYAML(r io.Reader) (WorkoutPlan, error) {
	var raw yamlPlan
	if err := yaml.NewDecoder(r).Decode(&raw); err != nil {
		return WorkoutPlan{}, fmt.Errorf("decode workout plan: %w", err)
	}
	plan := WorkoutPlan{Name: raw.Name, Sport: raw.Sport}
	for i, s := range raw.Segments {
		seg, err := s.segment()
		if err != nil {
			return WorkoutPlan{}, fmt.Errorf("workout plan segment %d: %w", i+1, err)
		}
		plan.Segments = append(plan.Segments, seg)
	}
	return plan, nil
}

func (s yamlSegment) segment() (PlanSegment, error) {
	seg := PlanSegment{Metric: Method(strings.ToLower(strings.TrimSpace(s.Metric)))}
	switch seg.Metric {
	case "hr":
		seg.Metric = MethodHeartRate
	case MethodPower, MethodHeartRate, MethodPace:
	default:
		return seg, fmt.Errorf("%w: unknown metric %q", ErrInvalidParameter, s.Metric)
	}

	switch {
	case s.DurationSeconds > 0:
		seg.DurationSeconds = s.DurationSeconds
	case s.DurationMinutes > 0:
		seg.DurationSeconds = int(s.DurationMinutes * 60)
	case s.Duration != "":
		d, err := time.ParseDuration(s.Duration)
		if err != nil {
			return seg, fmt.Errorf("%w: duration %q: %v", ErrInvalidParameter, s.Duration, err)
		}
		seg.DurationSeconds = int(d.Seconds())
	}

	if s.Target.Kind != yaml.ScalarNode {
		return seg, fmt.Errorf("%w: target must be a scalar", ErrInvalidParameter)
	}
	if seg.Metric == MethodPace {
		v, err := ParsePace(s.Target.Value)
		if err != nil {
			return seg, err
		}
		seg.Target = v
		return seg, nil
	}
	v, err := strconv.ParseFloat(s.Target.Value, 64)
	if err != nil {
		return seg, fmt.Errorf("%w: target %q", ErrInvalidParameter, s.Target.Value)
	}
	seg.Target = v
	return seg, nil
}
