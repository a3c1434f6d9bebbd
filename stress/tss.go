package stress

import (
	"fmt"
	"math"
)

// Method names a TSS path.
type Method string

const (
	MethodPower     Method = "power"
	MethodHeartRate Method = "heart_rate"
	MethodPace      Method = "pace"
)

// Methods lists the paths in priority order.
func Methods() []Method {
	return []Method{MethodPower, MethodHeartRate, MethodPace}
}

// Plausibility limits for thresholds.
const (
	MaxThresholdPower = 2000.0
	MinHeartRate      = 30.0
	MaxHeartRate      = 250.0
	MaxThresholdPace  = 60.0
)

// Result is the outcome of one TSS path. NormalizedMetric is watts for
// power, min/km for pace, and zero for heart rate.
type Result struct {
	Method           Method    `json:"method"`
	TSS              float64   `json:"tss"`
	IntensityFactor  float64   `json:"intensity_factor"`
	NormalizedMetric float64   `json:"normalized_metric,omitempty"`
	Threshold        Threshold `json:"threshold"`
	MaxHR            Threshold `json:"max_hr,omitzero"`
	DurationSeconds  int       `json:"duration_seconds"`
	DurationHours    float64   `json:"duration_hours"`
	Average          float64   `json:"average"`
	Max              float64   `json:"max"`

	NormalizedPaceFormatted string `json:"normalized_pace_formatted,omitempty"`
	ThresholdPaceFormatted  string `json:"threshold_pace_formatted,omitempty"`
	AveragePaceFormatted    string `json:"average_pace_formatted,omitempty"`
	BestPaceFormatted       string `json:"best_pace_formatted,omitempty"`
}

// PowerTSS scores a 1 Hz power series against ftp. Negative and non-finite
// samples are ignored; zero watts counts.
func PowerTSS(power []float64, ftp Threshold) (Result, error) {
	if err := checkThreshold("threshold power", ftp.Value, 0, MaxThresholdPower); err != nil {
		return Result{}, err
	}
	samples := filter(power, func(v float64) bool { return v >= 0 })
	if len(samples) == 0 {
		return Result{}, fmt.Errorf("power tss: %w: no power samples", ErrInsufficientData)
	}

	np := NormalizedPower(samples)
	duration := float64(len(samples))
	intensity := np / ftp.Value
	tss := duration * np * intensity / (ftp.Value * 3600) * 100

	return Result{
		Method:           MethodPower,
		TSS:              round(tss, 1),
		IntensityFactor:  round(intensity, 3),
		NormalizedMetric: round(np, 1),
		Threshold:        ftp,
		DurationSeconds:  len(samples),
		DurationHours:    round(duration/3600, 2),
		Average:          round(average(samples), 1),
		Max:              maxValue(samples),
	}, nil
}

// HeartRateTSS scores a 1 Hz heart-rate series with TRIMP weighting. A zero
// maxHR is estimated from the 95th percentile of the samples.
func HeartRateTSS(hr []float64, lthr, maxHR Threshold) (Result, error) {
	if err := checkThreshold("threshold heart rate", lthr.Value, MinHeartRate, MaxHeartRate); err != nil {
		return Result{}, err
	}
	samples := filter(hr, func(v float64) bool { return v > 0 })
	if len(samples) == 0 {
		return Result{}, fmt.Errorf("heart rate tss: %w: no heart rate samples", ErrInsufficientData)
	}
	if maxHR.Value == 0 {
		maxHR = Threshold{Value: math.Trunc(percentile(samples, 95)), Source: SourceObserved}
	}
	if err := checkThreshold("max heart rate", maxHR.Value, MinHeartRate, MaxHeartRate); err != nil {
		return Result{}, err
	}

	thresholdWeight := trimpWeight(lthr.Value / maxHR.Value)
	if thresholdWeight <= 0 {
		return Result{}, fmt.Errorf("heart rate tss: %w: zero threshold weight", ErrCalculation)
	}
	total := 0.0
	for _, v := range samples {
		total += trimpWeight(math.Min(v/maxHR.Value, 1.0))
	}
	intensity := math.Min(total/(float64(len(samples))*thresholdWeight), 2.0)
	hours := float64(len(samples)) / 3600
	tss := hours * intensity * intensity * 100

	return Result{
		Method:          MethodHeartRate,
		TSS:             round(tss, 1),
		IntensityFactor: round(intensity, 3),
		Threshold:       lthr,
		MaxHR:           maxHR,
		DurationSeconds: len(samples),
		DurationHours:   round(hours, 2),
		Average:         round(average(samples), 1),
		Max:             maxValue(samples),
	}, nil
}

// PaceTSS scores a 1 Hz speed series (m/s) against a threshold pace in
// min/km. Non-positive speeds are ignored.
func PaceTSS(speed []float64, thresholdPace Threshold) (Result, error) {
	if err := checkThreshold("threshold pace", thresholdPace.Value, 0, MaxThresholdPace); err != nil {
		return Result{}, err
	}
	speeds := filter(speed, func(v float64) bool { return v > 0 })
	if len(speeds) == 0 {
		return Result{}, fmt.Errorf("pace tss: %w: no speed samples", ErrInsufficientData)
	}
	paces := make([]float64, len(speeds))
	for i, s := range speeds {
		paces[i] = SpeedToPace(s)
	}

	np := NormalizedPace(paces)
	if np <= 0 || !isFinite(np) {
		return Result{}, fmt.Errorf("pace tss: %w: normalized pace is %v", ErrCalculation, np)
	}
	intensity := math.Max(0, math.Min(thresholdPace.Value/np, 2.0))
	hours := float64(len(paces)) / 3600
	tss := hours * intensity * intensity * 100
	avg := average(paces)
	best := minValue(paces)

	return Result{
		Method:                  MethodPace,
		TSS:                     round(tss, 1),
		IntensityFactor:         round(intensity, 3),
		NormalizedMetric:        round(np, 2),
		Threshold:               thresholdPace,
		DurationSeconds:         len(paces),
		DurationHours:           round(hours, 2),
		Average:                 round(avg, 2),
		Max:                     round(best, 2),
		NormalizedPaceFormatted: FormatPace(np),
		ThresholdPaceFormatted:  FormatPace(thresholdPace.Value),
		AveragePaceFormatted:    FormatPace(avg),
		BestPaceFormatted:       FormatPace(best),
	}, nil
}

// trimpWeight is the exponential TRIMP weight of a heart-rate ratio.
func trimpWeight(ratio float64) float64 {
	if ratio > 0.5 {
		return 0.64 * math.Exp(1.92*ratio)
	}
	return ratio
}

// checkThreshold requires lo < v <= hi for lo == 0, or lo <= v <= hi otherwise.
func checkThreshold(name string, v, lo, hi float64) error {
	switch {
	case math.IsNaN(v) || math.IsInf(v, 0):
		return fmt.Errorf("%w: %s is %v", ErrInvalidParameter, name, v)
	case v <= 0:
		return fmt.Errorf("%w: %s must be positive, got %v", ErrInvalidParameter, name, v)
	case v < lo || v > hi:
		return fmt.Errorf("%w: %s %v outside [%v, %v]", ErrInvalidParameter, name, v, lo, hi)
	}
	return nil
}

func filter(values []float64, keep func(float64) bool) []float64 {
	out := make([]float64, 0, len(values))
	for _, v := range values {
		if isFinite(v) && keep(v) {
			out = append(out, v)
		}
	}
	return out
}
