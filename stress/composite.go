package stress

import (
	"errors"
	"fmt"
)

// CompositeResult holds every path that succeeded and the primary one.
type CompositeResult struct {
	TSS             float64           `json:"tss"`
	PrimaryMethod   Method            `json:"primary_method"`
	IntensityFactor float64           `json:"intensity_factor"`
	DurationHours   float64           `json:"duration_hours"`
	Power           *Result           `json:"power,omitempty"`
	HeartRate       *Result           `json:"heart_rate,omitempty"`
	Pace            *Result           `json:"pace,omitempty"`
	Thresholds      ThresholdSet      `json:"thresholds_used"`
	Skipped         map[Method]string `json:"skipped,omitempty"`
}

// Primary returns the result of the primary method.
func (c CompositeResult) Primary() *Result {
	return c.ByMethod(c.PrimaryMethod)
}

// ByMethod returns the result for m, or nil when that path did not succeed.
func (c CompositeResult) ByMethod(m Method) *Result {
	switch m {
	case MethodPower:
		return c.Power
	case MethodHeartRate:
		return c.HeartRate
	case MethodPace:
		return c.Pace
	}
	return nil
}

// Succeeded lists the methods that produced a result, in priority order.
func (c CompositeResult) Succeeded() []Method {
	var out []Method
	for _, m := range Methods() {
		if c.ByMethod(m) != nil {
			out = append(out, m)
		}
	}
	return out
}

// Composite runs power, heart-rate and pace paths in that order. The first
// success is primary. When every path fails the error joins each reason.
func Composite(s Series, th ThresholdSet) (CompositeResult, error) {
	out := CompositeResult{Thresholds: th, Skipped: make(map[Method]string)}
	var errs []error

	record := func(m Method, r Result, err error) {
		if err != nil {
			out.Skipped[m] = err.Error()
			errs = append(errs, fmt.Errorf("%s: %w", m, err))
			return
		}
		res := r
		switch m {
		case MethodPower:
			out.Power = &res
		case MethodHeartRate:
			out.HeartRate = &res
		case MethodPace:
			out.Pace = &res
		}
		if out.PrimaryMethod == "" {
			out.PrimaryMethod = m
			out.TSS = r.TSS
			out.IntensityFactor = r.IntensityFactor
			out.DurationHours = r.DurationHours
		}
	}

	r, err := PowerTSS(s.Power, th.Power)
	record(MethodPower, r, err)
	r, err = HeartRateTSS(s.HeartRate, th.HeartRate, th.MaxHR)
	record(MethodHeartRate, r, err)
	r, err = PaceTSS(s.Speed, th.Pace)
	record(MethodPace, r, err)

	if out.PrimaryMethod == "" {
		return out, fmt.Errorf("composite tss: %w", errors.Join(append([]error{ErrInsufficientData}, errs...)...))
	}
	if len(out.Skipped) == 0 {
		out.Skipped = nil
	}
	return out, nil
}
