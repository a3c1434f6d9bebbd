package stress

import (
	"fmt"

	"github.com/lucasjlepore/peakflow/fitsource"
	"github.com/lucasjlepore/peakflow/storage"
)

// Workout step enums used when importing FIT workout files.
const (
	stepDurationTime   = 0
	stepDurationRepeat = 6

	targetSpeed     = 0
	targetHeartRate = 1
	targetPower     = 4
)

// Standard zone midpoints used when a step targets a zone number instead of
// a custom range: power as % FTP, heart rate as % max HR.
var (
	powerZoneMidPct = []float64{0, 50, 65, 82.5, 97.5, 112.5, 135, 175}
	hrZoneMidPct    = []float64{0, 55, 65, 75, 85, 95}
)

// PlanFromWorkout converts workout and workout_step messages into a plan.
// Time-based steps with a power, heart-rate or speed target become segments;
// repeat steps are expanded. Other steps are skipped.
func PlanFromWorkout(msgs []fitsource.Message, th ThresholdSet) (WorkoutPlan, error) {
	var plan WorkoutPlan
	stepStart := make(map[int]int)
	step := 0
	for _, m := range msgs {
		switch m.Type {
		case "workout":
			if f, ok := m.Field("wkt_name"); ok && !f.Invalid {
				plan.Name, _ = f.Value.(string)
			}
			if f, ok := m.Field("sport"); ok && !f.Invalid {
				plan.Sport, _ = f.Value.(string)
			}
		case "workout_step":
			idx := step
			if v, ok := msgFloat(m, "message_index"); ok {
				idx = int(v)
			}
			step++
			stepStart[idx] = len(plan.Segments)

			durType, _ := msgFloat(m, "duration_type")
			if int(durType) == stepDurationRepeat {
				from, _ := msgFloat(m, "duration_value")
				times, _ := msgFloat(m, "target_value")
				start, ok := stepStart[int(from)]
				if !ok || times < 2 {
					continue
				}
				block := append([]PlanSegment(nil), plan.Segments[start:]...)
				for i := 1; i < int(times); i++ {
					plan.Segments = append(plan.Segments, block...)
				}
				continue
			}
			if seg, ok := stepSegment(m, int(durType), th); ok {
				plan.Segments = append(plan.Segments, seg)
			}
		}
	}
	if len(plan.Segments) == 0 {
		return plan, fmt.Errorf("workout plan: %w: no timed steps with a power, heart rate or speed target", ErrInsufficientData)
	}
	if plan.Name == "" {
		plan.Name = "Imported workout"
	}
	return plan, nil
}

func stepSegment(m fitsource.Message, durType int, th ThresholdSet) (PlanSegment, bool) {
	if durType != stepDurationTime {
		return PlanSegment{}, false
	}
	ms, ok := msgFloat(m, "duration_value")
	if !ok || ms <= 0 {
		return PlanSegment{}, false
	}
	seg := PlanSegment{DurationSeconds: int(ms / 1000)}
	if seg.DurationSeconds <= 0 {
		return PlanSegment{}, false
	}

	targetType, ok := msgFloat(m, "target_type")
	if !ok {
		return PlanSegment{}, false
	}
	low, _ := msgFloat(m, "custom_target_value_low")
	high, _ := msgFloat(m, "custom_target_value_high")
	zone, _ := msgFloat(m, "target_value")

	switch int(targetType) {
	case targetPower:
		seg.Metric = MethodPower
		if low > 0 || high > 0 {
			seg.Target = midpoint(powerTarget(low, th), powerTarget(high, th))
		} else if z := int(zone); z > 0 && z < len(powerZoneMidPct) {
			seg.Target = powerZoneMidPct[z] / 100 * th.Power.Value
		}
	case targetHeartRate:
		seg.Metric = MethodHeartRate
		if low > 0 || high > 0 {
			seg.Target = midpoint(hrTarget(low, th), hrTarget(high, th))
		} else if z := int(zone); z > 0 && z < len(hrZoneMidPct) {
			seg.Target = hrZoneMidPct[z] / 100 * th.MaxHR.Value
		}
	case targetSpeed:
		seg.Metric = MethodPace
		if speed := midpoint(low/1000, high/1000); speed > 0 {
			seg.Target = SpeedToPace(speed)
		}
	default:
		return PlanSegment{}, false
	}
	if seg.Target <= 0 || !isFinite(seg.Target) {
		return PlanSegment{}, false
	}
	return seg, true
}

// powerTarget decodes a custom power value: >= 1000 is watts + 1000,
// otherwise % FTP.
func powerTarget(v float64, th ThresholdSet) float64 {
	if v <= 0 {
		return 0
	}
	if v >= 1000 {
		return v - 1000
	}
	return v / 100 * th.Power.Value
}

// hrTarget decodes a custom heart-rate value: >= 100 is bpm + 100,
// otherwise % max HR.
func hrTarget(v float64, th ThresholdSet) float64 {
	if v <= 0 {
		return 0
	}
	if v >= 100 {
		return v - 100
	}
	return v / 100 * th.MaxHR.Value
}

// midpoint averages the non-zero bounds.
func midpoint(a, b float64) float64 {
	switch {
	case a > 0 && b > 0:
		return (a + b) / 2
	case a > 0:
		return a
	default:
		return b
	}
}

func msgFloat(m fitsource.Message, name string) (float64, bool) {
	f, ok := m.Field(name)
	if !ok || f.Invalid {
		return 0, false
	}
	return storage.ToFloat(f.Value)
}
