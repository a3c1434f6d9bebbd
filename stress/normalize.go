package stress

import (
	"math"
	"sort"
)

// RollingWindow is the smoothing window, in 1 Hz samples, used by the
// normalized metrics.
const RollingWindow = 30

// NormalizedPower is the 4th root of the mean 4th power of the 30-sample
// rolling mean. Shorter series use the arithmetic mean.
func NormalizedPower(power []float64) float64 {
	if len(power) == 0 {
		return 0
	}
	if len(power) < RollingWindow {
		return average(power)
	}
	return fourthRoot(meanFourthOfRolling(power, func(v float64) float64 { return v }))
}

// NormalizedPace applies the same procedure to the speed equivalent of each
// rolling pace and converts the result back to min/km.
func NormalizedPace(pace []float64) float64 {
	if len(pace) == 0 {
		return 0
	}
	if len(pace) < RollingWindow {
		return average(pace)
	}
	m := meanFourthOfRolling(pace, func(rolling float64) float64 {
		if rolling <= 0 {
			return 0
		}
		return PaceToSpeed(rolling)
	})
	if m <= 0 {
		return average(pace)
	}
	return SpeedToPace(fourthRoot(m))
}

// meanFourthOfRolling averages transform(rolling mean)^4 over every full
// window of samples.
func meanFourthOfRolling(samples []float64, transform func(float64) float64) float64 {
	sum := 0.0
	for i := 0; i < RollingWindow; i++ {
		sum += samples[i]
	}
	total := 0.0
	count := 0
	for i := RollingWindow - 1; i < len(samples); i++ {
		if i >= RollingWindow {
			sum += samples[i] - samples[i-RollingWindow]
		}
		v := transform(sum / RollingWindow)
		total += v * v * v * v
		count++
	}
	return total / float64(count)
}

func fourthRoot(v float64) float64 {
	if v <= 0 {
		return 0
	}
	return math.Sqrt(math.Sqrt(v))
}

// BestRollingPower returns the highest mean power over any window of seconds.
func BestRollingPower(power []float64, seconds int) float64 {
	if len(power) == 0 || seconds <= 0 {
		return 0
	}
	if len(power) < seconds {
		return average(power)
	}
	sum := 0.0
	for i := 0; i < seconds; i++ {
		sum += power[i]
	}
	best := sum / float64(seconds)
	for i := seconds; i < len(power); i++ {
		sum += power[i] - power[i-seconds]
		if cur := sum / float64(seconds); cur > best {
			best = cur
		}
	}
	return best
}

// ZoneDuration is the time spent in one FTP-relative power zone.
type ZoneDuration struct {
	Zone       string  `json:"zone"`
	MinPctFTP  float64 `json:"min_pct_ftp"`
	MaxPctFTP  float64 `json:"max_pct_ftp"`
	Seconds    float64 `json:"seconds"`
	Percentage float64 `json:"percentage"`
}

var powerZones = []struct {
	zone     string
	min, max float64
}{
	{"Z1 Active Recovery", 0, 55},
	{"Z2 Endurance", 55, 75},
	{"Z3 Tempo", 75, 90},
	{"Z4 Threshold", 90, 105},
	{"Z5 VO2", 105, 120},
	{"Z6 Anaerobic", 120, 150},
	{"Z7 Neuromuscular", 150, 1000},
}

// PowerZones distributes 1 Hz power samples over the seven FTP zones.
func PowerZones(power []float64, ftp float64) []ZoneDuration {
	if ftp <= 0 || len(power) == 0 {
		return nil
	}
	counts := make([]int, len(powerZones))
	total := 0
	for _, p := range power {
		if p < 0 || !isFinite(p) {
			continue
		}
		pct := p / ftp * 100
		for i, z := range powerZones {
			if pct >= z.min && pct < z.max {
				counts[i]++
				total++
				break
			}
		}
	}
	if total == 0 {
		return nil
	}
	out := make([]ZoneDuration, 0, len(powerZones))
	for i, z := range powerZones {
		secs := float64(counts[i])
		out = append(out, ZoneDuration{
			Zone:       z.zone,
			MinPctFTP:  z.min,
			MaxPctFTP:  z.max,
			Seconds:    secs,
			Percentage: secs / float64(total) * 100,
		})
	}
	return out
}

// percentile uses linear interpolation between closest ranks.
func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	rank := p / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return sorted[lo]
	}
	return sorted[lo] + (sorted[hi]-sorted[lo])*(rank-float64(lo))
}

func average(values []float64) float64 {
	total := 0.0
	count := 0
	for _, v := range values {
		if !isFinite(v) {
			continue
		}
		total += v
		count++
	}
	if count == 0 {
		return 0
	}
	return total / float64(count)
}

func maxValue(values []float64) float64 {
	best := 0.0
	found := false
	for _, v := range values {
		if !isFinite(v) {
			continue
		}
		if !found || v > best {
			best = v
			found = true
		}
	}
	return best
}

func minValue(values []float64) float64 {
	best := 0.0
	found := false
	for _, v := range values {
		if !isFinite(v) {
			continue
		}
		if !found || v < best {
			best = v
			found = true
		}
	}
	return best
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
