package stress

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// SpeedToPace converts m/s to min/km. Non-positive speeds are +Inf.
func SpeedToPace(speed float64) float64 {
	if speed <= 0 {
		return math.Inf(1)
	}
	return 60.0 / (speed * 3.6)
}

// PaceToSpeed converts min/km to m/s. Non-positive paces are 0.
func PaceToSpeed(pace float64) float64 {
	if pace <= 0 {
		return 0
	}
	return (60.0 / pace) / 3.6
}

// FormatPace renders min/km as "M:SS".
func FormatPace(pace float64) string {
	if math.IsInf(pace, 1) || math.IsNaN(pace) {
		return "∞:∞"
	}
	minutes := int(pace)
	seconds := int((pace - float64(minutes)) * 60)
	return fmt.Sprintf("%d:%02d", minutes, seconds)
}

// ParsePace reads "MM:SS" or decimal minutes per km.
func ParsePace(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if !strings.Contains(s, ":") {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: pace %q: expected MM:SS or decimal minutes", ErrInvalidParameter, s)
		}
		return v, nil
	}
	parts := strings.SplitN(s, ":", 2)
	minutes, errM := strconv.Atoi(parts[0])
	seconds, errS := strconv.Atoi(parts[1])
	if errM != nil || errS != nil || seconds < 0 || seconds >= 60 {
		return 0, fmt.Errorf("%w: pace %q: expected MM:SS or decimal minutes", ErrInvalidParameter, s)
	}
	return float64(minutes) + float64(seconds)/60.0, nil
}
