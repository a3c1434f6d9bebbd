package classify

import (
	"math"
	"strings"
)

const semicircleScale = 180.0 / (1 << 31)

// SemicirclesToDegrees converts a FIT semicircle coordinate to degrees.
func SemicirclesToDegrees(v int64) float64 {
	return float64(v) * semicircleScale
}

func mergeGPS(doc Document, name string, value any) {
	axis := ""
	switch {
	case strings.Contains(name, "lat"):
		axis = "lat"
	case strings.Contains(name, "long"), strings.Contains(name, "lon"):
		axis = "lon"
	default:
		doc[name] = value
		return
	}

	var deg float64
	switch x := value.(type) {
	case int64:
		deg = SemicirclesToDegrees(x)
	case float64:
		deg = x
	default:
		return
	}
	if math.IsNaN(deg) {
		return
	}

	key := "location"
	switch {
	case strings.Contains(name, "start"):
		key = "start_location"
	case strings.Contains(name, "end"):
		key = "end_location"
	}
	loc, _ := doc[key].(map[string]any)
	if loc == nil {
		loc = make(map[string]any, 2)
		doc[key] = loc
	}
	loc[axis] = deg
}
