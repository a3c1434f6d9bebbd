package extract

import (
	"errors"
	"fmt"

	"github.com/lucasjlepore/peakflow/storage"
)

// ErrValidation marks a document rejected before indexing.
var ErrValidation = errors.New("validation failed")

// Physiological and physical bounds applied to every document kind.
const (
	MinHeartRate = 30
	MaxHeartRate = 250
	MaxDistanceM = 1_000_000
)

var requiredByKind = map[storage.Kind][]string{
	storage.KindSession: {"activity_id", "user_id", "timestamp"},
	storage.KindRecord:  {"activity_id", "user_id", "timestamp", "sequence"},
	storage.KindLap:     {"activity_id", "user_id", "timestamp", "lap_number"},
}

// Validate checks doc against the rules for kind.
func Validate(kind storage.Kind, doc storage.Document) error {
	required, ok := requiredByKind[kind]
	if !ok {
		required = []string{"user_id", "timestamp"}
	}
	for _, f := range required {
		if v, ok := doc[f]; !ok || v == nil {
			return fmt.Errorf("%w: missing required field %s", ErrValidation, f)
		}
	}

	for _, f := range []string{"distance", "total_distance"} {
		if v, ok := number(doc, f); ok && (v < 0 || v > MaxDistanceM) {
			return fmt.Errorf("%w: invalid %s value %v", ErrValidation, f, v)
		}
	}
	for _, f := range []string{"heart_rate", "avg_heart_rate"} {
		if v, ok := number(doc, f); ok && (v < MinHeartRate || v > MaxHeartRate) {
			return fmt.Errorf("%w: invalid %s value %v", ErrValidation, f, v)
		}
	}
	if v, ok := number(doc, "max_heart_rate"); ok && v > MaxHeartRate {
		return fmt.Errorf("%w: invalid max_heart_rate value %v", ErrValidation, v)
	}
	for _, f := range []string{"location", "start_location", "end_location"} {
		loc, ok := doc[f].(map[string]any)
		if !ok {
			continue
		}
		lat, okLat := storage.ToFloat(loc["lat"])
		lon, okLon := storage.ToFloat(loc["lon"])
		if okLat && (lat < -90 || lat > 90) || okLon && (lon < -180 || lon > 180) {
			return fmt.Errorf("%w: invalid GPS coordinates in %s", ErrValidation, f)
		}
	}
	return nil
}

func number(doc storage.Document, key string) (float64, bool) {
	v, ok := doc[key]
	if !ok {
		return 0, false
	}
	return storage.ToFloat(v)
}
