// Package storage defines the document store contract and its MongoDB,
// in-memory and Parquet implementations.
package storage

import (
	"errors"
	"fmt"
	"sort"
)

// Document is one stored canonical document. The document id lives under IDField.
type Document map[string]any

// IDField is the document key holding the write id.
const IDField = "_id"

// ID returns the document write id, or "" when unset.
func (d Document) ID() string {
	id, _ := d[IDField].(string)
	return id
}

// Kind is a logical document kind.
type Kind string

const (
	KindSession       Kind = "session"
	KindRecord        Kind = "record"
	KindLap           Kind = "lap"
	KindTSS           Kind = "tss"
	KindWellness      Kind = "wellness"
	KindSleep         Kind = "sleep_data"
	KindHRV           Kind = "hrv_status"
	KindMetrics       Kind = "metrics"
	KindUserIndicator Kind = "user_indicator"
)

// Kinds lists every logical kind in a stable order.
func Kinds() []Kind {
	return []Kind{
		KindSession, KindRecord, KindLap, KindTSS,
		KindWellness, KindSleep, KindHRV, KindMetrics, KindUserIndicator,
	}
}

var (
	// ErrNotFound is returned by GetByID when the id does not exist.
	ErrNotFound = errors.New("document not found")
	// ErrUnknownKind is returned when a kind has no physical collection.
	ErrUnknownKind = errors.New("unknown document kind")
	// ErrInvalidQuery is returned when a filter or aggregation cannot be used.
	ErrInvalidQuery = errors.New("invalid query")
)

// Collections maps logical kinds to physical collection names.
type Collections map[Kind]string

// DefaultCollections returns the standard fitness-* collection layout.
func DefaultCollections() Collections {
	return Collections{
		KindSession:       "fitness-sessions",
		KindRecord:        "fitness-records",
		KindLap:           "fitness-laps",
		KindTSS:           "fitness-tss",
		KindWellness:      "fitness-wellness",
		KindSleep:         "fitness-sleep",
		KindHRV:           "fitness-hrv",
		KindMetrics:       "fitness-metrics",
		KindUserIndicator: "fitness-user-indicators",
	}
}

// Name returns the physical name for kind.
func (c Collections) Name(kind Kind) (string, error) {
	name, ok := c[kind]
	if !ok || name == "" {
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return name, nil
}

// Validate checks that every known kind maps to a unique name.
func (c Collections) Validate() error {
	seen := make(map[string]Kind, len(c))
	kinds := make([]string, 0, len(c))
	for k := range c {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)
	for _, k := range kinds {
		name := c[Kind(k)]
		if name == "" {
			return fmt.Errorf("collection for kind %q is empty", k)
		}
		if other, dup := seen[name]; dup {
			return fmt.Errorf("collection %q used by both %q and %q", name, other, k)
		}
		seen[name] = Kind(k)
	}
	for _, k := range Kinds() {
		if _, ok := c[k]; !ok {
			return fmt.Errorf("%w: %q has no collection", ErrUnknownKind, k)
		}
	}
	return nil
}
