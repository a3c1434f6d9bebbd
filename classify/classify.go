// Package classify turns decoded device fields into canonical, categorized
// documents. Fields that cannot be confidently identified are dropped.
package classify

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/lucasjlepore/peakflow/fitsource"
)

// Document is a canonical document. Root categories sit at the top level and
// every other category is a nested map under Category.SubObject.
type Document map[string]any

// Classify builds a new document from the fields of one message.
func Classify(messageType string, fields []fitsource.Field) Document {
	doc := make(Document, len(fields))
	ClassifyInto(doc, messageType, fields)
	return doc
}

// ClassifyInto merges the fields of one message into doc. Keys already in doc
// are overwritten by fields with the same canonical name.
func ClassifyInto(doc Document, messageType string, fields []fitsource.Field) {
	for _, f := range fields {
		if f.Invalid || f.Value == nil {
			continue
		}
		name := ResolveName(messageType, f)
		if !Includable(name) {
			continue
		}
		value, ok := processValue(f.Value)
		if !ok {
			continue
		}

		category := CategoryOf(name)
		switch category {
		case GPS:
			mergeGPS(doc, name, value)
		case Time, Numeric, Categorical:
			doc[name] = value
		default:
			key := category.SubObject()
			sub, _ := doc[key].(map[string]any)
			if sub == nil {
				sub = make(map[string]any)
				doc[key] = sub
			}
			sub[name] = value
		}
	}
}

// ResolveName returns the canonical lower-case name of f. Unnamed fields go
// through the vendor table and fall back to developer_field_<id>.
func ResolveName(messageType string, f fitsource.Field) string {
	if f.Name != "" {
		return strings.ToLower(f.Name)
	}
	if name, ok := vendorFieldNames[vendorKey{messageType: messageType, id: f.Number}]; ok {
		return name
	}
	return fmt.Sprintf("developer_field_%d", f.Number)
}

// Includable reports whether a field name passes the inclusion whitelist.
func Includable(name string) bool {
	lower := strings.ToLower(name)
	for _, p := range placeholderPatterns {
		if p.MatchString(lower) {
			return false
		}
	}
	if tableCategory(lower) != "" {
		return true
	}
	for _, p := range knownPrefixes {
		if strings.HasPrefix(lower, p) {
			return true
		}
	}
	for _, s := range knownSuffixes {
		if strings.HasSuffix(lower, s) {
			return true
		}
	}
	if containsAny(lower, environmentalSubstrings) {
		return true
	}
	return simpleIdentifier.MatchString(name) && len(name) <= maxSimpleIdentifierLen
}

// CategoryOf sorts a field name into a category. Power wins over
// environmental when a name carries both.
func CategoryOf(name string) Category {
	lower := strings.ToLower(name)
	if c := tableCategory(lower); c != "" {
		return c
	}

	if hasAnyPrefix(lower, "avg_", "max_", "min_") {
		switch {
		case hasAnySuffix(lower, "_heart_rate", "_hr"):
			return Numeric
		case strings.HasSuffix(lower, "_power"):
			return Power
		case hasAnySuffix(lower, "_speed", "_pace"):
			return Numeric
		case strings.HasSuffix(lower, "_cadence"):
			return Numeric
		case strings.HasSuffix(lower, "_temperature") && !strings.Contains(lower, "power"):
			return Environmental
		}
	}

	switch {
	case hasAnySuffix(lower, "_oscillation", "_stance", "_contact", "_stiffness"):
		return RunningDynamics
	case hasAnySuffix(lower, "_power", "_effectiveness", "_smoothness", "_balance"):
		return Power
	case strings.HasSuffix(lower, "_zone"):
		return Zone
	case strings.HasSuffix(lower, "_time") && strings.Contains(lower, "zone"):
		return Time
	case hasAnySuffix(lower, "_stroke", "_strokes", "_length", "_lengths", "_pool"):
		return Swimming
	}

	switch {
	case strings.Contains(lower, "power"):
		return Power
	case containsAny(lower, environmentalSubstrings):
		return Environmental
	case hasAnyPrefix(lower, "left_", "right_") && (strings.Contains(lower, "pco") || strings.Contains(lower, "phase")):
		return Cycling
	}
	return General
}

func tableCategory(lower string) Category {
	for _, t := range categoryTables {
		if _, ok := t.names[lower]; ok {
			return t.category
		}
	}
	return ""
}

// processValue normalizes a decoded value for storage. Integers widen to
// int64, floats to float64, times become RFC 3339 UTC strings.
func processValue(v any) (any, bool) {
	switch x := v.(type) {
	case time.Time:
		if x.IsZero() {
			return nil, false
		}
		return x.UTC().Format(time.RFC3339), true
	case string:
		return x, true
	case bool:
		return x, true
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return nil, false
		}
		return x, true
	case float32:
		return processValue(float64(x))
	case int8:
		return int64(x), true
	case int16:
		return int64(x), true
	case int32:
		return int64(x), true
	case int64:
		return x, true
	case int:
		return int64(x), true
	case uint8:
		return int64(x), true
	case uint16:
		return int64(x), true
	case uint32:
		return int64(x), true
	case uint64:
		if x > math.MaxInt64 {
			return fmt.Sprint(x), true
		}
		return int64(x), true
	default:
		return fmt.Sprint(v), true
	}
}

func hasAnyPrefix(s string, prefixes ...string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

func hasAnySuffix(s string, suffixes ...string) bool {
	for _, p := range suffixes {
		if strings.HasSuffix(s, p) {
			return true
		}
	}
	return false
}

func containsAny(s string, subs []string) bool {
	for _, p := range subs {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}
