package stress

import (
	"math"
	"sort"
	"time"

	"github.com/lucasjlepore/peakflow/storage"
)

// maxGapFill is the longest gap, in seconds, bridged by repeating the last
// power sample.
const maxGapFill = 30

// Series holds 1 Hz samples for the three TSS paths.
type Series struct {
	Power     []float64
	HeartRate []float64
	Speed     []float64
}

// Empty reports whether the series has no samples at all.
func (s Series) Empty() bool {
	return len(s.Power) == 0 && len(s.HeartRate) == 0 && len(s.Speed) == 0
}

type recordRow struct {
	ts  time.Time
	doc storage.Document
}

// SeriesFromDocuments builds a Series from stored record documents. Records
// are ordered by timestamp; power gaps of up to 30 s are filled with the last
// sample so the power series stays at 1 Hz.
func SeriesFromDocuments(docs []storage.Document) Series {
	rows := make([]recordRow, 0, len(docs))
	for _, d := range docs {
		ts, _ := docTime(d["timestamp"])
		rows = append(rows, recordRow{ts: ts, doc: d})
	}
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].ts.Before(rows[j].ts) })

	var (
		s          Series
		lastTS     time.Time
		lastPower  float64
		havePower  bool
		haveLastTS bool
	)
	for _, r := range rows {
		if p, ok := docFloat(r.doc, "power", "power_fields.power"); ok && p >= 0 {
			if havePower && haveLastTS && !r.ts.IsZero() && r.ts.After(lastTS) {
				missing := int(math.Round(r.ts.Sub(lastTS).Seconds())) - 1
				if missing > 0 && missing <= maxGapFill {
					for i := 0; i < missing; i++ {
						s.Power = append(s.Power, lastPower)
					}
				}
			}
			s.Power = append(s.Power, p)
			lastPower = p
			havePower = true
		}
		if hr, ok := docFloat(r.doc, "heart_rate"); ok && hr > 0 {
			s.HeartRate = append(s.HeartRate, hr)
		}
		if v, ok := docFloat(r.doc, "speed", "enhanced_speed"); ok && v > 0 {
			s.Speed = append(s.Speed, v)
		}
		if !r.ts.IsZero() {
			lastTS = r.ts
			haveLastTS = true
		}
	}
	return s
}

// docFloat returns the first numeric value among the dotted paths.
func docFloat(d storage.Document, paths ...string) (float64, bool) {
	for _, p := range paths {
		v, ok := lookupPath(d, p)
		if !ok {
			continue
		}
		if f, ok := storage.ToFloat(v); ok && isFinite(f) {
			return f, true
		}
	}
	return 0, false
}

func lookupPath(d map[string]any, path string) (any, bool) {
	cur := any(d)
	start := 0
	for i := 0; i <= len(path); i++ {
		if i < len(path) && path[i] != '.' {
			continue
		}
		m, ok := cur.(map[string]any)
		if !ok {
			if sd, isDoc := cur.(storage.Document); isDoc {
				m = sd
			} else {
				return nil, false
			}
		}
		cur, ok = m[path[start:i]]
		if !ok {
			return nil, false
		}
		start = i + 1
	}
	return cur, true
}

func docTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, !t.IsZero()
	case string:
		parsed, err := time.Parse(time.RFC3339, t)
		return parsed, err == nil
	}
	return time.Time{}, false
}
