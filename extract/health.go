package extract

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/lucasjlepore/peakflow/classify"
	"github.com/lucasjlepore/peakflow/fitsource"
	"github.com/lucasjlepore/peakflow/storage"
)

// fitEpochOffset converts FIT-epoch seconds to Unix seconds.
const fitEpochOffset = 631065600

var healthKinds = map[string]storage.Kind{
	"hrv":                storage.KindHRV,
	"hrv_status_summary": storage.KindHRV,
	"hrv_value":          storage.KindHRV,
	"beat_intervals":     storage.KindHRV,
	"sleep_level":        storage.KindSleep,
	"sleep_assessment":   storage.KindSleep,
	"monitoring":         storage.KindWellness,
	"stress_level":       storage.KindWellness,
	"respiration_rate":   storage.KindWellness,
	"user_profile":       storage.KindMetrics,
	"zones_target":       storage.KindMetrics,
}

var healthKindOrder = []storage.Kind{
	storage.KindHRV, storage.KindSleep, storage.KindWellness, storage.KindMetrics,
}

var timestampFallbacks = []string{
	"timestamp", "local_timestamp", "time_created", "system_timestamp",
	"start_time", "end_time", "creation_time",
	"stress_level_time", "hrv_time", "sleep_time", "body_battery_time",
}

// HealthKind reports the storage kind of a wellness message type.
func HealthKind(messageType string) (storage.Kind, bool) {
	k, ok := healthKinds[messageType]
	return k, ok
}

// HealthProcessor stores wellness snapshots: HRV, sleep, stress and
// profile messages.
type HealthProcessor struct {
	store storage.Store
	opts  Options
}

// NewHealthProcessor returns a processor writing to store.
func NewHealthProcessor(store storage.Store, opts Options) *HealthProcessor {
	return &HealthProcessor{store: store, opts: opts.withDefaults()}
}

func (p *HealthProcessor) Process(ctx context.Context, msgs []fitsource.Message, id Identity) (*Result, error) {
	if strings.TrimSpace(id.UserID) == "" {
		return nil, fmt.Errorf("health processor: %w: user_id is required", ErrIdentity)
	}

	j := newJob("health", id, p.store, p.opts)
	byKind := make(map[storage.Kind][]storage.Document)
	dropped := make(map[storage.Kind]int)
	// Messages without a time of their own, such as hrv, take the time of
	// the closest preceding message in the file.
	var last time.Time
	for _, m := range msgs {
		ts, hasTime := messageTime(m)
		if hasTime {
			last = ts
		} else if !last.IsZero() {
			ts, hasTime = last, true
		}
		kind, ok := healthKinds[m.Type]
		if !ok {
			continue
		}
		if !hasTime {
			dropped[kind]++
			continue
		}
		byKind[kind] = append(byKind[kind], healthDocument(m, kind, ts, id))
	}

	for _, kind := range healthKindOrder {
		j.dropped(kind, dropped[kind])
		docs := j.validate(kind, byKind[kind])
		j.index(ctx, kind, docs, 0)
	}
	return j.finish(), nil
}

func healthDocument(m fitsource.Message, kind storage.Kind, ts time.Time, id Identity) storage.Document {
	doc := storage.Document{}
	classify.ClassifyInto(classify.Document(doc), m.Type, m.Fields)

	doc[storage.IDField] = fmt.Sprintf("%s_%s_%d_%d", id.UserID, m.Type, ts.Unix(), m.Index)
	doc["user_id"] = id.UserID
	doc["health_category"] = string(kind)
	doc["message_type"] = m.Type
	doc["timestamp"] = ts.UTC().Format(time.RFC3339)
	doc["document_kind"] = string(kind)
	if id.SourceFile != "" {
		doc["source_file"] = id.SourceFile
	}
	if id.ActivityID != "" {
		doc["activity_id"] = id.ActivityID
	}
	if kind == storage.KindHRV {
		doc["hrv_data_type"] = hrvDataType(m.Type)
	}
	return doc
}

func hrvDataType(messageType string) string {
	switch messageType {
	case "hrv_status_summary":
		return "summary"
	case "hrv_value":
		return "measurement"
	case "beat_intervals":
		return "beat_intervals"
	default:
		return "timeseries"
	}
}

// messageTime returns the first usable time among the fallback fields.
func messageTime(m fitsource.Message) (time.Time, bool) {
	for _, name := range timestampFallbacks {
		for _, f := range m.Fields {
			if f.Invalid || f.Value == nil || classify.ResolveName(m.Type, f) != name {
				continue
			}
			if t, ok := asMessageTime(f.Value); ok {
				return t, true
			}
		}
	}
	return time.Time{}, false
}

func asMessageTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, !t.IsZero()
	case string:
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02 15:04:05"} {
			if parsed, err := time.Parse(layout, t); err == nil {
				return parsed, true
			}
		}
		return time.Time{}, false
	}
	secs, ok := storage.ToFloat(v)
	if !ok || secs <= 0 {
		return time.Time{}, false
	}
	return time.Unix(int64(secs)+fitEpochOffset, 0).UTC(), true
}
