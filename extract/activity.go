package extract

import (
	"context"
	"fmt"
	"strings"

	"github.com/lucasjlepore/peakflow/classify"
	"github.com/lucasjlepore/peakflow/fitsource"
	"github.com/lucasjlepore/peakflow/storage"
)

// ActivityProcessor stores the sessions, laps and records of an activity file.
type ActivityProcessor struct {
	store storage.Store
	opts  Options
}

// NewActivityProcessor returns a processor writing to store.
func NewActivityProcessor(store storage.Store, opts Options) *ActivityProcessor {
	return &ActivityProcessor{store: store, opts: opts.withDefaults()}
}

type activityDocs struct {
	sessions, laps, records []storage.Document
}

func (p *ActivityProcessor) Process(ctx context.Context, msgs []fitsource.Message, id Identity) (*Result, error) {
	if strings.TrimSpace(id.ActivityID) == "" || strings.TrimSpace(id.UserID) == "" {
		return nil, fmt.Errorf("activity processor: %w: activity_id and user_id are required", ErrIdentity)
	}

	j := newJob("activity", id, p.store, p.opts)
	docs := buildActivityDocs(msgs, id)

	sessions := j.validate(storage.KindSession, j.keepTimestamped(storage.KindSession, docs.sessions))
	laps := j.validate(storage.KindLap, j.keepTimestamped(storage.KindLap, docs.laps))
	records := j.validate(storage.KindRecord, j.keepTimestamped(storage.KindRecord, docs.records))

	// Sessions and laps go as one batch each; records are chunked. Once ctx
	// is done every later batch fails without reaching the store.
	j.index(ctx, storage.KindSession, sessions, 0)
	j.index(ctx, storage.KindLap, laps, 0)
	if j.index(ctx, storage.KindRecord, records, p.opts.BatchSize) && ctx.Err() == nil {
		p.archive(ctx, j, id.ActivityID, records)
	}
	return j.finish(), nil
}

func (p *ActivityProcessor) archive(ctx context.Context, j *job, activityID string, records []storage.Document) {
	if p.opts.Archiver == nil || len(records) == 0 {
		return
	}
	path, err := p.opts.Archiver.Archive(ctx, activityID, records)
	if err != nil {
		j.res.Warnings = append(j.res.Warnings, fmt.Sprintf("record archive: %v", err))
		j.logger().Warn("record archive failed", "error", err)
		return
	}
	j.res.Archive = path
}

// keepTimestamped drops documents that classification left without a
// timestamp.
func (j *job) keepTimestamped(kind storage.Kind, docs []storage.Document) []storage.Document {
	out := docs[:0:0]
	for _, d := range docs {
		if _, ok := d["timestamp"]; ok {
			out = append(out, d)
		}
	}
	j.dropped(kind, len(docs)-len(out))
	return out
}

// buildActivityDocs classifies session, lap and record messages in file order.
func buildActivityDocs(msgs []fitsource.Message, id Identity) activityDocs {
	var out activityDocs
	var seq, lapNumber, sessionNumber int
	for _, m := range msgs {
		var kind storage.Kind
		var docID string
		base := storage.Document{}
		switch m.Type {
		case "record":
			kind = storage.KindRecord
			docID = fmt.Sprintf("%s_record_%d", id.ActivityID, seq)
			base["sequence"] = int64(seq)
			seq++
		case "lap":
			lapNumber++
			kind = storage.KindLap
			docID = fmt.Sprintf("%s_lap_%d", id.ActivityID, lapNumber)
			base["lap_number"] = int64(lapNumber)
		case "session":
			sessionNumber++
			kind = storage.KindSession
			docID = id.ActivityID + "_session"
			if sessionNumber > 1 {
				docID = fmt.Sprintf("%s_session_%d", id.ActivityID, sessionNumber)
			}
		default:
			continue
		}

		classify.ClassifyInto(classify.Document(base), m.Type, m.Fields)
		base[storage.IDField] = docID
		base["activity_id"] = id.ActivityID
		base["user_id"] = id.UserID
		base["document_kind"] = string(kind)
		if id.SourceFile != "" {
			base["source_file"] = id.SourceFile
		}

		switch kind {
		case storage.KindRecord:
			out.records = append(out.records, base)
		case storage.KindLap:
			out.laps = append(out.laps, base)
		case storage.KindSession:
			out.sessions = append(out.sessions, base)
		}
	}
	return out
}
