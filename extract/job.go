package extract

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/lucasjlepore/peakflow/storage"
)

// job accumulates the accounting of one Process call.
type job struct {
	res     *Result
	store   storage.Store
	opts    Options
	started time.Time
}

func newJob(kind string, id Identity, store storage.Store, opts Options) *job {
	return &job{
		res: &Result{
			JobID:      uuid.New(),
			Kind:       kind,
			ActivityID: id.ActivityID,
			UserID:     id.UserID,
			Counts:     make(map[storage.Kind]KindCount),
		},
		store:   store,
		opts:    opts,
		started: time.Now(),
	}
}

func (j *job) logger() *slog.Logger {
	return j.opts.Logger.With("job_id", j.res.JobID.String(), "processor", j.res.Kind)
}

func (j *job) dropped(kind storage.Kind, n int) {
	if n == 0 {
		return
	}
	c := j.res.Counts[kind]
	c.Dropped += n
	j.res.Counts[kind] = c
	j.res.Warnings = append(j.res.Warnings, fmt.Sprintf("dropped %d %s documents without timestamp", n, kind))
	j.opts.Metrics.drop(kind, n)
}

// validate splits docs into the ones that pass Validate and records the rest
// as failed.
func (j *job) validate(kind storage.Kind, docs []storage.Document) []storage.Document {
	valid := docs[:0:0]
	for _, d := range docs {
		if err := Validate(kind, d); err != nil {
			j.logger().Debug("document failed validation", "kind", kind, "doc_id", d.ID(), "error", err)
			j.fail(kind, d.ID(), err.Error())
			continue
		}
		valid = append(valid, d)
	}
	if n := len(docs) - len(valid); n > 0 {
		j.opts.Metrics.count(kind, "invalid", n)
	}
	return valid
}

func (j *job) fail(kind storage.Kind, docID, msg string) {
	c := j.res.Counts[kind]
	c.Total++
	c.Failed++
	j.res.Counts[kind] = c
	j.res.Total++
	j.res.Failed++
	j.res.Errors = append(j.res.Errors, Issue{Kind: kind, DocID: docID, Message: msg})
}

// index writes docs in chunks of size, checking ctx between chunks. After
// cancellation the unsent documents fail with the context error and index
// reports false.
func (j *job) index(ctx context.Context, kind storage.Kind, docs []storage.Document, size int) bool {
	if size <= 0 || size > len(docs) {
		size = len(docs)
	}
	for start := 0; start < len(docs); start += size {
		if err := ctx.Err(); err != nil {
			for _, d := range docs[start:] {
				j.fail(kind, d.ID(), err.Error())
			}
			j.opts.Metrics.count(kind, "failed", len(docs)-start)
			return false
		}
		end := min(start+size, len(docs))
		j.record(kind, j.store.BulkIndex(ctx, kind, docs[start:end]))
	}
	return true
}

func (j *job) record(kind storage.Kind, ir storage.IndexingResult) {
	c := j.res.Counts[kind]
	c.Total += ir.Submitted()
	c.Successful += ir.Success
	c.Failed += ir.Failed
	j.res.Counts[kind] = c

	j.res.Total += ir.Submitted()
	j.res.Successful += ir.Success
	j.res.Failed += ir.Failed
	for _, e := range ir.Errors {
		j.res.Errors = append(j.res.Errors, Issue{Kind: kind, DocID: e.DocID, Message: e.Reason})
	}
	if ir.Failed > 0 {
		j.logger().Warn("bulk index reported failures", "kind", kind, "failed", ir.Failed, "success", ir.Success)
	}
	j.opts.Metrics.count(kind, "indexed", ir.Success)
	j.opts.Metrics.count(kind, "failed", ir.Failed)
}

func (j *job) finish() *Result {
	r := j.res
	switch {
	case r.Failed == 0:
		r.Status = StatusCompleted
	case r.Successful == 0:
		r.Status = StatusFailed
	default:
		r.Status = StatusPartiallyCompleted
	}
	r.Duration = time.Since(j.started)
	j.opts.Metrics.observe(r.Kind, r.Duration)
	j.logger().Info("extraction finished",
		"status", r.Status, "total", r.Total, "successful", r.Successful,
		"failed", r.Failed, "warnings", len(r.Warnings), "duration", r.Duration)
	return r
}
