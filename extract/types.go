// Package extract turns decoded device messages into canonical storage
// documents and writes them through a storage.Store.
package extract

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/lucasjlepore/peakflow/fitsource"
	"github.com/lucasjlepore/peakflow/storage"
)

// ErrIdentity is returned when the caller does not supply the ids a processor needs.
var ErrIdentity = errors.New("missing identity")

// Identity scopes the documents produced from one file.
type Identity struct {
	ActivityID string
	UserID     string
	SourceFile string
}

// Status summarizes a Result.
type Status string

const (
	StatusCompleted          Status = "completed"
	StatusPartiallyCompleted Status = "partially_completed"
	StatusFailed             Status = "failed"
)

// Issue is one document that did not reach storage.
type Issue struct {
	Kind    storage.Kind `json:"kind"`
	DocID   string       `json:"doc_id"`
	Message string       `json:"message"`
}

// KindCount is the per-kind breakdown of a Result.
type KindCount struct {
	Total      int `json:"total"`
	Successful int `json:"successful"`
	Failed     int `json:"failed"`
	Dropped    int `json:"dropped"`
}

// Result reports one extraction job. Total == Successful + Failed; dropped
// documents are reported through Warnings and Counts only.
type Result struct {
	JobID      uuid.UUID                  `json:"job_id"`
	Kind       string                     `json:"kind"`
	ActivityID string                     `json:"activity_id,omitempty"`
	UserID     string                     `json:"user_id"`
	Total      int                        `json:"total"`
	Successful int                        `json:"successful"`
	Failed     int                        `json:"failed"`
	Errors     []Issue                    `json:"errors,omitempty"`
	Warnings   []string                   `json:"warnings,omitempty"`
	Status     Status                     `json:"status"`
	Counts     map[storage.Kind]KindCount `json:"counts"`
	Archive    string                     `json:"archive,omitempty"`
	Duration   time.Duration              `json:"duration"`
}

// Processor extracts one file's messages into storage.
type Processor interface {
	Process(ctx context.Context, msgs []fitsource.Message, id Identity) (*Result, error)
}

// RecordArchiver receives the validated record documents of an activity.
type RecordArchiver interface {
	Archive(ctx context.Context, activityID string, docs []storage.Document) (string, error)
}

// Options tunes a processor.
type Options struct {
	BatchSize int
	Archiver  RecordArchiver
	Metrics   *Metrics
	Logger    *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = storage.DefaultBatchSize
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.DiscardHandler)
	}
	return o
}
