// Package pipeline ingests FIT files: decode, extract into the store and
// optionally score training stress.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/lucasjlepore/peakflow/extract"
	"github.com/lucasjlepore/peakflow/fitsource"
	"github.com/lucasjlepore/peakflow/storage"
	"github.com/lucasjlepore/peakflow/stress"
)

// FIT file_id.type values.
const (
	fileTypeActivity = 4
	fileTypeWorkout  = 5
)

// ErrUnsupportedFile is returned for files with nothing to ingest.
var ErrUnsupportedFile = errors.New("unsupported fit file")

// Run ingests one FIT file.
func Run(ctx context.Context, fitPath string, opts Options) (*Result, error) {
	if strings.TrimSpace(fitPath) == "" {
		return nil, fmt.Errorf("fit path is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if opts.Extract.Logger == nil {
		opts.Extract.Logger = logger
	}

	file, err := fitsource.ParseFile(fitPath)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", fitPath, err)
	}

	res := &Result{
		FitPath:      fitPath,
		FileKind:     DetectKind(file),
		ActivityID:   opts.ActivityID,
		UserID:       opts.UserID,
		SourceSHA256: file.SourceSHA256,
		StartTime:    file.StartTime(),
		Warnings:     append([]string(nil), file.Warnings...),
	}
	if res.ActivityID == "" {
		res.ActivityID = ActivityIDFromPath(fitPath)
	}
	logger = logger.With("file", filepath.Base(fitPath), "activity_id", res.ActivityID, "kind", res.FileKind)

	id := extract.Identity{
		ActivityID: res.ActivityID,
		UserID:     opts.UserID,
		SourceFile: filepath.Base(fitPath),
	}
	var proc extract.Processor
	switch res.FileKind {
	case KindActivity:
		proc = extract.NewActivityProcessor(opts.Store, opts.Extract)
	case KindHealth:
		proc = extract.NewHealthProcessor(opts.Store, opts.Extract)
	default:
		return res, fmt.Errorf("%s: %w: %s files are not ingested", fitPath, ErrUnsupportedFile, res.FileKind)
	}

	res.Extraction, err = proc.Process(ctx, file.Messages, id)
	if err != nil {
		return res, fmt.Errorf("extract %s: %w", fitPath, err)
	}
	logger.Info("file ingested",
		"status", res.Extraction.Status,
		"successful", res.Extraction.Successful,
		"failed", res.Extraction.Failed)

	if opts.ComputeTSS && res.FileKind == KindActivity && res.Extraction.Status != extract.StatusFailed {
		svc := stress.NewService(opts.Store, opts.Resolver, logger).WithZones(opts.Zones)
		calc, err := svc.CalculateForActivity(ctx, opts.UserID, res.ActivityID, opts.Overrides)
		if err != nil {
			res.TSSError = err.Error()
			logger.Warn("tss calculation failed", "error", err)
		} else {
			res.TSS = calc
		}
	}

	if opts.ManifestDir != "" {
		if err := os.MkdirAll(opts.ManifestDir, 0o755); err != nil {
			return res, fmt.Errorf("create manifest dir: %w", err)
		}
		path := filepath.Join(opts.ManifestDir, res.ActivityID+".json")
		if err := writeJSON(path, res); err != nil {
			return res, fmt.Errorf("write manifest: %w", err)
		}
		res.ManifestPath = path
	}
	return res, nil
}

// RunAll ingests files with at most workers in flight. Every file gets a
// result in input order; a failing file does not stop the others. The
// returned error joins the per-file failures.
func RunAll(ctx context.Context, paths []string, opts Options, workers int) ([]*Result, error) {
	if workers <= 0 {
		workers = 1
	}
	results := make([]*Result, len(paths))
	errs := make([]error, len(paths))

	var g errgroup.Group
	g.SetLimit(workers)
	for i, path := range paths {
		g.Go(func() error {
			fileOpts := opts
			if len(paths) > 1 {
				fileOpts.ActivityID = ""
			}
			res, err := Run(ctx, path, fileOpts)
			if res == nil {
				res = &Result{FitPath: path, UserID: opts.UserID}
			}
			if err != nil {
				res.Error = err.Error()
				errs[i] = err
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()
	return results, errors.Join(errs...)
}

// DetectKind classifies a decoded file as activity, health or workout.
func DetectKind(file *fitsource.File) string {
	hasActivity, hasHealth, hasWorkout := false, false, false
	for _, m := range file.Messages {
		switch m.Type {
		case "file_id":
			if f, ok := m.Field("type"); ok && !f.Invalid {
				switch v, _ := storage.ToFloat(f.Value); int(v) {
				case fileTypeActivity:
					return KindActivity
				case fileTypeWorkout:
					return KindWorkout
				}
			}
		case "session", "record", "lap":
			hasActivity = true
		case "workout_step":
			hasWorkout = true
		default:
			if _, ok := extract.HealthKind(m.Type); ok {
				hasHealth = true
			}
		}
	}
	switch {
	case hasActivity:
		return KindActivity
	case hasWorkout:
		return KindWorkout
	case hasHealth:
		return KindHealth
	}
	return "unknown"
}

// ActivityIDFromPath derives an activity id from a file name such as
// "12345_ACTIVITY.fit".
func ActivityIDFromPath(path string) string {
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	return strings.TrimSuffix(base, "_ACTIVITY")
}

func writeJSON(path string, v any) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
