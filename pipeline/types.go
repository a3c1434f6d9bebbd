package pipeline

import (
	"log/slog"
	"time"

	"github.com/lucasjlepore/peakflow/extract"
	"github.com/lucasjlepore/peakflow/storage"
	"github.com/lucasjlepore/peakflow/stress"
)

// File kinds recognised by Run.
const (
	KindActivity = "activity"
	KindHealth   = "health"
	KindWorkout  = "workout"
)

// Options configures an ingest run.
type Options struct {
	UserID string
	// ActivityID defaults to the file name without extension.
	ActivityID string
	Store      storage.Store
	Extract    extract.Options
	// ComputeTSS scores activity files after a successful extraction.
	ComputeTSS bool
	Overrides  stress.Overrides
	Resolver   *stress.Resolver
	// Zones feed the zone_table threshold tier.
	Zones stress.Zones
	// ManifestDir, when set, receives one <activity_id>.json manifest per file.
	ManifestDir string
	Logger      *slog.Logger
}

// Result describes one ingested file.
type Result struct {
	FitPath      string              `json:"fit_path"`
	FileKind     string              `json:"file_kind"`
	ActivityID   string              `json:"activity_id"`
	UserID       string              `json:"user_id"`
	SourceSHA256 string              `json:"source_sha256"`
	StartTime    time.Time           `json:"start_time,omitzero"`
	Extraction   *extract.Result     `json:"extraction,omitempty"`
	TSS          *stress.Calculation `json:"tss,omitempty"`
	TSSError     string              `json:"tss_error,omitempty"`
	ManifestPath string              `json:"manifest_path,omitempty"`
	Warnings     []string            `json:"warnings,omitempty"`
	Error        string              `json:"error,omitempty"`
}
