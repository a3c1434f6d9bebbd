package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/lucasjlepore/peakflow/app"
	"github.com/lucasjlepore/peakflow/config"
	"github.com/lucasjlepore/peakflow/extract"
	"github.com/lucasjlepore/peakflow/pipeline"
	"github.com/lucasjlepore/peakflow/storage"
	"github.com/lucasjlepore/peakflow/stress"
)

func main() {
	var (
		configPath = flag.String("config", "", "Path to peakflow YAML config")
		userID     = flag.String("user", "", "User id owning the files")
		activityID = flag.String("activity", "", "Activity id (single file only; defaults to the file name)")
		workers    = flag.Int("workers", 4, "Files processed concurrently")
		computeTSS = flag.Bool("tss", true, "Calculate TSS after ingesting activity files")
		ftp        = flag.Float64("ftp", 0, "FTP override in watts")
		lthr       = flag.Float64("lthr", 0, "Threshold heart rate override in bpm")
		maxHR      = flag.Float64("maxhr", 0, "Max heart rate override in bpm")
		pace       = flag.Float64("pace", 0, "Threshold pace override in min/km")
		archiveDir = flag.String("archive", "", "Directory for record archives (overrides config)")
		archiveFmt = flag.String("archive-format", "parquet", "Record archive format: parquet|csv")
		manifest   = flag.String("manifest", "", "Directory for per-file JSON manifests")
		dryRun     = flag.Bool("dry-run", false, "Ingest into an in-memory store")
		jsonOut    = flag.Bool("json", false, "Print results as JSON")
	)
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s --user u1 [flags] file.fit [file.fit ...]\n", filepath.Base(os.Args[0]))
		flag.PrintDefaults()
	}
	flag.Parse()

	if *userID == "" || flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fail(err)
	}
	logger, err := config.NewLogger(cfg.Log)
	if err != nil {
		fail(err)
	}

	rt, err := app.Open(ctx, cfg, logger, app.Options{DryRun: *dryRun})
	if err != nil {
		fail(err)
	}
	defer rt.Close(context.Background())

	// Ingest exits when done, so its metrics go to the Pushgateway rather
	// than a scrape endpoint.
	extractOpts := extract.Options{BatchSize: cfg.BatchSize, Logger: logger}
	reg := prometheus.NewRegistry()
	if cfg.Metrics.PushGateway != "" {
		if extractOpts.Metrics, err = extract.NewMetrics(reg); err != nil {
			fail(err)
		}
	}
	dir := cfg.ArchiveDir
	if *archiveDir != "" {
		dir = *archiveDir
	}
	if dir != "" {
		archive := storage.NewParquetArchive(dir)
		archive.Format = *archiveFmt
		extractOpts.Archiver = archive
	}

	results, runErr := pipeline.RunAll(ctx, flag.Args(), pipeline.Options{
		UserID:     *userID,
		ActivityID: *activityID,
		Store:      rt.Store,
		Extract:    extractOpts,
		ComputeTSS: *computeTSS,
		Overrides: stress.Overrides{
			ThresholdPower: *ftp,
			ThresholdHR:    *lthr,
			MaxHR:          *maxHR,
			ThresholdPace:  *pace,
		},
		Resolver:    rt.Resolver,
		Zones:       rt.Zones,
		ManifestDir: *manifest,
		Logger:      logger,
	}, *workers)

	if err := app.PushMetrics(ctx, cfg.Metrics, reg); err != nil {
		logger.Warn("metrics push failed", "error", err)
	}

	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(results); err != nil {
			fail(err)
		}
	} else {
		for _, r := range results {
			printResult(r)
		}
	}
	if runErr != nil {
		fail(runErr)
	}
}

func printResult(r *pipeline.Result) {
	fmt.Printf("%s\n", r.FitPath)
	if r.Error != "" {
		fmt.Printf("  error:      %s\n", r.Error)
		return
	}
	fmt.Printf("  kind:       %s\n", r.FileKind)
	fmt.Printf("  activity:   %s\n", r.ActivityID)
	if e := r.Extraction; e != nil {
		fmt.Printf("  status:     %s (%d/%d stored, %d failed)\n", e.Status, e.Successful, e.Total, e.Failed)
		if e.Archive != "" {
			fmt.Printf("  archive:    %s\n", e.Archive)
		}
	}
	if r.TSS != nil {
		fmt.Printf("  tss:        %.1f (%s, IF %.3f)\n", r.TSS.TSS, r.TSS.PrimaryMethod, r.TSS.IntensityFactor)
	} else if r.TSSError != "" {
		fmt.Printf("  tss:        unavailable: %s\n", r.TSSError)
	}
	if r.ManifestPath != "" {
		fmt.Printf("  manifest:   %s\n", r.ManifestPath)
	}
	for _, w := range r.Warnings {
		fmt.Printf("  warning:    %s\n", w)
	}
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "peakflow-ingest failed: %v\n", err)
	os.Exit(1)
}
