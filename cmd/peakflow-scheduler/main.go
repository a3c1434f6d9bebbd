package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"

	"github.com/lucasjlepore/peakflow/app"
	"github.com/lucasjlepore/peakflow/config"
	"github.com/lucasjlepore/peakflow/scheduler"
)

func main() {
	var (
		configPath = flag.String("config", "", "Path to peakflow YAML config")
		runOnce    = flag.Bool("once", false, "Run the backfill once and exit")
	)
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [--config peakflow.yaml] [--once]\n", filepath.Base(os.Args[0]))
		flag.PrintDefaults()
	}
	flag.Parse()

	if err := run(*configPath, *runOnce); err != nil {
		fmt.Fprintf(os.Stderr, "peakflow-scheduler failed: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string, once bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger, err := config.NewLogger(cfg.Log)
	if err != nil {
		return err
	}
	if len(cfg.Scheduler.Users) == 0 {
		return errors.New("scheduler.users is empty")
	}

	rt, err := app.Open(ctx, cfg, logger, app.Options{})
	if err != nil {
		return err
	}
	defer rt.Close(context.Background())

	metrics, err := scheduler.NewMetrics(prometheus.DefaultRegisterer)
	if err != nil {
		return err
	}
	backfill := scheduler.NewBackfill(rt.Service(), cfg.Scheduler.Users, cfg.Scheduler.Limit, metrics, logger)

	if once {
		rep := backfill.Run(ctx)
		if len(rep.UserErrors) > 0 {
			return fmt.Errorf("backfill failed for %d users", len(rep.UserErrors))
		}
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	srv := &http.Server{Addr: cfg.Scheduler.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info("metrics listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
			stop()
		}
	}()

	c := cron.New(cron.WithLogger(cron.VerbosePrintfLogger(slogPrintf{logger})))
	if _, err := backfill.Schedule(ctx, c, cfg.Scheduler.Schedule); err != nil {
		return err
	}
	c.Start()
	logger.Info("scheduler started", "schedule", cfg.Scheduler.Schedule, "users", len(cfg.Scheduler.Users))

	<-ctx.Done()
	logger.Info("shutting down")

	cronDone := c.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("metrics server shutdown", "error", err)
	}
	select {
	case <-cronDone.Done():
	case <-shutdownCtx.Done():
		logger.Warn("backfill still running at shutdown")
	}
	return nil
}

// slogPrintf adapts a slog logger to cron's Printf logger.
type slogPrintf struct {
	logger interface{ Debug(msg string, args ...any) }
}

func (l slogPrintf) Printf(format string, args ...any) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}
