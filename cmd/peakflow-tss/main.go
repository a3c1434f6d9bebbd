package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/lucasjlepore/peakflow/app"
	"github.com/lucasjlepore/peakflow/config"
	"github.com/lucasjlepore/peakflow/fitsource"
	"github.com/lucasjlepore/peakflow/pipeline"
	"github.com/lucasjlepore/peakflow/storage"
	"github.com/lucasjlepore/peakflow/stress"
)

const usage = `Usage: %s <command> [flags]

Commands:
  file        score a FIT activity file without storing it
  activity    calculate and store TSS for an ingested activity
  user        calculate TSS for a user's activities that have none
  summary     summarize a user's stored TSS
  plan        estimate TSS for a YAML plan or a FIT workout file
  indicators  store a user's thresholds (--ftp, --lthr, --maxhr, --pace)
`

// maxRecords bounds the records loaded for the zone breakdown.
const maxRecords = 10000

type common struct {
	configPath *string
	userID     *string
	jsonOut    *bool
	overrides  stress.Overrides
}

func newFlags(name string) (*flag.FlagSet, *common) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	c := &common{
		configPath: fs.String("config", "", "Path to peakflow YAML config"),
		userID:     fs.String("user", "", "User id"),
		jsonOut:    fs.Bool("json", false, "Emit JSON"),
	}
	fs.Float64Var(&c.overrides.ThresholdPower, "ftp", 0, "FTP override in watts")
	fs.Float64Var(&c.overrides.ThresholdHR, "lthr", 0, "Threshold heart rate override in bpm")
	fs.Float64Var(&c.overrides.MaxHR, "maxhr", 0, "Max heart rate override in bpm")
	fs.Float64Var(&c.overrides.ThresholdPace, "pace", 0, "Threshold pace override in min/km")
	return fs, c
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, usage, filepath.Base(os.Args[0]))
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch cmd, args := os.Args[1], os.Args[2:]; cmd {
	case "file":
		err = runFile(ctx, args)
	case "activity":
		err = runActivity(ctx, args)
	case "user":
		err = runUser(ctx, args)
	case "summary":
		err = runSummary(ctx, args)
	case "plan":
		err = runPlan(ctx, args)
	case "indicators":
		err = runIndicators(ctx, args)
	default:
		fmt.Fprintf(os.Stderr, usage, filepath.Base(os.Args[0]))
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "peakflow-tss failed: %v\n", err)
		os.Exit(1)
	}
}

func open(ctx context.Context, c *common, dryRun bool) (*app.Runtime, error) {
	cfg, err := config.Load(*c.configPath)
	if err != nil {
		return nil, err
	}
	logger, err := config.NewLogger(cfg.Log)
	if err != nil {
		return nil, err
	}
	return app.Open(ctx, cfg, logger, app.Options{DryRun: dryRun})
}

// runFile ingests the file into a throwaway store so scoring follows the
// same path as stored activities.
func runFile(ctx context.Context, args []string) error {
	fs, c := newFlags("file")
	_ = fs.Parse(args)
	if fs.NArg() != 1 {
		return fmt.Errorf("file: expected one FIT path")
	}
	user := *c.userID
	if user == "" {
		user = "local"
	}

	rt, err := open(ctx, c, true)
	if err != nil {
		return err
	}
	defer rt.Close(context.Background())

	res, err := pipeline.Run(ctx, fs.Arg(0), pipeline.Options{
		UserID:     user,
		Store:      rt.Store,
		ComputeTSS: true,
		Overrides:  c.overrides,
		Resolver:   rt.Resolver,
		Zones:      rt.Zones,
		Logger:     rt.Logger,
	})
	if err != nil {
		return err
	}
	if res.TSS == nil {
		return fmt.Errorf("tss unavailable: %s", res.TSSError)
	}
	if *c.jsonOut {
		return printJSON(res.TSS)
	}

	records, err := rt.Store.Search(ctx, storage.KindRecord, storage.NewQueryFilter().
		Term("activity_id", res.ActivityID).
		Sort("timestamp", true).
		Page(maxRecords, 0))
	if err != nil {
		return err
	}
	fmt.Println(stress.BuildReport(res.TSS.CompositeResult, stress.SeriesFromDocuments(records)))
	return nil
}

func runActivity(ctx context.Context, args []string) error {
	fs, c := newFlags("activity")
	activityID := fs.String("activity", "", "Activity id")
	recalc := fs.Bool("recalculate", false, "Replace an existing TSS document")
	_ = fs.Parse(args)
	if *c.userID == "" || *activityID == "" {
		return fmt.Errorf("activity: --user and --activity are required")
	}

	rt, err := open(ctx, c, false)
	if err != nil {
		return err
	}
	defer rt.Close(context.Background())

	svc := rt.Service()
	calc := svc.CalculateForActivity
	if *recalc {
		calc = svc.Recalculate
	}
	res, err := calc(ctx, *c.userID, *activityID, c.overrides)
	if err != nil {
		return err
	}
	if *c.jsonOut {
		return printJSON(res)
	}
	fmt.Println(stress.BuildReport(res.CompositeResult, stress.Series{}))
	return nil
}

func runUser(ctx context.Context, args []string) error {
	fs, c := newFlags("user")
	limit := fs.Int("limit", 100, "Maximum activities to process")
	_ = fs.Parse(args)
	if *c.userID == "" {
		return fmt.Errorf("user: --user is required")
	}

	rt, err := open(ctx, c, false)
	if err != nil {
		return err
	}
	defer rt.Close(context.Background())

	res, err := rt.Service().CalculateForUser(ctx, *c.userID, *limit, c.overrides)
	if err != nil {
		return err
	}
	if *c.jsonOut {
		return printJSON(res)
	}
	fmt.Printf("processed %d activities: %d successful, %d failed\n", res.Total, res.Successful, res.Failed)
	for _, d := range res.Details {
		if d.Error != "" {
			fmt.Printf("- %s: %s\n", d.ActivityID, d.Error)
			continue
		}
		fmt.Printf("- %s: TSS %.1f (%s)\n", d.ActivityID, d.TSS, d.Method)
	}
	return nil
}

func runSummary(ctx context.Context, args []string) error {
	fs, c := newFlags("summary")
	days := fs.Int("days", 30, "Period in days")
	_ = fs.Parse(args)
	if *c.userID == "" {
		return fmt.Errorf("summary: --user is required")
	}

	rt, err := open(ctx, c, false)
	if err != nil {
		return err
	}
	defer rt.Close(context.Background())

	s, err := rt.Service().Summary(ctx, *c.userID, *days)
	if err != nil {
		return err
	}
	if *c.jsonOut {
		return printJSON(s)
	}
	fmt.Printf("%s, last %d days\n", s.UserID, s.PeriodDays)
	fmt.Printf("Activities: %d | Total TSS %.1f | Avg %.1f | Max %.1f\n", s.TotalActivities, s.TotalTSS, s.AvgTSS, s.MaxTSS)
	fmt.Printf("Weekly TSS %.1f (%s)\n", s.AvgWeeklyTSS, s.LoadCategory)
	fmt.Printf("Methods: %s\n", formatCounts(s.Methods))
	fmt.Printf("Sports: %s\n", formatCounts(s.Sports))
	return nil
}

func runPlan(ctx context.Context, args []string) error {
	fs, c := newFlags("plan")
	dryRun := fs.Bool("dry-run", false, "Skip stored indicators")
	_ = fs.Parse(args)
	if fs.NArg() != 1 {
		return fmt.Errorf("plan: expected one plan file (.yaml or .fit)")
	}
	path := fs.Arg(0)

	rt, err := open(ctx, c, *dryRun)
	if err != nil {
		return err
	}
	defer rt.Close(context.Background())

	th := rt.Resolver.Resolve(ctx, stress.ResolveInput{
		UserID:    *c.userID,
		Overrides: c.overrides,
		Zones:     rt.Zones,
	})

	var plan stress.WorkoutPlan
	switch strings.ToLower(filepath.Ext(path)) {
	case ".fit":
		file, err := fitsource.ParseFile(path)
		if err != nil {
			return err
		}
		if plan, err = stress.PlanFromWorkout(file.Messages, th); err != nil {
			return err
		}
	default:
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		if plan, err = stress.LoadPlanYAML(f); err != nil {
			return err
		}
	}

	est, err := stress.EstimatePlan(plan, th)
	if err != nil {
		return err
	}
	if *c.jsonOut {
		return printJSON(est)
	}
	fmt.Println(stress.BuildPlanReport(est))
	return nil
}

func runIndicators(ctx context.Context, args []string) error {
	fs, c := newFlags("indicators")
	weight := fs.Float64("weight", 0, "Body weight in kg")
	age := fs.Int("age", 0, "Age in years")
	gender := fs.String("gender", "", "Gender")
	_ = fs.Parse(args)
	if *c.userID == "" {
		return fmt.Errorf("indicators: --user is required")
	}
	o := c.overrides
	if o.ThresholdPower == 0 && o.ThresholdHR == 0 && o.MaxHR == 0 && o.ThresholdPace == 0 {
		return fmt.Errorf("indicators: set at least one of --ftp, --lthr, --maxhr, --pace")
	}

	rt, err := open(ctx, c, false)
	if err != nil {
		return err
	}
	defer rt.Close(context.Background())

	ind := stress.Indicators{
		UserID:         *c.userID,
		ThresholdPower: o.ThresholdPower,
		ThresholdHR:    o.ThresholdHR,
		MaxHR:          o.MaxHR,
		ThresholdPace:  o.ThresholdPace,
		Weight:         *weight,
		Age:            *age,
		Gender:         *gender,
		UpdatedAt:      time.Now().UTC(),
	}
	if err := rt.Indicators.Save(ctx, ind); err != nil {
		return err
	}
	if *c.jsonOut {
		return printJSON(ind)
	}
	fmt.Printf("stored indicators for %s\n", ind.UserID)
	return nil
}

func formatCounts(m map[string]int64) string {
	if len(m) == 0 {
		return "none"
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s %d", k, m[k]))
	}
	return strings.Join(parts, ", ")
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
