package app

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/lucasjlepore/peakflow/config"
	"github.com/lucasjlepore/peakflow/storage"
	"github.com/lucasjlepore/peakflow/stress"
)

func TestOpenDryRunResolvesStoredIndicators(t *testing.T) {
	cfg := config.Default()
	rt, err := Open(context.Background(), cfg, nil, Options{DryRun: true})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer rt.Close(context.Background())

	if _, ok := rt.Store.(*storage.MemoryStore); !ok {
		t.Fatalf("expected memory store, got %T", rt.Store)
	}
	if err := rt.Indicators.Save(context.Background(), stress.Indicators{UserID: "u1", ThresholdPower: 310}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	th := rt.Resolver.Resolve(context.Background(), stress.ResolveInput{UserID: "u1"})
	if th.Power.Value != 310 || th.Power.Source != stress.SourceUserIndicator {
		t.Fatalf("expected stored FTP, got %+v", th.Power)
	}
	if rt.Service() == nil {
		t.Fatalf("expected service")
	}
}

func TestOpenRejectsBadCollections(t *testing.T) {
	cfg := config.Default()
	cfg.Collections = map[string]string{"gps": "tracks"}
	_, err := Open(context.Background(), cfg, nil, Options{})
	if !errors.Is(err, storage.ErrUnknownKind) {
		t.Fatalf("expected ErrUnknownKind, got %v", err)
	}
}

func TestCloseRunsInReverseAndJoins(t *testing.T) {
	var order []string
	rt := &Runtime{}
	rt.closers = append(rt.closers,
		func(context.Context) error { order = append(order, "store"); return errors.New("store busy") },
		func(context.Context) error { order = append(order, "cache"); return nil },
	)
	err := rt.Close(context.Background())
	if err == nil || !strings.Contains(err.Error(), "store busy") {
		t.Fatalf("expected joined close error, got %v", err)
	}
	if strings.Join(order, ",") != "cache,store" {
		t.Fatalf("unexpected close order %v", order)
	}
	if err := rt.Close(context.Background()); err != nil {
		t.Fatalf("second close should be a no-op, got %v", err)
	}
}

func TestServiceResolvesThresholdFromConfiguredZones(t *testing.T) {
	cfg := config.Default()
	cfg.Zones = config.ZonesConfig{
		Power:     map[string][2]float64{"zone_3": {180, 200}, "zone_4": {200, 240}},
		HeartRate: map[string][2]float64{"threshold": {160, 170}},
	}
	rt, err := Open(context.Background(), cfg, nil, Options{DryRun: true})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer rt.Close(context.Background())

	ctx := context.Background()
	session := storage.Document{
		storage.IDField: "a1_session",
		"user_id":       "u1",
		"activity_id":   "a1",
		"sport":         "cycling",
		"timestamp":     "2026-03-02T07:00:00Z",
		"start_time":    "2026-03-02T07:00:00Z",
	}
	if ir := rt.Store.BulkIndex(ctx, storage.KindSession, []storage.Document{session}); ir.Failed != 0 {
		t.Fatalf("seed session: %+v", ir)
	}
	records := make([]storage.Document, 0, 600)
	for i := range 600 {
		records = append(records, storage.Document{
			storage.IDField: "a1_record_" + strconv.Itoa(i),
			"user_id":       "u1",
			"activity_id":   "a1",
			"timestamp":     time.Date(2026, 3, 2, 7, 0, i, 0, time.UTC).Format(time.RFC3339),
			"power":         200.0,
		})
	}
	if ir := rt.Store.BulkIndex(ctx, storage.KindRecord, records); ir.Failed != 0 {
		t.Fatalf("seed records: %+v", ir)
	}

	calc, err := rt.Service().CalculateForActivity(ctx, "u1", "a1", stress.Overrides{})
	if err != nil {
		t.Fatalf("CalculateForActivity: %v", err)
	}
	th := calc.Thresholds
	if th.Power.Value != 200 || th.Power.Source != stress.SourceZoneTable {
		t.Fatalf("expected FTP 200 from the zone table, got %+v", th.Power)
	}
	if th.HeartRate.Value != 160 || th.HeartRate.Source != stress.SourceZoneTable {
		t.Fatalf("expected LTHR 160 from the zone table, got %+v", th.HeartRate)
	}
}

func TestPushMetrics(t *testing.T) {
	type push struct{ method, path, body string }
	pushes := make(chan push, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		pushes <- push{r.Method, r.URL.Path, string(data)}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	reg := prometheus.NewRegistry()
	files := prometheus.NewCounter(prometheus.CounterOpts{Name: "peakflow_files_total", Help: "Files."})
	reg.MustRegister(files)
	files.Add(3)

	if err := PushMetrics(context.Background(), config.MetricsConfig{Job: "peakflow_ingest"}, reg); err != nil {
		t.Fatalf("PushMetrics without a gateway: %v", err)
	}
	if len(pushes) != 0 {
		t.Fatalf("expected no push without a gateway")
	}

	if err := PushMetrics(context.Background(), config.MetricsConfig{PushGateway: srv.URL, Job: "peakflow_ingest"}, reg); err != nil {
		t.Fatalf("PushMetrics: %v", err)
	}
	got := <-pushes
	if got.method != http.MethodPut || got.path != "/metrics/job/peakflow_ingest" {
		t.Fatalf("unexpected push %s %s", got.method, got.path)
	}
	if len(got.body) == 0 {
		t.Fatalf("expected metrics in the push body")
	}

	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer failing.Close()
	if err := PushMetrics(context.Background(), config.MetricsConfig{PushGateway: failing.URL, Job: "j"}, reg); err == nil {
		t.Fatalf("expected error when the gateway rejects the push")
	}
}
