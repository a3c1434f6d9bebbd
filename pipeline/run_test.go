package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/lucasjlepore/peakflow/extract"
	"github.com/lucasjlepore/peakflow/fitsource"
	"github.com/lucasjlepore/peakflow/fitsource/fittest"
	"github.com/lucasjlepore/peakflow/storage"
	"github.com/lucasjlepore/peakflow/stress"
	"github.com/tormoder/fit"
)

func writeActivity(t *testing.T, dir, name string, a fittest.Activity) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, fittest.Encode(t, a), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	return path
}

func TestRunIngestsAndScoresActivity(t *testing.T) {
	dir := t.TempDir()
	path := writeActivity(t, dir, "a1_ACTIVITY.fit", fittest.Activity{
		Sport:          fit.SportCycling,
		Samples:        fittest.ConstantPower(3600, 200, 150),
		Laps:           1,
		ThresholdPower: 200,
	})
	store := storage.NewMemoryStore(nil)
	manifests := filepath.Join(dir, "manifests")

	res, err := Run(context.Background(), path, Options{
		UserID:      "u1",
		Store:       store,
		ComputeTSS:  true,
		ManifestDir: manifests,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.FileKind != KindActivity || res.ActivityID != "a1" {
		t.Fatalf("unexpected identity %s %s", res.FileKind, res.ActivityID)
	}
	if res.Extraction.Status != extract.StatusCompleted || res.Extraction.Total != 3602 {
		t.Fatalf("unexpected extraction %+v", res.Extraction)
	}
	if res.TSS == nil || res.TSSError != "" {
		t.Fatalf("expected tss, got error %q", res.TSSError)
	}
	if res.TSS.TSS != 100 || res.TSS.PrimaryMethod != stress.MethodPower {
		t.Fatalf("expected power TSS 100, got %.1f (%s)", res.TSS.TSS, res.TSS.PrimaryMethod)
	}
	if res.TSS.Thresholds.Power.Source != stress.SourceActivityFile {
		t.Fatalf("expected FTP from the file, got %+v", res.TSS.Thresholds.Power)
	}

	data, err := os.ReadFile(res.ManifestPath)
	if err != nil {
		t.Fatalf("read manifest: %v", err)
	}
	var manifest map[string]any
	if err := json.Unmarshal(data, &manifest); err != nil {
		t.Fatalf("decode manifest: %v", err)
	}
	if manifest["activity_id"] != "a1" || manifest["file_kind"] != KindActivity {
		t.Fatalf("unexpected manifest %v", manifest)
	}
}

func TestRunRequiresInputs(t *testing.T) {
	if _, err := Run(context.Background(), "", Options{Store: storage.NewMemoryStore(nil)}); err == nil {
		t.Fatalf("expected error for empty path")
	}
	if _, err := Run(context.Background(), "x.fit", Options{}); err == nil {
		t.Fatalf("expected error without a store")
	}

	path := writeActivity(t, t.TempDir(), "a2.fit", fittest.Activity{Samples: fittest.ConstantPower(10, 150, 120)})
	_, err := Run(context.Background(), path, Options{Store: storage.NewMemoryStore(nil)})
	if !errors.Is(err, extract.ErrIdentity) {
		t.Fatalf("expected ErrIdentity without a user id, got %v", err)
	}
}

func TestRunAllIsolatesFailures(t *testing.T) {
	dir := t.TempDir()
	good := writeActivity(t, dir, "good.fit", fittest.Activity{Samples: fittest.ConstantPower(60, 180, 130)})
	bad := filepath.Join(dir, "bad.fit")
	if err := os.WriteFile(bad, []byte("not a fit file"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	other := writeActivity(t, dir, "other.fit", fittest.Activity{Samples: fittest.ConstantPower(30, 160, 125)})

	store := storage.NewMemoryStore(nil)
	results, err := RunAll(context.Background(), []string{good, bad, other}, Options{UserID: "u1", Store: store, ActivityID: "ignored"}, 2)
	if err == nil {
		t.Fatalf("expected joined error for the bad file")
	}
	if len(results) != 3 {
		t.Fatalf("expected a result per file, got %d", len(results))
	}
	if results[0].ActivityID != "good" || results[0].Error != "" || results[0].Extraction == nil {
		t.Fatalf("unexpected first result %+v", results[0])
	}
	if results[1].Error == "" || results[1].FitPath != bad {
		t.Fatalf("expected failure recorded for bad file, got %+v", results[1])
	}
	if results[2].ActivityID != "other" || results[2].Extraction.Successful == 0 {
		t.Fatalf("unexpected third result %+v", results[2])
	}

	docs, err := store.Search(context.Background(), storage.KindSession, storage.NewQueryFilter().Term("user_id", "u1"))
	if err != nil || len(docs) != 2 {
		t.Fatalf("expected two stored sessions, got %d (%v)", len(docs), err)
	}
}

func TestDetectKind(t *testing.T) {
	fileID := func(v uint8) fitsource.Message {
		return fitsource.Message{Type: "file_id", Fields: []fitsource.Field{{Name: "type", Value: v}}}
	}
	tests := []struct {
		name string
		msgs []fitsource.Message
		want string
	}{
		{name: "activity file id", msgs: []fitsource.Message{fileID(4)}, want: KindActivity},
		{name: "workout file id", msgs: []fitsource.Message{fileID(5), {Type: "workout_step"}}, want: KindWorkout},
		{name: "records without file id", msgs: []fitsource.Message{{Type: "record"}}, want: KindActivity},
		{name: "monitoring file", msgs: []fitsource.Message{fileID(32), {Type: "hrv_status_summary"}, {Type: "sleep_level"}}, want: KindHealth},
		{name: "workout steps", msgs: []fitsource.Message{{Type: "workout"}, {Type: "workout_step"}}, want: KindWorkout},
		{name: "nothing", msgs: []fitsource.Message{{Type: "device_info"}}, want: "unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DetectKind(&fitsource.File{Messages: tt.msgs}); got != tt.want {
				t.Fatalf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestActivityIDFromPath(t *testing.T) {
	tests := map[string]string{
		"/data/u1/98765_ACTIVITY.fit": "98765",
		"ride.fit":                    "ride",
		"/tmp/archive/morning.run.FIT": "morning.run",
	}
	for in, want := range tests {
		if got := ActivityIDFromPath(in); got != want {
			t.Fatalf("ActivityIDFromPath(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestRunResolvesThresholdFromZones(t *testing.T) {
	tests := []struct {
		name       string
		ftp        uint16
		zones      stress.Zones
		wantFTP    float64
		wantSource string
	}{
		{
			name:       "zone table without file threshold",
			zones:      stress.Zones{Power: map[string]stress.ZoneRange{"zone_4": {250, 300}}},
			wantFTP:    250,
			wantSource: stress.SourceZoneTable,
		},
		{
			name:       "file threshold beats zone table",
			ftp:        285,
			zones:      stress.Zones{Power: map[string]stress.ZoneRange{"zone_4": {250, 300}}},
			wantFTP:    285,
			wantSource: stress.SourceActivityFile,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeActivity(t, t.TempDir(), "z1.fit", fittest.Activity{
				Samples:        fittest.ConstantPower(600, 200, 0),
				ThresholdPower: tt.ftp,
			})
			res, err := Run(context.Background(), path, Options{
				UserID:     "u1",
				Store:      storage.NewMemoryStore(nil),
				ComputeTSS: true,
				Zones:      tt.zones,
			})
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if res.TSS == nil {
				t.Fatalf("expected tss, got error %q", res.TSSError)
			}
			got := res.TSS.Thresholds.Power
			if got.Value != tt.wantFTP || got.Source != tt.wantSource {
				t.Fatalf("expected FTP %v from %s, got %+v", tt.wantFTP, tt.wantSource, got)
			}
		})
	}
}
