package storage

import (
	"context"
	"encoding/csv"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/xitongsys/parquet-go-source/buffer"
	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/reader"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"
)

// RecordRow is the columnar shape of an archived record document. Missing
// numeric values are NaN.
type RecordRow struct {
	Timestamp   string  `parquet:"name=timestamp, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY"`
	ActivityID  string  `parquet:"name=activity_id, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY"`
	UserID      string  `parquet:"name=user_id, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY"`
	Sequence    int64   `parquet:"name=sequence, type=INT64"`
	PowerW      float64 `parquet:"name=power_w, type=DOUBLE"`
	HeartRate   float64 `parquet:"name=heart_rate_bpm, type=DOUBLE"`
	CadenceRPM  float64 `parquet:"name=cadence_rpm, type=DOUBLE"`
	SpeedMPS    float64 `parquet:"name=speed_mps, type=DOUBLE"`
	DistanceM   float64 `parquet:"name=distance_m, type=DOUBLE"`
	AltitudeM   float64 `parquet:"name=altitude_m, type=DOUBLE"`
	Temperature float64 `parquet:"name=temperature_c, type=DOUBLE"`
	Lat         float64 `parquet:"name=lat, type=DOUBLE"`
	Lon         float64 `parquet:"name=lon, type=DOUBLE"`
}

// ParquetArchive writes record documents to one columnar file per activity.
// Format "csv" writes the same columns as CSV.
type ParquetArchive struct {
	Dir    string
	Format string
}

// NewParquetArchive returns a Parquet archive rooted at dir.
func NewParquetArchive(dir string) *ParquetArchive {
	return &ParquetArchive{Dir: dir, Format: "parquet"}
}

// Archive writes docs to <Dir>/<activityID>_records.<ext> and returns the path.
func (a *ParquetArchive) Archive(ctx context.Context, activityID string, docs []Document) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	format := strings.ToLower(strings.TrimSpace(a.Format))
	if format == "" {
		format = "parquet"
	}
	if format != "parquet" && format != "csv" {
		return "", fmt.Errorf("unsupported archive format %q (expected parquet|csv)", format)
	}
	if err := os.MkdirAll(a.Dir, 0o755); err != nil {
		return "", fmt.Errorf("create archive dir: %w", err)
	}
	path := filepath.Join(a.Dir, sanitizeFileName(activityID)+"_records."+format)

	rows := RecordRows(docs)
	var err error
	if format == "csv" {
		err = writeRecordsCSV(path, rows)
	} else {
		err = writeRecordsParquet(path, rows)
	}
	if err != nil {
		return "", fmt.Errorf("write %s archive: %w", format, err)
	}
	return path, nil
}

// RecordRows projects record documents onto RecordRow.
func RecordRows(docs []Document) []RecordRow {
	out := make([]RecordRow, 0, len(docs))
	for _, d := range docs {
		row := RecordRow{
			Timestamp:   stringField(d, "timestamp"),
			ActivityID:  stringField(d, "activity_id"),
			UserID:      stringField(d, "user_id"),
			PowerW:      floatOrNaN(d, "power"),
			HeartRate:   floatOrNaN(d, "heart_rate"),
			CadenceRPM:  floatOrNaN(d, "cadence"),
			SpeedMPS:    floatOrNaN(d, "enhanced_speed"),
			DistanceM:   floatOrNaN(d, "distance"),
			AltitudeM:   floatOrNaN(d, "enhanced_altitude"),
			Temperature: floatOrNaN(d, "temperature"),
			Lat:         floatOrNaN(d, "location.lat"),
			Lon:         floatOrNaN(d, "location.lon"),
		}
		if math.IsNaN(row.SpeedMPS) {
			row.SpeedMPS = floatOrNaN(d, "speed")
		}
		if math.IsNaN(row.AltitudeM) {
			row.AltitudeM = floatOrNaN(d, "altitude")
		}
		if seq, ok := lookup(d, "sequence"); ok {
			if f, ok := ToFloat(seq); ok {
				row.Sequence = int64(f)
			}
		}
		out = append(out, row)
	}
	return out
}

// MarshalRecordsParquet encodes rows as an in-memory Parquet file.
func MarshalRecordsParquet(rows []RecordRow) ([]byte, error) {
	fw := buffer.NewBufferFile()
	if err := writeParquetRows(fw, rows); err != nil {
		return nil, err
	}
	return append([]byte(nil), fw.Bytes()...), nil
}

// UnmarshalRecordsParquet decodes a Parquet file written by this package.
func UnmarshalRecordsParquet(data []byte) ([]RecordRow, error) {
	fr := buffer.NewBufferFileFromBytes(data)
	pr, err := reader.NewParquetReader(fr, new(RecordRow), 4)
	if err != nil {
		return nil, err
	}
	defer pr.ReadStop()

	rows := make([]RecordRow, int(pr.GetNumRows()))
	if err := pr.Read(&rows); err != nil {
		return nil, err
	}
	return rows, nil
}

func writeRecordsParquet(path string, rows []RecordRow) error {
	fw, err := local.NewLocalFileWriter(path)
	if err != nil {
		return err
	}
	return writeParquetRows(fw, rows)
}

func writeParquetRows(fw source.ParquetFile, rows []RecordRow) error {
	pw, err := writer.NewParquetWriter(fw, new(RecordRow), 4)
	if err != nil {
		_ = fw.Close()
		return err
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY
	for _, row := range rows {
		if err := pw.Write(row); err != nil {
			_ = pw.WriteStop()
			_ = fw.Close()
			return err
		}
	}
	if err := pw.WriteStop(); err != nil {
		_ = fw.Close()
		return err
	}
	return fw.Close()
}

func writeRecordsCSV(path string, rows []RecordRow) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := csv.NewWriter(f)
	header := []string{
		"timestamp", "activity_id", "user_id", "sequence", "power_w", "heart_rate_bpm",
		"cadence_rpm", "speed_mps", "distance_m", "altitude_m", "temperature_c", "lat", "lon",
	}
	if err := w.Write(header); err != nil {
		_ = f.Close()
		return err
	}
	for _, r := range rows {
		rec := []string{
			r.Timestamp, r.ActivityID, r.UserID, strconv.FormatInt(r.Sequence, 10),
			formatFloat(r.PowerW), formatFloat(r.HeartRate), formatFloat(r.CadenceRPM),
			formatFloat(r.SpeedMPS), formatFloat(r.DistanceM), formatFloat(r.AltitudeM),
			formatFloat(r.Temperature), formatFloat(r.Lat), formatFloat(r.Lon),
		}
		if err := w.Write(rec); err != nil {
			_ = f.Close()
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func formatFloat(v float64) string {
	if math.IsNaN(v) {
		return ""
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func stringField(d Document, key string) string {
	v, ok := lookup(d, key)
	if !ok {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

func floatOrNaN(d Document, key string) float64 {
	v, ok := lookup(d, key)
	if !ok {
		return math.NaN()
	}
	f, ok := ToFloat(v)
	if !ok {
		return math.NaN()
	}
	return f
}

func sanitizeFileName(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "activity"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, s)
}
