// Package indicators stores per-user training thresholds and exposes them to
// the stress resolver.
package indicators

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/lucasjlepore/peakflow/stress"
)

const schema = `
CREATE TABLE IF NOT EXISTS user_indicators (
	user_id         TEXT PRIMARY KEY,
	threshold_power DOUBLE PRECISION,
	threshold_hr    DOUBLE PRECISION,
	max_hr          DOUBLE PRECISION,
	threshold_pace  DOUBLE PRECISION,
	weight          DOUBLE PRECISION,
	age             INTEGER,
	gender          TEXT,
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// PostgresRepository keeps indicators in a user_indicators table.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository wraps an open database handle.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// OpenPostgres connects to dsn and verifies the connection.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresRepository, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)
	return &PostgresRepository{db: db}, nil
}

// EnsureSchema creates the indicators table when missing.
func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create user_indicators: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (r *PostgresRepository) Close() error {
	return r.db.Close()
}

type indicatorRow struct {
	userID         string
	thresholdPower sql.NullFloat64
	thresholdHR    sql.NullFloat64
	maxHR          sql.NullFloat64
	thresholdPace  sql.NullFloat64
	weight         sql.NullFloat64
	age            sql.NullInt64
	gender         sql.NullString
	updatedAt      time.Time
}

func (row indicatorRow) indicators() stress.Indicators {
	return stress.Indicators{
		UserID:         row.userID,
		ThresholdPower: row.thresholdPower.Float64,
		ThresholdHR:    row.thresholdHR.Float64,
		MaxHR:          row.maxHR.Float64,
		ThresholdPace:  row.thresholdPace.Float64,
		Weight:         row.weight.Float64,
		Age:            int(row.age.Int64),
		Gender:         row.gender.String,
		UpdatedAt:      row.updatedAt.UTC(),
	}
}

// UserIndicators returns the stored row, or stress.ErrNoIndicators.
func (r *PostgresRepository) UserIndicators(ctx context.Context, userID string) (stress.Indicators, error) {
	query := `
		SELECT user_id, threshold_power, threshold_hr, max_hr, threshold_pace, weight, age, gender, updated_at
		FROM user_indicators
		WHERE user_id = $1
	`
	var row indicatorRow
	err := r.db.QueryRowContext(ctx, query, userID).Scan(
		&row.userID,
		&row.thresholdPower,
		&row.thresholdHR,
		&row.maxHR,
		&row.thresholdPace,
		&row.weight,
		&row.age,
		&row.gender,
		&row.updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return stress.Indicators{}, fmt.Errorf("user %s: %w", userID, stress.ErrNoIndicators)
	}
	if err != nil {
		return stress.Indicators{}, fmt.Errorf("get indicators for %s: %w", userID, err)
	}
	return row.indicators(), nil
}

// Save writes ind, replacing any row for the same user. Zero values are
// stored as NULL.
func (r *PostgresRepository) Save(ctx context.Context, ind stress.Indicators) error {
	if ind.UserID == "" {
		return fmt.Errorf("upsert indicators: %w: empty user id", stress.ErrInvalidParameter)
	}
	if ind.UpdatedAt.IsZero() {
		ind.UpdatedAt = time.Now().UTC()
	}
	query := `
		INSERT INTO user_indicators (user_id, threshold_power, threshold_hr, max_hr, threshold_pace, weight, age, gender, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (user_id) DO UPDATE SET
			threshold_power = EXCLUDED.threshold_power,
			threshold_hr    = EXCLUDED.threshold_hr,
			max_hr          = EXCLUDED.max_hr,
			threshold_pace  = EXCLUDED.threshold_pace,
			weight          = EXCLUDED.weight,
			age             = EXCLUDED.age,
			gender          = EXCLUDED.gender,
			updated_at      = EXCLUDED.updated_at
	`
	_, err := r.db.ExecContext(ctx, query,
		ind.UserID,
		nullFloat(ind.ThresholdPower),
		nullFloat(ind.ThresholdHR),
		nullFloat(ind.MaxHR),
		nullFloat(ind.ThresholdPace),
		nullFloat(ind.Weight),
		sql.NullInt64{Int64: int64(ind.Age), Valid: ind.Age > 0},
		sql.NullString{String: ind.Gender, Valid: ind.Gender != ""},
		ind.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert indicators for %s: %w", ind.UserID, err)
	}
	return nil
}

// Delete removes the user's row. Missing rows are not an error.
func (r *PostgresRepository) Delete(ctx context.Context, userID string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM user_indicators WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("delete indicators for %s: %w", userID, err)
	}
	return nil
}

func nullFloat(v float64) sql.NullFloat64 {
	return sql.NullFloat64{Float64: v, Valid: v > 0}
}
