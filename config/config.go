// Package config loads peakflow settings from defaults, an optional YAML
// file and PEAKFLOW_* environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/lucasjlepore/peakflow/storage"
)

// Config is the full runtime configuration shared by the binaries.
type Config struct {
	Mongo       MongoConfig       `yaml:"mongo"`
	Collections map[string]string `yaml:"collections"`
	BatchSize   int               `yaml:"batch_size"`
	ArchiveDir  string            `yaml:"archive_dir"`
	Redis       RedisConfig       `yaml:"redis"`
	Postgres    PostgresConfig    `yaml:"postgres"`
	Log         LogConfig         `yaml:"log"`
	Scheduler   SchedulerConfig   `yaml:"scheduler"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Zones       ZonesConfig       `yaml:"zones"`
}

type MongoConfig struct {
	URI            string        `yaml:"uri"`
	Database       string        `yaml:"database"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// RedisConfig enables the indicator cache when Addr is set.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"indicator_ttl"`
}

// PostgresConfig enables the indicator repository when DSN is set.
type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// SchedulerConfig drives the TSS backfill.
type SchedulerConfig struct {
	Schedule    string   `yaml:"schedule"`
	MetricsAddr string   `yaml:"metrics_addr"`
	Users       []string `yaml:"users"`
	Limit       int      `yaml:"limit"`
}

// MetricsConfig sets where the one-shot binaries push their metrics. An
// empty PushGateway disables pushing.
type MetricsConfig struct {
	PushGateway string `yaml:"push_gateway"`
	Job         string `yaml:"job"`
}

// ZonesConfig holds the user's training zone tables as [low, high] pairs
// keyed by zone name, e.g. zone_4: [250, 300]. Pace bounds are min/km.
type ZonesConfig struct {
	Power     map[string][2]float64 `yaml:"power"`
	HeartRate map[string][2]float64 `yaml:"heart_rate"`
	Pace      map[string][2]float64 `yaml:"pace"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Mongo: MongoConfig{
			URI:            "mongodb://localhost:27017",
			Database:       "peakflow",
			ConnectTimeout: 10 * time.Second,
		},
		BatchSize: storage.DefaultBatchSize,
		Redis:     RedisConfig{TTL: 15 * time.Minute},
		Log:       LogConfig{Level: "info", Format: "text"},
		Scheduler: SchedulerConfig{
			Schedule:    "@every 1h",
			MetricsAddr: ":9102",
			Limit:       100,
		},
		Metrics: MetricsConfig{Job: "peakflow_ingest"},
	}
}

// Load builds a Config from defaults, the YAML file at path (skipped when
// path is empty) and the environment, then validates it.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Mongo.URI = getEnvString("PEAKFLOW_MONGO_URI", c.Mongo.URI)
	c.Mongo.Database = getEnvString("PEAKFLOW_MONGO_DATABASE", c.Mongo.Database)
	c.BatchSize = getEnvInt("PEAKFLOW_BATCH_SIZE", c.BatchSize)
	c.ArchiveDir = getEnvString("PEAKFLOW_ARCHIVE_DIR", c.ArchiveDir)

	c.Redis.Addr = getEnvString("PEAKFLOW_REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnvString("PEAKFLOW_REDIS_PASSWORD", c.Redis.Password)
	c.Redis.DB = getEnvInt("PEAKFLOW_REDIS_DB", c.Redis.DB)
	c.Redis.TTL = getEnvDuration("PEAKFLOW_INDICATOR_TTL", c.Redis.TTL)

	c.Postgres.DSN = getEnvString("PEAKFLOW_POSTGRES_DSN", c.Postgres.DSN)

	c.Log.Level = getEnvString("PEAKFLOW_LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnvString("PEAKFLOW_LOG_FORMAT", c.Log.Format)

	c.Scheduler.Schedule = getEnvString("PEAKFLOW_SCHEDULE", c.Scheduler.Schedule)
	c.Scheduler.MetricsAddr = getEnvString("PEAKFLOW_METRICS_ADDR", c.Scheduler.MetricsAddr)
	c.Metrics.PushGateway = getEnvString("PEAKFLOW_PUSHGATEWAY", c.Metrics.PushGateway)
	if users := getEnvString("PEAKFLOW_USERS", ""); users != "" {
		c.Scheduler.Users = splitList(users)
	}
}

// Validate rejects settings no binary can run with.
func (c Config) Validate() error {
	var errs []error
	if c.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("batch_size must be positive, got %d", c.BatchSize))
	}
	if c.Mongo.ConnectTimeout < 0 {
		errs = append(errs, fmt.Errorf("mongo.connect_timeout must not be negative"))
	}
	if c.Redis.DB < 0 {
		errs = append(errs, fmt.Errorf("redis.db must not be negative, got %d", c.Redis.DB))
	}
	if c.Redis.TTL < 0 {
		errs = append(errs, fmt.Errorf("redis.indicator_ttl must not be negative"))
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}
	if _, err := c.StorageCollections(); err != nil {
		errs = append(errs, err)
	}
	if c.Scheduler.Schedule != "" {
		if _, err := cron.ParseStandard(c.Scheduler.Schedule); err != nil {
			errs = append(errs, fmt.Errorf("scheduler.schedule %q: %w", c.Scheduler.Schedule, err))
		}
	}
	if c.Scheduler.Limit < 0 {
		errs = append(errs, fmt.Errorf("scheduler.limit must not be negative"))
	}
	if c.Metrics.PushGateway != "" && c.Metrics.Job == "" {
		errs = append(errs, fmt.Errorf("metrics.job is required with metrics.push_gateway"))
	}
	for name, table := range map[string]map[string][2]float64{
		"power": c.Zones.Power, "heart_rate": c.Zones.HeartRate, "pace": c.Zones.Pace,
	} {
		for zone, r := range table {
			if r[0] < 0 || r[1] < r[0] {
				errs = append(errs, fmt.Errorf("zones.%s.%s: bounds %v must be ascending and not negative", name, zone, r))
			}
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// StorageCollections merges the configured collection names over the
// defaults.
func (c Config) StorageCollections() (storage.Collections, error) {
	cols := storage.DefaultCollections()
	for kind, name := range c.Collections {
		if _, ok := cols[storage.Kind(kind)]; !ok {
			return nil, fmt.Errorf("collections: %w: %q", storage.ErrUnknownKind, kind)
		}
		cols[storage.Kind(kind)] = name
	}
	if err := cols.Validate(); err != nil {
		return nil, fmt.Errorf("collections: %w", err)
	}
	return cols, nil
}

// MongoOptions returns the store options for this configuration.
func (c Config) MongoOptions() (storage.MongoOptions, error) {
	cols, err := c.StorageCollections()
	if err != nil {
		return storage.MongoOptions{}, err
	}
	return storage.MongoOptions{
		URI:            c.Mongo.URI,
		Database:       c.Mongo.Database,
		Collections:    cols,
		BatchSize:      c.BatchSize,
		ConnectTimeout: c.Mongo.ConnectTimeout,
	}, nil
}

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
