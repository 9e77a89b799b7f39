// Package config provides the layered configuration for a reactbench run.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/reactbench/reactbench/internal/logging"
)

// Config holds the configuration for one harness run.
type Config struct {
	// Database configuration
	Database DatabaseConfig `json:"database" yaml:"database"`

	// Dataset generation parameters
	Dataset DatasetConfig `json:"dataset" yaml:"dataset"`

	// Workload rates and generator limits
	Workload WorkloadConfig `json:"workload" yaml:"workload"`

	// Run lifecycle configuration
	Run RunConfig `json:"run" yaml:"run"`

	// Notification backend configuration
	Backend BackendConfig `json:"backend" yaml:"backend"`

	// Report output configuration
	Output OutputConfig `json:"output" yaml:"output"`

	// Metrics exposition configuration
	Metrics MetricsConfig `json:"metrics" yaml:"metrics"`

	// Logging configuration
	Logging logging.Config `json:"logging" yaml:"logging"`
}

// DatabaseConfig holds storage connection configuration.
type DatabaseConfig struct {
	// Driver is one of sqlite3, postgres, pgx
	Driver string `json:"driver" yaml:"driver"`

	// DSN is the driver-specific connection string
	DSN string `json:"dsn" yaml:"dsn"`

	// MaxConns bounds the connection pool
	MaxConns int `json:"max_conns" yaml:"max_conns"`
}

// DatasetConfig holds the sample data generation parameters.
type DatasetConfig struct {
	// ReactiveQueries is the number of observed classes (one subscription each)
	ReactiveQueries int `json:"reactive_queries" yaml:"reactive_queries"`

	// ClassCount overrides the default of ReactiveQueries * 4 when non-zero
	ClassCount int `json:"class_count" yaml:"class_count"`

	AssignmentsPerClass int `json:"assignments_per_class" yaml:"assignments_per_class"`
	StudentsPerClass    int `json:"students_per_class" yaml:"students_per_class"`
	ClassesPerStudent   int `json:"classes_per_student" yaml:"classes_per_student"`

	// Install drops and reseeds the dataset before the run
	Install bool `json:"install" yaml:"install"`
}

// WorkloadConfig holds mutation rates and generator limits.
type WorkloadConfig struct {
	InsertsPerSecond float64 `json:"inserts_per_second" yaml:"inserts_per_second"`
	UpdatesPerSecond float64 `json:"updates_per_second" yaml:"updates_per_second"`
	DeletesPerSecond float64 `json:"deletes_per_second" yaml:"deletes_per_second"`

	// Seed makes the generated workload reproducible
	Seed int64 `json:"seed" yaml:"seed"`

	// RecencyWindow is the number of recently chosen update/delete targets to avoid
	RecencyWindow int `json:"recency_window" yaml:"recency_window"`

	// RecentInsertExclusion is the number of newest inserted ids never chosen for update/delete
	RecentInsertExclusion int `json:"recent_insert_exclusion" yaml:"recent_insert_exclusion"`

	// MaxSelectAttempts bounds the search for a non-conflicting target
	MaxSelectAttempts int `json:"max_select_attempts" yaml:"max_select_attempts"`
}

// RunConfig holds run lifecycle configuration.
type RunConfig struct {
	// SampleInterval is the memory sampling and progress cadence
	SampleInterval time.Duration `json:"sample_interval" yaml:"sample_interval"`

	// StaleThreshold is the age above which an open ledger entry counts as stale
	StaleThreshold time.Duration `json:"stale_threshold" yaml:"stale_threshold"`

	// Duration stops the run automatically when non-zero
	Duration time.Duration `json:"duration" yaml:"duration"`

	// HistogramBuckets is the bucket count of the latency histogram
	HistogramBuckets int `json:"histogram_buckets" yaml:"histogram_buckets"`
}

// BackendConfig holds notification backend configuration.
type BackendConfig struct {
	// Name selects the backend strategy
	Name string `json:"name" yaml:"name"`

	// PollInterval is used by polling backends
	PollInterval time.Duration `json:"poll_interval" yaml:"poll_interval"`

	// Channel is the LISTEN/NOTIFY channel of the pg-notify backend
	Channel string `json:"channel" yaml:"channel"`

	// BufferSize is the per-subscription event buffer
	BufferSize int `json:"buffer_size" yaml:"buffer_size"`
}

// OutputConfig holds report output configuration.
type OutputConfig struct {
	// Path is a file path, a .sz path (snappy framed) or an s3://bucket/key URL
	Path string `json:"path" yaml:"path"`

	// S3 configuration used for s3:// destinations
	S3 S3Config `json:"s3" yaml:"s3"`
}

// S3Config holds S3 configuration.
type S3Config struct {
	// Region is the AWS region
	Region string `json:"region" yaml:"region"`

	// Endpoint is the S3 endpoint (for S3-compatible storage)
	Endpoint string `json:"endpoint" yaml:"endpoint"`

	// UsePathStyle enables path-style addressing
	UsePathStyle bool `json:"use_path_style" yaml:"use_path_style"`
}

// MetricsConfig holds prometheus exposition configuration.
type MetricsConfig struct {
	// Addr serves /metrics when non-empty
	Addr string `json:"addr" yaml:"addr"`
}

// MaxRate is the highest mutation rate per kind, one firing per microsecond.
const MaxRate = 1e6

// DefaultConfig returns the configuration matching the reference workload.
func DefaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Driver:   "sqlite3",
			DSN:      "file:reactbench.db?_journal_mode=WAL&_busy_timeout=5000",
			MaxConns: 10,
		},
		Dataset: DatasetConfig{
			ReactiveQueries:     50,
			AssignmentsPerClass: 30,
			StudentsPerClass:    20,
			ClassesPerStudent:   6,
			Install:             true,
		},
		Workload: WorkloadConfig{
			InsertsPerSecond:      100,
			UpdatesPerSecond:      100,
			DeletesPerSecond:      0,
			Seed:                  1,
			RecencyWindow:         1000,
			RecentInsertExclusion: 1000,
			MaxSelectAttempts:     1000,
		},
		Run: RunConfig{
			SampleInterval:   time.Second,
			StaleThreshold:   5 * time.Second,
			HistogramBuckets: 50,
		},
		Backend: BackendConfig{
			PollInterval: 100 * time.Millisecond,
			Channel:      "reactbench_scores",
			BufferSize:   4096,
		},
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite3", "postgres", "pgx":
	default:
		return fmt.Errorf("invalid database driver: %s (must be sqlite3, postgres, or pgx)", c.Database.Driver)
	}

	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}

	if c.Database.MaxConns <= 0 {
		return fmt.Errorf("database.max_conns must be positive, got %d", c.Database.MaxConns)
	}

	if c.Dataset.ReactiveQueries <= 0 {
		return fmt.Errorf("dataset.reactive_queries must be positive, got %d", c.Dataset.ReactiveQueries)
	}

	if c.Dataset.ClassCount != 0 && c.Dataset.ClassCount < c.Dataset.ReactiveQueries {
		return fmt.Errorf("dataset.class_count (%d) must not be below dataset.reactive_queries (%d)",
			c.Dataset.ClassCount, c.Dataset.ReactiveQueries)
	}

	if c.Dataset.AssignmentsPerClass <= 0 || c.Dataset.StudentsPerClass <= 0 || c.Dataset.ClassesPerStudent <= 0 {
		return fmt.Errorf("dataset per-class counts must be positive")
	}

	if c.Workload.InsertsPerSecond < 0 || c.Workload.UpdatesPerSecond < 0 || c.Workload.DeletesPerSecond < 0 {
		return fmt.Errorf("workload rates must not be negative")
	}

	if c.Workload.InsertsPerSecond > MaxRate || c.Workload.UpdatesPerSecond > MaxRate || c.Workload.DeletesPerSecond > MaxRate {
		return fmt.Errorf("workload rates must not exceed %g per second", MaxRate)
	}

	if c.Workload.RecencyWindow <= 0 {
		return fmt.Errorf("workload.recency_window must be positive, got %d", c.Workload.RecencyWindow)
	}

	if c.Workload.MaxSelectAttempts <= 0 {
		return fmt.Errorf("workload.max_select_attempts must be positive, got %d", c.Workload.MaxSelectAttempts)
	}

	if c.Run.SampleInterval <= 0 {
		return fmt.Errorf("run.sample_interval must be positive")
	}

	if c.Run.HistogramBuckets <= 0 {
		return fmt.Errorf("run.histogram_buckets must be positive, got %d", c.Run.HistogramBuckets)
	}

	if c.Backend.PollInterval <= 0 {
		return fmt.Errorf("backend.poll_interval must be positive")
	}

	return nil
}

// LoadFromFile loads configuration from a YAML or JSON file on top of the defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		data, err = normalizeJSONDurations(data)
		if err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", ext)
	}

	return cfg, nil
}

// LoadDotEnv loads variables from an env file without overriding the ones already set.
// A missing file is not an error.
func LoadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load env file %s: %w", path, err)
	}
	return nil
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables use the REACTBENCH_ prefix.
func LoadFromEnv(cfg *Config) {
	// Database configuration
	if v := os.Getenv("REACTBENCH_DB_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("REACTBENCH_DB_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("REACTBENCH_DB_MAX_CONNS"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Database.MaxConns)
	}

	// Dataset configuration
	if v := os.Getenv("REACTBENCH_REACTIVE_QUERIES"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Dataset.ReactiveQueries)
	}
	if v := os.Getenv("REACTBENCH_DATASET_INSTALL"); v != "" {
		cfg.Dataset.Install = v == "true" || v == "1"
	}

	// Workload configuration
	if v := os.Getenv("REACTBENCH_INSERTS_PER_SECOND"); v != "" {
		fmt.Sscanf(v, "%g", &cfg.Workload.InsertsPerSecond)
	}
	if v := os.Getenv("REACTBENCH_UPDATES_PER_SECOND"); v != "" {
		fmt.Sscanf(v, "%g", &cfg.Workload.UpdatesPerSecond)
	}
	if v := os.Getenv("REACTBENCH_DELETES_PER_SECOND"); v != "" {
		fmt.Sscanf(v, "%g", &cfg.Workload.DeletesPerSecond)
	}
	if v := os.Getenv("REACTBENCH_SEED"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Workload.Seed)
	}

	// Run configuration
	if v := os.Getenv("REACTBENCH_DURATION"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Run.Duration = d
		}
	}
	if v := os.Getenv("REACTBENCH_STALE_THRESHOLD"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Run.StaleThreshold = d
		}
	}

	// Backend configuration
	if v := os.Getenv("REACTBENCH_POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Backend.PollInterval = d
		}
	}
	if v := os.Getenv("REACTBENCH_NOTIFY_CHANNEL"); v != "" {
		cfg.Backend.Channel = v
	}

	// Output configuration
	if v := os.Getenv("REACTBENCH_S3_REGION"); v != "" {
		cfg.Output.S3.Region = v
	}
	if v := os.Getenv("REACTBENCH_S3_ENDPOINT"); v != "" {
		cfg.Output.S3.Endpoint = v
	}

	// Metrics and logging
	if v := os.Getenv("REACTBENCH_METRICS_ADDR"); v != "" {
		cfg.Metrics.Addr = v
	}
	if v := os.Getenv("REACTBENCH_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("REACTBENCH_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
}

var durationType = reflect.TypeOf(time.Duration(0))

// normalizeJSONDurations rewrites duration strings such as "250ms" into
// nanoseconds so JSON files accept the same values as YAML files.
func normalizeJSONDurations(data []byte) ([]byte, error) {
	var raw map[string]any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	if err := convertDurations(raw, reflect.TypeOf(Config{}), ""); err != nil {
		return nil, err
	}
	return json.Marshal(raw)
}

func convertDurations(raw map[string]any, t reflect.Type, prefix string) error {
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		name := strings.Split(field.Tag.Get("json"), ",")[0]
		if name == "" || name == "-" {
			continue
		}
		value, ok := raw[name]
		if !ok {
			continue
		}

		switch {
		case field.Type == durationType:
			if str, ok := value.(string); ok {
				d, err := time.ParseDuration(str)
				if err != nil {
					return fmt.Errorf("%s%s: %w", prefix, name, err)
				}
				raw[name] = int64(d)
			}
		case field.Type.Kind() == reflect.Struct:
			if nested, ok := value.(map[string]any); ok {
				if err := convertDurations(nested, field.Type, prefix+name+"."); err != nil {
					return err
				}
			}
		}
	}
	return nil
}
