// Package config loads rawlake settings from a YAML file, an optional .env
// file and RAWLAKE_* environment variables, in increasing precedence.
// Command-line flags are applied on top by the CLI.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/roach88/rawlake/internal/textenc"
)

// Blob backends.
const (
	BlobSQLite = "sqlite"
	BlobDir    = "dir"
)

// Config is the complete runtime configuration.
type Config struct {
	// Database is the SQLite file holding the manifest (and blobs when
	// BlobBackend is "sqlite").
	Database    string `yaml:"database"`
	BlobBackend string `yaml:"blob_backend"`
	BlobDir     string `yaml:"blob_dir"`

	WarehouseDriver string `yaml:"warehouse_driver"`
	WarehouseDSN    string `yaml:"warehouse_dsn"`

	// Catalog is a YAML recipe file or a directory of CUE files.
	Catalog string `yaml:"catalog"`

	Workers         int      `yaml:"workers"`
	HeaderScanLines int      `yaml:"header_scan_lines"`
	Encodings       []string `yaml:"encodings"`
	BatchSize       int      `yaml:"batch_size"`
	Extensions      []string `yaml:"extensions"`

	Retry RetryConfig `yaml:"retry"`

	MetricsAddr string `yaml:"metrics_addr"`
}

// RetryConfig bounds retries of transient I/O failures.
type RetryConfig struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Database:        "rawlake.db",
		BlobBackend:     BlobSQLite,
		WarehouseDriver: "sqlite3",
		Catalog:         "catalog.yaml",
		Workers:         runtime.NumCPU(),
		HeaderScanLines: 20,
		Encodings:       append([]string(nil), textenc.DefaultEncodings...),
		BatchSize:       1000,
		Retry: RetryConfig{
			MaxAttempts:    3,
			InitialBackoff: 200 * time.Millisecond,
			MaxBackoff:     5 * time.Second,
		},
	}
}

// Load reads a YAML config file over the defaults. Unknown keys are
// rejected. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := decodeStrict(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}

func decodeStrict(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// LoadDotEnv loads KEY=VALUE pairs from path into the process environment
// without overriding variables that are already set. A missing file is not
// an error.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	err := godotenv.Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// Environment variables read by ApplyEnv.
const (
	EnvDatabase        = "RAWLAKE_DATABASE"
	EnvCatalog         = "RAWLAKE_CATALOG"
	EnvWorkers         = "RAWLAKE_WORKERS"
	EnvWarehouseDriver = "RAWLAKE_WAREHOUSE_DRIVER"
	EnvWarehouseDSN    = "RAWLAKE_WAREHOUSE_DSN"
	EnvMetricsAddr     = "RAWLAKE_METRICS_ADDR"
)

// ApplyEnv overrides fields from environment variables. lookup is usually
// os.LookupEnv.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		EnvDatabase:        &c.Database,
		EnvCatalog:         &c.Catalog,
		EnvWarehouseDriver: &c.WarehouseDriver,
		EnvWarehouseDSN:    &c.WarehouseDSN,
		EnvMetricsAddr:     &c.MetricsAddr,
	}
	for key, dst := range strs {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	if v, ok := lookup(EnvWorkers); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %q is not an integer", EnvWorkers, v)
		}
		c.Workers = n
	}
	return nil
}

// Validate checks the configuration and fills path defaults that depend on
// other fields.
func (c *Config) Validate() error {
	if c.Database == "" {
		return errors.New("database path is required")
	}
	if c.Catalog == "" {
		return errors.New("catalog path is required")
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", c.Workers)
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("batch_size must be at least 1, got %d", c.BatchSize)
	}
	if c.HeaderScanLines < 1 {
		return fmt.Errorf("header_scan_lines must be at least 1, got %d", c.HeaderScanLines)
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be at least 1, got %d", c.Retry.MaxAttempts)
	}
	if c.Retry.InitialBackoff < 0 || c.Retry.MaxBackoff < c.Retry.InitialBackoff {
		return fmt.Errorf("retry backoff must satisfy 0 <= initial_backoff <= max_backoff")
	}
	for _, e := range c.Encodings {
		if _, err := textenc.Lookup(e); err != nil {
			return fmt.Errorf("encodings: %w", err)
		}
	}

	switch c.BlobBackend {
	case BlobSQLite:
	case BlobDir:
		if c.BlobDir == "" {
			c.BlobDir = filepath.Join(filepath.Dir(c.Database), "blobs")
		}
	default:
		return fmt.Errorf("unknown blob_backend %q (want %s or %s)", c.BlobBackend, BlobSQLite, BlobDir)
	}

	switch c.WarehouseDriver {
	case "sqlite3", "sqlite":
		c.WarehouseDriver = "sqlite3"
		if c.WarehouseDSN == "" {
			c.WarehouseDSN = filepath.Join(filepath.Dir(c.Database), "warehouse.db")
		}
	case "duckdb":
		if c.WarehouseDSN == "" {
			c.WarehouseDSN = filepath.Join(filepath.Dir(c.Database), "warehouse.duckdb")
		}
	default:
		return fmt.Errorf("unknown warehouse_driver %q (want sqlite3 or duckdb)", c.WarehouseDriver)
	}
	return nil
}
