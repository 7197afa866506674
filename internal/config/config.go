// Package config provides the configuration shared by the featurepack
// server and tools.
package config

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/featurepack/featurepack/internal/observability"
	"github.com/featurepack/featurepack/internal/query/planner"
	"github.com/featurepack/featurepack/internal/snapshot"
	"github.com/featurepack/featurepack/internal/spatial"
	"github.com/featurepack/featurepack/internal/storage"
)

// EnvPrefix prefixes every environment variable read by LoadFromEnv.
const EnvPrefix = "FEATUREPACK_"

// Config holds the configuration of all featurepack binaries.
type Config struct {
	// DataDir is the base directory for the catalog, local storage and cache.
	DataDir string `json:"data_dir" yaml:"data_dir"`

	HTTP    HTTPConfig    `json:"http" yaml:"http"`
	Store   StoreConfig   `json:"store" yaml:"store"`
	Query   QueryConfig   `json:"query" yaml:"query"`
	Storage StorageConfig `json:"storage" yaml:"storage"`
	Catalog CatalogConfig `json:"catalog" yaml:"catalog"`
	Cache   CacheConfig   `json:"cache" yaml:"cache"`
	Stats   StatsConfig   `json:"stats" yaml:"stats"`
	Log     LogConfig     `json:"log" yaml:"log"`
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Addr         string        `json:"addr" yaml:"addr"`
	ReadTimeout  time.Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`
	IdleTimeout  time.Duration `json:"idle_timeout" yaml:"idle_timeout"`

	// Gzip compresses responses for clients that accept it.
	Gzip bool `json:"gzip" yaml:"gzip"`

	// RateLimit is the sustained requests per second per client; 0 disables
	// limiting.
	RateLimit float64 `json:"rate_limit" yaml:"rate_limit"`
	RateBurst int     `json:"rate_burst" yaml:"rate_burst"`

	// BaseURL prefixes the links in responses. Empty derives it from the request.
	BaseURL string `json:"base_url" yaml:"base_url"`
}

// StoreConfig holds the snapshot build parameters.
type StoreConfig struct {
	Fanout          uint16   `json:"fanout" yaml:"fanout"`
	HilbertBitDepth uint     `json:"hilbert_bit_depth" yaml:"hilbert_bit_depth"`
	IndexedFields   []string `json:"indexed_fields" yaml:"indexed_fields"`
	BloomFPR        float64  `json:"bloom_fpr" yaml:"bloom_fpr"`
	CRS             int      `json:"crs" yaml:"crs"`
}

// QueryConfig holds the query limits.
type QueryConfig struct {
	DefaultLimit int `json:"default_limit" yaml:"default_limit"`
	MaxLimit     int `json:"max_limit" yaml:"max_limit"`

	// FullScanFallback serves filters on unindexed fields with a full scan.
	FullScanFallback bool `json:"full_scan_fallback" yaml:"full_scan_fallback"`

	// IntersectFactor bounds which secondary attribute ranges are intersected.
	IntersectFactor int `json:"intersect_factor" yaml:"intersect_factor"`

	// Timeout bounds a single request; 0 means no limit.
	Timeout time.Duration `json:"timeout" yaml:"timeout"`
}

// StorageConfig holds object storage configuration.
type StorageConfig struct {
	// Type is local or s3.
	Type string `json:"type" yaml:"type"`

	// Path is the root of local storage.
	Path string `json:"path" yaml:"path"`

	S3 S3Config `json:"s3" yaml:"s3"`
}

// S3Config holds S3 storage configuration.
type S3Config struct {
	Bucket string `json:"bucket" yaml:"bucket"`
	Region string `json:"region" yaml:"region"`

	// Endpoint is set for S3-compatible stores.
	Endpoint     string `json:"endpoint" yaml:"endpoint"`
	UsePathStyle bool   `json:"use_path_style" yaml:"use_path_style"`

	PartSizeMB  int `json:"part_size_mb" yaml:"part_size_mb"`
	Concurrency int `json:"concurrency" yaml:"concurrency"`
	// MaxAttempts bounds the SDK retryer per request, first attempt included.
	MaxAttempts int `json:"max_attempts" yaml:"max_attempts"`
}

// CatalogConfig holds snapshot catalog configuration.
type CatalogConfig struct {
	// Path is the SQLite database file.
	Path string `json:"path" yaml:"path"`

	// ReloadInterval is how often the server polls for newly activated
	// snapshots; 0 disables reloading.
	ReloadInterval time.Duration `json:"reload_interval" yaml:"reload_interval"`

	// KeepRetired is how many retired snapshots per collection survive a purge.
	KeepRetired int `json:"keep_retired" yaml:"keep_retired"`
}

// CacheConfig holds the local artifact cache configuration.
type CacheConfig struct {
	Dir              string `json:"dir" yaml:"dir"`
	MaxBytes         int64  `json:"max_bytes" yaml:"max_bytes"`
	FetchConcurrency int    `json:"fetch_concurrency" yaml:"fetch_concurrency"`
}

// StatsConfig holds the filter usage tracking configuration.
type StatsConfig struct {
	Window          time.Duration `json:"window" yaml:"window"`
	CheckInterval   time.Duration `json:"check_interval" yaml:"check_interval"`
	CreateThreshold int64         `json:"create_threshold" yaml:"create_threshold"`
	DropThreshold   int64         `json:"drop_threshold" yaml:"drop_threshold"`
	MaxIndexes      int           `json:"max_indexes" yaml:"max_indexes"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

// DefaultConfig returns the default configuration for local development.
func DefaultConfig() *Config {
	build := snapshot.DefaultOptions()
	query := planner.DefaultConfig()
	advisor := observability.DefaultAdvisorConfig()
	return &Config{
		DataDir: "./data/featurepack",
		HTTP: HTTPConfig{
			Addr:         ":8080",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 120 * time.Second,
			IdleTimeout:  120 * time.Second,
			Gzip:         true,
			RateBurst:    50,
		},
		Store: StoreConfig{
			Fanout:          build.Fanout,
			HilbertBitDepth: build.HilbertBitDepth,
			BloomFPR:        build.BloomFPR,
			CRS:             build.CRS,
		},
		Query: QueryConfig{
			DefaultLimit:    query.DefaultLimit,
			MaxLimit:        query.MaxLimit,
			IntersectFactor: query.IntersectFactor,
			Timeout:         60 * time.Second,
		},
		Storage: StorageConfig{
			Type: "local",
			S3: S3Config{
				Region:      "us-east-1",
				PartSizeMB:  5,
				Concurrency: 5,
			},
		},
		Catalog: CatalogConfig{
			ReloadInterval: 30 * time.Second,
			KeepRetired:    2,
		},
		Cache: CacheConfig{
			MaxBytes:         10 << 30,
			FetchConcurrency: 4,
		},
		Stats: StatsConfig{
			Window:          24 * time.Hour,
			CheckInterval:   advisor.CheckInterval,
			CreateThreshold: advisor.CreateThreshold,
			DropThreshold:   advisor.DropThreshold,
			MaxIndexes:      advisor.MaxIndexes,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Resolve derives unset paths from DataDir.
func (c *Config) Resolve() {
	if c.DataDir == "" {
		c.DataDir = "./data/featurepack"
	}
	if c.Storage.Path == "" {
		c.Storage.Path = filepath.Join(c.DataDir, "storage")
	}
	if c.Catalog.Path == "" {
		c.Catalog.Path = filepath.Join(c.DataDir, "catalog.db")
	}
	if c.Cache.Dir == "" {
		c.Cache.Dir = filepath.Join(c.DataDir, "cache")
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}

	switch c.Storage.Type {
	case "local":
	case "s3":
		if c.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when storage type is s3")
		}
	default:
		return fmt.Errorf("invalid storage type: %s (must be local or s3)", c.Storage.Type)
	}

	if c.Query.DefaultLimit <= 0 || c.Query.MaxLimit <= 0 {
		return fmt.Errorf("query.default_limit and query.max_limit must be positive")
	}
	if c.Query.DefaultLimit > c.Query.MaxLimit {
		return fmt.Errorf("query.default_limit (%d) exceeds query.max_limit (%d)", c.Query.DefaultLimit, c.Query.MaxLimit)
	}

	// Collection id is supplied per build, so validate the rest with a placeholder.
	opts := c.BuildOptions("validate")
	if err := opts.Validate(); err != nil {
		return fmt.Errorf("store: %w", err)
	}

	if c.HTTP.RateLimit < 0 {
		return fmt.Errorf("http.rate_limit must not be negative")
	}
	if c.HTTP.RateLimit > 0 && c.HTTP.RateBurst <= 0 {
		return fmt.Errorf("http.rate_burst must be positive when rate limiting is enabled")
	}
	if c.Catalog.ReloadInterval < 0 {
		return fmt.Errorf("catalog.reload_interval must not be negative")
	}
	if c.Cache.MaxBytes < 0 {
		return fmt.Errorf("cache.max_bytes must not be negative")
	}

	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("invalid log format: %s (must be text or json)", c.Log.Format)
	}
	return nil
}

// BuildOptions returns the snapshot build options for collection.
func (c *Config) BuildOptions(collection string) snapshot.Options {
	return snapshot.Options{
		CollectionID:    collection,
		Fanout:          c.Store.Fanout,
		HilbertBitDepth: c.Store.HilbertBitDepth,
		IndexedFields:   append([]string(nil), c.Store.IndexedFields...),
		BloomFPR:        c.Store.BloomFPR,
		CRS:             c.Store.CRS,
	}
}

// PlannerConfig returns the query planner configuration.
func (c *Config) PlannerConfig() planner.Config {
	return planner.Config{
		DefaultLimit:     c.Query.DefaultLimit,
		MaxLimit:         c.Query.MaxLimit,
		FullScanFallback: c.Query.FullScanFallback,
		IntersectFactor:  c.Query.IntersectFactor,
	}
}

// StorageS3Config returns the S3 backend configuration.
func (c *Config) StorageS3Config() storage.S3Config {
	cfg := storage.DefaultS3Config()
	if c.Storage.S3.Region != "" {
		cfg.Region = c.Storage.S3.Region
	}
	cfg.Endpoint = c.Storage.S3.Endpoint
	cfg.UsePathStyle = c.Storage.S3.UsePathStyle
	if c.Storage.S3.PartSizeMB > 0 {
		cfg.Multipart.PartSize = int64(c.Storage.S3.PartSizeMB) << 20
	}
	if c.Storage.S3.Concurrency > 0 {
		cfg.Multipart.Concurrency = c.Storage.S3.Concurrency
	}
	if c.Storage.S3.MaxAttempts > 0 {
		cfg.MaxAttempts = c.Storage.S3.MaxAttempts
	}
	return cfg
}

// AdvisorConfig returns the indexed_fields advisor thresholds.
func (c *Config) AdvisorConfig() observability.AdvisorConfig {
	return observability.AdvisorConfig{
		CreateThreshold: c.Stats.CreateThreshold,
		DropThreshold:   c.Stats.DropThreshold,
		MaxIndexes:      c.Stats.MaxIndexes,
		CheckInterval:   c.Stats.CheckInterval,
	}
}

// LoadFromFile loads configuration from a YAML or JSON file over the defaults.
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
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", ext)
	}

	return cfg, nil
}

// FanoutFromInt converts a fanout read from flags or the environment,
// rejecting values that do not fit the stored uint16.
func FanoutFromInt(n int) (uint16, error) {
	hi := min(spatial.MaxFanout, math.MaxUint16)
	if n < spatial.MinFanout || n > hi {
		return 0, fmt.Errorf("fanout must be in [%d, %d], got %d", spatial.MinFanout, hi, n)
	}
	return uint16(n), nil
}

// LoadFromEnv overrides cfg from FEATUREPACK_ environment variables.
// Malformed numbers and durations are reported rather than ignored.
func LoadFromEnv(cfg *Config) error {
	e := envReader{}

	e.str("DATA_DIR", &cfg.DataDir)

	e.str("HTTP_ADDR", &cfg.HTTP.Addr)
	e.duration("HTTP_READ_TIMEOUT", &cfg.HTTP.ReadTimeout)
	e.duration("HTTP_WRITE_TIMEOUT", &cfg.HTTP.WriteTimeout)
	e.duration("HTTP_IDLE_TIMEOUT", &cfg.HTTP.IdleTimeout)
	e.boolean("HTTP_GZIP", &cfg.HTTP.Gzip)
	e.float("HTTP_RATE_LIMIT", &cfg.HTTP.RateLimit)
	e.integer("HTTP_RATE_BURST", &cfg.HTTP.RateBurst)
	e.str("HTTP_BASE_URL", &cfg.HTTP.BaseURL)

	if v, ok := os.LookupEnv(EnvPrefix + "STORE_INDEXED_FIELDS"); ok {
		cfg.Store.IndexedFields = splitList(v)
	}
	var fanout int
	if e.integer("STORE_FANOUT", &fanout) {
		if f, err := FanoutFromInt(fanout); err != nil {
			e.fail("STORE_FANOUT", strconv.Itoa(fanout), err)
		} else {
			cfg.Store.Fanout = f
		}
	}
	var depth int
	if e.integer("STORE_HILBERT_BIT_DEPTH", &depth) {
		cfg.Store.HilbertBitDepth = uint(depth)
	}
	e.float("STORE_BLOOM_FPR", &cfg.Store.BloomFPR)
	e.integer("STORE_CRS", &cfg.Store.CRS)

	e.integer("QUERY_DEFAULT_LIMIT", &cfg.Query.DefaultLimit)
	e.integer("QUERY_MAX_LIMIT", &cfg.Query.MaxLimit)
	e.boolean("QUERY_FULL_SCAN_FALLBACK", &cfg.Query.FullScanFallback)
	e.integer("QUERY_INTERSECT_FACTOR", &cfg.Query.IntersectFactor)
	e.duration("QUERY_TIMEOUT", &cfg.Query.Timeout)

	e.str("STORAGE_TYPE", &cfg.Storage.Type)
	e.str("STORAGE_PATH", &cfg.Storage.Path)
	e.str("S3_BUCKET", &cfg.Storage.S3.Bucket)
	e.str("S3_REGION", &cfg.Storage.S3.Region)
	e.str("S3_ENDPOINT", &cfg.Storage.S3.Endpoint)
	e.boolean("S3_USE_PATH_STYLE", &cfg.Storage.S3.UsePathStyle)
	e.integer("S3_MAX_ATTEMPTS", &cfg.Storage.S3.MaxAttempts)

	e.str("CATALOG_PATH", &cfg.Catalog.Path)
	e.duration("CATALOG_RELOAD_INTERVAL", &cfg.Catalog.ReloadInterval)
	e.integer("CATALOG_KEEP_RETIRED", &cfg.Catalog.KeepRetired)

	e.str("CACHE_DIR", &cfg.Cache.Dir)
	var maxBytes int
	if e.integer("CACHE_MAX_BYTES", &maxBytes) {
		cfg.Cache.MaxBytes = int64(maxBytes)
	}
	e.integer("CACHE_FETCH_CONCURRENCY", &cfg.Cache.FetchConcurrency)

	e.duration("STATS_WINDOW", &cfg.Stats.Window)

	e.str("LOG_LEVEL", &cfg.Log.Level)
	e.str("LOG_FORMAT", &cfg.Log.Format)

	return e.err
}

type envReader struct {
	err error
}

func (e *envReader) lookup(name string) (string, bool) {
	v, ok := os.LookupEnv(EnvPrefix + name)
	return v, ok && v != ""
}

func (e *envReader) fail(name, v string, err error) {
	if e.err == nil {
		e.err = fmt.Errorf("%s%s=%q: %w", EnvPrefix, name, v, err)
	}
}

func (e *envReader) str(name string, dst *string) {
	if v, ok := e.lookup(name); ok {
		*dst = v
	}
}

func (e *envReader) integer(name string, dst *int) bool {
	v, ok := e.lookup(name)
	if !ok {
		return false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.fail(name, v, err)
		return false
	}
	*dst = n
	return true
}

func (e *envReader) float(name string, dst *float64) {
	if v, ok := e.lookup(name); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			e.fail(name, v, err)
			return
		}
		*dst = f
	}
}

func (e *envReader) boolean(name string, dst *bool) {
	if v, ok := e.lookup(name); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			e.fail(name, v, err)
			return
		}
		*dst = b
	}
}

func (e *envReader) duration(name string, dst *time.Duration) {
	if v, ok := e.lookup(name); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			e.fail(name, v, err)
			return
		}
		*dst = d
	}
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

// EnsureDirectories creates the data, storage and cache directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.DataDir, c.Cache.Dir, filepath.Dir(c.Catalog.Path)}
	if c.Storage.Type == "local" {
		dirs = append(dirs, c.Storage.Path)
	}
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}
