// Package config loads this service's configuration from environment
// variables and an operator-supplied model/endpoint catalog file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cortexgate/dispatcher/internal/model"
	"github.com/cortexgate/dispatcher/internal/monitor"
	"github.com/cortexgate/dispatcher/internal/selector"
)

// Config holds all process configuration.
type Config struct {
	App      AppConfig
	Cluster  ClusterConfig
	Cache    CacheConfig
	Executor ExecutorConfig
	Envelope EnvelopeConfig
	Selector selector.Config
	Monitor  monitor.Config
	Log       LogConfig
	HTTP      HTTPConfig
	Telemetry TelemetryConfig
}

// AppConfig holds process-identity settings.
type AppConfig struct {
	Name string
	Env  string
	Port string
	// CortexID namespaces cluster-mode limiter keys in the shared KV store.
	CortexID string
	// CatalogPath is the model/endpoint catalog file loaded at startup.
	CatalogPath string
}

// ClusterConfig configures the shared KV/cluster adapter (C6).
type ClusterConfig struct {
	ConnString     string
	ConnectTimeout time.Duration
	MaxAttempts    int
}

// CacheConfig configures the executor's (C4) pluggable response cache.
type CacheConfig struct {
	Enabled bool
	TTL     time.Duration
}

// ExecutorConfig configures the request executor (C4).
type ExecutorConfig struct {
	MaxRetry                int
	MaxDuplicateRequests    int
	DuplicateRequestAfter   time.Duration
	EnableDuplicateRequests bool
	DefaultTimeout          time.Duration
}

// EnvelopeConfig configures the symmetric envelope (C7) used by the
// progress bus (C5).
type EnvelopeConfig struct {
	// Key is the raw (or 64-char-hex, per envelope.ParseKey) key material.
	// Empty disables encryption: the bus exchanges plaintext JSON.
	Key string
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string
	Format string
	Output string
}

// HTTPConfig holds the demo HTTP ingress's server settings.
type HTTPConfig struct {
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	IdleTimeout      time.Duration
	RateLimitEnabled bool
	RateLimitPerSec  int
	CORSAllowOrigins []string
}

// Load reads configuration from environment variables. Model/endpoint
// catalog loading is separate (see LoadCatalog) since it comes from a file
// path, not individual env vars.
func Load() (*Config, error) {
	cfg := &Config{
		App: AppConfig{
			Name:     getEnv("CORTEX_APP_NAME", "cortexgate"),
			Env:      getEnv("CORTEX_APP_ENV", "development"),
			Port:     getEnv("CORTEX_APP_PORT", "8080"),
			CortexID:    getEnv("CORTEX_ID", "cortexgate"),
			CatalogPath: getEnv("CORTEX_CATALOG_PATH", "configs/models.yaml"),
		},
		Cluster: ClusterConfig{
			ConnString:     getEnv("CORTEX_REDIS_URL", ""),
			ConnectTimeout: getEnvAsDuration("CORTEX_REDIS_CONNECT_TIMEOUT", 10*time.Second),
			MaxAttempts:    getEnvAsInt("CORTEX_REDIS_MAX_ATTEMPTS", 10),
		},
		Cache: CacheConfig{
			Enabled: getEnvAsBool("CORTEX_CACHE_ENABLED", false),
			TTL:     getEnvAsDuration("CORTEX_CACHE_TTL", 7*24*time.Hour),
		},
		Executor: ExecutorConfig{
			MaxRetry:                getEnvAsInt("CORTEX_EXECUTOR_MAX_RETRY", 6),
			MaxDuplicateRequests:    getEnvAsInt("CORTEX_EXECUTOR_MAX_DUPLICATE_REQUESTS", 3),
			DuplicateRequestAfter:   getEnvAsDuration("CORTEX_EXECUTOR_DUPLICATE_REQUEST_AFTER", 10*time.Second),
			EnableDuplicateRequests: getEnvAsBool("CORTEX_EXECUTOR_ENABLE_DUPLICATE_REQUESTS", false),
			DefaultTimeout:          getEnvAsDuration("CORTEX_EXECUTOR_DEFAULT_TIMEOUT", 30*time.Second),
		},
		Envelope: EnvelopeConfig{
			Key: getEnv("CORTEX_ENVELOPE_KEY", ""),
		},
		Selector: selector.Config{
			LatencySimilarityThreshold: getEnvAsFloat("CORTEX_SELECTOR_LATENCY_THRESHOLD_MS", 10),
		},
		Monitor: monitor.Config{
			Window:                getEnvAsDuration("CORTEX_MONITOR_WINDOW", 30*time.Second),
			ErrorRateThreshold:    getEnvAsFloat("CORTEX_MONITOR_ERROR_RATE_THRESHOLD", 0.5),
			Error429RateThreshold: getEnvAsFloat("CORTEX_MONITOR_ERROR_429_RATE_THRESHOLD", 0.2),
			RecoveryFloor:         getEnvAsFloat("CORTEX_MONITOR_RECOVERY_FLOOR", 0.1),
			RecoveryWindow:        getEnvAsDuration("CORTEX_MONITOR_RECOVERY_WINDOW", 10*time.Second),
			SnapshotInterval:      getEnvAsDuration("CORTEX_MONITOR_SNAPSHOT_INTERVAL", 30*time.Second),
		},
		Log: LogConfig{
			Level:  getEnv("CORTEX_LOG_LEVEL", "info"),
			Format: getEnv("CORTEX_LOG_FORMAT", "console"),
			Output: getEnv("CORTEX_LOG_OUTPUT", "stdout"),
		},
		HTTP: HTTPConfig{
			ReadTimeout:      getEnvAsDuration("CORTEX_HTTP_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:     getEnvAsDuration("CORTEX_HTTP_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:      getEnvAsDuration("CORTEX_HTTP_IDLE_TIMEOUT", 60*time.Second),
			RateLimitEnabled: getEnvAsBool("CORTEX_HTTP_RATE_LIMIT_ENABLED", true),
			RateLimitPerSec:  getEnvAsInt("CORTEX_HTTP_RATE_LIMIT_PER_SEC", 50),
			CORSAllowOrigins: getEnvAsStringSlice("CORTEX_HTTP_CORS_ORIGINS", []string{"*"}),
		},
		Telemetry: TelemetryConfig{
			TracingEnabled:    getEnvAsBool("CORTEX_TRACING_ENABLED", false),
			MetricsEnabled:    getEnvAsBool("CORTEX_METRICS_ENABLED", false),
			CollectorEndpoint: getEnv("CORTEX_OTLP_ENDPOINT", "localhost:4317"),
			SamplingRatio:     getEnvAsFloat("CORTEX_TRACE_SAMPLING_RATIO", 1.0),
			ExportInterval:    getEnvAsDuration("CORTEX_METRICS_EXPORT_INTERVAL", 60*time.Second),
			Insecure:          getEnvAsBool("CORTEX_OTLP_INSECURE", true),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Executor.MaxRetry <= 0 {
		return fmt.Errorf("CORTEX_EXECUTOR_MAX_RETRY must be positive")
	}
	if c.Executor.MaxDuplicateRequests <= 0 {
		return fmt.Errorf("CORTEX_EXECUTOR_MAX_DUPLICATE_REQUESTS must be positive")
	}
	if c.Selector.LatencySimilarityThreshold < 0 {
		return fmt.Errorf("CORTEX_SELECTOR_LATENCY_THRESHOLD_MS cannot be negative")
	}
	if c.Monitor.ErrorRateThreshold <= 0 || c.Monitor.ErrorRateThreshold > 1 {
		return fmt.Errorf("CORTEX_MONITOR_ERROR_RATE_THRESHOLD must be in (0,1]")
	}
	return nil
}

// Catalog is the on-disk shape of the model/endpoint catalog file (YAML),
// loaded once at startup.
type Catalog struct {
	Models []CatalogModel `yaml:"models"`
}

// CatalogModel describes one model and its endpoints in the catalog file.
type CatalogModel struct {
	Name              string             `yaml:"name"`
	SupportsStreaming bool               `yaml:"supportsStreaming"`
	MaxTokenLength    int                `yaml:"maxTokenLength"`
	Endpoints         []CatalogEndpoint  `yaml:"endpoints"`
}

// CatalogEndpoint describes one endpoint entry in the catalog file.
type CatalogEndpoint struct {
	Name              string `yaml:"name"`
	URL               string `yaml:"url"`
	RequestsPerSecond int    `yaml:"requestsPerSecond"`
}

// TelemetryConfig configures the OTel tracer/meter providers.
type TelemetryConfig struct {
	TracingEnabled    bool
	MetricsEnabled    bool
	CollectorEndpoint string
	SamplingRatio     float64
	ExportInterval    time.Duration
	Insecure          bool
}

// LoadCatalog reads and parses a YAML model/endpoint catalog from path.
func LoadCatalog(path string) (*Catalog, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read catalog %q: %w", path, err)
	}
	var c Catalog
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("config: parse catalog %q: %w", path, err)
	}
	if len(c.Models) == 0 {
		return nil, fmt.Errorf("config: catalog %q defines no models", path)
	}
	for _, m := range c.Models {
		if len(m.Endpoints) == 0 {
			return nil, fmt.Errorf("config: model %q defines no endpoints", m.Name)
		}
	}
	return &c, nil
}

// BuildModels constructs model.Model values from a parsed Catalog, wiring
// each endpoint's Limiter via lf and Monitor via mc — the same
// construction path model.NewModel uses, so a catalog-loaded model is
// indistinguishable from one built directly in code.
func BuildModels(c *Catalog, mc monitor.Config, lf model.LimiterFactory) map[string]*model.Model {
	out := make(map[string]*model.Model, len(c.Models))
	for _, cm := range c.Models {
		specs := make([]model.EndpointSpec, len(cm.Endpoints))
		for i, ce := range cm.Endpoints {
			specs[i] = model.EndpointSpec{Name: ce.Name, URL: ce.URL, RequestsPerSecond: ce.RequestsPerSecond}
		}
		out[cm.Name] = model.NewModel(cm.Name, cm.SupportsStreaming, cm.MaxTokenLength, specs, mc, lf)
	}
	return out
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvAsStringSlice(key string, defaultValue []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
