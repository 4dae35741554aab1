// Package config handles loading and validating toolrun configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	goutils "github.com/jkaninda/go-utils"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for toolrun.
type Config struct {
	Workspace     string               `json:"workspace,omitempty" yaml:"workspace,omitempty" toml:"workspace,omitempty"` // Workspace root. Default: ~/.toolrun/workspace. Override: TOOLRUN_WORKSPACE env var.
	Retry         RetryConfig          `json:"retry" yaml:"retry" toml:"retry"`
	Sandbox       SandboxConfig        `json:"sandbox" yaml:"sandbox" toml:"sandbox"`
	Tools         ToolsConfig          `json:"tools" yaml:"tools" toml:"tools"`
	Display       DisplayConfig        `json:"display" yaml:"display" toml:"display"`
	Audit         *AuditConfig         `json:"audit,omitempty" yaml:"audit,omitempty" toml:"audit,omitempty"`                         // nil = audit trail disabled
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty" toml:"observability,omitempty"` // nil = observability disabled
	Janitor       *JanitorConfig       `json:"janitor,omitempty" yaml:"janitor,omitempty" toml:"janitor,omitempty"`                   // nil = idle sessions are kept
}

// RetryConfig shapes the escalation engine's primary retries.
// One exponential policy covers every delay in the system.
type RetryConfig struct {
	MaxRetries     int     `json:"max_retries" yaml:"max_retries" toml:"max_retries"`                // Primary attempts before escalation. Default: 3.
	InitialDelayMS int     `json:"initial_delay_ms" yaml:"initial_delay_ms" toml:"initial_delay_ms"` // Default: 500. -1 = no delay.
	MaxDelayMS     int     `json:"max_delay_ms" yaml:"max_delay_ms" toml:"max_delay_ms"`             // Default: 10000.
	Multiplier     float64 `json:"multiplier" yaml:"multiplier" toml:"multiplier"`                   // Default: 2.0. 1.0 = fixed delay.
	Jitter         float64 `json:"jitter" yaml:"jitter" toml:"jitter"`                               // 0.0-1.0. Default: 0.
}

// Retries returns the primary attempt ceiling with a default of 3.
func (r RetryConfig) Retries() int {
	if r.MaxRetries > 0 {
		return r.MaxRetries
	}
	return 3
}

// InitialDelay returns the first inter-attempt wait. A negative value
// disables waiting.
func (r RetryConfig) InitialDelay() time.Duration {
	switch {
	case r.InitialDelayMS < 0:
		return -1
	case r.InitialDelayMS > 0:
		return time.Duration(r.InitialDelayMS) * time.Millisecond
	}
	return 500 * time.Millisecond
}

// MaxDelay returns the backoff ceiling with a default of 10s.
func (r RetryConfig) MaxDelay() time.Duration {
	if r.MaxDelayMS > 0 {
		return time.Duration(r.MaxDelayMS) * time.Millisecond
	}
	return 10 * time.Second
}

// BackoffMultiplier returns the growth factor with a default of 2.0.
func (r RetryConfig) BackoffMultiplier() float64 {
	if r.Multiplier >= 1 {
		return r.Multiplier
	}
	return 2.0
}

// SandboxConfig configures the process executor.
type SandboxConfig struct {
	Shell               string               `json:"shell" yaml:"shell" toml:"shell"`                                                 // Default: /bin/sh.
	Interpreters        []string             `json:"interpreters" yaml:"interpreters" toml:"interpreters"`                            // Default: /bin/sh, /bin/bash.
	MaxExecutionSeconds int                  `json:"max_execution_seconds" yaml:"max_execution_seconds" toml:"max_execution_seconds"` // Default: 30.
	MaxCPUSeconds       int                  `json:"max_cpu_seconds" yaml:"max_cpu_seconds" toml:"max_cpu_seconds"`                   // ulimit -t. Default: 60. -1 = unlimited.
	MaxMemoryMB         int                  `json:"max_memory_mb" yaml:"max_memory_mb" toml:"max_memory_mb"`                         // ulimit -v. Default: 512. -1 = unlimited.
	ScriptDir           string               `json:"script_dir,omitempty" yaml:"script_dir,omitempty" toml:"script_dir,omitempty"`    // Default: workspace sandbox dir.
	CycleRetries        int                  `json:"cycle_retries" yaml:"cycle_retries" toml:"cycle_retries"`                         // interpreter_cycle ceiling. Default: 3.
	Docker              *DockerSandboxConfig `json:"docker,omitempty" yaml:"docker,omitempty" toml:"docker,omitempty"`                // nil = container strategy disabled
}

// Timeout returns the per-spawn timeout with a default of 30s.
func (s SandboxConfig) Timeout() time.Duration {
	if s.MaxExecutionSeconds > 0 {
		return time.Duration(s.MaxExecutionSeconds) * time.Second
	}
	return 30 * time.Second
}

// DockerSandboxConfig holds Docker-specific sandbox settings.
type DockerSandboxConfig struct {
	Enabled        bool    `json:"enabled" yaml:"enabled" toml:"enabled"`
	Image          string  `json:"image" yaml:"image" toml:"image"`                                  // Default: alpine:3.20.
	Binary         string  `json:"binary,omitempty" yaml:"binary,omitempty" toml:"binary,omitempty"` // Docker CLI. Default: "docker".
	MemoryMB       int     `json:"memory_mb" yaml:"memory_mb" toml:"memory_mb"`                      // 0 = sandbox.max_memory_mb.
	CPUCores       float64 `json:"cpu_cores" yaml:"cpu_cores" toml:"cpu_cores"`                      // Docker --cpus flag (e.g. 0.5). 0 = 1.0 default.
	PIDsLimit      int     `json:"pids_limit" yaml:"pids_limit" toml:"pids_limit"`                   // Docker --pids-limit flag. 0 = 64 default.
	NetworkAllowed bool    `json:"network_allowed" yaml:"network_allowed" toml:"network_allowed"`
}

// ToolsConfig configures individual tool settings.
type ToolsConfig struct {
	File     FileToolConfig     `json:"file" yaml:"file" toml:"file"`
	Download DownloadToolConfig `json:"download" yaml:"download" toml:"download"`
	Calc     CalcToolConfig     `json:"calc" yaml:"calc" toml:"calc"`
}

// FileToolConfig limits the file tool.
type FileToolConfig struct {
	MaxFileSizeBytes int64 `json:"max_file_size_bytes" yaml:"max_file_size_bytes" toml:"max_file_size_bytes"` // 0 = 10 MB default.
}

// DownloadToolConfig restricts the download tool.
type DownloadToolConfig struct {
	AllowedDomains       []string `json:"allowed_domains" yaml:"allowed_domains" toml:"allowed_domains"` // Empty = any host.
	BlockPrivateNetworks bool     `json:"block_private_networks" yaml:"block_private_networks" toml:"block_private_networks"`
	MaxBytes             int64    `json:"max_bytes" yaml:"max_bytes" toml:"max_bytes"`                   // 0 = 1 GB default.
	TimeoutSeconds       int      `json:"timeout_seconds" yaml:"timeout_seconds" toml:"timeout_seconds"` // 0 = 300.
	UserAgent            string   `json:"user_agent,omitempty" yaml:"user_agent,omitempty" toml:"user_agent,omitempty"`
	ExternalClients      bool     `json:"external_clients" yaml:"external_clients" toml:"external_clients"` // Offer curl/wget alternatives.
}

// Timeout returns the per-download timeout, or 0 for the tool default.
func (d DownloadToolConfig) Timeout() time.Duration {
	if d.TimeoutSeconds > 0 {
		return time.Duration(d.TimeoutSeconds) * time.Second
	}
	return 0
}

// CalcToolConfig configures the expression tool.
type CalcToolConfig struct {
	Interpreter bool `json:"interpreter" yaml:"interpreter" toml:"interpreter"` // Offer the python3 alternative.
}

// DisplayConfig controls how paths are rendered back to callers.
type DisplayConfig struct {
	MaskExternalPaths bool   `json:"mask_external_paths" yaml:"mask_external_paths" toml:"mask_external_paths"`
	ExternalMarker    string `json:"external_marker,omitempty" yaml:"external_marker,omitempty" toml:"external_marker,omitempty"` // Default: "<external path>".
}

// AuditConfig configures the attempt/outcome audit trail.
type AuditConfig struct {
	File    *AuditFileConfig `json:"file,omitempty" yaml:"file,omitempty" toml:"file,omitempty"`          // nil = no JSONL log
	Storage *StorageConfig   `json:"storage,omitempty" yaml:"storage,omitempty" toml:"storage,omitempty"` // nil = no SQL store
}

// AuditFileConfig configures the JSONL audit log.
type AuditFileConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled" toml:"enabled"`
	Path    string `json:"path,omitempty" yaml:"path,omitempty" toml:"path,omitempty"` // Default: <workspace>/logs/audit.jsonl.
}

// StorageConfig configures the SQL audit store.
type StorageConfig struct {
	Driver   string                 `json:"driver" yaml:"driver" toml:"driver"`                                     // "sqlite" (default) or "postgres".
	SQLite   *SQLiteStorageConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty" toml:"sqlite,omitempty"`       // SQLite-specific settings.
	Postgres *PostgresStorageConfig `json:"postgres,omitempty" yaml:"postgres,omitempty" toml:"postgres,omitempty"` // PostgreSQL-specific settings.
}

// StorageDriver returns the configured driver, defaulting to "sqlite".
func (s *StorageConfig) StorageDriver() string {
	if s != nil && s.Driver != "" {
		return s.Driver
	}
	return "sqlite"
}

// SQLiteStorageConfig holds SQLite-specific settings.
type SQLiteStorageConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty" toml:"path,omitempty"` // Default: <workspace>/data/toolrun.db.
	JournalMode string `json:"journal_mode" yaml:"journal_mode" toml:"journal_mode"`       // "wal" (default), "delete", "truncate", etc.
}

// PostgresStorageConfig holds PostgreSQL-specific settings.
type PostgresStorageConfig struct {
	DSN                    string `json:"dsn" yaml:"dsn" toml:"dsn"`                                                                      // Override: TOOLRUN_AUDIT_DSN env var.
	MaxOpenConns           int    `json:"max_open_conns" yaml:"max_open_conns" toml:"max_open_conns"`                                     // Default: 25
	MaxIdleConns           int    `json:"max_idle_conns" yaml:"max_idle_conns" toml:"max_idle_conns"`                                     // Default: 5
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds" yaml:"conn_max_lifetime_seconds" toml:"conn_max_lifetime_seconds"`    // Default: 1800
	ConnMaxIdleTimeSeconds int    `json:"conn_max_idle_time_seconds" yaml:"conn_max_idle_time_seconds" toml:"conn_max_idle_time_seconds"` // Default: 600
}

// ObservabilityConfig configures metrics, tracing, health checks, and anomaly detection.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty" toml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty" toml:"tracing,omitempty"`
	Health  *HealthConfig  `json:"health,omitempty" yaml:"health,omitempty" toml:"health,omitempty"`
	Anomaly *AnomalyConfig `json:"anomaly,omitempty" yaml:"anomaly,omitempty" toml:"anomaly,omitempty"`
}

// MetricsConfig configures Prometheus metrics collection.
type MetricsConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled" toml:"enabled"`
}

// TracingConfig configures OpenTelemetry tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled" toml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint" toml:"endpoint"`             // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol" toml:"protocol"`             // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name" toml:"service_name"` // Default: "toolrun"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate" toml:"sample_rate"`    // 0.0-1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure" toml:"insecure"`             // Skip TLS for dev
}

// HealthConfig selects optional dependency checks for readiness.
type HealthConfig struct {
	IncludeDB      bool `json:"include_db" yaml:"include_db" toml:"include_db"`
	IncludeSandbox bool `json:"include_sandbox" yaml:"include_sandbox" toml:"include_sandbox"`
}

// AnomalyConfig configures threshold-based failure-rate detection.
type AnomalyConfig struct {
	Enabled            bool    `json:"enabled" yaml:"enabled" toml:"enabled"`
	ErrorRateThreshold float64 `json:"error_rate_threshold" yaml:"error_rate_threshold" toml:"error_rate_threshold"` // e.g. 0.5 = 50% of chains failing
	WindowSeconds      int     `json:"window_seconds" yaml:"window_seconds" toml:"window_seconds"`                   // Sliding window. Default: 300
	MinSamples         int     `json:"min_samples" yaml:"min_samples" toml:"min_samples"`                            // Default: 5
}

// JanitorConfig configures pruning of idle session roots.
type JanitorConfig struct {
	Enabled        bool   `json:"enabled" yaml:"enabled" toml:"enabled"`
	Schedule       string `json:"schedule" yaml:"schedule" toml:"schedule"`                         // 5-field cron. Default: "*/15 * * * *".
	MaxIdleMinutes int    `json:"max_idle_minutes" yaml:"max_idle_minutes" toml:"max_idle_minutes"` // Default: 1440.
}

// MaxIdle returns the idle cutoff with a default of 24h.
func (j *JanitorConfig) MaxIdle() time.Duration {
	if j != nil && j.MaxIdleMinutes > 0 {
		return time.Duration(j.MaxIdleMinutes) * time.Minute
	}
	return 24 * time.Hour
}

// DefaultConfigPath returns the default config file path (~/.toolrun/config.yaml).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/toolrun.yaml" // fallback for environments without a home dir
	}
	return filepath.Join(home, ".toolrun", "config.yaml")
}

// Default returns a Config with every section at its zero value, suitable
// when no config file exists. Environment overrides still apply.
func Default() *Config {
	cfg := &Config{}
	cfg.applyEnv()
	return cfg
}

// Load reads a JSON, YAML or TOML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, .toml for TOML,
// everything else for JSON. Environment variables take precedence over file values.
func Load(path string) (*Config, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
		}
	case ".toml":
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing TOML config %s: %w", resolved, err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// LoadOrDefault loads path when it exists and falls back to Default otherwise.
// A file that exists but fails to parse or validate is still an error.
func LoadOrDefault(path string) (*Config, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}
	if _, err := os.Stat(resolved); os.IsNotExist(err) {
		return Default(), nil
	}
	return Load(path)
}

// applyEnv overlays environment variables on top of file values.
func (c *Config) applyEnv() {
	c.Workspace = goutils.Env("TOOLRUN_WORKSPACE", c.Workspace)

	if dsn := os.Getenv("TOOLRUN_AUDIT_DSN"); dsn != "" {
		if c.Audit == nil {
			c.Audit = &AuditConfig{}
		}
		if c.Audit.Storage == nil {
			c.Audit.Storage = &StorageConfig{}
		}
		if c.Audit.Storage.Postgres == nil {
			c.Audit.Storage.Postgres = &PostgresStorageConfig{}
		}
		c.Audit.Storage.Driver = "postgres"
		c.Audit.Storage.Postgres.DSN = dsn
	}

	if endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); endpoint != "" &&
		c.Observability != nil && c.Observability.Tracing != nil {
		c.Observability.Tracing.Endpoint = endpoint
	}
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// StorageDriverName returns the effective audit storage driver, or "" when
// the SQL store is disabled.
func (c *Config) StorageDriverName() string {
	if c.Audit == nil || c.Audit.Storage == nil {
		return ""
	}
	return c.Audit.Storage.StorageDriver()
}

func (c *Config) validate() error {
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must not be negative")
	}
	if c.Retry.MaxDelayMS < 0 {
		return fmt.Errorf("retry.max_delay_ms must not be negative")
	}
	if c.Retry.Multiplier != 0 && c.Retry.Multiplier < 1 {
		return fmt.Errorf("retry.multiplier must be at least 1.0")
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter > 1 {
		return fmt.Errorf("retry.jitter must be between 0 and 1")
	}
	if c.Sandbox.MaxExecutionSeconds < 0 {
		return fmt.Errorf("sandbox.max_execution_seconds must not be negative")
	}
	if c.Sandbox.CycleRetries < 0 {
		return fmt.Errorf("sandbox.cycle_retries must not be negative")
	}
	for i, interp := range c.Sandbox.Interpreters {
		if strings.TrimSpace(interp) == "" {
			return fmt.Errorf("sandbox.interpreters[%d] must not be empty", i)
		}
	}
	if d := c.Sandbox.Docker; d != nil && d.Enabled {
		if d.CPUCores < 0 {
			return fmt.Errorf("sandbox.docker.cpu_cores must not be negative")
		}
		if d.PIDsLimit < 0 {
			return fmt.Errorf("sandbox.docker.pids_limit must not be negative")
		}
	}
	if c.Tools.File.MaxFileSizeBytes < 0 {
		return fmt.Errorf("tools.file.max_file_size_bytes must not be negative")
	}
	if c.Tools.Download.MaxBytes < 0 {
		return fmt.Errorf("tools.download.max_bytes must not be negative")
	}
	if c.Tools.Download.TimeoutSeconds < 0 {
		return fmt.Errorf("tools.download.timeout_seconds must not be negative")
	}
	if c.Audit != nil && c.Audit.Storage != nil {
		switch c.Audit.Storage.StorageDriver() {
		case "sqlite":
			// valid
		case "postgres":
			if c.Audit.Storage.Postgres == nil || c.Audit.Storage.Postgres.DSN == "" {
				return fmt.Errorf("audit.storage.postgres.dsn is required for the postgres driver (set TOOLRUN_AUDIT_DSN env var)")
			}
		default:
			return fmt.Errorf("audit.storage.driver %q is not supported (use sqlite or postgres)", c.Audit.Storage.Driver)
		}
	}
	if o := c.Observability; o != nil {
		if t := o.Tracing; t != nil && t.Enabled {
			switch t.Protocol {
			case "", "grpc", "http":
			default:
				return fmt.Errorf("observability.tracing.protocol %q is not supported (use grpc or http)", t.Protocol)
			}
			if t.SampleRate < 0 || t.SampleRate > 1 {
				return fmt.Errorf("observability.tracing.sample_rate must be between 0 and 1")
			}
		}
		if a := o.Anomaly; a != nil && a.Enabled {
			if a.ErrorRateThreshold <= 0 || a.ErrorRateThreshold > 1 {
				return fmt.Errorf("observability.anomaly.error_rate_threshold must be in (0, 1]")
			}
		}
	}
	if c.Janitor != nil && c.Janitor.MaxIdleMinutes < 0 {
		return fmt.Errorf("janitor.max_idle_minutes must not be negative")
	}
	return nil
}
