package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"jssandbox/internal/deno"
	"jssandbox/internal/sandbox"
)

// EnvPrefix prefixes environment overrides, e.g. JSSANDBOX_SERVER_PORT.
const EnvPrefix = "JSSANDBOX"

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server" envconfig:"server"`
	Deno     DenoConfig     `yaml:"deno" envconfig:"deno"`
	Sandbox  SandboxConfig  `yaml:"sandbox" envconfig:"sandbox"`
	Database DatabaseConfig `yaml:"database" envconfig:"database"`
	Metrics  MetricsConfig  `yaml:"metrics" envconfig:"metrics"`
	Tracing  TracingConfig  `yaml:"tracing" envconfig:"tracing"`
	Security SecurityConfig `yaml:"security" envconfig:"security"`
	TLS      TLSConfig      `yaml:"tls" envconfig:"tls"`
}

type ServerConfig struct {
	Host            string        `yaml:"host" envconfig:"host"`
	Port            int           `yaml:"port" envconfig:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout" envconfig:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" envconfig:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"shutdown_timeout"`
	MaxRequestBody  int64         `yaml:"max_request_body_bytes" envconfig:"max_request_body_bytes"`
}

// DenoConfig controls where the interpreter is installed and which release
// is fetched.
type DenoConfig struct {
	Version     string `yaml:"version" envconfig:"version"`
	InstallDir  string `yaml:"install_dir" envconfig:"install_dir"`
	BaseURL     string `yaml:"base_url" envconfig:"base_url"`
	AutoInstall bool   `yaml:"auto_install" envconfig:"auto_install"`
}

type SandboxConfig struct {
	MaxConcurrent int    `yaml:"max_concurrent" envconfig:"max_concurrent"`
	ScratchDir    string `yaml:"scratch_dir" envconfig:"scratch_dir"` // empty means the OS temp dir
	CacheDir      string `yaml:"cache_dir" envconfig:"cache_dir"`     // DENO_DIR for module runs
	CleanupOnBoot bool   `yaml:"cleanup_on_boot" envconfig:"cleanup_on_boot"`

	DefaultTimeoutMS int `yaml:"default_timeout_ms" envconfig:"default_timeout_ms"`
	DefaultMemoryMB  int `yaml:"default_memory_mb" envconfig:"default_memory_mb"`
	DefaultOutput    int `yaml:"default_output_bytes" envconfig:"default_output_bytes"`

	// AllowedImportHosts replaces the built-in CDN list for module runs.
	AllowedImportHosts []string `yaml:"allowed_import_hosts" envconfig:"allowed_import_hosts"`
}

type DatabaseConfig struct {
	DSN             string        `yaml:"dsn" envconfig:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns" envconfig:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns" envconfig:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" envconfig:"conn_max_lifetime"`
	AuditBuffer     int           `yaml:"audit_buffer" envconfig:"audit_buffer"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" envconfig:"enabled"`
	Path    string `yaml:"path" envconfig:"path"`
}

type TracingConfig struct {
	Enabled  bool    `yaml:"enabled" envconfig:"enabled"`
	Endpoint string  `yaml:"endpoint" envconfig:"endpoint"`
	Sample   float64 `yaml:"sample_rate" envconfig:"sample_rate"`
}

type SecurityConfig struct {
	APIKeyHeader string   `yaml:"api_key_header" envconfig:"api_key_header"`
	AllowedKeys  []string `yaml:"allowed_keys" envconfig:"allowed_keys"`

	// AllowUnauthenticated accepts every request when AllowedKeys is empty.
	AllowUnauthenticated bool `yaml:"allow_unauthenticated" envconfig:"allow_unauthenticated"`

	RateLimitRPS   float64 `yaml:"rate_limit_rps" envconfig:"rate_limit_rps"`
	RateLimitBurst int     `yaml:"rate_limit_burst" envconfig:"rate_limit_burst"`

	// BlockSuspicious rejects code the pattern detector flags as critical.
	BlockSuspicious bool `yaml:"block_suspicious" envconfig:"block_suspicious"`
}

// TLSConfig controls HTTPS/TLS termination.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled" envconfig:"enabled"`
	CertFile string `yaml:"cert_file" envconfig:"cert_file"`
	KeyFile  string `yaml:"key_file" envconfig:"key_file"`
}

// Load reads configuration from a YAML file, then applies JSSANDBOX_*
// environment overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path)) // #nosec G304 -- path comes from CLI flag or hardcoded default
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	return finish(cfg)
}

// FromEnv is Load without a file: defaults plus environment overrides.
func FromEnv() (*Config, error) {
	return finish(DefaultConfig())
}

func finish(cfg *Config) (*Config, error) {
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("reading environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns sensible defaults for all configuration.
func DefaultConfig() *Config {
	exec := sandbox.DefaultExecutionConfig()
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    95 * time.Second, // > roundtrip worst case (3 x 10s drivers) + max script timeout
			ShutdownTimeout: 30 * time.Second,
			MaxRequestBody:  16 << 20,
		},
		Deno: DenoConfig{
			Version:     deno.DefaultVersion,
			BaseURL:     deno.DefaultBaseURL,
			AutoInstall: true,
		},
		Sandbox: SandboxConfig{
			MaxConcurrent:    10,
			CleanupOnBoot:    true,
			DefaultTimeoutMS: exec.MaxExecutionTimeMS,
			DefaultMemoryMB:  exec.MaxMemoryMB,
			DefaultOutput:    exec.MaxOutputSize,
		},
		Database: DatabaseConfig{
			DSN:             "",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
			AuditBuffer:     10000,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Tracing: TracingConfig{
			Enabled: false,
			Sample:  0.1,
		},
		Security: SecurityConfig{
			APIKeyHeader:         "X-API-Key",
			AllowUnauthenticated: true,
			RateLimitRPS:         100,
			RateLimitBurst:       200,
			BlockSuspicious:      true,
		},
		TLS: TLSConfig{
			Enabled: false,
		},
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port)
	}
	if c.Sandbox.MaxConcurrent < 1 {
		return fmt.Errorf("sandbox.max_concurrent must be >= 1")
	}
	if err := c.ExecutionDefaults().Validate(); err != nil {
		return fmt.Errorf("sandbox defaults: %w", err)
	}
	for _, h := range c.Sandbox.AllowedImportHosts {
		if h == "" || strings.ContainsAny(h, "/,") {
			return fmt.Errorf("sandbox.allowed_import_hosts: %q is not a host name", h)
		}
	}
	if c.Deno.Version == "" {
		return fmt.Errorf("deno.version is required")
	}
	if c.Security.RateLimitRPS < 0 || c.Security.RateLimitBurst < 0 {
		return fmt.Errorf("security rate limits must be >= 0")
	}
	if c.TLS.Enabled {
		if c.TLS.CertFile == "" || c.TLS.KeyFile == "" {
			return fmt.Errorf("tls.cert_file and tls.key_file are required when TLS is enabled")
		}
	}
	if c.Database.DSN != "" && strings.Contains(c.Database.DSN, "sslmode=disable") {
		log.Warn().Msg("database DSN has sslmode=disable, connections to Postgres are unencrypted")
	}
	return nil
}

// ExecutionDefaults is the envelope applied to requests that omit a config.
func (c *Config) ExecutionDefaults() sandbox.ExecutionConfig {
	cfg := sandbox.DefaultExecutionConfig()
	cfg.MaxExecutionTimeMS = c.Sandbox.DefaultTimeoutMS
	cfg.MaxMemoryMB = c.Sandbox.DefaultMemoryMB
	cfg.MaxOutputSize = c.Sandbox.DefaultOutput
	return cfg
}

// ProvisionerConfig maps the deno section onto the installer.
func (c *Config) ProvisionerConfig() deno.Config {
	return deno.Config{
		Version:    c.Deno.Version,
		InstallDir: c.Deno.InstallDir,
		BaseURL:    c.Deno.BaseURL,
	}
}

// Address returns the listen address string.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
