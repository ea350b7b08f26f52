package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"jssandbox/internal/deno"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Sandbox.MaxConcurrent != 10 {
		t.Errorf("Sandbox.MaxConcurrent = %d, want 10", cfg.Sandbox.MaxConcurrent)
	}
	if cfg.Deno.Version != deno.DefaultVersion {
		t.Errorf("Deno.Version = %q, want %q", cfg.Deno.Version, deno.DefaultVersion)
	}

	defs := cfg.ExecutionDefaults()
	if defs.MaxExecutionTimeMS != 5000 || defs.MaxMemoryMB != 256 || defs.MaxOutputSize != 1<<20 {
		t.Errorf("ExecutionDefaults() = %+v, want 5000ms/256MB/1MiB", defs)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"valid defaults", func(c *Config) {}, false},
		{"server port 0", func(c *Config) { c.Server.Port = 0 }, true},
		{"server port 99999", func(c *Config) { c.Server.Port = 99999 }, true},
		{"max_concurrent 0", func(c *Config) { c.Sandbox.MaxConcurrent = 0 }, true},
		{"timeout below minimum", func(c *Config) { c.Sandbox.DefaultTimeoutMS = 50 }, true},
		{"timeout above maximum", func(c *Config) { c.Sandbox.DefaultTimeoutMS = 60001 }, true},
		{"memory below minimum", func(c *Config) { c.Sandbox.DefaultMemoryMB = 8 }, true},
		{"output too small", func(c *Config) { c.Sandbox.DefaultOutput = 10 }, true},
		{"empty import host", func(c *Config) { c.Sandbox.AllowedImportHosts = []string{""} }, true},
		{"import host with path", func(c *Config) { c.Sandbox.AllowedImportHosts = []string{"esm.sh/x"} }, true},
		{"custom import hosts", func(c *Config) { c.Sandbox.AllowedImportHosts = []string{"esm.sh", "cdn.internal"} }, false},
		{"missing deno version", func(c *Config) { c.Deno.Version = "" }, true},
		{"negative rate limit", func(c *Config) { c.Security.RateLimitRPS = -1 }, true},
		{"TLS enabled without cert", func(c *Config) {
			c.TLS.Enabled = true
			c.TLS.CertFile = ""
			c.TLS.KeyFile = ""
		}, true},
		{"TLS enabled with cert+key", func(c *Config) {
			c.TLS.Enabled = true
			c.TLS.CertFile = "/etc/ssl/cert.pem"
			c.TLS.KeyFile = "/etc/ssl/key.pem"
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
server:
  host: "127.0.0.1"
  port: 9090
deno:
  version: "2.2.0"
  install_dir: /opt/deno
sandbox:
  max_concurrent: 50
  default_timeout_ms: 15000
  default_memory_mb: 512
  allowed_import_hosts: [esm.sh]
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("Server.Host = %q, want %q", cfg.Server.Host, "127.0.0.1")
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Sandbox.MaxConcurrent != 50 {
		t.Errorf("Sandbox.MaxConcurrent = %d, want 50", cfg.Sandbox.MaxConcurrent)
	}
	if got := cfg.ExecutionDefaults(); got.MaxExecutionTimeMS != 15000 || got.MaxMemoryMB != 512 {
		t.Errorf("ExecutionDefaults() = %+v, want 15000ms/512MB", got)
	}
	pc := cfg.ProvisionerConfig()
	if pc.Version != "2.2.0" || pc.InstallDir != "/opt/deno" || pc.BaseURL != deno.DefaultBaseURL {
		t.Errorf("ProvisionerConfig() = %+v", pc)
	}
	if cfg.Server.ShutdownTimeout != 30*time.Second {
		t.Errorf("unset fields should keep defaults, ShutdownTimeout = %s", cfg.Server.ShutdownTimeout)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeConfig(t, "server:\n  port: 9090\n")
	t.Setenv("JSSANDBOX_SERVER_PORT", "7070")
	t.Setenv("JSSANDBOX_SANDBOX_MAX_CONCURRENT", "3")
	t.Setenv("JSSANDBOX_SERVER_SHUTDOWN_TIMEOUT", "5s")
	t.Setenv("JSSANDBOX_SANDBOX_ALLOWED_IMPORT_HOSTS", "esm.sh,unpkg.com")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 7070 {
		t.Errorf("Server.Port = %d, want env override 7070", cfg.Server.Port)
	}
	if cfg.Sandbox.MaxConcurrent != 3 {
		t.Errorf("Sandbox.MaxConcurrent = %d, want 3", cfg.Sandbox.MaxConcurrent)
	}
	if cfg.Server.ShutdownTimeout != 5*time.Second {
		t.Errorf("ShutdownTimeout = %s, want 5s", cfg.Server.ShutdownTimeout)
	}
	if hosts := cfg.Sandbox.AllowedImportHosts; len(hosts) != 2 || hosts[1] != "unpkg.com" {
		t.Errorf("AllowedImportHosts = %v", hosts)
	}
}

func TestFromEnv_InvalidOverride(t *testing.T) {
	t.Setenv("JSSANDBOX_SERVER_PORT", "not-a-number")
	if _, err := FromEnv(); err == nil {
		t.Error("expected error for malformed env override")
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	if err == nil {
		t.Error("expected error for missing file, got nil")
	}
}

func TestAddress(t *testing.T) {
	cfg := DefaultConfig()
	want := "0.0.0.0:8080"
	if got := cfg.Address(); got != want {
		t.Errorf("Address() = %q, want %q", got, want)
	}

	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 3000
	want = "127.0.0.1:3000"
	if got := cfg.Address(); got != want {
		t.Errorf("Address() = %q, want %q", got, want)
	}
}
