package api

import (
	"jssandbox/internal/monitor"
	"jssandbox/internal/sandbox"
)

// ExecuteRequest runs a code fragment inside the wrapper program. Config
// fields left out of the body keep the server defaults.
type ExecuteRequest struct {
	Code      string                   `json:"code"`
	Config    *sandbox.ExecutionConfig `json:"config,omitempty"`
	InputData map[string]any           `json:"input_data,omitempty"`
}

// ExecuteResponse is the normalized result plus anything the pattern
// detector flagged.
type ExecuteResponse struct {
	*sandbox.ExecutionResult
	SecurityEvents []monitor.Detection `json:"security_events,omitempty"`
}

type ValidateRequest struct {
	Code string `json:"code"`
}

type ValidateResponse struct {
	Valid bool    `json:"valid"`
	Error *string `json:"error"`
}

// ModuleConfig is the flat module-run config accepted over HTTP. Only read
// and write grants are exposed; network access is derived from the import
// allow-list.
type ModuleConfig struct {
	MaxExecutionTimeMS int      `json:"max_execution_time_ms"`
	MaxMemoryMB        int      `json:"max_memory_mb"`
	MaxOutputSize      int      `json:"max_output_size"`
	CaptureStderr      bool     `json:"capture_stderr"`
	AllowURLImports    bool     `json:"allow_url_imports"`
	AllowedImportHosts []string `json:"allowed_import_hosts,omitempty"`
	CacheImports       bool     `json:"cache_imports"`
	AllowRead          []string `json:"allow_read,omitempty"`
	AllowWrite         []string `json:"allow_write,omitempty"`
}

func (c ModuleConfig) sandboxConfig() sandbox.ModuleExecutionConfig {
	cfg := sandbox.DefaultModuleExecutionConfig()
	cfg.MaxExecutionTimeMS = c.MaxExecutionTimeMS
	cfg.MaxMemoryMB = c.MaxMemoryMB
	cfg.MaxOutputSize = c.MaxOutputSize
	cfg.CaptureStderr = c.CaptureStderr
	cfg.AllowURLImports = c.AllowURLImports
	cfg.AllowedImportHosts = c.AllowedImportHosts
	cfg.CacheImports = c.CacheImports
	cfg.Permissions = sandbox.PermissionSet{
		AllowRead:  c.AllowRead,
		AllowWrite: c.AllowWrite,
	}
	return cfg
}

type ModuleExecuteRequest struct {
	Code   string        `json:"code"`
	Config *ModuleConfig `json:"config,omitempty"`
}

type ModuleExecuteResponse struct {
	Success         bool                `json:"success"`
	Output          string              `json:"output"`
	Error           *string             `json:"error"`
	ExecutionTimeMS int64               `json:"execution_time_ms"`
	Truncated       bool                `json:"truncated"`
	DenoVersion     string              `json:"deno_version"`
	SecurityEvents  []monitor.Detection `json:"security_events,omitempty"`
}

type ModuleInfoResponse struct {
	DefaultAllowedHosts []string          `json:"default_allowed_hosts"`
	Features            map[string]bool   `json:"features"`
	Examples            map[string]string `json:"examples"`
}

type JSToASTRequest struct {
	Code string `json:"code"`
}

type ASTResponse struct {
	AST map[string]any `json:"ast"`
}

type ASTToJSRequest struct {
	AST map[string]any `json:"ast"`
}

type CodeResponse struct {
	Code string `json:"code"`
}

// ComponentHealth is reported by the per-service health checks.
type ComponentHealth struct {
	Status        string `json:"status"` // healthy, degraded, unhealthy
	Service       string `json:"service"`
	Runtime       string `json:"runtime,omitempty"`
	Version       string `json:"version,omitempty"`
	Parser        string `json:"parser,omitempty"`
	Generator     string `json:"generator,omitempty"`
	ModuleSupport *bool  `json:"module_support,omitempty"`
	Message       string `json:"message,omitempty"`
	Error         string `json:"error,omitempty"`
}

// ErrorResponse is returned for API errors.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"request_id"`
}

// HealthResponse is returned by the health check endpoint.
type HealthResponse struct {
	Status           string `json:"status"`
	Interpreter      bool   `json:"interpreter"`
	DenoVersion      string `json:"deno_version"`
	Database         bool   `json:"database"`
	ActiveExecutions int64  `json:"active_executions"`
	Uptime           string `json:"uptime"`
}
