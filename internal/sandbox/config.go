package sandbox

import "fmt"

const (
	MinExecutionTimeMS = 100
	MaxExecutionTimeMS = 60000
	MinMemoryMB        = 16
	MaxMemoryMB        = 2048
	MinOutputSize      = 1024
	MaxOutputSize      = 10 << 20
)

// DefaultImportHosts are the CDNs module code may import from when the
// caller does not supply its own allow-list.
var DefaultImportHosts = []string{
	"esm.sh",
	"cdn.skypack.dev",
	"cdn.jsdelivr.net",
	"unpkg.com",
	"deno.land",
}

// ExecutionConfig is the resource envelope for a single run.
type ExecutionConfig struct {
	MaxExecutionTimeMS int           `json:"max_execution_time_ms"`
	MaxMemoryMB        int           `json:"max_memory_mb"`
	MaxOutputSize      int           `json:"max_output_size"`
	Permissions        PermissionSet `json:"permissions"`
	CaptureStderr      bool          `json:"capture_stderr"`
	JSONOutput         bool          `json:"json_output"`
}

func DefaultExecutionConfig() ExecutionConfig {
	return ExecutionConfig{
		MaxExecutionTimeMS: 5000,
		MaxMemoryMB:        256,
		MaxOutputSize:      1 << 20,
	}
}

func (c ExecutionConfig) Validate() error {
	if c.MaxExecutionTimeMS < MinExecutionTimeMS || c.MaxExecutionTimeMS > MaxExecutionTimeMS {
		return fmt.Errorf("%w: max_execution_time_ms must be %d-%d, got %d",
			ErrInvalidRequest, MinExecutionTimeMS, MaxExecutionTimeMS, c.MaxExecutionTimeMS)
	}
	if c.MaxMemoryMB < MinMemoryMB || c.MaxMemoryMB > MaxMemoryMB {
		return fmt.Errorf("%w: max_memory_mb must be %d-%d, got %d",
			ErrInvalidRequest, MinMemoryMB, MaxMemoryMB, c.MaxMemoryMB)
	}
	if c.MaxOutputSize < MinOutputSize || c.MaxOutputSize > MaxOutputSize {
		return fmt.Errorf("%w: max_output_size must be %d-%d, got %d",
			ErrInvalidRequest, MinOutputSize, MaxOutputSize, c.MaxOutputSize)
	}
	return nil
}

// ModuleExecutionConfig extends ExecutionConfig with remote import policy.
type ModuleExecutionConfig struct {
	ExecutionConfig

	AllowURLImports    bool     `json:"allow_url_imports"`
	AllowedImportHosts []string `json:"allowed_import_hosts,omitempty"` // nil means DefaultImportHosts
	CacheImports       bool     `json:"cache_imports"`
}

func DefaultModuleExecutionConfig() ModuleExecutionConfig {
	return ModuleExecutionConfig{
		ExecutionConfig: DefaultExecutionConfig(),
		AllowURLImports: true,
		CacheImports:    true,
	}
}

// ImportHosts returns the effective import allow-list.
func (c ModuleExecutionConfig) ImportHosts() []string {
	if len(c.AllowedImportHosts) > 0 {
		return c.AllowedImportHosts
	}
	return DefaultImportHosts
}

func (c ModuleExecutionConfig) Validate() error {
	if err := c.ExecutionConfig.Validate(); err != nil {
		return err
	}
	for _, h := range c.AllowedImportHosts {
		if h == "" {
			return fmt.Errorf("%w: allowed_import_hosts contains an empty host", ErrInvalidRequest)
		}
	}
	return nil
}
