package storage

import "time"

// Execution represents a stored execution record.
type Execution struct {
	ID             string     `json:"id" db:"id"`
	Kind           string     `json:"kind" db:"kind"` // script, module, validate, ast
	CodeHash       string     `json:"code_hash" db:"code_hash"`
	CodeSize       int        `json:"code_size" db:"code_size"`
	Success        bool       `json:"success" db:"success"`
	ExitCode       int        `json:"exit_code" db:"exit_code"`
	Output         string     `json:"output" db:"output"`
	Error          string     `json:"error,omitempty" db:"error"`
	Truncated      bool       `json:"truncated" db:"truncated"`
	DurationMS     int64      `json:"duration_ms" db:"duration_ms"`
	DenoVersion    string     `json:"deno_version" db:"deno_version"`
	SecurityEvents int        `json:"security_events" db:"security_events"`
	Status         string     `json:"status" db:"status"` // ok, error, timeout, rejected
	RequestIP      string     `json:"request_ip" db:"request_ip"`
	APIKeyHash     string     `json:"api_key_hash,omitempty" db:"api_key_hash"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty" db:"completed_at"`

	// Events are written to security_events after the execution row.
	Events []SecurityEventRecord `json:"-" db:"-"`
}

// SecurityEventRecord stores security event details for audit.
type SecurityEventRecord struct {
	ID          string    `json:"id" db:"id"`
	ExecutionID string    `json:"execution_id" db:"execution_id"`
	Type        string    `json:"type" db:"type"`
	Severity    string    `json:"severity" db:"severity"`
	Detail      string    `json:"detail" db:"detail"`
	Line        int       `json:"line,omitempty" db:"line"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// ExecutionFilter provides criteria for querying executions.
type ExecutionFilter struct {
	Kind   string
	Status string
	Since  *time.Time
	Limit  int
	Offset int
}

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// EffectiveLimit clamps Limit to (0, 1000], defaulting to 100.
func (f ExecutionFilter) EffectiveLimit() int {
	if f.Limit <= 0 || f.Limit > maxListLimit {
		return defaultListLimit
	}
	return f.Limit
}
