package sandbox

import (
	"strings"
	"unicode/utf8"
)

const stderrSection = "\n--- STDERR ---\n"

// ExecutionResult is the normalized outcome of one run. A program that
// exits cleanly but writes to stderr is reported as failed.
type ExecutionResult struct {
	ID              string   `json:"id"`
	Success         bool     `json:"success"`
	Output          string   `json:"output"`
	Error           *string  `json:"error"`
	ExecutionTimeMS int64    `json:"execution_time_ms"`
	MemoryUsedMB    *float64 `json:"memory_used_mb,omitempty"`
	Truncated       bool     `json:"truncated"`
	DenoVersion     string   `json:"deno_version"`
	Status          string   `json:"-"`
	ExitCode        int      `json:"-"`
	CodeHash        string   `json:"-"`
}

// ErrorText returns the error detail or an empty string.
func (r *ExecutionResult) ErrorText() string {
	if r.Error == nil {
		return ""
	}
	return *r.Error
}

func normalize(raw *rawOutput, cfg ExecutionConfig) *ExecutionResult {
	stdout := strings.TrimSpace(raw.Stdout)
	stderr := strings.TrimSpace(raw.Stderr)

	truncated := raw.StdoutOverflow
	if len(stdout) > cfg.MaxOutputSize {
		stdout = truncateUTF8(stdout, cfg.MaxOutputSize)
		truncated = true
	}

	// The stderr section shares the output bound; Error keeps all of stderr.
	output := stdout
	if cfg.CaptureStderr && stderr != "" {
		output = truncateUTF8(output+stderrSection+stderr, cfg.MaxOutputSize)
	}

	res := &ExecutionResult{
		Success:         raw.Status == StatusOK && stderr == "",
		Output:          output,
		ExecutionTimeMS: raw.Duration.Milliseconds(),
		Truncated:       truncated,
		Status:          raw.Status,
		ExitCode:        raw.ExitCode,
	}
	if stderr != "" {
		res.Error = &stderr
	}
	return res
}

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
