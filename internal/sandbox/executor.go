package sandbox

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"jssandbox/internal/monitor"
)

// Execution kinds, used for logging, metrics and the audit log.
const (
	KindScript   = "script"
	KindModule   = "module"
	KindValidate = "validate"
)

const validateTimeout = 30 * time.Second

type ExecutionRequest struct {
	Code      string           `json:"code"`
	Config    *ExecutionConfig `json:"config,omitempty"`
	InputData map[string]any   `json:"input_data,omitempty"`
}

type ModuleExecutionRequest struct {
	Code   string                 `json:"code"`
	Config *ModuleExecutionConfig `json:"config,omitempty"`
}

// Interpreter locates the Deno binary. It is satisfied by deno.Provisioner.
type Interpreter interface {
	BinaryPath() string
	Version() string
}

// Engine is the execution surface consumed by the HTTP layer.
type Engine interface {
	Execute(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error)
	ExecuteStreaming(ctx context.Context, req ExecutionRequest, stdout, stderr io.Writer) (*ExecutionResult, error)
	ExecuteModule(ctx context.Context, req ModuleExecutionRequest) (*ExecutionResult, error)
	ValidateSyntax(ctx context.Context, code string) (bool, string, error)
	ActiveCount() int64
	Close() error
}

type ExecutorConfig struct {
	MaxConcurrent int
	ScratchDir    string // parent of per-run temp dirs; "" means os.TempDir()
	CacheDir      string // DENO_DIR for module runs; "" means <ScratchDir>/deno_cache
	Tracer        *monitor.Tracer
}

// Executor runs programs through the Deno interpreter, one child process
// per call.
type Executor struct {
	interp     Interpreter
	scratchDir string
	cacheDir   string
	tracer     *monitor.Tracer
	sem        chan struct{} // Concurrency limiter
	active     atomic.Int64  // Active execution count
	wg         sync.WaitGroup
	mu         sync.Mutex // Protects shutdown state
	closed     bool
}

var _ Engine = (*Executor)(nil)

func NewExecutor(interp Interpreter, cfg ExecutorConfig) *Executor {
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = 10
	}
	cacheDir := cfg.CacheDir
	if cacheDir == "" {
		cacheDir = filepath.Join(scratchRoot(cfg.ScratchDir), "deno_cache")
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = monitor.NewTracer()
	}

	return &Executor{
		interp:     interp,
		scratchDir: cfg.ScratchDir,
		cacheDir:   cacheDir,
		tracer:     tracer,
		sem:        make(chan struct{}, cfg.MaxConcurrent),
	}
}

// Execute runs a code fragment inside the wrapper program.
func (e *Executor) Execute(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error) {
	return e.execute(ctx, req, nil, nil)
}

// ExecuteStreaming is Execute with stdout/stderr additionally copied live to
// the provided writers. The returned result is normalized as usual.
func (e *Executor) ExecuteStreaming(ctx context.Context, req ExecutionRequest, stdout, stderr io.Writer) (*ExecutionResult, error) {
	return e.execute(ctx, req, stdout, stderr)
}

func (e *Executor) execute(ctx context.Context, req ExecutionRequest, stdout, stderr io.Writer) (*ExecutionResult, error) {
	execID := uuid.New().String()
	codeHash := hashCode(req.Code)
	logger := execLogger(execID, KindScript, codeHash)

	cfg := DefaultExecutionConfig()
	if req.Config != nil {
		cfg = *req.Config
	}
	if err := cfg.Validate(); err != nil {
		return nil, &ExecutionError{ExecID: execID, Op: "validate", Err: err}
	}
	code, err := prepareCode(req.Code, MaxCodeSize)
	if err != nil {
		return nil, &ExecutionError{ExecID: execID, Op: "validate", Err: err}
	}
	program, err := SynthesizeWrapper(code, req.InputData, cfg.MaxExecutionTimeMS, cfg.JSONOutput)
	if err != nil {
		return nil, &ExecutionError{ExecID: execID, Op: "synthesize", Err: err}
	}

	release, err := e.acquire(ctx, execID)
	if err != nil {
		return nil, err
	}
	defer release()

	ctx, span := e.tracer.StartSpan(ctx, "execute",
		monitor.AttrExecID.String(execID),
		monitor.AttrKind.String(KindScript),
		monitor.AttrCodeHash.String(codeHash[:16]),
	)
	defer span.End()

	logger.Info().Int("timeout_ms", cfg.MaxExecutionTimeMS).Msg("execution started")

	raw, err := e.run(ctx, runSpec{
		execID:     execID,
		subcommand: "run",
		program:    program,
		fileName:   "code.js",
		flags:      cfg.Permissions.Flags(),
		memoryMB:   cfg.MaxMemoryMB,
		timeout:    time.Duration(cfg.MaxExecutionTimeMS) * time.Millisecond,
		stdoutCap:  cfg.MaxOutputSize + stdoutSlack,
		stdout:     stdout,
		stderr:     stderr,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error().Err(err).Msg("execution failed to start")
		return nil, err
	}

	result := normalize(raw, cfg)
	result.ID = execID
	result.CodeHash = codeHash
	result.DenoVersion = e.interp.Version()

	finishSpan(span, result)
	logResult(logger, result)
	return result, nil
}

// ExecuteModule runs code as an ES module with remote imports governed by
// the config's import policy. The code is not wrapped.
func (e *Executor) ExecuteModule(ctx context.Context, req ModuleExecutionRequest) (*ExecutionResult, error) {
	execID := uuid.New().String()
	codeHash := hashCode(req.Code)
	logger := execLogger(execID, KindModule, codeHash)

	cfg := DefaultModuleExecutionConfig()
	if req.Config != nil {
		cfg = *req.Config
	}
	if err := cfg.Validate(); err != nil {
		return nil, &ExecutionError{ExecID: execID, Op: "validate", Err: err}
	}
	code, err := prepareCode(req.Code, MaxModuleSize)
	if err != nil {
		return nil, &ExecutionError{ExecID: execID, Op: "validate", Err: err}
	}

	release, err := e.acquire(ctx, execID)
	if err != nil {
		return nil, err
	}
	defer release()

	ctx, span := e.tracer.StartSpan(ctx, "execute_module",
		monitor.AttrExecID.String(execID),
		monitor.AttrKind.String(KindModule),
		monitor.AttrCodeHash.String(codeHash[:16]),
	)
	defer span.End()

	flags := cfg.Flags()
	logger.Info().Strs("flags", flags).Msg("module execution started")

	raw, err := e.run(ctx, runSpec{
		execID:     execID,
		subcommand: "run",
		program:    code,
		fileName:   "code.ts",
		flags:      flags,
		memoryMB:   cfg.MaxMemoryMB,
		timeout:    time.Duration(cfg.MaxExecutionTimeMS) * time.Millisecond,
		env:        []string{"DENO_DIR=" + e.cacheDir},
		stdoutCap:  cfg.MaxOutputSize + stdoutSlack,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error().Err(err).Msg("module execution failed to start")
		return nil, err
	}

	result := normalize(raw, cfg.ExecutionConfig)
	result.ID = execID
	result.CodeHash = codeHash
	result.DenoVersion = "v" + e.interp.Version()

	finishSpan(span, result)
	logResult(logger, result)
	return result, nil
}

// ValidateSyntax type-checks code without running it. It returns false and
// the checker's stderr when the check fails.
func (e *Executor) ValidateSyntax(ctx context.Context, code string) (bool, string, error) {
	execID := uuid.New().String()
	logger := execLogger(execID, KindValidate, hashCode(code))

	code, err := prepareCode(code, MaxCodeSize)
	if err != nil {
		return false, "", &ExecutionError{ExecID: execID, Op: "validate", Err: err}
	}

	release, err := e.acquire(ctx, execID)
	if err != nil {
		return false, "", err
	}
	defer release()

	raw, err := e.run(ctx, runSpec{
		execID:     execID,
		subcommand: "check",
		program:    code,
		fileName:   "code.js",
		timeout:    validateTimeout,
		env:        []string{"DENO_DIR=" + e.cacheDir},
	})
	if err != nil {
		return false, "", err
	}

	stderr := strings.TrimSpace(raw.Stderr)
	valid := raw.Status == StatusOK && stderr == ""
	logger.Debug().Bool("valid", valid).Msg("syntax check completed")
	return valid, stderr, nil
}

// ActiveCount returns the number of currently running executions.
func (e *Executor) ActiveCount() int64 {
	return e.active.Load()
}

// Close stops accepting work and waits for active executions.
func (e *Executor) Close() error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.wg.Wait()
	return nil
}

func (e *Executor) acquire(ctx context.Context, execID string) (func(), error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, &ExecutionError{ExecID: execID, Op: "acquire_slot", Err: ErrShuttingDown}
	}
	e.wg.Add(1)
	e.mu.Unlock()

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		e.wg.Done()
		return nil, &ExecutionError{ExecID: execID, Op: "acquire_slot", Err: ctx.Err()}
	}

	e.active.Add(1)
	return func() {
		e.active.Add(-1)
		<-e.sem
		e.wg.Done()
	}, nil
}

func prepareCode(code string, limit int) (string, error) {
	if strings.TrimSpace(code) == "" {
		return "", fmt.Errorf("%w: code is empty", ErrInvalidRequest)
	}
	return SanitizeWithLimit(code, limit)
}

func hashCode(code string) string {
	return fmt.Sprintf("%x", sha256.Sum256([]byte(code)))
}

func execLogger(execID, kind, codeHash string) zerolog.Logger {
	return log.With().
		Str("exec_id", execID).
		Str("kind", kind).
		Str("code_hash", codeHash[:16]).
		Logger()
}

func logResult(logger zerolog.Logger, r *ExecutionResult) {
	logger.Info().
		Bool("success", r.Success).
		Str("status", r.Status).
		Int("exit_code", r.ExitCode).
		Int64("duration_ms", r.ExecutionTimeMS).
		Bool("truncated", r.Truncated).
		Msg("execution completed")
}

func finishSpan(span trace.Span, r *ExecutionResult) {
	span.SetAttributes(
		monitor.AttrExitCode.Int(r.ExitCode),
		monitor.AttrDurationMS.Int64(r.ExecutionTimeMS),
		monitor.AttrStatus.String(r.Status),
	)
	if !r.Success {
		span.SetStatus(codes.Error, r.Status)
	}
}
