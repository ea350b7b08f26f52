package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"
)

// Process status tags.
const (
	StatusOK      = "ok"
	StatusError   = "error"
	StatusTimeout = "timeout"
)

// stderrCaptureLimit keeps a runaway stderr from exhausting memory.
const stderrCaptureLimit = MaxOutputSize

// stdoutSlack is captured past the output bound so trailing whitespace does
// not count as truncation.
const stdoutSlack = 64 << 10

// runSpec describes one interpreter invocation.
type runSpec struct {
	execID     string
	subcommand string // "run" or "check"
	program    string
	fileName   string
	flags      []string
	memoryMB   int // 0 omits the memory flag
	timeout    time.Duration
	env        []string
	stdoutCap  int
	stdout     io.Writer // optional live copy
	stderr     io.Writer // optional live copy
}

// rawOutput is what the interpreter produced before normalization.
type rawOutput struct {
	Stdout         string
	Stderr         string
	StdoutOverflow bool
	Status         string
	ExitCode       int
	Duration       time.Duration
}

// MemoryFlag renders the heap limit flag understood by the interpreter.
func MemoryFlag(mb int) string {
	return "--v8-flags=--max-old-space-size=" + strconv.Itoa(mb)
}

// buildArgs assembles the interpreter argument vector for a script file.
func buildArgs(spec runSpec, scriptPath string) []string {
	args := []string{spec.subcommand, "--quiet"}
	args = append(args, spec.flags...)
	if spec.memoryMB > 0 {
		args = append(args, MemoryFlag(spec.memoryMB))
	}
	return append(args, scriptPath)
}

func (e *Executor) run(ctx context.Context, spec runSpec) (*rawOutput, error) {
	binary := e.interp.BinaryPath()
	if _, err := os.Stat(binary); err != nil {
		return nil, &ExecutionError{ExecID: spec.execID, Op: "locate_interpreter", Err: fmt.Errorf("%w: %s", ErrInterpreterMissing, binary)}
	}

	dir, err := os.MkdirTemp(e.scratchDir, scratchPrefix+spec.execID+"-*")
	if err != nil {
		return nil, &ExecutionError{ExecID: spec.execID, Op: "create_temp_dir", Err: err}
	}
	defer os.RemoveAll(dir)

	scriptPath := filepath.Join(dir, spec.fileName)
	if err := os.WriteFile(scriptPath, []byte(spec.program), 0600); err != nil {
		return nil, &ExecutionError{ExecID: spec.execID, Op: "write_code", Err: err}
	}

	// Once the child is running only the timeout may stop it.
	execCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), spec.timeout)
	defer cancel()

	args := buildArgs(spec, scriptPath)
	cmd := exec.CommandContext(execCtx, binary, args...) // #nosec G204 -- args built internally from validated config
	cmd.Dir = dir
	cmd.Env = childEnv(spec.env)
	killProcessGroup(cmd)
	cmd.WaitDelay = 2 * time.Second

	stdoutBuf := &cappedBuffer{limit: spec.stdoutCap}
	stderrBuf := &cappedBuffer{limit: stderrCaptureLimit}
	cmd.Stdout = teeWriter(stdoutBuf, spec.stdout)
	cmd.Stderr = teeWriter(stderrBuf, spec.stderr)

	start := time.Now()
	err = cmd.Run()
	duration := time.Since(start)

	out := &rawOutput{
		Stdout:         stdoutBuf.String(),
		Stderr:         stderrBuf.String(),
		StdoutOverflow: stdoutBuf.overflow,
		Status:         StatusOK,
		Duration:       duration,
	}

	if err == nil {
		return out, nil
	}

	if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
		out.Status = StatusTimeout
		out.ExitCode = -1
		return out, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		out.Status = StatusError
		out.ExitCode = exitErr.ExitCode()
		return out, nil
	}

	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
		return nil, &ExecutionError{ExecID: spec.execID, Op: "start_interpreter", Err: fmt.Errorf("%w: %v", ErrInterpreterMissing, err)}
	}
	return nil, &ExecutionError{ExecID: spec.execID, Op: "run_interpreter", Err: err}
}

// inheritedEnv names the only server variables a child process sees.
// SYSTEMROOT is required to start processes on windows.
var inheritedEnv = []string{"PATH", "HOME", "TMPDIR", "DENO_DIR", "SYSTEMROOT"}

// childEnv builds the interpreter environment from scratch. Server
// configuration (API keys, database DSN) must not be readable through
// --allow-env. Entries in extra win over inherited ones.
func childEnv(extra []string) []string {
	env := make([]string, 0, len(inheritedEnv)+len(extra)+1)
	for _, key := range inheritedEnv {
		if v, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+v)
		}
	}
	env = append(env, "NO_COLOR=1")
	return append(env, extra...)
}

func teeWriter(buf io.Writer, live io.Writer) io.Writer {
	if live == nil {
		return buf
	}
	return io.MultiWriter(buf, live)
}

// cappedBuffer keeps the first limit bytes written and remembers whether
// anything was dropped. A zero limit keeps everything.
type cappedBuffer struct {
	buf      bytes.Buffer
	limit    int
	overflow bool
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	if c.limit <= 0 {
		return c.buf.Write(p)
	}
	room := c.limit - c.buf.Len()
	if room <= 0 {
		c.overflow = true
		return len(p), nil
	}
	if len(p) > room {
		c.buf.Write(p[:room])
		c.overflow = true
		return len(p), nil
	}
	return c.buf.Write(p)
}

func (c *cappedBuffer) String() string {
	return c.buf.String()
}
