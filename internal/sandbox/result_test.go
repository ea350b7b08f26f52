package sandbox

import (
	"strings"
	"testing"
	"time"
	"unicode/utf8"
)

func TestNormalize_StderrSectionRespectsBound(t *testing.T) {
	cfg := DefaultExecutionConfig()
	cfg.MaxOutputSize = MinOutputSize
	cfg.CaptureStderr = true

	stderr := strings.Repeat("é", 2500)
	got := normalize(&rawOutput{
		Stdout: strings.Repeat("o", 5000),
		Stderr: stderr,
		Status: StatusError,
	}, cfg)

	if len(got.Output) != cfg.MaxOutputSize {
		t.Errorf("len(Output) = %d, want %d", len(got.Output), cfg.MaxOutputSize)
	}
	if !got.Truncated {
		t.Error("Truncated should be set when stdout overflowed")
	}
	if got.ErrorText() != stderr {
		t.Error("Error must carry the full stderr")
	}

	// Short stdout leaves room for part of the section, cut on a rune boundary.
	got = normalize(&rawOutput{Stdout: "out", Stderr: stderr, Status: StatusError}, cfg)
	if len(got.Output) > cfg.MaxOutputSize || !utf8.ValidString(got.Output) {
		t.Errorf("len(Output) = %d valid=%v", len(got.Output), utf8.ValidString(got.Output))
	}
	if !strings.HasPrefix(got.Output, "out"+stderrSection) {
		t.Errorf("Output should start with stdout and the stderr marker, got %q", got.Output[:40])
	}
	if got.Truncated {
		t.Error("Truncated tracks stdout only")
	}
}

func TestNormalize(t *testing.T) {
	cfg := DefaultExecutionConfig()
	withStderr := cfg
	withStderr.CaptureStderr = true

	tests := []struct {
		name        string
		raw         rawOutput
		cfg         ExecutionConfig
		wantSuccess bool
		wantOutput  string
		wantError   string
	}{
		{
			name:        "clean success",
			raw:         rawOutput{Stdout: "  42\n", Status: StatusOK},
			cfg:         cfg,
			wantSuccess: true,
			wantOutput:  "42",
		},
		{
			name:       "ok exit with stderr is failure",
			raw:        rawOutput{Stdout: "done\n", Stderr: "warning\n", Status: StatusOK},
			cfg:        cfg,
			wantOutput: "done",
			wantError:  "warning",
		},
		{
			name:       "error exit",
			raw:        rawOutput{Stderr: "Execution error: boom\n", Status: StatusError, ExitCode: 1},
			cfg:        cfg,
			wantOutput: "",
			wantError:  "Execution error: boom",
		},
		{
			name:       "timeout without stderr",
			raw:        rawOutput{Status: StatusTimeout, ExitCode: -1},
			cfg:        cfg,
			wantOutput: "",
		},
		{
			name:       "capture stderr appends section",
			raw:        rawOutput{Stdout: "out", Stderr: "err", Status: StatusOK},
			cfg:        withStderr,
			wantOutput: "out\n--- STDERR ---\nerr",
			wantError:  "err",
		},
		{
			name:        "capture stderr with empty stderr",
			raw:         rawOutput{Stdout: "out", Status: StatusOK},
			cfg:         withStderr,
			wantSuccess: true,
			wantOutput:  "out",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := normalize(&tt.raw, tt.cfg)
			if got.Success != tt.wantSuccess {
				t.Errorf("Success = %v, want %v", got.Success, tt.wantSuccess)
			}
			if got.Output != tt.wantOutput {
				t.Errorf("Output = %q, want %q", got.Output, tt.wantOutput)
			}
			if got.ErrorText() != tt.wantError {
				t.Errorf("Error = %q, want %q", got.ErrorText(), tt.wantError)
			}
			if tt.wantError == "" && got.Error != nil {
				t.Error("Error should be nil when stderr is empty")
			}
			if got.Truncated {
				t.Error("Truncated should be false")
			}
		})
	}
}

func TestNormalize_Truncation(t *testing.T) {
	cfg := DefaultExecutionConfig()
	cfg.MaxOutputSize = MinOutputSize

	raw := rawOutput{Stdout: strings.Repeat("a", 5000), Status: StatusOK, Duration: 1500 * time.Millisecond}
	got := normalize(&raw, cfg)
	if !got.Truncated {
		t.Error("Truncated should be true")
	}
	if len(got.Output) != MinOutputSize {
		t.Errorf("len(Output) = %d, want %d", len(got.Output), MinOutputSize)
	}
	if !got.Success {
		t.Error("truncation alone should not fail the run")
	}
	if got.ExecutionTimeMS != 1500 {
		t.Errorf("ExecutionTimeMS = %d, want 1500", got.ExecutionTimeMS)
	}
}

func TestNormalize_ExactlyAtBound(t *testing.T) {
	cfg := DefaultExecutionConfig()
	cfg.MaxOutputSize = MinOutputSize

	raw := rawOutput{Stdout: strings.Repeat("a", MinOutputSize) + "\n", Status: StatusOK}
	got := normalize(&raw, cfg)
	if got.Truncated {
		t.Error("output exactly at the bound should not be truncated")
	}
}

func TestNormalize_CaptureOverflowMarksTruncated(t *testing.T) {
	raw := rawOutput{Stdout: "short", StdoutOverflow: true, Status: StatusOK}
	if got := normalize(&raw, DefaultExecutionConfig()); !got.Truncated {
		t.Error("capture overflow should mark the result truncated")
	}
}

func TestNormalize_StderrNeverTruncated(t *testing.T) {
	cfg := DefaultExecutionConfig()
	cfg.MaxOutputSize = MinOutputSize
	long := strings.Repeat("e", 4*MinOutputSize)

	raw := rawOutput{Stderr: long, Status: StatusError}
	got := normalize(&raw, cfg)
	if got.ErrorText() != long {
		t.Errorf("len(Error) = %d, want %d", len(got.ErrorText()), len(long))
	}
}

func TestTruncateUTF8(t *testing.T) {
	s := "aé✓"
	for n := 0; n <= len(s); n++ {
		got := truncateUTF8(s, n)
		if len(got) > n {
			t.Errorf("truncateUTF8(%q, %d) = %q longer than bound", s, n, got)
		}
		if !utf8.ValidString(got) {
			t.Errorf("truncateUTF8(%q, %d) = %q is not valid UTF-8", s, n, got)
		}
	}
	if got := truncateUTF8(s, 2); got != "a" {
		t.Errorf("truncateUTF8 mid-rune = %q, want %q", got, "a")
	}
}
