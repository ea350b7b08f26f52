package sandbox

import (
	"context"
	"strings"
	"testing"
	"time"
)

// Programs that try to reach outside the sandbox must fail with a
// permission error rather than succeed.
func TestDeno_EscapeAttempts(t *testing.T) {
	e := realExecutor(t)

	tests := []struct {
		name string
		code string
	}{
		{"read /etc/passwd", `return Deno.readTextFileSync("/etc/passwd");`},
		{"write file", `Deno.writeTextFileSync("/tmp/jssandbox-escape", "x"); return "written";`},
		{"list root", `return [...Deno.readDirSync("/")].length;`},
		{"network fetch", `const r = await fetch("http://169.254.169.254/latest/meta-data/"); return r.status;`},
		{"environment", `return Deno.env.get("PATH");`},
		{"spawn process", `const out = await new Deno.Command("id").output(); return out.code;`},
		{"native library", `Deno.dlopen("libc.so.6", {}); return "loaded";`},
		{"hostname", `return Deno.hostname();`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := e.Execute(context.Background(), ExecutionRequest{Code: tt.code})
			if err != nil {
				t.Fatalf("Execute() error: %v", err)
			}
			if res.Success {
				t.Fatalf("escape succeeded: output %q", res.Output)
			}
			if !strings.Contains(res.ErrorText(), "Execution error:") {
				t.Errorf("Error = %q, want the wrapper's execution error", res.ErrorText())
			}
		})
	}
}

func TestDeno_ModuleImportOutsideAllowList(t *testing.T) {
	e := realExecutor(t)

	cfg := DefaultModuleExecutionConfig()
	cfg.AllowedImportHosts = []string{"esm.sh"}
	cfg.MaxExecutionTimeMS = 10000

	res, err := e.ExecuteModule(context.Background(), ModuleExecutionRequest{
		Code:   `import x from "https://example.com/x.js"; console.log(x);`,
		Config: &cfg,
	})
	if err != nil {
		t.Fatalf("ExecuteModule() error: %v", err)
	}
	if res.Success {
		t.Errorf("import from a host outside the allow-list succeeded: %q", res.Output)
	}
}

func TestDeno_TimeoutEnforcement(t *testing.T) {
	e := realExecutor(t)

	cfg := DefaultExecutionConfig()
	cfg.MaxExecutionTimeMS = MinExecutionTimeMS

	start := time.Now()
	res, err := e.Execute(context.Background(), ExecutionRequest{
		Code:   "for (;;) {}",
		Config: &cfg,
	})
	elapsed := time.Since(start)
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if res.Success {
		t.Error("busy loop should not succeed")
	}
	if res.Status != StatusTimeout {
		t.Errorf("Status = %q, want %q", res.Status, StatusTimeout)
	}
	if elapsed > 10*time.Second {
		t.Errorf("run took %v, the process was not killed at its deadline", elapsed)
	}
}

func BenchmarkDeno_Execute(b *testing.B) {
	e := realExecutor(b)
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		res, err := e.Execute(ctx, ExecutionRequest{Code: "return 40 + 2;"})
		if err != nil {
			b.Fatal(err)
		}
		if !res.Success {
			b.Fatalf("execution failed: %s", res.ErrorText())
		}
	}
}

func BenchmarkDeno_ConcurrentExecute(b *testing.B) {
	e := realExecutor(b)
	ctx := context.Background()

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			if _, err := e.Execute(ctx, ExecutionRequest{Code: "return 1;"}); err != nil {
				b.Error(err)
			}
		}
	})
}
