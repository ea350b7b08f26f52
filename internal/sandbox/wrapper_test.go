package sandbox

import (
	"errors"
	"strings"
	"testing"
)

func TestSynthesizeWrapper(t *testing.T) {
	code := `return INPUT.a + INPUT.b;`
	got, err := SynthesizeWrapper(code, map[string]any{"a": 1, "b": 2}, 1500, true)
	if err != nil {
		t.Fatalf("SynthesizeWrapper() error: %v", err)
	}

	for _, want := range []string{
		"const maxExecutionTime = 1500;",
		`const inputData = {"a":1,"b":2};`,
		"const jsonOutput = true;",
		"globalThis.INPUT = inputData;",
		"Execution timeout exceeded",
		"Execution error: ",
		"JSON.stringify(result)",
		"clearTimeout(timeoutId)",
		code,
	} {
		if !strings.Contains(got, want) {
			t.Errorf("wrapper missing %q", want)
		}
	}
}

func TestSynthesizeWrapper_EmptyInput(t *testing.T) {
	for _, input := range []map[string]any{nil, {}} {
		got, err := SynthesizeWrapper("return 1;", input, 100, false)
		if err != nil {
			t.Fatalf("SynthesizeWrapper() error: %v", err)
		}
		if !strings.Contains(got, "const inputData = {};") {
			t.Errorf("empty input should encode as {}, got:\n%s", got)
		}
		if !strings.Contains(got, "const jsonOutput = false;") {
			t.Error("jsonOutput should be false")
		}
	}
}

func TestSynthesizeWrapper_CodeIsVerbatim(t *testing.T) {
	code := "const s = `${1}`; // \"quoted\" and \\ backslash\nreturn s;"
	got, err := SynthesizeWrapper(code, nil, 100, false)
	if err != nil {
		t.Fatalf("SynthesizeWrapper() error: %v", err)
	}
	if !strings.Contains(got, code) {
		t.Error("user code must appear unmodified inside the wrapper")
	}
	if strings.Index(got, "const result = await (async function() {") > strings.Index(got, code) {
		t.Error("user code must sit inside the async function body")
	}
}

func TestSynthesizeWrapper_UnencodableInput(t *testing.T) {
	_, err := SynthesizeWrapper("return 1;", map[string]any{"ch": make(chan int)}, 100, false)
	if !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("error = %v, want ErrInvalidRequest", err)
	}
}
