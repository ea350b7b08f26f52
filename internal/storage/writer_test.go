package storage

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"
)

type memStore struct {
	mu       sync.Mutex
	failures int
	attempts int
	written  []string
	events   []SecurityEventRecord
}

func (m *memStore) LogExecution(_ context.Context, exec *Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts++
	if m.failures > 0 {
		m.failures--
		return errors.New("connection refused")
	}
	m.written = append(m.written, exec.ID)
	return nil
}

func (m *memStore) LogSecurityEvent(_ context.Context, ev *SecurityEventRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, *ev)
	return nil
}

func (m *memStore) snapshot() (int, []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts, append([]string(nil), m.written...)
}

func TestAuditWriter_FlushDrainsQueue(t *testing.T) {
	store := &memStore{}
	w := NewAuditWriter(store, 100)
	for _, id := range []string{"a", "b", "c"} {
		w.Log(&Execution{ID: id})
	}
	w.Start()
	w.Flush(5 * time.Second)

	_, written := store.snapshot()
	if strings.Join(written, ",") != "a,b,c" {
		t.Errorf("written = %v, want [a b c] in order", written)
	}
}

func TestAuditWriter_WritesSecurityEvents(t *testing.T) {
	store := &memStore{}
	w := NewAuditWriter(store, 10)
	w.Start()
	w.Log(&Execution{ID: "exec-1", Events: []SecurityEventRecord{
		{Type: "env_harvest", Severity: "medium", Detail: "Reading the process environment", Line: 3},
		{Type: "busy_loop", Severity: "low"},
	}})
	w.Flush(5 * time.Second)

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.events) != 2 {
		t.Fatalf("events = %d, want 2", len(store.events))
	}
	for _, ev := range store.events {
		if ev.ExecutionID != "exec-1" {
			t.Errorf("event %s has ExecutionID %q, want exec-1", ev.Type, ev.ExecutionID)
		}
	}
	if store.events[0].Line != 3 {
		t.Errorf("Line = %d, want 3", store.events[0].Line)
	}
}

func TestAuditWriter_RetriesTransientFailures(t *testing.T) {
	store := &memStore{failures: 2}
	w := NewAuditWriter(store, 10)
	w.backoff = time.Millisecond
	w.Start()
	w.Log(&Execution{ID: "x"})
	w.Flush(5 * time.Second)

	attempts, written := store.snapshot()
	if attempts != 3 || len(written) != 1 {
		t.Errorf("attempts=%d written=%v, want 3 attempts and one write", attempts, written)
	}
}

func TestAuditWriter_GivesUpAfterRetries(t *testing.T) {
	store := &memStore{failures: 100}
	w := NewAuditWriter(store, 10)
	w.backoff = time.Millisecond
	w.Start()
	w.Log(&Execution{ID: "x"})
	w.Flush(5 * time.Second)

	if attempts, written := store.snapshot(); attempts != 4 || len(written) != 0 {
		t.Errorf("attempts=%d written=%v, want 4 attempts and no write", attempts, written)
	}
}

func TestAuditWriter_DropsWhenFull(t *testing.T) {
	store := &memStore{}
	w := NewAuditWriter(store, 1)
	w.Log(&Execution{ID: "kept"})
	w.Log(&Execution{ID: "dropped"})
	w.Start()
	w.Flush(5 * time.Second)
	w.Flush(time.Second) // second flush is a no-op

	if _, written := store.snapshot(); len(written) != 1 || written[0] != "kept" {
		t.Errorf("written = %v, want [kept]", written)
	}
}

func TestTruncateForDB(t *testing.T) {
	if got := truncateForDB("short", 10); got != "short" {
		t.Errorf("truncateForDB(short) = %q", got)
	}
	got := truncateForDB("aé", 2) // é is two bytes
	if got != "a" || !utf8.ValidString(got) {
		t.Errorf("truncateForDB split a rune: %q", got)
	}
}

func TestTruncateForDB_RepairsProgramOutput(t *testing.T) {
	tests := []struct {
		name string
		in   string
		max  int
		want string
	}{
		{"invalid byte", "ok\xffdone", 100, "ok\uFFFDdone"},
		{"truncated sequence", "abc\xe2\x82", 100, "abc\uFFFD"},
		{"nul byte", "a\x00b", 100, "ab"},
		{"repair then cut", "\xff\xffabc", 4, "\uFFFDa"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := truncateForDB(tt.in, tt.max)
			if got != tt.want {
				t.Errorf("truncateForDB(%q, %d) = %q, want %q", tt.in, tt.max, got, tt.want)
			}
			if !utf8.ValidString(got) {
				t.Errorf("result is not valid UTF-8: %q", got)
			}
		})
	}
}

func TestExecutionFilter_EffectiveLimit(t *testing.T) {
	tests := []struct{ in, want int }{
		{0, 100}, {-5, 100}, {50, 50}, {1000, 1000}, {1001, 100},
	}
	for _, tt := range tests {
		if got := (ExecutionFilter{Limit: tt.in}).EffectiveLimit(); got != tt.want {
			t.Errorf("EffectiveLimit(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
