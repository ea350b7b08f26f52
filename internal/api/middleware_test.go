package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"jssandbox/internal/monitor"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestAuthMiddleware_EmptyKeysRejectsRequests(t *testing.T) {
	handler := AuthMiddleware("X-API-Key", nil, false)(okHandler)

	rec := serve(handler, httptest.NewRequest(http.MethodPost, "/js-execute/execute", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("got status %d, want 401", rec.Code)
	}
}

func TestAuthMiddleware_ExplicitAllowUnauthenticated(t *testing.T) {
	handler := AuthMiddleware("X-API-Key", nil, true)(okHandler)

	rec := serve(handler, httptest.NewRequest(http.MethodPost, "/js-execute/execute", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("got status %d, want 200", rec.Code)
	}
}

func TestAuthMiddleware_Keys(t *testing.T) {
	tests := []struct {
		name   string
		header string
		value  string
		want   int
	}{
		{"valid key", "X-API-Key", "good-key", http.StatusOK},
		{"invalid key", "X-API-Key", "bad-key", http.StatusUnauthorized},
		{"missing key", "", "", http.StatusUnauthorized},
		{"bearer token", "Authorization", "Bearer good-key", http.StatusOK},
		{"bad bearer token", "Authorization", "Bearer nope", http.StatusUnauthorized},
	}

	handler := AuthMiddleware("", []string{"good-key"}, true)(okHandler)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/js-module/info", nil)
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			if rec := serve(handler, req); rec.Code != tt.want {
				t.Errorf("got status %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestAuthMiddleware_CustomHeader(t *testing.T) {
	handler := AuthMiddleware("X-Sandbox-Token", []string{"k1"}, false)(okHandler)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Sandbox-Token", "k1")
	if rec := serve(handler, req); rec.Code != http.StatusOK {
		t.Errorf("got status %d, want 200", rec.Code)
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	handler := RateLimitMiddleware(1, 2)(okHandler)

	codes := make([]int, 0, 3)
	for range 3 {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "10.0.0.1:5000"
		codes = append(codes, serve(handler, req).Code)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK || codes[2] != http.StatusTooManyRequests {
		t.Errorf("codes = %v, want [200 200 429]", codes)
	}

	// A different client has its own bucket.
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.2:5000"
	if rec := serve(handler, req); rec.Code != http.StatusOK {
		t.Errorf("second client got %d, want 200", rec.Code)
	}
}

func TestRateLimitMiddleware_Disabled(t *testing.T) {
	handler := RateLimitMiddleware(0, 0)(okHandler)
	for range 50 {
		if rec := serve(handler, httptest.NewRequest(http.MethodGet, "/", nil)); rec.Code != http.StatusOK {
			t.Fatalf("got status %d with limiting disabled", rec.Code)
		}
	}
}

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	handler := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "req-123")
	rec := serve(handler, req)
	if seen != "req-123" || rec.Header().Get("X-Request-ID") != "req-123" {
		t.Errorf("request ID not propagated: ctx=%q header=%q", seen, rec.Header().Get("X-Request-ID"))
	}

	rec = serve(handler, httptest.NewRequest(http.MethodGet, "/", nil))
	if seen == "" || rec.Header().Get("X-Request-ID") != seen {
		t.Error("missing request ID should be generated")
	}
}

func TestLoggingMiddleware_PreservesFlusher(t *testing.T) {
	handler := LoggingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if NewSSEStream(w) == nil {
			t.Error("wrapped writer lost http.Flusher")
		}
		w.WriteHeader(http.StatusAccepted)
	}))

	if rec := serve(handler, httptest.NewRequest(http.MethodGet, "/", nil)); rec.Code != http.StatusAccepted {
		t.Errorf("got status %d, want 202", rec.Code)
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	handler := RecoveryMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	rec := serve(handler, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("got status %d, want 500", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "INTERNAL") {
		t.Errorf("body = %q", rec.Body.String())
	}
}

func TestSecurityHeadersMiddleware(t *testing.T) {
	rec := serve(SecurityHeadersMiddleware(okHandler), httptest.NewRequest(http.MethodGet, "/", nil))
	for header, want := range map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
		"Referrer-Policy":        "no-referrer",
	} {
		if got := rec.Header().Get(header); got != want {
			t.Errorf("%s = %q, want %q", header, got, want)
		}
	}
}

func TestTracingMiddleware(t *testing.T) {
	called := false
	handler := TracingMiddleware(monitor.NewTracer())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		monitor.SpanFromContext(r.Context()).SetAttributes(monitor.AttrKind.String("script"))
	}))

	serve(handler, httptest.NewRequest(http.MethodGet, "/", nil))
	if !called {
		t.Error("next handler not called")
	}
}
