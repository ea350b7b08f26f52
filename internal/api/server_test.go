package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"jssandbox/internal/config"
	"jssandbox/internal/jsast"
)

func newTestServer(t *testing.T, mutate func(*config.Config)) http.Handler {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Security.AllowedKeys = []string{"secret"}
	if mutate != nil {
		mutate(cfg)
	}
	engine := &mockEngine{result: okResult("42")}
	srv := NewServer(cfg, Deps{
		Engine: engine,
		AST:    jsast.NewService(engine, jsast.ServiceConfig{}),
	}, nil)
	return srv.Handler()
}

func TestServer_HealthAndMetricsBypassAuth(t *testing.T) {
	h := newTestServer(t, nil)

	for _, path := range []string{"/health", "/metrics"} {
		rec := serve(h, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK {
			t.Errorf("%s: got status %d, want 200", path, rec.Code)
		}
	}
}

func TestServer_APIRequiresKey(t *testing.T) {
	h := newTestServer(t, nil)

	rec := serve(h, httptest.NewRequest(http.MethodGet, "/js-module/info", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("got status %d, want 401", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/js-module/info", nil)
	req.Header.Set("X-API-Key", "secret")
	rec = serve(h, req)
	if rec.Code != http.StatusOK {
		t.Errorf("got status %d, want 200", rec.Code)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("response missing X-Request-ID")
	}
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("response missing security headers")
	}
}

func TestServer_ExecuteRoute(t *testing.T) {
	h := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/js-execute/execute", strings.NewReader(`{"code":"return 40 + 2;"}`))
	req.Header.Set("X-API-Key", "secret")
	rec := serve(h, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"output":"42"`) {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestServer_MethodNotAllowed(t *testing.T) {
	h := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/js-execute/execute", nil)
	req.Header.Set("X-API-Key", "secret")
	if rec := serve(h, req); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("got status %d, want 405", rec.Code)
	}
}

func TestServer_RequestBodyLimit(t *testing.T) {
	h := newTestServer(t, func(cfg *config.Config) {
		cfg.Server.MaxRequestBody = 32
	})

	req := httptest.NewRequest(http.MethodPost, "/js-execute/execute",
		strings.NewReader(`{"code":"`+strings.Repeat("x", 100)+`"}`))
	req.Header.Set("X-API-Key", "secret")
	if rec := serve(h, req); rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("got status %d, want 413", rec.Code)
	}
}

func TestServer_MetricsDisabled(t *testing.T) {
	h := newTestServer(t, func(cfg *config.Config) {
		cfg.Metrics.Enabled = false
	})

	// Falls through to the authenticated mux.
	if rec := serve(h, httptest.NewRequest(http.MethodGet, "/metrics", nil)); rec.Code != http.StatusUnauthorized {
		t.Errorf("got status %d, want 401", rec.Code)
	}
}
