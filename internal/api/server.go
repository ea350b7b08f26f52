package api

import (
	"context"
	"crypto/tls"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"jssandbox/internal/config"
	"jssandbox/internal/monitor"
)

// Server is the main HTTP server for the sandbox API.
type Server struct {
	httpServer *http.Server
	handlers   *Handlers
	cfg        *config.Config
	startTime  time.Time
}

// NewServer creates and configures the HTTP server with all routes and middleware.
func NewServer(cfg *config.Config, deps Deps, tracer *monitor.Tracer) *Server {
	if deps.Metrics == nil {
		deps.Metrics = monitor.NewMetrics()
	}
	if tracer == nil {
		tracer = monitor.NewTracer()
	}
	deps.Defaults = cfg.ExecutionDefaults()
	deps.ImportHosts = cfg.Sandbox.AllowedImportHosts
	deps.BlockCritical = cfg.Security.BlockSuspicious
	handlers := NewHandlers(deps)

	s := &Server{
		handlers:  handlers,
		cfg:       cfg,
		startTime: time.Now(),
	}

	if len(cfg.Security.AllowedKeys) == 0 {
		if cfg.Security.AllowUnauthenticated {
			log.Warn().Msg("no API keys configured, allow_unauthenticated is true: all requests will be accepted")
		} else {
			log.Warn().Msg("no API keys configured and allow_unauthenticated is false: all requests will be rejected")
		}
	}

	s.httpServer = &http.Server{
		Addr:         cfg.Address(),
		Handler:      s.routes(deps.Metrics, tracer),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	return s
}

func (s *Server) routes(metrics *monitor.Metrics, tracer *monitor.Tracer) http.Handler {
	h := s.handlers
	cfg := s.cfg

	// Execution and AST API, wrapped with auth
	apiMux := http.NewServeMux()
	apiMux.HandleFunc("POST /js-execute/execute", h.HandleExecute)
	apiMux.HandleFunc("POST /js-execute/execute/stream", h.HandleExecuteStream)
	apiMux.HandleFunc("POST /js-execute/validate", h.HandleValidate)
	apiMux.HandleFunc("GET /js-execute/health", h.HandleExecuteHealth)

	apiMux.HandleFunc("POST /js-module/execute", h.HandleModuleExecute)
	apiMux.HandleFunc("GET /js-module/info", h.HandleModuleInfo)
	apiMux.HandleFunc("GET /js-module/health", h.HandleModuleHealth)

	apiMux.HandleFunc("POST /js-ast/parse", h.HandleParse)
	apiMux.HandleFunc("POST /js-ast/generate", h.HandleGenerate)
	apiMux.HandleFunc("POST /js-ast/roundtrip", h.HandleRoundtrip)
	apiMux.HandleFunc("GET /js-ast/health", h.HandleASTHealth)

	apiMux.HandleFunc("POST /js-ast-simple/js-to-ast", h.HandleJSToAST)
	apiMux.HandleFunc("POST /js-ast-simple/ast-to-js", h.HandleASTToJS)
	apiMux.HandleFunc("GET /js-ast-simple/url-to-ast", h.HandleURLToAST)
	apiMux.HandleFunc("POST /js-ast-simple/json-to-ast", h.HandleJSONToAST)

	apiMux.HandleFunc("GET /executions", h.HandleListExecutions)
	apiMux.HandleFunc("GET /executions/{id}", h.HandleGetExecution)

	authedAPI := AuthMiddleware(cfg.Security.APIKeyHeader, cfg.Security.AllowedKeys, cfg.Security.AllowUnauthenticated)(apiMux)

	// Top-level mux: health/metrics bypass auth, everything else goes through auth
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", h.HandleHealth(s.startTime))
	if cfg.Metrics.Enabled {
		mux.Handle("GET "+cfg.Metrics.Path, promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	}
	mux.Handle("/", authedAPI)

	// Apply middleware chain (outermost first)
	var handler http.Handler = mux
	handler = MetricsMiddleware(metrics)(handler)
	handler = RateLimitMiddleware(cfg.Security.RateLimitRPS, cfg.Security.RateLimitBurst)(handler)
	handler = MaxBodyMiddleware(cfg.Server.MaxRequestBody)(handler)
	handler = SecurityHeadersMiddleware(handler)
	handler = TracingMiddleware(tracer)(handler)
	handler = LoggingMiddleware(handler)
	handler = RequestIDMiddleware(handler)
	handler = RecoveryMiddleware(handler)
	return handler
}

// Handler exposes the fully wrapped handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins listening for requests. Uses TLS if configured.
func (s *Server) Start() error {
	if s.cfg.TLS.Enabled {
		log.Info().
			Str("addr", s.httpServer.Addr).
			Str("cert", s.cfg.TLS.CertFile).
			Msg("starting HTTPS server with TLS")

		s.httpServer.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
		return s.httpServer.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
	}

	log.Warn().Msg("TLS not enabled, running plain HTTP (not recommended for production)")
	log.Info().
		Str("addr", s.httpServer.Addr).
		Msg("starting HTTP server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}
