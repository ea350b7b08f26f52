package api

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"jssandbox/internal/jsast"
	"jssandbox/internal/monitor"
	"jssandbox/internal/sandbox"
	"jssandbox/internal/storage"
)

const (
	executeHealthCode = "return 40 + 2;"
	moduleHealthCode  = `import { chunk } from 'https://cdn.skypack.dev/lodash@4';
const result = chunk([1, 2, 3, 4], 2);
console.log(JSON.stringify(result));`
	moduleHealthWant = "[[1,2],[3,4]]"
	astHealthCode    = "const x = 42;"
)

// ExecutionStore reads the audit log. *storage.DB implements it.
type ExecutionStore interface {
	GetExecution(ctx context.Context, id string) (*storage.Execution, error)
	ListExecutions(ctx context.Context, filter storage.ExecutionFilter) ([]storage.Execution, error)
	Healthy(ctx context.Context) bool
}

// Runtime reports on the interpreter binary. *deno.Provisioner implements it.
type Runtime interface {
	Installed() bool
	Version() string
}

// Deps wires the handlers to the engine and its optional collaborators.
// Store, Audit and Runtime may be nil.
type Deps struct {
	Engine  sandbox.Engine
	AST     *jsast.Service
	Store   ExecutionStore
	Audit   *storage.AuditWriter
	Runtime Runtime
	Metrics *monitor.Metrics

	Defaults      sandbox.ExecutionConfig
	ImportHosts   []string // nil means sandbox.DefaultImportHosts
	BlockCritical bool
}

type Handlers struct {
	engine   sandbox.Engine
	ast      *jsast.Service
	store    ExecutionStore
	audit    *storage.AuditWriter
	runtime  Runtime
	metrics  *monitor.Metrics
	detector *monitor.EscapeDetector

	defaults      sandbox.ExecutionConfig
	importHosts   []string
	blockCritical bool
}

func NewHandlers(d Deps) *Handlers {
	if d.Defaults.MaxExecutionTimeMS == 0 {
		d.Defaults = sandbox.DefaultExecutionConfig()
	}
	if d.Metrics == nil {
		d.Metrics = monitor.NewMetrics()
	}
	return &Handlers{
		engine:        d.Engine,
		ast:           d.AST,
		store:         d.Store,
		audit:         d.Audit,
		runtime:       d.Runtime,
		metrics:       d.Metrics,
		detector:      monitor.NewEscapeDetector(),
		defaults:      d.Defaults,
		importHosts:   d.ImportHosts,
		blockCritical: d.BlockCritical,
	}
}

func (h *Handlers) HandleExecute(w http.ResponseWriter, r *http.Request) {
	cfg := h.defaults
	req := ExecuteRequest{Config: &cfg}
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Code) == "" {
		writeError(w, "code is required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	if req.Config == nil {
		req.Config = &cfg
	}

	detections, blocked := h.screen(w, r, req.Code, sandbox.KindScript)
	if blocked {
		return
	}

	h.metrics.ActiveExecutions.Inc()
	defer h.metrics.ActiveExecutions.Dec()

	start := time.Now()
	result, err := h.engine.Execute(r.Context(), sandbox.ExecutionRequest{
		Code:      req.Code,
		Config:    req.Config,
		InputData: req.InputData,
	})
	if err != nil {
		h.recordFailure(sandbox.KindScript, err, time.Since(start))
		h.writeEngineError(w, r, err)
		return
	}

	detections = append(detections, h.inspect(result)...)
	h.observe(r, sandbox.KindScript, result)
	h.logAudit(sandbox.KindScript, req.Code, result, detections, start, r)

	writeJSON(w, http.StatusOK, ExecuteResponse{ExecutionResult: result, SecurityEvents: detections})
}

// HandleExecuteStream runs like HandleExecute but relays stdout and stderr as
// Server-Sent Events while the program runs, then sends the result as a
// final "done" event.
func (h *Handlers) HandleExecuteStream(w http.ResponseWriter, r *http.Request) {
	cfg := h.defaults
	req := ExecuteRequest{Config: &cfg}
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Code) == "" {
		writeError(w, "code is required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	if req.Config == nil {
		req.Config = &cfg
	}

	detections, blocked := h.screen(w, r, req.Code, sandbox.KindScript)
	if blocked {
		return
	}

	stream := NewSSEStream(w)
	if stream == nil {
		writeError(w, "streaming not supported", "STREAMING_UNSUPPORTED", http.StatusInternalServerError, r)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	h.metrics.ActiveExecutions.Inc()
	defer h.metrics.ActiveExecutions.Dec()

	start := time.Now()
	result, err := h.engine.ExecuteStreaming(r.Context(), sandbox.ExecutionRequest{
		Code:      req.Code,
		Config:    req.Config,
		InputData: req.InputData,
	}, stream.Writer("stdout"), stream.Writer("stderr"))
	if err != nil {
		h.recordFailure(sandbox.KindScript, err, time.Since(start))
		log.Error().Err(err).Str("request_id", RequestIDFromContext(r.Context())).Msg("streaming execution failed")
		stream.Send("error", err.Error())
		return
	}

	detections = append(detections, h.inspect(result)...)
	h.observe(r, sandbox.KindScript, result)
	h.logAudit(sandbox.KindScript, req.Code, result, detections, start, r)

	doneData, _ := json.Marshal(ExecuteResponse{ExecutionResult: result, SecurityEvents: detections})
	stream.Send("done", string(doneData))
}

func (h *Handlers) HandleValidate(w http.ResponseWriter, r *http.Request) {
	var req ValidateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Code) == "" {
		writeError(w, "code is required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	start := time.Now()
	valid, msg, err := h.engine.ValidateSyntax(r.Context(), req.Code)
	if err != nil {
		h.recordFailure(sandbox.KindValidate, err, time.Since(start))
		h.writeEngineError(w, r, err)
		return
	}

	status := "valid"
	if !valid {
		status = "invalid"
	}
	h.metrics.RecordExecution(sandbox.KindValidate, status, time.Since(start).Seconds())

	resp := ValidateResponse{Valid: valid}
	if msg != "" {
		resp.Error = &msg
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handlers) HandleExecuteHealth(w http.ResponseWriter, r *http.Request) {
	health := ComponentHealth{Service: "js-execution", Runtime: "deno"}

	cfg := sandbox.DefaultExecutionConfig()
	cfg.MaxExecutionTimeMS = 1000
	result, err := h.engine.Execute(r.Context(), sandbox.ExecutionRequest{Code: executeHealthCode, Config: &cfg})
	switch {
	case err != nil:
		health.Status = "unhealthy"
		health.Error = err.Error()
	case result.Success && strings.Contains(result.Output, "42"):
		health.Status = "healthy"
		health.Version = "v" + result.DenoVersion
	default:
		health.Status = "degraded"
		health.Message = "Runtime check failed"
	}
	writeHealth(w, health)
}

func (h *Handlers) moduleDefaults() ModuleConfig {
	return ModuleConfig{
		MaxExecutionTimeMS: h.defaults.MaxExecutionTimeMS,
		MaxMemoryMB:        h.defaults.MaxMemoryMB,
		MaxOutputSize:      h.defaults.MaxOutputSize,
		AllowURLImports:    true,
		AllowedImportHosts: slices.Clone(h.importHosts),
		CacheImports:       true,
	}
}

func (h *Handlers) HandleModuleExecute(w http.ResponseWriter, r *http.Request) {
	mc := h.moduleDefaults()
	req := ModuleExecuteRequest{Config: &mc}
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Code) == "" {
		writeError(w, "code is required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	if req.Config == nil {
		req.Config = &mc
	}
	if len(req.Code) > sandbox.MaxCodeSize {
		writeError(w, "code exceeds "+strconv.Itoa(sandbox.MaxCodeSize)+" bytes", "VALIDATION_ERROR", http.StatusBadRequest, r)
		return
	}

	detections, blocked := h.screen(w, r, req.Code, sandbox.KindModule)
	if blocked {
		return
	}

	h.metrics.ActiveExecutions.Inc()
	defer h.metrics.ActiveExecutions.Dec()

	cfg := req.Config.sandboxConfig()
	start := time.Now()
	result, err := h.engine.ExecuteModule(r.Context(), sandbox.ModuleExecutionRequest{Code: req.Code, Config: &cfg})
	if err != nil {
		h.recordFailure(sandbox.KindModule, err, time.Since(start))
		h.writeEngineError(w, r, err)
		return
	}

	detections = append(detections, h.inspect(result)...)
	h.observe(r, sandbox.KindModule, result)
	h.logAudit(sandbox.KindModule, req.Code, result, detections, start, r)

	writeJSON(w, http.StatusOK, ModuleExecuteResponse{
		Success:         result.Success,
		Output:          result.Output,
		Error:           result.Error,
		ExecutionTimeMS: result.ExecutionTimeMS,
		Truncated:       result.Truncated,
		DenoVersion:     result.DenoVersion,
		SecurityEvents:  detections,
	})
}

func (h *Handlers) HandleModuleInfo(w http.ResponseWriter, r *http.Request) {
	hosts := h.importHosts
	if len(hosts) == 0 {
		hosts = sandbox.DefaultImportHosts
	}
	writeJSON(w, http.StatusOK, ModuleInfoResponse{
		DefaultAllowedHosts: hosts,
		Features: map[string]bool{
			"url_imports":     true,
			"npm_packages":    true,
			"typescript":      true,
			"top_level_await": true,
			"deno_std":        true,
			"file_system":     true,
			"jsx":             false,
		},
		Examples: moduleExamples,
	})
}

func (h *Handlers) HandleModuleHealth(w http.ResponseWriter, r *http.Request) {
	supported := false
	health := ComponentHealth{Service: "js-module-execution", Runtime: "deno", ModuleSupport: &supported}

	cfg := sandbox.DefaultModuleExecutionConfig()
	result, err := h.engine.ExecuteModule(r.Context(), sandbox.ModuleExecutionRequest{Code: moduleHealthCode, Config: &cfg})
	switch {
	case err != nil:
		health.Status = "unhealthy"
		health.Error = err.Error()
	case result.Success && strings.Contains(result.Output, moduleHealthWant):
		supported = true
		health.Status = "healthy"
		health.Version = result.DenoVersion
	default:
		health.Status = "degraded"
		health.Message = "Module import check failed"
	}
	writeHealth(w, health)
}

func (h *Handlers) HandleParse(w http.ResponseWriter, r *http.Request) {
	opts := jsast.DefaultParserOptions()
	req := jsast.ParseRequest{Options: &opts}
	if !decodeJSON(w, r, &req) {
		return
	}

	resp, err := h.ast.Parse(r.Context(), req)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	if !resp.Success {
		writeParseError(w, r, resp.Error, resp.ErrorLocation)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handlers) HandleGenerate(w http.ResponseWriter, r *http.Request) {
	opts := jsast.DefaultGeneratorOptions()
	req := jsast.GenerateRequest{Options: &opts}
	if !decodeJSON(w, r, &req) {
		return
	}

	resp, err := h.ast.Generate(r.Context(), req)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	if !resp.Success {
		writeError(w, resp.Error, "GENERATE_ERROR", http.StatusBadRequest, r)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleRoundtrip reports 400 only when a phase failed; trees that differ
// are a successful response with is_valid=false.
func (h *Handlers) HandleRoundtrip(w http.ResponseWriter, r *http.Request) {
	popts, gopts := jsast.DefaultParserOptions(), jsast.DefaultGeneratorOptions()
	req := jsast.RoundtripRequest{ParserOptions: &popts, GeneratorOptions: &gopts}
	if !decodeJSON(w, r, &req) {
		return
	}

	resp, err := h.ast.Roundtrip(r.Context(), req)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	if !resp.Success {
		writeError(w, resp.Error, "ROUNDTRIP_ERROR", http.StatusBadRequest, r)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handlers) HandleASTHealth(w http.ResponseWriter, r *http.Request) {
	health := ComponentHealth{Service: "js-ast"}

	resp, err := h.ast.Parse(r.Context(), jsast.ParseRequest{Code: astHealthCode})
	switch {
	case err != nil:
		health.Status = "unhealthy"
		health.Error = err.Error()
	case resp.Success && len(resp.AST) > 0:
		health.Status = "healthy"
		health.Parser = "meriyah"
		health.Generator = "astring"
	default:
		health.Status = "degraded"
		health.Message = "AST operations check failed"
	}
	writeHealth(w, health)
}

func (h *Handlers) HandleJSToAST(w http.ResponseWriter, r *http.Request) {
	var req JSToASTRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	resp, err := h.ast.Parse(r.Context(), jsast.ParseRequest{Code: req.Code})
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	if !resp.Success {
		writeParseError(w, r, "Parse error: "+resp.Error, resp.ErrorLocation)
		return
	}
	writeJSON(w, http.StatusOK, ASTResponse{AST: resp.AST})
}

func (h *Handlers) HandleASTToJS(w http.ResponseWriter, r *http.Request) {
	var req ASTToJSRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	resp, err := h.ast.Generate(r.Context(), jsast.GenerateRequest{AST: req.AST})
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	if !resp.Success {
		writeError(w, "Generation error: "+resp.Error, "GENERATE_ERROR", http.StatusBadRequest, r)
		return
	}
	writeJSON(w, http.StatusOK, CodeResponse{Code: resp.Code})
}

func (h *Handlers) HandleURLToAST(w http.ResponseWriter, r *http.Request) {
	url := r.URL.Query().Get("url")
	if url == "" {
		writeError(w, "url query parameter is required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	result, parsed, err := h.ast.URLToAST(r.Context(), url)
	if err != nil {
		h.writeFetchError(w, r, err)
		return
	}
	if result == nil {
		writeParseError(w, r, "Parse error: "+parsed.Error, parsed.ErrorLocation)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// HandleJSONToAST takes any JSON document as the body and returns the AST of
// `const data = <document>;`.
func (h *Handlers) HandleJSONToAST(w http.ResponseWriter, r *http.Request) {
	var data any
	if !decodeJSON(w, r, &data) {
		return
	}

	resp, err := h.ast.JSONToAST(r.Context(), data)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	if !resp.Success {
		writeError(w, "Failed to parse generated JavaScript: "+resp.Error, "PARSE_ERROR", http.StatusInternalServerError, r)
		return
	}
	writeJSON(w, http.StatusOK, resp.AST)
}

// HandleHealth reports overall service health without running any code.
func (h *Handlers) HandleHealth(started time.Time) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		dbOK := h.store == nil || h.store.Healthy(r.Context())
		interpOK := h.runtime == nil || h.runtime.Installed()

		resp := HealthResponse{
			Status:           "ok",
			Interpreter:      interpOK,
			Database:         dbOK,
			ActiveExecutions: h.engine.ActiveCount(),
			Uptime:           time.Since(started).Round(time.Second).String(),
		}
		if h.runtime != nil {
			resp.DenoVersion = h.runtime.Version()
		}

		if !dbOK || !interpOK {
			resp.Status = "degraded"
		}

		status := http.StatusOK
		if resp.Status != "ok" {
			status = http.StatusServiceUnavailable
		}

		writeJSON(w, status, resp)
	}
}

func (h *Handlers) HandleGetExecution(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, "execution ID required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	if h.store == nil {
		writeError(w, "database not configured", "DB_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}

	exec, err := h.store.GetExecution(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, "execution not found", "NOT_FOUND", http.StatusNotFound, r)
		return
	}
	if err != nil {
		log.Error().Err(err).Str("exec_id", id).Msg("audit lookup failed")
		writeError(w, "query failed", "INTERNAL", http.StatusInternalServerError, r)
		return
	}

	writeJSON(w, http.StatusOK, exec)
}

func (h *Handlers) HandleListExecutions(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeError(w, "database not configured", "DB_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}

	q := r.URL.Query()
	filter := storage.ExecutionFilter{
		Kind:   q.Get("kind"),
		Status: q.Get("status"),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, "limit must be an integer", "INVALID_REQUEST", http.StatusBadRequest, r)
			return
		}
		filter.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, "offset must be a non-negative integer", "INVALID_REQUEST", http.StatusBadRequest, r)
			return
		}
		filter.Offset = n
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, "since must be an RFC 3339 timestamp", "INVALID_REQUEST", http.StatusBadRequest, r)
			return
		}
		filter.Since = &t
	}

	execs, err := h.store.ListExecutions(r.Context(), filter)
	if err != nil {
		log.Error().Err(err).Msg("audit query failed")
		writeError(w, "query failed", "INTERNAL", http.StatusInternalServerError, r)
		return
	}
	if execs == nil {
		execs = []storage.Execution{}
	}

	writeJSON(w, http.StatusOK, execs)
}

// screen runs the code detector. With blocking enabled a critical detection
// answers the request with 403 and reports blocked=true.
func (h *Handlers) screen(w http.ResponseWriter, r *http.Request, code, kind string) ([]monitor.Detection, bool) {
	h.metrics.CodeSizeBytes.Observe(float64(len(code)))

	detections := h.detector.AnalyzeCode(code)
	for _, d := range detections {
		h.metrics.RecordSecurityEvent(d.Pattern)
	}

	if h.blockCritical {
		if d, ok := monitor.Critical(detections); ok {
			h.metrics.RecordExecution(kind, "blocked", 0)
			writeError(w, "code rejected: "+d.Detail, "SECURITY_BLOCKED", http.StatusForbidden, r)
			return nil, true
		}
	}
	return detections, false
}

func (h *Handlers) inspect(result *sandbox.ExecutionResult) []monitor.Detection {
	detections := h.detector.AnalyzeOutput(result.Output + "\n" + result.ErrorText())
	for _, d := range detections {
		h.metrics.RecordSecurityEvent(d.Pattern)
	}
	return detections
}

func (h *Handlers) observe(r *http.Request, kind string, result *sandbox.ExecutionResult) {
	h.metrics.RecordExecution(kind, result.Status, float64(result.ExecutionTimeMS)/1000)
	h.metrics.OutputSizeBytes.Observe(float64(len(result.Output)))
	if result.Truncated {
		h.metrics.TruncatedOutputs.Inc()
	}

	monitor.SpanFromContext(r.Context()).SetAttributes(
		monitor.AttrExecID.String(result.ID),
		monitor.AttrKind.String(kind),
		monitor.AttrStatus.String(result.Status),
	)
}

func (h *Handlers) recordFailure(kind string, err error, elapsed time.Duration) {
	status, errType := "error", "internal"
	switch {
	case sandbox.IsValidation(err):
		status, errType = "rejected", "validation"
	case sandbox.IsSetupError(err):
		status, errType = "unavailable", "interpreter_missing"
	case errors.Is(err, sandbox.ErrShuttingDown):
		status, errType = "unavailable", "shutting_down"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status, errType = "cancelled", "cancelled"
	}
	h.metrics.RecordExecution(kind, status, elapsed.Seconds())
	h.metrics.RecordError(errType)
}

func (h *Handlers) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case sandbox.IsValidation(err), errors.Is(err, jsast.ErrInvalidOptions):
		writeError(w, err.Error(), "VALIDATION_ERROR", http.StatusBadRequest, r)
	case sandbox.IsSetupError(err):
		writeError(w, "JavaScript runtime unavailable", "RUNTIME_UNAVAILABLE", http.StatusServiceUnavailable, r)
	case errors.Is(err, sandbox.ErrShuttingDown):
		writeError(w, "server is shutting down", "SHUTTING_DOWN", http.StatusServiceUnavailable, r)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, "request cancelled before an execution slot was free", "CANCELLED", http.StatusServiceUnavailable, r)
	default:
		log.Error().Err(err).Str("request_id", RequestIDFromContext(r.Context())).Msg("execution failed")
		writeError(w, "execution failed", "EXECUTION_FAILED", http.StatusInternalServerError, r)
	}
}

func (h *Handlers) writeFetchError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, jsast.ErrInvalidURL):
		writeError(w, err.Error(), "INVALID_URL", http.StatusBadRequest, r)
	case errors.Is(err, jsast.ErrHTMLContent):
		writeError(w, err.Error(), "HTML_CONTENT", http.StatusBadRequest, r)
	case errors.Is(err, jsast.ErrTooLarge):
		writeError(w, err.Error(), "TOO_LARGE", http.StatusRequestEntityTooLarge, r)
	case errors.Is(err, jsast.ErrEmptyContent):
		writeError(w, err.Error(), "EMPTY_CONTENT", http.StatusNotFound, r)
	case errors.Is(err, jsast.ErrFetchFailed):
		writeError(w, err.Error(), "FETCH_FAILED", http.StatusBadGateway, r)
	default:
		h.writeEngineError(w, r, err)
	}
}

func (h *Handlers) logAudit(kind, code string, result *sandbox.ExecutionResult, detections []monitor.Detection, start time.Time, r *http.Request) {
	if h.audit == nil {
		return
	}

	events := make([]storage.SecurityEventRecord, 0, len(detections))
	for _, d := range detections {
		events = append(events, storage.SecurityEventRecord{
			Type:     d.Pattern,
			Severity: d.Severity,
			Detail:   d.Detail,
			Line:     d.Line,
		})
	}

	completedAt := time.Now()
	h.audit.Log(&storage.Execution{
		ID:             result.ID,
		Kind:           kind,
		CodeHash:       result.CodeHash,
		CodeSize:       len(code),
		Success:        result.Success,
		ExitCode:       result.ExitCode,
		Output:         result.Output,
		Error:          result.ErrorText(),
		Truncated:      result.Truncated,
		DurationMS:     result.ExecutionTimeMS,
		DenoVersion:    result.DenoVersion,
		SecurityEvents: len(detections),
		Status:         result.Status,
		RequestIP:      clientIP(r),
		APIKeyHash:     apiKeyHash(r),
		CreatedAt:      start,
		CompletedAt:    &completedAt,
		Events:         events,
	})
}

// apiKeyHash identifies the caller without storing the key itself.
func apiKeyHash(r *http.Request) string {
	key, _ := r.Context().Value(contextKeyAPIKey).(string)
	if key == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:8])
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, "request body too large", "BODY_TOO_LARGE", http.StatusRequestEntityTooLarge, r)
			return false
		}
		writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return false
	}
	return true
}

func writeHealth(w http.ResponseWriter, health ComponentHealth) {
	status := http.StatusOK
	if health.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, health)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, msg, code string, status int, r *http.Request) {
	resp := ErrorResponse{
		Error:     msg,
		Code:      code,
		RequestID: RequestIDFromContext(r.Context()),
	}
	writeJSON(w, status, resp)
}

// ParseErrorResponse adds the parser's error position to ErrorResponse.
type ParseErrorResponse struct {
	ErrorResponse
	Location *jsast.Location `json:"error_location,omitempty"`
}

func writeParseError(w http.ResponseWriter, r *http.Request, msg string, loc *jsast.Location) {
	writeJSON(w, http.StatusBadRequest, ParseErrorResponse{
		ErrorResponse: ErrorResponse{
			Error:     msg,
			Code:      "PARSE_ERROR",
			RequestID: RequestIDFromContext(r.Context()),
		},
		Location: loc,
	})
}

var moduleExamples = map[string]string{
	"lodash_import": `import _ from 'https://esm.sh/lodash@4.17.21';
const result = _.chunk([1, 2, 3, 4], 2);
console.log(JSON.stringify(result));`,

	"deno_std": `import { delay } from 'https://deno.land/std@0.208.0/async/delay.ts';
console.log('Starting...');
await delay(100);
console.log('Done after 100ms');`,

	"typescript": "interface Point {\n    x: number;\n    y: number;\n}\nconst point: Point = { x: 10, y: 20 };\nconsole.log(`Point: (${point.x}, ${point.y})`);",

	"multiple_imports": "import _ from 'https://esm.sh/lodash@4.17.21';\nimport { format } from 'https://deno.land/std@0.208.0/datetime/format.ts';\n\nconst numbers = _.sum([1, 2, 3, 4, 5]);\nconst date = format(new Date(), 'yyyy-MM-dd');\nconsole.log(`Sum: ${numbers}, Date: ${date}`);",

	"file_output": `// Requires allow_write permission for /tmp
const data = { result: 'success', timestamp: Date.now() };
await Deno.writeTextFile('/tmp/output.json', JSON.stringify(data));
console.log('Data written to /tmp/output.json');`,
}
