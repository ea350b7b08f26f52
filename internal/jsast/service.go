// Package jsast converts JavaScript to and from ESTree ASTs by running
// meriyah and astring inside the sandbox, and checks that a
// parse, generate, reparse cycle preserves the tree.
package jsast

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/trace"

	"jssandbox/internal/monitor"
	"jssandbox/internal/sandbox"
)

const (
	// MaxSourceSize bounds source accepted for parsing, including fetched URLs.
	MaxSourceSize = 10 << 20

	htmlSniffLen = 1000
)

// Phase names, used for metrics and spans.
const (
	PhaseParse    = "parse"
	PhaseGenerate = "generate"
	PhaseReparse  = "reparse"
)

// ModuleRunner executes a module program. It is satisfied by
// *sandbox.Executor.
type ModuleRunner interface {
	ExecuteModule(ctx context.Context, req sandbox.ModuleExecutionRequest) (*sandbox.ExecutionResult, error)
}

type ServiceConfig struct {
	Metrics    *monitor.Metrics // optional
	Tracer     *monitor.Tracer  // optional
	HTTPClient *retryablehttp.Client
}

type Service struct {
	runner  ModuleRunner
	metrics *monitor.Metrics
	tracer  *monitor.Tracer
	client  *retryablehttp.Client
}

func NewService(runner ModuleRunner, cfg ServiceConfig) *Service {
	if cfg.Tracer == nil {
		cfg.Tracer = monitor.NewTracer()
	}
	if cfg.HTTPClient == nil {
		client := retryablehttp.NewClient()
		client.RetryMax = 2
		client.HTTPClient.Timeout = 30 * time.Second
		client.Logger = nil
		cfg.HTTPClient = client
	}
	return &Service{
		runner:  runner,
		metrics: cfg.Metrics,
		tracer:  cfg.Tracer,
		client:  cfg.HTTPClient,
	}
}

// RunConfig is the sandbox envelope every driver script runs under: imports
// from the library host only, cached, and nothing else granted.
func RunConfig() sandbox.ModuleExecutionConfig {
	cfg := sandbox.DefaultModuleExecutionConfig()
	cfg.MaxExecutionTimeMS = 10000
	cfg.MaxMemoryMB = 512
	cfg.MaxOutputSize = sandbox.MaxOutputSize
	cfg.AllowURLImports = true
	cfg.AllowedImportHosts = []string{LibraryHost}
	cfg.CacheImports = true
	cfg.Permissions = sandbox.PermissionSet{}
	return cfg
}

// Parse converts source to an ESTree AST. Parser rejections and undecodable
// output are reported in the response; only setup and validation problems
// are returned as errors.
func (s *Service) Parse(ctx context.Context, req ParseRequest) (*ParseResponse, error) {
	return s.parse(ctx, req, PhaseParse)
}

func (s *Service) parse(ctx context.Context, req ParseRequest, phase string) (*ParseResponse, error) {
	opts := DefaultParserOptions()
	if req.Options != nil {
		opts = *req.Options
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	code, err := sandbox.SanitizeWithLimit(req.Code, MaxSourceSize)
	if err != nil {
		return nil, err
	}
	script, err := ParseScript(code, opts)
	if err != nil {
		return nil, err
	}

	ctx, span := s.tracer.StartSpan(ctx, "ast."+phase, monitor.AttrASTPhase.String(phase))
	defer span.End()

	env, elapsed, err := s.runDriver(ctx, script, phase, span)
	if err != nil {
		return nil, err
	}

	resp := &ParseResponse{ParseTimeMS: elapsed.Milliseconds()}
	switch {
	case env.failure != "":
		resp.Error = env.failure
	case env.Success:
		resp.Success = true
		resp.AST = env.AST
	default:
		resp.Error = env.errorText()
		resp.ErrorLocation = env.errorLocation()
	}
	s.recordOperation(phase, resp.Success)
	return resp, nil
}

// Generate converts an ESTree AST back to source.
func (s *Service) Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error) {
	if req.AST == nil {
		return nil, fmt.Errorf("%w: ast is required", ErrInvalidOptions)
	}
	opts := DefaultGeneratorOptions()
	if req.Options != nil {
		opts = *req.Options
	}
	script, err := GenerateScript(req.AST, opts)
	if err != nil {
		return nil, err
	}

	ctx, span := s.tracer.StartSpan(ctx, "ast."+PhaseGenerate, monitor.AttrASTPhase.String(PhaseGenerate))
	defer span.End()

	env, elapsed, err := s.runDriver(ctx, script, PhaseGenerate, span)
	if err != nil {
		return nil, err
	}

	resp := &GenerateResponse{GenerationTimeMS: elapsed.Milliseconds()}
	switch {
	case env.failure != "":
		resp.Error = env.failure
	case env.Success && env.Code != nil:
		resp.Success = true
		resp.Code = *env.Code
	case env.Success:
		resp.Error = "Generator returned no code"
	default:
		resp.Error = env.errorText()
	}
	s.recordOperation(PhaseGenerate, resp.Success)
	return resp, nil
}

// Roundtrip parses code, generates source from the tree, reparses that
// source and compares the two trees. Phases run strictly in order and the
// first failure ends the cycle.
func (s *Service) Roundtrip(ctx context.Context, req RoundtripRequest) (*RoundtripResponse, error) {
	start := time.Now()
	resp := &RoundtripResponse{}
	finish := func() (*RoundtripResponse, error) {
		resp.TotalTimeMS = time.Since(start).Milliseconds()
		s.recordOperation("roundtrip", resp.Success && resp.IsValid)
		return resp, nil
	}

	parsed, err := s.parse(ctx, ParseRequest{Code: req.Code, Options: req.ParserOptions}, PhaseParse)
	if err != nil {
		return nil, err
	}
	resp.ParseTimeMS = parsed.ParseTimeMS
	if !parsed.Success {
		resp.Error = "Initial parse failed: " + parsed.Error
		return finish()
	}
	resp.OriginalAST = parsed.AST

	generated, err := s.Generate(ctx, GenerateRequest{AST: parsed.AST, Options: req.GeneratorOptions})
	if err != nil {
		return nil, err
	}
	resp.GenerateTimeMS = generated.GenerationTimeMS
	if !generated.Success {
		resp.Error = "Generation failed: " + generated.Error
		return finish()
	}
	resp.GeneratedCode = generated.Code

	reparsed, err := s.parse(ctx, ParseRequest{Code: generated.Code, Options: req.ParserOptions}, PhaseReparse)
	if err != nil {
		return nil, err
	}
	resp.ParseTimeMS += reparsed.ParseTimeMS
	if !reparsed.Success {
		resp.Error = "Re-parse failed: " + reparsed.Error
		return finish()
	}
	resp.RegeneratedAST = reparsed.AST

	resp.Success = true
	resp.IsValid = Equivalent(resp.OriginalAST, resp.RegeneratedAST)
	if !resp.IsValid {
		log.Debug().Str("diff", Diff(resp.OriginalAST, resp.RegeneratedAST)).Msg("roundtrip produced a different tree")
	}
	return finish()
}

// JSONToAST parses `const data = <json>;` built from the given value.
func (s *Service) JSONToAST(ctx context.Context, data any) (*ParseResponse, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(data); err != nil {
		return nil, fmt.Errorf("%w: data is not JSON-encodable: %v", ErrInvalidOptions, err)
	}
	code := "const data = " + strings.TrimRight(buf.String(), "\n") + ";"
	return s.Parse(ctx, ParseRequest{Code: code})
}

// URLToAST fetches JavaScript over HTTP and parses it with default options.
func (s *Service) URLToAST(ctx context.Context, url string) (*URLResult, *ParseResponse, error) {
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return nil, nil, ErrInvalidURL
	}

	body, err := s.fetch(ctx, url)
	if err != nil {
		return nil, nil, err
	}

	parsed, err := s.Parse(ctx, ParseRequest{Code: body})
	if err != nil {
		return nil, nil, err
	}
	if !parsed.Success {
		return nil, parsed, nil
	}
	return &URLResult{AST: parsed.AST, URL: url, Size: len(body)}, parsed, nil
}

func (s *Service) fetch(ctx context.Context, url string) (string, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: status %s", ErrFetchFailed, resp.Status)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxSourceSize+1))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	if len(data) > MaxSourceSize {
		return "", fmt.Errorf("%w: more than %d bytes", ErrTooLarge, MaxSourceSize)
	}
	if len(data) == 0 {
		return "", ErrEmptyContent
	}

	head := strings.ToLower(string(data[:min(len(data), htmlSniffLen)]))
	if strings.Contains(head, "<html") {
		return "", ErrHTMLContent
	}
	return string(data), nil
}

// driverResult is a decoded envelope plus a decode or execution failure
// message when there was no envelope to decode.
type driverResult struct {
	envelope
	failure string
}

func (s *Service) runDriver(ctx context.Context, script, phase string, span trace.Span) (driverResult, time.Duration, error) {
	cfg := RunConfig()
	start := time.Now()
	result, err := s.runner.ExecuteModule(ctx, sandbox.ModuleExecutionRequest{Code: script, Config: &cfg})
	elapsed := time.Since(start)
	if s.metrics != nil {
		s.metrics.RecordASTPhase(phase, elapsed.Seconds())
	}
	if err != nil {
		span.RecordError(err)
		return driverResult{}, elapsed, err
	}

	if !result.Success {
		msg := result.ErrorText()
		if msg == "" {
			msg = driverFailure(phase)
		}
		return driverResult{failure: msg}, elapsed, nil
	}

	var env envelope
	if err := json.Unmarshal([]byte(result.Output), &env); err != nil {
		return driverResult{failure: fmt.Sprintf("Failed to decode %s output: %v", decoderName(phase), err)}, elapsed, nil
	}
	return driverResult{envelope: env}, elapsed, nil
}

func (s *Service) recordOperation(op string, ok bool) {
	if s.metrics != nil {
		s.metrics.RecordASTOperation(op, ok)
	}
}

func decoderName(phase string) string {
	if phase == PhaseGenerate {
		return "generator"
	}
	return "parser"
}

func driverFailure(phase string) string {
	if phase == PhaseGenerate {
		return "Generator execution failed"
	}
	return "Parser execution failed"
}
