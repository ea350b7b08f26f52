package jsast

import (
	"encoding/json"
	"errors"
)

var (
	ErrInvalidOptions = errors.New("invalid AST request")
	ErrInvalidURL     = errors.New("URL must start with http:// or https://")
	ErrFetchFailed    = errors.New("failed to fetch URL")
	ErrEmptyContent   = errors.New("no content at URL")
	ErrHTMLContent    = errors.New("URL returned HTML content, not JavaScript")
	ErrTooLarge       = errors.New("JavaScript source too large")
)

// Location is a parse error position taken from the parser's loc object.
type Location struct {
	StartLine   int `json:"start_line"`
	StartColumn int `json:"start_column"`
	EndLine     int `json:"end_line"`
	EndColumn   int `json:"end_column"`
}

type ParseRequest struct {
	Code    string         `json:"code"`
	Options *ParserOptions `json:"options,omitempty"`
}

type ParseResponse struct {
	Success       bool           `json:"success"`
	AST           map[string]any `json:"ast,omitempty"`
	Error         string         `json:"error,omitempty"`
	ErrorLocation *Location      `json:"error_location,omitempty"`
	ParseTimeMS   int64          `json:"parse_time_ms"`
}

type GenerateRequest struct {
	AST     map[string]any    `json:"ast"`
	Options *GeneratorOptions `json:"options,omitempty"`
}

type GenerateResponse struct {
	Success          bool   `json:"success"`
	Code             string `json:"code,omitempty"`
	Error            string `json:"error,omitempty"`
	GenerationTimeMS int64  `json:"generation_time_ms"`
}

type RoundtripRequest struct {
	Code             string            `json:"code"`
	ParserOptions    *ParserOptions    `json:"parser_options,omitempty"`
	GeneratorOptions *GeneratorOptions `json:"generator_options,omitempty"`
}

// RoundtripResponse reports a parse, generate, reparse cycle. Success means
// every phase ran; IsValid means the two trees matched.
type RoundtripResponse struct {
	Success        bool           `json:"success"`
	IsValid        bool           `json:"is_valid"`
	OriginalAST    map[string]any `json:"original_ast,omitempty"`
	GeneratedCode  string         `json:"generated_code,omitempty"`
	RegeneratedAST map[string]any `json:"regenerated_ast,omitempty"`
	Error          string         `json:"error,omitempty"`
	ParseTimeMS    int64          `json:"parse_time_ms"`
	GenerateTimeMS int64          `json:"generate_time_ms"`
	TotalTimeMS    int64          `json:"total_time_ms"`
}

// URLResult is the outcome of URLToAST.
type URLResult struct {
	AST  map[string]any `json:"ast"`
	URL  string         `json:"url"`
	Size int            `json:"size"`
}

// envelope is what the driver scripts print.
type envelope struct {
	Success  bool            `json:"success"`
	AST      map[string]any  `json:"ast"`
	Code     *string         `json:"code"`
	Error    *string         `json:"error"`
	Location json.RawMessage `json:"location"`
}

type errorLoc struct {
	Start *position `json:"start"`
	End   *position `json:"end"`
}

type position struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

// errorLocation decodes the parser's loc object. Anything unexpected yields
// nil rather than failing the response.
func (e envelope) errorLocation() *Location {
	var raw errorLoc
	if len(e.Location) == 0 || json.Unmarshal(e.Location, &raw) != nil {
		return nil
	}
	if raw.Start == nil && raw.End == nil {
		return nil
	}
	loc := &Location{}
	if s := raw.Start; s != nil {
		loc.StartLine, loc.StartColumn = s.Line, s.Column
	}
	if end := raw.End; end != nil {
		loc.EndLine, loc.EndColumn = end.Line, end.Column
	}
	return loc
}

func (e envelope) errorText() string {
	if e.Error == nil {
		return ""
	}
	return *e.Error
}
