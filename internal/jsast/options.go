package jsast

import (
	"fmt"
	"regexp"
	"strings"
)

var ecmaVersionPattern = regexp.MustCompile(`^(latest|es\d{4}|\d{4})$`)

const (
	SourceModule      = "module"
	SourceScript      = "script"
	SourceUnambiguous = "unambiguous"
)

// ParserOptions configures the meriyah parse. ECMAVersion, TypeScript,
// Tokens, Comments and Tolerant are accepted and validated but meriyah
// is not told about them.
type ParserOptions struct {
	ECMAVersion string `json:"ecma_version"`
	SourceType  string `json:"source_type"`
	JSX         bool   `json:"jsx"`
	TypeScript  bool   `json:"typescript"`
	Next        bool   `json:"next"`
	Locations   bool   `json:"locations"`
	Ranges      bool   `json:"ranges"`
	Raw         bool   `json:"raw"`
	Tokens      bool   `json:"tokens"`
	Comments    bool   `json:"comments"`
	Tolerant    bool   `json:"tolerant"`
}

func DefaultParserOptions() ParserOptions {
	return ParserOptions{
		ECMAVersion: "latest",
		SourceType:  SourceModule,
		Next:        true,
		Locations:   true,
		Ranges:      true,
		Raw:         true,
		Comments:    true,
	}
}

func (o ParserOptions) Validate() error {
	if len(o.ECMAVersion) > 10 || !ecmaVersionPattern.MatchString(o.ECMAVersion) {
		return fmt.Errorf("%w: ecma_version must be latest, esNNNN or NNNN, got %q", ErrInvalidOptions, o.ECMAVersion)
	}
	switch o.SourceType {
	case SourceModule, SourceScript, SourceUnambiguous:
	default:
		return fmt.Errorf("%w: source_type must be module, script or unambiguous, got %q", ErrInvalidOptions, o.SourceType)
	}
	return nil
}

// meriyahOptions is the option object handed to meriyah's parse.
type meriyahOptions struct {
	Module         bool `json:"module"`
	Next           bool `json:"next"`
	Loc            bool `json:"loc"`
	Ranges         bool `json:"ranges"`
	Raw            bool `json:"raw"`
	GlobalReturn   bool `json:"globalReturn"`
	PreserveParens bool `json:"preserveParens"`
	Lexical        bool `json:"lexical"`
	JSX            bool `json:"jsx,omitempty"`
}

func (o ParserOptions) meriyah() meriyahOptions {
	return meriyahOptions{
		Module:       o.SourceType == SourceModule,
		Next:         o.Next,
		Loc:          o.Locations,
		Ranges:       o.Ranges,
		Raw:          o.Raw,
		GlobalReturn: o.SourceType == SourceScript,
		Lexical:      true,
		JSX:          o.JSX,
	}
}

// maxFormattingLen bounds indent and line-end strings.
const maxFormattingLen = 100

// GeneratorOptions configures astring's generate. StartIndent and SourceMap
// are accepted but astring always starts at indent level 0 and no map is
// produced.
type GeneratorOptions struct {
	Indent      string `json:"indent"`
	LineEnd     string `json:"line_end"`
	StartIndent string `json:"start_indent"`
	Comments    bool   `json:"comments"`
	SourceMap   bool   `json:"source_map"`
}

func DefaultGeneratorOptions() GeneratorOptions {
	return GeneratorOptions{
		Indent:   "  ",
		LineEnd:  "\n",
		Comments: true,
	}
}

// Sanitized strips every character other than space, tab, CR and LF from
// the formatting strings and bounds their length.
func (o GeneratorOptions) Sanitized() GeneratorOptions {
	o.Indent = formattingOnly(o.Indent)
	o.LineEnd = formattingOnly(o.LineEnd)
	o.StartIndent = formattingOnly(o.StartIndent)
	return o
}

func formattingOnly(s string) string {
	s = strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\r', '\n':
			return r
		}
		return -1
	}, s)
	if len(s) > maxFormattingLen {
		s = s[:maxFormattingLen]
	}
	return s
}

type astringOptions struct {
	Indent              string `json:"indent"`
	LineEnd             string `json:"lineEnd"`
	StartingIndentLevel int    `json:"startingIndentLevel"`
	Comments            bool   `json:"comments,omitempty"`
}

func (o GeneratorOptions) astring() astringOptions {
	o = o.Sanitized()
	return astringOptions{
		Indent:   o.Indent,
		LineEnd:  o.LineEnd,
		Comments: o.Comments,
	}
}
