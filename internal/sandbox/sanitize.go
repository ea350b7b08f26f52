package sandbox

import (
	"fmt"
	"regexp"
)

const (
	// MaxCodeSize bounds submitted source.
	MaxCodeSize = 1 << 20
	// MaxModuleSize bounds module programs. Generated driver modules embed
	// escaped sources and ASTs, which run far larger than the source.
	MaxModuleSize = 32 << 20
)

// controlChars matches ASCII control characters except tab, LF and CR.
var controlChars = regexp.MustCompile(`[\x00-\x08\x0B\x0C\x0E-\x1F\x7F]`)

// SanitizeCode replaces stray control characters with a space and enforces
// MaxCodeSize. It does not otherwise alter the source.
func SanitizeCode(code string) (string, error) {
	return SanitizeWithLimit(code, MaxCodeSize)
}

// SanitizeWithLimit is SanitizeCode with a caller-chosen size bound.
func SanitizeWithLimit(code string, limit int) (string, error) {
	if len(code) > limit {
		return "", fmt.Errorf("%w: code exceeds %d bytes", ErrInvalidRequest, limit)
	}
	return controlChars.ReplaceAllString(code, " "), nil
}
