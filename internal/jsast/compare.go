package jsast

import (
	"github.com/google/go-cmp/cmp"
)

// positionalKeys carry source positions or formatting, not structure.
var positionalKeys = map[string]struct{}{
	"loc":              {},
	"range":            {},
	"start":            {},
	"end":              {},
	"raw":              {},
	"leadingComments":  {},
	"trailingComments": {},
}

// Normalize returns a copy of an ESTree value with positional keys removed
// at every depth.
func Normalize(node any) any {
	switch n := node.(type) {
	case map[string]any:
		out := make(map[string]any, len(n))
		for k, v := range n {
			if _, skip := positionalKeys[k]; skip {
				continue
			}
			out[k] = Normalize(v)
		}
		return out
	case []any:
		out := make([]any, len(n))
		for i, v := range n {
			out[i] = Normalize(v)
		}
		return out
	default:
		return node
	}
}

// Equivalent reports whether two trees are equal once positional keys are
// ignored.
func Equivalent(a, b map[string]any) bool {
	return cmp.Equal(Normalize(a), Normalize(b))
}

// Diff describes how two trees differ after normalization, or "" when they
// are equivalent.
func Diff(a, b map[string]any) string {
	return cmp.Diff(Normalize(a), Normalize(b))
}
