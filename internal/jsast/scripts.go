package jsast

import (
	"encoding/json"
	"fmt"
)

const (
	MeriyahVersion = "4.3.9"
	AstringVersion = "1.8.6"

	// LibraryHost serves both libraries; driver scripts may import from it only.
	LibraryHost = "esm.sh"
)

// ParseScript builds the module that parses code with meriyah and prints a
// single JSON envelope: {success, ast} or {success, error, location}.
func ParseScript(code string, opts ParserOptions) (string, error) {
	codeJSON, err := json.Marshal(code)
	if err != nil {
		return "", fmt.Errorf("encoding source: %w", err)
	}
	optsJSON, err := json.Marshal(opts.meriyah())
	if err != nil {
		return "", fmt.Errorf("encoding parser options: %w", err)
	}

	return `
import { parse } from 'https://` + LibraryHost + `/meriyah@` + MeriyahVersion + `';

const code = ` + string(codeJSON) + `;
const options = ` + string(optsJSON) + `;

try {
    const ast = parse(code, options);
    const cleanAst = JSON.parse(JSON.stringify(ast));

    console.log(JSON.stringify({
        success: true,
        ast: cleanAst
    }));
} catch (error) {
    console.log(JSON.stringify({
        success: false,
        error: error.message,
        location: error.loc || null
    }));
}
`, nil
}

// GenerateScript builds the module that prints astring's output for ast as
// a JSON envelope: {success, code} or {success, error}.
func GenerateScript(ast map[string]any, opts GeneratorOptions) (string, error) {
	astJSON, err := json.Marshal(ast)
	if err != nil {
		return "", fmt.Errorf("%w: ast is not JSON-encodable: %v", ErrInvalidOptions, err)
	}
	optsJSON, err := json.Marshal(opts.astring())
	if err != nil {
		return "", fmt.Errorf("encoding generator options: %w", err)
	}

	return `
import { generate } from 'https://` + LibraryHost + `/astring@` + AstringVersion + `';

const ast = ` + string(astJSON) + `;
const options = ` + string(optsJSON) + `;

try {
    const code = generate(ast, options);

    console.log(JSON.stringify({
        success: true,
        code: code
    }));
} catch (error) {
    console.log(JSON.stringify({
        success: false,
        error: error.message
    }));
}
`, nil
}
