package sandbox

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// InputGlobal is the global binding through which user code reads its input.
const InputGlobal = "INPUT"

// SynthesizeWrapper builds the program that runs a user fragment. The
// fragment is pasted verbatim into an async function body so a top-level
// return becomes the result value; a timer exits the process if the
// fragment has not settled within timeoutMS.
func SynthesizeWrapper(code string, input map[string]any, timeoutMS int, jsonOutput bool) (string, error) {
	inputJSON := "{}"
	if len(input) > 0 {
		b, err := json.Marshal(input)
		if err != nil {
			return "", fmt.Errorf("%w: input_data is not JSON-encodable: %v", ErrInvalidRequest, err)
		}
		inputJSON = string(b)
	}

	var b strings.Builder
	b.WriteString("// Execution wrapper with timeout and resource limits\n")
	b.WriteString("const maxExecutionTime = " + strconv.Itoa(timeoutMS) + ";\n")
	b.WriteString("const inputData = " + inputJSON + ";\n")
	b.WriteString("const jsonOutput = " + strconv.FormatBool(jsonOutput) + ";\n")
	b.WriteString(`
const timeoutId = setTimeout(() => {
    console.error("Execution timeout exceeded");
    Deno.exit(1);
}, maxExecutionTime);

(async () => {
    try {
        globalThis.` + InputGlobal + ` = inputData;

        const result = await (async function() {
`)
	b.WriteString(code)
	b.WriteString(`
        })();

        if (jsonOutput && result !== undefined) {
            console.log(JSON.stringify(result));
        } else if (result !== undefined) {
            console.log(result);
        }

        clearTimeout(timeoutId);
    } catch (error) {
        clearTimeout(timeoutId);
        console.error(` + "`Execution error: ${error && error.message !== undefined ? error.message : error}`" + `);
        Deno.exit(1);
    }
})();
`)
	return b.String(), nil
}
