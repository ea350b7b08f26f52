package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"jssandbox/internal/config"
	"jssandbox/internal/deno"
)

var (
	serverURL string
	apiKey    string
	timeoutMS int
	memoryMB  int
	inputJSON string
	asModule  bool
	allowRead []string
	sourceTyp string
	listKind  string
	listLimit int
)

func main() {
	root := &cobra.Command{
		Use:   "jssandbox",
		Short: "CLI client for the JavaScript sandbox",
	}

	root.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "Server URL")
	root.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("JSSANDBOX_API_KEY"), "API key")

	// Execute a fragment
	execCmd := &cobra.Command{
		Use:   "exec [code]",
		Short: "Execute a code fragment (reads stdin when no argument is given)",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runExec,
	}
	addLimitFlags(execCmd)
	execCmd.Flags().StringVar(&inputJSON, "input", "", "JSON object exposed to the code as `input`")
	root.AddCommand(execCmd)

	// Execute from file
	execFileCmd := &cobra.Command{
		Use:   "exec-file [file]",
		Short: "Execute a file; .mjs and .ts files run as modules",
		Args:  cobra.ExactArgs(1),
		RunE:  runExecFile,
	}
	addLimitFlags(execFileCmd)
	execFileCmd.Flags().BoolVar(&asModule, "module", false, "Run as a module even for .js files")
	execFileCmd.Flags().StringSliceVar(&allowRead, "allow-read", nil, "Paths the module may read")
	root.AddCommand(execFileCmd)

	moduleCmd := &cobra.Command{
		Use:   "module [code]",
		Short: "Execute a module program with URL imports",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runModule,
	}
	addLimitFlags(moduleCmd)
	moduleCmd.Flags().StringSliceVar(&allowRead, "allow-read", nil, "Paths the module may read")
	root.AddCommand(moduleCmd)

	root.AddCommand(&cobra.Command{
		Use:   "validate [code]",
		Short: "Type-check code without running it",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runValidate,
	})

	parseCmd := &cobra.Command{
		Use:   "parse [file]",
		Short: "Print the ESTree AST of a file (or stdin)",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runParse,
	}
	parseCmd.Flags().StringVar(&sourceTyp, "source-type", "module", "module, script or unambiguous")
	root.AddCommand(parseCmd)

	root.AddCommand(&cobra.Command{
		Use:   "generate [ast.json]",
		Short: "Generate source from an ESTree AST document",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runGenerate,
	})

	roundtripCmd := &cobra.Command{
		Use:   "roundtrip [file]",
		Short: "Check that parse, generate, reparse preserves the tree",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runRoundtrip,
	}
	roundtripCmd.Flags().StringVar(&sourceTyp, "source-type", "module", "module, script or unambiguous")
	root.AddCommand(roundtripCmd)

	// Health check
	root.AddCommand(&cobra.Command{
		Use:       "health [execute|module|ast]",
		Short:     "Check server or component health",
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: []string{"execute", "module", "ast"},
		RunE:      runHealth,
	})

	// List executions
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List recent executions",
		RunE:  runList,
	}
	listCmd.Flags().StringVar(&listKind, "kind", "", "Filter by kind (script, module)")
	listCmd.Flags().IntVar(&listLimit, "limit", 20, "Maximum rows")
	root.AddCommand(listCmd)

	root.AddCommand(&cobra.Command{
		Use:   "get [id]",
		Short: "Show one execution record",
		Args:  cobra.ExactArgs(1),
		RunE:  runGet,
	})

	root.AddCommand(&cobra.Command{
		Use:   "install",
		Short: "Download the Deno interpreter locally using the server config",
		RunE:  runInstall,
	})

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func addLimitFlags(cmd *cobra.Command) {
	cmd.Flags().IntVar(&timeoutMS, "timeout-ms", 5000, "Execution timeout in milliseconds")
	cmd.Flags().IntVar(&memoryMB, "memory", 256, "Memory limit in MB")
}

func runExec(_ *cobra.Command, args []string) error {
	code, err := argOrStdin(args)
	if err != nil {
		return err
	}

	payload := map[string]any{
		"code": code,
		"config": map[string]any{
			"max_execution_time_ms": timeoutMS,
			"max_memory_mb":         memoryMB,
		},
	}
	if inputJSON != "" {
		var input map[string]any
		if err := json.Unmarshal([]byte(inputJSON), &input); err != nil {
			return fmt.Errorf("--input must be a JSON object: %w", err)
		}
		payload["input_data"] = input
	}

	return executeAndExit("/js-execute/execute", payload)
}

func runExecFile(_ *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading file: %w", err)
	}

	switch filepath.Ext(args[0]) {
	case ".mjs", ".ts", ".mts":
		asModule = true
	}
	if asModule {
		return executeModule(string(data))
	}

	return executeAndExit("/js-execute/execute", map[string]any{
		"code": string(data),
		"config": map[string]any{
			"max_execution_time_ms": timeoutMS,
			"max_memory_mb":         memoryMB,
		},
	})
}

func runModule(_ *cobra.Command, args []string) error {
	code, err := argOrStdin(args)
	if err != nil {
		return err
	}
	return executeModule(code)
}

func executeModule(code string) error {
	return executeAndExit("/js-module/execute", map[string]any{
		"code": code,
		"config": map[string]any{
			"max_execution_time_ms": timeoutMS,
			"max_memory_mb":         memoryMB,
			"max_output_size":       1 << 20,
			"allow_url_imports":     true,
			"cache_imports":         true,
			"allow_read":            allowRead,
		},
	})
}

// executeAndExit prints the result and exits 1 when the program failed.
func executeAndExit(path string, payload any) error {
	result, err := call(http.MethodPost, path, payload, 120*time.Second)
	if err != nil {
		return err
	}
	printJSON(result)

	if m, ok := result.(map[string]any); ok {
		if success, ok := m["success"].(bool); ok && !success {
			os.Exit(1)
		}
	}
	return nil
}

func runValidate(_ *cobra.Command, args []string) error {
	code, err := argOrStdin(args)
	if err != nil {
		return err
	}
	result, err := call(http.MethodPost, "/js-execute/validate", map[string]any{"code": code}, 60*time.Second)
	if err != nil {
		return err
	}
	printJSON(result)
	return nil
}

func runParse(_ *cobra.Command, args []string) error {
	code, err := fileOrStdin(args)
	if err != nil {
		return err
	}
	result, err := call(http.MethodPost, "/js-ast/parse", map[string]any{
		"code":    code,
		"options": parserOptions(),
	}, 60*time.Second)
	if err != nil {
		return err
	}
	printJSON(result)
	return nil
}

func runGenerate(_ *cobra.Command, args []string) error {
	data, err := fileOrStdin(args)
	if err != nil {
		return err
	}
	var ast map[string]any
	if err := json.Unmarshal([]byte(data), &ast); err != nil {
		return fmt.Errorf("AST document is not a JSON object: %w", err)
	}
	// Accept a parse response as well as a bare tree.
	if inner, ok := ast["ast"].(map[string]any); ok {
		ast = inner
	}

	result, err := call(http.MethodPost, "/js-ast/generate", map[string]any{"ast": ast}, 60*time.Second)
	if err != nil {
		return err
	}
	if m, ok := result.(map[string]any); ok {
		if code, ok := m["code"].(string); ok {
			fmt.Print(code)
			return nil
		}
	}
	printJSON(result)
	return nil
}

func runRoundtrip(_ *cobra.Command, args []string) error {
	code, err := fileOrStdin(args)
	if err != nil {
		return err
	}
	result, err := call(http.MethodPost, "/js-ast/roundtrip", map[string]any{
		"code":           code,
		"parser_options": parserOptions(),
	}, 120*time.Second)
	if err != nil {
		return err
	}

	m, _ := result.(map[string]any)
	fmt.Printf("success:  %v\nis_valid: %v\ntotal:    %vms\n", m["success"], m["is_valid"], m["total_time_ms"])
	if msg, ok := m["error"].(string); ok && msg != "" {
		fmt.Printf("error:    %s\n", msg)
	}
	if valid, _ := m["is_valid"].(bool); !valid {
		os.Exit(1)
	}
	return nil
}

func parserOptions() map[string]any {
	return map[string]any{
		"ecma_version": "latest",
		"source_type":  sourceTyp,
	}
}

func runHealth(_ *cobra.Command, args []string) error {
	path := "/health"
	if len(args) == 1 {
		switch args[0] {
		case "execute":
			path = "/js-execute/health"
		case "module":
			path = "/js-module/health"
		case "ast":
			path = "/js-ast/health"
		default:
			return fmt.Errorf("unknown component %q", args[0])
		}
	}

	result, err := call(http.MethodGet, path, nil, 60*time.Second)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	printJSON(result)
	return nil
}

func runList(_ *cobra.Command, _ []string) error {
	q := url.Values{}
	if listKind != "" {
		q.Set("kind", listKind)
	}
	q.Set("limit", strconv.Itoa(listLimit))

	result, err := call(http.MethodGet, "/executions?"+q.Encode(), nil, 10*time.Second)
	if err != nil {
		return err
	}
	printJSON(result)
	return nil
}

func runGet(_ *cobra.Command, args []string) error {
	result, err := call(http.MethodGet, "/executions/"+url.PathEscape(args[0]), nil, 10*time.Second)
	if err != nil {
		return err
	}
	printJSON(result)
	return nil
}

func runInstall(_ *cobra.Command, _ []string) error {
	cfg, err := loadLocalConfig()
	if err != nil {
		return err
	}

	prov := deno.NewProvisioner(cfg.ProvisionerConfig())
	ok, err := prov.Install(context.Background())
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("deno binary missing after install")
	}
	fmt.Printf("deno v%s at %s\n", prov.Version(), prov.BinaryPath())
	return nil
}

func loadLocalConfig() (*config.Config, error) {
	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = "configs/config.yaml"
	}
	if _, err := os.Stat(path); err == nil {
		return config.Load(path)
	}
	return config.FromEnv()
}

// call sends an optional JSON body and decodes any JSON reply, including
// error bodies, so the server's error code is shown to the user.
func call(method, path string, payload any, timeout time.Duration) (any, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, serverURL+path, body)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}

	client := &http.Client{Timeout: timeout}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	var result any
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decoding response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode >= 400 {
		printJSON(result)
		return nil, fmt.Errorf("server returned %s", resp.Status)
	}
	return result, nil
}

func printJSON(v any) {
	formatted, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(formatted))
}

func argOrStdin(args []string) (string, error) {
	if len(args) > 0 {
		return args[0], nil
	}
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", fmt.Errorf("reading stdin: %w", err)
	}
	return string(data), nil
}

func fileOrStdin(args []string) (string, error) {
	if len(args) > 0 {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return "", fmt.Errorf("reading file: %w", err)
		}
		return string(data), nil
	}
	return argOrStdin(nil)
}
