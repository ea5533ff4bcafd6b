package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/nooterra/nooterra/pkg/parity"
)

// paramFlag collects repeated key=value flags.
type paramFlag map[string]string

func (p paramFlag) String() string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+p[k])
	}
	return strings.Join(parts, ",")
}

func (p paramFlag) Set(v string) error {
	k, val, ok := strings.Cut(v, "=")
	if !ok || strings.TrimSpace(k) == "" {
		return fmt.Errorf("expected key=value, got %q", v)
	}
	p[strings.TrimSpace(k)] = val
	return nil
}

func loadCatalog(path string) (*parity.Catalog, error) {
	if path == "" {
		return parity.DefaultCatalog()
	}
	return parity.LoadCatalogFile(path)
}

func writeJSON(w io.Writer, v any) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		_, _ = fmt.Fprintf(w, "%v\n", v)
		return
	}
	_, _ = fmt.Fprintln(w, string(out))
}

// runInvokeCmd invokes one catalog operation through the HTTP parity
// adapter. A failure prints the flat error record to stderr.
func runInvokeCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("invoke", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	params := paramFlag{}
	var (
		opID, payload, payloadFile string
		catalogPath                string
		opts                       parity.InvokeOptions
		profile, profilesDir       string
	)
	cmd.StringVar(&opID, "op", "", "catalog operation id (REQUIRED)")
	cmd.StringVar(&payload, "payload", "", "payload as JSON (default {})")
	cmd.StringVar(&payloadFile, "payload-file", "", "read the payload from a JSON file (- for stdin)")
	cmd.Var(params, "param", "path parameter key=value (repeatable)")
	cmd.StringVar(&catalogPath, "catalog", "", "catalog YAML/JSON file (default built-in)")
	cmd.StringVar(&opts.IdempotencyKey, "idempotency-key", "", "idempotency key (default generated)")
	cmd.StringVar(&opts.ExpectedPrevChainHash, "prev-chain-hash", "", "expected previous chain hash")
	cmd.StringVar(&opts.RequestID, "request-id", "", "request id (default generated)")
	cmd.DurationVar(&opts.Timeout, "timeout", 0, "per-attempt timeout (default from config)")
	cmd.StringVar(&profile, "profile", "", "configuration profile")
	cmd.StringVar(&profilesDir, "profiles-dir", "", "directory holding profile_<name>.yaml")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if opID == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --op is required")
		return 2
	}

	var body any = map[string]any{}
	var err error
	switch {
	case payloadFile != "":
		data, rerr := readInput(payloadFile)
		if rerr != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", rerr)
			return 2
		}
		body, err = decodeJSON(data)
	case payload != "":
		body, err = decodeJSON([]byte(payload))
	}
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: payload is not valid JSON: %v\n", err)
		return 2
	}
	opts.PathParams = params
	if opts.IdempotencyKey == "" {
		opts.IdempotencyKey = parity.NewRequestID()
	}

	catalog, err := loadCatalog(catalogPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := setupRuntime(ctx, profile, profilesDir, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer rt.Close()

	c, err := rt.client()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	adapter, err := c.NewHTTPParityAdapter(rt.cfg.ParityConfig())
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	start := time.Now()
	res, err := catalog.Invoke(ctx, adapter, opID, body, opts)
	if err != nil {
		if pe, ok := parity.AsError(err); ok {
			writeJSON(stderr, pe.Map())
		} else {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		}
		return 1
	}
	rt.logger.Debug("operation invoked", "operation_id", opID, "attempts", res.Attempts, "elapsed", time.Since(start))
	writeJSON(stdout, res)
	return 0
}

func runOpsCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("ops", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	catalogPath := cmd.String("catalog", "", "catalog YAML/JSON file (default built-in)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	catalog, err := loadCatalog(*catalogPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	for _, op := range catalog.Operations() {
		_, _ = fmt.Fprintf(stdout, "%-36s %-6s %-40s %s\n", op.OperationID, strings.ToUpper(op.Method), op.Path, op.ToolName)
	}
	return 0
}
