package parity

import (
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"
)

// DefaultRetryStatusCodes returns the statuses retried when a policy sets none.
func DefaultRetryStatusCodes() []int {
	return []int{408, 409, 425, 429, 500, 502, 503, 504}
}

// RetryPolicy decides which failed attempts are retried. An error with
// status <= 0 (no response) is always retryable.
//
// RetryWhen is an optional CEL expression over status, code, kind, attempt
// and transport that can mark additional errors retryable, e.g.
//
//	kind == "REQUEST_REJECTED" && code == "CHAIN_HEAD_STALE" && attempt < 2
type RetryPolicy struct {
	// StatusCodes defaults to DefaultRetryStatusCodes when nil.
	StatusCodes []int    `json:"statusCodes,omitempty" yaml:"statusCodes,omitempty"`
	Codes       []string `json:"codes,omitempty" yaml:"codes,omitempty"`
	RetryWhen   string   `json:"retryWhen,omitempty" yaml:"retryWhen,omitempty"`
}

type retryClassifier struct {
	statuses map[int]struct{}
	codes    map[string]struct{}
	when     cel.Program
}

func (p RetryPolicy) compile() (*retryClassifier, error) {
	statuses := p.StatusCodes
	if statuses == nil {
		statuses = DefaultRetryStatusCodes()
	}
	c := &retryClassifier{
		statuses: make(map[int]struct{}, len(statuses)),
		codes:    make(map[string]struct{}, len(p.Codes)),
	}
	for _, s := range statuses {
		if s < 100 || s > 599 {
			return nil, fmt.Errorf("parity: retry status codes must be valid HTTP statuses, got %d", s)
		}
		c.statuses[s] = struct{}{}
	}
	for _, code := range p.Codes {
		code = strings.ToUpper(strings.TrimSpace(code))
		if code == "" {
			return nil, fmt.Errorf("parity: retry codes must be non-empty strings")
		}
		c.codes[code] = struct{}{}
	}

	if expr := strings.TrimSpace(p.RetryWhen); expr != "" {
		prg, err := compileRetryWhen(expr)
		if err != nil {
			return nil, err
		}
		c.when = prg
	}
	return c, nil
}

func compileRetryWhen(expr string) (cel.Program, error) {
	env, err := cel.NewEnv(
		cel.Variable("status", cel.IntType),
		cel.Variable("code", cel.StringType),
		cel.Variable("kind", cel.StringType),
		cel.Variable("attempt", cel.IntType),
		cel.Variable("transport", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("parity: failed to create CEL environment: %w", err)
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("parity: retryWhen does not compile: %w", issues.Err())
	}
	if out := ast.OutputType(); !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
		return nil, fmt.Errorf("parity: retryWhen must evaluate to bool, got %s", out)
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("parity: retryWhen program: %w", err)
	}
	return prg, nil
}

func (c *retryClassifier) retryable(e *Error, attempt int) bool {
	if e.Status <= 0 {
		return true
	}
	if _, ok := c.statuses[e.Status]; ok {
		return true
	}
	if code := strings.ToUpper(strings.TrimSpace(e.Code)); code != "" {
		if _, ok := c.codes[code]; ok {
			return true
		}
	}
	if c.when == nil {
		return false
	}
	out, _, err := c.when.Eval(map[string]any{
		"status":    int64(e.Status),
		"code":      e.Code,
		"kind":      string(e.Kind),
		"attempt":   int64(attempt),
		"transport": string(e.Transport),
	})
	if err != nil {
		return false
	}
	b, ok := out.Value().(bool)
	return ok && b
}
