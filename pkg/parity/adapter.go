// Package parity invokes platform operations identically over HTTP and over
// MCP-style tool calls.
//
// An Adapter resolves an Operation template, validates the payload before any
// network activity, dispatches through a Binding, classifies failures with a
// RetryPolicy and retries with a stable idempotency key. Every failure that
// leaves Invoke is a *Error; a negative retry delay or a cancelled context
// ends the loop with the last attempt's *Error wrapping ErrNegativeDelay or
// ctx.Err().
package parity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

// DefaultMaxAttempts is used when Config.MaxAttempts is zero.
const DefaultMaxAttempts = 3

// Tracker wraps an operation in a span and RED metrics.
// *observability.Provider satisfies it.
type Tracker interface {
	TrackOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error))
}

// Config is read-only after NewAdapter returns.
type Config struct {
	// MaxAttempts defaults to DefaultMaxAttempts; negative values are rejected.
	MaxAttempts int
	Policy      RetryPolicy
	// ReasonCodes overrides the reported code per kind. Missing kinds fall
	// back to DefaultReasonCodes.
	ReasonCodes map[Kind]string
	// Delay is consulted between attempts. Nil means no wait.
	Delay   DelayFunc
	Logger  *slog.Logger
	Tracker Tracker
	// Sleep waits between attempts. It must return early with ctx.Err() when
	// ctx is done.
	Sleep func(ctx context.Context, d time.Duration) error
}

// InvokeOptions carries per-call metadata. Blank values are treated as absent.
type InvokeOptions struct {
	RequestID             string
	IdempotencyKey        string
	ExpectedPrevChainHash string
	Timeout               time.Duration
	PathParams            map[string]string
}

// Result is a successful invocation.
type Result struct {
	OK             bool              `json:"ok"`
	Status         int               `json:"status"`
	RequestID      string            `json:"requestId,omitempty"`
	Body           any               `json:"body"`
	Headers        map[string]string `json:"headers"`
	Transport      Transport         `json:"transport"`
	OperationID    string            `json:"operationId"`
	IdempotencyKey string            `json:"idempotencyKey,omitempty"`
	Attempts       int               `json:"attempts"`
}

// Adapter is safe for concurrent use.
type Adapter struct {
	binding     Binding
	maxAttempts int
	classifier  *retryClassifier
	reasonCodes map[Kind]string
	delay       DelayFunc
	logger      *slog.Logger
	tracker     Tracker
	sleep       func(ctx context.Context, d time.Duration) error
}

// NewAdapter validates cfg and binds it to a transport.
func NewAdapter(binding Binding, cfg Config) (*Adapter, error) {
	if binding == nil {
		return nil, errors.New("parity: binding is required")
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if maxAttempts < 1 {
		return nil, fmt.Errorf("parity: max attempts must be a positive integer, got %d", cfg.MaxAttempts)
	}
	classifier, err := cfg.Policy.compile()
	if err != nil {
		return nil, err
	}

	codes := DefaultReasonCodes()
	for k, v := range cfg.ReasonCodes {
		if strings.TrimSpace(v) != "" {
			codes[k] = v
		}
	}

	a := &Adapter{
		binding:     binding,
		maxAttempts: maxAttempts,
		classifier:  classifier,
		reasonCodes: codes,
		delay:       cfg.Delay,
		logger:      cfg.Logger,
		tracker:     cfg.Tracker,
		sleep:       cfg.Sleep,
	}
	if a.logger == nil {
		a.logger = slog.Default().With("component", "parity", "transport", string(binding.Transport()))
	}
	if a.sleep == nil {
		a.sleep = sleepContext
	}
	return a, nil
}

// NewHTTPAdapter binds an adapter to a WireDoer.
func NewHTTPAdapter(doer WireDoer, cfg Config) (*Adapter, error) {
	if doer == nil {
		return nil, errors.New("parity: wire doer is required")
	}
	return NewAdapter(WireBinding{Doer: doer}, cfg)
}

// NewMCPAdapter binds an adapter to a tool-call function. A nil call is
// accepted; every invocation then fails with MCP_CALL_REQUIRED.
func NewMCPAdapter(call CallToolFunc, cfg Config) (*Adapter, error) {
	return NewAdapter(RPCBinding{Call: call}, cfg)
}

// Transport returns the adapter's transport.
func (a *Adapter) Transport() Transport { return a.binding.Transport() }

// Invoke validates payload against op and dispatches it, retrying retryable
// failures. Validation failures are returned before the binding is called.
func (a *Adapter) Invoke(ctx context.Context, op Operation, payload any, opts InvokeOptions) (res *Result, err error) {
	transport := a.binding.Transport()
	idempotencyKey := strings.TrimSpace(opts.IdempotencyKey)
	prevChainHash := strings.TrimSpace(opts.ExpectedPrevChainHash)

	d, resolveErr := Resolve(op, transport)
	if resolveErr != nil {
		return nil, a.invalid(KindOperationInvalid, resolveErr.Error(), strings.TrimSpace(op.OperationID), idempotencyKey, nil)
	}
	requestID := strings.TrimSpace(opts.RequestID)
	if requestID == "" {
		requestID = NewRequestID()
	}

	body, fail := validatePayload(d, payload, idempotencyKey, prevChainHash)
	if fail != nil {
		return nil, a.invalid(fail.kind, fail.message, d.OperationID, idempotencyKey, fail.details)
	}

	req := &Request{
		OperationID:           d.OperationID,
		ToolName:              d.ToolName,
		Method:                d.Method,
		Payload:               body,
		RequestID:             requestID,
		IdempotencyKey:        idempotencyKey,
		ExpectedPrevChainHash: prevChainHash,
		Timeout:               opts.Timeout,
	}
	if transport == TransportHTTP {
		path, pathErr := d.ExpandPath(opts.PathParams)
		if pathErr != nil {
			return nil, a.invalid(KindOperationInvalid, pathErr.Error(), d.OperationID, idempotencyKey, nil)
		}
		req.Path = path
	}

	if a.tracker != nil {
		var done func(error)
		ctx, done = a.tracker.TrackOperation(ctx, "parity.invoke",
			attribute.String("parity.transport", string(transport)),
			attribute.String("parity.operation_id", d.OperationID),
		)
		defer func() { done(err) }()
	}

	return a.run(ctx, req)
}

func (a *Adapter) run(ctx context.Context, req *Request) (*Result, error) {
	transport := a.binding.Transport()
	for attempt := 1; ; attempt++ {
		env, perr := a.attempt(ctx, req)
		if perr == nil {
			a.logger.DebugContext(ctx, "operation succeeded",
				"operation_id", req.OperationID,
				"request_id", req.RequestID,
				"status", env.Status,
				"attempts", attempt,
			)
			return &Result{
				OK:             true,
				Status:         env.Status,
				RequestID:      env.RequestID,
				Body:           env.Body,
				Headers:        env.Headers,
				Transport:      transport,
				OperationID:    req.OperationID,
				IdempotencyKey: req.IdempotencyKey,
				Attempts:       attempt,
			}, nil
		}

		perr.Attempts = attempt
		perr.Retryable = a.classifier.retryable(perr, attempt)
		if !perr.Retryable || attempt >= a.maxAttempts {
			a.logger.WarnContext(ctx, "operation failed", "error", perr)
			return nil, perr
		}

		var wait time.Duration
		if a.delay != nil {
			wait = a.delay(attempt)
		}
		if wait < 0 {
			perr.Retryable = false
			perr.cause = errors.Join(perr.cause, fmt.Errorf("%w: %s after attempt %d", ErrNegativeDelay, wait, attempt))
			a.logger.ErrorContext(ctx, "retry delay rejected", "error", perr, "delay", wait)
			return nil, perr
		}
		a.logger.InfoContext(ctx, "retrying operation",
			"operation_id", req.OperationID,
			"request_id", req.RequestID,
			"status", perr.Status,
			"code", perr.Code,
			"attempt", attempt,
			"delay", wait,
		)
		if err := a.sleep(ctx, wait); err != nil {
			perr.cause = errors.Join(perr.cause, err)
			return nil, perr
		}
	}
}

// attempt performs one dispatch and returns either a normalized reply or a
// fully stamped *Error.
func (a *Adapter) attempt(ctx context.Context, req *Request) (*envelope, *Error) {
	reply, err := a.binding.Dispatch(ctx, req)

	var perr *Error
	switch {
	case err != nil:
		perr = a.coerce(err, req)
	case reply == nil:
		perr = &Error{Status: 502, Kind: KindResponseInvalid, Message: "transport response must be an object", RequestID: req.RequestID}
	default:
		var env *envelope
		env, perr = reply.normalize(req)
		if perr == nil {
			return env, nil
		}
	}

	if perr.Code == "" {
		perr.Code = a.reasonCodes[perr.Kind]
	}
	if perr.RequestID == "" {
		perr.RequestID = req.RequestID
	}
	perr.Transport = a.binding.Transport()
	perr.OperationID = req.OperationID
	perr.IdempotencyKey = req.IdempotencyKey
	return nil, perr
}

// coerce turns anything a binding returned into a *Error. Unknown failures
// become TRANSPORT_ERROR with status 0.
func (a *Adapter) coerce(err error, req *Request) *Error {
	if pe, ok := AsError(err); ok {
		out := *pe
		if out.Kind == "" {
			out.Kind = KindRequestRejected
		}
		out.cause = err
		return &out
	}
	message := err.Error()
	if message == "" {
		message = "transport error"
	}
	return &Error{
		Status:    0,
		Kind:      KindTransportError,
		Message:   message,
		Details:   map[string]any{"causeName": fmt.Sprintf("%T", err)},
		RequestID: req.RequestID,
		cause:     err,
	}
}

func (a *Adapter) invalid(kind Kind, message, operationID, idempotencyKey string, details any) *Error {
	return &Error{
		Status:         400,
		Kind:           kind,
		Code:           a.reasonCodes[kind],
		Message:        message,
		Details:        details,
		Retryable:      false,
		Attempts:       1,
		IdempotencyKey: idempotencyKey,
		Transport:      a.binding.Transport(),
		OperationID:    operationID,
	}
}

// NewRequestID returns a random request id of the form req_<32 hex>.
func NewRequestID() string {
	return "req_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
