package parity

import (
	"errors"
	"fmt"
	"log/slog"
)

// Kind is the fixed failure taxonomy shared by every transport.
type Kind string

const (
	KindOperationInvalid              Kind = "OPERATION_INVALID"
	KindPayloadRequired               Kind = "PAYLOAD_REQUIRED"
	KindRequiredFieldMissing          Kind = "REQUIRED_FIELD_MISSING"
	KindSHA256FieldInvalid            Kind = "SHA256_FIELD_INVALID"
	KindIdempotencyKeyRequired        Kind = "IDEMPOTENCY_KEY_REQUIRED"
	KindExpectedPrevChainHashRequired Kind = "EXPECTED_PREV_CHAIN_HASH_REQUIRED"
	KindMCPCallRequired               Kind = "MCP_CALL_REQUIRED"
	KindResponseInvalid               Kind = "RESPONSE_INVALID"
	KindTransportError                Kind = "TRANSPORT_ERROR"
	KindRequestRejected               Kind = "REQUEST_REJECTED"
)

// Kinds lists the taxonomy in declaration order.
var Kinds = []Kind{
	KindOperationInvalid,
	KindPayloadRequired,
	KindRequiredFieldMissing,
	KindSHA256FieldInvalid,
	KindIdempotencyKeyRequired,
	KindExpectedPrevChainHashRequired,
	KindMCPCallRequired,
	KindResponseInvalid,
	KindTransportError,
	KindRequestRejected,
}

// DefaultReasonCodes maps every kind to its PARITY_-prefixed reason code.
// The returned map is a fresh copy.
func DefaultReasonCodes() map[Kind]string {
	out := make(map[Kind]string, len(Kinds))
	for _, k := range Kinds {
		out[k] = "PARITY_" + string(k)
	}
	return out
}

// Error is the single error type returned by Invoke. Kind is the taxonomy
// entry; Code is the reported reason code, which for server rejections is the
// server's own code when it sent one.
type Error struct {
	Status         int
	Kind           Kind
	Code           string
	Message        string
	Details        any
	RequestID      string
	Retryable      bool
	Attempts       int
	IdempotencyKey string
	Transport      Transport
	OperationID    string

	cause error
}

func (e *Error) Error() string {
	if e.OperationID != "" {
		return fmt.Sprintf("parity %s %s: %s (status %d, code %s, attempts %d)",
			e.Transport, e.OperationID, e.Message, e.Status, e.Code, e.Attempts)
	}
	return fmt.Sprintf("parity %s: %s (status %d, code %s)", e.Transport, e.Message, e.Status, e.Code)
}

func (e *Error) Unwrap() error { return e.cause }

// Map flattens the error for logs and telemetry.
func (e *Error) Map() map[string]any {
	return map[string]any{
		"status":         e.Status,
		"code":           e.Code,
		"kind":           string(e.Kind),
		"message":        e.Message,
		"details":        e.Details,
		"requestId":      e.RequestID,
		"retryable":      e.Retryable,
		"attempts":       e.Attempts,
		"idempotencyKey": e.IdempotencyKey,
		"transport":      string(e.Transport),
		"operationId":    e.OperationID,
	}
}

// LogValue implements slog.LogValuer.
func (e *Error) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("status", e.Status),
		slog.String("code", e.Code),
		slog.String("kind", string(e.Kind)),
		slog.String("message", e.Message),
		slog.String("request_id", e.RequestID),
		slog.Bool("retryable", e.Retryable),
		slog.Int("attempts", e.Attempts),
		slog.String("transport", string(e.Transport)),
		slog.String("operation_id", e.OperationID),
	)
}

// AsError extracts a *Error from err's chain.
func AsError(err error) (*Error, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// IsKind reports whether err is a parity error of the given kind.
func IsKind(err error, kind Kind) bool {
	pe, ok := AsError(err)
	return ok && pe.Kind == kind
}

// ErrNegativeDelay is returned when a delay function yields a negative wait.
var ErrNegativeDelay = errors.New("parity: retry delay must be non-negative")
