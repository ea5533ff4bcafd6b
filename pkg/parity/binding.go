package parity

import (
	"context"
	"time"
)

// Request is one logical invocation. The same Request, with the same
// RequestID and IdempotencyKey, is handed to the binding on every attempt.
type Request struct {
	OperationID           string
	Method                string
	Path                  string
	ToolName              string
	Payload               map[string]any
	RequestID             string
	IdempotencyKey        string
	ExpectedPrevChainHash string
	Timeout               time.Duration
}

// Binding performs a single attempt. A non-nil error means the attempt never
// produced a reply (connection failure, timeout); business rejections come
// back as a Reply.
type Binding interface {
	Transport() Transport
	Dispatch(ctx context.Context, req *Request) (Reply, error)
}

// WireCall is the single-attempt request handed to a WireDoer.
type WireCall struct {
	Method                string
	Path                  string
	Body                  any
	RequestID             string
	IdempotencyKey        string
	ExpectedPrevChainHash string
	Timeout               time.Duration
}

// WireDoer sends one HTTP request. An HTTP error status is a reply, not an
// error.
type WireDoer interface {
	DoWire(ctx context.Context, call WireCall) (*HTTPReply, error)
}

// WireBinding dispatches over a WireDoer.
type WireBinding struct {
	Doer WireDoer
}

func (b WireBinding) Transport() Transport { return TransportHTTP }

func (b WireBinding) Dispatch(ctx context.Context, req *Request) (Reply, error) {
	reply, err := b.Doer.DoWire(ctx, WireCall{
		Method:                req.Method,
		Path:                  req.Path,
		Body:                  req.Payload,
		RequestID:             req.RequestID,
		IdempotencyKey:        req.IdempotencyKey,
		ExpectedPrevChainHash: req.ExpectedPrevChainHash,
		Timeout:               req.Timeout,
	})
	if err != nil {
		return nil, err
	}
	if reply == nil {
		return nil, nil
	}
	return reply, nil
}

// ToolCall is the argument record passed to a CallToolFunc.
type ToolCall struct {
	OperationID           string            `json:"operationId"`
	Payload               map[string]any    `json:"payload"`
	RequestID             string            `json:"requestId"`
	IdempotencyKey        string            `json:"idempotencyKey,omitempty"`
	ExpectedPrevChainHash string            `json:"expectedPrevChainHash,omitempty"`
	TimeoutSeconds        float64           `json:"timeoutSeconds,omitempty"`
	Headers               map[string]string `json:"headers"`
}

// CallToolFunc invokes a named tool. ctx carries cancellation.
type CallToolFunc func(ctx context.Context, toolName string, call ToolCall) (*RPCReply, error)

// RPCBinding dispatches through a caller-supplied tool-call function.
type RPCBinding struct {
	Call CallToolFunc
}

func (b RPCBinding) Transport() Transport { return TransportMCP }

func (b RPCBinding) Dispatch(ctx context.Context, req *Request) (Reply, error) {
	if b.Call == nil {
		return nil, &Error{Status: 400, Kind: KindMCPCallRequired, Message: "call_tool function is required"}
	}
	headers := map[string]string{"x-request-id": req.RequestID}
	if req.IdempotencyKey != "" {
		headers["x-idempotency-key"] = req.IdempotencyKey
	}
	if req.ExpectedPrevChainHash != "" {
		headers["x-proxy-expected-prev-chain-hash"] = req.ExpectedPrevChainHash
	}
	reply, err := b.Call(ctx, req.ToolName, ToolCall{
		OperationID:           req.OperationID,
		Payload:               req.Payload,
		RequestID:             req.RequestID,
		IdempotencyKey:        req.IdempotencyKey,
		ExpectedPrevChainHash: req.ExpectedPrevChainHash,
		TimeoutSeconds:        req.Timeout.Seconds(),
		Headers:               headers,
	})
	if err != nil {
		return nil, err
	}
	if reply == nil {
		return nil, nil
	}
	return reply, nil
}
