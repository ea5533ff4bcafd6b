package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nooterra/nooterra/pkg/parity"
	"github.com/nooterra/nooterra/pkg/sse"
)

// StreamOptions configures an event stream connection.
type StreamOptions struct {
	RequestID string
	// LastEventID resumes the stream after the given event.
	LastEventID string
	// Timeout bounds the wait for response headers only; an open stream
	// lives until ctx is done or Close is called.
	Timeout time.Duration
}

// EventStream is an open text/event-stream response.
type EventStream struct {
	RequestID string
	Status    int
	Headers   map[string]string

	reader *sse.Reader
	body   io.ReadCloser
	cancel context.CancelFunc
	once   sync.Once
}

// Next returns the next event, or io.EOF when the server closed the stream.
func (s *EventStream) Next() (*sse.Event, error) {
	return s.reader.Next()
}

// All yields events until the stream ends.
func (s *EventStream) All() iter.Seq2[*sse.Event, error] {
	return s.reader.All()
}

// Close releases the connection. It is safe to call more than once.
func (s *EventStream) Close() error {
	var err error
	s.once.Do(func() {
		s.cancel()
		err = s.body.Close()
	})
	return err
}

// StreamSessionEvents opens GET /sessions/{sessionId}/events/stream.
func (c *Client) StreamSessionEvents(ctx context.Context, sessionID string, q SessionEventsQuery, opts StreamOptions) (*EventStream, error) {
	sid, err := requireArg(sessionID, "session_id")
	if err != nil {
		return nil, err
	}
	suffix := querySuffix(q.values(), "eventType", "sinceEventId")
	return c.openStream(ctx, "/sessions/"+segment(sid)+"/events/stream"+suffix, opts)
}

// AgentCardsQuery filters StreamPublicAgentCards. Nil pointers and blank
// strings are omitted.
type AgentCardsQuery struct {
	Capability               string
	ToolID                   string
	ToolMcpName              string
	ToolRiskClass            string
	ToolSideEffecting        *bool
	ToolMaxPriceCents        *int64
	ToolRequiresEvidenceKind string
	Status                   string
	ExecutionCoordinatorDID  string
	Runtime                  string
	SinceCursor              string
}

func (q AgentCardsQuery) values() map[string]string {
	out := map[string]string{
		"capability":               q.Capability,
		"toolId":                   q.ToolID,
		"toolMcpName":              q.ToolMcpName,
		"toolRiskClass":            q.ToolRiskClass,
		"toolRequiresEvidenceKind": q.ToolRequiresEvidenceKind,
		"status":                   q.Status,
		"executionCoordinatorDid":  q.ExecutionCoordinatorDID,
		"runtime":                  q.Runtime,
		"sinceCursor":              q.SinceCursor,
	}
	if q.ToolSideEffecting != nil {
		out["toolSideEffecting"] = strconv.FormatBool(*q.ToolSideEffecting)
	}
	if q.ToolMaxPriceCents != nil {
		out["toolMaxPriceCents"] = strconv.FormatInt(*q.ToolMaxPriceCents, 10)
	}
	return out
}

// StreamPublicAgentCards opens GET /public/agent-cards/stream.
func (c *Client) StreamPublicAgentCards(ctx context.Context, q AgentCardsQuery, opts StreamOptions) (*EventStream, error) {
	suffix := querySuffix(q.values(),
		"capability", "toolId", "toolMcpName", "toolRiskClass", "toolSideEffecting",
		"toolMaxPriceCents", "toolRequiresEvidenceKind", "status",
		"executionCoordinatorDid", "runtime", "sinceCursor",
	)
	return c.openStream(ctx, "/public/agent-cards/stream"+suffix, opts)
}

func (c *Client) openStream(ctx context.Context, path string, opts StreamOptions) (*EventStream, error) {
	requestID := firstNonBlank(opts.RequestID)
	if requestID == "" {
		requestID = parity.NewRequestID()
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("nooterra: rate limiter: %w", err)
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(path), nil)
	if err != nil {
		cancel()
		return nil, err
	}
	req.Header.Set("accept", "text/event-stream")
	c.setCommonHeaders(req, requestID)
	if id := strings.TrimSpace(opts.LastEventID); id != "" {
		req.Header.Set("last-event-id", id)
	}

	timeout := c.timeout
	if opts.Timeout > 0 {
		timeout = opts.Timeout
	}
	timer := time.AfterFunc(timeout, cancel)
	resp, err := c.httpClient.Do(req)
	if !timer.Stop() && err == nil {
		// The header deadline fired while the response was being returned.
		_ = resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("nooterra: stream %s: %w", path, context.DeadlineExceeded)
	}
	if err != nil {
		cancel()
		return nil, err
	}

	headers := flattenHeaders(resp.Header)
	if resp.StatusCode >= 400 {
		defer cancel()
		defer func() { _ = resp.Body.Close() }()
		data, readErr := io.ReadAll(resp.Body)
		if readErr != nil && !errors.Is(readErr, io.EOF) {
			return nil, fmt.Errorf("nooterra: read response: %w", readErr)
		}
		body := decodeBody(data)
		if body == nil {
			body = map[string]any{}
		}
		return nil, apiErrorFrom(&rawResponse{status: resp.StatusCode, headers: headers, body: body, requestID: headers["x-request-id"]})
	}
	if err := c.checkProtocol(headers, requestID); err != nil {
		_ = resp.Body.Close()
		cancel()
		return nil, err
	}

	c.logger.DebugContext(ctx, "event stream opened", "path", path, "status", resp.StatusCode, "request_id", requestID)
	return &EventStream{
		RequestID: firstNonBlank(headers["x-request-id"], requestID),
		Status:    resp.StatusCode,
		Headers:   headers,
		reader:    sse.NewReader(resp.Body),
		body:      resp.Body,
		cancel:    cancel,
	}, nil
}
