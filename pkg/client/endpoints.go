package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/nooterra/nooterra/pkg/chainstore"
	"github.com/nooterra/nooterra/pkg/parity"
	"github.com/nooterra/nooterra/pkg/toolcall"
)

func argError(field, format string, args ...any) error {
	return &toolcall.ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

func requireArg(value, name string) (string, error) {
	v := strings.TrimSpace(value)
	if v == "" {
		return "", argError(name, "%s must be a non-empty string", name)
	}
	return v, nil
}

func requireBody(body map[string]any) error {
	if body == nil {
		return argError("body", "body is required")
	}
	return nil
}

// segment escapes a path segment so that only unreserved characters stay
// literal.
func segment(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}

// querySuffix renders the allowed, non-empty keys of q in the given order.
func querySuffix(q map[string]string, allowed ...string) string {
	values := url.Values{}
	for _, k := range allowed {
		if v, ok := q[k]; ok && v != "" {
			values.Set(k, v)
		}
	}
	if len(values) == 0 {
		return ""
	}
	return "?" + values.Encode()
}

// RegisterAgent calls POST /agents/register.
func (c *Client) RegisterAgent(ctx context.Context, body map[string]any, opts RequestOptions) (*Response, error) {
	if err := requireBody(body); err != nil {
		return nil, err
	}
	pem, _ := body["publicKeyPem"].(string)
	if _, err := requireArg(pem, "body.publicKeyPem"); err != nil {
		return nil, err
	}
	return c.Request(ctx, http.MethodPost, "/agents/register", body, opts)
}

// CreditAgentWallet calls POST /agents/{agentId}/wallet/credit.
func (c *Client) CreditAgentWallet(ctx context.Context, agentID string, body map[string]any, opts RequestOptions) (*Response, error) {
	id, err := requireArg(agentID, "agent_id")
	if err != nil {
		return nil, err
	}
	if err := requireBody(body); err != nil {
		return nil, err
	}
	return c.Request(ctx, http.MethodPost, "/agents/"+segment(id)+"/wallet/credit", body, opts)
}

// GetAgentWallet calls GET /agents/{agentId}/wallet.
func (c *Client) GetAgentWallet(ctx context.Context, agentID string, opts RequestOptions) (*Response, error) {
	id, err := requireArg(agentID, "agent_id")
	if err != nil {
		return nil, err
	}
	return c.Request(ctx, http.MethodGet, "/agents/"+segment(id)+"/wallet", nil, opts)
}

// CreateAgentRun calls POST /agents/{agentId}/runs. A nil body sends {}.
func (c *Client) CreateAgentRun(ctx context.Context, agentID string, body map[string]any, opts RequestOptions) (*Response, error) {
	id, err := requireArg(agentID, "agent_id")
	if err != nil {
		return nil, err
	}
	if body == nil {
		body = map[string]any{}
	}
	resp, err := c.Request(ctx, http.MethodPost, "/agents/"+segment(id)+"/runs", body, opts)
	if err != nil {
		return nil, err
	}
	if runID, head := runHead(resp); runID != "" && head != "" {
		c.recordHead(ctx, runID, "", head)
	}
	return resp, nil
}

// AppendAgentRunEvent calls POST /agents/{agentId}/runs/{runId}/events.
// The event must chain onto expectedPrevChainHash; when it is blank and a
// chain store is attached, the stored head is used.
func (c *Client) AppendAgentRunEvent(ctx context.Context, agentID, runID string, body map[string]any, expectedPrevChainHash string, opts RequestOptions) (*Response, error) {
	aid, err := requireArg(agentID, "agent_id")
	if err != nil {
		return nil, err
	}
	rid, err := requireArg(runID, "run_id")
	if err != nil {
		return nil, err
	}
	prev := strings.TrimSpace(expectedPrevChainHash)
	if prev == "" && c.chain != nil {
		if prev, err = c.chain.Head(ctx, rid); err != nil {
			return nil, err
		}
	}
	if _, err := requireArg(prev, "expected_prev_chain_hash"); err != nil {
		return nil, err
	}
	if err := requireBody(body); err != nil {
		return nil, err
	}
	eventType, _ := body["type"].(string)
	if _, err := requireArg(eventType, "body.type"); err != nil {
		return nil, err
	}

	opts.ExpectedPrevChainHash = prev
	resp, err := c.Request(ctx, http.MethodPost, "/agents/"+segment(aid)+"/runs/"+segment(rid)+"/events", body, opts)
	if err != nil {
		return nil, err
	}
	if _, head := runHead(resp); head != "" {
		c.recordHead(ctx, rid, prev, head)
	}
	return resp, nil
}

// GetAgentRun calls GET /agents/{agentId}/runs/{runId}.
func (c *Client) GetAgentRun(ctx context.Context, agentID, runID string, opts RequestOptions) (*Response, error) {
	aid, err := requireArg(agentID, "agent_id")
	if err != nil {
		return nil, err
	}
	rid, err := requireArg(runID, "run_id")
	if err != nil {
		return nil, err
	}
	return c.Request(ctx, http.MethodGet, "/agents/"+segment(aid)+"/runs/"+segment(rid), nil, opts)
}

// ListAgentRunEvents calls GET /agents/{agentId}/runs/{runId}/events.
func (c *Client) ListAgentRunEvents(ctx context.Context, agentID, runID string, opts RequestOptions) (*Response, error) {
	aid, err := requireArg(agentID, "agent_id")
	if err != nil {
		return nil, err
	}
	rid, err := requireArg(runID, "run_id")
	if err != nil {
		return nil, err
	}
	return c.Request(ctx, http.MethodGet, "/agents/"+segment(aid)+"/runs/"+segment(rid)+"/events", nil, opts)
}

// GetRunVerification calls GET /runs/{runId}/verification.
func (c *Client) GetRunVerification(ctx context.Context, runID string, opts RequestOptions) (*Response, error) {
	rid, err := requireArg(runID, "run_id")
	if err != nil {
		return nil, err
	}
	return c.Request(ctx, http.MethodGet, "/runs/"+segment(rid)+"/verification", nil, opts)
}

// GetRunSettlement calls GET /runs/{runId}/settlement.
func (c *Client) GetRunSettlement(ctx context.Context, runID string, opts RequestOptions) (*Response, error) {
	rid, err := requireArg(runID, "run_id")
	if err != nil {
		return nil, err
	}
	return c.Request(ctx, http.MethodGet, "/runs/"+segment(rid)+"/settlement", nil, opts)
}

// ResolveRunSettlement calls POST /runs/{runId}/settlement/resolve.
func (c *Client) ResolveRunSettlement(ctx context.Context, runID string, body map[string]any, opts RequestOptions) (*Response, error) {
	rid, err := requireArg(runID, "run_id")
	if err != nil {
		return nil, err
	}
	if err := requireBody(body); err != nil {
		return nil, err
	}
	return c.Request(ctx, http.MethodPost, "/runs/"+segment(rid)+"/settlement/resolve", body, opts)
}

// AppendSessionEvent calls POST /sessions/{sessionId}/events. The endpoint
// rejects writes without an idempotency key, so one is generated when blank.
func (c *Client) AppendSessionEvent(ctx context.Context, sessionID string, body map[string]any, opts RequestOptions) (*Response, error) {
	sid, err := requireArg(sessionID, "session_id")
	if err != nil {
		return nil, err
	}
	if err := requireBody(body); err != nil {
		return nil, err
	}
	if strings.TrimSpace(opts.IdempotencyKey) == "" {
		opts.IdempotencyKey = parity.NewRequestID()
	}
	return c.Request(ctx, http.MethodPost, "/sessions/"+segment(sid)+"/events", body, opts)
}

// SessionEventsQuery filters ListSessionEvents and StreamSessionEvents.
// Limit and Offset are ignored by the stream.
type SessionEventsQuery struct {
	EventType    string
	SinceEventID string
	Limit        int
	Offset       int
}

func (q SessionEventsQuery) values() map[string]string {
	out := map[string]string{"eventType": q.EventType, "sinceEventId": q.SinceEventID}
	if q.Limit > 0 {
		out["limit"] = fmt.Sprint(q.Limit)
	}
	if q.Offset > 0 {
		out["offset"] = fmt.Sprint(q.Offset)
	}
	return out
}

// ListSessionEvents calls GET /sessions/{sessionId}/events.
func (c *Client) ListSessionEvents(ctx context.Context, sessionID string, q SessionEventsQuery, opts RequestOptions) (*Response, error) {
	sid, err := requireArg(sessionID, "session_id")
	if err != nil {
		return nil, err
	}
	suffix := querySuffix(q.values(), "eventType", "limit", "offset", "sinceEventId")
	return c.Request(ctx, http.MethodGet, "/sessions/"+segment(sid)+"/events"+suffix, nil, opts)
}

// OpsLockToolCallHold calls POST /ops/tool-calls/holds/lock.
func (c *Client) OpsLockToolCallHold(ctx context.Context, body map[string]any, opts RequestOptions) (*Response, error) {
	if err := requireBody(body); err != nil {
		return nil, err
	}
	return c.Request(ctx, http.MethodPost, "/ops/tool-calls/holds/lock", body, opts)
}

// ToolCallOpenArbitration calls POST /tool-calls/arbitration/open.
func (c *Client) ToolCallOpenArbitration(ctx context.Context, body map[string]any, opts RequestOptions) (*Response, error) {
	if err := requireBody(body); err != nil {
		return nil, err
	}
	return c.Request(ctx, http.MethodPost, "/tool-calls/arbitration/open", body, opts)
}

// ToolCallSubmitArbitrationVerdict calls POST /tool-calls/arbitration/verdict.
func (c *Client) ToolCallSubmitArbitrationVerdict(ctx context.Context, body map[string]any, opts RequestOptions) (*Response, error) {
	if err := requireBody(body); err != nil {
		return nil, err
	}
	return c.Request(ctx, http.MethodPost, "/tool-calls/arbitration/verdict", body, opts)
}

// GetArtifact calls GET /artifacts/{artifactId}.
func (c *Client) GetArtifact(ctx context.Context, artifactID string, opts RequestOptions) (*Response, error) {
	id, err := requireArg(artifactID, "artifact_id")
	if err != nil {
		return nil, err
	}
	return c.Request(ctx, http.MethodGet, "/artifacts/"+segment(id), nil, opts)
}

// runHead reads body.run.runId and body.run.lastChainHash.
func runHead(resp *Response) (runID, head string) {
	run, _ := resp.Object()["run"].(map[string]any)
	runID, _ = run["runId"].(string)
	head, _ = run["lastChainHash"].(string)
	return runID, head
}

// recordHead advances the attached chain store. The server has already
// accepted the event, so a failure here is logged and not returned.
func (c *Client) recordHead(ctx context.Context, runID, prev, next string) {
	if c.chain == nil {
		return
	}
	if err := c.chain.Advance(ctx, runID, prev, next); err != nil {
		msg := "chain head not recorded"
		if errors.Is(err, chainstore.ErrConflict) {
			msg = "chain head moved concurrently"
		}
		c.logger.WarnContext(ctx, msg, "run_id", runID, "error", err)
	}
}
