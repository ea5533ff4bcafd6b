package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nooterra/nooterra/pkg/chainstore"
	"github.com/nooterra/nooterra/pkg/parity"
	"github.com/nooterra/nooterra/pkg/toolcall"
)

var (
	hashA = strings.Repeat("a", 64)
	hashB = strings.Repeat("b", 64)
	hashC = strings.Repeat("c", 64)
	hashD = strings.Repeat("d", 64)
)

type seenRequest struct {
	Method string
	URI    string
	Header http.Header
	Body   map[string]any
}

// fakeAPI records every request and answers through handle.
type fakeAPI struct {
	mu     sync.Mutex
	seen   []seenRequest
	handle func(w http.ResponseWriter, r *http.Request, body map[string]any)
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	data, _ := io.ReadAll(r.Body)
	var body map[string]any
	if len(data) > 0 {
		_ = json.Unmarshal(data, &body)
	}
	f.mu.Lock()
	f.seen = append(f.seen, seenRequest{Method: r.Method, URI: r.RequestURI, Header: r.Header.Clone(), Body: body})
	f.mu.Unlock()
	f.handle(w, r, body)
}

func (f *fakeAPI) requests() []seenRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]seenRequest(nil), f.seen...)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newTestClient(t *testing.T, handle func(w http.ResponseWriter, r *http.Request, body map[string]any), opts ...Option) (*Client, *fakeAPI) {
	t.Helper()
	api := &fakeAPI{handle: handle}
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)
	base := []Option{
		WithAPIKey("sk_test"),
		WithXAPIKey("xk_test"),
		WithOpsToken("ops_test"),
		WithUserAgent("nooterra-go-test"),
		WithClock(func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }),
	}
	c, err := New(srv.URL+"/", "tenant_1", append(base, opts...)...)
	require.NoError(t, err)
	return c, api
}

func TestNew_Validation(t *testing.T) {
	_, err := New(" ", "tenant")
	assert.Error(t, err)
	_, err = New("http://x", "")
	assert.Error(t, err)
	_, err = New("http://x", "t", WithProtocol("not-a-version"))
	assert.Error(t, err)
	_, err = New("http://x", "t", WithProtocolConstraint(">>>"))
	assert.Error(t, err)
	_, err = New("http://x", "t", WithTimeout(0))
	assert.Error(t, err)
	c, err := New("http://x/", "t", WithRateLimit(5, 0))
	require.NoError(t, err)
	assert.NotNil(t, c.limiter)
	assert.Equal(t, "http://x/agents", c.url("/agents"))
}

func TestRequest_Headers(t *testing.T) {
	c, api := newTestClient(t, func(w http.ResponseWriter, _ *http.Request, _ map[string]any) {
		w.Header().Set("x-request-id", "req_server")
		writeJSON(w, 201, map[string]any{"ok": true, "n": 12345678901234567})
	})

	resp, err := c.Request(context.Background(), "post", "/sessions/s/events", map[string]any{"type": "X"}, RequestOptions{
		RequestID:             "req_client",
		IdempotencyKey:        "idem_1",
		ExpectedPrevChainHash: hashA,
		PrincipalID:           " principal_1 ",
	})
	require.NoError(t, err)
	assert.True(t, resp.OK)
	assert.Equal(t, 201, resp.Status)
	assert.Equal(t, "req_server", resp.RequestID)
	assert.Equal(t, json.Number("12345678901234567"), resp.Object()["n"])
	assert.Equal(t, "req_server", resp.Headers["x-request-id"])

	seen := api.requests()
	require.Len(t, seen, 1)
	h := seen[0].Header
	assert.Equal(t, "POST", seen[0].Method)
	assert.Equal(t, "/sessions/s/events", seen[0].URI)
	assert.Equal(t, "application/json", h.Get("content-type"))
	assert.Equal(t, "tenant_1", h.Get("x-proxy-tenant-id"))
	assert.Equal(t, "1.0", h.Get("x-nooterra-protocol"))
	assert.Equal(t, "req_client", h.Get("x-request-id"))
	assert.Equal(t, "nooterra-go-test", h.Get("user-agent"))
	assert.Equal(t, "Bearer sk_test", h.Get("authorization"))
	assert.Equal(t, "xk_test", h.Get("x-api-key"))
	assert.Equal(t, "ops_test", h.Get("x-proxy-ops-token"))
	assert.Equal(t, "idem_1", h.Get("x-idempotency-key"))
	assert.Equal(t, hashA, h.Get("x-proxy-expected-prev-chain-hash"))
	assert.Equal(t, "principal_1", h.Get("x-proxy-principal-id"))
	assert.Equal(t, map[string]any{"type": "X"}, seen[0].Body)
}

func TestRequest_ErrorMapping(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		code    string
		message string
		details any
	}{
		{"json error", 409, `{"code":"CHAIN_CONFLICT","error":"head moved","details":{"head":"x"}}`, "CHAIN_CONFLICT", "head moved", map[string]any{"head": "x"}},
		{"non json", 502, `<html>bad gateway</html>`, "", "request failed (502)", nil},
		{"empty", 404, ``, "", "request failed (404)", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestClient(t, func(w http.ResponseWriter, _ *http.Request, _ map[string]any) {
				w.Header().Set("x-request-id", "req_e")
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			})
			_, err := c.GetAgentWallet(context.Background(), "agt_1", RequestOptions{})
			var apiErr *APIError
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, tt.status, apiErr.Status)
			assert.Equal(t, tt.code, apiErr.Code)
			assert.Equal(t, tt.message, apiErr.Message)
			assert.Equal(t, "req_e", apiErr.RequestID)
			if tt.details != nil {
				assert.Equal(t, tt.details, apiErr.Details)
			}
		})
	}
}

func TestRequest_NonJSONSuccess(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, _ *http.Request, _ map[string]any) {
		_, _ = io.WriteString(w, "plain text")
	})
	resp, err := c.GetArtifact(context.Background(), "art_1", RequestOptions{})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"raw": "plain text"}, resp.Body)
}

func TestEndpoints_PathsAndValidation(t *testing.T) {
	c, api := newTestClient(t, func(w http.ResponseWriter, _ *http.Request, _ map[string]any) {
		writeJSON(w, 200, map[string]any{})
	})
	ctx := context.Background()

	_, err := c.CreditAgentWallet(ctx, "agt/1 x", map[string]any{"amountCents": 5}, RequestOptions{})
	require.NoError(t, err)
	_, err = c.CreateAgentRun(ctx, "agt_1", nil, RequestOptions{})
	require.NoError(t, err)
	_, err = c.ListSessionEvents(ctx, "sess_1", SessionEventsQuery{EventType: "TASK", Limit: 10}, RequestOptions{})
	require.NoError(t, err)
	_, err = c.ResolveRunSettlement(ctx, "run:1", map[string]any{"status": "released"}, RequestOptions{})
	require.NoError(t, err)

	seen := api.requests()
	require.Len(t, seen, 4)
	assert.Equal(t, "/agents/agt%2F1%20x/wallet/credit", seen[0].URI)
	assert.Equal(t, map[string]any{}, seen[1].Body)
	assert.Equal(t, "/sessions/sess_1/events?eventType=TASK&limit=10", seen[2].URI)
	assert.Equal(t, "/runs/run%3A1/settlement/resolve", seen[3].URI)

	_, err = c.RegisterAgent(ctx, map[string]any{"displayName": "x"}, RequestOptions{})
	assert.ErrorIs(t, err, toolcall.ErrValidation)
	assert.EqualError(t, err, "body.publicKeyPem must be a non-empty string")

	_, err = c.GetAgentRun(ctx, "agt_1", " ", RequestOptions{})
	assert.ErrorIs(t, err, toolcall.ErrValidation)

	_, err = c.AppendAgentRunEvent(ctx, "agt_1", "run_1", map[string]any{"type": "X"}, "", RequestOptions{})
	assert.EqualError(t, err, "expected_prev_chain_hash must be a non-empty string")

	_, err = c.AppendAgentRunEvent(ctx, "agt_1", "run_1", map[string]any{}, hashA, RequestOptions{})
	assert.EqualError(t, err, "body.type must be a non-empty string")

	_, err = c.OpsLockToolCallHold(ctx, nil, RequestOptions{})
	assert.EqualError(t, err, "body is required")

	assert.Len(t, api.requests(), 4)
}

func TestAppendSessionEvent_DefaultsIdempotencyKey(t *testing.T) {
	c, api := newTestClient(t, func(w http.ResponseWriter, _ *http.Request, _ map[string]any) {
		writeJSON(w, 201, map[string]any{})
	})
	_, err := c.AppendSessionEvent(context.Background(), "sess_1", map[string]any{"type": "X"}, RequestOptions{})
	require.NoError(t, err)
	_, err = c.AppendSessionEvent(context.Background(), "sess_1", map[string]any{"type": "X"}, RequestOptions{IdempotencyKey: "mine"})
	require.NoError(t, err)

	seen := api.requests()
	assert.True(t, strings.HasPrefix(seen[0].Header.Get("x-idempotency-key"), "req_"))
	assert.Equal(t, "mine", seen[1].Header.Get("x-idempotency-key"))
}

func TestAppendAgentRunEvent_ChainStore(t *testing.T) {
	store := chainstore.NewMemoryStore()
	heads := []string{hashA, hashB, hashC}
	var n int
	c, api := newTestClient(t, func(w http.ResponseWriter, _ *http.Request, _ map[string]any) {
		head := heads[n]
		n++
		writeJSON(w, 201, map[string]any{"run": map[string]any{"runId": "run_1", "lastChainHash": head}})
	}, WithChainStore(store))
	ctx := context.Background()

	_, err := c.CreateAgentRun(ctx, "agt_1", nil, RequestOptions{})
	require.NoError(t, err)
	_, err = c.AppendAgentRunEvent(ctx, "agt_1", "run_1", map[string]any{"type": "RUN_STARTED"}, "", RequestOptions{})
	require.NoError(t, err)
	_, err = c.AppendAgentRunEvent(ctx, "agt_1", "run_1", map[string]any{"type": "RUN_COMPLETED"}, "", RequestOptions{})
	require.NoError(t, err)

	seen := api.requests()
	assert.Equal(t, hashA, seen[1].Header.Get("x-proxy-expected-prev-chain-hash"))
	assert.Equal(t, hashB, seen[2].Header.Get("x-proxy-expected-prev-chain-hash"))
	head, err := store.Head(ctx, "run_1")
	require.NoError(t, err)
	assert.Equal(t, hashC, head)
}

func TestSettle(t *testing.T) {
	c, api := newTestClient(t, func(w http.ResponseWriter, _ *http.Request, body map[string]any) {
		writeJSON(w, 201, map[string]any{"hold": map[string]any{"holdHash": hashD, "status": "held"}})
	})
	ctx := context.Background()

	_, err := c.Settle(ctx, SettleParams{
		AgreementHash: hashA,
		PayerAgentID:  "agt_same",
		PayeeAgentID:  "agt_same",
		AmountCents:   500,
	}, RequestOptions{})
	require.ErrorIs(t, err, toolcall.ErrValidation)
	assert.Empty(t, api.requests())

	res, err := c.Settle(ctx, SettleParams{
		AgreementHash:     hashA,
		EvidenceHash:      hashB,
		PayerAgentID:      "agt_payer",
		PayeeAgentID:      "agt_payee",
		AmountCents:       500,
		HoldbackBps:       2000,
		ChallengeWindowMs: 60000,
	}, RequestOptions{IdempotencyKey: "idem_settle"})
	require.NoError(t, err)
	assert.Equal(t, hashA, res.AgreementHash)
	assert.Equal(t, res.ReceiptRef.Hash, res.ReceiptHash)
	assert.Equal(t, "2026-01-02T03:04:05.000Z", res.ReceiptRef.String("settledAt"))
	assert.Equal(t, map[string]any{"holdHash": hashD, "status": "held"}, res.Hold)

	seen := api.requests()
	require.Len(t, seen, 1)
	assert.Equal(t, "/ops/tool-calls/holds/lock", seen[0].URI)
	assert.Equal(t, res.ReceiptHash, seen[0].Body["receiptHash"])
	assert.Equal(t, "USD", seen[0].Body["currency"])
	assert.Equal(t, float64(2000), seen[0].Body["holdbackBps"])
	assert.NotContains(t, seen[0].Body, "schemaVersion")
	assert.Equal(t, "idem_settle", seen[0].Header.Get("x-idempotency-key"))

	res, err = c.Settle(ctx, SettleParams{
		AgreementHash: hashA,
		ReceiptHash:   strings.ToUpper(hashC),
		PayerAgentID:  "agt_payer",
		PayeeAgentID:  "agt_payee",
		AmountCents:   1,
	}, RequestOptions{})
	require.NoError(t, err)
	assert.Equal(t, hashC, res.ReceiptHash)
}

func TestOpenDispute(t *testing.T) {
	c, api := newTestClient(t, func(w http.ResponseWriter, _ *http.Request, _ map[string]any) {
		writeJSON(w, 201, map[string]any{"case": map[string]any{"caseId": "arb_1"}})
	})
	ctx := context.Background()
	base := DisputeParams{
		AgreementHash:  hashA,
		ReceiptHash:    hashB,
		HoldHash:       hashC,
		ArbiterAgentID: "agt_arbiter",
		Summary:        "output did not match acceptance criteria",
	}

	_, err := c.OpenDispute(ctx, base, RequestOptions{})
	assert.EqualError(t, err, "openedByAgentId is required when disputeOpenEnvelope is not provided")

	p := base
	p.OpenedByAgentID = "agt_payer"
	p.SignerKeyID = "key_1"
	p.Signature = "sig_base64"
	p.Nonce = "nonce_fixed"
	p.EvidenceRefs = []string{"evidence://run_1/output.json"}
	res, err := c.OpenDispute(ctx, p, RequestOptions{})
	require.NoError(t, err)
	require.NotNil(t, res.Envelope)
	assert.Equal(t, "tenant_1", res.Envelope.String("tenantId"))
	assert.Equal(t, "arb_case_tc_"+hashA, res.Envelope.String("caseId"))

	body := api.requests()[0].Body
	assert.Equal(t, "agt_payer", body["openedByAgentId"])
	assert.Equal(t, []any{"evidence://run_1/output.json"}, body["evidenceRefs"])
	sent, ok := body["disputeOpenEnvelope"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, res.Envelope.Hash, sent["envelopeHash"])
	assert.Equal(t, "sig_base64", sent["signature"])

	override := base
	override.AdminOverride = map[string]any{"enabled": true, "reason": "ops"}
	res, err = c.OpenDispute(ctx, override, RequestOptions{})
	require.NoError(t, err)
	assert.Nil(t, res.Envelope)
	body = api.requests()[1].Body
	assert.NotContains(t, body, "disputeOpenEnvelope")
	assert.Equal(t, []any{}, body["evidenceRefs"])
	assert.Equal(t, map[string]any{"enabled": true, "reason": "ops"}, body["adminOverride"])
}

func TestHTTPParityAdapter_RetriesThroughClient(t *testing.T) {
	var calls int
	c, api := newTestClient(t, func(w http.ResponseWriter, _ *http.Request, _ map[string]any) {
		calls++
		if calls < 3 {
			writeJSON(w, 503, map[string]any{"code": "UNAVAILABLE", "error": "try later"})
			return
		}
		writeJSON(w, 201, map[string]any{"hold": map[string]any{"status": "held"}})
	})
	a, err := c.NewHTTPParityAdapter(parity.Config{Sleep: func(context.Context, time.Duration) error { return nil }})
	require.NoError(t, err)

	cat, err := parity.DefaultCatalog()
	require.NoError(t, err)
	res, err := cat.Invoke(context.Background(), a, "tool_calls.holds.lock", map[string]any{
		"agreementHash": hashA,
		"receiptHash":   hashB,
		"payerAgentId":  "agt_payer",
		"payeeAgentId":  "agt_payee",
		"amountCents":   500,
	}, parity.InvokeOptions{IdempotencyKey: "idem_hold"})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, 201, res.Status)

	seen := api.requests()
	require.Len(t, seen, 3)
	for _, r := range seen {
		assert.Equal(t, "idem_hold", r.Header.Get("x-idempotency-key"))
		assert.Equal(t, seen[0].Header.Get("x-request-id"), r.Header.Get("x-request-id"))
	}
}

func TestHTTPParityAdapter_RejectionCarriesServerCode(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, _ *http.Request, _ map[string]any) {
		w.Header().Set("x-request-id", "req_srv")
		writeJSON(w, 400, map[string]any{"code": "SCHEMA_INVALID", "error": "bad", "details": map[string]any{"path": "type"}})
	})
	a, err := c.NewHTTPParityAdapter(parity.Config{})
	require.NoError(t, err)
	_, err = a.Invoke(context.Background(), parity.Operation{OperationID: "runs.create", Method: "POST", Path: "/agents/{agentId}/runs"},
		map[string]any{}, parity.InvokeOptions{IdempotencyKey: "k", PathParams: map[string]string{"agentId": "agt_1"}})
	pe, ok := parity.AsError(err)
	require.True(t, ok)
	assert.Equal(t, 400, pe.Status)
	assert.Equal(t, "SCHEMA_INVALID", pe.Code)
	assert.Equal(t, "bad", pe.Message)
	assert.Equal(t, "req_srv", pe.RequestID)
	assert.Equal(t, map[string]any{"path": "type"}, pe.Details)
	assert.False(t, pe.Retryable)
}

func TestProtocolConstraint(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, _ *http.Request, _ map[string]any) {
		w.Header().Set("x-nooterra-protocol", "2.1")
		writeJSON(w, 200, map[string]any{})
	}, WithProtocolConstraint(">= 1.0, < 2.0"))

	_, err := c.GetRunVerification(context.Background(), "run_1", RequestOptions{})
	var pm *ProtocolMismatchError
	require.ErrorAs(t, err, &pm)
	assert.Equal(t, "2.1", pm.Server)

	_, err = c.DoWire(context.Background(), parity.WireCall{Method: "GET", Path: "/runs/run_1/verification"})
	pe, ok := parity.AsError(err)
	require.True(t, ok)
	assert.Equal(t, "PROTOCOL_MISMATCH", pe.Code)
}

func TestRequest_TransportError(t *testing.T) {
	c, err := New("http://127.0.0.1:1", "tenant_1", WithTimeout(time.Second))
	require.NoError(t, err)
	_, err = c.GetAgentWallet(context.Background(), "agt_1", RequestOptions{})
	require.Error(t, err)
	var apiErr *APIError
	assert.False(t, errors.As(err, &apiErr))
}
