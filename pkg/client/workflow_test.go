package client

import (
	"context"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nooterra/nooterra/pkg/toolcall"
)

// runServer answers the endpoints FirstVerifiedRun touches, advancing a fake
// chain head on every run event.
func runServer() func(w http.ResponseWriter, r *http.Request, body map[string]any) {
	heads := []string{hashA, hashB, hashC, hashD}
	var next int
	advance := func() string {
		h := heads[next]
		next++
		return h
	}
	return func(w http.ResponseWriter, r *http.Request, body map[string]any) {
		path := r.URL.Path
		switch {
		case path == "/agents/register":
			name, _ := body["displayName"].(string)
			writeJSON(w, 201, map[string]any{"agentIdentity": map[string]any{"agentId": "agt_" + name}})
		case strings.HasSuffix(path, "/wallet/credit"):
			writeJSON(w, 201, map[string]any{"wallet": map[string]any{"availableCents": 1000}})
		case strings.HasSuffix(path, "/runs") && r.Method == http.MethodPost:
			resp := map[string]any{"run": map[string]any{"runId": "run_1", "lastChainHash": advance()}}
			if s, ok := body["settlement"]; ok {
				resp["settlement"] = s
			}
			writeJSON(w, 201, resp)
		case strings.HasSuffix(path, "/events"):
			writeJSON(w, 201, map[string]any{"run": map[string]any{"runId": "run_1", "lastChainHash": advance()}})
		case path == "/runs/run_1/verification":
			writeJSON(w, 200, map[string]any{"verification": map[string]any{"verificationStatus": "green"}})
		case path == "/runs/run_1/settlement":
			writeJSON(w, 200, map[string]any{"settlement": map[string]any{"status": "released"}})
		default:
			writeJSON(w, 200, map[string]any{"run": map[string]any{"runId": "run_1", "status": "completed"}})
		}
	}
}

func TestFirstVerifiedRun_WithSettlement(t *testing.T) {
	c, api := newTestClient(t, runServer())

	res, err := c.FirstVerifiedRun(context.Background(), FirstVerifiedRunParams{
		PayeeAgent:        map[string]any{"displayName": "payee", "publicKeyPem": "PEM-PAYEE"},
		PayerAgent:        map[string]any{"displayName": "payer", "publicKeyPem": "PEM-PAYER"},
		PayerCredit:       &CreditParams{AmountCents: 1000},
		Settlement:        &RunSettlement{AmountCents: 500},
		IdempotencyPrefix: "fvr",
		RequestIDPrefix:   "req_fvr",
	})
	require.NoError(t, err)
	assert.Equal(t, "run_1", res.RunID)
	assert.Equal(t, "agt_payee", res.PayeeAgentID)
	assert.Equal(t, "agt_payer", res.PayerAgentID)
	require.NotNil(t, res.Settlement)

	seen := api.requests()
	steps := []string{
		"register_payee", "register_payer", "credit_payer_wallet", "create_run",
		"run_started", "evidence_added", "run_completed",
		"get_run", "get_verification", "get_settlement",
	}
	require.Len(t, seen, len(steps))
	for i, step := range steps {
		assert.Equal(t, "fvr_"+step, seen[i].Header.Get("x-idempotency-key"), step)
		assert.Equal(t, "req_fvr_"+step, seen[i].Header.Get("x-request-id"), step)
	}

	assert.Equal(t, "/agents/agt_payer/wallet/credit", seen[2].URI)
	assert.Equal(t, map[string]any{"amountCents": float64(1000), "currency": "USD"}, seen[2].Body)
	assert.Equal(t, map[string]any{"payerAgentId": "agt_payer", "amountCents": float64(500), "currency": "USD"}, seen[3].Body["settlement"])

	// Each event chains onto the head returned by the previous step.
	assert.Equal(t, hashA, seen[4].Header.Get("x-proxy-expected-prev-chain-hash"))
	assert.Equal(t, hashB, seen[5].Header.Get("x-proxy-expected-prev-chain-hash"))
	assert.Equal(t, hashC, seen[6].Header.Get("x-proxy-expected-prev-chain-hash"))

	assert.Equal(t, "RUN_STARTED", seen[4].Body["type"])
	assert.Equal(t, map[string]any{"type": "agent", "id": "agt_payee"}, seen[4].Body["actor"])
	assert.Equal(t, map[string]any{"evidenceRef": "evidence://run_1/output.json"}, seen[5].Body["payload"])
	assert.Equal(t, map[string]any{"outputRef": "evidence://run_1/output.json"}, seen[6].Body["payload"])
}

func TestFirstVerifiedRun_WithoutSettlement(t *testing.T) {
	c, api := newTestClient(t, runServer())

	res, err := c.FirstVerifiedRun(context.Background(), FirstVerifiedRunParams{
		PayeeAgent: map[string]any{"displayName": "payee", "publicKeyPem": "PEM"},
	})
	require.NoError(t, err)
	assert.Nil(t, res.Settlement)
	assert.Nil(t, res.PayerRegistration)

	seen := api.requests()
	require.Len(t, seen, 7)
	key := seen[0].Header.Get("x-idempotency-key")
	assert.True(t, strings.HasPrefix(key, "sdk_first_verified_run_"), key)
	assert.True(t, strings.HasSuffix(key, "_register_payee"), key)
}

func TestFirstVerifiedRun_ValidatesBeforeSending(t *testing.T) {
	c, api := newTestClient(t, runServer())
	ctx := context.Background()

	_, err := c.FirstVerifiedRun(ctx, FirstVerifiedRunParams{})
	assert.ErrorIs(t, err, toolcall.ErrValidation)

	_, err = c.FirstVerifiedRun(ctx, FirstVerifiedRunParams{PayeeAgent: map[string]any{"displayName": "payee"}})
	assert.EqualError(t, err, "params.payee_agent.publicKeyPem must be a non-empty string")
	assert.Empty(t, api.requests())

	_, err = c.FirstVerifiedRun(ctx, FirstVerifiedRunParams{
		PayeeAgent:  map[string]any{"displayName": "payee", "publicKeyPem": "PEM"},
		PayerCredit: &CreditParams{AmountCents: 10},
	})
	assert.EqualError(t, err, "params.payer_agent is required when params.payer_credit is provided")
}
