package client

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nooterra/nooterra/pkg/parity"
)

// CreditParams funds the payer wallet before the run.
type CreditParams struct {
	AmountCents int64
	// Currency defaults to the settlement currency.
	Currency string
}

// RunSettlement attaches a settlement to the created run.
type RunSettlement struct {
	AmountCents int64
	Currency    string
	// PayerAgentID defaults to the registered payer.
	PayerAgentID string
}

// FirstVerifiedRunParams drives FirstVerifiedRun. Only PayeeAgent is
// required.
type FirstVerifiedRunParams struct {
	PayeeAgent       map[string]any
	PayerAgent       map[string]any
	PayerCredit      *CreditParams
	Settlement       *RunSettlement
	Run              map[string]any
	Actor            map[string]any
	StartedPayload   map[string]any
	EvidenceRef      string
	EvidencePayload  map[string]any
	CompletedPayload map[string]any
	OutputRef        string
	CompletedMetrics map[string]any

	// IdempotencyPrefix and RequestIDPrefix are suffixed with the step name.
	IdempotencyPrefix string
	RequestIDPrefix   string
	Timeout           time.Duration
}

// FirstVerifiedRunResult holds every step's response.
type FirstVerifiedRunResult struct {
	RunID        string
	PayeeAgentID string
	PayerAgentID string

	PayeeRegistration *Response
	PayerRegistration *Response
	PayerCredit       *Response
	RunCreated        *Response
	RunStarted        *Response
	RunEvidenceAdded  *Response
	RunCompleted      *Response
	Run               *Response
	Verification      *Response
	Settlement        *Response
}

// dig walks nested objects in a response body and returns the string leaf.
func dig(resp *Response, keys ...string) string {
	var cur any = resp.Body
	for _, k := range keys {
		m, ok := cur.(map[string]any)
		if !ok {
			return ""
		}
		cur = m[k]
	}
	s, _ := cur.(string)
	return s
}

func requirePublicKey(agent map[string]any, name string) error {
	pem, _ := agent["publicKeyPem"].(string)
	_, err := requireArg(pem, name+".publicKeyPem")
	return err
}

// FirstVerifiedRun registers the agents, optionally funds the payer, creates
// a run and walks it through RUN_STARTED, EVIDENCE_ADDED and RUN_COMPLETED,
// then fetches the run, its verification and, when a settlement is involved,
// the settlement. Each step uses its own request id and idempotency key
// derived from the prefixes, so a rerun with the same prefixes is safe.
func (c *Client) FirstVerifiedRun(ctx context.Context, p FirstVerifiedRunParams) (*FirstVerifiedRunResult, error) {
	if p.PayeeAgent == nil {
		return nil, argError("params.payee_agent", "params.payee_agent is required")
	}
	if err := requirePublicKey(p.PayeeAgent, "params.payee_agent"); err != nil {
		return nil, err
	}

	stepPrefix := firstNonBlank(p.IdempotencyPrefix)
	if stepPrefix == "" {
		stepPrefix = fmt.Sprintf("sdk_first_verified_run_%x_%s", time.Now().UnixMilli(), strings.ReplaceAll(uuid.NewString(), "-", "")[:6])
	}
	requestPrefix := firstNonBlank(p.RequestIDPrefix)
	if requestPrefix == "" {
		requestPrefix = parity.NewRequestID()
	}
	step := func(name string) RequestOptions {
		return RequestOptions{
			RequestID:      requestPrefix + "_" + name,
			IdempotencyKey: stepPrefix + "_" + name,
			Timeout:        p.Timeout,
		}
	}

	out := &FirstVerifiedRunResult{}
	var err error

	if out.PayeeRegistration, err = c.RegisterAgent(ctx, p.PayeeAgent, step("register_payee")); err != nil {
		return nil, err
	}
	if out.PayeeAgentID, err = requireArg(dig(out.PayeeRegistration, "agentIdentity", "agentId"), "payee_agent_id"); err != nil {
		return nil, err
	}

	if p.PayerAgent != nil {
		if err := requirePublicKey(p.PayerAgent, "params.payer_agent"); err != nil {
			return nil, err
		}
		if out.PayerRegistration, err = c.RegisterAgent(ctx, p.PayerAgent, step("register_payer")); err != nil {
			return nil, err
		}
		if out.PayerAgentID, err = requireArg(dig(out.PayerRegistration, "agentIdentity", "agentId"), "payer_agent_id"); err != nil {
			return nil, err
		}
	}

	settlementCurrency := "USD"
	settlementPayer := out.PayerAgentID
	if s := p.Settlement; s != nil {
		settlementCurrency = firstNonBlank(s.Currency, settlementCurrency)
		settlementPayer = firstNonBlank(s.PayerAgentID, settlementPayer)
		if settlementPayer == "" {
			return nil, argError("params.settlement.payerAgentId", "params.payer_agent or params.settlement.payerAgentId is required when settlement is requested")
		}
	}

	if pc := p.PayerCredit; pc != nil {
		if pc.AmountCents <= 0 {
			return nil, argError("params.payer_credit.amountCents", "params.payer_credit.amountCents must be a positive number")
		}
		if out.PayerAgentID == "" {
			return nil, argError("params.payer_agent", "params.payer_agent is required when params.payer_credit is provided")
		}
		out.PayerCredit, err = c.CreditAgentWallet(ctx, out.PayerAgentID, map[string]any{
			"amountCents": pc.AmountCents,
			"currency":    firstNonBlank(pc.Currency, settlementCurrency),
		}, step("credit_payer_wallet"))
		if err != nil {
			return nil, err
		}
	}

	runBody := make(map[string]any, len(p.Run)+1)
	for k, v := range p.Run {
		runBody[k] = v
	}
	if s := p.Settlement; s != nil {
		if s.AmountCents <= 0 {
			return nil, argError("params.settlement.amountCents", "params.settlement.amountCents must be a positive number")
		}
		runBody["settlement"] = map[string]any{
			"payerAgentId": settlementPayer,
			"amountCents":  s.AmountCents,
			"currency":     settlementCurrency,
		}
	}

	if out.RunCreated, err = c.CreateAgentRun(ctx, out.PayeeAgentID, runBody, step("create_run")); err != nil {
		return nil, err
	}
	if out.RunID, err = requireArg(dig(out.RunCreated, "run", "runId"), "run_id"); err != nil {
		return nil, err
	}
	prev, err := requireArg(dig(out.RunCreated, "run", "lastChainHash"), "run_created.body.run.lastChainHash")
	if err != nil {
		return nil, err
	}

	actor := p.Actor
	if actor == nil {
		actor = map[string]any{"type": "agent", "id": out.PayeeAgentID}
	}
	started := p.StartedPayload
	if started == nil {
		started = map[string]any{"startedBy": "sdk.first_verified_run"}
	}
	if out.RunStarted, err = c.AppendAgentRunEvent(ctx, out.PayeeAgentID, out.RunID,
		map[string]any{"type": "RUN_STARTED", "actor": actor, "payload": started}, prev, step("run_started")); err != nil {
		return nil, err
	}
	if prev, err = requireArg(dig(out.RunStarted, "run", "lastChainHash"), "run_started.body.run.lastChainHash"); err != nil {
		return nil, err
	}

	evidenceRef := firstNonBlank(p.EvidenceRef)
	if evidenceRef == "" {
		evidenceRef = "evidence://" + out.RunID + "/output.json"
	}
	evidencePayload := p.EvidencePayload
	if evidencePayload == nil {
		evidencePayload = map[string]any{"evidenceRef": evidenceRef}
	}
	if out.RunEvidenceAdded, err = c.AppendAgentRunEvent(ctx, out.PayeeAgentID, out.RunID,
		map[string]any{"type": "EVIDENCE_ADDED", "actor": actor, "payload": evidencePayload}, prev, step("evidence_added")); err != nil {
		return nil, err
	}
	if prev, err = requireArg(dig(out.RunEvidenceAdded, "run", "lastChainHash"), "run_evidence_added.body.run.lastChainHash"); err != nil {
		return nil, err
	}

	completed := make(map[string]any, len(p.CompletedPayload)+2)
	for k, v := range p.CompletedPayload {
		completed[k] = v
	}
	completed["outputRef"] = firstNonBlank(p.OutputRef, evidenceRef)
	if p.CompletedMetrics != nil {
		completed["metrics"] = p.CompletedMetrics
	}
	if out.RunCompleted, err = c.AppendAgentRunEvent(ctx, out.PayeeAgentID, out.RunID,
		map[string]any{"type": "RUN_COMPLETED", "actor": actor, "payload": completed}, prev, step("run_completed")); err != nil {
		return nil, err
	}

	if out.Run, err = c.GetAgentRun(ctx, out.PayeeAgentID, out.RunID, step("get_run")); err != nil {
		return nil, err
	}
	if out.Verification, err = c.GetRunVerification(ctx, out.RunID, step("get_verification")); err != nil {
		return nil, err
	}
	if runBody["settlement"] != nil || out.RunCreated.Object()["settlement"] != nil || out.RunCompleted.Object()["settlement"] != nil {
		if out.Settlement, err = c.GetRunSettlement(ctx, out.RunID, step("get_settlement")); err != nil {
			return nil, err
		}
	}
	return out, nil
}
