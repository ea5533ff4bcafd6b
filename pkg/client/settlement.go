package client

import (
	"context"

	"github.com/nooterra/nooterra/pkg/canonicalize"
	"github.com/nooterra/nooterra/pkg/toolcall"
)

func requireHash(value, name string) (string, error) {
	h, ok := canonicalize.NormalizeSHA256Hex(value)
	if !ok {
		return "", argError(name, "%s must be sha256 hex", name)
	}
	return h, nil
}

// HoldResult is a locked hold together with the request that locked it.
type HoldResult struct {
	Request  *toolcall.HoldRequest
	Response *Response
	// Hold is body.hold of the response, when present.
	Hold any
}

// CreateHold validates p and locks the hold. Nothing is sent when
// validation fails.
func (c *Client) CreateHold(ctx context.Context, p toolcall.HoldParams, opts RequestOptions) (*HoldResult, error) {
	hr, err := c.builder.BuildHoldRequest(p)
	if err != nil {
		return nil, err
	}
	resp, err := c.OpsLockToolCallHold(ctx, hr.Body, opts)
	if err != nil {
		return nil, err
	}
	return &HoldResult{Request: hr, Response: resp, Hold: resp.Object()["hold"]}, nil
}

// SettleParams describes a settlement and the hold that secures it.
type SettleParams struct {
	Agreement     *toolcall.Agreement
	Evidence      *toolcall.Evidence
	AgreementHash string
	EvidenceHash  string
	// ReceiptHash replaces the computed receipt digest when set.
	ReceiptHash       string
	PayerAgentID      string
	PayeeAgentID      string
	AmountCents       int64
	Currency          string
	SettledAt         string
	HoldbackBps       int
	ChallengeWindowMs int64
}

// SettleResult links the receipt reference to the locked hold.
type SettleResult struct {
	AgreementHash string
	ReceiptHash   string
	ReceiptRef    *toolcall.Artifact
	Hold          any
	HoldRequest   *toolcall.HoldRequest
	HoldResponse  *Response
}

// Settle builds the receipt reference and locks a hold against it. Both
// artifacts are validated before the hold request is sent.
func (c *Client) Settle(ctx context.Context, p SettleParams, opts RequestOptions) (*SettleResult, error) {
	ref, err := c.builder.BuildReceiptRef(toolcall.ReceiptParams{
		Agreement:     p.Agreement,
		Evidence:      p.Evidence,
		AgreementHash: p.AgreementHash,
		EvidenceHash:  p.EvidenceHash,
		AmountCents:   p.AmountCents,
		Currency:      p.Currency,
		SettledAt:     p.SettledAt,
	})
	if err != nil {
		return nil, err
	}
	receiptHash := ref.Hash
	if p.ReceiptHash != "" {
		if receiptHash, err = requireHash(p.ReceiptHash, "receiptHash"); err != nil {
			return nil, err
		}
	}
	agreementHash := ref.String("agreementHash")

	hold, err := c.CreateHold(ctx, toolcall.HoldParams{
		AgreementHash:     agreementHash,
		ReceiptHash:       receiptHash,
		PayerAgentID:      p.PayerAgentID,
		PayeeAgentID:      p.PayeeAgentID,
		AmountCents:       p.AmountCents,
		Currency:          ref.String("currency"),
		HoldbackBps:       p.HoldbackBps,
		ChallengeWindowMs: p.ChallengeWindowMs,
	}, opts)
	if err != nil {
		return nil, err
	}
	return &SettleResult{
		AgreementHash: agreementHash,
		ReceiptHash:   receiptHash,
		ReceiptRef:    ref,
		Hold:          hold.Hold,
		HoldRequest:   hold.Request,
		HoldResponse:  hold.Response,
	}, nil
}

// DisputeParams opens arbitration on a held settlement. Unless Envelope is
// supplied or AdminOverride is enabled, a dispute-open envelope is built
// from the signer fields.
type DisputeParams struct {
	AgreementHash   string
	ReceiptHash     string
	HoldHash        string
	ArbiterAgentID  string
	Summary         string
	EvidenceRefs    []string
	AdminOverride   map[string]any
	Envelope        *toolcall.Artifact
	OpenedByAgentID string

	SignerKeyID string
	Signature   string
	CaseID      string
	EnvelopeID  string
	ReasonCode  string
	Nonce       string
	OpenedAt    string
	TenantID    string
}

// DisputeResult is the arbitration response and the envelope that was sent.
type DisputeResult struct {
	Envelope *toolcall.Artifact
	Response *Response
}

// OpenDispute validates p, builds the envelope when needed, and opens
// arbitration.
func (c *Client) OpenDispute(ctx context.Context, p DisputeParams, opts RequestOptions) (*DisputeResult, error) {
	agreementHash, err := requireHash(p.AgreementHash, "agreementHash")
	if err != nil {
		return nil, err
	}
	receiptHash, err := requireHash(p.ReceiptHash, "receiptHash")
	if err != nil {
		return nil, err
	}
	holdHash, err := requireHash(p.HoldHash, "holdHash")
	if err != nil {
		return nil, err
	}
	arbiter, err := requireArg(p.ArbiterAgentID, "arbiterAgentId")
	if err != nil {
		return nil, err
	}
	summary, err := requireArg(p.Summary, "summary")
	if err != nil {
		return nil, err
	}
	overrideEnabled, _ := p.AdminOverride["enabled"].(bool)

	openedBy := firstNonBlank(p.OpenedByAgentID)
	if openedBy == "" && p.Envelope != nil {
		openedBy = firstNonBlank(p.Envelope.String("openedByAgentId"))
	}
	envelope := p.Envelope
	if envelope == nil && !overrideEnabled {
		if openedBy == "" {
			return nil, argError("openedByAgentId", "openedByAgentId is required when disputeOpenEnvelope is not provided")
		}
		envelope, err = c.BuildDisputeOpenEnvelope(toolcall.EnvelopeParams{
			AgreementHash:   agreementHash,
			ReceiptHash:     receiptHash,
			HoldHash:        holdHash,
			OpenedByAgentID: openedBy,
			SignerKeyID:     p.SignerKeyID,
			Signature:       p.Signature,
			CaseID:          p.CaseID,
			EnvelopeID:      p.EnvelopeID,
			ReasonCode:      p.ReasonCode,
			Nonce:           p.Nonce,
			OpenedAt:        p.OpenedAt,
			TenantID:        p.TenantID,
		})
		if err != nil {
			return nil, err
		}
	}

	refs := make([]string, 0, len(p.EvidenceRefs))
	refs = append(refs, p.EvidenceRefs...)
	body := map[string]any{
		"agreementHash":  agreementHash,
		"receiptHash":    receiptHash,
		"holdHash":       holdHash,
		"arbiterAgentId": arbiter,
		"summary":        summary,
		"evidenceRefs":   refs,
	}
	if openedBy != "" {
		body["openedByAgentId"] = openedBy
	}
	if envelope != nil {
		body["disputeOpenEnvelope"] = envelope
	}
	if p.AdminOverride != nil {
		body["adminOverride"] = p.AdminOverride
	}

	resp, err := c.ToolCallOpenArbitration(ctx, body, opts)
	if err != nil {
		return nil, err
	}
	return &DisputeResult{Envelope: envelope, Response: resp}, nil
}

// BuildDisputeOpenEnvelope builds an envelope with the client's tenant as
// the default tenantId.
func (c *Client) BuildDisputeOpenEnvelope(p toolcall.EnvelopeParams) (*toolcall.Artifact, error) {
	return c.builder.BuildDisputeOpenEnvelope(p)
}
