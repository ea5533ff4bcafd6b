package toolcall

import (
	"fmt"

	"github.com/nooterra/nooterra/pkg/canonicalize"
)

// ReceiptParams describes a settlement. Hashes fall back to the linked
// artifacts when blank; the evidence link is optional.
type ReceiptParams struct {
	Agreement     *Agreement
	Evidence      *Evidence
	AgreementHash string
	EvidenceHash  string
	AmountCents   int64
	Currency      string
	SettledAt     string
}

// BuildReceiptRef builds a ToolCallSettlementReceiptRef.v1 with its digest
// attached as receiptHash.
func (b *Builder) BuildReceiptRef(p ReceiptParams) (*Artifact, error) {
	var agreementFallback, evidenceFallback string
	if p.Agreement != nil {
		agreementFallback = p.Agreement.Hash
	}
	if p.Evidence != nil {
		evidenceFallback = p.Evidence.Hash
	}

	agreementHash, err := requireSHA256(firstNonEmpty(p.AgreementHash, agreementFallback), "agreementHash")
	if err != nil {
		return nil, err
	}
	var evidenceHash any
	if raw := firstNonEmpty(p.EvidenceHash, evidenceFallback); raw != "" {
		h, err := requireSHA256(raw, "evidenceHash")
		if err != nil {
			return nil, err
		}
		evidenceHash = h
	}
	if err := requireAmount(p.AmountCents, "amountCents"); err != nil {
		return nil, err
	}
	settledAt, err := b.normalizeTimestamp(p.SettledAt, "settledAt", true)
	if err != nil {
		return nil, err
	}

	return seal(map[string]any{
		"schemaVersion": SchemaReceiptRef,
		"agreementHash": agreementHash,
		"evidenceHash":  evidenceHash,
		"amountCents":   p.AmountCents,
		"currency":      firstNonEmpty(p.Currency, DefaultCurrency),
		"settledAt":     settledAt,
	}, "receiptHash", nil)
}

// HoldParams describes funds to lock between payer and payee pending the
// challenge window.
type HoldParams struct {
	Agreement         *Agreement
	AgreementHash     string
	ReceiptHash       string
	PayerAgentID      string
	PayeeAgentID      string
	AmountCents       int64
	Currency          string
	HoldbackBps       int
	ChallengeWindowMs int64
}

// HoldRequest is the validated wire body of a hold lock. Hash is the digest
// of the body stamped with SchemaHoldRequest; it is never sent.
type HoldRequest struct {
	Body          map[string]any
	Hash          string
	CanonicalJSON []byte
}

// BuildHoldRequest validates a hold. All constraints are checked before
// anything is sent.
func (b *Builder) BuildHoldRequest(p HoldParams) (*HoldRequest, error) {
	var agreementFallback string
	if p.Agreement != nil {
		agreementFallback = p.Agreement.Hash
	}
	agreementHash, err := requireSHA256(firstNonEmpty(p.AgreementHash, agreementFallback), "agreementHash")
	if err != nil {
		return nil, err
	}
	receiptHash, err := requireSHA256(p.ReceiptHash, "receiptHash")
	if err != nil {
		return nil, err
	}
	payer, err := requireString(p.PayerAgentID, "payerAgentId")
	if err != nil {
		return nil, err
	}
	payee, err := requireString(p.PayeeAgentID, "payeeAgentId")
	if err != nil {
		return nil, err
	}
	if payer == payee {
		return nil, invalid("payeeAgentId", "payerAgentId and payeeAgentId must differ")
	}
	if err := requireAmount(p.AmountCents, "amountCents"); err != nil {
		return nil, err
	}
	if p.HoldbackBps < 0 || p.HoldbackBps > MaxHoldbackBps {
		return nil, invalid("holdbackBps", "holdbackBps must be an integer within 0..%d", MaxHoldbackBps)
	}
	if p.ChallengeWindowMs < 0 || p.ChallengeWindowMs > MaxSafeInteger {
		return nil, invalid("challengeWindowMs", "challengeWindowMs must be a non-negative safe integer")
	}

	body := map[string]any{
		"agreementHash":     agreementHash,
		"receiptHash":       receiptHash,
		"payerAgentId":      payer,
		"payeeAgentId":      payee,
		"amountCents":       p.AmountCents,
		"currency":          firstNonEmpty(p.Currency, DefaultCurrency),
		"holdbackBps":       p.HoldbackBps,
		"challengeWindowMs": p.ChallengeWindowMs,
	}
	stamped := map[string]any{"schemaVersion": SchemaHoldRequest}
	for k, v := range body {
		stamped[k] = v
	}
	data, err := canonicalize.Encode(stamped)
	if err != nil {
		return nil, fmt.Errorf("toolcall: encode hold: %w", err)
	}
	return &HoldRequest{Body: body, Hash: canonicalize.HashBytes(data), CanonicalJSON: data}, nil
}
