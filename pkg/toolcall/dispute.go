package toolcall

// EnvelopeParams identifies the disputed settlement and the signer. CaseID,
// EnvelopeID, TenantID, ReasonCode and Nonce are defaulted when blank.
type EnvelopeParams struct {
	AgreementHash   string
	ReceiptHash     string
	HoldHash        string
	OpenedByAgentID string
	SignerKeyID     string
	Signature       string
	CaseID          string
	EnvelopeID      string
	TenantID        string
	ReasonCode      string
	Nonce           string
	OpenedAt        string
}

// BuildDisputeOpenEnvelope builds a DisputeOpenEnvelope.v1. The signature is
// supplied by the caller and attached after hashing, next to envelopeHash.
func (b *Builder) BuildDisputeOpenEnvelope(p EnvelopeParams) (*Artifact, error) {
	agreementHash, err := requireSHA256(p.AgreementHash, "agreementHash")
	if err != nil {
		return nil, err
	}
	receiptHash, err := requireSHA256(p.ReceiptHash, "receiptHash")
	if err != nil {
		return nil, err
	}
	holdHash, err := requireSHA256(p.HoldHash, "holdHash")
	if err != nil {
		return nil, err
	}
	openedBy, err := requireString(p.OpenedByAgentID, "openedByAgentId")
	if err != nil {
		return nil, err
	}
	signerKeyID, err := requireString(p.SignerKeyID, "signerKeyId")
	if err != nil {
		return nil, err
	}
	signature, err := requireString(p.Signature, "signature")
	if err != nil {
		return nil, err
	}
	openedAt, err := b.normalizeTimestamp(p.OpenedAt, "openedAt", true)
	if err != nil {
		return nil, err
	}
	reasonCode, err := normalizeReasonCode(firstNonEmpty(p.ReasonCode, DefaultReasonCode))
	if err != nil {
		return nil, err
	}

	envelopeID := firstNonEmpty(p.EnvelopeID, "dopen_tc_"+agreementHash)
	nonce := firstNonEmpty(p.Nonce)
	if nonce == "" {
		nonce = b.nonce()
	}

	return seal(map[string]any{
		"schemaVersion":   SchemaDisputeOpenEnvelope,
		"artifactType":    SchemaDisputeOpenEnvelope,
		"artifactId":      envelopeID,
		"envelopeId":      envelopeID,
		"caseId":          firstNonEmpty(p.CaseID, "arb_case_tc_"+agreementHash),
		"tenantId":        optionalString(firstNonEmpty(p.TenantID, b.TenantID)),
		"agreementHash":   agreementHash,
		"receiptHash":     receiptHash,
		"holdHash":        holdHash,
		"openedByAgentId": openedBy,
		"openedAt":        openedAt,
		"reasonCode":      reasonCode,
		"nonce":           nonce,
		"signerKeyId":     signerKeyID,
	}, "envelopeHash", map[string]any{"signature": signature})
}
