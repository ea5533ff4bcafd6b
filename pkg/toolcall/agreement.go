package toolcall

import (
	"fmt"

	"github.com/nooterra/nooterra/pkg/canonicalize"
)

// AgreementParams describes a tool call both parties agree to before it runs.
// A nil Input is hashed as an empty object.
type AgreementParams struct {
	ToolID             string
	CallID             string
	ManifestHash       string
	Input              any
	AcceptanceCriteria any
	SettlementTerms    any
	PayerAgentID       string
	PayeeAgentID       string
	CreatedAt          string
}

// CreateAgreement builds a ToolCallAgreement.v1. Only the digest of the input
// is stored in the artifact.
func (b *Builder) CreateAgreement(p AgreementParams) (*Agreement, error) {
	toolID, err := requireString(p.ToolID, "params.toolId")
	if err != nil {
		return nil, err
	}
	callID, err := requireString(p.CallID, "params.callId")
	if err != nil {
		return nil, err
	}
	manifestHash, err := requireSHA256(p.ManifestHash, "params.manifestHash")
	if err != nil {
		return nil, err
	}
	createdAt, err := b.normalizeTimestamp(p.CreatedAt, "params.createdAt", true)
	if err != nil {
		return nil, err
	}

	input := orEmptyObject(p.Input)
	inputHash, err := canonicalize.Digest(input)
	if err != nil {
		return nil, fmt.Errorf("toolcall: hash input: %w", err)
	}

	art, err := seal(map[string]any{
		"schemaVersion":      SchemaAgreement,
		"toolId":             toolID,
		"manifestHash":       manifestHash,
		"callId":             callID,
		"inputHash":          inputHash,
		"acceptanceCriteria": p.AcceptanceCriteria,
		"settlementTerms":    p.SettlementTerms,
		"payerAgentId":       optionalString(p.PayerAgentID),
		"payeeAgentId":       optionalString(p.PayeeAgentID),
		"createdAt":          createdAt,
	}, "agreementHash", nil)
	if err != nil {
		return nil, err
	}
	return &Agreement{Artifact: *art, InputHash: inputHash}, nil
}
