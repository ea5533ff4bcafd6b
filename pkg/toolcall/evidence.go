package toolcall

import (
	"fmt"

	"github.com/nooterra/nooterra/pkg/canonicalize"
)

// EvidenceParams records the outcome of a call. AgreementHash, CallID and
// InputHash are taken from Agreement when left blank.
type EvidenceParams struct {
	Agreement     *Agreement
	AgreementHash string
	CallID        string
	InputHash     string
	Output        any
	OutputRef     string
	Metrics       any
	StartedAt     string
	CompletedAt   string
	CreatedAt     string
}

// SignEvidence builds a ToolCallEvidence.v1 linked to its agreement by hash.
// StartedAt defaults to now, CompletedAt to StartedAt, CreatedAt to CompletedAt.
func (b *Builder) SignEvidence(p EvidenceParams) (*Evidence, error) {
	var fromAgreement struct{ hash, callID, inputHash string }
	if p.Agreement != nil {
		fromAgreement.hash = p.Agreement.Hash
		fromAgreement.callID = p.Agreement.String("callId")
		fromAgreement.inputHash = p.Agreement.InputHash
	}

	agreementHash, err := requireSHA256(firstNonEmpty(p.AgreementHash, fromAgreement.hash), "agreementHash")
	if err != nil {
		return nil, err
	}
	callID, err := requireString(firstNonEmpty(p.CallID, fromAgreement.callID), "callId")
	if err != nil {
		return nil, err
	}
	inputHash, err := requireSHA256(firstNonEmpty(p.InputHash, fromAgreement.inputHash), "inputHash")
	if err != nil {
		return nil, err
	}
	startedAt, err := b.normalizeTimestamp(p.StartedAt, "startedAt", true)
	if err != nil {
		return nil, err
	}
	completedAt, err := b.normalizeTimestamp(firstNonEmpty(p.CompletedAt, startedAt), "completedAt", true)
	if err != nil {
		return nil, err
	}
	createdAt, err := b.normalizeTimestamp(firstNonEmpty(p.CreatedAt, completedAt), "createdAt", true)
	if err != nil {
		return nil, err
	}

	output := orEmptyObject(p.Output)
	outputHash, err := canonicalize.Digest(output)
	if err != nil {
		return nil, fmt.Errorf("toolcall: hash output: %w", err)
	}

	art, err := seal(map[string]any{
		"schemaVersion": SchemaEvidence,
		"agreementHash": agreementHash,
		"callId":        callID,
		"inputHash":     inputHash,
		"outputHash":    outputHash,
		"outputRef":     optionalString(p.OutputRef),
		"metrics":       p.Metrics,
		"startedAt":     startedAt,
		"completedAt":   completedAt,
		"createdAt":     createdAt,
	}, "evidenceHash", nil)
	if err != nil {
		return nil, err
	}
	return &Evidence{Artifact: *art, OutputHash: outputHash}, nil
}
