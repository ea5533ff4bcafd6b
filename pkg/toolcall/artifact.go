// Package toolcall builds the hash-chained artifacts of a paid tool call:
// agreement, evidence, settlement receipt reference, hold request and
// dispute-open envelope. Each artifact is canonicalized, hashed, and frozen.
package toolcall

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nooterra/nooterra/pkg/canonicalize"
)

// Schema versions stamped on every artifact.
const (
	SchemaAgreement           = "ToolCallAgreement.v1"
	SchemaEvidence            = "ToolCallEvidence.v1"
	SchemaReceiptRef          = "ToolCallSettlementReceiptRef.v1"
	SchemaHoldRequest         = "ToolCallHoldRequest.v1"
	SchemaDisputeOpenEnvelope = "DisputeOpenEnvelope.v1"
)

const (
	DefaultCurrency   = "USD"
	DefaultReasonCode = "TOOL_CALL_DISPUTE"

	// MaxSafeInteger is the largest integer every client of the platform can
	// represent exactly.
	MaxSafeInteger = 1<<53 - 1
	MaxHoldbackBps = 10000
)

// Artifact is an immutable, content-addressed record. Fields holds the
// canonical tree including the attached hash field.
type Artifact struct {
	Fields        map[string]any
	Hash          string
	CanonicalJSON []byte
}

// MarshalJSON emits the canonical bytes so re-serialization cannot change the
// hashed form.
func (a *Artifact) MarshalJSON() ([]byte, error) {
	return a.CanonicalJSON, nil
}

// SchemaVersion returns the artifact's schemaVersion field.
func (a *Artifact) SchemaVersion() string {
	return a.String("schemaVersion")
}

// String returns the string field key, or "" when absent or not a string.
func (a *Artifact) String(key string) string {
	s, _ := a.Fields[key].(string)
	return s
}

// Agreement is a ToolCallAgreement.v1 artifact.
type Agreement struct {
	Artifact
	InputHash string
}

// Evidence is a ToolCallEvidence.v1 artifact.
type Evidence struct {
	Artifact
	OutputHash string
}

// Builder assembles artifacts. Now and NewNonce are injectable for
// deterministic tests.
type Builder struct {
	TenantID string
	Now      func() time.Time
	NewNonce func() string
}

// NewBuilder returns a builder using the wall clock and random nonces.
func NewBuilder(tenantID string) *Builder {
	return &Builder{TenantID: tenantID}
}

func (b *Builder) now() time.Time {
	if b.Now != nil {
		return b.Now()
	}
	return time.Now()
}

func (b *Builder) nonce() string {
	if b.NewNonce != nil {
		return b.NewNonce()
	}
	return "nonce_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

// seal digests core, attaches the hash under hashField plus any trailing
// fields, and freezes the result.
func seal(core map[string]any, hashField string, trailing map[string]any) (*Artifact, error) {
	hash, err := canonicalize.Digest(core)
	if err != nil {
		return nil, fmt.Errorf("toolcall: hash %s: %w", hashField, err)
	}
	full := make(map[string]any, len(core)+1+len(trailing))
	for k, v := range core {
		full[k] = v
	}
	full[hashField] = hash
	for k, v := range trailing {
		full[k] = v
	}
	tree, err := canonicalize.Canonicalize(full)
	if err != nil {
		return nil, fmt.Errorf("toolcall: canonicalize %s: %w", hashField, err)
	}
	data, err := canonicalize.Encode(tree)
	if err != nil {
		return nil, err
	}
	return &Artifact{Fields: tree.(map[string]any), Hash: hash, CanonicalJSON: data}, nil
}

// hashLayout describes which fields are excluded when recomputing a hash.
type hashLayout struct {
	hashField string
	after     []string
}

var layouts = map[string]hashLayout{
	SchemaAgreement:           {hashField: "agreementHash"},
	SchemaEvidence:            {hashField: "evidenceHash"},
	SchemaReceiptRef:          {hashField: "receiptHash"},
	SchemaDisputeOpenEnvelope: {hashField: "envelopeHash", after: []string{"signature"}},
}

// HashField returns the name of the hash field for a schema version.
func HashField(schemaVersion string) (string, bool) {
	l, ok := layouts[schemaVersion]
	return l.hashField, ok
}

// Recompute derives the content hash of a decoded artifact from its core
// fields and reports whether it matches the attached one.
func Recompute(fields map[string]any) (computed string, ok bool, err error) {
	schema, _ := fields["schemaVersion"].(string)
	layout, known := layouts[schema]
	if !known {
		return "", false, invalid("schemaVersion", "unknown schemaVersion %q", schema)
	}
	core := make(map[string]any, len(fields))
	for k, v := range fields {
		core[k] = v
	}
	delete(core, layout.hashField)
	for _, k := range layout.after {
		delete(core, k)
	}
	computed, err = canonicalize.Digest(core)
	if err != nil {
		return "", false, err
	}
	attached, _ := fields[layout.hashField].(string)
	return computed, attached == computed, nil
}

func requireString(value, name string) (string, error) {
	if strings.TrimSpace(value) == "" {
		return "", invalid(name, "%s must be a non-empty string", name)
	}
	return value, nil
}

func requireSHA256(value, name string) (string, error) {
	hash, ok := canonicalize.NormalizeSHA256Hex(value)
	if !ok {
		return "", invalid(name, "%s must be sha256 hex", name)
	}
	return hash, nil
}

// optionalString returns the trimmed value or nil, which canonicalizes to null.
// orEmptyObject stands in {} for an absent tool payload, including typed nils.
func orEmptyObject(v any) any {
	if v == nil {
		return map[string]any{}
	}
	switch rv := reflect.ValueOf(v); rv.Kind() {
	case reflect.Map, reflect.Slice, reflect.Ptr, reflect.Interface:
		if rv.IsNil() {
			return map[string]any{}
		}
	}
	return v
}

func optionalString(value string) any {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil
	}
	return trimmed
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func requireAmount(amount int64, name string) error {
	if amount <= 0 || amount > MaxSafeInteger {
		return invalid(name, "%s must be a positive safe integer", name)
	}
	return nil
}

func normalizeReasonCode(value string) (string, error) {
	raw := strings.ToUpper(strings.TrimSpace(value))
	if len(raw) < 2 || len(raw) > 64 {
		return "", invalid("reasonCode", "reasonCode must match ^[A-Z0-9_]{2,64}$")
	}
	for _, c := range raw {
		if (c < 'A' || c > 'Z') && (c < '0' || c > '9') && c != '_' {
			return "", invalid("reasonCode", "reasonCode must match ^[A-Z0-9_]{2,64}$")
		}
	}
	return raw, nil
}
