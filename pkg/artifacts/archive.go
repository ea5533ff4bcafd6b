package artifacts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nooterra/nooterra/pkg/canonicalize"
	"github.com/nooterra/nooterra/pkg/toolcall"
)

// MaxArtifactSize bounds a single archived artifact.
const MaxArtifactSize = 10 * 1024 * 1024

// Entry is an archived artifact as read back from the store.
type Entry struct {
	Ref           string
	SchemaVersion string
	// Hash is the artifact's own content hash (agreementHash, ...).
	Hash          string
	Fields        map[string]any
	CanonicalJSON []byte
}

// Archive stores toolcall artifacts as their canonical JSON. A blob ref is
// the digest of those bytes; the artifact hash inside is checked separately
// by Verify.
type Archive struct {
	store  Store
	logger *slog.Logger
}

// NewArchive wraps store. A nil logger uses slog.Default.
func NewArchive(store Store, logger *slog.Logger) *Archive {
	if logger == nil {
		logger = slog.Default()
	}
	return &Archive{store: store, logger: logger.With("component", "artifacts")}
}

// Put validates art and persists it, returning the blob ref.
func (a *Archive) Put(ctx context.Context, art *toolcall.Artifact) (string, error) {
	if art == nil {
		return "", errors.New("artifacts: nil artifact")
	}
	if len(art.CanonicalJSON) > MaxArtifactSize {
		return "", fmt.Errorf("artifact exceeds limit of %d bytes", MaxArtifactSize)
	}
	computed, ok, err := toolcall.Recompute(art.Fields)
	if err != nil {
		return "", err
	}
	if !ok || computed != art.Hash {
		return "", fmt.Errorf("artifacts: %s hash mismatch: attached %s, computed %s", art.SchemaVersion(), art.Hash, computed)
	}
	ref, err := a.store.Store(ctx, art.CanonicalJSON)
	if err != nil {
		return "", err
	}
	a.logger.DebugContext(ctx, "artifact archived", "ref", ref, "schema_version", art.SchemaVersion(), "hash", art.Hash)
	return ref, nil
}

// Get loads ref and verifies it. A blob that fails verification is
// returned together with a *VerificationError.
func (a *Archive) Get(ctx context.Context, ref string) (*Entry, error) {
	data, err := a.store.Get(ctx, ref)
	if err != nil {
		return nil, err
	}
	entry, reasons, err := Verify(data)
	if err != nil {
		return nil, fmt.Errorf("corrupt artifact data: %w", err)
	}
	entry.Ref = ref
	if got := RefOf(data); got != ref {
		reasons = append(reasons, "blob digest "+got+" does not match ref")
	}
	if len(reasons) > 0 {
		a.logger.WarnContext(ctx, "archived artifact failed verification", "ref", ref, "reasons", reasons)
		return entry, &VerificationError{Ref: ref, Reasons: reasons}
	}
	return entry, nil
}

// VerificationError lists why an archived artifact is not trustworthy.
type VerificationError struct {
	Ref     string
	Reasons []string
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("artifact %s failed verification: %v", e.Ref, e.Reasons)
}

// Verify decodes stored bytes and checks them. It returns the reasons the
// artifact is invalid; none means the bytes are canonical and the attached
// hash matches the recomputed one. err is set only when data is not a JSON
// object.
func Verify(data []byte) (*Entry, []string, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return nil, nil, err
	}
	if fields == nil {
		return nil, nil, errors.New("artifact is null")
	}

	entry := &Entry{
		CanonicalJSON: data,
		Fields:        fields,
	}
	entry.SchemaVersion, _ = fields["schemaVersion"].(string)

	var reasons []string
	if canonical, err := canonicalize.Encode(fields); err != nil {
		reasons = append(reasons, "not canonicalizable: "+err.Error())
	} else if !bytes.Equal(canonical, data) {
		reasons = append(reasons, "stored bytes are not canonical")
	}

	field, known := toolcall.HashField(entry.SchemaVersion)
	if !known {
		return entry, append(reasons, fmt.Sprintf("unknown schemaVersion %q", entry.SchemaVersion)), nil
	}
	entry.Hash, _ = fields[field].(string)
	computed, ok, err := toolcall.Recompute(fields)
	switch {
	case err != nil:
		reasons = append(reasons, "hash recompute failed: "+err.Error())
	case !ok:
		reasons = append(reasons, fmt.Sprintf("%s %q does not match computed %s", field, entry.Hash, computed))
	}
	return entry, reasons, nil
}
