package parity

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nooterra/nooterra/pkg/canonicalize"
)

// failure is a validation failure before the adapter stamps transport and
// operation identity on it.
type failure struct {
	kind    Kind
	message string
	details any
}

// asObject accepts map[string]any or any value whose JSON form is an object.
func asObject(payload any) (map[string]any, bool) {
	switch p := payload.(type) {
	case nil:
		return nil, false
	case map[string]any:
		return p, p != nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, false
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil || obj == nil {
		return nil, false
	}
	return obj, true
}

// fieldPath strips an optional leading "payload." so both "amountCents" and
// "payload.amountCents" name the same field.
func fieldPath(path string) string {
	return strings.TrimPrefix(strings.TrimSpace(path), "payload.")
}

func valueAtPath(target map[string]any, path string) (any, bool) {
	var cursor any = target
	for _, part := range strings.Split(path, ".") {
		if part == "" {
			continue
		}
		m, ok := cursor.(map[string]any)
		if !ok {
			return nil, false
		}
		if cursor, ok = m[part]; !ok {
			return nil, false
		}
	}
	return cursor, true
}

func validatePayload(d Descriptor, payload any, idempotencyKey, prevChainHash string) (map[string]any, *failure) {
	obj, ok := asObject(payload)
	if !ok {
		return nil, &failure{kind: KindPayloadRequired, message: "payload must be an object"}
	}

	for _, raw := range d.RequiredFields {
		path := fieldPath(raw)
		value, found := valueAtPath(obj, path)
		s, isString := value.(string)
		if !found || value == nil || (isString && strings.TrimSpace(s) == "") {
			return nil, &failure{
				kind:    KindRequiredFieldMissing,
				message: fmt.Sprintf("payload.%s is required", path),
				details: map[string]any{"field": raw},
			}
		}
	}

	for _, raw := range d.SHA256Fields {
		path := fieldPath(raw)
		value, _ := valueAtPath(obj, path)
		s, _ := value.(string)
		if _, valid := canonicalize.NormalizeSHA256Hex(s); !valid {
			return nil, &failure{
				kind:    KindSHA256FieldInvalid,
				message: fmt.Sprintf("payload.%s must be sha256 hex", path),
				details: map[string]any{"field": raw},
			}
		}
	}

	if d.IdempotencyRequired && idempotencyKey == "" {
		return nil, &failure{kind: KindIdempotencyKeyRequired, message: "idempotency_key is required"}
	}
	if d.ExpectedPrevChainHashRequired && prevChainHash == "" {
		return nil, &failure{kind: KindExpectedPrevChainHashRequired, message: "expected_prev_chain_hash is required"}
	}
	if prevChainHash != "" {
		if _, valid := canonicalize.NormalizeSHA256Hex(prevChainHash); !valid {
			return nil, &failure{kind: KindExpectedPrevChainHashRequired, message: "expected_prev_chain_hash must be sha256 hex"}
		}
	}
	return obj, nil
}
