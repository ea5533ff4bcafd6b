// Package canonicalize provides the deterministic JSON form used to content-address
// nooterra artifacts (agreements, evidence, holds, receipts, dispute envelopes).
//
// Key features:
// 1. Map keys are sorted lexicographically by code point.
// 2. No insignificant whitespace; HTML escaping is DISABLED.
// 3. Integers are emitted exactly, other numbers use the ES6 / RFC 8785 form.
// 4. NaN, ±Infinity and negative zero are rejected.
package canonicalize

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/big"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"github.com/gowebpki/jcs"
)

type undefined struct{}

// Undefined marks a value that canonicalizes to nothing. A map entry holding it
// is dropped from the canonical form; an explicit nil is kept as null.
var Undefined any = undefined{}

// UnsupportedValueError is returned for values that have no canonical form.
type UnsupportedValueError struct {
	Path   string
	Reason string
}

func (e *UnsupportedValueError) Error() string {
	return fmt.Sprintf("canonicalize: unsupported value at %s: %s", e.Path, e.Reason)
}

// Canonicalize returns the canonical tree for v. The result only contains
// nil, bool, json.Number, string, []any and map[string]any, so canonicalizing
// it again is a no-op.
func Canonicalize(v any) (any, error) {
	out, _, err := canonicalizeAt("$", v)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Encode returns the canonical JSON bytes of v.
func Encode(v any) ([]byte, error) {
	c, err := Canonicalize(v)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	writeValue(&buf, c)
	return buf.Bytes(), nil
}

// EncodeString returns the canonical form as a string.
func EncodeString(v any) (string, error) {
	data, err := Encode(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Digest returns the lowercase SHA-256 hex digest of the canonical form of v.
func Digest(v any) (string, error) {
	b, err := Encode(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// JCS is Encode under its RFC 8785 name.
func JCS(v any) ([]byte, error) { return Encode(v) }

// HashBytes computes SHA-256 hash of raw bytes and returns hex string
func HashBytes(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// IsSHA256Hex reports whether s is exactly 64 lowercase hex characters.
func IsSHA256Hex(s string) bool {
	if len(s) != 64 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// NormalizeSHA256Hex trims and lower-cases s and reports whether the result is
// a valid digest.
func NormalizeSHA256Hex(s string) (string, bool) {
	raw := strings.ToLower(strings.TrimSpace(s))
	return raw, IsSHA256Hex(raw)
}

// canonicalizeAt returns keep=false when v canonicalizes to nothing.
//
//nolint:gocognit // one case per value kind
func canonicalizeAt(path string, v any) (any, bool, error) {
	switch t := v.(type) {
	case nil:
		return nil, true, nil
	case undefined:
		return nil, false, nil
	case bool:
		return t, true, nil
	case string:
		return t, true, nil
	case json.Number:
		n, err := normalizeNumber(path, string(t))
		return n, err == nil, err
	case float64:
		n, err := normalizeFloat(path, t)
		return n, err == nil, err
	case float32:
		n, err := normalizeFloat(path, float64(t))
		return n, err == nil, err
	case int:
		return json.Number(strconv.FormatInt(int64(t), 10)), true, nil
	case int8:
		return json.Number(strconv.FormatInt(int64(t), 10)), true, nil
	case int16:
		return json.Number(strconv.FormatInt(int64(t), 10)), true, nil
	case int32:
		return json.Number(strconv.FormatInt(int64(t), 10)), true, nil
	case int64:
		return json.Number(strconv.FormatInt(t, 10)), true, nil
	case uint:
		return json.Number(strconv.FormatUint(uint64(t), 10)), true, nil
	case uint8:
		return json.Number(strconv.FormatUint(uint64(t), 10)), true, nil
	case uint16:
		return json.Number(strconv.FormatUint(uint64(t), 10)), true, nil
	case uint32:
		return json.Number(strconv.FormatUint(uint64(t), 10)), true, nil
	case uint64:
		return json.Number(strconv.FormatUint(t, 10)), true, nil
	case []any:
		if t == nil {
			return nil, true, nil
		}
		out := make([]any, len(t))
		for i, elem := range t {
			c, _, err := canonicalizeAt(fmt.Sprintf("%s[%d]", path, i), elem)
			if err != nil {
				return nil, false, err
			}
			out[i] = c
		}
		return out, true, nil
	case map[string]any:
		if t == nil {
			return nil, true, nil
		}
		out := make(map[string]any, len(t))
		for k, elem := range t {
			c, keep, err := canonicalizeAt(path+"."+k, elem)
			if err != nil {
				return nil, false, err
			}
			if keep {
				out[k] = c
			}
		}
		return out, true, nil
	case json.RawMessage:
		return canonicalizeJSON(path, t)
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Chan, reflect.Func, reflect.Complex64, reflect.Complex128, reflect.UnsafePointer:
		return nil, false, &UnsupportedValueError{Path: path, Reason: "kind " + rv.Kind().String()}
	case reflect.Ptr, reflect.Interface:
		if rv.IsNil() {
			return nil, true, nil
		}
	}

	// Everything else goes through its JSON encoding so struct tags and
	// custom marshalers are honoured.
	intermediate, err := json.Marshal(v)
	if err != nil {
		var uve *json.UnsupportedValueError
		var ute *json.UnsupportedTypeError
		if errors.As(err, &uve) || errors.As(err, &ute) {
			return nil, false, &UnsupportedValueError{Path: path, Reason: err.Error()}
		}
		return nil, false, fmt.Errorf("canonicalize: pre-marshal failed at %s: %w", path, err)
	}
	return canonicalizeJSON(path, intermediate)
}

func canonicalizeJSON(path string, data []byte) (any, bool, error) {
	var generic any
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()
	if err := decoder.Decode(&generic); err != nil {
		return nil, false, fmt.Errorf("canonicalize: intermediate decode failed at %s: %w", path, err)
	}
	return canonicalizeAt(path, generic)
}

func normalizeFloat(path string, f float64) (json.Number, error) {
	switch {
	case math.IsNaN(f):
		return "", &UnsupportedValueError{Path: path, Reason: "NaN"}
	case math.IsInf(f, 0):
		return "", &UnsupportedValueError{Path: path, Reason: "non-finite number"}
	case f == 0 && math.Signbit(f):
		return "", &UnsupportedValueError{Path: path, Reason: "negative zero"}
	}
	s, err := jcs.NumberToJSON(f)
	if err != nil {
		return "", &UnsupportedValueError{Path: path, Reason: err.Error()}
	}
	return json.Number(s), nil
}

func normalizeNumber(path, s string) (json.Number, error) {
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		if i == 0 && strings.HasPrefix(s, "-") {
			return "", &UnsupportedValueError{Path: path, Reason: "negative zero"}
		}
		return json.Number(strconv.FormatInt(i, 10)), nil
	}
	if b, ok := new(big.Int).SetString(s, 10); ok {
		return json.Number(b.String()), nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		// ErrRange with a finite result is underflow, which rounds to zero.
		if !errors.Is(err, strconv.ErrRange) {
			return "", &UnsupportedValueError{Path: path, Reason: "malformed number " + strconv.Quote(s)}
		}
		if math.IsInf(f, 0) {
			return "", &UnsupportedValueError{Path: path, Reason: "non-finite number"}
		}
	}
	return normalizeFloat(path, f)
}

func writeValue(buf *bytes.Buffer, v any) {
	switch t := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if t {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case json.Number:
		buf.WriteString(string(t))
	case string:
		writeString(buf, t)
	case []any:
		buf.WriteByte('[')
		for i, elem := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeValue(buf, elem)
		}
		buf.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeString(buf, k)
			buf.WriteByte(':')
			writeValue(buf, t[k])
		}
		buf.WriteByte('}')
	}
}

const hexDigits = "0123456789abcdef"

// writeString escapes only what JSON requires. U+2028/U+2029 stay literal,
// unlike encoding/json.
func writeString(buf *bytes.Buffer, s string) {
	buf.WriteByte('"')
	for _, r := range strings.ToValidUTF8(s, "�") {
		switch r {
		case '"':
			buf.WriteString(`\"`)
		case '\\':
			buf.WriteString(`\\`)
		case '\b':
			buf.WriteString(`\b`)
		case '\f':
			buf.WriteString(`\f`)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		case '\t':
			buf.WriteString(`\t`)
		default:
			if r < 0x20 {
				buf.WriteString(`\u00`)
				buf.WriteByte(hexDigits[r>>4])
				buf.WriteByte(hexDigits[r&0xF])
				continue
			}
			buf.WriteRune(r)
		}
	}
	buf.WriteByte('"')
}
