// SPDX-License-Identifier: Apache-2.0

// Package canonical produces deterministic byte serializations and
// content digests. Logically-equal values always hash identically,
// regardless of map insertion order or struct construction order.
//
// The rules are versioned: digests carry a "v1:" prefix so the
// serialization can evolve without silently breaking stored hashes.
package canonical

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// HashVersion identifies the canonicalization rules a digest was
// computed under.
const HashVersion = "v1"

// Marshal serializes v to canonical JSON: object keys sorted
// lexicographically, no insignificant whitespace, numbers carried
// through as their original JSON text.
func Marshal(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical: marshal: %w", err)
	}
	return MarshalJSON(raw)
}

// MarshalJSON re-serializes already-encoded JSON into canonical form.
func MarshalJSON(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("canonical: decode: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("canonical: trailing data after JSON value")
	}

	var buf bytes.Buffer
	if err := writeCanonical(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Hash computes the versioned content digest of canonical bytes.
func Hash(b []byte) string {
	sum := sha256.Sum256(b)
	return HashVersion + ":" + hex.EncodeToString(sum[:])
}

// HashValue canonicalizes v and hashes the result.
func HashValue(v any) (string, error) {
	b, err := Marshal(v)
	if err != nil {
		return "", err
	}
	return Hash(b), nil
}

// HashJSON canonicalizes raw JSON and hashes the result.
func HashJSON(raw []byte) (string, error) {
	b, err := MarshalJSON(raw)
	if err != nil {
		return "", err
	}
	return Hash(b), nil
}

func writeCanonical(buf *bytes.Buffer, v any) error {
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
		buf.WriteString(t.String())
	case string:
		enc, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("canonical: encode string: %w", err)
		}
		buf.Write(enc)
	case []any:
		buf.WriteByte('[')
		for i, item := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, item); err != nil {
				return err
			}
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
			enc, err := json.Marshal(k)
			if err != nil {
				return fmt.Errorf("canonical: encode key: %w", err)
			}
			buf.Write(enc)
			buf.WriteByte(':')
			if err := writeCanonical(buf, t[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("canonical: unsupported value type %T", v)
	}
	return nil
}
