// Package fingerprint derives the deterministic digest that identifies an
// action's observable intent. Two actions with the same category and the same
// normalized payload always produce the same fingerprint; the digest is the
// dedup and single-flight key for the knowledge cache.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
	"golang.org/x/text/unicode/norm"

	"github.com/meridian-labs/aegis/pkg/contracts"
)

// Fingerprint is an opaque stable key of the form fp:<category>:<sha256 hex>.
type Fingerprint string

// Of computes the fingerprint of an action: string values are NFC-normalized,
// the payload is serialized with RFC 8785 canonical JSON, and the result is
// hashed together with the category. Budget, metadata, and IDs never enter
// the digest.
func Of(a *contracts.Action) (Fingerprint, error) {
	normalized := normalizeValue(a.Payload)
	raw, err := json.Marshal(normalized)
	if err != nil {
		return "", fmt.Errorf("fingerprint: marshal payload: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("fingerprint: canonicalize payload: %w", err)
	}
	h := sha256.New()
	h.Write([]byte(a.Category))
	h.Write([]byte{0})
	h.Write(canonical)
	return Fingerprint("fp:" + string(a.Category) + ":" + hex.EncodeToString(h.Sum(nil))), nil
}

// normalizeValue applies NFC normalization to every string reachable in the
// payload so visually identical text digests identically.
func normalizeValue(v any) any {
	switch t := v.(type) {
	case string:
		return norm.NFC.String(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[norm.NFC.String(k)] = normalizeValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalizeValue(val)
		}
		return out
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = norm.NFC.String(s)
		}
		return out
	default:
		return v
	}
}
