// Canonical JSON encoding and HMAC sealing, grounded on
// evidence_sealing.py's _canonical_json/_compute_hmac/_verify_hmac: sorted
// keys, no insignificant whitespace, constant-time signature comparison.
package security

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
)

// CanonicalJSON marshals v with sorted object keys and no insignificant
// whitespace. v must marshal to a JSON object, array, or scalar via the
// standard encoding/json rules; object key ordering is normalized
// regardless of the source map/struct field order.
func CanonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("security: marshaling for canonicalization: %w", err)
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("security: re-parsing for canonicalization: %w", err)
	}
	var buf bytes.Buffer
	if err := encodeCanonical(&buf, generic); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeCanonical(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			keyBytes, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(keyBytes)
			buf.WriteByte(':')
			if err := encodeCanonical(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	case []any:
		buf.WriteByte('[')
		for i, e := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeCanonical(buf, e); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return err
		}
		buf.Write(b)
	}
	return nil
}

// SealHMAC computes a base64-encoded HMAC-SHA256 signature over
// canonicalBytes using secret.
func SealHMAC(secret, canonicalBytes []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(canonicalBytes)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// VerifyHMAC checks sigBase64 against a freshly computed signature using a
// constant-time comparison.
func VerifyHMAC(secret, canonicalBytes []byte, sigBase64 string) bool {
	expected := SealHMAC(secret, canonicalBytes)
	return hmac.Equal([]byte(expected), []byte(sigBase64))
}
