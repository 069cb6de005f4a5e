package canonical

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes. The version suffix leaves room for algorithm changes.
const (
	DomainTrustToken = "fieldsync/trust-token/v1"
	DomainTokenHash  = "fieldsync/token-hash/v1"
)

// Hash computes SHA256(domain || 0x00 || data) as lowercase hex.
// The null separator keeps the domain/data boundary unambiguous.
func Hash(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// Sign computes HMAC-SHA256(secret, domain || 0x00 || data) as lowercase hex.
func Sign(secret []byte, domain string, data []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(domain))
	mac.Write([]byte{0x00})
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature matches Sign(secret, domain, data),
// comparing in constant time.
func Verify(secret []byte, domain string, data []byte, signature string) bool {
	got, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	want, _ := hex.DecodeString(Sign(secret, domain, data))
	return hmac.Equal(got, want)
}

// HashObject canonicalizes obj and hashes it under domain.
func HashObject(domain string, obj Object) (string, error) {
	data, err := Marshal(obj)
	if err != nil {
		return "", fmt.Errorf("HashObject: failed to marshal: %w", err)
	}
	return Hash(domain, data), nil
}

// SignObject canonicalizes obj and signs it under domain.
func SignObject(secret []byte, domain string, obj Object) (string, error) {
	data, err := Marshal(obj)
	if err != nil {
		return "", fmt.Errorf("SignObject: failed to marshal: %w", err)
	}
	return Sign(secret, domain, data), nil
}
