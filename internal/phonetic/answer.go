package phonetic

import (
	"crypto/rand"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	hashIterations = 10000
	hashKeyLen     = 64
	saltLen        = 16
)

// StoredAnswer is everything needed to verify a spoken answer later.
type StoredAnswer struct {
	Normalized string `json:"normalized"`
	Code       string `json:"soundex"`
	Hash       string `json:"hash"`
}

// Prepare derives the stored forms of an answer.
func Prepare(answer string) (StoredAnswer, error) {
	normalized := Normalize(answer)
	hash, err := HashAnswer(answer)
	if err != nil {
		return StoredAnswer{}, err
	}
	return StoredAnswer{
		Normalized: normalized,
		Code:       Codes(normalized),
		Hash:       hash,
	}, nil
}

// HashAnswer returns "salt:hash" with a random hex salt and a hex
// PBKDF2-SHA512 digest of the normalized answer.
func HashAnswer(answer string) (string, error) {
	raw := make([]byte, saltLen)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	salt := hex.EncodeToString(raw)
	return salt + ":" + derive(Normalize(answer), salt), nil
}

// VerifyHash checks answer against a value produced by HashAnswer.
func VerifyHash(answer, stored string) bool {
	salt, want, ok := strings.Cut(stored, ":")
	if !ok || salt == "" || want == "" {
		return false
	}
	got := derive(Normalize(answer), salt)
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

func derive(normalized, salt string) string {
	key := pbkdf2.Key([]byte(normalized), []byte(salt), hashIterations, hashKeyLen, sha512.New)
	return hex.EncodeToString(key)
}
