package enforcement

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"
)

const hashPrefix = "sha256:"

// HashPassword returns password in the "sha256:<hex>" form stored in
// configuration.
func HashPassword(password string) string {
	sum := sha256.Sum256([]byte(password))
	return hashPrefix + hex.EncodeToString(sum[:])
}

// VerifyPassword reports whether password matches hash. The comparison is
// constant-time in the digest.
func VerifyPassword(hash, password string) bool {
	want, ok := strings.CutPrefix(strings.TrimSpace(hash), hashPrefix)
	if !ok {
		return false
	}
	expected, err := hex.DecodeString(strings.ToLower(want))
	if err != nil || len(expected) != sha256.Size {
		return false
	}
	got := sha256.Sum256([]byte(password))
	return subtle.ConstantTimeCompare(expected, got[:]) == 1
}
