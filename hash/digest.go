package hash

import (
	"crypto/sha256"
	"encoding/hex"
)

// LookupDigest returns the deterministic SHA-256 digest of secret,
// hex-encoded. A salted credential cannot serve as its own retrieval key, so
// records are indexed by this digest and verified against the salted
// credential afterwards. Both layers are one-way; the stored digest reveals
// nothing about the secret.
func LookupDigest(secret string) string {
	h := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(h[:])
}
