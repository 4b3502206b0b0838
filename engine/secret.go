package engine

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// SecretFunc produces an opaque token secret and reports its entropy in
// bits. Injected so tests can script secrets and embedders can swap the
// source; the default is RandomSecret.
type SecretFunc func() (secret string, entropyBits int, err error)

const randomSecretBytes = 32

// RandomSecret returns a base64url-encoded secret with 256 bits of entropy
// from crypto/rand.
func RandomSecret() (string, int, error) {
	buf := make([]byte, randomSecretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", 0, fmt.Errorf("generate secret: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), randomSecretBytes * 8, nil
}

// strengthLabel buckets entropy into the coarse strength field stored on
// the record for analytics.
func strengthLabel(entropyBits int) string {
	switch {
	case entropyBits >= 128:
		return "strong"
	case entropyBits >= 64:
		return "moderate"
	default:
		return "weak"
	}
}
