// Package hash implements the one-way representations of token secrets: a
// salted verification credential produced by a pluggable provider, and a
// deterministic lookup digest used as the storage retrieval key. Callers must
// not log or persist plaintext secrets.
package hash

import (
	"context"
	"errors"
)

// ErrMalformedCredential is returned when a stored credential cannot be
// decoded or names parameters the provider does not understand.
var ErrMalformedCredential = errors.New("malformed credential")

// Credential is the stored salted representation of a secret.
type Credential struct {
	Hash      string // base64 raw-encoded salted digest
	Salt      string // base64 raw-encoded salt
	Algorithm string // algorithm identifier with derivation parameters
}

// Provider derives and verifies salted credentials. Implementations must be
// safe for concurrent use, honor context cancellation (a timed-out
// verification is a failure, never a pass), and compare digests in constant
// time.
type Provider interface {
	Hash(ctx context.Context, secret string) (Credential, error)
	Verify(ctx context.Context, secret string, cred Credential) (bool, error)
}
