package hash

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/argon2"
)

// Default argon2id parameters: 64 MiB, one pass, four lanes.
const (
	defaultTime      = 1
	defaultMemoryKiB = 64 * 1024
	defaultThreads   = 4
	defaultKeyLen    = 32
	defaultSaltLen   = 16
)

// Argon2 derives credentials with argon2id. The parameters used at
// derivation time are recorded in the credential's Algorithm field so
// verification keeps working after defaults change.
type Argon2 struct {
	Time      uint32
	MemoryKiB uint32
	Threads   uint8
	KeyLen    uint32
	SaltLen   uint32
}

// NewArgon2 returns an Argon2 provider. Zero arguments select the defaults;
// memory is clamped to the minimum argon2 accepts for the lane count.
func NewArgon2(timeCost, memoryKiB uint32, threads uint8) *Argon2 {
	if timeCost == 0 {
		timeCost = defaultTime
	}
	if memoryKiB == 0 {
		memoryKiB = defaultMemoryKiB
	}
	if threads == 0 {
		threads = defaultThreads
	}
	if min := 8 * uint32(threads); memoryKiB < min {
		memoryKiB = min
	}
	return &Argon2{
		Time:      timeCost,
		MemoryKiB: memoryKiB,
		Threads:   threads,
		KeyLen:    defaultKeyLen,
		SaltLen:   defaultSaltLen,
	}
}

// Hash derives a salted credential for secret with a fresh random salt.
func (a *Argon2) Hash(ctx context.Context, secret string) (Credential, error) {
	salt := make([]byte, a.SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return Credential{}, err
	}
	sum, err := derive(ctx, secret, salt, a.Time, a.MemoryKiB, a.Threads, a.KeyLen)
	if err != nil {
		return Credential{}, err
	}
	return Credential{
		Hash:      base64.RawStdEncoding.EncodeToString(sum),
		Salt:      base64.RawStdEncoding.EncodeToString(salt),
		Algorithm: fmt.Sprintf("argon2id$v=%d$m=%d,t=%d,p=%d", argon2.Version, a.MemoryKiB, a.Time, a.Threads),
	}, nil
}

// Verify re-derives the digest with the credential's recorded parameters and
// compares in constant time. Returns (false, nil) on a clean mismatch and an
// error when the credential is malformed or the context expires first.
func (a *Argon2) Verify(ctx context.Context, secret string, cred Credential) (bool, error) {
	salt, err := base64.RawStdEncoding.DecodeString(cred.Salt)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrMalformedCredential, err)
	}
	want, err := base64.RawStdEncoding.DecodeString(cred.Hash)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrMalformedCredential, err)
	}
	var version, m, t, p int
	if _, err := fmt.Sscanf(cred.Algorithm, "argon2id$v=%d$m=%d,t=%d,p=%d", &version, &m, &t, &p); err != nil {
		return false, fmt.Errorf("%w: algorithm %q", ErrMalformedCredential, cred.Algorithm)
	}
	if version != argon2.Version {
		return false, fmt.Errorf("%w: argon2 version %d", ErrMalformedCredential, version)
	}
	sum, err := derive(ctx, secret, salt, uint32(t), uint32(m), uint8(p), uint32(len(want)))
	if err != nil {
		return false, err
	}
	return subtle.ConstantTimeCompare(sum, want) == 1, nil
}

// derive runs the KDF on its own goroutine so the caller's deadline is
// honored; the KDF itself is not interruptible.
func derive(ctx context.Context, secret string, salt []byte, t, m uint32, p uint8, keyLen uint32) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	done := make(chan []byte, 1)
	go func() {
		done <- argon2.IDKey([]byte(secret), salt, t, m, p, keyLen)
	}()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case sum := <-done:
		return sum, nil
	}
}
