// Package store defines the persistence contract for token records.
// Implementations live in the subpackages (postgres, redis, memory).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/tokenkin/tokenkin/token"
)

var (
	// ErrNotFound is returned by write operations targeting a record that
	// does not exist. Reads signal absence with (nil, nil) instead: a miss
	// during lookup is a normal outcome, not an error.
	ErrNotFound = errors.New("token record not found")

	// ErrConflict is returned by ConditionalUpdate when the stored record no
	// longer satisfies the expected pre-state. Exactly one of two concurrent
	// conditional updates against the same record can succeed.
	ErrConflict = errors.New("token record pre-state mismatch")

	// ErrDuplicateHash is returned by Create when the lookup digest or token
	// hash collides with an existing record.
	ErrDuplicateHash = errors.New("token hash already exists")
)

// Expect is the guard for ConditionalUpdate: the stored record must still
// have this status, and, when UseCountBelow > 0, a useCount strictly below
// that value.
type Expect struct {
	Status        token.Status
	UseCountBelow int
}

// Repository defines persistence for token records.
//
// FindByHash returns (nil, nil) when no record matches. ConditionalUpdate
// writes the full record guarded on Expect and returns ErrConflict when the
// guard fails. BulkUpdateFamily atomically revokes every family member whose
// status is in from, returning the affected count. UpdateSecurity patches
// only the security block, usage history, and audit trail, regardless of
// status; it is how failed checks leave their trail without racing the
// lifecycle transitions.
type Repository interface {
	Create(ctx context.Context, rec *token.Record) error
	FindByHash(ctx context.Context, lookupDigest string) (*token.Record, error)
	FindFamily(ctx context.Context, familyID string) ([]*token.Record, error)
	ConditionalUpdate(ctx context.Context, rec *token.Record, expect Expect) error
	UpdateSecurity(ctx context.Context, tokenID string, sec token.Security, attempt *token.UsageAttempt, events ...token.Event) error
	BulkUpdateFamily(ctx context.Context, familyID string, from []token.Status, rev token.Revocation, ev token.Event) (int64, error)
	ListExpired(ctx context.Context, asOf time.Time, limit int) ([]*token.Record, error)
	ListUserFamilies(ctx context.Context, userID string) ([]string, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time, statuses []token.Status) (int64, error)
}
