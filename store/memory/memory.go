// Package memory provides an in-memory token record store. It backs tests
// and single-process embeddings; the conditional-update and bulk-revocation
// semantics match the durable implementations.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/tokenkin/tokenkin/store"
	"github.com/tokenkin/tokenkin/token"
)

// Store keeps records in process memory guarded by a single mutex, which
// makes every operation trivially atomic.
type Store struct {
	mu       sync.RWMutex
	byID     map[string]*token.Record
	byDigest map[string]string // lookupDigest -> id
	byHash   map[string]string // tokenHash -> id
}

// New returns an empty store.
func New() *Store {
	return &Store{
		byID:     make(map[string]*token.Record),
		byDigest: make(map[string]string),
		byHash:   make(map[string]string),
	}
}

// Create stores a copy of rec. Returns store.ErrDuplicateHash when either
// one-way digest collides with an existing record.
func (s *Store) Create(ctx context.Context, rec *token.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byDigest[rec.LookupDigest]; ok {
		return store.ErrDuplicateHash
	}
	if _, ok := s.byHash[rec.TokenHash]; ok {
		return store.ErrDuplicateHash
	}
	c := rec.Clone()
	s.byID[c.ID] = c
	s.byDigest[c.LookupDigest] = c.ID
	s.byHash[c.TokenHash] = c.ID
	return nil
}

// FindByHash returns a copy of the record with the given lookup digest, or
// (nil, nil) when absent.
func (s *Store) FindByHash(ctx context.Context, lookupDigest string) (*token.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byDigest[lookupDigest]
	if !ok {
		return nil, nil
	}
	return s.byID[id].Clone(), nil
}

// FindFamily returns copies of every record in the family, ordered by
// generation then creation time.
func (s *Store) FindFamily(ctx context.Context, familyID string) ([]*token.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*token.Record
	for _, r := range s.byID {
		if r.FamilyID == familyID {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Generation != out[j].Generation {
			return out[i].Generation < out[j].Generation
		}
		return out[i].Timestamps.CreatedAt.Before(out[j].Timestamps.CreatedAt)
	})
	return out, nil
}

// ConditionalUpdate replaces the stored record with rec only if the current
// state still satisfies expect.
func (s *Store) ConditionalUpdate(ctx context.Context, rec *token.Record, expect store.Expect) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.byID[rec.ID]
	if !ok {
		return store.ErrNotFound
	}
	if cur.Status != expect.Status {
		return store.ErrConflict
	}
	if expect.UseCountBelow > 0 && cur.Usage.UseCount >= expect.UseCountBelow {
		return store.ErrConflict
	}
	s.byID[rec.ID] = rec.Clone()
	return nil
}

// UpdateSecurity patches the security block and appends the optional usage
// attempt and audit events, regardless of the record's status.
func (s *Store) UpdateSecurity(ctx context.Context, tokenID string, sec token.Security, attempt *token.UsageAttempt, events ...token.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.byID[tokenID]
	if !ok {
		return store.ErrNotFound
	}
	cur.Security = sec.Clone()
	if attempt != nil {
		cur.AppendAttempt(*attempt)
	}
	for _, ev := range events {
		cur.AppendEvent(ev)
	}
	return nil
}

// BulkUpdateFamily revokes every family member whose status is in from,
// stamping the revocation and appending the audit event. Returns the number
// of records changed.
func (s *Store) BulkUpdateFamily(ctx context.Context, familyID string, from []token.Status, rev token.Revocation, ev token.Event) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, r := range s.byID {
		if r.FamilyID != familyID || !statusIn(r.Status, from) {
			continue
		}
		r.Status = token.StatusRevoked
		rc := rev
		r.Revocation = &rc
		r.AppendEvent(ev)
		n++
	}
	return n, nil
}

// ListExpired returns copies of active records whose expiry has passed,
// oldest first. limit <= 0 means no limit.
func (s *Store) ListExpired(ctx context.Context, asOf time.Time, limit int) ([]*token.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*token.Record
	for _, r := range s.byID {
		if r.Status == token.StatusActive && r.Timestamps.ExpiresAt.Before(asOf) {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Timestamps.ExpiresAt.Before(out[j].Timestamps.ExpiresAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListUserFamilies returns the distinct family ids owned by the user, sorted.
func (s *Store) ListUserFamilies(ctx context.Context, userID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]bool)
	for _, r := range s.byID {
		if r.UserID == userID {
			seen[r.FamilyID] = true
		}
	}
	out := make([]string, 0, len(seen))
	for f := range seen {
		out = append(out, f)
	}
	sort.Strings(out)
	return out, nil
}

// DeleteOlderThan removes records in one of the given statuses created
// before cutoff. Returns the number deleted.
func (s *Store) DeleteOlderThan(ctx context.Context, cutoff time.Time, statuses []token.Status) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, r := range s.byID {
		if !statusIn(r.Status, statuses) || !r.Timestamps.CreatedAt.Before(cutoff) {
			continue
		}
		delete(s.byID, id)
		delete(s.byDigest, r.LookupDigest)
		delete(s.byHash, r.TokenHash)
		n++
	}
	return n, nil
}

// Len reports the number of stored records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}

func statusIn(s token.Status, set []token.Status) bool {
	for _, v := range set {
		if s == v {
			return true
		}
	}
	return false
}
