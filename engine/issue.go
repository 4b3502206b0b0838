package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/tokenkin/tokenkin/hash"
	"github.com/tokenkin/tokenkin/store"
	"github.com/tokenkin/tokenkin/token"
)

// IssueInput describes the token to create. Parent is set when the new
// record is a rotation child; it must be the consumed record as read from
// the store.
type IssueInput struct {
	UserID   string
	Device   token.Device
	Location token.Location
	// MaxUses defaults to 1 (single-use, rotating).
	MaxUses int
	Parent  *token.Record
}

// Issued is a freshly created record and its plaintext secret. The secret
// exists nowhere else and is returned exactly once; the engine keeps only
// its one-way digests.
type Issued struct {
	Record *token.Record
	Secret string
}

// Issue creates a token record. Without a parent it starts a new family at
// generation zero; with one it continues the parent's family at the next
// generation, inheriting the device binding and a decayed theft-detection
// baseline. A hash collision on create is retried with fresh randomness a
// bounded number of times before failing with ErrCreationConflict.
func (e *Engine) Issue(ctx context.Context, in IssueInput) (*Issued, error) {
	if in.UserID == "" {
		return nil, errors.New("engine: issue requires a user id")
	}
	if in.MaxUses <= 0 {
		in.MaxUses = 1
	}
	if in.Parent != nil && in.Parent.Generation+1 > e.cfg.GenerationCeiling {
		e.metrics.recordFailure(ctx, ErrMaxGenerationsExceeded)
		return nil, fmt.Errorf("%w: family %s at generation %d", ErrMaxGenerationsExceeded, in.Parent.FamilyID, in.Parent.Generation)
	}

	var lastErr error
	for attempt := 0; attempt < e.cfg.CreateAttempts; attempt++ {
		issued, err := e.createOnce(ctx, in)
		if err == nil {
			e.metrics.recordIssued(ctx, in.Parent == nil)
			return issued, nil
		}
		if !errors.Is(err, store.ErrDuplicateHash) {
			return nil, err
		}
		lastErr = err
		e.logger.Warn().Int("attempt", attempt+1).Str("user_id", in.UserID).Msg("token hash collision, retrying with fresh secret")
	}
	e.metrics.recordFailure(ctx, ErrCreationConflict)
	return nil, fmt.Errorf("%w after %d attempts: %v", ErrCreationConflict, e.cfg.CreateAttempts, lastErr)
}

func (e *Engine) createOnce(ctx context.Context, in IssueInput) (*Issued, error) {
	secret, entropyBits, err := e.secret()
	if err != nil {
		return nil, err
	}
	cred, err := e.hasher.Hash(ctx, secret)
	if err != nil {
		return nil, hashFailure(err)
	}

	now := e.now()
	rec := &token.Record{
		ID:           uuid.New().String(),
		UserID:       in.UserID,
		Generation:   0,
		Status:       token.StatusActive,
		LookupDigest: hash.LookupDigest(secret),
		TokenHash:    cred.Hash,
		Salt:         cred.Salt,
		Algorithm:    cred.Algorithm,
		Device:       in.Device,
		Location:     in.Location,
		Usage:        token.Usage{MaxUses: in.MaxUses},
		Security: token.Security{
			EntropyBits: entropyBits,
			Strength:    strengthLabel(entropyBits),
		},
		Timestamps: token.Timestamps{
			CreatedAt:   now,
			ExpiresAt:   now.Add(e.cfg.TokenTTL),
			GraceEndsAt: now.Add(e.cfg.TokenTTL + e.cfg.GracePeriod),
		},
	}

	if in.Parent == nil {
		rec.FamilyID = uuid.New().String()
		rec.AppendEvent(token.Event{Type: token.EventCreated, At: now, IPAddress: in.Location.IPAddress})
	} else {
		rec.FamilyID = in.Parent.FamilyID
		rec.ParentID = in.Parent.ID
		rec.Generation = in.Parent.Generation + 1
		rec.Device = in.Parent.Device
		rec.Usage.MaxUses = in.Parent.Usage.MaxUses
		// A rotation child keeps a memory of recent risk: the parent's score
		// decays by a fixed step instead of resetting, while accumulated
		// flags and indicators start clean.
		score := in.Parent.Security.TheftDetection.SuspicionScore - e.cfg.SuspicionDecay
		if score < 0 {
			score = 0
		}
		rec.Security.TheftDetection.SuspicionScore = score
		rec.AppendEvent(token.Event{
			Type:      token.EventRefreshed,
			At:        now,
			Detail:    "rotated from " + in.Parent.ID,
			IPAddress: in.Location.IPAddress,
		})
	}

	if err := e.store.Create(ctx, rec); err != nil {
		if errors.Is(err, store.ErrDuplicateHash) {
			return nil, err
		}
		return nil, storeFailure(err)
	}
	e.logger.Debug().
		Str("token_id", rec.ID).
		Str("family_id", rec.FamilyID).
		Int("generation", rec.Generation).
		Msg("token issued")
	return &Issued{Record: rec, Secret: secret}, nil
}
