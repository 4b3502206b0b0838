package engine

import (
	"context"
	"fmt"

	"github.com/tokenkin/tokenkin/hash"
	"github.com/tokenkin/tokenkin/token"
)

// Validation is the outcome of a successful validation. StaleValid marks a
// record accepted inside its grace window: good enough to rotate, not good
// enough for continued multi-use consumption.
type Validation struct {
	Record     *token.Record
	StaleValid bool
}

// Validate checks a candidate secret against the store without mutating
// anything, so it is safe to retry. The checks run in order and
// short-circuit; on the state failures (inactive, expired, uses exhausted)
// the returned Validation still carries the record so callers can persist
// an audit trail of the attempt.
//
// A missing record and a failed secret verification both surface as
// ErrTokenNotFound: responses must not let an adversary tell "wrong secret"
// apart from "right secret, wrong state". The finer-grained sentinels exist
// for internal audit only and all collapse to one message via UserMessage.
func (e *Engine) Validate(ctx context.Context, secret string, req Request) (*Validation, error) {
	rec, err := e.store.FindByHash(ctx, hash.LookupDigest(secret))
	if err != nil {
		e.metrics.recordFailure(ctx, ErrStoreUnavailable)
		return nil, storeFailure(err)
	}
	if rec == nil {
		e.metrics.recordFailure(ctx, ErrTokenNotFound)
		return nil, ErrTokenNotFound
	}

	ok, err := e.hasher.Verify(ctx, secret, hash.Credential{Hash: rec.TokenHash, Salt: rec.Salt, Algorithm: rec.Algorithm})
	if err != nil {
		err = hashFailure(err)
		e.metrics.recordFailure(ctx, err)
		return nil, err
	}
	if !ok {
		// Lookup digest matched but the salted credential did not. Either a
		// digest collision or corrupted storage; same caller-facing class.
		e.logger.Error().Str("token_id", rec.ID).Msg("lookup digest matched but credential verification failed")
		e.metrics.recordFailure(ctx, ErrTokenNotFound)
		return nil, ErrTokenNotFound
	}

	if rec.Status != token.StatusActive {
		e.metrics.recordFailure(ctx, ErrTokenInactive)
		return &Validation{Record: rec}, fmt.Errorf("%w (status %s)", ErrTokenInactive, rec.Status)
	}

	now := e.now()
	stale := false
	if rec.Expired(now) {
		if !rec.InGrace(now) {
			e.metrics.recordFailure(ctx, ErrTokenExpired)
			return &Validation{Record: rec}, ErrTokenExpired
		}
		stale = true
	}

	if rec.UsesExhausted() {
		e.metrics.recordFailure(ctx, ErrMaxUsesExceeded)
		return &Validation{Record: rec}, ErrMaxUsesExceeded
	}

	// Unreachable when issuance enforces the ceiling; kept as a backstop for
	// records written by older or foreign tooling.
	if rec.Generation > e.cfg.GenerationCeiling {
		e.metrics.recordFailure(ctx, ErrMaxGenerationsExceeded)
		return &Validation{Record: rec}, fmt.Errorf("%w: generation %d", ErrMaxGenerationsExceeded, rec.Generation)
	}

	return &Validation{Record: rec, StaleValid: stale}, nil
}
