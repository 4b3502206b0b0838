package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tokenkin/tokenkin/notify"
	"github.com/tokenkin/tokenkin/policy"
	"github.com/tokenkin/tokenkin/store"
	"github.com/tokenkin/tokenkin/token"
)

// RefreshResult is the outcome of a successful refresh. For a single-use
// token, Record and Secret describe the freshly rotated child and Rotated
// is true. For a multi-use token, Record is the updated record, the
// presented secret stays valid, and Secret is empty.
type RefreshResult struct {
	Record  *token.Record
	Secret  string
	Rotated bool
	Theft   TheftAssessment
}

// Refresh runs the full pipeline on a presented secret: validation, device
// verification, theft assessment, then consumption. Single-use tokens are
// consumed atomically and rotated into a child of the same family;
// multi-use tokens spend one use in place.
//
// Every security-relevant mutation made by a failed check is persisted
// before the error returns: a theft attempt must leave an audit trail
// whether or not it succeeds.
func (e *Engine) Refresh(ctx context.Context, secret string, req Request) (*RefreshResult, error) {
	val, err := e.Validate(ctx, secret, req)
	if err != nil {
		if val != nil && val.Record != nil {
			rec := val.Record
			if errors.Is(err, ErrTokenInactive) && rec.Status == token.StatusUsed && rec.Usage.MaxUses == 1 {
				// A consumed single-use token presented again: the replay
				// signature, whether a stolen token or a badly-behaved client.
				e.escalateReuse(ctx, rec, req, "consumed token presented again")
				return nil, fmt.Errorf("%w: %v", ErrConcurrentReuse, err)
			}
			e.auditFailedAttempt(ctx, rec, req, FailureKind(err))
		}
		return nil, err
	}
	rec := val.Record
	now := e.now()

	if check := VerifyDevice(rec, req.DeviceHash, req.UserAgent, now); !check.Valid {
		// The verifier already raised the score and flagged the record; the
		// mutation is persisted even though the refresh fails here.
		e.persistSecurity(ctx, rec, req, now, "device fingerprint mismatch")
		e.emit(notify.Event{
			Type:      notify.TypeDeviceMismatch,
			UserID:    rec.UserID,
			FamilyID:  rec.FamilyID,
			TokenID:   rec.ID,
			Score:     rec.Security.TheftDetection.SuspicionScore,
			IPAddress: req.Location.IPAddress,
			At:        now,
		})
		e.metrics.recordFailure(ctx, ErrDeviceMismatch)
		return nil, ErrDeviceMismatch
	}

	theft := AssessTheft(rec, req.Location.IPAddress, req.DeviceHash, now)
	e.metrics.suspicionScore.Record(ctx, int64(theft.Score))
	if theft.Suspicious {
		e.emit(notify.Event{
			Type:       notify.TypeTheftSuspected,
			UserID:     rec.UserID,
			FamilyID:   rec.FamilyID,
			TokenID:    rec.ID,
			Generation: rec.Generation,
			Score:      theft.Score,
			Indicators: theft.Indicators,
			IPAddress:  req.Location.IPAddress,
			At:         now,
		})
		decision := e.decide(ctx, policy.Input{
			Trigger:        policy.TriggerSuspicion,
			SuspicionScore: theft.Score,
			Indicators:     theft.Indicators,
			Generation:     rec.Generation,
			TrustLevel:     rec.Device.TrustLevel,
			StrictBinding:  rec.Device.StrictBinding,
		})
		if decision.Contain {
			e.persistSecurity(ctx, rec, req, now, "containment: "+decision.Reason)
			e.containFamily(ctx, rec, req, decision.Reason)
			e.metrics.recordFailure(ctx, ErrTokenInactive)
			return nil, fmt.Errorf("%w: family contained", ErrTokenInactive)
		}
		e.logger.Warn().
			Str("token_id", rec.ID).
			Str("family_id", rec.FamilyID).
			Int("score", theft.Score).
			Strs("indicators", theft.Indicators).
			Msg("suspicious token use, containment left to caller")
	}

	if rec.Usage.MaxUses == 1 {
		child, err := e.rotate(ctx, rec, req, now)
		if err != nil {
			return nil, err
		}
		return &RefreshResult{Record: child.Record, Secret: child.Secret, Rotated: true, Theft: theft}, nil
	}

	// The grace window admits rotation only; a multi-use token past its
	// nominal expiry is done.
	if val.StaleValid {
		e.metrics.recordFailure(ctx, ErrTokenExpired)
		return nil, ErrTokenExpired
	}
	if err := e.recordUse(ctx, rec, req, now); err != nil {
		return nil, err
	}
	return &RefreshResult{Record: rec, Theft: theft}, nil
}

// rotate consumes a single-use record and issues its child. The consume is
// a conditional write guarded on the observed pre-state, so of two
// concurrent attempts exactly one wins; the loser surfaces the replay
// signature. A cancelled rotation either fully committed or left the record
// untouched.
func (e *Engine) rotate(ctx context.Context, rec *token.Record, req Request, now time.Time) (*Issued, error) {
	observed := rec.Usage.UseCount
	rec.Status = token.StatusUsed
	rec.Usage.UseCount++
	t := now
	rec.Timestamps.LastUsedAt = &t
	rec.AppendAttempt(token.UsageAttempt{At: now, IPAddress: req.Location.IPAddress, UserAgent: req.UserAgent, Success: true})
	rec.AppendEvent(token.Event{Type: token.EventUsed, At: now, IPAddress: req.Location.IPAddress})

	err := e.store.ConditionalUpdate(ctx, rec, store.Expect{Status: token.StatusActive, UseCountBelow: observed + 1})
	switch {
	case errors.Is(err, store.ErrConflict):
		e.metrics.recordFailure(ctx, ErrConcurrentReuse)
		e.escalateReuse(ctx, rec, req, "lost rotation race")
		return nil, ErrConcurrentReuse
	case errors.Is(err, store.ErrNotFound):
		e.metrics.recordFailure(ctx, ErrTokenNotFound)
		return nil, ErrTokenNotFound
	case err != nil:
		e.metrics.recordFailure(ctx, ErrStoreUnavailable)
		return nil, storeFailure(err)
	}

	child, err := e.Issue(ctx, IssueInput{UserID: rec.UserID, Location: req.Location, Parent: rec})
	if err != nil {
		// The parent is consumed and no child exists; this family ends here
		// unless the caller re-authenticates. Loud on purpose.
		e.logger.Error().Err(err).
			Str("token_id", rec.ID).
			Str("family_id", rec.FamilyID).
			Msg("child issuance failed after parent was consumed")
		return nil, err
	}
	e.metrics.rotations.Add(ctx, 1)
	return child, nil
}

// recordUse spends one use of a multi-use record in place; the final
// permitted use transitions it to used. A conflict here is a lost slot
// race, not by itself a replay signature: multi-use records legitimately
// see concurrent presentation, so the loser just fails without containment.
func (e *Engine) recordUse(ctx context.Context, rec *token.Record, req Request, now time.Time) error {
	observed := rec.Usage.UseCount
	rec.Usage.UseCount++
	if rec.Usage.UseCount >= rec.Usage.MaxUses {
		rec.Status = token.StatusUsed
	}
	t := now
	rec.Timestamps.LastUsedAt = &t
	rec.AppendAttempt(token.UsageAttempt{At: now, IPAddress: req.Location.IPAddress, UserAgent: req.UserAgent, Success: true})
	rec.AppendEvent(token.Event{Type: token.EventUsed, At: now, IPAddress: req.Location.IPAddress})

	err := e.store.ConditionalUpdate(ctx, rec, store.Expect{Status: token.StatusActive, UseCountBelow: observed + 1})
	switch {
	case errors.Is(err, store.ErrConflict):
		e.metrics.recordFailure(ctx, ErrConcurrentReuse)
		return ErrConcurrentReuse
	case errors.Is(err, store.ErrNotFound):
		e.metrics.recordFailure(ctx, ErrTokenNotFound)
		return ErrTokenNotFound
	case err != nil:
		e.metrics.recordFailure(ctx, ErrStoreUnavailable)
		return storeFailure(err)
	}
	return nil
}

// escalateReuse handles the replay signature: audit the attempt on the
// presented record, tell the outside world, and ask the containment policy
// whether to revoke the family now or leave it as a recommendation.
func (e *Engine) escalateReuse(ctx context.Context, rec *token.Record, req Request, detail string) {
	now := e.now()
	e.metrics.reuseDetected.Add(ctx, 1)
	e.logger.Warn().
		Str("token_id", rec.ID).
		Str("family_id", rec.FamilyID).
		Str("ip", req.Location.IPAddress).
		Str("detail", detail).
		Msg("token reuse detected")

	attempt := token.UsageAttempt{At: now, IPAddress: req.Location.IPAddress, UserAgent: req.UserAgent, Success: false}
	ev := token.Event{Type: token.EventFlagged, At: now, Detail: detail, IPAddress: req.Location.IPAddress}
	if err := e.store.UpdateSecurity(ctx, rec.ID, rec.Security, &attempt, ev); err != nil {
		e.logger.Error().Err(err).Str("token_id", rec.ID).Msg("persisting reuse audit trail failed")
	}
	e.emit(notify.Event{
		Type:       notify.TypeReuseDetected,
		UserID:     rec.UserID,
		FamilyID:   rec.FamilyID,
		TokenID:    rec.ID,
		Generation: rec.Generation,
		IPAddress:  req.Location.IPAddress,
		Detail:     detail,
		At:         now,
	})

	decision := e.decide(ctx, policy.Input{
		Trigger:        policy.TriggerReuse,
		SuspicionScore: rec.Security.TheftDetection.SuspicionScore,
		Indicators:     rec.Security.TheftDetection.Indicators,
		Generation:     rec.Generation,
		TrustLevel:     rec.Device.TrustLevel,
		StrictBinding:  rec.Device.StrictBinding,
	})
	if decision.Contain {
		e.containFamily(ctx, rec, req, decision.Reason)
	}
}

// containFamily is the containment action: mark the presented record
// compromised and revoke everything else in its family.
func (e *Engine) containFamily(ctx context.Context, rec *token.Record, req Request, why string) {
	now := e.now()
	comp := rec.Clone()
	comp.Status = token.StatusCompromised
	comp.AppendEvent(token.Event{Type: token.EventFlagged, At: now, Detail: "containment: " + why, IPAddress: req.Location.IPAddress})
	if err := e.store.ConditionalUpdate(ctx, comp, store.Expect{Status: rec.Status}); err != nil {
		// Lost to a concurrent transition; the bulk revocation below still
		// covers the family member that won.
		e.logger.Debug().Err(err).Str("token_id", rec.ID).Msg("compromised transition lost a race")
	}
	if _, err := e.revokeFamily(ctx, rec.FamilyID, rec.UserID, token.ReasonTheftDetected, token.SystemActor, req.Location.IPAddress, req.DeviceHash); err != nil {
		e.logger.Error().Err(err).Str("family_id", rec.FamilyID).Msg("family containment failed")
	}
}

// decide consults the containment policy, falling back to the static
// defaults when the evaluator itself fails. A broken policy must not turn
// into an open gate.
func (e *Engine) decide(ctx context.Context, in policy.Input) policy.Decision {
	d, err := e.policy.Decide(ctx, in)
	if err != nil {
		e.logger.Error().Err(err).Str("trigger", string(in.Trigger)).Msg("containment policy evaluation failed, using static defaults")
		d, _ = policy.NewStatic().Decide(ctx, in)
	}
	return d
}

// persistSecurity writes the record's mutated security block along with a
// failed usage attempt and a flagged audit event.
func (e *Engine) persistSecurity(ctx context.Context, rec *token.Record, req Request, now time.Time, detail string) {
	attempt := token.UsageAttempt{At: now, IPAddress: req.Location.IPAddress, UserAgent: req.UserAgent, Success: false}
	ev := token.Event{Type: token.EventFlagged, At: now, Detail: detail, IPAddress: req.Location.IPAddress}
	if err := e.store.UpdateSecurity(ctx, rec.ID, rec.Security, &attempt, ev); err != nil {
		e.logger.Error().Err(err).Str("token_id", rec.ID).Msg("persisting security mutation failed")
	}
}

// auditFailedAttempt records a failed presentation on a record that was
// found and verified but rejected on state.
func (e *Engine) auditFailedAttempt(ctx context.Context, rec *token.Record, req Request, kind string) {
	now := e.now()
	attempt := token.UsageAttempt{At: now, IPAddress: req.Location.IPAddress, UserAgent: req.UserAgent, Success: false}
	if err := e.store.UpdateSecurity(ctx, rec.ID, rec.Security, &attempt, token.Event{Type: token.EventFlagged, At: now, Detail: kind, IPAddress: req.Location.IPAddress}); err != nil {
		e.logger.Error().Err(err).Str("token_id", rec.ID).Msg("persisting failed attempt audit trail failed")
	}
}

func (e *Engine) emit(ev notify.Event) {
	notify.EmitAsync(e.notifier, ev, e.logger)
}
