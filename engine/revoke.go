package engine

import (
	"context"
	"errors"

	"github.com/tokenkin/tokenkin/notify"
	"github.com/tokenkin/tokenkin/token"
)

// RevokeFamily transitions every active or used member of the family to
// revoked, stamping who did it and why. The bulk update is one atomic
// store write: a validation in flight sees the family either before or
// after, never half-revoked. Idempotent; a second call reports zero
// affected records.
func (e *Engine) RevokeFamily(ctx context.Context, familyID string, reason token.RevocationReason, actor string) (int64, error) {
	return e.revokeFamily(ctx, familyID, "", reason, actor, "", "")
}

func (e *Engine) revokeFamily(ctx context.Context, familyID, userID string, reason token.RevocationReason, actor, originIP, originDevice string) (int64, error) {
	if familyID == "" {
		return 0, errors.New("engine: revoke requires a family id")
	}
	now := e.now()
	rev := token.Revocation{
		Reason:     reason,
		RevokedBy:  actor,
		RevokedAt:  now,
		IPAddress:  originIP,
		DeviceHash: originDevice,
	}
	ev := token.Event{Type: token.EventRevoked, At: now, Detail: string(reason), IPAddress: originIP}
	n, err := e.store.BulkUpdateFamily(ctx, familyID, []token.Status{token.StatusActive, token.StatusUsed}, rev, ev)
	if err != nil {
		e.metrics.recordFailure(ctx, ErrStoreUnavailable)
		return 0, storeFailure(err)
	}
	e.logger.Info().
		Str("family_id", familyID).
		Str("reason", string(reason)).
		Str("actor", actor).
		Int64("affected", n).
		Msg("token family revoked")
	if n > 0 {
		e.metrics.recordFamilyRevoked(ctx, string(reason))
		e.emit(notify.Event{
			Type:      notify.TypeFamilyRevoked,
			UserID:    userID,
			FamilyID:  familyID,
			Reason:    string(reason),
			IPAddress: originIP,
			At:        now,
		})
	}
	return n, nil
}

// RevokeUser revokes every token family the user owns: the
// "log out all devices" action. Each family is revoked atomically on its
// own; cross-family atomicity is not required and not provided.
func (e *Engine) RevokeUser(ctx context.Context, userID string, reason token.RevocationReason, actor string) (int64, error) {
	if userID == "" {
		return 0, errors.New("engine: revoke requires a user id")
	}
	families, err := e.store.ListUserFamilies(ctx, userID)
	if err != nil {
		e.metrics.recordFailure(ctx, ErrStoreUnavailable)
		return 0, storeFailure(err)
	}
	var total int64
	for _, fam := range families {
		n, err := e.revokeFamily(ctx, fam, userID, reason, actor, "", "")
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}
