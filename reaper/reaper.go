// Package reaper sweeps expired token records into their terminal state and
// purges old terminal records past the retention window. The reaper owns no
// schedule of its own beyond Run's plain ticker; production deployments may
// equally call SweepExpired and Purge from whatever scheduler the
// surrounding system uses.
package reaper

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/tokenkin/tokenkin/store"
	"github.com/tokenkin/tokenkin/token"
)

// Config carries the reaper's tunables. Zero values select the defaults.
type Config struct {
	// Interval between sweeps when driven by Run.
	Interval time.Duration
	// Retention is how long revoked and expired records are kept before the
	// hard delete. Compromised records are never purged; they stay for
	// forensics.
	Retention time.Duration
	// BatchSize bounds how many records one sweep pass loads at a time.
	BatchSize int
}

const (
	defaultInterval  = 15 * time.Minute
	defaultRetention = 30 * 24 * time.Hour
	defaultBatchSize = 500
)

// Reaper transitions expired records and deletes old terminal ones.
type Reaper struct {
	cfg    Config
	store  store.Repository
	logger zerolog.Logger
	now    func() time.Time
}

// New returns a Reaper over the given store.
func New(cfg Config, st store.Repository, logger zerolog.Logger, now func() time.Time) *Reaper {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.Retention <= 0 {
		cfg.Retention = defaultRetention
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Reaper{cfg: cfg, store: st, logger: logger, now: now}
}

// SweepExpired transitions every active record whose expiry has passed to
// expired, stamping a system-originated revocation reason. Each transition
// uses the same conditional-update discipline as rotation, so a record
// consumed or revoked mid-sweep is simply skipped. Returns the number of
// records transitioned.
func (r *Reaper) SweepExpired(ctx context.Context) (int64, error) {
	var swept int64
	for {
		now := r.now()
		batch, err := r.store.ListExpired(ctx, now, r.cfg.BatchSize)
		if err != nil {
			return swept, err
		}
		if len(batch) == 0 {
			return swept, nil
		}
		progressed := false
		for _, rec := range batch {
			upd := rec.Clone()
			upd.Status = token.StatusExpired
			upd.Revocation = &token.Revocation{
				Reason:    token.ReasonTokenExpired,
				RevokedBy: token.SystemActor,
				RevokedAt: now,
			}
			upd.AppendEvent(token.Event{Type: token.EventExpired, At: now})
			err := r.store.ConditionalUpdate(ctx, upd, store.Expect{Status: token.StatusActive})
			switch {
			case errors.Is(err, store.ErrConflict), errors.Is(err, store.ErrNotFound):
				// Lost to a concurrent transition; not ours anymore.
				continue
			case err != nil:
				return swept, err
			}
			swept++
			progressed = true
		}
		if !progressed {
			// Everything in the batch was raced away; stop rather than spin.
			return swept, nil
		}
		if len(batch) < r.cfg.BatchSize {
			return swept, nil
		}
	}
}

// Purge hard-deletes revoked and expired records older than the retention
// window. Destructive and irreversible; runs in its own store operation,
// never in the sweep's transaction, and only ever touches terminal records.
func (r *Reaper) Purge(ctx context.Context) (int64, error) {
	cutoff := r.now().Add(-r.cfg.Retention)
	return r.store.DeleteOlderThan(ctx, cutoff, []token.Status{token.StatusRevoked, token.StatusExpired})
}

// Run sweeps and purges on the configured interval until the context is
// cancelled. Errors are logged and the loop keeps going; a broken pass must
// not stop future ones.
func (r *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if n, err := r.SweepExpired(ctx); err != nil {
				r.logger.Error().Err(err).Msg("expiry sweep failed")
			} else if n > 0 {
				r.logger.Info().Int64("expired", n).Msg("expiry sweep done")
			}
			if n, err := r.Purge(ctx); err != nil {
				r.logger.Error().Err(err).Msg("retention purge failed")
			} else if n > 0 {
				r.logger.Info().Int64("purged", n).Msg("retention purge done")
			}
		}
	}
}
