// Package notify carries security events across the audit/notification
// delivery boundary. Emission is best-effort: the request path logs failures
// and moves on, it never blocks or fails on delivery.
package notify

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Event types emitted by the engine.
const (
	TypeReuseDetected  = "reuse_detected"
	TypeTheftSuspected = "theft_suspected"
	TypeFamilyRevoked  = "family_revoked"
	TypeDeviceMismatch = "device_mismatch"
)

// Event is one security occurrence worth telling the outside world about.
// The JSON shape is what downstream consumers (the audit relay, SIEM hooks)
// parse.
type Event struct {
	Type       string    `json:"eventType"`
	UserID     string    `json:"userId,omitempty"`
	FamilyID   string    `json:"familyId,omitempty"`
	TokenID    string    `json:"tokenId,omitempty"`
	Generation int       `json:"generation,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Score      int       `json:"suspicionScore,omitempty"`
	Indicators []string  `json:"indicators,omitempty"`
	IPAddress  string    `json:"ipAddress,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	At         time.Time `json:"at"`
}

// Notifier delivers security events. Best-effort; callers log and ignore
// errors. Call Close when shutting down.
type Notifier interface {
	Emit(ctx context.Context, ev Event) error
	Close() error
}

// Noop discards all events.
type Noop struct{}

// Emit does nothing.
func (Noop) Emit(context.Context, Event) error { return nil }

// Close does nothing.
func (Noop) Close() error { return nil }

// emitTimeout is the max time allowed for a single async emit.
const emitTimeout = 5 * time.Second

// EmitAsync runs Emit in a goroutine with a fresh timeout so the caller is
// never blocked on delivery. The goroutine uses context.Background() so
// request cancellation does not abort an in-flight emit. Errors are logged.
func EmitAsync(n Notifier, ev Event, logger zerolog.Logger) {
	if n == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), emitTimeout)
		defer cancel()
		if err := n.Emit(ctx, ev); err != nil {
			logger.Error().Err(err).Str("event_type", ev.Type).Str("family_id", ev.FamilyID).Msg("security event emit failed")
		}
	}()
}
