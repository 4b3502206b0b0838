package notify

import (
	"context"
	"time"

	otellog "go.opentelemetry.io/otel/log"
	sdklog "go.opentelemetry.io/otel/sdk/log"
)

// NewOTelLog returns a Notifier that sends events as OTel log records via
// the given LoggerProvider. If provider is nil, returns a no-op notifier.
func NewOTelLog(provider *sdklog.LoggerProvider) Notifier {
	if provider == nil {
		return Noop{}
	}
	return &otelNotifier{logger: provider.Logger("tokenkin.security")}
}

type otelNotifier struct {
	logger otellog.Logger
}

// Emit converts the event to an OTel log record and emits it.
func (e *otelNotifier) Emit(ctx context.Context, ev Event) error {
	rec := otellog.Record{}
	if !ev.At.IsZero() {
		rec.SetTimestamp(ev.At)
	} else {
		rec.SetTimestamp(time.Now().UTC())
	}
	rec.SetBody(otellog.StringValue(ev.Type))
	rec.AddAttributes(otellog.String("event_type", ev.Type))
	if ev.UserID != "" {
		rec.AddAttributes(otellog.String("user_id", ev.UserID))
	}
	if ev.FamilyID != "" {
		rec.AddAttributes(otellog.String("family_id", ev.FamilyID))
	}
	if ev.TokenID != "" {
		rec.AddAttributes(otellog.String("token_id", ev.TokenID))
	}
	if ev.Reason != "" {
		rec.AddAttributes(otellog.String("reason", ev.Reason))
	}
	if ev.Score > 0 {
		rec.AddAttributes(otellog.Int("suspicion_score", ev.Score))
	}
	if ev.IPAddress != "" {
		rec.AddAttributes(otellog.String("ip_address", ev.IPAddress))
	}
	if ev.Detail != "" {
		rec.AddAttributes(otellog.String("detail", ev.Detail))
	}
	e.logger.Emit(ctx, rec)
	return nil
}

// Close is a no-op; the provider's lifecycle is owned by the telemetry setup.
func (e *otelNotifier) Close() error { return nil }
