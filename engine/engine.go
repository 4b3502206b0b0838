// Package engine implements the refresh-token lifecycle: issuance,
// validation, rotation with replay detection, theft scoring, and family
// containment. It is a library consumed by an upstream session layer and
// holds no global state; everything arrives through New.
package engine

import (
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/tokenkin/tokenkin/hash"
	"github.com/tokenkin/tokenkin/notify"
	"github.com/tokenkin/tokenkin/policy"
	"github.com/tokenkin/tokenkin/store"
	"github.com/tokenkin/tokenkin/token"
)

// Config carries the engine's tunables. Zero values select the defaults.
type Config struct {
	// TokenTTL is the nominal lifetime of an issued token.
	TokenTTL time.Duration
	// GracePeriod extends expiry for rotation only, tolerating clock skew.
	GracePeriod time.Duration
	// GenerationCeiling caps rotation depth within a family. Reaching it is
	// fatal for that family.
	GenerationCeiling int
	// SuspicionDecay is subtracted from the parent's suspicion score when a
	// rotation child inherits its theft-detection baseline.
	SuspicionDecay int
	// CreateAttempts bounds retries on a token-hash collision at issuance.
	CreateAttempts int
}

const (
	defaultTokenTTL          = 168 * time.Hour
	defaultGracePeriod       = 5 * time.Minute
	defaultGenerationCeiling = 1000
	defaultSuspicionDecay    = 10
	defaultCreateAttempts    = 3

	// velocityWindow and velocityThreshold drive the rapid-usage signal.
	velocityWindow    = 5 * time.Minute
	velocityThreshold = 5

	// Signal weights for the theft detector and the device verifier.
	weightRapidUsage     = 25
	weightLocationChange = 20
	weightDeviceChange   = 30
	weightDeviceMismatch = 30

	// suspicionCutoff is the score above which a record is declared suspicious.
	suspicionCutoff = 50
)

func (c Config) withDefaults() Config {
	if c.TokenTTL <= 0 {
		c.TokenTTL = defaultTokenTTL
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = defaultGracePeriod
	}
	if c.GenerationCeiling <= 0 {
		c.GenerationCeiling = defaultGenerationCeiling
	}
	if c.SuspicionDecay <= 0 {
		c.SuspicionDecay = defaultSuspicionDecay
	}
	if c.CreateAttempts <= 0 {
		c.CreateAttempts = defaultCreateAttempts
	}
	return c
}

// Deps are the engine's collaborators. Store and Hasher are required; the
// rest default to no-op or built-in implementations.
type Deps struct {
	Store    store.Repository
	Hasher   hash.Provider
	Policy   policy.Evaluator
	Notifier notify.Notifier
	Logger   zerolog.Logger
	Meter    metric.Meter
	// Now supplies the clock; defaults to UTC wall time. Injected so expiry,
	// grace, and velocity windows are deterministic under test.
	Now func() time.Time
	// NewSecret supplies opaque secrets; defaults to 32 bytes of crypto/rand.
	NewSecret SecretFunc
}

// Engine is the rotation and theft-detection engine. Safe for concurrent
// use; all mutability lives in the store.
type Engine struct {
	cfg      Config
	store    store.Repository
	hasher   hash.Provider
	policy   policy.Evaluator
	notifier notify.Notifier
	logger   zerolog.Logger
	metrics  *metrics
	now      func() time.Time
	secret   SecretFunc
}

// New constructs an Engine. Panics if Store or Hasher is nil: those are
// programming errors, not runtime conditions.
func New(cfg Config, deps Deps) *Engine {
	if deps.Store == nil {
		panic("engine: Deps.Store is required")
	}
	if deps.Hasher == nil {
		panic("engine: Deps.Hasher is required")
	}
	if deps.Policy == nil {
		deps.Policy = policy.NewStatic()
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.Noop{}
	}
	if deps.Meter == nil {
		deps.Meter = noop.NewMeterProvider().Meter("tokenkin")
	}
	if deps.Now == nil {
		deps.Now = func() time.Time { return time.Now().UTC() }
	}
	if deps.NewSecret == nil {
		deps.NewSecret = RandomSecret
	}
	return &Engine{
		cfg:      cfg.withDefaults(),
		store:    deps.Store,
		hasher:   deps.Hasher,
		policy:   deps.Policy,
		notifier: deps.Notifier,
		logger:   deps.Logger,
		metrics:  newMetrics(deps.Meter),
		now:      deps.Now,
		secret:   deps.NewSecret,
	}
}

// Request is the context a refresh or validation attempt arrives with.
// Location.IPAddress is the request origin; the rest of Location carries
// whatever signals the upstream IP-intelligence lookup derived for it.
type Request struct {
	DeviceHash string
	UserAgent  string
	Location   token.Location
}
