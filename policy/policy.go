// Package policy decides what happens when the engine sees signs of
// credential theft: automatic family containment, or a recommendation left
// to the caller. Detection stays in the engine; this package only answers
// "revoke the family now, yes or no".
package policy

import "context"

// Trigger identifies the condition being evaluated.
type Trigger string

const (
	// TriggerReuse fires when a consumed single-use token is presented again,
	// either a lost rotation race or a replayed stolen token.
	TriggerReuse Trigger = "concurrent_reuse"
	// TriggerSuspicion fires when the theft detector declares a record
	// suspicious.
	TriggerSuspicion Trigger = "suspicion"
)

// Input carries the signals available at decision time.
type Input struct {
	Trigger        Trigger
	SuspicionScore int
	Indicators     []string
	Generation     int
	TrustLevel     int
	StrictBinding  bool
}

// Decision is the evaluator's verdict. Reason is a short diagnostic that
// ends up in logs and security events, not in user-facing errors.
type Decision struct {
	Contain bool
	Reason  string
}

// Evaluator decides whether a theft signal triggers containment.
type Evaluator interface {
	Decide(ctx context.Context, in Input) (Decision, error)
	HealthCheck(ctx context.Context) error
}

// Static is the built-in evaluator. Reuse of a consumed token contains by
// default (the classic refresh-token-replay signature); a suspicious score
// alone stays a recommendation unless ContainOnSuspicion is set.
type Static struct {
	ContainOnReuse     bool
	ContainOnSuspicion bool
	SuspicionThreshold int
}

// NewStatic returns the default policy: contain on reuse, recommend on
// suspicion.
func NewStatic() *Static {
	return &Static{ContainOnReuse: true, SuspicionThreshold: 50}
}

// Decide applies the configured rules.
func (s *Static) Decide(ctx context.Context, in Input) (Decision, error) {
	switch in.Trigger {
	case TriggerReuse:
		if s.ContainOnReuse {
			return Decision{Contain: true, Reason: "consumed token presented again"}, nil
		}
	case TriggerSuspicion:
		if s.ContainOnSuspicion && in.SuspicionScore > s.SuspicionThreshold {
			return Decision{Contain: true, Reason: "suspicion score above threshold"}, nil
		}
	}
	return Decision{}, nil
}

// HealthCheck always succeeds; Static has nothing to compile or reach.
func (s *Static) HealthCheck(ctx context.Context) error { return nil }
