package token

// Status is the lifecycle state of a token record.
type Status string

const (
	StatusActive      Status = "active"
	StatusUsed        Status = "used"
	StatusRevoked     Status = "revoked"
	StatusExpired     Status = "expired"
	StatusCompromised Status = "compromised"
)

// Terminal reports whether s admits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusRevoked, StatusExpired, StatusCompromised:
		return true
	}
	return false
}

// CanTransitionTo reports whether the state machine permits moving from s to next.
// Active records may move to any other state. Used records may still be revoked
// (explicit logout after consumption) or marked compromised (containment of a
// replayed token). Terminal states are frozen.
func (s Status) CanTransitionTo(next Status) bool {
	if s.Terminal() || s == next {
		return false
	}
	switch s {
	case StatusActive:
		return next == StatusUsed || next == StatusRevoked || next == StatusExpired || next == StatusCompromised
	case StatusUsed:
		return next == StatusRevoked || next == StatusCompromised
	}
	return false
}

// Valid reports whether s is one of the known lifecycle states.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusUsed, StatusRevoked, StatusExpired, StatusCompromised:
		return true
	}
	return false
}
