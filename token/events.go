package token

import "time"

// EventType classifies an entry in a record's audit trail.
type EventType string

const (
	EventCreated   EventType = "created"
	EventUsed      EventType = "used"
	EventRefreshed EventType = "refreshed"
	EventRevoked   EventType = "revoked"
	EventExpired   EventType = "expired"
	EventFlagged   EventType = "flagged"
)

// Event is a single append-only audit trail entry.
type Event struct {
	Type      EventType `json:"type"`
	At        time.Time `json:"at"`
	Detail    string    `json:"detail,omitempty"`
	IPAddress string    `json:"ipAddress,omitempty"`
}

// RevocationReason enumerates why a record or family was revoked.
type RevocationReason string

const (
	ReasonTheftDetected  RevocationReason = "theft_detected"
	ReasonUserLogout     RevocationReason = "user_logout"
	ReasonAdminAction    RevocationReason = "admin_action"
	ReasonSecurityPolicy RevocationReason = "security_policy"
	ReasonTokenExpired   RevocationReason = "token_expired"
)

// Revocation records who revoked a token, when, and from where.
// Populated when a record leaves circulation; the reaper stamps it with
// RevokedBy "system" when expiring records.
type Revocation struct {
	Reason     RevocationReason `json:"reason"`
	RevokedBy  string           `json:"revokedBy"`
	RevokedAt  time.Time        `json:"revokedAt"`
	IPAddress  string           `json:"ipAddress,omitempty"`
	DeviceHash string           `json:"deviceHash,omitempty"`
}

// SystemActor is the RevokedBy value for revocations originated by the
// engine itself rather than a caller.
const SystemActor = "system"
