// Package token defines the persisted refresh-token record model shared by
// the engine, the stores, and administrative tooling. The JSON tags are the
// storage contract: every store implementation and every external consumer
// of the data reads and writes this exact shape.
package token

import "time"

// HistoryLimit bounds the usage-attempt history kept on a record. Older
// entries are dropped as new ones are appended.
const HistoryLimit = 20

// Security flags and theft indicators are part of the persisted vocabulary.
const (
	FlagDeviceMismatch = "device_mismatch"

	IndicatorDeviceHashMismatch = "device_hash_mismatch"
	IndicatorRapidUsage         = "rapid_token_usage"
	IndicatorLocationChange     = "location_change"
	IndicatorDeviceChange       = "device_change"
)

// Device is the client binding captured at issuance.
type Device struct {
	DeviceHash    string `json:"deviceHash"`
	Platform      string `json:"platform,omitempty"`
	Browser       string `json:"browser,omitempty"`
	TrustLevel    int    `json:"trustLevel"` // 1 (unknown) .. 5 (attested)
	StrictBinding bool   `json:"strictBinding"`
}

// Location holds the request origin and coarse signals derived for it by an
// upstream IP-intelligence lookup. The engine treats these as opaque inputs.
type Location struct {
	IPAddress string `json:"ipAddress"`
	Country   string `json:"country,omitempty"`
	IsVPN     bool   `json:"isVPN,omitempty"`
	IsProxy   bool   `json:"isProxy,omitempty"`
	IsTor     bool   `json:"isTor,omitempty"`
	RiskScore int    `json:"riskScore"` // 0..100
}

// UsageAttempt is one entry in the bounded usage history.
type UsageAttempt struct {
	At        time.Time `json:"at"`
	IPAddress string    `json:"ipAddress,omitempty"`
	UserAgent string    `json:"userAgent,omitempty"`
	Success   bool      `json:"success"`
}

// Usage tracks how often a record has been presented.
type Usage struct {
	UseCount int            `json:"useCount"`
	MaxUses  int            `json:"maxUses"` // >= 1; 1 means single-use/rotating
	History  []UsageAttempt `json:"history,omitempty"`
}

// TheftDetection is the scoring state written by the detector and the
// device verifier.
type TheftDetection struct {
	SuspicionScore int        `json:"suspicionScore"` // 0..100
	Indicators     []string   `json:"indicators,omitempty"`
	LastAssessment *time.Time `json:"lastThreatAssessment,omitempty"`
}

// Security groups secret-strength metadata, accumulated flags, and the
// theft-detection state.
type Security struct {
	EntropyBits    int            `json:"entropyBits"`
	Strength       string         `json:"strength,omitempty"`
	Flags          []string       `json:"flags,omitempty"`
	TheftDetection TheftDetection `json:"theftDetection"`
}

// Timestamps groups the lifecycle clock fields.
type Timestamps struct {
	CreatedAt   time.Time  `json:"createdAt"`
	LastUsedAt  *time.Time `json:"lastUsedAt,omitempty"` // nil until first use
	ExpiresAt   time.Time  `json:"expiresAt"`
	GraceEndsAt time.Time  `json:"gracePeriodEnds"`
}

// Audit is the append-only event trail.
type Audit struct {
	Events []Event `json:"events,omitempty"`
}

// Record is the sole persisted entity: one issued refresh token, identified
// by a deterministic lookup digest, carrying its family lineage, bindings,
// usage accounting, and security state. The plaintext secret never appears
// here in any form other than its one-way digests.
type Record struct {
	ID           string `json:"tokenId"`
	UserID       string `json:"userId"`
	FamilyID     string `json:"familyId"`
	ParentID     string `json:"parentTokenId,omitempty"` // empty for first generation
	Generation   int    `json:"generation"`
	Status       Status `json:"status"`
	LookupDigest string `json:"lookupDigest"` // SHA-256 of the secret; retrieval key
	TokenHash    string `json:"tokenHash"`    // salted verification digest
	Salt         string `json:"salt"`
	Algorithm    string `json:"algorithm"`

	Device     Device      `json:"device"`
	Location   Location    `json:"location"`
	Usage      Usage       `json:"usage"`
	Security   Security    `json:"security"`
	Timestamps Timestamps  `json:"timestamps"`
	Revocation *Revocation `json:"revocation,omitempty"`
	Audit      Audit       `json:"audit"`
}

// Expired reports whether the record's nominal lifetime has passed.
func (r *Record) Expired(now time.Time) bool {
	return now.After(r.Timestamps.ExpiresAt)
}

// InGrace reports whether the record is past expiry but still inside the
// grace window that tolerates clock skew at rotation time.
func (r *Record) InGrace(now time.Time) bool {
	return r.Expired(now) && !now.After(r.Timestamps.GraceEndsAt)
}

// UsesExhausted reports whether the record has no uses left.
func (r *Record) UsesExhausted() bool {
	return r.Usage.UseCount >= r.Usage.MaxUses
}

// RecentUses counts usage-history entries newer than now minus window.
func (r *Record) RecentUses(window time.Duration, now time.Time) int {
	cutoff := now.Add(-window)
	n := 0
	for _, a := range r.Usage.History {
		if a.At.After(cutoff) {
			n++
		}
	}
	return n
}

// AppendEvent adds an entry to the audit trail.
func (r *Record) AppendEvent(e Event) {
	r.Audit.Events = append(r.Audit.Events, e)
}

// AppendAttempt adds a usage attempt, dropping the oldest entries beyond
// HistoryLimit.
func (r *Record) AppendAttempt(a UsageAttempt) {
	r.Usage.History = append(r.Usage.History, a)
	if n := len(r.Usage.History); n > HistoryLimit {
		r.Usage.History = r.Usage.History[n-HistoryLimit:]
	}
}

// HasFlag reports whether the security flag is already present.
func (r *Record) HasFlag(flag string) bool {
	for _, f := range r.Security.Flags {
		if f == flag {
			return true
		}
	}
	return false
}

// AddFlag appends a security flag if not already present.
func (r *Record) AddFlag(flag string) {
	if !r.HasFlag(flag) {
		r.Security.Flags = append(r.Security.Flags, flag)
	}
}

// Clone returns a deep copy of the security block.
func (s Security) Clone() Security {
	c := s
	if s.Flags != nil {
		c.Flags = append([]string(nil), s.Flags...)
	}
	if s.TheftDetection.Indicators != nil {
		c.TheftDetection.Indicators = append([]string(nil), s.TheftDetection.Indicators...)
	}
	if s.TheftDetection.LastAssessment != nil {
		t := *s.TheftDetection.LastAssessment
		c.TheftDetection.LastAssessment = &t
	}
	return c
}

// Clone returns a deep copy. Stores hand out clones so callers can mutate
// records freely before writing them back.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	if r.Usage.History != nil {
		c.Usage.History = append([]UsageAttempt(nil), r.Usage.History...)
	}
	c.Security = r.Security.Clone()
	if r.Timestamps.LastUsedAt != nil {
		t := *r.Timestamps.LastUsedAt
		c.Timestamps.LastUsedAt = &t
	}
	if r.Revocation != nil {
		rev := *r.Revocation
		c.Revocation = &rev
	}
	if r.Audit.Events != nil {
		c.Audit.Events = append([]Event(nil), r.Audit.Events...)
	}
	return &c
}
