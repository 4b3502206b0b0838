package engine

import (
	"time"

	"github.com/tokenkin/tokenkin/token"
)

// TheftAssessment is the detector's verdict: a bounded score, the signals
// that produced it, and whether the record crossed the suspicion cutoff.
// Suspicious is a recommendation to contain the family, never an action —
// detection stays separate from containment so the scoring is pure and
// testable on its own.
type TheftAssessment struct {
	Score      int
	Indicators []string
	Suspicious bool
}

// AssessTheft recomputes the record's suspicion score from the signals
// available at request time: usage velocity, a coarse location-change
// proxy, and a device-fingerprint change. Each signal carries a fixed
// weight; the sum is clamped to [0, 100]. The fresh score and indicator
// list replace the previous assessment on rec.Security.TheftDetection,
// stamped with the assessment time. The caller owns persistence.
//
// The location signal is deliberately coarse: any IP differing from the
// bound one while a prior country is known counts, with no distance or
// travel-time math. True geolocation is an upstream concern.
func AssessTheft(rec *token.Record, ip, deviceHash string, now time.Time) TheftAssessment {
	score := 0
	var indicators []string

	if rec.RecentUses(velocityWindow, now) > velocityThreshold {
		score += weightRapidUsage
		indicators = append(indicators, token.IndicatorRapidUsage)
	}
	if ip != "" && ip != rec.Location.IPAddress && rec.Location.Country != "" {
		score += weightLocationChange
		indicators = append(indicators, token.IndicatorLocationChange)
	}
	if deviceHash != "" && deviceHash != rec.Device.DeviceHash {
		score += weightDeviceChange
		indicators = append(indicators, token.IndicatorDeviceChange)
	}

	if score > 100 {
		score = 100
	}
	if score < 0 {
		score = 0
	}

	at := now
	rec.Security.TheftDetection = token.TheftDetection{
		SuspicionScore: score,
		Indicators:     indicators,
		LastAssessment: &at,
	}
	return TheftAssessment{Score: score, Indicators: indicators, Suspicious: score > suspicionCutoff}
}
