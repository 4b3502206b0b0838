package engine

import (
	"time"

	"github.com/tokenkin/tokenkin/token"
)

// DeviceCheck is the verifier's outcome. Mutated reports that the record's
// security block changed and must be persisted by the caller even when the
// check failed: an attempted misuse leaves a trail regardless of outcome.
type DeviceCheck struct {
	Valid   bool
	Reason  string
	Mutated bool
}

// VerifyDevice compares the request's device fingerprint against the
// record's binding. Without strict binding the check always passes and any
// mismatch is left to the theft detector as an informational signal. With
// strict binding a mismatch flags the record, raises its suspicion score by
// a fixed weight, and fails the check.
//
// Pure with respect to everything but rec; the caller owns persistence.
func VerifyDevice(rec *token.Record, deviceHash, userAgent string, now time.Time) DeviceCheck {
	if !rec.Device.StrictBinding {
		return DeviceCheck{Valid: true}
	}
	if deviceHash == rec.Device.DeviceHash {
		return DeviceCheck{Valid: true}
	}

	rec.AddFlag(token.FlagDeviceMismatch)
	score := rec.Security.TheftDetection.SuspicionScore + weightDeviceMismatch
	if score > 100 {
		score = 100
	}
	rec.Security.TheftDetection.SuspicionScore = score
	rec.Security.TheftDetection.Indicators = appendIndicator(rec.Security.TheftDetection.Indicators, token.IndicatorDeviceHashMismatch)
	return DeviceCheck{Valid: false, Reason: "device_mismatch", Mutated: true}
}

func appendIndicator(indicators []string, ind string) []string {
	for _, have := range indicators {
		if have == ind {
			return indicators
		}
	}
	return append(indicators, ind)
}
