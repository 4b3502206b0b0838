package engine

import (
	"testing"
	"time"

	"github.com/tokenkin/tokenkin/token"
)

func deviceRecord(strict bool) *token.Record {
	return &token.Record{
		ID:     "tok-1",
		Status: token.StatusActive,
		Device: token.Device{DeviceHash: "dev-abc", TrustLevel: 3, StrictBinding: strict},
	}
}

func TestVerifyDeviceNonStrictNeverFails(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	rec := deviceRecord(false)
	check := VerifyDevice(rec, "totally-different", "ua", now)
	if !check.Valid {
		t.Error("non-strict binding must always pass")
	}
	if check.Mutated || len(rec.Security.Flags) != 0 || rec.Security.TheftDetection.SuspicionScore != 0 {
		t.Error("non-strict mismatch must not mutate the record")
	}
}

func TestVerifyDeviceStrictMatch(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	rec := deviceRecord(true)
	check := VerifyDevice(rec, "dev-abc", "ua", now)
	if !check.Valid || check.Mutated {
		t.Errorf("matching fingerprint = %+v, want valid without mutation", check)
	}
}

func TestVerifyDeviceStrictMismatch(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	rec := deviceRecord(true)
	check := VerifyDevice(rec, "dev-other", "ua", now)
	if check.Valid {
		t.Fatal("strict mismatch must fail")
	}
	if check.Reason != "device_mismatch" || !check.Mutated {
		t.Errorf("check = %+v, want reason device_mismatch and mutated", check)
	}
	if !rec.HasFlag(token.FlagDeviceMismatch) {
		t.Error("security.flags must contain device_mismatch")
	}
	if got := rec.Security.TheftDetection.SuspicionScore; got != 30 {
		t.Errorf("suspicionScore = %d, want exactly 30", got)
	}
	found := false
	for _, ind := range rec.Security.TheftDetection.Indicators {
		if ind == token.IndicatorDeviceHashMismatch {
			found = true
		}
	}
	if !found {
		t.Errorf("indicators = %v, want device_hash_mismatch", rec.Security.TheftDetection.Indicators)
	}
}

func TestVerifyDeviceMismatchScoreCapsAt100(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	rec := deviceRecord(true)
	rec.Security.TheftDetection.SuspicionScore = 85
	VerifyDevice(rec, "dev-other", "ua", now)
	if got := rec.Security.TheftDetection.SuspicionScore; got != 100 {
		t.Errorf("suspicionScore = %d, want cap at 100", got)
	}
}

func TestVerifyDeviceMismatchIsIdempotentOnFlags(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	rec := deviceRecord(true)
	VerifyDevice(rec, "dev-other", "ua", now)
	VerifyDevice(rec, "dev-other", "ua", now)
	if len(rec.Security.Flags) != 1 {
		t.Errorf("flags = %v, want a single device_mismatch entry", rec.Security.Flags)
	}
	count := 0
	for _, ind := range rec.Security.TheftDetection.Indicators {
		if ind == token.IndicatorDeviceHashMismatch {
			count++
		}
	}
	if count != 1 {
		t.Errorf("indicator appended %d times, want once", count)
	}
	if got := rec.Security.TheftDetection.SuspicionScore; got != 60 {
		t.Errorf("suspicionScore after two mismatches = %d, want 60", got)
	}
}
