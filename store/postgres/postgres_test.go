package postgres

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/tokenkin/tokenkin/store"
	"github.com/tokenkin/tokenkin/token"
)

func TestRunMigrationsRejectsBadInput(t *testing.T) {
	if err := RunMigrations("", "up"); err == nil {
		t.Error("RunMigrations with empty DSN should fail")
	}
	if err := RunMigrations("postgres://localhost/db", "sideways"); err == nil {
		t.Error("RunMigrations with bad direction should fail")
	}
}

func TestOpenInvalidDSN(t *testing.T) {
	db, err := Open("not-a-dsn")
	if err == nil {
		if db != nil {
			db.Close()
		}
		t.Fatal("Open with invalid DSN should return error")
	}
}

// testDB connects to TEST_DATABASE_URL and applies migrations; skips the
// test when the variable is unset.
func testDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping integration test")
	}
	if err := RunMigrations(dsn, "up"); err != nil {
		t.Fatalf("migrations: %v", err)
	}
	db, err := Open(dsn)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func testRecord(userID, familyID string, gen int) *token.Record {
	id := uuid.NewString()
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &token.Record{
		ID:           id,
		UserID:       userID,
		FamilyID:     familyID,
		Generation:   gen,
		Status:       token.StatusActive,
		LookupDigest: "digest-" + id,
		TokenHash:    "hash-" + id,
		Salt:         "salt",
		Algorithm:    "argon2id",
		Device:       token.Device{DeviceHash: "dev-1", TrustLevel: 2},
		Location:     token.Location{IPAddress: "203.0.113.7", Country: "DE"},
		Usage:        token.Usage{MaxUses: 1},
		Security:     token.Security{EntropyBits: 256, Strength: "strong"},
		Timestamps: token.Timestamps{
			CreatedAt:   now,
			ExpiresAt:   now.Add(time.Hour),
			GraceEndsAt: now.Add(time.Hour + 5*time.Minute),
		},
		Audit: token.Audit{Events: []token.Event{{Type: token.EventCreated, At: now}}},
	}
}

func TestRoundTrip(t *testing.T) {
	s := New(testDB(t))
	ctx := context.Background()

	rec := testRecord(uuid.NewString(), uuid.NewString(), 1)
	if err := s.Create(ctx, rec); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.Create(ctx, rec); !errors.Is(err, store.ErrDuplicateHash) {
		t.Errorf("duplicate Create = %v, want ErrDuplicateHash", err)
	}

	got, err := s.FindByHash(ctx, rec.LookupDigest)
	if err != nil {
		t.Fatalf("FindByHash: %v", err)
	}
	if got == nil || got.ID != rec.ID {
		t.Fatalf("FindByHash returned %+v, want record %s", got, rec.ID)
	}
	if got.Device.DeviceHash != "dev-1" || got.Location.Country != "DE" {
		t.Errorf("JSONB blocks did not round-trip: %+v / %+v", got.Device, got.Location)
	}
	if len(got.Audit.Events) != 1 || got.Audit.Events[0].Type != token.EventCreated {
		t.Errorf("audit trail did not round-trip: %+v", got.Audit)
	}
	if !got.Timestamps.ExpiresAt.Equal(rec.Timestamps.ExpiresAt) {
		t.Errorf("ExpiresAt = %v, want %v", got.Timestamps.ExpiresAt, rec.Timestamps.ExpiresAt)
	}

	if miss, err := s.FindByHash(ctx, "no-such-digest"); err != nil || miss != nil {
		t.Errorf("FindByHash miss = (%v, %v), want (nil, nil)", miss, err)
	}
}

func TestConditionalUpdateGuards(t *testing.T) {
	s := New(testDB(t))
	ctx := context.Background()

	rec := testRecord(uuid.NewString(), uuid.NewString(), 1)
	if err := s.Create(ctx, rec); err != nil {
		t.Fatalf("Create: %v", err)
	}

	upd := rec.Clone()
	upd.Status = token.StatusUsed
	upd.Usage.UseCount = 1
	expect := store.Expect{Status: token.StatusActive, UseCountBelow: 1}
	if err := s.ConditionalUpdate(ctx, upd, expect); err != nil {
		t.Fatalf("first ConditionalUpdate: %v", err)
	}

	// Same guard again must lose: status moved and useCount reached the bound.
	if err := s.ConditionalUpdate(ctx, upd, expect); !errors.Is(err, store.ErrConflict) {
		t.Errorf("replayed ConditionalUpdate = %v, want ErrConflict", err)
	}

	ghost := testRecord(uuid.NewString(), uuid.NewString(), 1)
	if err := s.ConditionalUpdate(ctx, ghost, store.Expect{Status: token.StatusActive}); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("ConditionalUpdate on missing record = %v, want ErrNotFound", err)
	}

	got, err := s.FindByHash(ctx, rec.LookupDigest)
	if err != nil {
		t.Fatalf("FindByHash: %v", err)
	}
	if got.Status != token.StatusUsed || got.Usage.UseCount != 1 {
		t.Errorf("record after update = %s/%d, want used/1", got.Status, got.Usage.UseCount)
	}
}

func TestUpdateSecurityIgnoresStatus(t *testing.T) {
	s := New(testDB(t))
	ctx := context.Background()

	rec := testRecord(uuid.NewString(), uuid.NewString(), 1)
	rec.Status = token.StatusRevoked
	if err := s.Create(ctx, rec); err != nil {
		t.Fatalf("Create: %v", err)
	}

	sec := rec.Security.Clone()
	sec.Flags = []string{token.FlagDeviceMismatch}
	sec.TheftDetection.SuspicionScore = 30
	at := time.Now().UTC().Truncate(time.Microsecond)
	attempt := &token.UsageAttempt{At: at, IPAddress: "198.51.100.9", Success: false}
	ev := token.Event{Type: token.EventFlagged, At: at, Detail: "device mismatch"}
	if err := s.UpdateSecurity(ctx, rec.ID, sec, attempt, ev); err != nil {
		t.Fatalf("UpdateSecurity: %v", err)
	}

	got, _ := s.FindByHash(ctx, rec.LookupDigest)
	if got.Status != token.StatusRevoked {
		t.Errorf("status = %s, want revoked untouched", got.Status)
	}
	if got.Security.TheftDetection.SuspicionScore != 30 || !got.HasFlag(token.FlagDeviceMismatch) {
		t.Errorf("security not patched: %+v", got.Security)
	}
	if len(got.Usage.History) != 1 || got.Usage.History[0].Success {
		t.Errorf("usage history = %+v, want one failed attempt", got.Usage.History)
	}
	last := got.Audit.Events[len(got.Audit.Events)-1]
	if last.Type != token.EventFlagged {
		t.Errorf("last audit event = %s, want flagged", last.Type)
	}

	if err := s.UpdateSecurity(ctx, uuid.NewString(), sec, nil); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("UpdateSecurity on missing record = %v, want ErrNotFound", err)
	}
}

func TestBulkUpdateFamily(t *testing.T) {
	s := New(testDB(t))
	ctx := context.Background()

	userID := uuid.NewString()
	familyID := uuid.NewString()
	active := testRecord(userID, familyID, 1)
	used := testRecord(userID, familyID, 2)
	used.Status = token.StatusUsed
	compromised := testRecord(userID, familyID, 3)
	compromised.Status = token.StatusCompromised
	other := testRecord(userID, uuid.NewString(), 1)
	for _, r := range []*token.Record{active, used, compromised, other} {
		if err := s.Create(ctx, r); err != nil {
			t.Fatalf("Create %s: %v", r.ID, err)
		}
	}

	at := time.Now().UTC().Truncate(time.Microsecond)
	rev := token.Revocation{Reason: token.ReasonTheftDetected, RevokedBy: token.SystemActor, RevokedAt: at}
	ev := token.Event{Type: token.EventRevoked, At: at, Detail: "family revoked"}
	n, err := s.BulkUpdateFamily(ctx, familyID, []token.Status{token.StatusActive, token.StatusUsed}, rev, ev)
	if err != nil {
		t.Fatalf("BulkUpdateFamily: %v", err)
	}
	if n != 2 {
		t.Errorf("revoked = %d, want 2", n)
	}

	fam, err := s.FindFamily(ctx, familyID)
	if err != nil {
		t.Fatalf("FindFamily: %v", err)
	}
	if len(fam) != 3 {
		t.Fatalf("family size = %d, want 3", len(fam))
	}
	for _, r := range fam {
		switch r.ID {
		case compromised.ID:
			if r.Status != token.StatusCompromised {
				t.Errorf("compromised member status = %s, must stay compromised", r.Status)
			}
		default:
			if r.Status != token.StatusRevoked {
				t.Errorf("member %s status = %s, want revoked", r.ID, r.Status)
			}
			if r.Revocation == nil || r.Revocation.Reason != token.ReasonTheftDetected {
				t.Errorf("member %s revocation = %+v, want theft stamp", r.ID, r.Revocation)
			}
			last := r.Audit.Events[len(r.Audit.Events)-1]
			if last.Type != token.EventRevoked {
				t.Errorf("member %s last event = %s, want revoked", r.ID, last.Type)
			}
		}
	}

	untouched, _ := s.FindByHash(ctx, other.LookupDigest)
	if untouched.Status != token.StatusActive {
		t.Errorf("other family status = %s, want active", untouched.Status)
	}
}

func TestListAndDelete(t *testing.T) {
	s := New(testDB(t))
	ctx := context.Background()

	userID := uuid.NewString()
	now := time.Now().UTC().Truncate(time.Microsecond)

	stale := testRecord(userID, uuid.NewString(), 1)
	stale.Timestamps.ExpiresAt = now.Add(-time.Hour)
	fresh := testRecord(userID, uuid.NewString(), 1)
	oldRevoked := testRecord(userID, uuid.NewString(), 1)
	oldRevoked.Status = token.StatusRevoked
	oldRevoked.Timestamps.CreatedAt = now.Add(-60 * 24 * time.Hour)
	for _, r := range []*token.Record{stale, fresh, oldRevoked} {
		if err := s.Create(ctx, r); err != nil {
			t.Fatalf("Create %s: %v", r.ID, err)
		}
	}

	expired, err := s.ListExpired(ctx, now, 100)
	if err != nil {
		t.Fatalf("ListExpired: %v", err)
	}
	found := false
	for _, r := range expired {
		if r.ID == fresh.ID {
			t.Error("ListExpired returned an unexpired record")
		}
		if r.ID == stale.ID {
			found = true
		}
	}
	if !found {
		t.Error("ListExpired did not return the stale record")
	}

	fams, err := s.ListUserFamilies(ctx, userID)
	if err != nil {
		t.Fatalf("ListUserFamilies: %v", err)
	}
	if len(fams) != 3 {
		t.Errorf("user families = %d, want 3", len(fams))
	}

	n, err := s.DeleteOlderThan(ctx, now.Add(-30*24*time.Hour), []token.Status{token.StatusRevoked, token.StatusExpired})
	if err != nil {
		t.Fatalf("DeleteOlderThan: %v", err)
	}
	if n < 1 {
		t.Errorf("deleted = %d, want at least the old revoked record", n)
	}
	if gone, _ := s.FindByHash(ctx, oldRevoked.LookupDigest); gone != nil {
		t.Error("old revoked record survived DeleteOlderThan")
	}
}
