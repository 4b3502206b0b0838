package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tokenkin/tokenkin/hash"
	"github.com/tokenkin/tokenkin/token"
)

func TestIssueFirstGeneration(t *testing.T) {
	env := newTestEnv(t, Config{TokenTTL: time.Hour, GracePeriod: 5 * time.Minute})
	ctx := context.Background()

	issued, err := env.engine.Issue(ctx, IssueInput{UserID: "user-1", Device: testDevice(false), Location: testLocation()})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	rec := issued.Record
	if rec.Generation != 0 {
		t.Errorf("generation = %d, want 0", rec.Generation)
	}
	if rec.FamilyID == "" || rec.ID == "" {
		t.Error("tokenId and familyId must be assigned")
	}
	if rec.ParentID != "" {
		t.Errorf("parentTokenId = %q, want empty for first generation", rec.ParentID)
	}
	if rec.Status != token.StatusActive {
		t.Errorf("status = %s, want active", rec.Status)
	}
	if rec.Usage.MaxUses != 1 {
		t.Errorf("maxUses = %d, want 1 by default", rec.Usage.MaxUses)
	}
	if rec.LookupDigest != hash.LookupDigest(issued.Secret) {
		t.Error("lookup digest does not match the returned secret")
	}
	now := env.clock.Now()
	if want := now.Add(time.Hour); !rec.Timestamps.ExpiresAt.Equal(want) {
		t.Errorf("expiresAt = %v, want %v", rec.Timestamps.ExpiresAt, want)
	}
	if want := now.Add(time.Hour + 5*time.Minute); !rec.Timestamps.GraceEndsAt.Equal(want) {
		t.Errorf("gracePeriodEnds = %v, want %v", rec.Timestamps.GraceEndsAt, want)
	}
	if rec.Security.EntropyBits != 256 || rec.Security.Strength != "strong" {
		t.Errorf("security = %+v, want 256 bits / strong", rec.Security)
	}
	if len(rec.Audit.Events) != 1 || rec.Audit.Events[0].Type != token.EventCreated {
		t.Errorf("audit events = %+v, want one created event", rec.Audit.Events)
	}

	// Round-trip: a fresh secret validates immediately.
	val, err := env.engine.Validate(ctx, issued.Secret, testRequest())
	if err != nil {
		t.Fatalf("Validate after Issue: %v", err)
	}
	if val.Record.ID != rec.ID {
		t.Errorf("validated record = %s, want %s", val.Record.ID, rec.ID)
	}
}

func TestIssueRequiresUserID(t *testing.T) {
	env := newTestEnv(t, Config{})
	if _, err := env.engine.Issue(context.Background(), IssueInput{}); err == nil {
		t.Error("Issue without user id should fail")
	}
}

func TestIssueCollisionRetries(t *testing.T) {
	env := newTestEnv(t, Config{}, func(d *Deps) {
		d.NewSecret = scriptedSecrets("dup", "dup", "fresh")
	})
	ctx := context.Background()

	first, err := env.engine.Issue(ctx, IssueInput{UserID: "user-1"})
	if err != nil {
		t.Fatalf("first Issue: %v", err)
	}
	if first.Secret != "dup" {
		t.Fatalf("first secret = %q, want dup", first.Secret)
	}

	// Second issuance collides on "dup" and retries into "fresh".
	second, err := env.engine.Issue(ctx, IssueInput{UserID: "user-1"})
	if err != nil {
		t.Fatalf("second Issue: %v", err)
	}
	if second.Secret != "fresh" {
		t.Errorf("second secret = %q, want fresh after collision retry", second.Secret)
	}
}

func TestIssueCollisionExhaustsAttempts(t *testing.T) {
	env := newTestEnv(t, Config{CreateAttempts: 3}, func(d *Deps) {
		d.NewSecret = scriptedSecrets("always-same")
	})
	ctx := context.Background()
	if _, err := env.engine.Issue(ctx, IssueInput{UserID: "user-1"}); err != nil {
		t.Fatalf("first Issue: %v", err)
	}
	_, err := env.engine.Issue(ctx, IssueInput{UserID: "user-1"})
	if !errors.Is(err, ErrCreationConflict) {
		t.Errorf("Issue with persistent collision = %v, want ErrCreationConflict", err)
	}
}

func TestIssueChildInheritsFamilyAndDecaysBaseline(t *testing.T) {
	env := newTestEnv(t, Config{SuspicionDecay: 10})
	ctx := context.Background()

	parentIssued, err := env.engine.Issue(ctx, IssueInput{UserID: "user-1", Device: testDevice(true), Location: testLocation()})
	if err != nil {
		t.Fatalf("Issue parent: %v", err)
	}
	parent := parentIssued.Record
	parent.Security.TheftDetection.SuspicionScore = 37
	parent.Security.TheftDetection.Indicators = []string{token.IndicatorLocationChange}
	parent.Security.Flags = []string{token.FlagDeviceMismatch}

	child, err := env.engine.Issue(ctx, IssueInput{UserID: "user-1", Location: testLocation(), Parent: parent})
	if err != nil {
		t.Fatalf("Issue child: %v", err)
	}
	rec := child.Record
	if rec.FamilyID != parent.FamilyID {
		t.Errorf("child familyId = %s, want parent's %s", rec.FamilyID, parent.FamilyID)
	}
	if rec.ParentID != parent.ID {
		t.Errorf("child parentTokenId = %s, want %s", rec.ParentID, parent.ID)
	}
	if rec.Generation != parent.Generation+1 {
		t.Errorf("child generation = %d, want %d", rec.Generation, parent.Generation+1)
	}
	if rec.Device != parent.Device {
		t.Errorf("child device = %+v, want inherited %+v", rec.Device, parent.Device)
	}
	if got := rec.Security.TheftDetection.SuspicionScore; got != 27 {
		t.Errorf("child suspicionScore = %d, want 27 (parent 37 decayed by 10)", got)
	}
	if len(rec.Security.TheftDetection.Indicators) != 0 || len(rec.Security.Flags) != 0 {
		t.Error("child must start with clean flags and indicators")
	}
	if len(rec.Audit.Events) != 1 || rec.Audit.Events[0].Type != token.EventRefreshed {
		t.Errorf("child audit events = %+v, want one refreshed event", rec.Audit.Events)
	}
}

func TestIssueChildDecayFloorsAtZero(t *testing.T) {
	env := newTestEnv(t, Config{SuspicionDecay: 10})
	ctx := context.Background()
	parentIssued, err := env.engine.Issue(ctx, IssueInput{UserID: "user-1"})
	if err != nil {
		t.Fatalf("Issue parent: %v", err)
	}
	parent := parentIssued.Record
	parent.Security.TheftDetection.SuspicionScore = 4

	child, err := env.engine.Issue(ctx, IssueInput{UserID: "user-1", Parent: parent})
	if err != nil {
		t.Fatalf("Issue child: %v", err)
	}
	if got := child.Record.Security.TheftDetection.SuspicionScore; got != 0 {
		t.Errorf("child suspicionScore = %d, want floor 0", got)
	}
}

func TestIssueGenerationCeiling(t *testing.T) {
	env := newTestEnv(t, Config{GenerationCeiling: 5})
	ctx := context.Background()
	parentIssued, err := env.engine.Issue(ctx, IssueInput{UserID: "user-1"})
	if err != nil {
		t.Fatalf("Issue parent: %v", err)
	}
	parent := parentIssued.Record
	parent.Generation = 5

	_, err = env.engine.Issue(ctx, IssueInput{UserID: "user-1", Parent: parent})
	if !errors.Is(err, ErrMaxGenerationsExceeded) {
		t.Errorf("Issue at ceiling = %v, want ErrMaxGenerationsExceeded", err)
	}
}
