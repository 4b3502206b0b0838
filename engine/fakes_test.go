package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/tokenkin/tokenkin/hash"
	"github.com/tokenkin/tokenkin/notify"
	"github.com/tokenkin/tokenkin/policy"
	"github.com/tokenkin/tokenkin/store"
	"github.com/tokenkin/tokenkin/store/memory"
	"github.com/tokenkin/tokenkin/token"
)

// fakeHasher derives credentials deterministically so tests stay fast and
// predictable. Verification matches the fake derivation exactly.
type fakeHasher struct {
	hashErr   error
	verifyErr error
}

func (f *fakeHasher) Hash(ctx context.Context, secret string) (hash.Credential, error) {
	if f.hashErr != nil {
		return hash.Credential{}, f.hashErr
	}
	return hash.Credential{Hash: "fake$" + secret, Salt: "salt", Algorithm: "fake"}, nil
}

func (f *fakeHasher) Verify(ctx context.Context, secret string, cred hash.Credential) (bool, error) {
	if f.verifyErr != nil {
		return false, f.verifyErr
	}
	return cred.Hash == "fake$"+secret, nil
}

// scriptedSecrets returns a SecretFunc that hands out the given secrets in
// order, then falls back to repeating the last one.
func scriptedSecrets(secrets ...string) SecretFunc {
	i := 0
	return func() (string, int, error) {
		s := secrets[len(secrets)-1]
		if i < len(secrets) {
			s = secrets[i]
			i++
		}
		return s, 256, nil
	}
}

// testClock is a manually advanced clock.
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// captureNotifier records emitted events for later inspection.
type captureNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (c *captureNotifier) Emit(ctx context.Context, ev notify.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return nil
}

func (c *captureNotifier) Close() error { return nil }

// waitForEvent polls for an event of the given type; emission is
// fire-and-forget on a goroutine, so assertions have to wait for it.
func (c *captureNotifier) waitForEvent(t *testing.T, eventType string) notify.Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		for _, ev := range c.events {
			if ev.Type == eventType {
				c.mu.Unlock()
				return ev
			}
		}
		c.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no %q event emitted", eventType)
	return notify.Event{}
}

// errorPolicy always fails evaluation, exercising the static fallback.
type errorPolicy struct{ err error }

func (p errorPolicy) Decide(ctx context.Context, in policy.Input) (policy.Decision, error) {
	return policy.Decision{}, p.err
}

func (p errorPolicy) HealthCheck(ctx context.Context) error { return p.err }

// testEnv bundles an engine wired to in-memory fakes.
type testEnv struct {
	engine   *Engine
	store    *memory.Store
	clock    *testClock
	notifier *captureNotifier
}

func newTestEnv(t *testing.T, cfg Config, opts ...func(*Deps)) *testEnv {
	t.Helper()
	env := &testEnv{
		store:    memory.New(),
		clock:    newTestClock(),
		notifier: &captureNotifier{},
	}
	deps := Deps{
		Store:    env.store,
		Hasher:   &fakeHasher{},
		Notifier: env.notifier,
		Logger:   zerolog.Nop(),
		Now:      env.clock.Now,
	}
	for _, opt := range opts {
		opt(&deps)
	}
	env.engine = New(cfg, deps)
	return env
}

func storeExpectActive() store.Expect {
	return store.Expect{Status: token.StatusActive}
}

func testDevice(strict bool) token.Device {
	return token.Device{DeviceHash: "dev-abc", Platform: "linux", Browser: "firefox", TrustLevel: 3, StrictBinding: strict}
}

func testLocation() token.Location {
	return token.Location{IPAddress: "203.0.113.7", Country: "DE", RiskScore: 10}
}

func testRequest() Request {
	return Request{DeviceHash: "dev-abc", UserAgent: "ua/1.0", Location: testLocation()}
}
