package ivr

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jaracil/callwall/screening"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type failingLists struct{}

func (failingLists) AllowUntil(ctx context.Context, number string, until time.Time) error {
	return errors.New("read-only")
}

func (failingLists) Deny(ctx context.Context, number string, soft bool, reason string) error {
	return errors.New("read-only")
}

type resolution struct {
	number string
	out    Outcome
}

func newTestManager(t *testing.T) (*Manager, *screening.MemoryLists, *fakeClock, *[]resolution) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)}
	lists := screening.NewMemoryLists()
	var resolved []resolution
	m, err := New(&Config{
		Lists:      lists,
		Now:        clock.Now,
		OnResolved: func(number string, o Outcome) { resolved = append(resolved, resolution{number, o}) },
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return m, lists, clock, &resolved
}

func wrong(c Challenge) string {
	if c.Expected == "0000" {
		return "1111"
	}
	return "0000"
}

func TestNew(t *testing.T) {
	if _, err := New(nil); err != ErrConfigRequired {
		t.Errorf("New(nil) error = %v, want %v", err, ErrConfigRequired)
	}
	if _, err := New(&Config{}); err != ErrConfigRequired {
		t.Errorf("New(no lists) error = %v, want %v", err, ErrConfigRequired)
	}
}

func TestOutcomeKind_String(t *testing.T) {
	tests := []struct {
		kind     OutcomeKind
		expected string
	}{
		{OutcomePassed, "Passed"},
		{OutcomeFailed, "Failed"},
		{OutcomeExpired, "Expired"},
		{OutcomeNotFound, "NotFound"},
		{OutcomeKind(9), "Unknown"},
	}
	for _, tt := range tests {
		if result := tt.kind.String(); result != tt.expected {
			t.Errorf("String() = %v, want %v", result, tt.expected)
		}
	}
}

func TestIssue(t *testing.T) {
	m, _, clock, _ := newTestManager(t)

	c, err := m.Issue("5551234567")
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if c.Number != "+15551234567" || c.ID == "" || c.PromptID != "enter-code" || c.MaxAttempts != 3 {
		t.Errorf("challenge = %+v", c)
	}
	if len(c.Expected) != 4 {
		t.Errorf("code %q, want 4 digits", c.Expected)
	}
	for _, r := range c.Expected {
		if r < '0' || r > '9' {
			t.Errorf("code %q has non-digit", c.Expected)
		}
	}
	if !c.ExpiresAt.Equal(clock.Now().Add(30 * time.Second)) {
		t.Errorf("ExpiresAt = %v", c.ExpiresAt)
	}

	again, _ := m.Issue("+15551234567")
	if again.ID != c.ID {
		t.Error("re-issue replaced a live challenge")
	}

	if _, err := m.Issue("P"); err != ErrNoNumber {
		t.Errorf("Issue(P) error = %v, want %v", err, ErrNoNumber)
	}
}

func TestChallengeDescriptor(t *testing.T) {
	m, _, _, _ := newTestManager(t)
	var _ screening.Challenger = m

	d, err := m.Challenge("5551234567")
	if err != nil {
		t.Fatalf("Challenge() error = %v", err)
	}
	c, ok := m.Get("5551234567")
	if !ok || d.ID != c.ID || d.PromptID != c.PromptID || !d.ExpiresAt.Equal(c.ExpiresAt) {
		t.Errorf("descriptor %+v does not match %+v", d, c)
	}
}

// An unknown caller answers correctly on the second of three attempts and is
// allowed for a day.
func TestRespond_PassOnSecondAttempt(t *testing.T) {
	m, lists, clock, resolved := newTestManager(t)
	ctx := context.Background()

	c, _ := m.Issue("+15550001111")

	out := m.Respond(ctx, "+15550001111", wrong(c))
	if out.Kind != OutcomeFailed || out.Remaining != 2 || out.Final() {
		t.Fatalf("first answer = %+v, want Failed{2}", out)
	}
	clock.Advance(5 * time.Second)
	out = m.Respond(ctx, "+15550001111", c.Expected)
	if out.Kind != OutcomePassed {
		t.Fatalf("second answer = %+v, want Passed", out)
	}
	if _, ok := m.Get("+15550001111"); ok {
		t.Error("passed challenge not deleted")
	}

	e, ok, _ := lists.Lookup(ctx, "+15550001111", clock.Now())
	if !ok || e.Kind != screening.ListAllow {
		t.Fatalf("list entry = %+v, %v, want allow", e, ok)
	}
	if want := clock.Now().Add(24 * time.Hour); !e.ExpiresAt.Equal(want) {
		t.Errorf("allow until %v, want %v", e.ExpiresAt, want)
	}
	if _, ok, _ := lists.Lookup(ctx, "+15550001111", clock.Now().Add(24*time.Hour+time.Second)); ok {
		t.Error("temporary allow did not lapse")
	}

	if len(*resolved) != 1 || (*resolved)[0].out.Kind != OutcomePassed {
		t.Errorf("resolutions = %+v", *resolved)
	}
}

func TestRespond_ExhaustDenyLists(t *testing.T) {
	m, lists, clock, resolved := newTestManager(t)
	ctx := context.Background()

	c, _ := m.Issue("5551234567")
	var out Outcome
	for i := 0; i < 3; i++ {
		out = m.Respond(ctx, "5551234567", wrong(c))
	}
	if out.Kind != OutcomeFailed || out.Remaining != 0 || !errors.Is(out.Reason, ErrChallengeExhausted) || !out.Final() {
		t.Fatalf("last answer = %+v, want exhausted", out)
	}
	if m.Len() != 0 {
		t.Error("exhausted challenge not removed")
	}
	e, ok, _ := lists.Lookup(ctx, "5551234567", clock.Now())
	if !ok || e.Kind != screening.ListDeny || e.Soft {
		t.Errorf("list entry = %+v, %v, want hard deny", e, ok)
	}
	if len(*resolved) != 1 || !errors.Is((*resolved)[0].out.Reason, ErrChallengeExhausted) {
		t.Errorf("resolutions = %+v", *resolved)
	}

	if out := m.Respond(ctx, "5551234567", c.Expected); out.Kind != OutcomeNotFound {
		t.Errorf("answer after exhaustion = %+v, want NotFound", out)
	}
}

func TestRespond_Expired(t *testing.T) {
	m, lists, clock, resolved := newTestManager(t)
	ctx := context.Background()

	c, _ := m.Issue("5551234567")
	clock.Advance(30 * time.Second)

	out := m.Respond(ctx, "5551234567", c.Expected)
	if out.Kind != OutcomeExpired || !errors.Is(out.Reason, ErrChallengeExpired) {
		t.Fatalf("answer = %+v, want Expired", out)
	}
	if _, ok, _ := lists.Lookup(ctx, "5551234567", clock.Now()); ok {
		t.Error("expiry changed the lists")
	}
	if len(*resolved) != 1 {
		t.Errorf("resolutions = %+v", *resolved)
	}
}

func TestRespond_NotFound(t *testing.T) {
	m, _, _, resolved := newTestManager(t)
	if out := m.Respond(context.Background(), "5551234567", "1234"); out.Kind != OutcomeNotFound {
		t.Errorf("Respond() = %+v, want NotFound", out)
	}
	if len(*resolved) != 0 {
		t.Error("NotFound should not resolve anything")
	}
}

func TestRespond_ListFailureStillResolves(t *testing.T) {
	m, err := New(&Config{Lists: failingLists{}})
	if err != nil {
		t.Fatal(err)
	}
	c, _ := m.Issue("5551234567")
	if out := m.Respond(context.Background(), "5551234567", c.Expected); out.Kind != OutcomePassed {
		t.Errorf("Respond() = %+v, want Passed", out)
	}
}

func TestSweep(t *testing.T) {
	m, lists, clock, resolved := newTestManager(t)

	m.Issue("5551111111")
	clock.Advance(20 * time.Second)
	m.Issue("5552222222")
	clock.Advance(10 * time.Second)

	if n := m.Sweep(clock.Now()); n != 1 {
		t.Errorf("Sweep() = %d, want 1", n)
	}
	if _, ok := m.Get("5552222222"); !ok {
		t.Error("live challenge swept")
	}
	if len(lists.Entries()) != 0 {
		t.Error("sweep changed the lists")
	}
	if len(*resolved) != 1 || (*resolved)[0].number != "+15551111111" || (*resolved)[0].out.Kind != OutcomeExpired {
		t.Errorf("resolutions = %+v", *resolved)
	}

	// A new challenge can be issued once the previous one expired.
	clock.Advance(30 * time.Second)
	old, _ := m.Get("5552222222")
	c, _ := m.Issue("5552222222")
	if c.ID == old.ID || !c.IssuedAt.Equal(clock.Now()) {
		t.Errorf("expired challenge reused: %+v", c)
	}
}

func TestRun(t *testing.T) {
	lists := screening.NewMemoryLists()
	m, err := New(&Config{Lists: lists, Expiry: 10 * time.Millisecond, SweepInterval: 5 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	m.Issue("5551234567")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for m.Len() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if m.Len() != 0 {
		t.Error("Run did not sweep the expired challenge")
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Run() = %v, want %v", err, context.Canceled)
	}
}
