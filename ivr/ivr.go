// Package ivr manages the interactive challenges played to callers whose
// risk is uncertain. A challenge asks the caller to key in a short code.
// Passing allow-lists the number for a while, exhausting the attempts
// deny-lists it, and letting the challenge expire changes nothing.
package ivr

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jaracil/callwall/cache"
	"github.com/jaracil/callwall/screening"
)

var (
	// ErrConfigRequired is returned when a required configuration parameter is missing
	ErrConfigRequired = errors.New("config required")
	// ErrNoNumber is returned when a challenge is requested for a withheld number
	ErrNoNumber = errors.New("no caller number")
	// ErrChallengeExpired is the reason of an Expired outcome
	ErrChallengeExpired = errors.New("challenge expired")
	// ErrChallengeExhausted is the reason of a Failed outcome with no attempts left
	ErrChallengeExhausted = errors.New("challenge attempts exhausted")
)

// OutcomeKind is the result of a response.
type OutcomeKind int

const (
	// OutcomePassed means the caller keyed the right code
	OutcomePassed OutcomeKind = iota
	// OutcomeFailed means a wrong code; see Remaining
	OutcomeFailed
	// OutcomeExpired means the challenge timed out
	OutcomeExpired
	// OutcomeNotFound means there is no challenge for the number
	OutcomeNotFound
)

// String returns a human-readable representation of the outcome kind.
func (k OutcomeKind) String() string {
	switch k {
	case OutcomePassed:
		return "Passed"
	case OutcomeFailed:
		return "Failed"
	case OutcomeExpired:
		return "Expired"
	case OutcomeNotFound:
		return "NotFound"
	default:
		return "Unknown"
	}
}

// Outcome is the result of Respond.
type Outcome struct {
	Kind      OutcomeKind
	Number    string
	Remaining int
	// Reason is ErrChallengeExpired or ErrChallengeExhausted for terminal
	// failures, nil otherwise.
	Reason error
}

// Final reports whether the challenge is over.
func (o Outcome) Final() bool {
	return o.Kind != OutcomeFailed || o.Remaining == 0
}

// Challenge is one outstanding challenge.
type Challenge struct {
	ID          string
	Number      string
	PromptID    string
	Expected    string
	IssuedAt    time.Time
	ExpiresAt   time.Time
	Attempts    int
	MaxAttempts int
}

// ListWriter records the consequences of a challenge.
type ListWriter interface {
	AllowUntil(ctx context.Context, number string, until time.Time) error
	Deny(ctx context.Context, number string, soft bool, reason string) error
}

const (
	defaultExpiry        = 30 * time.Second
	defaultMaxAttempts   = 3
	defaultPassAllow     = 24 * time.Hour
	defaultCodeLength    = 4
	defaultPromptID      = "enter-code"
	defaultSweepInterval = 5 * time.Second
)

// Config configures a Manager. Lists is required.
type Config struct {
	Lists ListWriter
	// Expiry is the lifetime of a challenge (default: 30s)
	Expiry time.Duration
	// MaxAttempts is the number of answers allowed (default: 3)
	MaxAttempts int
	// PassAllow is how long a number stays allowed after passing (default: 24h)
	PassAllow time.Duration
	// CodeLength is the number of digits to key in (default: 4)
	CodeLength int
	// PromptID names the voice prompt (default: "enter-code")
	PromptID string
	// SweepInterval is the period of Run (default: 5s)
	SweepInterval time.Duration
	// OnResolved is called once per challenge when it passes, is exhausted or expires
	OnResolved func(number string, o Outcome)
	Now        func() time.Time
	Logger     *slog.Logger
}

// Manager holds the outstanding challenges, one per number.
type Manager struct {
	mu            sync.Mutex
	challenges    map[string]*Challenge
	lists         ListWriter
	expiry        time.Duration
	maxAttempts   int
	passAllow     time.Duration
	codeLength    int
	promptID      string
	sweepInterval time.Duration
	onResolved    func(number string, o Outcome)
	now           func() time.Time
	log           *slog.Logger
}

// New creates a manager.
//
// Returns ErrConfigRequired if cfg is nil or has no Lists.
func New(cfg *Config) (*Manager, error) {
	if cfg == nil || cfg.Lists == nil {
		return nil, ErrConfigRequired
	}
	m := &Manager{
		challenges:    map[string]*Challenge{},
		lists:         cfg.Lists,
		expiry:        cfg.Expiry,
		maxAttempts:   cfg.MaxAttempts,
		passAllow:     cfg.PassAllow,
		codeLength:    cfg.CodeLength,
		promptID:      cfg.PromptID,
		sweepInterval: cfg.SweepInterval,
		onResolved:    cfg.OnResolved,
		now:           cfg.Now,
		log:           cfg.Logger,
	}
	if m.expiry == 0 {
		m.expiry = defaultExpiry
	}
	if m.maxAttempts == 0 {
		m.maxAttempts = defaultMaxAttempts
	}
	if m.passAllow == 0 {
		m.passAllow = defaultPassAllow
	}
	if m.codeLength == 0 {
		m.codeLength = defaultCodeLength
	}
	if m.promptID == "" {
		m.promptID = defaultPromptID
	}
	if m.sweepInterval == 0 {
		m.sweepInterval = defaultSweepInterval
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.log == nil {
		m.log = slog.Default()
	}
	m.log = m.log.With("component", "ivr")
	return m, nil
}

func randomCode(n int) (string, error) {
	var b strings.Builder
	ten := big.NewInt(10)
	for i := 0; i < n; i++ {
		d, err := rand.Int(rand.Reader, ten)
		if err != nil {
			return "", err
		}
		b.WriteByte(byte('0' + d.Int64()))
	}
	return b.String(), nil
}

// Issue starts a challenge for number. A live challenge for the same number
// is returned as is.
func (m *Manager) Issue(number string) (Challenge, error) {
	key := cache.NormalizeNumber(number)
	if key == "" {
		return Challenge{}, ErrNoNumber
	}
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.challenges[key]; ok && now.Before(c.ExpiresAt) {
		return *c, nil
	}
	code, err := randomCode(m.codeLength)
	if err != nil {
		return Challenge{}, err
	}
	c := &Challenge{
		ID:          uuid.NewString(),
		Number:      key,
		PromptID:    m.promptID,
		Expected:    code,
		IssuedAt:    now,
		ExpiresAt:   now.Add(m.expiry),
		MaxAttempts: m.maxAttempts,
	}
	m.challenges[key] = c
	m.log.Info("challenge issued", "number", key, "id", c.ID, "expires", c.ExpiresAt)
	return *c, nil
}

// Challenge issues a challenge and describes it for the screening pipeline.
func (m *Manager) Challenge(number string) (screening.ChallengeDescriptor, error) {
	c, err := m.Issue(number)
	if err != nil {
		return screening.ChallengeDescriptor{}, err
	}
	return screening.ChallengeDescriptor{
		ID:          c.ID,
		PromptID:    c.PromptID,
		ExpiresAt:   c.ExpiresAt,
		MaxAttempts: c.MaxAttempts,
	}, nil
}

// Get returns the live challenge for number.
func (m *Manager) Get(number string) (Challenge, bool) {
	key := cache.NormalizeNumber(number)
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.challenges[key]
	if !ok || !now.Before(c.ExpiresAt) {
		return Challenge{}, false
	}
	return *c, true
}

// Len returns the number of stored challenges, expired ones included.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.challenges)
}

// Respond checks answer against the challenge for number.
func (m *Manager) Respond(ctx context.Context, number, answer string) Outcome {
	key := cache.NormalizeNumber(number)
	now := m.now()
	out := Outcome{Number: key}

	m.mu.Lock()
	c, ok := m.challenges[key]
	switch {
	case !ok:
		m.mu.Unlock()
		out.Kind = OutcomeNotFound
		return out
	case !now.Before(c.ExpiresAt):
		delete(m.challenges, key)
		m.mu.Unlock()
		out.Kind = OutcomeExpired
		out.Reason = ErrChallengeExpired
		m.resolved(out)
		return out
	}
	c.Attempts++
	correct := subtle.ConstantTimeCompare([]byte(strings.TrimSpace(answer)), []byte(c.Expected)) == 1
	out.Remaining = c.MaxAttempts - c.Attempts
	attempts := c.Attempts
	if correct || out.Remaining <= 0 {
		delete(m.challenges, key)
	}
	m.mu.Unlock()

	switch {
	case correct:
		out.Kind = OutcomePassed
		out.Remaining = 0
		if err := m.lists.AllowUntil(ctx, key, now.Add(m.passAllow)); err != nil {
			m.log.Error("temporary allow failed", "number", key, "err", err)
		}
		m.log.Info("challenge passed", "number", key, "attempt", attempts)
		m.resolved(out)
	case out.Remaining <= 0:
		out.Kind = OutcomeFailed
		out.Remaining = 0
		out.Reason = ErrChallengeExhausted
		if err := m.lists.Deny(ctx, key, false, "challenge failed"); err != nil {
			m.log.Error("deny-list failed", "number", key, "err", err)
		}
		m.log.Warn("challenge exhausted, number deny-listed", "number", key)
		m.resolved(out)
	default:
		out.Kind = OutcomeFailed
		m.log.Info("challenge answer wrong", "number", key, "remaining", out.Remaining)
	}
	return out
}

func (m *Manager) resolved(o Outcome) {
	if m.onResolved != nil {
		m.onResolved(o.Number, o)
	}
}

// Sweep deletes challenges expired at now without touching the lists and
// returns how many were removed.
func (m *Manager) Sweep(now time.Time) int {
	var expired []string
	m.mu.Lock()
	for k, c := range m.challenges {
		if !now.Before(c.ExpiresAt) {
			delete(m.challenges, k)
			expired = append(expired, k)
		}
	}
	m.mu.Unlock()
	for _, k := range expired {
		m.log.Info("challenge expired", "number", k)
		m.resolved(Outcome{Kind: OutcomeExpired, Number: k, Reason: ErrChallengeExpired})
	}
	return len(expired)
}

// Run sweeps periodically until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.Sweep(m.now())
		}
	}
}
