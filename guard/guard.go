// Package guard turns a modem session's unsolicited events into screened
// calls. One Guard serves one session: it correlates RING and caller-ID
// lines into an IncomingCall, screens it while the phone rings and applies
// the verdict through the session.
package guard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jaracil/callwall"
	"github.com/jaracil/callwall/cache"
	"github.com/jaracil/callwall/ivr"
	"github.com/jaracil/callwall/screening"
)

var (
	// ErrConfigRequired is returned when a required configuration parameter is missing
	ErrConfigRequired = errors.New("config required")
)

// Line is the part of *callwall.Session the guard drives.
type Line interface {
	Id() string
	Events() <-chan callwall.Event
	Answer(ctx context.Context) error
	HangUp(ctx context.Context) error
	Done() <-chan struct{}
	Err() error
}

// Screener decides about a number. *screening.Pipeline implements it.
type Screener interface {
	Screen(ctx context.Context, number string, now time.Time) screening.Verdict
}

// Authorizer tells whether calls on a session may be screened.
type Authorizer interface {
	IsSessionAuthorized(ctx context.Context, sessionID string) (bool, error)
}

// IncomingCall is one call being screened.
type IncomingCall struct {
	ID        uint64
	SessionID string
	// Number is empty when withheld or not (yet) known.
	Number    string
	Withheld  bool
	ArrivedAt time.Time
	Rings     int
}

// End reasons passed to OnCallEnd.
const (
	EndHangup      = "hangup"
	EndBusy        = "busy"
	EndNoDialtone  = "no dialtone"
	EndRingTimeout = "ring timeout"
	EndBlocked     = "blocked"
	EndChallenge   = "challenge resolved"
)

const (
	defaultRingsWithoutNumber = 2
	defaultRingTimeout        = 8 * time.Second
	defaultDeadline           = 4 * time.Second
	defaultActionTimeout      = 5 * time.Second
	defaultAuthTimeout        = time.Second
)

// Config configures a Guard. Line and Screener are required.
type Config struct {
	Line       Line
	Screener   Screener
	Authorizer Authorizer
	// RingsWithoutNumber is how many rings to wait for caller ID before
	// screening the call as unknown (default: 2)
	RingsWithoutNumber int
	// RingTimeout ends an unanswered call after this much ring silence (default: 8s)
	RingTimeout time.Duration
	// Deadline bounds screening; it should end before the line stops ringing (default: 4s)
	Deadline time.Duration
	// ActionTimeout bounds applying a verdict (default: 5s)
	ActionTimeout time.Duration
	// OnVerdict is called for every verdict, also when the caller hung up first
	OnVerdict func(call IncomingCall, v screening.Verdict)
	// OnCallEnd is called once per call
	OnCallEnd func(call IncomingCall, reason string)
	Now       func() time.Time
	Logger    *slog.Logger
}

type verdictResult struct {
	callID  uint64
	verdict screening.Verdict
}

type callState struct {
	IncomingCall
	screening bool
	ignored   bool
	answered  bool
}

// Guard is the per-session call dispatcher. All call state is owned by the
// Run goroutine.
type Guard struct {
	line               Line
	screener           Screener
	auth               Authorizer
	ringsWithoutNumber int
	ringTimeout        time.Duration
	deadline           time.Duration
	actionTimeout      time.Duration
	onVerdict          func(IncomingCall, screening.Verdict)
	onCallEnd          func(IncomingCall, string)
	now                func() time.Time
	log                *slog.Logger

	verdicts    chan verdictResult
	resolutions chan ivr.Outcome
	nextID      uint64
	call        *callState
	ringTimer   *time.Timer
}

// New creates a guard.
func New(cfg *Config) (*Guard, error) {
	if cfg == nil || cfg.Line == nil || cfg.Screener == nil {
		return nil, ErrConfigRequired
	}
	g := &Guard{
		line:               cfg.Line,
		screener:           cfg.Screener,
		auth:               cfg.Authorizer,
		ringsWithoutNumber: cfg.RingsWithoutNumber,
		ringTimeout:        cfg.RingTimeout,
		deadline:           cfg.Deadline,
		actionTimeout:      cfg.ActionTimeout,
		onVerdict:          cfg.OnVerdict,
		onCallEnd:          cfg.OnCallEnd,
		now:                cfg.Now,
		log:                cfg.Logger,
		verdicts:           make(chan verdictResult, 4),
		resolutions:        make(chan ivr.Outcome, 16),
	}
	if g.ringsWithoutNumber <= 0 {
		g.ringsWithoutNumber = defaultRingsWithoutNumber
	}
	if g.ringTimeout == 0 {
		g.ringTimeout = defaultRingTimeout
	}
	if g.deadline == 0 {
		g.deadline = defaultDeadline
	}
	if g.actionTimeout == 0 {
		g.actionTimeout = defaultActionTimeout
	}
	if g.now == nil {
		g.now = time.Now
	}
	if g.log == nil {
		g.log = slog.Default()
	}
	g.log = g.log.With("component", "guard", "session", cfg.Line.Id())
	return g, nil
}

// Resolve hands an IVR outcome to the dispatcher. It never blocks; outcomes
// that do not fit in the queue are dropped and logged.
func (g *Guard) Resolve(o ivr.Outcome) {
	select {
	case g.resolutions <- o:
	default:
		g.log.Warn("resolution dropped", "number", o.Number, "outcome", o.Kind)
	}
}

// Run dispatches events until ctx is done or the session fails.
func (g *Guard) Run(ctx context.Context) error {
	events := g.line.Events()
	defer g.stopRingTimer()
	for {
		var ringC <-chan time.Time
		if g.ringTimer != nil {
			ringC = g.ringTimer.C
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-g.line.Done():
			return fmt.Errorf("session %s: %w", g.line.Id(), g.line.Err())
		case ev := <-events:
			g.handleEvent(ctx, ev)
		case r := <-g.verdicts:
			g.handleVerdict(ctx, r)
		case o := <-g.resolutions:
			g.handleResolution(ctx, o)
		case <-ringC:
			g.ringTimer = nil
			if g.call != nil && !g.call.answered {
				g.endCall(EndRingTimeout)
			}
		}
	}
}

func (g *Guard) handleEvent(ctx context.Context, ev callwall.Event) {
	if ev.State != callwall.StatusReady {
		g.log.Debug("event ignored, session not ready", "event", ev.Kind, "state", ev.State, "raw", ev.Raw)
		return
	}
	switch ev.Kind {
	case callwall.EventRing:
		c := g.ensureCall(ev)
		c.Rings++
		g.resetRingTimer()
		if !c.screening && !c.ignored && c.Number == "" && !c.Withheld && c.Rings >= g.ringsWithoutNumber {
			g.log.Info("no caller ID, screening as unknown", "rings", c.Rings)
			g.startScreening(ctx)
		}
	case callwall.EventCallerNumber:
		c := g.ensureCall(ev)
		if c.screening || c.ignored {
			g.log.Debug("late caller ID ignored", "number", ev.Number)
			return
		}
		c.Number = ev.Number
		c.Withheld = ev.Withheld
		g.startScreening(ctx)
	case callwall.EventHangup:
		g.endCall(EndHangup)
	case callwall.EventBusy:
		g.endCall(EndBusy)
	case callwall.EventNoDialtone:
		g.endCall(EndNoDialtone)
	}
}

func (g *Guard) ensureCall(ev callwall.Event) *callState {
	if g.call == nil {
		g.nextID++
		at := ev.Time
		if at.IsZero() {
			at = g.now()
		}
		g.call = &callState{IncomingCall: IncomingCall{
			ID:        g.nextID,
			SessionID: g.line.Id(),
			ArrivedAt: at,
		}}
		g.log.Info("incoming call", "call", g.nextID)
	}
	return g.call
}

func (g *Guard) resetRingTimer() {
	g.stopRingTimer()
	g.ringTimer = time.NewTimer(g.ringTimeout)
}

func (g *Guard) stopRingTimer() {
	if g.ringTimer != nil {
		g.ringTimer.Stop()
		g.ringTimer = nil
	}
}

func (g *Guard) authorized(ctx context.Context) bool {
	if g.auth == nil {
		return true
	}
	actx, cancel := context.WithTimeout(ctx, defaultAuthTimeout)
	defer cancel()
	ok, err := g.auth.IsSessionAuthorized(actx, g.line.Id())
	if err != nil {
		g.log.Error("authorization lookup failed, screening anyway", "err", err)
		return true
	}
	return ok
}

func (g *Guard) startScreening(ctx context.Context) {
	c := g.call
	if !g.authorized(ctx) {
		g.log.Warn("session not authorized, call ignored", "call", c.ID)
		c.ignored = true
		return
	}
	c.screening = true
	id, number, arrived := c.ID, c.Number, c.ArrivedAt
	g.log.Info("screening call", "call", id, "number", number, "withheld", c.Withheld)
	go func() {
		sctx, cancel := context.WithTimeout(ctx, g.deadline)
		defer cancel()
		v := g.screener.Screen(sctx, number, arrived)
		select {
		case g.verdicts <- verdictResult{callID: id, verdict: v}:
		case <-ctx.Done():
		}
	}()
}

func (g *Guard) handleVerdict(ctx context.Context, r verdictResult) {
	c := g.call
	live := c != nil && c.ID == r.callID
	call := IncomingCall{ID: r.callID, SessionID: g.line.Id(), Number: r.verdict.Number}
	if live {
		call = c.IncomingCall
	}
	if g.onVerdict != nil {
		g.onVerdict(call, r.verdict)
	}
	if !live {
		g.log.Info("call ended before verdict", "call", r.callID, "action", r.verdict.Action)
		return
	}
	g.log.Info("verdict", "call", c.ID, "number", c.Number, "action", r.verdict.Action,
		"risk", r.verdict.RiskScore, "confidence", r.verdict.Confidence, "reason", r.verdict.Reason)

	actx, cancel := context.WithTimeout(ctx, g.actionTimeout)
	defer cancel()
	switch r.verdict.Action {
	case screening.ActionBlock:
		if err := g.line.Answer(actx); err != nil {
			g.log.Error("answer failed", "call", c.ID, "err", err)
		}
		if err := g.line.HangUp(actx); err != nil {
			g.log.Error("hang up failed", "call", c.ID, "err", err)
		}
		g.endCall(EndBlocked)
	case screening.ActionChallenge:
		// Nothing will ever resolve a challenge that was not issued.
		if r.verdict.Challenge == nil {
			g.log.Warn("challenge verdict without a challenge, letting the call ring", "call", c.ID)
			return
		}
		if err := g.line.Answer(actx); err != nil {
			g.log.Error("answer failed", "call", c.ID, "err", err)
			return
		}
		c.answered = true
		g.stopRingTimer()
	}
}

func (g *Guard) handleResolution(ctx context.Context, o ivr.Outcome) {
	c := g.call
	if c == nil || !c.answered || cache.NormalizeNumber(c.Number) != o.Number {
		g.log.Debug("resolution for no active challenge", "number", o.Number, "outcome", o.Kind)
		return
	}
	if !o.Final() {
		return
	}
	g.log.Info("challenge resolved", "call", c.ID, "outcome", o.Kind)
	if o.Kind != ivr.OutcomePassed {
		actx, cancel := context.WithTimeout(ctx, g.actionTimeout)
		defer cancel()
		if err := g.line.HangUp(actx); err != nil {
			g.log.Error("hang up failed", "call", c.ID, "err", err)
		}
	}
	g.endCall(EndChallenge)
}

func (g *Guard) endCall(reason string) {
	c := g.call
	if c == nil {
		return
	}
	g.call = nil
	g.stopRingTimer()
	g.log.Info("call ended", "call", c.ID, "reason", reason, "rings", c.Rings)
	if g.onCallEnd != nil {
		g.onCallEnd(c.IncomingCall, reason)
	}
}
