// Package callwall drives a caller-ID voice modem for a landline spam-call
// blocker. It owns the serial line, frames modem output into lines, sends AT
// commands one at a time, routes unsolicited notifications (RING, NMBR=,
// NO CARRIER, BUSY, NO DIALTONE) as typed events, and keeps the device
// configured through a bring-up sequence and a bounded recovery procedure.
//
// The core component is the Session, a state machine with the following
// states: Closed, Opening, Configuring, Ready, Degraded, Recovering and Failed.
// Only events routed while the session is Ready should be screened.
//
// Example usage:
//
//	s, err := callwall.NewSession(&callwall.SessionConfig{
//		Id:     "line0",
//		Dialer: callwall.SerialDialer{PortName: "/dev/ttyACM0"},
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	if err := s.Open(ctx); err != nil {
//		log.Fatal(err)
//	}
//	defer s.Close()
//	for ev := range s.Events() {
//		...
//	}
package callwall

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// SessionStatus represents the current operational state of a modem session.
type SessionStatus int

const (
	// StatusClosed is the initial state and the state after an explicit Close
	StatusClosed SessionStatus = iota
	// StatusOpening means the transport is being acquired
	StatusOpening
	// StatusConfiguring means the bring-up sequence is running
	StatusConfiguring
	// StatusReady means the device is configured and events can be screened
	StatusReady
	// StatusDegraded means the device stopped answering commands in time but
	// the line has not failed; the next successful command returns to Ready
	StatusDegraded
	// StatusRecovering means the transport is being closed and reopened
	StatusRecovering
	// StatusFailed is the terminal state after exhausting recovery attempts
	StatusFailed
)

// String returns a human-readable string representation of the session status.
func (st SessionStatus) String() string {
	switch st {
	case StatusClosed:
		return "Closed"
	case StatusOpening:
		return "Opening"
	case StatusConfiguring:
		return "Configuring"
	case StatusReady:
		return "Ready"
	case StatusDegraded:
		return "Degraded"
	case StatusRecovering:
		return "Recovering"
	case StatusFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

var validTransitions = map[SessionStatus][]SessionStatus{
	StatusClosed:      {StatusOpening},
	StatusOpening:     {StatusConfiguring, StatusRecovering, StatusFailed, StatusClosed},
	StatusConfiguring: {StatusReady, StatusRecovering, StatusFailed, StatusClosed},
	StatusReady:       {StatusDegraded, StatusRecovering, StatusClosed},
	StatusDegraded:    {StatusReady, StatusRecovering, StatusClosed},
	StatusRecovering:  {StatusOpening, StatusFailed, StatusClosed},
	StatusFailed:      {StatusClosed},
}

func canTransition(from, to SessionStatus) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Step is one command of the bring-up sequence. Fallbacks are tried in order
// when Command answers ERROR; the step fails when every alternative fails.
type Step struct {
	Command   string
	Timeout   time.Duration
	Fallbacks []string
}

// DefaultBringUp configures a voice modem for caller-ID screening: soft reset,
// factory reset, caller-ID delivery, voice mode, no auto-answer, hardware
// flow control, speaker off, persist.
var DefaultBringUp = []Step{
	{Command: "ATZ", Timeout: 3 * time.Second},
	{Command: "AT&F", Timeout: 3 * time.Second},
	{Command: "AT+VCID=1", Fallbacks: []string{"AT#CID=1", "AT+CLIP=1"}},
	{Command: "AT+FCLASS=0"},
	{Command: "ATS0=0"},
	{Command: "AT&K3"},
	{Command: "ATM0"},
	{Command: "AT&W"},
}

const (
	defaultCommandTimeout  = 2 * time.Second
	defaultAnswerTimeout   = 1500 * time.Millisecond
	defaultRecoveryBackoff = 2 * time.Second
	defaultMaxRecoveries   = 3
	defaultEventBuffer     = 64
)

var errNoDialtone = errors.New("no dialtone")

// StatusTransitionType defines a callback invoked after every state change.
// It runs without the session lock held.
type StatusTransitionType func(s *Session, prevStatus SessionStatus, newStatus SessionStatus)

// SessionConfig contains the configuration parameters for a modem session.
// Dialer is required; other fields have reasonable defaults.
type SessionConfig struct {
	// Id identifies the session (used for authorization and logging)
	Id string
	// Dialer opens the transport on Open and on every recovery attempt (required)
	Dialer Dialer
	// BringUp is the configuration sequence (default: DefaultBringUp)
	BringUp []Step
	// CommandTimeout applies to steps and commands without their own timeout (default: 2s)
	CommandTimeout time.Duration
	// AnswerTimeout bounds ATA; its expiry is not an error (default: 1.5s)
	AnswerTimeout time.Duration
	// RecoveryBackoff is the pause between closing and reopening the transport (default: 2s)
	RecoveryBackoff time.Duration
	// MaxRecoveries is the number of consecutive failed attempts before Failed (default: 3)
	MaxRecoveries int
	// EventBuffer is the capacity of the event channel (default: 64)
	EventBuffer int
	// StatusTransition is an optional callback for status change notifications
	StatusTransition StatusTransitionType
	Logger           *slog.Logger
}

// Metrics contains runtime statistics for a session. Counters are cumulative
// across reconnects.
type Metrics struct {
	Status       SessionStatus
	TxBytes      int64
	RxBytes      int64
	Commands     int64
	Timeouts     int64
	DeviceErrors int64
	Recoveries   int64
	LastCommand  string
	LastCmdTime  time.Time
}

// Session is one physical modem. All serial I/O goes through the session's
// current Engine; the session itself only tracks state and drives bring-up
// and recovery.
type Session struct {
	mu               sync.Mutex
	id               string
	dialer           Dialer
	bringUp          []Step
	cmdTimeout       time.Duration
	answerTimeout    time.Duration
	backoff          time.Duration
	maxRecoveries    int
	statusTransition StatusTransitionType
	log              *slog.Logger

	st         SessionStatus
	engine     *Engine
	ctx        context.Context
	cancel     context.CancelFunc
	retries    int
	recovering bool
	lastCmd    string
	failErr    error
	done       chan struct{}
	recoveries int64

	events   chan Event
	counters *counters
}

// NewSession creates a closed session. Call Open to bring the device up.
//
// Returns ErrConfigRequired if config is nil or has no Dialer.
func NewSession(config *SessionConfig) (*Session, error) {
	if config == nil || config.Dialer == nil {
		return nil, ErrConfigRequired
	}
	s := &Session{
		id:               config.Id,
		dialer:           config.Dialer,
		bringUp:          config.BringUp,
		cmdTimeout:       config.CommandTimeout,
		answerTimeout:    config.AnswerTimeout,
		backoff:          config.RecoveryBackoff,
		maxRecoveries:    config.MaxRecoveries,
		statusTransition: config.StatusTransition,
		log:              config.Logger,
		st:               StatusClosed,
		done:             make(chan struct{}),
		counters:         &counters{},
	}
	if s.bringUp == nil {
		s.bringUp = DefaultBringUp
	}
	if s.cmdTimeout == 0 {
		s.cmdTimeout = defaultCommandTimeout
	}
	if s.answerTimeout == 0 {
		s.answerTimeout = defaultAnswerTimeout
	}
	if s.backoff == 0 {
		s.backoff = defaultRecoveryBackoff
	}
	if s.maxRecoveries == 0 {
		s.maxRecoveries = defaultMaxRecoveries
	}
	buf := config.EventBuffer
	if buf == 0 {
		buf = defaultEventBuffer
	}
	s.events = make(chan Event, buf)
	if s.log == nil {
		s.log = slog.Default()
	}
	s.log = s.log.With("session", s.id)
	return s, nil
}

// Id returns the session identifier.
func (s *Session) Id() string {
	return s.id
}

// Events returns the channel of routed unsolicited events. The channel is
// never closed; consumers stop on their own context.
func (s *Session) Events() <-chan Event {
	return s.events
}

// Status returns the current status.
func (s *Session) Status() SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st
}

// Done is closed when the session reaches Failed.
func (s *Session) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Err returns the fatal error once the session has failed, nil otherwise.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failErr
}

// Metrics returns a snapshot of the session statistics.
func (s *Session) Metrics() Metrics {
	s.mu.Lock()
	m := Metrics{Status: s.st, Recoveries: s.recoveries, LastCommand: s.lastCmd}
	s.mu.Unlock()
	m.TxBytes = s.counters.txBytes.Load()
	m.RxBytes = s.counters.rxBytes.Load()
	m.Commands = s.counters.commands.Load()
	m.Timeouts = s.counters.timeouts.Load()
	m.DeviceErrors = s.counters.deviceErrors.Load()
	if ns := s.counters.lastCmdTime.Load(); ns != 0 {
		m.LastCmdTime = time.Unix(0, ns)
	}
	return m
}

// transition moves the session to next. Unless next is Closed, it refuses to
// act once the session context has been cancelled by Close.
func (s *Session) transition(next SessionStatus) error {
	s.mu.Lock()
	prev := s.st
	if next != StatusClosed && s.ctx != nil && s.ctx.Err() != nil {
		s.mu.Unlock()
		return ErrClosed
	}
	if prev == next {
		s.mu.Unlock()
		return nil
	}
	if !canTransition(prev, next) {
		s.mu.Unlock()
		return fmt.Errorf("%v -> %v: %w", prev, next, ErrInvalidStateTransition)
	}
	s.st = next
	s.mu.Unlock()
	s.notify(prev, next)
	return nil
}

func (s *Session) notify(prev, next SessionStatus) {
	s.log.Info("session state", "from", prev.String(), "to", next.String())
	if s.statusTransition != nil {
		s.statusTransition(s, prev, next)
	}
}

// Open acquires the transport and runs the bring-up sequence. A failed
// attempt enters the bounded recovery procedure. Open returns nil once the
// session is Ready, or an error wrapping ErrFatal when it reached Failed.
func (s *Session) Open(ctx context.Context) error {
	s.mu.Lock()
	if s.st != StatusClosed {
		st := s.st
		s.mu.Unlock()
		return fmt.Errorf("open from %v: %w", st, ErrInvalidStateTransition)
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.retries = 0
	s.failErr = nil
	select {
	case <-s.done:
		s.done = make(chan struct{})
	default:
	}
	sctx := s.ctx
	s.mu.Unlock()

	// Cancelling the caller's context aborts Open like Close would.
	stop := context.AfterFunc(ctx, func() { s.cancel() })
	defer stop()

	err := s.connect(sctx)
	if err == nil {
		return nil
	}
	if sctx.Err() != nil {
		return ErrClosed
	}
	s.log.Warn("bring-up failed", "err", err)
	s.mu.Lock()
	s.recovering = true
	s.mu.Unlock()
	if terr := s.transition(StatusRecovering); terr != nil {
		return terr
	}
	return s.recoverLoop(sctx, err)
}

// connect runs Opening -> Configuring -> Ready once.
func (s *Session) connect(ctx context.Context) error {
	if err := s.transition(StatusOpening); err != nil {
		return err
	}
	t, err := s.dialer.Dial(ctx)
	if err != nil {
		return err
	}
	eng := newEngine(&EngineConfig{
		Transport: t,
		OnEvent:   s.routeEvent,
		OnFailure: s.engineFailed,
		Logger:    s.log,
	}, s.counters)

	s.mu.Lock()
	if ctx.Err() != nil {
		s.mu.Unlock()
		eng.Close()
		return ErrClosed
	}
	s.engine = eng
	s.mu.Unlock()

	if err := s.transition(StatusConfiguring); err != nil {
		return err
	}
	for _, step := range s.bringUp {
		if err := s.runStep(ctx, eng, step); err != nil {
			return fmt.Errorf("bring-up %s: %w", step.Command, err)
		}
	}
	return s.transition(StatusReady)
}

func (s *Session) runStep(ctx context.Context, eng *Engine, step Step) error {
	timeout := step.Timeout
	if timeout == 0 {
		timeout = s.cmdTimeout
	}
	var err error
	for _, cmd := range append([]string{step.Command}, step.Fallbacks...) {
		s.setLastCmd(cmd)
		_, err = eng.Send(ctx, cmd, timeout)
		if err == nil {
			s.log.Info("bring-up step ok", "cmd", cmd)
			return nil
		}
		var de *DeviceError
		if !errors.As(err, &de) {
			return err
		}
		s.log.Warn("bring-up step rejected", "cmd", cmd)
	}
	return err
}

func (s *Session) setLastCmd(cmd string) {
	s.mu.Lock()
	s.lastCmd = cmd
	s.mu.Unlock()
}

// detach removes the current engine and closes it outside the lock.
func (s *Session) detach() {
	s.mu.Lock()
	eng := s.engine
	s.engine = nil
	s.mu.Unlock()
	if eng != nil {
		eng.Close()
	}
}

// triggerRecovery starts recovery in the background if the session is
// serving (Ready or Degraded) and no recovery is already running.
func (s *Session) triggerRecovery(cause error) {
	s.mu.Lock()
	if s.recovering || (s.st != StatusReady && s.st != StatusDegraded) {
		s.mu.Unlock()
		return
	}
	s.recovering = true
	sctx := s.ctx
	s.mu.Unlock()

	s.log.Warn("session recovery", "cause", cause)
	if err := s.transition(StatusRecovering); err != nil {
		s.mu.Lock()
		s.recovering = false
		s.mu.Unlock()
		return
	}
	go s.recoverLoop(sctx, cause)
}

// recoverLoop closes the transport, backs off and reconnects until the
// session is Ready or the attempts are exhausted.
func (s *Session) recoverLoop(ctx context.Context, cause error) error {
	defer func() {
		s.mu.Lock()
		s.recovering = false
		s.mu.Unlock()
	}()
	s.mu.Lock()
	s.recoveries++
	s.mu.Unlock()

	for {
		s.detach()
		select {
		case <-ctx.Done():
			return ErrClosed
		case <-time.After(s.backoff):
		}

		err := s.connect(ctx)
		if err == nil {
			s.mu.Lock()
			s.retries = 0
			s.mu.Unlock()
			s.log.Info("session recovered")
			return nil
		}
		if ctx.Err() != nil {
			return ErrClosed
		}

		s.mu.Lock()
		s.retries++
		retries := s.retries
		s.mu.Unlock()
		s.log.Warn("recovery attempt failed", "attempt", retries, "max", s.maxRecoveries, "err", err)
		if retries >= s.maxRecoveries {
			return s.fail(fmt.Errorf("%w after %d recovery attempts (initial cause: %v): %w", ErrFatal, retries, cause, err))
		}
		if terr := s.transition(StatusRecovering); terr != nil {
			return terr
		}
	}
}

func (s *Session) fail(err error) error {
	s.detach()
	if terr := s.transition(StatusFailed); terr != nil {
		return terr
	}
	s.mu.Lock()
	s.failErr = err
	close(s.done)
	s.mu.Unlock()
	s.log.Error("session failed, operator attention required", "err", err)
	return err
}

// Close disconnects from any state: it cancels a running recovery, discards
// the pending command, closes the transport and moves to Closed.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()
	s.detach()
	return s.transition(StatusClosed)
}

// routeEvent runs on the engine goroutine; it must never block on the engine.
func (s *Session) routeEvent(ev Event) {
	s.mu.Lock()
	ev.SessionID = s.id
	ev.State = s.st
	s.mu.Unlock()

	s.log.Debug("event", "kind", ev.Kind.String(), "number", ev.Number, "state", ev.State.String())
	if ev.Kind == EventNoDialtone {
		s.triggerRecovery(errNoDialtone)
	}
	select {
	case s.events <- ev:
	default:
		s.log.Warn("event buffer full, event dropped", "kind", ev.Kind.String(), "raw", ev.Raw)
	}
}

// engineFailed runs on the engine goroutine.
func (s *Session) engineFailed(err error) {
	s.triggerRecovery(err)
}

// Send issues a command while the session is Ready or Degraded. A zero
// timeout uses the session's command timeout. Device and transport errors
// start recovery; a timeout marks the session Degraded.
func (s *Session) Send(ctx context.Context, command string, timeout time.Duration) ([]string, error) {
	return s.send(ctx, command, timeout, false)
}

func (s *Session) send(ctx context.Context, command string, timeout time.Duration, timeoutOK bool) ([]string, error) {
	s.mu.Lock()
	st := s.st
	eng := s.engine
	if st == StatusReady || st == StatusDegraded {
		s.lastCmd = command
	}
	s.mu.Unlock()
	if (st != StatusReady && st != StatusDegraded) || eng == nil {
		return nil, ErrNotReady
	}
	if timeout == 0 {
		timeout = s.cmdTimeout
	}

	lines, err := eng.Send(ctx, command, timeout)
	switch {
	case err == nil:
		if st == StatusDegraded {
			s.transition(StatusReady)
		}
	case errors.Is(err, ErrTimeout):
		if timeoutOK {
			return lines, nil
		}
		if st == StatusReady {
			s.transition(StatusDegraded)
		}
	case recoverable(err):
		s.triggerRecovery(err)
	}
	return lines, err
}

// Answer takes the line off-hook (ATA). Voice answers do not reliably end in
// OK, so running out of time is not an error.
func (s *Session) Answer(ctx context.Context) error {
	_, err := s.send(ctx, "ATA", s.answerTimeout, true)
	return err
}

// HangUp puts the line on-hook (ATH).
func (s *Session) HangUp(ctx context.Context) error {
	_, err := s.Send(ctx, "ATH", 0)
	return err
}

// Reject answers and immediately hangs up, which drops the caller.
func (s *Session) Reject(ctx context.Context) error {
	if err := s.Answer(ctx); err != nil {
		return err
	}
	return s.HangUp(ctx)
}

// Speaker switches the local speaker on (ATM1) or off (ATM0).
func (s *Session) Speaker(ctx context.Context, on bool) error {
	cmd := "ATM0"
	if on {
		cmd = "ATM1"
	}
	_, err := s.Send(ctx, cmd, 0)
	return err
}
