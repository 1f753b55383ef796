package callwall

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jaracil/callwall/simmodem"
)

// simLine dials a fresh virtual modem over net.Pipe on every Dial, like a
// USB modem that re-enumerates after being reopened.
type simLine struct {
	mu       sync.Mutex
	config   simmodem.ModemConfig
	failDial func(n int) error
	modems   []*simmodem.Modem
	dials    int
}

func (l *simLine) Dial(ctx context.Context) (Transport, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.dials++
	if l.failDial != nil {
		if err := l.failDial(l.dials); err != nil {
			return nil, err
		}
	}
	host, dev := net.Pipe()
	cfg := l.config
	cfg.Id = "sim"
	cfg.TTY = dev
	m, err := simmodem.NewModem(&cfg)
	if err != nil {
		return nil, err
	}
	l.modems = append(l.modems, m)
	return host, nil
}

func (l *simLine) current() *simmodem.Modem {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.modems[len(l.modems)-1]
}

func (l *simLine) dialCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dials
}

func (l *simLine) close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, m := range l.modems {
		m.CloseSync()
	}
}

type transitionLog struct {
	mu  sync.Mutex
	log []string
}

func (tl *transitionLog) hook(s *Session, prev, next SessionStatus) {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	tl.log = append(tl.log, prev.String()+"->"+next.String())
}

func (tl *transitionLog) String() string {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	return strings.Join(tl.log, ",")
}

func newTestSession(t *testing.T, line *simLine, mutate func(*SessionConfig)) (*Session, *transitionLog) {
	t.Helper()
	tl := &transitionLog{}
	cfg := &SessionConfig{
		Id:               "line0",
		Dialer:           line,
		CommandTimeout:   500 * time.Millisecond,
		AnswerTimeout:    100 * time.Millisecond,
		RecoveryBackoff:  10 * time.Millisecond,
		StatusTransition: tl.hook,
	}
	if mutate != nil {
		mutate(cfg)
	}
	s, err := NewSession(cfg)
	if err != nil {
		t.Fatalf("NewSession() error = %v", err)
	}
	t.Cleanup(func() {
		s.Close()
		line.close()
	})
	return s, tl
}

func nextEvent(t *testing.T, s *Session) Event {
	t.Helper()
	select {
	case ev := <-s.Events():
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("no event")
	}
	return Event{}
}

func TestSessionStatus_String(t *testing.T) {
	tests := []struct {
		status   SessionStatus
		expected string
	}{
		{StatusClosed, "Closed"},
		{StatusOpening, "Opening"},
		{StatusConfiguring, "Configuring"},
		{StatusReady, "Ready"},
		{StatusDegraded, "Degraded"},
		{StatusRecovering, "Recovering"},
		{StatusFailed, "Failed"},
		{SessionStatus(99), "Unknown"},
	}

	for _, tt := range tests {
		if result := tt.status.String(); result != tt.expected {
			t.Errorf("SessionStatus.String() = %v, want %v", result, tt.expected)
		}
	}
}

func TestNewSession(t *testing.T) {
	if _, err := NewSession(nil); err != ErrConfigRequired {
		t.Errorf("NewSession(nil) error = %v, want %v", err, ErrConfigRequired)
	}
	if _, err := NewSession(&SessionConfig{Id: "x"}); err != ErrConfigRequired {
		t.Errorf("NewSession(no dialer) error = %v, want %v", err, ErrConfigRequired)
	}

	s, err := NewSession(&SessionConfig{Dialer: &simLine{}})
	if err != nil {
		t.Fatalf("NewSession() error = %v", err)
	}
	if s.Status() != StatusClosed {
		t.Errorf("initial status = %v, want Closed", s.Status())
	}
	if s.cmdTimeout != defaultCommandTimeout || s.maxRecoveries != defaultMaxRecoveries || len(s.bringUp) != len(DefaultBringUp) {
		t.Error("defaults not applied")
	}
}

func TestSession_OpenBringUp(t *testing.T) {
	line := &simLine{}
	s, tl := newTestSession(t, line, nil)

	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if s.Status() != StatusReady {
		t.Fatalf("status = %v, want Ready", s.Status())
	}
	if got := tl.String(); got != "Closed->Opening,Opening->Configuring,Configuring->Ready" {
		t.Errorf("transitions = %s", got)
	}

	settings := line.current().SettingsSync()
	if !settings.CallerID || settings.FlowControl != 3 || settings.AutoAnswer != 0 || !settings.Saved {
		t.Errorf("modem settings = %+v", settings)
	}
	history := line.current().MetricsSync().History
	want := []string{"ATZ", "AT&F", "AT+VCID=1", "AT+FCLASS=0", "ATS0=0", "AT&K3", "ATM0", "AT&W"}
	if strings.Join(history, " ") != strings.Join(want, " ") {
		t.Errorf("bring-up = %v, want %v", history, want)
	}

	m := s.Metrics()
	if m.Commands != int64(len(want)) || m.Status != StatusReady || m.LastCommand != "AT&W" {
		t.Errorf("metrics = %+v", m)
	}

	if err := s.Open(context.Background()); !errors.Is(err, ErrInvalidStateTransition) {
		t.Errorf("second Open() error = %v, want %v", err, ErrInvalidStateTransition)
	}
}

func TestSession_CallerIDFallback(t *testing.T) {
	line := &simLine{config: simmodem.ModemConfig{
		CommandHook: func(m *simmodem.Modem, cmdChar, cmdNum string, cmdAssign, cmdQuery bool, cmdAssignVal string) simmodem.RetCode {
			if cmdChar == "+VCID" {
				return simmodem.RetCodeError
			}
			return simmodem.RetCodeSkip
		},
	}}
	s, _ := newTestSession(t, line, nil)

	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	history := strings.Join(line.current().MetricsSync().History, " ")
	if !strings.Contains(history, "AT+VCID=1 AT#CID=1 AT+FCLASS=0") {
		t.Errorf("history = %s, want #CID fallback", history)
	}
	if !line.current().SettingsSync().CallerID {
		t.Error("caller ID not enabled by fallback")
	}
}

func TestSession_BringUpExhaustsRecovery(t *testing.T) {
	line := &simLine{config: simmodem.ModemConfig{
		CommandHook: func(m *simmodem.Modem, cmdChar, cmdNum string, cmdAssign, cmdQuery bool, cmdAssignVal string) simmodem.RetCode {
			switch cmdChar {
			case "+VCID", "#CID", "+CLIP":
				return simmodem.RetCodeError
			}
			return simmodem.RetCodeSkip
		},
	}}
	s, tl := newTestSession(t, line, nil)

	err := s.Open(context.Background())
	if !errors.Is(err, ErrFatal) {
		t.Fatalf("Open() error = %v, want %v", err, ErrFatal)
	}
	var de *DeviceError
	if !errors.As(err, &de) {
		t.Errorf("fatal error should carry the last device error: %v", err)
	}
	if s.Status() != StatusFailed {
		t.Errorf("status = %v, want Failed", s.Status())
	}
	select {
	case <-s.Done():
	default:
		t.Error("Done() not closed")
	}
	if !errors.Is(s.Err(), ErrFatal) {
		t.Errorf("Err() = %v, want %v", s.Err(), ErrFatal)
	}
	if n := line.dialCount(); n != 1+defaultMaxRecoveries {
		t.Errorf("dials = %d, want %d", n, 1+defaultMaxRecoveries)
	}
	if !strings.HasSuffix(tl.String(), "Configuring->Failed") {
		t.Errorf("transitions = %s", tl.String())
	}

	if err := s.Close(); err != nil {
		t.Errorf("Close() from Failed error = %v", err)
	}
	if s.Status() != StatusClosed {
		t.Errorf("status = %v, want Closed", s.Status())
	}
}

func TestSession_DialFailure(t *testing.T) {
	line := &simLine{failDial: func(n int) error { return &TransportError{Op: "open", Err: errors.New("no such device")} }}
	s, _ := newTestSession(t, line, func(c *SessionConfig) { c.MaxRecoveries = 2 })

	if err := s.Open(context.Background()); !errors.Is(err, ErrFatal) {
		t.Fatalf("Open() error = %v, want %v", err, ErrFatal)
	}
	if n := line.dialCount(); n != 3 {
		t.Errorf("dials = %d, want 3", n)
	}
}

func TestSession_RecoversOnSecondAttempt(t *testing.T) {
	line := &simLine{failDial: func(n int) error {
		if n == 1 {
			return errors.New("busy")
		}
		return nil
	}}
	s, tl := newTestSession(t, line, nil)

	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if s.Status() != StatusReady {
		t.Errorf("status = %v, want Ready", s.Status())
	}
	if !strings.Contains(tl.String(), "Opening->Recovering,Recovering->Opening") {
		t.Errorf("transitions = %s", tl.String())
	}
	if r := s.Metrics().Recoveries; r != 1 {
		t.Errorf("Recoveries = %d, want 1", r)
	}
}

func TestSession_Events(t *testing.T) {
	line := &simLine{config: simmodem.ModemConfig{RingMax: 2, RingInterval: 50 * time.Millisecond}}
	s, _ := newTestSession(t, line, nil)
	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	if err := line.current().IncomingCallSync("5551234567"); err != nil {
		t.Fatal(err)
	}

	ev := nextEvent(t, s)
	if ev.Kind != EventRing || ev.SessionID != "line0" || ev.State != StatusReady {
		t.Errorf("first event = %+v, want Ring stamped line0/Ready", ev)
	}
	ev = nextEvent(t, s)
	if ev.Kind != EventCallerNumber || ev.Number != "5551234567" {
		t.Errorf("second event = %+v, want caller number", ev)
	}
	ev = nextEvent(t, s)
	if ev.Kind != EventRing {
		t.Errorf("third event = %+v, want Ring", ev)
	}
}

func TestSession_NoDialtoneRecovery(t *testing.T) {
	line := &simLine{}
	s, tl := newTestSession(t, line, nil)
	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	line.current().NoDialtoneSync()

	ev := nextEvent(t, s)
	if ev.Kind != EventNoDialtone || ev.State != StatusReady {
		t.Errorf("event = %+v, want NoDialtone in Ready", ev)
	}
	waitUntil(t, "recovery", func() bool {
		return line.dialCount() == 2 && s.Status() == StatusReady
	})
	if !strings.Contains(tl.String(), "Ready->Recovering,Recovering->Opening,Opening->Configuring,Configuring->Ready") {
		t.Errorf("transitions = %s", tl.String())
	}
	if r := s.Metrics().Recoveries; r != 1 {
		t.Errorf("Recoveries = %d, want 1", r)
	}
}

func TestSession_TransportLossRecovery(t *testing.T) {
	line := &simLine{}
	s, _ := newTestSession(t, line, nil)
	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	first := line.current()

	first.CloseSync()

	waitUntil(t, "reconnect", func() bool {
		return line.dialCount() == 2 && s.Status() == StatusReady
	})
	if line.current() == first {
		t.Error("session did not reopen the line")
	}
	if err := s.Speaker(context.Background(), true); err != nil {
		t.Errorf("Speaker() after recovery error = %v", err)
	}
}

func TestSession_DegradedOnTimeout(t *testing.T) {
	line := &simLine{config: simmodem.ModemConfig{
		CommandHook: func(m *simmodem.Modem, cmdChar, cmdNum string, cmdAssign, cmdQuery bool, cmdAssignVal string) simmodem.RetCode {
			if cmdChar == "M" && cmdNum == "1" {
				return simmodem.RetCodeSilent
			}
			return simmodem.RetCodeSkip
		},
	}}
	s, _ := newTestSession(t, line, func(c *SessionConfig) { c.CommandTimeout = 100 * time.Millisecond })
	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	if err := s.Speaker(context.Background(), true); !errors.Is(err, ErrTimeout) {
		t.Fatalf("Speaker(on) error = %v, want %v", err, ErrTimeout)
	}
	if s.Status() != StatusDegraded {
		t.Fatalf("status = %v, want Degraded", s.Status())
	}
	if err := s.Speaker(context.Background(), false); err != nil {
		t.Fatalf("Speaker(off) error = %v", err)
	}
	if s.Status() != StatusReady {
		t.Errorf("status = %v, want Ready", s.Status())
	}
	if n := s.Metrics().Timeouts; n != 1 {
		t.Errorf("Timeouts = %d, want 1", n)
	}
}

func TestSession_DeviceErrorTriggersRecovery(t *testing.T) {
	line := &simLine{}
	s, _ := newTestSession(t, line, nil)
	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	// ATA with nothing ringing is rejected by the device.
	err := s.Answer(context.Background())
	var de *DeviceError
	if !errors.As(err, &de) {
		t.Fatalf("Answer() error = %v, want *DeviceError", err)
	}
	waitUntil(t, "recovery", func() bool {
		return line.dialCount() == 2 && s.Status() == StatusReady
	})
}

func TestSession_RejectCall(t *testing.T) {
	line := &simLine{config: simmodem.ModemConfig{RingInterval: time.Second}}
	s, _ := newTestSession(t, line, nil)
	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	modem := line.current()
	modem.IncomingCallSync("5551234567")

	if err := s.Reject(context.Background()); err != nil {
		t.Fatalf("Reject() error = %v", err)
	}
	if modem.StatusSync() != simmodem.StatusIdle {
		t.Errorf("modem status = %v, want Idle", modem.StatusSync())
	}
	m := modem.MetricsSync()
	if m.Answered != 1 || m.Rejected != 1 {
		t.Errorf("Answered=%d Rejected=%d, want 1/1", m.Answered, m.Rejected)
	}
}

func TestSession_AnswerTimeoutTolerated(t *testing.T) {
	line := &simLine{config: simmodem.ModemConfig{
		CommandHook: func(m *simmodem.Modem, cmdChar, cmdNum string, cmdAssign, cmdQuery bool, cmdAssignVal string) simmodem.RetCode {
			if cmdChar == "A" {
				return simmodem.RetCodeSilent
			}
			return simmodem.RetCodeSkip
		},
	}}
	s, _ := newTestSession(t, line, nil)
	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	if err := s.Answer(context.Background()); err != nil {
		t.Errorf("Answer() error = %v, want nil", err)
	}
	if s.Status() != StatusReady {
		t.Errorf("status = %v, want Ready", s.Status())
	}
}

func TestSession_SendNotReady(t *testing.T) {
	s, _ := newTestSession(t, &simLine{}, nil)

	if _, err := s.Send(context.Background(), "ATI", 0); err != ErrNotReady {
		t.Errorf("Send() on closed session error = %v, want %v", err, ErrNotReady)
	}
	if err := s.HangUp(context.Background()); err != ErrNotReady {
		t.Errorf("HangUp() on closed session error = %v, want %v", err, ErrNotReady)
	}
}

func TestSession_CloseDiscardsPending(t *testing.T) {
	line := &simLine{config: simmodem.ModemConfig{
		CommandHook: func(m *simmodem.Modem, cmdChar, cmdNum string, cmdAssign, cmdQuery bool, cmdAssignVal string) simmodem.RetCode {
			if cmdChar == "I" {
				return simmodem.RetCodeSilent
			}
			return simmodem.RetCodeSkip
		},
	}}
	s, tl := newTestSession(t, line, nil)
	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	result := make(chan error, 1)
	go func() {
		_, err := s.Send(context.Background(), "ATI", 10*time.Second)
		result <- err
	}()
	waitUntil(t, "command on the wire", func() bool {
		h := line.current().MetricsSync().History
		return h[len(h)-1] == "ATI"
	})

	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := <-result; err != ErrClosed {
		t.Errorf("pending Send() error = %v, want %v", err, ErrClosed)
	}
	if !strings.HasSuffix(tl.String(), "Ready->Closed") {
		t.Errorf("transitions = %s", tl.String())
	}
	if line.dialCount() != 1 {
		t.Error("Close must not trigger recovery")
	}
}

func TestSession_CloseCancelsRecovery(t *testing.T) {
	line := &simLine{failDial: func(n int) error { return errors.New("unplugged") }}
	s, _ := newTestSession(t, line, func(c *SessionConfig) { c.RecoveryBackoff = time.Hour })

	result := make(chan error, 1)
	go func() { result <- s.Open(context.Background()) }()
	waitUntil(t, "recovering", func() bool { return s.Status() == StatusRecovering })

	s.Close()
	select {
	case err := <-result:
		if !errors.Is(err, ErrClosed) {
			t.Errorf("Open() error = %v, want %v", err, ErrClosed)
		}
	case <-time.After(time.Second):
		t.Fatal("Close did not cancel recovery")
	}
	if s.Status() != StatusClosed {
		t.Errorf("status = %v, want Closed", s.Status())
	}
}

func TestSession_OpenContextCancel(t *testing.T) {
	line := &simLine{failDial: func(n int) error { return errors.New("unplugged") }}
	s, _ := newTestSession(t, line, func(c *SessionConfig) { c.RecoveryBackoff = time.Hour })

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := s.Open(ctx); !errors.Is(err, ErrClosed) {
		t.Errorf("Open() error = %v, want %v", err, ErrClosed)
	}
}

func TestSession_Reopen(t *testing.T) {
	line := &simLine{}
	s, _ := newTestSession(t, line, nil)

	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	s.Close()
	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("second Open() error = %v", err)
	}
	if s.Status() != StatusReady || line.dialCount() != 2 {
		t.Errorf("status = %v dials = %d, want Ready/2", s.Status(), line.dialCount())
	}
}

func TestSession_EventsBeforeReadyAreStamped(t *testing.T) {
	line := &simLine{config: simmodem.ModemConfig{
		CommandHook: func(m *simmodem.Modem, cmdChar, cmdNum string, cmdAssign, cmdQuery bool, cmdAssignVal string) simmodem.RetCode {
			if cmdChar == "&F" {
				m.TtyWriteStr("\r\nRING\r\n")
			}
			return simmodem.RetCodeSkip
		},
	}}
	s, _ := newTestSession(t, line, nil)

	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	ev := nextEvent(t, s)
	if ev.Kind != EventRing || ev.State != StatusConfiguring {
		t.Errorf("event = %+v, want Ring stamped Configuring", ev)
	}
}
