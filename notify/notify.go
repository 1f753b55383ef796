// Package notify publishes screening outcomes to interested parties. A Bus
// decouples the call path from slow consumers: Publish never blocks and a
// single dispatcher goroutine feeds every Sink in order.
package notify

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jaracil/callwall/ivr"
	"github.com/jaracil/callwall/screening"
)

// Kind names an event type.
type Kind string

const (
	KindCallScreened      Kind = "call_screened"
	KindChallengeResolved Kind = "challenge_resolved"
	KindSessionState      Kind = "session_state"
)

// Event is one published outcome. Fields not relevant to the kind are empty.
type Event struct {
	Kind       Kind      `json:"kind"`
	Time       time.Time `json:"time"`
	SessionID  string    `json:"session_id,omitempty"`
	Number     string    `json:"number,omitempty"`
	Withheld   bool      `json:"withheld,omitempty"`
	Action     string    `json:"action,omitempty"`
	RiskScore  float64   `json:"risk_score"`
	Confidence float64   `json:"confidence"`
	Reasons    []string  `json:"reasons,omitempty"`
	Cached     bool      `json:"cached,omitempty"`
	Outcome    string    `json:"outcome,omitempty"`
	Remaining  int       `json:"remaining,omitempty"`
	State      string    `json:"state,omitempty"`
}

// CallScreened builds the event for a verdict applied on a session.
func CallScreened(sessionID string, v screening.Verdict) Event {
	var reasons []string
	if v.Reason != "" {
		reasons = append(reasons, v.Reason)
	}
	reasons = append(reasons, v.Signals...)
	return Event{
		Kind:       KindCallScreened,
		Time:       v.DecidedAt,
		SessionID:  sessionID,
		Number:     v.Number,
		Withheld:   v.Number == "",
		Action:     string(v.Action),
		RiskScore:  v.RiskScore,
		Confidence: v.Confidence,
		Reasons:    reasons,
		Cached:     v.Cached,
	}
}

// ChallengeResolved builds the event for a finished IVR challenge.
func ChallengeResolved(o ivr.Outcome, at time.Time) Event {
	return Event{
		Kind:      KindChallengeResolved,
		Time:      at,
		Number:    o.Number,
		Outcome:   o.Kind.String(),
		Remaining: o.Remaining,
	}
}

// SessionState builds the event for a modem session status change.
func SessionState(sessionID, state string, at time.Time) Event {
	return Event{Kind: KindSessionState, Time: at, SessionID: sessionID, State: state}
}

// Sink consumes events. Handle is called from the dispatcher goroutine only.
type Sink interface {
	Name() string
	Handle(ctx context.Context, e Event) error
}

const (
	defaultBuffer      = 256
	defaultSinkTimeout = 5 * time.Second
)

// BusConfig configures a Bus.
type BusConfig struct {
	Sinks []Sink
	// Buffer is the number of events queued before Publish drops (default: 256)
	Buffer int
	// SinkTimeout bounds each Handle call (default: 5s)
	SinkTimeout time.Duration
	Logger      *slog.Logger
}

// Bus fans events out to sinks.
type Bus struct {
	ch          chan Event
	sinks       []Sink
	sinkTimeout time.Duration
	log         *slog.Logger
	published   atomic.Uint64
	dropped     atomic.Uint64
	failed      atomic.Uint64
}

// NewBus creates a bus. Run must be started for events to be delivered.
func NewBus(cfg *BusConfig) *Bus {
	if cfg == nil {
		cfg = &BusConfig{}
	}
	b := &Bus{
		sinks:       cfg.Sinks,
		sinkTimeout: cfg.SinkTimeout,
		log:         cfg.Logger,
	}
	size := cfg.Buffer
	if size <= 0 {
		size = defaultBuffer
	}
	b.ch = make(chan Event, size)
	if b.sinkTimeout == 0 {
		b.sinkTimeout = defaultSinkTimeout
	}
	if b.log == nil {
		b.log = slog.Default()
	}
	b.log = b.log.With("component", "notify")
	return b
}

// Publish queues e for delivery. It never blocks; when the queue is full
// the event is dropped and false is returned.
func (b *Bus) Publish(e Event) bool {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	select {
	case b.ch <- e:
		b.published.Add(1)
		return true
	default:
		b.dropped.Add(1)
		b.log.Warn("event dropped, queue full", "kind", e.Kind, "number", e.Number)
		return false
	}
}

// Observe adapts the bus to a screening observer for sessionless verdicts.
func (b *Bus) Observe(sessionID string) screening.Observer {
	return func(v screening.Verdict) {
		b.Publish(CallScreened(sessionID, v))
	}
}

// Stats returns the number of published, dropped and failed deliveries.
func (b *Bus) Stats() (published, dropped, failed uint64) {
	return b.published.Load(), b.dropped.Load(), b.failed.Load()
}

// Run delivers events until ctx is done. Events still queued at that point
// are delivered with a fresh deadline before Run returns.
func (b *Bus) Run(ctx context.Context) error {
	for {
		select {
		case e := <-b.ch:
			b.deliver(ctx, e)
		case <-ctx.Done():
			b.drain()
			return ctx.Err()
		}
	}
}

func (b *Bus) drain() {
	ctx := context.Background()
	for {
		select {
		case e := <-b.ch:
			b.deliver(ctx, e)
		default:
			return
		}
	}
}

func (b *Bus) deliver(ctx context.Context, e Event) {
	for _, s := range b.sinks {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.sinkTimeout)
		err := s.Handle(sctx, e)
		cancel()
		if err != nil {
			b.failed.Add(1)
			b.log.Warn("sink failed", "sink", s.Name(), "kind", e.Kind, "err", err)
		}
	}
}
