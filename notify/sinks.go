package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nsqio/go-nsq"
	"github.com/redis/go-redis/v9"

	"github.com/jaracil/callwall/store"
)

// LogSink writes every event to a structured logger.
type LogSink struct {
	log *slog.Logger
}

// NewLogSink creates a log sink. A nil logger uses slog.Default().
func NewLogSink(l *slog.Logger) *LogSink {
	if l == nil {
		l = slog.Default()
	}
	return &LogSink{log: l}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Handle(ctx context.Context, e Event) error {
	switch e.Kind {
	case KindCallScreened:
		s.log.InfoContext(ctx, "call screened", "session", e.SessionID, "number", e.Number,
			"action", e.Action, "risk", e.RiskScore, "confidence", e.Confidence,
			"reasons", e.Reasons, "cached", e.Cached)
	case KindChallengeResolved:
		s.log.InfoContext(ctx, "challenge resolved", "number", e.Number, "outcome", e.Outcome)
	case KindSessionState:
		s.log.InfoContext(ctx, "session state", "session", e.SessionID, "state", e.State)
	default:
		s.log.DebugContext(ctx, "event", "kind", e.Kind)
	}
	return nil
}

// CallLogger persists screened calls.
type CallLogger interface {
	LogCall(ctx context.Context, rec store.CallRecord) error
}

// CallLogSink records call_screened events in the call log.
type CallLogSink struct {
	calls CallLogger
}

// NewCallLogSink creates a call-log sink.
func NewCallLogSink(calls CallLogger) *CallLogSink {
	return &CallLogSink{calls: calls}
}

func (s *CallLogSink) Name() string { return "calllog" }

func (s *CallLogSink) Handle(ctx context.Context, e Event) error {
	if e.Kind != KindCallScreened {
		return nil
	}
	return s.calls.LogCall(ctx, store.CallRecord{
		SessionID:  e.SessionID,
		Number:     e.Number,
		Withheld:   e.Withheld,
		Action:     e.Action,
		RiskScore:  e.RiskScore,
		Confidence: e.Confidence,
		Reasons:    e.Reasons,
		Cached:     e.Cached,
		At:         e.Time,
	})
}

// NSQPublisher is the part of *nsq.Producer used by NSQSink.
type NSQPublisher interface {
	Publish(topic string, body []byte) error
	Stop()
}

// NSQSink publishes events as JSON messages on an NSQ topic.
type NSQSink struct {
	p     NSQPublisher
	topic string
}

// NewNSQSink connects a producer to the nsqd at addr.
func NewNSQSink(addr, topic string) (*NSQSink, error) {
	if addr == "" || topic == "" {
		return nil, errors.New("nsq address and topic required")
	}
	p, err := nsq.NewProducer(addr, nsq.NewConfig())
	if err != nil {
		return nil, fmt.Errorf("nsq producer: %w", err)
	}
	return &NSQSink{p: p, topic: topic}, nil
}

// NewNSQSinkWithPublisher wraps an existing producer.
func NewNSQSinkWithPublisher(p NSQPublisher, topic string) *NSQSink {
	return &NSQSink{p: p, topic: topic}
}

func (s *NSQSink) Name() string { return "nsq" }

// Handle publishes e. go-nsq does not take a context; the bus timeout only
// bounds the wait for the next event.
func (s *NSQSink) Handle(ctx context.Context, e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if err := s.p.Publish(s.topic, payload); err != nil {
		return fmt.Errorf("publish to %s: %w", s.topic, err)
	}
	return nil
}

// Close stops the producer.
func (s *NSQSink) Close() {
	if s.p != nil {
		s.p.Stop()
	}
}

// RedisPublisher is the part of a go-redis client used by RedisSink.
type RedisPublisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisSink publishes events as JSON on a Redis pub/sub channel.
type RedisSink struct {
	client  RedisPublisher
	channel string
}

// NewRedisSink creates a client for addr publishing on channel.
func NewRedisSink(addr, channel string) *RedisSink {
	return &RedisSink{
		client:  redis.NewClient(&redis.Options{Addr: addr}),
		channel: channel,
	}
}

// NewRedisSinkWithClient wraps an existing client.
func NewRedisSinkWithClient(c RedisPublisher, channel string) *RedisSink {
	return &RedisSink{client: c, channel: channel}
}

func (s *RedisSink) Name() string { return "redis" }

func (s *RedisSink) Handle(ctx context.Context, e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if err := s.client.Publish(ctx, s.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", s.channel, err)
	}
	return nil
}

// Close closes the underlying client when it owns one.
func (s *RedisSink) Close() error {
	if c, ok := s.client.(*redis.Client); ok {
		return c.Close()
	}
	return nil
}
