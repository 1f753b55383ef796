// Package screening decides what to do with an incoming call before the
// line stops ringing.
//
// A Pipeline combines, in order: the result cache, the explicit allow and
// deny lists, and a set of pluggable signals (registry, reputation, call
// velocity, number patterns) queried concurrently under a per-signal timeout
// and an outer deadline. Signal scores are aggregated with fixed weights into
// a risk score and a confidence, which select Allow, Challenge or Block.
//
// Screen never fails: when nothing can be learned about a caller it falls
// back to the configured FailurePolicy.
package screening

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Action is what the guard does with a call.
type Action string

const (
	// ActionAllow lets the call ring through
	ActionAllow Action = "allow"
	// ActionBlock answers and hangs up
	ActionBlock Action = "block"
	// ActionChallenge answers and hands the caller to the IVR
	ActionChallenge Action = "challenge"
)

// ParseAction parses "allow", "block" or "challenge".
func ParseAction(s string) (Action, error) {
	switch a := Action(s); a {
	case ActionAllow, ActionBlock, ActionChallenge:
		return a, nil
	}
	return "", fmt.Errorf("unknown action %q", s)
}

// FailurePolicy selects the verdict when no signal could be consulted.
type FailurePolicy string

const (
	// FailOpen allows the call (default)
	FailOpen FailurePolicy = "allow"
	// FailChallenge challenges the caller
	FailChallenge FailurePolicy = "challenge"
	// FailClosed blocks the call
	FailClosed FailurePolicy = "block"
)

// ParseFailurePolicy parses a policy name; the empty string means FailOpen.
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch p := FailurePolicy(s); p {
	case "":
		return FailOpen, nil
	case FailOpen, FailChallenge, FailClosed:
		return p, nil
	}
	return "", fmt.Errorf("unknown failure policy %q", s)
}

// Signal names with default weights.
const (
	SignalRegistry   = "registry"
	SignalReputation = "reputation"
	SignalVelocity   = "velocity"
	SignalPattern    = "pattern"
	SignalCache      = "cache"
)

// ErrSignalUnavailable marks a signal that failed, timed out or panicked.
// It is only ever logged and recorded in Verdict.Unavailable.
var ErrSignalUnavailable = errors.New("signal unavailable")

// Score is the opinion of one signal about a number.
type Score struct {
	// Risk is the spam probability in [0,1].
	Risk float64
	// Confidence is how sure the signal is, in [0,1].
	Confidence float64
	// Source names the backing data (e.g. "local registry", a server URL).
	Source string
}

// Signal is a pluggable risk lookup. Check must honor ctx.
type Signal interface {
	Name() string
	Check(ctx context.Context, number string) (Score, error)
}

type funcSignal struct {
	name string
	fn   func(ctx context.Context, number string) (Score, error)
}

func (s funcSignal) Name() string { return s.name }

func (s funcSignal) Check(ctx context.Context, number string) (Score, error) {
	return s.fn(ctx, number)
}

// SignalFunc adapts a function to the Signal interface.
func SignalFunc(name string, fn func(ctx context.Context, number string) (Score, error)) Signal {
	return funcSignal{name: name, fn: fn}
}

// ChallengeDescriptor tells the IVR collaborator which challenge to play.
type ChallengeDescriptor struct {
	ID          string
	PromptID    string
	ExpiresAt   time.Time
	MaxAttempts int
}

// Verdict is the decision for one call. Treat it as immutable.
type Verdict struct {
	Number     string
	Action     Action
	RiskScore  float64
	Confidence float64
	Reason     string
	// Signals lists the contributing signals, strongest first.
	Signals []string
	// Unavailable lists the signals that failed for this call.
	Unavailable []string
	Challenge   *ChallengeDescriptor
	// Cached is set when the verdict came straight from the result cache.
	Cached    bool
	DecidedAt time.Time
}

func (v Verdict) clone() Verdict {
	v.Signals = append([]string(nil), v.Signals...)
	v.Unavailable = append([]string(nil), v.Unavailable...)
	if v.Challenge != nil {
		c := *v.Challenge
		v.Challenge = &c
	}
	return v
}

// Challenger issues IVR challenges for numbers that deserve one.
type Challenger interface {
	Challenge(number string) (ChallengeDescriptor, error)
}

// Observer receives every verdict. It runs on the screening goroutine and
// must not block.
type Observer func(Verdict)
