// Package signals provides the local screening signals: number pattern
// heuristics, complaint registry lookups and call velocity.
package signals

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jaracil/callwall/cache"
	"github.com/jaracil/callwall/screening"
)

// Rule is one pattern heuristic. Match receives the normalized number.
type Rule struct {
	Name       string
	Match      func(number string) bool
	Risk       float64
	Confidence float64
}

// nanp splits a normalized +1 number into area code, exchange and line.
func nanp(number string) (area, exchange, line string, ok bool) {
	if len(number) != 12 || !strings.HasPrefix(number, "+1") {
		return "", "", "", false
	}
	return number[2:5], number[5:8], number[8:], true
}

func repeated(s string) bool {
	return len(s) > 1 && strings.Count(s, s[:1]) == len(s)
}

func sequential(s string) bool {
	if len(s) < 4 {
		return false
	}
	up, down := true, true
	for i := 1; i < len(s); i++ {
		if s[i] != s[i-1]+1 {
			up = false
		}
		if s[i] != s[i-1]-1 {
			down = false
		}
	}
	return up || down
}

var tollFree = map[string]bool{"800": true, "833": true, "844": true, "855": true, "866": true, "877": true, "888": true}

// DefaultRules are the built-in heuristics, roughly ordered by risk.
var DefaultRules = []Rule{
	{
		Name: "premium-rate",
		Match: func(n string) bool {
			area, _, _, ok := nanp(n)
			return ok && area == "900"
		},
		Risk: 0.9, Confidence: 0.8,
	},
	{
		Name: "invalid-nanp",
		Match: func(n string) bool {
			area, exchange, _, ok := nanp(n)
			return ok && (area[0] < '2' || exchange[0] < '2')
		},
		Risk: 0.85, Confidence: 0.7,
	},
	{
		Name: "too-short",
		Match: func(n string) bool {
			return len(strings.TrimPrefix(n, "+")) < 7
		},
		Risk: 0.7, Confidence: 0.5,
	},
	{
		Name: "vanity-line",
		Match: func(n string) bool {
			_, _, line, ok := nanp(n)
			return ok && (repeated(line) || sequential(line))
		},
		Risk: 0.6, Confidence: 0.4,
	},
	{
		Name: "toll-free",
		Match: func(n string) bool {
			area, _, _, ok := nanp(n)
			return ok && tollFree[area]
		},
		Risk: 0.5, Confidence: 0.3,
	},
	{
		Name: "international",
		Match: func(n string) bool {
			return !strings.HasPrefix(n, "+1")
		},
		Risk: 0.4, Confidence: 0.3,
	},
}

// Pattern scores a number by its shape alone.
type Pattern struct {
	rules []Rule
}

// NewPattern creates a pattern signal. With no rules DefaultRules are used.
func NewPattern(rules ...Rule) *Pattern {
	if len(rules) == 0 {
		rules = DefaultRules
	}
	return &Pattern{rules: rules}
}

// Name implements screening.Signal.
func (p *Pattern) Name() string { return screening.SignalPattern }

// Check returns the riskiest matching rule. A number matching no rule gets
// a low risk with low confidence.
func (p *Pattern) Check(ctx context.Context, number string) (screening.Score, error) {
	n := cache.NormalizeNumber(number)
	best := screening.Score{Risk: 0.1, Confidence: 0.3, Source: "pattern:none"}
	matched := false
	for _, r := range p.rules {
		if !r.Match(n) {
			continue
		}
		if !matched || r.Risk > best.Risk {
			best = screening.Score{Risk: r.Risk, Confidence: r.Confidence, Source: "pattern:" + r.Name}
			matched = true
		}
	}
	return best, nil
}

// ReportCounter counts complaints filed against a number.
type ReportCounter interface {
	ReportCount(ctx context.Context, number string) (int, error)
}

const defaultReportThreshold = 3

// Registry scores a number by the complaints recorded for it.
type Registry struct {
	reports   ReportCounter
	threshold int
}

// NewRegistry creates a registry signal. A number with threshold reports or
// more is scored at full risk (default threshold: 3).
func NewRegistry(reports ReportCounter, threshold int) *Registry {
	if threshold <= 0 {
		threshold = defaultReportThreshold
	}
	return &Registry{reports: reports, threshold: threshold}
}

// Name implements screening.Signal.
func (r *Registry) Name() string { return screening.SignalRegistry }

// Check implements screening.Signal.
func (r *Registry) Check(ctx context.Context, number string) (screening.Score, error) {
	n, err := r.reports.ReportCount(ctx, cache.NormalizeNumber(number))
	if err != nil {
		return screening.Score{}, fmt.Errorf("report count: %w", err)
	}
	if n == 0 {
		return screening.Score{Risk: 0.05, Confidence: 0.5, Source: "registry:clean"}, nil
	}
	risk := float64(n) / float64(r.threshold)
	if risk > 1 {
		risk = 1
	}
	return screening.Score{
		Risk:       risk,
		Confidence: 0.5 + 0.45*risk,
		Source:     fmt.Sprintf("registry:%d-reports", n),
	}, nil
}

// CallCounter counts the calls received from a number since a given time.
type CallCounter interface {
	CallCount(ctx context.Context, number string, since time.Time) (int, error)
}

const (
	defaultVelocityWindow = time.Hour
	defaultVelocityLimit  = 4
)

// VelocityConfig configures a Velocity signal. Calls is required.
type VelocityConfig struct {
	Calls CallCounter
	// Window is how far back calls are counted (default: 1h)
	Window time.Duration
	// Limit is the call count scored at full risk (default: 4)
	Limit int
	Now   func() time.Time
}

// Velocity scores a number by how often it called recently. Robocallers
// tend to retry the same line within minutes.
type Velocity struct {
	calls  CallCounter
	window time.Duration
	limit  int
	now    func() time.Time
}

// NewVelocity creates a velocity signal.
func NewVelocity(cfg *VelocityConfig) *Velocity {
	v := &Velocity{calls: cfg.Calls, window: cfg.Window, limit: cfg.Limit, now: cfg.Now}
	if v.window == 0 {
		v.window = defaultVelocityWindow
	}
	if v.limit <= 0 {
		v.limit = defaultVelocityLimit
	}
	if v.now == nil {
		v.now = time.Now
	}
	return v
}

// Name implements screening.Signal.
func (v *Velocity) Name() string { return screening.SignalVelocity }

// Check implements screening.Signal.
func (v *Velocity) Check(ctx context.Context, number string) (screening.Score, error) {
	n, err := v.calls.CallCount(ctx, cache.NormalizeNumber(number), v.now().Add(-v.window))
	if err != nil {
		return screening.Score{}, fmt.Errorf("call count: %w", err)
	}
	if n == 0 {
		return screening.Score{Risk: 0.1, Confidence: 0.2, Source: "velocity:first"}, nil
	}
	risk := float64(n) / float64(v.limit)
	if risk > 1 {
		risk = 1
	}
	return screening.Score{
		Risk:       risk,
		Confidence: 0.3 + 0.5*risk,
		Source:     fmt.Sprintf("velocity:%d-in-%s", n, v.window),
	}, nil
}
