package screening

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/jaracil/callwall/cache"
)

var (
	// ErrConfigRequired is returned when a required configuration parameter is missing
	ErrConfigRequired = errors.New("config required")
)

// DefaultWeights favors the registry and reputation signals over behavioral
// ones. Weights are renormalized over the signals that answered.
var DefaultWeights = map[string]float64{
	SignalRegistry:   0.35,
	SignalReputation: 0.35,
	SignalVelocity:   0.1,
	SignalPattern:    0.1,
	SignalCache:      0.1,
}

const (
	defaultCacheLow           = 0.3
	defaultCacheHigh          = 0.7
	defaultBlockThreshold     = 0.7
	defaultChallengeThreshold = 0.4
	defaultMinConfidence      = 0.5
	defaultSignalTimeout      = 300 * time.Millisecond
	defaultDeadline           = 3 * time.Second
	// unknownWeight applies to signals missing from the weight table.
	unknownWeight = 0.1
	// unknownRisk is cached for verdicts reached without any signal, so a
	// fail-open decision is never mistaken for a confident one later.
	unknownRisk = 0.5
)

// Config configures a Pipeline. Zero values take the defaults.
type Config struct {
	Signals    []Signal
	Lists      Lists
	Cache      *cache.Cache
	Challenger Challenger
	Observer   Observer
	// Weights per signal name (default: DefaultWeights)
	Weights map[string]float64
	// CacheLow and CacheHigh bound the extreme cached scores that short-circuit (default: 0.3/0.7)
	CacheLow  float64
	CacheHigh float64
	// BlockThreshold and MinConfidence gate Block (default: 0.7/0.5)
	BlockThreshold float64
	MinConfidence  float64
	// ChallengeThreshold gates Challenge (default: 0.4)
	ChallengeThreshold float64
	// SignalTimeout bounds each signal (default: 300ms)
	SignalTimeout time.Duration
	// Deadline bounds the whole evaluation (default: 3s)
	Deadline time.Duration
	// FailurePolicy applies when no signal answered (default: FailOpen)
	FailurePolicy FailurePolicy
	// WithheldAction applies to private or unavailable numbers (default: ActionAllow)
	WithheldAction Action
	Logger         *slog.Logger
}

// Pipeline screens caller numbers. It is safe for concurrent use; concurrent
// calls for the same number share one evaluation.
type Pipeline struct {
	signals            []Signal
	lists              Lists
	cache              *cache.Cache
	challenger         Challenger
	observer           Observer
	weights            map[string]float64
	cacheLow           float64
	cacheHigh          float64
	blockThreshold     float64
	minConfidence      float64
	challengeThreshold float64
	signalTimeout      time.Duration
	deadline           time.Duration
	failurePolicy      FailurePolicy
	withheldAction     Action
	log                *slog.Logger
	group              singleflight.Group
}

type signalResult struct {
	name  string
	score Score
	err   error
}

// NewPipeline creates a pipeline.
//
// Returns ErrConfigRequired if cfg is nil.
func NewPipeline(cfg *Config) (*Pipeline, error) {
	if cfg == nil {
		return nil, ErrConfigRequired
	}
	p := &Pipeline{
		signals:            cfg.Signals,
		lists:              cfg.Lists,
		cache:              cfg.Cache,
		challenger:         cfg.Challenger,
		observer:           cfg.Observer,
		weights:            cfg.Weights,
		cacheLow:           cfg.CacheLow,
		cacheHigh:          cfg.CacheHigh,
		blockThreshold:     cfg.BlockThreshold,
		minConfidence:      cfg.MinConfidence,
		challengeThreshold: cfg.ChallengeThreshold,
		signalTimeout:      cfg.SignalTimeout,
		deadline:           cfg.Deadline,
		failurePolicy:      cfg.FailurePolicy,
		withheldAction:     cfg.WithheldAction,
		log:                cfg.Logger,
	}
	if p.cache == nil {
		p.cache = cache.New(cache.Options{})
	}
	if p.weights == nil {
		p.weights = DefaultWeights
	}
	if p.cacheLow == 0 {
		p.cacheLow = defaultCacheLow
	}
	if p.cacheHigh == 0 {
		p.cacheHigh = defaultCacheHigh
	}
	if p.blockThreshold == 0 {
		p.blockThreshold = defaultBlockThreshold
	}
	if p.minConfidence == 0 {
		p.minConfidence = defaultMinConfidence
	}
	if p.challengeThreshold == 0 {
		p.challengeThreshold = defaultChallengeThreshold
	}
	if p.signalTimeout == 0 {
		p.signalTimeout = defaultSignalTimeout
	}
	if p.deadline == 0 {
		p.deadline = defaultDeadline
	}
	if p.failurePolicy == "" {
		p.failurePolicy = FailOpen
	}
	if p.withheldAction == "" {
		p.withheldAction = ActionAllow
	}
	if p.log == nil {
		p.log = slog.Default()
	}
	p.log = p.log.With("component", "screening")
	return p, nil
}

// Cache returns the result cache backing the pipeline.
func (p *Pipeline) Cache() *cache.Cache {
	return p.cache
}

// Screen decides what to do with a call from number. It always returns a
// verdict, at the latest when the pipeline deadline expires.
func (p *Pipeline) Screen(ctx context.Context, number string, now time.Time) Verdict {
	key := cache.NormalizeNumber(number)
	if key == "" {
		v := Verdict{
			Number:    number,
			Action:    p.withheldAction,
			RiskScore: unknownRisk,
			Reason:    "caller number withheld",
			DecidedAt: now,
		}
		v = p.attachChallenge(v)
		p.emit(v)
		return v
	}

	res, _, _ := p.group.Do(key, func() (interface{}, error) {
		v := p.evaluate(ctx, key, now)
		p.emit(v)
		return v, nil
	})
	return res.(Verdict).clone()
}

func (p *Pipeline) emit(v Verdict) {
	p.log.Info("call screened", "number", v.Number, "action", string(v.Action),
		"risk", v.RiskScore, "confidence", v.Confidence, "reason", v.Reason, "signals", v.Signals)
	if p.observer != nil {
		p.observer(v.clone())
	}
}

func (p *Pipeline) evaluate(ctx context.Context, number string, now time.Time) Verdict {
	dctx, cancel := context.WithTimeout(ctx, p.deadline)
	defer cancel()

	var listed ListEntry
	var isListed bool
	if p.lists != nil {
		var err error
		listed, isListed, err = p.lists.Lookup(dctx, number, now)
		if err != nil {
			p.log.Warn("list lookup failed", "number", number, "err", err)
			isListed = false
		}
	}

	var cacheScore *Score
	if e, ok := p.cache.Get(number); ok {
		extreme := e.RiskScore <= p.cacheLow || e.RiskScore >= p.cacheHigh
		if extreme && !contradicts(e, listed, isListed) {
			v := Verdict{
				Number:     number,
				Action:     Action(e.Action),
				RiskScore:  e.RiskScore,
				Confidence: e.Confidence,
				Reason:     "cached verdict",
				Signals:    []string{SignalCache},
				Cached:     true,
				DecidedAt:  now,
			}
			v = p.attachChallenge(v)
			// Refresh recency only; the entry keeps its original age.
			p.cache.Put(number, e)
			return v
		}
		if !extreme {
			cacheScore = &Score{Risk: e.RiskScore, Confidence: e.Confidence, Source: "result cache"}
		}
	}

	if isListed {
		return p.finish(p.listVerdict(number, listed, now))
	}

	results, complete := p.runSignals(dctx, number)
	if !complete {
		p.log.Warn("screening deadline reached", "number", number, "deadline", p.deadline, "answered", len(results))
	}
	v := p.aggregate(number, results, cacheScore, now)
	return p.finish(v)
}

// contradicts reports whether a cached verdict disagrees with an explicit
// list entry, in which case the list wins.
func contradicts(e cache.Entry, listed ListEntry, isListed bool) bool {
	if !isListed {
		return false
	}
	switch listed.Kind {
	case ListDeny:
		want := ActionBlock
		if listed.Soft {
			want = ActionChallenge
		}
		return Action(e.Action) != want
	case ListAllow:
		return Action(e.Action) != ActionAllow
	}
	return false
}

func (p *Pipeline) listVerdict(number string, e ListEntry, now time.Time) Verdict {
	v := Verdict{Number: number, Confidence: 1, DecidedAt: now}
	switch e.Kind {
	case ListAllow:
		v.Action = ActionAllow
		v.RiskScore = 0
		v.Reason = "allow-listed"
		if !e.ExpiresAt.IsZero() {
			v.Reason = "temporarily allowed until " + e.ExpiresAt.Format(time.RFC3339)
		}
		v.Signals = []string{"allow_list"}
	default:
		v.Action = ActionBlock
		v.RiskScore = 1
		v.Reason = "deny-listed"
		if e.Soft {
			v.Action = ActionChallenge
			v.Reason = "deny-listed (soft)"
		}
		v.Signals = []string{"deny_list"}
	}
	if e.Reason != "" {
		v.Reason += ": " + e.Reason
	}
	return v
}

// runSignals queries every signal concurrently. It returns what answered by
// the deadline and whether every signal answered. Signals left running keep
// going on their own timeout; once they are all done their aggregate
// refreshes the cache.
func (p *Pipeline) runSignals(ctx context.Context, number string) ([]signalResult, bool) {
	if len(p.signals) == 0 {
		return nil, true
	}
	// Signals are timeboxed on their own so late answers can still be cached.
	base := context.WithoutCancel(ctx)
	ch := make(chan signalResult, len(p.signals))
	for _, s := range p.signals {
		go p.runSignal(base, s, number, ch)
	}

	results := make([]signalResult, 0, len(p.signals))
	for len(results) < len(p.signals) {
		select {
		case r := <-ch:
			results = append(results, r)
		case <-ctx.Done():
			go p.collectLate(number, results, ch, len(p.signals)-len(results))
			return append([]signalResult(nil), results...), false
		}
	}
	return results, true
}

func (p *Pipeline) runSignal(ctx context.Context, s Signal, number string, out chan<- signalResult) {
	name := s.Name()
	res := signalResult{name: name}
	defer func() {
		if r := recover(); r != nil {
			res.err = fmt.Errorf("panic: %v", r)
		}
		if res.err != nil {
			res.err = fmt.Errorf("%s: %w: %v", name, ErrSignalUnavailable, res.err)
			p.log.Warn("signal unavailable", "signal", name, "number", number, "err", res.err)
		}
		out <- res
	}()
	sctx, cancel := context.WithTimeout(ctx, p.signalTimeout)
	defer cancel()
	res.score, res.err = s.Check(sctx, number)
	if res.err == nil && sctx.Err() != nil {
		res.err = sctx.Err()
	}
}

func (p *Pipeline) collectLate(number string, results []signalResult, ch <-chan signalResult, pending int) {
	start := time.Now()
	all := append([]signalResult(nil), results...)
	answered := 0
	for i := 0; i < pending; i++ {
		r := <-ch
		all = append(all, r)
		if r.err == nil {
			answered++
		}
	}
	if answered == 0 {
		return
	}
	v := p.aggregate(number, all, nil, time.Now())
	e := cache.Entry{Action: string(v.Action), RiskScore: v.RiskScore, Confidence: v.Confidence}
	if p.cache.PutIfNewer(number, e) {
		p.log.Info("late signals cached", "number", number, "action", string(v.Action), "risk", v.RiskScore, "waited", time.Since(start))
	}
}

func clamp(f float64) float64 {
	if math.IsNaN(f) {
		return 0
	}
	return math.Max(0, math.Min(1, f))
}

func (p *Pipeline) weight(name string) float64 {
	if w, ok := p.weights[name]; ok {
		return w
	}
	return unknownWeight
}

// aggregate combines the available scores. Confidence is the weighted mean
// confidence scaled by the share of the total weight that answered.
func (p *Pipeline) aggregate(number string, results []signalResult, cacheScore *Score, now time.Time) Verdict {
	type contribution struct {
		name   string
		weight float64
		score  Score
	}
	var contribs []contribution
	var unavailable []string
	total := 0.0
	for _, s := range p.signals {
		total += p.weight(s.Name())
	}
	for _, r := range results {
		if r.err != nil {
			unavailable = append(unavailable, r.name)
			continue
		}
		contribs = append(contribs, contribution{name: r.name, weight: p.weight(r.name), score: r.score})
	}
	external := len(contribs)
	if cacheScore != nil {
		w := p.weight(SignalCache)
		total += w
		contribs = append(contribs, contribution{name: SignalCache, weight: w, score: *cacheScore})
	}
	// Signals that never answered count as unavailable too.
	for _, s := range p.signals {
		found := false
		for _, r := range results {
			if r.name == s.Name() {
				found = true
				break
			}
		}
		if !found {
			unavailable = append(unavailable, s.Name())
		}
	}

	v := Verdict{Number: number, DecidedAt: now, Unavailable: unavailable}
	if external == 0 {
		return p.failureVerdict(v)
	}

	sumW, risk, conf := 0.0, 0.0, 0.0
	for _, c := range contribs {
		sumW += c.weight
		risk += c.weight * clamp(c.score.Risk)
		conf += c.weight * clamp(c.score.Confidence)
	}
	if sumW <= 0 {
		return p.failureVerdict(v)
	}
	v.RiskScore = risk / sumW
	v.Confidence = (conf / sumW) * math.Min(1, sumW/total)

	sort.SliceStable(contribs, func(i, j int) bool {
		return contribs[i].weight*contribs[i].score.Risk > contribs[j].weight*contribs[j].score.Risk
	})
	for _, c := range contribs {
		v.Signals = append(v.Signals, c.name)
	}

	switch {
	case v.RiskScore >= p.blockThreshold && v.Confidence >= p.minConfidence:
		v.Action = ActionBlock
	case v.RiskScore >= p.challengeThreshold:
		v.Action = ActionChallenge
	default:
		v.Action = ActionAllow
	}
	v.Reason = fmt.Sprintf("risk %.2f confidence %.2f from %d of %d signals", v.RiskScore, v.Confidence, external, len(p.signals))
	return v
}

func (p *Pipeline) failureVerdict(v Verdict) Verdict {
	v.Action = Action(p.failurePolicy)
	v.RiskScore = unknownRisk
	v.Confidence = 0
	v.Signals = nil
	v.Reason = "no screening signal available, policy " + string(p.failurePolicy)
	p.log.Error("all screening signals unavailable, applying failure policy",
		"number", v.Number, "policy", string(p.failurePolicy), "unavailable", v.Unavailable)
	return v
}

// attachChallenge asks the challenger for a challenge. Without one the call is
// allowed.
func (p *Pipeline) attachChallenge(v Verdict) Verdict {
	if v.Action != ActionChallenge {
		return v
	}
	if p.challenger == nil {
		v.Action = ActionAllow
		v.Reason += " (no challenger, allowed)"
		return v
	}
	d, err := p.challenger.Challenge(v.Number)
	if err != nil {
		p.log.Error("challenge unavailable, allowing call", "number", v.Number, "err", err)
		v.Action = ActionAllow
		v.Reason += " (challenge unavailable, allowed)"
		return v
	}
	v.Challenge = &d
	return v
}

func (p *Pipeline) finish(v Verdict) Verdict {
	v = p.attachChallenge(v)
	p.cache.Put(v.Number, cache.Entry{
		Action:     string(v.Action),
		RiskScore:  v.RiskScore,
		Confidence: v.Confidence,
		UpdatedAt:  v.DecidedAt,
	})
	return v
}
