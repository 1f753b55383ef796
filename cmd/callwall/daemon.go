package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jaracil/callwall"
	"github.com/jaracil/callwall/cache"
	"github.com/jaracil/callwall/config"
	"github.com/jaracil/callwall/guard"
	"github.com/jaracil/callwall/ivr"
	"github.com/jaracil/callwall/notify"
	"github.com/jaracil/callwall/remote"
	"github.com/jaracil/callwall/screening"
	"github.com/jaracil/callwall/signals"
	"github.com/jaracil/callwall/statusapi"
	"github.com/jaracil/callwall/store"
)

// errAllSessionsFailed stops the daemon once no modem is left.
var errAllSessionsFailed = errors.New("all modem sessions failed")

const purgeInterval = time.Minute

// dialFunc builds the dialer for a configured modem.
type dialFunc func(m config.ModemConfig) callwall.Dialer

func serialDial(m config.ModemConfig) callwall.Dialer {
	return callwall.SerialDialer{PortName: m.Device, BaudRate: m.BaudRate}
}

type line struct {
	session *callwall.Session
	guard   *guard.Guard
}

type daemon struct {
	cfg        *config.Config
	log        *slog.Logger
	store      *store.Store
	cache      *cache.Cache
	pipeline   *screening.Pipeline
	challenges *ivr.Manager
	bus        *notify.Bus
	remote     *remote.Client
	lines      []line
	api        *http.Server
	closers    []func()
	failed     atomic.Int32
}

func newDaemon(cfg *config.Config, log *slog.Logger, dial dialFunc) (*daemon, error) {
	d := &daemon{cfg: cfg, log: log}
	ok := false
	defer func() {
		if !ok {
			d.close()
		}
	}()

	st, err := store.New(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	d.store = st
	d.closers = append(d.closers, func() { st.Close() })

	sinks, err := d.buildSinks()
	if err != nil {
		return nil, err
	}
	d.bus = notify.NewBus(&notify.BusConfig{Sinks: sinks, Buffer: cfg.Notify.Buffer, Logger: log})

	d.challenges, err = ivr.New(&ivr.Config{
		Lists:       st,
		Expiry:      cfg.IVR.Expiry,
		MaxAttempts: cfg.IVR.MaxAttempts,
		PassAllow:   cfg.IVR.PassAllow,
		CodeLength:  cfg.IVR.CodeLength,
		PromptID:    cfg.IVR.PromptID,
		OnResolved:  d.challengeResolved,
		Logger:      log,
	})
	if err != nil {
		return nil, err
	}

	sigs := []screening.Signal{
		signals.NewPattern(),
		signals.NewRegistry(st, cfg.Screening.ReportThreshold),
		signals.NewVelocity(&signals.VelocityConfig{
			Calls:  st,
			Window: cfg.Screening.VelocityWindow,
			Limit:  cfg.Screening.VelocityLimit,
		}),
	}
	if cfg.Server.URL != "" {
		d.remote, err = remote.New(&remote.Config{
			ServerURL:         cfg.Server.URL,
			DeviceID:          cfg.Device.ID,
			AuthToken:         cfg.Device.AuthToken,
			SignJWT:           cfg.Server.SignJWT,
			Seal:              cfg.Server.Seal,
			Timeout:           cfg.Server.Timeout,
			HeartbeatInterval: cfg.Server.HeartbeatInterval,
			Logger:            log,
		})
		if err != nil {
			return nil, fmt.Errorf("screening server: %w", err)
		}
		sigs = append(sigs, d.remote.Signal())
	} else {
		log.Warn("no screening server configured, reputation signal disabled")
	}

	policy, _ := screening.ParseFailurePolicy(cfg.Screening.FailurePolicy)
	withheld, _ := screening.ParseAction(cfg.Screening.WithheldAction)
	d.cache = cache.New(cache.Options{Size: cfg.Screening.CacheSize, TTL: cfg.Screening.CacheTTL})
	d.pipeline, err = screening.NewPipeline(&screening.Config{
		Signals:            sigs,
		Lists:              st,
		Cache:              d.cache,
		Challenger:         d.challenges,
		Weights:            cfg.Screening.Weights,
		CacheLow:           cfg.Screening.CacheLow,
		CacheHigh:          cfg.Screening.CacheHigh,
		BlockThreshold:     cfg.Screening.BlockThreshold,
		MinConfidence:      cfg.Screening.MinConfidence,
		ChallengeThreshold: cfg.Screening.ChallengeThreshold,
		SignalTimeout:      cfg.Screening.SignalTimeout,
		Deadline:           cfg.Screening.Deadline,
		FailurePolicy:      policy,
		WithheldAction:     withheld,
		Logger:             log,
	})
	if err != nil {
		return nil, err
	}

	for _, mc := range cfg.Sessions() {
		if err := d.addLine(mc, dial); err != nil {
			return nil, fmt.Errorf("modem %s: %w", mc.ID, err)
		}
	}

	if cfg.API.Listen != "" {
		if err := d.buildAPI(); err != nil {
			return nil, err
		}
	}
	ok = true
	return d, nil
}

func (d *daemon) buildSinks() ([]notify.Sink, error) {
	sinks := []notify.Sink{notify.NewLogSink(d.log), notify.NewCallLogSink(d.store)}
	if addr := d.cfg.Notify.NSQAddr; addr != "" {
		s, err := notify.NewNSQSink(addr, d.cfg.Notify.NSQTopic)
		if err != nil {
			return nil, fmt.Errorf("nsq sink: %w", err)
		}
		d.closers = append(d.closers, s.Close)
		sinks = append(sinks, s)
	}
	if addr := d.cfg.Notify.RedisAddr; addr != "" {
		s := notify.NewRedisSink(addr, d.cfg.Notify.RedisChannel)
		d.closers = append(d.closers, func() { s.Close() })
		sinks = append(sinks, s)
	}
	return sinks, nil
}

func (d *daemon) addLine(mc config.ModemConfig, dial dialFunc) error {
	if mc.Device == "" && dial == nil {
		return errors.New("no device configured")
	}
	if dial == nil {
		dial = serialDial
	}
	s, err := callwall.NewSession(&callwall.SessionConfig{
		Id:              mc.ID,
		Dialer:          dial(mc),
		CommandTimeout:  mc.CommandTimeout,
		AnswerTimeout:   mc.AnswerTimeout,
		RecoveryBackoff: mc.RecoveryBackoff,
		MaxRecoveries:   mc.MaxRecoveries,
		StatusTransition: func(s *callwall.Session, prev, next callwall.SessionStatus) {
			d.bus.Publish(notify.SessionState(s.Id(), next.String(), time.Now()))
		},
		Logger: d.log,
	})
	if err != nil {
		return err
	}
	g, err := guard.New(&guard.Config{
		Line:               s,
		Screener:           d.pipeline,
		Authorizer:         d.store,
		RingsWithoutNumber: mc.RingsWithoutNumber,
		RingTimeout:        mc.RingTimeout,
		Deadline:           d.cfg.Screening.Deadline + time.Second,
		OnVerdict: func(call guard.IncomingCall, v screening.Verdict) {
			d.bus.Publish(notify.CallScreened(call.SessionID, v))
		},
		Logger: d.log,
	})
	if err != nil {
		return err
	}
	d.lines = append(d.lines, line{session: s, guard: g})
	return nil
}

func (d *daemon) buildAPI() error {
	sessions := make([]statusapi.Session, 0, len(d.lines))
	for _, l := range d.lines {
		sessions = append(sessions, l.session)
	}
	router, err := statusapi.NewRouter(&statusapi.Config{
		Sessions:   sessions,
		Calls:      d.store,
		Cache:      d.cache,
		Challenges: d.challenges,
		Health:     d.store,
		Secret:     d.cfg.Device.AuthToken,
		Logger:     d.log,
	})
	if err != nil {
		return err
	}
	d.api = &http.Server{Addr: d.cfg.API.Listen, Handler: router, ReadHeaderTimeout: 5 * time.Second}
	return nil
}

// challengeResolved fans a terminal IVR outcome out to the guards and the bus.
func (d *daemon) challengeResolved(number string, o ivr.Outcome) {
	for _, l := range d.lines {
		l.guard.Resolve(o)
	}
	d.bus.Publish(notify.ChallengeResolved(o, time.Now()))
}

// run blocks until ctx is done or every session has failed.
func (d *daemon) run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	// The bus outlives the other components so their last events are delivered.
	busCtx, stopBus := context.WithCancel(context.Background())
	busDone := make(chan struct{})
	go func() {
		d.bus.Run(busCtx)
		close(busDone)
	}()
	defer func() {
		stopBus()
		<-busDone
	}()

	g.Go(func() error { return d.challenges.Run(gctx) })
	g.Go(func() error { return d.purge(gctx) })
	if d.remote != nil {
		g.Go(func() error { return d.remote.RunHeartbeat(gctx) })
	}
	for _, l := range d.lines {
		l := l
		g.Go(func() error { return d.runLine(gctx, l) })
	}
	if d.api != nil {
		g.Go(func() error {
			d.log.Info("status api listening", "addr", d.api.Addr)
			if err := d.api.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("status api: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return d.api.Shutdown(sctx)
		})
	}

	err := g.Wait()
	if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		return nil
	}
	return err
}

// runLine opens a session and screens its calls. A session that fails is
// reported and left down; the daemon keeps serving the other lines.
func (d *daemon) runLine(ctx context.Context, l line) error {
	log := d.log.With("session", l.session.Id())
	defer l.session.Close()

	err := l.session.Open(ctx)
	if err == nil {
		err = l.guard.Run(ctx)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	log.Error("modem session down, calls on this line are no longer screened", "err", err)
	if int(d.failed.Add(1)) == len(d.lines) {
		return errAllSessionsFailed
	}
	return nil
}

func (d *daemon) purge(ctx context.Context) error {
	ticker := time.NewTicker(purgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			n, err := d.store.PurgeExpired(ctx, now)
			if err != nil {
				d.log.Error("purge expired list entries", "err", err)
			} else if n > 0 {
				d.log.Info("expired list entries purged", "count", n)
			}
		}
	}
}

func (d *daemon) close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		d.closers[i]()
	}
	d.closers = nil
}
