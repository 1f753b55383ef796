package callwall

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// EngineConfig configures a command/response engine bound to one transport.
type EngineConfig struct {
	// Transport is the open line to the modem (required).
	Transport Transport
	// OnEvent receives every classified unsolicited line, in arrival order.
	// It runs on the engine goroutine and must not call back into the engine.
	OnEvent func(Event)
	// OnFailure is called at most once when the transport fails.
	// It runs on the engine goroutine and must not call back into the engine.
	OnFailure func(error)
	Logger    *slog.Logger
}

// Engine sends AT commands one at a time and matches their terminal response.
//
// A single goroutine owns the transport: it writes commands, consumes framed
// lines and demultiplexes them into the pending command's buffer or the
// unsolicited event path. Send is fail-fast: a call made while another
// command is outstanding returns ErrCommandPending instead of queueing.
type Engine struct {
	t         Transport
	onEvent   func(Event)
	onFailure func(error)
	log       *slog.Logger

	busy      atomic.Bool
	reqs      chan *request
	done      chan struct{}
	exited    chan struct{}
	closeOnce sync.Once
	failOnce  sync.Once

	counters *counters
}

type request struct {
	ctx     context.Context
	cmd     string
	timeout time.Duration
	resp    chan response
}

type response struct {
	lines []string
	err   error
}

// lateResponseGrace is how long after an abandoned command its output may
// still arrive.
const lateResponseGrace = time.Second

// pendingCommand is the single in-flight command of an engine.
type pendingCommand struct {
	req      *request
	issued   time.Time
	deadline time.Time
	buf      []string
	// awaitEcho drops lines until the command echo shows up. Set when the
	// command follows an abandoned one within lateResponseGrace.
	awaitEcho bool
}

// counters are shared with the owning session so metrics survive reconnects.
type counters struct {
	txBytes      atomic.Int64
	rxBytes      atomic.Int64
	commands     atomic.Int64
	timeouts     atomic.Int64
	deviceErrors atomic.Int64
	lastCmdTime  atomic.Int64
}

type countingReader struct {
	r io.Reader
	n *atomic.Int64
}

func (c countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n.Add(int64(n))
	return n, err
}

// NewEngine starts an engine on cfg.Transport.
func NewEngine(cfg *EngineConfig) (*Engine, error) {
	if cfg == nil || cfg.Transport == nil {
		return nil, ErrConfigRequired
	}
	return newEngine(cfg, &counters{}), nil
}

func newEngine(cfg *EngineConfig, c *counters) *Engine {
	e := &Engine{
		t:         cfg.Transport,
		onEvent:   cfg.OnEvent,
		onFailure: cfg.OnFailure,
		log:       cfg.Logger,
		reqs:      make(chan *request),
		done:      make(chan struct{}),
		exited:    make(chan struct{}),
		counters:  c,
	}
	if e.log == nil {
		e.log = slog.Default()
	}
	lines := make(chan string, 16)
	readErr := make(chan error, 1)
	go readLines(countingReader{r: e.t, n: &c.rxBytes}, lines, readErr, e.done)
	go e.loop(lines, readErr)
	return e
}

// Send writes command followed by CRLF and waits for OK or ERROR.
// It returns the response lines without echo and terminal status. An ERROR
// response yields a *DeviceError, a missing terminal response ErrTimeout and
// a line failure a *TransportError.
//
// A command that times out or is cancelled may still be answered later. For
// lateResponseGrace after that, the next command ignores everything received
// before its own echo, so a modem with echo disabled can see that command
// time out too.
func (e *Engine) Send(ctx context.Context, command string, timeout time.Duration) ([]string, error) {
	if !e.busy.CompareAndSwap(false, true) {
		return nil, ErrCommandPending
	}
	defer e.busy.Store(false)

	req := &request{ctx: ctx, cmd: command, timeout: timeout, resp: make(chan response, 1)}
	select {
	case e.reqs <- req:
	case <-e.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	// The loop always answers an accepted request, including on Close.
	r := <-req.resp
	return r.lines, r.err
}

// Close stops the engine, closes the transport and fails the pending command
// with ErrClosed. It returns once the engine goroutine has exited.
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		close(e.done)
		err = e.t.Close()
	})
	<-e.exited
	return err
}

// Done is closed when the engine stops.
func (e *Engine) Done() <-chan struct{} {
	return e.exited
}

func (e *Engine) fail(err error) {
	e.failOnce.Do(func() {
		if e.onFailure != nil {
			e.onFailure(err)
		}
	})
}

func (e *Engine) loop(lines <-chan string, readErr <-chan error) {
	defer close(e.exited)

	var p *pendingCommand
	var timer *time.Timer
	var timeoutC <-chan time.Time
	var ctxDone <-chan struct{}
	var staleUntil time.Time

	finish := func(lines []string, err error) {
		p.req.resp <- response{lines: lines, err: err}
		p = nil
		if timer != nil {
			timer.Stop()
		}
		timeoutC = nil
		ctxDone = nil
	}

	for {
		select {
		case <-e.done:
			if p != nil {
				finish(nil, ErrClosed)
			}
			return

		case req := <-e.reqs:
			if p != nil {
				req.resp <- response{err: ErrCommandPending}
				continue
			}
			now := time.Now()
			n, err := e.t.Write([]byte(req.cmd + "\r\n"))
			e.counters.txBytes.Add(int64(n))
			e.counters.commands.Add(1)
			e.counters.lastCmdTime.Store(now.UnixNano())
			if err != nil {
				terr := &TransportError{Op: "write", Err: err}
				req.resp <- response{err: terr}
				e.fail(terr)
				continue
			}
			e.log.Debug("command sent", "cmd", req.cmd)
			p = &pendingCommand{req: req, issued: now, deadline: now.Add(req.timeout), awaitEcho: now.Before(staleUntil)}
			timer = time.NewTimer(req.timeout)
			timeoutC = timer.C
			ctxDone = req.ctx.Done()

		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			if p == nil {
				e.route(line)
				continue
			}
			if isUnsolicited(line) {
				e.route(line)
				continue
			}
			if p.awaitEcho {
				if !strings.EqualFold(strings.TrimSpace(line), p.req.cmd) && time.Now().Before(staleUntil) {
					e.log.Debug("late response dropped", "cmd", p.req.cmd, "line", line)
					continue
				}
				p.awaitEcho = false
			}
			p.buf = append(p.buf, line)
			switch {
			case strings.Contains(line, "ERROR"):
				e.counters.deviceErrors.Add(1)
				e.log.Warn("command failed", "cmd", p.req.cmd, "response", p.buf)
				finish(nil, &DeviceError{Command: p.req.cmd, Response: p.buf})
			case strings.Contains(line, "OK"):
				e.log.Debug("command ok", "cmd", p.req.cmd, "elapsed", time.Since(p.issued))
				finish(responseLines(p.req.cmd, p.buf), nil)
			}

		case err := <-readErr:
			readErr = nil
			select {
			case <-e.done:
				// Close tore the line down; that is not a line failure.
				if p != nil {
					finish(nil, ErrClosed)
				}
				return
			default:
			}
			terr := &TransportError{Op: "read", Err: err}
			if p != nil {
				finish(nil, terr)
			}
			e.fail(terr)

		case <-timeoutC:
			e.counters.timeouts.Add(1)
			e.log.Warn("command timeout", "cmd", p.req.cmd, "timeout", p.req.timeout, "discarded", len(p.buf))
			finish(nil, fmt.Errorf("%s: %w", p.req.cmd, ErrTimeout))
			staleUntil = time.Now().Add(lateResponseGrace)

		case <-ctxDone:
			finish(nil, p.req.ctx.Err())
			staleUntil = time.Now().Add(lateResponseGrace)
		}
	}
}

// route hands a line outside any command response to the event path.
func (e *Engine) route(line string) {
	ev, ok := Classify(line)
	if !ok {
		e.log.Debug("unrecognized line dropped", "line", line)
		return
	}
	ev.Time = time.Now()
	if e.onEvent != nil {
		e.onEvent(ev)
	}
}

// responseLines strips the command echo and the terminal OK line.
func responseLines(cmd string, buf []string) []string {
	out := make([]string, 0, len(buf))
	for i, l := range buf {
		if i == len(buf)-1 && strings.TrimSpace(l) == "OK" {
			continue
		}
		if strings.EqualFold(strings.TrimSpace(l), cmd) {
			continue
		}
		out = append(out, l)
	}
	return out
}
