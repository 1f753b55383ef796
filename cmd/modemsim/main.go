// Command modemsim runs a simulated caller-ID modem on a pseudo-terminal so
// the daemon can be bench-tested without hardware. Point callwall at the
// printed device path and drive calls from the console:
//
//	call 5551234567    ring with caller ID
//	hangup             caller hangs up
//	nodialtone         line goes dead
//	send <text>        print a raw line to the host
//	status             show modem state and counters
//	quit
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"

	"github.com/jaracil/callwall/simmodem"
)

type options struct {
	ID           string        `long:"id" description:"Modem identifier" default:"sim0"`
	RingInterval time.Duration `long:"ring-interval" description:"Time between rings" default:"6s"`
	RingMax      int           `long:"ring-max" description:"Rings before the caller gives up" default:"5"`
	CallerName   string        `long:"caller-name" description:"NAME sent in the caller-ID block"`
	CIDFirst     bool          `long:"cid-first" description:"Send caller ID before the first ring"`
	Calls        []string      `long:"call" description:"Place a call to this number at start-up (repeatable)"`
	CallEvery    time.Duration `long:"call-every" description:"Pause between start-up calls" default:"30s"`
	Verbose      bool          `short:"v" long:"verbose" description:"Log every command"`
}

// modem is the part of *simmodem.Modem the console drives.
type modem interface {
	IncomingCallSync(number string) error
	RemoteHangupSync()
	NoDialtoneSync()
	SendLineSync(line string)
	StatusSync() simmodem.ModemStatus
	MetricsSync() *simmodem.Metrics
}

type lineProbe interface {
	IsSlaveClosed() (bool, error)
}

// runConsole executes commands read from r until EOF or quit.
func runConsole(r io.Reader, w io.Writer, m modem, line lineProbe) error {
	sc := bufio.NewScanner(r)
	fmt.Fprint(w, "> ")
	for sc.Scan() {
		cmd, arg, _ := strings.Cut(strings.TrimSpace(sc.Text()), " ")
		arg = strings.TrimSpace(arg)
		switch strings.ToLower(cmd) {
		case "":
		case "call":
			if arg == "" {
				fmt.Fprintln(w, "usage: call <number>")
				break
			}
			if err := m.IncomingCallSync(arg); err != nil {
				fmt.Fprintf(w, "call failed: %v\n", err)
			}
		case "hangup":
			m.RemoteHangupSync()
		case "nodialtone":
			m.NoDialtoneSync()
		case "send":
			m.SendLineSync(arg)
		case "status":
			mm := m.MetricsSync()
			attached := "unknown"
			if line != nil {
				if closed, err := line.IsSlaveClosed(); err == nil {
					attached = fmt.Sprint(!closed)
				}
			}
			fmt.Fprintf(w, "status=%v calls=%d answered=%d rejected=%d commands=%d host=%s\n",
				m.StatusSync(), mm.Calls, mm.Answered, mm.Rejected, mm.Commands, attached)
		case "quit", "exit":
			return nil
		default:
			fmt.Fprintf(w, "unknown command %q\n", cmd)
		}
		fmt.Fprint(w, "> ")
	}
	return sc.Err()
}

// placeCalls rings each number in turn, waiting for the modem to go idle
// between calls.
func placeCalls(ctx context.Context, m modem, numbers []string, every time.Duration, log *slog.Logger) {
	for i, n := range numbers {
		if i > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(every):
			}
		}
		for m.StatusSync() != simmodem.StatusIdle {
			select {
			case <-ctx.Done():
				return
			case <-time.After(100 * time.Millisecond):
			}
		}
		if err := m.IncomingCallSync(n); err != nil {
			log.Warn("scripted call failed", "number", n, "err", err)
		}
	}
}

func run(opts *options) error {
	level := slog.LevelInfo
	if opts.Verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})).With("modem", opts.ID)

	tty, err := NewPty()
	if err != nil {
		return fmt.Errorf("open pty: %w", err)
	}
	defer tty.Close()

	m, err := simmodem.NewModem(&simmodem.ModemConfig{
		Id:            opts.ID,
		TTY:           tty,
		RingInterval:  opts.RingInterval,
		RingMax:       opts.RingMax,
		CallerName:    opts.CallerName,
		CallerIDFirst: opts.CIDFirst,
		StatusTransition: func(_ *simmodem.Modem, prev, next simmodem.ModemStatus) {
			log.Info("modem status", "from", prev, "to", next)
		},
		LineHook: func(_ *simmodem.Modem, line string) simmodem.RetCode {
			log.Debug("command", "line", line)
			return simmodem.RetCodeSkip
		},
	})
	if err != nil {
		return err
	}
	defer m.CloseSync()

	fmt.Printf("modem device: %s\n", tty.Name())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if len(opts.Calls) > 0 {
		go placeCalls(ctx, m, opts.Calls, opts.CallEvery, log)
	}

	done := make(chan error, 1)
	go func() { done <- runConsole(os.Stdin, os.Stdout, m, tty) }()
	select {
	case <-ctx.Done():
		return nil
	case err := <-done:
		return err
	}
}

func main() {
	var opts options
	if _, err := flags.Parse(&opts); err != nil {
		var ferr *flags.Error
		if errors.As(err, &ferr) && ferr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(2)
	}
	if err := run(&opts); err != nil {
		fmt.Fprintf(os.Stderr, "modemsim: %v\n", err)
		os.Exit(1)
	}
}
