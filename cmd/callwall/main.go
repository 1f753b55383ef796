// Command callwall screens incoming landline calls on one or more caller-ID
// modems and blocks or challenges the unwanted ones.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jessevdk/go-flags"

	"github.com/jaracil/callwall/config"
)

type options struct {
	Config   string `short:"c" long:"config" description:"Configuration file (INI or YAML)" default:"/etc/callwall/config.ini"`
	Device   string `short:"d" long:"device" description:"Modem device, overrides the configuration"`
	LogLevel string `short:"l" long:"log-level" description:"Log level" choice:"debug" choice:"info" choice:"warn" choice:"error"`
	JSON     bool   `long:"json" description:"Log in JSON format"`
}

func newLogger(w io.Writer, level, format string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	hopts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(w, hopts))
	}
	return slog.New(slog.NewTextHandler(w, hopts))
}

func loadConfig(opts *options) (*config.Config, error) {
	path := opts.Config
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) && path == config.DefaultPath {
		// Fall back to the search path and environment.
		path = ""
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if opts.Device != "" {
		cfg.Modem.Device = opts.Device
	}
	if opts.LogLevel != "" {
		cfg.Log.Level = opts.LogLevel
	}
	if opts.JSON {
		cfg.Log.Format = "json"
	}
	return cfg, nil
}

func run(opts *options) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	log := newLogger(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(log)

	d, err := newDaemon(cfg, log, nil)
	if err != nil {
		return err
	}
	defer d.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("callwall started", "device", cfg.Device.ID, "modems", len(d.lines))
	err = d.run(ctx)
	log.Info("callwall stopped", "err", err)
	return err
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
		fmt.Fprintf(os.Stderr, "callwall: %v\n", err)
		os.Exit(1)
	}
}
