// Command callwallctl administers the callwall database: allow and deny
// lists, complaint reports, device authorization and the call log.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/jaracil/callwall/config"
	"github.com/jaracil/callwall/store"
)

type app struct {
	configPath string
	dbPath     string
	out        io.Writer
	store      *store.Store
}

func (a *app) open(cmd *cobra.Command, args []string) error {
	path := a.dbPath
	if path == "" {
		cfgPath := a.configPath
		if _, err := os.Stat(cfgPath); errors.Is(err, os.ErrNotExist) && cfgPath == config.DefaultPath {
			cfgPath = ""
		}
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("config: %w", err)
		}
		path = cfg.Store.Path
	}
	st, err := store.New(path)
	if err != nil {
		return err
	}
	a.store = st
	return nil
}

func (a *app) close(cmd *cobra.Command, args []string) error {
	if a.store == nil {
		return nil
	}
	err := a.store.Close()
	a.store = nil
	return err
}

func newRootCmd(out io.Writer) *cobra.Command {
	a := &app{out: out}
	root := &cobra.Command{
		Use:                "callwallctl",
		Short:              "Administer the callwall database",
		SilenceUsage:       true,
		PersistentPreRunE:  a.open,
		PersistentPostRunE: a.close,
	}
	root.SetOut(out)
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", config.DefaultPath, "Configuration file used to locate the database")
	root.PersistentFlags().StringVar(&a.dbPath, "db", "", "Database path, overrides the configuration")

	root.AddCommand(a.listCmd(), a.registryCmd(), a.deviceCmd(), a.callsCmd(), a.purgeCmd())
	return root
}

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
