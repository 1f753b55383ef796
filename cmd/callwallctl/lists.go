package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jaracil/callwall/screening"
)

// listFile is the import format:
//
//	allow:
//	  - number: "5551234567"
//	    reason: family
//	    until: 2026-12-01T00:00:00Z
//	deny:
//	  - number: "9005550000"
//	    soft: true
type listFile struct {
	Allow []listItem `yaml:"allow"`
	Deny  []listItem `yaml:"deny"`
}

type listItem struct {
	Number string    `yaml:"number"`
	Reason string    `yaml:"reason"`
	Soft   bool      `yaml:"soft"`
	Until  time.Time `yaml:"until"`
}

func (a *app) listCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Manage the allow and deny lists",
	}

	var reason string
	var until time.Duration
	allow := &cobra.Command{
		Use:   "allow <number>",
		Short: "Allow a number",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if until > 0 {
				return a.store.AllowUntil(ctx, args[0], time.Now().Add(until))
			}
			return a.store.Allow(ctx, args[0], reason)
		},
	}
	allow.Flags().StringVar(&reason, "reason", "", "Why the number is allowed")
	allow.Flags().DurationVar(&until, "for", 0, "Allow only for this long")

	var soft bool
	deny := &cobra.Command{
		Use:   "deny <number>",
		Short: "Deny a number",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.store.Deny(cmd.Context(), args[0], soft, reason)
		},
	}
	deny.Flags().StringVar(&reason, "reason", "", "Why the number is denied")
	deny.Flags().BoolVar(&soft, "soft", false, "Challenge the caller instead of blocking")

	remove := &cobra.Command{
		Use:   "remove <number>",
		Short: "Remove a number from the lists",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.store.Remove(cmd.Context(), args[0])
		},
	}

	show := &cobra.Command{
		Use:   "show",
		Short: "Show list entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := a.store.Entries(cmd.Context())
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Fprintln(a.out, "No list entries")
				return nil
			}
			w := tabwriter.NewWriter(a.out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NUMBER\tLIST\tEXPIRES\tREASON")
			for _, e := range entries {
				expires := "-"
				if !e.ExpiresAt.IsZero() {
					expires = e.ExpiresAt.Local().Format(time.DateTime)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.Number, listKindLabel(e.Kind, e.Soft), expires, e.Reason)
			}
			return w.Flush()
		},
	}

	importCmd := &cobra.Command{
		Use:   "import <file.yaml>",
		Short: "Import list entries from a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			var f listFile
			if err := yaml.Unmarshal(data, &f); err != nil {
				return fmt.Errorf("parse %s: %w", args[0], err)
			}
			n, err := a.importLists(cmd, f)
			fmt.Fprintf(a.out, "Imported %d entries\n", n)
			return err
		},
	}

	cmd.AddCommand(allow, deny, remove, show, importCmd)
	return cmd
}

func (a *app) importLists(cmd *cobra.Command, f listFile) (int, error) {
	ctx := cmd.Context()
	n := 0
	for _, it := range f.Allow {
		var err error
		if it.Until.IsZero() {
			err = a.store.Allow(ctx, it.Number, it.Reason)
		} else {
			err = a.store.AllowUntil(ctx, it.Number, it.Until)
		}
		if err != nil {
			return n, fmt.Errorf("allow %q: %w", it.Number, err)
		}
		n++
	}
	for _, it := range f.Deny {
		if err := a.store.Deny(ctx, it.Number, it.Soft, it.Reason); err != nil {
			return n, fmt.Errorf("deny %q: %w", it.Number, err)
		}
		n++
	}
	return n, nil
}

func listKindLabel(k screening.ListKind, soft bool) string {
	if k == screening.ListDeny && soft {
		return "deny (soft)"
	}
	return string(k)
}
