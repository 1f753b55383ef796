package main

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func (a *app) registryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "registry",
		Short: "Record and count complaints against numbers",
	}

	var source, note string
	report := &cobra.Command{
		Use:   "report <number>",
		Short: "File a complaint against a number",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := a.store.AddReport(cmd.Context(), args[0], source, note)
			if err != nil {
				return err
			}
			n, err := a.store.ReportCount(cmd.Context(), r.Number)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "Reported %s (%d reports)\n", r.Number, n)
			return nil
		},
	}
	report.Flags().StringVar(&source, "source", "operator", "Who filed the complaint")
	report.Flags().StringVar(&note, "note", "", "Free-form note")

	count := &cobra.Command{
		Use:   "count <number>",
		Short: "Count the complaints against a number",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := a.store.ReportCount(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(a.out, n)
			return nil
		},
	}

	cmd.AddCommand(report, count)
	return cmd
}

func (a *app) deviceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "device",
		Short: "Authorize or revoke modem sessions",
	}

	var note string
	setAuth := func(authorized bool) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			return a.store.Authorize(cmd.Context(), args[0], authorized, note)
		}
	}
	authorize := &cobra.Command{
		Use:   "authorize <session>",
		Short: "Allow calls on a session to be screened",
		Args:  cobra.ExactArgs(1),
		RunE:  setAuth(true),
	}
	authorize.Flags().StringVar(&note, "note", "", "Free-form note")
	revoke := &cobra.Command{
		Use:   "revoke <session>",
		Short: "Stop screening calls on a session",
		Args:  cobra.ExactArgs(1),
		RunE:  setAuth(false),
	}
	revoke.Flags().StringVar(&note, "note", "", "Free-form note")

	list := &cobra.Command{
		Use:   "list",
		Short: "List registered sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			devices, err := a.store.Devices(cmd.Context())
			if err != nil {
				return err
			}
			if len(devices) == 0 {
				fmt.Fprintln(a.out, "No registered sessions (all sessions are authorized)")
				return nil
			}
			w := tabwriter.NewWriter(a.out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "SESSION\tAUTHORIZED\tUPDATED\tNOTE")
			for _, d := range devices {
				fmt.Fprintf(w, "%s\t%v\t%s\t%s\n", d.SessionID, d.Authorized, d.UpdatedAt.Local().Format(time.DateTime), d.Note)
			}
			return w.Flush()
		},
	}

	cmd.AddCommand(authorize, revoke, list)
	return cmd
}

func (a *app) callsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "calls",
		Short: "Show the most recent screened calls",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			calls, err := a.store.RecentCalls(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if len(calls) == 0 {
				fmt.Fprintln(a.out, "No calls")
				return nil
			}
			w := tabwriter.NewWriter(a.out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tSESSION\tNUMBER\tACTION\tRISK\tCONF\tREASONS")
			for _, c := range calls {
				number := c.Number
				if c.Withheld {
					number = "(withheld)"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%.2f\t%.2f\t%s\n", c.At.Local().Format(time.DateTime),
					c.SessionID, number, c.Action, c.RiskScore, c.Confidence, strings.Join(c.Reasons, ", "))
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of calls to show")
	return cmd
}

func (a *app) purgeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Delete lapsed temporary allows",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := a.store.PurgeExpired(cmd.Context(), time.Now())
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "Purged %d entries\n", n)
			return nil
		},
	}
}
