package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"bootvault/pkg/apiclient"
	"bootvault/pkg/bus"
)

var (
	success = color.New(color.FgGreen)
	failure = color.New(color.FgRed, color.Bold)
)

func newAttemptsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "attempts",
		Short: "Inspect boot resolution attempts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.AddCommand(newAttemptsListCommand())
	cmd.AddCommand(newAttemptsTailCommand())
	return cmd
}

func newAttemptsListCommand() *cobra.Command {
	var (
		limit int
		api   apiFlags
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "Show the most recent attempts, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := api.client()
			if err != nil {
				return err
			}
			attempts, err := client.Attempts(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return writeAttempts(cmd.OutOrStdout(), attempts)
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 100, "Maximum number of attempts to show")
	api.register(cmd)
	return cmd
}

func newAttemptsTailCommand() *cobra.Command {
	var natsURL string

	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Follow attempts live from the event bus",
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := bus.New(natsURL)
			if err != nil {
				return fmt.Errorf("connect nats: %w", err)
			}
			defer b.Close()

			out := cmd.OutOrStdout()
			sub, err := b.Subscribe(cmd.Context(), bus.SubjectAttempts, "", func(_ context.Context, ev bus.Event) error {
				var a apiclient.Attempt
				if err := json.Unmarshal(ev.Data, &a); err != nil {
					return nil
				}
				printAttempt(out, a)
				return nil
			})
			if err != nil {
				return fmt.Errorf("subscribe: %w", err)
			}
			defer sub.Close()

			<-cmd.Context().Done()
			return nil
		},
	}

	cmd.Flags().StringVar(&natsURL, "nats", "nats://127.0.0.1:4222", "NATS server URL")
	return cmd
}

func writeAttempts(out io.Writer, attempts []apiclient.Attempt) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tPRINCIPAL\tCLIENT\tOUTCOME\tREASON\tREMOTE")
	for _, a := range attempts {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			a.Timestamp.Local().Format(time.DateTime), orDash(a.Principal), orDash(deref(a.ClientIdentifier)),
			a.Outcome, orDash(a.Reason), orDash(a.RemoteAddr))
	}
	return tw.Flush()
}

func printAttempt(out io.Writer, a apiclient.Attempt) {
	line := fmt.Sprintf("%s %-20s %-17s", a.Timestamp.Local().Format(time.TimeOnly), orDash(a.Principal), orDash(deref(a.ClientIdentifier)))
	if a.Outcome == "success" {
		success.Fprintf(out, "%s ok\n", line)
		return
	}
	failure.Fprintf(out, "%s %s %s\n", line, a.Outcome, a.Reason)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
