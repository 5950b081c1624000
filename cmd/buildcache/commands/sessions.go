package commands

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/openfroyo/buildcache/pkg/stores"
)

func newSessionsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Show recorded build-tree sessions",
	}

	cmd.AddCommand(newSessionsListCommand())
	cmd.AddCommand(newSessionsShowCommand())

	return cmd
}

func newSessionsListCommand() *cobra.Command {
	var (
		entry string
		limit int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			var entryKey *string
			if entry != "" {
				key, err := resolveEntryKey(ctx, store, entry)
				if err != nil {
					return err
				}
				entryKey = &key
			}

			sessions, err := store.ListSessions(ctx, entryKey, limit, 0)
			if err != nil {
				return fmt.Errorf("failed to list sessions: %w", err)
			}

			if jsonOutput {
				return printJSON(sessions)
			}

			if len(sessions) == 0 {
				fmt.Println("No sessions found.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "ID\tENTRY\tACTION\tOUTCOME\tPROBLEMS\tSTARTED\tSTATUS")
			for _, s := range sessions {
				_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d/%d\t%s\t%s\n",
					shortKey(s.ID), shortKey(s.EntryKey), s.Action, s.Outcome,
					s.FailureCount, s.ProblemCount, formatTime(&s.StartedAt), truncate(s.StatusLine, 60))
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&entry, "entry", "", "only sessions of this entry (key or prefix)")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of sessions")

	return cmd
}

func newSessionsShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			s, err := store.GetSession(ctx, args[0])
			if err != nil {
				return fmt.Errorf("failed to get session: %w", err)
			}

			if jsonOutput {
				return printJSON(s)
			}
			printSession(s)
			return nil
		},
	}
}

func printSession(s *stores.SessionRecord) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "ID:\t%s\n", s.ID)
	_, _ = fmt.Fprintf(w, "Entry:\t%s\n", s.EntryKey)
	_, _ = fmt.Fprintf(w, "Action:\t%s\n", s.Action)
	if s.Decision != "" {
		_, _ = fmt.Fprintf(w, "Decision:\t%s\n", s.Decision)
	}
	_, _ = fmt.Fprintf(w, "Outcome:\t%s\n", s.Outcome)
	_, _ = fmt.Fprintf(w, "Problems:\t%d (%d failures)\n", s.ProblemCount, s.FailureCount)
	_, _ = fmt.Fprintf(w, "Started:\t%s\n", formatTime(&s.StartedAt))
	_, _ = fmt.Fprintf(w, "Completed:\t%s\n", formatTime(s.CompletedAt))
	if s.StatusLine != "" {
		_, _ = fmt.Fprintf(w, "Status:\t%s\n", s.StatusLine)
	}
	if s.Error != nil {
		_, _ = fmt.Fprintf(w, "Error:\t%s\n", *s.Error)
	}
	_ = w.Flush()
}
