package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/openfroyo/buildcache/pkg/stores"
)

func newEntriesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "entries",
		Short: "Inspect and discard cache entries",
	}

	cmd.AddCommand(newEntriesListCommand())
	cmd.AddCommand(newEntriesInvalidateCommand())
	cmd.AddCommand(newEntriesDeleteCommand())

	return cmd
}

func newEntriesListCommand() *cobra.Command {
	var (
		limit  int
		offset int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List cache entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			entries, err := store.ListEntries(ctx, limit, offset)
			if err != nil {
				return fmt.Errorf("failed to list entries: %w", err)
			}

			if jsonOutput {
				return printJSON(entries)
			}

			if len(entries) == 0 {
				fmt.Println("No cache entries found.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "KEY\tTASKS\tPROJECTS\tHITS\tSTATE\tUPDATED")
			for _, e := range entries {
				state := "valid"
				if !e.Valid() {
					state = "invalidated"
				}
				tasks := strings.Join(e.RequestedTasks, " ")
				if tasks == "" {
					tasks = "(all)"
				}
				_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\t%s\n",
					shortKey(e.Key), truncate(tasks, 40), e.Projects, e.HitCount, state, formatTime(&e.UpdatedAt))
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of entries")
	cmd.Flags().IntVar(&offset, "offset", 0, "number of entries to skip")

	return cmd
}

func newEntriesInvalidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "invalidate <key>",
		Short: "Invalidate a cache entry so the next session stores it again",
		Long: `Invalidate a cache entry. The key may be abbreviated to any unique prefix,
as printed by 'buildcache entries list'.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			key, err := resolveEntryKey(ctx, store, args[0])
			if err != nil {
				return err
			}
			if err := store.InvalidateEntry(ctx, key); err != nil {
				return fmt.Errorf("failed to invalidate entry: %w", err)
			}
			fmt.Printf("✓ Invalidated entry %s\n", key)
			return nil
		},
	}
}

func newEntriesDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <key>",
		Short: "Delete a cache entry and its project states",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			key, err := resolveEntryKey(ctx, store, args[0])
			if err != nil {
				return err
			}
			if err := store.DeleteEntry(ctx, key); err != nil {
				return fmt.Errorf("failed to delete entry: %w", err)
			}
			fmt.Printf("✓ Deleted entry %s\n", key)
			return nil
		},
	}
}

// maxEntryScan bounds the entries searched for a key prefix.
const maxEntryScan = 10000

// resolveEntryKey expands a unique key prefix to the full entry key.
func resolveEntryKey(ctx context.Context, store stores.Store, prefix string) (string, error) {
	if _, err := store.GetEntry(ctx, prefix); err == nil {
		return prefix, nil
	} else if !errors.Is(err, stores.ErrNotFound) {
		return "", err
	}

	entries, err := store.ListEntries(ctx, maxEntryScan, 0)
	if err != nil {
		return "", fmt.Errorf("failed to list entries: %w", err)
	}

	var matches []string
	for _, e := range entries {
		if strings.HasPrefix(e.Key, prefix) {
			matches = append(matches, e.Key)
		}
	}
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("entry %s: %w", prefix, stores.ErrNotFound)
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("key prefix %s is ambiguous (%d entries)", prefix, len(matches))
	}
}
