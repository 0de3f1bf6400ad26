package cli

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/roach88/offsync/internal/admin"
)

// OutboxOptions holds flags for the outbox commands.
type OutboxOptions struct {
	*RootOptions
	ShowPayload bool
}

// NewOutboxCommand creates the outbox command group.
func NewOutboxCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &OutboxOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "Inspect and edit pending mutations",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List pending mutations in replay order",
		Example: `  offsync outbox list
  offsync outbox list --payload
  offsync outbox list --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOutboxList(cmd, opts)
		},
	}
	list.Flags().BoolVarP(&opts.ShowPayload, "payload", "p", false, "print each payload")

	drop := &cobra.Command{
		Use:   "drop <id>",
		Short: "Remove a pending mutation without sending it",
		Long: `Remove a pending mutation without sending it.

Use this for a mutation the server will never accept; otherwise it is
retried on every drain.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOutboxDrop(cmd, opts, args[0])
		},
	}

	cmd.AddCommand(list, drop)
	return cmd
}

func runOutboxList(cmd *cobra.Command, opts *OutboxOptions) error {
	s, err := openSession(opts.RootOptions)
	if err != nil {
		return err
	}
	defer s.Close()

	pending, err := s.client.Outbox.Pending(cmd.Context())
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read outbox", err)
	}
	entries := make([]admin.OutboxEntry, 0, len(pending))
	for _, m := range pending {
		entries = append(entries, admin.NewOutboxEntry(m))
	}

	out := newFormatter(cmd, opts.RootOptions)
	if out.JSON() {
		return out.Success(entries)
	}

	w := cmd.OutOrStdout()
	if len(entries) == 0 {
		fmt.Fprintln(w, "No pending mutations.")
		return nil
	}
	for _, e := range entries {
		fmt.Fprintf(w, "[%d] %s\n", e.ID, e.Type)
		fmt.Fprintf(w, "     key:      %s\n", e.IdempotencyKey)
		fmt.Fprintf(w, "     digest:   %s\n", e.Digest)
		fmt.Fprintf(w, "     enqueued: %s\n", e.EnqueuedAt.Format(time.RFC3339))
		if e.Attempts > 0 {
			fmt.Fprintf(w, "     attempts: %d (last error: %s)\n", e.Attempts, e.LastError)
		}
		if opts.ShowPayload {
			fmt.Fprintf(w, "     payload:  %s\n", e.Payload)
		}
	}
	fmt.Fprintf(w, "\n%d pending\n", len(entries))
	return nil
}

func runOutboxDrop(cmd *cobra.Command, opts *OutboxOptions, arg string) error {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return NewExitError(ExitCommandError, fmt.Sprintf("invalid id %q: must be a positive integer", arg))
	}

	s, err := openSession(opts.RootOptions)
	if err != nil {
		return err
	}
	defer s.Close()

	ctx := cmd.Context()
	pending, err := s.client.Outbox.Pending(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read outbox", err)
	}
	var found *admin.OutboxEntry
	for _, m := range pending {
		if m.ID == id {
			e := admin.NewOutboxEntry(m)
			found = &e
			break
		}
	}
	if found == nil {
		return NewExitError(ExitFailure, fmt.Sprintf("no pending mutation with id %d", id))
	}

	if err := s.client.Outbox.Remove(ctx, id); err != nil {
		return WrapExitError(ExitCommandError, "failed to drop mutation", err)
	}
	s.log.Info("mutation dropped by operator", zap.Int64("id", id), zap.String("type", found.Type))

	out := newFormatter(cmd, opts.RootOptions)
	if out.JSON() {
		return out.Success(found)
	}
	return out.Success(fmt.Sprintf("Dropped [%d] %s", found.ID, found.Type))
}
