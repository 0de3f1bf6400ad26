package cli

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/offsync/internal/admin"
	"github.com/roach88/offsync/internal/syncerr"
)

// remoteDrainTimeout bounds a drain run by a server on our behalf.
const remoteDrainTimeout = 5 * time.Minute

// DrainOptions holds flags for the drain command.
type DrainOptions struct {
	*RootOptions
	Watch []string
	Admin string
}

// NewDrainCommand creates the drain command.
func NewDrainCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DrainOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "drain",
		Short: "Replay the outbox once",
		Long: `Replay every pending mutation once, in order, against the remote.

Delivered mutations leave the outbox. Failed ones stay queued for the next
drain. Mutations with no registered handler are dropped. A 401/403 stops
the drain early.

With --admin the drain runs inside the "offsync serve" listening there.
Without it the drain runs here; it is refused while any other process
sharing the store is draining.

Exit codes:
  0 - Every pending mutation was delivered or dropped
  1 - Some mutations failed and remain queued
  2 - Command error

Examples:
  offsync drain --config offsync.yaml
  offsync drain --watch users --format json
  offsync drain --admin 127.0.0.1:8787`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDrain(cmd, opts)
		},
	}
	cmd.Flags().StringSliceVar(&opts.Watch, "watch", nil, "collections to refresh after the drain")
	cmd.Flags().StringVar(&opts.Admin, "admin", "", "run the drain in the server at this admin address")

	return cmd
}

func runDrain(cmd *cobra.Command, opts *DrainOptions) error {
	var (
		summary admin.DrainSummary
		err     error
	)
	if opts.Admin != "" {
		summary, err = drainRemote(cmd, opts)
	} else {
		summary, err = drainLocal(cmd, opts)
	}
	if err != nil {
		return err
	}

	out := newFormatter(cmd, opts.RootOptions)
	if out.JSON() {
		if err := out.Success(summary); err != nil {
			return err
		}
	} else {
		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "Drain #%d: %d delivered, %d failed, %d dropped\n",
			summary.Seq, len(summary.Delivered), len(summary.Failed), len(summary.Dropped))
		for _, id := range summary.Dropped {
			fmt.Fprintf(w, "  dropped [%d]: no handler for its mutation type\n", id)
		}
		if summary.AuthExpired {
			fmt.Fprintln(w, "  stopped: credentials expired")
		}
	}

	switch {
	case summary.AuthExpired:
		return WrapExitError(ExitFailure, string(syncerr.CodeAuthExpired), errors.New(summary.Error))
	case len(summary.Failed) > 0:
		return NewExitError(ExitFailure, fmt.Sprintf("%d mutation(s) failed and remain queued", len(summary.Failed)))
	case summary.Error != "":
		return WrapExitError(ExitCommandError, "drain failed", errors.New(summary.Error))
	}
	return nil
}

func drainLocal(cmd *cobra.Command, opts *DrainOptions) (admin.DrainSummary, error) {
	s, err := openSession(opts.RootOptions)
	if err != nil {
		return admin.DrainSummary{}, err
	}
	defer s.Close()
	s.client.Watch(opts.Watch...)

	report, ok := s.client.Engine.DrainNow(cmd.Context())
	if !ok {
		return admin.DrainSummary{}, NewExitError(ExitFailure, "a drain is already running")
	}
	return admin.NewDrainSummary(report), nil
}

// drainRemote asks a running server to drain. The server's own watched
// collections are refreshed; --watch does not apply.
func drainRemote(cmd *cobra.Command, opts *DrainOptions) (admin.DrainSummary, error) {
	c, err := newAdminClient(opts.Admin)
	if err != nil {
		return admin.DrainSummary{}, err
	}
	c.http.Timeout = remoteDrainTimeout

	var summary admin.DrainSummary
	if err := c.call(cmd.Context(), http.MethodPost, "/sync/drain", &summary); err != nil {
		return admin.DrainSummary{}, err
	}
	return summary, nil
}
