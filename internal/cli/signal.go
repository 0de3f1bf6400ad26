package cli

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/offsync/internal/admin"
	"github.com/roach88/offsync/internal/connectivity"
)

// AdminOptions holds flags for commands that talk to a running server.
type AdminOptions struct {
	*RootOptions
	Admin string // overrides admin.listen
}

func (o *AdminOptions) client() (*adminClient, error) {
	addr := o.Admin
	if addr == "" {
		cfg, err := loadConfig(o.RootOptions)
		if err != nil {
			return nil, err
		}
		addr = cfg.Admin.Listen
	}
	return newAdminClient(addr)
}

// SignalResult is the admin server's answer to a connectivity signal.
type SignalResult struct {
	Status  string `json:"status"`
	Changed bool   `json:"changed"`
}

// NewSignalCommand creates the signal command.
func NewSignalCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &AdminOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "signal <online|offline>",
		Short: "Tell a running server that connectivity changed",
		Long: `Signal a connectivity change to a running "offsync serve".

Signalling online while offline starts a drain. Signalling the current
status changes nothing.

Examples:
  offsync signal offline
  offsync signal online --admin 127.0.0.1:8787`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSignal(cmd, opts, args[0])
		},
	}
	cmd.Flags().StringVar(&opts.Admin, "admin", "", "admin server address (default: admin.listen)")

	return cmd
}

func runSignal(cmd *cobra.Command, opts *AdminOptions, arg string) error {
	status, err := connectivity.ParseStatus(arg)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid status", err)
	}
	c, err := opts.client()
	if err != nil {
		return err
	}

	var res SignalResult
	if err := c.call(cmd.Context(), http.MethodPost, "/connectivity/"+status.String(), &res); err != nil {
		return err
	}

	out := newFormatter(cmd, opts.RootOptions)
	if out.JSON() {
		return out.Success(res)
	}
	if res.Changed {
		return out.Success("Connectivity is now " + res.Status)
	}
	return out.Success("Connectivity already " + res.Status)
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &AdminOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the state of a running server",
		Long: `Show connectivity, outbox depth and the last drain of a running
"offsync serve".`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, opts)
		},
	}
	cmd.Flags().StringVar(&opts.Admin, "admin", "", "admin server address (default: admin.listen)")

	return cmd
}

func runStatus(cmd *cobra.Command, opts *AdminOptions) error {
	c, err := opts.client()
	if err != nil {
		return err
	}

	var st admin.Status
	if err := c.call(cmd.Context(), http.MethodGet, "/status", &st); err != nil {
		return err
	}

	out := newFormatter(cmd, opts.RootOptions)
	if out.JSON() {
		return out.Success(st)
	}

	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "Connectivity: %s (%d transitions)\n", st.Connectivity, st.Transitions)
	fmt.Fprintf(w, "Pending:      %d\n", st.Pending)
	fmt.Fprintf(w, "Draining:     %t\n", st.Draining)
	watched := "none"
	if len(st.Watched) > 0 {
		watched = strings.Join(st.Watched, ", ")
	}
	fmt.Fprintf(w, "Watched:      %s\n", watched)
	if d := st.LastDrain; d != nil {
		fmt.Fprintf(w, "Last drain:   #%d: %d delivered, %d failed, %d dropped\n",
			d.Seq, len(d.Delivered), len(d.Failed), len(d.Dropped))
		if d.AuthExpired {
			fmt.Fprintln(w, "              stopped: credentials expired")
		}
	} else {
		fmt.Fprintln(w, "Last drain:   none")
	}
	return nil
}
