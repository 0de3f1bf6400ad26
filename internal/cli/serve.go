package cli

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/roach88/offsync/internal/admin"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Listen string // overrides admin.listen
	Watch  []string

	// ready, when set, receives the bound admin address. Tests use it.
	ready func(addr string)
}

// shutdownTimeout bounds the admin server's graceful shutdown.
const shutdownTimeout = 10 * time.Second

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync client with its admin API",
		Long: `Run the offline client until interrupted.

Connectivity transitions are processed as they arrive; coming back online
drains the outbox. When connectivity.probe_url is set the probe signals
changes on its schedule. The admin HTTP API listens on admin.listen.

Examples:
  offsync serve --config offsync.yaml
  offsync serve --listen 127.0.0.1:9000 --watch users --watch sessions`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Listen, "listen", "", "admin listen address (overrides config)")
	cmd.Flags().StringSliceVar(&opts.Watch, "watch", nil, "collections to refresh after every drain")

	return cmd
}

func runServe(ctx context.Context, opts *ServeOptions) error {
	s, err := openSession(opts.RootOptions)
	if err != nil {
		return err
	}
	defer s.Close()

	s.client.Watch(opts.Watch...)
	log := s.log

	listen := s.cfg.Admin.Listen
	if opts.Listen != "" {
		listen = opts.Listen
	}

	var server *http.Server
	serveErr := make(chan error, 1)
	if listen != "" {
		ln, err := net.Listen("tcp", listen)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to listen on "+listen, err)
		}
		handler := admin.NewHandler(s.client, s.cfg.Admin.CorsOrigins, log.Named("admin"))
		server = &http.Server{
			Handler:           handler.Routes(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			log.Info("admin server listening", zap.String("addr", ln.Addr().String()))
			if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serveErr <- err
			}
		}()
		if opts.ready != nil {
			opts.ready(ln.Addr().String())
		}
	}

	log.Info("starting offsync",
		zap.String("store", s.cfg.Store.Path),
		zap.String("remote", s.cfg.Remote.BaseURL),
		zap.Bool("online", s.client.Monitor.Online()),
	)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	runErr := make(chan error, 1)
	go func() {
		runErr <- s.client.Run(runCtx)
	}()

	var failure error
	running := true
	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-serveErr:
		log.Error("admin server failed", zap.Error(err))
		failure = WrapExitError(ExitFailure, "admin server failed", err)
	case err := <-runErr:
		running = false
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Error("client stopped", zap.Error(err))
			failure = WrapExitError(ExitFailure, "client stopped", err)
		}
	}

	if server != nil {
		shutdownCtx, done := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer done()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warn("admin server shutdown", zap.Error(err))
		}
	}
	cancel()
	if running {
		<-runErr
	}
	return failure
}
