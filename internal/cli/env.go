package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/roach88/offsync/internal/config"
	"github.com/roach88/offsync/internal/logger"
	"github.com/roach88/offsync/internal/offline"
)

// loadConfig loads the configuration named by --config.
func loadConfig(opts *RootOptions) (*config.Config, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	return cfg, nil
}

// newLogger builds the configured logger. --verbose forces debug level.
func newLogger(opts *RootOptions, cfg *config.Config) (*zap.Logger, error) {
	level := cfg.Logging.Level
	if opts.Verbose {
		level = "debug"
	}
	log, err := logger.New(level, cfg.Logging.Format)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to build logger", err)
	}
	return log, nil
}

// session is an opened offline client for one command.
type session struct {
	cfg    *config.Config
	log    *zap.Logger
	client *offline.Client
}

func (s *session) Close() error {
	err := s.client.Close()
	_ = s.log.Sync()
	return err
}

// openSession loads config and opens the offline client it describes.
func openSession(opts *RootOptions) (*session, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	log, err := newLogger(opts, cfg)
	if err != nil {
		return nil, err
	}
	client, err := offline.Open(cfg, log)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, fmt.Sprintf("failed to open store %s", cfg.Store.Path), err)
	}
	return &session{cfg: cfg, log: log, client: client}, nil
}

// newFormatter returns the output formatter for cmd.
func newFormatter(cmd *cobra.Command, opts *RootOptions) *OutputFormatter {
	return &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}
}
