package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/roach88/offsync/internal/config"
)

// NewConfigCommand creates the config command group.
func NewConfigCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Validate and show configuration",
	}

	validate := &cobra.Command{
		Use:   "validate [file]",
		Short: "Validate a config file against the schema",
		Long: `Validate a config file (or --config, or the defaults) against the
embedded schema. Every violation is listed.

Exit codes:
  0 - Configuration is valid
  1 - Configuration is invalid
  2 - File cannot be read`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := rootOpts.ConfigPath
			if len(args) == 1 {
				path = args[0]
			}
			return runConfigValidate(cmd, rootOpts, path)
		},
	}

	show := &cobra.Command{
		Use:           "show",
		Short:         "Print the effective configuration",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigShow(cmd, rootOpts)
		},
	}

	cmd.AddCommand(validate, show)
	return cmd
}

func runConfigValidate(cmd *cobra.Command, opts *RootOptions, path string) error {
	out := newFormatter(cmd, opts)

	_, err := config.Load(path)
	var verr *config.ValidationError
	switch {
	case errors.As(err, &verr):
		_ = out.Error("E_CONFIG_INVALID", "configuration is invalid", verr.Problems)
		if !out.JSON() {
			for _, p := range verr.Problems {
				fmt.Fprintf(cmd.OutOrStdout(), "  - %s\n", p)
			}
		}
		return NewExitError(ExitFailure, fmt.Sprintf("%d problem(s) in configuration", len(verr.Problems)))
	case err != nil:
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}

	name := path
	if name == "" {
		name = "defaults"
	}
	if out.JSON() {
		return out.Success(map[string]any{"file": name, "valid": true})
	}
	return out.Success("✓ " + name + " is valid")
}

func runConfigShow(cmd *cobra.Command, opts *RootOptions) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}

	shown := *cfg
	if shown.Remote.Token != "" {
		shown.Remote.Token = "********"
	}

	out := newFormatter(cmd, opts)
	if out.JSON() {
		return out.Success(shown)
	}
	data, err := yaml.Marshal(toYAML(shown))
	if err != nil {
		return err
	}
	_, err = cmd.OutOrStdout().Write(data)
	return err
}

// toYAML mirrors config.Config with yaml keys matching the file format.
func toYAML(c config.Config) map[string]any {
	return map[string]any{
		"store": map[string]any{
			"path":     c.Store.Path,
			"id_field": c.Store.IDField,
		},
		"remote": map[string]any{
			"base_url": c.Remote.BaseURL,
			"token":    c.Remote.Token,
			"timeout":  c.Remote.Timeout,
		},
		"connectivity": map[string]any{
			"initial":        c.Connectivity.Initial,
			"probe_url":      c.Connectivity.ProbeURL,
			"probe_interval": c.Connectivity.ProbeInterval,
		},
		"admin": map[string]any{
			"listen":       c.Admin.Listen,
			"cors_origins": c.Admin.CorsOrigins,
		},
		"logging": map[string]any{
			"level":  c.Logging.Level,
			"format": c.Logging.Format,
		},
	}
}
