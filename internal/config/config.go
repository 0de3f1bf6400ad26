// Package config loads offsync settings from a YAML file and OFFSYNC_*
// environment variables, then validates them against an embedded CUE
// schema.
package config

import (
	_ "embed"
	"fmt"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/spf13/viper"
)

//go:embed schema.cue
var schemaCUE string

// EnvPrefix prefixes environment overrides, e.g. OFFSYNC_REMOTE_BASE_URL.
const EnvPrefix = "OFFSYNC"

type Config struct {
	Store        StoreConfig        `mapstructure:"store" json:"store"`
	Remote       RemoteConfig       `mapstructure:"remote" json:"remote"`
	Connectivity ConnectivityConfig `mapstructure:"connectivity" json:"connectivity"`
	Admin        AdminConfig        `mapstructure:"admin" json:"admin"`
	Logging      LoggingConfig      `mapstructure:"logging" json:"logging"`
}

type StoreConfig struct {
	Path    string `mapstructure:"path" json:"path"`
	IDField string `mapstructure:"id_field" json:"id_field"`
}

type RemoteConfig struct {
	BaseURL string `mapstructure:"base_url" json:"base_url"`
	Token   string `mapstructure:"token" json:"token"`
	Timeout string `mapstructure:"timeout" json:"timeout"`
}

// GetTimeout parses Timeout. Validation guarantees it parses.
func (r RemoteConfig) GetTimeout() time.Duration {
	d, _ := time.ParseDuration(r.Timeout)
	return d
}

type ConnectivityConfig struct {
	// Initial is the status assumed at startup: online or offline.
	Initial string `mapstructure:"initial" json:"initial"`
	// ProbeURL enables the health probe when set.
	ProbeURL string `mapstructure:"probe_url" json:"probe_url"`
	// ProbeInterval is a cron spec, e.g. "@every 30s".
	ProbeInterval string `mapstructure:"probe_interval" json:"probe_interval"`
}

type AdminConfig struct {
	// Listen is the admin HTTP address; empty disables the server.
	Listen      string   `mapstructure:"listen" json:"listen"`
	CorsOrigins []string `mapstructure:"cors_origins" json:"cors_origins"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level" json:"level"`
	Format string `mapstructure:"format" json:"format"`
}

// Defaults returns the configuration used when nothing is set.
func Defaults() Config {
	return Config{
		Store:        StoreConfig{Path: "offsync.db", IDField: "id"},
		Remote:       RemoteConfig{Timeout: "15s"},
		Connectivity: ConnectivityConfig{Initial: "online", ProbeInterval: "@every 30s"},
		Admin:        AdminConfig{Listen: "127.0.0.1:8787", CorsOrigins: []string{}},
		Logging:      LoggingConfig{Level: "info", Format: "json"},
	}
}

// Load reads path (optional; "" means defaults and environment only),
// applies environment overrides and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	d := Defaults()
	v.SetDefault("store.path", d.Store.Path)
	v.SetDefault("store.id_field", d.Store.IDField)
	v.SetDefault("remote.base_url", d.Remote.BaseURL)
	v.SetDefault("remote.token", d.Remote.Token)
	v.SetDefault("remote.timeout", d.Remote.Timeout)
	v.SetDefault("connectivity.initial", d.Connectivity.Initial)
	v.SetDefault("connectivity.probe_url", d.Connectivity.ProbeURL)
	v.SetDefault("connectivity.probe_interval", d.Connectivity.ProbeInterval)
	v.SetDefault("admin.listen", d.Admin.Listen)
	v.SetDefault("admin.cors_origins", d.Admin.CorsOrigins)
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
}

// Validate checks cfg against the embedded schema.
func Validate(cfg *Config) error {
	if cfg.Admin.CorsOrigins == nil {
		cfg.Admin.CorsOrigins = []string{}
	}

	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaCUE, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("config: schema: %w", err)
	}
	def := schema.LookupPath(cue.ParsePath("#Config"))

	value := def.Unify(ctx.Encode(cfg))
	if err := value.Validate(cue.Concrete(true)); err != nil {
		return formatCUEError(err)
	}
	return nil
}

// ValidationError lists every schema violation.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "config: invalid: " + strings.Join(e.Problems, "; ")
}

func formatCUEError(err error) error {
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return fmt.Errorf("config: invalid: %w", err)
	}
	ve := &ValidationError{}
	for _, e := range errs {
		ve.Problems = append(ve.Problems, e.Error())
	}
	return ve
}
