// Package offline wires the store, connectivity monitor, reader, outbox,
// dispatcher, replay engine and REST client into one object for
// application code.
package offline

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/roach88/offsync/internal/api"
	"github.com/roach88/offsync/internal/config"
	"github.com/roach88/offsync/internal/connectivity"
	"github.com/roach88/offsync/internal/dispatch"
	"github.com/roach88/offsync/internal/engine"
	"github.com/roach88/offsync/internal/outbox"
	"github.com/roach88/offsync/internal/reader"
	"github.com/roach88/offsync/internal/store"
)

// Client is an offline-first API client.
type Client struct {
	Store      *store.Store
	Monitor    *connectivity.Monitor
	Reader     *reader.Reader
	Outbox     *outbox.Outbox
	Dispatcher *dispatch.Dispatcher
	Engine     *engine.Engine
	API        *api.Client

	probe *connectivity.Probe
	log   *zap.Logger

	mu      sync.Mutex
	watched []string
}

type options struct {
	onAuthExpired func(ctx context.Context, err error)
	keys          outbox.KeyGenerator
	apiOpts       []api.Option
}

// Option configures Open.
type Option func(*options)

// WithOnAuthExpired sets the callback for a drain stopped by expired
// credentials. The application should end the session.
func WithOnAuthExpired(fn func(ctx context.Context, err error)) Option {
	return func(o *options) {
		o.onAuthExpired = fn
	}
}

// WithKeyGenerator overrides the idempotency key generator.
func WithKeyGenerator(g outbox.KeyGenerator) Option {
	return func(o *options) {
		o.keys = g
	}
}

// WithAPIOptions passes extra options to the REST client.
func WithAPIOptions(opts ...api.Option) Option {
	return func(o *options) {
		o.apiOpts = append(o.apiOpts, opts...)
	}
}

// Open builds a Client from cfg. The store is opened (and created on first
// run with every known collection declared) immediately.
func Open(cfg *config.Config, log *zap.Logger, opts ...Option) (*Client, error) {
	if log == nil {
		log = zap.NewNop()
	}
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}

	initial, err := connectivity.ParseStatus(cfg.Connectivity.Initial)
	if err != nil {
		return nil, err
	}

	apiOpts := append([]api.Option{
		api.WithToken(api.StaticToken(cfg.Remote.Token)),
		api.WithTimeout(cfg.Remote.GetTimeout()),
		api.WithLogger(log.Named("api")),
	}, o.apiOpts...)
	baseURL := cfg.Remote.BaseURL
	if baseURL == "" {
		// Cache-only use: every network call fails as unreachable.
		baseURL = "http://offline.invalid"
	}
	apiClient, err := api.NewClient(baseURL, apiOpts...)
	if err != nil {
		return nil, err
	}

	st, err := store.Open(cfg.Store.Path,
		store.WithCollections(api.Collections...),
		store.WithIDField(cfg.Store.IDField),
	)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	c := &Client{
		Store:   st,
		Monitor: connectivity.NewMonitor(connectivity.NewState(initial), connectivity.WithLogger(log.Named("connectivity"))),
		Reader:  reader.New(st, log.Named("reader")),
		API:     apiClient,
		log:     log,
	}

	obOpts := []outbox.Option{outbox.WithLogger(log.Named("outbox"))}
	if o.keys != nil {
		obOpts = append(obOpts, outbox.WithKeyGenerator(o.keys))
	}
	c.Outbox = outbox.New(st, obOpts...)
	c.Dispatcher = dispatch.New(c.Monitor, c.Outbox, log.Named("dispatch"))

	reg := engine.NewRegistry()
	if err := api.RegisterMutations(reg, apiClient); err != nil {
		st.Close()
		return nil, err
	}
	c.Engine = engine.New(c.Outbox, reg,
		engine.WithLogger(log.Named("engine")),
		engine.WithRefresh(c.refresh),
		engine.WithOnAuthExpired(o.onAuthExpired),
		engine.WithLease(st, outbox.UUIDv7Generator{}.Generate(), engine.DefaultLeaseTTL),
	)
	c.Engine.Start(c.Monitor)

	if cfg.Connectivity.ProbeURL != "" {
		c.probe, err = connectivity.NewProbe(c.Monitor, cfg.Connectivity.ProbeURL,
			cfg.Connectivity.ProbeInterval, log.Named("probe"))
		if err != nil {
			st.Close()
			return nil, err
		}
	}
	return c, nil
}

// Run processes connectivity transitions (and runs the probe, if
// configured) until ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	if c.probe != nil {
		if err := c.probe.Start(); err != nil {
			return err
		}
		defer c.probe.Stop()
	}
	return c.Monitor.Run(ctx)
}

// Close waits for background work and closes the store.
func (c *Client) Close() error {
	c.Monitor.Close()
	c.Engine.Wait()
	c.Reader.Flush()
	return c.Store.Close()
}

// Read reads collection network-first.
func (c *Client) Read(ctx context.Context, collection string) (reader.Result[json.RawMessage], error) {
	return reader.Read(ctx, c.Reader, collection, func(ctx context.Context) ([]json.RawMessage, error) {
		return c.API.Fetch(ctx, collection)
	})
}

// ReadAs reads collection network-first, decoding items into T.
func ReadAs[T any](ctx context.Context, c *Client, collection string) (reader.Result[T], error) {
	return reader.Read(ctx, c.Reader, collection, func(ctx context.Context) ([]T, error) {
		raws, err := c.API.Fetch(ctx, collection)
		if err != nil {
			return nil, err
		}
		out := make([]T, len(raws))
		for i, raw := range raws {
			if err := json.Unmarshal(raw, &out[i]); err != nil {
				return nil, fmt.Errorf("decode %s item %d: %w", collection, i, err)
			}
		}
		return out, nil
	})
}

// Write dispatches the mutation tag. optimistic may be nil.
func (c *Client) Write(
	ctx context.Context,
	tag string,
	payload any,
	optimistic func(context.Context) (json.RawMessage, error),
) (dispatch.Outcome[json.RawMessage], error) {
	return dispatch.Dispatch(ctx, c.Dispatcher, tag, payload,
		func(ctx context.Context, key string) (json.RawMessage, error) {
			return c.API.Send(ctx, tag, payload, key)
		},
		optimistic,
	)
}

// Watch marks collections as shown by the application; they are re-read
// after every drain.
func (c *Client) Watch(collections ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, name := range collections {
		if !contains(c.watched, name) {
			c.watched = append(c.watched, name)
		}
	}
}

// Watched returns the watched collections in the order they were added.
func (c *Client) Watched() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.watched...)
}

func (c *Client) refresh(ctx context.Context) {
	for _, name := range c.Watched() {
		if _, err := c.Read(ctx, name); err != nil {
			c.log.Warn("refresh after drain failed", zap.String("collection", name), zap.Error(err))
		}
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
