// Package api is the REST transport to the remote server.
//
// Client classifies every failure into the sync error taxonomy: transport
// failures are TRANSIENT_NETWORK, 401/403 are AUTH_EXPIRED, and any other
// non-2xx answer is HTTP_STATUS. The rest of the system decides what to do
// from the code alone.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/roach88/offsync/internal/syncerr"
)

// DefaultTimeout bounds every request.
const DefaultTimeout = 15 * time.Second

// IdempotencyHeader carries a queued mutation's idempotency key.
const IdempotencyHeader = "Idempotency-Key"

// maxErrorBody caps how much of an error response is kept for messages.
const maxErrorBody = 512

// TokenSource returns the current bearer token, or "" for none.
type TokenSource func() string

// StaticToken returns a TokenSource for a fixed token.
func StaticToken(token string) TokenSource {
	return func() string { return token }
}

// Client talks to the remote API.
//
// Thread-safety: Client is safe for concurrent use.
type Client struct {
	base   *url.URL
	token  TokenSource
	http   *http.Client
	now    func() time.Time
	log    *zap.Logger
	parser *jwt.Parser
}

// Option configures a Client.
type Option func(*Client)

// WithToken sets the bearer token source.
func WithToken(ts TokenSource) Option {
	return func(c *Client) {
		c.token = ts
	}
}

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.http.Timeout = d
		}
	}
}

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithLogger sets the logger. Default: zap.NewNop().
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

// WithClock overrides the time source used for token expiry checks.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

// NewClient creates a client for baseURL (scheme and host required).
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("api: invalid base url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("api: base url %q must include scheme and host", baseURL)
	}
	u.Path = strings.TrimSuffix(u.Path, "/")

	c := &Client{
		base:   u,
		token:  StaticToken(""),
		http:   &http.Client{Timeout: DefaultTimeout},
		now:    time.Now,
		log:    zap.NewNop(),
		parser: jwt.NewParser(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// BaseURL returns the server base URL.
func (c *Client) BaseURL() string {
	return c.base.String()
}

// Fetch GETs /{collection} and returns its items. The server may answer
// with a JSON array or an object with an "items" array.
func (c *Client) Fetch(ctx context.Context, collection string) ([]json.RawMessage, error) {
	body, err := c.Do(ctx, http.MethodGet, "/"+url.PathEscape(collection), nil, "")
	if err != nil {
		return nil, err
	}
	items, err := decodeItems(body)
	if err != nil {
		return nil, syncerr.HTTPStatus("fetch "+collection, http.StatusOK, err)
	}
	return items, nil
}

// Do sends one request and returns the response body of a 2xx answer.
// A non-empty idempotencyKey is sent as the Idempotency-Key header.
func (c *Client) Do(ctx context.Context, method, path string, body []byte, idempotencyKey string) ([]byte, error) {
	op := method + " " + path

	token := c.token()
	if err := c.checkToken(op, token); err != nil {
		return nil, err
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, reader)
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if idempotencyKey != "" {
		req.Header.Set(IdempotencyHeader, idempotencyKey)
	}

	start := c.now()
	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			return nil, fmt.Errorf("%s: %w", op, ctx.Err())
		}
		return nil, syncerr.Transient(op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, syncerr.Transient(op, fmt.Errorf("read body: %w", err))
	}

	c.log.Debug("api request",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("took", c.now().Sub(start)),
	)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return data, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, syncerr.AuthExpired(op, resp.StatusCode, errorBody(data))
	default:
		return nil, syncerr.HTTPStatus(op, resp.StatusCode, errorBody(data))
	}
}

// checkToken rejects a JWT bearer token whose exp claim has passed, so an
// expired session fails without a round trip. Opaque (non-JWT) tokens are
// left to the server. The signature is not verified here.
func (c *Client) checkToken(op, token string) error {
	if token == "" || strings.Count(token, ".") != 2 {
		return nil
	}
	claims := jwt.MapClaims{}
	if _, _, err := c.parser.ParseUnverified(token, claims); err != nil {
		return nil
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil
	}
	if !c.now().Before(exp.Time) {
		return syncerr.AuthExpired(op, 0, fmt.Errorf("token expired at %s", exp.Time.UTC().Format(time.RFC3339)))
	}
	return nil
}

func decodeItems(body []byte) ([]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return []json.RawMessage{}, nil
	}

	if trimmed[0] == '{' {
		var envelope struct {
			Items []json.RawMessage `json:"items"`
		}
		if err := json.Unmarshal(trimmed, &envelope); err != nil {
			return nil, fmt.Errorf("decode items: %w", err)
		}
		if envelope.Items == nil {
			return []json.RawMessage{}, nil
		}
		return envelope.Items, nil
	}

	var items []json.RawMessage
	if err := json.Unmarshal(trimmed, &items); err != nil {
		return nil, fmt.Errorf("decode items: %w", err)
	}
	if items == nil {
		items = []json.RawMessage{}
	}
	return items, nil
}

func errorBody(data []byte) error {
	msg := strings.TrimSpace(string(data))
	if msg == "" {
		return nil
	}
	if len(msg) > maxErrorBody {
		msg = msg[:maxErrorBody] + "..."
	}
	return errors.New(msg)
}
