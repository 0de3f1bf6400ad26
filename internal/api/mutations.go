package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"regexp"

	"github.com/roach88/offsync/internal/engine"
	"github.com/roach88/offsync/internal/outbox"
	"github.com/roach88/offsync/internal/payload"
)

// Collections are the cached collections the client reads.
var Collections = []string{
	"users",
	"sessions",
	"announcements",
	"news",
	"library_posts",
	"support_messages",
	"conversations",
	"chat_messages",
	"settings",
	"password_resets",
	"location_requests",
	"locations",
	"landing_content",
	"ledger_transactions",
}

// Mutation type tags.
const (
	UpdateUser              = "UPDATE_USER"
	DeleteUser              = "DELETE_USER"
	CreateSession           = "CREATE_SESSION"
	UpdateSession           = "UPDATE_SESSION"
	DeleteSession           = "DELETE_SESSION"
	CreateAnnouncement      = "CREATE_ANNOUNCEMENT"
	SendChatMessage         = "SEND_CHAT_MESSAGE"
	CreateSupportMessage    = "CREATE_SUPPORT_MESSAGE"
	UpdateSettings          = "UPDATE_SETTINGS"
	SubmitVote              = "SUBMIT_VOTE"
	RequestPasswordReset    = "REQUEST_PASSWORD_RESET"
	RequestLocationChange   = "REQUEST_LOCATION_CHANGE"
	CreateLedgerTransaction = "CREATE_LEDGER_TRANSACTION"
)

// Route maps a mutation tag to an HTTP call. Path segments written as
// {field} are filled from the payload's top-level fields.
type Route struct {
	Tag    string
	Method string
	Path   string
}

// Routes lists every mutation the client can replay, in registration order.
var Routes = []Route{
	{UpdateUser, http.MethodPatch, "/users/{id}"},
	{DeleteUser, http.MethodDelete, "/users/{id}"},
	{CreateSession, http.MethodPost, "/sessions"},
	{UpdateSession, http.MethodPatch, "/sessions/{id}"},
	{DeleteSession, http.MethodDelete, "/sessions/{id}"},
	{CreateAnnouncement, http.MethodPost, "/announcements"},
	{SendChatMessage, http.MethodPost, "/conversations/{conversation_id}/messages"},
	{CreateSupportMessage, http.MethodPost, "/support_messages"},
	{UpdateSettings, http.MethodPut, "/settings"},
	{SubmitVote, http.MethodPost, "/library_posts/{post_id}/votes"},
	{RequestPasswordReset, http.MethodPost, "/password_resets"},
	{RequestLocationChange, http.MethodPost, "/location_requests"},
	{CreateLedgerTransaction, http.MethodPost, "/ledger_transactions"},
}

var placeholder = regexp.MustCompile(`\{([a-z_]+)\}`)

// RouteFor returns the route for tag.
func RouteFor(tag string) (Route, bool) {
	for _, r := range Routes {
		if r.Tag == tag {
			return r, true
		}
	}
	return Route{}, false
}

// Resolve fills the path placeholders from body.
func (r Route) Resolve(body json.RawMessage) (string, error) {
	var missing string
	path := placeholder.ReplaceAllStringFunc(r.Path, func(m string) string {
		field := m[1 : len(m)-1]
		v, ok := payload.Field(body, field)
		if !ok {
			if missing == "" {
				missing = field
			}
			return m
		}
		return url.PathEscape(v)
	})
	if missing != "" {
		return "", fmt.Errorf("%s: payload has no %q for %s", r.Tag, missing, r.Path)
	}
	return path, nil
}

// sendsBody reports whether the route carries the payload as request body.
func (r Route) sendsBody() bool {
	return r.Method != http.MethodDelete
}

// Send performs the mutation described by tag directly. It is the network
// operation for writes made while online. The payload goes out as given
// and key, when set, as the Idempotency-Key header.
func (c *Client) Send(ctx context.Context, tag string, v any, key string) (json.RawMessage, error) {
	route, ok := RouteFor(tag)
	if !ok {
		return nil, fmt.Errorf("send: no route for mutation type %q", tag)
	}
	body, err := payload.Encode(v)
	if err != nil {
		return nil, fmt.Errorf("send %s: payload: %w", tag, err)
	}
	return c.send(ctx, route, body, key)
}

func (c *Client) send(ctx context.Context, route Route, body json.RawMessage, key string) (json.RawMessage, error) {
	path, err := route.Resolve(body)
	if err != nil {
		return nil, err
	}
	var reqBody []byte
	if route.sendsBody() {
		reqBody = body
	}
	resp, err := c.Do(ctx, route.Method, path, reqBody, key)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(resp), nil
}

// Handler returns the replay handler for route. The mutation's
// idempotency key goes out as the Idempotency-Key header.
func (c *Client) Handler(route Route) engine.Handler {
	return func(ctx context.Context, m outbox.QueuedMutation) error {
		_, err := c.send(ctx, route, m.Payload, m.IdempotencyKey)
		return err
	}
}

// RegisterMutations registers a replay handler for every route.
func RegisterMutations(reg *engine.Registry, c *Client) error {
	for _, route := range Routes {
		if err := reg.Register(route.Tag, c.Handler(route)); err != nil {
			return err
		}
	}
	return nil
}
