// Package testutil provides deterministic collaborators for offsync tests:
// a fake time source and an in-memory REST server.
package testutil

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/roach88/offsync/internal/payload"
)

// Request is one request the FakeRemote answered.
type Request struct {
	Method         string          `json:"method" yaml:"method"`
	Path           string          `json:"path" yaml:"path"`
	IdempotencyKey string          `json:"idempotency_key,omitempty" yaml:"idempotency_key,omitempty"`
	Body           json.RawMessage `json:"body,omitempty" yaml:"-"`
}

// FakeRemote is an in-memory REST server shaped like the offsync backend.
//
//	GET    /{collection}        list items
//	POST   /{collection}        append the body (id assigned if absent)
//	PATCH  /{collection}/{id}   merge the body into the item
//	PUT    /{collection}[/{id}] replace the item (or the singleton)
//	DELETE /{collection}/{id}   remove the item
//
// Deeper paths are accepted and recorded without changing state. While
// down, connections are dropped before a response is written.
type FakeRemote struct {
	server *httptest.Server

	mu          sync.Mutex
	collections map[string][]map[string]any
	requests    []Request
	down        bool
	status      int
	nextID      int
}

// StartFakeRemote starts a FakeRemote. The caller must Close it.
func StartFakeRemote() *FakeRemote {
	f := &FakeRemote{collections: make(map[string][]map[string]any)}
	f.server = httptest.NewServer(f)
	return f
}

// NewFakeRemote starts a FakeRemote that is closed when t finishes.
func NewFakeRemote(t testing.TB) *FakeRemote {
	t.Helper()
	f := StartFakeRemote()
	t.Cleanup(f.Close)
	return f
}

// Close shuts the server down.
func (f *FakeRemote) Close() {
	f.server.Close()
}

// URL returns the server base URL.
func (f *FakeRemote) URL() string {
	return f.server.URL
}

// SetDown makes the server drop (true) or serve (false) connections.
func (f *FakeRemote) SetDown(down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.down = down
}

// SetStatus forces every answer to status. Zero restores normal handling.
func (f *FakeRemote) SetStatus(status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = status
}

// Seed replaces collection with items. Each item must marshal to a JSON
// object.
func (f *FakeRemote) Seed(collection string, items ...any) error {
	objs := make([]map[string]any, 0, len(items))
	for i, item := range items {
		obj, err := toObject(item)
		if err != nil {
			return fmt.Errorf("seed %s[%d]: %w", collection, i, err)
		}
		objs = append(objs, obj)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.collections[collection] = objs
	return nil
}

// Items returns collection's items as JSON.
func (f *FakeRemote) Items(collection string) []json.RawMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return encodeAll(f.collections[collection])
}

// Requests returns every request answered so far.
func (f *FakeRemote) Requests() []Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Request(nil), f.requests...)
}

// Mutations returns the answered requests other than GET.
func (f *FakeRemote) Mutations() []Request {
	var out []Request
	for _, r := range f.Requests() {
		if r.Method != http.MethodGet {
			out = append(out, r)
		}
	}
	return out
}

func (f *FakeRemote) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.down {
		if hj, ok := w.(http.Hijacker); ok {
			if conn, _, err := hj.Hijack(); err == nil {
				conn.Close()
				return
			}
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	req := Request{
		Method:         r.Method,
		Path:           r.URL.Path,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	}
	if len(body) > 0 {
		if norm, err := payload.Normalize(body); err == nil {
			req.Body = norm
		} else {
			req.Body = body
		}
	}
	f.requests = append(f.requests, req)

	if f.status != 0 {
		writeJSON(w, f.status, map[string]string{"error": http.StatusText(f.status)})
		return
	}

	segments := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	collection := segments[0]
	id := ""
	if len(segments) == 2 {
		id = segments[1]
	}
	if len(segments) > 2 {
		writeJSON(w, http.StatusCreated, json.RawMessage(orEmptyObject(req.Body)))
		return
	}

	switch {
	case r.Method == http.MethodGet && id == "":
		writeJSON(w, http.StatusOK, encodeAll(f.collections[collection]))

	case r.Method == http.MethodPost && id == "":
		obj, err := toObject(json.RawMessage(body))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		if _, ok := obj["id"]; !ok {
			f.nextID++
			obj["id"] = fmt.Sprintf("srv-%d", f.nextID)
		}
		f.collections[collection] = append(f.collections[collection], obj)
		writeJSON(w, http.StatusCreated, obj)

	case r.Method == http.MethodPatch && id != "", r.Method == http.MethodPut:
		obj, err := toObject(json.RawMessage(body))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, f.upsert(collection, id, obj, r.Method == http.MethodPatch))

	case r.Method == http.MethodDelete && id != "":
		f.remove(collection, id)
		w.WriteHeader(http.StatusNoContent)

	default:
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "unsupported"})
	}
}

// upsert merges or replaces the item with id. An empty id addresses the
// collection as a singleton.
func (f *FakeRemote) upsert(collection, id string, obj map[string]any, merge bool) map[string]any {
	items := f.collections[collection]
	if id == "" {
		if merge && len(items) == 1 {
			obj = mergeInto(items[0], obj)
		}
		f.collections[collection] = []map[string]any{obj}
		return obj
	}

	for i, item := range items {
		if idOf(item) != id {
			continue
		}
		if merge {
			obj = mergeInto(item, obj)
		}
		obj["id"] = item["id"]
		items[i] = obj
		return obj
	}
	if _, ok := obj["id"]; !ok {
		obj["id"] = id
	}
	f.collections[collection] = append(items, obj)
	return obj
}

func (f *FakeRemote) remove(collection, id string) {
	items := f.collections[collection]
	kept := items[:0]
	for _, item := range items {
		if idOf(item) != id {
			kept = append(kept, item)
		}
	}
	f.collections[collection] = kept
}

func idOf(item map[string]any) string {
	raw, err := json.Marshal(item)
	if err != nil {
		return ""
	}
	id, err := payload.EntityID(raw, "id")
	if err != nil {
		return ""
	}
	return id
}

func mergeInto(base, patch map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(patch))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range patch {
		out[k] = v
	}
	return out
}

func toObject(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, err
	}
	if obj == nil {
		return nil, fmt.Errorf("not a JSON object: %s", raw)
	}
	return obj, nil
}

func encodeAll(items []map[string]any) []json.RawMessage {
	out := make([]json.RawMessage, 0, len(items))
	for _, item := range items {
		raw, err := json.Marshal(item)
		if err != nil {
			continue
		}
		out = append(out, raw)
	}
	return out
}

func orEmptyObject(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("{}")
	}
	return raw
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
