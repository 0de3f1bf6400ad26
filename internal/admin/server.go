// Package admin serves an HTTP view of a running offline client: its
// connectivity, pending outbox and cached collections. It also lets an
// operator force connectivity, drop a stuck mutation or run a drain.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/roach88/offsync/internal/connectivity"
	"github.com/roach88/offsync/internal/offline"
	"github.com/roach88/offsync/internal/reader"
	"github.com/roach88/offsync/internal/syncerr"
)

type Handler struct {
	client  *offline.Client
	origins []string
	log     *zap.Logger
}

// NewHandler creates a Handler for c. Cross-origin requests are allowed
// from origins only.
func NewHandler(c *offline.Client, origins []string, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{client: c, origins: origins, log: log}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(h.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: h.origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", h.HealthCheck)
	r.Get("/status", h.GetStatus)

	r.Route("/outbox", func(r chi.Router) {
		r.Get("/", h.ListOutbox)
		r.Delete("/{id}", h.DropMutation)
	})
	r.Post("/connectivity/{status}", h.SetConnectivity)
	r.Post("/sync/drain", h.Drain)

	r.Route("/collections", func(r chi.Router) {
		r.Get("/", h.ListCollections)
		r.Get("/{name}", h.ReadCollection)
	})

	return r
}

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	st, err := BuildStatus(r.Context(), h.client)
	if err != nil {
		h.fail(w, r, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// BuildStatus collects the overview served at /status.
func BuildStatus(ctx context.Context, c *offline.Client) (Status, error) {
	pending, err := c.Outbox.Len(ctx)
	if err != nil {
		return Status{}, err
	}
	st := Status{
		Connectivity: c.Monitor.State().Status().String(),
		Transitions:  c.Monitor.Transitions(),
		Pending:      pending,
		Draining:     c.Engine.Draining(),
		Skipped:      c.Engine.Skipped(),
		Watched:      c.Watched(),
	}
	if st.Watched == nil {
		st.Watched = []string{}
	}
	if report, ok := c.Engine.LastReport(); ok {
		s := NewDrainSummary(report)
		st.LastDrain = &s
	}
	return st, nil
}

func (h *Handler) ListOutbox(w http.ResponseWriter, r *http.Request) {
	pending, err := h.client.Outbox.Pending(r.Context())
	if err != nil {
		h.fail(w, r, http.StatusInternalServerError, err)
		return
	}
	entries := make([]OutboxEntry, 0, len(pending))
	for _, m := range pending {
		entries = append(entries, NewOutboxEntry(m))
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *Handler) DropMutation(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		h.fail(w, r, http.StatusBadRequest, errors.New("id must be a positive integer"))
		return
	}
	if err := h.client.Outbox.Remove(r.Context(), id); err != nil {
		h.fail(w, r, http.StatusInternalServerError, err)
		return
	}
	h.log.Info("mutation dropped by operator", zap.Int64("id", id))
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) SetConnectivity(w http.ResponseWriter, r *http.Request) {
	status, err := connectivity.ParseStatus(chi.URLParam(r, "status"))
	if err != nil {
		h.fail(w, r, http.StatusBadRequest, err)
		return
	}
	changed := h.client.Monitor.Signal(status, "admin")
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  status.String(),
		"changed": changed,
	})
}

func (h *Handler) Drain(w http.ResponseWriter, r *http.Request) {
	report, ok := h.client.Engine.DrainNow(r.Context())
	if !ok {
		h.fail(w, r, http.StatusConflict, errors.New("a drain is already running"))
		return
	}
	writeJSON(w, http.StatusOK, NewDrainSummary(report))
}

func (h *Handler) ListCollections(w http.ResponseWriter, r *http.Request) {
	infos, err := h.client.Store.Collections(r.Context())
	if err != nil {
		h.fail(w, r, http.StatusInternalServerError, err)
		return
	}
	entries := make([]CollectionEntry, 0, len(infos))
	for _, info := range infos {
		entries = append(entries, NewCollectionEntry(info))
	}
	writeJSON(w, http.StatusOK, entries)
}

// ReadCollection serves the cached snapshot, or with ?source=network a
// network-first read.
func (h *Handler) ReadCollection(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	ctx := r.Context()

	if r.URL.Query().Get("source") == "network" {
		res, err := h.client.Read(ctx, name)
		switch {
		case syncerr.IsEmptyCache(err):
			h.fail(w, r, http.StatusNotFound, err)
			return
		case syncerr.IsAuthExpired(err):
			h.fail(w, r, http.StatusUnauthorized, err)
			return
		case err != nil:
			h.fail(w, r, http.StatusBadGateway, err)
			return
		}
		writeJSON(w, http.StatusOK, NewCollectionItems(name, res))
		return
	}

	info, err := h.client.Store.SnapshotInfo(ctx, name)
	if err != nil {
		h.fail(w, r, http.StatusInternalServerError, err)
		return
	}
	if !info.Saved() {
		h.fail(w, r, http.StatusNotFound, syncerr.EmptyCache(name, nil))
		return
	}
	items, err := h.client.Store.GetAll(ctx, name)
	if err != nil {
		h.fail(w, r, http.StatusInternalServerError, err)
		return
	}
	savedAt := info.SavedAt.UTC()
	writeJSON(w, http.StatusOK, CollectionItems{
		Name:     name,
		Source:   reader.SourceCache.String(),
		CachedAt: &savedAt,
		Items:    items,
	})
}

// NewCollectionItems converts a network-first read result.
func NewCollectionItems(name string, res reader.Result[json.RawMessage]) CollectionItems {
	out := CollectionItems{
		Name:   name,
		Source: res.Source.String(),
		Items:  res.Items,
	}
	if res.FromCache() {
		t := res.CachedAt.UTC()
		out.CachedAt = &t
	}
	if res.NetworkErr != nil {
		out.NetworkErr = res.NetworkErr.Error()
	}
	if out.Items == nil {
		out.Items = []json.RawMessage{}
	}
	return out
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, status int, err error) {
	if status >= http.StatusInternalServerError {
		h.log.Error("admin request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err),
		)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// requestLogger logs every request through zap.
func (h *Handler) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			h.log.Debug("admin request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("took", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		}()
		next.ServeHTTP(ww, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
