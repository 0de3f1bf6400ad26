package admin

import (
	"encoding/json"
	"time"

	"github.com/roach88/offsync/internal/engine"
	"github.com/roach88/offsync/internal/outbox"
	"github.com/roach88/offsync/internal/store"
)

// OutboxEntry is the JSON form of a queued mutation.
type OutboxEntry struct {
	ID             int64           `json:"id"`
	Type           string          `json:"type"`
	Payload        json.RawMessage `json:"payload"`
	IdempotencyKey string          `json:"idempotency_key"`
	Digest         string          `json:"digest"`
	EnqueuedAt     time.Time       `json:"enqueued_at"`
	Attempts       int             `json:"attempts"`
	LastError      string          `json:"last_error,omitempty"`
	LastAttemptAt  *time.Time      `json:"last_attempt_at,omitempty"`
}

// NewOutboxEntry converts m.
func NewOutboxEntry(m outbox.QueuedMutation) OutboxEntry {
	e := OutboxEntry{
		ID:             m.ID,
		Type:           m.Type,
		Payload:        m.Payload,
		IdempotencyKey: m.IdempotencyKey,
		Digest:         m.Digest(),
		EnqueuedAt:     m.EnqueuedAt.UTC(),
		Attempts:       m.Attempts,
		LastError:      m.LastError,
	}
	if !m.LastAttemptAt.IsZero() {
		t := m.LastAttemptAt.UTC()
		e.LastAttemptAt = &t
	}
	return e
}

// DrainSummary is the JSON form of a drain report.
type DrainSummary struct {
	Seq         int64     `json:"seq"`
	Started     time.Time `json:"started"`
	Finished    time.Time `json:"finished"`
	Delivered   []int64   `json:"delivered"`
	Failed      []int64   `json:"failed"`
	Dropped     []int64   `json:"dropped"`
	AuthExpired bool      `json:"auth_expired"`
	Error       string    `json:"error,omitempty"`
}

// NewDrainSummary converts r.
func NewDrainSummary(r engine.DrainReport) DrainSummary {
	s := DrainSummary{
		Seq:         r.Seq,
		Started:     r.Started.UTC(),
		Finished:    r.Finished.UTC(),
		Delivered:   nonNil(r.Delivered),
		Failed:      nonNil(r.Failed),
		Dropped:     nonNil(r.Dropped),
		AuthExpired: r.AuthExpired,
	}
	if r.Err != nil {
		s.Error = r.Err.Error()
	}
	return s
}

// CollectionEntry is the JSON form of a collection's snapshot metadata.
type CollectionEntry struct {
	Name    string     `json:"name"`
	Count   int        `json:"count"`
	Digest  string     `json:"digest,omitempty"`
	SavedAt *time.Time `json:"saved_at,omitempty"`
}

// NewCollectionEntry converts info.
func NewCollectionEntry(info store.SnapshotInfo) CollectionEntry {
	e := CollectionEntry{
		Name:   info.Collection,
		Count:  info.Count,
		Digest: info.Digest,
	}
	if info.Saved() {
		t := info.SavedAt.UTC()
		e.SavedAt = &t
	}
	return e
}

// CollectionItems is a collection read, from the network or the cache.
type CollectionItems struct {
	Name       string            `json:"name"`
	Source     string            `json:"source"`
	CachedAt   *time.Time        `json:"cached_at,omitempty"`
	NetworkErr string            `json:"network_error,omitempty"`
	Items      []json.RawMessage `json:"items"`
}

// Status is the engine overview served at /status.
type Status struct {
	Connectivity string        `json:"connectivity"`
	Transitions  int64         `json:"transitions"`
	Pending      int           `json:"pending"`
	Draining     bool          `json:"draining"`
	Skipped      int64         `json:"skipped_triggers"`
	Watched      []string      `json:"watched"`
	LastDrain    *DrainSummary `json:"last_drain,omitempty"`
}

func nonNil(ids []int64) []int64 {
	if ids == nil {
		return []int64{}
	}
	return ids
}
