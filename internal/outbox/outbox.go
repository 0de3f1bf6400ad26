// Package outbox is the durable FIFO of writes made while offline.
//
// Mutations are appended with a strictly increasing id and replayed in
// ascending id order. A mutation leaves the outbox only through Remove,
// which the replay engine calls after successful delivery or when the
// mutation type is unknown.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/roach88/offsync/internal/payload"
	"github.com/roach88/offsync/internal/store"
	"github.com/roach88/offsync/internal/syncerr"
)

// DefaultQueue is the store queue that holds pending mutations.
const DefaultQueue = "outbox"

// Queue is the slice of the persistent store the outbox needs.
type Queue interface {
	Append(ctx context.Context, queue string, item store.QueueItem) (int64, error)
	Remove(ctx context.Context, queue string, id int64) error
	List(ctx context.Context, queue string) ([]store.QueueItem, error)
	Len(ctx context.Context, queue string) (int, error)
	MarkAttempt(ctx context.Context, queue string, id int64, lastError string) error
}

// QueuedMutation is a write waiting for delivery.
type QueuedMutation struct {
	ID             int64
	Type           string
	Payload        json.RawMessage
	IdempotencyKey string
	EnqueuedAt     time.Time

	Attempts      int
	LastError     string
	LastAttemptAt time.Time
}

// Digest returns a content hash of the mutation's type and canonical
// payload. Payloads that differ only in key order, whitespace or Unicode
// normalization share a digest.
func (m QueuedMutation) Digest() string {
	body, err := payload.Normalize(m.Payload)
	if err != nil {
		body = m.Payload
	}
	return payload.Hash(payload.DomainPayload, append([]byte(m.Type+"\x00"), body...))
}

// Outbox wraps a Queue with mutation semantics.
//
// Thread-safety: Outbox is safe for concurrent use; ordering comes from the
// store's auto-increment ids.
type Outbox struct {
	q     Queue
	queue string
	keys  KeyGenerator
	now   func() time.Time
	log   *zap.Logger
}

// Option configures an Outbox.
type Option func(*Outbox)

// WithQueueName overrides DefaultQueue.
func WithQueueName(name string) Option {
	return func(o *Outbox) {
		if name != "" {
			o.queue = name
		}
	}
}

// WithKeyGenerator overrides the UUIDv7 idempotency key generator.
func WithKeyGenerator(g KeyGenerator) Option {
	return func(o *Outbox) {
		if g != nil {
			o.keys = g
		}
	}
}

// WithClock overrides the time source for EnqueuedAt.
func WithClock(now func() time.Time) Option {
	return func(o *Outbox) {
		if now != nil {
			o.now = now
		}
	}
}

// WithLogger sets the logger. Default: zap.NewNop().
func WithLogger(l *zap.Logger) Option {
	return func(o *Outbox) {
		if l != nil {
			o.log = l
		}
	}
}

// New creates an Outbox over q.
func New(q Queue, opts ...Option) *Outbox {
	o := &Outbox{
		q:     q,
		queue: DefaultQueue,
		keys:  UUIDv7Generator{},
		now:   time.Now,
		log:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// NewKey returns a fresh idempotency key. Callers that attempt a write
// directly before queueing it use this so both attempts share one key.
func (o *Outbox) NewKey() string {
	return o.keys.Generate()
}

// Enqueue durably appends a mutation under a freshly generated idempotency
// key and returns it with its assigned id.
func (o *Outbox) Enqueue(ctx context.Context, mutationType string, v any) (QueuedMutation, error) {
	return o.EnqueueWithKey(ctx, mutationType, v, o.keys.Generate())
}

// EnqueueWithKey durably appends a mutation carrying key. The payload may
// be any JSON-encodable value, including json.RawMessage; raw payloads are
// stored byte for byte. When EnqueueWithKey returns nil the mutation has
// been committed.
func (o *Outbox) EnqueueWithKey(ctx context.Context, mutationType string, v any, key string) (QueuedMutation, error) {
	if mutationType == "" {
		return QueuedMutation{}, fmt.Errorf("enqueue: mutation type must not be empty")
	}
	if key == "" {
		return QueuedMutation{}, fmt.Errorf("enqueue %s: idempotency key must not be empty", mutationType)
	}
	body, err := payload.Encode(v)
	if err != nil {
		return QueuedMutation{}, fmt.Errorf("enqueue %s: payload: %w", mutationType, err)
	}

	m := QueuedMutation{
		Type:           mutationType,
		Payload:        body,
		IdempotencyKey: key,
		EnqueuedAt:     o.now(),
	}
	id, err := o.q.Append(ctx, o.queue, store.QueueItem{
		Type:           m.Type,
		Payload:        m.Payload,
		IdempotencyKey: m.IdempotencyKey,
		EnqueuedAt:     m.EnqueuedAt,
	})
	if err != nil {
		return QueuedMutation{}, syncerr.Storage("enqueue", err)
	}
	m.ID = id

	o.log.Info("mutation queued",
		zap.Int64("id", id),
		zap.String("type", mutationType),
		zap.String("idempotency_key", m.IdempotencyKey),
		zap.String("digest", m.Digest()),
	)
	return m, nil
}

// Pending returns every queued mutation in ascending id order.
func (o *Outbox) Pending(ctx context.Context) ([]QueuedMutation, error) {
	items, err := o.q.List(ctx, o.queue)
	if err != nil {
		return nil, syncerr.Storage("pending", err)
	}
	out := make([]QueuedMutation, len(items))
	for i, item := range items {
		out[i] = fromItem(item)
	}
	return out, nil
}

// Remove deletes one mutation. Removing a missing id is a no-op.
func (o *Outbox) Remove(ctx context.Context, id int64) error {
	if err := o.q.Remove(ctx, o.queue, id); err != nil {
		return syncerr.Storage("remove", err)
	}
	return nil
}

// RecordFailure notes a failed delivery attempt; the mutation stays queued.
func (o *Outbox) RecordFailure(ctx context.Context, id int64, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	if err := o.q.MarkAttempt(ctx, o.queue, id, msg); err != nil {
		return syncerr.Storage("record failure", err)
	}
	return nil
}

// Len returns the number of queued mutations.
func (o *Outbox) Len(ctx context.Context) (int, error) {
	n, err := o.q.Len(ctx, o.queue)
	if err != nil {
		return 0, syncerr.Storage("len", err)
	}
	return n, nil
}

func fromItem(item store.QueueItem) QueuedMutation {
	return QueuedMutation{
		ID:             item.ID,
		Type:           item.Type,
		Payload:        item.Payload,
		IdempotencyKey: item.IdempotencyKey,
		EnqueuedAt:     item.EnqueuedAt,
		Attempts:       item.Attempts,
		LastError:      item.LastError,
		LastAttemptAt:  item.LastAttemptAt,
	}
}
