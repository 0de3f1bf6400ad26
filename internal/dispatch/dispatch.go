// Package dispatch routes application writes to the network or the outbox.
//
// Online, a write goes straight to the network. Offline (or when the
// network turns out to be unreachable) it is durably queued and, if the
// caller supplied one, an optimistic local effect is applied. The caller
// always learns which of the three happened through Outcome.
package dispatch

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/roach88/offsync/internal/outbox"
	"github.com/roach88/offsync/internal/syncerr"
)

// Kind is the shape of an Outcome.
type Kind int

const (
	// KindDirect: the network operation succeeded.
	KindDirect Kind = iota + 1
	// KindQueued: queued, and the optimistic operation produced a value.
	KindQueued
	// KindQueuedNoEffect: queued with no local effect.
	KindQueuedNoEffect
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindDirect:
		return "direct"
	case KindQueued:
		return "queued"
	case KindQueuedNoEffect:
		return "queued_no_effect"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Outcome is the result of a dispatched write. It is exactly one of
// Direct, Queued or QueuedNoEffect.
type Outcome[T any] struct {
	kind  Kind
	value T

	// Mutation is set for both queued kinds.
	mutation outbox.QueuedMutation
}

// Direct builds a network-success outcome.
func Direct[T any](v T) Outcome[T] {
	return Outcome[T]{kind: KindDirect, value: v}
}

// Queued builds a queued outcome carrying an optimistic value.
func Queued[T any](m outbox.QueuedMutation, v T) Outcome[T] {
	return Outcome[T]{kind: KindQueued, value: v, mutation: m}
}

// QueuedNoEffect builds a queued outcome with no local value.
func QueuedNoEffect[T any](m outbox.QueuedMutation) Outcome[T] {
	return Outcome[T]{kind: KindQueuedNoEffect, mutation: m}
}

// Kind returns the outcome's shape.
func (o Outcome[T]) Kind() Kind { return o.kind }

// Delivered reports whether the server has applied the write.
func (o Outcome[T]) Delivered() bool { return o.kind == KindDirect }

// Mutation returns the queued mutation; ok is false for Direct.
func (o Outcome[T]) Mutation() (outbox.QueuedMutation, bool) {
	return o.mutation, o.kind != KindDirect
}

// Value returns the network or optimistic result. For QueuedNoEffect it
// returns a QUEUED_NOT_DELIVERED error so callers that need a value can
// tell "accepted for later" apart from failure.
func (o Outcome[T]) Value() (T, error) {
	if o.kind == KindQueuedNoEffect {
		var zero T
		return zero, syncerr.Queued(o.mutation.Type, o.mutation.ID)
	}
	return o.value, nil
}

// Connectivity is what the dispatcher needs to know about reachability.
type Connectivity interface {
	Online() bool
	MarkOffline(reason string)
}

// Enqueuer is the outbox append operation.
type Enqueuer interface {
	NewKey() string
	EnqueueWithKey(ctx context.Context, mutationType string, payload any, key string) (outbox.QueuedMutation, error)
}

// Dispatcher holds the dependencies shared by every Dispatch call.
type Dispatcher struct {
	conn   Connectivity
	outbox Enqueuer
	log    *zap.Logger
}

// New creates a Dispatcher. A nil logger disables logging.
func New(conn Connectivity, ob Enqueuer, log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{conn: conn, outbox: ob, log: log}
}

// Dispatch performs one write under a single idempotency key.
//
// Online: networkOp runs with the key. Success is Direct. A transient
// network failure marks connectivity offline and the write is queued with
// the same key, so a server that did apply the first attempt recognizes
// the replay. Any other error is returned unchanged and nothing is queued.
//
// Offline: the mutation is enqueued first. If that fails the error is
// returned and optimisticOp never runs. Otherwise optimisticOp (when non-nil)
// runs and its result is returned as Queued. With no optimisticOp, or when
// it fails, the outcome is QueuedNoEffect; the mutation stays queued.
func Dispatch[T any](
	ctx context.Context,
	d *Dispatcher,
	mutationType string,
	payload any,
	networkOp func(ctx context.Context, idempotencyKey string) (T, error),
	optimisticOp func(context.Context) (T, error),
) (Outcome[T], error) {
	key := d.outbox.NewKey()
	if d.conn.Online() {
		v, err := networkOp(ctx, key)
		if err == nil {
			return Direct(v), nil
		}
		if !syncerr.IsTransient(err) {
			return Outcome[T]{}, err
		}
		d.log.Warn("network unreachable during write, queuing",
			zap.String("type", mutationType),
			zap.String("idempotency_key", key),
			zap.Error(err),
		)
		d.conn.MarkOffline(err.Error())
	}

	m, err := d.outbox.EnqueueWithKey(ctx, mutationType, payload, key)
	if err != nil {
		return Outcome[T]{}, fmt.Errorf("dispatch %s: %w", mutationType, err)
	}

	if optimisticOp == nil {
		return QueuedNoEffect[T](m), nil
	}

	v, err := optimisticOp(ctx)
	if err != nil {
		d.log.Error("optimistic update failed, mutation stays queued",
			zap.Int64("id", m.ID),
			zap.String("type", mutationType),
			zap.Error(err),
		)
		return QueuedNoEffect[T](m), nil
	}
	return Queued(m, v), nil
}
