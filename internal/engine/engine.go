package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/roach88/offsync/internal/connectivity"
	"github.com/roach88/offsync/internal/outbox"
	"github.com/roach88/offsync/internal/syncerr"
)

// Outbox is the slice of the mutation outbox the engine drains.
type Outbox interface {
	Pending(ctx context.Context) ([]outbox.QueuedMutation, error)
	Remove(ctx context.Context, id int64) error
	RecordFailure(ctx context.Context, id int64, cause error) error
}

// Lease is an exclusive lock shared by every process that drains the same
// outbox. A drain runs only while this engine's owner holds DrainLease.
type Lease interface {
	AcquireLease(ctx context.Context, name, owner string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, name, owner string) error
}

// DrainLease is the lease name a drain holds.
const DrainLease = "drain"

// DefaultLeaseTTL bounds how long a crashed process can block other
// drains. The holder renews it after every mutation.
const DefaultLeaseTTL = 2 * time.Minute

// ErrLeaseLost is reported when another process took over the drain lease
// while this drain was still running.
var ErrLeaseLost = errors.New("drain lease lost to another process")

// DrainReport summarizes one drain.
type DrainReport struct {
	Seq      int64
	Started  time.Time
	Finished time.Time

	// Mutation ids by fate, each in replay order.
	Delivered []int64
	Failed    []int64
	Dropped   []int64

	// AuthExpired is set when the drain stopped on expired credentials.
	AuthExpired bool

	// Err is why the drain stopped early: the pending list could not be
	// read, the server rejected the credentials, or the lease was lost.
	Err error
}

// Attempted returns the number of mutations the drain looked at.
func (r DrainReport) Attempted() int {
	return len(r.Delivered) + len(r.Failed) + len(r.Dropped)
}

// Engine drains the outbox through the handler registry.
//
// Thread-safety model:
//   - Trigger(), DrainNow(), LastReport(), Wait(): safe from any goroutine
//   - at most one drain runs at a time (single flight); with a Lease, at
//     most one across processes
//   - inside a drain, handlers are called sequentially in id order
type Engine struct {
	outbox   Outbox
	registry *Registry
	clock    *Clock
	now      func() time.Time
	log      *zap.Logger

	refresh       func(ctx context.Context)
	onAuthExpired func(ctx context.Context, err error)

	lease    Lease
	owner    string
	leaseTTL time.Duration

	draining atomic.Bool
	skipped  atomic.Int64
	wg       sync.WaitGroup

	mu   sync.Mutex
	last *DrainReport
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger. Default: zap.NewNop().
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// WithTimeSource overrides the wall clock used for report timestamps.
func WithTimeSource(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithRefresh sets the hook called once after each drain, typically to
// re-read the views the application is showing.
func WithRefresh(fn func(ctx context.Context)) Option {
	return func(e *Engine) {
		e.refresh = fn
	}
}

// WithOnAuthExpired sets the callback invoked when a drain stops because
// the server rejected the credentials.
func WithOnAuthExpired(fn func(ctx context.Context, err error)) Option {
	return func(e *Engine) {
		e.onAuthExpired = fn
	}
}

// WithLease makes every drain hold DrainLease on l as owner. owner must be
// unique per process.
func WithLease(l Lease, owner string, ttl time.Duration) Option {
	return func(e *Engine) {
		e.lease = l
		e.owner = owner
		if ttl > 0 {
			e.leaseTTL = ttl
		}
	}
}

// New creates an Engine.
func New(ob Outbox, reg *Registry, opts ...Option) *Engine {
	e := &Engine{
		outbox:   ob,
		registry: reg,
		clock:    NewClock(),
		now:      time.Now,
		log:      zap.NewNop(),
		leaseTTL: DefaultLeaseTTL,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start subscribes the engine to m: every Offline -> Online transition
// triggers a drain.
func (e *Engine) Start(m *connectivity.Monitor) {
	m.Subscribe(func(ctx context.Context, t connectivity.Transition) {
		if !t.CameOnline() {
			return
		}
		e.log.Info("connectivity restored, draining outbox", zap.Int64("transition", t.Seq))
		e.Trigger(ctx)
	})
}

// Trigger starts a drain on a new goroutine. It returns false, and does
// nothing, if a drain is already running here or in another process.
func (e *Engine) Trigger(ctx context.Context) bool {
	if !e.begin(ctx) {
		return false
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.draining.Store(false)
		e.drain(ctx)
	}()
	return true
}

// DrainNow runs a drain on the calling goroutine. ok is false if another
// drain was already running here or in another process.
func (e *Engine) DrainNow(ctx context.Context) (report DrainReport, ok bool) {
	if !e.begin(ctx) {
		return DrainReport{}, false
	}
	defer e.draining.Store(false)
	return e.drain(ctx), true
}

// begin claims the drain slot, then the lease when one is configured.
// A trigger that finds either taken is counted as skipped.
func (e *Engine) begin(ctx context.Context) bool {
	if !e.draining.CompareAndSwap(false, true) {
		e.skipped.Add(1)
		e.log.Debug("drain already in progress, trigger ignored")
		return false
	}
	if e.lease == nil {
		return true
	}
	held, err := e.lease.AcquireLease(ctx, DrainLease, e.owner, e.leaseTTL)
	if err != nil || !held {
		e.draining.Store(false)
		e.skipped.Add(1)
		if err != nil {
			e.log.Error("cannot acquire drain lease, trigger ignored", zap.Error(err))
		} else {
			e.log.Info("drain running in another process, trigger ignored")
		}
		return false
	}
	return true
}

// renew extends the lease mid-drain. It returns false once another owner
// holds it.
func (e *Engine) renew(ctx context.Context, log *zap.Logger) bool {
	if e.lease == nil {
		return true
	}
	held, err := e.lease.AcquireLease(ctx, DrainLease, e.owner, e.leaseTTL)
	if err != nil {
		// Still ours until it expires; the next renewal tries again.
		log.Warn("drain lease renewal failed", zap.Error(err))
		return true
	}
	return held
}

func (e *Engine) release(ctx context.Context, log *zap.Logger) {
	if e.lease == nil {
		return
	}
	if err := e.lease.ReleaseLease(ctx, DrainLease, e.owner); err != nil {
		log.Error("drain lease release failed", zap.Error(err))
	}
}

// Wait blocks until a drain started by Trigger has finished.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Draining reports whether a drain is running.
func (e *Engine) Draining() bool {
	return e.draining.Load()
}

// Skipped returns how many triggers were ignored because a drain was running.
func (e *Engine) Skipped() int64 {
	return e.skipped.Load()
}

// LastReport returns the most recent drain report.
func (e *Engine) LastReport() (DrainReport, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.last == nil {
		return DrainReport{}, false
	}
	return *e.last, true
}

// Registry returns the handler registry.
func (e *Engine) Registry() *Registry {
	return e.registry
}

// drain replays the pending snapshot once.
// Called only with draining (and the lease, if any) held.
func (e *Engine) drain(ctx context.Context) DrainReport {
	report := DrainReport{
		Seq:       e.clock.Next(),
		Started:   e.now(),
		Delivered: []int64{},
		Failed:    []int64{},
		Dropped:   []int64{},
	}
	log := e.log.With(zap.Int64("drain", report.Seq))

	// Outbox bookkeeping for a mutation already sent must not be lost to
	// cancellation.
	bk := context.WithoutCancel(ctx)

	e.replay(ctx, bk, log, &report)
	e.release(bk, log)
	return e.finish(ctx, log, report)
}

func (e *Engine) replay(ctx, bk context.Context, log *zap.Logger, report *DrainReport) {
	pending, err := e.outbox.Pending(ctx)
	if err != nil {
		log.Error("drain: cannot read outbox", zap.Error(err))
		report.Err = err
		return
	}
	log.Info("drain started", zap.Int("pending", len(pending)))

	for i, m := range pending {
		if err := ctx.Err(); err != nil {
			log.Warn("drain interrupted", zap.Error(err))
			return
		}
		if i > 0 && !e.renew(bk, log) {
			log.Warn("drain lease taken over, stopping drain")
			report.Err = ErrLeaseLost
			return
		}

		mlog := log.With(zap.Int64("id", m.ID), zap.String("type", m.Type))

		handler, ok := e.registry.Lookup(m.Type)
		if !ok {
			mlog.Warn("dropping mutation with unknown type",
				zap.Error(syncerr.UnknownMutation(m.Type, m.ID)),
			)
			if err := e.outbox.Remove(bk, m.ID); err != nil {
				mlog.Error("remove unknown mutation failed", zap.Error(err))
			}
			report.Dropped = append(report.Dropped, m.ID)
			continue
		}

		err := handler(ctx, m)
		if err == nil {
			if err := e.outbox.Remove(bk, m.ID); err != nil {
				// Still queued: the next drain delivers it again.
				mlog.Error("remove delivered mutation failed", zap.Error(err))
			}
			mlog.Debug("mutation delivered")
			report.Delivered = append(report.Delivered, m.ID)
			continue
		}

		replayErr := syncerr.ReplayFailed(m.Type, m.ID, err)
		if rerr := e.outbox.RecordFailure(bk, m.ID, err); rerr != nil {
			mlog.Error("record failure failed", zap.Error(rerr))
		}
		report.Failed = append(report.Failed, m.ID)

		if syncerr.IsAuthExpired(err) {
			mlog.Warn("credentials expired, stopping drain", zap.Error(replayErr))
			report.AuthExpired = true
			report.Err = replayErr
			return
		}
		mlog.Warn("mutation replay failed, keeping it queued", zap.Error(replayErr))
	}
}

func (e *Engine) finish(ctx context.Context, log *zap.Logger, report DrainReport) DrainReport {
	report.Finished = e.now()

	e.mu.Lock()
	r := report
	e.last = &r
	e.mu.Unlock()

	log.Info("drain finished",
		zap.Int("delivered", len(report.Delivered)),
		zap.Int("failed", len(report.Failed)),
		zap.Int("dropped", len(report.Dropped)),
		zap.Bool("auth_expired", report.AuthExpired),
		zap.Duration("took", report.Finished.Sub(report.Started)),
	)

	if report.AuthExpired {
		if e.onAuthExpired != nil {
			e.onAuthExpired(ctx, report.Err)
		}
		return report
	}
	if e.refresh != nil {
		e.refresh(ctx)
	}
	return report
}
