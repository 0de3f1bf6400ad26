package connectivity

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Transition records one change of Status.
type Transition struct {
	// Seq increases by one per transition, starting at 1.
	Seq    int64
	From   Status
	To     Status
	Reason string
	At     time.Time
}

// CameOnline reports whether t is an Offline -> Online transition.
func (t Transition) CameOnline() bool {
	return t.From == Offline && t.To == Online
}

// Listener receives transitions on the Monitor.Run goroutine, in order.
// Listeners must not block for long; start goroutines for slow work.
type Listener func(ctx context.Context, t Transition)

// Monitor owns connectivity transitions.
//
// Thread-safety model:
//   - Signal(), MarkOffline(), Subscribe(): safe from any goroutine
//   - Run(): must be called from exactly one goroutine
//
// State changes are applied synchronously by Signal, so a caller that
// observes Signal return sees the new status. Listener delivery is
// asynchronous and happens only while Run is active.
type Monitor struct {
	state *State
	queue *transitionQueue
	log   *zap.Logger
	now   func() time.Time

	// signalMu orders swap+push so queue order matches Seq order.
	signalMu sync.Mutex
	seq      atomic.Int64

	mu        sync.RWMutex
	listeners []Listener
}

// MonitorOption configures a Monitor.
type MonitorOption func(*Monitor)

// WithLogger sets the logger. Default: zap.NewNop().
func WithLogger(l *zap.Logger) MonitorOption {
	return func(m *Monitor) {
		if l != nil {
			m.log = l
		}
	}
}

// WithClock overrides the time source for Transition.At.
func WithClock(now func() time.Time) MonitorOption {
	return func(m *Monitor) {
		if now != nil {
			m.now = now
		}
	}
}

// NewMonitor creates a Monitor that drives state.
func NewMonitor(state *State, opts ...MonitorOption) *Monitor {
	m := &Monitor{
		state: state,
		queue: newTransitionQueue(),
		log:   zap.NewNop(),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// State returns the state this monitor drives.
func (m *Monitor) State() *State {
	return m.state
}

// Online reports whether the current status is Online.
func (m *Monitor) Online() bool {
	return m.state.Online()
}

// Subscribe registers l. Listeners are called in registration order.
func (m *Monitor) Subscribe(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// Signal sets the status to to. It returns true if the status changed, in
// which case the transition is queued for delivery to listeners. Repeating
// the current status is a no-op, so an Online signal while online never
// triggers a drain.
func (m *Monitor) Signal(to Status, reason string) bool {
	m.signalMu.Lock()
	defer m.signalMu.Unlock()

	from := m.state.swap(to)
	if from == to {
		return false
	}

	t := Transition{
		Seq:    m.seq.Add(1),
		From:   from,
		To:     to,
		Reason: reason,
		At:     m.now(),
	}
	m.log.Info("connectivity changed",
		zap.Int64("seq", t.Seq),
		zap.Stringer("from", from),
		zap.Stringer("to", to),
		zap.String("reason", reason),
	)
	if !m.queue.push(t) {
		m.log.Warn("connectivity monitor closed, transition not delivered", zap.Int64("seq", t.Seq))
	}
	return true
}

// MarkOffline records a detected network failure.
func (m *Monitor) MarkOffline(reason string) {
	m.Signal(Offline, reason)
}

// Transitions returns the number of transitions so far.
func (m *Monitor) Transitions() int64 {
	return m.seq.Load()
}

// Run delivers queued transitions to listeners until ctx is cancelled or
// Close is called. Transitions queued before Close are still delivered.
func (m *Monitor) Run(ctx context.Context) error {
	m.log.Debug("connectivity monitor starting")

	for {
		m.DeliverPending(ctx)

		select {
		case <-ctx.Done():
			m.log.Debug("connectivity monitor stopping: context cancelled")
			m.queue.close()
			return ctx.Err()

		case _, ok := <-m.queue.wait():
			if !ok && m.queue.len() == 0 {
				m.log.Debug("connectivity monitor stopping: closed")
				return nil
			}
		}
	}
}

// DeliverPending delivers every queued transition on the calling goroutine
// and returns how many were delivered. Hosts that don't call Run use it to
// pump transitions themselves; it must not race with Run.
func (m *Monitor) DeliverPending(ctx context.Context) int {
	n := 0
	for {
		t, ok := m.queue.tryPop()
		if !ok {
			return n
		}
		m.deliver(ctx, t)
		n++
	}
}

// Close stops the monitor. Run returns after delivering what is queued.
func (m *Monitor) Close() {
	m.queue.close()
}

func (m *Monitor) deliver(ctx context.Context, t Transition) {
	m.mu.RLock()
	listeners := make([]Listener, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.RUnlock()

	for _, l := range listeners {
		l(ctx, t)
	}
}
