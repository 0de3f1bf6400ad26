package connectivity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatus_StringAndParse(t *testing.T) {
	assert.Equal(t, "online", Online.String())
	assert.Equal(t, "offline", Offline.String())

	s, err := ParseStatus(" ONLINE ")
	require.NoError(t, err)
	assert.Equal(t, Online, s)

	s, err = ParseStatus("offline")
	require.NoError(t, err)
	assert.Equal(t, Offline, s)

	_, err = ParseStatus("flaky")
	assert.Error(t, err)
}

func TestState_Initial(t *testing.T) {
	assert.True(t, NewState(Online).Online())
	assert.False(t, NewState(Offline).Online())
}

func TestMonitor_SignalAppliesImmediately(t *testing.T) {
	m := NewMonitor(NewState(Online))

	changed := m.Signal(Offline, "test")
	assert.True(t, changed)
	assert.False(t, m.Online(), "state must change before Run delivers")
	assert.Equal(t, int64(1), m.Transitions())
}

func TestMonitor_RepeatSignalIsNoop(t *testing.T) {
	m := NewMonitor(NewState(Online))

	assert.False(t, m.Signal(Online, "again"))
	assert.Equal(t, int64(0), m.Transitions())
	assert.Equal(t, 0, m.queue.len())
}

func TestMonitor_MarkOffline(t *testing.T) {
	m := NewMonitor(NewState(Online))
	m.MarkOffline("dial tcp: connection refused")
	assert.False(t, m.Online())
}

func TestMonitor_RunDeliversInOrder(t *testing.T) {
	at := time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)
	m := NewMonitor(NewState(Offline), WithClock(func() time.Time { return at }))

	var mu sync.Mutex
	var got []Transition
	m.Subscribe(func(_ context.Context, tr Transition) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, tr)
	})

	m.Signal(Online, "a")
	m.Signal(Offline, "b")
	m.Signal(Online, "c")
	m.Close()

	err := m.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, got, 3)
	assert.Equal(t, int64(1), got[0].Seq)
	assert.True(t, got[0].CameOnline())
	assert.Equal(t, "b", got[1].Reason)
	assert.False(t, got[1].CameOnline())
	assert.Equal(t, int64(3), got[2].Seq)
	assert.Equal(t, at, got[2].At)
}

func TestMonitor_ListenersInRegistrationOrder(t *testing.T) {
	m := NewMonitor(NewState(Offline))

	var order []string
	m.Subscribe(func(context.Context, Transition) { order = append(order, "first") })
	m.Subscribe(func(context.Context, Transition) { order = append(order, "second") })

	m.Signal(Online, "")
	m.Close()
	require.NoError(t, m.Run(context.Background()))

	assert.Equal(t, []string{"first", "second"}, order)
}

func TestMonitor_DeliverPending(t *testing.T) {
	m := NewMonitor(NewState(Online))
	var got []Status
	m.Subscribe(func(_ context.Context, tr Transition) {
		got = append(got, tr.To)
	})

	assert.Zero(t, m.DeliverPending(context.Background()))

	m.Signal(Offline, "a")
	m.Signal(Online, "b")
	assert.Equal(t, 2, m.DeliverPending(context.Background()))
	assert.Equal(t, []Status{Offline, Online}, got)
	assert.Zero(t, m.DeliverPending(context.Background()))
}

func TestMonitor_RunStopsOnContextCancel(t *testing.T) {
	m := NewMonitor(NewState(Online))
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestMonitor_RunWakesOnSignal(t *testing.T) {
	m := NewMonitor(NewState(Offline))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	delivered := make(chan Transition, 1)
	m.Subscribe(func(_ context.Context, tr Transition) { delivered <- tr })

	go m.Run(ctx)

	// Give Run time to block on the wake-up channel.
	time.Sleep(10 * time.Millisecond)
	m.Signal(Online, "admin")

	select {
	case tr := <-delivered:
		assert.True(t, tr.CameOnline())
	case <-time.After(time.Second):
		t.Fatal("transition not delivered")
	}
}

func TestMonitor_ConcurrentSignalsKeepSeqOrder(t *testing.T) {
	m := NewMonitor(NewState(Offline))

	var seqs []int64
	m.Subscribe(func(_ context.Context, tr Transition) { seqs = append(seqs, tr.Seq) })

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				m.Signal(Online, "")
			} else {
				m.Signal(Offline, "")
			}
		}(i)
	}
	wg.Wait()
	m.Close()
	require.NoError(t, m.Run(context.Background()))

	for i, s := range seqs {
		assert.Equal(t, int64(i+1), s, "seq out of order at %d", i)
	}
	assert.Equal(t, m.Transitions(), int64(len(seqs)))
}

func TestProbe_InvalidInput(t *testing.T) {
	m := NewMonitor(NewState(Online))

	_, err := NewProbe(m, "", "@every 1s", nil)
	assert.Error(t, err)

	_, err = NewProbe(m, "http://localhost", "not a schedule", nil)
	assert.Error(t, err)
}

func TestProbe_CheckSignalsOnChange(t *testing.T) {
	var healthy atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if healthy.Load() {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	m := NewMonitor(NewState(Online))
	p, err := NewProbe(m, srv.URL, "@every 1h", nil)
	require.NoError(t, err)

	assert.Equal(t, Offline, p.Check(context.Background()))
	assert.False(t, m.Online())
	assert.Equal(t, int64(1), m.Transitions())

	// Same answer again: no new transition.
	p.Check(context.Background())
	assert.Equal(t, int64(1), m.Transitions())

	healthy.Store(true)
	assert.Equal(t, Online, p.Check(context.Background()))
	assert.True(t, m.Online())
	assert.Equal(t, int64(2), m.Transitions())
}

func TestProbe_UnreachableIsOffline(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	m := NewMonitor(NewState(Online))
	p, err := NewProbe(m, url, "@every 1h", nil)
	require.NoError(t, err)

	assert.Equal(t, Offline, p.Check(context.Background()))
	assert.False(t, m.Online())
}

func TestProbe_StartStop(t *testing.T) {
	m := NewMonitor(NewState(Online))
	p, err := NewProbe(m, "http://127.0.0.1:1", "@every 1h", nil)
	require.NoError(t, err)

	require.NoError(t, p.Start())
	p.Stop()
}
