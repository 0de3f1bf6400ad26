package outbox

import (
	"context"
	"errors"
	"path/filepath"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/offsync/internal/store"
	"github.com/roach88/offsync/internal/syncerr"
	"github.com/roach88/offsync/internal/testutil"
)

func openStore(t *testing.T) (*store.Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "outbox.db")
	s, err := store.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, path
}

func TestEnqueue_AssignsIDAndKey(t *testing.T) {
	s, _ := openStore(t)
	at := time.Date(2026, 10, 19, 10, 0, 0, 0, time.UTC)
	o := New(s,
		WithKeyGenerator(testutil.NewSequenceKeys("key")),
		WithClock(func() time.Time { return at }),
	)

	m, err := o.Enqueue(context.Background(), "UPDATE_USER", map[string]any{"name": "Jo", "id": "u1"})
	require.NoError(t, err)

	assert.Equal(t, int64(1), m.ID)
	assert.Equal(t, "UPDATE_USER", m.Type)
	assert.Equal(t, `{"id":"u1","name":"Jo"}`, string(m.Payload))
	assert.Equal(t, "key-0001", m.IdempotencyKey)
	assert.Equal(t, at, m.EnqueuedAt)
}

func TestEnqueue_DefaultKeyIsUUIDv7(t *testing.T) {
	s, _ := openStore(t)
	o := New(s)

	m, err := o.Enqueue(context.Background(), "DELETE_USER", map[string]string{"id": "u1"})
	require.NoError(t, err)
	assert.Regexp(t, regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-7[0-9a-f]{3}-[89ab][0-9a-f]{3}-[0-9a-f]{12}$`), m.IdempotencyKey)
}

func TestEnqueue_RejectsEmptyType(t *testing.T) {
	s, _ := openStore(t)
	_, err := New(s).Enqueue(context.Background(), "", nil)
	assert.Error(t, err)
}

func TestEnqueue_RejectsUnencodablePayload(t *testing.T) {
	s, _ := openStore(t)
	_, err := New(s).Enqueue(context.Background(), "X", make(chan int))
	assert.Error(t, err)

	n, _ := New(s).Len(context.Background())
	assert.Equal(t, 0, n)
}

func TestPending_AscendingOrder(t *testing.T) {
	s, _ := openStore(t)
	o := New(s)
	ctx := context.Background()

	for _, typ := range []string{"A", "B", "C"} {
		_, err := o.Enqueue(ctx, typ, map[string]string{"t": typ})
		require.NoError(t, err)
	}

	pending, err := o.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.Equal(t, "A", pending[0].Type)
	assert.Equal(t, "B", pending[1].Type)
	assert.Equal(t, "C", pending[2].Type)
	assert.Less(t, pending[0].ID, pending[1].ID)
	assert.Less(t, pending[1].ID, pending[2].ID)
}

func TestPending_ConcurrentEnqueueIDsUnique(t *testing.T) {
	s, _ := openStore(t)
	o := New(s)
	ctx := context.Background()

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := o.Enqueue(ctx, "SEND_CHAT_MESSAGE", map[string]int{"i": i})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	pending, err := o.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, n)
	for i := 1; i < n; i++ {
		assert.Greater(t, pending[i].ID, pending[i-1].ID)
	}
}

func TestRemove_AndLen(t *testing.T) {
	s, _ := openStore(t)
	o := New(s)
	ctx := context.Background()

	a, _ := o.Enqueue(ctx, "A", nil)
	_, _ = o.Enqueue(ctx, "B", nil)

	require.NoError(t, o.Remove(ctx, a.ID))
	require.NoError(t, o.Remove(ctx, a.ID), "second remove is a no-op")

	n, err := o.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRecordFailure(t *testing.T) {
	s, _ := openStore(t)
	o := New(s)
	ctx := context.Background()

	m, _ := o.Enqueue(ctx, "CREATE_SESSION", map[string]string{"title": "x"})
	require.NoError(t, o.RecordFailure(ctx, m.ID, errors.New("HTTP 500")))

	pending, _ := o.Pending(ctx)
	require.Len(t, pending, 1)
	assert.Equal(t, 1, pending[0].Attempts)
	assert.Equal(t, "HTTP 500", pending[0].LastError)
}

func TestOutbox_SurvivesRestart(t *testing.T) {
	s, path := openStore(t)
	ctx := context.Background()

	_, err := New(s).Enqueue(ctx, "UPDATE_USER", map[string]string{"id": "u1"})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s2, err := store.Open(path)
	require.NoError(t, err)
	defer s2.Close()

	pending, err := New(s2).Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "UPDATE_USER", pending[0].Type)
}

func TestDigest_StableAcrossKeyOrder(t *testing.T) {
	s, _ := openStore(t)
	o := New(s)
	ctx := context.Background()

	a, _ := o.Enqueue(ctx, "UPDATE_USER", map[string]string{"id": "u1", "name": "Jo"})
	b, _ := o.Enqueue(ctx, "UPDATE_USER", []byte(`{"name":"Jo","id":"u1"}`))
	c, _ := o.Enqueue(ctx, "DELETE_USER", map[string]string{"id": "u1", "name": "Jo"})

	assert.Equal(t, a.Digest(), b.Digest())
	assert.NotEqual(t, a.Digest(), c.Digest())
}

type failingQueue struct{ Queue }

func (failingQueue) Append(context.Context, string, store.QueueItem) (int64, error) {
	return 0, errors.New("database is locked")
}

func TestEnqueue_StorageErrorIsCoded(t *testing.T) {
	_, err := New(failingQueue{}).Enqueue(context.Background(), "A", nil)
	require.Error(t, err)
	assert.Equal(t, syncerr.CodeStorage, syncerr.CodeOf(err))
}

func TestEnqueue_KeepsPayloadBytes(t *testing.T) {
	s, _ := openStore(t)
	o := New(s)
	ctx := context.Background()

	// Decomposed "Jose\u0301" with keys out of order, raw and escaped.
	raw := []byte("{\"name\":\"Jose\u0301\",\"id\":\"u1\"}")
	escaped := []byte(`{"name":"Jose\u0301","id":"u1"}`)
	_, err := o.Enqueue(ctx, "UPDATE_USER", raw)
	require.NoError(t, err)
	_, err = o.Enqueue(ctx, "UPDATE_USER", map[string]string{"name": "Jose\u0301"})
	require.NoError(t, err)
	_, err = o.Enqueue(ctx, "UPDATE_USER", escaped)
	require.NoError(t, err)

	pending, err := o.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.Equal(t, string(raw), string(pending[0].Payload))
	assert.Equal(t, "{\"name\":\"Jose\u0301\"}", string(pending[1].Payload))
	assert.Equal(t, string(escaped), string(pending[2].Payload))

	// The digest still identifies the precomposed spelling as equal content.
	nfc, err := o.Enqueue(ctx, "UPDATE_USER", []byte(`{"id":"u1","name":"Jos\u00e9"}`))
	require.NoError(t, err)
	assert.Equal(t, pending[0].Digest(), nfc.Digest())
	assert.Equal(t, pending[0].Digest(), pending[2].Digest())
}

func TestEnqueueWithKey_UsesGivenKey(t *testing.T) {
	s, _ := openStore(t)
	o := New(s, WithKeyGenerator(testutil.NewSequenceKeys("k")))
	ctx := context.Background()

	key := o.NewKey()
	assert.Equal(t, "k-0001", key)

	m, err := o.EnqueueWithKey(ctx, "CREATE_SESSION", map[string]string{"title": "x"}, key)
	require.NoError(t, err)
	assert.Equal(t, key, m.IdempotencyKey)

	pending, err := o.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, key, pending[0].IdempotencyKey)

	_, err = o.EnqueueWithKey(ctx, "CREATE_SESSION", nil, "")
	assert.Error(t, err)
}
