package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/offsync/internal/admin"
	"github.com/roach88/offsync/internal/config"
	"github.com/roach88/offsync/internal/engine"
	"github.com/roach88/offsync/internal/offline"
	"github.com/roach88/offsync/internal/store"
	"github.com/roach88/offsync/internal/testutil"
)

// cliEnv is a config file pointing at a temp store and a fake backend.
type cliEnv struct {
	remote  *testutil.FakeRemote
	cfgPath string
}

func newCLIEnv(t *testing.T) *cliEnv {
	t.Helper()
	remote := testutil.NewFakeRemote(t)
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "offsync.yaml")
	body := fmt.Sprintf(`store:
  path: %s
remote:
  base_url: %s
  timeout: 5s
admin:
  listen: ""
logging:
  level: error
  format: console
`, filepath.Join(dir, "offsync.db"), remote.URL())
	require.NoError(t, os.WriteFile(cfgPath, []byte(body), 0o644))
	return &cliEnv{remote: remote, cfgPath: cfgPath}
}

// run executes the CLI with --config set and returns stdout.
func (e *cliEnv) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(buf)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(append([]string{"--config", e.cfgPath}, args...))
	err := cmd.Execute()
	return buf.String(), err
}

// queue writes a mutation while offline so it lands in the outbox.
func (e *cliEnv) queue(t *testing.T, tag string, payload any) {
	t.Helper()
	cfg, err := config.Load(e.cfgPath)
	require.NoError(t, err)
	cfg.Connectivity.Initial = "offline"
	c, err := offline.Open(cfg, nil)
	require.NoError(t, err)
	defer c.Close()
	out, err := c.Write(context.Background(), tag, payload, nil)
	require.NoError(t, err)
	require.False(t, out.Delivered())
}

type response[T any] struct {
	Status string    `json:"status"`
	Data   T         `json:"data"`
	Error  *CLIError `json:"error"`
}

func decode[T any](t *testing.T, out string) response[T] {
	t.Helper()
	var r response[T]
	require.NoError(t, json.Unmarshal([]byte(out), &r), out)
	return r
}

func TestOutboxList_Empty(t *testing.T) {
	env := newCLIEnv(t)
	out, err := env.run(t, "outbox", "list")
	require.NoError(t, err)
	assert.Equal(t, "No pending mutations.\n", out)
}

func TestOutboxList(t *testing.T) {
	env := newCLIEnv(t)
	env.queue(t, "UPDATE_USER", map[string]any{"id": "u1", "name": "Bea"})
	env.queue(t, "SEND_CHAT_MESSAGE", map[string]any{"conversation_id": "c1", "text": "hi"})

	out, err := env.run(t, "outbox", "list", "--payload")
	require.NoError(t, err)
	assert.Contains(t, out, "[1] UPDATE_USER\n")
	assert.Contains(t, out, "[2] SEND_CHAT_MESSAGE\n")
	assert.Contains(t, out, `payload:  {"id":"u1","name":"Bea"}`)
	assert.Contains(t, out, "2 pending")

	out, err = env.run(t, "--format", "json", "outbox", "list")
	require.NoError(t, err)
	resp := decode[[]admin.OutboxEntry](t, out)
	assert.Equal(t, "ok", resp.Status)
	require.Len(t, resp.Data, 2)
	assert.Equal(t, int64(1), resp.Data[0].ID)
	assert.Equal(t, "SEND_CHAT_MESSAGE", resp.Data[1].Type)
	assert.NotEmpty(t, resp.Data[0].IdempotencyKey)
	assert.NotEqual(t, resp.Data[0].IdempotencyKey, resp.Data[1].IdempotencyKey)
	assert.Contains(t, out, resp.Data[0].Digest)

	out, err = env.run(t, "outbox", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "digest:   "+resp.Data[0].Digest+"\n")
}

func TestOutboxDrop(t *testing.T) {
	env := newCLIEnv(t)
	env.queue(t, "UPDATE_USER", map[string]any{"id": "u1"})
	env.queue(t, "DELETE_USER", map[string]any{"id": "u2"})

	out, err := env.run(t, "outbox", "drop", "1")
	require.NoError(t, err)
	assert.Equal(t, "Dropped [1] UPDATE_USER\n", out)

	out, err = env.run(t, "outbox", "list")
	require.NoError(t, err)
	assert.NotContains(t, out, "UPDATE_USER")
	assert.Contains(t, out, "[2] DELETE_USER")

	_, err = env.run(t, "outbox", "drop", "1")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, err.Error(), "no pending mutation with id 1")

	_, err = env.run(t, "outbox", "drop", "abc")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestRead_Golden(t *testing.T) {
	env := newCLIEnv(t)
	require.NoError(t, env.remote.Seed("users",
		map[string]any{"id": "u1", "name": "Ann"},
		map[string]any{"id": "u2", "name": "Bob"},
	))

	out, err := env.run(t, "read", "users")
	require.NoError(t, err)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "read_users", []byte(out))
}

func TestRead_FallsBackToCache(t *testing.T) {
	env := newCLIEnv(t)
	require.NoError(t, env.remote.Seed("users", map[string]any{"id": "u1", "name": "Ann"}))

	_, err := env.run(t, "read", "users")
	require.NoError(t, err)

	env.remote.SetDown(true)
	out, err := env.run(t, "--format", "json", "read", "users")
	require.NoError(t, err)
	resp := decode[admin.CollectionItems](t, out)
	assert.Equal(t, "cache", resp.Data.Source)
	assert.NotNil(t, resp.Data.CachedAt)
	assert.NotEmpty(t, resp.Data.NetworkErr)
	require.Len(t, resp.Data.Items, 1)
	assert.JSONEq(t, `{"id":"u1","name":"Ann"}`, string(resp.Data.Items[0]))

	out, err = env.run(t, "read", "users", "--cache-only")
	require.NoError(t, err)
	assert.Contains(t, out, "users (cache, 1 items) cached ")
}

func TestRead_EmptyCacheFails(t *testing.T) {
	env := newCLIEnv(t)
	env.remote.SetDown(true)

	out, err := env.run(t, "read", "news")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "Error [EMPTY_CACHE]")
}

func TestCollections(t *testing.T) {
	env := newCLIEnv(t)
	require.NoError(t, env.remote.Seed("users",
		map[string]any{"id": "u1"},
		map[string]any{"id": "u2"},
	))
	_, err := env.run(t, "read", "users")
	require.NoError(t, err)

	out, err := env.run(t, "--format", "json", "collections")
	require.NoError(t, err)
	resp := decode[[]admin.CollectionEntry](t, out)

	byName := map[string]admin.CollectionEntry{}
	for _, e := range resp.Data {
		byName[e.Name] = e
	}
	require.Contains(t, byName, "users")
	assert.Equal(t, 2, byName["users"].Count)
	assert.NotNil(t, byName["users"].SavedAt)
	require.Contains(t, byName, "news")
	assert.Nil(t, byName["news"].SavedAt)

	out, err = env.run(t, "collections")
	require.NoError(t, err)
	assert.Contains(t, out, "never saved")
}

func TestDrain(t *testing.T) {
	env := newCLIEnv(t)
	require.NoError(t, env.remote.Seed("users", map[string]any{"id": "u1", "name": "Ann"}))
	env.queue(t, "UPDATE_USER", map[string]any{"id": "u1", "name": "Bea"})

	out, err := env.run(t, "drain", "--watch", "users")
	require.NoError(t, err)
	assert.Equal(t, "Drain #1: 1 delivered, 0 failed, 0 dropped\n", out)

	muts := env.remote.Mutations()
	require.Len(t, muts, 1)
	assert.Equal(t, "PATCH", muts[0].Method)
	assert.Equal(t, "/users/u1", muts[0].Path)
	assert.NotEmpty(t, muts[0].IdempotencyKey)

	out, err = env.run(t, "read", "users", "--cache-only")
	require.NoError(t, err)
	assert.Contains(t, out, `"name":"Bea"`)

	out, err = env.run(t, "outbox", "list")
	require.NoError(t, err)
	assert.Equal(t, "No pending mutations.\n", out)
}

func TestDrain_FailuresKeepMutations(t *testing.T) {
	env := newCLIEnv(t)
	env.queue(t, "CREATE_ANNOUNCEMENT", map[string]any{"title": "Hi"})
	env.queue(t, "LEGACY_ACTION", map[string]any{})
	env.remote.SetStatus(http.StatusInternalServerError)

	out, err := env.run(t, "drain")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "Drain #1: 0 delivered, 1 failed, 1 dropped")
	assert.Contains(t, out, "dropped [2]")

	out, err = env.run(t, "--format", "json", "outbox", "list")
	require.NoError(t, err)
	resp := decode[[]admin.OutboxEntry](t, out)
	require.Len(t, resp.Data, 1)
	assert.Equal(t, 1, resp.Data[0].Attempts)
	assert.NotEmpty(t, resp.Data[0].LastError)
}

func TestDrain_AuthExpired(t *testing.T) {
	env := newCLIEnv(t)
	env.queue(t, "UPDATE_USER", map[string]any{"id": "u1"})
	env.queue(t, "UPDATE_USER", map[string]any{"id": "u2"})
	env.remote.SetStatus(http.StatusUnauthorized)

	out, err := env.run(t, "drain")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, err.Error(), "AUTH_EXPIRED")
	assert.Contains(t, out, "0 delivered, 1 failed")
	assert.Contains(t, out, "stopped: credentials expired")
	assert.Len(t, env.remote.Mutations(), 1)
}

func TestDrain_ThroughAdmin(t *testing.T) {
	env := newCLIEnv(t)
	env.queue(t, "UPDATE_USER", map[string]any{"id": "u1", "name": "Bea"})
	c, url := adminServer(t, env)

	out, err := env.run(t, "drain", "--admin", url)
	require.NoError(t, err)
	assert.Equal(t, "Drain #1: 1 delivered, 0 failed, 0 dropped\n", out)

	report, ok := c.Engine.LastReport()
	require.True(t, ok, "the server ran the drain")
	assert.Len(t, report.Delivered, 1)
	assert.Len(t, env.remote.Mutations(), 1)

	out, err = env.run(t, "--format", "json", "drain", "--admin", url)
	require.NoError(t, err)
	resp := decode[admin.DrainSummary](t, out)
	assert.Equal(t, int64(2), resp.Data.Seq)
	assert.Empty(t, resp.Data.Delivered)
}

func TestDrain_RefusedWhileAnotherProcessDrains(t *testing.T) {
	env := newCLIEnv(t)
	env.queue(t, "UPDATE_USER", map[string]any{"id": "u1"})

	cfg, err := config.Load(env.cfgPath)
	require.NoError(t, err)
	other, err := store.Open(cfg.Store.Path)
	require.NoError(t, err)
	defer other.Close()
	held, err := other.AcquireLease(context.Background(), engine.DrainLease, "serve-process", time.Minute)
	require.NoError(t, err)
	require.True(t, held)

	_, err = env.run(t, "drain")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, err.Error(), "a drain is already running")
	assert.Empty(t, env.remote.Mutations())

	require.NoError(t, other.ReleaseLease(context.Background(), engine.DrainLease, "serve-process"))
	out, err := env.run(t, "drain")
	require.NoError(t, err)
	assert.Equal(t, "Drain #1: 1 delivered, 0 failed, 0 dropped\n", out)
	assert.Len(t, env.remote.Mutations(), 1)
}

func TestConfigValidate(t *testing.T) {
	env := newCLIEnv(t)
	out, err := env.run(t, "config", "validate")
	require.NoError(t, err)
	assert.Contains(t, out, "is valid")

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("remote:\n  timeout: soon\nconnectivity:\n  initial: maybe\n"), 0o644))
	out, err = env.run(t, "config", "validate", bad)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "Error [E_CONFIG_INVALID]")
	assert.Contains(t, out, "  - ")

	_, err = env.run(t, "config", "validate", filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestConfigShow_MasksToken(t *testing.T) {
	path := filepath.Join(t.TempDir(), "offsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte("remote:\n  token: s3cret\n"), 0o644))

	buf := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"--config", path, "config", "show"})
	require.NoError(t, cmd.Execute())

	assert.NotContains(t, buf.String(), "s3cret")
	assert.Contains(t, buf.String(), "********")
	assert.Contains(t, buf.String(), "id_field: id")
}

// adminServer runs the admin API for a client opened on env's config.
func adminServer(t *testing.T, env *cliEnv) (*offline.Client, string) {
	t.Helper()
	cfg, err := config.Load(env.cfgPath)
	require.NoError(t, err)
	c, err := offline.Open(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	srv := httptest.NewServer(admin.NewHandler(c, nil, nil).Routes())
	t.Cleanup(srv.Close)
	return c, srv.URL
}

func TestSignalAndStatus(t *testing.T) {
	env := newCLIEnv(t)
	c, url := adminServer(t, env)

	out, err := env.run(t, "signal", "offline", "--admin", url)
	require.NoError(t, err)
	assert.Equal(t, "Connectivity is now offline\n", out)
	c.Monitor.DeliverPending(context.Background())

	out, err = env.run(t, "signal", "offline", "--admin", url)
	require.NoError(t, err)
	assert.Equal(t, "Connectivity already offline\n", out)

	out, err = env.run(t, "status", "--admin", url)
	require.NoError(t, err)
	assert.Contains(t, out, "Connectivity: offline (1 transitions)")
	assert.Contains(t, out, "Pending:      0")
	assert.Contains(t, out, "Last drain:   none")

	out, err = env.run(t, "--format", "json", "status", "--admin", url)
	require.NoError(t, err)
	resp := decode[admin.Status](t, out)
	assert.Equal(t, "offline", resp.Data.Connectivity)
	assert.Equal(t, []string{}, resp.Data.Watched)

	_, err = env.run(t, "signal", "sideways", "--admin", url)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestStatus_Unreachable(t *testing.T) {
	env := newCLIEnv(t)
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := env.run(t, "status", "--admin", url)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, err.Error(), "admin server unreachable")
}

func TestNewAdminClient(t *testing.T) {
	_, err := newAdminClient("")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	c, err := newAdminClient("127.0.0.1:8787/")
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:8787", c.base)

	c, err = newAdminClient("https://ops.example.com")
	require.NoError(t, err)
	assert.Equal(t, "https://ops.example.com", c.base)
}

func TestServe_RunsUntilCancelled(t *testing.T) {
	env := newCLIEnv(t)
	addrs := make(chan string, 1)
	opts := &ServeOptions{
		RootOptions: &RootOptions{Format: "text", ConfigPath: env.cfgPath},
		Listen:      "127.0.0.1:0",
		Watch:       []string{"users"},
		ready:       func(addr string) { addrs <- addr },
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runServe(ctx, opts) }()

	var addr string
	select {
	case addr = <-addrs:
	case err := <-done:
		t.Fatalf("serve exited early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("admin server did not start")
	}

	resp, err := http.Get("http://" + addr + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get("http://" + addr + "/status")
	require.NoError(t, err)
	var st admin.Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	resp.Body.Close()
	assert.Equal(t, []string{"users"}, st.Watched)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not stop")
	}
}
