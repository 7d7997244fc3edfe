package daemon

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"

	"github.com/matheus3301/wppsync/internal/api"
	"github.com/matheus3301/wppsync/internal/client"
	"github.com/matheus3301/wppsync/internal/config"
	"github.com/matheus3301/wppsync/internal/lock"
	"github.com/matheus3301/wppsync/internal/session"
	"github.com/matheus3301/wppsync/internal/status"
	"github.com/matheus3301/wppsync/internal/store"
)

// testHome points the session tree at a short temp dir. macOS limits Unix
// socket paths to 104 bytes, so t.TempDir() is too long there.
func testHome(t *testing.T) {
	t.Helper()
	dir, err := os.MkdirTemp("/tmp", "wppsync-d-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	t.Setenv(session.HomeEnv, dir)
}

type fakeAPI struct {
	srv   *httptest.Server
	chats chan string
}

func newFakeAPI(t *testing.T) *fakeAPI {
	t.Helper()
	f := &fakeAPI{chats: make(chan string, 16)}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct{ ChatId string }
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.chats <- body.ChatId
		w.WriteHeader(http.StatusCreated)
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func testConfig(baseURL string) *config.Config {
	cfg := config.Default()
	cfg.API.BaseURL = baseURL
	cfg.Connectivity.Mode = "static"
	cfg.Sync.BaseDelay = config.D(time.Millisecond)
	cfg.Sync.MaxDelay = config.D(time.Millisecond)
	cfg.Metrics.Listen = "127.0.0.1:0"
	return cfg
}

func TestFxModuleWiring(t *testing.T) {
	testHome(t)
	p := Params{SessionName: "fxtest", Config: testConfig("http://127.0.0.1:1")}
	if err := fx.ValidateApp(Module(p), fx.NopLogger); err != nil {
		t.Fatalf("ValidateApp() error = %v", err)
	}
}

func TestDaemonLifecycle(t *testing.T) {
	testHome(t)
	remote := newFakeAPI(t)
	p := Params{SessionName: "test", Config: testConfig(remote.srv.URL)}

	var (
		srv     *Server
		metrics *MetricsServer
	)
	app := fxtest.New(t, Module(p), fx.NopLogger, fx.Populate(&srv, &metrics))
	app.RequireStart()

	if srv.SocketPath() != session.SocketPath("test") {
		t.Errorf("socket = %q, want %q", srv.SocketPath(), session.SocketPath("test"))
	}
	info, err := os.Stat(srv.SocketPath())
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("socket permission = %o, want 0600", perm)
	}

	c, err := client.New(srv.SocketPath())
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = c.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := c.Outbox.Enqueue(ctx, &api.EnqueueRequest{ChatID: "c1", Content: "hola"}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	// Enqueue while reachable triggers a drain.
	select {
	case chat := <-remote.chats:
		if chat != "c1" {
			t.Errorf("delivered chat = %q, want c1", chat)
		}
	case <-ctx.Done():
		t.Fatal("message not delivered")
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		st, err := c.Outbox.GetSyncState(ctx, &api.GetSyncStateRequest{})
		if err != nil {
			t.Fatal(err)
		}
		if st.PendingCount == 0 && st.Phase == string(status.Idle) {
			if !st.Reachable {
				t.Error("static connectivity reported unreachable")
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("state = %+v, want idle with nothing pending", st)
		}
		time.Sleep(10 * time.Millisecond)
	}

	resp, err := http.Get("http://" + metrics.Addr() + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	var h Health
	_ = json.NewDecoder(resp.Body).Decode(&h)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK || h.Session != "test" {
		t.Errorf("healthz = %d %+v", resp.StatusCode, h)
	}

	resp, err = http.Get("http://" + metrics.Addr() + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("metrics status = %d", resp.StatusCode)
	}

	app.RequireStop()

	if _, err := os.Stat(srv.SocketPath()); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("socket left behind: %v", err)
	}
	if _, err := lock.ReadHolder(session.LockPath("test")); !errors.Is(err, lock.ErrNotHeld) {
		t.Errorf("lock still held after stop: %v", err)
	}

	// The periodic drain registration survives the process.
	db, err := store.Open(session.OutboxDBPath("test"))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = db.Close() }()
	job, err := db.GetJob(context.Background(), PeriodicDrainJob)
	if err != nil {
		t.Fatalf("GetJob() error = %v", err)
	}
	if job.Interval != p.Config.Schedule.PeriodicInterval.Duration {
		t.Errorf("interval = %v, want %v", job.Interval, p.Config.Schedule.PeriodicInterval)
	}
}

func TestPendingSurvivesRestart(t *testing.T) {
	testHome(t)
	remote := newFakeAPI(t)

	// First run is offline: the probe target refuses connections.
	offline := testConfig(remote.srv.URL)
	offline.Store.Backend = "bolt"
	offline.Metrics.Listen = ""
	offline.Connectivity.Mode = "probe"
	offline.Connectivity.ProbeAddress = "127.0.0.1:1"
	offline.Connectivity.ProbeTimeout = config.D(100 * time.Millisecond)
	offline.Connectivity.ProbeInterval = config.D(time.Hour)
	p := Params{SessionName: "restart", Config: offline}

	var srv *Server
	app := fxtest.New(t, Module(p), fx.NopLogger, fx.Populate(&srv))
	app.RequireStart()
	c, err := client.New(srv.SocketPath())
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := c.Outbox.Enqueue(ctx, &api.EnqueueRequest{ChatID: "c2", Content: "later", MaxAttempts: 10}); err != nil {
		t.Fatal(err)
	}
	_ = c.Close()
	app.RequireStop()

	select {
	case chat := <-remote.chats:
		t.Fatalf("delivered %q while offline", chat)
	default:
	}

	online := testConfig(remote.srv.URL)
	online.Store.Backend = "bolt"
	online.Metrics.Listen = ""
	p.Config = online
	app = fxtest.New(t, Module(p), fx.NopLogger, fx.Populate(&srv))
	app.RequireStart()
	defer app.RequireStop()

	select {
	case chat := <-remote.chats:
		if chat != "c2" {
			t.Errorf("delivered chat = %q, want c2", chat)
		}
	case <-ctx.Done():
		t.Fatal("entry from previous run not delivered after restart")
	}
}

func TestSecondInstanceFails(t *testing.T) {
	testHome(t)
	held, err := lock.Acquire(session.LockPath("busy"))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = held.Release() }()

	app := fx.New(Module(Params{SessionName: "busy", Config: testConfig("http://127.0.0.1:1")}), fx.NopLogger)
	var lockErr *lock.LockHeldError
	if !errors.As(app.Err(), &lockErr) {
		t.Fatalf("app.Err() = %v, want LockHeldError", app.Err())
	}
}

func TestInvalidConfigFails(t *testing.T) {
	testHome(t)
	cfg := testConfig("")
	app := fx.New(Module(Params{SessionName: "bad", Config: cfg}), fx.NopLogger)
	if app.Err() == nil {
		t.Fatal("app started with an http transport and no base url")
	}
}

func TestHealthzReportsError(t *testing.T) {
	m := status.NewMachine(nil)
	_ = m.Begin()
	_ = m.Finish(status.Error, time.Now())

	rec := httptest.NewRecorder()
	NewRouter("main", m, reachable(false)).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("code = %d, want 503", rec.Code)
	}
	var h Health
	if err := json.Unmarshal(rec.Body.Bytes(), &h); err != nil {
		t.Fatal(err)
	}
	if h.Phase != "error" || h.Reachable || h.LastSyncAt == 0 {
		t.Errorf("health = %+v", h)
	}
}

type reachable bool

func (r reachable) IsReachable() bool { return bool(r) }

func TestNewMetricsServerDisabled(t *testing.T) {
	m := NewMetricsServer("", http.NotFoundHandler(), nil)
	if m != nil {
		t.Fatal("empty listen address produced a server")
	}
	if err := m.Start(); err != nil {
		t.Errorf("nil Start() = %v", err)
	}
	m.Stop(context.Background())
}
