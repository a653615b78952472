package client_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"instdocs/internal/auth"
	"instdocs/internal/client"
	"instdocs/internal/docsync"
	"instdocs/internal/persistence"
	"instdocs/internal/protocol"
	"instdocs/internal/repository"
	"instdocs/internal/services/collaboration"
)

var _ docsync.Transport = (*client.Client)(nil)

var mainRef = protocol.BranchRef{Inst: "inst", Branch: "main"}

// server serves the branch service from a swappable hub so tests can
// restart it behind the same URL.
type server struct {
	repo   *repository.MemoryRepository
	tokens *auth.TokenIssuer
	cfg    collaboration.HubConfig
	url    string

	mu      sync.Mutex
	hub     *collaboration.Hub
	handler http.Handler
}

func startServer(t *testing.T, cfg collaboration.HubConfig) *server {
	t.Helper()
	s := &server{
		repo:   repository.NewMemoryRepository(),
		tokens: auth.NewTokenIssuer([]byte("client-test-secret"), "instdocs", time.Hour),
		cfg:    cfg,
	}
	s.restart()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		h := s.handler
		s.mu.Unlock()
		h.ServeHTTP(w, r)
	}))
	t.Cleanup(func() {
		s.mu.Lock()
		hub := s.hub
		s.mu.Unlock()
		hub.Shutdown()
		ts.Close()
	})
	s.url = "ws" + strings.TrimPrefix(ts.URL, "http")
	return s
}

// restart drops every connection and serves from a fresh hub over the same
// store.
func (s *server) restart() {
	s.mu.Lock()
	old := s.hub
	s.mu.Unlock()
	if old != nil {
		old.Shutdown()
	}

	hub := collaboration.NewHub(s.repo, s.tokens, nil, nil, s.cfg, nil)
	hub.Start()
	s.mu.Lock()
	s.hub = hub
	s.handler = http.HandlerFunc(collaboration.NewWebSocketHandler(hub).HandleConnection)
	s.mu.Unlock()
}

func newClient(t *testing.T, srv *server, token string) *client.Client {
	t.Helper()
	c := client.New(client.Options{
		URL:            srv.url,
		Token:          token,
		RequestTimeout: 2 * time.Second,
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     50 * time.Millisecond,
	})
	t.Cleanup(func() { c.Close() })
	return c
}

func startClient(t *testing.T, srv *server, token string) *client.Client {
	t.Helper()
	c := newClient(t, srv, token)
	c.Start()
	waitConnected(t, c)
	return c
}

func waitConnected(t *testing.T, c *client.Client) {
	t.Helper()
	require.Eventually(t, func() bool { return c.Info() != nil }, 2*time.Second, 5*time.Millisecond)
}

func next[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v, ok := <-ch:
		require.True(t, ok, "channel closed")
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	panic("unreachable")
}

// nextUpdates skips events until an updates event arrives.
func nextUpdates(t *testing.T, ch <-chan protocol.BranchEvent) protocol.BranchEvent {
	t.Helper()
	for {
		ev := next(t, ch)
		if ev.Type == protocol.BranchUpdatesEvent {
			return ev
		}
	}
}

func TestConnectionState(t *testing.T) {
	srv := startServer(t, collaboration.HubConfig{})
	c := newClient(t, srv, "")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	states := c.ConnectionState(ctx)
	assert.False(t, next(t, states).Connected)

	c.Start()
	state := next(t, states)
	assert.True(t, state.Connected)
	require.NotNil(t, state.Info)
	assert.Equal(t, c.Indicator().ConnectionID, state.Info.ConnectionID)
	assert.Equal(t, state.Info, c.Info())

	cancel()
	require.Eventually(t, func() bool {
		_, ok := <-states
		return !ok
	}, time.Second, 5*time.Millisecond)
}

func TestLoginWithToken(t *testing.T) {
	srv := startServer(t, collaboration.HubConfig{})
	token, err := srv.tokens.Issue("user-1", "rec")
	require.NoError(t, err)

	c := startClient(t, srv, token)
	assert.Equal(t, "user-1", c.Info().UserID)
	assert.Equal(t, token, c.Indicator().ConnectionToken)
}

func TestRejectedLoginIsReported(t *testing.T) {
	srv := startServer(t, collaboration.HubConfig{})
	expired, err := auth.NewTokenIssuer([]byte("client-test-secret"), "instdocs", -time.Minute).Issue("user-1", "rec")
	require.NoError(t, err)

	c := newClient(t, srv, expired)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	states := c.ConnectionState(ctx)
	assert.False(t, next(t, states).Connected)

	requests := make(chan auth.Message, 4)
	source := auth.NewSource()
	defer source.Subscribe(func(m auth.Message) { requests <- m })()
	d, err := (&docsync.Factory{Transport: c, Auth: source}).Open(docsync.Config{RecordName: "rec", Inst: "inst", Branch: "main"})
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	require.NoError(t, d.Connect(context.Background()))

	c.Start()
	state := next(t, states)
	assert.False(t, state.Connected)
	require.NotNil(t, state.Error)
	assert.Equal(t, protocol.CodeSessionExpired, state.Error.Code)

	// Late subscribers learn about the rejection too.
	replayed := next(t, c.ConnectionState(ctx))
	require.NotNil(t, replayed.Error)
	assert.Equal(t, protocol.CodeSessionExpired, replayed.Error.Code)

	req := next(t, requests)
	assert.Equal(t, "request", req.Type)
	assert.Equal(t, protocol.CodeSessionExpired, req.ErrorCode)
	assert.Equal(t, "rec", req.Resource.RecordName)

	require.NoError(t, c.Close())
}

func TestGetBranchUpdates(t *testing.T) {
	srv := startServer(t, collaboration.HubConfig{})
	_, _, err := srv.repo.AppendUpdates(context.Background(), mainRef, []string{"AQ==", "Ag=="}, "seed", 0)
	require.NoError(t, err)

	c := startClient(t, srv, "")
	res, err := c.GetBranchUpdates(context.Background(), mainRef)
	require.NoError(t, err)
	assert.Equal(t, []string{"AQ==", "Ag=="}, res.Updates)
	assert.Len(t, res.Timestamps, 2)

	_, err = c.GetBranchUpdates(context.Background(), protocol.BranchRef{RecordName: "rec", Inst: "inst", Branch: "main"})
	var info *protocol.ErrorInfo
	require.ErrorAs(t, err, &info)
	assert.Equal(t, protocol.CodeNotLoggedIn, info.Code)
}

func TestWatchReceivesInitialBatchAndBroadcasts(t *testing.T) {
	srv := startServer(t, collaboration.HubConfig{})
	watcher := startClient(t, srv, "")
	writer := startClient(t, srv, "")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, err := watcher.WatchBranchUpdates(ctx, mainRef)
	require.NoError(t, err)

	result := next(t, events)
	assert.Equal(t, protocol.BranchWatchResultEvent, result.Type)
	assert.True(t, result.Success)
	assert.Empty(t, next(t, events).Updates)

	require.NoError(t, writer.AddUpdates(context.Background(), mainRef, []string{"AQ=="}))
	assert.Equal(t, []string{"AQ=="}, nextUpdates(t, events).Updates)
}

func TestWatchDeniedForPrivateRecord(t *testing.T) {
	srv := startServer(t, collaboration.HubConfig{})
	c := startClient(t, srv, "")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, err := c.WatchBranchUpdates(ctx, protocol.BranchRef{RecordName: "rec", Inst: "inst", Branch: "main"})
	require.NoError(t, err)

	ev := next(t, events)
	assert.Equal(t, protocol.BranchWatchResultEvent, ev.Type)
	assert.False(t, ev.Success)
	require.NotNil(t, ev.Error)
	assert.Equal(t, protocol.CodeNotLoggedIn, ev.Error.Code)
}

func TestOfflineUpdatesAreQueued(t *testing.T) {
	srv := startServer(t, collaboration.HubConfig{})
	watcher := startClient(t, srv, "")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, err := watcher.WatchBranchUpdates(ctx, mainRef)
	require.NoError(t, err)
	nextUpdates(t, events)

	offline := newClient(t, srv, "")
	require.NoError(t, offline.AddUpdates(context.Background(), mainRef, []string{"AQ=="}))
	offline.Start()

	assert.Equal(t, []string{"AQ=="}, nextUpdates(t, events).Updates)
}

func TestActionsRelayed(t *testing.T) {
	srv := startServer(t, collaboration.HubConfig{})
	a := startClient(t, srv, "")
	b := startClient(t, srv, "")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, err := b.WatchBranchUpdates(ctx, mainRef)
	require.NoError(t, err)
	nextUpdates(t, events)

	require.NoError(t, a.SendAction(context.Background(), mainRef, protocol.Action{Type: "ping"}))
	for {
		ev := next(t, events)
		if ev.Type != protocol.BranchActionEvent {
			continue
		}
		require.NotNil(t, ev.Action)
		assert.Equal(t, "ping", ev.Action.Type)
		assert.Equal(t, a.Indicator().ConnectionID, ev.Action.ConnectionID)
		return
	}
}

func TestRateLimitExceeded(t *testing.T) {
	srv := startServer(t, collaboration.HubConfig{RateLimit: 0.01, RateBurst: 1})
	c := startClient(t, srv, "")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	limits := c.WatchRateLimitExceeded(ctx)

	_, err := c.WatchBranchUpdates(ctx, mainRef)
	require.NoError(t, err)
	assert.Greater(t, next(t, limits).RetryAfter, int64(0))
}

func TestReconnectRewatches(t *testing.T) {
	srv := startServer(t, collaboration.HubConfig{})
	watcher := startClient(t, srv, "")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	states := watcher.ConnectionState(ctx)
	assert.True(t, next(t, states).Connected)
	events, err := watcher.WatchBranchUpdates(ctx, mainRef)
	require.NoError(t, err)
	nextUpdates(t, events)

	srv.restart()
	assert.False(t, next(t, states).Connected)
	assert.True(t, next(t, states).Connected)

	// The re-watch delivers the stored state again before live updates.
	nextUpdates(t, events)

	writer := startClient(t, srv, "")
	require.NoError(t, writer.AddUpdates(context.Background(), mainRef, []string{"AQ=="}))
	assert.Equal(t, []string{"AQ=="}, nextUpdates(t, events).Updates)
}

func TestCloseEndsSubscriptions(t *testing.T) {
	srv := startServer(t, collaboration.HubConfig{})
	c := startClient(t, srv, "")
	states := c.ConnectionState(context.Background())
	next(t, states)

	require.NoError(t, c.Close())
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-states:
			return !ok
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)

	_, err := c.WatchBranchUpdates(context.Background(), mainRef)
	assert.ErrorIs(t, err, client.ErrClosed)
	assert.ErrorIs(t, c.AddUpdates(context.Background(), mainRef, []string{"AQ=="}), client.ErrClosed)
}

func TestDocumentsConvergeThroughServer(t *testing.T) {
	srv := startServer(t, collaboration.HubConfig{})

	open := func() *docsync.SharedDocument {
		c := startClient(t, srv, "")
		factory := &docsync.Factory{Transport: c, Auth: auth.NewSource()}
		d, err := factory.Open(docsync.Config{Inst: "inst", Branch: "main"})
		require.NoError(t, err)
		t.Cleanup(func() { d.Close() })
		require.NoError(t, d.Connect(context.Background()))
		return d
	}
	first := open()
	second := open()

	require.NoError(t, first.GetMap("settings").Set("theme", "dark"))
	require.NoError(t, second.GetText("notes").Insert(0, "hello", nil))

	require.Eventually(t, func() bool {
		v, ok := second.GetMap("settings").Get("theme")
		return ok && v == "dark" && first.GetText("notes").String() == "hello"
	}, 2*time.Second, 10*time.Millisecond)

	// A late joiner rebuilds the same state from the stored updates.
	third := open()
	require.Eventually(t, func() bool {
		v, _ := third.GetMap("settings").Get("theme")
		return v == "dark" && third.GetText("notes").String() == "hello"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStoredOfflineEditsReachBranchAfterRestart(t *testing.T) {
	srv := startServer(t, collaboration.HubConfig{})
	store, err := persistence.Open(filepath.Join(t.TempDir(), "docs.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := docsync.Config{
		Inst:             "inst",
		Branch:           "main",
		LocalPersistence: &docsync.LocalPersistenceConfig{SaveToDisk: true},
	}

	// The first session never reaches the service; its queued update is lost
	// when the client closes, but the store keeps the edit.
	offline := newClient(t, srv, "")
	first, err := (&docsync.Factory{Transport: offline, Persistence: store.Opener()}).Open(cfg)
	require.NoError(t, err)
	require.NoError(t, first.Connect(context.Background()))
	require.NoError(t, first.GetMap("m").Set("offline", "edit"))
	require.NoError(t, first.Close())
	require.NoError(t, offline.Close())

	second, err := (&docsync.Factory{Transport: startClient(t, srv, ""), Persistence: store.Opener()}).Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { second.Close() })
	require.NoError(t, second.Connect(context.Background()))
	v, _ := second.GetMap("m").Get("offline")
	assert.Equal(t, "edit", v)

	reader, err := (&docsync.Factory{Transport: startClient(t, srv, "")}).Open(docsync.Config{Inst: "inst", Branch: "main"})
	require.NoError(t, err)
	t.Cleanup(func() { reader.Close() })
	require.NoError(t, reader.Connect(context.Background()))
	require.Eventually(t, func() bool {
		v, _ := reader.GetMap("m").Get("offline")
		return v == "edit"
	}, 2*time.Second, 10*time.Millisecond)
}
