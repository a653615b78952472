package docsync

import (
	"context"
	"encoding/base64"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"instdocs/internal/auth"
	"instdocs/internal/crdt"
	"instdocs/internal/protocol"
)

// fakeTransport records every call as the protocol message it would send.
// Events sent on events reach the open watch until its ctx is done.
type fakeTransport struct {
	mu      sync.Mutex
	log     []protocol.Message
	initial protocol.BranchUpdates

	states     chan protocol.ConnectionState
	events     chan protocol.BranchEvent
	limits     chan protocol.RateLimitExceeded
	watchEnded chan struct{}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		states:     make(chan protocol.ConnectionState, 16),
		events:     make(chan protocol.BranchEvent, 16),
		limits:     make(chan protocol.RateLimitExceeded, 16),
		watchEnded: make(chan struct{}),
	}
}

func (f *fakeTransport) record(msg protocol.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.log = append(f.log, msg)
}

func (f *fakeTransport) sent(typ protocol.MessageType) []protocol.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []protocol.Message
	for _, m := range f.log {
		if m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}

func (f *fakeTransport) types() []protocol.MessageType {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]protocol.MessageType, len(f.log))
	for i, m := range f.log {
		out[i] = m.Type
	}
	return out
}

func branchMessage(typ protocol.MessageType, ref protocol.BranchRef) protocol.Message {
	return protocol.Message{Type: typ, RecordName: ref.RecordName, Inst: ref.Inst, Branch: ref.Branch}
}

func (f *fakeTransport) GetBranchUpdates(ctx context.Context, ref protocol.BranchRef) (*protocol.BranchUpdates, error) {
	f.record(branchMessage(protocol.GetUpdatesMessage, ref))
	res := f.initial
	return &res, nil
}

func (f *fakeTransport) WatchBranchUpdates(ctx context.Context, ref protocol.BranchRef) (<-chan protocol.BranchEvent, error) {
	f.record(branchMessage(protocol.WatchBranchMessage, ref))
	out := make(chan protocol.BranchEvent)
	go func() {
		defer close(f.watchEnded)
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-f.events:
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (f *fakeTransport) AddUpdates(ctx context.Context, ref protocol.BranchRef, updates []string) error {
	msg := branchMessage(protocol.AddUpdatesMessage, ref)
	msg.Updates = updates
	f.record(msg)
	return nil
}

func (f *fakeTransport) SendAction(ctx context.Context, ref protocol.BranchRef, action protocol.Action) error {
	msg := branchMessage(protocol.SendActionMessage, ref)
	msg.Action = &action
	f.record(msg)
	return nil
}

func (f *fakeTransport) ConnectionState(ctx context.Context) <-chan protocol.ConnectionState {
	return f.states
}

func (f *fakeTransport) WatchRateLimitExceeded(ctx context.Context) <-chan protocol.RateLimitExceeded {
	return f.limits
}

func (f *fakeTransport) Info() *protocol.ConnectionInfo { return nil }

func (f *fakeTransport) Indicator() protocol.ConnectionIndicator {
	return protocol.ConnectionIndicator{ConnectionID: "conn-1"}
}

func (f *fakeTransport) Origin() string { return "test-origin" }

// storedPersistence stands in for the local store. Opening it applies the
// stored update, if any, the way the store loads a branch.
type storedPersistence struct {
	stored string
	closed atomic.Bool
}

func (p *storedPersistence) opener() PersistenceOpener {
	return func(key string, doc *crdt.Doc, encryptionKey string) (Persistence, error) {
		if p.stored != "" {
			blob, err := base64.StdEncoding.DecodeString(p.stored)
			if err != nil {
				return nil, err
			}
			if err := doc.ApplyUpdate(blob, "disk"); err != nil {
				return nil, err
			}
		}
		return p, nil
	}
}

func (p *storedPersistence) WaitForInit(ctx context.Context) error { return nil }
func (p *storedPersistence) Synced() bool                          { return true }

func (p *storedPersistence) Close() error {
	p.closed.Store(true)
	return nil
}

type recordingAuth struct {
	mu       sync.Mutex
	requests []auth.Request
}

func (a *recordingAuth) SendAuthRequest(req auth.Request) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.requests = append(a.requests, req)
}

func (a *recordingAuth) all() []auth.Request {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]auth.Request(nil), a.requests...)
}

// collector gathers stream values delivered on other goroutines.
type collector[T any] struct {
	mu     sync.Mutex
	values []T
}

func (c *collector[T]) add(v T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values = append(c.values, v)
}

func (c *collector[T]) all() []T {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]T(nil), c.values...)
}

func (c *collector[T]) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.values)
}

func openRemote(t *testing.T, cfg Config) (*SharedDocument, *fakeTransport, *recordingAuth) {
	t.Helper()
	return openRemoteWith(t, cfg, nil)
}

func openRemoteWith(t *testing.T, cfg Config, p *storedPersistence) (*SharedDocument, *fakeTransport, *recordingAuth) {
	t.Helper()
	transport := newFakeTransport()
	requester := &recordingAuth{}
	factory := &Factory{Transport: transport, Auth: requester}
	if p != nil {
		factory.Persistence = p.opener()
		cfg.LocalPersistence = &LocalPersistenceConfig{SaveToDisk: true}
	}
	if cfg.Branch == "" {
		cfg.Branch = "main"
	}
	if cfg.Inst == "" {
		cfg.Inst = "inst"
	}
	d, err := factory.Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d, transport, requester
}

func latestStatus(d *SharedDocument, typ StatusType) (StatusUpdate, bool) {
	var (
		found StatusUpdate
		ok    bool
	)
	unsubscribe := d.StatusUpdates().Subscribe(func(s StatusUpdate) {
		if s.Type == typ {
			found, ok = s, true
		}
	})
	unsubscribe()
	return found, ok
}

func waitSynced(t *testing.T, d *SharedDocument, want bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		s, ok := latestStatus(d, StatusSync)
		return ok && s.Synced == want
	}, time.Second, 5*time.Millisecond)
}

func remoteUpdate(t *testing.T, edit func(*SharedDocument)) string {
	t.Helper()
	other := NewLocalDocument(Config{Branch: "main"})
	t.Cleanup(func() { _ = other.Close() })
	edit(other)
	return other.GetStateUpdate().Update
}

func TestStaticLoad(t *testing.T) {
	d, transport, _ := openRemote(t, Config{RecordName: "rec", Static: true})
	transport.initial = protocol.BranchUpdates{
		Updates: []string{remoteUpdate(t, func(o *SharedDocument) {
			require.NoError(t, o.GetMap("m").Set("k", "v"))
		})},
		Timestamps: []int64{1},
	}

	require.NoError(t, d.Connect(context.Background()))

	assert.Equal(t, []protocol.Message{{
		Type:       protocol.GetUpdatesMessage,
		RecordName: "rec",
		Inst:       "inst",
		Branch:     "main",
	}}, transport.log)
	v, ok := d.GetMap("m").Get("k")
	require.True(t, ok)
	assert.Equal(t, "v", v)

	s, ok := latestStatus(d, StatusSync)
	require.True(t, ok)
	assert.True(t, s.Synced)
	_, ok = latestStatus(d, StatusAuthorization)
	assert.False(t, ok)

	assert.True(t, d.ReadOnly())
	require.NoError(t, d.GetMap("m").Set("local", 1))
	assert.Empty(t, transport.sent(protocol.AddUpdatesMessage))
	assert.ErrorIs(t, d.SendAction(context.Background(), protocol.Action{Type: "x"}), ErrNotConnected)
}

func TestWatchAppliesRemoteUpdatesWithoutEcho(t *testing.T) {
	d, transport, _ := openRemote(t, Config{})
	require.NoError(t, d.Connect(context.Background()))
	assert.Equal(t, []protocol.MessageType{protocol.WatchBranchMessage}, transport.types())

	transport.states <- protocol.ConnectionState{Connected: true, Info: &protocol.ConnectionInfo{ConnectionID: "c1", UserID: "u1"}}
	transport.events <- protocol.BranchEvent{
		Type: protocol.BranchUpdatesEvent,
		Updates: []string{remoteUpdate(t, func(o *SharedDocument) {
			require.NoError(t, o.GetArray("list").Push("remote"))
		})},
	}
	waitSynced(t, d, true)

	assert.Equal(t, []any{"remote"}, d.GetArray("list").ToJSON())
	assert.Empty(t, transport.sent(protocol.AddUpdatesMessage))

	authn, ok := latestStatus(d, StatusAuthentication)
	require.True(t, ok)
	assert.Equal(t, "c1", authn.Info.ConnectionID)
	authz, ok := latestStatus(d, StatusAuthorization)
	require.True(t, ok)
	assert.True(t, authz.Authorized)
}

func TestLocalEditsAreSent(t *testing.T) {
	d, transport, _ := openRemote(t, Config{RecordName: "rec"})
	require.NoError(t, d.Connect(context.Background()))

	var published collector[string]
	d.Updates().Subscribe(published.add)

	require.NoError(t, d.GetMap("m").Set("a", 1))

	sent := transport.sent(protocol.AddUpdatesMessage)
	require.Len(t, sent, 1)
	assert.Equal(t, "rec", sent[0].RecordName)
	require.Len(t, sent[0].Updates, 1)
	assert.Equal(t, published.all(), sent[0].Updates)

	other := NewLocalDocument(Config{Branch: "main"})
	require.NoError(t, other.ApplyStateUpdates([]protocol.InstUpdate{{Update: sent[0].Updates[0]}}))
	v, _ := other.GetMap("m").Get("a")
	assert.Equal(t, float64(1), v)
}

func TestReadOnlySuppressesSending(t *testing.T) {
	d, transport, _ := openRemote(t, Config{ReadOnly: true})
	require.NoError(t, d.Connect(context.Background()))

	var published collector[string]
	d.Updates().Subscribe(published.add)

	require.NoError(t, d.GetText("t").Insert(0, "hi", nil))
	assert.Empty(t, transport.sent(protocol.AddUpdatesMessage))
	assert.Zero(t, published.len())
	assert.Equal(t, "hi", d.GetText("t").String())
}

func TestFirstEmptyBatchSyncs(t *testing.T) {
	d, transport, _ := openRemote(t, Config{})
	require.NoError(t, d.Connect(context.Background()))

	var errs collector[error]
	d.Errors().Subscribe(errs.add)

	transport.events <- protocol.BranchEvent{Type: protocol.BranchUpdatesEvent}
	waitSynced(t, d, true)
	assert.Zero(t, errs.len())
	assert.Empty(t, transport.sent(protocol.AddUpdatesMessage))
}

func TestAuthorizationDenied(t *testing.T) {
	d, transport, requester := openRemote(t, Config{RecordName: "rec"})
	require.NoError(t, d.Connect(context.Background()))

	transport.events <- protocol.BranchEvent{
		Type:    protocol.BranchWatchResultEvent,
		Success: false,
		Error: &protocol.ErrorInfo{
			Code:    protocol.CodeNotAuthorized,
			Message: "nope",
			Reason:  "missing_permission",
		},
	}

	require.Eventually(t, func() bool { return len(requester.all()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, auth.Request{
		Origin:       "test-origin",
		Kind:         auth.KindNotAuthorized,
		ErrorCode:    protocol.CodeNotAuthorized,
		ErrorMessage: "nope",
		Resource:     auth.Resource{Type: "inst", RecordName: "rec", Inst: "inst", Branch: "main"},
		Reason:       "missing_permission",
	}, requester.all()[0])

	s, ok := latestStatus(d, StatusAuthorization)
	require.True(t, ok)
	assert.False(t, s.Authorized)
	require.NotNil(t, s.Error)
	assert.Equal(t, protocol.CodeNotAuthorized, s.Error.Code)
}

func TestRejectedLoginAsksForAuth(t *testing.T) {
	d, transport, requester := openRemote(t, Config{RecordName: "rec"})
	require.NoError(t, d.Connect(context.Background()))

	transport.states <- protocol.ConnectionState{
		Connected: false,
		Error:     &protocol.ErrorInfo{Code: protocol.CodeSessionExpired, Message: "session expired"},
	}

	require.Eventually(t, func() bool { return len(requester.all()) == 1 }, time.Second, 5*time.Millisecond)
	req := requester.all()[0]
	assert.Equal(t, auth.KindNotAuthorized, req.Kind)
	assert.Equal(t, protocol.CodeSessionExpired, req.ErrorCode)
	assert.Equal(t, auth.Resource{Type: "inst", RecordName: "rec", Inst: "inst", Branch: "main"}, req.Resource)

	authn, ok := latestStatus(d, StatusAuthentication)
	require.True(t, ok)
	assert.False(t, authn.Authenticated)
	require.NotNil(t, authn.Error)
	assert.Equal(t, protocol.CodeSessionExpired, authn.Error.Code)
	authz, ok := latestStatus(d, StatusAuthorization)
	require.True(t, ok)
	assert.False(t, authz.Authorized)
}

func TestErrorRouting(t *testing.T) {
	d, transport, requester := openRemote(t, Config{})
	require.NoError(t, d.Connect(context.Background()))

	var clientErrs collector[*protocol.ErrorInfo]
	d.ClientErrors().Subscribe(clientErrs.add)
	var errs collector[error]
	d.Errors().Subscribe(errs.add)

	transport.events <- protocol.BranchEvent{
		Type:  protocol.BranchErrorEvent,
		Error: &protocol.ErrorInfo{Code: protocol.CodeMaxSizeReached, MaxSize: 10, Size: 12},
	}
	transport.limits <- protocol.RateLimitExceeded{RetryAfter: 500}
	transport.events <- protocol.BranchEvent{
		Type:  protocol.BranchErrorEvent,
		Error: &protocol.ErrorInfo{Code: protocol.CodeServerError, Message: "boom"},
	}

	require.Eventually(t, func() bool { return clientErrs.len() == 2 && errs.len() == 1 }, time.Second, 5*time.Millisecond)
	codes := []string{clientErrs.all()[0].Code, clientErrs.all()[1].Code}
	assert.ElementsMatch(t, []string{protocol.CodeMaxSizeReached, protocol.CodeRateLimitExceeded}, codes)
	assert.ErrorContains(t, errs.all()[0], "boom")
	assert.Empty(t, requester.all())
}

func TestDisconnectClearsSync(t *testing.T) {
	d, transport, _ := openRemote(t, Config{})
	require.NoError(t, d.Connect(context.Background()))

	transport.states <- protocol.ConnectionState{Connected: true}
	transport.events <- protocol.BranchEvent{Type: protocol.BranchUpdatesEvent}
	waitSynced(t, d, true)

	transport.states <- protocol.ConnectionState{Connected: false}
	waitSynced(t, d, false)
	s, ok := latestStatus(d, StatusConnection)
	require.True(t, ok)
	assert.False(t, s.Connected)

	transport.states <- protocol.ConnectionState{Connected: true}
	transport.events <- protocol.BranchEvent{Type: protocol.BranchUpdatesEvent}
	waitSynced(t, d, true)
}

func TestActionsRelayed(t *testing.T) {
	d, transport, _ := openRemote(t, Config{})
	require.NoError(t, d.Connect(context.Background()))

	var received collector[protocol.Action]
	d.Events().Subscribe(received.add)

	transport.events <- protocol.BranchEvent{
		Type:   protocol.BranchActionEvent,
		Action: &protocol.Action{Type: "cursor", Data: []byte(`{"x":1}`), ConnectionID: "c2"},
	}
	require.Eventually(t, func() bool { return received.len() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "cursor", received.all()[0].Type)

	require.NoError(t, d.SendAction(context.Background(), protocol.Action{Type: "ping"}))
	sent := transport.sent(protocol.SendActionMessage)
	require.Len(t, sent, 1)
	assert.Equal(t, "ping", sent[0].Action.Type)
}

func TestSkipInitialLoadThenEnableCollaboration(t *testing.T) {
	d, transport, _ := openRemote(t, Config{SkipInitialLoad: true})
	require.NoError(t, d.Connect(context.Background()))
	waitSynced(t, d, true)
	assert.Empty(t, transport.types())

	var published collector[string]
	d.Updates().Subscribe(published.add)
	require.NoError(t, d.GetMap("m").Set("offline", true))
	assert.Equal(t, 1, published.len())
	assert.Empty(t, transport.sent(protocol.AddUpdatesMessage))

	d.StatusUpdates().Subscribe(func(s StatusUpdate) {
		if s.Type == StatusSync && s.Synced {
			transport.record(protocol.Message{Type: "test/synced"})
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- d.EnableCollaboration(ctx) }()

	require.Eventually(t, func() bool {
		return len(transport.sent(protocol.WatchBranchMessage)) == 1
	}, time.Second, 5*time.Millisecond)
	transport.events <- protocol.BranchEvent{Type: protocol.BranchUpdatesEvent}
	require.NoError(t, <-done)

	assert.Equal(t, []protocol.MessageType{
		"test/synced",
		protocol.WatchBranchMessage,
		protocol.AddUpdatesMessage,
		"test/synced",
	}, transport.types())

	initial := transport.sent(protocol.AddUpdatesMessage)[0]
	require.Len(t, initial.Updates, 1)
	other := NewLocalDocument(Config{Branch: "main"})
	require.NoError(t, other.ApplyStateUpdates([]protocol.InstUpdate{{Update: initial.Updates[0]}}))
	v, _ := other.GetMap("m").Get("offline")
	assert.Equal(t, true, v)

	assert.False(t, d.ReadOnly())
	require.NoError(t, d.GetMap("m").Set("online", true))
	assert.Len(t, transport.sent(protocol.AddUpdatesMessage), 2)
}

func TestStoredStateIsSentOnFirstSync(t *testing.T) {
	stored := remoteUpdate(t, func(o *SharedDocument) {
		require.NoError(t, o.GetMap("m").Set("offline", "edit"))
	})
	d, transport, _ := openRemoteWith(t, Config{}, &storedPersistence{stored: stored})
	require.NoError(t, d.Connect(context.Background()))

	v, _ := d.GetMap("m").Get("offline")
	assert.Equal(t, "edit", v)
	assert.Empty(t, transport.sent(protocol.AddUpdatesMessage))

	transport.events <- protocol.BranchEvent{Type: protocol.BranchUpdatesEvent}
	waitSynced(t, d, true)

	sent := transport.sent(protocol.AddUpdatesMessage)
	require.Len(t, sent, 1)
	other := NewLocalDocument(Config{Branch: "main"})
	require.NoError(t, other.ApplyStateUpdates([]protocol.InstUpdate{{Update: sent[0].Updates[0]}}))
	v, _ = other.GetMap("m").Get("offline")
	assert.Equal(t, "edit", v)

	// Later batches do not send the state again.
	transport.events <- protocol.BranchEvent{Type: protocol.BranchUpdatesEvent}
	require.NoError(t, d.GetMap("m").Set("online", true))
	assert.Len(t, transport.sent(protocol.AddUpdatesMessage), 2)
}

func TestEmptyStoreSendsNothingOnSync(t *testing.T) {
	d, transport, _ := openRemoteWith(t, Config{}, &storedPersistence{})
	require.NoError(t, d.Connect(context.Background()))

	transport.events <- protocol.BranchEvent{Type: protocol.BranchUpdatesEvent}
	waitSynced(t, d, true)
	assert.Empty(t, transport.sent(protocol.AddUpdatesMessage))
}

func TestCloseStopsSending(t *testing.T) {
	d, transport, _ := openRemote(t, Config{})
	require.NoError(t, d.Connect(context.Background()))
	require.NoError(t, d.Close())

	require.NoError(t, d.GetMap("m").Set("a", 1))
	assert.Empty(t, transport.sent(protocol.AddUpdatesMessage))
}

func TestCloseEndsWatchAndPersistence(t *testing.T) {
	p := &storedPersistence{}
	d, transport, _ := openRemoteWith(t, Config{}, p)
	require.NoError(t, d.Connect(context.Background()))
	transport.events <- protocol.BranchEvent{Type: protocol.BranchUpdatesEvent}
	waitSynced(t, d, true)

	require.NoError(t, d.Close())
	select {
	case <-transport.watchEnded:
	case <-time.After(time.Second):
		t.Fatal("watch still open after Close")
	}
	rs := d.strategy.(*remoteSync)
	require.Eventually(t, func() bool {
		rs.mu.Lock()
		defer rs.mu.Unlock()
		return !rs.watching
	}, time.Second, 5*time.Millisecond)
	assert.True(t, p.closed.Load())

	transport.events <- protocol.BranchEvent{
		Type: protocol.BranchUpdatesEvent,
		Updates: []string{remoteUpdate(t, func(o *SharedDocument) {
			require.NoError(t, o.GetMap("m").Set("late", true))
		})},
	}
	assert.Never(t, func() bool {
		_, ok := d.doc.GetMap("m").Get("late")
		return ok
	}, 100*time.Millisecond, 5*time.Millisecond)
}
