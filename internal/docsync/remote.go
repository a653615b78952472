package docsync

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"

	"instdocs/internal/auth"
	"instdocs/internal/crdt"
	"instdocs/internal/protocol"
)

const placeholderConnectionID = "anonymous"

// remoteSync keeps a document in sync with one branch of the branch service.
//
// Modes:
//   - static: fetch the branch once, never send (read-only).
//   - skip-initial: report ready immediately and stay offline until
//     EnableCollaboration; local edits are only published locally.
//   - watching: subscribe to the branch, apply what it sends and send every
//     local edit back.
type remoteSync struct {
	d         *SharedDocument
	transport Transport
	auth      AuthRequester
	ref       protocol.BranchRef

	ctx    context.Context
	cancel context.CancelFunc

	mu                 sync.Mutex
	static             bool
	skipInitial        bool
	watching           bool
	synced             bool
	sendInitialUpdates bool
}

func newRemoteSync(d *SharedDocument, transport Transport, requester AuthRequester) *remoteSync {
	ctx, cancel := context.WithCancel(context.Background())
	return &remoteSync{
		d:           d,
		transport:   transport,
		auth:        requester,
		ref:         d.cfg.ref(),
		ctx:         ctx,
		cancel:      cancel,
		static:      d.cfg.Static,
		skipInitial: d.cfg.SkipInitialLoad,
	}
}

func (r *remoteSync) connect(ctx context.Context) error {
	r.mu.Lock()
	static, skip := r.static, r.skipInitial
	r.mu.Unlock()

	switch {
	case skip:
		r.d.log.Debug("skipping initial load")
		r.emitConnected(r.transport.Info())
		r.setSynced(true)
		return nil
	case static:
		return r.loadStatic(ctx)
	default:
		if r.d.hasLocalState() {
			// State loaded from disk may hold edits that never reached the
			// branch. The first sync sends it whole.
			r.mu.Lock()
			r.sendInitialUpdates = true
			r.mu.Unlock()
		}
		return r.watch()
	}
}

func (r *remoteSync) loadStatic(ctx context.Context) error {
	res, err := r.transport.GetBranchUpdates(ctx, r.ref)
	if err != nil {
		r.d.errs.Emit(err)
		return fmt.Errorf("get branch updates: %w", err)
	}
	r.applyUpdates(res.Updates)
	r.emitConnected(r.transport.Info())
	r.setSynced(true)
	r.d.log.WithField("updates", len(res.Updates)).Debug("loaded static branch")
	return nil
}

func (r *remoteSync) watch() error {
	r.mu.Lock()
	if r.watching {
		r.mu.Unlock()
		return nil
	}
	r.watching = true
	r.mu.Unlock()

	ctx := r.ctx
	states := r.transport.ConnectionState(ctx)
	events, err := r.transport.WatchBranchUpdates(ctx, r.ref)
	if err != nil {
		r.mu.Lock()
		r.watching = false
		r.mu.Unlock()
		r.d.errs.Emit(err)
		return fmt.Errorf("watch branch: %w", err)
	}
	limits := r.transport.WatchRateLimitExceeded(ctx)

	go r.run(ctx, states, events, limits)
	return nil
}

// run handles everything the transport sends for the branch. Inbound updates
// are applied in arrival order on this goroutine.
func (r *remoteSync) run(ctx context.Context, states <-chan protocol.ConnectionState, events <-chan protocol.BranchEvent, limits <-chan protocol.RateLimitExceeded) {
	defer func() {
		r.mu.Lock()
		r.watching = false
		r.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case s, ok := <-states:
			if !ok {
				states = nil
				continue
			}
			r.handleConnection(s)
		case ev, ok := <-events:
			if !ok {
				r.d.log.Debug("branch watch ended")
				return
			}
			r.drainStates(states)
			r.handleEvent(ev)
		case l, ok := <-limits:
			if !ok {
				limits = nil
				continue
			}
			r.d.clientErrors.Emit(&protocol.ErrorInfo{
				Code:       protocol.CodeRateLimitExceeded,
				Message:    "rate limit exceeded",
				RetryAfter: l.RetryAfter,
			})
		}
	}
}

// drainStates handles connection changes that were reported before the
// branch event that is about to be handled.
func (r *remoteSync) drainStates(states <-chan protocol.ConnectionState) {
	for {
		select {
		case s, ok := <-states:
			if !ok {
				return
			}
			r.handleConnection(s)
		default:
			return
		}
	}
}

func (r *remoteSync) handleConnection(s protocol.ConnectionState) {
	if s.Connected {
		r.emitConnected(s.Info)
		return
	}
	r.mu.Lock()
	r.synced = false
	r.mu.Unlock()
	r.d.status.Emit(connectionStatus(false))
	r.d.status.Emit(syncStatus(false))
	if s.Error != nil {
		r.d.status.Emit(authenticationFailed(s.Error))
		r.denied(s.Error)
	}
}

func (r *remoteSync) emitConnected(info *protocol.ConnectionInfo) {
	if info == nil {
		id := r.transport.Indicator().ConnectionID
		if id == "" {
			id = placeholderConnectionID
		}
		info = &protocol.ConnectionInfo{ConnectionID: id}
	}
	r.d.status.Emit(connectionStatus(true))
	r.d.status.Emit(authenticationStatus(info))
}

func (r *remoteSync) setSynced(synced bool) {
	r.mu.Lock()
	r.synced = synced
	r.mu.Unlock()
	r.d.status.Emit(syncStatus(synced))
}

func (r *remoteSync) handleEvent(ev protocol.BranchEvent) {
	switch ev.Type {
	case protocol.BranchUpdatesEvent:
		r.onUpdates(ev.Updates)
	case protocol.BranchActionEvent:
		if ev.Action != nil {
			r.d.events.Emit(*ev.Action)
		}
	case protocol.BranchErrorEvent:
		r.handleError(ev.Error)
	case protocol.BranchWatchResultEvent:
		if ev.Success {
			return
		}
		info := ev.Error
		if info == nil {
			info = &protocol.ErrorInfo{Code: protocol.CodeNotAuthorized, Message: "watching the branch was refused"}
		}
		r.handleError(info)
	}
}

func (r *remoteSync) handleError(info *protocol.ErrorInfo) {
	if info == nil {
		return
	}
	switch {
	case info.Code == protocol.CodeMaxSizeReached:
		r.d.log.WithField("maxSize", info.MaxSize).Warn("branch reached its maximum size")
		r.d.clientErrors.Emit(info)
	case protocol.IsAuthorizationError(info.Code):
		r.denied(info)
	default:
		r.d.errs.Emit(info)
	}
}

// denied flags the document unauthorized and asks the auth source to recover.
// Watching continues.
func (r *remoteSync) denied(info *protocol.ErrorInfo) {
	r.d.log.WithField("code", info.Code).Warn("branch access denied")
	r.d.status.Emit(authorizationStatus(false, info))
	if r.auth == nil {
		return
	}
	r.auth.SendAuthRequest(auth.Request{
		Origin:       r.transport.Origin(),
		Kind:         auth.KindNotAuthorized,
		ErrorCode:    info.Code,
		ErrorMessage: info.Message,
		Resource: auth.Resource{
			Type:       "inst",
			RecordName: r.ref.RecordName,
			Inst:       r.ref.Inst,
			Branch:     r.ref.Branch,
		},
		Reason: info.Reason,
	})
}

// onUpdates applies a batch from the branch. The first batch after
// (re)connecting marks the document synced, even when it is empty.
func (r *remoteSync) onUpdates(updates []string) {
	r.applyUpdates(updates)

	r.mu.Lock()
	if r.synced {
		r.mu.Unlock()
		return
	}
	r.synced = true
	sendInitial := r.sendInitialUpdates
	r.sendInitialUpdates = false
	r.mu.Unlock()

	if s, ok := r.d.status.Get(StatusAuthorization); !ok || !s.Authorized {
		r.d.status.Emit(authorizationStatus(true, nil))
	}
	if sendInitial {
		state := encodeUpdate(r.d.doc.EncodeStateAsUpdate())
		if err := r.transport.AddUpdates(r.ctx, r.ref, []string{state}); err != nil {
			r.d.errs.Emit(fmt.Errorf("send initial state: %w", err))
		}
	}
	r.d.status.Emit(syncStatus(true))
}

func (r *remoteSync) applyUpdates(updates []string) {
	blobs := make([][]byte, 0, len(updates))
	for _, u := range updates {
		blob, err := base64.StdEncoding.DecodeString(u)
		if err != nil {
			r.d.errs.Emit(fmt.Errorf("decode branch update: %w", err))
			continue
		}
		blobs = append(blobs, blob)
	}
	if len(blobs) == 0 {
		return
	}

	merged, err := crdt.MergeUpdates(blobs...)
	if err == nil {
		err = r.d.doc.ApplyUpdate(merged, RemoteOrigin)
		if err != nil {
			r.d.errs.Emit(fmt.Errorf("apply branch updates: %w", err))
		}
		return
	}
	// One bad blob should not hold back the others.
	for _, blob := range blobs {
		if err := r.d.doc.ApplyUpdate(blob, RemoteOrigin); err != nil {
			r.d.errs.Emit(fmt.Errorf("apply branch update: %w", err))
		}
	}
}

func (r *remoteSync) onUpdate(ev crdt.UpdateEvent) {
	if r.readOnly() {
		return
	}
	if !ev.Local && ev.Origin != ApplyToInstOrigin {
		return
	}
	update := encodeUpdate(ev.Update)

	r.mu.Lock()
	offline := r.skipInitial
	r.mu.Unlock()
	if !offline {
		if err := r.transport.AddUpdates(r.ctx, r.ref, []string{update}); err != nil {
			r.d.errs.Emit(fmt.Errorf("send update: %w", err))
		}
	}
	r.d.updates.Emit(update)
}

func (r *remoteSync) readOnly() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.d.cfg.ReadOnly || r.static
}

func (r *remoteSync) enableCollaboration(ctx context.Context) error {
	r.mu.Lock()
	if !r.static && !r.skipInitial && r.watching && r.synced {
		r.mu.Unlock()
		return nil
	}
	if r.static || r.skipInitial {
		r.sendInitialUpdates = true
	}
	r.static = false
	r.skipInitial = false
	r.synced = false
	r.mu.Unlock()
	r.d.status.Emit(syncStatus(false))

	done := make(chan struct{})
	var once sync.Once
	unsubscribe := r.d.status.Subscribe(func(s StatusUpdate) {
		if s.Type == StatusSync && s.Synced {
			once.Do(func() { close(done) })
		}
	})
	defer unsubscribe()

	if err := r.watch(); err != nil {
		return err
	}
	r.d.log.Info("collaboration enabled")

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *remoteSync) sendAction(ctx context.Context, action protocol.Action) error {
	r.mu.Lock()
	offline := r.skipInitial || r.static
	r.mu.Unlock()
	if offline {
		return ErrNotConnected
	}
	return r.transport.SendAction(ctx, r.ref, action)
}

func (r *remoteSync) close() {
	r.cancel()
}
