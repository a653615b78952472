package docsync

import (
	"context"

	"instdocs/internal/crdt"
	"instdocs/internal/protocol"
)

// localSync keeps a document on this machine only. Connecting is a readiness
// signal: every status layer reports true.
type localSync struct {
	d *SharedDocument
}

func (l *localSync) connect(ctx context.Context) error {
	d := l.d
	d.status.Emit(connectionStatus(true))
	d.status.Emit(authenticationStatus(&protocol.ConnectionInfo{ConnectionID: d.localID}))
	d.status.Emit(authorizationStatus(true, nil))
	d.status.Emit(syncStatus(true))
	d.log.Debug("local document connected")
	return nil
}

func (l *localSync) enableCollaboration(ctx context.Context) error {
	return nil
}

func (l *localSync) onUpdate(ev crdt.UpdateEvent) {
	if l.readOnly() {
		return
	}
	if ev.Local || ev.Origin == ApplyToInstOrigin {
		l.d.updates.Emit(encodeUpdate(ev.Update))
	}
}

func (l *localSync) readOnly() bool {
	return l.d.cfg.ReadOnly || l.d.cfg.Static
}

func (l *localSync) sendAction(ctx context.Context, action protocol.Action) error {
	return ErrNotConnected
}

func (l *localSync) close() {}
