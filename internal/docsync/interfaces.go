package docsync

import (
	"context"

	"instdocs/internal/auth"
	"instdocs/internal/crdt"
	"instdocs/internal/protocol"
)

// Transport is the branch records client a remote document syncs through.
// Channels returned by the Watch methods are closed when ctx is done.
type Transport interface {
	GetBranchUpdates(ctx context.Context, ref protocol.BranchRef) (*protocol.BranchUpdates, error)
	WatchBranchUpdates(ctx context.Context, ref protocol.BranchRef) (<-chan protocol.BranchEvent, error)
	AddUpdates(ctx context.Context, ref protocol.BranchRef, updates []string) error
	SendAction(ctx context.Context, ref protocol.BranchRef, action protocol.Action) error

	// ConnectionState delivers the current state first, then every change.
	ConnectionState(ctx context.Context) <-chan protocol.ConnectionState
	WatchRateLimitExceeded(ctx context.Context) <-chan protocol.RateLimitExceeded

	Info() *protocol.ConnectionInfo
	Indicator() protocol.ConnectionIndicator
	Origin() string
}

// AuthRequester receives requests to recover from authorization failures.
type AuthRequester interface {
	SendAuthRequest(req auth.Request)
}

// Persistence stores a document locally.
type Persistence interface {
	WaitForInit(ctx context.Context) error
	Synced() bool
	Close() error
}

// PersistenceOpener opens local persistence for doc under key.
type PersistenceOpener func(key string, doc *crdt.Doc, encryptionKey string) (Persistence, error)
