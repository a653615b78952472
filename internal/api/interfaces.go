package api

import (
	"context"

	"instdocs/internal/auth"
	"instdocs/internal/models"
)

/*
The API package is the consumer of the branch store, the hub and the
compaction pool, so the interfaces it needs live here. Handlers only
declare the methods they call, which keeps them testable against the
in-memory repository.
*/

// BranchStore is the read and delete side of the update repository.
type BranchStore interface {
	GetUpdates(ctx context.Context, key string) ([]*models.BranchUpdate, error)
	GetBranch(ctx context.Context, key string) (*models.Branch, error)
	ListBranches(ctx context.Context, filter models.BranchFilter) ([]*models.Branch, error)
	DeleteBranch(ctx context.Context, key string) error
}

// SessionRegistry reports and controls live websocket sessions.
type SessionRegistry interface {
	Watchers() []models.SessionSummary
	SessionCount() int
	DisconnectBranch(key string)
}

// CompactionQueue reports the compaction backlog.
type CompactionQueue interface {
	GetQueueLength() int
}

// TokenValidator checks bearer tokens for private records.
type TokenValidator interface {
	Validate(token string) (*auth.SessionClaims, error)
}
