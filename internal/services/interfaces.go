package services

import (
	"context"

	"instdocs/internal/models"
	"instdocs/internal/protocol"
)

/*
Interfaces live with their consumers. The branch service, the compaction
workers and the HTTP API all read and write branches through
UpdateRepository; the GORM and in-memory repositories both satisfy it
without knowing about it.
*/

// UpdateRepository is the storage the branch service needs.
type UpdateRepository interface {
	AppendUpdates(ctx context.Context, ref protocol.BranchRef, updates []string, connectionID string, maxSize int64) (*models.Branch, []*models.BranchUpdate, error)
	GetUpdates(ctx context.Context, key string) ([]*models.BranchUpdate, error)
	GetBranch(ctx context.Context, key string) (*models.Branch, error)
	ListBranches(ctx context.Context, filter models.BranchFilter) ([]*models.Branch, error)
	DeleteBranch(ctx context.Context, key string) error
	ReplaceUpdates(ctx context.Context, key string, upTo int64, merged string) error
}

// UpdatePayload splits stored updates into the blob and timestamp lists the
// protocol carries.
func UpdatePayload(updates []*models.BranchUpdate) ([]string, []int64) {
	blobs := make([]string, len(updates))
	timestamps := make([]int64, len(updates))
	for i, u := range updates {
		blobs[i] = u.Update
		timestamps[i] = u.CreatedAt.UnixMilli()
	}
	return blobs, timestamps
}
