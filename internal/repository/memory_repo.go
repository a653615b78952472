package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/segmentio/ksuid"

	"instdocs/internal/models"
	"instdocs/internal/protocol"
)

var ErrBranchNotFound = errors.New("branch not found")

// MaxSizeError rejects a batch that would grow a branch past its limit.
type MaxSizeError struct {
	Size    int64
	MaxSize int64
}

func (e *MaxSizeError) Error() string {
	return fmt.Sprintf("branch would grow to %d bytes, limit is %d", e.Size, e.MaxSize)
}

// MemoryRepository keeps branches in memory. It backs the server when no
// database is configured, and tests.
type MemoryRepository struct {
	mu       sync.RWMutex
	branches map[string]*memoryBranch
}

type memoryBranch struct {
	branch  models.Branch
	updates []*models.BranchUpdate
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{branches: make(map[string]*memoryBranch)}
}

func (r *MemoryRepository) AppendUpdates(ctx context.Context, ref protocol.BranchRef, updates []string, connectionID string, maxSize int64) (*models.Branch, []*models.BranchUpdate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := ref.Key()
	mb, ok := r.branches[key]
	if !ok {
		now := time.Now()
		mb = &memoryBranch{branch: *models.NewBranch(ref)}
		mb.branch.CreatedAt = now
		mb.branch.UpdatedAt = now
		r.branches[key] = mb
	}

	added := batchSize(updates)
	if maxSize > 0 && mb.branch.Size+added > maxSize {
		return nil, nil, &MaxSizeError{Size: mb.branch.Size + added, MaxSize: maxSize}
	}

	stored := newUpdates(&mb.branch, updates, connectionID)
	for _, u := range stored {
		u.ID = ksuid.New().String()
	}
	mb.updates = append(mb.updates, stored...)
	mb.branch.UpdatedAt = time.Now()

	branch := mb.branch
	return &branch, stored, nil
}

func (r *MemoryRepository) GetUpdates(ctx context.Context, key string) ([]*models.BranchUpdate, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	mb, ok := r.branches[key]
	if !ok {
		return nil, nil
	}
	return append([]*models.BranchUpdate(nil), mb.updates...), nil
}

func (r *MemoryRepository) GetBranch(ctx context.Context, key string) (*models.Branch, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	mb, ok := r.branches[key]
	if !ok {
		return nil, nil
	}
	branch := mb.branch
	return &branch, nil
}

func (r *MemoryRepository) ListBranches(ctx context.Context, filter models.BranchFilter) ([]*models.Branch, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*models.Branch
	for _, mb := range r.branches {
		if filter.RecordName != "" && mb.branch.RecordName != filter.RecordName {
			continue
		}
		if filter.Inst != "" && mb.branch.Inst != filter.Inst {
			continue
		}
		branch := mb.branch
		out = append(out, &branch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })

	if filter.Limit > 0 {
		start := min(filter.Offset, len(out))
		end := min(start+filter.Limit, len(out))
		out = out[start:end]
	}
	return out, nil
}

func (r *MemoryRepository) DeleteBranch(ctx context.Context, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.branches[key]; !ok {
		return ErrBranchNotFound
	}
	delete(r.branches, key)
	return nil
}

func (r *MemoryRepository) ReplaceUpdates(ctx context.Context, key string, upTo int64, merged string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	mb, ok := r.branches[key]
	if !ok {
		return ErrBranchNotFound
	}

	kept := []*models.BranchUpdate{{
		ID:        ksuid.New().String(),
		BranchKey: key,
		Seq:       upTo,
		Update:    merged,
		Size:      int64(len(merged)),
		CreatedAt: time.Now(),
	}}
	for _, u := range mb.updates {
		if u.Seq > upTo {
			kept = append(kept, u)
		}
	}
	mb.updates = kept
	mb.branch.Size = 0
	for _, u := range kept {
		mb.branch.Size += u.Size
	}
	mb.branch.UpdateCount = int64(len(kept))
	return nil
}

func batchSize(updates []string) int64 {
	var n int64
	for _, u := range updates {
		n += int64(len(u))
	}
	return n
}

// newUpdates builds the rows for updates and advances the branch counters.
func newUpdates(branch *models.Branch, updates []string, connectionID string) []*models.BranchUpdate {
	now := time.Now()
	stored := make([]*models.BranchUpdate, 0, len(updates))
	for _, u := range updates {
		branch.LastSeq++
		branch.Size += int64(len(u))
		branch.UpdateCount++
		stored = append(stored, &models.BranchUpdate{
			BranchKey:    branch.Key,
			Seq:          branch.LastSeq,
			Update:       u,
			Size:         int64(len(u)),
			ConnectionID: connectionID,
			CreatedAt:    now,
		})
	}
	return stored
}
