package repository

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"instdocs/internal/models"
	"instdocs/internal/protocol"
)

/*
BRANCH UPDATE PERSISTENCE

Query patterns:
- AppendUpdates: store a batch sent by one client, enforcing the size limit
- GetUpdates: everything a new watcher needs, in arrival order
- ReplaceUpdates: swap a compacted prefix for one merged blob

Branch rows carry the running size and the last sequence number so that
appends only need the branch row lock.
*/

// UpdateRepositoryImpl stores branches and their updates with GORM.
type UpdateRepositoryImpl struct {
	db *gorm.DB
}

// NewUpdateRepository creates a new update repository
func NewUpdateRepository(db *gorm.DB) *UpdateRepositoryImpl {
	return &UpdateRepositoryImpl{db: db}
}

// AppendUpdates stores updates at the end of the branch, creating the branch
// on first use. With maxSize > 0 a batch that would grow the branch past it is
// rejected with a *MaxSizeError and nothing is stored.
func (r *UpdateRepositoryImpl) AppendUpdates(ctx context.Context, ref protocol.BranchRef, updates []string, connectionID string, maxSize int64) (*models.Branch, []*models.BranchUpdate, error) {
	var (
		branch models.Branch
		stored []*models.BranchUpdate
	)
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&branch, "key = ?", ref.Key()).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			branch = *models.NewBranch(ref)
			err = tx.Create(&branch).Error
		}
		if err != nil {
			return err
		}

		added := batchSize(updates)
		if maxSize > 0 && branch.Size+added > maxSize {
			return &MaxSizeError{Size: branch.Size + added, MaxSize: maxSize}
		}

		stored = newUpdates(&branch, updates, connectionID)
		if len(stored) == 0 {
			return nil
		}
		if err := tx.Create(&stored).Error; err != nil {
			return err
		}
		return tx.Model(&branch).Updates(map[string]any{
			"size":         branch.Size,
			"update_count": branch.UpdateCount,
			"last_seq":     branch.LastSeq,
		}).Error
	})
	if err != nil {
		var sizeErr *MaxSizeError
		if errors.As(err, &sizeErr) {
			return nil, nil, sizeErr
		}
		return nil, nil, fmt.Errorf("failed to append updates: %w", err)
	}
	return &branch, stored, nil
}

// GetUpdates retrieves all updates of a branch in arrival order.
func (r *UpdateRepositoryImpl) GetUpdates(ctx context.Context, key string) ([]*models.BranchUpdate, error) {
	var updates []*models.BranchUpdate

	err := r.db.WithContext(ctx).
		Where("branch_key = ?", key).
		Order("seq ASC").
		Find(&updates).Error

	if err != nil {
		return nil, fmt.Errorf("failed to get branch updates: %w", err)
	}

	return updates, nil
}

// GetBranch returns nil, nil when the branch does not exist.
func (r *UpdateRepositoryImpl) GetBranch(ctx context.Context, key string) (*models.Branch, error) {
	var branch models.Branch

	err := r.db.WithContext(ctx).First(&branch, "key = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get branch: %w", err)
	}

	return &branch, nil
}

// ListBranches returns branches ordered by key.
func (r *UpdateRepositoryImpl) ListBranches(ctx context.Context, filter models.BranchFilter) ([]*models.Branch, error) {
	var branches []*models.Branch

	q := r.db.WithContext(ctx).Order("key ASC")
	if filter.RecordName != "" {
		q = q.Where("record_name = ?", filter.RecordName)
	}
	if filter.Inst != "" {
		q = q.Where("inst = ?", filter.Inst)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit).Offset(filter.Offset)
	}

	if err := q.Find(&branches).Error; err != nil {
		return nil, fmt.Errorf("failed to list branches: %w", err)
	}

	return branches, nil
}

// DeleteBranch removes a branch and all of its updates.
func (r *UpdateRepositoryImpl) DeleteBranch(ctx context.Context, key string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("branch_key = ?", key).Delete(&models.BranchUpdate{}).Error; err != nil {
			return fmt.Errorf("failed to delete branch updates: %w", err)
		}
		result := tx.Delete(&models.Branch{}, "key = ?", key)
		if result.Error != nil {
			return fmt.Errorf("failed to delete branch: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return ErrBranchNotFound
		}
		return nil
	})
}

// ReplaceUpdates swaps every update with Seq <= upTo for merged, which takes
// Seq upTo so later updates stay after it.
func (r *UpdateRepositoryImpl) ReplaceUpdates(ctx context.Context, key string, upTo int64, merged string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var branch models.Branch
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&branch, "key = ?", key).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrBranchNotFound
			}
			return err
		}
		if err := tx.Where("branch_key = ? AND seq <= ?", key, upTo).Delete(&models.BranchUpdate{}).Error; err != nil {
			return fmt.Errorf("failed to delete compacted updates: %w", err)
		}
		update := &models.BranchUpdate{
			BranchKey: key,
			Seq:       upTo,
			Update:    merged,
			Size:      int64(len(merged)),
		}
		if err := tx.Create(update).Error; err != nil {
			return fmt.Errorf("failed to store compacted update: %w", err)
		}

		var totals struct {
			Size  int64
			Count int64
		}
		err := tx.Model(&models.BranchUpdate{}).
			Select("COALESCE(SUM(size), 0) AS size, COUNT(*) AS count").
			Where("branch_key = ?", key).
			Scan(&totals).Error
		if err != nil {
			return err
		}
		return tx.Model(&branch).Updates(map[string]any{
			"size":         totals.Size,
			"update_count": totals.Count,
		}).Error
	})
}
