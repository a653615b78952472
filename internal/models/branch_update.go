package models

import (
	"time"

	"github.com/segmentio/ksuid"
	"gorm.io/gorm"
)

/*
BRANCH UPDATES

Every edit a client makes to a shared document reaches the server as an
opaque update blob. The server never decodes them: it stores each blob in
arrival order and replays the whole list to clients that watch the branch.

  client edit → repo/add_updates → stored → broadcast to other watchers
  new watcher → all stored updates → client merges them → same state

Compaction later replaces a long list with one blob holding the full state.
*/

// BranchUpdate stores one update blob of a branch.
type BranchUpdate struct {
	ID           string    `gorm:"type:varchar(27);primaryKey" json:"id"`
	BranchKey    string    `gorm:"type:varchar(512);not null;index:idx_branch_seq" json:"branch_key"`
	Seq          int64     `gorm:"not null;index:idx_branch_seq" json:"seq"`
	Update       string    `gorm:"type:text;not null" json:"update"` // base64 update blob
	Size         int64     `gorm:"not null" json:"size"`
	ConnectionID string    `gorm:"type:varchar(64)" json:"connection_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// BeforeCreate generates KSUID
func (u *BranchUpdate) BeforeCreate(tx *gorm.DB) error {
	if u.ID == "" {
		u.ID = ksuid.New().String()
	}
	return nil
}

func (BranchUpdate) TableName() string {
	return "branch_updates"
}
