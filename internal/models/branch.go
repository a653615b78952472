package models

import (
	"time"

	"instdocs/internal/protocol"
)

// Branch tracks one branch of an inst. Key is the branch's storage key
// (see protocol.BranchRef.Key), which keeps lookups to one index.
type Branch struct {
	Key         string    `json:"key" gorm:"type:varchar(512);primaryKey"`
	RecordName  string    `json:"record_name" gorm:"type:varchar(255);index:idx_branch_inst"`
	Inst        string    `json:"inst" gorm:"type:varchar(255);not null;index:idx_branch_inst"`
	Name        string    `json:"branch" gorm:"column:branch;type:varchar(255);not null"`
	Size        int64     `json:"size" gorm:"not null;default:0"`
	UpdateCount int64     `json:"update_count" gorm:"not null;default:0"`
	LastSeq     int64     `json:"-" gorm:"not null;default:0"`
	CreatedAt   time.Time `json:"created_at" gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time `json:"updated_at" gorm:"column:updated_at;autoUpdateTime"`
}

// NewBranch creates an empty Branch for ref.
func NewBranch(ref protocol.BranchRef) *Branch {
	return &Branch{
		Key:        ref.Key(),
		RecordName: ref.RecordName,
		Inst:       ref.Inst,
		Name:       ref.Branch,
	}
}

func (b *Branch) Ref() protocol.BranchRef {
	return protocol.BranchRef{RecordName: b.RecordName, Inst: b.Inst, Branch: b.Name}
}

// BranchFilter narrows branch listings.
type BranchFilter struct {
	RecordName string
	Inst       string
	Limit      int
	Offset     int
}
