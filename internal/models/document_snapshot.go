package models

import (
	"time"

	"github.com/segmentio/ksuid"
	"gorm.io/gorm"
)

/*
LEARNING: SNAPSHOT ROWS

The collaboration server saves the full encoded state of a document, not a
stream of small updates. Every save inserts a new row with the next version
number, so the latest row is always enough to rebuild the document and the
older rows form a short history that is pruned to a fixed count.

Flow:
  Room debounce fires → encode full state → insert version N+1
  → delete versions older than the last K
*/

// DocumentSnapshot is one saved version of a document's state
type DocumentSnapshot struct {
	ID         string    `gorm:"type:varchar(27);primaryKey" json:"id"`
	DocumentID string    `gorm:"type:varchar(255);not null;uniqueIndex:idx_snapshot_doc_version,priority:1" json:"document_id"`
	Version    int64     `gorm:"not null;uniqueIndex:idx_snapshot_doc_version,priority:2" json:"version"`
	State      []byte    `gorm:"type:bytea;not null" json:"-"`
	Size       int       `gorm:"not null" json:"size"`
	CreatedAt  time.Time `json:"created_at"`
}

// BeforeCreate generates KSUID
func (s *DocumentSnapshot) BeforeCreate(tx *gorm.DB) error {
	if s.ID == "" {
		s.ID = ksuid.New().String()
	}
	return nil
}

// TableName override
func (DocumentSnapshot) TableName() string {
	return "document_snapshots"
}
