package models

import (
	"time"

	"github.com/segmentio/ksuid"
	"gorm.io/gorm"
)

// DocumentSnapshot is the durable state of one shared document.
// Snapshot is the replica's opaque encoding; the relay never inspects it.
type DocumentSnapshot struct {
	ID        string    `json:"id" gorm:"type:char(27);primaryKey"`
	Name      string    `json:"name" gorm:"type:text;not null;uniqueIndex"`
	Snapshot  []byte    `json:"-" gorm:"type:bytea;not null"`
	Size      int       `json:"size" gorm:"not null"`
	CreatedAt time.Time `json:"created_at" gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time `json:"updated_at" gorm:"column:updated_at;autoUpdateTime"`
}

// BeforeCreate hook generates KSUID before inserting
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
