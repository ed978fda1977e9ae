package models

import (
	"time"
)

// RootState is the last root pointer a sync observed. There is a single row.
type RootState struct {
	ID         uint   `gorm:"primaryKey"`
	Hash       string `gorm:"type:text;not null"`
	Generation int64  `gorm:"not null"`
	Protocol   string `gorm:"type:text"`

	SyncedAt  time.Time
	UpdatedAt time.Time
}

// SyncRun records the outcome of one reconciliation
type SyncRun struct {
	ID         uint      `gorm:"primaryKey"`
	StartedAt  time.Time `gorm:"index:idx_sync_started"`
	FinishedAt time.Time

	RootHash   string `gorm:"type:text"`
	Generation int64

	Files     int `gorm:"default:0"`
	Added     int `gorm:"default:0"`
	Updated   int `gorm:"default:0"`
	Unchanged int `gorm:"default:0"`
	Deleted   int `gorm:"default:0"`
	Skipped   int `gorm:"default:0"`
	Repaired  int `gorm:"default:0"`

	Bootstrapped bool   `gorm:"default:false"`
	Error        string `gorm:"type:text"`

	CreatedAt time.Time
}
