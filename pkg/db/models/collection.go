package models

import (
	"time"

	"gorm.io/gorm"
)

// CollectionTag is a label stored with a collection
type CollectionTag struct {
	Name      string `json:"name"`
	Timestamp int64  `json:"timestamp"`
}

// Collection is the persisted form of a resolved folder
type Collection struct {
	UUID         string `gorm:"primaryKey;type:text"`
	Parent       string `gorm:"type:text;index:idx_collection_parent"`
	VisibleName  string `gorm:"type:text"`
	MetadataHash string `gorm:"type:text;not null"`
	HasItems     bool   `gorm:"default:false"`

	Metadata map[string]any  `gorm:"serializer:json"`
	Tags     []CollectionTag `gorm:"serializer:json"`

	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt gorm.DeletedAt `gorm:"index"`
}
