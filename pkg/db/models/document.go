package models

import (
	"time"

	"gorm.io/gorm"
)

// Document is the persisted form of a resolved document
type Document struct {
	UUID         string `gorm:"primaryKey;type:text"`
	Parent       string `gorm:"type:text;index:idx_document_parent"`
	VisibleName  string `gorm:"type:text"`
	MetadataHash string `gorm:"type:text"`
	IndexHash    string `gorm:"type:text"`

	// Files holds the document's own index in its wire encoding
	Files string `gorm:"type:text;not null"`

	Metadata map[string]any `gorm:"serializer:json"`
	Content  map[string]any `gorm:"serializer:json"`

	Downloading bool `gorm:"default:false"`
	Provision   bool `gorm:"default:false"`

	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt gorm.DeletedAt `gorm:"index"`
}
