package tree

import (
	"encoding/json"
	"fmt"

	"github.com/mwantia/docsync/pkg/index"
)

const (
	CollectionType = "CollectionType"
	DocumentType   = "DocumentType"
)

// Metadata is the decoded ".metadata" blob of a document or collection.
type Metadata struct {
	Hash         string         `json:"-"`
	Type         string         `json:"type"`
	VisibleName  string         `json:"visibleName"`
	Parent       string         `json:"parent"`
	LastModified string         `json:"lastModified"`
	Raw          map[string]any `json:"-"`
}

func parseMetadata(data []byte, hash string) (*Metadata, error) {
	var md Metadata
	if err := json.Unmarshal(data, &md); err != nil {
		return nil, fmt.Errorf("failed to decode metadata: %w", err)
	}
	if err := json.Unmarshal(data, &md.Raw); err != nil {
		return nil, fmt.Errorf("failed to decode metadata: %w", err)
	}
	md.Hash = hash
	return &md, nil
}

// NewMetadata rebuilds metadata from its raw decoded form, e.g. when
// restoring a persisted tree.
func NewMetadata(hash string, raw map[string]any) *Metadata {
	str := func(key string) string {
		v, _ := raw[key].(string)
		return v
	}
	return &Metadata{
		Hash:         hash,
		Type:         str("type"),
		VisibleName:  str("visibleName"),
		Parent:       str("parent"),
		LastModified: str("lastModified"),
		Raw:          raw,
	}
}

// Tag is a label attached to a collection.
type Tag struct {
	Name      string `json:"name"`
	Timestamp int64  `json:"timestamp"`
}

// parseTags reads the "tags" list of a decoded content blob. Missing or
// malformed tags yield an empty list.
func parseTags(content map[string]any) []Tag {
	tags := []Tag{}

	raw, ok := content["tags"]
	if !ok || raw == nil {
		return tags
	}

	data, err := json.Marshal(raw)
	if err != nil {
		return tags
	}
	if err := json.Unmarshal(data, &tags); err != nil {
		return []Tag{}
	}
	return tags
}

// Collection is a folder.
type Collection struct {
	UUID     string
	Parent   string
	Metadata *Metadata
	Tags     []Tag
	HasItems bool
}

// Document is a leaf of the tree.
type Document struct {
	UUID     string
	Parent   string
	Metadata *Metadata
	Content  map[string]any
	// Files is the document's own index, ordered by extension precedence.
	Files []index.Entry
	// IndexHash is the hash the document's index is stored under.
	IndexHash string

	// Downloading and Provision belong to the editing side. Provision marks a
	// document created locally that the remote has not confirmed yet; such
	// documents survive reconciliation.
	Downloading bool
	Provision   bool
}

func (d *Document) clone() *Document {
	c := *d
	c.Files = append([]index.Entry(nil), d.Files...)
	return &c
}
