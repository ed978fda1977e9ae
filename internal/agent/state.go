package agent

import (
	"fmt"

	"github.com/mwantia/docsync/pkg/db/models"
	"github.com/mwantia/docsync/pkg/index"
	"github.com/mwantia/docsync/pkg/tree"
)

// snapshot converts the current tree into its persisted form.
func snapshot(t *tree.Tree) ([]models.Collection, []models.Document) {
	collections := make([]models.Collection, 0)
	for _, c := range t.Collections() {
		record := models.Collection{
			UUID:     c.UUID,
			Parent:   c.Parent,
			HasItems: c.HasItems,
			Tags:     make([]models.CollectionTag, 0, len(c.Tags)),
		}
		if c.Metadata != nil {
			record.VisibleName = c.Metadata.VisibleName
			record.MetadataHash = c.Metadata.Hash
			record.Metadata = c.Metadata.Raw
		}
		for _, tag := range c.Tags {
			record.Tags = append(record.Tags, models.CollectionTag{Name: tag.Name, Timestamp: tag.Timestamp})
		}
		collections = append(collections, record)
	}

	documents := make([]models.Document, 0)
	for _, d := range t.Documents() {
		record := models.Document{
			UUID:        d.UUID,
			Parent:      d.Parent,
			IndexHash:   d.IndexHash,
			Files:       index.Encode(index.New(d.Files...)),
			Content:     d.Content,
			Downloading: d.Downloading,
			Provision:   d.Provision,
		}
		if d.Metadata != nil {
			record.VisibleName = d.Metadata.VisibleName
			record.MetadataHash = d.Metadata.Hash
			record.Metadata = d.Metadata.Raw
		}
		documents = append(documents, record)
	}

	return collections, documents
}

// restore seeds the tree from persisted records.
func restore(t *tree.Tree, collections []models.Collection, documents []models.Document) error {
	restoredCollections := make([]*tree.Collection, 0, len(collections))
	for _, record := range collections {
		tags := make([]tree.Tag, 0, len(record.Tags))
		for _, tag := range record.Tags {
			tags = append(tags, tree.Tag{Name: tag.Name, Timestamp: tag.Timestamp})
		}
		restoredCollections = append(restoredCollections, &tree.Collection{
			UUID:     record.UUID,
			Parent:   record.Parent,
			Metadata: tree.NewMetadata(record.MetadataHash, record.Metadata),
			Tags:     tags,
			HasItems: record.HasItems,
		})
	}

	restoredDocuments := make([]*tree.Document, 0, len(documents))
	for _, record := range documents {
		idx, err := index.Decode(record.Files)
		if err != nil {
			return fmt.Errorf("failed to decode files of document '%s': %w", record.UUID, err)
		}
		files := idx.Entries
		index.SortByPrecedence(files)

		restoredDocuments = append(restoredDocuments, &tree.Document{
			UUID:        record.UUID,
			Parent:      record.Parent,
			Metadata:    tree.NewMetadata(record.MetadataHash, record.Metadata),
			Content:     record.Content,
			Files:       files,
			IndexHash:   record.IndexHash,
			Downloading: record.Downloading,
			Provision:   record.Provision,
		})
	}

	t.Restore(restoredCollections, restoredDocuments)
	return nil
}
