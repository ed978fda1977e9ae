package tree

import (
	"context"
	"fmt"
	"sort"

	"github.com/mwantia/docsync/pkg/index"
	"github.com/mwantia/docsync/pkg/remote"
	"github.com/mwantia/docsync/pkg/upload"
)

// Repair re-uploads the indices of the given documents under their content
// derived hash and advances the root to reference them. Indices the service
// already holds under that hash are not sent again.
func (r *Resolver) Repair(ctx context.Context, ids ...string) (remote.Root, error) {
	if !r.guard.TryLock() {
		return remote.Root{}, ErrSyncInProgress
	}
	defer r.guard.Unlock()

	docs := make([]*Document, 0, len(ids))
	for _, id := range ids {
		doc, ok := r.tree.Document(id)
		if !ok {
			return remote.Root{}, fmt.Errorf("unknown document '%s'", id)
		}
		docs = append(docs, doc)
	}

	root, err := r.roots.GetRoot(ctx)
	if err != nil {
		return remote.Root{}, fmt.Errorf("failed to get root: %w", err)
	}
	rootIndex, err := r.content.ReadIndex(ctx, root.Hash)
	if err != nil {
		return remote.Root{}, err
	}

	updated, _, err := r.repair(ctx, root, rootIndex, docs)
	return updated, err
}

type repairItem struct {
	doc    *Document
	hash   string
	data   []byte
	stored bool
}

func (r *Resolver) repair(ctx context.Context, root remote.Root, rootIndex *index.Index, docs []*Document) (remote.Root, []string, error) {
	docs = append([]*Document(nil), docs...)
	sort.Slice(docs, func(i, j int) bool {
		return docs[i].UUID < docs[j].UUID
	})

	items := make([]repairItem, 0, len(docs))
	uploads := make([]upload.Item, 0, len(docs))

	for _, doc := range docs {
		idx := index.New(doc.Files...)
		hash, err := idx.Hash()
		if err != nil {
			r.log.Warn("Unable to rehash document '%s': %v", doc.UUID, err)
			continue
		}

		item := repairItem{doc: doc, hash: hash, data: []byte(index.Encode(idx))}
		if exists, err := r.content.Exists(ctx, hash, false); err == nil && exists {
			r.log.Debug("Index of document '%s' is already stored as '%s'", doc.UUID, hash)
			item.stored = true
		} else {
			uploads = append(uploads, upload.Item{
				File:   upload.File{Hash: hash, Filename: doc.UUID + ".docSchema"},
				Source: upload.NewBytesSource(item.data),
			})
		}
		items = append(items, item)
	}

	results, err := r.uploader.UploadMany(ctx, uploads, nil)
	if err != nil {
		return remote.Root{}, nil, fmt.Errorf("failed to upload document indices: %w", err)
	}

	var repaired []string
	next := 0
	for _, item := range items {
		if !item.stored {
			ok := results[next]
			next++
			if !ok {
				r.log.Warn("Unable to upload index of document '%s'", item.doc.UUID)
				continue
			}
		}
		if err := r.content.Cache(item.hash, item.data); err != nil {
			r.log.Warn("Unable to cache index of document '%s': %v", item.doc.UUID, err)
		}

		entry, ok := rootIndex.Lookup(item.doc.UUID)
		if !ok {
			entry = index.Entry{Kind: index.KindDocument, ID: item.doc.UUID}
		}
		entry.Hash = item.hash
		entry.Subfiles = len(item.doc.Files)
		entry.Size = totalSize(item.doc.Files)
		rootIndex.Put(entry)

		fixed := item.doc.clone()
		fixed.IndexHash = item.hash
		if current, ok := r.tree.Document(fixed.UUID); ok && current.Metadata == item.doc.Metadata {
			fixed.Downloading = current.Downloading
			r.tree.putDocument(fixed)
		}
		repaired = append(repaired, item.doc.UUID)
	}

	if len(repaired) == 0 {
		return remote.Root{}, nil, fmt.Errorf("no document index could be uploaded")
	}

	rootHash, err := rootIndex.Hash()
	if err != nil {
		return remote.Root{}, nil, err
	}
	rootData := []byte(index.Encode(rootIndex))

	ok, err := r.uploader.Upload(ctx, upload.File{Hash: rootHash, Filename: RootFilename}, upload.NewBytesSource(rootData), nil)
	if err != nil {
		return remote.Root{}, nil, fmt.Errorf("failed to upload root index: %w", err)
	}
	if !ok {
		return remote.Root{}, nil, fmt.Errorf("failed to upload root index")
	}
	if err := r.content.Cache(rootHash, rootData); err != nil {
		r.log.Warn("Unable to cache root index: %v", err)
	}

	updated, err := r.roots.UpdateRoot(ctx, remote.Root{
		Hash:       rootHash,
		Generation: root.Generation,
		Broadcast:  true,
	})
	if err != nil {
		return remote.Root{}, nil, fmt.Errorf("failed to advance root: %w", err)
	}

	r.log.Info("Repaired %d document hash(es), root is now at generation %d", len(repaired), updated.Generation)
	return updated, repaired, nil
}

func totalSize(entries []index.Entry) int64 {
	var size int64
	for _, entry := range entries {
		size += entry.Size
	}
	return size
}
