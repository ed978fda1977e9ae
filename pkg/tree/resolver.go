package tree

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/mwantia/docsync/pkg/content"
	"github.com/mwantia/docsync/pkg/index"
	"github.com/mwantia/docsync/pkg/log"
	"github.com/mwantia/docsync/pkg/remote"
	"github.com/mwantia/docsync/pkg/upload"
)

// RootFilename is the rm-filename used for top-level indices.
const RootFilename = "root.docSchema"

// ErrSyncInProgress is returned when Sync is entered while another sync on
// the same resolver is running.
var ErrSyncInProgress = errors.New("sync already in progress")

// bootstrapIndex replaces a root index that cannot be read.
var bootstrapIndex = []byte("3\n")

type ContentStore interface {
	Read(ctx context.Context, key string, opts content.ReadOptions) ([]byte, error)
	ReadJSON(ctx context.Context, key string, v any) error
	ReadIndex(ctx context.Context, key string) (*index.Index, error)
	Exists(ctx context.Context, key string, useCache bool) (bool, error)
	Cache(key string, data []byte) error
}

type RootStore interface {
	GetRoot(ctx context.Context) (remote.Root, error)
	UpdateRoot(ctx context.Context, root remote.Root) (remote.Root, error)
}

type Uploader interface {
	Upload(ctx context.Context, file upload.File, source upload.Source, progress *upload.Progress) (bool, error)
	UploadMany(ctx context.Context, items []upload.Item, progress *upload.Progress) ([]bool, error)
}

// ProgressFunc receives the number of finished units of work and the total.
// It is called synchronously and must not block.
type ProgressFunc func(done, total int)

// Result summarizes a sync.
type Result struct {
	Root         remote.Root
	Files        int
	Added        int
	Updated      int
	Unchanged    int
	Deleted      int
	Skipped      int
	Repaired     []string
	Bootstrapped bool
	RepairError  error
}

// Resolver reconciles a Tree against the remote root index.
type Resolver struct {
	guard sync.Mutex

	tree     *Tree
	content  ContentStore
	roots    RootStore
	uploader Uploader
	log      log.LoggerService
}

func NewResolver(tree *Tree, store ContentStore, roots RootStore, uploader Uploader, logger log.LoggerService) *Resolver {
	return &Resolver{
		tree:     tree,
		content:  store,
		roots:    roots,
		uploader: uploader,
		log:      logger,
	}
}

func (r *Resolver) Tree() *Tree {
	return r.tree
}

// syncState is the bookkeeping of a single Sync call.
type syncState struct {
	collections map[string]struct{}
	documents   map[string]struct{}
	badlyHashed []*Document
	result      *Result
}

// skip records an entry that could not be resolved. A previously known
// record under the same id is kept rather than deleted.
func (s *syncState) skip(id string) {
	delete(s.collections, id)
	delete(s.documents, id)
	s.result.Skipped++
}

// Sync fetches the root index and reconciles the tree against it. Tree
// mutations are applied as they are resolved; a cancelled context leaves the
// tree partially updated.
func (r *Resolver) Sync(ctx context.Context, progress ProgressFunc) (*Result, error) {
	if !r.guard.TryLock() {
		return nil, ErrSyncInProgress
	}
	defer r.guard.Unlock()

	if progress == nil {
		progress = func(int, int) {}
	}

	result := &Result{}

	root, rootIndex, err := r.loadRoot(ctx, result)
	if err != nil {
		return nil, err
	}
	result.Root = root
	result.Files = len(rootIndex.Entries)

	collections, documents := r.tree.keys()
	state := &syncState{
		collections: collections,
		documents:   documents,
		result:      result,
	}

	collectionCandidates := make([]string, 0, len(collections))
	for id := range collections {
		collectionCandidates = append(collectionCandidates, id)
	}
	sort.Strings(collectionCandidates)
	documentCandidates := make([]string, 0, len(documents))
	for id := range documents {
		documentCandidates = append(documentCandidates, id)
	}
	sort.Strings(documentCandidates)

	total := len(rootIndex.Entries) + len(collectionCandidates) + len(documentCandidates)
	done := 0
	progress(done, total)

	for _, file := range rootIndex.Entries {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		r.resolve(ctx, file, state)
		done++
		progress(done, total)
	}

	for _, id := range collectionCandidates {
		if _, pending := state.collections[id]; pending {
			r.tree.deleteCollection(id)
			result.Deleted++
			r.log.Debug("Removed collection '%s'", id)
		}
		done++
		progress(done, total)
	}

	for _, id := range documentCandidates {
		if _, pending := state.documents[id]; pending {
			if r.tree.deleteDocument(id) {
				result.Deleted++
				r.log.Debug("Removed document '%s'", id)
			} else {
				r.log.Debug("Kept provisioned document '%s'", id)
			}
		}
		done++
		progress(done, total)
	}

	r.tree.deriveHasItems()

	if len(state.badlyHashed) > 0 {
		r.log.Warn("Fixing %d badly hashed document(s)", len(state.badlyHashed))

		updated, repaired, err := r.repair(ctx, result.Root, rootIndex, state.badlyHashed)
		if err != nil {
			r.log.Error("Unable to repair document hashes: %v", err)
			result.RepairError = err
		} else {
			result.Root = updated
			result.Repaired = repaired
		}
	}

	r.log.Info("Synced %d file(s): %d added, %d updated, %d unchanged, %d deleted, %d skipped",
		result.Files, result.Added, result.Updated, result.Unchanged, result.Deleted, result.Skipped)
	return result, nil
}

// loadRoot fetches the root pointer and its index.
//
// A root index the service reports as missing, or one that does not decode,
// is replaced by an empty index and the root is advanced to it. Every entry
// the lost index referenced drops out of the account, and the next sync
// deletes the matching records. Transport and server errors abort the sync
// and leave the root alone.
func (r *Resolver) loadRoot(ctx context.Context, result *Result) (remote.Root, *index.Index, error) {
	root, err := r.roots.GetRoot(ctx)
	if err != nil {
		return remote.Root{}, nil, fmt.Errorf("failed to get root: %w", err)
	}

	rootIndex, err := r.content.ReadIndex(ctx, root.Hash)
	if err == nil {
		return root, rootIndex, nil
	}
	if ctx.Err() != nil {
		return remote.Root{}, nil, ctx.Err()
	}
	if !lostIndex(err) {
		return remote.Root{}, nil, fmt.Errorf("failed to read root index: %w", err)
	}

	r.log.Error("An issue occurred getting the root index '%s': %v", root.Hash, err)

	hash := index.MakeHash(bootstrapIndex)
	ok, err := r.uploader.Upload(ctx, upload.File{Hash: hash, Filename: RootFilename}, upload.NewBytesSource(bootstrapIndex), nil)
	if err != nil {
		return remote.Root{}, nil, fmt.Errorf("failed to upload replacement root: %w", err)
	}
	if !ok {
		return remote.Root{}, nil, fmt.Errorf("failed to upload replacement root")
	}
	if err := r.content.Cache(hash, bootstrapIndex); err != nil {
		r.log.Warn("Unable to cache replacement root: %v", err)
	}

	updated, err := r.roots.UpdateRoot(ctx, remote.Root{
		Hash:       hash,
		Generation: root.Generation,
		Broadcast:  true,
	})
	if err != nil {
		return remote.Root{}, nil, fmt.Errorf("failed to advance root: %w", err)
	}

	rootIndex, err = index.Decode(string(bootstrapIndex))
	if err != nil {
		return remote.Root{}, nil, err
	}

	result.Bootstrapped = true
	return updated, rootIndex, nil
}

// lostIndex reports whether a failed index read means the index is gone or
// corrupt, rather than unreachable.
func lostIndex(err error) bool {
	var parseErr *index.ParseError
	return errors.Is(err, content.ErrNotFound) || errors.Is(err, index.ErrEmpty) || errors.As(err, &parseErr)
}

// resolve reconciles one top-level entry. Failures are logged and the entry
// is skipped.
func (r *Resolver) resolve(ctx context.Context, file index.Entry, state *syncState) {
	if err := uuid.Validate(file.ID); err != nil {
		r.log.Debug("Ignoring non-document entry '%s'", file.ID)
		state.skip(file.ID)
		return
	}

	docIndex, err := r.content.ReadIndex(ctx, file.Hash)
	if err != nil {
		r.log.Warn("Skipping '%s': %v", file.ID, err)
		state.skip(file.ID)
		return
	}

	expected, err := docIndex.Hash()
	matchesHash := err == nil && expected == file.Hash

	files := append([]index.Entry(nil), docIndex.Entries...)
	index.SortByPrecedence(files)

	var contentValue map[string]any

	for _, item := range files {
		switch item.ID {
		case file.ID + ".content":
			if err := r.content.ReadJSON(ctx, item.Hash, &contentValue); err != nil {
				r.log.Warn("Skipping '%s': unable to read content: %v", file.ID, err)
				state.skip(file.ID)
				return
			}

		case file.ID + ".metadata":
			if r.unchanged(file.ID, item.Hash, state) {
				state.result.Unchanged++
				return
			}

			data, err := r.content.Read(ctx, item.Hash, content.DefaultReadOptions)
			if err != nil {
				r.log.Warn("Skipping '%s': unable to read metadata: %v", file.ID, err)
				state.skip(file.ID)
				return
			}
			metadata, err := parseMetadata(data, item.Hash)
			if err != nil {
				r.log.Warn("Skipping '%s': %v", file.ID, err)
				state.skip(file.ID)
				return
			}

			r.apply(file, metadata, contentValue, files, matchesHash, state)
			return
		}
	}

	r.log.Warn("Skipping '%s': no metadata entry", file.ID)
	state.skip(file.ID)
}

// unchanged implements the incremental fast path: a known record whose
// metadata hash did not change is kept as is.
func (r *Resolver) unchanged(id, metadataHash string, state *syncState) bool {
	if old, ok := r.tree.Collection(id); ok {
		if old.Metadata != nil && old.Metadata.Hash == metadataHash {
			delete(state.collections, id)
			return true
		}
		return false
	}
	if old, ok := r.tree.Document(id); ok {
		if old.Metadata != nil && old.Metadata.Hash == metadataHash {
			delete(state.documents, id)
			return true
		}
	}
	return false
}

func (r *Resolver) apply(file index.Entry, metadata *Metadata, contentValue map[string]any, files []index.Entry, matchesHash bool, state *syncState) {
	switch metadata.Type {
	case CollectionType:
		_, existed := r.tree.Collection(file.ID)
		r.tree.putCollection(&Collection{
			UUID:     file.ID,
			Parent:   metadata.Parent,
			Metadata: metadata,
			Tags:     parseTags(contentValue),
		})
		delete(state.collections, file.ID)
		r.count(existed, state)

	case DocumentType:
		doc := &Document{
			UUID:      file.ID,
			Parent:    metadata.Parent,
			Metadata:  metadata,
			Content:   contentValue,
			Files:     files,
			IndexHash: file.Hash,
		}
		old, existed := r.tree.Document(file.ID)
		if existed {
			doc.Downloading = old.Downloading
		}
		r.tree.putDocument(doc)
		delete(state.documents, file.ID)
		r.count(existed, state)

		if !matchesHash {
			r.log.Warn("Document '%s' is badly hashed", file.ID)
			state.badlyHashed = append(state.badlyHashed, doc)
		}

	default:
		r.log.Debug("Ignoring '%s' with unknown type '%s'", file.ID, metadata.Type)
		delete(state.collections, file.ID)
		delete(state.documents, file.ID)
	}
}

func (r *Resolver) count(existed bool, state *syncState) {
	if existed {
		state.result.Updated++
	} else {
		state.result.Added++
	}
}
