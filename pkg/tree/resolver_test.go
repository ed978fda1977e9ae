package tree

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/mwantia/docsync/pkg/content"
	"github.com/mwantia/docsync/pkg/index"
	"github.com/mwantia/docsync/pkg/log"
	"github.com/mwantia/docsync/pkg/remote"
	"github.com/mwantia/docsync/pkg/remote/remotetest"
	"github.com/mwantia/docsync/pkg/upload"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	folderID   = "0b0b6f64-6a43-4b0e-9a8a-6f1c3f8f0001"
	notebookID = "0b0b6f64-6a43-4b0e-9a8a-6f1c3f8f0002"
	pdfID      = "0b0b6f64-6a43-4b0e-9a8a-6f1c3f8f0003"
	templateID = "0b0b6f64-6a43-4b0e-9a8a-6f1c3f8f0004"
	draftID    = "0b0b6f64-6a43-4b0e-9a8a-6f1c3f8f0005"
)

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

// addItem stores the metadata, content and page blobs of one item plus its
// own index and returns the root entry that references it.
func addItem(t *testing.T, server *remotetest.Server, id string, metadata map[string]any, contentValue map[string]any, pages ...string) index.Entry {
	t.Helper()

	entries := []index.Entry{
		server.AddBlob(id+".metadata", mustJSON(t, metadata)),
		server.AddBlob(id+".content", mustJSON(t, contentValue)),
	}
	for _, page := range pages {
		entries = append(entries, server.AddBlob(id+"/"+page+".rm", []byte("page "+page)))
	}

	idx := index.New(entries...)
	return index.Entry{
		Hash:     server.AddIndex("", idx),
		Kind:     index.KindDocument,
		ID:       id,
		Subfiles: len(entries),
		Size:     totalSize(entries),
	}
}

func setRoot(server *remotetest.Server, generation int64, entries ...index.Entry) string {
	hash := server.AddIndex("", index.New(entries...))
	server.SetRoot(hash, generation)
	return hash
}

func newTestResolver(t *testing.T, server *remotetest.Server) *Resolver {
	t.Helper()

	endpoint := server.Endpoint()
	store, err := content.NewStore(endpoint, content.Config{CacheDir: t.TempDir()}, log.Discard())
	require.NoError(t, err)

	pipeline := upload.NewPipeline(endpoint, upload.Config{}, log.Discard(),
		upload.WithSleeper(func(context.Context, time.Duration) error { return nil }))
	roots := remote.NewRootClient(endpoint, remote.ProtocolV4, log.Discard())

	return NewResolver(NewTree(), store, roots, pipeline, log.Discard())
}

type progressRecorder struct {
	calls [][2]int
}

func (p *progressRecorder) record(done, total int) {
	p.calls = append(p.calls, [2]int{done, total})
}

func (p *progressRecorder) assertComplete(t *testing.T) {
	t.Helper()
	require.NotEmpty(t, p.calls)

	total := p.calls[0][1]
	assert.Equal(t, 0, p.calls[0][0])
	for i := 1; i < len(p.calls); i++ {
		assert.Equal(t, total, p.calls[i][1], "total must not change")
		assert.GreaterOrEqual(t, p.calls[i][0], p.calls[i-1][0], "done must not decrease")
	}
	last := p.calls[len(p.calls)-1]
	assert.Equal(t, last[1], last[0])
}

func folder(name, parent string) map[string]any {
	return map[string]any{"type": CollectionType, "visibleName": name, "parent": parent}
}

func document(name, parent string) map[string]any {
	return map[string]any{"type": DocumentType, "visibleName": name, "parent": parent}
}

func TestResolverSync(t *testing.T) {
	ctx := context.Background()

	t.Run("Splits Entries By Type", func(t *testing.T) {
		server := remotetest.NewServer(t)
		setRoot(server, 1,
			addItem(t, server, folderID, folder("Work", ""), map[string]any{
				"tags": []map[string]any{{"name": "urgent", "timestamp": 1700000000}},
			}),
			addItem(t, server, notebookID, document("Notes", folderID), map[string]any{"fileType": "notebook"}, "p1", "p2"),
			addItem(t, server, pdfID, document("Paper", ""), map[string]any{"fileType": "pdf"}),
			addItem(t, server, templateID, map[string]any{"type": "TemplateType"}, map[string]any{}),
		)

		resolver := newTestResolver(t, server)
		recorder := &progressRecorder{}
		result, err := resolver.Sync(ctx, recorder.record)
		require.NoError(t, err)

		assert.Equal(t, 4, result.Files)
		assert.Equal(t, 3, result.Added)
		assert.Empty(t, result.Repaired)
		assert.False(t, result.Bootstrapped)

		collections, documents := resolver.Tree().Len()
		assert.Equal(t, 1, collections)
		assert.Equal(t, 2, documents)

		work, ok := resolver.Tree().Collection(folderID)
		require.True(t, ok)
		assert.Equal(t, "Work", work.Metadata.VisibleName)
		assert.True(t, work.HasItems)
		assert.Equal(t, []Tag{{Name: "urgent", Timestamp: 1700000000}}, work.Tags)

		notes, ok := resolver.Tree().Document(notebookID)
		require.True(t, ok)
		assert.Equal(t, folderID, notes.Parent)
		assert.Equal(t, "notebook", notes.Content["fileType"])
		require.Len(t, notes.Files, 4)
		assert.Equal(t, notebookID+".content", notes.Files[0].ID)
		assert.Equal(t, notebookID+".metadata", notes.Files[1].ID)

		_, ok = resolver.Tree().Document(templateID)
		assert.False(t, ok, "unknown types are not stored")

		recorder.assertComplete(t)
		assert.Equal(t, [2]int{4, 4}, recorder.calls[len(recorder.calls)-1])
	})

	t.Run("Second Sync Is Unchanged", func(t *testing.T) {
		server := remotetest.NewServer(t)
		setRoot(server, 1,
			addItem(t, server, folderID, folder("Work", ""), map[string]any{}),
			addItem(t, server, notebookID, document("Notes", folderID), map[string]any{}),
		)

		resolver := newTestResolver(t, server)
		_, err := resolver.Sync(ctx, nil)
		require.NoError(t, err)
		before, _ := resolver.Tree().Document(notebookID)

		recorder := &progressRecorder{}
		result, err := resolver.Sync(ctx, recorder.record)
		require.NoError(t, err)

		assert.Equal(t, 2, result.Unchanged)
		assert.Zero(t, result.Added)
		assert.Zero(t, result.Updated)
		assert.Zero(t, result.Deleted)

		after, _ := resolver.Tree().Document(notebookID)
		assert.Same(t, before, after)

		recorder.assertComplete(t)
		assert.Equal(t, [2]int{4, 4}, recorder.calls[len(recorder.calls)-1], "two files and two candidates")
		assert.Zero(t, server.TotalRequests("PUT"))
	})

	t.Run("Updates Changed Metadata", func(t *testing.T) {
		server := remotetest.NewServer(t)
		setRoot(server, 1, addItem(t, server, notebookID, document("Notes", ""), map[string]any{}))

		resolver := newTestResolver(t, server)
		_, err := resolver.Sync(ctx, nil)
		require.NoError(t, err)
		require.True(t, resolver.Tree().SetDownloading(notebookID, true))

		setRoot(server, 1, addItem(t, server, notebookID, document("Renamed", ""), map[string]any{}))
		result, err := resolver.Sync(ctx, nil)
		require.NoError(t, err)
		assert.Equal(t, 1, result.Updated)

		notes, ok := resolver.Tree().Document(notebookID)
		require.True(t, ok)
		assert.Equal(t, "Renamed", notes.Metadata.VisibleName)
		assert.True(t, notes.Downloading, "editing state survives an update")
	})

	t.Run("Deletes Missing Records", func(t *testing.T) {
		server := remotetest.NewServer(t)
		setRoot(server, 1,
			addItem(t, server, folderID, folder("Work", ""), map[string]any{}),
			addItem(t, server, notebookID, document("Notes", folderID), map[string]any{}),
			addItem(t, server, pdfID, document("Paper", ""), map[string]any{}),
		)

		resolver := newTestResolver(t, server)
		_, err := resolver.Sync(ctx, nil)
		require.NoError(t, err)

		resolver.Tree().Provision(&Document{UUID: draftID, Metadata: &Metadata{Type: DocumentType}})

		setRoot(server, 1, addItem(t, server, pdfID, document("Paper", ""), map[string]any{}))
		recorder := &progressRecorder{}
		result, err := resolver.Sync(ctx, recorder.record)
		require.NoError(t, err)

		assert.Equal(t, 2, result.Deleted)
		assert.Equal(t, 1, result.Unchanged)

		_, ok := resolver.Tree().Collection(folderID)
		assert.False(t, ok)
		_, ok = resolver.Tree().Document(notebookID)
		assert.False(t, ok)
		draft, ok := resolver.Tree().Document(draftID)
		require.True(t, ok, "provisioned documents survive reconciliation")
		assert.True(t, draft.Provision)

		recorder.assertComplete(t)
		assert.Equal(t, [2]int{5, 5}, recorder.calls[len(recorder.calls)-1], "one file plus four candidates")
	})

	t.Run("Keeps Record On Unreadable Entry", func(t *testing.T) {
		server := remotetest.NewServer(t)
		setRoot(server, 1, addItem(t, server, notebookID, document("Notes", ""), map[string]any{}))

		resolver := newTestResolver(t, server)
		_, err := resolver.Sync(ctx, nil)
		require.NoError(t, err)

		broken := index.New(
			server.AddBlob(notebookID+".metadata", []byte("{not json")),
			server.AddBlob(notebookID+".content", []byte("{}")),
		)
		entry := index.Entry{Hash: server.AddIndex("", broken), Kind: index.KindDocument, ID: notebookID, Subfiles: 2}
		setRoot(server, 1, entry, addItem(t, server, pdfID, document("Paper", ""), map[string]any{}))

		result, err := resolver.Sync(ctx, nil)
		require.NoError(t, err)

		assert.Equal(t, 1, result.Skipped)
		assert.Equal(t, 1, result.Added)
		assert.Zero(t, result.Deleted)

		notes, ok := resolver.Tree().Document(notebookID)
		require.True(t, ok)
		assert.Equal(t, "Notes", notes.Metadata.VisibleName)
	})

	t.Run("Skips Unknown Entries", func(t *testing.T) {
		server := remotetest.NewServer(t)
		missing := index.Entry{Hash: index.MakeHash([]byte("gone")), Kind: index.KindDocument, ID: draftID}
		foreign := server.AddBlob("settings.json", []byte("{}"))
		setRoot(server, 1, missing, foreign, addItem(t, server, pdfID, document("Paper", ""), map[string]any{}))

		resolver := newTestResolver(t, server)
		result, err := resolver.Sync(ctx, nil)
		require.NoError(t, err)

		assert.Equal(t, 3, result.Files)
		assert.Equal(t, 2, result.Skipped)
		assert.Equal(t, 1, result.Added)
	})

	t.Run("Empty Root", func(t *testing.T) {
		server := remotetest.NewServer(t)
		setRoot(server, 1)

		resolver := newTestResolver(t, server)
		recorder := &progressRecorder{}
		result, err := resolver.Sync(ctx, recorder.record)
		require.NoError(t, err)

		assert.Zero(t, result.Files)
		assert.Equal(t, [][2]int{{0, 0}}, recorder.calls)
	})

	t.Run("Bootstraps Missing Root Index", func(t *testing.T) {
		server := remotetest.NewServer(t)
		server.SetRoot(index.MakeHash([]byte("lost")), 6)

		resolver := newTestResolver(t, server)
		result, err := resolver.Sync(ctx, nil)
		require.NoError(t, err)

		assert.True(t, result.Bootstrapped)
		assert.Zero(t, result.Files)

		root := server.Root()
		assert.Equal(t, int64(7), root.Generation)
		assert.Equal(t, index.MakeHash([]byte("3\n")), root.Hash)
		assert.Equal(t, root, result.Root)
		assert.Equal(t, []string{RootFilename}, server.Uploads())

		data, ok := server.Blob(root.Hash)
		require.True(t, ok)
		assert.Equal(t, "3\n", string(data))
	})

	t.Run("Bootstraps Corrupt Root Index", func(t *testing.T) {
		server := remotetest.NewServer(t)
		corrupt := index.MakeHash([]byte("garbage"))
		server.Put(corrupt, []byte("x\ngarbage"))
		server.SetRoot(corrupt, 1)

		resolver := newTestResolver(t, server)
		result, err := resolver.Sync(ctx, nil)
		require.NoError(t, err)

		assert.True(t, result.Bootstrapped)
		assert.Equal(t, int64(2), server.Root().Generation)
		assert.Equal(t, index.MakeHash([]byte("3\n")), server.Root().Hash)
	})

	t.Run("Keeps Root On Unavailable Index", func(t *testing.T) {
		server := remotetest.NewServer(t)
		hash := setRoot(server, 4, addItem(t, server, pdfID, document("Paper", ""), map[string]any{}))
		server.Fail(hash, http.StatusServiceUnavailable)

		resolver := newTestResolver(t, server)
		result, err := resolver.Sync(ctx, nil)
		assert.Nil(t, result)

		var statusErr *remote.StatusError
		require.ErrorAs(t, err, &statusErr)
		assert.Equal(t, http.StatusServiceUnavailable, statusErr.StatusCode)

		assert.Equal(t, remote.Root{Hash: hash, Generation: 4}, server.Root())
		assert.Empty(t, server.Uploads())
		assert.Empty(t, resolver.Tree().Documents())

		server.Fail(hash, 0)
		result, err = resolver.Sync(ctx, nil)
		require.NoError(t, err)
		assert.False(t, result.Bootstrapped)
		assert.Equal(t, 1, result.Added)
	})

	t.Run("Repairs Badly Hashed Documents", func(t *testing.T) {
		server := remotetest.NewServer(t)

		entries := []index.Entry{
			server.AddBlob(notebookID+".metadata", mustJSON(t, document("Notes", ""))),
			server.AddBlob(notebookID+".content", []byte("{}")),
			server.AddBlob(notebookID+"/p1.rm", []byte("page")),
		}
		staleHash := server.AddIndex(index.MakeHash([]byte("stale")), index.New(entries...))
		setRoot(server, 2,
			index.Entry{Hash: staleHash, Kind: index.KindDocument, ID: notebookID, Subfiles: 3},
			addItem(t, server, pdfID, document("Paper", ""), map[string]any{}),
		)

		resolver := newTestResolver(t, server)
		result, err := resolver.Sync(ctx, nil)
		require.NoError(t, err)
		require.NoError(t, result.RepairError)

		assert.Equal(t, []string{notebookID}, result.Repaired)
		assert.Equal(t, int64(3), result.Root.Generation)
		assert.Equal(t, server.Root(), result.Root)
		assert.Equal(t, []string{notebookID + ".docSchema", RootFilename}, server.Uploads())

		expected, err := index.HashEntries(entries)
		require.NoError(t, err)

		data, ok := server.Blob(result.Root.Hash)
		require.True(t, ok)
		rootIndex, err := index.Decode(string(data))
		require.NoError(t, err)
		entry, ok := rootIndex.Lookup(notebookID)
		require.True(t, ok)
		assert.Equal(t, expected, entry.Hash)
		assert.Equal(t, 3, entry.Subfiles)

		notes, ok := resolver.Tree().Document(notebookID)
		require.True(t, ok)
		assert.Equal(t, expected, notes.IndexHash)

		result, err = resolver.Sync(ctx, nil)
		require.NoError(t, err)
		assert.Empty(t, result.Repaired)
		assert.Equal(t, 2, result.Unchanged)
	})

	t.Run("Repair Skips Stored Index", func(t *testing.T) {
		server := remotetest.NewServer(t)

		entries := []index.Entry{
			server.AddBlob(notebookID+".metadata", mustJSON(t, document("Notes", ""))),
			server.AddBlob(notebookID+".content", []byte("{}")),
		}
		staleHash := server.AddIndex(index.MakeHash([]byte("stale")), index.New(entries...))

		expected, err := index.HashEntries(entries)
		require.NoError(t, err)
		server.Put(expected, []byte(index.Encode(index.New(entries...))))

		setRoot(server, 1, index.Entry{Hash: staleHash, Kind: index.KindDocument, ID: notebookID, Subfiles: 2})

		resolver := newTestResolver(t, server)
		result, err := resolver.Sync(ctx, nil)
		require.NoError(t, err)
		require.NoError(t, result.RepairError)

		assert.Equal(t, []string{notebookID}, result.Repaired)
		assert.Equal(t, []string{RootFilename}, server.Uploads())
		assert.Equal(t, 1, server.Requests(http.MethodHead, "/sync/v3/files/"+expected))
		assert.Equal(t, int64(2), server.Root().Generation)
	})
}

// blockingRoots holds GetRoot until released.
type blockingRoots struct {
	entered chan struct{}
	release chan struct{}
}

func (b *blockingRoots) GetRoot(ctx context.Context) (remote.Root, error) {
	close(b.entered)
	select {
	case <-b.release:
	case <-ctx.Done():
		return remote.Root{}, ctx.Err()
	}
	return remote.Root{}, context.Canceled
}

func (b *blockingRoots) UpdateRoot(_ context.Context, root remote.Root) (remote.Root, error) {
	return root, nil
}

func TestResolverExclusive(t *testing.T) {
	ctx := context.Background()
	roots := &blockingRoots{entered: make(chan struct{}), release: make(chan struct{})}
	resolver := NewResolver(NewTree(), nil, roots, nil, log.Discard())

	done := make(chan error, 1)
	go func() {
		_, err := resolver.Sync(ctx, nil)
		done <- err
	}()

	<-roots.entered
	_, err := resolver.Sync(ctx, nil)
	assert.ErrorIs(t, err, ErrSyncInProgress)
	_, err = resolver.Repair(ctx, notebookID)
	assert.ErrorIs(t, err, ErrSyncInProgress)

	close(roots.release)
	assert.Error(t, <-done)
}

func TestTree(t *testing.T) {
	tree := NewTree()
	tree.Restore(
		[]*Collection{{UUID: folderID}},
		[]*Document{{UUID: pdfID, Parent: folderID}, {UUID: notebookID}},
	)

	docs := tree.Documents()
	require.Len(t, docs, 2)
	assert.Equal(t, notebookID, docs[0].UUID)

	before, _ := tree.Document(pdfID)
	assert.True(t, tree.SetDownloading(pdfID, true))
	after, _ := tree.Document(pdfID)
	assert.False(t, before.Downloading, "records are replaced, not modified")
	assert.True(t, after.Downloading)
	assert.False(t, tree.SetDownloading(draftID, true))

	tree.deriveHasItems()
	c, _ := tree.Collection(folderID)
	assert.True(t, c.HasItems)
}
