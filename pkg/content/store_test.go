package content

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/mwantia/docsync/pkg/index"
	"github.com/mwantia/docsync/pkg/log"
	"github.com/mwantia/docsync/pkg/remote"
	"github.com/mwantia/docsync/pkg/remote/remotetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, server *remotetest.Server, cacheDir string) *Store {
	t.Helper()
	store, err := NewStore(server.Endpoint(), Config{CacheDir: cacheDir}, log.Discard())
	require.NoError(t, err)
	return store
}

func TestStoreRead(t *testing.T) {
	ctx := context.Background()

	t.Run("Fetches And Persists", func(t *testing.T) {
		server := remotetest.NewServer(t)
		entry := server.AddBlob("doc.content", []byte(`{"tags":[]}`))
		cacheDir := t.TempDir()
		store := newTestStore(t, server, cacheDir)

		data, err := store.Read(ctx, entry.Hash, DefaultReadOptions)
		require.NoError(t, err)
		assert.Equal(t, `{"tags":[]}`, string(data))

		cached, err := os.ReadFile(filepath.Join(cacheDir, entry.Hash))
		require.NoError(t, err)
		assert.Equal(t, data, cached)
	})

	t.Run("Serves Cache Without Network", func(t *testing.T) {
		server := remotetest.NewServer(t)
		cacheDir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(cacheDir, "cached-key"), []byte("hello"), 0644))
		store := newTestStore(t, server, cacheDir)

		data, err := store.Read(ctx, "cached-key", DefaultReadOptions)
		require.NoError(t, err)
		assert.Equal(t, "hello", string(data))
		assert.Zero(t, server.TotalRequests("GET"))
	})

	t.Run("Enforced Cache Miss Never Touches Network", func(t *testing.T) {
		server := remotetest.NewServer(t)
		entry := server.AddBlob("doc.content", []byte("remote only"))
		store := newTestStore(t, server, t.TempDir())

		data, err := store.Read(ctx, entry.Hash, ReadOptions{UseCache: true, EnforceCache: true})
		assert.ErrorIs(t, err, ErrNotFound)
		assert.Nil(t, data)
		assert.Zero(t, server.TotalRequests("GET"))
	})

	t.Run("Memoizes Identical Reads", func(t *testing.T) {
		server := remotetest.NewServer(t)
		entry := server.AddBlob("doc.content", []byte("once"))
		store := newTestStore(t, server, "")

		for i := 0; i < 3; i++ {
			_, err := store.Read(ctx, entry.Hash, DefaultReadOptions)
			require.NoError(t, err)
		}
		assert.Equal(t, 1, server.Requests("GET", "/sync/v3/files/"+entry.Hash))
	})

	t.Run("Invalid Hash Is Not Found", func(t *testing.T) {
		server := remotetest.NewServer(t)
		store := newTestStore(t, server, "")

		_, err := store.Read(ctx, index.MakeHash([]byte("missing")), DefaultReadOptions)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("Rejects Escaping Keys", func(t *testing.T) {
		server := remotetest.NewServer(t)
		store := newTestStore(t, server, t.TempDir())

		_, err := store.Read(ctx, "../etc/passwd", DefaultReadOptions)
		assert.Error(t, err)
	})
}

func TestStoreReadValue(t *testing.T) {
	ctx := context.Background()
	server := remotetest.NewServer(t)
	jsonEntry := server.AddBlob("doc.metadata", []byte(`{"type":"DocumentType"}`))
	textEntry := server.AddBlob("doc.txt", []byte("3\nnot json"))
	store := newTestStore(t, server, t.TempDir())

	value, err := store.ReadValue(ctx, jsonEntry.Hash, DefaultReadOptions)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"type": "DocumentType"}, value)

	value, err = store.ReadValue(ctx, textEntry.Hash, DefaultReadOptions)
	require.NoError(t, err)
	assert.Equal(t, "3\nnot json", value)

	value, err = store.ReadValue(ctx, jsonEntry.Hash, ReadOptions{Binary: true, UseCache: true})
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"type":"DocumentType"}`), value)
}

func TestStoreReadIndex(t *testing.T) {
	ctx := context.Background()
	server := remotetest.NewServer(t)
	store := newTestStore(t, server, "")

	child := server.AddBlob("doc.metadata", []byte("{}"))
	hash := server.AddIndex("", index.New(child))

	idx, err := store.ReadIndex(ctx, hash)
	require.NoError(t, err)
	require.Len(t, idx.Entries, 1)
	assert.Equal(t, child, idx.Entries[0])

	server.Put("broken", []byte("3\nnot:an:entry\n"))
	_, err = store.ReadIndex(ctx, "broken")
	var parseErr *index.ParseError
	assert.ErrorAs(t, err, &parseErr)
}

func TestStoreExists(t *testing.T) {
	ctx := context.Background()

	t.Run("Checks Remote Once", func(t *testing.T) {
		server := remotetest.NewServer(t)
		entry := server.AddBlob("doc.rm", []byte("lines"))
		store := newTestStore(t, server, "")

		for i := 0; i < 5; i++ {
			exists, err := store.Exists(ctx, entry.Hash, true)
			require.NoError(t, err)
			assert.True(t, exists)
		}
		assert.Equal(t, 1, server.Requests("HEAD", "/sync/v3/files/"+entry.Hash))
		assert.Zero(t, server.TotalRequests("GET"))
	})

	t.Run("Missing Blob", func(t *testing.T) {
		server := remotetest.NewServer(t)
		store := newTestStore(t, server, "")

		exists, err := store.Exists(ctx, "unknown", true)
		require.NoError(t, err)
		assert.False(t, exists)
	})

	t.Run("Cached Blob", func(t *testing.T) {
		server := remotetest.NewServer(t)
		cacheDir := t.TempDir()
		store := newTestStore(t, server, cacheDir)
		require.NoError(t, store.Cache("local", []byte("x")))

		exists, err := store.Exists(ctx, "local", true)
		require.NoError(t, err)
		assert.True(t, exists)
		assert.Zero(t, server.TotalRequests("HEAD"))
	})
}

func TestStoreProtocolSignal(t *testing.T) {
	server := remotetest.NewServer(t)
	server.Put("k", []byte("x"))
	endpoint := server.Endpoint()
	endpoint.Authorizer = remote.BearerToken("")

	store, err := NewStore(endpoint, Config{}, log.Discard())
	require.NoError(t, err)

	// An unauthorized request is not a protocol signal.
	_, err = store.Read(context.Background(), "k", DefaultReadOptions)
	var statusErr *remote.StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, 401, statusErr.StatusCode)
	assert.NotErrorIs(t, err, remote.ErrIncompatibleProtocol)
}

func TestStoreIncompatibleProtocol(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	t.Cleanup(server.Close)

	store, err := NewStore(&remote.Endpoint{BaseURL: server.URL}, Config{}, log.Discard())
	require.NoError(t, err)

	_, err = store.Read(context.Background(), "root", DefaultReadOptions)
	assert.ErrorIs(t, err, remote.ErrIncompatibleProtocol)

	_, err = store.Exists(context.Background(), "root", false)
	assert.ErrorIs(t, err, remote.ErrIncompatibleProtocol)
}
