package agent

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	config "github.com/mwantia/docsync/internal/config/server"
	"github.com/mwantia/docsync/pkg/index"
	"github.com/mwantia/docsync/pkg/log"
	"github.com/mwantia/docsync/pkg/remote"
	"github.com/mwantia/docsync/pkg/remote/remotetest"
	"github.com/mwantia/docsync/pkg/tree"
	"github.com/mwantia/fabric/pkg/container"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	folderID   = "5f3a2c1e-8b7d-4e6f-9a0b-1c2d3e4f5a01"
	documentID = "5f3a2c1e-8b7d-4e6f-9a0b-1c2d3e4f5a02"
)

func testConfig(t *testing.T, server *remotetest.Server, dir string) *config.BaseServerConfig {
	t.Helper()

	cfg := config.GetServerDefault()
	cfg.Metadata.SQLite.Path = filepath.Join(dir, "docsync.db")
	cfg.Cache.Path = filepath.Join(dir, "cache")
	cfg.Remote.BaseURL = server.URL + "/"
	cfg.Remote.DiscoveryURL = server.URL
	cfg.Remote.Token = "test-token"
	return &cfg
}

func addItem(server *remotetest.Server, id, metadata string) index.Entry {
	entries := []index.Entry{
		server.AddBlob(id+".metadata", []byte(metadata)),
		server.AddBlob(id+".content", []byte(`{"tags":[{"name":"inbox","timestamp":7}]}`)),
	}
	return index.Entry{
		Hash:     server.AddIndex("", index.New(entries...)),
		Kind:     index.KindDocument,
		ID:       id,
		Subfiles: len(entries),
	}
}

func newTestEngine(t *testing.T, cfg *config.BaseServerConfig, logger log.LoggerService) (*Engine, *container.ServiceContainer) {
	t.Helper()

	sc := container.NewServiceContainer()
	require.NoError(t, RegisterServices(sc, cfg, logger))
	t.Cleanup(func() {
		sc.Cleanup(context.Background())
	})

	engine, err := NewEngine(context.Background(), sc)
	require.NoError(t, err)
	return engine, sc
}

func TestEngineSyncOnce(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	server := remotetest.NewServer(t)
	server.RejectV4 = true
	rootHash := server.AddIndex("", index.New(
		addItem(server, folderID, `{"type":"CollectionType","visibleName":"Inbox"}`),
		addItem(server, documentID, `{"type":"DocumentType","visibleName":"Notes","parent":"`+folderID+`"}`),
	))
	server.SetRoot(rootHash, 9)

	cfg := testConfig(t, server, dir)

	first, firstServices := newTestEngine(t, cfg, log.Discard())
	result, err := first.SyncOnce(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Added)
	assert.Equal(t, remote.ProtocolLegacy, first.Roots.Protocol())

	state, err := first.Store.GetRootState(ctx)
	require.NoError(t, err)
	assert.Equal(t, rootHash, state.Hash)
	assert.Equal(t, int64(9), state.Generation)
	assert.Equal(t, "legacy", state.Protocol)
	require.NoError(t, firstServices.Cleanup(ctx))

	second, _ := newTestEngine(t, cfg, log.Discard())
	assert.Equal(t, remote.ProtocolLegacy, second.Roots.Protocol(), "protocol switch is remembered")
	require.NoError(t, second.Restore(ctx))

	inbox, ok := second.Resolver.Tree().Collection(folderID)
	require.True(t, ok)
	assert.True(t, inbox.HasItems)
	assert.Equal(t, []tree.Tag{{Name: "inbox", Timestamp: 7}}, inbox.Tags)

	result, err = second.SyncOnce(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Unchanged)
	assert.Zero(t, result.Added)
	assert.Equal(t, 1, server.Requests("GET", "/sync/v4/root"))

	runs, err := second.Store.ListSyncRuns(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, 2, runs[0].Unchanged)
	assert.Equal(t, 2, runs[1].Added)
}

func TestEngineRecordsFailedRun(t *testing.T) {
	ctx := context.Background()
	server := remotetest.NewServer(t)
	cfg := testConfig(t, server, t.TempDir())
	cfg.Remote.Token = "wrong"

	engine, _ := newTestEngine(t, cfg, log.Discard())
	_, err := engine.SyncOnce(ctx, nil)
	require.Error(t, err)

	runs, err := engine.Store.ListSyncRuns(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.NotEmpty(t, runs[0].Error)
}

func TestNewEngineRejectsUnknownStore(t *testing.T) {
	server := remotetest.NewServer(t)
	cfg := testConfig(t, server, t.TempDir())
	cfg.Metadata.Type = "postgres"

	sc := container.NewServiceContainer()
	require.NoError(t, RegisterServices(sc, cfg, log.Discard()))

	_, err := NewEngine(context.Background(), sc)
	assert.ErrorContains(t, err, "unsupported metadata store type 'postgres'")
	assert.NoError(t, sc.Cleanup(context.Background()))
}

func TestEngineServices(t *testing.T) {
	ctx := context.Background()
	server := remotetest.NewServer(t)
	cfg := testConfig(t, server, t.TempDir())

	var buf bytes.Buffer
	logger := log.NewLoggerServiceWithWriter("agent", config.LogServerConfig{Level: "DEBUG"}, &buf)
	engine, sc := newTestEngine(t, cfg, logger)

	t.Run("Injects Named Loggers", func(t *testing.T) {
		assert.Same(t, cfg, engine.Config)

		engine.TreeLog.Info("walking")
		engine.UploadLog.Info("sending")
		assert.Contains(t, buf.String(), "[agent/tree] walking")
		assert.Contains(t, buf.String(), "[agent/upload] sending")
		assert.Contains(t, buf.String(), "[agent/engine] Using protocol")
	})

	t.Run("Resolves One Engine", func(t *testing.T) {
		again, err := NewEngine(ctx, sc)
		require.NoError(t, err)
		assert.Same(t, engine, again)
	})

	t.Run("Cleanup Closes Store", func(t *testing.T) {
		require.NoError(t, engine.Store.Health(ctx))
		require.NoError(t, sc.Cleanup(ctx))
		assert.Error(t, engine.Store.Health(ctx))
	})
}
