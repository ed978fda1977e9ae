package log

import (
	"bytes"
	"context"
	"testing"

	config "github.com/mwantia/docsync/internal/config/server"
	"github.com/mwantia/fabric/pkg/container"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type loggedWorker struct {
	Base   LoggerService `fabric:"inject"`
	Plain  LoggerService `fabric:"logger"`
	Worker LoggerService `fabric:"logger:worker"`
}

func TestLoggerTagProcessorCanProcess(t *testing.T) {
	processor := NewLoggerTagProcessor()

	assert.True(t, processor.CanProcess("logger"))
	assert.True(t, processor.CanProcess("Logger:tree"))
	assert.False(t, processor.CanProcess("inject"))
	assert.False(t, processor.CanProcess("loggers"))
	assert.Equal(t, 50, processor.GetPriority())
}

func TestLoggerTagProcessorInjects(t *testing.T) {
	ctx := context.Background()
	var buf bytes.Buffer
	logger := NewLoggerServiceWithWriter("agent", config.LogServerConfig{Level: "DEBUG"}, &buf)

	sc := container.NewServiceContainer()
	sc.AddTagProcessor(NewLoggerTagProcessor())

	require.NoError(t, container.Register[LoggerServiceImpl](sc,
		container.With[LoggerService](),
		container.WithInstance(logger)))
	require.NoError(t, container.Register[*loggedWorker](sc))

	worker, err := container.Resolve[*loggedWorker](ctx, sc)
	require.NoError(t, err)
	require.NotNil(t, worker.Worker)

	assert.Same(t, logger, worker.Base)
	assert.Same(t, logger, worker.Plain)

	worker.Worker.Info("picked up")
	assert.Contains(t, buf.String(), "[agent/worker] picked up")
}

func TestLoggerTagProcessorRequiresLogger(t *testing.T) {
	type orphan struct {
		Config *config.LogServerConfig `fabric:"inject"`
		Log    LoggerService           `fabric:"logger:orphan"`
	}

	sc := container.NewServiceContainer()
	sc.AddTagProcessor(NewLoggerTagProcessor())

	require.NoError(t, container.Register[*config.LogServerConfig](sc,
		container.WithInstance(&config.LogServerConfig{Level: "INFO"})))
	require.NoError(t, container.Register[*orphan](sc))

	_, err := container.Resolve[*orphan](context.Background(), sc)
	assert.ErrorContains(t, err, "no logger registered")
}
