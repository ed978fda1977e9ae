package log

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	config "github.com/mwantia/docsync/internal/config/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	assert.Equal(t, Debug, Parse("debug"))
	assert.Equal(t, Warn, Parse(" WARNING "))
	assert.Equal(t, Error, Parse("Error"))
	assert.Equal(t, Info, Parse("verbose"))
	assert.Equal(t, "WARN", Warn.String())
}

func TestLoggerService(t *testing.T) {
	t.Run("Filters Below Level", func(t *testing.T) {
		var buf bytes.Buffer
		logger := NewLoggerServiceWithWriter("test", config.LogServerConfig{Level: "WARN"}, &buf)

		logger.Info("hidden %d", 1)
		logger.Warn("shown %d", 2)

		out := buf.String()
		assert.NotContains(t, out, "hidden")
		assert.Contains(t, out, "shown 2")
		assert.Contains(t, out, "[test]")
	})

	t.Run("Named Loggers Share Writer", func(t *testing.T) {
		var buf bytes.Buffer
		logger := NewLoggerServiceWithWriter("agent", config.LogServerConfig{Level: "DEBUG"}, &buf)

		logger.Named("tree").Debug("walking")

		assert.Contains(t, buf.String(), "[agent/tree] walking")
	})

	t.Run("JSON Output", func(t *testing.T) {
		var buf bytes.Buffer
		logger := NewLoggerServiceWithWriter("upload", config.LogServerConfig{Level: "INFO", JSON: true}, &buf)

		logger.Error("failed with %s", "status 500")

		var entry logEntry
		require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(buf.String())), &entry))
		assert.Equal(t, "ERROR", entry.Level)
		assert.Equal(t, "upload", entry.Service)
		assert.Equal(t, "failed with status 500", entry.Message)
	})

	t.Run("Literal Percent Without Args", func(t *testing.T) {
		var buf bytes.Buffer
		logger := NewLoggerServiceWithWriter("", config.LogServerConfig{Level: "INFO"}, &buf)

		logger.Info("100% done")

		assert.Contains(t, buf.String(), "100% done")
	})
}
