package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitWithWriterLevels(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, InitWithWriter(Config{Level: "warn"}, &buf))

	l := WithComponent("sync")
	l.Info().Msg("hidden")
	l.Warn().Str("device", "arduino1").Msg("visible")

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &entry))
	assert.Equal(t, "warn", entry["level"])
	assert.Equal(t, "sync", entry["component"])
	assert.Equal(t, "arduino1", entry["device"])
	assert.Equal(t, "visible", entry["message"])
}

func TestInitDebugOverridesLevel(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, InitWithWriter(Config{Level: "error", Debug: true}, &buf))

	GetLogger().Debug().Msg("debug line")
	assert.Contains(t, buf.String(), "debug line")
}

func TestInitRejectsUnknownLevel(t *testing.T) {
	assert.Error(t, InitWithWriter(Config{Level: "loud"}, &bytes.Buffer{}))
}

func TestDefaultConfigReadsEnvironment(t *testing.T) {
	t.Setenv("LOG_LEVEL", "debug")
	assert.Equal(t, "debug", DefaultConfig().Level)
}
