package logger

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNew_JSONFormatWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.log")
	log, err := New(Config{Level: "info", Format: "json", Output: path})
	require.NoError(t, err)

	log.Info("dispatch started", zap.String("model", "gpt-large"))
	Sync(log)

	b, err := os.ReadFile(path)
	require.NoError(t, err)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(b, &entry))
	assert.Equal(t, "dispatch started", entry["msg"])
	assert.Equal(t, "gpt-large", entry["model"])
	assert.Equal(t, "info", entry["level"])
	assert.NotEmpty(t, entry["ts"])
}

func TestNew_LevelFiltering(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.log")
	log, err := New(Config{Level: "warn", Format: "json", Output: path})
	require.NoError(t, err)

	log.Info("dropped")
	log.Warn("kept")
	Sync(log)

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(b), "dropped")
	assert.Contains(t, string(b), "kept")
}

func TestNew_UnknownLevelDefaultsToInfo(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.log")
	log, err := New(Config{Level: "loud", Format: "json", Output: path})
	require.NoError(t, err)

	log.Debug("dropped")
	log.Info("kept")
	Sync(log)

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(b), "dropped")
	assert.Contains(t, string(b), "kept")
}

func TestNew_ConsoleFormatEnablesDebugLevel(t *testing.T) {
	log, err := New(Config{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.True(t, log.Core().Enabled(zapcore.DebugLevel))
}

func TestComponent_NamesAndTags(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	log := zap.New(core)

	Component(log, "executor").Info("attempt issued")

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "executor", entries[0].LoggerName)
	assert.Equal(t, "executor", entries[0].ContextMap()["component"])
}
