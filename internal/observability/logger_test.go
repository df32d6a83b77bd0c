// File: internal/observability/logger_test.go
package observability

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/xkilldash9x/scalpel-iast/internal/config"
)

func TestNewLoggerConsole(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(config.LoggerConfig{
		Level:       "debug",
		Format:      "console",
		ServiceName: "iast",
		Colors:      config.ColorConfig{Info: "green"},
	}, zapcore.AddSync(&buf))

	logger.Named("engine").Info("Engine started.")
	logger.Debug("uncolored level")
	require.NoError(t, logger.Sync())

	out := buf.String()
	assert.Contains(t, out, ansiColors["green"]+"INFO"+ansiReset)
	assert.Contains(t, out, "iast.engine.")
	assert.Contains(t, out, "Engine started.")
	assert.Contains(t, out, "\tDEBUG\t", "levels without a configured color are plain")
}

func TestNewLoggerJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(config.LoggerConfig{Level: "info", Format: "json", ServiceName: "json-test"}, zapcore.AddSync(&buf))
	logger.Debug("filtered")
	logger.Warn("Vulnerability batch dropped.", zap.String("scope_id", "abc"))
	require.NoError(t, logger.Sync())

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry), "exactly one JSON entry is written")
	assert.Equal(t, "WARN", entry["level"])
	assert.Equal(t, "json-test", entry["logger"])
	assert.Equal(t, "Vulnerability batch dropped.", entry["msg"])
	assert.Equal(t, "abc", entry["scope_id"])
}

func TestNewLoggerInvalidLevelDefaultsToInfo(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(config.LoggerConfig{Level: "loud", Format: "json"}, zapcore.AddSync(&buf))
	logger.Debug("hidden")
	logger.Info("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}

func TestNewLoggerWritesRotatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "iast.log")
	var console bytes.Buffer
	logger := NewLogger(config.LoggerConfig{Level: "debug", Format: "console", LogFile: path, MaxSize: 1}, zapcore.AddSync(&console))
	logger.Error("This should go to the file.")
	require.NoError(t, logger.Sync())

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(content), `"msg":"This should go to the file."`, "the file sink is JSON")
	assert.Contains(t, console.String(), "This should go to the file.")
}

func TestInitializeOnce(t *testing.T) {
	ResetForTest()
	defer ResetForTest()

	var buf bytes.Buffer
	Initialize(config.LoggerConfig{Level: "info", Format: "json", ServiceName: "First"}, zapcore.AddSync(&buf))
	first := GetLogger()
	Initialize(config.LoggerConfig{Level: "debug", Format: "json", ServiceName: "Second"}, zapcore.AddSync(&buf))
	second := GetLogger()

	assert.Same(t, first, second)
	second.Info("test")
	Sync()
	assert.Contains(t, buf.String(), "First")
	assert.NotContains(t, buf.String(), "Second")
}

func TestGetLoggerFallback(t *testing.T) {
	ResetForTest()
	defer ResetForTest()
	assert.NotNil(t, GetLogger())
	assert.NotPanics(t, Sync, "syncing without a global logger is a no-op")
}
