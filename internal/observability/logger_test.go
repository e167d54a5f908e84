// internal/observability/logger_test.go
package observability

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/authbridge/internal/config"
)

func testLoggerCfg() config.LoggerConfig {
	return config.LoggerConfig{
		Level:       "debug",
		Format:      "json",
		ServiceName: "authbridge-test",
	}
}

func TestInitializeSetsGlobalLogger(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)

	buf := &zaptest.Buffer{}
	Initialize(testLoggerCfg(), buf)

	logger := GetLogger()
	require.NotNil(t, logger)

	logger.Info("hello from test", zap.String("key", "value"))
	require.NoError(t, logger.Sync())

	lines := buf.Lines()
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "hello from test")
	assert.Contains(t, lines[0], `"key":"value"`)
	assert.Contains(t, lines[0], "authbridge-test")
}

func TestInitializeRunsOnlyOnce(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)

	first := &zaptest.Buffer{}
	Initialize(testLoggerCfg(), first)
	second := &zaptest.Buffer{}
	Initialize(testLoggerCfg(), second)

	GetLogger().Info("routed to the first writer")
	assert.NotEmpty(t, first.Lines())
	assert.Empty(t, second.Lines())
}

func TestInvalidLevelFallsBackToInfo(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)

	cfg := testLoggerCfg()
	cfg.Level = "chatty"
	buf := &zaptest.Buffer{}
	Initialize(cfg, buf)

	GetLogger().Debug("below the fallback level")
	GetLogger().Info("at the fallback level")

	lines := buf.Lines()
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "at the fallback level")
}

func TestGetLoggerBeforeInitialize(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)

	// Must not panic and must hand back something usable.
	logger := GetLogger()
	require.NotNil(t, logger)
	logger.Info("fallback logger works")
}

func TestGetEncoderFormats(t *testing.T) {
	assert.IsType(t, zapcore.NewConsoleEncoder(zap.NewProductionEncoderConfig()), getEncoder("console"))
	assert.IsType(t, zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()), getEncoder("json"))
	assert.IsType(t, zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()), getEncoder(""))
}
