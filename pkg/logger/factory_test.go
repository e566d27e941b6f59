package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateLoggerLevels(t *testing.T) {
	log, err := CreateLogger("", "debug", "text", true)
	require.NoError(t, err)
	assert.Equal(t, logrus.DebugLevel, log.GetLevel())

	log, err = CreateLogger("", "warn", "json", false)
	require.NoError(t, err)
	assert.Equal(t, logrus.WarnLevel, log.GetLevel())
}

func TestCreateLoggerInvalidLevel(t *testing.T) {
	_, err := CreateLogger("", "loud", "text", true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid log level")
}

func TestCreateLoggerInvalidFormat(t *testing.T) {
	_, err := CreateLogger("", "info", "xml", true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported log format")
}

func TestCreateLoggerFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "agent.log")

	log, err := CreateLogger(path, "info", "json", false)
	require.NoError(t, err)

	log.Info("hello from the test")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello from the test")
}

func TestCreateDefaultLogger(t *testing.T) {
	log := CreateDefaultLogger()
	require.NotNil(t, log)
	assert.Equal(t, logrus.InfoLevel, log.GetLevel())
}
