package observability

import (
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"ttpacket/pkg/config"
)

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]zapcore.Level{
		"debug": zap.DebugLevel, "": zap.InfoLevel, "WARNING": zap.WarnLevel, " error ": zap.ErrorLevel,
	} {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseLevel("verbose")
	assert.Error(t, err)
}

func TestFileOutputJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "node.log")
	l, err := SetupLogger(config.LogConfig{Level: "info", Format: "json", Outputs: []string{path}})
	require.NoError(t, err)

	l.Debug("hidden")
	zap.L().Info("via global", zap.Int("peer", 2))
	log.Print("via stdlib")
	require.NoError(t, l.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)

	var first map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, "via global", first["msg"])
	assert.Equal(t, "info", first["level"])
	assert.EqualValues(t, 2, first["peer"])
	assert.Contains(t, lines[1], "via stdlib")

	// globals restored after Close
	assert.NotSame(t, l.Logger, zap.L())
}

func TestAtomicLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.log")
	l, err := SetupLogger(config.LogConfig{Level: "warn", Format: "console", Outputs: []string{path}})
	require.NoError(t, err)
	l.Info("before")
	l.Level.SetLevel(zap.InfoLevel)
	l.Info("after")
	require.NoError(t, l.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "before")
	assert.Contains(t, string(data), "after")
}

func TestRotationFilename(t *testing.T) {
	dir := t.TempDir()
	c := config.LogConfig{
		Level:   "info",
		Outputs: []string{filepath.Join(dir, "ignored.log")},
		Rotation: config.RotationConfig{
			Enable:   true,
			Filename: filepath.Join(dir, "rotated.log"),
		},
	}
	l, err := SetupLogger(c)
	require.NoError(t, err)
	l.Info("rolled")
	require.NoError(t, l.Close())

	_, err = os.Stat(filepath.Join(dir, "rotated.log"))
	assert.NoError(t, err)
}

func TestBadLevel(t *testing.T) {
	_, err := SetupLogger(config.LogConfig{Level: "chatty", Outputs: []string{"stderr"}})
	assert.Error(t, err)
}
