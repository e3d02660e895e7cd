package logger

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]slog.Level{
		"":      slog.LevelInfo,
		"debug": slog.LevelDebug,
		"INFO":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	} {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

func TestNew_WritesToFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "logs", "rumi.log")
	l, closer, err := New(Options{Level: "warn", File: file})
	require.NoError(t, err)

	l.Info("hidden")
	l.Warn("backup skipped", "id", "abc")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Contains(t, string(data), "backup skipped")
	assert.Contains(t, string(data), "id=abc")
	assert.NotContains(t, string(data), "hidden")
}

func TestNew_VerboseOverridesLevel(t *testing.T) {
	file := filepath.Join(t.TempDir(), "rumi.log")
	l, closer, err := New(Options{Level: "error", Verbose: true, File: file})
	require.NoError(t, err)
	defer closer.Close()

	assert.True(t, l.Enabled(context.Background(), slog.LevelDebug))
}
