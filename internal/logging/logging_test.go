package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"", slog.LevelInfo},
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warning", slog.LevelWarn},
		{" error ", slog.LevelError},
	}
	for _, tc := range tests {
		got, err := ParseLevel(tc.in)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}

	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

func TestNew_JSON(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(&buf, Options{Format: FormatJSON, Level: "warn"})
	require.NoError(t, err)

	WithComponent(l.Logger, "pool").Info("hidden")
	WithComponent(l.Logger, "pool").Warn("shown", "size", 3)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)

	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	assert.Equal(t, "shown", rec["msg"])
	assert.Equal(t, "pool", rec["component"])
	assert.Equal(t, float64(3), rec["size"])
	assert.NoError(t, l.Close())
}

func TestNew_Text(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(&buf, Options{NoColor: true})
	require.NoError(t, err)

	l.Info("connection pool opened", "size", 5)
	assert.Contains(t, buf.String(), "connection pool opened")
	assert.Contains(t, buf.String(), "size=5")
	assert.NotContains(t, buf.String(), "\x1b[", "no colour codes")
}

func TestNew_RejectsUnknownFormat(t *testing.T) {
	_, err := New(&bytes.Buffer{}, Options{Format: "xml"})
	assert.Error(t, err)
}

func TestNew_FileFanOut(t *testing.T) {
	path := filepath.Join(t.TempDir(), "recstore.log")
	var buf bytes.Buffer
	l, err := New(&buf, Options{NoColor: true, File: path})
	require.NoError(t, err)

	l.With("component", "store").Warn("digest collision", "algorithm", "md5")
	require.NoError(t, l.Close())

	assert.Contains(t, buf.String(), "digest collision")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var rec map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(data), &rec))
	assert.Equal(t, "digest collision", rec["msg"])
	assert.Equal(t, "store", rec["component"])
	assert.Equal(t, "md5", rec["algorithm"])
}

func TestWithComponent_NilLogger(t *testing.T) {
	l := WithComponent(nil, "txn")
	require.NotNil(t, l)
	l.Info("dropped")
}
