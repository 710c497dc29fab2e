package log

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogger_WriteAndRotate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "echonet.log")

	l, err := NewLogger(path)
	require.NoError(t, err)
	defer l.Close()

	logger := slog.New(NewHandler(l, slog.LevelInfo))
	logger.Info("first", "n", 1)

	// 外部ツールによるローテーションを模擬
	require.NoError(t, os.Rename(path, path+".1"))
	require.NoError(t, l.Rotate())
	logger.Info("second", "n", 2)
	logger.Debug("hidden")

	old, err := os.ReadFile(path + ".1")
	require.NoError(t, err)
	assert.Contains(t, string(old), "msg=first")

	cur, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(cur), "msg=second")
	assert.NotContains(t, string(cur), "hidden")
}

func TestLogger_WriteAfterClose(t *testing.T) {
	l, err := NewLogger(filepath.Join(t.TempDir(), "x.log"))
	require.NoError(t, err)
	require.NoError(t, l.Close())

	n, err := l.Write([]byte("ignored"))
	assert.NoError(t, err)
	assert.Equal(t, 7, n)
	assert.NoError(t, l.Rotate())
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"", slog.LevelInfo, false},
		{"debug", slog.LevelDebug, false},
		{"WARN", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"verbose", slog.LevelInfo, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
