package handlers

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRange(t *testing.T) {
	tests := []struct {
		name       string
		header     string
		size       int64
		start, end int64
		ok         bool
	}{
		{"closed", "bytes=0-99", 1000, 0, 99, true},
		{"open ended", "bytes=500-", 1000, 500, 999, true},
		{"suffix", "bytes=-200", 1000, 800, 999, true},
		{"suffix larger than file", "bytes=-5000", 1000, 0, 999, true},
		{"end clamped", "bytes=900-2000", 1000, 900, 999, true},
		{"start past end", "bytes=1000-", 1000, 0, 0, false},
		{"inverted", "bytes=50-10", 1000, 0, 0, false},
		{"multiple ranges", "bytes=0-1,5-6", 1000, 0, 0, false},
		{"wrong unit", "items=0-1", 1000, 0, 0, false},
		{"garbage", "bytes=a-b", 1000, 0, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			start, end, ok := parseRange(tt.header, tt.size)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.start, start)
				assert.Equal(t, tt.end, end)
			}
		})
	}
}

func TestValidatePath(t *testing.T) {
	root := t.TempDir()

	created := filepath.Join(root, "new", "library")
	require.NoError(t, validatePath(created))
	assert.DirExists(t, created)
	assert.NoFileExists(t, filepath.Join(created, ".xmdecrypt-write-test"))

	file := filepath.Join(root, "plain")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))
	assert.Error(t, validatePath(file))
	assert.Error(t, validatePath(""))
}

func TestValidateInput(t *testing.T) {
	dir := t.TempDir()
	xm := filepath.Join(dir, "a.XM")
	require.NoError(t, os.WriteFile(xm, []byte("ID3"), 0o644))

	assert.NoError(t, validateInput(xm))
	assert.Error(t, validateInput(""))
	assert.Error(t, validateInput(filepath.Join(dir, "a.mp3")))
	assert.Error(t, validateInput(filepath.Join(dir, "missing.xm")))
}
