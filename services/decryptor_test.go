package services_test

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"xmdecrypt/services"
	"xmdecrypt/testsupport"
	"xmdecrypt/types"
	"xmdecrypt/wasm"
)

func TestDecryptFileMP3(t *testing.T) {
	inDir, outDir := t.TempDir(), t.TempDir()
	path, fx := writeFixture(t, inDir, "episode.xm", mp3Episode("Chapter One"))

	d := services.NewDecryptor(&testsupport.EchoTransformer{})
	result := d.DecryptFile(context.Background(), types.NewDecryptionJob(path, outDir))

	require.True(t, result.Success, result.Error)
	assert.Equal(t, "episode.xm", result.Filename)
	assert.Equal(t, filepath.Join(outDir, "Morning Stories", "Chapter One.mp3"), result.OutputPath)
	require.NotNil(t, result.Metadata)
	assert.Equal(t, types.ResultMetadata{
		Title:       "Chapter One",
		Artist:      "Narrator",
		Album:       "Morning Stories",
		TrackNumber: 3,
		Format:      services.FormatMP3,
		Size:        result.Metadata.Size,
	}, *result.Metadata)

	written, err := os.ReadFile(result.OutputPath)
	require.NoError(t, err)
	assert.Len(t, written, result.Metadata.Size)
	assert.True(t, bytes.HasPrefix(written, []byte("ID3")))
	assert.True(t, bytes.HasSuffix(written, fx.Stream))
}

func TestDecryptFileFLACIsNotTagged(t *testing.T) {
	inDir, outDir := t.TempDir(), t.TempDir()
	path, fx := writeFixture(t, inDir, "lossless.xm", testsupport.Container{
		Title:   "Lossless",
		Album:   "Hi-Fi",
		Audio:   testsupport.FLACStream(700),
		SplitAt: 12,
	})

	result := services.NewDecryptor(&testsupport.EchoTransformer{}).
		DecryptFile(context.Background(), types.NewDecryptionJob(path, outDir))

	require.True(t, result.Success, result.Error)
	assert.Equal(t, filepath.Join(outDir, "Hi-Fi", "Lossless.flac"), result.OutputPath)
	assert.Equal(t, services.FormatFLAC, result.Metadata.Format)

	written, err := os.ReadFile(result.OutputPath)
	require.NoError(t, err)
	assert.Equal(t, fx.Stream, written)
}

func TestDecryptFileEncodedByIV(t *testing.T) {
	inDir, outDir := t.TempDir(), t.TempDir()
	path, _ := writeFixture(t, inDir, "tenc.xm", testsupport.Container{
		Title:     "Via TENC",
		EncodedBy: "0f0e0d0c0b0a09080706050403020100",
		Audio:     testsupport.MP3Stream(500),
	})

	result := services.NewDecryptor(&testsupport.EchoTransformer{}).
		DecryptFile(context.Background(), types.NewDecryptionJob(path, outDir))
	require.True(t, result.Success, result.Error)
	assert.Equal(t, filepath.Join(outDir, "Via TENC.mp3"), result.OutputPath)
}

func TestDecryptFileSanitizesNames(t *testing.T) {
	tests := []struct {
		name     string
		title    string
		album    string
		input    string
		wantPath []string
	}{
		{
			name:     "reserved characters become spaces",
			title:    `a/b:c?`,
			album:    `x<y>z|"q"`,
			input:    "one.xm",
			wantPath: []string{`x y z  q `, "a b c .mp3"},
		},
		{
			name:     "leading reserved character keeps its space",
			title:    "?Intro",
			input:    "intro.xm",
			wantPath: []string{" Intro.mp3"},
		},
		{
			name:     "whitespace-only album is dropped",
			title:    "Spaced",
			album:    " | ",
			input:    "spaced.xm",
			wantPath: []string{"Spaced.mp3"},
		},
		{
			name:     "blank title falls back to input stem",
			title:    "",
			album:    "Album",
			input:    "track07.xm",
			wantPath: []string{"Album", "track07.mp3"},
		},
		{
			name:     "title of only reserved characters falls back to input stem",
			title:    "???",
			input:    "stem.xm",
			wantPath: []string{"stem.mp3"},
		},
		{
			name:     "dot-dot album is dropped",
			title:    "Escape",
			album:    "..",
			input:    "esc.xm",
			wantPath: []string{"Escape.mp3"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inDir, outDir := t.TempDir(), t.TempDir()
			path, _ := writeFixture(t, inDir, tt.input, testsupport.Container{
				Title: tt.title,
				Album: tt.album,
				Audio: testsupport.MP3Stream(400),
			})

			result := services.NewDecryptor(&testsupport.EchoTransformer{}).
				DecryptFile(context.Background(), types.NewDecryptionJob(path, outDir))
			require.True(t, result.Success, result.Error)

			want := filepath.Join(append([]string{outDir}, tt.wantPath...)...)
			assert.Equal(t, want, result.OutputPath)
			assert.FileExists(t, want)
		})
	}
}

func TestDecryptFileIsIdempotent(t *testing.T) {
	inDir, outDir := t.TempDir(), t.TempDir()
	path, _ := writeFixture(t, inDir, "same.xm", mp3Episode("Repeat"))
	d := services.NewDecryptor(&testsupport.EchoTransformer{})

	first := d.DecryptFile(context.Background(), types.NewDecryptionJob(path, outDir))
	require.True(t, first.Success, first.Error)
	firstBytes, err := os.ReadFile(first.OutputPath)
	require.NoError(t, err)

	second := d.DecryptFile(context.Background(), types.NewDecryptionJob(path, outDir))
	require.True(t, second.Success, second.Error)
	secondBytes, err := os.ReadFile(second.OutputPath)
	require.NoError(t, err)

	assert.Equal(t, first.OutputPath, second.OutputPath)
	assert.Equal(t, firstBytes, secondBytes)
}

func TestDecryptFileFailures(t *testing.T) {
	inDir := t.TempDir()

	small := filepath.Join(inDir, "small.xm")
	require.NoError(t, os.WriteFile(small, make([]byte, 100), 0o644))

	notXM := filepath.Join(inDir, "plain.xm")
	require.NoError(t, os.WriteFile(notXM, bytes.Repeat([]byte("x"), 2048), 0o644))

	noSize, _ := writeFixture(t, inDir, "nosize.xm", testsupport.Container{
		Title:           "No size",
		Audio:           testsupport.MP3Stream(300),
		OmitPayloadSize: true,
	})
	badIV, _ := writeFixture(t, inDir, "badiv.xm", testsupport.Container{
		Title: "Bad IV",
		Audio: testsupport.MP3Stream(300),
	})
	corruptIV(t, badIV)
	valid, _ := writeFixture(t, inDir, "valid.xm", mp3Episode("Valid"))

	tests := []struct {
		name        string
		path        string
		transformer services.Transformer
		wantErr     string
	}{
		{name: "missing file", path: filepath.Join(inDir, "missing.xm"), transformer: &testsupport.EchoTransformer{}, wantErr: services.ErrIOFailure.Error()},
		{name: "too small", path: small, transformer: &testsupport.EchoTransformer{}, wantErr: "file too small to be a valid .xm file"},
		{name: "not a container", path: notXM, transformer: &testsupport.EchoTransformer{}, wantErr: services.ErrInvalidContainer.Error()},
		{name: "missing payload size", path: noSize, transformer: &testsupport.EchoTransformer{}, wantErr: services.ErrMissingPayloadSize.Error()},
		{name: "bad IV", path: badIV, transformer: &testsupport.EchoTransformer{}, wantErr: services.ErrInvalidIVLength.Error()},
		{name: "stage-2 failure", path: valid, transformer: testsupport.FailingTransformer{}, wantErr: services.ErrTransformFailure.Error()},
		{
			name: "stage-2 returns garbage",
			path: valid,
			transformer: services.TransformerFunc(func(context.Context, []byte, []byte) (string, error) {
				return "@@not base64@@", nil
			}),
			wantErr: services.ErrAssemblyFailure.Error(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			outDir := t.TempDir()
			result := services.NewDecryptor(tt.transformer).
				DecryptFile(context.Background(), types.NewDecryptionJob(tt.path, outDir))

			assert.False(t, result.Success)
			assert.Equal(t, filepath.Base(tt.path), result.Filename)
			assert.Contains(t, result.Error, tt.wantErr)
			assert.Empty(t, result.OutputPath)
			assert.Nil(t, result.Metadata)

			entries, err := os.ReadDir(outDir)
			require.NoError(t, err)
			assert.Empty(t, entries, "failed jobs must not write output")
		})
	}
}

func TestDecryptFileCancelledContext(t *testing.T) {
	inDir, outDir := t.TempDir(), t.TempDir()
	path, _ := writeFixture(t, inDir, "cancel.xm", mp3Episode("Cancelled"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := services.NewDecryptor(&testsupport.EchoTransformer{}).
		DecryptFile(ctx, types.NewDecryptionJob(path, outDir))
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, context.Canceled.Error())
}

// memStorage keeps files in memory and can fail writes on demand.
type memStorage struct {
	mu       sync.Mutex
	files    map[string][]byte
	dirs     []string
	writeErr error
}

func (m *memStorage) ReadFile(name string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.files[name]
	if !ok {
		return nil, os.ErrNotExist
	}
	return data, nil
}

func (m *memStorage) WriteFile(name string, data []byte, _ os.FileMode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return m.writeErr
	}
	m.files[name] = append([]byte(nil), data...)
	return nil
}

func (m *memStorage) MkdirAll(path string, _ os.FileMode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dirs = append(m.dirs, path)
	return nil
}

func TestDecryptFileUsesStorage(t *testing.T) {
	c := mp3Episode("In Memory")
	c.Key = services.ContainerKey()
	fx, err := c.Build()
	require.NoError(t, err)

	storage := &memStorage{files: map[string][]byte{"/in/mem.xm": fx.Data}}
	d := services.NewDecryptor(&testsupport.EchoTransformer{}, services.WithStorage(storage))

	result := d.DecryptFile(context.Background(), types.NewDecryptionJob("/in/mem.xm", "/out"))
	require.True(t, result.Success, result.Error)

	want := filepath.Join("/out", "Morning Stories", "In Memory.mp3")
	assert.Equal(t, want, result.OutputPath)
	assert.Equal(t, []string{filepath.Join("/out", "Morning Stories")}, storage.dirs)
	assert.True(t, bytes.HasSuffix(storage.files[want], fx.Stream))

	storage.writeErr = errors.New("disk full")
	result = d.DecryptFile(context.Background(), types.NewDecryptionJob("/in/mem.xm", "/out"))
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, services.ErrIOFailure.Error())
}

func TestDecryptFileWithStage2Module(t *testing.T) {
	tests := []struct {
		name    string
		status  int32
		wantErr error
	}{
		{name: "module echoes the fragment"},
		{name: "module reports failure", status: 1, wantErr: services.ErrTransformFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			tr, err := wasm.Load(ctx, testsupport.EchoModule(tt.status))
			require.NoError(t, err)
			t.Cleanup(func() { _ = tr.Close() })

			inDir, outDir := t.TempDir(), t.TempDir()
			path, fx := writeFixture(t, inDir, "module.xm", mp3Episode("Through Wasm"))

			result := services.NewDecryptor(tr).DecryptFile(ctx, types.NewDecryptionJob(path, outDir))
			if tt.wantErr != nil {
				assert.False(t, result.Success)
				assert.Contains(t, result.Error, tt.wantErr.Error())
				return
			}
			require.True(t, result.Success, result.Error)
			written, err := os.ReadFile(result.OutputPath)
			require.NoError(t, err)
			assert.True(t, bytes.HasSuffix(written, fx.Stream))
		})
	}
}

type panickingStorage struct{ memStorage }

func (p *panickingStorage) ReadFile(string) ([]byte, error) {
	panic("storage exploded")
}

func TestDecryptFileRecoversPanics(t *testing.T) {
	d := services.NewDecryptor(&testsupport.EchoTransformer{}, services.WithStorage(&panickingStorage{}))

	var result *types.DecryptionResult
	require.NotPanics(t, func() {
		result = d.DecryptFile(context.Background(), types.NewDecryptionJob("/in/boom.xm", "/out"))
	})
	assert.Equal(t, "boom.xm", result.Filename)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "internal error")
	assert.Contains(t, result.Error, "storage exploded")
}

// corruptIV rewrites the TSRC frame text so it no longer decodes to 16 bytes.
func corruptIV(t *testing.T, path string) {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	idx := bytes.Index(data, []byte(testsupport.DefaultIV))
	require.GreaterOrEqual(t, idx, 0)
	copy(data[idx:], "zz")

	require.NoError(t, os.WriteFile(path, data, 0o644))
}
