package services

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/m-mizutani/goerr/v2"

	"xmdecrypt/types"
)

// MinContainerSize is the smallest input accepted as an .xm container.
const MinContainerSize = 1024

var unsafeNameChars = regexp.MustCompile(`[<>:"/\\|?*]`)

// Storage is the filesystem collaborator of the Decryptor.
type Storage interface {
	ReadFile(name string) ([]byte, error)
	WriteFile(name string, data []byte, perm os.FileMode) error
	MkdirAll(path string, perm os.FileMode) error
}

type osStorage struct{}

// OSStorage returns a Storage backed by the local filesystem.
func OSStorage() Storage { return osStorage{} }

func (osStorage) ReadFile(name string) ([]byte, error) { return os.ReadFile(name) }

func (osStorage) WriteFile(name string, data []byte, perm os.FileMode) error {
	return os.WriteFile(name, data, perm)
}

func (osStorage) MkdirAll(path string, perm os.FileMode) error { return os.MkdirAll(path, perm) }

// Decryptor runs the full per-file pipeline. It holds no per-job state, so a
// single instance serves a whole batch.
type Decryptor struct {
	transformer Transformer
	storage     Storage
	logger      *slog.Logger
}

// DecryptorOption configures a Decryptor
type DecryptorOption func(*Decryptor)

// WithStorage replaces the filesystem used to read inputs and write outputs.
func WithStorage(s Storage) DecryptorOption {
	return func(d *Decryptor) {
		d.storage = s
	}
}

// WithLogger sets the logger for the Decryptor.
func WithLogger(logger *slog.Logger) DecryptorOption {
	return func(d *Decryptor) {
		d.logger = logger
	}
}

// NewDecryptor creates a Decryptor around a loaded stage-2 transformer.
func NewDecryptor(t Transformer, opts ...DecryptorOption) *Decryptor {
	d := &Decryptor{
		transformer: t,
		storage:     OSStorage(),
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// DecryptFile decrypts one job and writes the audio under job.OutputDir. It
// never returns an error: every failure is reported through the result. Only a
// panic inside the stage-2 transformer escapes, since it leaves the shared
// transformer in an unknown state.
func (d *Decryptor) DecryptFile(ctx context.Context, job types.DecryptionJob) (res *types.DecryptionResult) {
	filename := job.Filename
	if filename == "" {
		filename = filepath.Base(job.InputPath)
	}

	defer func() {
		if r := recover(); r != nil {
			if fault, ok := r.(transformerPanic); ok {
				panic(fault.value)
			}
			d.logger.Error("decryption panicked",
				slog.String("file", filename),
				slog.Any("panic", r))
			res = &types.DecryptionResult{
				Filename: filename,
				Success:  false,
				Error:    fmt.Sprintf("internal error: %v", r),
			}
		}
	}()

	result, err := d.decrypt(ctx, job)
	if err != nil {
		d.logger.Warn("decryption failed",
			slog.String("file", filename),
			slog.Any("error", err))
		return &types.DecryptionResult{
			Filename: filename,
			Success:  false,
			Error:    err.Error(),
		}
	}

	result.Filename = filename
	d.logger.Debug("decryption succeeded",
		slog.String("file", filename),
		slog.String("output", result.OutputPath),
		slog.String("format", result.Metadata.Format))
	return result
}

func (d *Decryptor) decrypt(ctx context.Context, job types.DecryptionJob) (*types.DecryptionResult, error) {
	raw, err := d.storage.ReadFile(job.InputPath)
	if err != nil {
		return nil, goerr.Wrap(ErrIOFailure, "failed to read input file",
			goerr.V("path", job.InputPath),
			goerr.V("cause", err.Error()))
	}
	if len(raw) < MinContainerSize {
		return nil, goerr.Wrap(ErrTooSmall, "input rejected", goerr.V("size", len(raw)))
	}

	info, err := ParseContainer(raw)
	if err != nil {
		return nil, err
	}
	iv, err := info.IV()
	if err != nil {
		return nil, err
	}

	plain, err := DecryptPayload(raw[info.HeaderSize:info.PayloadEnd()], ContainerKey(), iv)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	stage2, err := invokeTransform(ctx, d.transformer, PrintablePrefix(plain), info.TrackNumber)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	audio, err := AssembleStream(info, stage2, raw)
	if err != nil {
		return nil, err
	}

	format := SniffFormat(audio)
	audio = TagAudio(audio, format, info, d.logger)

	outDir := job.OutputDir
	if album := sanitizeName(info.Album); usableName(album) {
		outDir = filepath.Join(outDir, album)
	}
	title := sanitizeName(info.Title)
	if !usableName(title) {
		title = strings.TrimSuffix(filepath.Base(job.InputPath), filepath.Ext(job.InputPath))
	}
	outputPath := filepath.Join(outDir, title+"."+format)

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := d.storage.MkdirAll(outDir, 0o755); err != nil {
		return nil, goerr.Wrap(ErrIOFailure, "failed to create output directory",
			goerr.V("path", outDir),
			goerr.V("cause", err.Error()))
	}
	if err := d.storage.WriteFile(outputPath, audio, 0o644); err != nil {
		return nil, goerr.Wrap(ErrIOFailure, "failed to write output file",
			goerr.V("path", outputPath),
			goerr.V("cause", err.Error()))
	}

	return &types.DecryptionResult{
		Success:    true,
		OutputPath: outputPath,
		Metadata: &types.ResultMetadata{
			Title:       info.Title,
			Artist:      info.Artist,
			Album:       info.Album,
			TrackNumber: info.TrackNumber,
			Format:      format,
			Size:        len(audio),
		},
	}, nil
}

// sanitizeName replaces characters that are not allowed in file names with
// spaces. Surrounding whitespace is kept.
func sanitizeName(name string) string {
	return unsafeNameChars.ReplaceAllString(name, " ")
}

// usableName reports whether a sanitized name can be a path element on its own.
func usableName(name string) bool {
	switch strings.TrimSpace(name) {
	case "", ".", "..":
		return false
	}
	return true
}
