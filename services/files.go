package services

import (
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/dhowden/tag"
	"github.com/m-mizutani/goerr/v2"

	"xmdecrypt/types"
)

// ContainerExt is the extension of encrypted input files.
const ContainerExt = ".xm"

var trackPrefix = regexp.MustCompile(`^(\d+)[\.\-\s]+(.+)`)

var audioContentTypes = map[string]string{
	".mp3":  "audio/mpeg",
	".m4a":  "audio/mp4",
	".flac": "audio/flac",
	".wav":  "audio/wav",
}

// FileService interface defines methods for file management
type FileService interface {
	ScanContainerFiles(folder string) ([]types.ContainerFile, error)
	ScanAudioFiles(rootPath string) ([]types.AudioFile, error)
	ExtractAudioMetadata(filePath string) *types.AudioMetadata
	ValidateFilePath(path string) error
	GetContentType(filePath string) string
}

// fileService implements the FileService interface
type fileService struct {
	logger *slog.Logger
}

// NewFileService creates a new file service
func NewFileService(logger *slog.Logger) FileService {
	if logger == nil {
		logger = slog.Default()
	}
	return &fileService{logger: logger}
}

// ScanContainerFiles lists .xm files in folder and its immediate sub-directories.
func (s *fileService) ScanContainerFiles(folder string) ([]types.ContainerFile, error) {
	info, err := os.Stat(folder)
	if err != nil {
		return nil, goerr.Wrap(ErrIOFailure, "failed to stat folder", goerr.V("folder", folder), goerr.V("cause", err.Error()))
	}
	if !info.IsDir() {
		return nil, goerr.Wrap(ErrIOFailure, "not a directory", goerr.V("folder", folder))
	}

	var files []types.ContainerFile
	err = filepath.WalkDir(folder, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			s.logger.Warn("error accessing path", slog.String("path", path), slog.Any("error", err))
			return nil
		}

		rel, relErr := filepath.Rel(folder, path)
		if relErr != nil {
			return nil
		}
		depth := 0
		if rel != "." {
			depth = strings.Count(filepath.ToSlash(rel), "/") + 1
		}

		if d.IsDir() {
			if depth > 1 {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.EqualFold(filepath.Ext(path), ContainerExt) {
			return nil
		}

		fi, infoErr := d.Info()
		if infoErr != nil {
			return nil
		}
		files = append(files, types.ContainerFile{
			Filename: d.Name(),
			Path:     path,
			Size:     fi.Size(),
		})
		return nil
	})
	if err != nil {
		return nil, goerr.Wrap(ErrIOFailure, "failed to scan folder", goerr.V("folder", folder), goerr.V("cause", err.Error()))
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

// ScanAudioFiles recursively scans a directory for decrypted audio files
func (s *fileService) ScanAudioFiles(rootPath string) ([]types.AudioFile, error) {
	var files []types.AudioFile

	err := filepath.WalkDir(rootPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			s.logger.Warn("error accessing path", slog.String("path", path), slog.Any("error", err))
			return nil // Continue walking, don't fail entire scan
		}
		if d.IsDir() {
			return nil
		}

		ext := strings.ToLower(filepath.Ext(path))
		if _, ok := audioContentTypes[ext]; !ok {
			return nil
		}

		relativePath, err := filepath.Rel(rootPath, path)
		if err != nil {
			relativePath = path
		}
		fi, err := d.Info()
		if err != nil {
			return nil
		}

		files = append(files, types.AudioFile{
			Filename: d.Name(),
			Path:     filepath.ToSlash(relativePath),
			Size:     fi.Size(),
			Format:   strings.TrimPrefix(ext, "."),
			Metadata: s.ExtractAudioMetadata(path),
		})
		return nil
	})
	if err != nil {
		return nil, goerr.Wrap(ErrIOFailure, "failed to scan output root", goerr.V("root", rootPath), goerr.V("cause", err.Error()))
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

// GetContentType returns the appropriate MIME type for an audio file
func (s *fileService) GetContentType(filePath string) string {
	if ct, ok := audioContentTypes[strings.ToLower(filepath.Ext(filePath))]; ok {
		return ct
	}
	return "application/octet-stream"
}

// ExtractAudioMetadata reads tags from an audio file, filling gaps from the path.
func (s *fileService) ExtractAudioMetadata(filePath string) *types.AudioMetadata {
	file, err := os.Open(filePath)
	if err != nil {
		s.logger.Warn("could not open audio file", slog.String("path", filePath), slog.Any("error", err))
		return s.extractMetadataFromPath(filePath)
	}
	defer file.Close()

	meta, err := tag.ReadFrom(file)
	if err != nil {
		s.logger.Debug("could not parse audio metadata", slog.String("path", filePath), slog.Any("error", err))
		return s.extractMetadataFromPath(filePath)
	}

	metadata := &types.AudioMetadata{
		Title:  meta.Title(),
		Artist: meta.Artist(),
		Album:  meta.Album(),
	}
	metadata.TrackNumber, _ = meta.Track()

	if metadata.Title == "" || metadata.Album == "" || metadata.TrackNumber == 0 {
		fallback := s.extractMetadataFromPath(filePath)
		if metadata.Title == "" {
			metadata.Title = fallback.Title
		}
		if metadata.Album == "" {
			metadata.Album = fallback.Album
		}
		if metadata.TrackNumber == 0 {
			metadata.TrackNumber = fallback.TrackNumber
		}
	}

	return metadata
}

// extractMetadataFromPath derives metadata from an <album>/<title>.<ext> layout.
func (s *fileService) extractMetadataFromPath(filePath string) *types.AudioMetadata {
	metadata := &types.AudioMetadata{}

	parts := strings.Split(filepath.ToSlash(filePath), "/")
	if len(parts) >= 2 {
		metadata.Album = parts[len(parts)-2]
	}

	filename := filepath.Base(filePath)
	title := strings.TrimSuffix(filename, filepath.Ext(filename))
	if matches := trackPrefix.FindStringSubmatch(title); len(matches) > 2 {
		title = matches[2]
		if trackNum, err := strconv.Atoi(matches[1]); err == nil {
			metadata.TrackNumber = trackNum
		}
	}
	metadata.Title = title

	return metadata
}

// ValidateFilePath checks for path traversal attempts and other security issues
func (s *fileService) ValidateFilePath(path string) error {
	if strings.TrimSpace(path) == "" {
		return goerr.New("empty path not allowed")
	}
	if strings.Contains(path, "..") {
		return goerr.New("path traversal not allowed", goerr.V("path", path))
	}
	if strings.HasPrefix(path, "/") || filepath.IsAbs(path) {
		return goerr.New("absolute paths not allowed", goerr.V("path", path))
	}
	return nil
}
