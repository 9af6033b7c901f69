package types

// AudioFile represents a decrypted audio file under the output root
type AudioFile struct {
	Filename string         `json:"filename"`
	Path     string         `json:"path"`
	Size     int64          `json:"size"`
	Format   string         `json:"format"` // "mp3", "m4a", "flac", "wav"
	Metadata *AudioMetadata `json:"metadata,omitempty"`
}

// AudioMetadata represents metadata for an audio file
type AudioMetadata struct {
	Title       string `json:"title,omitempty"`
	Artist      string `json:"artist,omitempty"`
	Album       string `json:"album,omitempty"`
	TrackNumber int    `json:"trackNumber,omitempty"`
}

// ContainerFile is an .xm file found by a folder scan
type ContainerFile struct {
	Filename string `json:"filename"`
	Path     string `json:"path"`
	Size     int64  `json:"size"`
}

// DecryptRequest is the body of POST /api/decrypt
type DecryptRequest struct {
	Files     []string `json:"files"`
	OutputDir string   `json:"outputDir,omitempty"`
}

// ScanRequest is the body of POST /api/decrypt/scan
type ScanRequest struct {
	Folder string `json:"folder"`
}
