package types

import (
	"path/filepath"

	"github.com/google/uuid"
)

// DecryptionJob is one .xm file queued for decryption. It is not modified after
// submission.
type DecryptionJob struct {
	ID        string `json:"id"`
	InputPath string `json:"inputPath"`
	Filename  string `json:"filename"`
	OutputDir string `json:"outputDir"`
}

// NewDecryptionJob builds a job for inputPath with a fresh ID and the file's base
// name as display name.
func NewDecryptionJob(inputPath, outputDir string) DecryptionJob {
	return DecryptionJob{
		ID:        uuid.New().String(),
		InputPath: inputPath,
		Filename:  filepath.Base(inputPath),
		OutputDir: outputDir,
	}
}

// ResultMetadata describes a successfully written output file.
type ResultMetadata struct {
	Title       string `json:"title"`
	Artist      string `json:"artist"`
	Album       string `json:"album"`
	TrackNumber int    `json:"trackNumber"`
	Format      string `json:"format"`
	Size        int    `json:"size"`
}

// DecryptionResult is the outcome of one job
type DecryptionResult struct {
	Filename   string          `json:"filename"`
	Success    bool            `json:"success"`
	OutputPath string          `json:"outputPath,omitempty"`
	Metadata   *ResultMetadata `json:"metadata,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// DispatcherState represents the lifecycle state of the job dispatcher
type DispatcherState string

const (
	DispatcherIdle    DispatcherState = "idle"
	DispatcherRunning DispatcherState = "running"
)

// BatchStatus is a snapshot of the dispatcher and its current batch.
type BatchStatus struct {
	State     DispatcherState `json:"state"`
	BatchID   string          `json:"batchId,omitempty"`
	Processed int             `json:"processed"`
	Total     int             `json:"total"`
	Succeeded int             `json:"succeeded"`
	Failed    int             `json:"failed"`
}

// InProgress reports whether the current batch still has unprocessed jobs.
func (s BatchStatus) InProgress() bool {
	return s.Total > 0 && s.Processed < s.Total
}
