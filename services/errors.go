package services

import "errors"

// Per-file failures. Each one is wrapped with goerr before it leaves the
// package, so callers should match with errors.Is.
var (
	ErrInvalidContainer   = errors.New("invalid container")
	ErrMissingPayloadSize = errors.New("missing payload size")
	ErrInvalidIVLength    = errors.New("invalid IV length")
	ErrCipherFailure      = errors.New("cipher failure")
	ErrTransformFailure   = errors.New("stage-2 transform failure")
	ErrAssemblyFailure    = errors.New("stream assembly failure")
	ErrTooSmall           = errors.New("file too small to be a valid .xm file")
	ErrIOFailure          = errors.New("i/o failure")

	// ErrTaggingFailure is logged and recovered inside TagAudio; it never
	// ends up in a DecryptionResult.
	ErrTaggingFailure = errors.New("tagging failure")
)

// Dispatcher failures returned to the submitting side.
var (
	ErrNotRunning      = errors.New("dispatcher is not running")
	ErrEmptyBatch      = errors.New("batch contains no jobs")
	ErrBatchInProgress = errors.New("another batch is still in progress")
)
