package services

import (
	"bytes"

	"github.com/gabriel-vasile/mimetype"
)

// Audio formats produced by the pipeline. The value doubles as the file extension.
const (
	FormatM4A  = "m4a"
	FormatMP3  = "mp3"
	FormatFLAC = "flac"
	FormatWAV  = "wav"
)

const (
	sniffWindow     = 255
	signatureWindow = 16
)

var mimeFormats = []struct {
	mime   string
	format string
}{
	{"audio/x-m4a", FormatM4A},
	{"audio/mp4", FormatM4A},
	{"audio/mpeg", FormatMP3},
	{"audio/flac", FormatFLAC},
	{"audio/wav", FormatWAV},
}

// SniffFormat identifies the audio container from its leading bytes. It never
// fails: anything unrecognised is reported as mp3.
func SniffFormat(audio []byte) string {
	head := audio
	if len(head) > sniffWindow {
		head = head[:sniffWindow]
	}

	for m := mimetype.Detect(head); m != nil; m = m.Parent() {
		for _, candidate := range mimeFormats {
			if m.Is(candidate.mime) {
				return candidate.format
			}
		}
	}

	sig := head
	if len(sig) > signatureWindow {
		sig = sig[:signatureWindow]
	}
	switch {
	case bytes.Contains(sig, []byte("ftyp")):
		return FormatM4A
	case bytes.Contains(sig, []byte("fLaC")):
		return FormatFLAC
	case bytes.Contains(sig, []byte("RIFF")) && bytes.Contains(sig, []byte("WAVE")):
		return FormatWAV
	}

	// An MPEG frame sync (0xFF 0xE?) and the fallback both mean mp3.
	return FormatMP3
}
