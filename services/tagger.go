package services

import (
	"bytes"
	"log/slog"
	"strconv"

	"github.com/bogem/id3v2/v2"
	"github.com/m-mizutani/goerr/v2"
)

const (
	id3Version    = 4
	id3FooterFlag = 0x10
)

// TagAudio writes title, artist, album and track number into mp3 output.
// Other formats are returned untouched. A tagging failure is logged and the
// untagged audio is returned.
func TagAudio(audio []byte, format string, info *ContainerInfo, logger *slog.Logger) []byte {
	if format != FormatMP3 {
		return audio
	}
	if logger == nil {
		logger = slog.Default()
	}

	tagged, err := writeID3(stripID3(audio), info)
	if err != nil {
		logger.Warn("failed to tag mp3 output, keeping untagged audio",
			slog.String("title", info.Title),
			slog.Any("error", err))
		return audio
	}
	return tagged
}

// writeID3 prepends an ID3v2.4 tag. Frames are written in a fixed order so the
// same metadata always produces the same bytes.
func writeID3(audio []byte, info *ContainerInfo) ([]byte, error) {
	track := ""
	if info.TrackNumber > 0 {
		track = strconv.Itoa(info.TrackNumber)
	}
	fields := []struct {
		id   string
		text string
	}{
		{"TIT2", info.Title},
		{"TPE1", info.Artist},
		{"TALB", info.Album},
		{"TRCK", track},
	}

	var frames bytes.Buffer
	for _, f := range fields {
		if f.text == "" {
			continue
		}
		var body bytes.Buffer
		frame := id3v2.TextFrame{Encoding: id3v2.EncodingUTF8, Text: f.text}
		if _, err := frame.WriteTo(&body); err != nil {
			return nil, goerr.Wrap(ErrTaggingFailure, "failed to encode frame",
				goerr.V("frame", f.id),
				goerr.V("cause", err.Error()))
		}
		frames.WriteString(f.id)
		frames.Write(putSynchsafe(body.Len()))
		frames.Write([]byte{0, 0})
		frames.Write(body.Bytes())
	}
	if frames.Len() == 0 {
		return audio, nil
	}

	out := make([]byte, 0, headerPrefixSize+frames.Len()+len(audio))
	out = append(out, containerMagic...)
	out = append(out, id3Version, 0, 0)
	out = append(out, putSynchsafe(frames.Len())...)
	out = append(out, frames.Bytes()...)
	return append(out, audio...), nil
}

// stripID3 drops a leading ID3v2 tag (and its footer, if flagged) so the new tag
// is the only one in front of the audio frames.
func stripID3(audio []byte) []byte {
	if len(audio) < headerPrefixSize || string(audio[:3]) != containerMagic {
		return audio
	}
	size := headerPrefixSize + synchsafe(audio[6:10])
	if audio[5]&id3FooterFlag != 0 {
		size += headerPrefixSize
	}
	if size > len(audio) {
		return audio
	}
	return audio[size:]
}

func putSynchsafe(n int) []byte {
	return []byte{byte(n>>21) & 0x7f, byte(n>>14) & 0x7f, byte(n>>7) & 0x7f, byte(n) & 0x7f}
}
