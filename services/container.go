package services

import (
	"bytes"
	"encoding/binary"
	"strconv"
	"strings"

	"github.com/m-mizutani/goerr/v2"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
)

const (
	containerMagic   = "ID3"
	headerPrefixSize = 10
	frameHeaderSize  = 10
)

// Text encodings selected by the first content byte of a frame.
const (
	textEncodingLatin1  byte = 0
	textEncodingUTF16   byte = 1
	textEncodingUTF16BE byte = 2
	textEncodingUTF8    byte = 3
)

// ContainerInfo holds the header fields of an .xm container.
type ContainerInfo struct {
	Title       string
	Artist      string
	Album       string
	TrackNumber int

	// PayloadSize is the length of the encrypted payload following the header.
	PayloadSize int
	// HeaderSize is the offset at which the encrypted payload begins.
	HeaderSize int

	ISRC      string
	EncodedBy string

	// EncodingTechnology is the base64 prefix glued in front of the stage-2
	// output during assembly.
	EncodingTechnology string
}

// PayloadEnd returns the offset of the first tail byte after the payload.
func (ci *ContainerInfo) PayloadEnd() int {
	return ci.HeaderSize + ci.PayloadSize
}

// ParseContainer decodes the tag header of an .xm file.
func ParseContainer(data []byte) (*ContainerInfo, error) {
	if len(data) < headerPrefixSize || string(data[:3]) != containerMagic {
		return nil, goerr.Wrap(ErrInvalidContainer, "missing ID3 header", goerr.V("length", len(data)))
	}

	regionSize := synchsafe(data[6:10])
	info := &ContainerInfo{HeaderSize: headerPrefixSize + regionSize}
	headerEnd := info.HeaderSize

	for offset := headerPrefixSize; offset < headerEnd-frameHeaderSize; {
		if offset+frameHeaderSize > len(data) {
			break
		}
		frameID := string(data[offset : offset+4])
		frameSize := int(binary.BigEndian.Uint32(data[offset+4 : offset+8]))

		if frameSize == 0 || frameSize > headerEnd-offset-frameHeaderSize {
			break
		}
		contentStart := offset + frameHeaderSize
		if contentStart+frameSize > len(data) {
			break
		}

		info.applyFrame(frameID, decodeFrameText(data[contentStart:contentStart+frameSize]))
		offset = contentStart + frameSize
	}

	if info.PayloadSize == 0 {
		return nil, goerr.Wrap(ErrMissingPayloadSize, "TSIZ frame not found or zero")
	}
	// Compared without adding so a huge TSIZ cannot wrap around.
	if info.HeaderSize > len(data) || info.PayloadSize > len(data)-info.HeaderSize {
		return nil, goerr.Wrap(ErrInvalidContainer, "payload extends past end of file",
			goerr.V("header_size", info.HeaderSize),
			goerr.V("payload_size", info.PayloadSize),
			goerr.V("length", len(data)))
	}

	return info, nil
}

func (ci *ContainerInfo) applyFrame(id, text string) {
	switch id {
	case "TIT2":
		ci.Title = text
	case "TPE1":
		ci.Artist = text
	case "TALB":
		ci.Album = text
	case "TRCK":
		ci.TrackNumber = leadingInt(text)
	case "TSRC":
		ci.ISRC = text
	case "TENC":
		ci.EncodedBy = text
	case "TSIZ":
		ci.PayloadSize = leadingInt(text)
	case "TSSE":
		ci.EncodingTechnology = text
	}
}

// synchsafe decodes a 4-byte integer that only uses the low 7 bits of each byte.
func synchsafe(b []byte) int {
	return int(b[0]&0x7f)<<21 | int(b[1]&0x7f)<<14 | int(b[2]&0x7f)<<7 | int(b[3]&0x7f)
}

// decodeFrameText reads the text of a frame up to its terminator.
func decodeFrameText(content []byte) string {
	if len(content) < 1 {
		return ""
	}
	text := content[1:]

	var decoded string
	switch content[0] {
	case textEncodingUTF16:
		decoded = decodeWith(cutWideTerminator(text), unicode.UTF16(unicode.LittleEndian, unicode.UseBOM))
	case textEncodingUTF16BE:
		decoded = decodeWith(cutWideTerminator(text), unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM))
	case textEncodingUTF8:
		decoded = strings.ToValidUTF8(string(cutTerminator(text)), "�")
	default:
		decoded = decodeWith(cutTerminator(text), charmap.ISO8859_1)
	}
	return strings.TrimSpace(decoded)
}

func cutTerminator(b []byte) []byte {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		return b[:i]
	}
	return b
}

// cutWideTerminator stops at the first 00 00 pair starting on an even offset.
func cutWideTerminator(b []byte) []byte {
	for i := 0; i+1 < len(b); i += 2 {
		if b[i] == 0 && b[i+1] == 0 {
			return b[:i]
		}
	}
	return b
}

func decodeWith(b []byte, enc encoding.Encoding) string {
	out, err := enc.NewDecoder().Bytes(b)
	if err != nil {
		return string(b)
	}
	return string(out)
}

// leadingInt parses the leading decimal digits of s, so "3/12" yields 3.
// Anything without a leading digit yields 0.
func leadingInt(s string) int {
	s = strings.TrimSpace(s)
	end := 0
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	n, err := strconv.Atoi(s[:end])
	if err != nil {
		return 0
	}
	return n
}
