// Package testsupport builds .xm fixtures and stand-in stage-2 transformers for tests.
package testsupport

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"strconv"
)

// DefaultIV is the hex IV used when a Container sets neither ISRC nor EncodedBy.
const DefaultIV = "000102030405060708090A0B0C0D0E0F"

// Text encoding bytes for Frame.
const (
	EncodingLatin1  byte = 0
	EncodingUTF16   byte = 1
	EncodingUTF16BE byte = 2
	EncodingUTF8    byte = 3
)

// Container describes an .xm file to build.
type Container struct {
	Title     string
	Artist    string
	Album     string
	Track     string
	ISRC      string
	EncodedBy string

	// Audio is the stream the decryptor is expected to recover, before the tail.
	Audio []byte
	// Tail is appended after the payload. Build pads it so the file reaches MinSize.
	Tail []byte
	// SplitAt is how many base64 characters go into the TSSE frame. Defaults to 8.
	SplitAt int
	// MinSize is the minimum file size. Defaults to 1024.
	MinSize int
	// OmitPayloadSize leaves out the TSIZ frame.
	OmitPayloadSize bool
	// Key is the AES-256 key used to encrypt the payload.
	Key []byte
}

// Fixture is a built container and the audio stream it decrypts to.
type Fixture struct {
	Data []byte
	// Stream is Audio followed by the tail, as the assembler should produce it.
	Stream []byte
	// PayloadSize is the value written to TSIZ.
	PayloadSize int
	// HeaderSize is the offset of the encrypted payload.
	HeaderSize int
}

// Build encrypts the audio and lays out header, payload and tail.
func (c Container) Build() (*Fixture, error) {
	if len(c.Key) != 32 {
		return nil, errors.New("testsupport: key must be 32 bytes")
	}

	ivHex := c.ISRC
	if ivHex == "" {
		ivHex = c.EncodedBy
	}
	if ivHex == "" {
		ivHex = DefaultIV
		c.ISRC = DefaultIV
	}
	iv, err := hex.DecodeString(ivHex)
	if err != nil || len(iv) != aes.BlockSize {
		return nil, errors.New("testsupport: IV must be 16 hex-encoded bytes")
	}

	encoded := base64.StdEncoding.EncodeToString(c.Audio)
	split := c.SplitAt
	if split <= 0 {
		split = 8
	}
	if split >= len(encoded) {
		split = len(encoded) - 1
	}
	if split < 0 {
		split = 0
	}
	prefix, rest := encoded[:split], encoded[split:]

	ciphertext, err := encryptCBC([]byte(rest), c.Key, iv)
	if err != nil {
		return nil, err
	}

	var frames [][]byte
	add := func(id, text string) {
		if text != "" {
			frames = append(frames, Frame(id, EncodingUTF8, []byte(text)))
		}
	}
	add("TIT2", c.Title)
	add("TPE1", c.Artist)
	add("TALB", c.Album)
	add("TRCK", c.Track)
	add("TSRC", c.ISRC)
	add("TENC", c.EncodedBy)
	add("TSSE", prefix)
	if !c.OmitPayloadSize {
		add("TSIZ", strconv.Itoa(len(ciphertext)))
	}

	header := Header(frames...)
	data := make([]byte, 0, len(header)+len(ciphertext)+len(c.Tail))
	data = append(data, header...)
	data = append(data, ciphertext...)
	data = append(data, c.Tail...)

	minSize := c.MinSize
	if minSize == 0 {
		minSize = 1024
	}
	tail := append([]byte(nil), c.Tail...)
	if len(data) < minSize {
		filler := bytes.Repeat([]byte{0xAA}, minSize-len(data))
		data = append(data, filler...)
		tail = append(tail, filler...)
	}

	stream := append(append([]byte(nil), c.Audio...), tail...)
	return &Fixture{
		Data:        data,
		Stream:      stream,
		PayloadSize: len(ciphertext),
		HeaderSize:  len(header),
	}, nil
}

// encryptCBC zero-fills the plaintext to a block boundary, always adding at least
// one zero so the printable run ends exactly at the plaintext.
func encryptCBC(plain, key, iv []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	n := aes.BlockSize - len(plain)%aes.BlockSize
	buf := append(append([]byte(nil), plain...), make([]byte, n)...)
	out := make([]byte, len(buf))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, buf)
	return out, nil
}

// Frame encodes one header frame: id, big-endian size, two flag bytes, content.
func Frame(id string, encoding byte, text []byte) []byte {
	content := append([]byte{encoding}, text...)
	out := make([]byte, 10, 10+len(content))
	copy(out[:4], id)
	binary.BigEndian.PutUint32(out[4:8], uint32(len(content)))
	return append(out, content...)
}

// Header wraps frames in an ID3-style header with a synchsafe region size.
func Header(frames ...[]byte) []byte {
	var region []byte
	for _, f := range frames {
		region = append(region, f...)
	}
	out := []byte{'I', 'D', '3', 3, 0, 0}
	out = append(out, Synchsafe(len(region))...)
	return append(out, region...)
}

// Synchsafe encodes n using 7 bits per byte.
func Synchsafe(n int) []byte {
	return []byte{byte(n>>21) & 0x7f, byte(n>>14) & 0x7f, byte(n>>7) & 0x7f, byte(n) & 0x7f}
}

// MP3Stream returns bytes that start with an MPEG frame sync.
func MP3Stream(size int) []byte {
	out := make([]byte, size)
	for i := 0; i+4 <= size; i += 417 {
		copy(out[i:], []byte{0xFF, 0xFB, 0x90, 0x64})
	}
	return out
}

// FLACStream returns bytes that start with the fLaC marker and a STREAMINFO block.
func FLACStream(size int) []byte {
	out := make([]byte, size)
	copy(out, []byte{'f', 'L', 'a', 'C', 0x80, 0x00, 0x00, 0x22})
	return out
}
