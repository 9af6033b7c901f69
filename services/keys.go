package services

import (
	"encoding/hex"

	"github.com/m-mizutani/goerr/v2"
)

// containerKey is the fixed AES-256 key shared by every .xm container.
var containerKey = []byte("ximalayaximalayaximalayaximalaya")

// ContainerKey returns a copy of the 32-byte stage-1 key.
func ContainerKey() []byte {
	key := make([]byte, len(containerKey))
	copy(key, containerKey)
	return key
}

// IV derives the stage-1 initialisation vector. ISRC wins over EncodedBy when both
// are present; the chosen field must hex-decode to exactly one AES block.
func (ci *ContainerInfo) IV() ([]byte, error) {
	source, field := ci.ISRC, "TSRC"
	if source == "" {
		source, field = ci.EncodedBy, "TENC"
	}

	iv, err := hex.DecodeString(source)
	if err != nil {
		return nil, goerr.Wrap(ErrInvalidIVLength, "IV field is not valid hex",
			goerr.V("field", field),
			goerr.V("cause", err.Error()))
	}
	if len(iv) != ivSize {
		return nil, goerr.Wrap(ErrInvalidIVLength, "IV must be 16 bytes",
			goerr.V("field", field),
			goerr.V("length", len(iv)))
	}
	return iv, nil
}
