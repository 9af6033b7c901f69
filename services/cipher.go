package services

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"

	"github.com/m-mizutani/goerr/v2"
)

const ivSize = aes.BlockSize

// PadCiphertext extends the ciphertext with n bytes of value n, where
// n = 16 - len%16. An aligned input grows by a whole block. The fill goes on the
// ciphertext, not the plaintext, because that is what the container format expects.
func PadCiphertext(ciphertext []byte) []byte {
	n := aes.BlockSize - len(ciphertext)%aes.BlockSize
	padded := make([]byte, len(ciphertext), len(ciphertext)+n)
	copy(padded, ciphertext)
	return append(padded, bytes.Repeat([]byte{byte(n)}, n)...)
}

// DecryptPayload runs the stage-1 AES-256-CBC pass over the padded payload and
// returns the raw plaintext, fill-block artifacts included.
func DecryptPayload(payload, key, iv []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, goerr.Wrap(ErrCipherFailure, "failed to create AES cipher",
			goerr.V("key_length", len(key)),
			goerr.V("cause", err.Error()))
	}
	if len(iv) != block.BlockSize() {
		return nil, goerr.Wrap(ErrCipherFailure, "IV does not match block size", goerr.V("iv_length", len(iv)))
	}

	padded := PadCiphertext(payload)
	plain := make([]byte, len(padded))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, padded)
	return plain, nil
}

// PrintablePrefix returns the leading run of bytes in 0x20..0x7E.
func PrintablePrefix(b []byte) []byte {
	for i, c := range b {
		if c < 0x20 || c > 0x7e {
			return b[:i]
		}
	}
	return b
}
