package services

import (
	"encoding/base64"
	"strings"

	"github.com/m-mizutani/goerr/v2"
)

// AssembleStream rebuilds the audio stream from the container prefix, the
// stage-2 output and the unencrypted tail that follows the payload.
func AssembleStream(info *ContainerInfo, stage2 string, raw []byte) ([]byte, error) {
	encoded := info.EncodingTechnology + stage2

	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		var rawErr error
		decoded, rawErr = base64.RawStdEncoding.DecodeString(strings.TrimRight(encoded, "="))
		if rawErr != nil {
			return nil, goerr.Wrap(ErrAssemblyFailure, "stage-2 output is not valid base64",
				goerr.V("length", len(encoded)),
				goerr.V("cause", err.Error()))
		}
	}

	var tail []byte
	if end := info.PayloadEnd(); end < len(raw) {
		tail = raw[end:]
	}

	audio := make([]byte, 0, len(decoded)+len(tail))
	audio = append(audio, decoded...)
	return append(audio, tail...), nil
}
