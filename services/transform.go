package services

import (
	"context"
	"strconv"

	"github.com/m-mizutani/goerr/v2"
)

// Transformer is the opaque stage-2 capability. Implementations receive the
// printable stage-1 prefix and the track identifier and return a base64 fragment.
type Transformer interface {
	Transform(ctx context.Context, data, trackID []byte) (string, error)
}

// TransformerFunc adapts a plain function to the Transformer interface.
type TransformerFunc func(ctx context.Context, data, trackID []byte) (string, error)

func (f TransformerFunc) Transform(ctx context.Context, data, trackID []byte) (string, error) {
	return f(ctx, data, trackID)
}

// TransformerLoader loads the stage-2 capability once when a dispatcher starts.
type TransformerLoader func(ctx context.Context) (Transformer, error)

// StaticLoader returns a loader that always hands back t.
func StaticLoader(t Transformer) TransformerLoader {
	return func(context.Context) (Transformer, error) {
		return t, nil
	}
}

// transformerPanic marks a panic raised by the stage-2 transformer. It crosses
// DecryptFile's recover so the worker treats it as an engine crash.
type transformerPanic struct {
	value any
}

func invokeTransform(ctx context.Context, t Transformer, prefix []byte, trackNumber int) (string, error) {
	defer func() {
		if r := recover(); r != nil {
			panic(transformerPanic{value: r})
		}
	}()

	if t == nil {
		return "", goerr.Wrap(ErrTransformFailure, "stage-2 transformer is not loaded")
	}

	out, err := t.Transform(ctx, prefix, []byte(strconv.Itoa(trackNumber)))
	if err != nil {
		return "", goerr.Wrap(ErrTransformFailure, "stage-2 transform failed",
			goerr.V("track_number", trackNumber),
			goerr.V("input_length", len(prefix)),
			goerr.V("cause", err.Error()))
	}
	return out, nil
}
