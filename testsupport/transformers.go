package testsupport

import (
	"context"
	"errors"
	"sync/atomic"
)

// ErrTransform is returned by FailingTransformer when Err is nil.
var ErrTransform = errors.New("stage-2 status 1")

// EchoTransformer returns its input unchanged, which is what a container built by
// Container.Build needs to decrypt.
type EchoTransformer struct {
	Calls  atomic.Int32
	Closed atomic.Int32
}

func (e *EchoTransformer) Transform(_ context.Context, data, _ []byte) (string, error) {
	e.Calls.Add(1)
	return string(data), nil
}

func (e *EchoTransformer) Close() error {
	e.Closed.Add(1)
	return nil
}

// FailingTransformer always fails.
type FailingTransformer struct {
	Err error
}

func (f FailingTransformer) Transform(context.Context, []byte, []byte) (string, error) {
	if f.Err != nil {
		return "", f.Err
	}
	return "", ErrTransform
}

// PanickingTransformer panics on every call.
type PanickingTransformer struct{}

func (PanickingTransformer) Transform(context.Context, []byte, []byte) (string, error) {
	panic("stage-2 crashed")
}

// BlockingTransformer signals Started and then waits for the context to end.
type BlockingTransformer struct {
	Started chan struct{}
}

// NewBlockingTransformer creates a BlockingTransformer.
func NewBlockingTransformer() *BlockingTransformer {
	return &BlockingTransformer{Started: make(chan struct{}, 16)}
}

func (b *BlockingTransformer) Transform(ctx context.Context, _, _ []byte) (string, error) {
	select {
	case b.Started <- struct{}{}:
	default:
	}
	<-ctx.Done()
	return "", ctx.Err()
}
