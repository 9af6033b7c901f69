// Package wasm binds the stage-2 WebAssembly module through wazero.
package wasm

import (
	"context"
	"encoding/binary"
	"errors"
	"log/slog"
	"os"
	"sync"

	"github.com/m-mizutani/goerr/v2"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

// DefaultModuleName is the file name of the stage-2 module shipped next to the binary.
const DefaultModuleName = "xm_encryptor.wasm"

// Exported functions of the stage-2 module.
const (
	exportStack   = "a"
	exportMalloc  = "c"
	exportDecrypt = "g"
)

// returnRecordSize is the four int32 words written by the decrypt export:
// result pointer, result length and two status words.
const returnRecordSize = 16

var memoryExports = []string{"i", "memory"}

// ErrModuleClosed is returned when Transform runs after Close.
var ErrModuleClosed = errors.New("stage-2 module is closed")

// Transformer runs the stage-2 transform inside a single module instance. Calls
// are serialized because the module is not reentrant.
type Transformer struct {
	mu      sync.Mutex
	runtime wazero.Runtime
	module  api.Module
	memory  api.Memory

	stack   api.Function
	malloc  api.Function
	decrypt api.Function

	logger *slog.Logger
}

// Option configures a Transformer
type Option func(*Transformer)

// WithLogger sets the logger for the Transformer.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transformer) {
		t.logger = logger
	}
}

// LoadFile reads the module at path and instantiates it.
func LoadFile(ctx context.Context, path string, opts ...Option) (*Transformer, error) {
	bin, err := os.ReadFile(path)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to read stage-2 module", goerr.V("path", path))
	}
	return Load(ctx, bin, opts...)
}

// Load compiles and instantiates the module bytes without host imports.
func Load(ctx context.Context, bin []byte, opts ...Option) (*Transformer, error) {
	t := &Transformer{logger: slog.Default()}
	for _, opt := range opts {
		opt(t)
	}

	rt := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().WithCloseOnContextDone(true))
	compiled, err := rt.CompileModule(ctx, bin)
	if err != nil {
		_ = rt.Close(ctx)
		return nil, goerr.Wrap(err, "failed to compile stage-2 module", goerr.V("size", len(bin)))
	}

	mod, err := rt.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().WithName("xm_encryptor"))
	if err != nil {
		_ = rt.Close(ctx)
		return nil, goerr.Wrap(err, "failed to instantiate stage-2 module")
	}

	t.runtime = rt
	t.module = mod
	t.memory = findMemory(mod)
	t.stack = mod.ExportedFunction(exportStack)
	t.malloc = mod.ExportedFunction(exportMalloc)
	t.decrypt = mod.ExportedFunction(exportDecrypt)

	if t.memory == nil || t.stack == nil || t.malloc == nil || t.decrypt == nil {
		_ = rt.Close(ctx)
		return nil, goerr.New("stage-2 module is missing required exports",
			goerr.V("memory", t.memory != nil),
			goerr.V("a", t.stack != nil),
			goerr.V("c", t.malloc != nil),
			goerr.V("g", t.decrypt != nil))
	}

	t.logger.Info("stage-2 module loaded", slog.Int("size", len(bin)), slog.Int("memory_bytes", int(t.memory.Size())))
	return t, nil
}

func findMemory(mod api.Module) api.Memory {
	for _, name := range memoryExports {
		if mem := mod.ExportedMemory(name); mem != nil {
			return mem
		}
	}
	return mod.Memory()
}

// Transform copies data and trackID into module memory, runs the decrypt export
// and returns the UTF-8 result.
func (t *Transformer) Transform(ctx context.Context, data, trackID []byte) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.module == nil {
		return "", ErrModuleClosed
	}

	sp, err := t.call1(ctx, t.stack, api.EncodeI32(-returnRecordSize))
	if err != nil {
		return "", goerr.Wrap(err, "failed to reserve return record")
	}
	defer func() {
		if _, err := t.stack.Call(ctx, api.EncodeI32(returnRecordSize)); err != nil {
			t.logger.Warn("failed to release stage-2 stack", slog.Any("error", err))
		}
	}()

	dataPtr, err := t.write(ctx, data)
	if err != nil {
		return "", err
	}
	idPtr, err := t.write(ctx, trackID)
	if err != nil {
		return "", err
	}

	if _, err := t.decrypt.Call(ctx,
		api.EncodeI32(int32(sp)),
		api.EncodeI32(int32(dataPtr)),
		api.EncodeI32(int32(len(data))),
		api.EncodeI32(int32(idPtr)),
		api.EncodeI32(int32(len(trackID))),
	); err != nil {
		return "", goerr.Wrap(err, "stage-2 decrypt call failed")
	}

	record, ok := t.memory.Read(sp, returnRecordSize)
	if !ok {
		return "", goerr.New("return record out of range", goerr.V("sp", sp))
	}
	resultPtr := binary.LittleEndian.Uint32(record[0:4])
	resultLen := binary.LittleEndian.Uint32(record[4:8])
	status1 := binary.LittleEndian.Uint32(record[8:12])
	status2 := binary.LittleEndian.Uint32(record[12:16])
	if status1 != 0 || status2 != 0 {
		return "", goerr.New("stage-2 reported failure",
			goerr.V("status1", status1),
			goerr.V("status2", status2))
	}

	out, ok := t.memory.Read(resultPtr, resultLen)
	if !ok {
		return "", goerr.New("result out of range", goerr.V("ptr", resultPtr), goerr.V("len", resultLen))
	}
	return string(out), nil
}

func (t *Transformer) write(ctx context.Context, b []byte) (uint32, error) {
	ptr, err := t.call1(ctx, t.malloc, api.EncodeI32(int32(len(b))))
	if err != nil {
		return 0, goerr.Wrap(err, "failed to allocate module memory", goerr.V("size", len(b)))
	}
	if !t.memory.Write(ptr, b) {
		return 0, goerr.New("allocation out of range", goerr.V("ptr", ptr), goerr.V("size", len(b)))
	}
	return ptr, nil
}

func (t *Transformer) call1(ctx context.Context, fn api.Function, params ...uint64) (uint32, error) {
	res, err := fn.Call(ctx, params...)
	if err != nil {
		return 0, err
	}
	if len(res) != 1 {
		return 0, goerr.New("unexpected result count", goerr.V("count", len(res)))
	}
	return uint32(api.DecodeI32(res[0])), nil
}

// Close releases the runtime. Further calls to Transform fail.
func (t *Transformer) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.runtime == nil {
		return nil
	}
	err := t.runtime.Close(context.Background())
	t.runtime = nil
	t.module = nil
	if err != nil {
		return goerr.Wrap(err, "failed to close stage-2 runtime")
	}
	return nil
}
