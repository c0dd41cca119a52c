package wasm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/seantiz/taskworker/internal/backend"
	"github.com/seantiz/taskworker/internal/capability"
	"github.com/seantiz/taskworker/internal/model"
	"github.com/seantiz/taskworker/internal/protocol"
)

// ErrNoModule is returned by Factory when no module path is configured.
var ErrNoModule = errors.New("wasm backend requires a module path")

// Compile-time interface satisfaction check.
var _ backend.Backend = (*Backend)(nil)

// Backend runs tasks exported by a WebAssembly module.
type Backend struct {
	path   string
	bin    []byte
	logger *slog.Logger

	runtime  wazero.Runtime
	compiled wazero.CompiledModule
	lanes    chan api.Module
	seq      atomic.Int64

	mu     sync.Mutex
	closed bool
}

// Option configures a Backend.
type Option func(*Backend)

// WithLogger sets the logger used for lane and export diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(b *Backend) { b.logger = l }
}

// New creates a backend that loads the module at path during Init.
func New(path string, opts ...Option) *Backend {
	b := &Backend{path: path, logger: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// NewFromBytes creates a backend for an in-memory module binary.
func NewFromBytes(bin []byte, opts ...Option) *Backend {
	b := New("", opts...)
	b.bin = bin
	return b
}

// Factory adapts New to backend.Factory.
func Factory(cfg backend.Config) (backend.Backend, error) {
	if cfg.ModulePath == "" {
		return nil, ErrNoModule
	}
	var opts []Option
	if cfg.Logger != nil {
		opts = append(opts, WithLogger(cfg.Logger))
	}
	return New(cfg.ModulePath, opts...), nil
}

// Name returns the backend kind.
func (b *Backend) Name() string { return model.BackendWasm }

// Lanes reports how many module instances were provisioned.
func (b *Backend) Lanes() int {
	if b.lanes == nil {
		return 0
	}
	return cap(b.lanes)
}

// Init compiles the module, instantiates one instance per lane and exports
// every function with a supported signature.
func (b *Backend) Init(ctx context.Context, lanes int) (*capability.Set, error) {
	if lanes < 1 {
		lanes = 1
	}

	bin := b.bin
	if bin == nil {
		data, err := os.ReadFile(b.path)
		if err != nil {
			return nil, fmt.Errorf("read module: %w", err)
		}
		bin = data
	}

	r := wazero.NewRuntime(ctx)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, r); err != nil {
		r.Close(ctx)
		return nil, fmt.Errorf("instantiate wasi: %w", err)
	}

	compiled, err := r.CompileModule(ctx, bin)
	if err != nil {
		r.Close(ctx)
		return nil, fmt.Errorf("compile module: %w", err)
	}

	b.runtime = r
	b.compiled = compiled
	b.lanes = make(chan api.Module, lanes)

	for range lanes {
		mod, err := b.instantiate(ctx)
		if err != nil {
			r.Close(ctx)
			return nil, err
		}
		b.lanes <- mod
	}

	funcs := compiled.ExportedFunctions()
	memoryABI := hasMemoryABI(funcs, compiled.ExportedMemories())

	names := make([]string, 0, len(funcs))
	for name := range funcs {
		names = append(names, name)
	}
	sort.Strings(names)

	builder := capability.NewBuilder()
	for _, name := range names {
		if isReserved(name) {
			continue
		}
		sig := classify(funcs[name], memoryABI)
		if sig == sigUnsupported {
			b.logger.Warn("skipping export with unsupported signature", "export", name)
			continue
		}
		b.logger.Debug("exporting task", "task", name, "signature", sig.String())
		builder.Add(name, b.task(name, sig))
	}

	set, err := builder.Build()
	if err != nil {
		r.Close(ctx)
		return nil, err
	}
	return set, nil
}

// Close tears down the runtime and every lane instance.
func (b *Backend) Close(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || b.runtime == nil {
		return nil
	}
	b.closed = true
	return b.runtime.Close(ctx)
}

func (b *Backend) instantiate(ctx context.Context) (api.Module, error) {
	cfg := wazero.NewModuleConfig().
		WithName(fmt.Sprintf("lane-%d", b.seq.Add(1))).
		WithStartFunctions("_initialize").
		WithStderr(os.Stderr)

	mod, err := b.runtime.InstantiateModule(ctx, b.compiled, cfg)
	if err != nil {
		return nil, fmt.Errorf("instantiate lane: %w", err)
	}
	return mod, nil
}

// acquire borrows a lane, blocking until one is free.
func (b *Backend) acquire(ctx context.Context) (api.Module, error) {
	select {
	case mod := <-b.lanes:
		return mod, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("wait for lane: %w", ctx.Err())
	}
}

// release returns a lane to the pool. A lane whose instance exited is
// replaced with a fresh one.
func (b *Backend) release(ctx context.Context, mod api.Module) {
	if mod.IsClosed() {
		fresh, err := b.instantiate(ctx)
		if err != nil {
			b.logger.Error("replace closed lane", "error", err)
			// Put the closed instance back so the pool keeps its size; calls
			// on it fail fast instead of blocking forever.
			b.lanes <- mod
			return
		}
		mod = fresh
	}
	b.lanes <- mod
}

func (b *Backend) task(name string, sig signature) capability.Task {
	return func(ctx context.Context, in protocol.Payload) (any, error) {
		mod, err := b.acquire(ctx)
		if err != nil {
			return nil, err
		}
		defer b.release(ctx, mod)

		fn := mod.ExportedFunction(name)
		if fn == nil {
			return nil, fmt.Errorf("export %q missing from lane instance", name)
		}

		switch sig {
		case sigI64:
			var n int64
			if err := in.Decode(&n); err != nil {
				return nil, err
			}
			res, err := fn.Call(ctx, api.EncodeI64(n))
			if err != nil {
				return nil, fmt.Errorf("call %s: %w", name, err)
			}
			return int64(res[0]), nil
		case sigI32:
			var n int32
			if err := in.Decode(&n); err != nil {
				return nil, err
			}
			res, err := fn.Call(ctx, api.EncodeI32(n))
			if err != nil {
				return nil, fmt.Errorf("call %s: %w", name, err)
			}
			return api.DecodeI32(res[0]), nil
		case sigF64:
			var x float64
			if err := in.Decode(&x); err != nil {
				return nil, err
			}
			res, err := fn.Call(ctx, api.EncodeF64(x))
			if err != nil {
				return nil, fmt.Errorf("call %s: %w", name, err)
			}
			return api.DecodeF64(res[0]), nil
		case sigMemory:
			return callMemory(ctx, mod, fn, name, in.Bytes())
		}
		return nil, fmt.Errorf("export %q has unsupported signature", name)
	}
}

// callMemory passes input through linear memory and reads the packed result.
func callMemory(ctx context.Context, mod api.Module, fn api.Function, name string, input []byte) (any, error) {
	alloc := mod.ExportedFunction(allocExport)
	res, err := alloc.Call(ctx, api.EncodeU32(uint32(len(input))))
	if err != nil {
		return nil, fmt.Errorf("alloc %d bytes: %w", len(input), err)
	}
	ptr := api.DecodeU32(res[0])

	mem := mod.Memory()
	if !mem.Write(ptr, input) {
		return nil, fmt.Errorf("write input: range [%d, %d) out of memory bounds", ptr, int(ptr)+len(input))
	}

	res, err = fn.Call(ctx, api.EncodeU32(ptr), api.EncodeU32(uint32(len(input))))
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", name, err)
	}

	outPtr, outLen := uint32(res[0]>>32), uint32(res[0])
	view, ok := mem.Read(outPtr, outLen)
	if !ok {
		return nil, fmt.Errorf("read result: range [%d, %d) out of memory bounds", outPtr, uint64(outPtr)+uint64(outLen))
	}
	if len(view) == 0 {
		return nil, nil
	}

	// view aliases linear memory; TryParse copies before the lane is reused.
	return protocol.TryParse(string(view)).Value(), nil
}
