// Package coproc runs the ciphertext arithmetic layer inside a WASM
// coprocessor module. It implements the same backend contract as the
// built-in sealed backend, so a node can swap in an externally built
// arithmetic implementation without touching the engine.
package coproc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/zeebo/blake3"
)

var (
	// ErrNoModule is returned when the pool has no compiled module.
	ErrNoModule = errors.New("no coprocessor module loaded")

	// ErrBadExport is returned when the module lacks the entry function.
	ErrBadExport = errors.New("coprocessor module does not export fhe_op")
)

// entryFunction is the exported function every coprocessor module provides.
const entryFunction = "fhe_op"

// Pool holds one compiled coprocessor module and instantiates it per call.
// Compilation happens once; instantiation is cheap and keeps calls isolated.
type Pool struct {
	runtime  wazero.Runtime        // runtime is the wazero runtime instance
	seed     [32]byte              // seed is key material handed to the module
	compiled wazero.CompiledModule // compiled is the hot-loaded module
	moduleID [32]byte              // moduleID is the blake3 hash of the module bytes
	mu       sync.RWMutex          // mu protects compiled and moduleID
}

// NewPool creates a pool with an initialized wazero runtime. The seed is
// exposed to modules through the read_seed host function so a module
// derives the same keys as a sealed backend built from it.
func NewPool(seed [32]byte) *Pool {
	return &Pool{runtime: wazero.NewRuntime(context.Background()), seed: seed}
}

// Load compiles and installs a coprocessor module, replacing any previous
// one. Returns the module ID (blake3 of the module bytes).
func (p *Pool) Load(wasmBytes []byte) ([32]byte, error) {
	compiled, err := p.runtime.CompileModule(context.Background(), wasmBytes)
	if err != nil {
		return [32]byte{}, fmt.Errorf("compile coprocessor module:\n%w", err)
	}

	id := blake3.Sum256(wasmBytes)

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.compiled != nil {
		p.compiled.Close(context.Background())
	}

	p.compiled = compiled
	p.moduleID = id

	return id, nil
}

// ModuleID returns the ID of the loaded module, or the zero ID if none.
func (p *Pool) ModuleID() [32]byte {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return p.moduleID
}

// Call invokes the module's fhe_op entry with the given request bytes and
// returns the response bytes written by the module.
func (p *Pool) Call(ctx context.Context, request []byte) ([]byte, error) {
	p.mu.RLock()
	compiled := p.compiled
	p.mu.RUnlock()

	if compiled == nil {
		return nil, ErrNoModule
	}

	callCtx := &callContext{input: request}

	hostModule, err := p.buildHostModule(ctx, callCtx)
	if err != nil {
		return nil, fmt.Errorf("build host module:\n%w", err)
	}
	defer hostModule.Close(ctx)

	instance, err := p.runtime.InstantiateModule(ctx, compiled, wazero.NewModuleConfig())
	if err != nil {
		return nil, fmt.Errorf("instantiate coprocessor:\n%w", err)
	}
	defer instance.Close(ctx)

	callCtx.memory = instance.Memory()

	entry := instance.ExportedFunction(entryFunction)
	if entry == nil {
		return nil, ErrBadExport
	}

	if _, err := entry.Call(ctx); err != nil {
		return nil, fmt.Errorf("coprocessor call:\n%w", err)
	}

	return callCtx.output, nil
}

// Close releases the compiled module and the runtime.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.compiled != nil {
		p.compiled.Close(context.Background())
		p.compiled = nil
	}

	return p.runtime.Close(context.Background())
}

// callContext holds the buffers for a single coprocessor invocation.
type callContext struct {
	input  []byte     // input is the encoded op request
	output []byte     // output is the encoded op response
	memory api.Memory // memory is the WASM linear memory
}

// buildHostModule creates the "env" module with host functions the
// coprocessor uses to exchange buffers and obtain randomness.
func (p *Pool) buildHostModule(ctx context.Context, callCtx *callContext) (api.Module, error) {
	return p.runtime.NewHostModuleBuilder("env").
		NewFunctionBuilder().
		WithFunc(func(ctx context.Context) uint32 {
			return hostInputLen(callCtx)
		}).
		Export("input_len").
		NewFunctionBuilder().
		WithFunc(func(ctx context.Context, ptr uint32) {
			hostReadInput(callCtx, ptr)
		}).
		Export("read_input").
		NewFunctionBuilder().
		WithFunc(func(ctx context.Context, ptr, length uint32) {
			hostWriteOutput(callCtx, ptr, length)
		}).
		Export("write_output").
		NewFunctionBuilder().
		WithFunc(func(ctx context.Context, ptr, length uint32) {
			hostRandom(callCtx, ptr, length)
		}).
		Export("random_bytes").
		NewFunctionBuilder().
		WithFunc(func(ctx context.Context, ptr uint32) {
			hostReadSeed(callCtx, p.seed, ptr)
		}).
		Export("read_seed").
		Instantiate(ctx)
}
