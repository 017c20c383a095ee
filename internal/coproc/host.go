package coproc

import (
	"crypto/rand"
)

// hostInputLen returns the length of the request buffer.
func hostInputLen(callCtx *callContext) uint32 {
	return uint32(len(callCtx.input))
}

// hostReadInput copies the request buffer into WASM memory at ptr.
func hostReadInput(callCtx *callContext, ptr uint32) {
	if callCtx.memory == nil || len(callCtx.input) == 0 {
		return
	}

	callCtx.memory.Write(ptr, callCtx.input)
}

// hostWriteOutput reads the response from WASM memory and stores it.
func hostWriteOutput(callCtx *callContext, ptr, length uint32) {
	if callCtx.memory == nil || length == 0 {
		return
	}

	data, ok := callCtx.memory.Read(ptr, length)
	if !ok {
		return
	}

	callCtx.output = make([]byte, length)
	copy(callCtx.output, data)
}

// hostReadSeed copies the pool's key seed into WASM memory at ptr.
func hostReadSeed(callCtx *callContext, seed [32]byte, ptr uint32) {
	if callCtx.memory == nil {
		return
	}

	callCtx.memory.Write(ptr, seed[:])
}

// hostRandom fills WASM memory at ptr with cryptographic randomness.
// Coprocessor modules use it for encryption nonces.
func hostRandom(callCtx *callContext, ptr, length uint32) {
	if callCtx.memory == nil || length == 0 {
		return
	}

	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return
	}

	callCtx.memory.Write(ptr, buf)
}
