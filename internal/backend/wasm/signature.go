package wasm

import (
	"slices"

	"github.com/tetratelabs/wazero/api"
)

type signature int

const (
	sigUnsupported signature = iota
	sigI64
	sigI32
	sigF64
	sigMemory
)

func (s signature) String() string {
	switch s {
	case sigI64:
		return "i64"
	case sigI32:
		return "i32"
	case sigF64:
		return "f64"
	case sigMemory:
		return "memory"
	default:
		return "unsupported"
	}
}

// Exports with these names belong to the module ABI, not to the task surface.
const (
	allocExport  = "alloc"
	memoryExport = "memory"
)

var reservedExports = []string{allocExport, "dealloc", "_start", "_initialize"}

// classify maps an exported function's signature to how it is invoked.
// memoryABI reports whether the module exports alloc and memory.
func classify(def api.FunctionDefinition, memoryABI bool) signature {
	params, results := def.ParamTypes(), def.ResultTypes()
	if len(results) != 1 {
		return sigUnsupported
	}

	switch {
	case len(params) == 1 && params[0] == api.ValueTypeI64 && results[0] == api.ValueTypeI64:
		return sigI64
	case len(params) == 1 && params[0] == api.ValueTypeI32 && results[0] == api.ValueTypeI32:
		return sigI32
	case len(params) == 1 && params[0] == api.ValueTypeF64 && results[0] == api.ValueTypeF64:
		return sigF64
	case memoryABI && len(params) == 2 &&
		params[0] == api.ValueTypeI32 && params[1] == api.ValueTypeI32 &&
		results[0] == api.ValueTypeI64:
		return sigMemory
	}
	return sigUnsupported
}

func isReserved(name string) bool {
	return slices.Contains(reservedExports, name)
}

// hasMemoryABI reports whether a compiled module exports a usable alloc
// function and linear memory.
func hasMemoryABI(funcs map[string]api.FunctionDefinition, memories map[string]api.MemoryDefinition) bool {
	alloc, ok := funcs[allocExport]
	if !ok {
		return false
	}
	if _, ok := memories[memoryExport]; !ok {
		return false
	}
	p, r := alloc.ParamTypes(), alloc.ResultTypes()
	return len(p) == 1 && p[0] == api.ValueTypeI32 && len(r) == 1 && r[0] == api.ValueTypeI32
}
