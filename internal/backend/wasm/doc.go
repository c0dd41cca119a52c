// Package wasm loads a compiled WebAssembly module with wazero and exports its
// functions as tasks.
//
// The module is compiled once and instantiated once per execution lane. A
// wazero module instance must only be used by one goroutine at a time, so each
// task call borrows a lane from a pool and returns it afterward.
//
// Two export shapes are understood:
//
//	numeric  (i64)->i64, (i32)->i32, (f64)->f64; the payload must be a JSON number
//	memory   (i32 ptr, i32 len)->i64; needs exports "alloc" (i32)->i32 and "memory"
//
// For the memory shape the payload bytes are copied to alloc(len) and the
// result packs the output location as ptr<<32 | len.
package wasm
