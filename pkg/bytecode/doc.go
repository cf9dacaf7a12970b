// Package bytecode provides the stack-based instruction set that call stubs
// are generated in, and the interpreter that runs them.
//
// The bytecode format is designed for:
//   - Compact representation (typically 1-5 bytes per instruction)
//   - Fast decoding (fixed-width opcodes, big-endian operands)
//   - Easy serialization (the "FNBC" form is embedded in binary units)
//
// # Architecture Overview
//
//   - Opcodes: stack instructions covering constants, parameter access,
//     handle-cache slots, presenter calls, marshaling, and control flow
//
//   - Chunk: code plus a string constant pool. Chunks serialize to bytes
//     using the "FNBC" format and can be checked with Validate.
//
//   - VM: interpreter that executes a chunk against an Env. The Env is the
//     managed runtime's view of one call: the owner's handle slots, the
//     dispatch vector, and the context carrying the active presenter.
//
// # Call Stubs
//
// A stub produced for a marked member reads its slot, checks the cached
// handle against the active presenter, defines a fresh handle when needed,
// boxes its arguments, invokes, and coerces the result back to the declared
// type. When no presenter is active the stub either runs the member's
// original body (OpFallback) or fails with ErrNoActiveTarget; arguments are
// never marshaled on that path.
//
// Plain member bodies use the same instruction set; most only need
// OpLoadParam, the constant opcodes, and OpReturn.
package bytecode
