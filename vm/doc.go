// Package vm implements the Ilya execution engine.
//
// This package contains:
//   - Tagged value representation and the shared GC object header
//   - String interner and the hybrid array/hash table engine
//   - Prototypes, closures, open/closed upvalues and to-be-closed slots
//   - Per-thread value stack and CallInfo chain, calls, protected calls
//     and coroutines
//   - Bytecode interpreter
//   - Incremental and generational tri-color collector with weak tables
//     and finalizers
//   - Debug layer: line info, hooks, name reconstruction and error messages
//   - Host embedding API
//
// A VM value owns all shared state for one runtime instance. Several VMs
// may live in the same process; none of them is safe for concurrent use
// unless the host serializes entry.
package vm
