// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package relptr implements relative pointers, the only pointer form
// legal to store inside a shared-memory segment mapped at a different
// virtual address in every attached process.
//
// A RelPtr is a (pool-id, offset) pair. Dereferencing one consults a
// process-local Registry mapping pool id to this process's base address
// for that pool. The pair (pool-id 0, offset 0) is the null value.
package relptr

import (
	"sync"
)

// PoolID identifies a mapped shared-memory segment within the current
// process. The same PoolID value refers to the same logical segment in
// every process that has mapped it, even though the segment's base
// address differs per process.
type PoolID uint16

// RelPtr is a pointer encoded as a (pool-id, offset) pair. It is valid in
// every process that has registered RelPtr.Pool; it must never be
// replaced by a raw absolute pointer when stored in shared memory.
type RelPtr struct {
	Pool   PoolID
	Offset uint64
}

// Null is the zero RelPtr, (pool 0, offset 0).
var Null = RelPtr{}

// IsNull reports whether rp is the null relative pointer.
func (rp RelPtr) IsNull() bool {
	return rp.Pool == 0 && rp.Offset == 0
}

// Registry translates pool ids to process-local base addresses.
//
// Registry is safe for concurrent use: registrations and unregistrations
// are rare (they happen once per mapped segment), while BaseOf is called
// on every relative-pointer dereference and must stay cheap. A
// sync.RWMutex-guarded map fits this access pattern; none of the lock-free
// structures used elsewhere in this module (freelist, idxpool, ringqueue)
// are shaped for a small, cold-write, hot-read key/value table.
type Registry struct {
	mu    sync.RWMutex
	bases map[PoolID]uintptr
}

// NewRegistry returns an empty Registry. Most callers should use the
// package-level functions (Register, Unregister, BaseOf), which operate
// on a single process-global Registry, matching the "one store per
// process" invariant spec.md §4.1 requires. NewRegistry exists so tests
// that need an isolated pool-id namespace don't collide with other
// parallel subtests sharing the global one.
func NewRegistry() *Registry {
	return &Registry{bases: make(map[PoolID]uintptr)}
}

// Register associates pool with the process-local base address of the
// segment it was just mapped at. Registering an already-registered pool
// id overwrites its base address.
func (r *Registry) Register(pool PoolID, base uintptr) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bases[pool] = base
}

// Unregister removes pool from the registry, e.g. when the owning
// process unmaps the segment. Unregistering an unknown pool id is a
// no-op.
func (r *Registry) Unregister(pool PoolID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.bases, pool)
}

// BaseOf returns the process-local base address registered for pool, and
// whether pool is currently registered.
func (r *Registry) BaseOf(pool PoolID) (base uintptr, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	base, ok = r.bases[pool]
	return
}

// global is the process-wide registry backing the package-level
// functions below.
var global = NewRegistry()

// Register associates pool with the process-local base address of the
// segment it was just mapped at, in the process-global registry.
func Register(pool PoolID, base uintptr) { global.Register(pool, base) }

// Unregister removes pool from the process-global registry.
func Unregister(pool PoolID) { global.Unregister(pool) }

// BaseOf returns the process-local base address for pool from the
// process-global registry, and whether pool is registered.
func BaseOf(pool PoolID) (uintptr, bool) { return global.BaseOf(pool) }
