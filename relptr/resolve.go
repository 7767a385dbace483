// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package relptr

import "unsafe"

// PanicOnInvalidDeref controls what happens when Resolve is asked to
// dereference a non-null RelPtr whose pool is not registered in the
// current process. spec.md §7 treats this as a programmer error ("the
// system may abort the process"); daemon and client binaries set this to
// true (the default) so the failure is loud. Library tests that want to
// assert on the returned ok=false instead of crashing the test process
// set it to false.
var PanicOnInvalidDeref = true

// Resolve translates rp to an absolute address in the current process
// using the process-global registry. ok is false for the null pointer or
// for a pool id that is not currently registered.
//
// If rp is non-null and its pool is unregistered, this is the invariant
// violation spec.md §7 describes: a relative pointer stored in shared
// memory must be valid in every process that has the referenced pool
// mapped. When PanicOnInvalidDeref is true (the default), Resolve panics
// rather than silently returning an address in an unrelated pool.
func Resolve(rp RelPtr) (addr unsafe.Pointer, ok bool) {
	return global.Resolve(rp)
}

// Resolve translates rp to an absolute address using r. See the
// package-level Resolve for the invariant this enforces.
func (r *Registry) Resolve(rp RelPtr) (addr unsafe.Pointer, ok bool) {
	if rp.IsNull() {
		return nil, false
	}
	base, ok := r.BaseOf(rp.Pool)
	if !ok {
		if PanicOnInvalidDeref {
			panic("relptr: dereference of unregistered pool id")
		}
		return nil, false
	}
	return unsafe.Pointer(base + uintptr(rp.Offset)), true
}

// Make builds the RelPtr that, in a process where pool is registered at
// base, resolves to addr. It is the inverse of Resolve and is used when
// a component computes an absolute address (e.g. the address just past a
// freshly laid-out struct) and must store it back into shared memory as
// a relative pointer.
func Make(pool PoolID, base uintptr, addr unsafe.Pointer) RelPtr {
	return RelPtr{Pool: pool, Offset: uint64(uintptr(addr) - base)}
}
