// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package chunkhandle provides RAII-style reference-counted ownership of
// a chunk-management record, the shared-chunk handle of spec.md §4.4.
//
// Go has no destructors, so the "destruction" side of RAII is expressed
// the way the rest of this module expresses ownership transfer: an
// explicit Release call, and a Move that zeroes its receiver in place so
// a caller that keeps using the moved-from Handle gets an empty handle
// back rather than a second live reference — documented discipline, not
// something the compiler enforces, exactly as spec.md §9 notes RAII
// cannot be enforced across a process boundary either.
package chunkhandle

import (
	"code.hybscloud.com/zerocp/mempool"
)

// Handle is a refcounted reference to a chunk-management record. The
// zero Handle is valid and empty (as produced by Move); calling any
// method other than IsEmpty/Release on an empty Handle panics (Release on
// an empty Handle is a no-op).
type Handle struct {
	record *mempool.ManagementRecord
	pool   *mempool.MemPoolManager
}

// IsEmpty reports whether h holds no reference.
func (h Handle) IsEmpty() bool {
	return h.record == nil
}

func (h Handle) mustNotEmpty() {
	if h.record == nil {
		panic("chunkhandle: use of an empty Handle")
	}
}

// Adopt wraps a freshly allocated record (e.g. the direct result of
// pool.GetChunk) without incrementing its reference count: the allocator
// already left it at 1, and the handle's job is to own that first
// reference, not add a second one.
func Adopt(pool *mempool.MemPoolManager, record *mempool.ManagementRecord) Handle {
	return Handle{record: record, pool: pool}
}

// Copy returns a new Handle sharing ownership of h's record,
// incrementing its reference count. h is unaffected.
func (h Handle) Copy() Handle {
	h.mustNotEmpty()
	h.record.AddRef()
	return Handle{record: h.record, pool: h.pool}
}

// Move transfers ownership out of h into the returned Handle with no
// reference-count change, and zeroes h in place, so the variable Move is
// called on becomes empty. Only that variable is zeroed: any other copy
// of the same Handle value made earlier still holds the record, and
// using it after the Move is a caller error — the same documented, not
// compiler-enforced, limitation spec.md §9 describes.
func (h *Handle) Move() Handle {
	h.mustNotEmpty()
	moved := Handle{record: h.record, pool: h.pool}
	h.record = nil
	h.pool = nil
	return moved
}

// FromIndex looks up a management record by its index (as carried in a
// ROUTE wire message) and adopts a reference the sender already
// incremented via PrepareForTransfer: like Adopt, this does not bump the
// reference count itself.
func FromIndex(pool *mempool.MemPoolManager, index uint32) (Handle, error) {
	record, err := pool.RecordFromIndex(index)
	if err != nil {
		return Handle{}, err
	}
	return Handle{record: record, pool: pool}, nil
}

// Release decrements the handle's reference count, releasing the chunk
// and management record back to their pools if it reaches zero, and
// empties h. Calling Release on an already-empty Handle is a no-op.
func (h *Handle) Release() error {
	if h.record == nil {
		return nil
	}
	err := h.pool.ReleaseChunk(h.record)
	h.record = nil
	h.pool = nil
	return err
}

// PrepareForTransfer reserves a reference for a peer process that is
// about to receive this chunk over the wire: it increments the
// reference count and returns the record's management index, the only
// value that needs to cross the wire. If the peer never actually
// receives (a dropped ROUTE message, a crashed subscriber before Take),
// the reservation is never released and the chunk leaks; spec.md §4.4
// treats that as a diagnostic concern the reference-count snapshot
// surfaces, not a safety concern the transport needs to guard against.
func (h Handle) PrepareForTransfer() uint32 {
	h.mustNotEmpty()
	h.record.AddRef()
	return h.record.ManagementIndex()
}

// Payload returns the chunk's payload bytes.
func (h Handle) Payload() []byte {
	h.mustNotEmpty()
	return h.pool.Payload(h.record)
}

// RefCount returns the chunk's current reference count, for diagnostics.
func (h Handle) RefCount() uint32 {
	h.mustNotEmpty()
	return h.record.RefCount()
}

// ManagementIndex returns the record's index in the management pool.
func (h Handle) ManagementIndex() uint32 {
	h.mustNotEmpty()
	return h.record.ManagementIndex()
}
