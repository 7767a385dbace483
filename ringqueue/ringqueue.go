// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package ringqueue implements the per-subscriber receive queue of
// spec.md §4.5.6: a single-producer single-consumer lock-free ring
// buffer of fixed-size descriptors, sized to a power of two, with two
// cache-line-separated atomic indices so the daemon's writes to write
// and the subscriber's writes to read never share a cache line.
//
// The Lamport-style index pair (monotonically increasing write/read
// counters, masked into the slot array, full when write-read==capacity)
// is the same shape as other_examples/185cc3a3_hayabusa-cloud-lfq's
// SPSC queue (n physical slots, no Compact()/CAS needed since there is
// exactly one producer and one consumer); the cache-line padding between
// the two index fields follows the teacher's own
// internal/cacheline_*.go discipline for preventing false sharing
// between independently-written atomics.
package ringqueue

import (
	"sync/atomic"
	"unsafe"

	"code.hybscloud.com/zerocp/internal"
)

// Descriptor is the fixed-size message a publisher's chunk transfer
// becomes once routed to a subscriber's queue, per spec.md §4.5.5.
type Descriptor struct {
	ManagementIndex uint32
	PublisherSlot   uint32
	Sequence        uint64
	TimestampNanos  int64
}

// header holds a queue's write/read cursors, cache-line separated so the
// producer's writes to one and the consumer's writes to the other never
// share a cache line. It is always addressed through a pointer — for a
// process-local Queue (New) that pointer is a private heap allocation;
// for a shared Queue (NewInPlaceAt) it points into the same shared-memory
// segment the descriptor array lives in, immediately before it, the same
// co-located-header-and-buffer layout
// original_source/zerocp_foundationLib/report/include/lockfree_ringbuffer.hpp
// uses for write_index_/read_index_/buffer_ in one struct. A Queue built
// over its own process-local header (as New's did previously) never
// observes another process's pushes: this is why HeaderSize/NewInPlaceAt
// exist instead of just a slots-only shared array.
type header struct {
	writeIdx atomic.Uint32
	_        [internal.CacheLineSize - 4]byte
	readIdx  atomic.Uint32
	_        [internal.CacheLineSize - 4]byte
}

// HeaderSize is the byte size of the shared header a Queue's cursors
// occupy in a segment, immediately before its descriptor array.
const HeaderSize = unsafe.Sizeof(header{})

// Queue is an SPSC lock-free ring buffer of Descriptor, safe for exactly
// one producer goroutine and one consumer goroutine concurrently; any
// other access pattern is undefined behavior, per the teacher's own SPSC
// contract.
type Queue struct {
	_ internal.NoCopy

	mask   uint32
	slots  []Descriptor
	header *header
}

// New returns a Queue with capacity rounded up to the next power of two,
// with a process-private header — for process-local use only (tests, or
// a queue that never crosses a process boundary). Cross-process queues
// must use NewInPlaceAt so every attached process shares one header.
func New(capacity int) *Queue {
	if capacity < 1 {
		panic("ringqueue: capacity must be at least 1")
	}
	capacity--
	capacity |= capacity >> 1
	capacity |= capacity >> 2
	capacity |= capacity >> 4
	capacity |= capacity >> 8
	capacity |= capacity >> 16
	capacity++

	return &Queue{
		mask:   uint32(capacity - 1),
		slots:  make([]Descriptor, capacity),
		header: &header{},
	}
}

// NewInPlace constructs a Queue whose slot array is backing, of length
// exactly capacity (which must be a power of two), with a process-private
// header. Like New, this is for process-local use only; it exists
// separately from New so callers can supply their own backing array
// (e.g. in a test) without needing a full segment. Cross-process queues
// must use NewInPlaceAt instead.
func NewInPlace(capacity uint32, backing []Descriptor) *Queue {
	if capacity == 0 || capacity&(capacity-1) != 0 {
		panic("ringqueue: capacity must be a power of two")
	}
	if uint32(len(backing)) != capacity {
		panic("ringqueue: backing array length must equal capacity")
	}
	return &Queue{mask: capacity - 1, slots: backing, header: &header{}}
}

// NewInPlaceAt constructs a Queue whose header (the shared write/read
// cursors) and descriptor array both live in the segment pointed to by
// base, starting at offsetBytes: HeaderSize bytes for the cursors,
// immediately followed by capacity Descriptor-sized slots. Every process
// attaching to the same segment at the same offset constructs a Queue
// over the identical header bytes, so a push from one process and a pop
// from another observe the same cursors — the daemon carves its
// subscriber-queue pool out of one shared-memory segment this way, and a
// subscriber attaching to the same segment at the same offset shares the
// daemon's own queue state, not a private copy of it.
//
// The caller (the creating side) must zero the header's bytes before the
// first use, e.g. by mapping a freshly created, zero-filled segment; this
// function does not reset the cursors itself, so an attaching process
// never clobbers state the creator already wrote.
func NewInPlaceAt(base unsafe.Pointer, offsetBytes uintptr, capacity uint32) *Queue {
	if capacity == 0 || capacity&(capacity-1) != 0 {
		panic("ringqueue: capacity must be a power of two")
	}
	h := (*header)(unsafe.Add(base, offsetBytes))
	slots := unsafe.Slice((*Descriptor)(unsafe.Add(base, offsetBytes+HeaderSize)), capacity)
	return &Queue{mask: capacity - 1, slots: slots, header: h}
}

// RequiredBytes returns the byte size of the header-plus-descriptor-array
// region NewInPlaceAt expects at its offset, for a queue of the given
// capacity (which must be a power of two).
func RequiredBytes(capacity uint32) uintptr {
	return HeaderSize + uintptr(capacity)*unsafe.Sizeof(Descriptor{})
}

// Cap returns the queue's capacity.
func (q *Queue) Cap() int {
	return len(q.slots)
}

// TryPush appends d to the queue, returning false if the queue is full.
// Producer-side only.
func (q *Queue) TryPush(d Descriptor) bool {
	slot, ok := q.BeginPush()
	if !ok {
		return false
	}
	*slot = d
	q.CommitPush()
	return true
}

// TryPop removes and returns the oldest descriptor, returning
// (Descriptor{}, false) if the queue is empty. Consumer-side only.
func (q *Queue) TryPop() (Descriptor, bool) {
	slot, ok := q.BeginPop()
	if !ok {
		return Descriptor{}, false
	}
	d := *slot
	q.CommitPop()
	return d, true
}

// BeginPush returns a pointer to the next slot to write, or (nil, false)
// if the queue is full. The caller must fill the slot in place and then
// call CommitPush before the next BeginPush/BeginPop; this pairing lets
// the daemon build a descriptor directly in shared memory instead of
// constructing one on the stack and copying it in, per spec.md §4.5.6.
func (q *Queue) BeginPush() (*Descriptor, bool) {
	w := q.header.writeIdx.Load()
	r := q.header.readIdx.Load()
	if w-r == uint32(len(q.slots)) {
		return nil, false
	}
	return &q.slots[w&q.mask], true
}

// CommitPush makes the slot most recently returned by BeginPush visible
// to the consumer.
func (q *Queue) CommitPush() {
	q.header.writeIdx.Store(q.header.writeIdx.Load() + 1)
}

// BeginPop returns a pointer to the oldest unread slot, or (nil, false)
// if the queue is empty. The caller must finish reading the slot before
// calling CommitPop.
func (q *Queue) BeginPop() (*Descriptor, bool) {
	r := q.header.readIdx.Load()
	w := q.header.writeIdx.Load()
	if w == r {
		return nil, false
	}
	return &q.slots[r&q.mask], true
}

// CommitPop releases the slot most recently returned by BeginPop back to
// the producer.
func (q *Queue) CommitPop() {
	q.header.readIdx.Store(q.header.readIdx.Load() + 1)
}

// Len returns the number of descriptors currently queued. It is a
// snapshot; by the time the caller observes it, a concurrent push or pop
// may have changed it.
func (q *Queue) Len() int {
	return int(q.header.writeIdx.Load() - q.header.readIdx.Load())
}
