// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package freelist implements the MPMC free-index list that feeds chunk
// allocation (spec.md §4.2): a lock-free stack of capacity unsigned
// indices, safe for any number of concurrent producers (releasers) and
// consumers (allocators), including across process boundaries when the
// backing array lives in shared memory.
//
// This is a different algorithm from idxpool.Pool (Nikolaev's turn-based
// bounded queue): spec.md §4.2 mandates a classic Treiber stack with an
// ABA-protecting counter packed into the same 64-bit atomic as the head
// index, encoded next_index:32 | aba_counter:32. The bit-packing idiom
// (one value folded into the high/low halves of an atomic.Uint64) is
// grounded on NikoMalik-sync_pool/pool_queue.go's headTail pack/unpack,
// applied here to a different pair of fields.
//
// The head word itself must live in the same shared-memory region as
// next[]: a Pop in one process and a Push in another (the ordinary case,
// since a chunk loaned by a publisher process is released by whichever
// process — publisher, daemon, or subscriber — drops the last reference)
// only observe each other if both processes' Lists share one underlying
// atomic.Uint64, not two independently-allocated ones. NewInPlace/Attach
// take that word as a *atomic.Uint64 the caller has already placed inside
// the segment, the same way mempool places ManagementRecord.refCount
// directly inside its shared records array rather than in a process-local
// field.
package freelist

import (
	"sync/atomic"
	"unsafe"

	"code.hybscloud.com/spin"
	"code.hybscloud.com/zerocp/internal"
)

// Invalid is the sentinel "no more free indices" value, ^uint32(0). It is
// one fixed constant for every List, not the list's capacity, and it is
// never a valid index.
const Invalid = ^uint32(0)

// HeadBytes is the byte size of the shared head word a List expects
// immediately before its next[] array when laid out in shared memory.
const HeadBytes = unsafe.Sizeof(atomic.Uint64{})

// List is a lock-free MPMC stack of free uint32 indices in [0, capacity).
// next holds the backing next[] array; NewInPlace/Attach take it from the
// caller so mempool can lay it out as a []uint32 slice inside a
// shared-memory segment and construct a List in place over it (the array
// must be addressable identically by every attached process, which rules
// out allocating it privately here). head is likewise a pointer into that
// same segment, not a value field, so every attached process's List
// mutates the identical cursor.
type List struct {
	_ internal.NoCopy

	capacity uint32
	next     []uint32
	head     *atomic.Uint64
}

// packHead folds a (nextIndex, aba) pair into the 64-bit head word:
// nextIndex occupies the high 32 bits, aba the low 32 bits.
func packHead(nextIndex, aba uint32) uint64 {
	return uint64(nextIndex)<<32 | uint64(aba)
}

func unpackHead(h uint64) (nextIndex, aba uint32) {
	return uint32(h >> 32), uint32(h)
}

// New constructs a List over a fresh next[] array and a fresh head word,
// both private to this process — for process-local use (tests, or a pool
// that never crosses a process boundary). Chunk pools shared across
// processes must use NewInPlace/Attach instead, so every process's List
// shares the same head.
func New(capacity uint32) *List {
	if capacity == 0 {
		panic("freelist: capacity must be non-zero")
	}
	l := &List{
		capacity: capacity,
		next:     make([]uint32, capacity+1),
		head:     new(atomic.Uint64),
	}
	l.initInPlace()
	return l
}

// NewInPlace constructs a List whose head word and next[] array are head
// and backing — typically both windows into the same shared-memory
// segment, head at a fixed offset immediately followed by backing's
// capacity+1 slots, per HeadBytes. The caller is responsible for backing
// having the right length and for calling this exactly once, from the
// single creating process; every other attaching process uses Attach
// with a pointer to the identical head word, not a new one.
func NewInPlace(capacity uint32, head *atomic.Uint64, backing []uint32) *List {
	if uint32(len(backing)) != capacity+1 {
		panic("freelist: backing array length must be capacity+1")
	}
	l := &List{capacity: capacity, next: backing, head: head}
	l.initInPlace()
	return l
}

func (l *List) initInPlace() {
	for i := uint32(0); i+1 < l.capacity; i++ {
		l.next[i] = i + 1
	}
	l.next[l.capacity-1] = Invalid
	l.head.Store(packHead(0, 0))
}

// Attach returns a List view over an already-initialized next[] array and
// head word, as laid out by the creating process via NewInPlace. Used by
// the "attach" flow (spec.md §4.3): no construction occurs, the list's
// live state is read and mutated directly through head/backing.
//
// head must be the same atomic.Uint64 the creating process constructed in
// place at a fixed offset in the segment (typically embedded in a larger
// shared struct); backing must be the corresponding next[] array.
func Attach(capacity uint32, head *atomic.Uint64, backing []uint32) *List {
	if uint32(len(backing)) != capacity+1 {
		panic("freelist: backing array length must be capacity+1")
	}
	return &List{capacity: capacity, next: backing, head: head}
}

// Len returns the list's configured capacity (not the number of
// currently free indices).
func (l *List) Len() int {
	return int(l.capacity)
}

// Pop removes and returns a free index, or (Invalid, false) if the list
// is empty. Safe for any number of concurrent callers.
func (l *List) Pop() (idx uint32, ok bool) {
	sw := spin.Wait{}
	for {
		h := l.head.Load()
		idx, aba := unpackHead(h)
		if idx == Invalid {
			return Invalid, false
		}
		next := l.next[idx]
		if l.head.CompareAndSwap(h, packHead(next, aba+1)) {
			return idx, true
		}
		sw.Once()
	}
}

// Push returns idx to the free list. idx must be < capacity (the
// sentinel Invalid is never a valid argument); pushing the same idx
// twice without an intervening Pop corrupts the list and is a caller
// bug, exactly as for any Treiber-stack free list.
func (l *List) Push(idx uint32) {
	if idx >= l.capacity {
		panic("freelist: index out of range")
	}
	sw := spin.Wait{}
	for {
		h := l.head.Load()
		head, aba := unpackHead(h)
		l.next[idx] = head
		if l.head.CompareAndSwap(h, packHead(idx, aba+1)) {
			return
		}
		sw.Once()
	}
}

// RequiredBytes returns the byte size of the next[] array backing a List
// of the given capacity, 8-byte aligned, per spec.md §4.2's sizing rule:
// align(sizeof(index) * (capacity+1), 8).
func RequiredBytes(capacity uint32) uintptr {
	const indexSize = 4
	n := uintptr(capacity+1) * indexSize
	return (n + 7) &^ 7
}
