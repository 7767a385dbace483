// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package idxpool provides a lock-free MPMC bounded pool of opaque
// uint32 slot tokens.
//
// It is not one of the five core components of spec.md; it is the
// allocator behind two of them: the heartbeat-slot array (spec.md §3,
// capacity 100 for the reference design) and the per-subscriber
// receive-queue pool (spec.md §4.5.4, "a free per-subscriber queue from
// a pool of queues"). Both need the same thing: hand out one of a fixed
// number of array slots to whichever goroutine asks first, and take it
// back later, safely under concurrent access from the daemon's message
// goroutine and heartbeat-monitor goroutine.
//
// The algorithm is Ruslan Nikolaev's 2019 scalable MPMC bounded-queue
// design (https://nikitakoval.org/publications/ppopp20-queues.pdf),
// adapted from code.hybscloud.com/iobuf's BoundedPool[T]: this package
// keeps the head/tail atomic cursor pair, the cache-line-scattering
// remap function and the turn/empty-marker CAS protocol, but drops the
// generic per-slot value storage (Fill/Value/SetValue) since a slot
// token here carries no payload of its own — the token *is* the index
// the caller wanted allocated.
package idxpool

import (
	"math"
	"sync/atomic"

	"code.hybscloud.com/iox"
	"code.hybscloud.com/spin"
	"code.hybscloud.com/zerocp/internal"
)

const (
	entryEmpty    = 1 << 62
	entryTurnMask = entryEmpty>>32 - 1
)

// Pool is a lock-free MPMC bounded pool of uint32 slot tokens in the
// range [0, capacity). It is safe for concurrent use by any number of
// goroutines, including across a process's heartbeat goroutine and its
// application goroutines.
type Pool struct {
	_ internal.NoCopy

	capacity  uint32
	mask      uint32
	entries   []atomic.Uint64
	remapM    uint32
	remapN    uint32
	remapMask uint32
	head      atomic.Uint32
	tail      atomic.Uint32

	nonblocking bool
}

// New returns a Pool holding all of [0, capacity) as free slot tokens.
// capacity is rounded up to the next power of two; it must be between 1
// and math.MaxUint32.
func New(capacity int) *Pool {
	if capacity < 1 || capacity > math.MaxUint32 {
		panic("idxpool: capacity must be between 1 and MaxUint32")
	}
	capacity--
	capacity |= capacity >> 1
	capacity |= capacity >> 2
	capacity |= capacity >> 4
	capacity |= capacity >> 8
	capacity |= capacity >> 16
	capacity++

	remapM := min(internal.CacheLineSize/uintptr(8), uintptr(capacity))
	remapN := max(1, uintptr(capacity)/remapM)

	p := &Pool{
		capacity:  uint32(capacity),
		mask:      uint32(capacity - 1),
		entries:   make([]atomic.Uint64, capacity),
		remapM:    uint32(remapM),
		remapN:    uint32(remapN),
		remapMask: uint32(remapN - 1),
	}
	for i := range p.entries {
		p.entries[i].Store(uint64(i))
	}
	p.tail.Store(p.capacity)
	return p
}

// SetNonblock enables or disables non-blocking mode. In non-blocking
// mode Get/Put return iox.ErrWouldBlock instead of blocking when the
// pool is empty/full.
func (p *Pool) SetNonblock(nonblocking bool) {
	p.nonblocking = nonblocking
}

// Cap returns the pool's capacity.
func (p *Pool) Cap() int {
	return int(p.capacity)
}

// Get allocates a free slot token. In blocking mode (the default) it
// waits, using iox.Backoff, until a slot is released. In non-blocking
// mode it returns iox.ErrWouldBlock immediately if the pool is empty.
func (p *Pool) Get() (slot uint32, err error) {
	var bo iox.Backoff
	for {
		e, err := p.tryGet()
		if err == nil {
			return uint32(e & uint64(p.mask)), nil
		}
		if err != iox.ErrWouldBlock {
			return 0, err
		}
		if p.nonblocking {
			return 0, iox.ErrWouldBlock
		}
		bo.Wait()
	}
}

// Put returns slot to the pool. In blocking mode it waits for room if
// the pool is (transiently) observed full; this should not happen for a
// correctly used pool, since every outstanding slot was obtained from
// Get and there is always room to put it back, but the retry loop is
// kept symmetric with Get for robustness under SetNonblock(true) misuse.
func (p *Pool) Put(slot uint32) error {
	if slot >= p.capacity {
		panic("idxpool: slot out of range")
	}
	var bo iox.Backoff
	entry := uint64(slot)
	for {
		err := p.tryPut(entry)
		if err == nil {
			return nil
		}
		if err != iox.ErrWouldBlock {
			return err
		}
		if p.nonblocking {
			return iox.ErrWouldBlock
		}
		bo.Wait()
	}
}

func (p *Pool) tryGet() (entry uint64, err error) {
	sw := spin.Wait{}
	for {
		h, t := p.head.Load(), p.tail.Load()
		hi := p.remap(h & p.mask)
		e := p.entries[hi].Load()

		if h != p.head.Load() {
			sw.Once()
			continue
		}
		if h == t {
			return entryEmpty, iox.ErrWouldBlock
		}

		nextTurn := (h/p.capacity + 1) & entryTurnMask
		if e == p.empty(nextTurn) {
			p.head.CompareAndSwap(h, h+1)
			sw.Once()
			continue
		}
		ok := p.entries[hi].CompareAndSwap(e, p.empty(nextTurn))
		p.head.CompareAndSwap(h, h+1)
		if ok {
			return e, nil
		}
		sw.Once()
	}
}

func (p *Pool) tryPut(e uint64) error {
	sw := spin.Wait{}
	for {
		h, t := p.head.Load(), p.tail.Load()
		if t != p.tail.Load() {
			sw.Once()
			continue
		}
		if t == h+p.capacity {
			return iox.ErrWouldBlock
		}
		turn, ti := (t/p.capacity)&entryTurnMask, p.remap(t)
		ok := p.entries[ti].CompareAndSwap(p.empty(turn), e)
		p.tail.CompareAndSwap(t, t+1)
		if ok {
			return nil
		}
		sw.Once()
	}
}

func (p *Pool) remap(cursor uint32) uint32 {
	a, b := cursor/p.remapN, cursor&p.remapMask
	return b*p.remapM + a%p.remapM
}

func (p *Pool) empty(turn uint32) uint64 {
	return entryEmpty | uint64(turn&entryTurnMask)
}
