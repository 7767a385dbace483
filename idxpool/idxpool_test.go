// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package idxpool_test

import (
	"sync"
	"testing"
	"time"

	"code.hybscloud.com/iox"
	"code.hybscloud.com/spin"
	"code.hybscloud.com/zerocp/idxpool"
)

func TestPoolRoundsCapacityUpToPowerOfTwo(t *testing.T) {
	p := idxpool.New(100)
	if p.Cap() != 128 {
		t.Fatalf("expected capacity rounded to 128, got %d", p.Cap())
	}
}

func TestGetPutDrainsExactlyCapacity(t *testing.T) {
	const capacity = 16
	p := idxpool.New(capacity)
	p.SetNonblock(true)

	seen := make(map[uint32]bool)
	for range capacity {
		slot, err := p.Get()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if seen[slot] {
			t.Fatalf("slot %d handed out twice", slot)
		}
		seen[slot] = true
	}

	if _, err := p.Get(); err != iox.ErrWouldBlock {
		t.Fatalf("expected ErrWouldBlock on exhausted pool, got %v", err)
	}

	for slot := range seen {
		if err := p.Put(slot); err != nil {
			t.Fatalf("unexpected error returning slot: %v", err)
		}
	}

	// Pool must be fully refilled: another capacity worth of Gets succeed.
	seen2 := make(map[uint32]bool)
	for range capacity {
		slot, err := p.Get()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		seen2[slot] = true
	}
	if len(seen2) != capacity {
		t.Fatalf("expected %d distinct slots after refill, got %d", capacity, len(seen2))
	}
}

func TestConcurrentGetPutConservesSlots(t *testing.T) {
	const capacity = 64
	const workers = 8
	const rounds = 2000

	p := idxpool.New(capacity)
	p.SetNonblock(false)

	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sw := spin.Wait{}
			for range rounds {
				slot, err := p.Get()
				if err != nil {
					t.Errorf("unexpected Get error: %v", err)
					return
				}
				sw.Once()
				if err := p.Put(slot); err != nil {
					t.Errorf("unexpected Put error: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	// Quiescent point: the pool must hold exactly `capacity` distinct
	// free slots, each exactly once.
	p.SetNonblock(true)
	seen := make(map[uint32]bool)
	for range capacity {
		slot, err := p.Get()
		if err != nil {
			t.Fatalf("unexpected error at quiescence: %v", err)
		}
		if seen[slot] {
			t.Fatalf("slot %d present twice at quiescence", slot)
		}
		seen[slot] = true
	}
	if _, err := p.Get(); err != iox.ErrWouldBlock {
		t.Fatalf("expected pool to be exactly exhausted, got %v", err)
	}
}

func TestNonblockingPutOnFullPool(t *testing.T) {
	p := idxpool.New(1)
	p.SetNonblock(true)
	slot, err := p.Get()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := p.Put(slot); err != nil {
		t.Fatalf("unexpected error returning the only slot: %v", err)
	}
	// Putting it back a second time (simulating caller error) must not
	// block forever in non-blocking mode, even though it corrupts pool
	// state; callers are responsible for putting each slot back exactly
	// once.
	done := make(chan struct{})
	go func() {
		_ = p.Put(slot)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Put blocked unexpectedly in non-blocking mode")
	}
}
