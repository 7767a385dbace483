// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package mempool_test

import (
	"testing"

	"code.hybscloud.com/zerocp/mempool"
)

func testConfig() mempool.Config {
	return mempool.NewConfig(
		mempool.WithPool(128, 8),
		mempool.WithPool(512, 4),
		mempool.WithPool(64, 16),
	)
}

func TestNewConfigSortsPoolsAscending(t *testing.T) {
	cfg := testConfig()
	for i := 1; i < len(cfg.Pools); i++ {
		if cfg.Pools[i-1].ChunkSize > cfg.Pools[i].ChunkSize {
			t.Fatalf("pools not sorted ascending: %+v", cfg.Pools)
		}
	}
}

func TestGetChunkSelectsSmallestFittingPool(t *testing.T) {
	cfg := testConfig()
	backing := make([]byte, mempool.RequiredSize(cfg))
	m, err := mempool.New(backing, cfg, 1)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rec, err := m.GetChunk(100)
	if err != nil {
		t.Fatalf("GetChunk: %v", err)
	}
	payload := m.Payload(rec)
	// 100 bytes requested should land in the 128-byte pool, not the
	// 64-byte or 512-byte pools.
	if len(payload) != 128 {
		t.Fatalf("expected 128-byte pool selected for a 100-byte request, got payload len %d", len(payload))
	}
}

func TestGetChunkTooLarge(t *testing.T) {
	cfg := testConfig()
	backing := make([]byte, mempool.RequiredSize(cfg))
	m, err := mempool.New(backing, cfg, 2)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := m.GetChunk(1 << 20); err != mempool.ErrChunkTooLarge {
		t.Fatalf("expected ErrChunkTooLarge, got %v", err)
	}
}

func TestGetChunkExhaustionReturnsOutOfChunks(t *testing.T) {
	cfg := mempool.NewConfig(mempool.WithPool(64, 2))
	backing := make([]byte, mempool.RequiredSize(cfg))
	m, err := mempool.New(backing, cfg, 3)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := m.GetChunk(64); err != nil {
		t.Fatalf("GetChunk 1: %v", err)
	}
	if _, err := m.GetChunk(64); err != nil {
		t.Fatalf("GetChunk 2: %v", err)
	}
	if _, err := m.GetChunk(64); err != mempool.ErrOutOfChunks {
		t.Fatalf("expected ErrOutOfChunks on third allocation, got %v", err)
	}
}

func TestReleaseChunkReturnsSlotsForReuse(t *testing.T) {
	cfg := mempool.NewConfig(mempool.WithPool(64, 1))
	backing := make([]byte, mempool.RequiredSize(cfg))
	m, err := mempool.New(backing, cfg, 4)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rec, err := m.GetChunk(64)
	if err != nil {
		t.Fatalf("GetChunk: %v", err)
	}
	if _, err := m.GetChunk(64); err != mempool.ErrOutOfChunks {
		t.Fatalf("expected pool exhausted, got %v", err)
	}

	if err := m.ReleaseChunk(rec); err != nil {
		t.Fatalf("ReleaseChunk: %v", err)
	}

	if _, err := m.GetChunk(64); err != nil {
		t.Fatalf("expected chunk reusable after release, got %v", err)
	}
}

func TestReleaseChunkIsRefcountedNotIdempotent(t *testing.T) {
	cfg := mempool.NewConfig(mempool.WithPool(64, 1))
	backing := make([]byte, mempool.RequiredSize(cfg))
	m, err := mempool.New(backing, cfg, 5)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rec, err := m.GetChunk(64)
	if err != nil {
		t.Fatalf("GetChunk: %v", err)
	}
	if rec.RefCount() != 1 {
		t.Fatalf("expected fresh chunk to start at refcount 1, got %d", rec.RefCount())
	}

	// Simulate a second outstanding reference (as chunkhandle.Copy would
	// create) and confirm one release is not enough to free the chunk.
	rec.AddRef()
	if err := m.ReleaseChunk(rec); err != nil {
		t.Fatalf("first ReleaseChunk: %v", err)
	}
	if _, err := m.GetChunk(64); err != mempool.ErrOutOfChunks {
		t.Fatalf("expected chunk still held after only one of two references released, got %v", err)
	}

	if err := m.ReleaseChunk(rec); err != nil {
		t.Fatalf("second ReleaseChunk: %v", err)
	}
	if _, err := m.GetChunk(64); err != nil {
		t.Fatalf("expected chunk free after both references released: %v", err)
	}
}

func TestRecordFromIndexRoundTrip(t *testing.T) {
	cfg := mempool.NewConfig(mempool.WithPool(64, 4))
	backing := make([]byte, mempool.RequiredSize(cfg))
	m, err := mempool.New(backing, cfg, 6)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rec, err := m.GetChunk(64)
	if err != nil {
		t.Fatalf("GetChunk: %v", err)
	}

	got, err := m.RecordFromIndex(rec.ManagementIndex())
	if err != nil {
		t.Fatalf("RecordFromIndex: %v", err)
	}
	if got != rec {
		t.Fatalf("RecordFromIndex returned a different record pointer")
	}
}

func TestRecordFromIndexOutOfRange(t *testing.T) {
	cfg := mempool.NewConfig(mempool.WithPool(64, 4))
	backing := make([]byte, mempool.RequiredSize(cfg))
	m, err := mempool.New(backing, cfg, 7)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := m.RecordFromIndex(4); err != mempool.ErrIndexOutOfRange {
		t.Fatalf("expected ErrIndexOutOfRange, got %v", err)
	}
}

func TestCountersReflectAllocationState(t *testing.T) {
	cfg := mempool.NewConfig(mempool.WithPool(64, 4))
	backing := make([]byte, mempool.RequiredSize(cfg))
	m, err := mempool.New(backing, cfg, 8)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rec1, err := m.GetChunk(64)
	if err != nil {
		t.Fatalf("GetChunk: %v", err)
	}
	if _, err := m.GetChunk(64); err != nil {
		t.Fatalf("GetChunk: %v", err)
	}

	counters := m.Counters()
	if len(counters) != 1 {
		t.Fatalf("expected 1 pool, got %d", len(counters))
	}
	if counters[0].Allocated != 2 {
		t.Fatalf("expected 2 allocated, got %d", counters[0].Allocated)
	}
	if counters[0].Free != 2 {
		t.Fatalf("expected 2 free, got %d", counters[0].Free)
	}
	if counters[0].PeakUsed != 2 {
		t.Fatalf("expected peak 2, got %d", counters[0].PeakUsed)
	}

	if err := m.ReleaseChunk(rec1); err != nil {
		t.Fatalf("ReleaseChunk: %v", err)
	}
	counters = m.Counters()
	if counters[0].Allocated != 1 {
		t.Fatalf("expected 1 allocated after release, got %d", counters[0].Allocated)
	}
	if counters[0].PeakUsed != 2 {
		t.Fatalf("expected peak to stay at 2 after release, got %d", counters[0].PeakUsed)
	}
}

func TestAttachRejectsUninitializedSegment(t *testing.T) {
	cfg := mempool.NewConfig(mempool.WithPool(64, 4))
	backing := make([]byte, mempool.RequiredSize(cfg))
	if _, err := mempool.Attach(backing, cfg, 9); err != mempool.ErrSegmentNotInitialized {
		t.Fatalf("expected ErrSegmentNotInitialized, got %v", err)
	}
}

func TestChunkHeaderFieldsPopulatedOnAllocate(t *testing.T) {
	cfg := mempool.NewConfig(mempool.WithPool(64, 2))
	backing := make([]byte, mempool.RequiredSize(cfg))
	m, err := mempool.New(backing, cfg, 30)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rec1, err := m.GetChunk(64)
	if err != nil {
		t.Fatalf("GetChunk: %v", err)
	}
	rec2, err := m.GetChunk(64)
	if err != nil {
		t.Fatalf("GetChunk: %v", err)
	}

	if got := m.HeaderVersion(rec1); got != mempool.ChunkHeaderVersion {
		t.Fatalf("expected header version %d, got %d", mempool.ChunkHeaderVersion, got)
	}
	if got := m.PayloadAlignment(rec1); got != 8 {
		t.Fatalf("expected payload alignment 8, got %d", got)
	}
	if got := m.OriginPublisher(rec1); got != 0 {
		t.Fatalf("expected unset origin publisher to read back 0, got %d", got)
	}
	m.SetOriginPublisher(rec1, 7)
	if got := m.OriginPublisher(rec1); got != 7 {
		t.Fatalf("expected origin publisher 7, got %d", got)
	}

	if m.Sequence(rec1) == m.Sequence(rec2) {
		t.Fatal("expected distinct allocations to get distinct sequence numbers")
	}
}

// TestAttachSharesCountersAndFreeListWithCreator stands in for the
// producer-process/daemon-process split: an allocation made through one
// *MemPoolManager and a release made through a second, independently
// Attach-ed *MemPoolManager over the same backing bytes. Counters() and
// the free list must agree across both views, since a GetChunk on one and
// a ReleaseChunk on the other are exactly how a chunk crosses processes in
// production.
func TestAttachSharesCountersAndFreeListWithCreator(t *testing.T) {
	cfg := mempool.NewConfig(mempool.WithPool(64, 4))
	backing := make([]byte, mempool.RequiredSize(cfg))

	producer, err := mempool.New(backing, cfg, 20)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	daemon, err := mempool.Attach(backing, cfg, 21)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}

	rec, err := producer.GetChunk(64)
	if err != nil {
		t.Fatalf("GetChunk: %v", err)
	}

	if got := daemon.Counters()[0].Allocated; got != 1 {
		t.Fatalf("daemon view did not observe producer's allocation: Allocated = %d, want 1", got)
	}

	daemonRec, err := daemon.RecordFromIndex(rec.ManagementIndex())
	if err != nil {
		t.Fatalf("RecordFromIndex: %v", err)
	}
	if err := daemon.ReleaseChunk(daemonRec); err != nil {
		t.Fatalf("daemon ReleaseChunk: %v", err)
	}

	if got := producer.Counters()[0].Allocated; got != 0 {
		t.Fatalf("producer view did not observe daemon's release: Allocated = %d, want 0", got)
	}
	if _, err := producer.GetChunk(64); err != nil {
		t.Fatalf("expected producer to reuse the slot freed by daemon via the shared free list: %v", err)
	}
}

func TestAttachViewsLiveStateFromCreator(t *testing.T) {
	cfg := mempool.NewConfig(mempool.WithPool(64, 4))
	backing := make([]byte, mempool.RequiredSize(cfg))

	creator, err := mempool.New(backing, cfg, 10)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	rec, err := creator.GetChunk(64)
	if err != nil {
		t.Fatalf("GetChunk: %v", err)
	}
	copy(creator.Payload(rec), []byte("payload"))

	attached, err := mempool.Attach(backing, cfg, 11)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}

	got, err := attached.RecordFromIndex(rec.ManagementIndex())
	if err != nil {
		t.Fatalf("RecordFromIndex: %v", err)
	}
	if string(attached.Payload(got)[:len("payload")]) != "payload" {
		t.Fatalf("attached view did not see payload written by creator")
	}
}
