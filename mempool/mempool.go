// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package mempool implements the shared-memory pool manager: given a
// mapped segment and a fixed pool configuration, it lays out one
// free-index list and one chunk array per configured pool size, plus a
// single shared pool of chunk-management records, and serves
// GetChunk/ReleaseChunk/RecordFromIndex against that layout.
//
// The five-region layout and the allocate/release algorithm are
// implemented directly to spec.md §4.3; the tiered-pool configuration
// idiom (an ordered list of chunk-size/chunk-count pairs, sorted
// ascending, picking the smallest pool that fits a request) is grounded
// on the teacher's buffers.go, whose BufferSize* tiers and
// RegisterBufferPool play the same role for io_uring register buffers.
// The page/cache-line aligned slice construction (unsafe.Pointer plus
// unsafe.Slice over a raw byte region) is the same idiom the teacher
// uses in AlignedMem/CacheLineAlignedMem.
package mempool

import (
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"unsafe"

	"code.hybscloud.com/zerocp/freelist"
	"code.hybscloud.com/zerocp/internal"
	"code.hybscloud.com/zerocp/relptr"
)

var (
	// ErrOutOfChunks is returned by GetChunk when the selected pool (or
	// the shared management-record pool) has no free slot.
	ErrOutOfChunks = errors.New("mempool: out of chunks")
	// ErrChunkTooLarge is returned by GetChunk when no configured pool's
	// chunk size is large enough to satisfy the request.
	ErrChunkTooLarge = errors.New("mempool: requested size exceeds every configured pool")
	// ErrIndexOutOfRange is returned by RecordFromIndex for an index
	// outside the management-record pool.
	ErrIndexOutOfRange = errors.New("mempool: management record index out of range")
	// ErrSegmentNotInitialized is returned by Attach when the segment's
	// header does not carry the magic this package writes on Create.
	ErrSegmentNotInitialized = errors.New("mempool: segment header not initialized")
)

const headerMagic = 0x7a63706d // "zcpm"

// PoolSpec describes one tier of fixed-size chunks.
type PoolSpec struct {
	ChunkSize  uint32
	ChunkCount uint32
}

// Config is the builder-style configuration for a MemPoolManager,
// constructed with With* options the way every other component in this
// module is configured.
type Config struct {
	Pools []PoolSpec
}

// Option configures a Config.
type Option func(*Config)

// WithPool appends a pool tier. Pools are sorted ascending by chunk size
// at NewConfig time regardless of the order options are applied in.
func WithPool(chunkSize, chunkCount uint32) Option {
	return func(c *Config) {
		c.Pools = append(c.Pools, PoolSpec{ChunkSize: chunkSize, ChunkCount: chunkCount})
	}
}

// NewConfig builds a Config from options, sorting pools ascending by
// chunk size as spec.md §4.3 requires.
func NewConfig(opts ...Option) Config {
	var c Config
	for _, opt := range opts {
		opt(&c)
	}
	sort.Slice(c.Pools, func(i, j int) bool { return c.Pools[i].ChunkSize < c.Pools[j].ChunkSize })
	return c
}

func align8(n uintptr) uintptr {
	return (n + 7) &^ 7
}

// ChunkHeaderVersion identifies the layout ChunkHeader implements, so a
// future incompatible header shape can be told apart from this one.
const ChunkHeaderVersion = 1

// chunkPayloadAlignment is the alignment GetChunk guarantees for every
// chunk's payload start, matching the 8-byte alignment chunkHeaderSize
// itself is already rounded up to.
const chunkPayloadAlignment = 8

// ChunkHeader prefixes every chunk's payload bytes in a data pool's
// chunk array, per spec.md §3's chunk layout: header version, a
// user-header size (always 0: GetChunk stamps it and nothing sets it
// otherwise), the origin publisher's slot (see SetOriginPublisher), a
// monotonic sequence number, the chunk's payload size (the pool's
// ChunkSize, not counting the header), and the payload's alignment and
// offset from the header base.
type ChunkHeader struct {
	version          uint32
	userHeaderSize   uint32
	originPublisher  uint32
	payloadAlignment uint32
	payloadOffset    uint32
	size             uint32
	sequence         atomic.Uint64
}

const chunkHeaderSize = unsafe.Sizeof(ChunkHeader{})

// ManagementRecord is a chunk-management record: the only thing a
// relative pointer or a wire ROUTE message ever needs to name a chunk.
// It is shared-memory-resident; do not copy a live ManagementRecord by
// value, hold a *ManagementRecord instead.
type ManagementRecord struct {
	_ internal.NoCopy

	refCount   atomic.Uint32
	poolIndex  uint32
	chunkIndex uint32
	mgmtIndex  uint32
	chunk      relptr.RelPtr
}

// RefCount returns the record's current reference count, for
// diagnostics.
func (r *ManagementRecord) RefCount() uint32 { return r.refCount.Load() }

// AddRef increments the record's reference count by one. It is exported
// so chunkhandle's Copy/PrepareForTransfer can reserve a reference
// without mempool exposing the field itself.
func (r *ManagementRecord) AddRef() uint32 { return r.refCount.Add(1) }

// ManagementIndex returns the record's own index in the management pool,
// the value carried across processes in a ROUTE message.
func (r *ManagementRecord) ManagementIndex() uint32 { return r.mgmtIndex }

const recordSize = unsafe.Sizeof(ManagementRecord{})

type sharedHeader struct {
	magic   uint32
	version uint32
	_       [internal.CacheLineSize - 8]byte
	seq     atomic.Uint64
}

type poolLayout struct {
	// freeListOffset is the offset of the free list's shared head word;
	// its next[] array (freeListBytes long) starts freelist.HeadBytes
	// after it.
	freeListOffset uintptr
	freeListBytes  uintptr
	chunksOffset   uintptr
	chunkSlotSize  uintptr
	chunksBytes    uintptr
}

type layout struct {
	headerSize uintptr

	// countersOffset is the shared occupancy-counters region: one
	// atomic.Uint32 "allocated" slot per pool, followed by one
	// atomic.Uint32 "peak" slot per pool, so GetChunk/ReleaseChunk in any
	// attached process update the same counters spec.md §4.3 requires to
	// reflect true pool occupancy.
	countersOffset uintptr
	countersSize   uintptr

	pools            []poolLayout
	mgmtFreeListOff  uintptr
	mgmtFreeListSize uintptr
	recordsOffset    uintptr
	recordsSize      uintptr
	mgmtCount        uint32
	total            uintptr
}

func computeLayout(cfg Config) layout {
	var l layout
	l.headerSize = align8(unsafe.Sizeof(sharedHeader{}))
	off := l.headerSize

	n := uintptr(len(cfg.Pools))
	l.countersOffset = off
	l.countersSize = align8(n * 4 * 2)
	off += l.countersSize

	l.pools = make([]poolLayout, len(cfg.Pools))
	for i, spec := range cfg.Pools {
		pl := poolLayout{}
		// freeListOffset names the head word; the next[] array follows
		// immediately after freelist.HeadBytes, so both live in the same
		// shared region every attached process resolves identically.
		pl.freeListOffset = off
		pl.freeListBytes = freelist.RequiredBytes(spec.ChunkCount)
		off += freelist.HeadBytes + pl.freeListBytes
		pl.chunkSlotSize = align8(chunkHeaderSize + uintptr(spec.ChunkSize))
		l.pools[i] = pl
	}

	var mgmtCount uint32
	for _, spec := range cfg.Pools {
		mgmtCount += spec.ChunkCount
	}
	l.mgmtCount = mgmtCount

	l.mgmtFreeListOff = off
	l.mgmtFreeListSize = freelist.RequiredBytes(mgmtCount)
	off += freelist.HeadBytes + l.mgmtFreeListSize

	l.recordsOffset = off
	l.recordsSize = align8(uintptr(mgmtCount) * recordSize)
	off += l.recordsSize

	for i, spec := range cfg.Pools {
		l.pools[i].chunksOffset = off
		l.pools[i].chunksBytes = l.pools[i].chunkSlotSize * uintptr(spec.ChunkCount)
		off += l.pools[i].chunksBytes
	}

	l.total = off
	return l
}

// RequiredSize returns the number of bytes a segment must be sized to
// hold a MemPoolManager built from cfg.
func RequiredSize(cfg Config) uintptr {
	return computeLayout(cfg).total
}

// MemPoolManager is a process-local view of a shared-memory segment's
// pool layout: the per-pool free lists, the shared management-record pool,
// and the chunk arrays. The MemPoolManager value itself is an ordinary Go
// allocation, not an object placed in the segment; a small shared header
// sits at the segment's base and all other shared state lives at offsets
// computed from the Config, so every process that builds a view over the
// same segment and Config (New in the creator, Attach elsewhere) operates
// on the same state.
type MemPoolManager struct {
	_ internal.NoCopy

	poolID relptr.PoolID
	base   unsafe.Pointer
	cfg    Config
	layout layout

	header *sharedHeader

	dataFreeLists []*freelist.List
	mgmtFreeList  *freelist.List
	records       []ManagementRecord

	// allocated and peak are windows into the segment's shared counters
	// region (see layout.countersOffset), not process-local slices: every
	// attached process's GetChunk/ReleaseChunk updates the same words, so
	// Counters() reports true cross-process pool occupancy.
	allocated []atomic.Uint32
	peak      []atomic.Uint32
}

func bytesBase(backing []byte) unsafe.Pointer {
	if len(backing) == 0 {
		panic("mempool: empty backing buffer")
	}
	return unsafe.Pointer(unsafe.SliceData(backing))
}

func sliceAt[T any](base unsafe.Pointer, offset uintptr, n int) []T {
	if n == 0 {
		return nil
	}
	return unsafe.Slice((*T)(unsafe.Add(base, offset)), n)
}

// headAt casts the 8 bytes at offset into a shared *atomic.Uint64, the
// word a freelist.List's head lives at, so every process attaching at
// the same offset mutates the identical cursor.
func headAt(base unsafe.Pointer, offset uintptr) *atomic.Uint64 {
	return (*atomic.Uint64)(unsafe.Add(base, offset))
}

// New constructs a MemPoolManager in place over backing (a freshly
// mapped, zero-initialized segment at least RequiredSize(cfg) bytes
// long), registers poolID/base with relptr so ManagementRecord.chunk
// pointers resolve in this process, and initializes every free list as
// fully stocked. This is the "create" flow of spec.md §4.3; the
// corresponding segment publish (named-semaphore-equivalent gate) is the
// caller's responsibility via shmseg.Segment.Publish.
func New(backing []byte, cfg Config, poolID relptr.PoolID) (*MemPoolManager, error) {
	if len(cfg.Pools) == 0 {
		return nil, fmt.Errorf("mempool: at least one pool is required")
	}
	for i, spec := range cfg.Pools {
		if spec.ChunkSize == 0 || spec.ChunkCount == 0 {
			return nil, fmt.Errorf("mempool: pool %d: chunk size and chunk count must be non-zero", i)
		}
		if i > 0 && spec.ChunkSize < cfg.Pools[i-1].ChunkSize {
			return nil, fmt.Errorf("mempool: pools must be sorted ascending by chunk size")
		}
	}

	l := computeLayout(cfg)
	if uintptr(len(backing)) < l.total {
		return nil, fmt.Errorf("mempool: backing buffer too small: have %d, need %d", len(backing), l.total)
	}

	base := bytesBase(backing)
	relptr.Register(poolID, uintptr(base))

	m := &MemPoolManager{poolID: poolID, base: base, cfg: cfg, layout: l}

	m.header = (*sharedHeader)(base)
	m.header.version = 1

	n := len(cfg.Pools)
	m.allocated = sliceAt[atomic.Uint32](base, l.countersOffset, n)
	m.peak = sliceAt[atomic.Uint32](base, l.countersOffset+uintptr(n)*4, n)

	m.dataFreeLists = make([]*freelist.List, len(cfg.Pools))
	for i, spec := range cfg.Pools {
		head := headAt(base, l.pools[i].freeListOffset)
		backingSlice := sliceAt[uint32](base, l.pools[i].freeListOffset+freelist.HeadBytes, int(spec.ChunkCount)+1)
		m.dataFreeLists[i] = freelist.NewInPlace(spec.ChunkCount, head, backingSlice)
	}

	mgmtHead := headAt(base, l.mgmtFreeListOff)
	mgmtBacking := sliceAt[uint32](base, l.mgmtFreeListOff+freelist.HeadBytes, int(l.mgmtCount)+1)
	m.mgmtFreeList = freelist.NewInPlace(l.mgmtCount, mgmtHead, mgmtBacking)

	m.records = sliceAt[ManagementRecord](base, l.recordsOffset, int(l.mgmtCount))

	m.header.magic = headerMagic

	return m, nil
}

// Attach constructs a MemPoolManager view over an already-initialized
// segment, as laid out by the process that called New with the same
// cfg. No construction occurs; free lists and records are read directly
// from the segment, per spec.md §4.3's attach flow.
func Attach(backing []byte, cfg Config, poolID relptr.PoolID) (*MemPoolManager, error) {
	l := computeLayout(cfg)
	if uintptr(len(backing)) < l.total {
		return nil, fmt.Errorf("mempool: backing buffer too small: have %d, need %d", len(backing), l.total)
	}

	base := bytesBase(backing)
	header := (*sharedHeader)(base)
	if header.magic != headerMagic {
		return nil, ErrSegmentNotInitialized
	}

	relptr.Register(poolID, uintptr(base))

	m := &MemPoolManager{poolID: poolID, base: base, cfg: cfg, layout: l, header: header}

	n := len(cfg.Pools)
	m.allocated = sliceAt[atomic.Uint32](base, l.countersOffset, n)
	m.peak = sliceAt[atomic.Uint32](base, l.countersOffset+uintptr(n)*4, n)

	m.dataFreeLists = make([]*freelist.List, len(cfg.Pools))
	for i, spec := range cfg.Pools {
		head := headAt(base, l.pools[i].freeListOffset)
		backingSlice := sliceAt[uint32](base, l.pools[i].freeListOffset+freelist.HeadBytes, int(spec.ChunkCount)+1)
		m.dataFreeLists[i] = freelist.Attach(spec.ChunkCount, head, backingSlice)
	}

	mgmtHead := headAt(base, l.mgmtFreeListOff)
	mgmtBacking := sliceAt[uint32](base, l.mgmtFreeListOff+freelist.HeadBytes, int(l.mgmtCount)+1)
	m.mgmtFreeList = freelist.Attach(l.mgmtCount, mgmtHead, mgmtBacking)

	m.records = sliceAt[ManagementRecord](base, l.recordsOffset, int(l.mgmtCount))

	return m, nil
}

func (m *MemPoolManager) poolFor(size uint32) (int, error) {
	for i, spec := range m.cfg.Pools {
		if spec.ChunkSize >= size {
			return i, nil
		}
	}
	return -1, ErrChunkTooLarge
}

func (m *MemPoolManager) chunkHeaderPtr(poolIdx int, chunkIdx uint32) unsafe.Pointer {
	pl := m.layout.pools[poolIdx]
	off := pl.chunksOffset + uintptr(chunkIdx)*pl.chunkSlotSize
	return unsafe.Add(m.base, off)
}

// GetChunk allocates a chunk from the smallest pool whose chunk size is
// at least size, and a record from the shared management pool, and
// initializes both in place. The returned record starts with a reference
// count of 1, per spec.md §4.3's allocate algorithm.
func (m *MemPoolManager) GetChunk(size uint32) (*ManagementRecord, error) {
	poolIdx, err := m.poolFor(size)
	if err != nil {
		return nil, err
	}

	chunkIdx, ok := m.dataFreeLists[poolIdx].Pop()
	if !ok {
		return nil, ErrOutOfChunks
	}

	mgmtIdx, ok := m.mgmtFreeList.Pop()
	if !ok {
		m.dataFreeLists[poolIdx].Push(chunkIdx)
		return nil, ErrOutOfChunks
	}

	headerPtr := m.chunkHeaderPtr(poolIdx, chunkIdx)
	header := (*ChunkHeader)(headerPtr)
	header.version = ChunkHeaderVersion
	header.userHeaderSize = 0
	header.originPublisher = 0
	header.payloadAlignment = chunkPayloadAlignment
	header.size = m.cfg.Pools[poolIdx].ChunkSize
	header.payloadOffset = uint32(chunkHeaderSize) + header.userHeaderSize
	header.sequence.Store(m.header.seq.Add(1))

	rec := &m.records[mgmtIdx]
	rec.refCount.Store(1)
	rec.poolIndex = uint32(poolIdx)
	rec.chunkIndex = chunkIdx
	rec.mgmtIndex = mgmtIdx
	rec.chunk = relptr.Make(m.poolID, uintptr(m.base), headerPtr)

	m.trackAllocate(poolIdx)

	return rec, nil
}

// ReleaseChunk decrements rec's reference count; at zero it returns the
// chunk index to its data pool's free list, then the management-record
// index to the management pool's free list, in that order, per spec.md
// §4.3's release algorithm (the chunk must never be considered reusable
// before it is actually returned).
func (m *MemPoolManager) ReleaseChunk(rec *ManagementRecord) error {
	if rec.refCount.Add(^uint32(0)) != 0 {
		return nil
	}

	poolIdx := rec.poolIndex
	m.dataFreeLists[poolIdx].Push(rec.chunkIndex)
	m.mgmtFreeList.Push(rec.mgmtIndex)
	m.trackRelease(poolIdx)
	return nil
}

// RecordFromIndex returns the management record at index i, used by the
// receiving side of a cross-process chunk transfer.
func (m *MemPoolManager) RecordFromIndex(i uint32) (*ManagementRecord, error) {
	if i >= m.layout.mgmtCount {
		return nil, ErrIndexOutOfRange
	}
	return &m.records[i], nil
}

// Payload returns the payload bytes backing rec's chunk.
func (m *MemPoolManager) Payload(rec *ManagementRecord) []byte {
	headerPtr, ok := relptr.Resolve(rec.chunk)
	if !ok {
		panic("mempool: chunk relative pointer failed to resolve in this process")
	}
	header := (*ChunkHeader)(headerPtr)
	payloadPtr := unsafe.Add(headerPtr, header.payloadOffset)
	return unsafe.Slice((*byte)(payloadPtr), header.size)
}

func (m *MemPoolManager) chunkHeader(rec *ManagementRecord) *ChunkHeader {
	headerPtr, ok := relptr.Resolve(rec.chunk)
	if !ok {
		panic("mempool: chunk relative pointer failed to resolve in this process")
	}
	return (*ChunkHeader)(headerPtr)
}

// SetOriginPublisher records which publisher produced rec's chunk, for
// diagnostics and for a subscriber tracing a chunk back to its source.
// GetChunk itself has no publisher identity to record; only the caller
// loaning the chunk (a runtimeclient.Publisher, which knows its own
// registered slot) does, so this is set once, right after allocation,
// rather than threaded through GetChunk's argument list.
func (m *MemPoolManager) SetOriginPublisher(rec *ManagementRecord, publisherSlot uint32) {
	m.chunkHeader(rec).originPublisher = publisherSlot
}

// OriginPublisher returns the publisher slot SetOriginPublisher recorded
// for rec's chunk, or 0 if never set.
func (m *MemPoolManager) OriginPublisher(rec *ManagementRecord) uint32 {
	return m.chunkHeader(rec).originPublisher
}

// HeaderVersion returns the ChunkHeader layout version rec's chunk was
// allocated under.
func (m *MemPoolManager) HeaderVersion(rec *ManagementRecord) uint32 {
	return m.chunkHeader(rec).version
}

// PayloadAlignment returns the byte alignment GetChunk guaranteed for
// rec's payload start.
func (m *MemPoolManager) PayloadAlignment(rec *ManagementRecord) uint32 {
	return m.chunkHeader(rec).payloadAlignment
}

// Sequence returns the monotonic allocation sequence number stamped into
// rec's header by GetChunk.
func (m *MemPoolManager) Sequence(rec *ManagementRecord) uint64 {
	return m.chunkHeader(rec).sequence.Load()
}

func (m *MemPoolManager) trackAllocate(poolIdx uint32) {
	n := m.allocated[poolIdx].Add(1)
	for {
		p := m.peak[poolIdx].Load()
		if n <= p || m.peak[poolIdx].CompareAndSwap(p, n) {
			return
		}
	}
}

func (m *MemPoolManager) trackRelease(poolIdx uint32) {
	m.allocated[poolIdx].Add(^uint32(0))
}

// PoolCounters reports a single pool's observability counters.
type PoolCounters struct {
	ChunkSize  uint32
	Capacity   uint32
	Allocated  uint32
	Free       uint32
	PeakUsed   uint32
}

// Counters returns one PoolCounters entry per configured pool, in
// ascending chunk-size order.
func (m *MemPoolManager) Counters() []PoolCounters {
	out := make([]PoolCounters, len(m.cfg.Pools))
	for i, spec := range m.cfg.Pools {
		allocated := m.allocated[i].Load()
		out[i] = PoolCounters{
			ChunkSize: spec.ChunkSize,
			Capacity:  spec.ChunkCount,
			Allocated: allocated,
			Free:      spec.ChunkCount - allocated,
			PeakUsed:  m.peak[i].Load(),
		}
	}
	return out
}
