// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package router implements the daemon of spec.md §4.5: a process
// registry keyed by heartbeat slot, a publisher/subscriber match table
// keyed by ServiceDescription, and the chunk-routing logic that moves a
// published chunk's management index into every matching subscriber's
// receive queue with the reference-count accounting spec.md §4.5.5
// demands.
//
// Two goroutines do the work, the idiomatic-Go equivalent of the
// original's two std::thread workers: a message loop blocked on
// ReadFromUnix, mutating daemon state and replying one datagram at a
// time, and a heartbeat-monitor loop that evicts stale processes and
// periodically logs a diagnostics snapshot. Per spec.md §9's resolved
// open question, both goroutines serialize access to the daemon's
// private state (the registry and the match table) through one mutex;
// the lock-free structures underneath (idxpool, ringqueue, the chunk
// reference count) never touch that mutex at all.
package router

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sync/errgroup"

	"code.hybscloud.com/zerocp/chunkhandle"
	"code.hybscloud.com/zerocp/idxpool"
	"code.hybscloud.com/zerocp/mempool"
	"code.hybscloud.com/zerocp/obslog"
	"code.hybscloud.com/zerocp/relptr"
	"code.hybscloud.com/zerocp/ringqueue"
	"code.hybscloud.com/zerocp/shmseg"
	"code.hybscloud.com/zerocp/wire"
)

// Defaults, per spec.md §4.5/§6.
const (
	DefaultSocketPath            = "/tmp/zerocp_router.sock"
	DefaultComponentsSegmentName = "/zerocp_diroute_components"
	DefaultHeartbeatCapacity     = 100
	DefaultHeartbeatScanInterval = 300 * time.Millisecond
	DefaultHeartbeatDeadline     = 3 * time.Second
	DefaultDebugDumpEvery        = 3 // every 3rd 300ms scan, ~1s
	DefaultQueueCapacity         = 256
	DefaultQueuePoolCapacity     = 64
)

// Config configures a Daemon.
type Config struct {
	// SocketPath is the well-known Unix datagram socket path clients send
	// requests to. Defaults to DefaultSocketPath.
	SocketPath string
	// ComponentsSegmentName is the shared-memory segment the daemon
	// carves its subscriber receive-queue pool out of. Defaults to
	// DefaultComponentsSegmentName.
	ComponentsSegmentName string
	// HeartbeatCapacity is the minimum size of the heartbeat-slot array;
	// idxpool rounds it up to a power of two (the default 100 gives 128
	// slots). Defaults to DefaultHeartbeatCapacity.
	HeartbeatCapacity int
	// HeartbeatScanInterval is how often the heartbeat-monitor loop scans
	// for stale slots. Defaults to DefaultHeartbeatScanInterval.
	HeartbeatScanInterval time.Duration
	// HeartbeatDeadline is the maximum age a slot's last heartbeat may
	// reach before its owning process is evicted. Defaults to
	// DefaultHeartbeatDeadline.
	HeartbeatDeadline time.Duration
	// DebugDumpEvery is the number of heartbeat scans between periodic
	// diagnostics log dumps. Defaults to DefaultDebugDumpEvery.
	DebugDumpEvery int
	// QueueCapacity is the per-subscriber receive-queue capacity. It must
	// be a power of two: the queues are built in place by
	// ringqueue.NewInPlaceAt, which does not round and panics otherwise.
	// Defaults to DefaultQueueCapacity.
	QueueCapacity int
	// QueuePoolCapacity is the minimum number of subscriber receive queues
	// the daemon pre-allocates; idxpool rounds it up to a power of two.
	// Defaults to DefaultQueuePoolCapacity.
	QueuePoolCapacity int
	// Pools is the set of chunk-memory pools the daemon can resolve a
	// ROUTE request's management index against, keyed by the pool id the
	// publisher's ROUTE datagram names.
	Pools map[relptr.PoolID]*mempool.MemPoolManager
	// Logger receives the daemon's structured log output. Defaults to a
	// logger built by obslog.New with obslog.Config{Component: "router"}.
	Logger *obslog.Logger
}

func (c Config) withDefaults() Config {
	if c.SocketPath == "" {
		c.SocketPath = DefaultSocketPath
	}
	if c.ComponentsSegmentName == "" {
		c.ComponentsSegmentName = DefaultComponentsSegmentName
	}
	if c.HeartbeatCapacity == 0 {
		c.HeartbeatCapacity = DefaultHeartbeatCapacity
	}
	if c.HeartbeatScanInterval == 0 {
		c.HeartbeatScanInterval = DefaultHeartbeatScanInterval
	}
	if c.HeartbeatDeadline == 0 {
		c.HeartbeatDeadline = DefaultHeartbeatDeadline
	}
	if c.DebugDumpEvery == 0 {
		c.DebugDumpEvery = DefaultDebugDumpEvery
	}
	if c.QueueCapacity == 0 {
		c.QueueCapacity = DefaultQueueCapacity
	}
	if c.QueuePoolCapacity == 0 {
		c.QueuePoolCapacity = DefaultQueuePoolCapacity
	}
	if c.Pools == nil {
		c.Pools = map[relptr.PoolID]*mempool.MemPoolManager{}
	}
	if c.Logger == nil {
		c.Logger = obslog.New(obslog.Config{Component: "router"})
	}
	return c
}

// ProcessRecord is a registered process, per spec.md §4.5.3.
type ProcessRecord struct {
	Name      string
	PID       int32
	SlotIndex uint32
	Monitored bool
}

type subscriberState struct {
	record    ProcessRecord
	service   wire.ServiceDescription
	queueSlot uint32
	queue     *ringqueue.Queue
	dropped   atomic.Uint64
}

type matchEntry struct {
	publishers  map[uint32]struct{}
	subscribers map[uint32]*subscriberState
}

// Daemon is the zerocp router daemon: one process registry, one match
// table, one pool of subscriber receive queues.
type Daemon struct {
	cfg    Config
	logger *obslog.Logger
	conn   *net.UnixConn

	heartbeats *idxpool.Pool
	lastBeat   []atomic.Int64

	queuePool    *idxpool.Pool
	queueSeg     *shmseg.Segment
	queues       []*ringqueue.Queue
	queueStride  uintptr

	mu               sync.Mutex
	processes        map[uint32]*ProcessRecord
	matchTable       map[wire.ServiceDescription]*matchEntry
	sequenceCounters map[wire.ServiceDescription]*atomic.Uint64
}

func bytesBase(b []byte) unsafe.Pointer {
	if len(b) == 0 {
		return nil
	}
	return unsafe.Pointer(unsafe.SliceData(b))
}

// NewDaemon constructs a Daemon: creates the components shared-memory
// segment and carves the subscriber receive-queue pool out of it, binds
// the Unix datagram socket, and allocates the heartbeat-slot pool. Any
// stale segment or socket file from a previous, uncleanly-terminated run
// is purged first, per spec.md §6.
func NewDaemon(cfg Config) (*Daemon, error) {
	cfg = cfg.withDefaults()

	queuePool := idxpool.New(cfg.QueuePoolCapacity)
	queuePool.SetNonblock(true)
	queueSlots := queuePool.Cap()

	_ = shmseg.Unlink(cfg.ComponentsSegmentName)
	stride := ringqueue.RequiredBytes(uint32(cfg.QueueCapacity))
	seg, err := shmseg.Create(cfg.ComponentsSegmentName, stride*uintptr(queueSlots))
	if err != nil {
		return nil, fmt.Errorf("router: create components segment: %w", err)
	}

	base := bytesBase(seg.Bytes())
	queues := make([]*ringqueue.Queue, queueSlots)
	for i := range queues {
		queues[i] = ringqueue.NewInPlaceAt(base, uintptr(i)*stride, uint32(cfg.QueueCapacity))
	}
	if err := seg.Publish(); err != nil {
		_ = seg.Close()
		return nil, fmt.Errorf("router: publish components segment: %w", err)
	}

	_ = os.Remove(cfg.SocketPath)
	addr, err := net.ResolveUnixAddr("unixgram", cfg.SocketPath)
	if err != nil {
		_ = seg.Close()
		return nil, fmt.Errorf("router: resolve socket path: %w", err)
	}
	conn, err := net.ListenUnixgram("unixgram", addr)
	if err != nil {
		_ = seg.Close()
		return nil, fmt.Errorf("router: bind socket: %w", err)
	}

	heartbeats := idxpool.New(cfg.HeartbeatCapacity)
	heartbeats.SetNonblock(true)

	d := &Daemon{
		cfg:              cfg,
		logger:           cfg.Logger,
		conn:             conn,
		heartbeats:       heartbeats,
		lastBeat:         make([]atomic.Int64, heartbeats.Cap()),
		queuePool:        queuePool,
		queueSeg:         seg,
		queues:           queues,
		queueStride:      stride,
		processes:        make(map[uint32]*ProcessRecord),
		matchTable:       make(map[wire.ServiceDescription]*matchEntry),
		sequenceCounters: make(map[wire.ServiceDescription]*atomic.Uint64),
	}
	return d, nil
}

// Run serves requests until ctx is cancelled, then releases every
// daemon-owned resource (socket, components segment, segment/socket
// names) before returning, per spec.md §5's cancellation contract.
func (d *Daemon) Run(ctx context.Context) error {
	defer func() {
		if err := d.Close(); err != nil {
			d.logger.Err().Err(err).Log("error releasing daemon resources")
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.messageLoop(gctx) })
	g.Go(func() error { return d.heartbeatLoop(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		_ = d.conn.Close()
		return nil
	})
	return g.Wait()
}

// Close releases the daemon's socket, components segment, and their
// well-known names. It is safe to call after Run has returned; Run calls
// it itself so most callers never need to.
func (d *Daemon) Close() error {
	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	record(d.conn.Close())
	record(d.queueSeg.Close())
	record(shmseg.Unlink(d.cfg.ComponentsSegmentName))
	if err := os.Remove(d.cfg.SocketPath); err != nil && !os.IsNotExist(err) {
		record(err)
	}
	return firstErr
}

func (d *Daemon) messageLoop(ctx context.Context) error {
	buf := make([]byte, wire.MaxMessageLen)
	for {
		n, addr, err := d.conn.ReadFromUnix(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			d.logger.Err().Err(err).Log("recvfrom failed")
			continue
		}
		reply, rollback := d.handle(string(buf[:n]))
		if _, err := d.conn.WriteToUnix([]byte(reply), addr); err != nil {
			d.logger.Err().Err(err).Log("sendto failed")
			if rollback != nil {
				rollback()
			}
		}
	}
}

func (d *Daemon) handle(line string) (reply string, rollback func()) {
	verb, req, err := wire.ParseRequest(line)
	if err != nil {
		var wireErr *wire.Error
		if errors.As(err, &wireErr) {
			return wire.FormatErrorReply(wireErr.Kind), nil
		}
		return wire.FormatErrorReply(wire.ErrParseFailed), nil
	}

	switch verb {
	case wire.VerbRegister:
		return d.handleRegister(req.(wire.RegisterRequest))
	case wire.VerbPublisher:
		return d.handlePublisher(req.(wire.PublisherRequest))
	case wire.VerbSubscriber:
		return d.handleSubscriber(req.(wire.SubscriberRequest))
	case wire.VerbRoute:
		return d.handleRoute(req.(wire.RouteRequest))
	case wire.VerbPing:
		return wire.FormatPongReply(), nil
	case wire.VerbDiag:
		return wire.FormatDiagReply(d.Snapshot()), nil
	default:
		return wire.FormatErrorReply(wire.ErrUnknownCommand), nil
	}
}

func (d *Daemon) handleRegister(req wire.RegisterRequest) (string, func()) {
	d.mu.Lock()
	if proc, ok := d.findProcessLocked(req.Name, req.PID); ok {
		d.lastBeat[proc.SlotIndex].Store(time.Now().UnixNano())
		d.mu.Unlock()
		return wire.FormatRegisterReply(proc.SlotIndex), nil
	}
	d.mu.Unlock()

	slot, err := d.heartbeats.Get()
	if err != nil {
		return wire.FormatErrorReply(wire.ErrPoolFull), nil
	}
	d.lastBeat[slot].Store(time.Now().UnixNano())

	d.mu.Lock()
	d.processes[slot] = &ProcessRecord{Name: req.Name, PID: req.PID, SlotIndex: slot, Monitored: req.Monitored}
	d.mu.Unlock()

	d.logger.Info().Str("name", req.Name).Int("pid", int(req.PID)).Log("process registered")

	return wire.FormatRegisterReply(slot), func() {
		d.mu.Lock()
		delete(d.processes, slot)
		d.mu.Unlock()
		_ = d.heartbeats.Put(slot)
	}
}

func (d *Daemon) findProcessLocked(name string, pid int32) (ProcessRecord, bool) {
	for _, p := range d.processes {
		if p.Name == name && p.PID == pid {
			return *p, true
		}
	}
	return ProcessRecord{}, false
}

func (d *Daemon) matchEntryLocked(svc wire.ServiceDescription) *matchEntry {
	entry, ok := d.matchTable[svc]
	if !ok {
		entry = &matchEntry{publishers: make(map[uint32]struct{}), subscribers: make(map[uint32]*subscriberState)}
		d.matchTable[svc] = entry
	}
	return entry
}

func (d *Daemon) handlePublisher(req wire.PublisherRequest) (string, func()) {
	d.mu.Lock()
	proc, ok := d.findProcessLocked(req.Name, req.PID)
	if !ok {
		d.mu.Unlock()
		return wire.FormatErrorReply(wire.ErrNotRegistered), nil
	}
	entry := d.matchEntryLocked(req.Service)
	if _, dup := entry.publishers[proc.SlotIndex]; dup {
		d.mu.Unlock()
		return wire.FormatErrorReply(wire.ErrDuplicateOffer), nil
	}
	entry.publishers[proc.SlotIndex] = struct{}{}
	d.mu.Unlock()

	return wire.FormatOfferReply(), func() {
		d.mu.Lock()
		delete(entry.publishers, proc.SlotIndex)
		d.mu.Unlock()
	}
}

func (d *Daemon) handleSubscriber(req wire.SubscriberRequest) (string, func()) {
	d.mu.Lock()
	proc, ok := d.findProcessLocked(req.Name, req.PID)
	if !ok {
		d.mu.Unlock()
		return wire.FormatErrorReply(wire.ErrNotRegistered), nil
	}
	entry := d.matchEntryLocked(req.Service)
	if _, dup := entry.subscribers[proc.SlotIndex]; dup {
		d.mu.Unlock()
		return wire.FormatErrorReply(wire.ErrDuplicateOffer), nil
	}
	d.mu.Unlock()

	queueSlot, err := d.queuePool.Get()
	if err != nil {
		return wire.FormatErrorReply(wire.ErrPoolFull), nil
	}

	sub := &subscriberState{record: proc, service: req.Service, queueSlot: queueSlot, queue: d.queues[queueSlot]}

	d.mu.Lock()
	entry.subscribers[proc.SlotIndex] = sub
	d.mu.Unlock()

	offset := uint64(queueSlot) * uint64(d.queueStride)
	return wire.FormatSubscriberReply(offset), func() {
		d.mu.Lock()
		delete(entry.subscribers, proc.SlotIndex)
		d.mu.Unlock()
		_ = d.queuePool.Put(queueSlot)
	}
}

func (d *Daemon) sequenceCounter(svc wire.ServiceDescription) *atomic.Uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.sequenceCounters[svc]
	if !ok {
		c = new(atomic.Uint64)
		d.sequenceCounters[svc] = c
	}
	return c
}

// handleRoute implements spec.md §4.5.5's reference-count accounting.
// The publisher's prepare_for_transfer reservation is adopted once (via
// chunkhandle.FromIndex, which does not bump the count), then handed to
// the first matched subscriber outright; every additional subscriber
// gets its own Copy (a fresh increment). A subscriber whose queue is
// full has its reservation released immediately so the chunk does not
// leak. Zero matched subscribers releases the sole reservation, leaving
// the eventual client-side release of the publisher's own handle to
// bring the count the rest of the way to zero.
func (d *Daemon) handleRoute(req wire.RouteRequest) (string, func()) {
	pool, ok := d.cfg.Pools[relptr.PoolID(req.PoolID)]
	if !ok {
		return wire.FormatErrorReply(wire.ErrAllocationFailed), nil
	}

	d.mu.Lock()
	var subs []*subscriberState
	if entry, ok := d.matchTable[req.Service]; ok {
		subs = make([]*subscriberState, 0, len(entry.subscribers))
		for _, s := range entry.subscribers {
			subs = append(subs, s)
		}
	}
	d.mu.Unlock()

	h, err := chunkhandle.FromIndex(pool, req.ManagementIndex)
	if err != nil {
		return wire.FormatErrorReply(wire.ErrAllocationFailed), nil
	}

	if len(subs) == 0 {
		_ = h.Release()
		return wire.FormatNoSubscribersReply(), nil
	}

	seq := d.sequenceCounter(req.Service).Add(1)
	now := time.Now().UnixNano()

	first := true
	for _, sub := range subs {
		hh := h
		if !first {
			hh = h.Copy()
		}
		first = false

		desc := ringqueue.Descriptor{
			ManagementIndex: hh.ManagementIndex(),
			PublisherSlot:   req.PublisherSlot,
			Sequence:        seq,
			TimestampNanos:  now,
		}
		if !sub.queue.TryPush(desc) {
			_ = hh.Release()
			sub.dropped.Add(1)
		}
	}

	return wire.FormatRoutedReply(), nil
}

func (d *Daemon) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.HeartbeatScanInterval)
	defer ticker.Stop()

	var scans int
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			d.evictStale()
			scans++
			if scans%d.cfg.DebugDumpEvery == 0 {
				d.logDiagnostics()
			}
		}
	}
}

func (d *Daemon) evictStale() {
	deadline := time.Now().Add(-d.cfg.HeartbeatDeadline).UnixNano()

	d.mu.Lock()
	defer d.mu.Unlock()

	var dead []uint32
	for slot, proc := range d.processes {
		if proc.Monitored && d.lastBeat[slot].Load() < deadline {
			dead = append(dead, slot)
		}
	}
	for _, slot := range dead {
		d.evictLocked(slot)
	}
}

func (d *Daemon) evictLocked(slot uint32) {
	proc, ok := d.processes[slot]
	delete(d.processes, slot)
	if !ok {
		return
	}
	for _, entry := range d.matchTable {
		delete(entry.publishers, slot)
		if sub, ok := entry.subscribers[slot]; ok {
			delete(entry.subscribers, slot)
			_ = d.queuePool.Put(sub.queueSlot)
		}
	}
	_ = d.heartbeats.Put(slot)
	d.logger.Warning().Str("name", proc.Name).Int("pid", int(proc.PID)).Log("evicted process with stale heartbeat")
}

// Snapshot returns the unified diagnostics snapshot shared by the
// periodic debug dump and the DIAG wire command, per SPEC_FULL.md's
// supplemented-feature #2: both surfaces call this one method so they
// can never disagree.
func (d *Daemon) Snapshot() wire.DiagSnapshot {
	var pools []wire.PoolSnapshot
	for _, p := range d.cfg.Pools {
		for _, c := range p.Counters() {
			pools = append(pools, wire.PoolSnapshot{
				ChunkSize: c.ChunkSize,
				Capacity:  c.Capacity,
				Allocated: c.Allocated,
				PeakUsed:  c.PeakUsed,
			})
		}
	}

	d.mu.Lock()
	var subs []wire.SubscriberSnapshot
	for _, entry := range d.matchTable {
		for _, sub := range entry.subscribers {
			subs = append(subs, wire.SubscriberSnapshot{Name: sub.record.Name, Dropped: sub.dropped.Load()})
		}
	}
	d.mu.Unlock()

	return wire.DiagSnapshot{Pools: pools, Subscribers: subs}
}

func (d *Daemon) logDiagnostics() {
	snap := d.Snapshot()
	d.logger.Info().Int("pools", len(snap.Pools)).Int("subscribers", len(snap.Subscribers)).Log("diagnostics dump")
}
