// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package runtimeclient is the C5 client library: the process-side
// counterpart of router.Daemon, covering registration, the heartbeat
// goroutine, publisher/subscriber offers, and the loan/publish/take
// lifecycle of spec.md §4.5.3/§4.5.5.
//
// Every API call is one request/reply round trip over the same Unix
// datagram socket the daemon listens on, grounded on
// `original_source/zerocp_daemon/communication/include/runtime/
// process_runtime.hpp`'s shape: one socket, a dedicated heartbeat
// goroutine separate from the application's own use of the client, and
// the application thread blocking only for the duration of its own
// request.
package runtimeclient

import (
	"context"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"
	"unsafe"

	"github.com/google/uuid"

	"code.hybscloud.com/iox"
	"code.hybscloud.com/zerocp/chunkhandle"
	"code.hybscloud.com/zerocp/mempool"
	"code.hybscloud.com/zerocp/obslog"
	"code.hybscloud.com/zerocp/relptr"
	"code.hybscloud.com/zerocp/ringqueue"
	"code.hybscloud.com/zerocp/router"
	"code.hybscloud.com/zerocp/shmseg"
	"code.hybscloud.com/zerocp/wire"
)

// Config configures a Client. SocketPath, ComponentsSegmentName,
// QueueCapacity, and QueuePoolCapacity must match the daemon's own
// router.Config for the wire protocol and the shared receive-queue
// segment to agree — a deployment contract, not something negotiated
// over the socket itself, per spec.md §6's fixed system parameters.
type Config struct {
	SocketPath            string
	ComponentsSegmentName string
	QueueCapacity         int
	QueuePoolCapacity     int

	// Name identifies this process to the daemon's registry.
	Name string
	// PID is the process's own PID. Defaults to os.Getpid().
	PID int32
	// Monitored controls whether the heartbeat-monitor loop evicts this
	// process after HeartbeatDeadline elapses without a heartbeat.
	Monitored bool
	// HeartbeatInterval is how often StartHeartbeat re-registers. There
	// is no dedicated heartbeat verb in the wire protocol; REGISTER
	// itself touches the daemon's last-seen timestamp for this process's
	// slot, so periodic re-registration is the heartbeat. Defaults to
	// 1 second.
	HeartbeatInterval time.Duration

	Logger *obslog.Logger
}

func (c Config) withDefaults() Config {
	if c.SocketPath == "" {
		c.SocketPath = router.DefaultSocketPath
	}
	if c.ComponentsSegmentName == "" {
		c.ComponentsSegmentName = router.DefaultComponentsSegmentName
	}
	if c.QueueCapacity == 0 {
		c.QueueCapacity = router.DefaultQueueCapacity
	}
	if c.QueuePoolCapacity == 0 {
		c.QueuePoolCapacity = router.DefaultQueuePoolCapacity
	}
	if c.PID == 0 {
		c.PID = int32(os.Getpid())
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = time.Second
	}
	if c.Logger == nil {
		c.Logger = obslog.New(obslog.Config{Component: "runtimeclient"})
	}
	return c
}

// Client is one process's connection to the router daemon.
type Client struct {
	cfg       Config
	logger    *obslog.Logger
	sessionID uuid.UUID

	conn      *net.UnixConn
	raddr     *net.UnixAddr
	localPath string
	ioMu      sync.Mutex

	mu         sync.Mutex
	slotIndex  uint32
	registered bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewClient binds this process's local datagram socket and readies a
// Client to Register against cfg.SocketPath. It does not register by
// itself; call Register (directly, or via StartHeartbeat) next.
func NewClient(cfg Config) (*Client, error) {
	cfg = cfg.withDefaults()
	if cfg.Name == "" {
		return nil, fmt.Errorf("runtimeclient: Config.Name is required")
	}

	sessionID := uuid.New()
	localPath := fmt.Sprintf("/tmp/zerocp_client_%d_%s.sock", cfg.PID, sessionID)
	_ = os.Remove(localPath)

	laddr, err := net.ResolveUnixAddr("unixgram", localPath)
	if err != nil {
		return nil, fmt.Errorf("runtimeclient: resolve local socket path: %w", err)
	}
	conn, err := net.ListenUnixgram("unixgram", laddr)
	if err != nil {
		return nil, fmt.Errorf("runtimeclient: bind local socket: %w", err)
	}

	raddr, err := net.ResolveUnixAddr("unixgram", cfg.SocketPath)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("runtimeclient: resolve daemon socket path: %w", err)
	}

	logger := cfg.Logger.Clone().Str("session", sessionID.String()).Logger()

	return &Client{
		cfg:       cfg,
		logger:    logger,
		sessionID: sessionID,
		conn:      conn,
		raddr:     raddr,
		localPath: localPath,
	}, nil
}

// Close stops the heartbeat goroutine (if started) and releases this
// client's local socket.
func (c *Client) Close() error {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	err := c.conn.Close()
	_ = os.Remove(c.localPath)
	return err
}

func (c *Client) roundTrip(line string, timeout time.Duration) (string, error) {
	c.ioMu.Lock()
	defer c.ioMu.Unlock()

	if err := c.conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return "", fmt.Errorf("runtimeclient: set deadline: %w", err)
	}
	if _, err := c.conn.WriteToUnix([]byte(line), c.raddr); err != nil {
		return "", fmt.Errorf("runtimeclient: send %q: %w", line, err)
	}
	buf := make([]byte, wire.MaxMessageLen)
	n, _, err := c.conn.ReadFromUnix(buf)
	if err != nil {
		return "", fmt.Errorf("runtimeclient: recv reply to %q: %w", line, err)
	}
	return string(buf[:n]), nil
}

func replyError(line, reply string) error {
	if strings.HasPrefix(reply, "ERROR:") {
		return fmt.Errorf("runtimeclient: %s -> %s", line, reply)
	}
	return nil
}

// Register offers this process's Name/PID/Monitored triple to the
// daemon, per spec.md §4.5.3. Calling it again (the heartbeat goroutine
// does, on every tick) refreshes the daemon's last-seen timestamp for
// this process's slot.
func (c *Client) Register() error {
	req := wire.RegisterRequest{Name: c.cfg.Name, PID: c.cfg.PID, Monitored: c.cfg.Monitored}
	line := req.Encode()
	reply, err := c.roundTrip(line, 2*time.Second)
	if err != nil {
		return err
	}
	if err := replyError(line, reply); err != nil {
		return err
	}
	var slot uint32
	if _, err := fmt.Sscanf(reply, "OK:OFFSET:%d", &slot); err != nil {
		return fmt.Errorf("runtimeclient: unexpected REGISTER reply %q: %w", reply, err)
	}

	c.mu.Lock()
	c.slotIndex = slot
	c.registered = true
	c.mu.Unlock()

	c.logger.Info().Int("slot", int(slot)).Log("registered with router")
	return nil
}

// StartHeartbeat registers once, then launches a goroutine that
// re-registers every cfg.HeartbeatInterval until ctx is cancelled or
// Close is called.
func (c *Client) StartHeartbeat(ctx context.Context) error {
	if err := c.Register(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := c.Register(); err != nil {
					c.logger.Err().Err(err).Log("heartbeat re-registration failed")
				}
			}
		}
	}()
	return nil
}

func (c *Client) slot() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.slotIndex
}

// Publisher is a registered publisher's offer for one service.
type Publisher struct {
	client  *Client
	pool    *mempool.MemPoolManager
	poolID  relptr.PoolID
	service wire.ServiceDescription
}

// OfferPublisher offers this (already-registered) process as the
// publisher of svc, per spec.md §4.5.4. Chunks loaned through the
// returned Publisher come from pool, which the caller must have already
// created or attached (mempool segment lifecycle is the client's own
// responsibility, independent of the daemon's components segment).
func (c *Client) OfferPublisher(pool *mempool.MemPoolManager, poolID relptr.PoolID, svc wire.ServiceDescription) (*Publisher, error) {
	req := wire.PublisherRequest{Name: c.cfg.Name, PID: c.cfg.PID, Service: svc}
	line := req.Encode()
	reply, err := c.roundTrip(line, 2*time.Second)
	if err != nil {
		return nil, err
	}
	if err := replyError(line, reply); err != nil {
		return nil, err
	}
	if reply != "OK:OFFERED" {
		return nil, fmt.Errorf("runtimeclient: unexpected PUBLISHER reply %q", reply)
	}
	return &Publisher{client: c, pool: pool, poolID: poolID, service: svc}, nil
}

// Loan reserves a chunk of at least size bytes for this publisher to
// fill in before calling Publish.
func (p *Publisher) Loan(size uint32) (chunkhandle.Handle, error) {
	rec, err := p.pool.GetChunk(size)
	if err != nil {
		return chunkhandle.Handle{}, err
	}
	p.pool.SetOriginPublisher(rec, p.client.slot())
	return chunkhandle.Adopt(p.pool, rec), nil
}

// Publish sends h's chunk to every subscriber of this Publisher's
// service, per spec.md §4.5.5. h is consumed: Publish always releases
// the publisher's own reference, whether or not the daemon found any
// subscribers.
func (p *Publisher) Publish(h chunkhandle.Handle) error {
	mgmtIdx := h.PrepareForTransfer()
	req := wire.RouteRequest{
		PublisherSlot:   p.client.slot(),
		Service:         p.service,
		PoolID:          uint16(p.poolID),
		ManagementIndex: mgmtIdx,
	}
	line := req.Encode()
	reply, roundTripErr := p.client.roundTrip(line, 2*time.Second)
	releaseErr := h.Release()

	if roundTripErr != nil {
		return roundTripErr
	}
	if err := replyError(line, reply); err != nil {
		return err
	}
	if reply != "OK:ROUTED" && reply != "WARN:NO_SUBSCRIBERS" {
		return fmt.Errorf("runtimeclient: unexpected ROUTE reply %q", reply)
	}
	return releaseErr
}

// Subscriber is a registered subscriber's offer for one service, with
// its receive queue attached.
type Subscriber struct {
	pool  *mempool.MemPoolManager
	queue *ringqueue.Queue
	seg   *shmseg.Segment
}

// OfferSubscriber offers this (already-registered) process as a
// subscriber of svc, attaches the daemon's components segment, and
// views this subscriber's slice of it as a ringqueue.Queue, per
// spec.md §4.5.6. Chunks taken from the returned Subscriber resolve
// against pool, which must be the same mempool segment the matching
// publisher loans from.
func (c *Client) OfferSubscriber(pool *mempool.MemPoolManager, svc wire.ServiceDescription) (*Subscriber, error) {
	req := wire.SubscriberRequest{Name: c.cfg.Name, PID: c.cfg.PID, Service: svc}
	line := req.Encode()
	reply, err := c.roundTrip(line, 2*time.Second)
	if err != nil {
		return nil, err
	}
	if err := replyError(line, reply); err != nil {
		return nil, err
	}
	var offset uint64
	if _, err := fmt.Sscanf(reply, "OK:QUEUE_OFFSET:%d", &offset); err != nil {
		return nil, fmt.Errorf("runtimeclient: unexpected SUBSCRIBER reply %q: %w", reply, err)
	}

	if err := shmseg.Wait(c.cfg.ComponentsSegmentName, 5*time.Second); err != nil {
		return nil, fmt.Errorf("runtimeclient: waiting for components segment: %w", err)
	}

	stride := ringqueue.RequiredBytes(uint32(c.cfg.QueueCapacity))
	segSize := stride * uintptr(c.cfg.QueuePoolCapacity)

	seg, err := shmseg.Attach(c.cfg.ComponentsSegmentName, segSize)
	if err != nil {
		return nil, fmt.Errorf("runtimeclient: attach components segment: %w", err)
	}

	base := unsafe.Pointer(unsafe.SliceData(seg.Bytes()))
	queue := ringqueue.NewInPlaceAt(base, uintptr(offset), uint32(c.cfg.QueueCapacity))

	return &Subscriber{pool: pool, queue: queue, seg: seg}, nil
}

// TryTake returns the oldest unread chunk, or (Handle{}, false, nil) if
// the queue is currently empty.
func (s *Subscriber) TryTake() (chunkhandle.Handle, bool, error) {
	desc, ok := s.queue.TryPop()
	if !ok {
		return chunkhandle.Handle{}, false, nil
	}
	h, err := chunkhandle.FromIndex(s.pool, desc.ManagementIndex)
	if err != nil {
		return chunkhandle.Handle{}, false, err
	}
	return h, true, nil
}

// Take blocks, backing off the way idxpool.Pool.Get does, until a chunk
// arrives or ctx is done.
func (s *Subscriber) Take(ctx context.Context) (chunkhandle.Handle, error) {
	var bo iox.Backoff
	for {
		if h, ok, err := s.TryTake(); err != nil || ok {
			return h, err
		}
		select {
		case <-ctx.Done():
			return chunkhandle.Handle{}, ctx.Err()
		default:
		}
		bo.Wait()
	}
}

// Close detaches this subscriber's view of the components segment. It
// does not unlink the segment itself; that is the daemon's
// responsibility, once every subscriber has detached.
func (s *Subscriber) Close() error {
	return s.seg.Close()
}
