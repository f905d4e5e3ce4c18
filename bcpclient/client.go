// Package bcpclient is the client-role overlay on top of the
// transport-agnostic session engine: it mints a session id, dials
// additional underlying connections on demand, and drives the
// Idle/Busy/Slow adaptation described in spec.md §4.7.
package bcpclient

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"golang.org/x/sync/errgroup"

	"bcp/codec"
	"bcp/session"
	"bcp/streamconn"
)

// DialFunc opens one new underlying byte stream to the server, per
// spec.md §6's client connection factory.
type DialFunc func(ctx context.Context) (net.Conn, error)

// Options configures a Client beyond the session defaults.
type Options struct {
	Session           session.Config
	Stream            streamconn.Config
	InitialConnections int // how many connections to open concurrently at startup; at least 1
}

// DefaultOptions returns sane defaults: one initial connection, the
// session and stream package defaults otherwise.
func DefaultOptions() Options {
	return Options{
		Session:            session.DefaultConfig(),
		Stream:             streamconn.DefaultConfig(),
		InitialConnections: 1,
	}
}

// Client is one BCP session from the connecting side. It owns the
// session engine plus everything needed to grow and shrink the
// underlying connection pool.
type Client struct {
	mu               sync.Mutex
	engine           *session.Engine
	dial             DialFunc
	opts             Options
	nextConnectionID uint32
	busyTimers       map[uint32]*time.Timer
	connecting       bool
	log              hclog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// New mints a session id, opens opts.InitialConnections connections
// concurrently, and returns a ready-to-use Client. If even one of the
// initial connections fails to dial or handshake, New fails and tears
// down whatever it managed to open.
func New(ctx context.Context, dial DialFunc, opts Options, callbacks session.Callbacks, log hclog.Logger) (*Client, error) {
	if opts.InitialConnections < 1 {
		opts.InitialConnections = 1
	}
	if log == nil {
		log = hclog.NewNullLogger()
	}

	id, err := uuid.NewRandom()
	if err != nil {
		return nil, fmt.Errorf("mint session id: %w", err)
	}
	var sessionID [codec.NumBytesSessionId]byte
	copy(sessionID[:], id[:])

	cctx, cancel := context.WithCancel(ctx)
	c := &Client{
		dial:       dial,
		opts:       opts,
		busyTimers: make(map[uint32]*time.Timer),
		log:        log.Named("bcpclient"),
		ctx:        cctx,
		cancel:     cancel,
	}
	// Connection ids start at 1, above the engine's initial
	// lastConnectionId of 0, so that an initial connection attaching
	// before a lower-numbered one is absorbed by ghost backfill instead of
	// being read as an id regression.
	c.nextConnectionID = 1
	hooks := session.Hooks{Busy: c.onBusy, Idle: c.onIdle}
	c.engine = session.New(sessionID, opts.Session, callbacks, hooks, log)

	g, gctx := errgroup.WithContext(cctx)
	for i := 0; i < opts.InitialConnections; i++ {
		g.Go(func() error { return c.openConnection(gctx) })
	}
	if err := g.Wait(); err != nil {
		cancel()
		_ = c.engine.Interrupt()
		return nil, err
	}

	go c.idleTrimLoop()
	return c, nil
}

// ID returns the session's 16-byte identifier.
func (c *Client) ID() [codec.NumBytesSessionId]byte { return c.engine.ID() }

// Send submits one application message (spec.md §6).
func (c *Client) Send(buffers ...[]byte) error { return c.engine.Send(buffers) }

// ShutDown gracefully ends the session.
func (c *Client) ShutDown() error {
	c.cancel()
	c.stopBusyTimers()
	return c.engine.ShutDown()
}

// Interrupt abruptly ends the session.
func (c *Client) Interrupt() error {
	c.cancel()
	c.stopBusyTimers()
	return c.engine.Interrupt()
}

// stopBusyTimers cancels every armed busy timer so none fires against an
// already torn-down session (P4: no dangling timer after shutDown()/
// interrupt() commits).
func (c *Client) stopBusyTimers() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for connID, timer := range c.busyTimers {
		timer.Stop()
		delete(c.busyTimers, connID)
	}
}

// openConnection dials one new stream, performs the ConnectionHead
// handshake, and attaches it to the session engine under the next
// connection id.
func (c *Client) openConnection(ctx context.Context) error {
	raw, err := c.dial(ctx)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	stream := streamconn.New(raw, c.opts.Stream)

	c.mu.Lock()
	connID := c.nextConnectionID
	c.nextConnectionID++
	c.mu.Unlock()

	head := codec.ConnectionHead{SessionId: c.engine.ID(), IsRenew: false, ConnectionId: connID}
	if err := stream.WriteConnectionHead(head); err != nil {
		_ = stream.Close()
		return fmt.Errorf("handshake: %w", err)
	}
	if err := c.engine.AttachStream(connID, stream); err != nil {
		return fmt.Errorf("attach: %w", err)
	}
	c.log.Debug("opened connection", "connection_id", connID)
	return nil
}

// increaseConnection opens one more connection, but only if every
// connection currently tracked is Slow and no growth is already in
// flight, per spec.md §4.7's Slow-escalation response. A connection
// that is merely Busy or Idle means the pool doesn't need to grow yet.
func (c *Client) increaseConnection() {
	states := c.engine.ConnectionStates()
	for _, st := range states {
		if st != session.ConnStateSlow {
			return
		}
	}

	c.mu.Lock()
	if c.connecting || len(states) >= c.opts.Session.MaxConnectionsPerSession {
		already := c.connecting
		c.mu.Unlock()
		if !already {
			c.log.Warn("all connections slow but at MaxConnectionsPerSession, cannot grow further")
		}
		return
	}
	c.connecting = true
	c.mu.Unlock()

	go func() {
		defer func() {
			c.mu.Lock()
			c.connecting = false
			c.mu.Unlock()
		}()
		if err := c.openConnection(c.ctx); err != nil {
			c.log.Warn("failed to open additional connection", "error", err)
		}
	}()
}

// onBusy is the session.Hooks.Busy callback: a connection just
// transitioned from AllConfirmed to carrying unconfirmed packets. Start
// its busy timer; if it is still busy when the timer fires, the
// connection is Slow and we try to grow the pool.
func (c *Client) onBusy(connID uint32) {
	c.engine.SetConnState(connID, session.ConnStateBusy)

	c.mu.Lock()
	if _, exists := c.busyTimers[connID]; exists {
		c.mu.Unlock()
		return
	}
	timer := time.AfterFunc(c.opts.Session.BusyTimeout, func() { c.onBusyTimeout(connID) })
	c.busyTimers[connID] = timer
	c.mu.Unlock()
}

// onIdle is the session.Hooks.Idle callback: a connection just drained
// back to AllConfirmed. Cancel its busy timer and drop its state back to
// Idle.
func (c *Client) onIdle(connID uint32) {
	c.mu.Lock()
	if timer, ok := c.busyTimers[connID]; ok {
		timer.Stop()
		delete(c.busyTimers, connID)
	}
	c.mu.Unlock()
	c.engine.SetConnState(connID, session.ConnStateIdle)
}

func (c *Client) onBusyTimeout(connID uint32) {
	c.mu.Lock()
	delete(c.busyTimers, connID)
	c.mu.Unlock()

	if c.ctx.Err() != nil {
		// Lost the race against ShutDown/Interrupt: the timer fired
		// before Stop() could land. The session is already torn down,
		// so there is nothing left to reclassify or grow.
		return
	}

	c.engine.SetConnState(connID, session.ConnStateSlow)
	c.log.Debug("connection slow, attempting to grow pool", "connection_id", connID)
	c.increaseConnection()
}

// idleTrimLoop calls trimIdleConnections once every IdleTimeout until the
// client's context is cancelled. Each pass finishes every Idle connection
// except one whenever more than one connection is tracked; the other
// connections need not be Idle, and how long a connection has been Idle
// is not measured.
func (c *Client) idleTrimLoop() {
	ticker := time.NewTicker(c.opts.Session.IdleTimeout)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.trimIdleConnections()
		}
	}
}

func (c *Client) trimIdleConnections() {
	states := c.engine.ConnectionStates()
	if len(states) <= 1 {
		return
	}
	kept := false
	for connID, st := range states {
		if st != session.ConnStateIdle {
			continue
		}
		if !kept {
			kept = true
			continue
		}
		if err := c.engine.EnqueueFinish(connID); err != nil {
			c.log.Debug("idle trim skipped connection", "connection_id", connID, "error", err)
		}
	}
}
