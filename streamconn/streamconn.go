// Package streamconn wraps a single underlying reliable byte stream
// (typically a net.Conn over TCP) with a write queue, read/write
// timeouts and a periodic heartbeat trigger — the "stream wrapper"
// collaborator of spec.md §2.2. It knows nothing about sessions,
// connection ids or acknowledgement bookkeeping; it only moves framed
// packets in and out of one socket.
package streamconn

import (
	"bufio"
	"io"
	"net"
	"sync"
	"time"

	"bcp/bcperr"
	"bcp/codec"
)

// Config bundles the per-stream tunables from spec.md §6.
type Config struct {
	ReadingTimeout  time.Duration
	WritingTimeout  time.Duration
	HeartBeatDelay  time.Duration
	WriteQueueDepth int
}

// DefaultConfig returns reasonable tunable defaults.
func DefaultConfig() Config {
	return Config{
		ReadingTimeout:  90 * time.Second,
		WritingTimeout:  30 * time.Second,
		HeartBeatDelay:  20 * time.Second,
		WriteQueueDepth: 256,
	}
}

// Conn is one underlying stream, wrapped with a write queue and
// heartbeat ticker. The zero value is not usable; construct with New.
type Conn struct {
	raw    net.Conn
	reader *bufio.Reader
	cfg    Config

	writeCh   chan codec.Packet
	closeOnce sync.Once
	closed    chan struct{}
	writeErr  chan error

	heartbeat *time.Timer
}

// New wraps raw with a write queue, starts its writer goroutine and arms
// its heartbeat timer. Close must be called when the connection is done
// with, to release them.
func New(raw net.Conn, cfg Config) *Conn {
	c := &Conn{
		raw:       raw,
		reader:    bufio.NewReader(raw),
		cfg:       cfg,
		writeCh:   make(chan codec.Packet, cfg.WriteQueueDepth),
		closed:    make(chan struct{}),
		writeErr:  make(chan error, 1),
		heartbeat: time.NewTimer(cfg.HeartBeatDelay),
	}
	go c.writeLoop()
	return c
}

// Send enqueues a packet for writing. It does not block on the network;
// it only blocks if the write queue itself is full, which signals the
// peer is not draining fast enough. Safe to call while holding the
// session's transactional lock as long as the queue has headroom — it
// is a queue push, not a syscall.
func (c *Conn) Send(p codec.Packet) error {
	select {
	case c.writeCh <- p:
		return nil
	case <-c.closed:
		return bcperr.New(bcperr.CodeStreamClosed, "send on closed stream", nil)
	}
}

// ReadPacket blocks until the next post-handshake frame arrives, resets
// the read deadline to ReadingTimeout on entry, and fails with a
// transport error on timeout or stream loss. It does not itself reset
// the heartbeat timer — callers do that explicitly on every frame
// received, per spec.md §4.3, since even a HeartBeat frame must refresh
// it.
func (c *Conn) ReadPacket() (codec.Packet, error) {
	if err := c.raw.SetReadDeadline(time.Now().Add(c.cfg.ReadingTimeout)); err != nil {
		return nil, bcperr.New(bcperr.CodeConnectionLost, "set read deadline", err)
	}
	p, err := codec.DecodePacket(c.reader)
	if err != nil {
		return nil, classifyReadErr(err)
	}
	return p, nil
}

// ReadConnectionHead reads the mandatory handshake frame. Only valid as
// the very first read on a freshly dialed or accepted stream.
func (c *Conn) ReadConnectionHead() (codec.ConnectionHead, error) {
	if err := c.raw.SetReadDeadline(time.Now().Add(c.cfg.ReadingTimeout)); err != nil {
		return codec.ConnectionHead{}, bcperr.New(bcperr.CodeConnectionLost, "set read deadline", err)
	}
	h, err := codec.DecodeConnectionHead(c.reader)
	if err != nil {
		return h, classifyReadErr(err)
	}
	return h, nil
}

// WriteConnectionHead writes the handshake frame directly (bypassing the
// write queue, since it must be the first bytes on the wire and nothing
// else can race it at this point in the connection's life).
func (c *Conn) WriteConnectionHead(h codec.ConnectionHead) error {
	if err := c.raw.SetWriteDeadline(time.Now().Add(c.cfg.WritingTimeout)); err != nil {
		return bcperr.New(bcperr.CodeConnectionLost, "set write deadline", err)
	}
	if err := h.Encode(c.raw); err != nil {
		return bcperr.New(bcperr.CodeWriteTimeout, "write connection head", err)
	}
	return nil
}

// Errs returns a channel that receives at most one error if the write
// loop dies (e.g. the peer closed the connection while draining the
// write queue). The session engine's receive loop selects on this
// alongside ReadPacket to notice write-side failure promptly.
func (c *Conn) Errs() <-chan error { return c.writeErr }

// ResetHeartbeat reschedules the heartbeat timer, cancelling any pending
// fire. The session engine calls it on every frame received and after
// each heartbeat it sends.
func (c *Conn) ResetHeartbeat() {
	c.heartbeat.Reset(c.cfg.HeartBeatDelay)
}

// HeartbeatC fires every time a heartbeat is due; the session engine
// enqueues a codec.HeartBeat{} on it and calls ResetHeartbeat.
func (c *Conn) HeartbeatC() <-chan time.Time { return c.heartbeat.C }

// Close stops the writer goroutine, the heartbeat timer, and closes the
// underlying socket. Idempotent.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		c.heartbeat.Stop()
		err = c.raw.Close()
	})
	return err
}

func (c *Conn) writeLoop() {
	for {
		select {
		case p, ok := <-c.writeCh:
			if !ok {
				return
			}
			if err := c.raw.SetWriteDeadline(time.Now().Add(c.cfg.WritingTimeout)); err != nil {
				c.reportWriteErr(bcperr.New(bcperr.CodeConnectionLost, "set write deadline", err))
				return
			}
			if err := p.Encode(c.raw); err != nil {
				c.reportWriteErr(classifyWriteErr(err))
				return
			}
		case <-c.closed:
			return
		}
	}
}

func (c *Conn) reportWriteErr(err error) {
	select {
	case c.writeErr <- err:
	default:
	}
}

func classifyReadErr(err error) error {
	if err == io.EOF {
		return bcperr.New(bcperr.CodeStreamClosed, "stream closed by peer", err)
	}
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return bcperr.New(bcperr.CodeReadTimeout, "read timed out", err)
	}
	if _, ok := err.(*bcperr.Error); ok {
		return err
	}
	return bcperr.New(bcperr.CodeConnectionLost, "read failed", err)
}

func classifyWriteErr(err error) error {
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return bcperr.New(bcperr.CodeWriteTimeout, "write timed out", err)
	}
	return bcperr.New(bcperr.CodeConnectionLost, "write failed", err)
}
