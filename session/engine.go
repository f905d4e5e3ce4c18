// Package session implements the BCP session engine: the transactional
// controller described in spec.md §3–§8 that multiplexes logical
// messages over N concurrent connections, assigns packet identifiers,
// tracks per-connection acknowledgements, retransmits across
// connections, and coordinates shutdown.
//
// Engine is role-agnostic. The client and server role overlays
// (packages bcpclient and bcpserver) build connection-count adaptation
// and session demux on top of it.
package session

import (
	"fmt"
	"sync"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"

	"bcp/bcperr"
	"bcp/codec"
	"bcp/streamconn"
)

// Engine is a single logical serial domain (spec.md §5): every mutation
// of connections/sendingQueue happens while mu is held, and the
// resulting user-callback/hook invocations are collected into an
// effects slice run only after the lock is released, so a rolled-back
// (errored) operation never leaks a callback.
type Engine struct {
	mu sync.Mutex

	id               [codec.NumBytesSessionId]byte
	connections      map[uint32]*Connection
	lastConnectionId uint32
	queue            *sendingQueue
	isShutDown       bool
	interrupted      bool

	cfg       Config
	callbacks Callbacks
	hooks     Hooks
	log       hclog.Logger
}

// New creates a fresh, offline session engine for the given session id.
func New(id [codec.NumBytesSessionId]byte, cfg Config, callbacks Callbacks, hooks Hooks, log hclog.Logger) *Engine {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &Engine{
		id:          id,
		connections: make(map[uint32]*Connection),
		queue:       newSendingQueue(),
		cfg:         cfg,
		callbacks:   callbacks,
		hooks:       hooks,
		log:         log.Named("session").With("session_id", fmt.Sprintf("%x", id)),
	}
}

// ID returns the session's 16-byte identifier.
func (e *Engine) ID() [codec.NumBytesSessionId]byte { return e.id }

// ConnectionCount returns the number of tracked connections (open or
// draining ghosts).
func (e *Engine) ConnectionCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.connections)
}

// ConnectionStates returns a snapshot of every tracked connection's
// liveness classification, for the client overlay's "every connection
// is Slow" check.
func (e *Engine) ConnectionStates() map[uint32]ConnState {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[uint32]ConnState, len(e.connections))
	for id, c := range e.connections {
		out[id] = c.state
	}
	return out
}

// SetConnState is used by the client overlay to record a connection's
// Idle/Busy/Slow classification; the engine itself only reads it back
// via ConnectionStates.
func (e *Engine) SetConnState(connID uint32, state ConnState) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if c, ok := e.connections[connID]; ok {
		c.state = state
	}
}

// Send is the application API from spec.md §6: encode buffers as a Data
// packet and schedule it on the fairest open connection, or buffer it
// offline if none is open yet.
func (e *Engine) Send(buffers [][]byte) error {
	e.mu.Lock()
	var effects []func()
	err := e.enqueueLocked(codec.Data{Buffers: buffers}, &effects)
	e.mu.Unlock()
	runEffects(effects)
	return err
}

// AttachStream installs a freshly handshaken stream as connectionId,
// applying the safeguards of spec.md §4.8 (shared by both roles; the
// client's self-minted ids trivially satisfy them). The stream must have
// already completed the ConnectionHead exchange.
func (e *Engine) AttachStream(connID uint32, stream *streamconn.Conn) error {
	e.mu.Lock()
	var effects []func()
	err := e.attachStreamLocked(connID, stream, &effects)
	e.mu.Unlock()
	runEffects(effects)
	if err != nil {
		_ = stream.Close()
		return err
	}
	go e.runConnection(connID, stream)
	return nil
}

func (e *Engine) attachStreamLocked(connID uint32, stream *streamconn.Conn, effects *[]func()) error {
	if e.isShutDown || e.interrupted {
		return bcperr.New(bcperr.CodeSessionShutDown, "session is no longer accepting connections", nil)
	}

	countLive := 0
	for _, c := range e.connections {
		if c.stream != nil {
			countLive++
		}
	}
	if len(e.connections) >= e.cfg.MaxConnectionsPerSession || countLive >= e.cfg.MaxActiveConnectionsPerSession {
		return bcperr.New(bcperr.CodeTooManyActive, "connection table or active-connection cap reached", nil)
	}

	if connID < e.lastConnectionId {
		if _, known := e.connections[connID]; !known {
			// A connection id below the high-water mark that isn't even a
			// known drained connection is a regression in the peer's own
			// counter, not a stale duplicate; spec.md §7 treats this as
			// session-fatal.
			err := bcperr.New(bcperr.CodeConnectionIDRegression, "connection id regressed below last known id", nil)
			e.internalInterruptLocked(err, effects)
			return err
		}
	}

	if connID > e.lastConnectionId+1 {
		gap := uint64(connID) - uint64(e.lastConnectionId)
		if gap+uint64(len(e.connections)) >= uint64(e.cfg.MaxConnectionsPerSession) {
			e.internalInterruptLocked(bcperr.New(bcperr.CodeMaxConnectionsExceeded,
				"ghost connection backfill would exceed MaxConnectionsPerSession", nil), effects)
			return bcperr.New(bcperr.CodeMaxConnectionsExceeded, "connection id gap too large", nil)
		}
		for id := e.lastConnectionId + 1; id < connID; id++ {
			if _, exists := e.connections[id]; !exists {
				e.connections[id] = newConnection(id)
			}
		}
	}

	if existing, ok := e.connections[connID]; ok {
		if existing.stream != nil {
			return bcperr.New(bcperr.CodeDuplicateStream, "connection id already has a live stream", nil)
		}
		existing.stream = stream
		e.installStream(existing, effects)
	} else {
		c := newConnection(connID)
		c.stream = stream
		e.connections[connID] = c
		e.installStream(c, effects)
	}

	if connID > e.lastConnectionId {
		e.lastConnectionId = connID
	}
	return nil
}

// installStream wires a connection's rotation membership and flushes
// any offline-buffered packets onto it if it is the first online
// connection.
func (e *Engine) installStream(c *Connection, effects *[]func()) {
	becameOnline := e.queue.addConnection(c)
	flushed := e.queue.drainOffline()
	stream := c.stream
	wasAllConfirmed := c.unconfirmed.Len() == 0
	for _, p := range flushed {
		p := p
		c.pushUnconfirmed(toUnconfirmed(p))
		*effects = append(*effects, func() { _ = stream.Send(p) })
	}
	if wasAllConfirmed && len(flushed) > 0 && e.hooks.Busy != nil {
		id := c.id
		*effects = append(*effects, func() { e.hooks.Busy(id) })
	}
	if becameOnline {
		cb := e.callbacks
		*effects = append(*effects, cb.Available)
	}
}

// enqueueLocked is the AcknowledgeRequired scheduling path from spec.md
// §4.2.
func (e *Engine) enqueueLocked(p codec.Packet, effects *[]func()) error {
	if e.queue.isOffline() {
		if !e.queue.bufferOffline(p, e.cfg.MaxOfflinePack) {
			err := bcperr.New(bcperr.CodeMaxOfflinePackExceeded, "offline packet queue is full", nil)
			e.internalInterruptLocked(err, effects)
			return err
		}
		return nil
	}
	c := e.queue.pick()
	if c == nil {
		// isOffline() was false, so the rotation cannot be empty; this
		// would be a bug in the C4 invariant maintenance.
		err := bcperr.New(bcperr.CodeConnectionLost, "sending queue online but no connection available", nil)
		e.internalInterruptLocked(err, effects)
		return err
	}
	wasAllConfirmed := c.pushUnconfirmed(toUnconfirmed(p))
	if _, ok := p.(codec.Data); ok {
		c.numDataSent++
	}
	// The actual write is deferred to an after-commit effect: Send blocks
	// on backpressure, and nothing may block while mu is held. A failed
	// Send here only means the stream already closed out from under us;
	// p stays in unconfirmed and runConnection's Errs() select will drive
	// the same connection through OnStreamLost shortly.
	stream := c.stream
	*effects = append(*effects, func() { _ = stream.Send(p) })
	if wasAllConfirmed && e.hooks.Busy != nil {
		id := c.id
		*effects = append(*effects, func() { e.hooks.Busy(id) })
	}
	return nil
}

// trySendLocked is the fire-and-forget path from spec.md §4.2, used for
// packets that carry no AcknowledgeRequired obligation (ShutDown). The
// write itself still goes out as a deferred effect.
func (e *Engine) trySendLocked(p codec.Packet, effects *[]func()) {
	c := e.queue.pick()
	if c == nil || c.stream == nil {
		return
	}
	stream := c.stream
	*effects = append(*effects, func() { _ = stream.Send(p) })
}

// OnPacket is the receive-path entry point (spec.md §4.3), invoked by
// the per-connection receive loop for every decoded frame.
func (e *Engine) OnPacket(connID uint32, p codec.Packet) error {
	e.mu.Lock()
	var effects []func()
	err := e.onPacketLocked(connID, p, &effects)
	e.mu.Unlock()
	runEffects(effects)
	return err
}

func (e *Engine) onPacketLocked(connID uint32, p codec.Packet, effects *[]func()) error {
	conn, ok := e.connections[connID]
	if !ok || conn.stream == nil {
		// Stream was already cleaned up (e.g. a late frame racing a
		// local cleanup); nothing to do.
		return nil
	}

	if p.AcknowledgeRequired() {
		stream := conn.stream
		*effects = append(*effects, func() { _ = stream.Send(codec.Acknowledge{}) })
	}

	switch v := p.(type) {
	case codec.HeartBeat:
		// Nothing beyond the idle-timer refresh, which the stream
		// wrapper already performs on every frame received.
	case codec.Data:
		pkId := conn.numDataReceived
		conn.numDataReceived++
		e.deliverLocked(conn, pkId, v.Buffers, effects)
	case codec.RetransmissionData:
		target, err := e.routeLocked(v.ConnId, effects)
		if err != nil {
			return err
		}
		if target != nil {
			e.deliverLocked(target, v.PackId, v.Buffers, effects)
		}
	case codec.Acknowledge:
		wasData, nowEmpty, ok := conn.ackHead()
		if !ok {
			break
		}
		if wasData {
			conn.numAckReceivedForData++
		}
		if nowEmpty && e.hooks.Idle != nil {
			id := conn.id
			*effects = append(*effects, func() { e.hooks.Idle(id) })
		}
	case codec.Finish:
		e.finishLocked(conn, conn.numDataReceived, effects)
	case codec.RetransmissionFinish:
		target, err := e.routeLocked(v.ConnId, effects)
		if err != nil {
			return err
		}
		if target == nil {
			break
		}
		if target.finishIdReceived != nil {
			cleanupErr := bcperr.New(bcperr.CodeAlreadyReceivedFinish,
				"duplicate RetransmissionFinish for connection", nil)
			e.cleanupLocked(target, cleanupErr, effects)
			return cleanupErr
		}
		e.finishLocked(target, v.PackId, effects)
	case codec.ShutDown:
		e.shutdownLocked(false, effects)
	}
	return nil
}

// routeLocked resolves a retransmission's addressed connection id,
// synthesizing ghost connections for any gap per spec.md §4.4.
func (e *Engine) routeLocked(cid uint32, effects *[]func()) (*Connection, error) {
	if c, ok := e.connections[cid]; ok {
		return c, nil
	}
	if cid <= e.lastConnectionId {
		// Already fully drained and removed: safely ignore.
		return nil, nil
	}
	gap := uint64(cid) - uint64(e.lastConnectionId)
	if gap+uint64(len(e.connections)) >= uint64(e.cfg.MaxConnectionsPerSession) {
		err := bcperr.New(bcperr.CodeMaxConnectionsExceeded,
			"ghost connection backfill would exceed MaxConnectionsPerSession", nil)
		e.internalInterruptLocked(err, effects)
		return nil, err
	}
	for id := e.lastConnectionId + 1; id < cid; id++ {
		if _, exists := e.connections[id]; !exists {
			e.connections[id] = newConnection(id)
		}
	}
	c := newConnection(cid)
	e.connections[cid] = c
	e.lastConnectionId = cid
	return c, nil
}

// deliverLocked is the idempotent dataReceived procedure from spec.md
// §4.3: at-most-once delivery keyed by (connection, packId) (C6).
func (e *Engine) deliverLocked(conn *Connection, pkId uint32, buffers [][]byte, effects *[]func()) {
	if conn.receiveIdSet.Contains(pkId) {
		return
	}
	conn.receiveIdSet.Add(pkId)
	cb := e.callbacks
	*effects = append(*effects, func() { cb.Received(buffers) })
	e.maybeRemoveLocked(conn)
}

// finishLocked handles both a direct Finish and a RetransmissionFinish
// once routed to their target connection.
func (e *Engine) finishLocked(conn *Connection, finishID uint32, effects *[]func()) {
	if !conn.isFinishSent {
		conn.unconfirmed.PushBack(unconfirmedPacket{kind: kindFinish})
		conn.isFinishSent = true
	}
	conn.finishIdReceived = &finishID
	e.cleanupLocked(conn, nil, effects)
}

// cleanupLocked implements spec.md §4.5: stream loss or an explicit
// Finish tears the connection's sending-side state down and
// redistributes anything still unconfirmed across the surviving
// connections.
func (e *Engine) cleanupLocked(conn *Connection, cause error, effects *[]func()) {
	if becameOffline := e.queue.removeConnection(conn); becameOffline {
		cb := e.callbacks
		*effects = append(*effects, cb.Unavailable)
	}

	if !conn.isFinishSent {
		conn.unconfirmed.PushBack(unconfirmedPacket{kind: kindFinish})
		conn.isFinishSent = true
	}

	if conn.stream != nil {
		stream := conn.stream
		*effects = append(*effects, func() { _ = stream.Close() })
		conn.stream = nil
	}

	retransmissions := conn.drainRetransmissions()
	for _, p := range retransmissions {
		// A failure here has already escalated to internalInterrupt
		// inside enqueueLocked; nothing further to do with the error.
		_ = e.enqueueLocked(p, effects)
	}

	e.maybeRemoveLocked(conn)

	if cause != nil {
		e.log.Debug("connection cleaned up", "connection_id", conn.id, "cause", cause)
	}
}

// maybeRemoveLocked enforces C1: remove a connection record once it is
// fully drained.
func (e *Engine) maybeRemoveLocked(conn *Connection) {
	if conn.isDrained() {
		delete(e.connections, conn.id)
	}
}

// OnStreamLost is invoked by the per-connection receive/write loop when
// the underlying stream fails (timeout, EOF, reset).
func (e *Engine) OnStreamLost(connID uint32, cause error) {
	e.mu.Lock()
	var effects []func()
	conn, ok := e.connections[connID]
	if ok && conn.stream != nil {
		if bcperr.IsProtocolError(errCode(cause)) {
			e.log.Warn("protocol error on connection, cleaning up", "connection_id", connID, "error", cause)
		}
		e.cleanupLocked(conn, cause, &effects)
	}
	e.mu.Unlock()
	runEffects(effects)
}

func errCode(err error) string {
	var e *bcperr.Error
	if err == nil {
		return ""
	}
	if be, ok := err.(*bcperr.Error); ok {
		e = be
	}
	if e == nil {
		return ""
	}
	return e.Code
}

// ShutDown performs the graceful exit from spec.md §4.6: announce
// ShutDown on one connection, close every connection, and notify the
// application.
func (e *Engine) ShutDown() error {
	e.mu.Lock()
	var effects []func()
	e.shutdownLocked(true, &effects)
	e.mu.Unlock()
	runEffects(effects)
	return nil
}

func (e *Engine) shutdownLocked(announce bool, effects *[]func()) {
	if e.isShutDown || e.interrupted {
		return
	}
	e.isShutDown = true

	if announce {
		e.trySendLocked(codec.ShutDown{}, effects)
	}

	for _, c := range e.connections {
		c.isShutDown = true
		if c.stream != nil {
			stream := c.stream
			*effects = append(*effects, func() { _ = stream.Close() })
			c.stream = nil
		}
	}
	e.connections = make(map[uint32]*Connection)
	e.queue.reset()

	cb := e.callbacks
	*effects = append(*effects, cb.ShutedDown)
}

// Interrupt performs the abrupt exit from spec.md §4.6/§7.
func (e *Engine) Interrupt() error {
	e.mu.Lock()
	var effects []func()
	e.internalInterruptLocked(bcperr.New(bcperr.CodeSessionInterrupted, "interrupted by application", nil), &effects)
	e.mu.Unlock()
	runEffects(effects)
	return nil
}

func (e *Engine) internalInterruptLocked(cause error, effects *[]func()) {
	if e.isShutDown || e.interrupted {
		return
	}
	e.interrupted = true

	var merr *multierror.Error
	for _, c := range e.connections {
		c.isShutDown = true
		if c.stream != nil {
			stream := c.stream
			*effects = append(*effects, func() {
				if err := stream.Close(); err != nil {
					merr = multierror.Append(merr, err)
				}
			})
			c.stream = nil
		}
	}
	e.connections = make(map[uint32]*Connection)
	e.queue.reset()

	e.log.Error("session interrupted", "cause", cause)
	*effects = append(*effects, func() {
		if merr != nil {
			e.log.Warn("errors closing streams during interrupt", "error", merr.ErrorOrNil())
		}
	})
	cb := e.callbacks
	*effects = append(*effects, cb.Interrupted)
}

// Renew discards all existing connections and counters, per spec.md
// §4.8's isRenew handshake semantics (server-side full restart).
func (e *Engine) Renew() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, c := range e.connections {
		if c.stream != nil {
			_ = c.stream.Close()
		}
	}
	e.connections = make(map[uint32]*Connection)
	e.lastConnectionId = 0
	e.queue.reset()
	e.isShutDown = false
	e.interrupted = false
}

// EnqueueFinish gracefully finishes one specific connection (used by the
// client overlay's idle-trim timer, spec.md §4.7).
func (e *Engine) EnqueueFinish(connID uint32) error {
	e.mu.Lock()
	var effects []func()
	conn, ok := e.connections[connID]
	var err error
	if !ok || conn.stream == nil {
		err = bcperr.New(bcperr.CodeConnectionLost, "connection not open", nil)
	} else {
		err = e.enqueueOnLocked(conn, codec.Finish{}, &effects)
	}
	e.mu.Unlock()
	runEffects(effects)
	return err
}

// enqueueOnLocked sends p specifically on conn rather than via the fair
// rotation — used when the caller already chose the target connection
// (idle-trim Finish).
func (e *Engine) enqueueOnLocked(conn *Connection, p codec.Packet, effects *[]func()) error {
	if conn.isFinishSent {
		return nil
	}
	wasAllConfirmed := conn.pushUnconfirmed(toUnconfirmed(p))
	conn.isFinishSent = true
	stream := conn.stream
	*effects = append(*effects, func() { _ = stream.Send(p) })
	if wasAllConfirmed && e.hooks.Busy != nil {
		id := conn.id
		*effects = append(*effects, func() { e.hooks.Busy(id) })
	}
	return nil
}

func runEffects(effects []func()) {
	for _, fn := range effects {
		if fn != nil {
			fn()
		}
	}
}
