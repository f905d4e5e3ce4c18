// Package bcpserver is the server-role overlay: a session table keyed
// by session id that demultiplexes freshly accepted streams into the
// right session engine, per spec.md §4.8.
package bcpserver

import (
	"context"
	"net"
	"sync"

	"github.com/hashicorp/go-hclog"

	"bcp/codec"
	"bcp/session"
	"bcp/streamconn"
)

// AcceptFunc is invoked exactly once per newly observed session id, right
// after its engine is constructed and before any stream is attached to
// it. It returns the application's callbacks for that session.
type AcceptFunc func(sess *Session) session.Callbacks

// Session is the server-side handle to one session handed to AcceptFunc;
// it does not know how to dial new connections (only the client overlay
// does), but it can send, shut down or interrupt like any endpoint.
type Session struct {
	id     [codec.NumBytesSessionId]byte
	engine *session.Engine
}

// ID returns the session's 16-byte identifier.
func (s *Session) ID() [codec.NumBytesSessionId]byte { return s.id }

// Send submits one application message on this session.
func (s *Session) Send(buffers ...[]byte) error { return s.engine.Send(buffers) }

// ShutDown gracefully ends this session.
func (s *Session) ShutDown() error { return s.engine.ShutDown() }

// Interrupt abruptly ends this session.
func (s *Session) Interrupt() error { return s.engine.Interrupt() }

// Options configures a Listener beyond the session/stream defaults.
type Options struct {
	Session session.Config
	Stream  streamconn.Config
}

// DefaultOptions returns the session and stream package defaults.
func DefaultOptions() Options {
	return Options{Session: session.DefaultConfig(), Stream: streamconn.DefaultConfig()}
}

// Listener demultiplexes accepted connections from raw into BCP
// sessions, keyed by the 16-byte session id each stream's handshake
// carries. Go's array equality already compares [16]byte keys by value,
// which is exactly the byte-content equality spec.md's server-side demux
// requires.
type Listener struct {
	raw  net.Listener
	opts Options
	on   AcceptFunc
	log  hclog.Logger

	mu       sync.Mutex
	sessions map[[codec.NumBytesSessionId]byte]*Session
}

// New wraps raw with BCP session demux. on is called once per distinct
// session id the first time a stream for it is observed.
func New(raw net.Listener, opts Options, on AcceptFunc, log hclog.Logger) *Listener {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &Listener{
		raw:      raw,
		opts:     opts,
		on:       on,
		log:      log.Named("bcpserver"),
		sessions: make(map[[codec.NumBytesSessionId]byte]*Session),
	}
}

// Serve accepts connections until ctx is cancelled or the listener fails.
// Each accepted connection is handshaken and routed in its own goroutine,
// so one slow or malicious handshake cannot stall the accept loop.
func (l *Listener) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = l.raw.Close()
	}()
	for {
		raw, err := l.raw.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		go l.handleConn(raw)
	}
}

// SessionCount returns the number of currently tracked sessions.
func (l *Listener) SessionCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.sessions)
}

func (l *Listener) handleConn(raw net.Conn) {
	stream := streamconn.New(raw, l.opts.Stream)
	head, err := stream.ReadConnectionHead()
	if err != nil {
		l.log.Warn("handshake failed", "remote", raw.RemoteAddr(), "error", err)
		_ = stream.Close()
		return
	}

	sess := l.sessionFor(head.SessionId, head.IsRenew)
	if err := sess.engine.AttachStream(head.ConnectionId, stream); err != nil {
		l.log.Warn("attach stream failed", "session_id", head.SessionId, "connection_id", head.ConnectionId, "error", err)
	}
}

// sessionFor looks up or creates the session for id, applying the
// isRenew reset rule from spec.md §4.8.
func (l *Listener) sessionFor(id [codec.NumBytesSessionId]byte, isRenew bool) *Session {
	l.mu.Lock()
	existing, ok := l.sessions[id]
	l.mu.Unlock()

	if ok {
		if isRenew {
			existing.engine.Renew()
		}
		return existing
	}

	proxy := &callbacksProxy{}
	eng := session.New(id, l.opts.Session, proxy, session.Hooks{}, l.log)
	sess := &Session{id: id, engine: eng}

	l.mu.Lock()
	if already, raced := l.sessions[id]; raced {
		// Another goroutine's handshake for the same brand-new session id
		// won the race; use its session and drop ours.
		l.mu.Unlock()
		if isRenew {
			already.engine.Renew()
		}
		return already
	}
	l.sessions[id] = sess
	l.mu.Unlock()

	inner := l.on(sess)
	proxy.set(&autoRemoveCallbacks{inner: inner, remove: func() { l.removeSession(id) }})
	return sess
}

func (l *Listener) removeSession(id [codec.NumBytesSessionId]byte) {
	l.mu.Lock()
	delete(l.sessions, id)
	l.mu.Unlock()
}

// callbacksProxy lets a session.Engine be constructed before the
// application's callbacks are known, by forwarding to whatever inner
// Callbacks is installed once AcceptFunc returns.
type callbacksProxy struct {
	mu    sync.Mutex
	inner session.Callbacks
}

func (p *callbacksProxy) set(c session.Callbacks) {
	p.mu.Lock()
	p.inner = c
	p.mu.Unlock()
}

func (p *callbacksProxy) get() session.Callbacks {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inner
}

func (p *callbacksProxy) Received(buffers [][]byte) {
	if c := p.get(); c != nil {
		c.Received(buffers)
	}
}
func (p *callbacksProxy) Available() {
	if c := p.get(); c != nil {
		c.Available()
	}
}
func (p *callbacksProxy) Unavailable() {
	if c := p.get(); c != nil {
		c.Unavailable()
	}
}
func (p *callbacksProxy) ShutedDown() {
	if c := p.get(); c != nil {
		c.ShutedDown()
	}
}
func (p *callbacksProxy) Interrupted() {
	if c := p.get(); c != nil {
		c.Interrupted()
	}
}

// autoRemoveCallbacks wraps the application's callbacks so the session
// table sheds its entry once the session ends, rather than growing
// without bound.
type autoRemoveCallbacks struct {
	inner  session.Callbacks
	remove func()
}

func (c *autoRemoveCallbacks) Received(buffers [][]byte) { c.inner.Received(buffers) }
func (c *autoRemoveCallbacks) Available()                { c.inner.Available() }
func (c *autoRemoveCallbacks) Unavailable()               { c.inner.Unavailable() }
func (c *autoRemoveCallbacks) ShutedDown() {
	c.remove()
	c.inner.ShutedDown()
}
func (c *autoRemoveCallbacks) Interrupted() {
	c.remove()
	c.inner.Interrupted()
}
