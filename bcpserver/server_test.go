package bcpserver

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bcp/codec"
	"bcp/session"
)

type nopServerCallbacks struct{}

func (nopServerCallbacks) Received(buffers [][]byte) {}
func (nopServerCallbacks) Available()                {}
func (nopServerCallbacks) Unavailable()              {}
func (nopServerCallbacks) ShutedDown()               {}
func (nopServerCallbacks) Interrupted()              {}

func testSessionID(b byte) [codec.NumBytesSessionId]byte {
	var id [codec.NumBytesSessionId]byte
	id[0] = b
	return id
}

// newHandshake builds one accepted-side net.Conn that has already had a
// ConnectionHead written to it by a simulated peer; the peer side
// drains (and discards) whatever the server writes back afterward.
func newHandshake(t *testing.T, id [codec.NumBytesSessionId]byte, connID uint32, isRenew bool) net.Conn {
	t.Helper()
	peerSide, serverSide := net.Pipe()
	head := codec.ConnectionHead{SessionId: id, IsRenew: isRenew, ConnectionId: connID}
	go func() {
		if err := head.Encode(peerSide); err != nil {
			return
		}
		buf := make([]byte, 4096)
		for {
			if _, err := peerSide.Read(buf); err != nil {
				return
			}
		}
	}()
	t.Cleanup(func() { _ = peerSide.Close(); _ = serverSide.Close() })
	return serverSide
}

// TestSessionDemuxKeyedBySessionID is spec.md §4.8: streams carrying
// the same session id land on the same session; AcceptFunc runs
// exactly once per distinct session id.
func TestSessionDemuxKeyedBySessionID(t *testing.T) {
	accepted := 0
	on := func(sess *Session) session.Callbacks {
		accepted++
		return nopServerCallbacks{}
	}
	l := New(nil, DefaultOptions(), on, nil)

	idA := testSessionID(1)
	idB := testSessionID(2)

	l.handleConn(newHandshake(t, idA, 0, false))
	l.handleConn(newHandshake(t, idA, 1, false))
	l.handleConn(newHandshake(t, idB, 0, false))

	assert.Equal(t, 2, l.SessionCount())
	assert.Equal(t, 2, accepted)
}

// TestRenewResetsExistingSession is P7 exercised through the server
// demux: a handshake with IsRenew=true on an already-known session id
// discards its prior connections and counters before attaching the new
// stream.
func TestRenewResetsExistingSession(t *testing.T) {
	on := func(sess *Session) session.Callbacks { return nopServerCallbacks{} }
	l := New(nil, DefaultOptions(), on, nil)

	id := testSessionID(3)
	l.handleConn(newHandshake(t, id, 0, false))
	l.handleConn(newHandshake(t, id, 1, false))

	l.mu.Lock()
	sess := l.sessions[id]
	l.mu.Unlock()
	require.NotNil(t, sess)
	require.Equal(t, 2, sess.engine.ConnectionCount())

	l.handleConn(newHandshake(t, id, 0, true))

	assert.Equal(t, 1, l.SessionCount())
	assert.Equal(t, 1, sess.engine.ConnectionCount())
}

// TestAutoRemoveCallbacksDropsSessionOnShutdown covers the
// autoRemoveCallbacks wrapper: once a session's ShutedDown callback
// fires, the listener's session table sheds its entry.
func TestAutoRemoveCallbacksDropsSessionOnShutdown(t *testing.T) {
	on := func(sess *Session) session.Callbacks { return nopServerCallbacks{} }
	l := New(nil, DefaultOptions(), on, nil)

	id := testSessionID(4)
	l.handleConn(newHandshake(t, id, 0, false))
	require.Equal(t, 1, l.SessionCount())

	l.mu.Lock()
	sess := l.sessions[id]
	l.mu.Unlock()
	require.NoError(t, sess.ShutDown())

	assert.Equal(t, 0, l.SessionCount())
}
