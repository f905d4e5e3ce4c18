package session

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bcp/bcperr"
	"bcp/codec"
	"bcp/streamconn"
)

// recordingCallbacks is a Callbacks implementation that records every
// invocation for later assertion. Safe for concurrent use since it may
// be driven from a runConnection goroutine.
type recordingCallbacks struct {
	mu          sync.Mutex
	received    [][][]byte
	available   int
	unavailable int
	shutedDown  int
	interrupted int
}

func (c *recordingCallbacks) Received(buffers [][]byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.received = append(c.received, buffers)
}
func (c *recordingCallbacks) Available()   { c.mu.Lock(); c.available++; c.mu.Unlock() }
func (c *recordingCallbacks) Unavailable() { c.mu.Lock(); c.unavailable++; c.mu.Unlock() }
func (c *recordingCallbacks) ShutedDown()  { c.mu.Lock(); c.shutedDown++; c.mu.Unlock() }
func (c *recordingCallbacks) Interrupted() { c.mu.Lock(); c.interrupted++; c.mu.Unlock() }

func (c *recordingCallbacks) receivedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.received)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.MaxOfflinePack = 4
	return cfg
}

func testSessionID(b byte) [codec.NumBytesSessionId]byte {
	var id [codec.NumBytesSessionId]byte
	id[0] = b
	return id
}

// attachFakeConnection wires a net.Pipe end into eng as connID and
// drains the other end in the background so the write loop never
// blocks on an absent reader. It does not simulate a real peer
// protocol; tests that need one build both sides with real Engines
// instead (see TestScenario1SingleConnectionEcho).
func attachFakeConnection(t *testing.T, eng *Engine, connID uint32) {
	t.Helper()
	client, peer := net.Pipe()
	t.Cleanup(func() { _ = client.Close(); _ = peer.Close() })
	go func() {
		buf := make([]byte, 4096)
		for {
			if _, err := peer.Read(buf); err != nil {
				return
			}
		}
	}()
	stream := streamconn.New(client, streamconn.DefaultConfig())
	require.NoError(t, eng.AttachStream(connID, stream))
}

func TestScenario1SingleConnectionEcho(t *testing.T) {
	clientCb := &recordingCallbacks{}
	serverCb := &recordingCallbacks{}
	clientEng := New(testSessionID(1), testConfig(), clientCb, Hooks{}, nil)
	serverEng := New(testSessionID(1), testConfig(), serverCb, Hooks{}, nil)

	a, b := net.Pipe()
	clientStream := streamconn.New(a, streamconn.DefaultConfig())
	serverStream := streamconn.New(b, streamconn.DefaultConfig())
	require.NoError(t, clientEng.AttachStream(0, clientStream))
	require.NoError(t, serverEng.AttachStream(0, serverStream))

	require.NoError(t, clientEng.Send([][]byte{[]byte("hi")}))
	require.NoError(t, clientEng.Send([][]byte{[]byte("world")}))

	require.Eventually(t, func() bool {
		return serverCb.receivedCount() == 2
	}, time.Second, time.Millisecond)

	serverCb.mu.Lock()
	assert.Equal(t, [][]byte{[]byte("hi")}, serverCb.received[0])
	assert.Equal(t, [][]byte{[]byte("world")}, serverCb.received[1])
	serverCb.mu.Unlock()

	require.Eventually(t, func() bool {
		clientEng.mu.Lock()
		defer clientEng.mu.Unlock()
		c := clientEng.connections[0]
		return c != nil && c.unconfirmed.Len() == 0
	}, time.Second, time.Millisecond)
}

// TestConnectionCleanupRedistributesUnconfirmed is scenario 2
// (retransmission across lost connection), exercised directly on the
// sending side: a Data packet enqueued on connection 0 has not yet
// been acknowledged when connection 0 is reported lost, and must be
// redistributed onto connection 1 as a RetransmissionData addressed to
// its original (connId, packId).
func TestConnectionCleanupRedistributesUnconfirmed(t *testing.T) {
	eng := New(testSessionID(2), testConfig(), &recordingCallbacks{}, Hooks{}, nil)
	attachFakeConnection(t, eng, 0)
	attachFakeConnection(t, eng, 1)

	require.NoError(t, eng.Send([][]byte{[]byte("M1")}))

	eng.mu.Lock()
	require.Equal(t, 1, eng.connections[0].unconfirmed.Len())
	eng.mu.Unlock()

	eng.OnStreamLost(0, bcperr.New(bcperr.CodeConnectionLost, "simulated loss", nil))

	eng.mu.Lock()
	defer eng.mu.Unlock()
	require.Contains(t, eng.connections, uint32(1))
	survivor := eng.connections[1]
	// Step 2 of cleanup also synthesizes a logical Finish for the dead
	// connection (so a later reconnect can redeliver it), so the
	// survivor picks up both the redelivered Data and that Finish.
	require.Equal(t, 2, survivor.unconfirmed.Len())

	redistributed := survivor.unconfirmed.Front().Value.(unconfirmedPacket)
	assert.Equal(t, kindRetransData, redistributed.kind)
	assert.Equal(t, uint32(0), redistributed.connId)
	assert.Equal(t, uint32(0), redistributed.packId)
	assert.Equal(t, [][]byte{[]byte("M1")}, redistributed.buffers)

	finishEntry := survivor.unconfirmed.Back().Value.(unconfirmedPacket)
	assert.Equal(t, kindRetransFinish, finishEntry.kind)
	assert.Equal(t, uint32(0), finishEntry.connId)

	// Connection 0 stays tracked (not yet drained: no Finish received
	// from the peer) but no longer carries a live stream.
	require.Contains(t, eng.connections, uint32(0))
	assert.Nil(t, eng.connections[0].stream)
}

// TestScenario3OutOfOrderHandshake is the ghost-connection backfill on
// the receive side: a RetransmissionData addressed to connection 3
// arrives before any stream for ids 1, 2 or 3 has attached.
func TestScenario3OutOfOrderHandshake(t *testing.T) {
	eng := New(testSessionID(3), testConfig(), &recordingCallbacks{}, Hooks{}, nil)
	attachFakeConnection(t, eng, 0)

	err := eng.OnPacket(0, codec.RetransmissionData{ConnId: 3, PackId: 0, Buffers: [][]byte{[]byte("M")}})
	require.NoError(t, err)

	eng.mu.Lock()
	defer eng.mu.Unlock()
	assert.Len(t, eng.connections, 4)
	assert.Equal(t, uint32(3), eng.lastConnectionId)
	for _, ghostID := range []uint32{1, 2} {
		ghost := eng.connections[ghostID]
		require.NotNil(t, ghost)
		assert.Nil(t, ghost.stream)
	}
	assert.True(t, eng.connections[3].receiveIdSet.Contains(0))
}

// TestScenario4DuplicatePacketId is P2: a replayed RetransmissionData
// addressed to the same (connId, packId) must deliver exactly once.
func TestScenario4DuplicatePacketId(t *testing.T) {
	cb := &recordingCallbacks{}
	eng := New(testSessionID(4), testConfig(), cb, Hooks{}, nil)
	attachFakeConnection(t, eng, 0)

	p := codec.RetransmissionData{ConnId: 1, PackId: 0, Buffers: [][]byte{[]byte("M")}}
	require.NoError(t, eng.OnPacket(0, p))
	require.NoError(t, eng.OnPacket(0, p))

	assert.Equal(t, 1, cb.receivedCount())
}

// TestScenario5FinishDrain is P3 (C1 closure): once both sides have
// sent and received Finish and nothing remains unconfirmed, the
// connection record is removed.
func TestScenario5FinishDrain(t *testing.T) {
	eng := New(testSessionID(5), testConfig(), &recordingCallbacks{}, Hooks{}, nil)
	attachFakeConnection(t, eng, 0)

	require.NoError(t, eng.Send([][]byte{[]byte("M1")}))
	require.NoError(t, eng.OnPacket(0, codec.Acknowledge{})) // ack for M1
	require.NoError(t, eng.EnqueueFinish(0))
	require.NoError(t, eng.OnPacket(0, codec.Acknowledge{})) // ack for Finish

	eng.mu.Lock()
	require.Contains(t, eng.connections, uint32(0))
	require.Equal(t, 0, eng.connections[0].unconfirmed.Len())
	eng.mu.Unlock()

	require.NoError(t, eng.OnPacket(0, codec.Finish{}))

	eng.mu.Lock()
	defer eng.mu.Unlock()
	assert.NotContains(t, eng.connections, uint32(0))
}

// TestAtMostOnceAcrossConnections is P2 across the two delivery paths:
// direct Data delivery and a RetransmissionData addressed to the same
// (connId, packId).
func TestAtMostOnceAcrossConnections(t *testing.T) {
	cb := &recordingCallbacks{}
	eng := New(testSessionID(6), testConfig(), cb, Hooks{}, nil)
	attachFakeConnection(t, eng, 0)

	require.NoError(t, eng.OnPacket(0, codec.Data{Buffers: [][]byte{[]byte("a")}}))
	require.NoError(t, eng.OnPacket(0, codec.Data{Buffers: [][]byte{[]byte("b")}}))
	// Replaying the first packet id as a retransmission must not
	// double-deliver it: it is addressed to
	// (connId=0, packId=0), already marked received on connection 0.
	require.NoError(t, eng.OnPacket(0, codec.RetransmissionData{ConnId: 0, PackId: 0, Buffers: [][]byte{[]byte("a")}}))

	assert.Equal(t, 2, cb.receivedCount())
}

// TestOfflineBufferingCap is P6: exceeding MaxOfflinePack with no open
// connection interrupts the session.
func TestOfflineBufferingCap(t *testing.T) {
	cb := &recordingCallbacks{}
	cfg := testConfig()
	cfg.MaxOfflinePack = 3
	eng := New(testSessionID(7), cfg, cb, Hooks{}, nil)

	for i := 0; i < cfg.MaxOfflinePack; i++ {
		require.NoError(t, eng.Send([][]byte{[]byte("m")}))
	}
	err := eng.Send([][]byte{[]byte("overflow")})
	require.Error(t, err)
	assert.True(t, bcperr.Is(err, bcperr.CodeMaxOfflinePackExceeded))
	assert.Equal(t, 1, cb.interrupted)
}

// TestRenewResetsServerState is P7.
func TestRenewResetsServerState(t *testing.T) {
	eng := New(testSessionID(8), testConfig(), &recordingCallbacks{}, Hooks{}, nil)
	attachFakeConnection(t, eng, 0)
	require.NoError(t, eng.Send([][]byte{[]byte("m")}))

	eng.Renew()

	eng.mu.Lock()
	defer eng.mu.Unlock()
	assert.Empty(t, eng.connections)
	assert.Equal(t, uint32(0), eng.lastConnectionId)
	assert.True(t, eng.queue.isOffline())
	assert.False(t, eng.isShutDown)
	assert.False(t, eng.interrupted)
}

// TestShutDownNotifiesOnceAndClearsConnections covers the no-dangling
// state half of P4 at the Engine level: after ShutDown commits, the
// connection table and rotation are empty and ShutedDown fired once.
func TestShutDownNotifiesOnceAndClearsConnections(t *testing.T) {
	cb := &recordingCallbacks{}
	eng := New(testSessionID(9), testConfig(), cb, Hooks{}, nil)
	attachFakeConnection(t, eng, 0)
	attachFakeConnection(t, eng, 1)

	require.NoError(t, eng.ShutDown())
	require.NoError(t, eng.ShutDown()) // idempotent: second call is a no-op

	eng.mu.Lock()
	assert.Empty(t, eng.connections)
	eng.mu.Unlock()
	assert.Equal(t, 1, cb.shutedDown)
}

func TestInterruptFiresOnce(t *testing.T) {
	cb := &recordingCallbacks{}
	eng := New(testSessionID(10), testConfig(), cb, Hooks{}, nil)
	attachFakeConnection(t, eng, 0)

	require.NoError(t, eng.Interrupt())
	require.NoError(t, eng.Interrupt())

	assert.Equal(t, 1, cb.interrupted)
}

// TestMaxConnectionsGapRejected covers the ghost-backfill overflow
// guard: a gap too large to backfill within MaxConnectionsPerSession
// must interrupt the session rather than silently create an unbounded
// number of ghosts.
func TestMaxConnectionsGapRejected(t *testing.T) {
	cb := &recordingCallbacks{}
	cfg := testConfig()
	cfg.MaxConnectionsPerSession = 4
	eng := New(testSessionID(11), cfg, cb, Hooks{}, nil)
	attachFakeConnection(t, eng, 0)

	err := eng.OnPacket(0, codec.RetransmissionData{ConnId: 100, PackId: 0, Buffers: [][]byte{[]byte("x")}})
	require.Error(t, err)
	assert.True(t, bcperr.Is(err, bcperr.CodeMaxConnectionsExceeded))
	assert.Equal(t, 1, cb.interrupted)
}
