package bcpclient

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bcp/codec"
	"bcp/session"
)

type nopCallbacks struct{}

func (nopCallbacks) Received(buffers [][]byte) {}
func (nopCallbacks) Available()                {}
func (nopCallbacks) Unavailable()              {}
func (nopCallbacks) ShutedDown()               {}
func (nopCallbacks) Interrupted()              {}

// drainDial returns a DialFunc whose peer end reads and discards
// everything forever, never acknowledging anything: every Data or
// Finish sent on a connection built from it stays unconfirmed, so the
// connection sits Busy until its busy timer fires.
func drainDial() DialFunc {
	return func(ctx context.Context) (net.Conn, error) {
		client, peer := net.Pipe()
		go func() {
			buf := make([]byte, 4096)
			for {
				if _, err := peer.Read(buf); err != nil {
					return
				}
			}
		}()
		return client, nil
	}
}

// ackingDial returns a DialFunc whose peer end decodes the handshake
// and then immediately acknowledges every AcknowledgeRequired packet
// it decodes, emulating a cooperative remote endpoint.
func ackingDial() DialFunc {
	return func(ctx context.Context) (net.Conn, error) {
		client, peer := net.Pipe()
		go runAckingPeer(peer)
		return client, nil
	}
}

func runAckingPeer(raw net.Conn) {
	r := bufio.NewReader(raw)
	if _, err := codec.DecodeConnectionHead(r); err != nil {
		return
	}
	for {
		p, err := codec.DecodePacket(r)
		if err != nil {
			return
		}
		if p.AcknowledgeRequired() {
			if err := (codec.Acknowledge{}).Encode(raw); err != nil {
				return
			}
		}
	}
}

// TestScenario6SlowEscalation is the first half of spec.md's sixth
// literal scenario: a connection that stays Busy past BusyTimeout is
// reclassified Slow, and increaseConnection grows the pool.
func TestScenario6SlowEscalation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	opts := DefaultOptions()
	opts.Session.BusyTimeout = 20 * time.Millisecond
	opts.Session.IdleTimeout = time.Hour // keep idle-trim out of the way
	opts.Session.MaxConnectionsPerSession = 4
	opts.InitialConnections = 1

	client, err := New(ctx, drainDial(), opts, nopCallbacks{}, nil)
	require.NoError(t, err)
	defer client.Interrupt()

	require.Equal(t, 1, client.engine.ConnectionCount())
	require.NoError(t, client.Send([]byte("never acked")))

	require.Eventually(t, func() bool {
		return client.engine.ConnectionCount() == 2
	}, time.Second, 5*time.Millisecond, "increaseConnection should grow the pool once the sole connection goes Slow")

	states := client.engine.ConnectionStates()
	slow := 0
	for _, st := range states {
		if st == session.ConnStateSlow {
			slow++
		}
	}
	assert.Equal(t, 1, slow, "exactly the original connection should be Slow; the newly opened one starts Idle")
}

// TestIncreaseConnectionRespectsMaxConnections covers the gate
// clause of increaseConnection: once the pool is already at
// MaxConnectionsPerSession, a further Slow connection must not grow it.
func TestIncreaseConnectionRespectsMaxConnections(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	opts := DefaultOptions()
	opts.Session.BusyTimeout = 20 * time.Millisecond
	opts.Session.IdleTimeout = time.Hour
	opts.Session.MaxConnectionsPerSession = 1
	opts.InitialConnections = 1

	client, err := New(ctx, drainDial(), opts, nopCallbacks{}, nil)
	require.NoError(t, err)
	defer client.Interrupt()

	require.NoError(t, client.Send([]byte("never acked")))

	require.Eventually(t, func() bool {
		states := client.engine.ConnectionStates()
		for _, st := range states {
			if st == session.ConnStateSlow {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	// Give increaseConnection a chance to (wrongly) grow the pool; it
	// should decline since MaxConnectionsPerSession is already 1.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, client.engine.ConnectionCount())
}

// TestIdleTrimFinishesExtraConnections covers the idle-trim half of
// spec.md's sixth scenario: trimIdleConnections keeps exactly one Idle
// connection and gracefully finishes the rest. It calls
// trimIdleConnections directly rather than waiting on the ticker and
// reads the states right after it returns; the assertion expects the
// acking peer's Acknowledge for the Finish not to have come back yet,
// since that Acknowledge turns the finishing connection Idle again.
func TestIdleTrimFinishesExtraConnections(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	opts := DefaultOptions()
	opts.Session.BusyTimeout = time.Hour
	opts.Session.IdleTimeout = time.Hour
	opts.InitialConnections = 2

	client, err := New(ctx, ackingDial(), opts, nopCallbacks{}, nil)
	require.NoError(t, err)
	defer client.Interrupt()

	require.Equal(t, 2, client.engine.ConnectionCount())
	for _, st := range client.engine.ConnectionStates() {
		require.Equal(t, session.ConnStateIdle, st)
	}

	client.trimIdleConnections()

	idle, busy := 0, 0
	for _, st := range client.engine.ConnectionStates() {
		switch st {
		case session.ConnStateIdle:
			idle++
		case session.ConnStateBusy:
			busy++
		}
	}
	assert.Equal(t, 1, idle, "trimIdleConnections keeps exactly one connection Idle")
	assert.Equal(t, 1, busy, "the other connection is mid-Finish (Busy) until its Acknowledge lands")
}
