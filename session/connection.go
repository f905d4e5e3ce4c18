package session

import (
	"container/list"

	"bcp/codec"
	"bcp/idset"
	"bcp/streamconn"
)

// outboundKind distinguishes the four AcknowledgeRequired packet shapes
// that can sit in a connection's unconfirmedPackets queue.
type outboundKind int

const (
	kindData outboundKind = iota
	kindFinish
	kindRetransData
	kindRetransFinish
)

// unconfirmedPacket is one entry of a Connection's unconfirmedPackets
// FIFO (spec.md §3). connId/packId are only meaningful for the
// retransmission-flavored kinds; a plain Data/Finish packet's address is
// implicitly "this connection, position k in the FIFO" and is computed
// lazily during cleanup (spec.md §4.5).
type unconfirmedPacket struct {
	kind    outboundKind
	connId  uint32
	packId  uint32
	buffers [][]byte
}

// ConnState is the client-side liveness classification from spec.md
// §4.7. Server-side connections are never classified; they stay
// ConnStateIdle without ever transitioning.
type ConnState int

const (
	ConnStateIdle ConnState = iota
	ConnStateBusy
	ConnStateSlow
)

func (s ConnState) String() string {
	switch s {
	case ConnStateIdle:
		return "idle"
	case ConnStateBusy:
		return "busy"
	case ConnStateSlow:
		return "slow"
	default:
		return "unknown"
	}
}

// Connection is the per-stream protocol record from spec.md §3.
type Connection struct {
	id     uint32
	stream *streamconn.Conn // nil while disconnected but still tracked

	numDataSent           uint32
	numAckReceivedForData uint32
	numDataReceived       uint32

	receiveIdSet     *idset.Set
	finishIdReceived *uint32
	isFinishSent     bool
	isShutDown       bool

	unconfirmed *list.List // FIFO of unconfirmedPacket

	// rotElem is this connection's element in the Engine's sending
	// rotation while it is open (C2); nil while closed/ghost.
	rotElem *list.Element

	// Client-role liveness state; unused (stays Idle) on the server.
	state ConnState
}

func newConnection(id uint32) *Connection {
	return &Connection{
		id:          id,
		receiveIdSet: idset.New(0),
		unconfirmed: list.New(),
	}
}

// isOpen reports whether the connection has a live stream and is not
// shut down — the condition for membership in the sending rotation (C2).
func (c *Connection) isOpen() bool {
	return c.stream != nil && !c.isShutDown
}

// isDrained reports invariant C1: a connection is removable once it has
// sent and received Finish, delivered everything below that watermark,
// and has nothing left unconfirmed.
func (c *Connection) isDrained() bool {
	if !c.isFinishSent || c.finishIdReceived == nil {
		return false
	}
	if !c.receiveIdSet.AllReceivedBelow(*c.finishIdReceived) {
		return false
	}
	return c.unconfirmed.Len() == 0
}

// pushUnconfirmed appends an AcknowledgeRequired packet to the FIFO and
// reports whether the connection was AllConfirmed beforehand (C3), which
// the caller uses to fire the Idle->Busy transition.
func (c *Connection) pushUnconfirmed(p unconfirmedPacket) (wasAllConfirmed bool) {
	wasAllConfirmed = c.unconfirmed.Len() == 0
	c.unconfirmed.PushBack(p)
	return wasAllConfirmed
}

// ackHead dequeues the head of unconfirmedPackets on receipt of an
// Acknowledge, reporting whether it was a Data packet (so the caller can
// bump numAckReceivedForData) and whether the queue is now empty (C3,
// driving the Busy->Idle transition).
func (c *Connection) ackHead() (wasData bool, nowEmpty bool, ok bool) {
	front := c.unconfirmed.Front()
	if front == nil {
		return false, true, false
	}
	p := front.Value.(unconfirmedPacket)
	c.unconfirmed.Remove(front)
	return p.kind == kindData, c.unconfirmed.Len() == 0, true
}

// drainRetransmissions converts every packet still sitting in
// unconfirmedPackets into its retransmission-flavored form (spec.md
// §4.5 step 4) and clears the queue. Already-retransmission packets keep
// their original addressing.
func (c *Connection) drainRetransmissions() []codec.Packet {
	out := make([]codec.Packet, 0, c.unconfirmed.Len())
	k := uint32(0)
	for e := c.unconfirmed.Front(); e != nil; e = e.Next() {
		p := e.Value.(unconfirmedPacket)
		switch p.kind {
		case kindData:
			out = append(out, codec.RetransmissionData{
				ConnId:  c.id,
				PackId:  c.numAckReceivedForData + k,
				Buffers: p.buffers,
			})
			k++
		case kindFinish:
			out = append(out, codec.RetransmissionFinish{
				ConnId: c.id,
				PackId: c.numAckReceivedForData + k,
			})
			k++
		case kindRetransData:
			out = append(out, codec.RetransmissionData{ConnId: p.connId, PackId: p.packId, Buffers: p.buffers})
		case kindRetransFinish:
			out = append(out, codec.RetransmissionFinish{ConnId: p.connId, PackId: p.packId})
		}
	}
	c.unconfirmed.Init()
	return out
}

// toUnconfirmed converts a just-enqueued outbound packet back into the
// FIFO entry shape, preserving retransmission addressing when present.
func toUnconfirmed(p codec.Packet) unconfirmedPacket {
	switch v := p.(type) {
	case codec.Data:
		return unconfirmedPacket{kind: kindData, buffers: v.Buffers}
	case codec.Finish:
		return unconfirmedPacket{kind: kindFinish}
	case codec.RetransmissionData:
		return unconfirmedPacket{kind: kindRetransData, connId: v.ConnId, packId: v.PackId, buffers: v.Buffers}
	case codec.RetransmissionFinish:
		return unconfirmedPacket{kind: kindRetransFinish, connId: v.ConnId, packId: v.PackId}
	default:
		panic("toUnconfirmed: packet is not AcknowledgeRequired")
	}
}
