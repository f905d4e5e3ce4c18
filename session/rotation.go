package session

import (
	"container/list"

	"bcp/codec"
)

// offlinePacket is one entry of the Offline PacketQueue: an
// AcknowledgeRequired packet buffered because no connection is usable
// yet (spec.md §3, §4.2).
type offlinePacket struct {
	pkt codec.Packet
}

// sendingQueue is the tagged union from spec.md §3: either Offline
// (a bounded FIFO) or Online (a fair rotation over open connections).
// Per the Design Notes, the rotation is a doubly-linked list rather than
// a sorted-by-time map: the head is always the least-recently-used
// sender, and moving a connection to the back after picking it is O(1).
type sendingQueue struct {
	offline     bool
	offlineFIFO *list.List // of offlinePacket
	rotation    *list.List // of *Connection, via conn.rotElem
}

func newSendingQueue() *sendingQueue {
	return &sendingQueue{
		offline:     true,
		offlineFIFO: list.New(),
		rotation:    list.New(),
	}
}

// isOffline reports C4: sendingQueue = Offline(_) iff no connection is
// open.
func (q *sendingQueue) isOffline() bool {
	return q.offline
}

// addConnection inserts an open connection at the back of the rotation
// (C2) and flips Offline->Online if it is the first one, returning
// whether that transition happened so the caller can fire Available().
func (q *sendingQueue) addConnection(c *Connection) (becameOnline bool) {
	becameOnline = q.offline
	q.offline = false
	c.rotElem = q.rotation.PushBack(c)
	return becameOnline
}

// removeConnection takes a connection out of the rotation and, if it was
// the last one, flips Online->Offline, returning whether that
// transition happened so the caller can fire Unavailable().
func (q *sendingQueue) removeConnection(c *Connection) (becameOffline bool) {
	if c.rotElem == nil {
		return false
	}
	q.rotation.Remove(c.rotElem)
	c.rotElem = nil
	if q.rotation.Len() == 0 {
		q.offline = true
		return true
	}
	return false
}

// pick returns the next connection to send on — the head of the
// rotation, the one that has waited longest since it was last picked —
// and moves it to the back. Returns nil if no connection is open.
func (q *sendingQueue) pick() *Connection {
	front := q.rotation.Front()
	if front == nil {
		return nil
	}
	c := front.Value.(*Connection)
	q.rotation.MoveToBack(front)
	return c
}

// bufferOffline appends p to the offline FIFO, reporting whether doing
// so would exceed MaxOfflinePack (in which case the caller must not
// actually append — the session is about to be interrupted instead).
func (q *sendingQueue) bufferOffline(p codec.Packet, max int) (ok bool) {
	if q.offlineFIFO.Len() >= max {
		return false
	}
	q.offlineFIFO.PushBack(offlinePacket{pkt: p})
	return true
}

// drainOffline empties the offline FIFO, returning its contents in
// order so the caller can append them onto the newly attached
// connection's unconfirmedPackets queue.
func (q *sendingQueue) drainOffline() []codec.Packet {
	out := make([]codec.Packet, 0, q.offlineFIFO.Len())
	for e := q.offlineFIFO.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(offlinePacket).pkt)
	}
	q.offlineFIFO.Init()
	return out
}

// reset clears the queue back to its initial Offline(empty) state, used
// by shutdown, interrupt and server-side renew.
func (q *sendingQueue) reset() {
	q.offline = true
	q.offlineFIFO.Init()
	q.rotation.Init()
}
