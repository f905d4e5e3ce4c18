package session

import (
	"bcp/bcperr"
	"bcp/codec"
	"bcp/streamconn"
)

// packetOrErr is one result of the background read pump: either a
// decoded frame or the error that ended the stream.
type packetOrErr struct {
	pkt codec.Packet
	err error
}

// runConnection drives one attached stream for its whole lifetime: it
// reads frames off the wire, dispatches them through the engine, emits
// heartbeats on the stream's own schedule, and reacts to asynchronous
// write failures. It returns once the stream is no longer usable; by
// then OnStreamLost has already been told.
func (e *Engine) runConnection(connID uint32, stream *streamconn.Conn) {
	reads := make(chan packetOrErr, 1)
	go readPump(stream, reads)

	for {
		select {
		case res, ok := <-reads:
			if !ok {
				return
			}
			if res.err != nil {
				e.OnStreamLost(connID, res.err)
				return
			}
			stream.ResetHeartbeat()
			if err := e.OnPacket(connID, res.pkt); err != nil {
				if bcperr.IsProtocolError(errCode(err)) {
					e.OnStreamLost(connID, err)
					return
				}
			}
		case err := <-stream.Errs():
			e.OnStreamLost(connID, err)
			return
		case <-stream.HeartbeatC():
			stream.Send(codec.HeartBeat{})
			stream.ResetHeartbeat()
		}
	}
}

// readPump feeds decoded frames (or the terminal error) from stream into
// out, one at a time, stopping after the first error since the stream is
// no longer trustworthy past that point.
func readPump(stream *streamconn.Conn, out chan<- packetOrErr) {
	defer close(out)
	for {
		p, err := stream.ReadPacket()
		if err != nil {
			out <- packetOrErr{err: err}
			return
		}
		out <- packetOrErr{pkt: p}
	}
}
