// Package codec implements the BCP wire format: packet tags plus
// varint-framed payloads, as specified in spec.md §4.1 and §6.
//
// The codec is a leaf collaborator of the session engine — it knows
// nothing about connections, sessions or retransmission bookkeeping. It
// only encodes and decodes bytes.
package codec

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"bcp/bcperr"
)

// NumBytesSessionId is the protocol-fixed length of a session id.
const NumBytesSessionId = 16

// MaxDataSize bounds the total byte length of a single Data/RetransmissionData
// payload (sum of all buffers). Exceeding it is a protocol error.
const MaxDataSize = 16 << 20 // 16 MiB

// maxVarintBytes bounds how many bytes a varint may occupy on the wire
// before it is considered malformed (64-bit values need at most 10).
const maxVarintBytes = 10

// Tag is the one-byte wire discriminator for a packet kind.
type Tag byte

const (
	TagHeartBeat Tag = iota
	TagData
	TagAcknowledge
	TagFinish
	TagRetransmissionData
	TagRetransmissionFinish
	TagShutDown
)

// Packet is the decoded form of any post-handshake frame.
type Packet interface {
	// Tag returns the packet's wire discriminator.
	Tag() Tag
	// AcknowledgeRequired reports whether receipt of this packet must be
	// answered with a single Acknowledge, per spec.md §4.1.
	AcknowledgeRequired() bool
	// Encode writes the packet (tag + payload) to w.
	Encode(w io.Writer) error
}

// HeartBeat keeps a connection's idle timers fresh; carries no payload.
type HeartBeat struct{}

func (HeartBeat) Tag() Tag                 { return TagHeartBeat }
func (HeartBeat) AcknowledgeRequired() bool { return false }
func (HeartBeat) Encode(w io.Writer) error {
	return writeTag(w, TagHeartBeat)
}

// Data carries one or more application buffers composing a single
// logical message.
type Data struct {
	Buffers [][]byte
}

func (Data) Tag() Tag                 { return TagData }
func (Data) AcknowledgeRequired() bool { return true }
func (d Data) Encode(w io.Writer) error {
	if err := writeTag(w, TagData); err != nil {
		return err
	}
	return encodeBuffers(w, d.Buffers)
}

// Acknowledge answers exactly one AcknowledgeRequired packet received on
// the same connection, in receipt order.
type Acknowledge struct{}

func (Acknowledge) Tag() Tag                 { return TagAcknowledge }
func (Acknowledge) AcknowledgeRequired() bool { return false }
func (Acknowledge) Encode(w io.Writer) error {
	return writeTag(w, TagAcknowledge)
}

// Finish half-closes the sender's side of a connection.
type Finish struct{}

func (Finish) Tag() Tag                 { return TagFinish }
func (Finish) AcknowledgeRequired() bool { return true }
func (Finish) Encode(w io.Writer) error {
	return writeTag(w, TagFinish)
}

// RetransmissionData re-delivers a Data packet originally sent on a
// different (now-dead) connection, addressed by its original
// (connId, packId) pair.
type RetransmissionData struct {
	ConnId  uint32
	PackId  uint32
	Buffers [][]byte
}

func (RetransmissionData) Tag() Tag                 { return TagRetransmissionData }
func (RetransmissionData) AcknowledgeRequired() bool { return true }
func (r RetransmissionData) Encode(w io.Writer) error {
	if err := writeTag(w, TagRetransmissionData); err != nil {
		return err
	}
	if err := writeUvarint(w, uint64(r.ConnId)); err != nil {
		return err
	}
	if err := writeUvarint(w, uint64(r.PackId)); err != nil {
		return err
	}
	return encodeBuffers(w, r.Buffers)
}

// RetransmissionFinish re-delivers a Finish packet originally sent on a
// different (now-dead) connection.
type RetransmissionFinish struct {
	ConnId uint32
	PackId uint32
}

func (RetransmissionFinish) Tag() Tag                 { return TagRetransmissionFinish }
func (RetransmissionFinish) AcknowledgeRequired() bool { return true }
func (r RetransmissionFinish) Encode(w io.Writer) error {
	if err := writeTag(w, TagRetransmissionFinish); err != nil {
		return err
	}
	if err := writeUvarint(w, uint64(r.ConnId)); err != nil {
		return err
	}
	return writeUvarint(w, uint64(r.PackId))
}

// ShutDown ends the session gracefully; carries no payload.
type ShutDown struct{}

func (ShutDown) Tag() Tag                 { return TagShutDown }
func (ShutDown) AcknowledgeRequired() bool { return false }
func (ShutDown) Encode(w io.Writer) error {
	return writeTag(w, TagShutDown)
}

// ConnectionHead is the mandatory first frame on every underlying stream.
type ConnectionHead struct {
	SessionId    [NumBytesSessionId]byte
	IsRenew      bool
	ConnectionId uint32
}

// Encode writes the handshake frame: sessionId bytes, one renew byte,
// then a varint connection id. It has no tag of its own — framing code
// knows to expect it as the very first frame on a stream.
func (h ConnectionHead) Encode(w io.Writer) error {
	if _, err := w.Write(h.SessionId[:]); err != nil {
		return err
	}
	renew := byte(0)
	if h.IsRenew {
		renew = 1
	}
	if _, err := w.Write([]byte{renew}); err != nil {
		return err
	}
	return writeUvarint(w, uint64(h.ConnectionId))
}

// DecodeConnectionHead reads the mandatory handshake frame from r. The
// caller owns a single *bufio.Reader per connection across the whole
// connection lifetime so bytes buffered ahead of a frame boundary are
// never discarded between reads.
func DecodeConnectionHead(r *bufio.Reader) (ConnectionHead, error) {
	var h ConnectionHead
	if _, err := io.ReadFull(r, h.SessionId[:]); err != nil {
		return h, bcperr.New(bcperr.CodeMalformedHandshake, "short session id", err)
	}
	var renew [1]byte
	if _, err := io.ReadFull(r, renew[:]); err != nil {
		return h, bcperr.New(bcperr.CodeMalformedHandshake, "short renew byte", err)
	}
	switch renew[0] {
	case 0:
		h.IsRenew = false
	case 1:
		h.IsRenew = true
	default:
		return h, bcperr.New(bcperr.CodeMalformedHandshake, "invalid renew byte", nil)
	}
	connID, err := readUvarint(r)
	if err != nil {
		return h, err
	}
	if connID > uint64(^uint32(0)) {
		return h, bcperr.New(bcperr.CodeVarintTooBig, "connection id overflows uint32", nil)
	}
	h.ConnectionId = uint32(connID)
	return h, nil
}

// DecodePacket reads one post-handshake frame from r.
func DecodePacket(r *bufio.Reader) (Packet, error) {
	br := r
	tagByte, err := br.ReadByte()
	if err != nil {
		return nil, err
	}
	switch Tag(tagByte) {
	case TagHeartBeat:
		return HeartBeat{}, nil
	case TagAcknowledge:
		return Acknowledge{}, nil
	case TagFinish:
		return Finish{}, nil
	case TagShutDown:
		return ShutDown{}, nil
	case TagData:
		buffers, err := decodeBuffers(br)
		if err != nil {
			return nil, err
		}
		return Data{Buffers: buffers}, nil
	case TagRetransmissionData:
		connID, err := readUvarint(br)
		if err != nil {
			return nil, err
		}
		packID, err := readUvarint(br)
		if err != nil {
			return nil, err
		}
		buffers, err := decodeBuffers(br)
		if err != nil {
			return nil, err
		}
		return RetransmissionData{ConnId: uint32(connID), PackId: uint32(packID), Buffers: buffers}, nil
	case TagRetransmissionFinish:
		connID, err := readUvarint(br)
		if err != nil {
			return nil, err
		}
		packID, err := readUvarint(br)
		if err != nil {
			return nil, err
		}
		return RetransmissionFinish{ConnId: uint32(connID), PackId: uint32(packID)}, nil
	default:
		return nil, bcperr.New(bcperr.CodeUnknownHeadByte,
			fmt.Sprintf("unknown packet tag %d", tagByte), nil)
	}
}

func writeTag(w io.Writer, t Tag) error {
	_, err := w.Write([]byte{byte(t)})
	return err
}

func encodeBuffers(w io.Writer, buffers [][]byte) error {
	total := 0
	for _, b := range buffers {
		total += len(b)
	}
	if total > MaxDataSize {
		return bcperr.New(bcperr.CodeDataTooBig,
			fmt.Sprintf("data size %d exceeds maximum %d", total, MaxDataSize), nil)
	}
	if err := writeUvarint(w, uint64(len(buffers))); err != nil {
		return err
	}
	for _, b := range buffers {
		if err := writeUvarint(w, uint64(len(b))); err != nil {
			return err
		}
		if _, err := w.Write(b); err != nil {
			return err
		}
	}
	return nil
}

func decodeBuffers(r *bufio.Reader) ([][]byte, error) {
	count, err := readUvarint(r)
	if err != nil {
		return nil, err
	}
	if count > MaxDataSize {
		return nil, bcperr.New(bcperr.CodeDataTooBig,
			fmt.Sprintf("buffer count %d exceeds maximum %d", count, MaxDataSize), nil)
	}
	buffers := make([][]byte, 0, count)
	total := 0
	for i := uint64(0); i < count; i++ {
		n, err := readUvarint(r)
		if err != nil {
			return nil, err
		}
		total += int(n)
		if total > MaxDataSize {
			return nil, bcperr.New(bcperr.CodeDataTooBig,
				fmt.Sprintf("data size exceeds maximum %d", MaxDataSize), nil)
		}
		buf := make([]byte, n)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
		buffers = append(buffers, buf)
	}
	return buffers, nil
}

func writeUvarint(w io.Writer, v uint64) error {
	var buf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(buf[:], v)
	_, err := w.Write(buf[:n])
	return err
}

func readUvarint(br io.ByteReader) (uint64, error) {
	var x uint64
	var s uint
	for i := 0; i < maxVarintBytes; i++ {
		b, err := br.ReadByte()
		if err != nil {
			return 0, err
		}
		if b < 0x80 {
			return x | uint64(b)<<s, nil
		}
		x |= uint64(b&0x7f) << s
		s += 7
	}
	return 0, bcperr.New(bcperr.CodeVarintTooBig, "varint exceeds 10 bytes", nil)
}

