package codec

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bcp/bcperr"
)

func roundTrip(t *testing.T, p Packet) Packet {
	var buf bytes.Buffer
	require.NoError(t, p.Encode(&buf))
	got, err := DecodePacket(bufio.NewReader(&buf))
	require.NoError(t, err)
	return got
}

func TestCodecRoundTrip(t *testing.T) {
	assert.Equal(t, HeartBeat{}, roundTrip(t, HeartBeat{}))
	assert.Equal(t, Acknowledge{}, roundTrip(t, Acknowledge{}))
	assert.Equal(t, Finish{}, roundTrip(t, Finish{}))
	assert.Equal(t, ShutDown{}, roundTrip(t, ShutDown{}))

	d := Data{Buffers: [][]byte{[]byte("hi"), []byte("world")}}
	assert.Equal(t, d, roundTrip(t, d))

	rd := RetransmissionData{ConnId: 3, PackId: 7, Buffers: [][]byte{[]byte("m1")}}
	assert.Equal(t, rd, roundTrip(t, rd))

	rf := RetransmissionFinish{ConnId: 3, PackId: 7}
	assert.Equal(t, rf, roundTrip(t, rf))
}

func TestConnectionHeadRoundTrip(t *testing.T) {
	var sid [NumBytesSessionId]byte
	copy(sid[:], "0123456789abcdef")
	h := ConnectionHead{SessionId: sid, IsRenew: true, ConnectionId: 42}

	var buf bytes.Buffer
	require.NoError(t, h.Encode(&buf))

	got, err := DecodeConnectionHead(bufio.NewReader(&buf))
	require.NoError(t, err)
	assert.Equal(t, h, got)
}

func TestDecodePacketUnknownTag(t *testing.T) {
	_, err := DecodePacket(bufio.NewReader(bytes.NewReader([]byte{0xFF})))
	require.Error(t, err)
	assert.True(t, bcperr.Is(err, bcperr.CodeUnknownHeadByte))
}

func TestDecodePacketDataTooBig(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteByte(byte(TagData))
	require.NoError(t, writeUvarint(&buf, 1))
	require.NoError(t, writeUvarint(&buf, MaxDataSize+1))

	_, err := DecodePacket(bufio.NewReader(&buf))
	require.Error(t, err)
	assert.True(t, bcperr.Is(err, bcperr.CodeDataTooBig))
}

func TestVarintTooBig(t *testing.T) {
	malformed := bytes.Repeat([]byte{0xFF}, 11)
	_, err := readUvarint(bufio.NewReader(bytes.NewReader(malformed)))
	require.Error(t, err)
	assert.True(t, bcperr.Is(err, bcperr.CodeVarintTooBig))
}

func TestAcknowledgeRequired(t *testing.T) {
	assert.False(t, HeartBeat{}.AcknowledgeRequired())
	assert.True(t, Data{}.AcknowledgeRequired())
	assert.True(t, Finish{}.AcknowledgeRequired())
	assert.True(t, RetransmissionData{}.AcknowledgeRequired())
	assert.True(t, RetransmissionFinish{}.AcknowledgeRequired())
	assert.False(t, Acknowledge{}.AcknowledgeRequired())
	assert.False(t, ShutDown{}.AcknowledgeRequired())
}
