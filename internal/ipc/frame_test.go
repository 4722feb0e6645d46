package ipc

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_WriteReadFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, PeerExport, uint32(MsgAttachModule), []byte("hello")))

	hdr, payload, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, PeerExport, hdr.PeerClass)
	assert.Equal(t, uint32(MsgAttachModule), hdr.Type)
	assert.Equal(t, []byte("hello"), payload)
}

func Test_ReadFrameDetectsByteSwap(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteByte(byte(PeerClient))

	var lenBuf, typeBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], 4)
	binary.BigEndian.PutUint32(typeBuf[:], uint32(MsgOpen))
	buf.Write(lenBuf[:])
	buf.Write(typeBuf[:])
	buf.WriteString("ping")

	hdr, payload, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, PeerClient, hdr.PeerClass)
	assert.Equal(t, uint32(MsgOpen), hdr.Type)
	assert.Equal(t, []byte("ping"), payload)
}

func Test_ReadFrameRejectsImplausibleLength(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteByte(byte(PeerSupervisor))
	var lenBuf [4]byte
	hostOrder.PutUint32(lenBuf[:], 0xFFFFFFFF)
	buf.Write(lenBuf[:])
	buf.Write(lenBuf[:])

	_, _, err := ReadFrame(&buf)
	assert.Error(t, err)
}

func Test_EmptyPayloadRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, PeerSupervisor, uint32(MsgStart), nil))

	hdr, payload, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), hdr.Length)
	assert.Empty(t, payload)
}
