package sniffer

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yanet-platform/comocapture/internal/ntptime"
	"github.com/yanet-platform/comocapture/internal/packet"
)

func Test_EncodeDecodePacketRoundTrip(t *testing.T) {
	d := packet.Descriptor{
		Timestamp: ntptime.FromDuration(1234),
		WireLen:   64,
		CapLen:    5,
		Type:      packet.TypeIPv4TCP,
		Offsets:   packet.Offsets{L2: 0, L3: 14, L4: 34, L7: 54},
		Payload:   []byte("hello"),
	}

	var buf bytes.Buffer
	require.NoError(t, EncodePacket(&buf, d))

	got, err := decodePacket(&buf, 7)
	require.NoError(t, err)

	assert.Equal(t, d.Timestamp, got.Timestamp)
	assert.Equal(t, d.WireLen, got.WireLen)
	assert.Equal(t, d.CapLen, got.CapLen)
	assert.Equal(t, d.Type, got.Type)
	assert.Equal(t, d.Offsets, got.Offsets)
	assert.Equal(t, []byte("hello"), got.Payload)
	assert.Equal(t, uint16(7), got.SourceIdx)
}

func Test_DecodePacketRejectsImplausibleCaplen(t *testing.T) {
	d := packet.Descriptor{CapLen: 1 << 21, Payload: make([]byte, 1<<21)}

	var buf bytes.Buffer
	require.NoError(t, EncodePacket(&buf, d))

	_, err := decodePacket(&buf, 0)
	assert.ErrorIs(t, err, ErrFatal)
}
