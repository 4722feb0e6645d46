package sniffer

import (
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/yanet-platform/comocapture/internal/ntptime"
	"github.com/yanet-platform/comocapture/internal/ppbuf"
)

func buildNetflowV5Packet(t *testing.T) []byte {
	t.Helper()

	buf := make([]byte, netflowV5HeaderSize+netflowV5RecordSize)
	binary.BigEndian.PutUint16(buf[0:2], 5) // version
	binary.BigEndian.PutUint16(buf[2:4], 1) // record count
	binary.BigEndian.PutUint32(buf[8:12], 1_700_000_000)

	rec := buf[netflowV5HeaderSize:]
	copy(rec[0:4], net.IPv4(10, 0, 0, 1).To4())
	copy(rec[4:8], net.IPv4(10, 0, 0, 2).To4())
	binary.BigEndian.PutUint16(rec[32:34], 1234)
	binary.BigEndian.PutUint16(rec[34:36], 53)
	rec[38] = 17 // UDP

	return buf
}

func Test_NetflowNextParsesOneRecord(t *testing.T) {
	n := NewNetflowSniffer("nf", "127.0.0.1:0", 4)
	_, err := n.Start(context.Background())
	require.NoError(t, err)
	defer n.Stop(context.Background())

	sender, err := net.DialUDP("udp", nil, n.conn.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)
	defer sender.Close()

	_, err = sender.Write(buildNetflowV5Packet(t))
	require.NoError(t, err)

	ring := ppbuf.New("nf", 4, zap.NewNop().Sugar())
	drops, err := n.Next(context.Background(), ring, 4, int64(200*time.Millisecond), ntptime.Zero)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), drops)
	require.Equal(t, uint32(1), ring.Count())

	d, ok := ring.Get()
	require.True(t, ok)
	assert.Equal(t, uint8(17), d.Proto)
	assert.Equal(t, uint16(1234), d.SrcPort)
	assert.Equal(t, uint16(53), d.DstPort)
	assert.Equal(t, uint16(4), d.SourceIdx)
}
