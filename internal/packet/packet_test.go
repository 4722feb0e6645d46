package packet

import (
	"net"
	"testing"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yanet-platform/comocapture/internal/ntptime"
)

func buildTCPv4(t *testing.T) []byte {
	t.Helper()

	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0, 1, 2, 3, 4, 5},
		DstMAC:       net.HardwareAddr{6, 7, 8, 9, 10, 11},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    net.IPv4(10, 0, 0, 1),
		DstIP:    net.IPv4(10, 0, 0, 2),
	}
	tcp := &layers.TCP{SrcPort: 12345, DstPort: 80}
	require.NoError(t, tcp.SetNetworkLayerForChecksum(ip))

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, eth, ip, tcp, gopacket.Payload("hello")))

	return buf.Bytes()
}

func Test_ParseEthernetDecodesIPv4TCP(t *testing.T) {
	data := buildTCPv4(t)

	d, err := ParseEthernet(data, ntptime.FromDuration(0), 3, 0)
	require.NoError(t, err)

	assert.Equal(t, TypeIPv4TCP, d.Type)
	assert.Equal(t, uint8(6), d.Proto)
	assert.Equal(t, uint16(12345), d.SrcPort)
	assert.Equal(t, uint16(80), d.DstPort)
	assert.False(t, d.IsIPv6)
	assert.Equal(t, uint16(3), d.SourceIdx)
	assert.NotEqual(t, uint16(offsetAbsent), d.Offsets.L3)
	assert.NotEqual(t, uint16(offsetAbsent), d.Offsets.L4)
}

func Test_MalformedDetectsZeroTimestamp(t *testing.T) {
	d := Descriptor{Payload: make([]byte, 10), CapLen: 10}
	assert.True(t, d.Malformed(10))
}

func Test_MalformedDetectsOversizedCapLen(t *testing.T) {
	d := Descriptor{Timestamp: ntptime.FromDuration(1), Payload: make([]byte, 10), CapLen: 20}
	assert.True(t, d.Malformed(10))
}
