package filter

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yanet-platform/comocapture/internal/packet"
)

func Test_MakeProtoRangesRejectsInverted(t *testing.T) {
	_, err := MakeProtoRanges([]ProtoRangeConfig{{From: 10, To: 5}})
	assert.Error(t, err)
}

func Test_MakeIPNetsRejectsMismatchedLengths(t *testing.T) {
	_, err := MakeIPNets([]IPNetConfig{{Addr: []byte{1, 2, 3, 4}, Mask: []byte{1, 2, 3}}})
	assert.Error(t, err)
}

func Test_IPNetContainsRespectsMask(t *testing.T) {
	net := IPNet{
		Addr: netip.MustParseAddr("10.0.0.0"),
		Mask: netip.MustParseAddr("255.255.255.0"),
	}

	assert.True(t, net.Contains(netip.MustParseAddr("10.0.0.42")))
	assert.False(t, net.Contains(netip.MustParseAddr("10.0.1.42")))
}

func Test_EvaluateAndOrNot(t *testing.T) {
	d := &packet.Descriptor{Proto: 6, SrcPort: 80}

	tcp := CmpProto(ProtoRange{From: 6, To: 6})
	udp := CmpProto(ProtoRange{From: 17, To: 17})
	port80 := CmpPort(FieldSrcPort, PortRange{From: 80, To: 80})

	assert.True(t, Evaluate(&tcp, d, "eth0"))
	assert.False(t, Evaluate(&udp, d, "eth0"))

	and := And(tcp, port80)
	assert.True(t, Evaluate(&and, d, "eth0"))

	or := Or(udp, port80)
	assert.True(t, Evaluate(&or, d, "eth0"))

	not := Not(udp)
	assert.True(t, Evaluate(&not, d, "eth0"))
}

func Test_EvaluateDeviceMatchesByName(t *testing.T) {
	d := &packet.Descriptor{}
	expr := CmpDevice(Device{Name: "eth1"})

	assert.False(t, Evaluate(&expr, d, "eth0"))
	assert.True(t, Evaluate(&expr, d, "eth1"))
}

func Test_EvaluateIPNetSkipsMismatchedFamily(t *testing.T) {
	d := &packet.Descriptor{IsIPv6: true}
	net := IPNet{Addr: netip.MustParseAddr("10.0.0.0"), Mask: netip.MustParseAddr("255.0.0.0")}
	expr := CmpIPNet(FieldSrcIP, net)

	require.False(t, Evaluate(&expr, d, "eth0"))
}
