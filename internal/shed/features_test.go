package shed

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yanet-platform/comocapture/internal/ntptime"
	"github.com/yanet-platform/comocapture/internal/packet"
)

func makeDescriptor(srcIP, dstIP byte, proto uint8, sport, dport uint16) *packet.Descriptor {
	d := &packet.Descriptor{
		Timestamp: ntptime.Stamp{Sec: 1},
		WireLen:   64,
		Proto:     proto,
		SrcPort:   sport,
		DstPort:   dport,
	}
	d.SrcIP[0] = srcIP
	d.DstIP[0] = dstIP
	return d
}

func Test_AggKeyStringCoversAllKeys(t *testing.T) {
	for k := AggKey(0); k < numAggKeys; k++ {
		assert.NotEqual(t, "unknown", k.String())
	}
	assert.Equal(t, "unknown", AggKey(-1).String())
	assert.Equal(t, "unknown", numAggKeys.String())
}

func Test_ExtractCountsPacketsAndBytes(t *testing.T) {
	e := NewExtractor(1)
	pkts := []*packet.Descriptor{
		makeDescriptor(1, 2, 6, 100, 200),
		makeDescriptor(1, 2, 6, 100, 200),
		makeDescriptor(3, 4, 17, 300, 400),
	}
	f := e.Extract(pkts, true)

	assert.Equal(t, float64(3), f.PacketCount)
	assert.Equal(t, float64(3*64), f.ByteCount)
	assert.Equal(t, float64(1), f.NewInterval)
}

func Test_ExtractBatchRepeatsCountsDuplicateKeys(t *testing.T) {
	e := NewExtractor(2)
	// Two packets share every aggregation key (identical 5-tuple).
	pkts := []*packet.Descriptor{
		makeDescriptor(1, 2, 6, 100, 200),
		makeDescriptor(1, 2, 6, 100, 200),
	}
	f := e.Extract(pkts, false)

	assert.Equal(t, float64(1), f.PerKey[Key5Tuple].BatchRepeats)
	assert.Less(t, f.PerKey[Key5Tuple].UniqueBatch, float64(2))
}

func Test_ExtractAggRepeatsAcrossBatches(t *testing.T) {
	e := NewExtractor(3)
	first := []*packet.Descriptor{makeDescriptor(1, 2, 6, 100, 200)}
	second := []*packet.Descriptor{makeDescriptor(1, 2, 6, 100, 200)}

	e.Extract(first, true)
	f2 := e.Extract(second, false)

	assert.Equal(t, float64(1), f2.PerKey[Key5Tuple].AggRepeats)
}

func Test_ReseedClearsRunningState(t *testing.T) {
	e := NewExtractor(5)
	pkts := []*packet.Descriptor{makeDescriptor(1, 2, 6, 100, 200)}
	e.Extract(pkts, true)

	e.Reseed(6)
	f := e.Extract(pkts, true)
	// After a reseed the running bitmap is fresh, so the same key is "new"
	// again rather than an agg-repeat.
	assert.Equal(t, float64(0), f.PerKey[Key5Tuple].AggRepeats)
}

func Test_FeaturesVectorLength(t *testing.T) {
	var f Features
	require.Len(t, f.Vector(), 3+4*int(numAggKeys))
}

func Test_NetPrefixBytesIPv4(t *testing.T) {
	var addr [16]byte
	addr[0], addr[1], addr[2], addr[3] = 10, 20, 30, 40
	out := netPrefixBytes(addr, false)
	assert.Equal(t, []byte{10, 20, 30}, out)
}

func Test_NetPrefixBytesIPv6(t *testing.T) {
	var addr [16]byte
	for i := range addr {
		addr[i] = byte(i + 1)
	}
	out := netPrefixBytes(addr, true)
	assert.Equal(t, addr[:6], out)
}
