package shed

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yanet-platform/comocapture/internal/ntptime"
	"github.com/yanet-platform/comocapture/internal/packet"
)

func fiveTuplePacket(sip byte, sport uint16) *packet.Descriptor {
	d := &packet.Descriptor{
		Timestamp: ntptime.Stamp{Sec: 1},
		WireLen:   64,
		Proto:     6,
		SrcPort:   sport,
		DstPort:   80,
	}
	d.SrcIP[0] = sip
	d.DstIP[0] = 9
	return d
}

func Test_ControllerColdStartRateIsOne(t *testing.T) {
	c := NewController(1)
	pkts := []*packet.Descriptor{fiveTuplePacket(1, 100)}

	for i := 0; i < coldStartBatches-1; i++ {
		c.Observe(pkts, i == 0, 100)
		assert.Equal(t, 1.0, c.Rate(1000))
	}
}

func Test_ControllerRateStaysBoundedAfterWarmup(t *testing.T) {
	c := NewController(2)
	pkts := []*packet.Descriptor{fiveTuplePacket(1, 100), fiveTuplePacket(2, 200)}

	for i := 0; i < coldStartBatches+10; i++ {
		c.Observe(pkts, i == 0, 500)
	}

	rate := c.Rate(1000)
	assert.GreaterOrEqual(t, rate, 0.0)
	assert.LessOrEqual(t, rate, 1.0)
}

func Test_ControllerRecordErrorWidensWithRepeatedMiss(t *testing.T) {
	c := NewController(3)
	before := c.ewmaError
	c.RecordError(1.0)
	assert.Greater(t, c.ewmaError, before)
}

func Test_SamplePacketBoundaryRates(t *testing.T) {
	d := fiveTuplePacket(1, 100)
	assert.True(t, SamplePacket(d, 1.0))
	assert.False(t, SamplePacket(d, 0.0))
}

func Test_SampleFlowMonotonicWithinInterval(t *testing.T) {
	c := NewController(4)
	d := fiveTuplePacket(5, 500)

	kept1 := c.SampleFlow(d, 1.0)
	require.True(t, kept1)

	// Rate drops later in the interval; if still kept, subsequent packets
	// of the same flow must also be kept at no more than the new rate -
	// in particular a further drop in rate can turn a kept flow into a
	// dropped one, but a rate increase can never re-admit an already
	// dropped flow.
	kept2 := c.SampleFlow(d, 0.0)
	assert.False(t, kept2)

	kept3 := c.SampleFlow(d, 1.0)
	assert.False(t, kept3, "a flow dropped at a lower rate must not be re-admitted by a higher later rate")
}

func Test_SampleFlowClearedOnIntervalReset(t *testing.T) {
	c := NewController(5)
	d := fiveTuplePacket(6, 600)

	c.SampleFlow(d, 0.0)
	c.ResetInterval(6)

	// After a reset the cache is empty, so the decision is re-evaluated
	// fresh rather than carrying over the previous interval's drop.
	c.flowMu.Lock()
	_, exists := c.flowCache[d.FiveTuple()]
	c.flowMu.Unlock()
	assert.False(t, exists)
}

func Test_Clamp01(t *testing.T) {
	assert.Equal(t, 0.0, clamp01(-5))
	assert.Equal(t, 1.0, clamp01(5))
	assert.Equal(t, 0.5, clamp01(0.5))
}
