package merge

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/yanet-platform/comocapture/internal/cabuf"
	"github.com/yanet-platform/comocapture/internal/ntptime"
	"github.com/yanet-platform/comocapture/internal/packet"
	"github.com/yanet-platform/comocapture/internal/ppbuf"
)

func ts(ms int) ntptime.Stamp {
	return ntptime.FromDuration(time.Duration(ms) * time.Millisecond)
}

func Test_CreateReturnsNilWhenEmpty(t *testing.T) {
	ring := cabuf.NewRing(16)
	b := NewBuilder(ring, 50*time.Millisecond, 100*time.Millisecond)

	a := ppbuf.New("a", 4, zap.NewNop().Sugar())
	sources := []Source{{Idx: 0, Ring: a}}

	assert.Nil(t, b.Create(sources, false))
}

func Test_CreateMergesInTimestampOrder(t *testing.T) {
	ring := cabuf.NewRing(16)
	b := NewBuilder(ring, 10*time.Millisecond, 100*time.Millisecond)

	a := ppbuf.New("a", 8, zap.NewNop().Sugar())
	bRing := ppbuf.New("b", 8, zap.NewNop().Sugar())

	a.Capture(packet.Descriptor{Timestamp: ts(10)})
	a.Capture(packet.Descriptor{Timestamp: ts(30)})
	bRing.Capture(packet.Descriptor{Timestamp: ts(20)})
	bRing.Capture(packet.Descriptor{Timestamp: ts(150)})

	sources := []Source{
		{Idx: 0, Ring: a},
		{Idx: 1, Ring: bRing},
	}

	batch := b.Create(sources, false)
	require.NotNil(t, batch)

	got := make([]ntptime.Stamp, batch.Populated)
	for i := uint32(0); i < batch.Populated; i++ {
		got[i] = ring.At(batch.Reservation, i).Timestamp
	}

	assert.Equal(t, []ntptime.Stamp{ts(10), ts(20), ts(30)}, got)
}

func Test_CreateForceBatchDrainsEverything(t *testing.T) {
	ring := cabuf.NewRing(16)
	b := NewBuilder(ring, time.Second, time.Hour)

	a := ppbuf.New("a", 8, zap.NewNop().Sugar())
	a.Capture(packet.Descriptor{Timestamp: ts(5)})

	sources := []Source{{Idx: 0, Ring: a}}

	assert.Nil(t, b.Create(sources, false))

	batch := b.Create(sources, true)
	require.NotNil(t, batch)
	assert.Equal(t, uint32(1), batch.Populated)
}
