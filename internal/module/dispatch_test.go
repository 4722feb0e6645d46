package module

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yanet-platform/comocapture/internal/cabuf"
	"github.com/yanet-platform/comocapture/internal/filter"
	"github.com/yanet-platform/comocapture/internal/ntptime"
	"github.com/yanet-platform/comocapture/internal/packet"
)

func Test_BatchProcessDispatchesOnlyMatchedPackets(t *testing.T) {
	ring := cabuf.NewRing(8)
	rsv := ring.Reserve(2, 0)

	tcp := packet.Descriptor{Timestamp: ntptime.FromDuration(time.Second), Proto: 6}
	udp := packet.Descriptor{Timestamp: ntptime.FromDuration(2 * time.Second), Proto: 17}
	ring.Write(rsv, []*packet.Descriptor{&tcp, &udp})

	b := &cabuf.Batch{Reservation: rsv, Populated: 2}

	tcpOnly := &fakeCallbacks{}
	mTCP, err := New("tcp-only", 0, filter.CmpProto(filter.ProtoRange{From: 6, To: 6}), time.Minute, false, tcpOnly)
	require.NoError(t, err)
	require.NoError(t, mTCP.Init(context.Background(), ntptime.Zero))

	everything := &fakeCallbacks{}
	mAll, err := New("everything", 1, filter.Always(), time.Minute, false, everything)
	require.NoError(t, err)
	require.NoError(t, mAll.Init(context.Background(), ntptime.Zero))

	reg := NewRegistry()
	reg.Register(mTCP)
	reg.Register(mAll)

	require.NoError(t, BatchProcess(context.Background(), ring, b, "eth0", reg))

	assert.Len(t, tcpOnly.captured, 1)
	assert.Len(t, everything.captured, 2)
}

func Test_BatchProcessSkipsInactiveModules(t *testing.T) {
	ring := cabuf.NewRing(4)
	rsv := ring.Reserve(1, 0)
	pkt := packet.Descriptor{Timestamp: ntptime.FromDuration(time.Second)}
	ring.Write(rsv, []*packet.Descriptor{&pkt})
	b := &cabuf.Batch{Reservation: rsv, Populated: 1}

	cb := &fakeCallbacks{initErr: assertError}
	m, err := New("broken", 0, filter.Always(), time.Minute, false, cb)
	require.NoError(t, err)
	assert.Error(t, m.Init(context.Background(), ntptime.Zero))

	reg := NewRegistry()
	reg.Register(m)

	require.NoError(t, BatchProcess(context.Background(), ring, b, "eth0", reg))
	assert.Empty(t, cb.captured)
}
