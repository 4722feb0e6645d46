package ppbuf

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/yanet-platform/comocapture/internal/ntptime"
	"github.com/yanet-platform/comocapture/internal/packet"
)

func ts(ms int) ntptime.Stamp {
	return ntptime.FromDuration(time.Duration(ms) * time.Millisecond)
}

func Test_CaptureAndNextFIFO(t *testing.T) {
	r := New("eth0", 4, zap.NewNop().Sugar())

	r.Capture(packet.Descriptor{Timestamp: ts(1), SrcPort: 1})
	r.Capture(packet.Descriptor{Timestamp: ts(2), SrcPort: 2})

	assert.Equal(t, uint32(2), r.Count())
	assert.Equal(t, ts(1), r.FirstTimestamp())
	assert.Equal(t, ts(2), r.LastTimestamp())

	d, ok := r.Next()
	require.True(t, ok)
	assert.Equal(t, uint16(1), d.SrcPort)
	assert.Equal(t, ts(2), r.FirstTimestamp())

	d, ok = r.Next()
	require.True(t, ok)
	assert.Equal(t, uint16(2), d.SrcPort)

	_, ok = r.Next()
	assert.False(t, ok)
}

func Test_CaptureBeyondSizePanics(t *testing.T) {
	r := New("eth0", 1, zap.NewNop().Sugar())
	r.Capture(packet.Descriptor{Timestamp: ts(1)})

	assert.Panics(t, func() {
		r.Capture(packet.Descriptor{Timestamp: ts(2)})
	})
}

func Test_FullReportsSaturation(t *testing.T) {
	r := New("eth0", 1, zap.NewNop().Sugar())
	assert.False(t, r.Full())
	r.Capture(packet.Descriptor{Timestamp: ts(1)})
	assert.True(t, r.Full())
}

func Test_RegressingTimestampIsAcceptedNotRejected(t *testing.T) {
	r := New("eth0", 4, zap.NewNop().Sugar())
	r.Capture(packet.Descriptor{Timestamp: ts(10)})
	r.Capture(packet.Descriptor{Timestamp: ts(5)})

	assert.Equal(t, uint32(2), r.Count())
}
