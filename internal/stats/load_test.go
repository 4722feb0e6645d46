package stats

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/yanet-platform/comocapture/internal/ntptime"
)

func Test_ObserveAccumulatesWithinOneBin(t *testing.T) {
	l := NewLoad()

	l.Observe(ntptime.FromDuration(0), 100)
	l.Observe(ntptime.FromDuration(10*time.Second), 50)
	l.Observe(ntptime.FromDuration(30*time.Second), 25)

	snap := l.Snapshot()
	assert.Equal(t, uint64(0), snap.Load15m[0]) // bin not yet committed
}

func Test_ObserveCommitsOnBinCrossing(t *testing.T) {
	l := NewLoad()

	l.Observe(ntptime.FromDuration(0), 100)
	l.Observe(ntptime.FromDuration(59*time.Second), 50)
	// Crosses the 60s boundary: commits 150 bytes into bin 0, starts a
	// fresh bucket at the crossing packet's own length (the original's
	// ld_bytes = COMO(len), not zero).
	l.Observe(ntptime.FromDuration(61*time.Second), 10)

	snap := l.Snapshot()
	assert.Equal(t, uint64(150), snap.Load15m[0])
	assert.Equal(t, uint64(150), snap.Load1h[0])
	assert.Equal(t, uint64(150), snap.Load6h[0])
	assert.Equal(t, uint64(150), snap.Load1d[0])
}

func Test_ObserveWrapsRingIndices(t *testing.T) {
	l := NewLoad()

	l.Observe(ntptime.FromDuration(0), 1)
	for i := 0; i < bins15m; i++ {
		wire := uint32(1)
		if i == bins15m-1 {
			wire = 99 // becomes the pending bucket that wraps back to slot 0
		}
		l.Observe(ntptime.FromDuration(time.Duration(i+1)*binWidth+time.Second), wire)
	}
	// one more commit to flush the wrapped bucket into load15m[0]
	l.Observe(ntptime.FromDuration(time.Duration(bins15m+2)*binWidth+time.Second), 1)

	snap := l.Snapshot()
	assert.Equal(t, uint64(99), snap.Load15m[0])
}
