package module

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yanet-platform/comocapture/internal/filter"
	"github.com/yanet-platform/comocapture/internal/ntptime"
	"github.com/yanet-platform/comocapture/internal/packet"
)

type fakeCallbacks struct {
	initErr    error
	captureErr error
	flushErr   error

	captured []ntptime.Stamp
	flushes  [][2]ntptime.Stamp
}

func (f *fakeCallbacks) Init(ctx context.Context) error { return f.initErr }

func (f *fakeCallbacks) Capture(ctx context.Context, pkt *packet.Descriptor) error {
	f.captured = append(f.captured, pkt.Timestamp)
	return f.captureErr
}

func (f *fakeCallbacks) Flush(ctx context.Context, ivlStart, ivlEnd ntptime.Stamp) ([]byte, error) {
	f.flushes = append(f.flushes, [2]ntptime.Stamp{ivlStart, ivlEnd})
	return []byte("payload"), f.flushErr
}

func Test_NewRejectsOversizedID(t *testing.T) {
	cb := &fakeCallbacks{}
	_, err := New("m", MaxModules, filter.Always(), time.Second, false, cb)
	assert.Error(t, err)
}

func Test_InitActivatesModule(t *testing.T) {
	cb := &fakeCallbacks{}
	m, err := New("m", 0, filter.Always(), time.Second, false, cb)
	require.NoError(t, err)

	require.NoError(t, m.Init(context.Background(), ntptime.Zero))
	assert.Equal(t, StatusActive, m.Status)
	assert.Equal(t, ntptime.FromDuration(time.Second), m.IvlEnd)
}

func Test_InitFailurePreventsCapture(t *testing.T) {
	cb := &fakeCallbacks{initErr: assertError}
	m, err := New("m", 0, filter.Always(), time.Second, false, cb)
	require.NoError(t, err)

	assert.Error(t, m.Init(context.Background(), ntptime.Zero))
	assert.Equal(t, StatusFailed, m.Status)

	assert.NoError(t, m.Capture(context.Background(), &packet.Descriptor{}))
	assert.Empty(t, cb.captured)
}

func Test_CaptureRotatesAtIntervalEnd(t *testing.T) {
	cb := &fakeCallbacks{}
	m, err := New("m", 0, filter.Always(), time.Second, false, cb)
	require.NoError(t, err)
	require.NoError(t, m.Init(context.Background(), ntptime.Zero))

	within := packet.Descriptor{Timestamp: ntptime.FromDuration(500 * time.Millisecond)}
	require.NoError(t, m.Capture(context.Background(), &within))
	assert.Empty(t, cb.flushes)

	crossing := packet.Descriptor{Timestamp: ntptime.FromDuration(1500 * time.Millisecond)}
	require.NoError(t, m.Capture(context.Background(), &crossing))
	require.Len(t, cb.flushes, 1)
	assert.Equal(t, uint64(2), m.TupleCount)

	wantIvl := [2]ntptime.Stamp{ntptime.Zero, ntptime.FromDuration(time.Second)}
	if diff := cmp.Diff(wantIvl, cb.flushes[0]); diff != "" {
		t.Errorf("flushed interval mismatch (-want +got):\n%s", diff)
	}
}

func Test_FlushSkipsTupleAccountingForShmemModule(t *testing.T) {
	cb := &fakeCallbacks{}
	m, err := New("m", 0, filter.Always(), time.Second, true, cb)
	require.NoError(t, err)
	require.NoError(t, m.Init(context.Background(), ntptime.Zero))

	payload, err := m.Flush(context.Background(), ntptime.FromDuration(time.Second))
	require.NoError(t, err)
	assert.Nil(t, payload)
	assert.Equal(t, uint64(0), m.TupleBytes)
}

func Test_FlushFailureDeactivatesModule(t *testing.T) {
	cb := &fakeCallbacks{flushErr: assertError}
	m, err := New("m", 0, filter.Always(), time.Second, false, cb)
	require.NoError(t, err)
	require.NoError(t, m.Init(context.Background(), ntptime.Zero))

	_, err = m.Flush(context.Background(), ntptime.FromDuration(time.Second))
	assert.Error(t, err)
	assert.Equal(t, StatusFailed, m.Status)
}

func Test_RegistryRoundTrip(t *testing.T) {
	reg := NewRegistry()
	m, err := New("m", 0, filter.Always(), time.Second, false, &fakeCallbacks{})
	require.NoError(t, err)

	reg.Register(m)
	got, ok := reg.Get("m")
	require.True(t, ok)
	assert.Same(t, m, got)
	if diff := cmp.Diff([]string{"m"}, reg.List()); diff != "" {
		t.Errorf("registry listing mismatch (-want +got):\n%s", diff)
	}

	reg.Unregister("m")
	_, ok = reg.Get("m")
	assert.False(t, ok)
}

var assertError = assertErrorType("boom")

type assertErrorType string

func (e assertErrorType) Error() string { return string(e) }
