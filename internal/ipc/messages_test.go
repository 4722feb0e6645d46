package ipc

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yanet-platform/comocapture/internal/ntptime"
)

// These round-trip tests are spec.md §8's "serialising a module descriptor
// and deserialising it yields an equal descriptor (over the fields the core
// reads)": PROCESS_SHM_TUPLES/PROCESS_SER_TUPLES are exactly the module
// descriptor EXPORT reads back off the wire. cmp.Diff (rather than
// require/assert.Equal) gives a field-level diff on failure instead of a
// single "not equal" line, the same tradeoff the pack's own
// tests/migration/converter/lib round-trip tests make for exactly this
// shape of struct comparison.
func Test_ProcessShmTuplesRoundTrip(t *testing.T) {
	want := ProcessShmTuples{
		Name:       "counters",
		ShmHandle:  0xdeadbeef,
		IvlStart:   ntptime.Stamp{Sec: 10, Frac: 20},
		NTuples:    42,
		ModuleID:   3,
		TupleBytes: 1024,
		QueueSize:  1,
	}

	got, err := UnmarshalProcessShmTuples(want.Marshal())
	require.NoError(t, err)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ProcessShmTuples round-trip mismatch (-want +got):\n%s", diff)
	}
}

func Test_ProcessSerTuplesRoundTrip(t *testing.T) {
	want := ProcessSerTuples{
		Name:       "counters",
		NTuples:    7,
		TupleBytes: 256,
		IvlStart:   ntptime.Stamp{Sec: 1, Frac: 2},
		ModuleID:   1,
		QueueSize:  0,
		Payload:    []byte("serialized-tuples"),
	}

	got, err := UnmarshalProcessSerTuples(want.Marshal())
	require.NoError(t, err)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ProcessSerTuples round-trip mismatch (-want +got):\n%s", diff)
	}
}

func Test_AttachModuleRoundTrip(t *testing.T) {
	want := AttachModule{Name: "counters", UseShmem: true}
	got, err := UnmarshalAttachModule(want.Marshal())
	require.NoError(t, err)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("AttachModule round-trip mismatch (-want +got):\n%s", diff)
	}
}

func Test_BatchMsgRoundTrip(t *testing.T) {
	want := BatchMsg{ClientID: 5, BatchHandle: 0x1122334455}
	got, err := UnmarshalBatchMsg(want.Marshal())
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func Test_UnmarshalTruncatedReturnsError(t *testing.T) {
	_, err := UnmarshalProcessShmTuples([]byte{1, 2, 3})
	assert.Error(t, err)
}
