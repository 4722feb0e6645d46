package cabuf

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yanet-platform/comocapture/internal/refmask"
)

func Test_QueueOnlyFreesFromHead(t *testing.T) {
	q := NewQueue()

	b1 := &Batch{RefMask: 0}
	b2 := &Batch{RefMask: 0}
	q.Push(b1)
	q.Push(b2)

	// b2 is reference-free but not at the head: it must wait.
	assert.False(t, q.PopIfHeadFree(b2))
	require.Equal(t, 2, q.Len())

	assert.True(t, q.PopIfHeadFree(b1))
	assert.Equal(t, 1, q.Len())

	assert.True(t, q.PopIfHeadFree(b2))
	assert.Equal(t, 0, q.Len())
}

func Test_QueueRefusesToFreeStillReferencedHead(t *testing.T) {
	q := NewQueue()
	b := &Batch{RefMask: refmask.CoreOnly()}
	q.Push(b)

	assert.False(t, q.PopIfHeadFree(b))
	assert.Equal(t, 1, q.Len())
}
