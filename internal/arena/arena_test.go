package arena

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_ReserveAlignsAndAdvances(t *testing.T) {
	a, err := New(128)
	require.NoError(t, err)
	defer a.Close()

	off1 := a.Reserve(5)
	assert.Equal(t, uint32(0), off1)

	off2 := a.Reserve(4)
	assert.Equal(t, uint32(8), off2) // 5 rounds up to 8
}

func Test_ReserveWrapsAtRegionEnd(t *testing.T) {
	a, err := New(32)
	require.NoError(t, err)
	defer a.Close()

	a.Reserve(28)
	off := a.Reserve(8)
	assert.Equal(t, uint32(0), off)
}

func Test_ReservePastHeadPanics(t *testing.T) {
	a, err := New(32)
	require.NoError(t, err)
	defer a.Close()

	head := uint32(0)
	a.Begin(&head)
	a.Reserve(16)

	assert.Panics(t, func() {
		a.Reserve(20)
	})
}

func Test_TruncateRefundsAccounting(t *testing.T) {
	a, err := New(32)
	require.NoError(t, err)
	defer a.Close()

	head := uint32(0)
	a.Begin(&head)
	a.Reserve(16)
	a.Truncate(8)

	assert.Equal(t, uint32(8), a.Tail())
	assert.NotPanics(t, func() {
		a.Reserve(20)
	})
}
