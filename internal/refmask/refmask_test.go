package refmask

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func Test_CoreOnlyIsBitZero(t *testing.T) {
	m := CoreOnly()
	assert.False(t, m.IsEmpty())
	assert.Equal(t, 1, m.Len())
}

func Test_ClientBitDoesNotCollideWithCore(t *testing.T) {
	core := CoreOnly()
	client := ClientBit(0)

	assert.NotEqual(t, core, client)
	assert.Equal(t, Mask(0b10), client)
}

func Test_ClearRemovesOnlyThatClient(t *testing.T) {
	m := CoreOnly().Intersect(CoreOnly()) | ClientBit(0) | ClientBit(1)

	m, empty := m.Clear(0)
	assert.False(t, empty)
	assert.Equal(t, 2, m.Len())

	m, empty = m.Clear(1)
	assert.False(t, empty)
	assert.Equal(t, 1, m.Len())

	_, empty = m.Clear(MaxClients - 1)
	assert.False(t, empty) // core bit still set
}

func Test_WithBitRejectsOutOfRange(t *testing.T) {
	assert.Panics(t, func() {
		WithBit(64)
	})
}

func Test_Iter(t *testing.T) {
	m := CoreOnly() | ClientBit(2)

	var bits []uint32
	for b := range m.Iter() {
		bits = append(bits, b)
	}

	assert.Equal(t, []uint32{0, 3}, bits)
}
