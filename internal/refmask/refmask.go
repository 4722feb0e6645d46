// Package refmask implements a fixed-width bitmap used to track which
// consumers still hold a reference to a batch.
//
// Bit 0 is reserved for the core's own reference. Bits 1..63 are assigned to
// capture clients by id (client id + 1), bounding the number of concurrently
// attached clients at 63 (spec.md §4.8).
package refmask

import (
	"iter"
	"math/bits"

	"github.com/yanet-platform/comocapture/internal/bitset"
)

// MaxClients is the number of client ids the core can assign (ids are
// 0-based, 0..62; bit (id+1) is reserved for each, bit 0 is the core
// itself).
const MaxClients = 63

// Mask is a 64-bit reference bitmap over a batch's consumers.
type Mask uint64

// CoreOnly returns a mask with only the core's own reference bit set.
func CoreOnly() Mask {
	return 1
}

// WithBit returns a new mask with a single bit set at the specified index.
//
// Panics if idx >= 64.
func WithBit(idx uint32) Mask {
	if idx >= 64 {
		panic("refmask: index is out of range")
	}

	return Mask(1 << idx)
}

// ClientBit returns the reference-mask bit for a given client id.
func ClientBit(clientID int) Mask {
	return WithBit(uint32(clientID + 1))
}

func (m Mask) IsEmpty() bool {
	return m == 0
}

func (m Mask) Len() int {
	return bits.OnesCount64(uint64(m))
}

// Clear clears the given client's reference bit and reports whether the
// mask became empty as a result.
func (m Mask) Clear(clientID int) (Mask, bool) {
	cleared := m &^ ClientBit(clientID)
	return cleared, cleared.IsEmpty()
}

func (m Mask) Intersect(other Mask) Mask {
	return m & other
}

func (m Mask) Iter() iter.Seq[uint32] {
	return bitset.NewBitsTraverser(uint64(m)).Iter()
}
