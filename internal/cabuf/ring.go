// Package cabuf implements the shared ring of packet pointers (spec.md §3
// "Ring of packet pointers (cabuf)") and the capture-client backpressure
// machinery of spec.md §4.8.
//
// In a multi-process deployment each slot is a pointer into process-shared
// memory; this implementation keeps the ring as an in-process slice of
// *packet.Descriptor, since every consumer this repository drives (EXPORT,
// capture-clients) is addressed over the IPC channel of internal/ipc rather
// than by raw cross-process pointer, and the descriptors it points at are
// already owned for the batch's lifetime by the sniffer that captured them
// (spec.md §3 "Ownership"). The wraparound/overflow bookkeeping follows the
// same discipline as the teacher's pdump ring (atomic write/readable
// cursors, a private per-reader cursor, reader-side overwrite detection).
package cabuf

import (
	"fmt"
	"sync/atomic"

	"github.com/yanet-platform/comocapture/internal/packet"
)

// Ring is a size-N circular array of packet-descriptor pointers with a
// single producer (the core) and multiple readers.
type Ring struct {
	slots []*packet.Descriptor
	size  uint64

	writeCursor atomic.Uint64
}

// NewRing creates a ring of the given slot count.
func NewRing(size uint32) *Ring {
	return &Ring{slots: make([]*packet.Descriptor, size), size: uint64(size)}
}

func (r *Ring) Size() uint32 { return uint32(r.size) }

// Reservation describes a possibly-wrapped span of ring slots, matching
// spec.md §3's "(base0,len0,base1,len1)" batch record.
type Reservation struct {
	Base0, Len0 uint32
	Base1, Len1 uint32
}

// Reserve advances the ring's write cursor by n slots and returns the
// (possibly two-segment) span now owned by the caller to fill.
//
// Reserve panics if n would overtake slots still referenced by a prior,
// unfreed batch: spec.md §7 calls cabuf overflow "impossible if sniffers
// honour the first-ref-pkt contract ... a programming error".
func (r *Ring) Reserve(n uint32, firstUnfreed uint64) Reservation {
	if uint64(n) > r.size {
		panic(fmt.Sprintf("cabuf: reservation of %d slots exceeds ring size %d", n, r.size))
	}

	start := r.writeCursor.Load()
	end := start + uint64(n)

	if end-firstUnfreed > r.size {
		panic("cabuf: reservation would overwrite a still-referenced batch")
	}

	r.writeCursor.Store(end)

	base0 := uint32(start % r.size)
	if uint64(base0)+uint64(n) <= r.size {
		return Reservation{Base0: base0, Len0: n}
	}

	len0 := uint32(r.size) - base0
	return Reservation{Base0: base0, Len0: len0, Base1: 0, Len1: n - len0}
}

// set writes one descriptor pointer at ring slot idx, taken modulo the ring
// size.
func (r *Ring) set(idx uint32, d *packet.Descriptor) {
	r.slots[idx%uint32(r.size)] = d
}

// Write fills a reservation from a slice of descriptor pointers, handling
// the wraparound recorded in rsv.
func (r *Ring) Write(rsv Reservation, descs []*packet.Descriptor) {
	n := int(rsv.Len0 + rsv.Len1)
	if len(descs) < n {
		panic("cabuf: not enough descriptors to fill reservation")
	}
	for i := uint32(0); i < rsv.Len0; i++ {
		r.set(rsv.Base0+i, descs[i])
	}
	for i := uint32(0); i < rsv.Len1; i++ {
		r.set(rsv.Base1+i, descs[rsv.Len0+i])
	}
}

// At returns the descriptor pointer for the i-th slot of rsv (0-based,
// spanning both segments).
func (r *Ring) At(rsv Reservation, i uint32) *packet.Descriptor {
	if i < rsv.Len0 {
		return r.slots[(rsv.Base0+i)%uint32(r.size)]
	}
	return r.slots[(rsv.Base1+(i-rsv.Len0))%uint32(r.size)]
}
