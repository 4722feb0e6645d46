// Package arena implements capbuf, the page-aligned anonymous shared-memory
// bump allocator described in spec.md §4.1.
//
// The region is mapped with golang.org/x/sys/unix the same way the teacher's
// control-plane modules attach to dataplane-owned shared memory (modules
// wrap a C allocator over mmap; here the allocator itself is native Go since
// the core, not a C dataplane, is the writer). A single writer calls
// Reserve/Truncate/Begin; readers are expected to "consume in the order
// writes happened and never past the producer's tail" (spec.md §4.1) -- this
// package enforces none of that on the read side, it only guarantees the
// writer's own bookkeeping is correct.
package arena

import (
	"fmt"

	"golang.org/x/sys/unix"
)

const align = 4 // reserves are 32-bit aligned, per spec.md §4.1

// Arena is a page-aligned, anonymous, process-shared bump buffer of a fixed
// size. Region size must be a 32-byte multiple (spec.md §4.1).
type Arena struct {
	mem    []byte
	size   uint32
	tail   uint32
	head   uint32
	hasHead bool
	// overflow accumulates bytes reserved since the last Begin call, used to
	// detect a wrap that would overwrite a still-referenced prefix.
	overflow uint32
}

// New maps a new anonymous shared region of the given size.
func New(size uint32) (*Arena, error) {
	if size%32 != 0 {
		return nil, fmt.Errorf("arena: size %d is not a 32-byte multiple", size)
	}

	mem, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("arena: mmap %d bytes: %w", size, err)
	}

	return &Arena{mem: mem, size: size}, nil
}

// Close unmaps the region.
func (a *Arena) Close() error {
	if a.mem == nil {
		return nil
	}
	err := unix.Munmap(a.mem)
	a.mem = nil
	return err
}

// Bytes exposes the underlying region, for readers that know how to
// interpret offsets returned by Reserve.
func (a *Arena) Bytes() []byte {
	return a.mem
}

// Size returns the region size in bytes.
func (a *Arena) Size() uint32 {
	return a.size
}

func alignUp(n uint32) uint32 {
	return (n + (align - 1)) &^ (align - 1)
}

// Begin resets the overflow accumulator. If head is non-nil, *head is
// interpreted as the still-referenced prefix offset and the accumulator is
// initialised to the distance between it and the current tail, so
// subsequent Reserve calls detect overwriting that prefix.
func (a *Arena) Begin(head *uint32) {
	a.overflow = 0
	a.hasHead = head != nil
	if head != nil {
		a.head = *head
		a.overflow = a.distance(a.head, a.tail)
	}
}

// distance returns the number of bytes from "from" to "to" moving forward
// through the ring, wrapping at size.
func (a *Arena) distance(from, to uint32) uint32 {
	if to >= from {
		return to - from
	}
	return a.size - from + to
}

// Reserve advances the tail by n bytes (rounded up to 4-byte alignment),
// wrapping to the base of the region when insufficient contiguous space
// remains before the end. It returns the base offset of the reservation.
//
// Reserve panics if the cumulative reservations since the last Begin would
// overwrite the still-referenced head: per spec.md §4.1 this is "a
// programming error, not a recoverable condition".
func (a *Arena) Reserve(n uint32) uint32 {
	n = alignUp(n)
	if n > a.size {
		panic(fmt.Sprintf("arena: reservation of %d bytes exceeds region size %d", n, a.size))
	}

	base := a.tail
	if a.size-a.tail < n {
		// Not enough contiguous space before the end; wrap to base.
		base = 0
	}

	newOverflow := a.overflow + n
	if a.hasHead && newOverflow > a.size {
		panic("arena: reservation would overwrite the still-referenced head")
	}

	a.overflow = newOverflow
	a.tail = (base + n) % a.size
	return base
}

// Truncate shrinks the current reservation so the tail becomes p, refunding
// the accounting consumed by the truncated portion.
func (a *Arena) Truncate(p uint32) {
	refund := a.distance(p, a.tail)
	if refund > a.overflow {
		refund = a.overflow
	}
	a.overflow -= refund
	a.tail = p
}

// Tail returns the current write position, for callers that need to record
// "first byte after this reservation" (e.g. the merge stage truncating a
// cabuf reservation down to the actual populated count).
func (a *Arena) Tail() uint32 {
	return a.tail
}

// Usage returns the fraction of the region reserved since the last Begin
// call, the metric the event loop's memory-pressure freeze/thaw policy
// (spec.md §4.7 step 8) compares against its ¾/⅛ thresholds.
func (a *Arena) Usage() float64 {
	return float64(a.overflow) / float64(a.size)
}
