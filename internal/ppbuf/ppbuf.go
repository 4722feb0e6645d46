// Package ppbuf implements the per-sniffer packet ring of spec.md §3/§4.3:
// the bounded staging area between a sniffer's raw capture and the merger.
package ppbuf

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/yanet-platform/comocapture/internal/ntptime"
	"github.com/yanet-platform/comocapture/internal/packet"
)

// Ring is a circular buffer of packet descriptors whose capacity is fixed
// by the caller at creation.
type Ring struct {
	slots []packet.Descriptor
	size  uint32

	woff  uint32
	roff  uint32
	count uint32

	lastRead    uint32
	firstTS     ntptime.Stamp
	lastTS      ntptime.Stamp
	identity    string
	maxSkewSeen bool

	log *zap.SugaredLogger
}

// New creates a ring able to hold size packet descriptors for the named
// sniffer.
func New(identity string, size uint32, log *zap.SugaredLogger) *Ring {
	return &Ring{
		slots:    make([]packet.Descriptor, size),
		size:     size,
		identity: identity,
		log:      log.With(zap.String("sniffer", identity)),
	}
}

// Identity returns the sniffer-identity tag this ring was created for.
func (r *Ring) Identity() string {
	return r.identity
}

// Size returns the ring's capacity in packet descriptors.
func (r *Ring) Size() uint32 {
	return r.size
}

// Count returns the number of valid descriptors currently buffered.
func (r *Ring) Count() uint32 {
	return r.count
}

// LastTimestamp returns the newest (largest) timestamp captured since the
// ring last went from empty to non-empty; it keeps that value while the
// ring is empty, and is the zero Stamp if the ring has never held data.
func (r *Ring) LastTimestamp() ntptime.Stamp {
	return r.lastTS
}

// FirstTimestamp returns the timestamp of the oldest valid packet in the
// ring.
func (r *Ring) FirstTimestamp() ntptime.Stamp {
	return r.firstTS
}

// Begin starts a capture round: it returns how many free slots the sniffer
// may fill this round and changes no state.
func (r *Ring) Begin() uint32 {
	return r.size - r.count
}

// Capture enqueues one packet. A timestamp earlier than the ring's latest
// one is logged as a warning once per ring (only the first such
// regression; no max-skew watermark is kept) and the packet is still
// accepted. Timestamps are not checked while the ring is empty, so a zero
// timestamp entering an empty ring is not logged.
//
// Capture panics if the ring is already full: a sniffer enqueuing beyond
// size is a programming error (spec.md §4.3 invariants).
func (r *Ring) Capture(pkt packet.Descriptor) {
	if r.count >= r.size {
		panic(fmt.Sprintf("ppbuf(%s): capture beyond ring size %d", r.identity, r.size))
	}

	if r.count > 0 && pkt.Timestamp.Before(r.lastTS) {
		if !r.maxSkewSeen {
			r.log.Warnw("packet timestamp regressed, accepting with skew warning",
				zap.Stringer("prev", r.lastTS),
				zap.Stringer("got", pkt.Timestamp),
			)
			r.maxSkewSeen = true
		}
	}

	if r.count == 0 {
		r.firstTS = pkt.Timestamp
	}

	r.slots[r.woff] = pkt
	r.woff = (r.woff + 1) % r.size
	r.count++
	if pkt.Timestamp.After(r.lastTS) || r.count == 1 {
		r.lastTS = pkt.Timestamp
	}
}

// End commits the round: it is a no-op beyond what Capture already
// maintains, kept as a distinct call per spec.md §4.3's Begin/Capture/End
// lifecycle so callers don't need to special-case "no packets this round".
func (r *Ring) End() {}

// Head returns a pointer to the oldest valid descriptor, or nil if the ring
// is empty.
func (r *Ring) Head() *packet.Descriptor {
	if r.count == 0 {
		return nil
	}
	return &r.slots[r.roff]
}

// Get returns the oldest valid descriptor without advancing the read
// cursor.
func (r *Ring) Get() (packet.Descriptor, bool) {
	if r.count == 0 {
		return packet.Descriptor{}, false
	}
	return r.slots[r.roff], true
}

// Next advances the read cursor past the oldest descriptor, returning it.
func (r *Ring) Next() (packet.Descriptor, bool) {
	d, ok := r.Get()
	if !ok {
		return d, false
	}
	r.lastRead = r.roff
	r.roff = (r.roff + 1) % r.size
	r.count--
	if r.count > 0 {
		r.firstTS = r.slots[r.roff].Timestamp
	}
	return d, true
}

// Full reports whether the ring has no free slots (spec.md §4.2 "sets a
// full flag observable to the core").
func (r *Ring) Full() bool {
	return r.count == r.size
}
