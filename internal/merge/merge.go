// Package merge implements the time-ordered K-way merge across live
// sniffer ppbufs into one cabuf-backed batch, per spec.md §4.4.
package merge

import (
	"container/heap"
	"time"

	"github.com/yanet-platform/comocapture/internal/cabuf"
	"github.com/yanet-platform/comocapture/internal/ntptime"
	"github.com/yanet-platform/comocapture/internal/packet"
	"github.com/yanet-platform/comocapture/internal/ppbuf"
	"github.com/yanet-platform/comocapture/internal/sniffer"
)

// Source bundles what the merger needs to know about one live ppbuf:
// its ring, its source index (for FirstRefPerSource accounting) and the
// usage function of the sniffer that owns it.
type Source struct {
	Idx     uint16
	Ring    *ppbuf.Ring
	Usage   func(first, last ntptime.Stamp) float64
	Full    bool
	Closing bool
}

// Builder runs the merge algorithm against a Ring and tracks the bin
// boundary state carried across turns (spec.md §4.4 step 4's "never
// regressing below last_bin_end + W").
type Builder struct {
	ring       *cabuf.Ring
	liveThresh time.Duration
	binWidth   time.Duration
	lastBinEnd ntptime.Stamp
}

func NewBuilder(ring *cabuf.Ring, liveThreshold, binWidth time.Duration) *Builder {
	return &Builder{ring: ring, liveThresh: liveThreshold, binWidth: binWidth}
}

// heapItem is one live source's current head packet, used to drive the
// smallest-timestamp-first pop of spec.md §4.4 step 7.
type heapItem struct {
	srcIdx int // index into the sources slice, used as the tie-break (traversal order)
	ts     ntptime.Stamp
}

type minHeap []heapItem

func (h minHeap) Len() int { return len(h) }
func (h minHeap) Less(i, j int) bool {
	c := h[i].ts.Compare(h[j].ts)
	if c != 0 {
		return c < 0
	}
	// Ties resolved in traversal order: first ppbuf wins (spec.md §4.4
	// "Tie-breaks").
	return h[i].srcIdx < h[j].srcIdx
}
func (h minHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *minHeap) Push(x interface{}) { *h = append(*h, x.(heapItem)) }
func (h *minHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Create runs one pass of the merge algorithm. forceBatch corresponds to
// spec.md §4.4's force_batch flag (e.g. set when the event loop is
// terminating and must drain everything).
//
// It returns nil if no batch should be produced this turn.
func (b *Builder) Create(sources []Source, forceBatch bool) *cabuf.Batch {
	var totalCount uint32
	var tMax ntptime.Stamp
	var tMinFirst ntptime.Stamp
	haveTMinFirst := false
	anySaturated := false

	for _, s := range sources {
		totalCount += s.Ring.Count()
		if s.Ring.LastTimestamp().After(tMax) {
			tMax = s.Ring.LastTimestamp()
		}
		if s.Ring.Count() > 0 {
			ts := s.Ring.FirstTimestamp()
			if !haveTMinFirst || ts.Before(tMinFirst) {
				tMinFirst = ts
				haveTMinFirst = true
			}
		}
		if s.Ring.Full() || s.Full || s.Closing {
			anySaturated = true
		}
	}

	// Step 2: nothing captured at all.
	if totalCount == 0 {
		return nil
	}

	// Step 3: live-threshold quiescence check for empty ppbufs.
	if !anySaturated && !forceBatch {
		for _, s := range sources {
			if s.Ring.Count() != 0 {
				continue
			}
			last := s.Ring.LastTimestamp()
			if tMax.Sub(last) <= b.liveThresh {
				return nil
			}
		}
	}

	if !haveTMinFirst {
		return nil
	}

	// Step 4: compute the bin's upper edge B.
	binEdge := ntptime.CeilToMultiple(tMinFirst, b.binWidth)
	minEdge := b.lastBinEnd.Add(b.binWidth)
	if binEdge.Before(minEdge) {
		binEdge = minEdge
	}

	// Step 5: insufficient coverage for a full bin.
	if !tMax.After(binEdge) && !forceBatch && !anySaturated {
		return nil
	}

	// Step 6: reserve totalCount slots; seed the heap with each source's
	// head packet.
	rsv := b.ring.Reserve(totalCount, 0)

	h := make(minHeap, 0, len(sources))
	firstRef := make(map[uint16]uint64, len(sources))
	usageBySrc := make(map[uint16]float64, len(sources))
	firstSeen := make(map[uint16]ntptime.Stamp, len(sources))

	for i, s := range sources {
		if head := s.Ring.Head(); head != nil {
			h = append(h, heapItem{srcIdx: i, ts: head.Timestamp})
			firstSeen[s.Idx] = head.Timestamp
		}
	}
	heap.Init(&h)

	populated := uint32(0)
	var lastPktTS ntptime.Stamp
	remaining := totalCount

	for remaining > 0 && h.Len() > 0 {
		top := h[0]
		if !top.ts.Before(binEdge) {
			break
		}

		s := &sources[top.srcIdx]
		pkt, ok := s.Ring.Next()
		if !ok {
			heap.Pop(&h)
			continue
		}

		if s.Usage != nil {
			usageBySrc[s.Idx] = s.Usage(firstSeen[s.Idx], pkt.Timestamp)
		}
		if _, seen := firstRef[s.Idx]; !seen {
			firstRef[s.Idx] = uint64(populated)
		}

		d := pkt
		b.ring.Write(cabuf.Reservation{Base0: wrapIndex(rsv, populated), Len0: 1}, []*packet.Descriptor{&d})
		populated++
		remaining--
		lastPktTS = pkt.Timestamp

		heap.Pop(&h)
		if head := s.Ring.Head(); head != nil {
			heap.Push(&h, heapItem{srcIdx: top.srcIdx, ts: head.Timestamp})
		} else {
			// Step 7: after a pop, if a live ppbuf becomes empty and its
			// last_pkt_ts is within Δ of T_max, stop.
			if tMax.Sub(s.Ring.LastTimestamp()) <= b.liveThresh {
				break
			}
		}
	}

	if populated == 0 {
		return nil
	}

	// Step 8: truncate to actual populated count.
	truncated := truncateReservation(rsv, populated)

	b.lastBinEnd = binEdge

	return &cabuf.Batch{
		Reservation:       truncated,
		Populated:         populated,
		RefMask:           1, // the core's own reference, spec.md §3
		LastPktTS:         lastPktTS,
		FirstRefPerSource: firstRef,
		UsagePerSource:    usageBySrc,
	}
}

// wrapIndex returns the absolute ring index of the i-th slot of rsv.
func wrapIndex(rsv cabuf.Reservation, i uint32) uint32 {
	if i < rsv.Len0 {
		return rsv.Base0 + i
	}
	return rsv.Base1 + (i - rsv.Len0)
}

// truncateReservation shrinks rsv down to the first n slots actually
// populated, preserving the two-segment shape if the truncation point
// falls within segment 0 or spans into segment 1.
func truncateReservation(rsv cabuf.Reservation, n uint32) cabuf.Reservation {
	if n <= rsv.Len0 {
		return cabuf.Reservation{Base0: rsv.Base0, Len0: n}
	}
	return cabuf.Reservation{Base0: rsv.Base0, Len0: rsv.Len0, Base1: rsv.Base1, Len1: n - rsv.Len0}
}

// FromLiveSniffers adapts a slice of attached sniffer sources into the
// merge package's Source view, skipping inactive ones (spec.md §4.4 step 1
// "non-inactive ppbufs").
func FromLiveSniffers(srcs []*sniffer.Source) []Source {
	out := make([]Source, 0, len(srcs))
	for i, s := range srcs {
		if !s.Live() {
			continue
		}
		out = append(out, Source{
			Idx:     uint16(i),
			Ring:    s.Ring,
			Usage:   s.Driver.Usage,
			Full:    s.Driver.Full(),
			Closing: s.Driver.Closing(),
		})
	}
	return out
}
