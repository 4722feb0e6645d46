package cabuf

import (
	"container/list"
	"sync"

	"github.com/yanet-platform/comocapture/internal/ntptime"
	"github.com/yanet-platform/comocapture/internal/refmask"
)

// Batch is a contiguous or two-segment view over Ring slots, per spec.md §3
// "Batch". The outstanding-batch list is a safe-replacement for the
// source's intrusive linked list (spec.md §9): a container/list element
// rather than a hand-rolled next pointer, but freed strictly from the head
// exactly as the spec requires.
type Batch struct {
	Reservation Reservation
	Populated   uint32
	RefMask     refmask.Mask
	LastPktTS   ntptime.Stamp

	// FirstRefPerSource records, per live source index at batch-create
	// time, the index within the batch of the first (oldest) packet drawn
	// from that source -
	// used for per-source backpressure accounting (spec.md §3).
	FirstRefPerSource map[uint16]uint64

	// UsagePerSource carries the sniffer.Usage() fraction computed at
	// publication time per source, consumed by client backpressure
	// (spec.md §4.8).
	UsagePerSource map[uint16]float64

	elem *list.Element
}

// Queue is the outstanding-batch queue: batches appear in creation order
// and are only ever freed from the head (spec.md §8).
type Queue struct {
	mu   sync.Mutex
	list *list.List
}

func NewQueue() *Queue {
	return &Queue{list: list.New()}
}

// Push appends a newly created batch to the tail of the queue.
func (q *Queue) Push(b *Batch) {
	q.mu.Lock()
	defer q.mu.Unlock()
	b.elem = q.list.PushBack(b)
}

// Len reports the number of outstanding batches.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.list.Len()
}

// Head returns the oldest outstanding batch, or nil if the queue is empty.
func (q *Queue) Head() *Batch {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.list.Len() == 0 {
		return nil
	}
	return q.list.Front().Value.(*Batch)
}

// Each calls fn for every outstanding batch, oldest first. fn must not
// retain b's elem across calls that mutate the queue.
func (q *Queue) Each(fn func(b *Batch)) {
	q.mu.Lock()
	batches := make([]*Batch, 0, q.list.Len())
	for e := q.list.Front(); e != nil; e = e.Next() {
		batches = append(batches, e.Value.(*Batch))
	}
	q.mu.Unlock()

	for _, b := range batches {
		fn(b)
	}
}

// PopIfHeadFree pops and returns b if it is both reference-free and at the
// head of the queue; it reports whether the pop happened. Per spec.md
// §4.8/§8, a batch may only be freed from the head, in order: a
// reference-free batch that is not yet at the head simply waits.
func (q *Queue) PopIfHeadFree(b *Batch) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !b.RefMask.IsEmpty() {
		return false
	}
	if q.list.Len() == 0 || q.list.Front().Value.(*Batch) != b {
		return false
	}

	q.list.Remove(b.elem)
	return true
}
