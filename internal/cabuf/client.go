package cabuf

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/yanet-platform/comocapture/internal/refmask"
)

// Thresholds from spec.md §4.8.
const (
	usageFreeze     = 0.65
	usageSampleHigh = 0.65
	usageSampleLow  = 0.35
	usageClear      = 0.25
)

// SamplingCell is the shared-memory integer a client polls for its current
// sampling rate (spec.md §4.8, and §9 "a safe implementation publishes it
// via an atomic cell in the shared region; readers see either the old or
// new value, never a tear" - here an atomic.Uint32 stands in for that
// cell, since this implementation's clients and core share a process
// rather than raw shared memory).
type SamplingCell struct {
	rate atomic.Uint32
}

func newSamplingCell() *SamplingCell {
	c := &SamplingCell{}
	c.rate.Store(1)
	return c
}

func (c *SamplingCell) Load() uint32    { return c.rate.Load() }
func (c *SamplingCell) Store(v uint32)  { c.rate.Store(v) }

// Client is a single capture-client's state, per spec.md §4.8.
type Client struct {
	ID     int
	Cell   *SamplingCell
	usage  map[uint16]float64
	refMask refmask.Mask
	mu     sync.Mutex
}

// ClientTable tracks all attached capture clients, assigning ids 0..62.
type ClientTable struct {
	mu            sync.Mutex
	clients       map[int]*Client
	sharedBuffer  bool
}

// NewClientTable creates a table. sharedBufferAvailable must be true if at
// least one attached sniffer advertises FlagSharedBuffer (spec.md §4.8:
// "When shared-buffer support is not available... the core refuses
// clients").
func NewClientTable(sharedBufferAvailable bool) *ClientTable {
	return &ClientTable{clients: make(map[int]*Client), sharedBuffer: sharedBufferAvailable}
}

// Open assigns a new client id and returns its state, or an error if no
// shared-buffer-capable sniffer is attached or all 63 ids are in use.
func (t *ClientTable) Open() (*Client, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.sharedBuffer {
		return nil, fmt.Errorf("cabuf: no shared-buffer sniffer attached, refusing client")
	}

	for id := 0; id < refmask.MaxClients; id++ {
		if _, taken := t.clients[id]; !taken {
			c := &Client{ID: id, Cell: newSamplingCell(), usage: make(map[uint16]float64), refMask: refmask.ClientBit(id)}
			t.clients[id] = c
			return c, nil
		}
	}

	return nil, fmt.Errorf("cabuf: client table full (max %d)", refmask.MaxClients)
}

// Close removes a client from the table.
func (t *ClientTable) Close(id int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.clients, id)
}

// Each calls fn for every attached client.
func (t *ClientTable) Each(fn func(*Client)) {
	t.mu.Lock()
	clients := make([]*Client, 0, len(t.clients))
	for _, c := range t.clients {
		clients = append(clients, c)
	}
	t.mu.Unlock()

	for _, c := range clients {
		fn(c)
	}
}

// OnPublish accounts for a newly published batch: it adds the batch's
// per-source usage to every attached client's running per-source usage,
// and sets the client's bit in the batch's reference mask.
func (t *ClientTable) OnPublish(b *Batch) {
	t.Each(func(c *Client) {
		c.mu.Lock()
		for src, u := range b.UsagePerSource {
			c.usage[src] += u
		}
		c.mu.Unlock()
		b.RefMask |= c.refMask
	})
}

// Ack clears a client's bit in the batch's reference mask and decrements
// its per-source usage by the batch's contribution (spec.md §4.8 "Ack
// semantics").
func (c *Client) Ack(b *Batch) {
	c.mu.Lock()
	for src, u := range b.UsagePerSource {
		c.usage[src] -= u
		if c.usage[src] < 0 {
			c.usage[src] = 0
		}
	}
	c.mu.Unlock()

	b.RefMask, _ = b.RefMask.Clear(c.ID)
}

// FreezeDecision is returned by EvaluateBackpressure per turn.
type FreezeDecision struct {
	FreezeAllSources bool
	// MaxSampling is the maximum sampling-rate value computed across
	// clients and sources this turn, or 0 if no client produced a
	// candidate (a source below the clear threshold contributes 1).
	MaxSampling uint32
}

// EvaluateBackpressure implements spec.md §4.8's per-source, per-turn
// policy: usage>0.65 requests a freeze of every live sniffer; usage in
// (0.35,0.65] computes a sampling rate; usage<0.25 clears sampling. A
// client's single shared Cell is driven by the max candidate across all of
// its sources (mirroring the original's cabuf_cl_res_mgmt, which combines
// the three classes via a single max() rather than a client-wide veto): a
// source in the dead zone [0.25,0.35] contributes no candidate of its own,
// but must not suppress the candidate a different source on the same
// client produces. batchLen is the length of the most recently published
// batch, used in the sampling-rate formula.
func (t *ClientTable) EvaluateBackpressure(batchLen uint32) FreezeDecision {
	var decision FreezeDecision

	t.Each(func(c *Client) {
		c.mu.Lock()
		defer c.mu.Unlock()

		freeze := false
		haveCandidate := false
		candidate := uint32(0)

		for _, u := range c.usage {
			switch {
			case u > usageFreeze:
				freeze = true
			case u > usageSampleLow && u <= usageSampleHigh:
				haveCandidate = true
				sampling := uint32(float64(batchLen) * (u - usageSampleLow) / (1 - usageSampleLow))
				if sampling > candidate {
					candidate = sampling
				}
			case u < usageClear:
				haveCandidate = true
				if candidate < 1 {
					candidate = 1
				}
			default:
				// dead zone [usageClear, usageSampleLow]: no candidate from
				// this source, but don't veto another source's.
			}
		}

		if freeze {
			decision.FreezeAllSources = true
		}

		if haveCandidate {
			c.Cell.Store(candidate)
			if candidate > decision.MaxSampling {
				decision.MaxSampling = candidate
			}
		}
	})

	return decision
}
