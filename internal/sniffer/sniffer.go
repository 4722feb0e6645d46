// Package sniffer defines the polymorphic source interface of spec.md §4.2
// and the small set of concrete drivers this repository ships.
//
// The interface mirrors the vocabulary of yerden-go-snf's hardware capture
// ring (Recv/RecvMany, RingQInfo.Avail/Borrowed/Free, EAGAIN-on-no-data) but
// is expressed as a plain Go capability interface per spec.md §9 ("Sniffer
// polymorphism ... expressed naturally as a capability interface with one
// implementation per source") rather than a cgo vtable.
package sniffer

import (
	"context"
	"errors"

	"github.com/yanet-platform/comocapture/internal/ntptime"
	"github.com/yanet-platform/comocapture/internal/ppbuf"
)

// Flags advertise a sniffer's capabilities, per spec.md §4.2.
type Flags uint8

const (
	FlagFile Flags = 1 << iota
	FlagLive
	FlagPoll
	FlagSelect
	FlagSharedBuffer
)

// State is a sniffer's lifecycle state (spec.md §4.2).
type State int

const (
	StateUninitialised State = iota
	StateActive
	StateFrozen
	StateCompleted
	StateInactive
)

func (s State) String() string {
	switch s {
	case StateUninitialised:
		return "uninitialised"
	case StateActive:
		return "active"
	case StateFrozen:
		return "frozen"
	case StateCompleted:
		return "completed"
	case StateInactive:
		return "inactive"
	default:
		return "unknown"
	}
}

// Metadata describes the packet templates a source can emit, consumed by
// module compatibility checks (spec.md §4.2 "setup_metadata").
type Metadata struct {
	// TypeTags are the layer-2/3/4 type combinations this source can emit.
	TypeTags []uint16
	// CaplenMax is the upper bound on captured length this source will
	// ever hand to a ppbuf.
	CaplenMax uint32
}

// ErrFatal marks a permanent source error (spec.md §7): the sniffer must be
// stopped and inactivated at the end of the turn. Any other error returned
// by Next is treated as transient (e.g. EAGAIN) and simply retried next
// turn.
var ErrFatal = errors.New("sniffer: fatal source error")

// Sniffer is the capability set every concrete packet source implements.
//
// Next must never block (spec.md §5): sniffers are expected to use
// non-blocking I/O internally and return promptly, filling at most
// maxPkts packets or maxInterval of wall time into their own ppbuf.
type Sniffer interface {
	// Name identifies this source instance (used as the ppbuf identity tag
	// and in logs).
	Name() string

	// Flags returns the capability flags advertised by this source.
	Flags() Flags

	// SetupMetadata declares the packet templates this source can emit.
	SetupMetadata(ctx context.Context) (Metadata, error)

	// Start opens the device/socket/file. It returns a selectable file
	// descriptor, or -1 if the source is poll-only.
	Start(ctx context.Context) (fd int, err error)

	// Next captures at most maxPkts packets, or at most maxInterval of
	// wall-clock time worth of packets, into ring. firstRefPkt, if
	// non-zero, marks the oldest packet timestamp any downstream consumer
	// still references; the sniffer must not let its own buffer overwrite
	// data at or before it. Next returns the number of packets dropped
	// this round and a non-nil error on fatal source failure (wrap with
	// ErrFatal).
	Next(ctx context.Context, ring *ppbuf.Ring, maxPkts uint32, maxInterval int64, firstRefPkt ntptime.Stamp) (drops uint32, err error)

	// Usage returns the fraction of this source's internal buffer
	// occupied by the range [first, last], used to drive capture-client
	// backpressure (spec.md §4.8).
	Usage(first, last ntptime.Stamp) float64

	// Full reports whether this source's own buffering is saturated,
	// independent of its ppbuf (spec.md §4.4 step 1 "sniffer reports
	// full").
	Full() bool

	// Closing reports whether this source has announced it is winding
	// down (spec.md §4.4 step 1 "sniffer reports closing").
	Closing() bool

	// Stop releases OS resources but keeps the driver valid for Finish.
	Stop(ctx context.Context) error

	// Finish destroys the driver. No further calls are made after Finish.
	Finish(ctx context.Context) error
}

// Source bundles a Sniffer driver with the bookkeeping the core layers on
// top of it: its ppbuf, lifecycle state, and whether its pollable-fd set
// membership needs to be rebuilt.
type Source struct {
	Driver  Sniffer
	Ring    *ppbuf.Ring
	State   State
	FD      int
	Touched bool

	// PollInterval is this source's own minimum polling interval if it is
	// not selectable (Flags()&FlagSelect == 0); used by the event loop to
	// compute the next select timeout (spec.md §4.7 step 1).
	PollInterval int64
}

// Live reports whether this source should still be considered by the merge
// stage (spec.md §4.4 step 1 "non-inactive ppbufs").
func (s *Source) Live() bool {
	return s.State == StateActive || s.State == StateFrozen
}
