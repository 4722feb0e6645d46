// Package module implements per-module capture state and the two-phase
// filter-matrix dispatch of spec.md §4.5, plus the flush/rotation
// lifecycle of spec.md §4.6.
//
// A module's actual business logic - what it does with a matched packet,
// how it serializes its accumulated tuples - is deliberately opaque here
// (spec.md §1 names it out of scope): this package only drives the
// Callbacks contract a concrete module implementation supplies, the same
// separation the teacher draws between a registered Module interface and
// whatever backs it (coordinator/internal/registry.Registry).
package module

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/yanet-platform/comocapture/internal/filter"
	"github.com/yanet-platform/comocapture/internal/ntptime"
	"github.com/yanet-platform/comocapture/internal/packet"
)

// MaxModules bounds the number of concurrently loaded modules: spec.md
// §4.5's filter matrix is one bit per module per packet, and the matrix
// row type (bitset.TinyBitset) carries 16*64 = 1024 bits, but in practice
// a deployment never approaches that; 64 keeps the matrix cache-friendly.
const MaxModules = 64

// Status is a module's lifecycle state, per spec.md §4.6.
type Status int

const (
	StatusLoading Status = iota
	StatusWaitingForExport
	StatusActive
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusLoading:
		return "loading"
	case StatusWaitingForExport:
		return "waiting-for-export"
	case StatusActive:
		return "active"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Callbacks is the business-logic contract a concrete module supplies.
// The core calls Init once at load time, Capture once per matched
// packet, and Flush at each interval rotation; everything these do with
// the data is opaque to this package.
type Callbacks interface {
	Init(ctx context.Context) error
	Capture(ctx context.Context, pkt *packet.Descriptor) error
	// Flush is handed the interval just closed and returns the
	// serialized tuple payload to hand to EXPORT (or nil if the module
	// uses shared memory and publishes its tuples directly).
	Flush(ctx context.Context, ivlStart, ivlEnd ntptime.Stamp) ([]byte, error)
}

// FlushSink is notified every time a module's interval rotates, whether
// triggered by a matched packet crossing IvlEnd mid-batch (spec.md §4.5) or
// by an explicit Flush call (shutdown, forced rotation). It is the engine's
// hook for handing the rotated tuple payload off to EXPORT (spec.md §4.6);
// a nil sink means rotations are silent, as in tests that don't care about
// the handoff.
type FlushSink func(ctx context.Context, m *Module, payload []byte)

// Module is one loaded module's state.
type Module struct {
	Name     string
	ID       uint32
	Filter   filter.Expr
	FlushIvl time.Duration
	UseShmem bool

	IvlStart ntptime.Stamp
	IvlEnd   ntptime.Stamp
	Status   Status

	TupleCount uint64
	TupleBytes uint64

	callbacks Callbacks
	sink      FlushSink
	log       *zap.SugaredLogger
}

type options struct {
	Log  *zap.SugaredLogger
	Sink FlushSink
}

func newOptions() *options {
	return &options{Log: zap.NewNop().Sugar()}
}

// Option configures a Module at construction time.
type Option func(*options)

// WithLog sets the logger a Module annotates its own events with.
func WithLog(log *zap.SugaredLogger) Option {
	return func(o *options) { o.Log = log }
}

// WithFlushSink registers the hook rotate() invokes on every interval
// rotation, carrying the payload handed off to EXPORT.
func WithFlushSink(sink FlushSink) Option {
	return func(o *options) { o.Sink = sink }
}

// New creates a module in StatusLoading, ready for Init.
func New(name string, id uint32, expr filter.Expr, flushIvl time.Duration, useShmem bool, cb Callbacks, opts ...Option) (*Module, error) {
	if id >= MaxModules {
		return nil, fmt.Errorf("module %q: id %d exceeds max %d", name, id, MaxModules)
	}

	o := newOptions()
	for _, opt := range opts {
		opt(o)
	}

	return &Module{
		Name:      name,
		ID:        id,
		Filter:    expr,
		FlushIvl:  flushIvl,
		UseShmem:  useShmem,
		Status:    StatusLoading,
		callbacks: cb,
		sink:      o.Sink,
		log:       o.Log.With(zap.String("module", name)),
	}, nil
}

// Init runs the module's one-time setup. On failure the module is marked
// StatusFailed and excluded from further dispatch (spec.md §7).
func (m *Module) Init(ctx context.Context, ivlStart ntptime.Stamp) error {
	if err := m.callbacks.Init(ctx); err != nil {
		m.Status = StatusFailed
		return fmt.Errorf("module %q: init: %w", m.Name, err)
	}
	m.IvlStart = ivlStart
	m.IvlEnd = ivlStart.Add(m.FlushIvl)
	m.Status = StatusActive
	return nil
}

// Matches evaluates this module's filter against one packet. The device
// name is threaded through for KindCmpDevice leaves.
func (m *Module) Matches(d *packet.Descriptor, deviceName string) bool {
	return filter.Evaluate(&m.Filter, d, deviceName)
}

// Capture hands one matched packet to the module's callback, rotating
// the interval first if the packet's timestamp has crossed IvlEnd.
//
// Capture is only ever called for packets this module's filter already
// matched; ordering across packets within an interval follows the
// merge-stage emission order (spec.md §4.5 "ordering guarantee").
func (m *Module) Capture(ctx context.Context, pkt *packet.Descriptor) error {
	if m.Status != StatusActive {
		return nil
	}

	if pkt.Timestamp.After(m.IvlEnd) || pkt.Timestamp == m.IvlEnd {
		if _, err := m.rotate(ctx, pkt.Timestamp); err != nil {
			return err
		}
	}

	if err := m.callbacks.Capture(ctx, pkt); err != nil {
		m.log.Errorw("module capture callback failed, deactivating module", zap.Error(err))
		m.Status = StatusFailed
		return fmt.Errorf("module %q: capture: %w", m.Name, err)
	}

	m.TupleCount++
	return nil
}

// Flush forces an interval rotation as of nextTS, regardless of whether
// a packet has crossed the boundary yet - used by the event loop at
// shutdown and by a forced-flush IPC request (spec.md §4.6).
func (m *Module) Flush(ctx context.Context, nextTS ntptime.Stamp) ([]byte, error) {
	return m.rotate(ctx, nextTS)
}

// rotate closes the current interval, invokes the module's Flush
// callback, and re-initialises IvlStart/IvlEnd for the next one (spec.md
// §4.6 "shmem vs serialize tuple handoff, ivl rotation, re-init").
func (m *Module) rotate(ctx context.Context, nextTS ntptime.Stamp) ([]byte, error) {
	payload, err := m.callbacks.Flush(ctx, m.IvlStart, m.IvlEnd)
	if err != nil {
		m.Status = StatusFailed
		return nil, fmt.Errorf("module %q: flush: %w", m.Name, err)
	}

	if m.UseShmem {
		// Shmem-backed modules publish their tuples directly into their
		// own region; EXPORT is notified out of band and no serialized
		// payload crosses this boundary.
		payload = nil
	} else if payload != nil {
		m.TupleBytes += uint64(len(payload))
	}

	// A zero nextTS is the pressure-flush path (spec.md §4.6 "If next_ts ≠
	// 0, set ivl_start..."): the interval's tuples are handed off but the
	// window itself does not rotate, so a packet that crosses ivl_end will
	// still trigger a second, ordinary rotation afterwards.
	if !nextTS.IsZero() {
		m.IvlStart = ntptime.AlignDown(nextTS, m.FlushIvl)
		m.IvlEnd = m.IvlStart.Add(m.FlushIvl)
	}
	m.Status = StatusActive

	if m.sink != nil {
		m.sink(ctx, m, payload)
	}

	return payload, nil
}

// Registry tracks all loaded modules by name, mirroring the teacher's
// registry (coordinator/internal/registry.Registry) - a mutex-guarded map
// with Register/Get/List, adapted from tracking RPC-exposed config
// targets to tracking live capture modules.
type Registry struct {
	mu      sync.RWMutex
	modules map[string]*Module
}

// NewRegistry creates an empty module registry.
func NewRegistry() *Registry {
	return &Registry{modules: map[string]*Module{}}
}

// Register adds a module to the registry, keyed by name.
func (r *Registry) Register(m *Module) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.modules[m.Name] = m
}

// Unregister removes a module from the registry.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.modules, name)
}

// Get returns a module by name.
func (r *Registry) Get(name string) (*Module, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.modules[name]
	return m, ok
}

// List returns every loaded module's name.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Collect(maps.Keys(r.modules))
}

// All returns a snapshot slice of every loaded module, in no particular
// order, for the dispatcher to iterate.
func (r *Registry) All() []*Module {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Module, 0, len(r.modules))
	for _, m := range r.modules {
		out = append(out, m)
	}
	return out
}
