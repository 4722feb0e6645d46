// Package capture implements the CAPTURE core's single-threaded event loop
// of spec.md §4.7: sniffer multiplexing, batch merge/dispatch, IPC with
// SUPERVISOR/EXPORT/capture-clients, predictive load shedding and
// memory-pressure freeze/thaw.
//
// Go has no direct equivalent of the source's raw select(2) over a
// heterogeneous fd set; the idiomatic translation used here is one
// goroutine per IPC listener/connection feeding bounded channels that the
// single loop goroutine drains alongside a ticker, preserving the spec's
// "one loop body, no concurrent mutation of core state" discipline
// (spec.md §5) while still using Go's native concurrency primitives rather
// than hand-rolled fd polling.
package capture

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/yanet-platform/comocapture/internal/arena"
	"github.com/yanet-platform/comocapture/internal/cabuf"
	"github.com/yanet-platform/comocapture/internal/config"
	"github.com/yanet-platform/comocapture/internal/ipc"
	"github.com/yanet-platform/comocapture/internal/merge"
	"github.com/yanet-platform/comocapture/internal/module"
	"github.com/yanet-platform/comocapture/internal/ntptime"
	"github.com/yanet-platform/comocapture/internal/shed"
	"github.com/yanet-platform/comocapture/internal/sniffer"
	"github.com/yanet-platform/comocapture/internal/stats"
)

// approxSlotBytes is the bookkeeping footprint charged against the shared
// arena per populated cabuf slot, standing in for the real per-module
// shared-memory tuple-pool accounting spec.md §4.1/§4.7 drive the ¾/⅛
// memory-pressure thresholds from.
const approxSlotBytes = 64

// pendingSpan records the arena span a published, not-yet-freed batch
// reserved, kept in the same FIFO order as the outstanding-batch queue so
// the arena's head can be advanced in lockstep when the queue's head frees.
type pendingSpan struct {
	batch        *cabuf.Batch
	offset, size uint32
}

// Engine is one capture core instance.
type Engine struct {
	cfg *config.Config
	log *zap.SugaredLogger

	sources []*sniffer.Source
	merger  *merge.Builder
	ring    *cabuf.Ring
	queue   *cabuf.Queue
	shmem   *arena.Arena
	spans   []pendingSpan
	headOff uint32

	modules  *module.Registry
	clients  *cabuf.ClientTable
	shedders map[string]*shed.Controller
	shedCfg  map[string]config.SheddingMethod
	loadLog  *stats.Load

	supervisor *peerChannel
	export     *peerChannel
	clientCh   *peerChannel

	clientIDs   map[string]int    // ipc peer id (uuid string) -> cabuf client id
	clientConns map[int]*ipc.Conn // cabuf client id -> its IPC connection

	batchHandles    map[uint64]*cabuf.Batch
	nextBatchHandle uint64
	lastBatchLen    uint32

	ready       bool
	terminating bool
	nextSeed    int64
}

type options struct {
	Log *zap.SugaredLogger
}

func newOptions() *options {
	return &options{Log: zap.NewNop().Sugar()}
}

// Option configures an Engine at construction time.
type Option func(*options)

// WithLog sets the engine's logger.
func WithLog(log *zap.SugaredLogger) Option {
	return func(o *options) { o.Log = log }
}

// New builds an Engine from cfg: sniffers, the merge builder, the module
// registry (preloaded with every cfg.Modules entry via preloadModule;
// SUPERVISOR's ADD_MODULE messages can add more once the loop is running)
// and the shared arena backing memory-pressure accounting.
func New(cfg *config.Config, opts ...Option) (*Engine, error) {
	o := newOptions()
	for _, opt := range opts {
		opt(o)
	}
	log := o.Log

	shmemSize := uint32(cfg.ShmemSize.Bytes())
	if shmemSize%32 != 0 {
		shmemSize += 32 - shmemSize%32
	}
	if shmemSize == 0 {
		shmemSize = 32
	}
	shmem, err := arena.New(shmemSize)
	if err != nil {
		return nil, fmt.Errorf("capture: allocate shared arena: %w", err)
	}

	sources, err := buildSniffers(cfg, log)
	if err != nil {
		shmem.Close()
		return nil, fmt.Errorf("capture: build sniffers: %w", err)
	}

	ring := cabuf.NewRing(cfg.CabufSize)

	sharedBufferAvailable := false
	for _, s := range sources {
		if s.Driver.Flags()&sniffer.FlagSharedBuffer != 0 {
			sharedBufferAvailable = true
			break
		}
	}

	e := &Engine{
		cfg:          cfg,
		log:          log,
		sources:      sources,
		merger:       merge.NewBuilder(ring, cfg.LiveThreshold, cfg.Timebin),
		ring:         ring,
		queue:        cabuf.NewQueue(),
		shmem:        shmem,
		modules:      module.NewRegistry(),
		clients:      cabuf.NewClientTable(sharedBufferAvailable),
		shedders:     make(map[string]*shed.Controller),
		shedCfg:      make(map[string]config.SheddingMethod),
		loadLog:      stats.NewLoad(),
		clientIDs:    make(map[string]int),
		clientConns:  make(map[int]*ipc.Conn),
		batchHandles: make(map[uint64]*cabuf.Batch),
	}

	for i, mc := range cfg.Modules {
		if err := e.preloadModule(mc, uint32(i)); err != nil {
			e.log.Errorw("preloading module from config failed", zap.String("module", mc.Name), zap.Error(err))
		}
	}

	return e, nil
}

// preloadModule loads one of the daemon's own config-driven modules
// (spec.md §6 `modules[]`), the bootstrap path this repository uses in
// place of a separate SUPERVISOR process feeding ADD_MODULE over IPC
// (spec.md §1 lists SUPERVISOR's module loading as out of scope; a
// standalone core still needs some way to start with its configured
// modules active).
func (e *Engine) preloadModule(mc config.ModuleConfig, id uint32) error {
	m, err := loadModule(mc, id, e.log, e.onModuleFlush)
	if err != nil {
		return err
	}
	if err := m.Init(context.Background(), e.now()); err != nil {
		return err
	}
	e.modules.Register(m)
	if mc.Shedding != config.SheddingNone {
		e.shedCfg[mc.Name] = mc.Shedding
	}
	return nil
}

// now returns the current wall-clock instant as an NTP-style Stamp, used
// for module lifecycle calls (Init/Flush) that are not themselves driven by
// a packet timestamp.
func (e *Engine) now() ntptime.Stamp {
	return ntptime.FromTime(time.Now())
}

// Close releases OS resources the engine holds (the shared arena, any
// listeners still open). Safe to call after Run returns.
func (e *Engine) Close() error {
	var firstErr error
	if e.shmem != nil {
		if err := e.shmem.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, ch := range []*peerChannel{e.supervisor, e.export, e.clientCh} {
		if ch != nil {
			ch.close()
		}
	}
	return firstErr
}

// Run starts the IPC listeners and runs the event loop until ctx is
// cancelled or a fatal error occurs (spec.md §7 "IPC error from a
// control-plane peer ... fatal; the core exits").
func (e *Engine) Run(ctx context.Context) error {
	e.log.Info("starting capture core")
	defer e.log.Info("capture core stopped")

	var err error
	e.supervisor, err = newPeerChannel(e.cfg.SupervisorListen, ipc.PeerSupervisor, e.log)
	if err != nil {
		return fmt.Errorf("capture: supervisor listener: %w", err)
	}
	e.export, err = newPeerChannel(e.cfg.ExportListen, ipc.PeerExport, e.log)
	if err != nil {
		return fmt.Errorf("capture: export listener: %w", err)
	}
	e.clientCh, err = newPeerChannel(e.cfg.ClientListen, ipc.PeerClient, e.log)
	if err != nil {
		return fmt.Errorf("capture: client listener: %w", err)
	}

	wg, ctx := errgroup.WithContext(ctx)
	wg.Go(func() error { return e.supervisor.acceptLoop(ctx) })
	wg.Go(func() error { return e.export.acceptLoop(ctx) })
	wg.Go(func() error { return e.clientCh.acceptLoop(ctx) })
	wg.Go(func() error { return e.loop(ctx) })

	return wg.Wait()
}

// loop is the core's single-threaded cooperative event loop (spec.md §4.7).
func (e *Engine) loop(ctx context.Context) error {
	ticker := time.NewTicker(e.pollInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case msg := <-e.supervisor.messages:
			if err := e.handleSupervisor(ctx, msg); err != nil {
				return err // fatal: control-plane IPC error (spec.md §7)
			}

		case msg := <-e.export.messages:
			if err := e.handleExport(ctx, msg); err != nil {
				return err
			}

		case msg := <-e.clientCh.messages:
			e.handleClient(ctx, msg) // local failure only, never fatal

		case <-ticker.C:
			if err := e.turn(ctx); err != nil {
				return err
			}
			if e.terminating && e.allSniffersInactive() {
				return e.terminate(ctx)
			}
		}
	}
}

// pollInterval computes step 1's "next poll deadline": the smallest live
// non-selectable sniffer's poll interval, else a conservative default.
func (e *Engine) pollInterval() time.Duration {
	const fallback = 10 * time.Millisecond
	best := time.Duration(0)
	for _, s := range e.sources {
		if !s.Live() || s.Driver.Flags()&sniffer.FlagSelect != 0 {
			continue
		}
		d := time.Duration(s.PollInterval)
		if d <= 0 {
			continue
		}
		if best == 0 || d < best {
			best = d
		}
	}
	if best == 0 {
		return fallback
	}
	return best
}

func (e *Engine) allSniffersInactive() bool {
	for _, s := range e.sources {
		if s.State != sniffer.StateInactive {
			return false
		}
	}
	return true
}

// terminate runs the shutdown sequence of spec.md §4.7: flush every module
// one last time and notify EXPORT peers of completion.
func (e *Engine) terminate(ctx context.Context) error {
	e.log.Info("all sniffers inactive, terminating")

	// next_ts=0 is the pressure-flush path (spec.md §4.6): hand off each
	// module's current interval without rotating into a new one, since no
	// further packets will ever arrive to populate it.
	for _, m := range e.modules.All() {
		payload, err := m.Flush(ctx, ntptime.Zero)
		if err != nil {
			e.log.Errorw("final flush failed", zap.String("module", m.Name), zap.Error(err))
			continue
		}
		e.publishFlush(m, payload)
	}

	e.export.each(func(c *ipc.Conn) {
		_ = c.Send(ipc.MsgDone, nil)
	})

	return nil
}
