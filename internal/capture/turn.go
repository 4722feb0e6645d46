package capture

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/yanet-platform/comocapture/internal/cabuf"
	"github.com/yanet-platform/comocapture/internal/config"
	"github.com/yanet-platform/comocapture/internal/ipc"
	"github.com/yanet-platform/comocapture/internal/merge"
	"github.com/yanet-platform/comocapture/internal/module"
	"github.com/yanet-platform/comocapture/internal/ntptime"
	"github.com/yanet-platform/comocapture/internal/packet"
	"github.com/yanet-platform/comocapture/internal/refmask"
	"github.com/yanet-platform/comocapture/internal/shed"
	"github.com/yanet-platform/comocapture/internal/sniffer"
	"github.com/yanet-platform/comocapture/internal/stats"
	"github.com/yanet-platform/comocapture/internal/xiter"
)

// Stats returns a point-in-time copy of the capture core's rolling load log
// (spec.md §4.5/§5), the stand-in for stats_t SUPERVISOR would otherwise
// poll directly out of shared memory.
func (e *Engine) Stats() stats.Snapshot {
	return e.loadLog.Snapshot()
}

// memPressureFreeze and memPressureThaw are the ¾/⅛ shared-memory usage
// thresholds of spec.md §4.7 step 8.
const (
	memPressureFreeze = 0.75
	memPressureThaw   = 0.125
)

// turn runs one pass of the event loop's non-IPC body: spec.md §4.7 steps
// 4 through 8 (backpressure, per-sniffer capture, batch creation/dispatch,
// closing-sniffer teardown, memory-pressure freeze/thaw). Steps 1-3 (fd-set
// rebuild, select, IPC dispatch) are handled by the surrounding loop's
// channel selects instead, per engine.go's doc comment on the Go
// translation of a single-threaded select(2) loop.
func (e *Engine) turn(ctx context.Context) error {
	if !e.ready {
		return nil
	}

	decision := e.clients.EvaluateBackpressure(e.lastBatchLen)
	if decision.FreezeAllSources {
		e.freezeAllSources()
	}

	maxInterval := e.minFlushInterval().Nanoseconds()

	for i, s := range e.sources {
		if s.State != sniffer.StateActive {
			continue
		}

		free := s.Ring.Size() - s.Ring.Count()
		firstRef := e.firstRefPkt(uint16(i))

		drops, err := s.Driver.Next(ctx, s.Ring, free, maxInterval, firstRef)
		if drops > 0 {
			e.log.Warnw("sniffer dropped packets", zap.String("sniffer", s.Driver.Name()), zap.Uint32("drops", drops))
		}
		if err != nil {
			if errors.Is(err, sniffer.ErrFatal) {
				e.log.Errorw("sniffer fatal error, closing", zap.String("sniffer", s.Driver.Name()), zap.Error(err))
				s.State = sniffer.StateCompleted
				s.Touched = true
			} else {
				e.log.Debugw("transient sniffer error", zap.String("sniffer", s.Driver.Name()), zap.Error(err))
			}
		}
	}

	sources := merge.FromLiveSniffers(e.sources)
	if batch := e.merger.Create(sources, e.terminating); batch != nil {
		e.lastBatchLen = batch.Populated
		e.publishBatch(ctx, batch)
	}

	for _, s := range e.sources {
		if s.State == sniffer.StateActive && s.Driver.Closing() {
			s.State = sniffer.StateCompleted
		}
		if s.State == sniffer.StateCompleted {
			if err := s.Driver.Stop(ctx); err != nil {
				e.log.Warnw("sniffer stop failed", zap.String("sniffer", s.Driver.Name()), zap.Error(err))
			}
			s.State = sniffer.StateInactive
			s.Touched = true
		}
	}

	e.applyMemoryPressure()

	return nil
}

// firstRefPkt computes the "oldest packet any downstream consumer still
// references" contract of spec.md §4.2's Next: the timestamp of the oldest
// packet drawn from source srcIdx by the batch at the head of the
// outstanding queue, or the zero Stamp (meaning "no constraint yet") if
// there is no outstanding batch or it never drew from this source.
func (e *Engine) firstRefPkt(srcIdx uint16) ntptime.Stamp {
	head := e.queue.Head()
	if head == nil {
		return ntptime.Zero
	}
	off, ok := head.FirstRefPerSource[srcIdx]
	if !ok {
		return ntptime.Zero
	}
	d := e.ring.At(head.Reservation, uint32(off))
	if d == nil {
		return ntptime.Zero
	}
	return d.Timestamp
}

// minFlushInterval is the smallest flush interval of any active module,
// used as max_interval for every sniffer's Next call this turn (spec.md
// §4.7 step 5), falling back to the merge bin width absent any active
// module.
func (e *Engine) minFlushInterval() time.Duration {
	best := time.Duration(0)
	for _, m := range e.modules.All() {
		if m.Status != module.StatusActive {
			continue
		}
		if best == 0 || m.FlushIvl < best {
			best = m.FlushIvl
		}
	}
	if best == 0 {
		return e.cfg.Timebin
	}
	return best
}

func (e *Engine) freezeAllSources() {
	for _, s := range e.sources {
		if s.State == sniffer.StateActive {
			s.State = sniffer.StateFrozen
			s.Touched = true
		}
	}
}

func (e *Engine) freezeFileSources() {
	for _, s := range e.sources {
		if s.State == sniffer.StateActive && s.Driver.Flags()&sniffer.FlagFile != 0 {
			s.State = sniffer.StateFrozen
			s.Touched = true
		}
	}
}

func (e *Engine) thawAllSources() {
	for _, s := range e.sources {
		if s.State == sniffer.StateFrozen {
			s.State = sniffer.StateActive
			s.Touched = true
		}
	}
}

// applyMemoryPressure implements spec.md §4.7 step 8: freeze every
// file-source sniffer while the export queue is nonempty and the shared
// arena is more than ¾ reserved; thaw once the queue drains or usage falls
// below ⅛.
func (e *Engine) applyMemoryPressure() {
	usage := e.shmem.Usage()
	queueNonEmpty := e.queue.Len() > 0

	if queueNonEmpty && usage > memPressureFreeze {
		e.freezeFileSources()
		return
	}
	if !queueNonEmpty || usage < memPressureThaw {
		e.thawAllSources()
	}
}

// publishBatch runs the batch through filter/module dispatch (spec.md
// §4.5), wrapped by the load-shedding controller (spec.md §4.9) when
// enabled, accounts for the reservation against the shared arena (standing
// in for the payload arena's memory-pressure bookkeeping, spec.md §4.1),
// notifies every capture-client holding a reference, and enqueues the
// batch for in-order release.
func (e *Engine) publishBatch(ctx context.Context, b *cabuf.Batch) {
	e.clients.OnPublish(b)

	pkts := e.batchPackets(b)

	gate := e.sheddingGate(pkts)
	start := time.Now()
	if err := module.BatchProcessGated(ctx, e.ring, b, "", e.modules, gate, e.loadLog); err != nil {
		e.log.Errorw("batch dispatch failed", zap.Error(err))
	}
	e.observeShedding(pkts, time.Since(start))

	// The core's own reference is released once dispatch has run; the
	// batch is freed this same turn unless a capture-client still
	// references it (spec.md §8 "a batch with zero clients is freed within
	// the same turn it is created").
	b.RefMask &^= refmask.CoreOnly()

	e.reserveArenaSpan(b)

	handle := e.assignBatchHandle(b)
	e.queue.Push(b)
	e.notifyClients(b, handle)
	e.drainQueue()
}

// batchPackets materialises the batch's populated slots into a plain slice,
// the shape the load-shedding feature extractor and the filter/dispatch
// pass both want.
func (e *Engine) batchPackets(b *cabuf.Batch) []*packet.Descriptor {
	out := make([]*packet.Descriptor, 0, b.Populated)
	for i := uint32(0); i < b.Populated; i++ {
		if d := e.ring.At(b.Reservation, i); d != nil {
			out = append(out, d)
		}
	}
	return out
}

// sheddingGate builds the module.Gate the load-shedding controller of
// spec.md §4.9 wraps batch_process with, when at least one module has
// shedding configured and the global Shedding.Enabled switch is set. A nil
// gate (shedding disabled) admits every match, equivalent to a shedding
// rate of 1.0.
func (e *Engine) sheddingGate(pkts []*packet.Descriptor) module.Gate {
	if !e.cfg.Shedding.Enabled || len(e.shedCfg) == 0 {
		return nil
	}

	available := float64(e.cfg.Shedding.BinWidth.Nanoseconds()) / 1e9 * float64(e.cfg.Shedding.CPUFreqHz)

	return func(m *module.Module, d *packet.Descriptor) bool {
		method, ok := e.shedCfg[m.Name]
		if !ok || method == config.SheddingNone {
			return true
		}

		ctrl := e.shedderFor(m.Name)
		rate := ctrl.Rate(available)

		switch method {
		case config.SheddingFlow:
			return ctrl.SampleFlow(d, rate)
		default: // config.SheddingPacket
			return shed.SamplePacket(d, rate)
		}
	}
}

// observeShedding feeds this batch's actual dispatch cost back into every
// shedding-enabled module's controller (spec.md §4.9's rolling window the
// FCBF selection and least-squares forecast train on), and tracks the
// forecast's EWMA error so Rate can widen its margin once predictions run
// hot.  elapsed is used as the measured-cost response in lieu of a real
// cycle counter, scaled to cycles via the configured CPU frequency.
func (e *Engine) observeShedding(pkts []*packet.Descriptor, elapsed time.Duration) {
	if !e.cfg.Shedding.Enabled || len(e.shedCfg) == 0 {
		return
	}
	measuredCycles := elapsed.Seconds() * float64(e.cfg.Shedding.CPUFreqHz)

	for name := range e.shedCfg {
		ctrl := e.shedderFor(name)
		if forecast, ok := ctrl.Forecast(); ok && forecast > 0 {
			ctrl.RecordError((measuredCycles - forecast) / forecast)
		}
		ctrl.Observe(pkts, false, measuredCycles)
	}
}

// shedderFor lazily creates the one load-shedding Controller a module
// keeps across its lifetime, seeded deterministically (spec.md §9
// "Universal-hash state initialisation... a deterministic-seedable
// variant").
func (e *Engine) shedderFor(name string) *shed.Controller {
	c, ok := e.shedders[name]
	if !ok {
		c = shed.NewController(e.nextSeed)
		e.nextSeed++
		e.shedders[name] = c
	}
	return c
}

// reserveArenaSpan charges the shared arena for one published batch, a
// stand-in for the real per-module shared-memory tuple-pool accounting the
// memory-pressure freeze/thaw policy (spec.md §4.7 step 8) actually drives
// off of; see engine.go's approxSlotBytes doc comment.
func (e *Engine) reserveArenaSpan(b *cabuf.Batch) {
	n := b.Populated * approxSlotBytes
	if n == 0 {
		return
	}
	off := e.shmem.Reserve(n)
	e.spans = append(e.spans, pendingSpan{batch: b, offset: off, size: n})
}

// assignBatchHandle mints the opaque uint64 handle NEW_BATCH/ACK_BATCH
// frames carry (spec.md §6), tracked until the batch is freed.
func (e *Engine) assignBatchHandle(b *cabuf.Batch) uint64 {
	e.nextBatchHandle++
	h := e.nextBatchHandle
	e.batchHandles[h] = b
	return h
}

// notifyClients sends NEW_BATCH to every capture-client whose reference bit
// is set in b's mask (spec.md §4.8).
func (e *Engine) notifyClients(b *cabuf.Batch, handle uint64) {
	e.clients.Each(func(c *cabuf.Client) {
		if b.RefMask.Intersect(refmask.ClientBit(c.ID)).IsEmpty() {
			return
		}
		conn, ok := e.clientConns[c.ID]
		if !ok {
			return
		}
		msg := ipc.BatchMsg{ClientID: uint32(c.ID), BatchHandle: handle}
		if err := conn.Send(ipc.MsgNewBatch, msg.Marshal()); err != nil {
			e.log.Warnw("failed to notify capture-client of new batch", zap.Int("client", c.ID), zap.Error(err))
		}
	})

	if ce := e.log.Desugar().Check(zap.DebugLevel, "batch reference holders"); ce != nil {
		for n, bit := range xiter.Enumerate(b.RefMask.Iter()) {
			e.log.Debugw("batch reference holder", zap.Uint64("handle", handle), zap.Int("ordinal", n), zap.Uint32("bit", bit))
		}
	}
}

// drainQueue pops and frees every reference-free batch currently at the
// head of the outstanding queue, advancing the shared arena's head in
// lockstep (spec.md §8 "batches may only be freed from the head").
func (e *Engine) drainQueue() {
	for {
		head := e.queue.Head()
		if head == nil {
			return
		}
		if !e.queue.PopIfHeadFree(head) {
			return
		}

		for h, b := range e.batchHandles {
			if b == head {
				delete(e.batchHandles, h)
				break
			}
		}

		if len(e.spans) > 0 {
			sp := e.spans[0]
			e.spans = e.spans[1:]
			e.headOff = (sp.offset + sp.size) % e.shmem.Size()
			e.shmem.Begin(&e.headOff)
		}
	}
}

// onModuleFlush is the module.FlushSink every loaded module registers: it
// adapts the ctx-carrying sink signature to publishFlush's, and rolls this
// module's shedding controller into a fresh interval (spec.md §4.9 "a
// fresh 256×16 key matrix regenerated on every interval boundary").
func (e *Engine) onModuleFlush(ctx context.Context, m *module.Module, payload []byte) {
	if _, shedding := e.shedCfg[m.Name]; shedding {
		e.nextSeed++
		e.shedderFor(m.Name).ResetInterval(e.nextSeed)
	}
	e.publishFlush(m, payload)
}

// publishFlush hands a rotated module's tuples off to EXPORT (spec.md
// §4.6): a compact shared-memory handle for use_shmem modules, or the
// module's serialized payload body otherwise.
func (e *Engine) publishFlush(m *module.Module, payload []byte) {
	queueSize := uint32(e.queue.Len())

	if m.UseShmem {
		msg := ipc.ProcessShmTuples{
			Name:       m.Name,
			ShmHandle:  uint64(e.headOff),
			IvlStart:   m.IvlStart,
			NTuples:    m.TupleCount,
			ModuleID:   m.ID,
			TupleBytes: m.TupleBytes,
			QueueSize:  queueSize,
		}
		e.export.each(func(c *ipc.Conn) {
			if err := c.Send(ipc.MsgProcessShmTuples, msg.Marshal()); err != nil {
				e.log.Warnw("failed to send PROCESS_SHM_TUPLES", zap.String("module", m.Name), zap.Error(err))
			}
		})
		return
	}

	msg := ipc.ProcessSerTuples{
		Name:       m.Name,
		NTuples:    m.TupleCount,
		TupleBytes: m.TupleBytes,
		IvlStart:   m.IvlStart,
		ModuleID:   m.ID,
		QueueSize:  queueSize,
		Payload:    payload,
	}
	e.export.each(func(c *ipc.Conn) {
		if err := c.Send(ipc.MsgProcessSerTuples, msg.Marshal()); err != nil {
			e.log.Warnw("failed to send PROCESS_SER_TUPLES", zap.String("module", m.Name), zap.Error(err))
		}
	})
}
