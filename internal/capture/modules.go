package capture

import (
	"context"
	"encoding/binary"
	"time"

	"go.uber.org/zap"

	"github.com/yanet-platform/comocapture/internal/config"
	"github.com/yanet-platform/comocapture/internal/filter"
	"github.com/yanet-platform/comocapture/internal/module"
	"github.com/yanet-platform/comocapture/internal/ntptime"
	"github.com/yanet-platform/comocapture/internal/packet"
)

// loadModule builds a Module from a config/IPC-supplied description.
// Per spec.md §1, a concrete module's business logic (what its capture
// callback does with a matched packet, how it serializes tuples) is an
// opaque external collaborator; this repository's only Callbacks
// implementation is countersCallbacks below, a minimal per-interval
// packet/byte counter that exercises the core's full lifecycle
// (init/capture/flush/serialize) without needing a real measurement module
// binary.
//
// The filter-expression tree is likewise compiled by an external collaborator
// (spec.md §4.5 "an external compiler produces them"); absent one, every
// loaded module matches every packet.
func loadModule(cfg config.ModuleConfig, id uint32, log *zap.SugaredLogger, sink module.FlushSink) (*module.Module, error) {
	flushIvl := cfg.FlushInterval
	if flushIvl <= 0 {
		flushIvl = time.Second
	}

	cb := newCountersCallbacks()

	return module.New(cfg.Name, id, filter.Always(), flushIvl, cfg.UseShmem, cb,
		module.WithLog(log),
		module.WithFlushSink(sink),
	)
}

// countersCallbacks is the core's built-in Callbacks implementation: it
// counts packets and bytes seen within the current interval and serializes
// them as a fixed 24-byte tuple (interval-start timestamp, packet count,
// byte count) on flush.
type countersCallbacks struct {
	packets uint64
	bytes   uint64
}

func newCountersCallbacks() *countersCallbacks {
	return &countersCallbacks{}
}

func (c *countersCallbacks) Init(ctx context.Context) error {
	c.packets, c.bytes = 0, 0
	return nil
}

func (c *countersCallbacks) Capture(ctx context.Context, pkt *packet.Descriptor) error {
	c.packets++
	c.bytes += uint64(pkt.WireLen)
	return nil
}

// countersTupleSize is the wire size of one countersCallbacks tuple: an
// 8-byte NTP-style interval-start stamp, an 8-byte packet count and an
// 8-byte byte count.
const countersTupleSize = 8 + 8 + 8

func (c *countersCallbacks) Flush(ctx context.Context, ivlStart, ivlEnd ntptime.Stamp) ([]byte, error) {
	buf := make([]byte, countersTupleSize)
	binary.BigEndian.PutUint32(buf[0:4], ivlStart.Sec)
	binary.BigEndian.PutUint32(buf[4:8], ivlStart.Frac)
	binary.BigEndian.PutUint64(buf[8:16], c.packets)
	binary.BigEndian.PutUint64(buf[16:24], c.bytes)

	c.packets, c.bytes = 0, 0
	return buf, nil
}
