package module

import (
	"context"
	"fmt"

	"github.com/yanet-platform/comocapture/internal/bitset"
	"github.com/yanet-platform/comocapture/internal/cabuf"
	"github.com/yanet-platform/comocapture/internal/packet"
	"github.com/yanet-platform/comocapture/internal/stats"
)

// BatchProcess dispatches one published batch to every active module in
// reg, per spec.md §4.5's two-phase scheme: first build the filter
// matrix (one bitset row per packet, naming which modules matched it),
// then walk packets in emission order invoking each matched module's
// Capture once per packet. Splitting match-evaluation from
// callback-invocation keeps a module's Capture calls strictly ordered by
// merge emission order even though the outer loop is packet-major, not
// module-major.
func BatchProcess(ctx context.Context, ring *cabuf.Ring, b *cabuf.Batch, deviceName string, reg *Registry) error {
	return BatchProcessGated(ctx, ring, b, deviceName, reg, nil, nil)
}

// Gate decides whether a matched packet is actually delivered to a module,
// on top of filter matching - the hook the load-shedding controller of
// spec.md §4.9 wraps batch_process with. A nil Gate admits every match.
type Gate func(m *Module, d *packet.Descriptor) bool

// BatchProcessGated is BatchProcess with an additional per-(module,packet)
// admission gate applied after filter matching and before the callback is
// invoked, so a dropped packet still counts as "matched" for filter
// purposes but never reaches Capture. load, if non-nil, is fed one
// Observe call per packet while the filter matrix is built (spec.md §4.5
// step 1's "during the first module's pass, also maintain a rolling ...
// byte-rate load log"); since this implementation's matrix pass is
// packet-major rather than module-major, one call per packet already
// covers every module without needing a first-module guard.
func BatchProcessGated(ctx context.Context, ring *cabuf.Ring, b *cabuf.Batch, deviceName string, reg *Registry, gate Gate, load *stats.Load) error {
	modules := reg.All()
	if len(modules) == 0 {
		return nil
	}

	matrix := make([]bitset.TinyBitset, b.Populated)

	for i := uint32(0); i < b.Populated; i++ {
		d := ring.At(b.Reservation, i)
		if d == nil {
			continue
		}
		if load != nil {
			load.Observe(d.Timestamp, d.WireLen)
		}
		row := &matrix[i]
		for modIdx, m := range modules {
			if m.Status != StatusActive {
				continue
			}
			if m.Matches(d, deviceName) {
				row.Insert(uint32(modIdx))
			}
		}
	}

	var firstErr error
	for i := uint32(0); i < b.Populated; i++ {
		d := ring.At(b.Reservation, i)
		if d == nil {
			continue
		}

		matrix[i].Traverse(func(modIdx uint32) bool {
			m := modules[modIdx]
			if gate != nil && !gate(m, d) {
				return true
			}
			if err := dispatchOne(ctx, m, d); err != nil && firstErr == nil {
				firstErr = err
			}
			return true
		})
	}

	return firstErr
}

func dispatchOne(ctx context.Context, m *Module, d *packet.Descriptor) error {
	if err := m.Capture(ctx, d); err != nil {
		return fmt.Errorf("dispatch to module %q: %w", m.Name, err)
	}
	return nil
}
