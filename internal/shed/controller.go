package shed

import (
	"hash/fnv"
	"math"
	"sync"

	"github.com/yanet-platform/comocapture/internal/packet"
)

// windowCapacity is the rolling observation window FCBF and the SVD solver
// train on (spec.md §4.9 "N=60 observations").
const windowCapacity = 60

// coldStartBatches is how many batches the controller runs at rate 1.0
// (no shedding) before its first forecast, per the cold-start scenario of
// spec.md §8: the window needs to fill before a fit means anything.
const coldStartBatches = windowCapacity

// ewmaAlpha weights the running estimate of forecast error used to widen
// the shedding-rate denominator when predictions have been running hot
// (spec.md §4.9 "the rate is conservative under growing forecast error").
const ewmaAlpha = 0.3

// usableFraction (A in the shedding-rate formula) is the fraction of a
// module's available cycle budget the controller aims to stay under.
const usableFraction = 0.85

// flowEntry is one cached flow-sampling decision within the current
// interval (see Controller.SampleFlow).
type flowEntry struct {
	rate float64
	kept bool
}

// Controller is the predictive load-shedding controller of spec.md §4.9: it
// extracts a feature vector per batch, fits a rolling least-squares
// forecaster over a small FCBF-selected predictor subset, and derives a
// shedding rate applied uniformly across modules (the simplest policy the
// spec allows: "identical rate for all modules").
//
// One Controller serves one capture process; Observe/Forecast/Rate are not
// safe for concurrent use without External synchronization beyond what
// flowCache's own mutex provides, matching the rest of this codebase's
// single-threaded-event-loop convention (spec.md §5).
type Controller struct {
	extractor *Extractor
	window    *Window
	predictors []int

	ewmaError float64
	batches   int

	flowMu    sync.Mutex
	flowCache map[packet.FiveTuple]flowEntry

	seed int64
}

// NewController builds a controller seeded for reproducible H3 matrices.
func NewController(seed int64) *Controller {
	return &Controller{
		extractor: NewExtractor(seed),
		window:    NewWindow(windowCapacity),
		flowCache: make(map[packet.FiveTuple]flowEntry),
		seed:      seed,
	}
}

// ResetInterval clears the flow-sampling cache and reseeds the extractor's
// H3 matrices, per spec.md §4.9 "a fresh 256×16 key matrix regenerated on
// every interval boundary". The rolling observation window and FCBF
// selection persist across intervals; only the per-interval cardinality
// state is fresh.
func (c *Controller) ResetInterval(seed int64) {
	c.seed = seed
	c.extractor.Reseed(seed)

	c.flowMu.Lock()
	c.flowCache = make(map[packet.FiveTuple]flowEntry)
	c.flowMu.Unlock()
}

// Observe extracts features for one batch and records the observation
// against measuredCycles (the module's actual per-batch processing cost),
// feeding the rolling window FCBF and the forecaster train on. newInterval
// marks the first batch of a fresh shedding interval.
func (c *Controller) Observe(pkts []*packet.Descriptor, newInterval bool, measuredCycles float64) {
	f := c.extractor.Extract(pkts, newInterval)
	c.window.Add(Observation{Predictors: f.Vector(), Response: measuredCycles})
	c.batches++

	if c.window.Full() {
		c.predictors = SelectPredictors(c.window)
	}
}

// forecast fits the FCBF-selected predictor subset to the response column
// via least squares and returns the fitted value for the most recent
// observation (a one-step-ahead forecast proxy: spec.md §4.9 does not
// mandate true extrapolation, only that the forecast track the recent
// regime). Returns (0, false) when there isn't enough history or no
// predictor survived selection.
func (c *Controller) forecast() (float64, bool) {
	if !c.window.Full() || len(c.predictors) == 0 {
		return 0, false
	}

	n := c.window.Len()
	a := make([][]float64, n)
	y := c.window.responses()
	for r, obs := range c.window.obs {
		row := make([]float64, len(c.predictors))
		for j, pi := range c.predictors {
			row[j] = obs.Predictors[pi]
		}
		a[r] = row
	}

	beta := SolveLeastSquares(a, y)

	last := a[n-1]
	var yhat float64
	for j, v := range last {
		yhat += beta[j] * v
	}
	if yhat < 0 {
		yhat = 0
	}
	return yhat, true
}

// Forecast exposes the controller's current one-step-ahead cycle forecast,
// for callers that need to compare it against the cycles a batch actually
// consumed before calling RecordError. ok is false during cold start or
// before the rolling window has filled.
func (c *Controller) Forecast() (float64, bool) {
	return c.forecast()
}

// Rate computes the shedding rate in [0, 1] to apply uniformly to every
// module this interval, per spec.md §4.9's formula:
//
//	rate = clamp((A - forecast) / (forecast * (1 + ewma(error))), 0, 1)
//
// where A is the usable fraction of available cycles. During cold start
// (fewer than coldStartBatches observed) the controller returns 1.0:
// shed nothing until the forecaster has enough history to trust (spec.md
// §8 scenario 6).
func (c *Controller) Rate(availableCycles float64) float64 {
	if c.batches < coldStartBatches {
		return 1.0
	}

	forecastCycles, ok := c.forecast()
	if !ok || forecastCycles <= 0 {
		return 1.0
	}

	budget := availableCycles * usableFraction
	denom := forecastCycles * (1 + c.ewmaError)
	if denom <= 0 {
		return 1.0
	}

	rate := (budget - forecastCycles) / denom
	return clamp01(rate)
}

// RecordError updates the running forecast-error EWMA, given the relative
// error observed between a past forecast and the cycles a batch actually
// consumed ((measured-forecast)/forecast). Call once per batch after the
// batch has actually been processed.
func (c *Controller) RecordError(relativeError float64) {
	if relativeError < 0 {
		relativeError = -relativeError
	}
	c.ewmaError = ewmaAlpha*relativeError + (1-ewmaAlpha)*c.ewmaError
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// SamplePacket applies packet sampling at rate (spec.md §4.9 "packet
// sampling: an independent Bernoulli draw per packet"): deterministic on
// (descriptor identity, rate) via an FNV hash of the packet's timestamp and
// five-tuple, so repeated evaluation of the same packet at the same rate is
// stable without needing external RNG state.
func SamplePacket(d *packet.Descriptor, rate float64) bool {
	if rate >= 1 {
		return true
	}
	if rate <= 0 {
		return false
	}
	return hashToUnit(packetSampleBytes(d)) < rate
}

// SampleFlow applies flow sampling: every packet belonging to the same
// 5-tuple within the current interval shares one keep/drop decision, and
// that decision is never revised to "keep" once a lower rate has dropped
// it (spec.md §8 "if the same 5-tuple was kept earlier in the interval at
// rate r, it is kept later at rate min(r, current rate)"). The cache is
// cleared at interval boundaries by ResetInterval.
func (c *Controller) SampleFlow(d *packet.Descriptor, rate float64) bool {
	ft := d.FiveTuple()

	c.flowMu.Lock()
	defer c.flowMu.Unlock()

	entry, ok := c.flowCache[ft]
	if !ok {
		kept := hashToUnit(fiveTupleBytes(ft)) < rate
		c.flowCache[ft] = flowEntry{rate: rate, kept: kept}
		return kept
	}

	if rate < entry.rate {
		entry.rate = rate
		if entry.kept {
			entry.kept = hashToUnit(fiveTupleBytes(ft)) < rate
		}
		c.flowCache[ft] = entry
	}
	return entry.kept
}

func packetSampleBytes(d *packet.Descriptor) []byte {
	ft := d.FiveTuple()
	b := fiveTupleBytes(ft)
	var ts [8]byte
	ts[0] = byte(d.Timestamp.Sec >> 24)
	ts[1] = byte(d.Timestamp.Sec >> 16)
	ts[2] = byte(d.Timestamp.Sec >> 8)
	ts[3] = byte(d.Timestamp.Sec)
	ts[4] = byte(d.Timestamp.Frac >> 24)
	ts[5] = byte(d.Timestamp.Frac >> 16)
	ts[6] = byte(d.Timestamp.Frac >> 8)
	ts[7] = byte(d.Timestamp.Frac)
	return append(b, ts[:]...)
}

func fiveTupleBytes(ft packet.FiveTuple) []byte {
	b := make([]byte, 0, 1+32+4)
	b = append(b, ft.Proto)
	b = append(b, ft.SrcIP[:]...)
	b = append(b, ft.DstIP[:]...)
	b = append(b, byte(ft.SrcPort>>8), byte(ft.SrcPort))
	b = append(b, byte(ft.DstPort>>8), byte(ft.DstPort))
	return b
}

// hashToUnit maps data to a uniform value in [0, 1) via FNV-1a, giving the
// sampling decisions above a stable pseudo-random draw without carrying an
// RNG across calls.
func hashToUnit(data []byte) float64 {
	h := fnv.New64a()
	_, _ = h.Write(data)
	return float64(h.Sum64()) / float64(math.MaxUint64)
}
