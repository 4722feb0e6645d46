package shed

import (
	"encoding/binary"
	"math/rand"

	"github.com/yanet-platform/comocapture/internal/packet"
)

// AggKey enumerates the aggregation keys of spec.md §4.9, in the order
// listed there.
type AggKey int

const (
	KeySrcIP AggKey = iota
	KeyDstIP
	KeySrcDstIP
	KeySrcNet
	KeyDstNet
	KeySrcDstNet
	KeyProtoSport
	KeyProtoDport
	KeyProtoSportSip
	KeyProtoDportDip
	KeyProtoSportDport
	Key5Tuple
	KeyProto
	numAggKeys
)

var aggKeyNames = [numAggKeys]string{
	KeySrcIP:           "src-ip",
	KeyDstIP:           "dst-ip",
	KeySrcDstIP:        "src-ip^dst-ip",
	KeySrcNet:          "src-net",
	KeyDstNet:          "dst-net",
	KeySrcDstNet:       "src-net^dst-net",
	KeyProtoSport:      "proto^sport",
	KeyProtoDport:      "proto^dport",
	KeyProtoSportSip:   "proto^sport^sip",
	KeyProtoDportDip:   "proto^dport^dip",
	KeyProtoSportDport: "proto^sport^dport",
	Key5Tuple:          "5-tuple",
	KeyProto:           "proto",
}

func (k AggKey) String() string {
	if k < 0 || k >= numAggKeys {
		return "unknown"
	}
	return aggKeyNames[k]
}

// netPrefixBytes returns the leading bytes of addr that form a coarse
// network prefix: 3 bytes (/24) for IPv4, 6 bytes (/48) for IPv6 -
// "src-net"/"dst-net" of spec.md §4.9.
func netPrefixBytes(addr [16]byte, isIPv6 bool) []byte {
	if !isIPv6 {
		return append([]byte(nil), addr[:3]...)
	}
	return append([]byte(nil), addr[:6]...)
}

// keyBytes renders one aggregation key's byte representation for hashing.
func keyBytes(k AggKey, d *packet.Descriptor) []byte {
	var buf []byte
	putPort := func(p uint16) {
		var b [2]byte
		binary.BigEndian.PutUint16(b[:], p)
		buf = append(buf, b[:]...)
	}

	switch k {
	case KeySrcIP:
		buf = append(buf, d.SrcIP[:]...)
	case KeyDstIP:
		buf = append(buf, d.DstIP[:]...)
	case KeySrcDstIP:
		buf = append(buf, d.SrcIP[:]...)
		buf = append(buf, d.DstIP[:]...)
	case KeySrcNet:
		buf = append(buf, netPrefixBytes(d.SrcIP, d.IsIPv6)...)
	case KeyDstNet:
		buf = append(buf, netPrefixBytes(d.DstIP, d.IsIPv6)...)
	case KeySrcDstNet:
		buf = append(buf, netPrefixBytes(d.SrcIP, d.IsIPv6)...)
		buf = append(buf, netPrefixBytes(d.DstIP, d.IsIPv6)...)
	case KeyProtoSport:
		buf = append(buf, d.Proto)
		putPort(d.SrcPort)
	case KeyProtoDport:
		buf = append(buf, d.Proto)
		putPort(d.DstPort)
	case KeyProtoSportSip:
		buf = append(buf, d.Proto)
		putPort(d.SrcPort)
		buf = append(buf, d.SrcIP[:]...)
	case KeyProtoDportDip:
		buf = append(buf, d.Proto)
		putPort(d.DstPort)
		buf = append(buf, d.DstIP[:]...)
	case KeyProtoSportDport:
		buf = append(buf, d.Proto)
		putPort(d.SrcPort)
		putPort(d.DstPort)
	case Key5Tuple:
		buf = append(buf, d.Proto)
		buf = append(buf, d.SrcIP[:]...)
		buf = append(buf, d.DstIP[:]...)
		putPort(d.SrcPort)
		putPort(d.DstPort)
	case KeyProto:
		buf = append(buf, d.Proto)
	}
	return buf
}

// KeyFeatures is the four-aggregate tuple spec.md §4.9 derives from the
// linear-counting bitmap for one aggregation key: cardinality estimates
// for "unique in this batch" and "new relative to the running per-interval
// bitmap", plus raw observation counts for "batch repeats" and "aggregate
// repeats".
type KeyFeatures struct {
	UniqueBatch  float64
	NewRelative  float64
	BatchRepeats float64
	AggRepeats   float64
}

// Features is the fixed feature vector computed per batch (spec.md §4.9
// "Feature extraction"): packet count, byte count, a new-interval flag,
// and KeyFeatures per aggregation key.
type Features struct {
	PacketCount float64
	ByteCount   float64
	NewInterval float64
	PerKey      [numAggKeys]KeyFeatures
}

// Vector flattens Features into the predictor column order FCBF and the
// SVD solver operate on.
func (f Features) Vector() []float64 {
	out := make([]float64, 0, 3+4*numAggKeys)
	out = append(out, f.PacketCount, f.ByteCount, f.NewInterval)
	for _, kf := range f.PerKey {
		out = append(out, kf.UniqueBatch, kf.NewRelative, kf.BatchRepeats, kf.AggRepeats)
	}
	return out
}

// Extractor holds the per-key H3 matrices and running per-interval
// bitmaps that Extract consumes and updates.
type Extractor struct {
	h3      [numAggKeys]*H3
	running [numAggKeys]*Bitmap
}

// NewExtractor builds an extractor with a freshly seeded key matrix set.
func NewExtractor(seed int64) *Extractor {
	e := &Extractor{}
	e.reseed(seed)
	return e
}

func (e *Extractor) reseed(seed int64) {
	rng := rand.New(rand.NewSource(seed))
	for k := range e.h3 {
		e.h3[k] = NewH3(rng)
		e.running[k] = &Bitmap{}
	}
}

// Reseed regenerates every key's H3 matrix and clears its running bitmap,
// per spec.md §4.9 "a fresh 256×16 key matrix regenerated on every
// interval boundary".
func (e *Extractor) Reseed(seed int64) {
	e.reseed(seed)
}

// Extract computes Features for one batch of packets, updating the
// running per-interval bitmaps in place.
func (e *Extractor) Extract(pkts []*packet.Descriptor, newInterval bool) Features {
	var f Features
	f.PacketCount = float64(len(pkts))
	if newInterval {
		f.NewInterval = 1
	}

	var batchBitmaps, newBitmaps [numAggKeys]Bitmap

	for _, pkt := range pkts {
		if pkt == nil {
			continue
		}
		f.ByteCount += float64(pkt.WireLen)

		for k := AggKey(0); k < numAggKeys; k++ {
			h := e.h3[k].Hash(keyBytes(k, pkt))

			alreadyInRunning := e.running[k].IsSet(h)
			alreadyInBatch := batchBitmaps[k].IsSet(h)

			if !alreadyInBatch {
				batchBitmaps[k].Set(h)
			} else {
				f.PerKey[k].BatchRepeats++
			}

			if alreadyInRunning {
				f.PerKey[k].AggRepeats++
			} else {
				e.running[k].Set(h)
				newBitmaps[k].Set(h)
			}
		}
	}

	for k := AggKey(0); k < numAggKeys; k++ {
		f.PerKey[k].UniqueBatch = batchBitmaps[k].Estimate()
		f.PerKey[k].NewRelative = newBitmaps[k].Estimate()
	}

	return f
}
