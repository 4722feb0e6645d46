// Package packet defines the packet descriptor that flows from a sniffer's
// ppbuf through the merge stage into a batch and on to module capture
// callbacks.
//
// The descriptor itself (spec.md §3 "Packet descriptor") is a small fixed
// header plus a non-owning pointer to payload bytes; the payload's lifetime
// is governed by the owning sniffer's buffer, not by this package. Header
// decode is layered on github.com/gopacket/gopacket, the same library the
// teacher (common/go/dataplane, common/go/xpacket) and yerden-go-snf both
// build their packet views on.
package packet

import (
	"fmt"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"

	"github.com/yanet-platform/comocapture/internal/ntptime"
)

// TypeTag is a composite type identifying the layer-2/3/4 combination a
// packet was parsed as. Modules declare which tags a sniffer can emit
// (spec.md §4.2 "setup_metadata") and use it to skip re-parsing.
type TypeTag uint16

const (
	TypeUnknown TypeTag = 0
	TypeIPv4TCP TypeTag = 1
	TypeIPv4UDP TypeTag = 2
	TypeIPv4    TypeTag = 3
	TypeIPv6TCP TypeTag = 4
	TypeIPv6UDP TypeTag = 5
	TypeIPv6    TypeTag = 6
	TypeOther   TypeTag = 7
)

// Offsets records the per-layer byte offset into Payload, 0xFFFF meaning
// "not present".
type Offsets struct {
	L2 uint16
	L3 uint16
	L4 uint16
	L7 uint16
}

const offsetAbsent = 0xFFFF

// Descriptor is the fixed packet header of spec.md §3, plus the non-owning
// pointer to captured bytes. Descriptor values are copied by value into
// ppbufs and cabuf slots; Payload is never copied, only referenced.
type Descriptor struct {
	Timestamp     ntptime.Stamp
	WireLen       uint32
	CapLen        uint32
	SourceIdx     uint16
	Type          TypeTag
	DroppedSince  uint16
	Offsets       Offsets
	SrcIP, DstIP  [16]byte // IPv4 addresses stored in the low 4 bytes
	IsIPv6        bool
	Proto         uint8
	SrcPort       uint16
	DstPort       uint16
	Payload       []byte
}

// Malformed reports the packet-level contract violations spec.md §7 calls
// "malformed packet": zero timestamp, or a captured length that does not
// fit the owning buffer.
func (d *Descriptor) Malformed(bufCap int) bool {
	return d.Timestamp.IsZero() || int(d.CapLen) > bufCap || int(d.CapLen) > len(d.Payload)
}

// ParseEthernet decodes an Ethernet frame into a Descriptor. ts, sourceIdx
// and droppedSince are supplied by the caller (the sniffer driver), since
// they are not carried on the wire for a live capture.
func ParseEthernet(data []byte, ts ntptime.Stamp, sourceIdx uint16, droppedSince uint16) (Descriptor, error) {
	d := Descriptor{
		Timestamp:    ts,
		WireLen:      uint32(len(data)),
		CapLen:       uint32(len(data)),
		SourceIdx:    sourceIdx,
		DroppedSince: droppedSince,
		Payload:      data,
		Offsets:      Offsets{L2: offsetAbsent, L3: offsetAbsent, L4: offsetAbsent, L7: offsetAbsent},
	}

	pkt := gopacket.NewPacket(data, layers.LayerTypeEthernet, gopacket.DecodeOptions{
		NoCopy: true, Lazy: true,
	})
	if errLayer := pkt.ErrorLayer(); errLayer != nil {
		return d, fmt.Errorf("failed to decode ethernet frame: %w", errLayer.Error())
	}

	if eth := pkt.LinkLayer(); eth != nil {
		d.Offsets.L2 = 0
	}

	switch nl := pkt.NetworkLayer().(type) {
	case *layers.IPv4:
		d.Offsets.L3 = offsetOf(data, nl.Contents)
		copy(d.SrcIP[:4], nl.SrcIP.To4())
		copy(d.DstIP[:4], nl.DstIP.To4())
		d.Proto = uint8(nl.Protocol)
		d.Type = TypeIPv4
	case *layers.IPv6:
		d.Offsets.L3 = offsetOf(data, nl.Contents)
		copy(d.SrcIP[:], nl.SrcIP.To16())
		copy(d.DstIP[:], nl.DstIP.To16())
		d.IsIPv6 = true
		d.Proto = uint8(nl.NextHeader)
		d.Type = TypeIPv6
	}

	switch tl := pkt.TransportLayer().(type) {
	case *layers.TCP:
		d.Offsets.L4 = offsetOf(data, tl.Contents)
		d.SrcPort = uint16(tl.SrcPort)
		d.DstPort = uint16(tl.DstPort)
		if d.IsIPv6 {
			d.Type = TypeIPv6TCP
		} else {
			d.Type = TypeIPv4TCP
		}
	case *layers.UDP:
		d.Offsets.L4 = offsetOf(data, tl.Contents)
		d.SrcPort = uint16(tl.SrcPort)
		d.DstPort = uint16(tl.DstPort)
		if d.IsIPv6 {
			d.Type = TypeIPv6UDP
		} else {
			d.Type = TypeIPv4UDP
		}
	}

	if app := pkt.ApplicationLayer(); app != nil {
		d.Offsets.L7 = offsetOf(data, app.LayerContents())
	}

	if d.Type == TypeUnknown && d.Offsets.L3 != offsetAbsent {
		d.Type = TypeOther
	}

	return d, nil
}

// offsetOf returns the byte offset of sub within base, or offsetAbsent if
// sub does not point inside base (can happen with gopacket's lazy decoding
// on malformed input).
func offsetOf(base, sub []byte) uint16 {
	if len(sub) == 0 || len(base) == 0 {
		return offsetAbsent
	}
	off := cap(base) - cap(sub)
	if off < 0 || off > 0xFFFE {
		return offsetAbsent
	}
	return uint16(off)
}

// FiveTuple is the (proto, srcIP, dstIP, srcPort, dstPort) key used by flow
// sampling (spec.md §4.9) and several of the load-shedder's aggregation
// keys (spec.md §4.9 "5-tuple").
type FiveTuple struct {
	Proto          uint8
	SrcIP, DstIP   [16]byte
	SrcPort, DstPort uint16
}

func (d *Descriptor) FiveTuple() FiveTuple {
	return FiveTuple{
		Proto:   d.Proto,
		SrcIP:   d.SrcIP,
		DstIP:   d.DstIP,
		SrcPort: d.SrcPort,
		DstPort: d.DstPort,
	}
}
