package filter

import (
	"net/netip"

	"github.com/yanet-platform/comocapture/internal/packet"
)

// Field names a packet header field a Cmp leaf can extract, per spec.md §9
// "header-field extract".
type Field int

const (
	FieldSrcIP Field = iota
	FieldDstIP
	FieldProto
	FieldSrcPort
	FieldDstPort
	FieldVlan
	FieldDevice
)

// Kind tags the node type of an Expr.
type Kind int

const (
	KindAnd Kind = iota
	KindOr
	KindNot
	KindCmpIPNet
	KindCmpProtoRange
	KindCmpPortRange
	KindCmpVlanRange
	KindCmpDevice
	KindAlways
	KindNever
)

// Expr is a tagged-sum filter expression node. Only the fields relevant to
// Kind are populated; this mirrors spec.md §9's "tagged sum with a pure
// evaluator" guidance rather than a polymorphic interface per node kind, so
// Evaluate can be a single flat switch with no dynamic dispatch.
type Expr struct {
	Kind Kind

	Children []Expr // KindAnd, KindOr
	Child    *Expr  // KindNot

	Field Field

	IPNets      []IPNet
	ProtoRanges []ProtoRange
	PortRanges  []PortRange
	VlanRanges  []VlanRange
	Devices     []Device
}

func And(children ...Expr) Expr { return Expr{Kind: KindAnd, Children: children} }
func Or(children ...Expr) Expr  { return Expr{Kind: KindOr, Children: children} }
func Not(child Expr) Expr       { return Expr{Kind: KindNot, Child: &child} }
func Always() Expr              { return Expr{Kind: KindAlways} }
func Never() Expr               { return Expr{Kind: KindNever} }

func CmpIPNet(field Field, nets ...IPNet) Expr {
	return Expr{Kind: KindCmpIPNet, Field: field, IPNets: nets}
}

func CmpProto(ranges ...ProtoRange) Expr {
	return Expr{Kind: KindCmpProtoRange, Field: FieldProto, ProtoRanges: ranges}
}

func CmpPort(field Field, ranges ...PortRange) Expr {
	return Expr{Kind: KindCmpPortRange, Field: field, PortRanges: ranges}
}

func CmpVlan(ranges ...VlanRange) Expr {
	return Expr{Kind: KindCmpVlanRange, Field: FieldVlan, VlanRanges: ranges}
}

func CmpDevice(devices ...Device) Expr {
	return Expr{Kind: KindCmpDevice, Field: FieldDevice, Devices: devices}
}

// Evaluate evaluates the expression tree against one packet. The core
// invokes this exactly once per (module, packet) pair when building the
// filter matrix (spec.md §4.5).
func Evaluate(e *Expr, d *packet.Descriptor, deviceName string) bool {
	switch e.Kind {
	case KindAlways:
		return true
	case KindNever:
		return false
	case KindAnd:
		for i := range e.Children {
			if !Evaluate(&e.Children[i], d, deviceName) {
				return false
			}
		}
		return true
	case KindOr:
		for i := range e.Children {
			if Evaluate(&e.Children[i], d, deviceName) {
				return true
			}
		}
		return false
	case KindNot:
		return !Evaluate(e.Child, d, deviceName)
	case KindCmpIPNet:
		addr := addrField(e.Field, d)
		if !addr.IsValid() {
			return false
		}
		for _, n := range e.IPNets {
			if n.Contains(addr) {
				return true
			}
		}
		return false
	case KindCmpProtoRange:
		for _, r := range e.ProtoRanges {
			if r.Contains(uint16(d.Proto)) {
				return true
			}
		}
		return false
	case KindCmpPortRange:
		port := d.SrcPort
		if e.Field == FieldDstPort {
			port = d.DstPort
		}
		for _, r := range e.PortRanges {
			if r.Contains(port) {
				return true
			}
		}
		return false
	case KindCmpVlanRange:
		// VLAN tag extraction is out of this implementation's packet
		// descriptor (no 802.1Q field is modeled); a VLAN comparison
		// against an untagged packet always fails.
		return false
	case KindCmpDevice:
		for i := range e.Devices {
			if e.Devices[i].Match(deviceName) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func addrField(f Field, d *packet.Descriptor) netip.Addr {
	var raw [16]byte
	switch f {
	case FieldSrcIP:
		raw = d.SrcIP
	case FieldDstIP:
		raw = d.DstIP
	default:
		return netip.Addr{}
	}

	if d.IsIPv6 {
		return netip.AddrFrom16(raw)
	}
	var v4 [4]byte
	copy(v4[:], raw[:4])
	return netip.AddrFrom4(v4)
}
