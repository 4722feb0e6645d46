// Package filter implements the per-module filter-expression tree of
// spec.md §4.5/§9: "a small operator algebra (and, or, not, comparison,
// header-field extract)... a tagged sum with a pure evaluator; no dynamic
// dispatch needed."
//
// The leaf value types (devices, VLAN/proto/port ranges, IP networks) are
// adapted from the teacher's common/go/filter package, which described the
// same ranges for a different (ACL) purpose; the validation rules and error
// convention (grpc codes/status, reused here purely as an error-value
// vocabulary, with no gRPC service involved) are kept as-is.
package filter

import (
	"net"
	"net/netip"

	"github.com/gobwas/glob"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/yanet-platform/comocapture/internal/xnetip"
)

// Device matches a sniffer/capture-device name against a glob pattern
// (spec.md §9's device comparison leaf), e.g. "eth*" or "upstream-?". Name
// holds the raw pattern; Match compiles it lazily and caches the result so
// a malformed pattern degrades to an exact-string comparison instead of
// panicking mid-evaluation.
type Device struct {
	Name string

	compiled  glob.Glob
	attempted bool
}

// Match reports whether deviceName satisfies this Device's glob pattern.
func (d *Device) Match(deviceName string) bool {
	if !d.attempted {
		d.attempted = true
		if g, err := glob.Compile(d.Name); err == nil {
			d.compiled = g
		}
	}
	if d.compiled != nil {
		return d.compiled.Match(deviceName)
	}
	return d.Name == deviceName
}

type VlanRange struct {
	From uint16
	To   uint16
}

type IPNet struct {
	Addr netip.Addr
	Mask netip.Addr
}

type ProtoRange struct {
	From uint16
	To   uint16
}

type PortRange struct {
	From uint16
	To   uint16
}

// DeviceConfig, VlanRangeConfig etc. are the plain YAML-decoded shapes a
// module's filter config arrives in (spec.md §6 "modules[].filter
// expression"); Make* validates and converts them to the typed leaf values
// above.
type VlanRangeConfig struct {
	From uint32 `yaml:"from"`
	To   uint32 `yaml:"to"`
}

type IPNetConfig struct {
	Addr []byte `yaml:"addr"`
	Mask []byte `yaml:"mask"`
}

type ProtoRangeConfig struct {
	From uint32 `yaml:"from"`
	To   uint32 `yaml:"to"`
}

type PortRangeConfig struct {
	From uint32 `yaml:"from"`
	To   uint32 `yaml:"to"`
}

type DeviceConfig struct {
	Pattern string `yaml:"pattern"`
}

// MakeDevices validates each configured glob pattern eagerly (rather than
// deferring to the first Match call) so a module with a malformed device
// filter fails to load instead of silently falling back to exact-string
// matching at capture time.
func MakeDevices(cfgs []DeviceConfig) ([]Device, error) {
	result := make([]Device, len(cfgs))

	for idx := range cfgs {
		if cfgs[idx].Pattern == "" {
			return nil, status.Error(codes.InvalidArgument, "device pattern must not be empty")
		}
		if _, err := glob.Compile(cfgs[idx].Pattern); err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "invalid device pattern %q: %v", cfgs[idx].Pattern, err)
		}
		result[idx] = Device{Name: cfgs[idx].Pattern}
	}

	return result, nil
}

func MakeVlanRanges(cfgs []VlanRangeConfig) ([]VlanRange, error) {
	result := make([]VlanRange, len(cfgs))

	for idx := range cfgs {
		if cfgs[idx].From > 4095 {
			return nil, status.Errorf(codes.InvalidArgument,
				"VLAN 'from' value %d exceeds maximum 4095", cfgs[idx].From)
		}
		if cfgs[idx].To > 4095 {
			return nil, status.Errorf(codes.InvalidArgument,
				"VLAN 'to' value %d exceeds maximum 4095", cfgs[idx].To)
		}
		result[idx] = VlanRange{From: uint16(cfgs[idx].From), To: uint16(cfgs[idx].To)}
	}

	return result, nil
}

func MakeIPNets(cfgs []IPNetConfig) ([]IPNet, error) {
	result := make([]IPNet, 0, len(cfgs))

	for idx := range cfgs {
		if (len(cfgs[idx].Addr) != 4 && len(cfgs[idx].Addr) != 16) ||
			len(cfgs[idx].Addr) != len(cfgs[idx].Mask) {
			return nil, status.Error(codes.InvalidArgument, "invalid network address length")
		}

		addr, ok := netip.AddrFromSlice(cfgs[idx].Addr)
		if !ok {
			return nil, status.Error(codes.InvalidArgument, "invalid network address")
		}
		mask, ok := netip.AddrFromSlice(cfgs[idx].Mask)
		if !ok {
			return nil, status.Error(codes.InvalidArgument, "invalid network mask")
		}
		result = append(result, IPNet{Addr: addr, Mask: mask})
	}

	return result, nil
}

func MakeProtoRanges(cfgs []ProtoRangeConfig) ([]ProtoRange, error) {
	result := make([]ProtoRange, len(cfgs))

	for idx := range cfgs {
		if cfgs[idx].From > 65535 {
			return nil, status.Errorf(codes.InvalidArgument,
				"Protocol 'from' value %d exceeds maximum 65535", cfgs[idx].From)
		}
		if cfgs[idx].To > 65535 {
			return nil, status.Errorf(codes.InvalidArgument,
				"Protocol 'to' value %d exceeds maximum 65535", cfgs[idx].To)
		}
		if cfgs[idx].From > cfgs[idx].To {
			return nil, status.Errorf(codes.InvalidArgument,
				"Protocol 'from' value %d is greater than 'to' value %d", cfgs[idx].From, cfgs[idx].To)
		}
		result[idx] = ProtoRange{From: uint16(cfgs[idx].From), To: uint16(cfgs[idx].To)}
	}

	return result, nil
}

func MakePortRanges(cfgs []PortRangeConfig) ([]PortRange, error) {
	result := make([]PortRange, len(cfgs))

	for idx := range cfgs {
		if cfgs[idx].From > 65535 {
			return nil, status.Errorf(codes.InvalidArgument,
				"Port 'from' value %d exceeds maximum 65535", cfgs[idx].From)
		}
		if cfgs[idx].To > 65535 {
			return nil, status.Errorf(codes.InvalidArgument,
				"Port 'to' value %d exceeds maximum 65535", cfgs[idx].To)
		}
		if cfgs[idx].From > cfgs[idx].To {
			return nil, status.Errorf(codes.InvalidArgument,
				"Port 'from' value %d is greater than 'to' value %d", cfgs[idx].From, cfgs[idx].To)
		}
		result[idx] = PortRange{From: uint16(cfgs[idx].From), To: uint16(cfgs[idx].To)}
	}

	return result, nil
}

func (v VlanRange) Contains(vlan uint16) bool {
	return vlan >= v.From && vlan <= v.To
}

func (p ProtoRange) Contains(proto uint16) bool {
	return proto >= p.From && proto <= p.To
}

func (p PortRange) Contains(port uint16) bool {
	return port >= p.From && port <= p.To
}

// Contains delegates to xnetip.NetWithMask, which supports arbitrary
// (including non-contiguous) masks, matching the teacher's own
// common/go/filter behavior for masks outside a plain CIDR prefix.
func (n IPNet) Contains(addr netip.Addr) bool {
	nwm, err := xnetip.NewNetWithMask(n.Addr, net.IPMask(n.Mask.AsSlice()))
	if err != nil {
		return false
	}
	return nwm.Contains(addr)
}
