package sniffer

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/yanet-platform/comocapture/internal/ntptime"
	"github.com/yanet-platform/comocapture/internal/packet"
	"github.com/yanet-platform/comocapture/internal/ppbuf"
)

// NetflowSniffer is a LIVE|SELECT source collecting NetFlow v5-style flow
// records over UDP and synthesizing one packet descriptor per record. It
// carries no payload bytes beyond a small synthetic header, so it does not
// advertise FlagSharedBuffer.
type NetflowSniffer struct {
	name      string
	laddr     string
	conn      *net.UDPConn
	sourceIdx uint16
	dropped   uint32
	closing   bool
}

// NewNetflowSniffer creates a collector bound to laddr (e.g. ":2055").
func NewNetflowSniffer(name, laddr string, sourceIdx uint16) *NetflowSniffer {
	return &NetflowSniffer{name: name, laddr: laddr, sourceIdx: sourceIdx}
}

func (n *NetflowSniffer) Name() string { return n.name }
func (n *NetflowSniffer) Flags() Flags { return FlagLive | FlagSelect }

func (n *NetflowSniffer) SetupMetadata(ctx context.Context) (Metadata, error) {
	return Metadata{TypeTags: []uint16{uint16(packet.TypeOther)}, CaplenMax: 64}, nil
}

func (n *NetflowSniffer) Start(ctx context.Context) (int, error) {
	addr, err := net.ResolveUDPAddr("udp", n.laddr)
	if err != nil {
		return -1, fmt.Errorf("sniffer(%s): resolve %s: %w", n.name, n.laddr, err)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return -1, fmt.Errorf("sniffer(%s): listen %s: %w", n.name, n.laddr, err)
	}

	n.conn = conn

	file, err := conn.File()
	if err != nil {
		// Still usable in poll mode, just not selectable by raw fd.
		return -1, nil
	}
	return int(file.Fd()), nil
}

// netflowV5Header is the fixed 24-byte NetFlow v5 export header.
type netflowV5Header struct {
	Version  uint16
	Count    uint16
	Uptime   uint32
	UnixSecs uint32
	UnixNSec uint32
	FlowSeq  uint32
	EngType  uint8
	EngID    uint8
	Sampling uint16
}

const netflowV5RecordSize = 48
const netflowV5HeaderSize = 24

func (n *NetflowSniffer) Next(ctx context.Context, ring *ppbuf.Ring, maxPkts uint32, maxInterval int64, firstRefPkt ntptime.Stamp) (uint32, error) {
	free := ring.Begin()
	if maxPkts > free {
		maxPkts = free
	}

	n.conn.SetReadDeadline(time.Now().Add(time.Duration(maxInterval)))

	buf := make([]byte, 1500)
	var captured, drops uint32

	for captured < maxPkts {
		nread, _, err := n.conn.ReadFromUDP(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				break
			}
			return drops, fmt.Errorf("%w: sniffer(%s): read udp: %v", ErrFatal, n.name, err)
		}

		if nread < netflowV5HeaderSize {
			drops++
			n.dropped++
			continue
		}

		var hdr netflowV5Header
		hdr.Version = binary.BigEndian.Uint16(buf[0:2])
		hdr.Count = binary.BigEndian.Uint16(buf[2:4])
		hdr.UnixSecs = binary.BigEndian.Uint32(buf[8:12])
		hdr.UnixNSec = binary.BigEndian.Uint32(buf[12:16])

		exportTS := ntptime.Stamp{Sec: hdr.UnixSecs, Frac: uint32((uint64(hdr.UnixNSec) << 32) / 1_000_000_000)}

		count := int(hdr.Count)
		if count > (nread-netflowV5HeaderSize)/netflowV5RecordSize {
			count = (nread - netflowV5HeaderSize) / netflowV5RecordSize
		}

		for i := 0; i < count && captured < maxPkts; i++ {
			rec := buf[netflowV5HeaderSize+i*netflowV5RecordSize:]
			desc := packet.Descriptor{
				Timestamp: exportTS,
				WireLen:   binary.BigEndian.Uint32(rec[20:24]),
				CapLen:    netflowV5RecordSize,
				SourceIdx: n.sourceIdx,
				Type:      packet.TypeOther,
				Payload:   append([]byte(nil), rec[:netflowV5RecordSize]...),
			}
			copy(desc.SrcIP[:4], rec[0:4])
			copy(desc.DstIP[:4], rec[4:8])
			desc.Proto = rec[38]
			desc.SrcPort = binary.BigEndian.Uint16(rec[32:34])
			desc.DstPort = binary.BigEndian.Uint16(rec[34:36])

			ring.Capture(desc)
			captured++
		}
	}

	ring.End()
	return drops, nil
}

func (n *NetflowSniffer) Usage(first, last ntptime.Stamp) float64 { return 0 }
func (n *NetflowSniffer) Full() bool                              { return false }
func (n *NetflowSniffer) Closing() bool                           { return n.closing }

func (n *NetflowSniffer) Stop(ctx context.Context) error {
	if n.conn != nil {
		return n.conn.Close()
	}
	return nil
}

func (n *NetflowSniffer) Finish(ctx context.Context) error { return nil }
