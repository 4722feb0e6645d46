package sniffer

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/yanet-platform/comocapture/internal/ntptime"
	"github.com/yanet-platform/comocapture/internal/packet"
	"github.com/yanet-platform/comocapture/internal/ppbuf"
)

// wireHeaderSize is the fixed size of spec.md §6's "on-wire packet format
// for inter-node sniffer (peer-of-peers)": a 64-bit timestamp, two 32-bit
// lengths, a 16-bit composite type, a 16-bit dropped-count, three 16-bit
// layer types and four 16-bit layer offsets, all network byte order.
const wireHeaderSize = 8 + 4 + 4 + 2 + 2 + 2*3 + 2*4

// UpstreamSniffer consumes another CAPTURE node's outgoing packet stream
// over TCP, decoding spec.md §6's peer-of-peers wire format. It advertises
// LIVE|SELECT; its payloads are process-private, not shared-memory backed.
type UpstreamSniffer struct {
	name      string
	raddr     string
	sourceIdx uint16

	conn   net.Conn
	reader *bufio.Reader
	closing bool
}

// NewUpstreamSniffer creates a source that dials raddr and reads packets
// forwarded by a peer CAPTURE node.
func NewUpstreamSniffer(name, raddr string, sourceIdx uint16) *UpstreamSniffer {
	return &UpstreamSniffer{name: name, raddr: raddr, sourceIdx: sourceIdx}
}

func (u *UpstreamSniffer) Name() string { return u.name }
func (u *UpstreamSniffer) Flags() Flags { return FlagLive | FlagSelect }

func (u *UpstreamSniffer) SetupMetadata(ctx context.Context) (Metadata, error) {
	return Metadata{TypeTags: []uint16{uint16(packet.TypeOther)}, CaplenMax: 65535}, nil
}

func (u *UpstreamSniffer) Start(ctx context.Context) (int, error) {
	conn, err := net.Dial("tcp", u.raddr)
	if err != nil {
		return -1, fmt.Errorf("sniffer(%s): dial %s: %w", u.name, u.raddr, err)
	}

	u.conn = conn
	u.reader = bufio.NewReaderSize(conn, 1<<16)

	if fileConn, ok := conn.(*net.TCPConn); ok {
		if f, err := fileConn.File(); err == nil {
			return int(f.Fd()), nil
		}
	}
	return -1, nil
}

// EncodePacket writes one packet in spec.md §6's on-wire format, for the
// export side of a CAPTURE-to-CAPTURE link.
func EncodePacket(w io.Writer, d packet.Descriptor) error {
	var hdr [wireHeaderSize]byte
	binary.BigEndian.PutUint32(hdr[0:4], d.Timestamp.Sec)
	binary.BigEndian.PutUint32(hdr[4:8], d.Timestamp.Frac)
	binary.BigEndian.PutUint32(hdr[8:12], d.WireLen)
	binary.BigEndian.PutUint32(hdr[12:16], d.CapLen)
	binary.BigEndian.PutUint16(hdr[16:18], uint16(d.Type))
	binary.BigEndian.PutUint16(hdr[18:20], d.DroppedSince)
	binary.BigEndian.PutUint16(hdr[20:22], d.Offsets.L2)
	binary.BigEndian.PutUint16(hdr[22:24], d.Offsets.L3)
	binary.BigEndian.PutUint16(hdr[24:26], d.Offsets.L4)
	binary.BigEndian.PutUint16(hdr[26:28], d.Offsets.L7)
	// The three 16-bit L2/L3/L4 type fields (bytes 28-33) are redundant
	// with Type for this implementation's fixed TypeTag set and are
	// zero-filled.
	binary.BigEndian.PutUint16(hdr[28:30], 0)
	binary.BigEndian.PutUint16(hdr[30:32], 0)

	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(d.Payload[:d.CapLen])
	return err
}

// decodePacket reads one packet in spec.md §6's format.
func decodePacket(r io.Reader, sourceIdx uint16) (packet.Descriptor, error) {
	var hdr [wireHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return packet.Descriptor{}, err
	}

	d := packet.Descriptor{
		Timestamp: ntptime.Stamp{
			Sec:  binary.BigEndian.Uint32(hdr[0:4]),
			Frac: binary.BigEndian.Uint32(hdr[4:8]),
		},
		WireLen:   binary.BigEndian.Uint32(hdr[8:12]),
		CapLen:    binary.BigEndian.Uint32(hdr[12:16]),
		Type:      packet.TypeTag(binary.BigEndian.Uint16(hdr[16:18])),
		DroppedSince: binary.BigEndian.Uint16(hdr[18:20]),
		SourceIdx: sourceIdx,
		Offsets: packet.Offsets{
			L2: binary.BigEndian.Uint16(hdr[20:22]),
			L3: binary.BigEndian.Uint16(hdr[22:24]),
			L4: binary.BigEndian.Uint16(hdr[24:26]),
			L7: binary.BigEndian.Uint16(hdr[26:28]),
		},
	}

	if d.CapLen > 1<<20 {
		return d, fmt.Errorf("%w: implausible caplen %d", ErrFatal, d.CapLen)
	}

	payload := make([]byte, d.CapLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return d, err
	}
	d.Payload = payload
	return d, nil
}

func (u *UpstreamSniffer) Next(ctx context.Context, ring *ppbuf.Ring, maxPkts uint32, maxInterval int64, firstRefPkt ntptime.Stamp) (uint32, error) {
	free := ring.Begin()
	if maxPkts > free {
		maxPkts = free
	}

	u.conn.SetReadDeadline(time.Now().Add(time.Duration(maxInterval)))

	var captured, drops uint32
	for captured < maxPkts {
		d, err := decodePacket(u.reader, u.sourceIdx)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				break
			}
			if errors.Is(err, io.EOF) {
				u.closing = true
				break
			}
			return drops, fmt.Errorf("%w: sniffer(%s): decode: %v", ErrFatal, u.name, err)
		}
		if d.Malformed(len(d.Payload)) {
			drops++
			continue
		}
		ring.Capture(d)
		captured++
	}

	ring.End()
	return drops, nil
}

func (u *UpstreamSniffer) Usage(first, last ntptime.Stamp) float64 { return 0 }
func (u *UpstreamSniffer) Full() bool                              { return false }
func (u *UpstreamSniffer) Closing() bool                           { return u.closing }

func (u *UpstreamSniffer) Stop(ctx context.Context) error {
	if u.conn != nil {
		return u.conn.Close()
	}
	return nil
}

func (u *UpstreamSniffer) Finish(ctx context.Context) error { return nil }
