package sniffer

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/gopacket/gopacket/pcapgo"

	"github.com/yanet-platform/comocapture/internal/ntptime"
	"github.com/yanet-platform/comocapture/internal/packet"
	"github.com/yanet-platform/comocapture/internal/ppbuf"
)

// FileSniffer replays a pcap trace file as a FILE|POLL source. It never
// reports FlagSharedBuffer: payloads live in process-private Go memory, not
// in a region capture-clients can map.
type FileSniffer struct {
	name string
	path string

	fh     *os.File
	reader *pcapgo.Reader

	closing   bool
	completed bool
	sourceIdx uint16
	dropped   uint32

	// replayFromWall is the wall-clock instant Start was called; when
	// paced is set, packet timestamps are paced against it to simulate
	// real-time replay rather than dumped as fast as possible (spec.md §4.7
	// step 6 "optionally delay to simulate real-time replay").
	replayFromWall time.Time
	firstPktTS     time.Time
	paced          bool
}

// NewFileSniffer creates a trace-file replay source. sourceIdx is the
// numeric source-sniffer index stamped onto every packet descriptor.
func NewFileSniffer(name, path string, sourceIdx uint16, paced bool) *FileSniffer {
	return &FileSniffer{name: name, path: path, sourceIdx: sourceIdx, paced: paced}
}

func (f *FileSniffer) Name() string { return f.name }

func (f *FileSniffer) Flags() Flags { return FlagFile | FlagPoll }

func (f *FileSniffer) SetupMetadata(ctx context.Context) (Metadata, error) {
	return Metadata{
		TypeTags:  []uint16{uint16(packet.TypeIPv4), uint16(packet.TypeIPv6), uint16(packet.TypeOther)},
		CaplenMax: 65535,
	}, nil
}

func (f *FileSniffer) Start(ctx context.Context) (int, error) {
	fh, err := os.Open(f.path)
	if err != nil {
		return -1, fmt.Errorf("sniffer(%s): open %s: %w", f.name, f.path, err)
	}

	reader, err := pcapgo.NewReader(fh)
	if err != nil {
		fh.Close()
		return -1, fmt.Errorf("sniffer(%s): parse pcap header: %w", f.name, err)
	}

	f.fh = fh
	f.reader = reader
	f.replayFromWall = time.Now()
	return -1, nil // poll-only, no selectable fd
}

func (f *FileSniffer) Next(ctx context.Context, ring *ppbuf.Ring, maxPkts uint32, maxInterval int64, firstRefPkt ntptime.Stamp) (uint32, error) {
	if f.completed {
		return 0, nil
	}

	free := ring.Begin()
	if maxPkts > free {
		maxPkts = free
	}

	deadline := time.Now().Add(time.Duration(maxInterval))
	var captured uint32
	var drops uint32

	for captured < maxPkts && time.Now().Before(deadline) {
		data, ci, err := f.reader.ReadPacketData()
		if err == io.EOF {
			f.completed = true
			f.closing = true
			break
		}
		if err != nil {
			return drops, fmt.Errorf("%w: sniffer(%s): read packet: %v", ErrFatal, f.name, err)
		}

		if f.firstPktTS.IsZero() {
			f.firstPktTS = ci.Timestamp
		}
		if f.paced {
			wallOffset := ci.Timestamp.Sub(f.firstPktTS)
			target := f.replayFromWall.Add(wallOffset)
			if d := time.Until(target); d > 0 {
				time.Sleep(d)
			}
		}

		desc, err := packet.ParseEthernet(data, ntptime.FromTime(ci.Timestamp), f.sourceIdx, uint16(f.dropped))
		if err != nil {
			drops++
			f.dropped++
			continue
		}
		desc.CapLen = uint32(ci.CaptureLength)
		desc.WireLen = uint32(ci.Length)

		ring.Capture(desc)
		captured++
	}

	ring.End()
	return drops, nil
}

func (f *FileSniffer) Usage(first, last ntptime.Stamp) float64 {
	// A trace-file source has no internal buffering beyond the OS's file
	// cache, so it never drives client backpressure upward.
	return 0
}

func (f *FileSniffer) Full() bool    { return false }
func (f *FileSniffer) Closing() bool { return f.closing }

func (f *FileSniffer) Stop(ctx context.Context) error {
	return nil
}

func (f *FileSniffer) Finish(ctx context.Context) error {
	if f.fh != nil {
		return f.fh.Close()
	}
	return nil
}
