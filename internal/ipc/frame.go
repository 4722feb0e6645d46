// Package ipc implements the self-delimiting message framing and peer
// bookkeeping of spec.md §6: a stream-socket carrying
// `{peer-class tag u8, length u32, type u32, payload bytes[length]}`
// frames between CAPTURE and {SUPERVISOR, EXPORT, capture-clients}.
package ipc

import (
	"encoding/binary"
	"fmt"
	"io"
)

// PeerClass tags which external collaborator a frame concerns, per
// spec.md §6.
type PeerClass uint8

const (
	PeerSupervisor PeerClass = iota + 1
	PeerExport
	PeerClient
)

func (c PeerClass) String() string {
	switch c {
	case PeerSupervisor:
		return "supervisor"
	case PeerExport:
		return "export"
	case PeerClient:
		return "client"
	default:
		return "unknown"
	}
}

// maxFrameLength bounds a single frame's payload; used as the sanity check
// that drives this implementation's byte-swap detection (spec.md §6
// "Endianness: host; the receiver detects a swap by inspecting a known
// field and byte-swaps the header on mismatch" - here the known field is
// Length, which in a genuine frame is always below this bound).
const maxFrameLength = 64 << 20

// headerSize is the wire size of the fixed header: 1 byte peer-class, 4
// bytes length, 4 bytes type.
const headerSize = 1 + 4 + 4

// Header is the fixed frame header of spec.md §6.
type Header struct {
	PeerClass PeerClass
	Length    uint32
	Type      uint32
}

// hostOrder is the byte order this process writes frames in. Every peer
// this implementation talks to (SUPERVISOR/EXPORT/capture-clients, all
// same-host per spec.md §1's process model) is expected to match it, but
// ReadFrame still detects and corrects a swapped peer rather than assuming
// it.
var hostOrder = binary.LittleEndian
var swappedOrder = binary.BigEndian

// WriteFrame writes one complete frame: header followed by payload.
func WriteFrame(w io.Writer, class PeerClass, msgType uint32, payload []byte) error {
	var hdr [headerSize]byte
	hdr[0] = byte(class)
	hostOrder.PutUint32(hdr[1:5], uint32(len(payload)))
	hostOrder.PutUint32(hdr[5:9], msgType)

	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("ipc: write header: %w", err)
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return fmt.Errorf("ipc: write payload: %w", err)
		}
	}
	return nil
}

// ReadFrame reads one complete frame, detecting and correcting for a
// byte-swapped peer by inspecting Length against maxFrameLength (spec.md
// §6).
func ReadFrame(r io.Reader) (Header, []byte, error) {
	var raw [headerSize]byte
	if _, err := io.ReadFull(r, raw[:]); err != nil {
		return Header{}, nil, err
	}

	class := PeerClass(raw[0])
	length := hostOrder.Uint32(raw[1:5])
	msgType := hostOrder.Uint32(raw[5:9])

	if length >= maxFrameLength {
		// Known field mismatch: the peer wrote in the other byte order.
		length = swappedOrder.Uint32(raw[1:5])
		msgType = swappedOrder.Uint32(raw[5:9])
		if length >= maxFrameLength {
			return Header{}, nil, fmt.Errorf("ipc: implausible frame length %d in either byte order", length)
		}
	}

	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Header{}, nil, fmt.Errorf("ipc: read payload: %w", err)
		}
	}

	return Header{PeerClass: class, Length: length, Type: msgType}, payload, nil
}
