package ipc

import (
	"encoding/binary"
	"fmt"

	"github.com/yanet-platform/comocapture/internal/ntptime"
)

// MsgType enumerates every message named in spec.md §6, across all three
// peer channels; PeerClass on the frame already disambiguates which
// channel a given type applies to, so one flat enum is enough.
type MsgType uint32

const (
	// SUPERVISOR -> CAPTURE
	MsgAddModule MsgType = iota + 1
	MsgDelModule
	MsgStart
	MsgExit

	// CAPTURE -> SUPERVISOR
	MsgSniffersInitialized
	MsgModuleAdded
	MsgModuleRemoved
	MsgModuleFailed

	// EXPORT <-> CAPTURE
	MsgAttachModule
	MsgModuleAttached
	MsgProcessShmTuples
	MsgProcessSerTuples
	MsgDone

	// capture-client <-> CAPTURE
	MsgOpen
	MsgOpenRes
	MsgError
	MsgNewBatch
	MsgAckBatch
)

// putString/getString encode a length-prefixed (uint32) string/byte blob,
// matching the variable-length fields spec.md §6 names (module names,
// serialized blobs, tuple payloads).
func putString(buf []byte, s string) []byte {
	var lenBuf [4]byte
	hostOrder.PutUint32(lenBuf[:], uint32(len(s)))
	buf = append(buf, lenBuf[:]...)
	return append(buf, s...)
}

func putBytes(buf []byte, b []byte) []byte {
	var lenBuf [4]byte
	hostOrder.PutUint32(lenBuf[:], uint32(len(b)))
	buf = append(buf, lenBuf[:]...)
	return append(buf, b...)
}

func getString(buf []byte) (string, []byte, error) {
	b, rest, err := getBytes(buf)
	return string(b), rest, err
}

func getBytes(buf []byte) ([]byte, []byte, error) {
	if len(buf) < 4 {
		return nil, nil, fmt.Errorf("ipc: truncated length prefix")
	}
	n := hostOrder.Uint32(buf[:4])
	buf = buf[4:]
	if uint32(len(buf)) < n {
		return nil, nil, fmt.Errorf("ipc: truncated field: want %d bytes, have %d", n, len(buf))
	}
	return buf[:n], buf[n:], nil
}

func putStamp(buf []byte, s ntptime.Stamp) []byte {
	var b [8]byte
	binary.BigEndian.PutUint32(b[0:4], s.Sec)
	binary.BigEndian.PutUint32(b[4:8], s.Frac)
	return append(buf, b[:]...)
}

func getStamp(buf []byte) (ntptime.Stamp, []byte, error) {
	if len(buf) < 8 {
		return ntptime.Stamp{}, nil, fmt.Errorf("ipc: truncated timestamp")
	}
	return ntptime.Stamp{
		Sec:  binary.BigEndian.Uint32(buf[0:4]),
		Frac: binary.BigEndian.Uint32(buf[4:8]),
	}, buf[8:], nil
}

func putU32(buf []byte, v uint32) []byte {
	var b [4]byte
	hostOrder.PutUint32(b[:], v)
	return append(buf, b[:]...)
}

func putU64(buf []byte, v uint64) []byte {
	var b [8]byte
	hostOrder.PutUint64(b[:], v)
	return append(buf, b[:]...)
}

func getU32(buf []byte) (uint32, []byte, error) {
	if len(buf) < 4 {
		return 0, nil, fmt.Errorf("ipc: truncated uint32")
	}
	return hostOrder.Uint32(buf[:4]), buf[4:], nil
}

func getU64(buf []byte) (uint64, []byte, error) {
	if len(buf) < 8 {
		return 0, nil, fmt.Errorf("ipc: truncated uint64")
	}
	return hostOrder.Uint64(buf[:8]), buf[8:], nil
}

// AddModule is SUPERVISOR -> CAPTURE's ADD_MODULE(serialized_module_blob).
type AddModule struct {
	Blob []byte
}

func (m AddModule) Marshal() []byte { return putBytes(nil, m.Blob) }

func UnmarshalAddModule(b []byte) (AddModule, error) {
	blob, _, err := getBytes(b)
	return AddModule{Blob: blob}, err
}

// DelModule is SUPERVISOR -> CAPTURE's DEL_MODULE(name).
type DelModule struct {
	Name string
}

func (m DelModule) Marshal() []byte { return putString(nil, m.Name) }

func UnmarshalDelModule(b []byte) (DelModule, error) {
	name, _, err := getString(b)
	return DelModule{Name: name}, err
}

// ModuleFailed is CAPTURE -> SUPERVISOR's MODULE_FAILED(name, reason).
type ModuleFailed struct {
	Name   string
	Reason string
}

func (m ModuleFailed) Marshal() []byte {
	buf := putString(nil, m.Name)
	return putString(buf, m.Reason)
}

func UnmarshalModuleFailed(b []byte) (ModuleFailed, error) {
	name, rest, err := getString(b)
	if err != nil {
		return ModuleFailed{}, err
	}
	reason, _, err := getString(rest)
	return ModuleFailed{Name: name, Reason: reason}, err
}

// ModuleName carries only a module name, used for MODULE_ADDED,
// MODULE_REMOVED and MODULE_ATTACHED.
type ModuleName struct {
	Name string
}

func (m ModuleName) Marshal() []byte { return putString(nil, m.Name) }

func UnmarshalModuleName(b []byte) (ModuleName, error) {
	name, _, err := getString(b)
	return ModuleName{Name: name}, err
}

// AttachModule is EXPORT -> CAPTURE's ATTACH_MODULE(name, use_shmem).
type AttachModule struct {
	Name     string
	UseShmem bool
}

func (m AttachModule) Marshal() []byte {
	buf := putString(nil, m.Name)
	flag := byte(0)
	if m.UseShmem {
		flag = 1
	}
	return append(buf, flag)
}

func UnmarshalAttachModule(b []byte) (AttachModule, error) {
	name, rest, err := getString(b)
	if err != nil {
		return AttachModule{}, err
	}
	if len(rest) < 1 {
		return AttachModule{}, fmt.Errorf("ipc: truncated ATTACH_MODULE")
	}
	return AttachModule{Name: name, UseShmem: rest[0] != 0}, nil
}

// ProcessShmTuples is CAPTURE -> EXPORT's
// PROCESS_SHM_TUPLES{name, shm_handle, ivl_start, ntuples, mdl_id,
// tuple_bytes, queue_size} - the shmem-handoff encoding of spec.md §4.6.
type ProcessShmTuples struct {
	Name       string
	ShmHandle  uint64
	IvlStart   ntptime.Stamp
	NTuples    uint64
	ModuleID   uint32
	TupleBytes uint64
	QueueSize  uint32
}

func (m ProcessShmTuples) Marshal() []byte {
	buf := putString(nil, m.Name)
	buf = putU64(buf, m.ShmHandle)
	buf = putStamp(buf, m.IvlStart)
	buf = putU64(buf, m.NTuples)
	buf = putU32(buf, m.ModuleID)
	buf = putU64(buf, m.TupleBytes)
	buf = putU32(buf, m.QueueSize)
	return buf
}

func UnmarshalProcessShmTuples(b []byte) (ProcessShmTuples, error) {
	var m ProcessShmTuples
	var err error
	if m.Name, b, err = getString(b); err != nil {
		return m, err
	}
	if m.ShmHandle, b, err = getU64(b); err != nil {
		return m, err
	}
	if m.IvlStart, b, err = getStamp(b); err != nil {
		return m, err
	}
	if m.NTuples, b, err = getU64(b); err != nil {
		return m, err
	}
	if m.ModuleID, b, err = getU32(b); err != nil {
		return m, err
	}
	if m.TupleBytes, b, err = getU64(b); err != nil {
		return m, err
	}
	m.QueueSize, _, err = getU32(b)
	return m, err
}

// ProcessSerTuples is CAPTURE -> EXPORT's
// PROCESS_SER_TUPLES{name, ntuples, tuple_bytes, ivl_start, mdl_id,
// queue_size, serialised payload} - the serialize-and-copy encoding of
// spec.md §4.6.
type ProcessSerTuples struct {
	Name       string
	NTuples    uint64
	TupleBytes uint64
	IvlStart   ntptime.Stamp
	ModuleID   uint32
	QueueSize  uint32
	Payload    []byte
}

func (m ProcessSerTuples) Marshal() []byte {
	buf := putString(nil, m.Name)
	buf = putU64(buf, m.NTuples)
	buf = putU64(buf, m.TupleBytes)
	buf = putStamp(buf, m.IvlStart)
	buf = putU32(buf, m.ModuleID)
	buf = putU32(buf, m.QueueSize)
	buf = putBytes(buf, m.Payload)
	return buf
}

func UnmarshalProcessSerTuples(b []byte) (ProcessSerTuples, error) {
	var m ProcessSerTuples
	var err error
	if m.Name, b, err = getString(b); err != nil {
		return m, err
	}
	if m.NTuples, b, err = getU64(b); err != nil {
		return m, err
	}
	if m.TupleBytes, b, err = getU64(b); err != nil {
		return m, err
	}
	if m.IvlStart, b, err = getStamp(b); err != nil {
		return m, err
	}
	if m.ModuleID, b, err = getU32(b); err != nil {
		return m, err
	}
	if m.QueueSize, b, err = getU32(b); err != nil {
		return m, err
	}
	m.Payload, _, err = getBytes(b)
	return m, err
}

// OpenRes is CAPTURE -> capture-client's OPEN_RES(id, sampling_cell_handle).
type OpenRes struct {
	ClientID   uint32
	SamplingID uint64
}

func (m OpenRes) Marshal() []byte {
	buf := putU32(nil, m.ClientID)
	return putU64(buf, m.SamplingID)
}

func UnmarshalOpenRes(b []byte) (OpenRes, error) {
	var m OpenRes
	var err error
	if m.ClientID, b, err = getU32(b); err != nil {
		return m, err
	}
	m.SamplingID, _, err = getU64(b)
	return m, err
}

// ErrorMsg is a generic ERROR(reason) response, used on the capture-client
// channel per spec.md §6 "OPEN -> {OPEN_RES(...) | ERROR}".
type ErrorMsg struct {
	Reason string
}

func (m ErrorMsg) Marshal() []byte { return putString(nil, m.Reason) }

func UnmarshalErrorMsg(b []byte) (ErrorMsg, error) {
	reason, _, err := getString(b)
	return ErrorMsg{Reason: reason}, err
}

// BatchMsg carries NEW_BATCH(id, batch_handle) and ACK_BATCH(id,
// batch_handle) - both share the same (client id, opaque batch handle)
// shape, per spec.md §6.
type BatchMsg struct {
	ClientID    uint32
	BatchHandle uint64
}

func (m BatchMsg) Marshal() []byte {
	buf := putU32(nil, m.ClientID)
	return putU64(buf, m.BatchHandle)
}

func UnmarshalBatchMsg(b []byte) (BatchMsg, error) {
	var m BatchMsg
	var err error
	if m.ClientID, b, err = getU32(b); err != nil {
		return m, err
	}
	m.BatchHandle, _, err = getU64(b)
	return m, err
}
