package ipc

import (
	"fmt"
	"net"
	"sync"

	"github.com/google/uuid"
)

// Conn is one framed IPC connection to a peer of a fixed class. It is safe
// for one writer and one reader to use concurrently (distinct halves of
// net.Conn), but not for concurrent writers or concurrent readers.
type Conn struct {
	ID    uuid.UUID
	Class PeerClass
	nc    net.Conn
}

// NewConn wraps an already-accepted or already-dialed net.Conn as an IPC
// peer of the given class, assigning it a fresh uuid handle (spec.md §6
// names peers by role, not by id; the uuid is this implementation's handle
// for peer-table bookkeeping, grounded on the cross-pack convention of
// using github.com/google/uuid for connection/session ids).
func NewConn(nc net.Conn, class PeerClass) *Conn {
	return &Conn{ID: uuid.New(), Class: class, nc: nc}
}

// Send writes one frame of the given type and marshaled payload.
func (c *Conn) Send(msgType MsgType, payload []byte) error {
	return WriteFrame(c.nc, c.Class, uint32(msgType), payload)
}

// Recv reads one frame, returning its type and raw payload for the caller
// to unmarshal via the matching Unmarshal* helper.
func (c *Conn) Recv() (MsgType, []byte, error) {
	hdr, payload, err := ReadFrame(c.nc)
	if err != nil {
		return 0, nil, err
	}
	return MsgType(hdr.Type), payload, nil
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.nc.Close()
}

// PeerTable tracks every live connection of one peer class, mirroring the
// teacher's registry.Registry (coordinator/internal/registry/registry.go):
// a mutex-guarded map keyed by handle, with Register/Unregister/Each.
type PeerTable struct {
	mu    sync.RWMutex
	peers map[uuid.UUID]*Conn
}

// NewPeerTable creates an empty table.
func NewPeerTable() *PeerTable {
	return &PeerTable{peers: make(map[uuid.UUID]*Conn)}
}

// Register adds a connected peer to the table.
func (t *PeerTable) Register(c *Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.peers[c.ID] = c
}

// Unregister removes a peer, e.g. on IPC error (spec.md §7 "IPC error from
// a capture-client peer: local; tear down that client only").
func (t *PeerTable) Unregister(id uuid.UUID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.peers, id)
}

// Get returns a peer by handle.
func (t *PeerTable) Get(id uuid.UUID) (*Conn, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.peers[id]
	return c, ok
}

// Each calls fn for a snapshot of every registered peer.
func (t *PeerTable) Each(fn func(*Conn)) {
	t.mu.RLock()
	peers := make([]*Conn, 0, len(t.peers))
	for _, c := range t.peers {
		peers = append(peers, c)
	}
	t.mu.RUnlock()

	for _, c := range peers {
		fn(c)
	}
}

// Len reports the number of registered peers.
func (t *PeerTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.peers)
}

// Listener wraps a net.Listener, accepting connections and tagging them
// with a fixed PeerClass - one per spec.md §6 channel (SUPERVISOR, EXPORT,
// capture-client).
type Listener struct {
	ln    net.Listener
	class PeerClass
}

// Listen opens a TCP listener for one peer class.
func Listen(addr string, class PeerClass) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("ipc: listen(%s) for %s: %w", addr, class, err)
	}
	return &Listener{ln: ln, class: class}, nil
}

// Addr returns the bound address.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Accept blocks for the next incoming connection, wrapping it as a framed
// Conn of this listener's peer class.
func (l *Listener) Accept() (*Conn, error) {
	nc, err := l.ln.Accept()
	if err != nil {
		return nil, err
	}
	return NewConn(nc, l.class), nil
}

// Close closes the listener.
func (l *Listener) Close() error { return l.ln.Close() }

// Dial connects out to a peer's listener (used by cmd/capture-client and
// the engine tests to reach a running core; symmetric with Listen).
func Dial(addr string, class PeerClass) (*Conn, error) {
	nc, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("ipc: dial(%s) for %s: %w", addr, class, err)
	}
	return NewConn(nc, class), nil
}
