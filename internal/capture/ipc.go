package capture

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/yanet-platform/comocapture/internal/cabuf"
	"github.com/yanet-platform/comocapture/internal/config"
	"github.com/yanet-platform/comocapture/internal/ipc"
	"github.com/yanet-platform/comocapture/internal/module"
)

// errShutdown unwinds the event loop on an EXIT request from SUPERVISOR
// without being treated as a failure (spec.md §5 "SIGINT/SIGTERM trigger
// orderly exit"; EXIT is the IPC equivalent of that signal).
var errShutdown = errors.New("capture: shutdown requested")

// msgDisconnected is a synthetic MsgType (reusing the zero value, unused by
// the real catalogue since it starts at iota+1) fed into a peerChannel's
// message stream when a connection's read loop exits, so the single loop
// goroutine - not the reader goroutine - decides what a peer disconnect
// means.
const msgDisconnected ipc.MsgType = 0

type inboundMsg struct {
	conn    *ipc.Conn
	typ     ipc.MsgType
	payload []byte
}

// peerChannel owns one IPC listener and every connection it has accepted,
// funnelling received frames into a single channel the core loop drains.
type peerChannel struct {
	listener *ipc.Listener
	peers    *ipc.PeerTable
	messages chan inboundMsg
	log      *zap.SugaredLogger
	class    ipc.PeerClass
}

func newPeerChannel(addr string, class ipc.PeerClass, log *zap.SugaredLogger) (*peerChannel, error) {
	ln, err := ipc.Listen(addr, class)
	if err != nil {
		return nil, err
	}
	return &peerChannel{
		listener: ln,
		peers:    ipc.NewPeerTable(),
		messages: make(chan inboundMsg, 64),
		log:      log.With(zap.Stringer("peer-class", class)),
		class:    class,
	}, nil
}

// acceptLoop runs until ctx is cancelled or the listener errors. net.
// Listener.Accept blocks on the OS call and does not itself observe ctx, so
// a side goroutine closes the listener on cancellation to unblock it -
// otherwise shutdown would hang waiting for a connection that never
// arrives. The engine's Close closes the listener again afterwards; that
// second Listener.Close only returns an error, which is ignored.
func (p *peerChannel) acceptLoop(ctx context.Context) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			p.listener.Close()
		case <-stop:
		}
	}()

	for {
		conn, err := p.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
				return fmt.Errorf("ipc: accept on %s: %w", p.class, err)
			}
		}
		p.peers.Register(conn)
		p.log.Infow("peer connected", zap.Stringer("id", conn.ID))
		go p.readLoop(ctx, conn)
	}
}

func (p *peerChannel) readLoop(ctx context.Context, conn *ipc.Conn) {
	for {
		typ, payload, err := conn.Recv()
		if err != nil {
			p.peers.Unregister(conn.ID)
			select {
			case p.messages <- inboundMsg{conn: conn, typ: msgDisconnected}:
			case <-ctx.Done():
			}
			return
		}
		select {
		case p.messages <- inboundMsg{conn: conn, typ: typ, payload: payload}:
		case <-ctx.Done():
			return
		}
	}
}

func (p *peerChannel) each(fn func(*ipc.Conn)) { p.peers.Each(fn) }

func (p *peerChannel) close() {
	if p.listener != nil {
		p.listener.Close()
	}
	p.peers.Each(func(c *ipc.Conn) { c.Close() })
}

// handleSupervisor processes one SUPERVISOR frame (spec.md §6): ADD_MODULE,
// DEL_MODULE, START, EXIT. Any error returned is fatal (spec.md §7 "IPC
// error from SUPERVISOR ... the core exits").
func (e *Engine) handleSupervisor(ctx context.Context, msg inboundMsg) error {
	if msg.typ == msgDisconnected {
		return fmt.Errorf("capture: supervisor peer disconnected")
	}

	switch msg.typ {
	case ipc.MsgAddModule:
		add, err := ipc.UnmarshalAddModule(msg.payload)
		if err != nil {
			return fmt.Errorf("capture: malformed ADD_MODULE: %w", err)
		}
		e.addModule(ctx, msg.conn, add)

	case ipc.MsgDelModule:
		del, err := ipc.UnmarshalDelModule(msg.payload)
		if err != nil {
			return fmt.Errorf("capture: malformed DEL_MODULE: %w", err)
		}
		e.modules.Unregister(del.Name)
		delete(e.shedders, del.Name)
		delete(e.shedCfg, del.Name)
		_ = msg.conn.Send(ipc.MsgModuleRemoved, ipc.ModuleName{Name: del.Name}.Marshal())

	case ipc.MsgStart:
		e.ready = true
		e.log.Info("received START, core is now ready")

	case ipc.MsgExit:
		e.log.Info("received EXIT from supervisor")
		e.terminating = true
		return errShutdown

	default:
		e.log.Warnw("unexpected message on supervisor channel", zap.Int("type", int(msg.typ)))
	}

	return nil
}

// addModule instantiates a module from an ADD_MODULE blob. The blob's
// interpretation (dlopen target, serialized filter tree) is SUPERVISOR's
// concern per spec.md §1 "Module business logic ... opaque"; this
// implementation treats the blob as a bare module name and always attaches
// the built-in counters callback (DESIGN.md "no dlopen equivalent").
func (e *Engine) addModule(ctx context.Context, conn *ipc.Conn, add ipc.AddModule) {
	name := string(add.Blob)
	if name == "" {
		_ = conn.Send(ipc.MsgModuleFailed, ipc.ModuleFailed{Reason: "empty module blob"}.Marshal())
		return
	}

	cfg := config.ModuleConfig{Name: name, FlushInterval: time.Second}
	m, err := loadModule(cfg, uint32(len(e.modules.List())), e.log, e.onModuleFlush)
	if err != nil {
		_ = conn.Send(ipc.MsgModuleFailed, ipc.ModuleFailed{Name: name, Reason: err.Error()}.Marshal())
		return
	}

	if err := m.Init(ctx, e.now()); err != nil {
		_ = conn.Send(ipc.MsgModuleFailed, ipc.ModuleFailed{Name: name, Reason: err.Error()}.Marshal())
		return
	}

	e.modules.Register(m)
	_ = conn.Send(ipc.MsgModuleAdded, ipc.ModuleName{Name: name}.Marshal())
}

// handleExport processes one EXPORT frame: ATTACH_MODULE transitions a
// module out of waiting-for-export.
func (e *Engine) handleExport(ctx context.Context, msg inboundMsg) error {
	if msg.typ == msgDisconnected {
		return fmt.Errorf("capture: export peer disconnected")
	}

	switch msg.typ {
	case ipc.MsgAttachModule:
		attach, err := ipc.UnmarshalAttachModule(msg.payload)
		if err != nil {
			return fmt.Errorf("capture: malformed ATTACH_MODULE: %w", err)
		}
		if m, ok := e.modules.Get(attach.Name); ok {
			m.UseShmem = attach.UseShmem
			if m.Status == module.StatusWaitingForExport {
				m.Status = module.StatusActive
			}
		}
		_ = msg.conn.Send(ipc.MsgModuleAttached, ipc.ModuleName{Name: attach.Name}.Marshal())

	default:
		e.log.Debugw("unhandled export message", zap.Int("type", int(msg.typ)))
	}

	return nil
}

// handleClient processes one capture-client frame: OPEN and ACK_BATCH.
// Failures here are always local (spec.md §7 "IPC error from a
// capture-client peer: local; tear down that client only").
func (e *Engine) handleClient(ctx context.Context, msg inboundMsg) {
	if msg.typ == msgDisconnected {
		e.closeClient(msg.conn)
		return
	}

	switch msg.typ {
	case ipc.MsgOpen:
		e.openClient(msg.conn)

	case ipc.MsgAckBatch:
		ack, err := ipc.UnmarshalBatchMsg(msg.payload)
		if err != nil {
			e.log.Warnw("malformed ACK_BATCH, dropping client", zap.Error(err))
			e.closeClient(msg.conn)
			return
		}
		e.ackBatch(ack)

	default:
		e.log.Debugw("unhandled client message", zap.Int("type", int(msg.typ)))
	}
}

func (e *Engine) openClient(conn *ipc.Conn) {
	c, err := e.clients.Open()
	if err != nil {
		_ = conn.Send(ipc.MsgError, ipc.ErrorMsg{Reason: err.Error()}.Marshal())
		return
	}

	e.clientIDs[conn.ID.String()] = c.ID
	e.clientConns[c.ID] = conn

	_ = conn.Send(ipc.MsgOpenRes, ipc.OpenRes{ClientID: uint32(c.ID), SamplingID: uint64(c.ID)}.Marshal())
}

func (e *Engine) closeClient(conn *ipc.Conn) {
	id, ok := e.clientIDs[conn.ID.String()]
	if !ok {
		return
	}
	delete(e.clientIDs, conn.ID.String())
	delete(e.clientConns, id)
	e.clients.Close(id)
}

func (e *Engine) ackBatch(ack ipc.BatchMsg) {
	b, ok := e.batchHandles[ack.BatchHandle]
	if !ok {
		return
	}

	var acked *cabuf.Client
	e.clients.Each(func(c *cabuf.Client) {
		if uint32(c.ID) == ack.ClientID {
			acked = c
		}
	})
	if acked == nil {
		return
	}
	acked.Ack(b)
	e.drainQueue()
}
