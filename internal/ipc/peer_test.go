package ipc

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_ConnSendRecvRoundTrip(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	ca := NewConn(a, PeerExport)
	cb := NewConn(b, PeerExport)

	done := make(chan error, 1)
	go func() {
		done <- ca.Send(MsgModuleAttached, ModuleName{Name: "counters"}.Marshal())
	}()

	msgType, payload, err := cb.Recv()
	require.NoError(t, err)
	require.NoError(t, <-done)

	assert.Equal(t, MsgModuleAttached, msgType)
	name, err := UnmarshalModuleName(payload)
	require.NoError(t, err)
	assert.Equal(t, "counters", name.Name)
}

func Test_PeerTableRegisterUnregister(t *testing.T) {
	a, _ := net.Pipe()
	defer a.Close()

	tbl := NewPeerTable()
	c := NewConn(a, PeerClient)
	tbl.Register(c)
	assert.Equal(t, 1, tbl.Len())

	got, ok := tbl.Get(c.ID)
	require.True(t, ok)
	assert.Same(t, c, got)

	tbl.Unregister(c.ID)
	assert.Equal(t, 0, tbl.Len())
}

func Test_PeerTableEachVisitsAll(t *testing.T) {
	a1, _ := net.Pipe()
	a2, _ := net.Pipe()
	defer a1.Close()
	defer a2.Close()

	tbl := NewPeerTable()
	tbl.Register(NewConn(a1, PeerClient))
	tbl.Register(NewConn(a2, PeerClient))

	count := 0
	tbl.Each(func(*Conn) { count++ })
	assert.Equal(t, 2, count)
}
