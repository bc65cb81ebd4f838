package ring

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestPollRingNop(t *testing.T) {
	r, err := NewPollRing(32)
	require.NoError(t, err)
	defer r.Close()

	require.NoError(t, r.Nop(42))
	n, err := r.Submit(0)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	c, err := r.CQE()
	require.NoError(t, err)
	require.EqualValues(t, 42, c.UserData)
}

func TestPollRingSendRecv(t *testing.T) {
	r, err := NewPollRing(32)
	require.NoError(t, err)
	defer r.Close()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	clientDone := make(chan struct{})
	go func() {
		defer close(clientDone)
		conn, err := net.Dial("tcp", ln.Addr().String())
		require.NoError(t, err)
		defer conn.Close()
		_, err = conn.Write([]byte("ping"))
		require.NoError(t, err)
		buf := make([]byte, 4)
		_, _ = conn.Read(buf)
	}()

	srvConn, err := ln.Accept()
	require.NoError(t, err)
	defer srvConn.Close()

	tcpConn := srvConn.(*net.TCPConn)
	raw, err := tcpConn.SyscallConn()
	require.NoError(t, err)

	var fd int
	require.NoError(t, raw.Control(func(u uintptr) { fd = int(u) }))
	dupFd, err := unix.Dup(fd)
	require.NoError(t, err)
	defer unix.Close(dupFd)

	buf := make([]byte, 16)
	require.NoError(t, r.Recv(dupFd, buf, 7))
	_, err = r.Submit(1)
	require.NoError(t, err)

	c, err := r.CQE()
	require.NoError(t, err)
	require.EqualValues(t, 7, c.UserData)
	n, err := c.AsRecv()
	require.NoError(t, err)
	require.Equal(t, "ping", string(buf[:n]))

	require.NoError(t, r.Send(dupFd, []byte("pong"), 8))
	_, err = r.Submit(1)
	require.NoError(t, err)
	c, err = r.CQE()
	require.NoError(t, err)
	sn, err := c.AsSend()
	require.NoError(t, err)
	require.Equal(t, 4, sn)

	select {
	case <-clientDone:
	case <-time.After(2 * time.Second):
		t.Fatal("client goroutine did not finish")
	}
}

func TestPollRingCancelNoEntity(t *testing.T) {
	r, err := NewPollRing(8)
	require.NoError(t, err)
	defer r.Close()

	require.NoError(t, r.Cancel(999))
	_, err = r.Submit(0)
	require.NoError(t, err)

	c, err := r.CQE()
	require.NoError(t, err)
	require.ErrorIs(t, c.AsCancel(), ErrNoEntity)
}

func TestPollRingFrom(t *testing.T) {
	r, err := NewPollRing(8)
	require.NoError(t, err)
	defer r.Close()

	child, err := r.From(8)
	require.NoError(t, err)
	require.NoError(t, child.Nop(1))
	_, err = child.Submit(1)
	require.NoError(t, err)
	c, err := child.CQE()
	require.NoError(t, err)
	require.EqualValues(t, 1, c.UserData)
	require.NoError(t, child.Close())
}
