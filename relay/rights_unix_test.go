//go:build unix

package relay

import (
	"context"
	"io"
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// tcpPair returns the server and client side of a loopback TCP connection.
func tcpPair(t *testing.T) (server net.Conn, client net.Conn) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
		close(accepted)
	}()

	client, err = net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)

	server = <-accepted
	require.NotNil(t, server)
	return server, client
}

// socketPair returns both ends of a SocketPair as *net.UnixConn.
func socketPair(t *testing.T) (*net.UnixConn, *net.UnixConn) {
	t.Helper()

	parent, child, err := SocketPair()
	require.NoError(t, err)

	c, err := net.FileConn(child)
	require.NoError(t, err)
	require.NoError(t, child.Close())

	return parent, c.(*net.UnixConn)
}

func TestRights_TransferredConnectionWorks(t *testing.T) {
	readSide, writeSide := socketPair(t)
	defer readSide.Close()
	defer writeSide.Close()

	server, client := tcpPair(t)
	defer client.Close()

	w := NewRightsWriter(writeSide)
	r := NewRightsReader(readSide)

	require.NoError(t, w.Relay(context.Background(), Handle{ID: 42, Conn: server}))

	h, err := r.Next(context.Background())
	require.NoError(t, err)
	defer h.Conn.Close()
	assert.Equal(t, uint32(42), h.ID)

	_, err = client.Write([]byte("ping"))
	require.NoError(t, err)

	buf := make([]byte, 4)
	_ = h.Conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = io.ReadFull(h.Conn, buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf))

	_, err = h.Conn.Write([]byte("pong"))
	require.NoError(t, err)
	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = io.ReadFull(client, buf)
	require.NoError(t, err)
	assert.Equal(t, "pong", string(buf))
}

func TestRights_Order(t *testing.T) {
	readSide, writeSide := socketPair(t)
	defer readSide.Close()
	defer writeSide.Close()

	w := NewRightsWriter(writeSide)
	r := NewRightsReader(readSide)

	var clients []net.Conn
	for i := uint32(1); i <= 5; i++ {
		server, client := tcpPair(t)
		clients = append(clients, client)
		require.NoError(t, w.Relay(context.Background(), Handle{ID: i, Conn: server}))
	}
	defer func() {
		for _, c := range clients {
			_ = c.Close()
		}
	}()

	for want := uint32(1); want <= 5; want++ {
		h, err := r.Next(context.Background())
		require.NoError(t, err)
		assert.Equal(t, want, h.ID)
		_ = h.Conn.Close()
	}
}

func TestRightsReader_Closed(t *testing.T) {
	readSide, writeSide := socketPair(t)
	defer readSide.Close()

	require.NoError(t, writeSide.Close())

	_, err := NewRightsReader(readSide).Next(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestRightsReader_Context(t *testing.T) {
	readSide, writeSide := socketPair(t)
	defer readSide.Close()
	defer writeSide.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := NewRightsReader(readSide).Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRightsWriter_NoDescriptor(t *testing.T) {
	readSide, writeSide := socketPair(t)
	defer readSide.Close()
	defer writeSide.Close()

	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	err := NewRightsWriter(writeSide).Relay(context.Background(), Handle{ID: 1, Conn: a})
	assert.ErrorIs(t, err, ErrNoDescriptor)
}

func TestFDWriter_WritesLiveDescriptor(t *testing.T) {
	server, client := tcpPair(t)
	defer client.Close()

	r, pw, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer pw.Close()

	w := NewFDWriter(pw)
	defer w.Close()

	require.NoError(t, w.Relay(context.Background(), Handle{ID: 1, Conn: server}))
	assert.Equal(t, 1, w.Held())

	fd, err := NewIDReader(r).ReadID()
	require.NoError(t, err)

	sa, err := unix.Getpeername(int(fd))
	require.NoError(t, err)
	peer, ok := sa.(*unix.SockaddrInet4)
	require.True(t, ok)
	assert.Equal(t, client.LocalAddr().(*net.TCPAddr).Port, peer.Port)

	require.NoError(t, w.Close())
	assert.Equal(t, 0, w.Held())
}

func TestIsSocket(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	ok, err := IsSocket(w)
	require.NoError(t, err)
	assert.False(t, ok)

	parent, child, err := SocketPair()
	require.NoError(t, err)
	defer parent.Close()
	defer child.Close()

	ok, err = IsSocket(child)
	require.NoError(t, err)
	assert.True(t, ok)
}
