//go:build unix

package cli

import (
	"bytes"
	"context"
	"io"
	"net"
	"os"
	"strconv"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/cyberinferno/echorelay/echoclient"
	"github.com/cyberinferno/echorelay/logger"
	"github.com/cyberinferno/echorelay/relay"
	"github.com/cyberinferno/echorelay/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// syncBuffer is a bytes.Buffer safe for concurrent writers.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// handOver returns a fresh descriptor number for f that the caller may pass to
// Run, which takes ownership of it.
func handOver(t *testing.T, f *os.File) string {
	t.Helper()

	fd, err := syscall.Dup(int(f.Fd()))
	require.NoError(t, err)
	return strconv.Itoa(fd)
}

func fileOf(t *testing.T, v interface{ File() (*os.File, error) }) *os.File {
	t.Helper()

	f, err := v.File()
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })
	return f
}

func dialEcho(t *testing.T, addr string) *echoclient.Client {
	t.Helper()

	cfg := echoclient.DefaultConfig(addr)
	cfg.IOTimeout = 5 * time.Second
	c, err := echoclient.Dial(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func startRun(ctx context.Context, stderr io.Writer, args ...string) <-chan int {
	done := make(chan int, 1)
	go func() {
		done <- Run(ctx, append([]string{"echorelay"}, args...), io.Discard, stderr)
	}()
	return done
}

func waitCode(t *testing.T, done <-chan int) int {
	t.Helper()

	select {
	case code := <-done:
		return code
	case <-time.After(10 * time.Second):
		t.Fatal("run did not finish")
		return -1
	}
}

func TestRun_RequestHandler(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer client.Close()

	conn, err := ln.Accept()
	require.NoError(t, err)
	fd := handOver(t, fileOf(t, conn.(*net.TCPConn)))
	require.NoError(t, conn.Close())

	var stderr syncBuffer
	done := startRun(context.Background(), &stderr, server.ModeRequestHandler, fd)

	_, err = client.Write([]byte("ping"))
	require.NoError(t, err)
	got := make([]byte, 4)
	_ = client.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = io.ReadFull(client, got)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(got))

	require.NoError(t, client.(*net.TCPConn).CloseWrite())
	assert.Equal(t, ExitOK, waitCode(t, done))
	assert.Contains(t, stderr.String(), "connection terminated")
}

func TestRun_RequestHandlerBadDescriptor(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	var stderr syncBuffer
	code := waitCode(t, startRun(context.Background(), &stderr, server.ModeRequestHandler, handOver(t, w)))
	assert.Equal(t, ExitFailure, code)
	assert.Contains(t, stderr.String(), "invalid connection descriptor")
}

func TestRun_ConnectionListenerPipe(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	wfd := handOver(t, w)
	require.NoError(t, w.Close())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var stderr syncBuffer
	done := startRun(ctx, &stderr, server.ModeConnectionListener, handOver(t, fileOf(t, ln.(*net.TCPListener))), wfd)

	ids := relay.NewIDReader(r)
	for i := 0; i < 3; i++ {
		client, err := net.Dial("tcp", ln.Addr().String())
		require.NoError(t, err)
		defer client.Close()

		fd, err := ids.ReadID()
		require.NoError(t, err)

		// The listener runs in this process, so the descriptor number is live here.
		sa, err := unix.Getpeername(int(fd))
		require.NoError(t, err)
		assert.Equal(t, client.LocalAddr().(*net.TCPAddr).Port, sa.(*unix.SockaddrInet4).Port)
	}

	cancel()
	assert.Equal(t, ExitOK, waitCode(t, done))
	assert.Contains(t, stderr.String(), "connection dispatched")

	// The write end was released: the pipe reaches EOF.
	_, err = ids.ReadID()
	assert.ErrorIs(t, err, io.EOF)
}

func TestRun_ConnectionListenerBadWriteFD(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	var stderr syncBuffer
	start := time.Now()
	code := waitCode(t, startRun(context.Background(), &stderr, server.ModeConnectionListener,
		handOver(t, fileOf(t, ln.(*net.TCPListener))), "987654"))

	assert.Equal(t, ExitFailure, code)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Contains(t, stderr.String(), "invalid relay descriptor")

	// The accept loop never ran, so the socket is still ours to accept on.
	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer client.Close()

	_ = ln.(*net.TCPListener).SetDeadline(time.Now().Add(5 * time.Second))
	conn, err := ln.Accept()
	require.NoError(t, err)
	_ = conn.Close()
}

func TestRun_ConnectionListenerRights(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	parent, child, err := relay.SocketPair()
	require.NoError(t, err)
	defer parent.Close()
	cfd := handOver(t, child)
	require.NoError(t, child.Close())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := startRun(ctx, io.Discard, server.ModeConnectionListener, handOver(t, fileOf(t, ln.(*net.TCPListener))), cfd)

	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer client.Close()

	h, err := relay.NewRightsReader(parent).Next(context.Background())
	require.NoError(t, err)
	defer h.Conn.Close()
	assert.Equal(t, uint32(1), h.ID)
	assert.Equal(t, client.LocalAddr().String(), h.Conn.RemoteAddr().String())

	cancel()
	assert.Equal(t, ExitOK, waitCode(t, done))
}

func TestSupervisor_Isolated(t *testing.T) {
	t.Setenv(childEnv, "1")

	exe, err := os.Executable()
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	var stderr syncBuffer
	sup := server.NewSupervisor(exe, ln, logger.Nop())
	sup.SetStderr(&stderr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	first := dialEcho(t, ln.Addr().String())
	second := dialEcho(t, ln.Addr().String())

	got, err := first.Echo([]byte("ping"))
	require.NoError(t, err, stderr.String())
	assert.Equal(t, "ping", string(got))

	big := bytes.Repeat([]byte("abcdefghij"), 200)
	got, err = second.Echo(big)
	require.NoError(t, err, stderr.String())
	assert.Equal(t, big, got)

	require.NoError(t, first.CloseWrite())
	require.NoError(t, second.CloseWrite())
	assert.Eventually(t, func() bool {
		return bytes.Count([]byte(stderr.String()), []byte("connection terminated")) == 2
	}, 10*time.Second, 20*time.Millisecond)
	assert.Equal(t, uint64(2), sup.Handlers())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("supervisor did not stop")
	}
}
