//go:build unix

package relay

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// RightsWriter relays connections to another process over a Unix socket. Each
// handle is one message: the 4-byte native-endian ID as payload and the
// connection's descriptor as SCM_RIGHTS ancillary data.
type RightsWriter struct {
	conn *net.UnixConn
}

// NewRightsWriter returns a RightsWriter sending on conn.
func NewRightsWriter(conn *net.UnixConn) *RightsWriter {
	return &RightsWriter{conn: conn}
}

// Relay implements Writer. On success the local copy of the connection is
// closed; the receiving process holds the only remaining one.
func (w *RightsWriter) Relay(ctx context.Context, h Handle) error {
	rc, err := rawConn(h.Conn)
	if err != nil {
		return err
	}

	var oob []byte
	if err := rc.Control(func(fd uintptr) { oob = unix.UnixRights(int(fd)) }); err != nil {
		return fmt.Errorf("relay: connection %d descriptor: %w", h.ID, err)
	}

	var payload [IDWidth]byte
	binary.NativeEndian.PutUint32(payload[:], h.ID)

	_ = w.conn.SetWriteDeadline(time.Time{})
	stop := context.AfterFunc(ctx, func() { _ = w.conn.SetWriteDeadline(time.Unix(1, 0)) })
	defer stop()

	n, oobn, err := w.conn.WriteMsgUnix(payload[:], oob, nil)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		return fmt.Errorf("relay: send connection %d: %w", h.ID, err)
	}

	if n != len(payload) || oobn != len(oob) {
		return fmt.Errorf("relay: send connection %d: %w", h.ID, io.ErrShortWrite)
	}

	_ = h.Conn.Close()
	return nil
}

// RightsReader receives handles sent by a RightsWriter.
type RightsReader struct {
	conn *net.UnixConn
	oob  []byte
}

// NewRightsReader returns a RightsReader receiving on conn.
func NewRightsReader(conn *net.UnixConn) *RightsReader {
	return &RightsReader{
		conn: conn,
		oob:  make([]byte, unix.CmsgSpace(4)),
	}
}

// Next implements Reader. It returns ErrClosed once the sending side has gone.
func (r *RightsReader) Next(ctx context.Context) (Handle, error) {
	_ = r.conn.SetReadDeadline(time.Time{})
	stop := context.AfterFunc(ctx, func() { _ = r.conn.SetReadDeadline(time.Unix(1, 0)) })
	defer stop()

	var payload [IDWidth]byte
	n, oobn, _, _, err := r.conn.ReadMsgUnix(payload[:], r.oob)
	if err != nil {
		if ctx.Err() != nil {
			return Handle{}, ctx.Err()
		}

		if errors.Is(err, io.EOF) {
			return Handle{}, ErrClosed
		}

		return Handle{}, fmt.Errorf("relay: receive: %w", err)
	}

	if n == 0 && oobn == 0 {
		return Handle{}, ErrClosed
	}

	fds, err := parseRights(r.oob[:oobn])
	if err != nil {
		return Handle{}, err
	}

	if len(fds) != 1 || n != IDWidth {
		for _, fd := range fds {
			_ = unix.Close(fd)
		}

		return Handle{}, fmt.Errorf("%w: got %d descriptors and %d payload bytes", ErrNoDescriptor, len(fds), n)
	}

	id := binary.NativeEndian.Uint32(payload[:])
	f := os.NewFile(uintptr(fds[0]), fmt.Sprintf("relay-conn-%d", id))
	conn, err := net.FileConn(f)
	_ = f.Close()
	if err != nil {
		return Handle{}, fmt.Errorf("relay: connection %d: %w", id, err)
	}

	return Handle{ID: id, Conn: conn}, nil
}

func parseRights(oob []byte) ([]int, error) {
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, fmt.Errorf("relay: parse control message: %w", err)
	}

	var fds []int
	for i := range msgs {
		got, err := unix.ParseUnixRights(&msgs[i])
		if err != nil {
			continue
		}

		fds = append(fds, got...)
	}

	return fds, nil
}

// SocketPair creates a connected SOCK_SEQPACKET Unix socket pair for a
// RightsWriter/RightsReader across a process boundary. parent stays in this
// process; child is meant to be inherited by a child process (for example via
// exec.Cmd.ExtraFiles) and closed here afterwards.
func SocketPair() (parent *net.UnixConn, child *os.File, err error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_SEQPACKET, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("relay: socketpair: %w", err)
	}

	unix.CloseOnExec(fds[0])
	unix.CloseOnExec(fds[1])

	pf := os.NewFile(uintptr(fds[0]), "relay-parent")
	c, err := net.FileConn(pf)
	_ = pf.Close()
	if err != nil {
		_ = unix.Close(fds[1])
		return nil, nil, fmt.Errorf("relay: socketpair: %w", err)
	}

	uc, ok := c.(*net.UnixConn)
	if !ok {
		_ = c.Close()
		_ = unix.Close(fds[1])
		return nil, nil, fmt.Errorf("relay: socketpair: unexpected %T", c)
	}

	return uc, os.NewFile(uintptr(fds[1]), "relay-child"), nil
}

// IsSocket reports whether f refers to a socket rather than, say, a pipe.
func IsSocket(f *os.File) (bool, error) {
	rc, err := f.SyscallConn()
	if err != nil {
		return false, err
	}

	var serr error
	if err := rc.Control(func(fd uintptr) {
		_, serr = unix.GetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_TYPE)
	}); err != nil {
		return false, err
	}

	if errors.Is(serr, unix.ENOTSOCK) {
		return false, nil
	}

	if serr != nil {
		return false, serr
	}

	return true, nil
}
