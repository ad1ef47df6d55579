// Package echo runs the echo protocol on one accepted connection: every byte
// received is written back unchanged and in order until the peer shuts down
// its write side or an I/O error occurs.
package echo

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cyberinferno/echorelay/logger"
)

// DefaultBufferSize bounds a single receive. Payloads larger than this take
// more than one receive/send round.
const DefaultBufferSize = 1024

// State is the lifecycle state of a Session.
type State int32

const (
	AwaitingData State = iota // Blocked in receive
	Echoing                   // Writing received bytes back
	ClosedClean               // Peer shut down its write side
	ClosedError               // Receive or send failed
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case AwaitingData:
		return "AwaitingData"
	case Echoing:
		return "Echoing"
	case ClosedClean:
		return "ClosedClean"
	case ClosedError:
		return "ClosedError"
	default:
		return "Unknown"
	}
}

// Option configures a Session.
type Option func(*Session)

// WithBufferSize sets the receive buffer capacity. Non-positive sizes are
// ignored.
func WithBufferSize(n int) Option {
	return func(s *Session) {
		if n > 0 {
			s.bufSize = n
		}
	}
}

// Session owns one connection for its whole lifetime and closes it when Handle
// returns.
type Session struct {
	id      uint32
	conn    net.Conn
	log     logger.Logger
	bufSize int
	started time.Time

	state  atomic.Int32
	echoed atomic.Uint64

	closeOnce sync.Once
	closeErr  error
}

// NewSession creates a session for conn. id is used for diagnostics only.
//
// Parameters:
//   - id: The connection's sequence ID
//   - conn: The accepted connection; the session takes ownership
//   - log: Diagnostics sink
//   - opts: Optional settings such as WithBufferSize
//
// Returns:
//   - A Session in state AwaitingData
func NewSession(id uint32, conn net.Conn, log logger.Logger, opts ...Option) *Session {
	s := &Session{
		id:      id,
		conn:    conn,
		bufSize: DefaultBufferSize,
		started: time.Now(),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.log = log.With(
		logger.Field{Key: "conn_id", Value: id},
		logger.Field{Key: "remote", Value: remoteString(conn)},
	)

	return s
}

// ID returns the session's connection ID.
func (s *Session) ID() uint32 {
	return s.id
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// BytesEchoed returns how many bytes have been written back so far.
func (s *Session) BytesEchoed() uint64 {
	return s.echoed.Load()
}

// RemoteAddr returns the peer address, or "" if unknown.
func (s *Session) RemoteAddr() string {
	return remoteString(s.conn)
}

// StartedAt returns when the session was created.
func (s *Session) StartedAt() time.Time {
	return s.started
}

// Handle runs the echo loop until the peer shuts down (nil), an I/O error
// occurs, or ctx is cancelled (non-nil). The connection is closed on return.
func (s *Session) Handle(ctx context.Context) error {
	defer s.Close()

	stop := context.AfterFunc(ctx, func() { _ = s.conn.SetDeadline(time.Unix(1, 0)) })
	defer stop()

	buf := make([]byte, s.bufSize)
	for {
		s.state.Store(int32(AwaitingData))
		n, err := s.conn.Read(buf)
		if n > 0 {
			s.state.Store(int32(Echoing))
			if werr := writeFull(s.conn, buf[:n]); werr != nil {
				return s.fail(ctx, "send", werr)
			}

			s.echoed.Add(uint64(n))
		}

		if err != nil {
			if errors.Is(err, io.EOF) {
				s.state.Store(int32(ClosedClean))
				s.log.Info("connection terminated", logger.Field{Key: "bytes", Value: s.BytesEchoed()})
				return nil
			}

			return s.fail(ctx, "recv", err)
		}
	}
}

// Close closes the connection. It is safe to call multiple times.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.conn.Close()
	})

	return s.closeErr
}

func (s *Session) fail(ctx context.Context, op string, err error) error {
	s.state.Store(int32(ClosedError))
	if ctx.Err() != nil {
		err = ctx.Err()
	}

	s.log.Error(op+" failed", logger.Field{Key: "error", Value: err.Error()})
	return fmt.Errorf("session %d %s: %w", s.id, op, err)
}

// writeFull writes all of p, retrying short writes.
func writeFull(w io.Writer, p []byte) error {
	for len(p) > 0 {
		n, err := w.Write(p)
		if err != nil {
			return err
		}

		if n == 0 {
			return io.ErrShortWrite
		}

		p = p[n:]
	}

	return nil
}

func remoteString(conn net.Conn) string {
	if addr := conn.RemoteAddr(); addr != nil {
		return addr.String()
	}

	return ""
}
