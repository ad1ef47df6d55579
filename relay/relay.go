// Package relay carries accepted connections from the listener to whatever
// consumes them. A relay has exactly one writer and one reader and preserves
// accept order.
//
// Three transports are provided: Chan hands connections over in memory between
// goroutines; FDWriter writes bare descriptor numbers in the fixed-width wire
// format for consumers sharing the descriptor table; RightsWriter and
// RightsReader move the descriptor itself to another process with SCM_RIGHTS.
package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
)

var (
	// ErrClosed is returned once the relay has been closed and, for readers,
	// fully drained.
	ErrClosed = errors.New("relay closed")

	// ErrNoDescriptor is returned when a connection does not expose an OS
	// descriptor, or a received message carries none.
	ErrNoDescriptor = errors.New("relay: connection has no descriptor")
)

// Handle is one accepted connection on its way to a handler. ID is the
// listener-assigned sequence number, unique per listener.
type Handle struct {
	ID   uint32
	Conn net.Conn
}

// Writer is the write end of a relay. On success ownership of h.Conn passes to
// the relay; on failure the caller still owns it.
type Writer interface {
	Relay(ctx context.Context, h Handle) error
}

// Reader is the read end of a relay. Next blocks until a handle arrives, the
// relay is closed or ctx is done. The caller owns every returned connection.
type Reader interface {
	Next(ctx context.Context) (Handle, error)
}

// rawConn returns the syscall.RawConn behind conn.
func rawConn(conn net.Conn) (syscall.RawConn, error) {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrNoDescriptor, conn)
	}

	return sc.SyscallConn()
}
