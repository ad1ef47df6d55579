// Package listener accepts connections on an already-listening socket and
// relays each one, in accept order, to a consumer through a relay.Writer.
package listener

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/cyberinferno/echorelay/logger"
	"github.com/cyberinferno/echorelay/relay"
)

// ErrListenerClosed is returned by Run when the listening socket was closed by
// its owner.
var ErrListenerClosed = errors.New("listening socket closed")

const (
	defaultMinBackoff = 5 * time.Millisecond
	defaultMaxBackoff = time.Second
)

// Option configures a Listener.
type Option func(*Listener)

// WithBackoff sets the wait after consecutive accept failures. The first
// failure waits min, each further one doubles it up to max. A zero min
// disables waiting.
func WithBackoff(min, max time.Duration) Option {
	return func(l *Listener) {
		l.minBackoff = min
		l.maxBackoff = max
	}
}

// Listener turns a listening socket into a stream of relay.Handles. It never
// closes the socket it was given.
type Listener struct {
	ln  net.Listener
	out relay.Writer
	log logger.Logger

	minBackoff time.Duration
	maxBackoff time.Duration

	ids      atomic.Uint32
	accepted atomic.Uint64
	failed   atomic.Uint64
}

// New creates a Listener reading from ln and writing handles to out.
//
// Parameters:
//   - ln: An already-listening socket, owned by the caller
//   - out: Write end of the relay
//   - log: Diagnostics sink
//   - opts: Optional settings such as WithBackoff
//
// Returns:
//   - A Listener ready to Run
func New(ln net.Listener, out relay.Writer, log logger.Logger, opts ...Option) *Listener {
	l := &Listener{
		ln:         ln,
		out:        out,
		log:        log,
		minBackoff: defaultMinBackoff,
		maxBackoff: defaultMaxBackoff,
	}

	for _, opt := range opts {
		opt(l)
	}

	return l
}

// Accepted returns how many connections were accepted and relayed.
func (l *Listener) Accepted() uint64 {
	return l.accepted.Load()
}

// Failed returns how many accept attempts failed.
func (l *Listener) Failed() uint64 {
	return l.failed.Load()
}

// Run accepts connections until ctx is done, the socket is closed, or a relay
// write fails. Accept errors are logged and the loop continues. A relay write
// failure closes the connection that could not be relayed and stops the loop,
// since no later connection could be delivered either.
func (l *Listener) Run(ctx context.Context) error {
	if d, ok := l.ln.(interface{ SetDeadline(time.Time) error }); ok {
		stop := context.AfterFunc(ctx, func() { _ = d.SetDeadline(time.Unix(1, 0)) })
		defer func() {
			if !stop() {
				_ = d.SetDeadline(time.Time{})
			}
		}()
	}

	var delay time.Duration
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			if errors.Is(err, net.ErrClosed) {
				l.log.Info("listening socket closed")
				return ErrListenerClosed
			}

			l.failed.Add(1)
			l.log.Error("accept failed", logger.Field{Key: "error", Value: err.Error()})

			delay = l.nextDelay(delay)
			if delay > 0 {
				t := time.NewTimer(delay)
				select {
				case <-ctx.Done():
					t.Stop()
					return ctx.Err()
				case <-t.C:
				}
			}

			continue
		}

		delay = 0
		id := l.ids.Add(1)
		remote := ""
		if addr := conn.RemoteAddr(); addr != nil {
			remote = addr.String()
		}

		if err := l.out.Relay(ctx, relay.Handle{ID: id, Conn: conn}); err != nil {
			_ = conn.Close()
			l.log.Error("relay write failed", logger.Field{Key: "conn_id", Value: id}, logger.Field{Key: "error", Value: err.Error()})
			return fmt.Errorf("relay connection %d: %w", id, err)
		}

		l.accepted.Add(1)
		l.log.Info("connection dispatched", logger.Field{Key: "conn_id", Value: id}, logger.Field{Key: "remote", Value: remote})
	}
}

func (l *Listener) nextDelay(prev time.Duration) time.Duration {
	if l.minBackoff <= 0 {
		return 0
	}

	if prev == 0 {
		return l.minBackoff
	}

	next := prev * 2
	if l.maxBackoff > 0 && next > l.maxBackoff {
		next = l.maxBackoff
	}

	return next
}
