package relay

import (
	"context"
	"sync"
)

// Chan is an in-memory relay between goroutines of one process. Handles are
// passed directly, so no descriptor numbers cross any boundary.
type Chan struct {
	ch        chan Handle
	done      chan struct{}
	closeOnce sync.Once
}

// NewChan creates a Chan. With capacity 0 every Relay waits for the reader.
func NewChan(capacity int) *Chan {
	if capacity < 0 {
		capacity = 0
	}

	return &Chan{
		ch:   make(chan Handle, capacity),
		done: make(chan struct{}),
	}
}

// Relay implements Writer.
func (c *Chan) Relay(ctx context.Context, h Handle) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	select {
	case c.ch <- h:
		return nil
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Next implements Reader. After Close, handles already buffered are still
// returned before ErrClosed.
func (c *Chan) Next(ctx context.Context) (Handle, error) {
	select {
	case h := <-c.ch:
		return h, nil
	case <-c.done:
	case <-ctx.Done():
		return Handle{}, ctx.Err()
	}

	select {
	case h := <-c.ch:
		return h, nil
	default:
		return Handle{}, ErrClosed
	}
}

// Close stops the relay. Pending and future Relay calls fail with ErrClosed.
// It is safe to call multiple times.
func (c *Chan) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

// Drain closes the relay and closes every connection still buffered in it.
// It returns how many were dropped.
func (c *Chan) Drain() int {
	_ = c.Close()

	n := 0
	for {
		select {
		case h := <-c.ch:
			if h.Conn != nil {
				_ = h.Conn.Close()
			}
			n++
		default:
			return n
		}
	}
}
