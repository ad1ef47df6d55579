// Package echoclient is a small client for echo servers: it sends a payload,
// reads the same number of bytes back and checks they match.
package echoclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

// ErrMismatch is returned by Echo when the bytes read back differ from the
// bytes sent.
var ErrMismatch = errors.New("echo mismatch")

// Config holds client settings.
type Config struct {
	// Address is the "host:port" to connect to.
	Address string
	// DialTimeout bounds connection establishment; 0 means no timeout.
	DialTimeout time.Duration
	// IOTimeout bounds each Echo call; 0 means no timeout.
	IOTimeout time.Duration
}

// DefaultConfig returns a Config with default timeouts for the given address.
//
// Parameters:
//   - address: The "host:port" to connect to
//
// Returns:
//   - A Config with DialTimeout 10s and IOTimeout 30s
func DefaultConfig(address string) Config {
	return Config{
		Address:     address,
		DialTimeout: 10 * time.Second,
		IOTimeout:   30 * time.Second,
	}
}

// Client is a connected echo client. It is not safe for concurrent use.
type Client struct {
	cfg  Config
	conn net.Conn
}

// Dial connects to cfg.Address.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	dialer := net.Dialer{Timeout: cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.Address, err)
	}

	return &Client{cfg: cfg, conn: conn}, nil
}

// Echo writes p and reads len(p) bytes back. The write runs concurrently with
// the read so payloads larger than the socket buffers cannot deadlock.
//
// Returns:
//   - The bytes read back, and ErrMismatch if they differ from p
func (c *Client) Echo(p []byte) ([]byte, error) {
	if c.cfg.IOTimeout > 0 {
		if err := c.conn.SetDeadline(time.Now().Add(c.cfg.IOTimeout)); err != nil {
			return nil, err
		}

		defer func() {
			_ = c.conn.SetDeadline(time.Time{})
		}()
	}

	werr := make(chan error, 1)
	go func() {
		_, err := c.conn.Write(p)
		werr <- err
	}()

	got := make([]byte, len(p))
	if _, err := io.ReadFull(c.conn, got); err != nil {
		_ = c.conn.SetWriteDeadline(time.Unix(1, 0))
		<-werr
		return nil, fmt.Errorf("receive: %w", err)
	}

	if err := <-werr; err != nil {
		return nil, fmt.Errorf("send: %w", err)
	}

	if !bytes.Equal(got, p) {
		return got, ErrMismatch
	}

	return got, nil
}

// CloseWrite shuts down the sending side, which an echo server observes as an
// orderly shutdown.
func (c *Client) CloseWrite() error {
	cw, ok := c.conn.(interface{ CloseWrite() error })
	if !ok {
		return c.conn.Close()
	}

	return cw.CloseWrite()
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
