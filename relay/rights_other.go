//go:build !unix

package relay

import (
	"context"
	"errors"
	"net"
	"os"
)

// RightsWriter is only available on Unix systems.
type RightsWriter struct{}

// NewRightsWriter returns a RightsWriter whose Relay always fails.
func NewRightsWriter(*net.UnixConn) *RightsWriter { return &RightsWriter{} }

// Relay implements Writer.
func (*RightsWriter) Relay(context.Context, Handle) error { return errors.ErrUnsupported }

// RightsReader is only available on Unix systems.
type RightsReader struct{}

// NewRightsReader returns a RightsReader whose Next always fails.
func NewRightsReader(*net.UnixConn) *RightsReader { return &RightsReader{} }

// Next implements Reader.
func (*RightsReader) Next(context.Context) (Handle, error) { return Handle{}, errors.ErrUnsupported }

// SocketPair is only available on Unix systems.
func SocketPair() (*net.UnixConn, *os.File, error) { return nil, nil, errors.ErrUnsupported }

// IsSocket is only available on Unix systems.
func IsSocket(*os.File) (bool, error) { return false, errors.ErrUnsupported }
