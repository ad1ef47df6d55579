package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"

	"github.com/cyberinferno/echorelay/echo"
	"github.com/cyberinferno/echorelay/listener"
	"github.com/cyberinferno/echorelay/logger"
	"github.com/cyberinferno/echorelay/relay"
	"github.com/cyberinferno/echorelay/server"
	"github.com/rs/zerolog"
)

// runConnectionListener accepts on an inherited listening socket and relays
// every connection through an inherited write end. A pipe gets bare
// descriptor numbers; a Unix socket gets SCM_RIGHTS messages.
func runConnectionListener(ctx context.Context, prog string, args []string, stderr io.Writer) error {
	if len(args) != 2 {
		return usagef(stderr, "%s %s SERVER_FD WRITE_PIPE_FD", prog, server.ModeConnectionListener)
	}

	serverFD, err := parseFD(args[0])
	if err != nil {
		fmt.Fprintln(stderr, err)
		return usagef(stderr, "%s %s SERVER_FD WRITE_PIPE_FD", prog, server.ModeConnectionListener)
	}

	writeFD, err := parseFD(args[1])
	if err != nil {
		fmt.Fprintln(stderr, err)
		return usagef(stderr, "%s %s SERVER_FD WRITE_PIPE_FD", prog, server.ModeConnectionListener)
	}

	base, err := newLogger(stderr, zerolog.InfoLevel, "")
	if err != nil {
		return err
	}
	defer base.Close()
	log := base.With(logger.Field{Key: "role", Value: server.ModeConnectionListener})

	lf := os.NewFile(uintptr(serverFD), "server")
	ln, err := net.FileListener(lf)
	_ = lf.Close()
	if err != nil {
		log.Error("invalid listening socket", logger.Field{Key: "fd", Value: serverFD}, logger.Field{Key: "error", Value: err.Error()})
		return err
	}
	defer ln.Close()

	out, closeOut, err := relayWriter(os.NewFile(uintptr(writeFD), "relay"))
	if err != nil {
		log.Error("invalid relay descriptor", logger.Field{Key: "fd", Value: writeFD}, logger.Field{Key: "error", Value: err.Error()})
		return err
	}
	defer closeOut()

	err = listener.New(ln, out, log).Run(ctx)
	if err == nil || errors.Is(err, context.Canceled) {
		return nil
	}

	log.Error("listener stopped", logger.Field{Key: "error", Value: err.Error()})
	return err
}

func relayWriter(f *os.File) (relay.Writer, func(), error) {
	isSock, err := relay.IsSocket(f)
	if err != nil {
		_ = f.Close()
		return nil, nil, err
	}

	if isSock {
		c, err := net.FileConn(f)
		_ = f.Close()
		if err != nil {
			return nil, nil, err
		}

		uc, ok := c.(*net.UnixConn)
		if !ok {
			_ = c.Close()
			return nil, nil, fmt.Errorf("relay socket is %T, want a Unix socket", c)
		}

		return relay.NewRightsWriter(uc), func() { _ = uc.Close() }, nil
	}

	w := relay.NewFDWriter(f)
	return w, func() {
		_ = w.Close()
		_ = f.Close()
	}, nil
}

// runRequestHandler echoes on one inherited connected socket. A handler
// process serves exactly one connection, so its pid identifies it in logs.
func runRequestHandler(ctx context.Context, prog string, args []string, stderr io.Writer) error {
	if len(args) != 1 {
		return usagef(stderr, "%s %s CLIENT_FD", prog, server.ModeRequestHandler)
	}

	fd, err := parseFD(args[0])
	if err != nil {
		fmt.Fprintln(stderr, err)
		return usagef(stderr, "%s %s CLIENT_FD", prog, server.ModeRequestHandler)
	}

	base, err := newLogger(stderr, zerolog.InfoLevel, "")
	if err != nil {
		return err
	}
	defer base.Close()
	log := base.With(logger.Field{Key: "role", Value: server.ModeRequestHandler})

	f := os.NewFile(uintptr(fd), "client")
	conn, err := net.FileConn(f)
	_ = f.Close()
	if err != nil {
		log.Error("invalid connection descriptor", logger.Field{Key: "fd", Value: fd}, logger.Field{Key: "error", Value: err.Error()})
		return err
	}

	if err := echo.NewSession(uint32(os.Getpid()), conn, log).Handle(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}
