package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/cyberinferno/echorelay/echo"
	"github.com/cyberinferno/echorelay/echoclient"
	"github.com/cyberinferno/echorelay/logger"
	"github.com/cyberinferno/echorelay/server"
	"github.com/rs/zerolog"
)

func runServe(ctx context.Context, prog string, args []string, stderr io.Writer) error {
	def := server.DefaultConfig()

	fs := flag.NewFlagSet(prog+" "+modeServe, flag.ContinueOnError)
	fs.SetOutput(stderr)
	addr := fs.String("addr", def.Addr, "TCP address to listen on")
	bufSize := fs.Int("buffer", echo.DefaultBufferSize, "receive buffer size per connection (in-process mode)")
	capacity := fs.Int("relay-capacity", def.RelayCapacity, "accepted connections that may wait for a handler (in-process mode)")
	history := fs.Duration("history", def.HistoryRetention, "how long finished sessions are remembered (in-process mode)")
	isolated := fs.Bool("isolated", false, "run the listener and every handler as separate processes")
	level := fs.String("log-level", "info", "minimum log level")
	logDir := fs.String("log-dir", "", "also write daily-rotated log files to this directory")

	if err := fs.Parse(args); err != nil {
		return errUsage
	}

	if fs.NArg() != 0 {
		return usagef(stderr, "%s %s [flags]", prog, modeServe)
	}

	lvl, err := zerolog.ParseLevel(*level)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return errUsage
	}

	log, err := newLogger(stderr, lvl, *logDir)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return err
	}
	defer log.Close()

	if *isolated {
		return serveIsolated(ctx, *addr, log, stderr)
	}

	cfg := def
	cfg.Addr = *addr
	cfg.BufferSize = *bufSize
	cfg.RelayCapacity = *capacity
	cfg.HistoryRetention = *history

	srv := server.New(cfg, log)
	if err := srv.Start(ctx); err != nil {
		return err
	}

	return srv.Wait()
}

func serveIsolated(ctx context.Context, addr string, log logger.Logger, stderr io.Writer) error {
	exe, err := os.Executable()
	if err != nil {
		log.Error("cannot locate executable", logger.Field{Key: "error", Value: err.Error()})
		return err
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		log.Error("server failed to start", logger.Field{Key: "error", Value: err.Error()})
		return err
	}
	defer ln.Close()

	log.Info("isolated server started", logger.Field{Key: "addr", Value: ln.Addr().String()})

	sup := server.NewSupervisor(exe, ln, log)
	sup.SetStderr(stderr)
	if err := sup.Run(ctx); err != nil {
		log.Error("supervisor stopped", logger.Field{Key: "error", Value: err.Error()})
		return err
	}

	return nil
}

func runProbe(ctx context.Context, prog string, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet(prog+" "+modeProbe, flag.ContinueOnError)
	fs.SetOutput(stderr)
	timeout := fs.Duration("timeout", 10*time.Second, "dial and I/O timeout")

	if err := fs.Parse(args); err != nil {
		return errUsage
	}

	if fs.NArg() < 2 {
		return usagef(stderr, "%s %s [flags] ADDR MESSAGE...", prog, modeProbe)
	}

	cfg := echoclient.DefaultConfig(fs.Arg(0))
	cfg.DialTimeout = *timeout
	cfg.IOTimeout = *timeout

	c, err := echoclient.Dial(ctx, cfg)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return err
	}
	defer c.Close()

	got, err := c.Echo([]byte(strings.Join(fs.Args()[1:], " ")))
	if err != nil {
		if errors.Is(err, echoclient.ErrMismatch) {
			fmt.Fprintf(stderr, "%v: got %q\n", err, got)
		} else {
			fmt.Fprintln(stderr, err)
		}

		return err
	}

	fmt.Fprintln(stdout, string(got))
	return c.CloseWrite()
}
