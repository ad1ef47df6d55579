package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cyberinferno/echorelay/logger"
	"github.com/cyberinferno/echorelay/relay"
)

// Operating modes understood by the echorelay binary.
const (
	ModeConnectionListener = "connection_listener"
	ModeRequestHandler     = "request_handler"
)

// Descriptor numbers of ExtraFiles in a child process.
const (
	firstExtraFD = 3
	stopGrace    = 5 * time.Second
)

// Supervisor runs the listener role in one child process and every echo
// session in a child process of its own. The listener child inherits the
// listening socket and one end of a Unix socket pair; each accepted connection
// comes back over the pair with SCM_RIGHTS and is handed to a new handler
// child.
type Supervisor struct {
	exe    string
	ln     net.Listener
	log    logger.Logger
	stderr io.Writer

	handlers atomic.Uint64
}

// NewSupervisor creates a Supervisor that launches exe in the modes
// ModeConnectionListener and ModeRequestHandler. ln stays owned by the caller.
func NewSupervisor(exe string, ln net.Listener, log logger.Logger) *Supervisor {
	return &Supervisor{
		exe:    exe,
		ln:     ln,
		log:    log,
		stderr: os.Stderr,
	}
}

// SetStderr redirects the children's stderr.
func (s *Supervisor) SetStderr(w io.Writer) {
	s.stderr = w
}

// Handlers returns how many handler processes have been started.
func (s *Supervisor) Handlers() uint64 {
	return s.handlers.Load()
}

// Run starts the listener child and dispatches connections until ctx is done
// or the listener child exits. Children are interrupted on cancellation; Run
// waits for all of them.
func (s *Supervisor) Run(ctx context.Context) error {
	lnFile, err := fileOf(s.ln)
	if err != nil {
		return fmt.Errorf("listening socket: %w", err)
	}

	parent, child, err := relay.SocketPair()
	if err != nil {
		_ = lnFile.Close()
		return err
	}
	defer parent.Close()

	cmd := s.command(ctx, ModeConnectionListener, strconv.Itoa(firstExtraFD), strconv.Itoa(firstExtraFD+1))
	cmd.ExtraFiles = []*os.File{lnFile, child}
	err = cmd.Start()
	_ = lnFile.Close()
	_ = child.Close()
	if err != nil {
		return fmt.Errorf("start %s: %w", ModeConnectionListener, err)
	}

	s.log.Info("listener process started", logger.Field{Key: "pid", Value: cmd.Process.Pid})

	listenerDone := make(chan error, 1)
	go func() { listenerDone <- cmd.Wait() }()

	var wg sync.WaitGroup
	in := relay.NewRightsReader(parent)
	var runErr error
	for {
		h, err := in.Next(ctx)
		if err != nil {
			if !errors.Is(err, relay.ErrClosed) && ctx.Err() == nil {
				runErr = err
			}

			break
		}

		s.spawnHandler(ctx, &wg, h)
	}

	wg.Wait()
	lerr := <-listenerDone
	if ctx.Err() == nil && lerr != nil && runErr == nil {
		runErr = fmt.Errorf("%s exited: %w", ModeConnectionListener, lerr)
	}

	return runErr
}

func (s *Supervisor) spawnHandler(ctx context.Context, wg *sync.WaitGroup, h relay.Handle) {
	log := s.log.With(logger.Field{Key: "conn_id", Value: h.ID})

	f, err := fileOf(h.Conn)
	_ = h.Conn.Close()
	if err != nil {
		log.Error("handler descriptor", logger.Field{Key: "error", Value: err.Error()})
		return
	}

	cmd := s.command(ctx, ModeRequestHandler, strconv.Itoa(firstExtraFD))
	cmd.ExtraFiles = []*os.File{f}
	err = cmd.Start()
	_ = f.Close()
	if err != nil {
		log.Error("handler start failed", logger.Field{Key: "error", Value: err.Error()})
		return
	}

	s.handlers.Add(1)
	log.Debug("handler process started", logger.Field{Key: "pid", Value: cmd.Process.Pid})

	wg.Add(1)
	go func() {
		defer wg.Done()

		if err := cmd.Wait(); err != nil {
			log.Warn("handler exited", logger.Field{Key: "error", Value: err.Error()})
			return
		}

		log.Debug("handler exited")
	}()
}

func (s *Supervisor) command(ctx context.Context, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, s.exe, args...)
	cmd.Stderr = s.stderr
	cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }
	cmd.WaitDelay = stopGrace
	return cmd
}

func fileOf(v any) (*os.File, error) {
	f, ok := v.(interface{ File() (*os.File, error) })
	if !ok {
		return nil, fmt.Errorf("%w: %T", relay.ErrNoDescriptor, v)
	}

	return f.File()
}
