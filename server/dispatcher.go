package server

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/cyberinferno/echorelay/echo"
	"github.com/cyberinferno/echorelay/logger"
	"github.com/cyberinferno/echorelay/registry"
	"github.com/cyberinferno/echorelay/relay"
)

// Dispatcher owns the read end of a relay and starts one echo session per
// handle it receives.
type Dispatcher struct {
	in   relay.Reader
	reg  *registry.Registry
	log  logger.Logger
	opts []echo.Option

	wg      sync.WaitGroup
	started atomic.Uint64
}

// NewDispatcher creates a Dispatcher reading from in and recording sessions in
// reg. opts are applied to every session.
func NewDispatcher(in relay.Reader, reg *registry.Registry, log logger.Logger, opts ...echo.Option) *Dispatcher {
	return &Dispatcher{
		in:   in,
		reg:  reg,
		log:  log,
		opts: opts,
	}
}

// Started returns how many sessions have been started.
func (d *Dispatcher) Started() uint64 {
	return d.started.Load()
}

// Run reads handles until the relay is closed (nil) or ctx is done, then waits
// for every session it started. Sessions are cancelled with ctx; once ctx is
// done their connections are also closed, so a connection that ignores
// deadlines cannot hold up shutdown.
func (d *Dispatcher) Run(ctx context.Context) error {
	defer d.wg.Wait()
	defer func() {
		if ctx.Err() != nil {
			d.reg.CloseAll()
		}
	}()

	for {
		h, err := d.in.Next(ctx)
		if err != nil {
			if errors.Is(err, relay.ErrClosed) {
				return nil
			}

			return err
		}

		d.spawn(ctx, h)
	}
}

func (d *Dispatcher) spawn(ctx context.Context, h relay.Handle) {
	s := echo.NewSession(h.ID, h.Conn, d.log, d.opts...)
	d.reg.Add(s)
	d.started.Add(1)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()

		err := s.Handle(ctx)
		sum := d.reg.Finish(s, err)
		d.log.Debug("session finished",
			logger.Field{Key: "conn_id", Value: sum.ID},
			logger.Field{Key: "state", Value: sum.State.String()},
			logger.Field{Key: "bytes", Value: sum.BytesEchoed},
			logger.Field{Key: "duration", Value: sum.Duration().String()},
		)
	}()
}
