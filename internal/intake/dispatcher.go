package intake

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Dispatcher runs every request in its own goroutine under one base context,
// so shutdown can interrupt and then drain them all.
type Dispatcher struct {
	ctx    context.Context
	cancel context.CancelFunc
	logger zerolog.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func NewDispatcher() *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		ctx:    ctx,
		cancel: cancel,
		logger: log.With().Str("component", "dispatcher").Logger(),
	}
}

// Go starts fn unless shutdown has begun, and reports whether it did.
func (d *Dispatcher) Go(fn func(ctx context.Context)) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return false
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		fn(d.ctx)
	}()
	return true
}

// Shutdown stops new work and waits for running work. When ctx expires first
// the running work is cancelled and Shutdown waits for it to wind down.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.logger.Warn().Msg("shutdown timeout reached, cancelling in-flight settlements")
		d.cancel()
		<-done
		return ctx.Err()
	}
}
