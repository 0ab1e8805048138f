package adapters

import (
	"context"
	"errors"
)

// Drainer is implemented by *postgres.Manager.
type Drainer interface {
	DrainContext(ctx context.Context) error
}

// Pool adapts a connection manager to the shutdown.Server interface. It has
// nothing to serve; stopping it drains outstanding leases and closes the pool.
type Pool struct {
	Mgr     Drainer
	NameStr string
}

// Name returns the server name. Returns "pool" if NameStr is empty.
func (p *Pool) Name() string {
	if p.NameStr == "" {
		return "pool"
	}
	return p.NameStr
}

// Serve blocks until ctx is done.
func (p *Pool) Serve(ctx context.Context) error {
	if p.Mgr == nil {
		return errors.New("pool adapter: Mgr is nil")
	}
	<-ctx.Done()
	return nil
}

// GracefulStopWithTimeout waits for outstanding leases until ctx expires,
// then closes the pool.
func (p *Pool) GracefulStopWithTimeout(ctx context.Context) error {
	if p.Mgr == nil {
		return errors.New("pool adapter: Mgr is nil")
	}
	return p.Mgr.DrainContext(ctx)
}

// ForceStop drains with no grace period.
func (p *Pool) ForceStop() {
	if p.Mgr == nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = p.Mgr.DrainContext(ctx)
}
