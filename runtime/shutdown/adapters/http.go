package adapters

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"
)

const defaultReadHeaderTimeout = 10 * time.Second

// HTTP adapts *http.Server to the shutdown.Server interface.
// If Lis is nil, Serve uses ListenAndServe(); otherwise it uses Serve(Lis).
//
// Request contexts derive from the Serve ctx, so a shutdown cancels pending
// dequeue waits instead of letting them run out their wait time.
type HTTP struct {
	Srv     *http.Server
	Lis     net.Listener
	NameStr string
}

// Name returns the server name. Returns "http" if NameStr is empty.
func (h *HTTP) Name() string {
	if h.NameStr == "" {
		return "http"
	}
	return h.NameStr
}

// Serve blocks until ctx is done or the server fails. A normal shutdown
// returns nil.
func (h *HTTP) Serve(ctx context.Context) error {
	if h.Srv == nil {
		return errors.New("http adapter: Srv is nil")
	}

	h.Srv.BaseContext = func(_ net.Listener) context.Context { return ctx }
	if h.Srv.ReadHeaderTimeout == 0 {
		h.Srv.ReadHeaderTimeout = defaultReadHeaderTimeout
	}

	errCh := make(chan error, 1)
	go func() {
		if h.Lis != nil {
			errCh <- h.Srv.Serve(h.Lis)
			return
		}
		errCh <- h.Srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// GracefulStopWithTimeout stops accepting and waits for in-flight requests
// until ctx expires.
func (h *HTTP) GracefulStopWithTimeout(ctx context.Context) error {
	if h.Srv == nil {
		return errors.New("http adapter: Srv is nil")
	}
	return h.Srv.Shutdown(ctx)
}

// ForceStop immediately closes the server.
// No-op if Srv is nil.
func (h *HTTP) ForceStop() {
	if h.Srv != nil {
		_ = h.Srv.Close()
	}
}
