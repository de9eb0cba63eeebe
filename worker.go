package staticd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/rs/xid"

	"pkt.systems/pslog"
	"pkt.systems/staticd/internal/svcfields"
)

// Worker is one HTTP listener sharing the server's provider and stream pool.
// Closing a Worker stops only its listener; other workers keep serving.
type Worker struct {
	id     xid.ID
	ln     net.Listener
	srv    *http.Server
	logger pslog.Logger
	owner  *Server

	done      chan struct{}
	serveErr  error
	closeOnce sync.Once
	closeErr  error
}

func newWorker(owner *Server, ln net.Listener) *Worker {
	id := xid.New()
	return &Worker{
		id:     id,
		ln:     ln,
		logger: svcfields.WithSubsystem(owner.base, svcfields.Worker).With("worker", id.String(), "address", ln.Addr().String()),
		owner:  owner,
		done:   make(chan struct{}),
		srv: &http.Server{
			Handler:           owner.handler,
			ReadHeaderTimeout: owner.cfg.ReadHeaderTimeout,
			IdleTimeout:       owner.cfg.IdleTimeout,
		},
	}
}

// ID returns the worker's unique identifier.
func (w *Worker) ID() string { return w.id.String() }

// Addr returns the bound listener address.
func (w *Worker) Addr() net.Addr { return w.ln.Addr() }

// Done is closed when the worker has stopped serving.
func (w *Worker) Done() <-chan struct{} { return w.done }

// Err returns the serve error once Done is closed. A clean stop yields nil.
func (w *Worker) Err() error {
	select {
	case <-w.done:
		return w.serveErr
	default:
		return nil
	}
}

func (w *Worker) serve() {
	defer close(w.done)
	w.logger.Info("listening")
	err := w.srv.Serve(w.ln)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		w.serveErr = fmt.Errorf("http serve %s: %w", w.ln.Addr(), err)
		w.logger.Error("server.worker.serve_error", "error", err)
		return
	}
	w.logger.Info("server.worker.stopped")
}

// Shutdown stops accepting connections and waits for in-flight requests, or
// until ctx ends, after which remaining connections are dropped.
func (w *Worker) Shutdown(ctx context.Context) error {
	return w.stop(func() error {
		if err := w.srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			_ = w.srv.Close()
			return fmt.Errorf("http shutdown %s: %w", w.ln.Addr(), err)
		}
		return nil
	})
}

// Close stops the listener and drops its open connections immediately.
func (w *Worker) Close() error {
	return w.stop(func() error {
		if err := w.srv.Close(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http close %s: %w", w.ln.Addr(), err)
		}
		return nil
	})
}

func (w *Worker) stop(fn func() error) error {
	w.closeOnce.Do(func() {
		w.closeErr = fn()
		<-w.done
		w.owner.forget(w)
	})
	return w.closeErr
}
