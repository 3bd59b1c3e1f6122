// Package opshttp serves the admin listener: prometheus scrape, liveness,
// readiness and optional pprof. It is separate from the public port so
// probes keep answering while the public server drains.
package opshttp

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/KDT-PWA-Class-One-Group/kdt-pwa-healthcheck-application/internal/httpmw"
	"github.com/KDT-PWA-Class-One-Group/kdt-pwa-healthcheck-application/internal/log"
	"github.com/KDT-PWA-Class-One-Group/kdt-pwa-healthcheck-application/internal/xerrors"
)

// DefaultPort is used when Options.Port is zero.
const DefaultPort = 9000

// NewHandler builds the admin mux.
func NewHandler(l log.Logger, opts Options) http.Handler {
	if l == nil {
		l = log.Nop()
	}
	mux := http.NewServeMux()

	mux.Handle("GET /-/healthy", HealthzHandler(opts.Health))
	mux.Handle("GET /-/ready", ReadyzHandler(opts.Readiness))

	if opts.Metrics != nil {
		mux.Handle("GET /metrics", opts.Metrics)
	}

	if opts.EnablePprof {
		RegisterPprof(mux, l)
	} else {
		mux.HandleFunc("/debug/pprof/", http.NotFound)
	}

	var h http.Handler = mux
	if opts.UseRecoverMW {
		h = httpmw.Recover(l, opts.OnPanic, false)(h)
	}
	return h
}

// Start serves the admin listener and returns an idempotent stop.
func Start(ctx context.Context, l log.Logger, opts Options) (func(context.Context) error, error) {
	if l == nil {
		l = log.Nop()
	}
	port := opts.Port
	if port == 0 {
		port = DefaultPort
	}
	addr := fmt.Sprintf(":%d", port)

	srv := &http.Server{
		Addr:              addr,
		Handler:           NewHandler(l, opts),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		// long enough for a 30s cpu profile
		WriteTimeout:   60 * time.Second,
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, xerrors.Wrapf(err, "listen admin addr=%s", addr)
	}

	go func() {
		l.Info(ctx, "ops http server listening", "addr", addr)
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			l.Error(ctx, err, "ops http server error")
		}
	}()

	var once sync.Once
	stop := func(sctx context.Context) (retErr error) {
		once.Do(func() {
			l.Info(sctx, "ops http server shutting down")
			c, cancel := context.WithTimeout(sctx, 5*time.Second)
			defer cancel()
			retErr = srv.Shutdown(c)
		})
		return retErr
	}
	return stop, nil
}
