// Package httpserver assembles the public listener: the chi router, the
// httpmw chain, tracing, CORS and the server lifecycle.
package httpserver

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/KDT-PWA-Class-One-Group/kdt-pwa-healthcheck-application/internal/httpmw"
	"github.com/KDT-PWA-Class-One-Group/kdt-pwa-healthcheck-application/internal/log"
	"github.com/KDT-PWA-Class-One-Group/kdt-pwa-healthcheck-application/internal/xerrors"
)

const (
	DefaultPort         = 3001
	DefaultMaxBodyBytes = 4 << 10
	readyPath           = "/-/ready"
	wsPath              = "/ws"
)

// NewHandler builds the public handler. main owns the *http.Server so it
// can drain it.
func NewHandler(opts Options) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = log.Nop()
	}
	maxBody := opts.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = DefaultMaxBodyBytes
	}

	r := chi.NewRouter()
	r.Use(middleware.Compress(5,
		"application/json",
		"text/plain",
	))
	r.Use(httpmw.AnnotateHTTPRoute)
	r.Use(httpmw.AccessLog(readyPath))
	r.Use(httpmw.MaxBody(maxBody))

	r.Get(readyPath, readyHandler(opts))
	if opts.Routes != nil {
		opts.Routes(r)
	}
	r.NotFound(jsonStatus(http.StatusNotFound))
	r.MethodNotAllowed(jsonStatus(http.StatusMethodNotAllowed))

	// wrapped innermost first
	var h http.Handler = r
	h = httpmw.WithLogger(logger)(h)
	if opts.MetricsMW != nil {
		h = opts.MetricsMW(h)
	}
	h = httpmw.TraceResponseHeaders("X-Trace-Id", "X-Span-Id")(h)
	h = httpmw.BuildHeaders(opts.Build)(h)
	h = otelhttp.NewHandler(h, "http.server",
		otelhttp.WithFilter(func(r *http.Request) bool {
			// readiness polls and the long lived websocket would swamp traces
			return r.URL.Path != readyPath && r.URL.Path != wsPath
		}),
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
		otelhttp.WithPublicEndpointFn(func(*http.Request) bool { return true }),
	)
	if opts.RateLimitMW != nil {
		h = opts.RateLimitMW(h)
	}
	if len(opts.AllowedOrigins) > 0 {
		h = cors.Handler(cors.Options{
			AllowedOrigins:   opts.AllowedOrigins,
			AllowedMethods:   []string{http.MethodGet, http.MethodOptions},
			AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-Id"},
			ExposedHeaders:   []string{"X-Request-Id", "X-Trace-Id"},
			AllowCredentials: true,
			MaxAge:           300,
		})(h)
	}
	h = httpmw.ClientIPWithOptions(opts.ClientIPOpts)(h)
	h = httpmw.RequestID(httpmw.DefaultRequestIDHeader)(h)
	if opts.UseRecoverMW {
		h = httpmw.Recover(logger, opts.OnPanic, opts.ExposeErrors)(h)
	}
	h = httpmw.SecurityHeaders(h)
	return h
}

func readyHandler(opts Options) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		if opts.Readiness != nil {
			if err := opts.Readiness.Check(r.Context()); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		_, _ = w.Write([]byte("ready\n"))
	}
}

func jsonStatus(code int) http.HandlerFunc {
	body := fmt.Sprintf(`{"error":%q}`, http.StatusText(code))
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(code)
		_, _ = w.Write([]byte(body))
	}
}

// Server timeout defaults. Options.WriteTimeout raises the write timeout
// when an aggregation cycle can run longer; hijacked websocket connections
// manage their own deadlines.
const (
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultReadTimeout       = 10 * time.Second
	DefaultWriteTimeout      = 30 * time.Second
	DefaultIdleTimeout       = 60 * time.Second
	DefaultMaxHeaderBytes    = 1 << 20
)

func NewServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: DefaultReadHeaderTimeout,
		ReadTimeout:       DefaultReadTimeout,
		WriteTimeout:      DefaultWriteTimeout,
		IdleTimeout:       DefaultIdleTimeout,
		MaxHeaderBytes:    DefaultMaxHeaderBytes,
	}
}

func newServer(addr string, opts Options) *http.Server {
	srv := NewServer(addr, NewHandler(opts))
	if opts.WriteTimeout > srv.WriteTimeout {
		srv.WriteTimeout = opts.WriteTimeout
	}
	return srv
}

// Start serves the public listener. stop(ctx) drains in-flight requests
// and is safe to call more than once. onShutdown hooks run when draining
// starts, for closing hijacked websocket connections.
func Start(ctx context.Context, opts Options, onShutdown ...func()) (func(context.Context) error, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.Nop()
	}
	port := opts.Port
	if port == 0 {
		port = DefaultPort
	}
	addr := fmt.Sprintf(":%d", port)

	srv := newServer(addr, opts)
	for _, fn := range onShutdown {
		if fn != nil {
			srv.RegisterOnShutdown(fn)
		}
	}

	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, xerrors.Wrapf(err, "listen public addr=%s", addr)
	}

	go func() {
		logger.Info(ctx, "http server listening", "addr", addr)
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			logger.Error(ctx, err, "http server error")
		}
	}()

	var once sync.Once
	stop := func(sctx context.Context) (retErr error) {
		once.Do(func() {
			logger.Info(sctx, "http server shutting down")
			c, cancel := context.WithTimeout(sctx, 10*time.Second)
			defer cancel()
			retErr = srv.Shutdown(c)
		})
		return retErr
	}
	return stop, nil
}
