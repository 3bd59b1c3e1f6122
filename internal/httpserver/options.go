package httpserver

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/KDT-PWA-Class-One-Group/kdt-pwa-healthcheck-application/internal/health"
	"github.com/KDT-PWA-Class-One-Group/kdt-pwa-healthcheck-application/internal/httpmw"
	"github.com/KDT-PWA-Class-One-Group/kdt-pwa-healthcheck-application/internal/log"
	"github.com/KDT-PWA-Class-One-Group/kdt-pwa-healthcheck-application/internal/version"
)

type Options struct {
	Logger       log.Logger
	Port         int
	UseRecoverMW bool
	OnPanic      func()
	// ExposeErrors adds panic text to recovered 500 bodies.
	ExposeErrors bool
	MetricsMW    func(http.Handler) http.Handler
	RateLimitMW  func(http.Handler) http.Handler
	ClientIPOpts httpmw.ClientIPOptions
	Build        version.Info

	// AllowedOrigins feeds CORS; empty disables the CORS handler.
	AllowedOrigins []string
	// MaxBodyBytes caps request bodies; zero uses DefaultMaxBodyBytes.
	MaxBodyBytes int64
	// WriteTimeout, when above DefaultWriteTimeout, replaces it. Set it
	// past the longest aggregation cycle so /health is never cut off.
	WriteTimeout time.Duration

	// Readiness is mirrored on /-/ready for a proxy in front of the
	// public port.
	Readiness health.Probe

	// Routes mounts the application routes.
	Routes func(chi.Router)
}
