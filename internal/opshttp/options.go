package opshttp

import (
	"net/http"

	"github.com/KDT-PWA-Class-One-Group/kdt-pwa-healthcheck-application/internal/health"
)

type Options struct {
	Port        int
	Metrics     http.Handler
	EnablePprof bool
	// Health is liveness; Readiness flips to failing while draining.
	Health       health.Probe
	Readiness    health.Probe
	UseRecoverMW bool
	// OnPanic runs after a recovered handler panic, e.g. to bump a counter.
	OnPanic func()
}
