package opshttp

import (
	"net/http"

	"github.com/KDT-PWA-Class-One-Group/kdt-pwa-healthcheck-application/internal/health"
)

// HealthzHandler answers 200 "ok" when p passes, 503 with the reason
// otherwise. A nil probe always passes.
func HealthzHandler(p health.Probe) http.HandlerFunc {
	return probeHandler(p, "ok\n")
}

// ReadyzHandler is HealthzHandler answering "ready".
func ReadyzHandler(p health.Probe) http.HandlerFunc {
	return probeHandler(p, "ready\n")
}

func probeHandler(p health.Probe, okBody string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Header().Set("Cache-Control", "no-store")
		if p != nil {
			if err := p.Check(r.Context()); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte(err.Error() + "\n"))
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(okBody))
	}
}
