package opshttp

import (
	"net"
	"net/http"
	"net/http/pprof"

	"github.com/KDT-PWA-Class-One-Group/kdt-pwa-healthcheck-application/internal/log"
)

// RegisterPprof mounts the runtime profiling handlers under /debug/pprof/.
func RegisterPprof(mux *http.ServeMux, l log.Logger) {
	guard := func(h http.Handler) http.Handler { return requireNonPublicNetwork(l, h) }

	mux.Handle("/debug/pprof/", guard(http.HandlerFunc(pprof.Index)))
	mux.Handle("/debug/pprof/cmdline", guard(http.HandlerFunc(pprof.Cmdline)))
	mux.Handle("/debug/pprof/profile", guard(http.HandlerFunc(pprof.Profile)))
	mux.Handle("/debug/pprof/symbol", guard(http.HandlerFunc(pprof.Symbol)))
	mux.Handle("/debug/pprof/trace", guard(http.HandlerFunc(pprof.Trace)))
}

// requireNonPublicNetwork answers 403 unless the peer is loopback, private
// or link-local. The admin port should be firewalled anyway.
func requireNonPublicNetwork(l log.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		ip := net.ParseIP(host)
		if err != nil || ip == nil {
			l.Warn(r.Context(), "admin request with unparseable peer rejected", "remote_addr", r.RemoteAddr)
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		if !(ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast()) {
			l.Warn(r.Context(), "admin request from public network rejected",
				"client.address", ip.String(), "url.path", r.URL.Path)
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}
