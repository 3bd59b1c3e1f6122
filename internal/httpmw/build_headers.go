package httpmw

import (
	"net/http"

	"github.com/KDT-PWA-Class-One-Group/kdt-pwa-healthcheck-application/internal/version"
)

// BuildHeaders advertises the running build so dashboards can spot a
// mixed rollout. The commit is shortened to 12 characters.
func BuildHeaders(info version.Info) Middleware {
	commit := info.Commit
	if len(commit) > 12 {
		commit = commit[:12]
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if info.Version != "" {
				w.Header().Set("X-Monitor-Version", info.Version)
			}
			if commit != "" && commit != "none" {
				w.Header().Set("X-Monitor-Commit", commit)
			}
			next.ServeHTTP(w, r)
		})
	}
}
