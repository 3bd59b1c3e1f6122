// Package monitorhttp binds the monitor's HTTP and websocket routes to the
// health aggregator, the metrics registry and the broadcast hub. It holds
// no monitoring logic of its own.
package monitorhttp

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/KDT-PWA-Class-One-Group/kdt-pwa-healthcheck-application/internal/health"
	"github.com/KDT-PWA-Class-One-Group/kdt-pwa-healthcheck-application/internal/log"
	"github.com/KDT-PWA-Class-One-Group/kdt-pwa-healthcheck-application/internal/metrics"
	"github.com/KDT-PWA-Class-One-Group/kdt-pwa-healthcheck-application/internal/probe"
	"github.com/KDT-PWA-Class-One-Group/kdt-pwa-healthcheck-application/internal/xerrors"
)

// Checker runs one aggregation cycle over the configured services.
type Checker interface {
	Check(ctx context.Context) health.Report
	Started() time.Time
}

// MetricsText renders the registry in exposition format.
type MetricsText interface {
	Text() (string, error)
}

type Options struct {
	Checker Checker
	Metrics MetricsText
	// Realtime serves the websocket upgrade; /ws is not mounted when nil.
	Realtime http.Handler
	// DegradedStatus is the /health status for a degraded report.
	DegradedStatus int
	// ExposeErrors adds error details to 500 bodies (non-production).
	ExposeErrors bool
	Logger       log.Logger
}

// API implements the monitor's public endpoints.
type API struct {
	checker        Checker
	metrics        MetricsText
	realtime       http.Handler
	degradedStatus int
	exposeErrors   bool
	logger         log.Logger
	snapshot       func(started time.Time) health.System
	now            func() time.Time
}

func NewAPI(opts Options) *API {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.DegradedStatus == 0 {
		opts.DegradedStatus = http.StatusServiceUnavailable
	}
	return &API{
		checker:        opts.Checker,
		metrics:        opts.Metrics,
		realtime:       opts.Realtime,
		degradedStatus: opts.DegradedStatus,
		exposeErrors:   opts.ExposeErrors,
		logger:         opts.Logger,
		snapshot:       health.Snapshot,
		now:            time.Now,
	}
}

// RegisterRoutes attaches the monitor endpoints to the router.
func (api *API) RegisterRoutes(r chi.Router) {
	r.Get("/health", api.HandleHealth)
	r.Get("/health/details", api.HandleHealthDetails)
	r.Get("/api/monitor", api.HandleMonitor)
	r.Get("/api/metrics", api.HandleMetrics)
	r.Get("/api/status", api.HandleStatus)
	if api.realtime != nil {
		r.Get("/ws", api.realtime.ServeHTTP)
	}
}

// statusFor maps an overall status to the /health response code.
func (api *API) statusFor(rep health.Report) int {
	switch rep.Status {
	case health.OverallHealthy:
		return http.StatusOK
	case health.OverallDegraded:
		return api.degradedStatus
	default:
		return http.StatusInternalServerError
	}
}

// HandleHealth serves the summary report.
func (api *API) HandleHealth(w http.ResponseWriter, r *http.Request) {
	rep := api.checker.Check(r.Context())
	api.writeJSON(r.Context(), w, api.statusFor(rep), rep)
}

// HandleHealthDetails serves the report with a process snapshot. A
// degraded report is still a successful request here.
func (api *API) HandleHealthDetails(w http.ResponseWriter, r *http.Request) {
	rep := api.checker.Check(r.Context())
	code := http.StatusOK
	if rep.Faulted() {
		code = http.StatusInternalServerError
	}
	api.writeJSON(r.Context(), w, code, rep.Detailed(api.snapshot(api.checker.Started())))
}

// MonitorResponse combines the metrics pull with a fresh aggregation.
type MonitorResponse struct {
	Status    string                  `json:"status"`
	Timestamp int64                   `json:"timestamp"`
	System    health.System           `json:"system"`
	Metrics   string                  `json:"metrics"`
	Health    health.Overall          `json:"health"`
	Services  map[string]probe.Result `json:"services"`
}

func (api *API) HandleMonitor(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	text, err := api.metrics.Text()
	if err != nil {
		api.writeError(ctx, w, xerrors.Wrap(err, "render metrics"))
		return
	}
	rep := api.checker.Check(ctx)
	services := rep.Services
	if services == nil {
		services = map[string]probe.Result{}
	}
	api.writeJSON(ctx, w, http.StatusOK, MonitorResponse{
		Status:    "ok",
		Timestamp: api.now().UnixMilli(),
		System:    api.snapshot(api.checker.Started()),
		Metrics:   text,
		Health:    rep.Status,
		Services:  services,
	})
}

// HandleMetrics serves the registry in exposition text format.
func (api *API) HandleMetrics(w http.ResponseWriter, r *http.Request) {
	text, err := api.metrics.Text()
	if err != nil {
		api.writeError(r.Context(), w, xerrors.Wrap(err, "render metrics"))
		return
	}
	w.Header().Set("Content-Type", metrics.TextContentType)
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(text))
}

// StatusResponse is the cheap process view; it probes nothing.
type StatusResponse struct {
	Uptime    float64       `json:"uptime"`
	Timestamp int64         `json:"timestamp"`
	Memory    health.Memory `json:"memory"`
	CPU       health.CPU    `json:"cpu"`
}

func (api *API) HandleStatus(w http.ResponseWriter, r *http.Request) {
	sys := api.snapshot(api.checker.Started())
	api.writeJSON(r.Context(), w, http.StatusOK, StatusResponse{
		Uptime:    sys.Uptime,
		Timestamp: api.now().UnixMilli(),
		Memory:    sys.Memory,
		CPU:       sys.CPU,
	})
}

// ErrorResponse is the body of every 500 the API writes itself.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func (api *API) writeError(ctx context.Context, w http.ResponseWriter, err error) {
	log.FromContext(ctx).Error(ctx, err, "monitor handler failed")
	resp := ErrorResponse{Error: http.StatusText(http.StatusInternalServerError)}
	if api.exposeErrors {
		resp.Details = err.Error()
	}
	api.writeJSON(ctx, w, http.StatusInternalServerError, resp)
}

// writeJSON encodes before writing so an encoding failure can still turn
// into a clean 500.
func (api *API) writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		if _, isErr := v.(ErrorResponse); isErr {
			http.Error(w, `{"error":"Internal Server Error"}`, http.StatusInternalServerError)
			return
		}
		api.writeError(ctx, w, xerrors.Wrap(err, "encode response"))
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(status)
	if _, err := w.Write(append(body, '\n')); err != nil {
		api.logger.Debug(ctx, "client went away before the response was written", "error", err.Error())
	}
}
