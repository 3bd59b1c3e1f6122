package health

import (
	"encoding/json"
	"time"

	"github.com/KDT-PWA-Class-One-Group/kdt-pwa-healthcheck-application/internal/probe"
)

type Overall string

const (
	OverallHealthy  Overall = "healthy"
	OverallDegraded Overall = "degraded"
	OverallError    Overall = "error"
)

// Report is the merged outcome of one aggregation cycle. For a cycle that
// did not fault, Services has exactly one entry per probed descriptor.
type Report struct {
	Status    Overall
	Timestamp time.Time
	Uptime    time.Duration
	Memory    Memory
	Services  map[string]probe.Result
	Message   string
	Err       error
}

func (r Report) Faulted() bool { return r.Status == OverallError }

// Statuses maps each service to its probe status, for logs.
func (r Report) Statuses() map[string]string {
	out := make(map[string]string, len(r.Services))
	for name, res := range r.Services {
		out[name] = string(res.Status)
	}
	return out
}

type summaryJSON struct {
	Status    Overall                 `json:"status"`
	Timestamp int64                   `json:"timestamp"`
	Uptime    float64                 `json:"uptime"`
	Memory    Memory                  `json:"memory"`
	Services  map[string]probe.Result `json:"services"`
	Message   string                  `json:"message,omitempty"`
}

// MarshalJSON renders the summary view served on /health.
func (r Report) MarshalJSON() ([]byte, error) {
	services := r.Services
	if services == nil {
		services = map[string]probe.Result{}
	}
	return json.Marshal(summaryJSON{
		Status:    r.Status,
		Timestamp: r.Timestamp.UnixMilli(),
		Uptime:    r.Uptime.Seconds(),
		Memory:    r.Memory,
		Services:  services,
		Message:   r.Message,
	})
}

// Detailed is the /health/details view: the report plus a process snapshot.
type Detailed struct {
	Status    Overall                 `json:"status"`
	Timestamp int64                   `json:"timestamp"`
	System    System                  `json:"system"`
	Services  map[string]probe.Result `json:"services"`
	Message   string                  `json:"message,omitempty"`
}

func (r Report) Detailed(sys System) Detailed {
	services := r.Services
	if services == nil {
		services = map[string]probe.Result{}
	}
	return Detailed{
		Status:    r.Status,
		Timestamp: r.Timestamp.UnixMilli(),
		System:    sys,
		Services:  services,
		Message:   r.Message,
	}
}
