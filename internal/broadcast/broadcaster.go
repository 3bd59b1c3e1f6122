package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/KDT-PWA-Class-One-Group/kdt-pwa-healthcheck-application/internal/health"
	"github.com/KDT-PWA-Class-One-Group/kdt-pwa-healthcheck-application/internal/log"
	"github.com/KDT-PWA-Class-One-Group/kdt-pwa-healthcheck-application/internal/metrics"
	"github.com/KDT-PWA-Class-One-Group/kdt-pwa-healthcheck-application/internal/probe"
	"github.com/KDT-PWA-Class-One-Group/kdt-pwa-healthcheck-application/internal/xerrors"
)

// ErrTickFailure wraps every error that aborts a single tick.
var ErrTickFailure = errors.New("broadcast tick failed")

const (
	EventMetrics        = "metrics"
	DefaultTickInterval = 5 * time.Second
)

// Source produces the payload pushed on each tick.
type Source interface {
	SnapshotJSON() ([]metrics.Family, error)
}

// Checker runs one aggregation cycle. *health.Aggregator satisfies it.
type Checker interface {
	Check(ctx context.Context) health.Report
}

// Snapshot is the payload of a metrics event: the registry families plus,
// when a Checker is set, the cycle run on the same tick.
type Snapshot struct {
	Metrics  []metrics.Family        `json:"metrics"`
	Status   health.Overall          `json:"status,omitempty"`
	Services map[string]probe.Result `json:"services,omitempty"`
}

// Event is the envelope written to subscribers.
type Event struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
	Payload   any    `json:"payload"`
}

type Broadcaster struct {
	hub      *Hub
	source   Source
	checker  Checker
	interval time.Duration
	logger   log.Logger
	stats    Stats
	now      func() time.Time
}

// NewBroadcaster ticks every interval. checker may be nil, in which case
// events carry metrics only.
func NewBroadcaster(hub *Hub, source Source, checker Checker, interval time.Duration, logger log.Logger) *Broadcaster {
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Broadcaster{
		hub:      hub,
		source:   source,
		checker:  checker,
		interval: interval,
		logger:   logger.With("component", "broadcaster"),
		stats:    hub.stats,
		now:      time.Now,
	}
}

// Run ticks until ctx is done. Tick failures are logged and never stop the loop.
func (b *Broadcaster) Run(ctx context.Context) error {
	t := time.NewTicker(b.interval)
	defer t.Stop()
	b.logger.Info(ctx, "metrics broadcaster started", "interval", b.interval.String())
	for {
		select {
		case <-ctx.Done():
			b.logger.Info(ctx, "metrics broadcaster stopped")
			return nil
		case <-t.C:
			if err := b.Tick(ctx); err != nil {
				b.logger.Error(ctx, err, "metrics broadcast skipped")
			}
		}
	}
}

// Tick runs one health cycle, then takes a metrics snapshot so the probe
// counters from that cycle are included, and pushes both to every
// subscriber. A faulted cycle is logged and still broadcast.
func (b *Broadcaster) Tick(ctx context.Context) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			b.stats.IncTickFailure("panic")
			err = xerrors.WithStack(fmt.Errorf("%w: panic: %v", ErrTickFailure, rec))
		}
	}()
	b.stats.IncTick()

	var snap Snapshot
	if b.checker != nil {
		rep := b.checker.Check(ctx)
		if rep.Faulted() {
			b.stats.IncTickFailure("health")
			b.logger.Error(ctx, rep.Err, "health cycle faulted during broadcast tick")
		}
		snap.Status = rep.Status
		snap.Services = rep.Services
	}

	fams, err := b.source.SnapshotJSON()
	if err != nil {
		b.stats.IncTickFailure("snapshot")
		return xerrors.Wrap(fmt.Errorf("%w: %w", ErrTickFailure, err), "snapshot metrics")
	}
	snap.Metrics = fams
	msg, err := json.Marshal(Event{Type: EventMetrics, Timestamp: b.now().UnixMilli(), Payload: snap})
	if err != nil {
		b.stats.IncTickFailure("encode")
		return xerrors.Wrap(fmt.Errorf("%w: %w", ErrTickFailure, err), "encode metrics event")
	}
	n := b.hub.Broadcast(ctx, msg)
	b.logger.Debug(ctx, "metrics broadcast", "delivered", n, "bytes", len(msg), "health", string(snap.Status))
	return nil
}
