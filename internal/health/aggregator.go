package health

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/KDT-PWA-Class-One-Group/kdt-pwa-healthcheck-application/internal/log"
	"github.com/KDT-PWA-Class-One-Group/kdt-pwa-healthcheck-application/internal/probe"
	"github.com/KDT-PWA-Class-One-Group/kdt-pwa-healthcheck-application/internal/xerrors"
)

// ErrAggregationFault marks a cycle that could not merge its results.
var ErrAggregationFault = errors.New("health aggregation fault")

// joinGrace is how long past the slowest probe timeout the aggregator
// waits before giving up on a prober that ignores its deadline.
const joinGrace = time.Second

// Recorder receives probe and cycle observations. *metrics.Registry
// satisfies it.
type Recorder interface {
	ObserveProbe(service, status string, d time.Duration)
	ObserveAggregation(status string, d time.Duration)
}

type Aggregator struct {
	prober   probe.Prober
	services []probe.Descriptor
	recorder Recorder
	logger   log.Logger
	started  time.Time
	now      func() time.Time
	// redact keeps fault text out of Report.Message; Err still has it.
	redact bool
}

type Option func(*Aggregator)

func WithRecorder(r Recorder) Option      { return func(a *Aggregator) { a.recorder = r } }
func WithLogger(l log.Logger) Option      { return func(a *Aggregator) { a.logger = l } }
func WithStarted(t time.Time) Option      { return func(a *Aggregator) { a.started = t } }
func WithRedactedFaults() Option          { return func(a *Aggregator) { a.redact = true } }
func withClock(f func() time.Time) Option { return func(a *Aggregator) { a.now = f } }

// NewAggregator returns an aggregator over services. The slice is copied.
func NewAggregator(p probe.Prober, services []probe.Descriptor, opts ...Option) *Aggregator {
	a := &Aggregator{
		prober:   p,
		services: append([]probe.Descriptor(nil), services...),
		logger:   log.Nop(),
		now:      time.Now,
	}
	for _, o := range opts {
		o(a)
	}
	if a.started.IsZero() {
		a.started = a.now()
	}
	return a
}

func (a *Aggregator) Started() time.Time { return a.started }

// CycleBound is the longest Check can take: the slowest configured probe
// timeout plus the join grace.
func (a *Aggregator) CycleBound() time.Duration {
	var bound time.Duration
	for _, d := range a.services {
		if t := d.WithDefaults().Timeout; t > bound {
			bound = t
		}
	}
	return bound + joinGrace
}

// Check aggregates the configured services.
func (a *Aggregator) Check(ctx context.Context) Report {
	return a.Aggregate(ctx, a.services)
}

// Aggregate probes every descriptor concurrently and merges the results.
// It returns once all probes have resolved or the slowest timeout plus a
// grace period has passed. A context cancelled before the join faults the
// cycle; the partial results are kept in the report.
func (a *Aggregator) Aggregate(ctx context.Context, ds []probe.Descriptor) Report {
	start := a.now()

	var (
		mu       sync.Mutex
		services = make(map[string]probe.Result, len(ds))
	)

	var g errgroup.Group
	var bound time.Duration
	for _, d := range ds {
		d = d.WithDefaults()
		if d.Timeout > bound {
			bound = d.Timeout
		}
		g.Go(func() (err error) {
			defer func() {
				if rec := recover(); rec != nil {
					err = fmt.Errorf("%w: probe %s panicked: %v", ErrAggregationFault, d.Name, rec)
					a.logger.Error(ctx, err, "probe panic recovered", "service", d.Name, "stack", string(debug.Stack()))
				}
			}()
			res := a.prober.Probe(ctx, d)
			if a.recorder != nil {
				a.recorder.ObserveProbe(d.Name, string(res.Status), res.ResponseTime)
			}
			mu.Lock()
			services[d.Name] = res
			mu.Unlock()
			return nil
		})
	}

	joined := make(chan error, 1)
	go func() { joined <- g.Wait() }()

	guard := time.NewTimer(bound + joinGrace)
	defer guard.Stop()

	var fault error
	select {
	case err := <-joined:
		fault = err
		if fault == nil && ctx.Err() != nil {
			fault = fmt.Errorf("%w: %w", ErrAggregationFault, context.Cause(ctx))
		}
	case <-guard.C:
		fault = fmt.Errorf("%w: probes did not finish within %s", ErrAggregationFault, bound+joinGrace)
	}

	mu.Lock()
	merged := make(map[string]probe.Result, len(services))
	for k, v := range services {
		merged[k] = v
	}
	mu.Unlock()

	rep := a.report(merged, fault)
	if a.recorder != nil {
		a.recorder.ObserveAggregation(string(rep.Status), a.now().Sub(start))
	}
	a.logReport(ctx, rep)
	return rep
}

// report is the single constructor for Report values.
func (a *Aggregator) report(services map[string]probe.Result, fault error) Report {
	t := a.now()
	rep := Report{
		Timestamp: t,
		Uptime:    t.Sub(a.started),
		Memory:    ReadMemory(),
		Services:  services,
	}
	switch {
	case fault != nil:
		rep.Status = OverallError
		rep.Err = xerrors.EnsureTrace(fault)
		rep.Message = fault.Error()
		if a.redact {
			rep.Message = "health aggregation failed"
		}
	case allHealthy(services):
		rep.Status = OverallHealthy
	default:
		rep.Status = OverallDegraded
	}
	return rep
}

func allHealthy(services map[string]probe.Result) bool {
	for _, r := range services {
		if !r.Healthy() {
			return false
		}
	}
	return true
}

func (a *Aggregator) logReport(ctx context.Context, rep Report) {
	switch rep.Status {
	case OverallError:
		a.logger.Error(ctx, rep.Err, "health aggregation failed", "services", rep.Statuses())
	case OverallDegraded:
		kv := []any{"services", rep.Statuses()}
		for name, res := range rep.Services {
			if !res.Healthy() {
				kv = append(kv, name+"_message", res.Message)
			}
		}
		a.logger.Warn(ctx, "some services are not healthy", kv...)
	default:
		a.logger.Debug(ctx, "all services healthy", "count", len(rep.Services))
	}
}
