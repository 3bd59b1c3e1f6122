package probe

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/KDT-PWA-Class-One-Group/kdt-pwa-healthcheck-application/internal/log"
)

// Dispatcher routes a descriptor to the prober registered for its Kind.
type Dispatcher struct {
	probers map[Kind]Prober
	logger  log.Logger
}

// NewDispatcher registers the built-in probers for every known kind.
func NewDispatcher(logger log.Logger) *Dispatcher {
	if logger == nil {
		logger = log.Nop()
	}
	return &Dispatcher{
		logger: logger,
		probers: map[Kind]Prober{
			KindHTTP:     NewHTTPProber(),
			KindPostgres: PostgresProber{},
			KindS3:       S3Prober{},
			KindGRPC:     GRPCProber{},
		},
	}
}

// Register replaces the prober for k.
func (d *Dispatcher) Register(k Kind, p Prober) {
	if d.probers == nil {
		d.probers = make(map[Kind]Prober)
	}
	d.probers[k] = p
}

func (d *Dispatcher) Probe(ctx context.Context, desc Descriptor) (res Result) {
	desc = desc.WithDefaults()
	start := now()

	p, ok := d.probers[desc.Kind]
	if !ok || p == nil {
		return outcome(desc, start, StatusUnhealthy, fmt.Sprintf("unsupported probe kind %q", desc.Kind), ErrKind)
	}

	defer func() {
		if rec := recover(); rec != nil {
			err := fmt.Errorf("%w: %v", ErrPanic, rec)
			d.logger.Error(ctx, err, "prober panic recovered",
				"service", desc.Name,
				"kind", string(desc.Kind),
				"stack", string(debug.Stack()),
			)
			res = outcome(desc, start, StatusUnhealthy, "probe failed", err)
		}
	}()

	res = p.Probe(ctx, desc)
	if res.Status == "" {
		res.Status = StatusUnhealthy
	}
	res.Service = desc.Name
	return res
}
