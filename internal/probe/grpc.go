package probe

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

// GRPCProber calls grpc.health.v1.Health/Check. BaseURL is host:port or
// grpc://host:port; Options["service"] names the service to ask about.
type GRPCProber struct {
	DialOptions []grpc.DialOption
}

func grpcTarget(raw string) string {
	if u, err := url.Parse(raw); err == nil && u.Host != "" && (u.Scheme == "grpc" || u.Scheme == "http") {
		return u.Host
	}
	return strings.TrimPrefix(raw, "dns:///")
}

func (p GRPCProber) Probe(ctx context.Context, d Descriptor) Result {
	d = d.WithDefaults()
	start := now()

	opts := p.DialOptions
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	conn, err := grpc.NewClient(grpcTarget(d.BaseURL), opts...)
	if err != nil {
		return outcome(d, start, StatusUnhealthy, "invalid grpc target", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(ctx, d.Timeout)
	defer cancel()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx,
		&healthpb.HealthCheckRequest{Service: d.Option("service")},
		grpc.WaitForReady(false),
	)
	if err != nil {
		return classifyGRPCErr(ctx, d, start, err)
	}
	if s := resp.GetStatus(); s != healthpb.HealthCheckResponse_SERVING {
		return outcome(d, start, StatusUnhealthy, "serving status "+s.String(), fmt.Errorf("%w: %s", ErrReported, s))
	}
	return outcome(d, start, StatusHealthy, "ok", nil)
}

func classifyGRPCErr(ctx context.Context, d Descriptor, start time.Time, err error) Result {
	st, _ := status.FromError(err)
	switch {
	case st.Code() == codes.DeadlineExceeded || deadlineHit(ctx, err):
		return timedOut(d, start, err)
	case st.Code() == codes.Unavailable:
		return unreachable(d, start, err)
	default:
		// NotFound for an unknown service name, Unimplemented when the
		// server has no health service
		return outcome(d, start, StatusUnhealthy, st.Code().String()+": "+st.Message(), err)
	}
}
