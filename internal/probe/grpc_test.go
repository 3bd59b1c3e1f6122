package probe

import (
	"context"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func startHealthServer(t *testing.T) (string, *health.Server) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	srv := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(srv.Stop)
	return ln.Addr().String(), hs
}

func TestGRPCProber_Serving(t *testing.T) {
	addr, hs := startHealthServer(t)
	hs.SetServingStatus("billing", healthpb.HealthCheckResponse_SERVING)

	res := GRPCProber{}.Probe(context.Background(), Descriptor{
		Name: "billing", Kind: KindGRPC, BaseURL: "grpc://" + addr, Timeout: 2 * time.Second,
		Options: map[string]string{"service": "billing"},
	})
	if res.Status != StatusHealthy {
		t.Fatalf("status = %q, want healthy (%s)", res.Status, res.Message)
	}
}

func TestGRPCProber_NotServing(t *testing.T) {
	addr, hs := startHealthServer(t)
	hs.SetServingStatus("billing", healthpb.HealthCheckResponse_NOT_SERVING)

	res := GRPCProber{}.Probe(context.Background(), Descriptor{
		Name: "billing", Kind: KindGRPC, BaseURL: addr, Timeout: 2 * time.Second,
		Options: map[string]string{"service": "billing"},
	})
	if res.Status != StatusUnhealthy {
		t.Fatalf("status = %q, want unhealthy", res.Status)
	}
}

func TestGRPCProber_UnknownService(t *testing.T) {
	addr, _ := startHealthServer(t)
	res := GRPCProber{}.Probe(context.Background(), Descriptor{
		Name: "x", Kind: KindGRPC, BaseURL: addr, Timeout: 2 * time.Second,
		Options: map[string]string{"service": "nope"},
	})
	if res.Status != StatusUnhealthy {
		t.Fatalf("status = %q, want unhealthy", res.Status)
	}
}

func TestGRPCProber_Refused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	res := GRPCProber{}.Probe(context.Background(), Descriptor{
		Name: "x", Kind: KindGRPC, BaseURL: addr, Timeout: 2 * time.Second,
	})
	if res.Status != StatusUnreachable {
		t.Fatalf("status = %q, want unreachable (%s)", res.Status, res.Message)
	}
}
