package probe

import (
	"context"
	"errors"
	"testing"
)

func TestDispatcher_UnknownKind(t *testing.T) {
	d := NewDispatcher(nil)
	res := d.Probe(context.Background(), Descriptor{Name: "cache", Kind: "redis"})
	if res.Status != StatusUnhealthy {
		t.Fatalf("status = %q, want unhealthy", res.Status)
	}
	if !errors.Is(res.Err, ErrKind) {
		t.Fatalf("Err = %v, want ErrKind", res.Err)
	}
	if res.Service != "cache" {
		t.Fatalf("service = %q", res.Service)
	}
}

func TestDispatcher_RecoversPanic(t *testing.T) {
	d := NewDispatcher(nil)
	d.Register(KindHTTP, ProberFunc(func(context.Context, Descriptor) Result { panic("boom") }))

	res := d.Probe(context.Background(), Descriptor{Name: "api"})
	if res.Status != StatusUnhealthy {
		t.Fatalf("status = %q, want unhealthy", res.Status)
	}
	if !errors.Is(res.Err, ErrPanic) {
		t.Fatalf("Err = %v, want ErrPanic", res.Err)
	}
}

func TestDispatcher_RoutesByKind(t *testing.T) {
	d := NewDispatcher(nil)
	var gotKind Kind
	d.Register(KindGRPC, ProberFunc(func(_ context.Context, desc Descriptor) Result {
		gotKind = desc.Kind
		return Result{Status: StatusHealthy, Message: "ok"}
	}))

	res := d.Probe(context.Background(), Descriptor{Name: "billing", Kind: KindGRPC})
	if gotKind != KindGRPC {
		t.Fatalf("routed kind = %q", gotKind)
	}
	if res.Service != "billing" || res.Status != StatusHealthy {
		t.Fatalf("result = %+v", res)
	}
}

func TestDispatcher_EmptyStatusBecomesUnhealthy(t *testing.T) {
	d := NewDispatcher(nil)
	d.Register(KindHTTP, ProberFunc(func(context.Context, Descriptor) Result { return Result{} }))
	if res := d.Probe(context.Background(), Descriptor{Name: "x"}); res.Status != StatusUnhealthy {
		t.Fatalf("status = %q, want unhealthy", res.Status)
	}
}
