package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/KDT-PWA-Class-One-Group/kdt-pwa-healthcheck-application/internal/httpmw"
)

func newLimiter(t *testing.T, opts ...Option) *IPLimiter {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return New(ctx, opts...)
}

func TestAllow_BurstThenDeny(t *testing.T) {
	var first, denied atomic.Int32
	l := newLimiter(t,
		WithRate(1, 3),
		WithOnFirstDenied(func(string) { first.Add(1) }),
		WithOnDenied(func(string) { denied.Add(1) }),
	)

	for i := 0; i < 3; i++ {
		if !l.Allow("10.0.0.1") {
			t.Fatalf("request %d denied inside burst", i)
		}
	}
	for i := 0; i < 3; i++ {
		if l.Allow("10.0.0.1") {
			t.Fatalf("request %d allowed past burst", i)
		}
	}
	if got := first.Load(); got != 1 {
		t.Fatalf("first-denied hook = %d, want 1", got)
	}
	if got := denied.Load(); got != 3 {
		t.Fatalf("denied hook = %d, want 3", got)
	}
	if !l.Allow("10.0.0.2") {
		t.Fatal("other ip shares the bucket")
	}
}

func TestAllow_Overflow(t *testing.T) {
	var capacity atomic.Int32
	l := newLimiter(t,
		WithRate(1, 1),
		WithMaxVisitors(1),
		WithOnCapacity(func() { capacity.Add(1) }),
	)

	if !l.Allow("10.0.0.1") {
		t.Fatal("first visitor denied")
	}
	if !l.Allow("10.0.0.2") {
		t.Fatal("first overflow request denied")
	}
	if l.Allow("10.0.0.3") {
		t.Fatal("overflow bucket not shared")
	}
	if got := capacity.Load(); got != 2 {
		t.Fatalf("capacity hook = %d, want 2", got)
	}
	if got := l.Len(); got != 2 {
		t.Fatalf("visitors = %d, want 2 (one ip + overflow)", got)
	}
}

func TestEvict(t *testing.T) {
	l := newLimiter(t, WithTTL(time.Minute))
	base := time.Now()
	l.now = func() time.Time { return base }

	l.Allow("10.0.0.1")
	l.evict(base.Add(30 * time.Second))
	if l.Len() != 1 {
		t.Fatal("fresh visitor evicted")
	}
	l.evict(base.Add(2 * time.Minute))
	if l.Len() != 0 {
		t.Fatal("idle visitor kept")
	}
}

func TestMiddleware(t *testing.T) {
	l := newLimiter(t, WithRate(1, 1), WithExemptPaths("/ws"))
	h := httpmw.ClientIP(l.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})))

	do := func(path string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, path, http.NoBody)
		req.RemoteAddr = "192.168.1.10:5000"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	if rec := do("/health"); rec.Code != http.StatusOK {
		t.Fatalf("first = %d, want 200", rec.Code)
	}
	rec := do("/health")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("Retry-After missing")
	}
	if rec := do("/ws"); rec.Code != http.StatusOK {
		t.Fatalf("exempt path = %d, want 200", rec.Code)
	}
}
