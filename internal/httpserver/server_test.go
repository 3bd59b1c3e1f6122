package httpserver

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/KDT-PWA-Class-One-Group/kdt-pwa-healthcheck-application/internal/health"
	"github.com/KDT-PWA-Class-One-Group/kdt-pwa-healthcheck-application/internal/httpmw"
	"github.com/KDT-PWA-Class-One-Group/kdt-pwa-healthcheck-application/internal/log"
	"github.com/KDT-PWA-Class-One-Group/kdt-pwa-healthcheck-application/internal/version"
)

func okRoutes(r chi.Router) {
	r.Get("/api/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	r.Get("/api/big", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":"` + strings.Repeat("abcdefghij", 200) + `"}`))
	})
	r.Get("/api/boom", func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})
	r.Get("/api/ip", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(httpmw.ClientIPFromContext(r.Context())))
	})
}

func doRequest(t *testing.T, h http.Handler, method, path string, hdr ...string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, http.NoBody)
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	h.ServeHTTP(rec, req)
	return rec
}

func getFreePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

func TestNewHandler_Routes(t *testing.T) {
	h := NewHandler(Options{Routes: okRoutes})

	rec := doRequest(t, h, http.MethodGet, "/api/status")
	if rec.Code != http.StatusOK || rec.Body.String() != `{"ok":true}` {
		t.Fatalf("status route = %d %q", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("X-Request-Id") == "" {
		t.Fatal("request id missing")
	}
	if rec.Header().Get("Content-Security-Policy") == "" {
		t.Fatal("security headers missing")
	}
}

func TestNewHandler_NotFoundIsJSON(t *testing.T) {
	h := NewHandler(Options{Routes: okRoutes})

	rec := doRequest(t, h, http.MethodGet, "/nope")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if !strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		t.Fatalf("Content-Type = %q", rec.Header().Get("Content-Type"))
	}
	if rec.Header().Get("X-Frame-Options") != "DENY" {
		t.Fatal("security headers missing on 404")
	}

	rec = doRequest(t, h, http.MethodPost, "/api/status")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("POST status = %d, want 405", rec.Code)
	}
}

func TestNewHandler_Ready(t *testing.T) {
	var gate health.ShutdownGate
	h := NewHandler(Options{Readiness: gate.Probe()})

	if rec := doRequest(t, h, http.MethodGet, "/-/ready"); rec.Code != http.StatusOK {
		t.Fatalf("ready = %d, want 200", rec.Code)
	}
	gate.Set("draining")
	if rec := doRequest(t, h, http.MethodGet, "/-/ready"); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("draining = %d, want 503", rec.Code)
	}
}

func TestNewHandler_Recover(t *testing.T) {
	var panics atomic.Int32
	h := NewHandler(Options{Routes: okRoutes, UseRecoverMW: true, OnPanic: func() { panics.Add(1) }})

	rec := doRequest(t, h, http.MethodGet, "/api/boom")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if panics.Load() != 1 {
		t.Fatalf("OnPanic calls = %d, want 1", panics.Load())
	}
	if rec.Header().Get("Content-Security-Policy") == "" {
		t.Fatal("security headers missing on recovered panic")
	}
}

func TestNewHandler_RecoverDetailsFollowEnvironment(t *testing.T) {
	hidden := doRequest(t, NewHandler(Options{Routes: okRoutes, UseRecoverMW: true}), http.MethodGet, "/api/boom")
	if strings.Contains(hidden.Body.String(), "boom") {
		t.Fatalf("body = %q, panic text must stay hidden", hidden.Body.String())
	}

	shown := doRequest(t, NewHandler(Options{Routes: okRoutes, UseRecoverMW: true, ExposeErrors: true}), http.MethodGet, "/api/boom")
	if !strings.Contains(shown.Body.String(), `"details":"panic: boom"`) {
		t.Fatalf("body = %q, want panic details", shown.Body.String())
	}
}

func TestNewHandler_MiddlewareHooks(t *testing.T) {
	var metricsHits, limitHits atomic.Int32
	count := func(c *atomic.Int32) func(http.Handler) http.Handler {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				c.Add(1)
				next.ServeHTTP(w, r)
			})
		}
	}
	h := NewHandler(Options{Routes: okRoutes, MetricsMW: count(&metricsHits), RateLimitMW: count(&limitHits)})
	doRequest(t, h, http.MethodGet, "/api/status")

	if metricsHits.Load() != 1 || limitHits.Load() != 1 {
		t.Fatalf("metrics = %d, ratelimit = %d, want 1 each", metricsHits.Load(), limitHits.Load())
	}
}

func TestNewHandler_ClientIPResolvedBeforeRoutes(t *testing.T) {
	h := NewHandler(Options{Routes: okRoutes, ClientIPOpts: httpmw.ClientIPOptions{TrustedHops: 1}})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/ip", http.NoBody)
	req.RemoteAddr = "127.0.0.1:4000"
	req.Header.Set("X-Forwarded-For", "198.51.100.7")
	h.ServeHTTP(rec, req)

	if rec.Body.String() != "198.51.100.7" {
		t.Fatalf("client ip = %q", rec.Body.String())
	}
}

func TestNewHandler_CORS(t *testing.T) {
	h := NewHandler(Options{Routes: okRoutes, AllowedOrigins: []string{"http://localhost:3000"}})

	rec := doRequest(t, h, http.MethodGet, "/api/status", "Origin", "http://localhost:3000")
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Fatalf("allow origin = %q", got)
	}

	rec = doRequest(t, h, http.MethodGet, "/api/status", "Origin", "http://evil.example")
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("foreign origin allowed: %q", got)
	}

	rec = doRequest(t, h, http.MethodOptions, "/api/status",
		"Origin", "http://localhost:3000",
		"Access-Control-Request-Method", "GET",
	)
	if rec.Header().Get("Access-Control-Allow-Methods") == "" {
		t.Fatalf("preflight not answered: %d %v", rec.Code, rec.Header())
	}
}

func TestNewHandler_BuildHeaders(t *testing.T) {
	h := NewHandler(Options{Routes: okRoutes, Build: version.Info{Version: "v0.3.0"}})
	if got := doRequest(t, h, http.MethodGet, "/api/status").Header().Get("X-Monitor-Version"); got != "v0.3.0" {
		t.Fatalf("X-Monitor-Version = %q", got)
	}
}

func TestNewHandler_Compression(t *testing.T) {
	h := NewHandler(Options{Routes: okRoutes})

	if ce := doRequest(t, h, http.MethodGet, "/api/big", "Accept-Encoding", "gzip").Header().Get("Content-Encoding"); ce != "gzip" {
		t.Fatalf("Content-Encoding = %q, want gzip", ce)
	}
	if ce := doRequest(t, h, http.MethodGet, "/api/big").Header().Get("Content-Encoding"); ce != "" {
		t.Fatalf("compressed without Accept-Encoding: %q", ce)
	}
}

func TestNewServer_Timeouts(t *testing.T) {
	srv := NewServer(":0", http.NotFoundHandler())
	if srv.ReadHeaderTimeout == 0 || srv.ReadTimeout == 0 || srv.WriteTimeout == 0 || srv.IdleTimeout == 0 {
		t.Fatalf("zero timeout in %+v", srv)
	}
	if srv.MaxHeaderBytes != DefaultMaxHeaderBytes {
		t.Fatalf("MaxHeaderBytes = %d", srv.MaxHeaderBytes)
	}
}

func TestNewServer_WriteTimeoutCoversCycle(t *testing.T) {
	if got := newServer(":0", Options{}).WriteTimeout; got != DefaultWriteTimeout {
		t.Fatalf("WriteTimeout = %s, want default %s", got, DefaultWriteTimeout)
	}
	if got := newServer(":0", Options{WriteTimeout: time.Second}).WriteTimeout; got != DefaultWriteTimeout {
		t.Fatalf("WriteTimeout = %s, shorter values must not lower the default", got)
	}
	if got := newServer(":0", Options{WriteTimeout: 46 * time.Second}).WriteTimeout; got != 46*time.Second {
		t.Fatalf("WriteTimeout = %s, want 46s", got)
	}
}

func TestStart_Lifecycle(t *testing.T) {
	port := getFreePort(t)
	ctx := context.Background()
	var shutdownHook atomic.Bool

	stop, err := Start(ctx, Options{Logger: log.Nop(), Port: port, Routes: okRoutes}, func() { shutdownHook.Store(true) })
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	url := fmt.Sprintf("http://127.0.0.1:%d/api/status", port)
	var resp *http.Response
	for i := 0; i < 50; i++ {
		if resp, err = http.Get(url); err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || string(body) != `{"ok":true}` {
		t.Fatalf("live server = %d %q", resp.StatusCode, body)
	}

	if _, err := Start(ctx, Options{Port: port}); err == nil {
		t.Fatal("expected port conflict")
	}

	if err := stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := stop(ctx); err != nil {
		t.Fatalf("second stop: %v", err)
	}
	// RegisterOnShutdown hooks run in their own goroutine
	deadline := time.Now().Add(time.Second)
	for !shutdownHook.Load() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !shutdownHook.Load() {
		t.Fatal("shutdown hook not run")
	}
}
