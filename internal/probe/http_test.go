package probe

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func serve(t *testing.T, h http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv
}

func httpDesc(base string) Descriptor {
	return Descriptor{Name: "api", BaseURL: base, Timeout: time.Second}
}

func TestHTTPProber_HealthyNoBody(t *testing.T) {
	srv := serve(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			t.Errorf("path = %q, want /health", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
	})

	res := NewHTTPProber().Probe(context.Background(), httpDesc(srv.URL))
	if res.Status != StatusHealthy {
		t.Fatalf("status = %q, want healthy (%s)", res.Status, res.Message)
	}
	if res.Message != "ok" {
		t.Fatalf("message = %q, want ok", res.Message)
	}
	if res.Service != "api" {
		t.Fatalf("service = %q, want api", res.Service)
	}
	if res.CheckedAt.IsZero() {
		t.Fatal("CheckedAt should be set")
	}
}

func TestHTTPProber_BodyStatus(t *testing.T) {
	cases := []struct {
		name    string
		body    string
		status  Status
		message string
	}{
		{"healthy with message", `{"status":"healthy","message":"all good"}`, StatusHealthy, "all good"},
		{"healthy mixed case", `{"status":"Healthy"}`, StatusHealthy, "ok"},
		{"declared unhealthy with message", `{"status":"down","message":"db connection lost"}`, StatusUnhealthy, "db connection lost"},
		{"declared unhealthy no message", `{"status":"DEGRADED"}`, StatusUnhealthy, "reported status DEGRADED"},
		{"not json", `pong`, StatusHealthy, "ok"},
		{"json without status", `{"uptime":12}`, StatusHealthy, "ok"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := serve(t, func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write([]byte(tc.body))
			})
			res := NewHTTPProber().Probe(context.Background(), httpDesc(srv.URL))
			if res.Status != tc.status {
				t.Fatalf("status = %q, want %q", res.Status, tc.status)
			}
			if res.Message != tc.message {
				t.Fatalf("message = %q, want %q", res.Message, tc.message)
			}
		})
	}
}

func TestHTTPProber_Non2xx(t *testing.T) {
	srv := serve(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"healthy"}`))
	})

	res := NewHTTPProber().Probe(context.Background(), httpDesc(srv.URL))
	if res.Status != StatusUnhealthy {
		t.Fatalf("status = %q, want unhealthy", res.Status)
	}
	if res.Message != "http status 503" {
		t.Fatalf("message = %q, want http status 503", res.Message)
	}
	if !errors.Is(res.Err, ErrHTTPStatus) {
		t.Fatalf("Err = %v, want ErrHTTPStatus", res.Err)
	}
}

func TestHTTPProber_Timeout(t *testing.T) {
	srv := serve(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(3 * time.Second):
		}
	})

	d := httpDesc(srv.URL)
	d.Timeout = 100 * time.Millisecond

	begin := time.Now()
	res := NewHTTPProber().Probe(context.Background(), d)
	elapsed := time.Since(begin)

	if res.Status != StatusTimeout {
		t.Fatalf("status = %q, want timeout (%s)", res.Status, res.Message)
	}
	if res.Message != "response time exceeded" {
		t.Fatalf("message = %q", res.Message)
	}
	if !errors.Is(res.Err, ErrTimeout) {
		t.Fatalf("Err = %v, want ErrTimeout", res.Err)
	}
	if elapsed > time.Second {
		t.Fatalf("probe took %s, want about 100ms", elapsed)
	}
	if res.ResponseTime < 100*time.Millisecond {
		t.Fatalf("ResponseTime = %s, want >= timeout", res.ResponseTime)
	}
}

func TestHTTPProber_Refused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	d := httpDesc("http://" + addr)
	d.Timeout = 2 * time.Second

	begin := time.Now()
	res := NewHTTPProber().Probe(context.Background(), d)
	if res.Status != StatusUnreachable {
		t.Fatalf("status = %q, want unreachable (%s)", res.Status, res.Message)
	}
	if res.Message == "" {
		t.Fatal("unreachable result should carry the error text")
	}
	if time.Since(begin) > time.Second {
		t.Fatal("refused connection should resolve without waiting for the timeout")
	}
}

func TestHTTPProber_BadBaseURL(t *testing.T) {
	res := NewHTTPProber().Probe(context.Background(), httpDesc("localhost-no-scheme"))
	if res.Status != StatusUnreachable {
		t.Fatalf("status = %q, want unreachable", res.Status)
	}
}

func TestHTTPProber_JoinsPath(t *testing.T) {
	var got string
	srv := serve(t, func(w http.ResponseWriter, r *http.Request) { got = r.URL.Path })

	d := httpDesc(srv.URL + "/api/")
	d.HealthPath = "ready"
	NewHTTPProber().Probe(context.Background(), d)
	if got != "/api/ready" {
		t.Fatalf("path = %q, want /api/ready", got)
	}
}

func TestResult_MarshalJSON(t *testing.T) {
	at := time.UnixMilli(1700000000123)
	r := Result{Service: "api", Status: StatusTimeout, ResponseTime: 5001 * time.Millisecond, Message: "response time exceeded", CheckedAt: at, Err: ErrTimeout}
	b, err := json.Marshal(r)
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatal(err)
	}
	if m["status"] != "timeout" || m["responseTime"] != float64(5001) || m["checkedAt"] != float64(1700000000123) {
		t.Fatalf("json = %s", b)
	}
	if _, ok := m["Err"]; ok {
		t.Fatal("Err must not be serialized")
	}
}

func TestDescriptor_WithDefaults(t *testing.T) {
	d := Descriptor{Name: "x"}.WithDefaults()
	if d.Kind != KindHTTP || d.HealthPath != "/health" || d.Timeout != 5*time.Second {
		t.Fatalf("defaults = %+v", d)
	}
	pg := Descriptor{Name: "db", Kind: KindPostgres}.WithDefaults()
	if pg.HealthPath != "" {
		t.Fatalf("postgres HealthPath = %q, want empty", pg.HealthPath)
	}
}
