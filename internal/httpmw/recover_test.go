package httpmw

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/KDT-PWA-Class-One-Group/kdt-pwa-healthcheck-application/internal/log"
)

// spyLogger captures Error calls.
type spyLogger struct {
	log.Logger
	mu     sync.Mutex
	errors []spyError
}

type spyError struct {
	msg string
	err error
}

func newSpyLogger() *spyLogger { return &spyLogger{Logger: log.Nop()} }

func (s *spyLogger) With(...any) log.Logger { return s }

func (s *spyLogger) Error(_ context.Context, err error, msg string, _ ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors = append(s.errors, spyError{msg: msg, err: err})
}

func (s *spyLogger) last() (spyError, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.errors) == 0 {
		return spyError{}, false
	}
	return s.errors[len(s.errors)-1], true
}

func TestRecover_NoPanic(t *testing.T) {
	spy := newSpyLogger()
	h := Recover(spy, nil, false)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte("created"))
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", http.NoBody))

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201", rec.Code)
	}
	if rec.Body.String() != "created" {
		t.Fatalf("body = %q", rec.Body.String())
	}
	if _, logged := spy.last(); logged {
		t.Fatal("error logged without a panic")
	}
}

func TestRecover_StringPanic(t *testing.T) {
	spy := newSpyLogger()
	var hooked bool
	h := Recover(spy, func() { hooked = true }, false)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("something broke")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", http.NoBody))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Fatalf("Content-Type = %q", ct)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("body is not json: %v", err)
	}
	if body["error"] == "" {
		t.Fatalf("body = %v, want error field", body)
	}
	if _, ok := body["details"]; ok {
		t.Fatalf("body = %v, details must stay hidden", body)
	}

	e, ok := spy.last()
	if !ok {
		t.Fatal("panic not logged")
	}
	if e.msg != "httpserver panic recovered" {
		t.Fatalf("msg = %q", e.msg)
	}
	if !hooked {
		t.Fatal("onPanic not called")
	}
}

func TestRecover_ErrorPanicWrapped(t *testing.T) {
	spy := newSpyLogger()
	cause := errors.New("database connection lost")
	h := Recover(spy, nil, false)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic(cause)
	}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", http.NoBody))

	e, ok := spy.last()
	if !ok {
		t.Fatal("panic not logged")
	}
	if !errors.Is(e.err, cause) {
		t.Fatalf("err = %v, want wrapping %v", e.err, cause)
	}
}

func TestRecover_AbortHandlerPropagates(t *testing.T) {
	h := Recover(newSpyLogger(), nil, false)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic(http.ErrAbortHandler)
	}))

	defer func() {
		if rec := recover(); rec != http.ErrAbortHandler {
			t.Fatalf("recovered %v, want http.ErrAbortHandler", rec)
		}
	}()
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", http.NoBody))
}

func TestRecover_ExposeDetails(t *testing.T) {
	h := Recover(newSpyLogger(), nil, true)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("catalog entry missing")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/monitor", http.NoBody))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("body is not json: %v", err)
	}
	if !strings.Contains(body["details"], "catalog entry missing") {
		t.Fatalf("details = %q, want the panic text", body["details"])
	}
}
