package health

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func check(p Probe) error { return p.Check(context.Background()) }

func TestFixed(t *testing.T) {
	if err := check(Fixed(true, "ignored")); err != nil {
		t.Fatalf("Fixed(true) = %v, want nil", err)
	}
	if err := check(Fixed(false, "catalog not loaded")); err == nil || err.Error() != "catalog not loaded" {
		t.Fatalf("Fixed(false) = %v", err)
	}
	if err := check(Fixed(false, "")); err == nil || err.Error() != "unhealthy" {
		t.Fatalf("Fixed(false, \"\") = %v, want unhealthy", err)
	}
}

func TestAll(t *testing.T) {
	errA, errB := errors.New("a"), errors.New("b")
	fail := func(e error) Probe { return CheckFunc(func(context.Context) error { return e }) }

	cases := []struct {
		name string
		ps   []Probe
		want error
	}{
		{"empty", nil, nil},
		{"all pass", []Probe{Fixed(true, ""), Fixed(true, "")}, nil},
		{"nil skipped", []Probe{nil, Fixed(true, "")}, nil},
		{"first error wins", []Probe{Fixed(true, ""), fail(errA), fail(errB)}, errA},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := check(All(tc.ps...)); got != tc.want {
				t.Fatalf("All = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestAll_ShortCircuits(t *testing.T) {
	called := false
	p := All(Fixed(false, "first"), CheckFunc(func(context.Context) error { called = true; return nil }))
	_ = check(p)
	if called {
		t.Fatal("All should stop at the first failure")
	}
}

func TestShutdownGate(t *testing.T) {
	var g ShutdownGate
	if err := check(g.Probe()); err != nil {
		t.Fatalf("new gate = %v, want open", err)
	}
	g.Set("")
	if err := check(g.Probe()); err == nil || err.Error() != "draining" {
		t.Fatalf("gate after Set(\"\") = %v, want draining", err)
	}
	if !g.Draining() {
		t.Fatal("Draining() = false after Set")
	}
	g.Set("shutting down")
	if err := check(g.Probe()); err == nil || err.Error() != "shutting down" {
		t.Fatalf("gate reason = %v", err)
	}
	g.Clear()
	if err := check(g.Probe()); err != nil {
		t.Fatalf("gate after Clear = %v", err)
	}
}

func TestShutdownGate_Concurrent(t *testing.T) {
	var g ShutdownGate
	p := All(g.Probe(), Fixed(true, ""))
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(3)
		go func() { defer wg.Done(); g.Set("draining") }()
		go func() { defer wg.Done(); g.Clear() }()
		go func() { defer wg.Done(); _ = check(p) }()
	}
	wg.Wait()
}
