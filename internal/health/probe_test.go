package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestFixed(t *testing.T) {
	if err := Fixed(true, "ignored").Check(context.Background()); err != nil {
		t.Fatalf("Fixed(true) = %v", err)
	}
	if err := Fixed(false, "policy not loaded").Check(context.Background()); err == nil || err.Error() != "policy not loaded" {
		t.Fatalf("Fixed(false) = %v", err)
	}
	if err := Fixed(false, "").Check(context.Background()); err == nil || err.Error() != "unhealthy" {
		t.Fatalf("Fixed(false, \"\") = %v", err)
	}
}

func TestAll(t *testing.T) {
	tests := []struct {
		name    string
		probes  []Probe
		wantErr string
	}{
		{"empty", nil, ""},
		{"all pass", []Probe{Fixed(true, ""), Fixed(true, "")}, ""},
		{"nil skipped", []Probe{nil, Fixed(true, ""), nil}, ""},
		{"first failure wins", []Probe{Fixed(true, ""), Fixed(false, "gate"), Fixed(false, "reclaim")}, "gate"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := All(tt.probes...).Check(context.Background())
			if tt.wantErr == "" && err != nil {
				t.Fatalf("unexpected error %v", err)
			}
			if tt.wantErr != "" && (err == nil || err.Error() != tt.wantErr) {
				t.Fatalf("err = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestAll_ShortCircuits(t *testing.T) {
	called := false
	p := All(Fixed(false, "stop"), CheckFunc(func(context.Context) error {
		called = true
		return nil
	}))
	_ = p.Check(context.Background())
	if called {
		t.Fatal("probes after a failure should not run")
	}
}

func TestAny(t *testing.T) {
	if err := Any(Fixed(false, "a"), Fixed(true, "")).Check(context.Background()); err != nil {
		t.Fatalf("one passing probe should pass, got %v", err)
	}
	if err := Any(Fixed(false, "a"), Fixed(false, "b")).Check(context.Background()); err == nil || err.Error() != "b" {
		t.Fatalf("all failing should return the last error, got %v", err)
	}
	if err := Any().Check(context.Background()); err == nil || err.Error() != "no healthy probes" {
		t.Fatalf("empty Any = %v", err)
	}
	if err := Any(nil, nil).Check(context.Background()); err == nil {
		t.Fatal("only nil probes should fail")
	}
}

func TestNamed(t *testing.T) {
	cause := errors.New("no sweep in 3h0m0s")
	err := Named("reclaim", CheckFunc(func(context.Context) error { return cause })).Check(context.Background())
	if err == nil || err.Error() != "reclaim: no sweep in 3h0m0s" {
		t.Fatalf("err = %v", err)
	}
	if !errors.Is(err, cause) {
		t.Fatal("Named should keep the cause in the chain")
	}
	if err := Named("x", nil).Check(context.Background()); err != nil {
		t.Fatalf("nil probe = %v", err)
	}
	if err := Named("x", Fixed(true, "")).Check(context.Background()); err != nil {
		t.Fatalf("passing probe = %v", err)
	}
}

func TestTimeout(t *testing.T) {
	slow := CheckFunc(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	err := Timeout(10*time.Millisecond, slow).Check(context.Background())
	if err == nil || err.Error() != "check timed out after 10ms" {
		t.Fatalf("err = %v", err)
	}

	if err := Timeout(time.Second, Fixed(false, "fast fail")).Check(context.Background()); err == nil || err.Error() != "fast fail" {
		t.Fatalf("fast failure should be returned as is, got %v", err)
	}
	if err := Timeout(time.Second, nil).Check(context.Background()); err != nil {
		t.Fatalf("nil probe = %v", err)
	}
}

func TestShutdownGate(t *testing.T) {
	var g ShutdownGate
	if err := g.Probe().Check(context.Background()); err != nil || g.Draining() {
		t.Fatalf("zero gate should be open, got %v", err)
	}

	g.Set("draining for shutdown")
	if err := g.Probe().Check(context.Background()); err == nil || err.Error() != "draining for shutdown" {
		t.Fatalf("after Set = %v", err)
	}
	if !g.Draining() {
		t.Fatal("Draining() should be true after Set")
	}

	g.Clear()
	if err := g.Probe().Check(context.Background()); err != nil {
		t.Fatalf("after Clear = %v", err)
	}

	g.Set("")
	if err := g.Probe().Check(context.Background()); err == nil || err.Error() != "draining" {
		t.Fatalf("empty reason = %v", err)
	}
}

func TestShutdownGate_SinceKeepsFirstSet(t *testing.T) {
	var g ShutdownGate
	if !g.Since().IsZero() {
		t.Fatal("open gate should have zero Since")
	}
	g.Set("first")
	first := g.Since()
	if first.IsZero() {
		t.Fatal("Since should be stamped by Set")
	}
	time.Sleep(2 * time.Millisecond)
	g.Set("second")
	if !g.Since().Equal(first) {
		t.Fatalf("Since moved on repeated Set: %v -> %v", first, g.Since())
	}
	if err := g.Probe().Check(context.Background()); err == nil || err.Error() != "second" {
		t.Fatalf("reason should follow the latest Set, got %v", err)
	}
	g.Clear()
	if !g.Since().IsZero() {
		t.Fatal("Clear should reset Since")
	}
}

func TestShutdownGate_Concurrent(t *testing.T) {
	var g ShutdownGate
	p := g.Probe()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			g.Set("drain")
			g.Clear()
		}()
		go func() {
			defer wg.Done()
			_ = p.Check(context.Background())
		}()
	}
	wg.Wait()
}
