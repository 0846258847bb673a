package log

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/smsgate/internal/xerrors"
)

// newTestLogger builds a JSON logger writing to buf.
func newTestLogger(t *testing.T, buf *bytes.Buffer, opts Options) Logger {
	t.Helper()
	opts.Writer = buf
	opts.JSON = true
	l, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return l
}

// lastRecord parses the last JSON line in buf.
func lastRecord(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	var m map[string]any
	if err := json.Unmarshal([]byte(lines[len(lines)-1]), &m); err != nil {
		t.Fatalf("parse JSON log line: %v\nraw: %s", err, buf.String())
	}
	return m
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"debug", slog.LevelDebug, false},
		{"INFO", slog.LevelInfo, false},
		{"", slog.LevelInfo, false},
		{" Warn ", slog.LevelWarn, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"trace", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLevel(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestLogger_BaseAttrs(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf, Options{App: "smsgate", Version: "1.2.3", Commit: "abc123"})

	l.Info(context.Background(), "hello", "k", "v")

	m := lastRecord(t, &buf)
	for k, want := range map[string]string{"msg": "hello", "app": "smsgate", "version": "1.2.3", "commit": "abc123", "k": "v"} {
		if m[k] != want {
			t.Errorf("%s = %v, want %q", k, m[k], want)
		}
	}
	src, ok := m["source"].(map[string]any)
	if !ok || !strings.HasSuffix(fmt.Sprint(src["file"]), "slog_test.go") {
		t.Errorf("source = %v, want this test file", m["source"])
	}
}

func TestLogger_LevelFilter(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf, Options{App: "x", Level: slog.LevelWarn})

	l.Debug(context.Background(), "d")
	l.Info(context.Background(), "i")
	if buf.Len() != 0 {
		t.Fatalf("records below level were written: %s", buf.String())
	}
	l.Warn(context.Background(), "w")
	if m := lastRecord(t, &buf); m["msg"] != "w" {
		t.Fatalf("msg = %v, want w", m["msg"])
	}
}

func TestLogger_WithIsCopyOnWrite(t *testing.T) {
	var buf bytes.Buffer
	base := newTestLogger(t, &buf, Options{App: "x"})
	a := base.With("dim", "phone_number")
	_ = base.With("dim", "account")

	a.Info(context.Background(), "one")
	if m := lastRecord(t, &buf); m["dim"] != "phone_number" {
		t.Fatalf("dim = %v, want phone_number", m["dim"])
	}
	base.Info(context.Background(), "two")
	if m := lastRecord(t, &buf); m["dim"] != nil {
		t.Fatalf("base logger picked up derived attrs: %v", m)
	}
}

func TestLogger_OddKVIgnored(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf, Options{App: "x"})
	l.Info(context.Background(), "odd", "a", 1, 42, "skipped", "dangling")

	m := lastRecord(t, &buf)
	if m["a"] != float64(1) {
		t.Fatalf("a = %v, want 1", m["a"])
	}
	if _, ok := m["dangling"]; ok {
		t.Fatal("dangling key should be dropped")
	}
}

func TestLogger_ErrorEnrichment(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf, Options{App: "x", IncludeErrorLinks: true})

	base := xerrors.New("window corrupt")
	err := xerrors.Wrap(base, "sweep key")
	l.Error(context.Background(), err, "sweep failed")

	m := lastRecord(t, &buf)
	if m["err"] != "sweep key: window corrupt" {
		t.Fatalf("err = %v", m["err"])
	}
	chain, ok := m["error_chain"].([]any)
	if !ok || len(chain) != 2 {
		t.Fatalf("error_chain = %v, want 2 entries", m["error_chain"])
	}
	links, ok := m["error_links"].([]any)
	if !ok || len(links) == 0 {
		t.Fatalf("error_links = %v", m["error_links"])
	}
	stack, _ := m["stack"].(string)
	if !strings.Contains(stack, "TestLogger_ErrorEnrichment") {
		t.Fatalf("stack should point at the test, got %q", stack)
	}
	if m["cause_type"] != "*errors.errorString" {
		t.Fatalf("cause_type = %v", m["cause_type"])
	}
}

func TestLogger_StackOnlyAtOrAboveLevel(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf, Options{App: "x", StacktraceLevel: slog.LevelError})

	l.Warn(context.Background(), "w")
	if _, ok := lastRecord(t, &buf)["stack"]; ok {
		t.Fatal("warn should not carry a stack")
	}
	l.Error(context.Background(), errors.New("plain"), "e")
	if s, _ := lastRecord(t, &buf)["stack"].(string); s == "" {
		t.Fatal("error should carry a stack")
	}
}

func TestLogger_TraceIDs(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf, Options{App: "x"})

	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{1, 2, 3},
		SpanID:     trace.SpanID{4, 5, 6},
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)
	l.Info(ctx, "traced")

	m := lastRecord(t, &buf)
	if m["trace_id"] != sc.TraceID().String() || m["span_id"] != sc.SpanID().String() {
		t.Fatalf("trace ids = %v/%v", m["trace_id"], m["span_id"])
	}
}

func TestClassifyTypes(t *testing.T) {
	surface, root := classifyTypes(xerrors.Wrap(fmt.Errorf("ctx: %w", context.DeadlineExceeded), "op"))
	if surface != "context.deadlineExceededError" {
		t.Errorf("surface = %q", surface)
	}
	if root != "context.deadlineExceededError" {
		t.Errorf("root = %q", root)
	}
	if s, r := classifyTypes(nil); s != "" || r != "" {
		t.Errorf("nil = %q/%q", s, r)
	}
}

func TestContext_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf, Options{App: "x"})

	if _, ok := FromContext(context.Background()).(nopLogger); !ok {
		t.Fatal("empty context should yield the nop logger")
	}
	ctx := WithContext(context.Background(), l)
	FromContext(ctx).Info(ctx, "via ctx")
	if m := lastRecord(t, &buf); m["msg"] != "via ctx" {
		t.Fatalf("msg = %v", m["msg"])
	}
}

func TestNop(t *testing.T) {
	n := Nop()
	n.With("a", 1).Info(context.Background(), "ignored")
	n.Error(context.Background(), errors.New("x"), "ignored")
	if err := n.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}
}

func TestThrottled(t *testing.T) {
	var buf bytes.Buffer
	l := Throttled(newTestLogger(t, &buf, Options{App: "x"}), 2, time.Hour)

	for i := 0; i < 5; i++ {
		l.With("i", i).Warn(context.Background(), "denied")
	}
	if n := strings.Count(buf.String(), `"msg":"denied"`); n != 2 {
		t.Fatalf("denied records = %d, want 2", n)
	}

	l.Error(context.Background(), errors.New("boom"), "always")
	if m := lastRecord(t, &buf); m["msg"] != "always" {
		t.Fatal("errors must bypass the throttle")
	}
}
