package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/smsgate/internal/health"
	"github.com/keithlinneman/smsgate/internal/httpmw"
	"github.com/keithlinneman/smsgate/internal/log"
)

// test helpers

func defaultOpts() *Options {
	return &Options{Logger: log.Nop()}
}

func doRequest(t *testing.T, h http.Handler, method, path string, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, body))
	return rec
}

func getFreePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()
	return port
}

// NewHandler - middleware stack

func TestNewHandler_SecurityHeaders_OnEveryResponse(t *testing.T) {
	opts := defaultOpts()
	opts.APIRoutes = func(r chi.Router) {
		r.Post("/api/sms/check", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTooManyRequests)
		})
	}
	h := NewHandler(opts)

	for _, tc := range []struct{ method, path string }{
		{http.MethodPost, "/api/sms/check"},
		{http.MethodGet, "/does-not-exist"},
		{http.MethodGet, "/api/sms/check"},
	} {
		rec := doRequest(t, h, tc.method, tc.path, http.NoBody)
		for _, hdr := range []string{"Strict-Transport-Security", "X-Content-Type-Options", "Cache-Control"} {
			if rec.Header().Get(hdr) == "" {
				t.Errorf("%s %s: missing %s", tc.method, tc.path, hdr)
			}
		}
	}
}

func TestNewHandler_JSONNotFoundAndMethodNotAllowed(t *testing.T) {
	opts := defaultOpts()
	opts.APIRoutes = func(r chi.Router) {
		r.Post("/api/sms/check", func(w http.ResponseWriter, r *http.Request) {})
	}
	h := NewHandler(opts)

	rec := doRequest(t, h, http.MethodGet, "/nope", http.NoBody)
	if rec.Code != http.StatusNotFound || rec.Header().Get("Content-Type") != "application/json" {
		t.Fatalf("404 = %d %q", rec.Code, rec.Header().Get("Content-Type"))
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil || body["error"] != "not found" {
		t.Fatalf("404 body = %q (%v)", rec.Body.String(), err)
	}

	rec = doRequest(t, h, http.MethodGet, "/api/sms/check", http.NoBody)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("405 = %d", rec.Code)
	}
}

func TestNewHandler_RequestIDAndClientIPReachHandler(t *testing.T) {
	var gotID, gotIP string
	opts := defaultOpts()
	opts.APIRoutes = func(r chi.Router) {
		r.Get("/api/sms/stats", func(w http.ResponseWriter, r *http.Request) {
			gotID = httpmw.RequestIDFromContext(r.Context())
			gotIP = httpmw.ClientIPFromContext(r.Context())
		})
	}
	h := NewHandler(opts)

	req := httptest.NewRequest(http.MethodGet, "/api/sms/stats", http.NoBody)
	req.RemoteAddr = "192.0.2.10:4444"
	req.Header.Set("X-Request-Id", "caller-1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if gotID != "caller-1" || rec.Header().Get("X-Request-Id") != "caller-1" {
		t.Fatalf("request id = %q / %q", gotID, rec.Header().Get("X-Request-Id"))
	}
	if gotIP != "192.0.2.10" {
		t.Fatalf("client ip = %q", gotIP)
	}
}

func TestNewHandler_GuardSeesClientIP(t *testing.T) {
	var guarded string
	opts := defaultOpts()
	opts.GuardMW = func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			guarded = httpmw.ClientIPFromContext(r.Context())
			w.WriteHeader(http.StatusTooManyRequests)
		})
	}
	h := NewHandler(opts)

	req := httptest.NewRequest(http.MethodGet, "/anything", http.NoBody)
	req.RemoteAddr = "198.51.100.3:1"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if guarded != "198.51.100.3" {
		t.Fatalf("guard saw %q", guarded)
	}
	if rec.Code != http.StatusTooManyRequests || rec.Header().Get("X-Frame-Options") == "" {
		t.Fatalf("guard rejection should still carry security headers: %d %v", rec.Code, rec.Header())
	}
}

func TestNewHandler_MetricsMWSeesRoutePattern(t *testing.T) {
	var pattern string
	opts := defaultOpts()
	opts.MetricsMW = func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r)
			pattern = chi.RouteContext(r.Context()).RoutePattern()
		})
	}
	opts.APIRoutes = func(r chi.Router) {
		r.Route("/api/sms", func(r chi.Router) {
			r.Post("/check", func(w http.ResponseWriter, r *http.Request) {})
		})
	}
	doRequest(t, NewHandler(opts), http.MethodPost, "/api/sms/check", http.NoBody)
	if pattern != "/api/sms/check" {
		t.Fatalf("pattern = %q", pattern)
	}
}

func TestNewHandler_Probes(t *testing.T) {
	opts := defaultOpts()
	opts.Health = health.Fixed(true, "")
	opts.Readiness = health.Fixed(false, "draining")
	h := NewHandler(opts)

	if rec := doRequest(t, h, http.MethodGet, "/-/healthy", http.NoBody); rec.Code != http.StatusOK {
		t.Fatalf("healthy = %d", rec.Code)
	}
	rec := doRequest(t, h, http.MethodGet, "/-/ready", http.NoBody)
	if rec.Code != http.StatusServiceUnavailable || !strings.Contains(rec.Body.String(), "draining") {
		t.Fatalf("ready = %d %q", rec.Code, rec.Body.String())
	}

	// unset probes leave the route unregistered
	if rec := doRequest(t, NewHandler(defaultOpts()), http.MethodGet, "/-/ready", http.NoBody); rec.Code != http.StatusNotFound {
		t.Fatalf("unset readiness = %d", rec.Code)
	}
}

func TestNewHandler_MaxBody(t *testing.T) {
	var readErr error
	opts := defaultOpts()
	opts.MaxBodyBytes = 16
	opts.APIRoutes = func(r chi.Router) {
		r.Post("/api/sms/check", func(w http.ResponseWriter, r *http.Request) {
			_, readErr = io.ReadAll(r.Body)
		})
	}
	doRequest(t, NewHandler(opts), http.MethodPost, "/api/sms/check", strings.NewReader(strings.Repeat("x", 64)))
	if readErr == nil {
		t.Fatal("oversized body should fail to read")
	}
}

func TestNewHandler_RecoverMW(t *testing.T) {
	var panics int
	opts := defaultOpts()
	opts.UseRecoverMW = true
	opts.OnPanic = func() { panics++ }
	opts.APIRoutes = func(r chi.Router) {
		r.Get("/boom", func(http.ResponseWriter, *http.Request) { panic("boom") })
	}
	rec := doRequest(t, NewHandler(opts), http.MethodGet, "/boom", http.NoBody)
	if rec.Code != http.StatusInternalServerError || panics != 1 {
		t.Fatalf("code=%d panics=%d", rec.Code, panics)
	}
	if rec.Header().Get("Strict-Transport-Security") == "" {
		t.Fatal("panic response should carry security headers")
	}
}

// Start - lifecycle

func TestStart_ServesAndStops(t *testing.T) {
	port := getFreePort(t)
	opts := defaultOpts()
	opts.Port = port
	opts.Health = health.Fixed(true, "")

	stop, err := Start(context.Background(), opts)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	url := fmt.Sprintf("http://127.0.0.1:%d/-/healthy", port)
	var resp *http.Response
	for i := 0; i < 50; i++ {
		resp, err = http.Get(url)
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	if err := stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := stop(context.Background()); err != nil {
		t.Fatalf("second stop should be a no-op: %v", err)
	}
	if _, err := http.Get(url); err == nil {
		t.Fatal("server still answering after stop")
	}
}

func TestStart_PortConflict(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	// bind the same port on all interfaces
	opts := defaultOpts()
	opts.Port = ln.Addr().(*net.TCPAddr).Port
	stop, err := Start(context.Background(), opts)
	if err == nil {
		_ = stop(context.Background())
		t.Skip("platform allowed a second bind on the same port")
	}
	if !strings.Contains(err.Error(), "listen for api") {
		t.Fatalf("err = %v", err)
	}
}
