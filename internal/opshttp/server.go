package opshttp

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/keithlinneman/smsgate/internal/health"
	"github.com/keithlinneman/smsgate/internal/httpmw"
	"github.com/keithlinneman/smsgate/internal/httpserver"
	"github.com/keithlinneman/smsgate/internal/log"
	"github.com/keithlinneman/smsgate/internal/xerrors"
)

// long enough for a default 30s CPU profile or trace
const pprofWriteTimeout = 65 * time.Second

// NewHandler builds the admin mux: probes, /metrics, /-/stats and pprof.
// Everything is restricted to non-public peers.
func NewHandler(L log.Logger, opts *Options) http.Handler {
	mux := http.NewServeMux()

	mux.Handle("GET /-/healthy", health.HealthzHandler(opts.Health))
	mux.Handle("GET /-/ready", health.ReadyzHandler(opts.Readiness))

	if opts.Metrics != nil {
		mux.Handle("GET /metrics", opts.Metrics)
	}
	if opts.Stats != nil {
		mux.Handle("GET /-/stats", opts.Stats)
	}

	// pprof (or shadow with 404s)
	if opts.EnablePprof {
		RegisterPprof(mux)
	} else {
		mux.HandleFunc("/debug/pprof/", http.NotFound)
	}

	var h http.Handler = requireNonPublicNetwork(L, mux)
	if opts.UseRecoverMW {
		h = httpmw.Recover(L, opts.OnPanic)(h)
	}
	return h
}

// Start admin HTTP server with /metrics, /-/healthy, /-/ready, /-/stats and pprof.
// Returns stop(ctx) for graceful shutdown.
func Start(ctx context.Context, L log.Logger, opts *Options) (func(context.Context) error, error) {
	if L == nil {
		L = log.Nop()
	}
	port := opts.Port
	if port == 0 {
		port = 9000
	}
	addr := fmt.Sprintf(":%d", port)

	srv := httpserver.NewServer(addr, NewHandler(L, opts))
	if opts.EnablePprof {
		srv.WriteTimeout = pprofWriteTimeout
	}

	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, xerrors.Wrapf(err, "could not listen for admin port on addr=%v", addr)
	}
	return httpserver.Serve(ctx, L, "ops http server", srv, ln), nil
}
