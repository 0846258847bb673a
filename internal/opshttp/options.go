package opshttp

import (
	"net/http"

	"github.com/keithlinneman/smsgate/internal/health"
)

type Options struct {
	Port        int
	Metrics     http.Handler
	EnablePprof bool
	Health      health.Probe
	Readiness   health.Probe

	// Stats is the admission store snapshot, served at /-/stats when set
	Stats http.Handler

	UseRecoverMW bool
	OnPanic      func() // called for every recovered panic, e.g. to bump a counter
}
