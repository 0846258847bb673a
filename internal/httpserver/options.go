package httpserver

import (
	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/smsgate/internal/health"
	"github.com/keithlinneman/smsgate/internal/httpmw"
	"github.com/keithlinneman/smsgate/internal/log"
)

type Options struct {
	Logger log.Logger
	Port   int

	// mounted at /-/healthy and /-/ready for load balancer checks; nil leaves the route unset
	Health    health.Probe
	Readiness health.Probe

	// APIRoutes registers the admission API on the router
	APIRoutes func(chi.Router)

	// MetricsMW is installed on the router so it can label by route pattern
	MetricsMW httpmw.Middleware

	// GuardMW is the per-client ingress limiter. Runs after client IP resolution.
	GuardMW httpmw.Middleware

	ClientIPOpts httpmw.ClientIPOptions

	// request bodies above this are rejected, 0 = DefaultMaxBodyBytes
	MaxBodyBytes int64

	UseRecoverMW bool
	OnPanic      func()
}
