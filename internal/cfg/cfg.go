package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/keithlinneman/smsgate/internal/log"
)

// EnvPrefix is prepended to upper-cased flag names to form environment variable names.
const EnvPrefix = "SMSGATE_"

type App struct {
	// logging
	LogJSON           bool
	LogLevel          string
	StacktraceLevel   string
	IncludeErrorLinks bool
	MaxErrorLinks     int

	// listeners
	HTTPPort   int
	AdminPort  int
	DrainDelay time.Duration
	// reverse proxies in front of the API whose X-Forwarded-For entries are trusted
	TrustedProxyHops int

	// observability
	EnablePprof     bool
	EnablePyroscope bool
	EnableTracing   bool
	PyroServer      string
	PyroTenantID    string
	OTLPEndpoint    string
	TraceSample     float64

	// quota policy, flag values are the lowest-precedence source
	MaxPerNumber     int
	MaxPerAccount    int
	WindowSeconds    int
	RetentionHorizon time.Duration
	SweepInterval    time.Duration

	// quota policy document sources
	PolicyFile          string
	PolicySSMParam      string
	PolicyS3Bucket      string
	PolicyS3Key         string
	PolicySigningKeyARN string

	// per-client ingress guard in front of the API
	ClientRate  float64
	ClientBurst int
	ClientTTL   time.Duration
	MaxClients  int
}

// Register binds all config fields to the given FlagSet with defaults inline
func Register(fs *flag.FlagSet, c *App) {
	fs.BoolVar(&c.LogJSON, "log-json", true, "JSON logs (true) or logfmt (false)")
	fs.StringVar(&c.LogLevel, "log-level", "info", "debug|info|warn|error")
	fs.StringVar(&c.StacktraceLevel, "stacktrace-level", "error", "debug|info|warn|error")
	fs.BoolVar(&c.IncludeErrorLinks, "include-error-links", true, "Include error links in log messages")
	fs.IntVar(&c.MaxErrorLinks, "max-error-links", 5, "max error chain depth (1..64)")

	fs.IntVar(&c.HTTPPort, "http-port", 8080, "API listen TCP port (1..65535)")
	fs.IntVar(&c.AdminPort, "admin-port", 9000, "admin listen TCP port (1..65535)")
	fs.IntVar(&c.TrustedProxyHops, "trusted-proxy-hops", 1, "reverse proxies in front of the API port (0 = ignore X-Forwarded-For)")
	fs.DurationVar(&c.DrainDelay, "drain-delay", 15*time.Second, "how long to fail readiness before stopping listeners on shutdown")

	fs.BoolVar(&c.EnablePprof, "enable-pprof", true, "Enable pprof profiling (on admin port only)")
	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "Enable OTLP tracing and push to otlp-endpoint")
	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "Enable pushing Pyroscope data to server set in -pyro-server")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server url to push to")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "tenant (x-scope-orgid) to use for pyro-server")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP endpoint to push to (gRPC) (host:port)")
	fs.Float64Var(&c.TraceSample, "trace-sample", 0.0, "trace sampling ratio (0..1)")

	fs.IntVar(&c.MaxPerNumber, "max-per-number", 30, "messages allowed per business phone number per window")
	fs.IntVar(&c.MaxPerAccount, "max-per-account", 300, "messages allowed per account per window, across all its numbers")
	fs.IntVar(&c.WindowSeconds, "window-seconds", 1, "rolling window length in seconds")
	fs.DurationVar(&c.RetentionHorizon, "retention-horizon", time.Hour, "idle key history older than this is reclaimed (>= window)")
	fs.DurationVar(&c.SweepInterval, "sweep-interval", 0, "how often to reclaim idle keys (0 = retention horizon)")

	fs.StringVar(&c.PolicyFile, "policy-file", "", "YAML or JSON quota policy file")
	fs.StringVar(&c.PolicySSMParam, "policy-ssm-param", "", "SSM parameter holding the quota policy document")
	fs.StringVar(&c.PolicyS3Bucket, "policy-s3-bucket", "", "S3 bucket holding the quota policy document")
	fs.StringVar(&c.PolicyS3Key, "policy-s3-key", "", "S3 key of the quota policy document")
	fs.StringVar(&c.PolicySigningKeyARN, "policy-signing-key-arn", "", "KMS key ARN for verifying <policy-s3-key>.sig")

	fs.Float64Var(&c.ClientRate, "client-rate", 200, "API requests per second allowed per client IP")
	fs.IntVar(&c.ClientBurst, "client-burst", 400, "API request burst allowed per client IP")
	fs.DurationVar(&c.ClientTTL, "client-ttl", 3*time.Minute, "idle time before a client IP's bucket is dropped")
	fs.IntVar(&c.MaxClients, "max-clients", 10000, "max client IPs tracked at once (0 = unlimited)")
}

// FillFromEnv sets any flag not explicitly passed on the CLI from
// environment variables. Flag "foo-bar" maps to PREFIX_FOO_BAR.
// Precedence: cli flag > env var > default.
func FillFromEnv(fs *flag.FlagSet, prefix string, logf func(string, ...any)) {
	if logf == nil {
		logf = func(string, ...any) {}
	}
	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	fs.VisitAll(func(f *flag.Flag) {
		key := EnvName(prefix, f.Name)
		envVal, ok := os.LookupEnv(key)
		if !ok {
			return
		}
		if explicit[f.Name] {
			logf("flag -%s: cli value %q overrides env %s=%q", f.Name, f.Value.String(), key, envVal)
			return
		}
		prev := f.Value.String()
		if err := fs.Set(f.Name, envVal); err != nil {
			_ = fs.Set(f.Name, prev)
			logf("flag -%s: ignoring invalid env %s=%q: %v", f.Name, key, envVal, err)
		}
	})
}

// EnvName maps a flag name to its environment variable.
func EnvName(prefix, flagName string) string {
	return prefix + strings.ReplaceAll(strings.ToUpper(flagName), "-", "_")
}

// Validate checks that config values are within expected ranges and formats.
// Returns an error describing all invalid fields, or nil if all valid.
//
// Quota values are only range-checked here. Whether they form a usable policy,
// after any policy document has been applied, is decided by admission.Config.Validate.
func Validate(c App) error {
	var errs []error

	// listeners
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.HTTPPort))
	}
	if c.AdminPort < 1 || c.AdminPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid ADMIN_PORT %d (must be 1..65535)", c.AdminPort))
	}
	if c.AdminPort == c.HTTPPort {
		errs = append(errs, fmt.Errorf("ADMIN_PORT and HTTP_PORT must differ (both %d)", c.HTTPPort))
	}
	if c.TrustedProxyHops < 0 || c.TrustedProxyHops > 8 {
		errs = append(errs, fmt.Errorf("TRUSTED_PROXY_HOPS must be 0..8 (got %d)", c.TrustedProxyHops))
	}
	if c.DrainDelay < 0 {
		errs = append(errs, fmt.Errorf("DRAIN_DELAY must not be negative (got %s)", c.DrainDelay))
	}

	// log levels
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid LOG_LEVEL %q: %w", c.LogLevel, err))
	}
	if c.StacktraceLevel != "" {
		if _, err := log.ParseLevel(c.StacktraceLevel); err != nil {
			errs = append(errs, fmt.Errorf("invalid STACKTRACE_LEVEL %q: %w", c.StacktraceLevel, err))
		}
	}
	if c.IncludeErrorLinks && (c.MaxErrorLinks < 1 || c.MaxErrorLinks > 64) {
		errs = append(errs, fmt.Errorf("MAX_ERROR_LINKS must be 1..64 (got %d)", c.MaxErrorLinks))
	}

	if c.TraceSample < 0 || c.TraceSample > 1 {
		errs = append(errs, fmt.Errorf("invalid TRACE_SAMPLE %.3f (must be 0..1)", c.TraceSample))
	}

	if c.EnablePyroscope {
		if c.PyroServer == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER required when ENABLE_PYROSCOPE=true"))
		} else if u, err := url.Parse(c.PyroServer); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER must be a URL (got %q)", c.PyroServer))
		}
		if c.PyroTenantID == "" {
			errs = append(errs, fmt.Errorf("PYRO_TENANT required when ENABLE_PYROSCOPE=true"))
		}
	}

	// grpc exporter wants host:port, no scheme
	if c.EnableTracing {
		if c.OTLPEndpoint == "" {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT required when ENABLE_TRACING=true"))
		} else if _, _, err := net.SplitHostPort(c.OTLPEndpoint); err != nil {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT must be host:port (got %q): %v", c.OTLPEndpoint, err))
		}
	}

	// quota flags
	if c.MaxPerNumber < 0 {
		errs = append(errs, fmt.Errorf("MAX_PER_NUMBER must not be negative (got %d)", c.MaxPerNumber))
	}
	if c.MaxPerAccount < 0 {
		errs = append(errs, fmt.Errorf("MAX_PER_ACCOUNT must not be negative (got %d)", c.MaxPerAccount))
	}
	if c.WindowSeconds < 0 {
		errs = append(errs, fmt.Errorf("WINDOW_SECONDS must not be negative (got %d)", c.WindowSeconds))
	}
	if c.RetentionHorizon < 0 {
		errs = append(errs, fmt.Errorf("RETENTION_HORIZON must not be negative (got %s)", c.RetentionHorizon))
	}
	if c.SweepInterval < 0 {
		errs = append(errs, fmt.Errorf("SWEEP_INTERVAL must not be negative (got %s)", c.SweepInterval))
	}

	// policy sources
	if (c.PolicyS3Bucket == "") != (c.PolicyS3Key == "") {
		errs = append(errs, fmt.Errorf("POLICY_S3_BUCKET and POLICY_S3_KEY must be set together"))
	}
	if c.PolicySigningKeyARN != "" && c.PolicyS3Bucket == "" {
		errs = append(errs, fmt.Errorf("POLICY_SIGNING_KEY_ARN only applies to an S3 policy (POLICY_S3_BUCKET is empty)"))
	}

	// ingress guard
	if c.ClientRate <= 0 {
		errs = append(errs, fmt.Errorf("CLIENT_RATE must be positive (got %g)", c.ClientRate))
	}
	if c.ClientBurst < 1 {
		errs = append(errs, fmt.Errorf("CLIENT_BURST must be at least 1 (got %d)", c.ClientBurst))
	}
	if c.ClientTTL <= 0 {
		errs = append(errs, fmt.Errorf("CLIENT_TTL must be positive (got %s)", c.ClientTTL))
	}
	if c.MaxClients < 0 {
		errs = append(errs, fmt.Errorf("MAX_CLIENTS must not be negative (got %d)", c.MaxClients))
	}

	return errors.Join(errs...)
}
