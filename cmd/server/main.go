package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"golang.org/x/sync/errgroup"

	"github.com/keithlinneman/smsgate/internal/admission"
	"github.com/keithlinneman/smsgate/internal/cfg"
	"github.com/keithlinneman/smsgate/internal/clientguard"
	"github.com/keithlinneman/smsgate/internal/gatehttp"
	"github.com/keithlinneman/smsgate/internal/health"
	"github.com/keithlinneman/smsgate/internal/httpmw"
	"github.com/keithlinneman/smsgate/internal/httpserver"
	"github.com/keithlinneman/smsgate/internal/log"
	"github.com/keithlinneman/smsgate/internal/metrics"
	"github.com/keithlinneman/smsgate/internal/opshttp"
	"github.com/keithlinneman/smsgate/internal/otelx"
	"github.com/keithlinneman/smsgate/internal/policy"
	"github.com/keithlinneman/smsgate/internal/prof"
	"github.com/keithlinneman/smsgate/internal/reclaim"
	v "github.com/keithlinneman/smsgate/internal/version"
)

// load balancer checks give up well before this
const readinessTimeout = 2 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	vi := v.Get()

	var conf cfg.App
	var showVersion bool

	cfg.Register(flag.CommandLine, &conf)
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf(
			"%s %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%v)\n",
			vi.AppName, vi.Version, vi.Commit, vi.CommitDate, vi.BuildId, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty,
		)
		os.Exit(0)
	}

	cfg.FillFromEnv(flag.CommandLine, cfg.EnvPrefix, func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	if err := cfg.Validate(conf); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}

	lvl, err := log.ParseLevel(conf.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level %s: %v\n", conf.LogLevel, err)
		os.Exit(1)
	}
	stackLvl, err := log.ParseLevel(conf.StacktraceLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid stacktrace level %s: %v\n", conf.StacktraceLevel, err)
		os.Exit(1)
	}
	lg, err := log.New(log.Options{
		App:               v.AppName,
		Version:           vi.Version,
		Commit:            vi.Commit,
		Level:             lvl,
		StacktraceLevel:   stackLvl,
		JSON:              conf.LogJSON,
		IncludeErrorLinks: conf.IncludeErrorLinks,
		MaxErrorLinks:     conf.MaxErrorLinks,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init error:", err)
		os.Exit(1)
	}
	defer lg.Sync()
	L := lg.With("component", "server")
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"commit_date", vi.CommitDate,
		"build_id", vi.BuildId,
		"build_date", vi.BuildDate,
		"go_version", vi.GoVersion,
		"vcs_dirty", vi.VCSDirty,
		"http_port", conf.HTTPPort,
		"admin_port", conf.AdminPort,
		"enable_pprof", conf.EnablePprof,
		"enable_pyroscope", conf.EnablePyroscope,
		"enable_tracing", conf.EnableTracing,
		"otlp_endpoint", conf.OTLPEndpoint,
		"trace_sample", conf.TraceSample,
		"policy_file", conf.PolicyFile,
		"policy_ssm_param", conf.PolicySSMParam,
		"policy_s3_bucket", conf.PolicyS3Bucket,
		"policy_s3_key", conf.PolicyS3Key,
		"policy_signing_key_arn", conf.PolicySigningKeyARN,
		"client_rate", conf.ClientRate,
		"client_burst", conf.ClientBurst,
		"trusted_proxy_hops", conf.TrustedProxyHops,
	)

	m := metrics.New()
	m.SetBuildInfo("server", vi)

	stopProf, err := prof.Start(ctx, prof.Options{
		Enabled:       conf.EnablePyroscope,
		AppName:       v.AppName,
		ServerAddress: conf.PyroServer,
		TenantID:      conf.PyroTenantID,
		Tags:          prof.Tags("server", vi),
	})
	if err != nil {
		L.Error(ctx, err, "pyroscope start failed", "pyro_server", conf.PyroServer)
	}
	m.SetProfilingActive(conf.EnablePyroscope && err == nil)
	defer func() { stopProf() }()

	// Insecure is true because we only export to a collector on localhost
	shutdownOTEL, err := otelx.Init(ctx, otelx.Options{
		Enabled:   conf.EnableTracing,
		Endpoint:  conf.OTLPEndpoint,
		Insecure:  true,
		Sample:    conf.TraceSample,
		Service:   v.AppName,
		Component: "server",
		Version:   vi.Version,
	})
	if err != nil {
		L.Error(ctx, err, "otel init failed")
	}
	defer func() { _ = shutdownOTEL(context.Background()) }()

	pol, err := loadPolicy(ctx, L, conf)
	if err != nil {
		// no quota policy, nothing to enforce
		L.Error(ctx, err, "failed to load quota policy")
		os.Exit(1)
	}
	m.SetQuotaPolicy(pol.Source, pol.MaxPerPhoneNumber, pol.MaxPerAccount, pol.Window, pol.RetentionHorizon, pol.SweepInterval)

	gate, err := admission.New(pol.Config,
		admission.WithOnDecision(func(r admission.Result) {
			m.IncDecision(r.String())
		}),
		admission.WithOnInvariantViolation(func(d admission.Dimension, key string, err error) {
			m.IncInvariantViolation(string(d))
			L.Error(context.Background(), err, "admission invariant violated, key failed closed",
				"dimension", string(d),
				"key_digest", admission.KeyDigest(key),
			)
		}),
	)
	if err != nil {
		L.Error(ctx, err, "failed to create admission gate")
		os.Exit(1)
	}
	for _, s := range []*admission.Store{gate.PhoneNumbers(), gate.Accounts()} {
		m.RegisterTrackedKeys(string(s.Dimension()), s.Len, s.Entries)
	}

	// background workers outlive the first signal so sweeps keep running through the drain
	workCtx, cancelWork := context.WithCancel(log.WithContext(context.Background(), L))
	defer cancelWork()
	workers, workCtx := errgroup.WithContext(workCtx)

	sweeper := gate.NewSweeper(admission.WithOnKeyFailure(func(d admission.Dimension, key string, err error) {
		L.Error(context.Background(), err, "sweep failed for key, left in place",
			"dimension", string(d),
			"key_digest", admission.KeyDigest(key),
		)
	}))
	reclaimLoop, err := reclaim.New(sweeper, pol.SweepInterval,
		reclaim.WithLogger(L.With("worker", "reclaim")),
		reclaim.WithMetrics(m),
	)
	if err != nil {
		L.Error(ctx, err, "failed to create reclaim loop")
		os.Exit(1)
	}
	workers.Go(func() error { return reclaimLoop.Run(workCtx) })

	guard := clientguard.New(workCtx,
		clientguard.WithRate(conf.ClientRate, conf.ClientBurst),
		clientguard.WithTTL(conf.ClientTTL),
		clientguard.WithMaxClients(conf.MaxClients),
		clientguard.WithOnDenied(func(ip string) {
			m.IncClientDenied()
		}),
		// logged once per client until its bucket is evicted
		clientguard.WithOnFirstDenied(func(ip string) {
			L.Warn(ctx, "client rate limit triggered", "client.address", ip)
		}),
		clientguard.WithOnCapacity(func() {
			m.IncClientCapacity()
			L.Warn(ctx, "client guard capacity reached, rejecting new clients until some are evicted")
		}),
	)

	api := gatehttp.New(gate,
		gatehttp.WithLogger(L),
		gatehttp.WithDecisionObserver(m.ObserveDecisionDuration),
		gatehttp.WithOnPanic(m.IncHttpPanic),
		gatehttp.WithPolicySource(pol.Source),
	)

	var shutdownGate health.ShutdownGate

	// not ready while draining or once sweeps have stalled
	readiness := health.Timeout(readinessTimeout, health.All(
		shutdownGate.Probe(),
		health.Named("reclaim", reclaimLoop.Probe()),
	))

	apiStop, err := httpserver.Start(ctx, &httpserver.Options{
		Logger:       L,
		Port:         conf.HTTPPort,
		Health:       health.Fixed(true, ""),
		Readiness:    readiness,
		APIRoutes:    api.RegisterRoutes,
		MetricsMW:    m.Middleware,
		GuardMW:      guard.Middleware,
		ClientIPOpts: httpmw.ClientIPOptions{TrustedHops: conf.TrustedProxyHops},
		UseRecoverMW: true,
		OnPanic:      m.IncHttpPanic,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start api http listener")
		os.Exit(1)
	}
	defer func() { _ = apiStop(context.Background()) }()

	// admin listener rejects public peers in middleware in case the security group is ever misconfigured
	opsStop, err := opshttp.Start(ctx, L, &opshttp.Options{
		Port:         conf.AdminPort,
		Metrics:      m.Handler(),
		EnablePprof:  conf.EnablePprof,
		Health:       health.Fixed(true, ""),
		Readiness:    readiness,
		Stats:        api.StatsHandler(),
		UseRecoverMW: true,
		OnPanic:      m.IncHttpPanic,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		os.Exit(1)
	}
	defer func() { _ = opsStop(context.Background()) }()

	if err := notifySystemd(); err != nil {
		// worst case systemd kills us after its start timeout
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	<-ctx.Done()
	stop()
	L.Info(context.Background(), "shutdown signal received")

	shutdownGate.Set("draining")
	L.Info(context.Background(), "shutdown gate closed, draining",
		"drain_delay", conf.DrainDelay.String(),
	)

	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-time.After(conf.DrainDelay):
		L.Info(context.Background(), "drain period complete",
			"drained_for", time.Since(shutdownGate.Since()).Round(time.Millisecond).String(),
		)
	case <-forceCh:
		L.Warn(context.Background(), "second signal received, skipping drain")
	}
	signal.Stop(forceCh)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := apiStop(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "api http server shutdown")
	}
	if err := opsStop(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "ops http server shutdown")
	}

	cancelWork()
	if err := workers.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		L.Error(context.Background(), err, "background worker exited")
	}

	if err := shutdownOTEL(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "otel shutdown")
	}
	stopProf()

	L.Info(context.Background(), "shutdown complete")
	os.Exit(0)
}

// loadPolicy builds the AWS clients only for the sources that need them.
func loadPolicy(ctx context.Context, L log.Logger, conf cfg.App) (policy.Policy, error) {
	src := policy.Sources{
		S3Bucket: conf.PolicyS3Bucket,
		S3Key:    conf.PolicyS3Key,
		SSMParam: conf.PolicySSMParam,
		File:     conf.PolicyFile,
		Flags: admission.Config{
			MaxPerPhoneNumber: conf.MaxPerNumber,
			MaxPerAccount:     conf.MaxPerAccount,
			Window:            time.Duration(conf.WindowSeconds) * time.Second,
			RetentionHorizon:  conf.RetentionHorizon,
		},
		FlagsSweepInterval: conf.SweepInterval,
	}
	loader := &policy.Loader{Logger: L}

	if src.S3Bucket != "" || src.SSMParam != "" {
		awsCfg, err := config.LoadDefaultConfig(ctx)
		if err != nil {
			return policy.Policy{}, fmt.Errorf("load AWS config: %w", err)
		}
		if src.S3Bucket != "" {
			loader.S3 = s3.NewFromConfig(awsCfg)
		}
		if src.SSMParam != "" {
			loader.SSM = ssm.NewFromConfig(awsCfg)
		}
		if conf.PolicySigningKeyARN != "" {
			loader.Verifier = policy.NewKMSVerifier(kms.NewFromConfig(awsCfg), conf.PolicySigningKeyARN)
		}
	}
	return loader.Load(ctx, src)
}

func notifySystemd() error {
	// systemd sets NOTIFY_SOCKET when the unit is Type=notify
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr)
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		_ = conn.Close()
		return fmt.Errorf("systemd notify failed: write failed: %w", err)
	}
	if err := conn.Close(); err != nil {
		return fmt.Errorf("systemd notify failed: close failed: %w", err)
	}
	return nil
}
