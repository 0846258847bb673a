package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"

	"github.com/keithlinneman/smsgate/internal/version"
)

// gatherMetric returns the family named name from the registry, or nil.
func gatherMetric(t *testing.T, m *ServerMetrics, name string) *dto.MetricFamily {
	t.Helper()
	mfs, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() == name {
			return mf
		}
	}
	return nil
}

// findSeries returns the series in mf whose labels include all of want.
func findSeries(mf *dto.MetricFamily, want map[string]string) *dto.Metric {
	if mf == nil {
		return nil
	}
	for _, m := range mf.GetMetric() {
		got := make(map[string]string, len(m.GetLabel()))
		for _, lp := range m.GetLabel() {
			got[lp.GetName()] = lp.GetValue()
		}
		match := true
		for k, v := range want {
			if got[k] != v {
				match = false
				break
			}
		}
		if match {
			return m
		}
	}
	return nil
}

func counterValue(t *testing.T, m *ServerMetrics, name string, labels map[string]string) float64 {
	t.Helper()
	s := findSeries(gatherMetric(t, m, name), labels)
	if s == nil {
		return 0
	}
	return s.GetCounter().GetValue()
}

func gaugeValue(t *testing.T, m *ServerMetrics, name string, labels map[string]string) float64 {
	t.Helper()
	s := findSeries(gatherMetric(t, m, name), labels)
	if s == nil {
		t.Fatalf("no %s series with labels %v", name, labels)
	}
	return s.GetGauge().GetValue()
}

func TestNew_IndependentRegistries(t *testing.T) {
	a, b := New(), New()
	a.IncHttpPanic()
	if got := counterValue(t, b, "http_panic_total", nil); got != 0 {
		t.Fatalf("registries leak: b saw %v", got)
	}
	if got := counterValue(t, a, "http_panic_total", nil); got != 1 {
		t.Fatalf("http_panic_total = %v, want 1", got)
	}
	if gatherMetric(t, a, "go_goroutines") == nil {
		t.Fatal("go collector not registered")
	}
}

func TestHandler_ServesExposition(t *testing.T) {
	m := New()
	m.IncDecision("admitted")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `sms_admission_decisions_total{result="admitted"} 1`) {
		t.Fatalf("exposition missing decision counter:\n%s", rec.Body.String())
	}
}

func TestSetBuildInfo(t *testing.T) {
	m := New()
	dirty := true
	m.SetBuildInfo("server", version.Info{AppName: "smsgate", Version: "1.0.0", Commit: "abc", GoVersion: "go1.24", VCSDirty: &dirty})

	if v := gaugeValue(t, m, "build_info", map[string]string{"app": "smsgate", "component": "server", "vcs_dirty": "true"}); v != 1 {
		t.Fatalf("build_info = %v", v)
	}

	m2 := New()
	m2.SetBuildInfo("server", version.Info{AppName: "smsgate"})
	if v := gaugeValue(t, m2, "build_info", map[string]string{"vcs_dirty": "unknown"}); v != 1 {
		t.Fatalf("build_info without vcs = %v", v)
	}
}

func TestProfilingAndClientGuard(t *testing.T) {
	m := New()
	m.SetProfilingActive(true)
	if gaugeValue(t, m, "profiling_active", nil) != 1 {
		t.Fatal("profiling_active should be 1")
	}
	m.SetProfilingActive(false)
	if gaugeValue(t, m, "profiling_active", nil) != 0 {
		t.Fatal("profiling_active should be 0")
	}

	m.IncClientDenied()
	m.IncClientDenied()
	m.IncClientCapacity()
	if got := counterValue(t, m, "http_requests_client_limited_total", nil); got != 2 {
		t.Fatalf("client denied = %v", got)
	}
	if got := counterValue(t, m, "http_requests_client_limited_capacity_total", nil); got != 1 {
		t.Fatalf("client capacity = %v", got)
	}
}

func TestAdmissionSeries(t *testing.T) {
	m := New()
	m.IncDecision("admitted")
	m.IncDecision("account_limited")
	m.IncDecision("account_limited")
	m.IncInvariantViolation("phone_number")
	m.ObserveDecisionDuration(50 * time.Microsecond)

	if got := counterValue(t, m, "sms_admission_decisions_total", map[string]string{"result": "account_limited"}); got != 2 {
		t.Fatalf("account_limited = %v", got)
	}
	if got := counterValue(t, m, "sms_admission_invariant_violations_total", map[string]string{"dimension": "phone_number"}); got != 1 {
		t.Fatalf("violations = %v", got)
	}
	h := findSeries(gatherMetric(t, m, "sms_admission_duration_seconds"), nil)
	if h == nil || h.GetHistogram().GetSampleCount() != 1 {
		t.Fatal("decision duration not observed")
	}
}

func TestObserveSweep(t *testing.T) {
	m := New()
	m.ObserveSweepStore("account", 3, 10, 1)
	m.ObserveSweepStore("account", 1, 0, 0)

	if got := counterValue(t, m, "sms_sweep_keys_removed_total", map[string]string{"dimension": "account"}); got != 4 {
		t.Fatalf("removed = %v", got)
	}
	if got := counterValue(t, m, "sms_sweep_entries_evicted_total", map[string]string{"dimension": "account"}); got != 10 {
		t.Fatalf("evicted = %v", got)
	}
	if got := counterValue(t, m, "sms_sweep_key_failures_total", map[string]string{"dimension": "account"}); got != 1 {
		t.Fatalf("failures = %v", got)
	}

	at := time.Unix(1_700_000_000, 0)
	m.ObserveSweep(time.Millisecond, false, at)
	if gaugeValue(t, m, "sms_sweep_last_success_timestamp_seconds", nil) != 0 {
		t.Fatal("failed sweep must not stamp last success")
	}
	m.ObserveSweep(time.Millisecond, true, at)
	if gaugeValue(t, m, "sms_sweep_last_success_timestamp_seconds", nil) != float64(at.Unix()) {
		t.Fatal("successful sweep should stamp last success")
	}
	if got := counterValue(t, m, "sms_sweep_runs_total", nil); got != 2 {
		t.Fatalf("runs = %v", got)
	}
}

func TestSetQuotaPolicy_ReplacesSource(t *testing.T) {
	m := New()
	m.SetQuotaPolicy("flags", 30, 300, time.Second, time.Hour, time.Hour)
	m.SetQuotaPolicy("s3", 5, 50, 2*time.Second, 10*time.Minute, time.Minute)

	mf := gatherMetric(t, m, "sms_quota_policy_info")
	if len(mf.GetMetric()) != 1 || findSeries(mf, map[string]string{"source": "s3"}) == nil {
		t.Fatalf("policy info should carry only the latest source: %v", mf)
	}
	if gaugeValue(t, m, "sms_quota_limit", map[string]string{"dimension": "account"}) != 50 {
		t.Fatal("account limit not updated")
	}
	if gaugeValue(t, m, "sms_quota_duration_seconds", map[string]string{"name": "retention_horizon"}) != 600 {
		t.Fatal("retention not updated")
	}
}

func TestRegisterTrackedKeys(t *testing.T) {
	m := New()
	keys, entries := 3, 17
	m.RegisterTrackedKeys("phone_number", func() int { return keys }, func() int { return entries })
	m.RegisterTrackedKeys("account", func() int { return 1 }, func() int { return 2 })

	if gaugeValue(t, m, "sms_tracked_keys", map[string]string{"dimension": "phone_number"}) != 3 {
		t.Fatal("tracked keys")
	}
	keys = 5
	if gaugeValue(t, m, "sms_tracked_keys", map[string]string{"dimension": "phone_number"}) != 5 {
		t.Fatal("gauge func should be evaluated on every scrape")
	}
	if gaugeValue(t, m, "sms_tracked_entries", map[string]string{"dimension": "account"}) != 2 {
		t.Fatal("tracked entries")
	}
}
