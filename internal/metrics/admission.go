package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// admission holds the quota gate and reclamation series. Embedded in ServerMetrics.
type admission struct {
	decisionsTotal      *prometheus.CounterVec
	decisionDur         prometheus.Histogram
	invariantViolations *prometheus.CounterVec

	sweepRunsTotal     prometheus.Counter
	sweepDur           prometheus.Histogram
	sweepKeysRemoved   *prometheus.CounterVec
	sweepEntriesEvict  *prometheus.CounterVec
	sweepKeyFailures   *prometheus.CounterVec
	sweepLastSuccessTs prometheus.Gauge

	policyInfo  *prometheus.GaugeVec
	policyLimit *prometheus.GaugeVec
	policySpan  *prometheus.GaugeVec
}

func newAdmission() admission {
	return admission{
		decisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sms_admission_decisions_total",
			Help: "Admission decisions by result (admitted, phone_number_limited, account_limited)",
		}, []string{"result"}),
		decisionDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sms_admission_duration_seconds",
			Help:    "Time to reach an admission decision, including lock waits",
			Buckets: []float64{0.00001, 0.000025, 0.00005, 0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.05},
		}),
		invariantViolations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sms_admission_invariant_violations_total",
			Help: "Attempts denied because a key's window was in an unusable state, by dimension",
		}, []string{"dimension"}),
		sweepRunsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sms_sweep_runs_total",
			Help: "Total reclamation sweeps",
		}),
		sweepDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sms_sweep_duration_seconds",
			Help:    "Wall time of one reclamation sweep across all stores",
			Buckets: []float64{0.0001, 0.001, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}),
		sweepKeysRemoved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sms_sweep_keys_removed_total",
			Help: "Idle keys removed by reclamation, by dimension",
		}, []string{"dimension"}),
		sweepEntriesEvict: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sms_sweep_entries_evicted_total",
			Help: "Timestamps dropped by reclamation, by dimension",
		}, []string{"dimension"}),
		sweepKeyFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sms_sweep_key_failures_total",
			Help: "Keys whose reclamation panicked and was skipped, by dimension",
		}, []string{"dimension"}),
		sweepLastSuccessTs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sms_sweep_last_success_timestamp_seconds",
			Help: "Unix timestamp of the last sweep with no key failures",
		}),
		policyInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sms_quota_policy_info",
			Help: "Where the active quota policy came from (label carries value, gauge is always 1)",
		}, []string{"source"}),
		policyLimit: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sms_quota_limit",
			Help: "Messages allowed per window, by dimension",
		}, []string{"dimension"}),
		policySpan: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sms_quota_duration_seconds",
			Help: "Quota policy durations (window, retention_horizon, sweep_interval)",
		}, []string{"name"}),
	}
}

func (a *admission) register(reg *prometheus.Registry) {
	reg.MustRegister(
		a.decisionsTotal,
		a.decisionDur,
		a.invariantViolations,
		a.sweepRunsTotal,
		a.sweepDur,
		a.sweepKeysRemoved,
		a.sweepEntriesEvict,
		a.sweepKeyFailures,
		a.sweepLastSuccessTs,
		a.policyInfo,
		a.policyLimit,
		a.policySpan,
	)
}

func (a *admission) IncDecision(result string) {
	a.decisionsTotal.WithLabelValues(result).Inc()
}

func (a *admission) ObserveDecisionDuration(d time.Duration) {
	a.decisionDur.Observe(d.Seconds())
}

func (a *admission) IncInvariantViolation(dimension string) {
	a.invariantViolations.WithLabelValues(dimension).Inc()
}

// ObserveSweepStore records what one sweep did to one dimension's store.
func (a *admission) ObserveSweepStore(dimension string, removed, evicted, failed int) {
	a.sweepKeysRemoved.WithLabelValues(dimension).Add(float64(removed))
	a.sweepEntriesEvict.WithLabelValues(dimension).Add(float64(evicted))
	a.sweepKeyFailures.WithLabelValues(dimension).Add(float64(failed))
}

// ObserveSweep records one whole sweep. at is stamped as last success only when ok.
func (a *admission) ObserveSweep(d time.Duration, ok bool, at time.Time) {
	a.sweepRunsTotal.Inc()
	a.sweepDur.Observe(d.Seconds())
	if ok {
		a.sweepLastSuccessTs.Set(float64(at.Unix()))
	}
}

// SetQuotaPolicy is called once the policy is loaded.
func (a *admission) SetQuotaPolicy(source string, maxPerNumber, maxPerAccount int, window, retention, sweepInterval time.Duration) {
	a.policyInfo.Reset()
	a.policyInfo.WithLabelValues(source).Set(1)
	a.policyLimit.WithLabelValues("phone_number").Set(float64(maxPerNumber))
	a.policyLimit.WithLabelValues("account").Set(float64(maxPerAccount))
	a.policySpan.WithLabelValues("window").Set(window.Seconds())
	a.policySpan.WithLabelValues("retention_horizon").Set(retention.Seconds())
	a.policySpan.WithLabelValues("sweep_interval").Set(sweepInterval.Seconds())
}

// RegisterTrackedKeys exports the live key count of one store. fn is called on every scrape
// and must be safe for concurrent use.
func (m *ServerMetrics) RegisterTrackedKeys(dimension string, keys, entries func() int) {
	m.reg.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name:        "sms_tracked_keys",
			Help:        "Keys currently holding admission history, by dimension",
			ConstLabels: prometheus.Labels{"dimension": dimension},
		}, func() float64 { return float64(keys()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name:        "sms_tracked_entries",
			Help:        "Timestamps currently held across all keys, by dimension",
			ConstLabels: prometheus.Labels{"dimension": dimension},
		}, func() float64 { return float64(entries()) }),
	)
}
