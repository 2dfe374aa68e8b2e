// Package metrics exposes the runtime's Prometheus collectors: one
// counter per invocation outcome, one per provider-dispatch outcome,
// one per fan-in election outcome, and duration histograms for the
// executor and lock-acquire paths.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var defaultBuckets = []float64{10, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000}

// Registry wraps the Prometheus collectors this runtime reports.
type Registry struct {
	registry *prometheus.Registry

	InvocationsTotal  *prometheus.CounterVec
	DispatchTotal     *prometheus.CounterVec
	FanInTotal        *prometheus.CounterVec
	LockAcquireTotal  *prometheus.CounterVec
	InvocationSeconds *prometheus.HistogramVec
	LockWaitSeconds   prometheus.Histogram
}

var global *Registry

// New builds a Registry under namespace, registering the standard Go
// and process collectors alongside the runtime's own.
func New(namespace string) *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		registry: reg,
		InvocationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "invocations_total",
			Help: "Completed action invocations by action name and outcome.",
		}, []string{"action", "outcome"}),
		DispatchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "dispatch_total",
			Help: "Successor dispatches by provider and outcome.",
		}, []string{"provider", "outcome"}),
		FanInTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "fanin_total",
			Help: "Fan-in barrier/election outcomes.",
		}, []string{"outcome"}),
		LockAcquireTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "lock_acquire_total",
			Help: "RSM lock acquire attempts by outcome.",
		}, []string{"outcome"}),
		InvocationSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "invocation_duration_ms",
			Help: "User function wall-clock duration in milliseconds.", Buckets: defaultBuckets,
		}, []string{"action"}),
		LockWaitSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "lock_wait_seconds",
			Help:    "Time spent inside LockService.Acquire, including backoff.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(r.InvocationsTotal, r.DispatchTotal, r.FanInTotal, r.LockAcquireTotal, r.InvocationSeconds, r.LockWaitSeconds)
	return r
}

// Handler returns the http.Handler that serves this registry's
// metrics in the Prometheus text exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Global returns the process-wide Registry, initializing one under
// the "zephyr" namespace if Init was never called.
func Global() *Registry {
	if global == nil {
		global = New("zephyr")
	}
	return global
}

// Init installs the process-wide Registry under namespace.
func Init(namespace string) *Registry {
	global = New(namespace)
	return global
}

// ObserveInvocation records one completed action invocation.
func (r *Registry) ObserveInvocation(action, outcome string, duration time.Duration) {
	r.InvocationsTotal.WithLabelValues(action, outcome).Inc()
	r.InvocationSeconds.WithLabelValues(action).Observe(float64(duration.Milliseconds()))
}

// ObserveDispatch records one successor-dispatch attempt.
func (r *Registry) ObserveDispatch(provider, outcome string) {
	r.DispatchTotal.WithLabelValues(provider, outcome).Inc()
}

// ObserveFanIn records one fan-in barrier/election outcome:
// "not-last-no-flag", "not-last-not-first-writer", or "won".
func (r *Registry) ObserveFanIn(outcome string) {
	r.FanInTotal.WithLabelValues(outcome).Inc()
}

// ObserveLockAcquire records one lock acquire attempt's outcome
// ("acquired" or "timeout") and how long it took.
func (r *Registry) ObserveLockAcquire(outcome string, waited time.Duration) {
	r.LockAcquireTotal.WithLabelValues(outcome).Inc()
	r.LockWaitSeconds.Observe(waited.Seconds())
}
