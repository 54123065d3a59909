package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// AcquireCounter tracks successful lock acquisitions.
	AcquireCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dlock_acquire_total",
		Help: "Total number of successful lock acquisitions",
	})
	// AcquireMissCounter tracks acquisition attempts that found the lock held.
	AcquireMissCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dlock_acquire_unavailable_total",
		Help: "Total number of acquisition attempts that returned unavailable",
	})
	// ReleaseCounter tracks successful releases.
	ReleaseCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dlock_release_total",
		Help: "Total number of successful lock releases",
	})
	// ReleaseMissCounter tracks releases rejected because the caller did not
	// hold the lock.
	ReleaseMissCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dlock_release_not_held_total",
		Help: "Total number of releases rejected for a token mismatch",
	})
	// HeartbeatCounter tracks successful heartbeat refreshes.
	HeartbeatCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dlock_heartbeat_total",
		Help: "Total number of successful heartbeat refreshes",
	})
	// ReapedCounter tracks locks reclaimed after a heartbeat timeout.
	ReapedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dlock_reaped_total",
		Help: "Total number of abandoned locks reclaimed by the reaper",
	})
	// ReaperGauge reports the number of running reapers.
	ReaperGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dlock_reapers",
		Help: "Current number of running reaper loops",
	})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterCoreMetrics registers dlock core metrics on the provided registry.
func RegisterCoreMetrics(reg prometheus.Registerer) {
	reg.MustRegister(
		AcquireCounter, AcquireMissCounter,
		ReleaseCounter, ReleaseMissCounter,
		HeartbeatCounter, ReapedCounter, ReaperGauge,
	)
}
