package obs

import "github.com/prometheus/client_golang/prometheus"

// Metrics groups the prometheus collectors the VMM's components update.
// No timer in the VMM flushes or exports them.
var Metrics = struct {
	VCPUExits       *prometheus.CounterVec
	RateLimiterThrottled *prometheus.CounterVec
	BusMisses       prometheus.Counter
	BalloonTargetMiB prometheus.Gauge
}{
	VCPUExits: prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vmm_vcpu_exits_total",
		Help: "Number of KVM_RUN exits, by exit reason.",
	}, []string{"reason"}),
	RateLimiterThrottled: prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vmm_rate_limiter_throttled_total",
		Help: "Number of consume() calls that were blocked by a rate limiter.",
	}, []string{"device", "token_type"}),
	BusMisses: prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vmm_bus_misses_total",
		Help: "Number of MMIO/PIO accesses outside any registered device range.",
	}),
	BalloonTargetMiB: prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "vmm_balloon_target_mib",
		Help: "Last balloon target requested, in MiB.",
	}),
}

func init() {
	prometheus.MustRegister(
		Metrics.VCPUExits,
		Metrics.RateLimiterThrottled,
		Metrics.BusMisses,
		Metrics.BalloonTargetMiB,
	)
}
