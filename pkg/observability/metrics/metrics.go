package metrics

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

var (
	once sync.Once

	ReconcileTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "replset",
		Name:      "reconcile_total",
		Help:      "Total reconcile invocations by action taken and result",
	}, []string{"action", "result"})

	ReconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "replset",
		Name:      "reconcile_duration_seconds",
		Help:      "Wall-clock duration of reconcile invocations",
		Buckets:   []float64{0.05, 0.1, 0.5, 1, 5, 15, 30, 60, 120, 180, 300},
	})

	ReconfigAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "replset",
		Name:      "reconfig_attempts_total",
		Help:      "Reconfiguration attempts by result (ok, transient, fatal)",
	}, []string{"result"})

	HealthPolls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "replset",
		Name:      "health_polls_total",
		Help:      "Health polls issued after initiation by result (ready, waiting)",
	}, []string{"result"})

	Members = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "replset",
		Name:      "members",
		Help:      "Number of members in the last configuration read or written",
	})

	ConfigVersion = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "replset",
		Name:      "config_version",
		Help:      "Version of the last configuration read or written",
	})

	GRPCConnDials = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "replset",
		Subsystem: "grpc_conn",
		Name:      "dials_total",
		Help:      "Total number of new gRPC connections dialed",
	})
	GRPCConnReuse = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "replset",
		Subsystem: "grpc_conn",
		Name:      "reuse_total",
		Help:      "Total number of gRPC connection reuses from cache",
	})
	GRPCConnEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "replset",
		Subsystem: "grpc_conn",
		Name:      "evictions_total",
		Help:      "Total number of cached gRPC connections evicted",
	})
	GRPCConnActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "replset",
		Subsystem: "grpc_conn",
		Name:      "active",
		Help:      "Number of active cached gRPC connections",
	})

	RegistryOps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "replset",
		Subsystem: "registry",
		Name:      "ops_total",
		Help:      "Service registry operations by kind (register, deregister) and result",
	}, []string{"op", "result"})
)

func collectors() []prometheus.Collector {
	return []prometheus.Collector{
		ReconcileTotal, ReconcileDuration, ReconfigAttempts, HealthPolls,
		Members, ConfigVersion,
		GRPCConnDials, GRPCConnReuse, GRPCConnEvictions, GRPCConnActive,
		RegistryOps,
	}
}

// Register registers metrics into the default Prometheus registry (idempotent).
func Register() {
	once.Do(func() {
		prometheus.MustRegister(collectors()...)
	})
}

// Push sends the current values to a Prometheus Pushgateway under job. Used by
// one-shot invocations that exit before a scrape could happen.
func Push(url, job string) error {
	Register()
	if err := push.New(url, job).Gatherer(prometheus.DefaultGatherer).Push(); err != nil {
		return fmt.Errorf("metrics: push to %s: %w", url, err)
	}
	return nil
}
