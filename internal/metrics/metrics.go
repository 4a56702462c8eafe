package metrics

import (
	"runtime"
	"runtime/debug"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registry = prometheus.NewRegistry()

	trackedResources = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "restrack",
		Name:      "tracked_resources",
		Help:      "Number of resources currently tracked, by kind.",
	}, []string{"kind"})

	unlinks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "restrack",
		Name:      "unlinks_total",
		Help:      "Total number of unlink operations performed, by kind.",
	}, []string{"kind"})

	unlinkErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "restrack",
		Name:      "unlink_errors_total",
		Help:      "Total number of unlink operations that reported an error, by kind.",
	}, []string{"kind"})

	protocolErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "restrack",
		Name:      "protocol_errors_total",
		Help:      "Total number of malformed command lines skipped by the registry.",
	})

	shutdownEscalations = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "restrack",
		Name:      "shutdown_escalations_total",
		Help:      "Total number of registry shutdowns that required forced termination.",
	})

	buildInfo = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "restrack",
		Name:      "build_info",
		Help:      "Build metadata for the running restrack binary.",
	}, []string{"go_version", "revision", "dirty"})

	buildInfoOnce sync.Once
)

func init() {
	registry.MustRegister(trackedResources, unlinks, unlinkErrors, protocolErrors, shutdownEscalations, buildInfo)
}

// Registry returns the Prometheus registry containing all restrack metrics.
func Registry() *prometheus.Registry {
	return registry
}

// SetTracked records the current number of tracked resources for a kind.
func SetTracked(kind string, n int) {
	if kind == "" {
		return
	}
	trackedResources.WithLabelValues(kind).Set(float64(n))
}

// IncrementUnlink counts one unlink attempt for a kind.
func IncrementUnlink(kind string) {
	if kind == "" {
		kind = "unknown"
	}
	unlinks.WithLabelValues(kind).Inc()
}

// IncrementUnlinkError counts one failed unlink attempt for a kind.
func IncrementUnlinkError(kind string) {
	if kind == "" {
		kind = "unknown"
	}
	unlinkErrors.WithLabelValues(kind).Inc()
}

// IncrementProtocolError counts one malformed command line.
func IncrementProtocolError() {
	protocolErrors.Inc()
}

// IncrementShutdownEscalation counts one forced registry termination.
func IncrementShutdownEscalation() {
	shutdownEscalations.Inc()
}

// EmitBuildInfo publishes the binary's build metadata as a constant gauge.
func EmitBuildInfo() {
	buildInfoOnce.Do(func() {
		goVersion := runtime.Version()
		revision := "unknown"
		dirty := "false"
		if info, ok := debug.ReadBuildInfo(); ok {
			if info.GoVersion != "" {
				goVersion = info.GoVersion
			}
			for _, s := range info.Settings {
				switch s.Key {
				case "vcs.revision":
					revision = s.Value
				case "vcs.modified":
					dirty = s.Value
				}
			}
		}
		buildInfo.WithLabelValues(goVersion, revision, dirty).Set(1)
	})
}
