package compose

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "irgsh"
	subsystem = "composer"
)

var (
	RunningComposes = promauto.NewGauge(prometheus.GaugeOpts{
		Name:      "running_composes",
		Namespace: namespace,
		Subsystem: subsystem,
		Help:      "Composes currently holding a worker slot.",
	})
)

var (
	composeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:      "compose_duration_seconds",
		Namespace: namespace,
		Subsystem: subsystem,
		Help:      "Duration of a compose from worker start to a terminal state.",
		Buckets:   []float64{10, 30, 60, 120, 300, 600, 1200, 1800, 3600, 7200, 14400, 28800},
	}, []string{"content_type", "request", "result"})
)

var (
	stepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:      "step_duration_seconds",
		Namespace: namespace,
		Subsystem: subsystem,
		Help:      "Duration of successful compose steps.",
		Buckets:   []float64{.1, .5, 1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600, 7200},
	}, []string{"step"})
)

var (
	tagOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name:      "tag_operations_total",
		Namespace: namespace,
		Subsystem: subsystem,
		Help:      "Calls made to the build system's tagging API.",
	}, []string{"operation"})
)
