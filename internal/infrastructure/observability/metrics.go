package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// Счётчик вызовов методов репозитория
	RepositoryCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "repository_calls_total",
			Help: "Total number of repository method calls",
		},
		[]string{"method", "status"},
	)

	// Гистограмма времени выполнения запросов
	RepositoryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "repository_duration_seconds",
			Help:    "Duration of repository method calls in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	TransfersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transfers_total",
			Help: "Transfers by type and final status",
		},
		[]string{"type", "status"},
	)

	LockWait = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "transfer_lock_wait_seconds",
			Help:    "Time spent acquiring account locks",
			Buckets: []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2.5, 5},
		},
	)

	AuditFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_failures_total",
			Help: "Activity log and event publishing failures",
		},
		[]string{"stage"},
	)
)

var registerOnce sync.Once

// InitMetrics registers the collectors with the default registry. Safe to call more than once.
func InitMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(RepositoryCalls, RepositoryDuration, TransfersTotal, LockWait, AuditFailures)
	})
}
