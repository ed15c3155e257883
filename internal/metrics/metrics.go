package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// EngineMetrics covers the queue engine's hot paths.
type EngineMetrics struct {
	EnqueueTotal    *prometheus.CounterVec // by model, result (accepted|insufficient_credits|error)
	DispatchTotal   *prometheus.CounterVec // by model, result (submitted|submit_failed|at_capacity|queue_empty)
	SettlementTotal *prometheus.CounterVec // by model, outcome (completed|failed|duplicate|unknown_token)
	SweepTotal      prometheus.Counter
	SweptJobsTotal  prometheus.Counter
	SubmitDuration  *prometheus.HistogramVec // by model
	ArchiveDuration prometheus.Histogram
}

var (
	instance *EngineMetrics
	once     sync.Once
)

// GetMetrics returns the process-wide metrics, registering them on first use.
func GetMetrics() *EngineMetrics {
	once.Do(func() {
		instance = &EngineMetrics{
			EnqueueTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "renderq_enqueue_total",
				Help: "Enqueue attempts by model and result",
			}, []string{"model", "result"}),
			DispatchTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "renderq_dispatch_total",
				Help: "Dispatch attempts by model and result",
			}, []string{"model", "result"}),
			SettlementTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "renderq_settlement_total",
				Help: "Webhook settlements by model and outcome",
			}, []string{"model", "outcome"}),
			SweepTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "renderq_sweep_runs_total",
				Help: "Recovery sweeper runs",
			}),
			SweptJobsTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "renderq_swept_jobs_total",
				Help: "Jobs force-failed by the recovery sweeper",
			}),
			SubmitDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "renderq_provider_submit_seconds",
				Help:    "Provider submission latency",
				Buckets: prometheus.DefBuckets,
			}, []string{"model"}),
			ArchiveDuration: promauto.NewHistogram(prometheus.HistogramOpts{
				Name:    "renderq_artifact_archive_seconds",
				Help:    "Artifact archiving latency",
				Buckets: prometheus.DefBuckets,
			}),
		}
	})
	return instance
}
