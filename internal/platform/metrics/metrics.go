package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the pipeline.
type Metrics struct {
	MessagesProcessed *prometheus.CounterVec
	StagesFailed      *prometheus.CounterVec
	StageDuration     *prometheus.HistogramVec
	FailClosed        *prometheus.CounterVec
	DeadLettered      prometheus.Counter
	LLMCacheHits      prometheus.Counter
	LLMCacheMisses    prometheus.Counter
	ReplayMismatches  prometheus.Counter
}

// New creates and registers all pipeline metrics.
func New() *Metrics {
	return &Metrics{
		MessagesProcessed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "intake_messages_processed_total",
			Help: "Messages that completed the full stage chain, by final queue.",
		}, []string{"queue_id"}),
		StagesFailed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "intake_stages_failed_total",
			Help: "Stage executions that failed closed, by stage.",
		}, []string{"stage"}),
		StageDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "intake_stage_duration_seconds",
			Help:    "Stage execution latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"stage"}),
		FailClosed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "intake_fail_closed_total",
			Help: "Fail-closed outcomes by reason.",
		}, []string{"reason"}),
		DeadLettered: promauto.NewCounter(prometheus.CounterOpts{
			Name: "intake_dead_lettered_total",
			Help: "Jobs diverted to the dead-letter queue.",
		}),
		LLMCacheHits: promauto.NewCounter(prometheus.CounterOpts{
			Name: "intake_llm_cache_hits_total",
			Help: "Inference cache hits.",
		}),
		LLMCacheMisses: promauto.NewCounter(prometheus.CounterOpts{
			Name: "intake_llm_cache_misses_total",
			Help: "Inference cache misses.",
		}),
		ReplayMismatches: promauto.NewCounter(prometheus.CounterOpts{
			Name: "intake_replay_mismatches_total",
			Help: "Replays whose decision hash differed from the stored value.",
		}),
	}
}
