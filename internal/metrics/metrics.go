// Package metrics registers the Prometheus instrumentation for the
// scoring and aggregation pipelines.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every collector the service exports. A single instance
// is shared across components; all collectors are safe for concurrent
// use.
type Metrics struct {
	// ScoresTotal counts completed scoring requests by decision.
	ScoresTotal *prometheus.CounterVec

	// ScoreErrors counts failed scoring requests by reason.
	ScoreErrors *prometheus.CounterVec

	// ScoreDuration observes end-to-end scoring latency in seconds.
	ScoreDuration prometheus.Histogram

	// FeatureFetchDuration observes aggregate lookup latency in seconds.
	FeatureFetchDuration prometheus.Histogram

	// AggregationRuns counts aggregation passes by entity label.
	AggregationRuns *prometheus.CounterVec

	// AggregationDuration observes aggregation pass latency by label.
	AggregationDuration *prometheus.HistogramVec

	// AggregationStaleness tracks seconds since the last successful
	// aggregation pass, by label. Serving reads between passes see
	// aggregates at most this old.
	AggregationStaleness *prometheus.GaugeVec

	// EntitiesUpdated counts entities touched by aggregation passes.
	EntitiesUpdated *prometheus.CounterVec

	// TransactionsIngested counts accepted transactions by source.
	TransactionsIngested *prometheus.CounterVec

	// CacheHits and CacheMisses count aggregate cache outcomes.
	CacheHits   prometheus.Counter
	CacheMisses prometheus.Counter
}

// New creates the collectors on the given registerer. Pass
// prometheus.DefaultRegisterer in the binaries and a fresh
// prometheus.NewRegistry() in tests.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ScoresTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kestrel",
			Name:      "scores_total",
			Help:      "Completed scoring requests by decision.",
		}, []string{"decision"}),
		ScoreErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kestrel",
			Name:      "score_errors_total",
			Help:      "Failed scoring requests by reason.",
		}, []string{"reason"}),
		ScoreDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "kestrel",
			Name:      "score_duration_seconds",
			Help:      "End-to-end scoring latency.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		FeatureFetchDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "kestrel",
			Name:      "feature_fetch_duration_seconds",
			Help:      "Aggregate lookup latency for feature assembly.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 14),
		}),
		AggregationRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kestrel",
			Name:      "aggregation_runs_total",
			Help:      "Aggregation passes by entity label and outcome.",
		}, []string{"label", "outcome"}),
		AggregationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "kestrel",
			Name:      "aggregation_duration_seconds",
			Help:      "Aggregation pass latency by entity label.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}, []string{"label"}),
		AggregationStaleness: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "kestrel",
			Name:      "aggregation_staleness_seconds",
			Help:      "Seconds since the last successful aggregation pass.",
		}, []string{"label"}),
		EntitiesUpdated: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kestrel",
			Name:      "aggregation_entities_updated_total",
			Help:      "Entities updated by aggregation passes, by label.",
		}, []string{"label"}),
		TransactionsIngested: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kestrel",
			Name:      "transactions_ingested_total",
			Help:      "Accepted transactions by ingest source.",
		}, []string{"source"}),
		CacheHits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "kestrel",
			Name:      "aggregate_cache_hits_total",
			Help:      "Aggregate cache hits during feature assembly.",
		}),
		CacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "kestrel",
			Name:      "aggregate_cache_misses_total",
			Help:      "Aggregate cache misses during feature assembly.",
		}),
	}
}
