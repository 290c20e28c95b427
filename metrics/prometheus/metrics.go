// Package prometheus exposes call runtime metrics to Prometheus.
package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "voxflow"

var (
	// turnDuration is a histogram of end-to-end conversation turn duration.
	turnDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_duration_seconds",
			Help:      "Histogram of end-to-end conversation turn duration in seconds",
			Buckets:   []float64{.25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"status"}, // status: success, error, dropped
	)

	// turnsTotal is a counter of processed conversation turns.
	turnsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Total number of conversation turns processed",
		},
		[]string{"status"},
	)

	// stageDuration is a histogram of per-stage turn processing duration.
	stageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Histogram of per-stage turn processing duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"stage"}, // stage: transcribe, generate, synthesize
	)

	// audioCacheTotal counts synthesis cache lookups.
	audioCacheTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_cache_total",
			Help:      "Total audio cache lookups",
		},
		[]string{"result"}, // result: hit, miss
	)

	// providerRequestDuration is a histogram of provider API call duration.
	providerRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_request_duration_seconds",
			Help:      "Duration of speech and language provider API calls in seconds",
			Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"provider", "operation"},
	)

	// providerRequestsTotal is a counter of provider API calls.
	providerRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_requests_total",
			Help:      "Total number of provider API calls",
		},
		[]string{"provider", "operation", "status"}, // status: success, error
	)

	// sessionsActive is a gauge of currently live sessions.
	sessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of currently live call sessions",
		},
	)

	// interruptionsTotal counts barge-in events that stopped playback.
	interruptionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "interruptions_total",
			Help:      "Total number of user interruptions that stopped AI playback",
		},
	)

	// jobsTotal is a counter of background audio jobs by outcome.
	jobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Total number of background audio jobs",
		},
		[]string{"status"}, // status: success, retried, failed
	)

	// jobDuration is a histogram of background job duration.
	jobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Histogram of background audio job duration in seconds",
			Buckets:   []float64{.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"status"},
	)

	// allMetrics is a list of all metrics for registration.
	allMetrics = []prometheus.Collector{
		turnDuration,
		turnsTotal,
		stageDuration,
		audioCacheTotal,
		providerRequestDuration,
		providerRequestsTotal,
		sessionsActive,
		interruptionsTotal,
		jobsTotal,
		jobDuration,
	}
)

// RecordTurn records a completed conversation turn.
func RecordTurn(status string, durationSeconds float64) {
	turnDuration.WithLabelValues(status).Observe(durationSeconds)
	turnsTotal.WithLabelValues(status).Inc()
}

// RecordStageDuration records one pipeline stage of a turn.
func RecordStageDuration(stage string, durationSeconds float64) {
	stageDuration.WithLabelValues(stage).Observe(durationSeconds)
}

// RecordAudioCacheHit records a synthesis cache hit.
func RecordAudioCacheHit() {
	audioCacheTotal.WithLabelValues("hit").Inc()
}

// RecordAudioCacheMiss records a synthesis cache miss.
func RecordAudioCacheMiss() {
	audioCacheTotal.WithLabelValues("miss").Inc()
}

// RecordProviderRequest records a provider API call.
func RecordProviderRequest(provider, operation, status string, durationSeconds float64) {
	providerRequestDuration.WithLabelValues(provider, operation).Observe(durationSeconds)
	providerRequestsTotal.WithLabelValues(provider, operation, status).Inc()
}

// SessionStarted records a new live session.
func SessionStarted() {
	sessionsActive.Inc()
}

// SessionEnded records a session termination.
func SessionEnded() {
	sessionsActive.Dec()
}

// RecordInterruption records a barge-in that stopped playback.
func RecordInterruption() {
	interruptionsTotal.Inc()
}

// RecordJob records a background audio job outcome.
func RecordJob(status string, durationSeconds float64) {
	jobsTotal.WithLabelValues(status).Inc()
	jobDuration.WithLabelValues(status).Observe(durationSeconds)
}
