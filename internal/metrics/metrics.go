// SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"sync"
	"time"

	"github.com/adrper79-dot/CallMonitor-sub015/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	initOnce sync.Once

	artifactsTotalCounter     *prometheus.CounterVec
	auditEntriesCounter       *prometheus.CounterVec
	deliveryTasksCounter      *prometheus.CounterVec
	deliveryAttemptsCounter   *prometheus.CounterVec
	bundleBuildDurationMetric prometheus.Histogram
	claimLatencyMetric        prometheus.Histogram
)

// Init registers metrics on the default Prometheus registry exactly once.
func Init() {
	initOnce.Do(func() {
		artifactsTotalCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "artifacts_total",
				Help: "Total number of artifacts persisted by type.",
			},
			[]string{"type"},
		)

		auditEntriesCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "audit_entries_total",
				Help: "Total number of audit trail appends by action.",
			},
			[]string{"action"},
		)

		deliveryTasksCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "delivery_tasks_total",
				Help: "Total number of delivery task status transitions by status.",
			},
			[]string{"status"},
		)

		deliveryAttemptsCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "delivery_attempts_total",
				Help: "Total number of delivery attempts by outcome.",
			},
			[]string{"outcome"},
		)

		bundleBuildDurationMetric = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "bundle_build_duration_seconds",
				Help:    "Duration of evidence bundle builds in seconds.",
				Buckets: prometheus.DefBuckets,
			},
		)

		claimLatencyMetric = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "delivery_claim_latency_seconds",
				Help:    "Latency of delivery task claim queries in seconds.",
				Buckets: prometheus.DefBuckets,
			},
		)

		prometheus.MustRegister(
			artifactsTotalCounter,
			auditEntriesCounter,
			deliveryTasksCounter,
			deliveryAttemptsCounter,
			bundleBuildDurationMetric,
			claimLatencyMetric,
		)

		// Ensure counter vectors are visible at /metrics before first increment.
		for _, at := range []domain.ArtifactType{
			domain.ArtifactRecording,
			domain.ArtifactTranscriptVersion,
			domain.ArtifactEvidenceManifest,
			domain.ArtifactEvidenceBundle,
			domain.ArtifactScore,
			domain.ArtifactSurveyResponse,
			domain.ArtifactTranslation,
		} {
			artifactsTotalCounter.WithLabelValues(string(at))
		}

		for _, status := range []domain.DeliveryStatus{
			domain.DeliveryPending,
			domain.DeliveryRetrying,
			domain.DeliverySucceeded,
			domain.DeliveryFailed,
			domain.DeliveryManualReview,
			domain.DeliveryDiscarded,
		} {
			deliveryTasksCounter.WithLabelValues(string(status))
		}

		for _, outcome := range []string{"succeeded", "transient", "permanent", "timeout"} {
			deliveryAttemptsCounter.WithLabelValues(outcome)
		}
	})
}

func IncArtifact(artifactType string) {
	Init()
	artifactsTotalCounter.WithLabelValues(artifactType).Inc()
}

func IncAuditEntry(action string) {
	Init()
	auditEntriesCounter.WithLabelValues(action).Inc()
}

func IncDeliveryStatus(status string) {
	Init()
	deliveryTasksCounter.WithLabelValues(status).Inc()
}

func IncDeliveryAttempt(outcome string) {
	Init()
	deliveryAttemptsCounter.WithLabelValues(outcome).Inc()
}

func ObserveBundleBuildDuration(d time.Duration) {
	Init()
	bundleBuildDurationMetric.Observe(d.Seconds())
}

func ObserveClaimLatency(d time.Duration) {
	Init()
	claimLatencyMetric.Observe(d.Seconds())
}
