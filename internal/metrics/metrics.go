// SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"sync"
	"time"

	"github.com/adiadia/brokerage-agent/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	initOnce sync.Once

	closureStepsCounter       *prometheus.CounterVec
	closureStepDurationMetric *prometheus.HistogramVec
	autoRetriesCounter        *prometheus.CounterVec
	streamEventsCounter       *prometheus.CounterVec
	persistFailuresCounter    *prometheus.CounterVec
	persistDroppedCounter     prometheus.Counter
	resumesCounter            *prometheus.CounterVec
	reconcileLatencyMetric    prometheus.Histogram
)

// Init registers metrics on the default Prometheus registry exactly once.
func Init() {
	initOnce.Do(func() {
		closureStepsCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "closure_steps_total",
				Help: "Total number of closure step transitions by step and status.",
			},
			[]string{"step", "status"},
		)

		closureStepDurationMetric = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "closure_step_duration_seconds",
				Help:    "Duration of brokerage calls backing closure steps in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"step"},
		)

		autoRetriesCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "closure_auto_retries_total",
				Help: "Total number of automatic closure retries by outcome.",
			},
			[]string{"outcome"},
		)

		streamEventsCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agent_stream_events_total",
				Help: "Total number of normalized stream events by type.",
			},
			[]string{"type"},
		)

		persistFailuresCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "run_persistence_failures_total",
				Help: "Total number of failed run persistence writes by operation.",
			},
			[]string{"op"},
		)

		persistDroppedCounter = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "run_persistence_dropped_total",
				Help: "Total number of run persistence writes dropped on a full queue.",
			},
		)

		resumesCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "interrupt_resumes_total",
				Help: "Total number of interrupt resume requests by outcome.",
			},
			[]string{"outcome"},
		)

		reconcileLatencyMetric = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "closure_reconcile_duration_seconds",
				Help:    "Duration of closure reconciliation sweeps in seconds.",
				Buckets: prometheus.DefBuckets,
			},
		)

		prometheus.MustRegister(
			closureStepsCounter,
			closureStepDurationMetric,
			autoRetriesCounter,
			streamEventsCounter,
			persistFailuresCounter,
			persistDroppedCounter,
			resumesCounter,
			reconcileLatencyMetric,
		)

		// Ensure counter vectors are visible at /metrics before first increment.
		for _, st := range domain.NewWorkflowRun("").Steps {
			for _, status := range []domain.StepStatus{
				domain.StepInProgress,
				domain.StepCompleted,
				domain.StepFailed,
			} {
				closureStepsCounter.WithLabelValues(string(st.ID), string(status))
			}
		}

		for _, typ := range []domain.StreamEventType{
			domain.EventInterrupt,
			domain.EventNodeUpdate,
			domain.EventMessagesComplete,
			domain.EventMessagesMetadata,
			domain.EventMessageToken,
			domain.EventMetadata,
			domain.EventError,
		} {
			streamEventsCounter.WithLabelValues(string(typ))
		}
	})
}

func IncClosureStep(step domain.StepID, status domain.StepStatus) {
	Init()
	closureStepsCounter.WithLabelValues(string(step), string(status)).Inc()
}

func ObserveClosureStepDuration(step domain.StepID, d time.Duration) {
	Init()
	closureStepDurationMetric.WithLabelValues(string(step)).Observe(d.Seconds())
}

func IncAutoRetry(outcome string) {
	Init()
	autoRetriesCounter.WithLabelValues(outcome).Inc()
}

func IncStreamEvent(typ domain.StreamEventType) {
	Init()
	streamEventsCounter.WithLabelValues(string(typ)).Inc()
}

func IncPersistFailure(op string) {
	Init()
	persistFailuresCounter.WithLabelValues(op).Inc()
}

func IncPersistDropped() {
	Init()
	persistDroppedCounter.Inc()
}

func IncResume(outcome string) {
	Init()
	resumesCounter.WithLabelValues(outcome).Inc()
}

func ObserveReconcileDuration(d time.Duration) {
	Init()
	reconcileLatencyMetric.Observe(d.Seconds())
}
