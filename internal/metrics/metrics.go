// Conduit - Plugin Message Broker and Distributed Lock Coordination
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/conduit

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus instrumentation for the broker, dispatch loops, lock manager
// and write coordinator. All metrics are registered on the default
// registry and exposed by the ops HTTP server at /metrics.

var (
	// Transport metrics
	MessagesPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conduit_messages_published_total",
			Help: "Total envelopes accepted by the transport",
		},
		[]string{"queue", "mode"}, // mode: "event" or "rpc"
	)

	PublishErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conduit_publish_errors_total",
			Help: "Total envelope publish failures",
		},
		[]string{"queue"},
	)

	RPCDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "conduit_rpc_duration_seconds",
			Help:    "RPC round-trip duration in seconds",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"queue", "outcome"}, // outcome: "success", "error", "timeout", "default"
	)

	// Dispatch metrics
	EnvelopesDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conduit_envelopes_dispatched_total",
			Help: "Total envelopes routed to handlers",
		},
		[]string{"queue", "mode", "outcome"},
	)

	HandlerDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "conduit_handler_duration_seconds",
			Help:    "Handler execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"queue"},
	)

	// Lock metrics
	LockAcquisitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conduit_lock_acquisitions_total",
			Help: "Total lock acquisition attempts",
		},
		[]string{"outcome"}, // "acquired", "held", "error"
	)

	LockExtensions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conduit_lock_extensions_total",
			Help: "Total lock lease extension attempts",
		},
		[]string{"outcome"}, // "extended", "lost"
	)

	LocksReleased = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "conduit_locks_released_total",
			Help: "Total lock releases (idempotent releases included)",
		},
	)

	// Coordinator metrics
	CoordinatorWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conduit_coordinator_writes_total",
			Help: "Idempotent write coordinator outcomes",
		},
		[]string{"domain", "outcome"}, // outcome: "success", "already_exists", "lock_held", "failed"
	)

	CriticalSectionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "conduit_critical_section_duration_seconds",
			Help:    "Time spent holding a write lock",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"domain"},
	)
)

// RecordPublish increments the publish counter for a queue.
func RecordPublish(queue, mode string) {
	MessagesPublished.WithLabelValues(queue, mode).Inc()
}

// RecordPublishError increments the publish failure counter for a queue.
func RecordPublishError(queue string) {
	PublishErrors.WithLabelValues(queue).Inc()
}

// RecordRPC observes an RPC round trip.
func RecordRPC(queue, outcome string, duration time.Duration) {
	RPCDuration.WithLabelValues(queue, outcome).Observe(duration.Seconds())
}

// RecordDispatch records a handler invocation outcome.
func RecordDispatch(queue, mode, outcome string, duration time.Duration) {
	EnvelopesDispatched.WithLabelValues(queue, mode, outcome).Inc()
	HandlerDuration.WithLabelValues(queue).Observe(duration.Seconds())
}

// RecordLockAcquire records a lock acquisition outcome.
func RecordLockAcquire(outcome string) {
	LockAcquisitions.WithLabelValues(outcome).Inc()
}

// RecordLockExtend records a lease extension outcome.
func RecordLockExtend(outcome string) {
	LockExtensions.WithLabelValues(outcome).Inc()
}

// RecordLockRelease records a lock release.
func RecordLockRelease() {
	LocksReleased.Inc()
}

// RecordCoordinatorWrite records a write coordinator outcome.
func RecordCoordinatorWrite(domain, outcome string, held time.Duration) {
	CoordinatorWrites.WithLabelValues(domain, outcome).Inc()
	CriticalSectionDuration.WithLabelValues(domain).Observe(held.Seconds())
}
