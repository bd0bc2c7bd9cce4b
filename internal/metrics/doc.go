// Conduit - Plugin Message Broker and Distributed Lock Coordination
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/conduit

// Package metrics provides Prometheus instrumentation for Conduit.
//
// Metrics are registered with promauto on the default registry and served
// by the ops HTTP endpoint. Helper functions (RecordPublish, RecordRPC,
// RecordLockAcquire, ...) keep label discipline in one place so callers
// cannot introduce unbounded label values.
package metrics
