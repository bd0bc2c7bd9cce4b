// Conduit - Plugin Message Broker and Distributed Lock Coordination
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/conduit

// Package lock implements lease-based distributed locks over an arbitrary
// resource key.
//
// Acquisition is deliberately non-blocking: a caller that fails to acquire
// must treat the failure as "another worker is already processing this key"
// and return a benign outcome instead of retrying in a tight loop. Leases
// self-expire, so a crashed holder never wedges a key permanently.
//
// Two backends are provided: an in-memory manager for single-process use
// and tests, and a NATS JetStream key-value manager that enforces
// exclusivity across process instances with revision compare-and-swap.
package lock
