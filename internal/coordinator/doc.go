// Conduit - Plugin Message Broker and Distributed Lock Coordination
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/conduit

// Package coordinator implements the idempotent write path used by
// handlers that must tolerate duplicate, out-of-order, and concurrent
// delivery of the same logical event.
//
// A write runs inside a distributed lock keyed by the record's natural
// key: acquire, extend to cover the full critical section, look up the
// natural key, insert only when absent, release on every exit path. At
// most one writer per natural key completes the insert; every other
// attempt observes a typed outcome (AlreadyExists or LockHeld) rather
// than an error, so callers cannot mistake a benign duplicate for a
// fault.
package coordinator
