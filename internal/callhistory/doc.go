// Conduit - Plugin Message Broker and Distributed Lock Coordination
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/conduit

// Package callhistory records call events exactly once under duplicate
// delivery. It is the reference consumer of the idempotent write
// coordinator: cancelled-call events arrive over the broker, possibly
// several times, and must produce exactly one history record per
// timestamp, customer phone, and call status combination.
package callhistory
