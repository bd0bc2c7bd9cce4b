// Conduit - Plugin Message Broker and Distributed Lock Coordination
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/conduit

// Package dispatch runs the consumer side of the broker: a Watermill
// router that delivers queue envelopes to registered handlers.
//
// Each queue name accepts at most one fire-and-forget handler and one
// RPC handler per process. Registering a second handler for the same
// queue and mode fails at registration time rather than silently
// shadowing the first. Inbound messages carry an RPC marker in their
// metadata; the dispatcher routes by that marker, so both modes can
// share a queue without competing for each other's traffic.
//
// Handler failures never escape the dispatch loop. Fire-and-forget
// handler errors are logged and the message is acknowledged; RPC
// handler errors (including panics) are converted to the error branch
// of the result contract and sent back to the caller. Redelivery only
// happens on transport-level failure, such as a reply that cannot be
// published.
package dispatch
