// Conduit - Plugin Message Broker and Distributed Lock Coordination
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/conduit

// Package broker implements the queue transport: durable at-least-once
// delivery of envelopes with fire-and-forget and RPC (correlated
// request/response) semantics.
//
// The transport is built on Watermill, so the same Client works against
// NATS JetStream in production and the in-process GoChannel Pub/Sub in
// tests. RPC responses travel on a per-process reply topic; each client
// matches them to outstanding calls by correlation ID and discards replies
// whose correlation window has already closed.
//
// Delivery is at-least-once. Consumers must be idempotent or guard their
// writes with the lock package.
package broker
