// Conduit - Plugin Message Broker and Distributed Lock Coordination
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/conduit

// Package envelope defines the message unit exchanged between plugins.
//
// An Envelope carries a tenant identifier, an action name and an opaque
// payload. For RPC-style calls the transport adds a correlation ID and a
// reply topic as message metadata; the response travels back as a Result
// with the fixed two-branch wire shape:
//
//	{"status":"success","data":...}
//	{"status":"error","errorMessage":"..."}
//
// That shape is a wire contract shared with every existing consumer of the
// protocol and must not change.
package envelope
