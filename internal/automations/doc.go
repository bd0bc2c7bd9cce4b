// Conduit - Plugin Message Broker and Distributed Lock Coordination
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/conduit

// Package automations consumes trigger events and routes each one to a
// park, resume, or fresh-trigger path.
//
// An envelope whose actionType is "waiting" parks a condition naming
// the response it awaits. A later envelope resumes a parked condition
// when its type and actionType match exactly and it shares at least one
// target ID; resumption always wins over starting a fresh trigger, so a
// response to an in-flight step can never fork a second instance.
// Everything else starts a fresh trigger.
package automations
