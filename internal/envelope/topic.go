// Conduit - Plugin Message Broker and Distributed Lock Coordination
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/conduit

package envelope

import (
	"strings"
)

// Topic prefixes. All Conduit subjects live under "conduit." so a single
// JetStream stream bound to "conduit.>" captures every queue and reply.
const (
	// QueueTopicPrefix is the subject prefix for plugin queues.
	QueueTopicPrefix = "conduit.q."
	// ReplyTopicPrefix is the subject prefix for per-process RPC reply
	// topics.
	ReplyTopicPrefix = "conduit.reply."
	// StreamSubjects is the wildcard covering all Conduit subjects, used
	// when provisioning the stream.
	StreamSubjects = "conduit.>"
)

// QueueTopic maps a logical queue name like "automations:trigger" to a
// NATS-safe subject. The ":" namespace separator used by plugin queue
// names becomes a subject token boundary, so "automations:find.count"
// maps to "conduit.q.automations.find.count".
func QueueTopic(queue string) string {
	return QueueTopicPrefix + sanitize(queue)
}

// ReplyTopic returns the reply subject for a broker client instance.
// Replies are point-to-point: each client subscribes only to its own
// reply topic and matches responses by correlation ID.
func ReplyTopic(clientID string) string {
	return ReplyTopicPrefix + sanitize(clientID)
}

// sanitize rewrites a queue name into valid NATS subject tokens.
// Invalid characters (spaces, wildcards, empty tokens) would otherwise
// silently break subscription matching.
func sanitize(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		switch r {
		case ':':
			b.WriteByte('.')
		case ' ', '*', '>':
			b.WriteByte('_')
		default:
			b.WriteRune(r)
		}
	}
	// Collapse empty tokens ("a..b" subscribes to nothing on NATS).
	out := b.String()
	for strings.Contains(out, "..") {
		out = strings.ReplaceAll(out, "..", ".")
	}
	return strings.Trim(out, ".")
}
