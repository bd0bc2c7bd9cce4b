// Conduit - Plugin Message Broker and Distributed Lock Coordination
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/conduit

package envelope

import (
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
)

// NewQueueMessage builds the transport message for an envelope published to
// a queue. The envelope ID becomes the message UUID, which JetStream uses
// as the deduplication ID.
func NewQueueMessage(env *Envelope, queue string) (*message.Message, error) {
	data, err := env.Marshal()
	if err != nil {
		return nil, err
	}

	msg := message.NewMessage(env.ID, data)
	msg.Metadata.Set(MetaQueue, queue)
	msg.Metadata.Set(MetaIsRPC, "false")
	return msg, nil
}

// NewRPCMessage builds the transport message for an RPC request. The
// correlation ID is generated here and returned so the caller can register
// the pending call before publishing.
func NewRPCMessage(env *Envelope, queue, replyTo string) (*message.Message, string, error) {
	data, err := env.Marshal()
	if err != nil {
		return nil, "", err
	}

	correlationID := uuid.New().String()

	msg := message.NewMessage(env.ID, data)
	msg.Metadata.Set(MetaQueue, queue)
	msg.Metadata.Set(MetaIsRPC, "true")
	msg.Metadata.Set(MetaCorrelationID, correlationID)
	msg.Metadata.Set(MetaReplyTo, replyTo)
	return msg, correlationID, nil
}

// NewReplyMessage builds the transport message carrying an RPC result back
// to the caller's reply topic.
func NewReplyMessage(correlationID string, r *Result) (*message.Message, error) {
	data, err := r.Marshal()
	if err != nil {
		return nil, err
	}

	msg := message.NewMessage(uuid.New().String(), data)
	msg.Metadata.Set(MetaCorrelationID, correlationID)
	return msg, nil
}

// IsRPC reports whether a transport message was published as an RPC
// request.
func IsRPC(msg *message.Message) bool {
	return msg.Metadata.Get(MetaIsRPC) == "true"
}
