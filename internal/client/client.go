// Conduit - Plugin Message Broker and Distributed Lock Coordination
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/conduit

// Package client is the call site plugins use to publish events and
// issue RPC calls without touching transport details.
package client

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/conduit/internal/broker"
	"github.com/tomtom215/conduit/internal/envelope"
)

// RequestOptions controls a single RPC call. A non-nil DefaultValue
// turns timeouts and responder errors into that value instead of a
// failure, for callers that degrade gracefully when a plugin is absent
// or slow.
type RequestOptions struct {
	Timeout      time.Duration
	DefaultValue json.RawMessage
}

// Sender publishes envelopes through a broker client.
type Sender struct {
	client *broker.Client
}

// NewSender wraps a started broker client.
func NewSender(c *broker.Client) *Sender {
	return &Sender{client: c}
}

// SendEvent publishes a fire-and-forget envelope. It returns once the
// transport accepted the message; the caller does not learn the
// handler's outcome.
func (s *Sender) SendEvent(ctx context.Context, tenant, queue, action string, payload any) error {
	env, err := envelope.New(tenant, action, payload)
	if err != nil {
		return fmt.Errorf("build envelope: %w", err)
	}
	return s.client.Publish(ctx, queue, env)
}

// SendRequest issues an RPC call and returns the raw response data.
func (s *Sender) SendRequest(ctx context.Context, tenant, queue, action string, payload any, opts RequestOptions) (json.RawMessage, error) {
	env, err := envelope.New(tenant, action, payload)
	if err != nil {
		return nil, fmt.Errorf("build envelope: %w", err)
	}
	return s.client.PublishRPC(ctx, queue, env, broker.RPCOptions{
		Timeout:      opts.Timeout,
		DefaultValue: opts.DefaultValue,
	})
}

// Request issues an RPC call and decodes the response into T.
func Request[T any](ctx context.Context, s *Sender, tenant, queue, action string, payload any, opts RequestOptions) (T, error) {
	var out T

	data, err := s.SendRequest(ctx, tenant, queue, action, payload, opts)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("decode %s response: %w", queue, err)
	}
	return out, nil
}
