// Conduit - Plugin Message Broker and Distributed Lock Coordination
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/conduit

package client

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/goccy/go-json"

	"github.com/tomtom215/conduit/internal/broker"
	"github.com/tomtom215/conduit/internal/dispatch"
	"github.com/tomtom215/conduit/internal/envelope"
)

// newSenderWithDispatcher wires a sender and a dispatcher over a shared
// in-process bus, the same topology a deployed plugin pair would have
// over NATS.
func newSenderWithDispatcher(t *testing.T) (*Sender, *dispatch.Dispatcher) {
	t.Helper()

	bus := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer: 64,
	}, watermill.NopLogger{})

	cfg := dispatch.DefaultConfig()
	cfg.PoisonQueueTopic = ""
	cfg.RetryMaxRetries = 0
	cfg.CloseTimeout = 2 * time.Second

	d, err := dispatch.New(cfg, bus, bus)
	if err != nil {
		t.Fatalf("dispatcher: %v", err)
	}

	c := broker.New(bus, bus)
	ctx, cancel := context.WithCancel(context.Background())
	if err := c.Start(ctx); err != nil {
		t.Fatalf("start broker client: %v", err)
	}
	t.Cleanup(cancel)

	return NewSender(c), d
}

func runDispatcher(t *testing.T, d *dispatch.Dispatcher) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	select {
	case <-d.Running():
	case <-time.After(5 * time.Second):
		cancel()
		t.Fatal("dispatcher never started")
	}

	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("dispatcher did not stop")
		}
	})
}

func TestSender_SendEvent(t *testing.T) {
	sender, d := newSenderWithDispatcher(t)

	received := make(chan *envelope.Envelope, 1)
	if err := d.HandleQueue("calls:history.record", func(ctx context.Context, env *envelope.Envelope) error {
		received <- env
		return nil
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	runDispatcher(t, d)

	err := sender.SendEvent(context.Background(), "tenantA", "calls:history.record", "calls:history.record",
		map[string]string{"callStatus": "cancelled"})
	if err != nil {
		t.Fatalf("send event: %v", err)
	}

	select {
	case env := <-received:
		if env.Tenant != "tenantA" {
			t.Errorf("tenant = %q", env.Tenant)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("event not delivered")
	}
}

func TestSender_RequestRoundTrip(t *testing.T) {
	sender, d := newSenderWithDispatcher(t)

	if err := d.HandleRPC("automations:find.count", func(ctx context.Context, env *envelope.Envelope) (any, error) {
		return 5, nil
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	runDispatcher(t, d)

	count, err := Request[int](context.Background(), sender, "tenantA", "automations:find.count", "automations:find.count",
		map[string]any{"query": map[string]any{}}, RequestOptions{Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if count != 5 {
		t.Errorf("count = %d, want 5", count)
	}
}

func TestSender_RequestResponderError(t *testing.T) {
	sender, d := newSenderWithDispatcher(t)

	if err := d.HandleRPC("automations:trigger", func(ctx context.Context, env *envelope.Envelope) (any, error) {
		return nil, errors.New("segment not found")
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	runDispatcher(t, d)

	_, err := sender.SendRequest(context.Background(), "tenantA", "automations:trigger", "automations:trigger",
		map[string]string{"type": "deal"}, RequestOptions{Timeout: 5 * time.Second})

	var rpcErr *broker.RPCError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("err = %v, want RPCError", err)
	}
}

func TestSender_RequestGracefulDegradation(t *testing.T) {
	sender, _ := newSenderWithDispatcher(t)

	// No dispatcher running, no responder: absent-plugin topology.
	start := time.Now()
	data, err := sender.SendRequest(context.Background(), "tenantA", "payments:methods", "payments:methods", nil,
		RequestOptions{
			Timeout:      300 * time.Millisecond,
			DefaultValue: json.RawMessage(`[]`),
		})
	if err != nil {
		t.Fatalf("request with default: %v", err)
	}
	if string(data) != `[]` {
		t.Errorf("data = %s, want []", data)
	}
	if elapsed := time.Since(start); elapsed < 300*time.Millisecond {
		t.Errorf("resolved before timeout: %v", elapsed)
	}

	_, err = sender.SendRequest(context.Background(), "tenantA", "payments:methods", "payments:methods", nil,
		RequestOptions{Timeout: 300 * time.Millisecond})
	if !errors.Is(err, broker.ErrRPCTimeout) {
		t.Errorf("err = %v, want ErrRPCTimeout", err)
	}
}
