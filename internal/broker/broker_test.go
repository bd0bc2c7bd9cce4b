// Conduit - Plugin Message Broker and Distributed Lock Coordination
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/conduit

package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/goccy/go-json"

	"github.com/tomtom215/conduit/internal/envelope"
)

// newTestBus returns an in-process pub/sub shared by all participants of a
// test, mirroring how production clients share a NATS cluster.
func newTestBus() *gochannel.GoChannel {
	return gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer: 64,
	}, watermill.NopLogger{})
}

// runResponder consumes a queue topic and answers RPC requests with the
// given handler, emulating a remote plugin process.
func runResponder(ctx context.Context, t *testing.T, bus *gochannel.GoChannel, queue string, handle func(env *envelope.Envelope) (*envelope.Result, error)) {
	t.Helper()

	msgs, err := bus.Subscribe(ctx, envelope.QueueTopic(queue))
	if err != nil {
		t.Fatalf("responder subscribe: %v", err)
	}

	go func() {
		for msg := range msgs {
			env, err := envelope.Unmarshal(msg.Payload)
			if err != nil {
				msg.Ack()
				continue
			}
			res, err := handle(env)
			if err != nil {
				res = envelope.Failure(err)
			}
			if envelope.IsRPC(msg) {
				reply, err := envelope.NewReplyMessage(msg.Metadata.Get(envelope.MetaCorrelationID), res)
				if err == nil {
					_ = bus.Publish(msg.Metadata.Get(envelope.MetaReplyTo), reply)
				}
			}
			msg.Ack()
		}
	}()
}

func TestClient_PublishFireAndForget(t *testing.T) {
	bus := newTestBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	msgs, err := bus.Subscribe(ctx, envelope.QueueTopic("calls:history.record"))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	c := New(bus, bus)
	env, _ := envelope.New("tenantA", "calls:history.record", map[string]string{"callStatus": "cancelled"})
	if err := c.Publish(ctx, "calls:history.record", env); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case msg := <-msgs:
		got, err := envelope.Unmarshal(msg.Payload)
		if err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if got.Tenant != "tenantA" {
			t.Errorf("expected tenantA, got %q", got.Tenant)
		}
		if envelope.IsRPC(msg) {
			t.Error("fire-and-forget message must not be marked RPC")
		}
		msg.Ack()
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}
}

func TestClient_RPCRoundTrip(t *testing.T) {
	bus := newTestBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runResponder(ctx, t, bus, "automations:find.count", func(env *envelope.Envelope) (*envelope.Result, error) {
		return envelope.Success(42)
	})

	c := New(bus, bus)
	if err := c.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	env, _ := envelope.New("tenantA", "automations:find.count", map[string]any{"query": map[string]any{}})
	data, err := c.PublishRPC(ctx, "automations:find.count", env, RPCOptions{Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("rpc: %v", err)
	}

	var count int
	if err := json.Unmarshal(data, &count); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if count != 42 {
		t.Errorf("expected 42, got %d", count)
	}
}

func TestClient_RPCErrorBranch(t *testing.T) {
	bus := newTestBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runResponder(ctx, t, bus, "automations:trigger", func(env *envelope.Envelope) (*envelope.Result, error) {
		return nil, errors.New("segment not found")
	})

	c := New(bus, bus)
	if err := c.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	env, _ := envelope.New("tenantA", "automations:trigger", map[string]string{"type": "deal"})
	_, err := c.PublishRPC(ctx, "automations:trigger", env, RPCOptions{Timeout: 5 * time.Second})

	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("expected RPCError, got %v", err)
	}
	if rpcErr.Message != "segment not found" {
		t.Errorf("expected responder message, got %q", rpcErr.Message)
	}
}

func TestClient_RPCTimeout(t *testing.T) {
	bus := newTestBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := New(bus, bus)
	if err := c.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	t.Run("no default value fails", func(t *testing.T) {
		env, _ := envelope.New("tenantA", "ghost:queue", nil)
		start := time.Now()
		_, err := c.PublishRPC(ctx, "ghost:queue", env, RPCOptions{Timeout: 200 * time.Millisecond})
		if !errors.Is(err, ErrRPCTimeout) {
			t.Fatalf("expected ErrRPCTimeout, got %v", err)
		}
		if elapsed := time.Since(start); elapsed < 200*time.Millisecond {
			t.Errorf("resolved before timeout elapsed: %v", elapsed)
		}
	})

	t.Run("default value resolves", func(t *testing.T) {
		env, _ := envelope.New("tenantA", "ghost:queue", nil)
		data, err := c.PublishRPC(ctx, "ghost:queue", env, RPCOptions{
			Timeout:      200 * time.Millisecond,
			DefaultValue: json.RawMessage(`[]`),
		})
		if err != nil {
			t.Fatalf("expected graceful degradation, got %v", err)
		}
		if string(data) != `[]` {
			t.Errorf("expected default value, got %s", data)
		}
	})

	t.Run("envelope default value honored", func(t *testing.T) {
		env, _ := envelope.New("tenantA", "ghost:queue", nil)
		env.DefaultValue = json.RawMessage(`{"fallback":true}`)
		data, err := c.PublishRPC(ctx, "ghost:queue", env, RPCOptions{Timeout: 200 * time.Millisecond})
		if err != nil {
			t.Fatalf("expected graceful degradation, got %v", err)
		}
		if string(data) != `{"fallback":true}` {
			t.Errorf("expected envelope default, got %s", data)
		}
	})
}

func TestClient_RPCConcurrentCorrelation(t *testing.T) {
	bus := newTestBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Echo the payload back so each caller can verify it received its own
	// response rather than a cross-matched one.
	runResponder(ctx, t, bus, "echo:queue", func(env *envelope.Envelope) (*envelope.Result, error) {
		var v int
		if err := env.DecodePayload(&v); err != nil {
			return nil, err
		}
		return envelope.Success(v)
	})

	c := New(bus, bus)
	if err := c.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	const calls = 16
	var wg sync.WaitGroup
	errs := make(chan error, calls)
	for i := 0; i < calls; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			env, _ := envelope.New("tenantA", "echo:queue", n)
			data, err := c.PublishRPC(ctx, "echo:queue", env, RPCOptions{Timeout: 5 * time.Second})
			if err != nil {
				errs <- err
				return
			}
			var got int
			if err := json.Unmarshal(data, &got); err != nil {
				errs <- err
				return
			}
			if got != n {
				errs <- fmt.Errorf("call %d got response %d", n, got)
			}
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}
}

func TestClient_PublishRPCRequiresStart(t *testing.T) {
	bus := newTestBus()
	c := New(bus, bus)

	env, _ := envelope.New("tenantA", "q", nil)
	if _, err := c.PublishRPC(context.Background(), "q", env, RPCOptions{}); !errors.Is(err, ErrNotStarted) {
		t.Errorf("expected ErrNotStarted, got %v", err)
	}
}

func TestClient_ClosedRejectsPublish(t *testing.T) {
	bus := newTestBus()
	c := New(bus, bus)
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("second close should be a no-op: %v", err)
	}

	env, _ := envelope.New("tenantA", "q", nil)
	if err := c.Publish(context.Background(), "q", env); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestClient_InvalidEnvelopeRejected(t *testing.T) {
	bus := newTestBus()
	c := New(bus, bus)

	env := &envelope.Envelope{ID: "1", Action: "a"} // missing tenant
	err := c.Publish(context.Background(), "q", env)

	var verr *envelope.ValidationError
	if !errors.As(err, &verr) {
		t.Errorf("expected validation error, got %v", err)
	}
}

var _ message.Publisher = (*gochannel.GoChannel)(nil)
var _ message.Subscriber = (*gochannel.GoChannel)(nil)
