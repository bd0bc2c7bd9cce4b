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
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/tomtom215/conduit/internal/envelope"
	"github.com/tomtom215/conduit/internal/logging"
	"github.com/tomtom215/conduit/internal/metrics"
)

var (
	// ErrRPCTimeout is returned when no correlated response arrives
	// within the caller's timeout and no default value was configured.
	ErrRPCTimeout = errors.New("rpc timeout")

	// ErrClosed is returned when publishing through a closed client.
	ErrClosed = errors.New("broker client closed")

	// ErrNotStarted is returned by PublishRPC before Start has been
	// called; the reply loop must be running to receive responses.
	ErrNotStarted = errors.New("broker client not started")
)

// RPCError carries the error branch of an RPC result back to the caller.
type RPCError struct {
	Queue   string
	Message string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc %s: %s", e.Queue, e.Message)
}

// DefaultRPCTimeout bounds RPC calls whose options specify no timeout.
const DefaultRPCTimeout = 30 * time.Second

// RPCOptions controls a single RPC call.
type RPCOptions struct {
	// Timeout bounds the wait for a correlated response.
	// Default: DefaultRPCTimeout.
	Timeout time.Duration

	// DefaultValue, when non-nil, is returned instead of an error if the
	// call times out or the responder reports an error. This enables
	// graceful degradation when a downstream plugin is absent or slow.
	DefaultValue json.RawMessage
}

// Client is the queue transport used by every plugin process. It publishes
// envelopes and resolves RPC responses arriving on its private reply
// topic. A Client is safe for concurrent use.
type Client struct {
	id      string
	pub     message.Publisher
	sub     message.Subscriber
	breaker *gobreaker.CircuitBreaker[any]
	limiter *rate.Limiter

	mu      sync.Mutex
	pending map[string]chan *envelope.Result
	started bool
	closed  bool
}

// Option configures a Client.
type Option func(*Client)

// WithCircuitBreaker protects publishes with the given circuit breaker.
func WithCircuitBreaker(cb *gobreaker.CircuitBreaker[any]) Option {
	return func(c *Client) { c.breaker = cb }
}

// WithPublishRateLimit throttles publishes to limit events per second with
// the given burst.
func WithPublishRateLimit(limit rate.Limit, burst int) Option {
	return func(c *Client) { c.limiter = rate.NewLimiter(limit, burst) }
}

// NewPublishBreaker returns a circuit breaker tuned for transport
// publishes: it opens after five consecutive failures and probes again
// after ten seconds.
func NewPublishBreaker(name string) *gobreaker.CircuitBreaker[any] {
	return gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
}

// New creates a transport client on top of a Watermill publisher and
// subscriber pair. The pair must share a substrate (the same NATS cluster,
// or the same GoChannel instance in tests). The client owns both and
// closes them on Close.
func New(pub message.Publisher, sub message.Subscriber, opts ...Option) *Client {
	c := &Client{
		id:      uuid.New().String()[:8],
		pub:     pub,
		sub:     sub,
		pending: make(map[string]chan *envelope.Result),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ID returns the client instance identifier used in its reply topic.
func (c *Client) ID() string {
	return c.id
}

// Start subscribes to the client's reply topic and begins resolving RPC
// responses. It must be called before PublishRPC. The loop stops when ctx
// is canceled or the client is closed.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	c.mu.Unlock()

	replies, err := c.sub.Subscribe(ctx, envelope.ReplyTopic(c.id))
	if err != nil {
		c.mu.Lock()
		c.started = false
		c.mu.Unlock()
		return fmt.Errorf("subscribe reply topic: %w", err)
	}

	go c.replyLoop(replies)
	return nil
}

// Publish enqueues an envelope for fire-and-forget delivery. It returns
// once the broker durably accepted the message; it does not wait for a
// consumer.
func (c *Client) Publish(ctx context.Context, queue string, env *envelope.Envelope) error {
	msg, err := envelope.NewQueueMessage(env, queue)
	if err != nil {
		return err
	}

	if err := c.publish(ctx, envelope.QueueTopic(queue), msg); err != nil {
		metrics.RecordPublishError(queue)
		return fmt.Errorf("publish %s: %w", queue, err)
	}

	metrics.RecordPublish(queue, "event")
	return nil
}

// PublishRPC enqueues an envelope and waits for the correlated response.
// On timeout it resolves to opts.DefaultValue when configured, otherwise
// it fails with ErrRPCTimeout. A responder-side error resolves the same
// way: DefaultValue if configured, else *RPCError.
func (c *Client) PublishRPC(ctx context.Context, queue string, env *envelope.Envelope, opts RPCOptions) (json.RawMessage, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if !c.started {
		c.mu.Unlock()
		return nil, ErrNotStarted
	}
	c.mu.Unlock()

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultRPCTimeout
	}
	if opts.DefaultValue == nil && env.DefaultValue != nil {
		opts.DefaultValue = env.DefaultValue
	}

	msg, correlationID, err := envelope.NewRPCMessage(env, queue, envelope.ReplyTopic(c.id))
	if err != nil {
		return nil, err
	}

	ch := make(chan *envelope.Result, 1)
	c.addPending(correlationID, ch)
	defer c.removePending(correlationID)

	start := time.Now()
	if err := c.publish(ctx, envelope.QueueTopic(queue), msg); err != nil {
		metrics.RecordPublishError(queue)
		return nil, fmt.Errorf("publish rpc %s: %w", queue, err)
	}
	metrics.RecordPublish(queue, "rpc")

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.IsSuccess() {
			metrics.RecordRPC(queue, "success", time.Since(start))
			return res.Data, nil
		}
		if opts.DefaultValue != nil {
			metrics.RecordRPC(queue, "default", time.Since(start))
			return opts.DefaultValue, nil
		}
		metrics.RecordRPC(queue, "error", time.Since(start))
		return nil, &RPCError{Queue: queue, Message: res.ErrorMessage}

	case <-timer.C:
		if opts.DefaultValue != nil {
			metrics.RecordRPC(queue, "default", time.Since(start))
			return opts.DefaultValue, nil
		}
		metrics.RecordRPC(queue, "timeout", time.Since(start))
		return nil, fmt.Errorf("%w: %s after %s", ErrRPCTimeout, queue, timeout)

	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close shuts down the client and its publisher/subscriber pair.
// Outstanding RPC calls resolve via their timeouts.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	perr := c.pub.Close()
	serr := c.sub.Close()
	if perr != nil {
		return perr
	}
	return serr
}

func (c *Client) publish(ctx context.Context, topic string, msg *message.Message) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	if c.breaker != nil {
		_, err := c.breaker.Execute(func() (any, error) {
			return nil, c.pub.Publish(topic, msg)
		})
		return err
	}
	return c.pub.Publish(topic, msg)
}

// replyLoop resolves RPC responses. Replies whose correlation window has
// closed (the caller timed out or resolved already) are discarded.
func (c *Client) replyLoop(replies <-chan *message.Message) {
	logger := logging.WithComponent("broker")

	for msg := range replies {
		correlationID := msg.Metadata.Get(envelope.MetaCorrelationID)

		res, err := envelope.UnmarshalResult(msg.Payload)
		if err != nil {
			logger.Warn().Err(err).Str("correlation_id", correlationID).Msg("malformed rpc reply")
			msg.Ack()
			continue
		}

		if ch, ok := c.takePending(correlationID); ok {
			ch <- res
		} else {
			logger.Debug().Str("correlation_id", correlationID).Msg("reply after correlation window closed")
		}
		msg.Ack()
	}
}

func (c *Client) addPending(correlationID string, ch chan *envelope.Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending[correlationID] = ch
}

func (c *Client) removePending(correlationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, correlationID)
}

// takePending removes and returns the pending channel so each correlation
// ID resolves at most once even if a response is redelivered.
func (c *Client) takePending(correlationID string) (chan *envelope.Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.pending[correlationID]
	if ok {
		delete(c.pending, correlationID)
	}
	return ch, ok
}
