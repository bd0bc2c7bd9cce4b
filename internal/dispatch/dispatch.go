// Conduit - Plugin Message Broker and Distributed Lock Coordination
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/conduit

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"

	"github.com/tomtom215/conduit/internal/envelope"
	"github.com/tomtom215/conduit/internal/logging"
	"github.com/tomtom215/conduit/internal/metrics"
)

var (
	// ErrDuplicateHandler is returned when a handler is already registered
	// for the same queue and mode.
	ErrDuplicateHandler = errors.New("handler already registered")

	// ErrRunning is returned when a registration arrives after the
	// dispatcher has started.
	ErrRunning = errors.New("dispatcher already running")
)

// QueueHandler processes a fire-and-forget envelope. A returned error is
// logged; the message is consumed either way.
type QueueHandler func(ctx context.Context, env *envelope.Envelope) error

// RPCHandler processes an RPC envelope. The returned value becomes the
// data field of the success result; a returned error becomes the error
// branch delivered to the caller.
type RPCHandler func(ctx context.Context, env *envelope.Envelope) (any, error)

// TenantResolver prepares a context for the envelope's tenant before the
// handler runs, typically attaching tenant-scoped resources. A resolver
// error fails the dispatch the same way a handler error would.
type TenantResolver func(ctx context.Context, tenant string) (context.Context, error)

// Config holds configuration for the dispatch router.
type Config struct {
	// CloseTimeout is how long to wait for in-flight handlers on Close.
	CloseTimeout time.Duration

	// Retry configuration for transport-level failures.
	RetryMaxRetries      int
	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration
	RetryMultiplier      float64

	// PoisonQueueTopic receives messages that exhaust their retries.
	// Empty disables the poison queue.
	PoisonQueueTopic string
}

// DefaultConfig returns production defaults for the dispatcher.
func DefaultConfig() Config {
	return Config{
		CloseTimeout:         30 * time.Second,
		RetryMaxRetries:      5,
		RetryInitialInterval: time.Second,
		RetryMaxInterval:     time.Minute,
		RetryMultiplier:      2.0,
		PoisonQueueTopic:     "conduit.dlq",
	}
}

type registration struct {
	queue        string
	queueHandler QueueHandler
	rpcHandler   RPCHandler
}

// Dispatcher owns the consumer dispatch loop. It subscribes to queue
// topics, unwraps envelopes, resolves tenant scope, and invokes the
// registered handler for the message's mode.
type Dispatcher struct {
	router   *message.Router
	sub      message.Subscriber
	pub      message.Publisher
	resolver TenantResolver

	mu            sync.Mutex
	registrations map[string]*registration
	running       bool
}

// Option configures optional dispatcher behavior.
type Option func(*Dispatcher)

// WithTenantResolver installs a resolver run before every handler.
func WithTenantResolver(r TenantResolver) Option {
	return func(d *Dispatcher) {
		d.resolver = r
	}
}

// New creates a dispatcher over the given subscriber and publisher. The
// publisher carries RPC replies and, when configured, poisoned messages.
func New(cfg Config, sub message.Subscriber, pub message.Publisher, opts ...Option) (*Dispatcher, error) {
	logger := logging.NewWatermillAdapter()

	router, err := message.NewRouter(message.RouterConfig{
		CloseTimeout: cfg.CloseTimeout,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("create router: %w", err)
	}

	router.AddMiddleware(middleware.Recoverer)

	retry := middleware.Retry{
		MaxRetries:      cfg.RetryMaxRetries,
		InitialInterval: cfg.RetryInitialInterval,
		MaxInterval:     cfg.RetryMaxInterval,
		Multiplier:      cfg.RetryMultiplier,
		Logger:          logger,
	}
	router.AddMiddleware(retry.Middleware)

	if cfg.PoisonQueueTopic != "" && pub != nil {
		poison, err := middleware.PoisonQueue(pub, cfg.PoisonQueueTopic)
		if err != nil {
			return nil, fmt.Errorf("create poison queue middleware: %w", err)
		}
		router.AddMiddleware(poison)
	}

	d := &Dispatcher{
		router:        router,
		sub:           sub,
		pub:           pub,
		registrations: make(map[string]*registration),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// HandleQueue registers the fire-and-forget handler for a queue.
func (d *Dispatcher) HandleQueue(queue string, h QueueHandler) error {
	if h == nil {
		return fmt.Errorf("queue %s: nil handler", queue)
	}
	return d.register(queue, func(reg *registration) error {
		if reg.queueHandler != nil {
			return fmt.Errorf("%w: queue %s (fire-and-forget)", ErrDuplicateHandler, queue)
		}
		reg.queueHandler = h
		return nil
	})
}

// HandleRPC registers the RPC handler for a queue.
func (d *Dispatcher) HandleRPC(queue string, h RPCHandler) error {
	if h == nil {
		return fmt.Errorf("queue %s: nil handler", queue)
	}
	return d.register(queue, func(reg *registration) error {
		if reg.rpcHandler != nil {
			return fmt.Errorf("%w: queue %s (rpc)", ErrDuplicateHandler, queue)
		}
		reg.rpcHandler = h
		return nil
	})
}

func (d *Dispatcher) register(queue string, set func(*registration) error) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running {
		return fmt.Errorf("queue %s: %w", queue, ErrRunning)
	}

	reg, ok := d.registrations[queue]
	if !ok {
		reg = &registration{queue: queue}
		if err := set(reg); err != nil {
			return err
		}
		d.registrations[queue] = reg
		d.router.AddConsumerHandler(
			"consume_"+queue,
			envelope.QueueTopic(queue),
			d.sub,
			d.consume(reg),
		)
		return nil
	}
	return set(reg)
}

// Run starts the dispatch loop and blocks until ctx is canceled or Close
// is called. All handlers must be registered before Run.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.mu.Lock()
	d.running = true
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		d.running = false
		d.mu.Unlock()
	}()
	return d.router.Run(ctx)
}

// Running returns a channel that closes once the router is consuming.
func (d *Dispatcher) Running() <-chan struct{} {
	return d.router.Running()
}

// Close stops the dispatcher, waiting up to CloseTimeout for in-flight
// handlers.
func (d *Dispatcher) Close() error {
	return d.router.Close()
}

func (d *Dispatcher) consume(reg *registration) message.NoPublishHandlerFunc {
	return func(msg *message.Message) error {
		env, err := envelope.Unmarshal(msg.Payload)
		if err != nil {
			// Malformed payloads can never succeed on redelivery.
			logging.Error().
				Err(err).
				Str("queue", reg.queue).
				Str("message_uuid", msg.UUID).
				Msg("discarding malformed envelope")
			metrics.RecordDispatch(reg.queue, "unknown", "malformed", 0)
			return nil
		}

		ctx := msg.Context()
		if cid := msg.Metadata.Get(envelope.MetaCorrelationID); cid != "" {
			ctx = logging.ContextWithCorrelationID(ctx, cid)
		}
		ctx = logging.ContextWithTenant(ctx, env.Tenant)

		if d.resolver != nil {
			resolved, err := d.resolver(ctx, env.Tenant)
			if err != nil {
				return d.failResolve(ctx, reg, msg, env, err)
			}
			ctx = resolved
		}

		if envelope.IsRPC(msg) {
			return d.invokeRPC(ctx, reg, msg, env)
		}
		return d.invokeQueue(ctx, reg, env)
	}
}

// failResolve reports a tenant resolution failure through the same
// channel the handler outcome would have used.
func (d *Dispatcher) failResolve(ctx context.Context, reg *registration, msg *message.Message, env *envelope.Envelope, err error) error {
	logging.Ctx(ctx).Error().
		Err(err).
		Str("queue", reg.queue).
		Msg("tenant resolution failed")

	if envelope.IsRPC(msg) {
		metrics.RecordDispatch(reg.queue, "rpc", "resolve_error", 0)
		return d.reply(ctx, reg, msg, envelope.Failure(err))
	}
	metrics.RecordDispatch(reg.queue, "event", "resolve_error", 0)
	return nil
}

func (d *Dispatcher) invokeQueue(ctx context.Context, reg *registration, env *envelope.Envelope) error {
	if reg.queueHandler == nil {
		logging.Ctx(ctx).Warn().
			Str("queue", reg.queue).
			Str("action", env.Action).
			Msg("no fire-and-forget handler registered")
		metrics.RecordDispatch(reg.queue, "event", "unhandled", 0)
		return nil
	}

	start := time.Now()
	err := safeInvoke(func() error {
		return reg.queueHandler(ctx, env)
	})
	if err != nil {
		logging.Ctx(ctx).Error().
			Err(err).
			Str("queue", reg.queue).
			Str("action", env.Action).
			Msg("fire-and-forget handler failed")
		metrics.RecordDispatch(reg.queue, "event", "error", time.Since(start))
		return nil
	}

	metrics.RecordDispatch(reg.queue, "event", "success", time.Since(start))
	return nil
}

func (d *Dispatcher) invokeRPC(ctx context.Context, reg *registration, msg *message.Message, env *envelope.Envelope) error {
	var res *envelope.Result

	if reg.rpcHandler == nil {
		res = envelope.Failure(fmt.Errorf("no rpc handler registered for queue %s", reg.queue))
		metrics.RecordDispatch(reg.queue, "rpc", "unhandled", 0)
		return d.reply(ctx, reg, msg, res)
	}

	start := time.Now()
	var value any
	err := safeInvoke(func() error {
		var herr error
		value, herr = reg.rpcHandler(ctx, env)
		return herr
	})

	switch {
	case err != nil:
		logging.Ctx(ctx).Error().
			Err(err).
			Str("queue", reg.queue).
			Str("action", env.Action).
			Msg("rpc handler failed")
		metrics.RecordDispatch(reg.queue, "rpc", "error", time.Since(start))
		res = envelope.Failure(err)
	default:
		var serr error
		res, serr = envelope.Success(value)
		if serr != nil {
			logging.Ctx(ctx).Error().
				Err(serr).
				Str("queue", reg.queue).
				Msg("rpc result not serializable")
			res = envelope.Failure(serr)
			metrics.RecordDispatch(reg.queue, "rpc", "error", time.Since(start))
		} else {
			metrics.RecordDispatch(reg.queue, "rpc", "success", time.Since(start))
		}
	}

	return d.reply(ctx, reg, msg, res)
}

// reply publishes an RPC result back to the caller's reply topic. A
// publish failure is returned so the transport redelivers; everything
// else is consumed.
func (d *Dispatcher) reply(ctx context.Context, reg *registration, msg *message.Message, res *envelope.Result) error {
	replyTo := msg.Metadata.Get(envelope.MetaReplyTo)
	correlationID := msg.Metadata.Get(envelope.MetaCorrelationID)
	if replyTo == "" || correlationID == "" {
		logging.Ctx(ctx).Warn().
			Str("queue", reg.queue).
			Msg("rpc message missing reply metadata")
		return nil
	}

	reply, err := envelope.NewReplyMessage(correlationID, res)
	if err != nil {
		logging.Ctx(ctx).Error().
			Err(err).
			Str("queue", reg.queue).
			Msg("encoding rpc reply failed")
		return nil
	}

	if err := d.pub.Publish(replyTo, reply); err != nil {
		return fmt.Errorf("publish rpc reply for %s: %w", reg.queue, err)
	}
	return nil
}

// safeInvoke runs fn and converts a panic into an error so a misbehaving
// handler cannot take down the shared consumer.
func safeInvoke(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return fn()
}
