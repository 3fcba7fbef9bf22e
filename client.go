package sentry_capture

import (
	"context"
	"fmt"
	"io"

	"github.com/roadrunner-server/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// ClientOption configures a Client
type ClientOption func(*Client)

// WithSender replaces the HTTP transport built from the configuration
func WithSender(s Sender) ClientOption {
	return func(c *Client) {
		c.sender = s
	}
}

// WithOfflineQueue replaces the queue built from the configuration
func WithOfflineQueue(q *OfflineQueue) ClientOption {
	return func(c *Client) {
		c.queue = q
	}
}

// WithBuilderOptions passes options to the event builder, e.g. WithHostInfo or WithEnrichers
func WithBuilderOptions(opts ...BuilderOption) ClientOption {
	return func(c *Client) {
		c.builderOpts = append(c.builderOpts, opts...)
	}
}

// WithTransportOptions passes options to the HTTP transport, e.g. WithScrubber
func WithTransportOptions(opts ...TransportOption) ClientOption {
	return func(c *Client) {
		c.transportOpts = append(c.transportOpts, opts...)
	}
}

// WithQueueOptions passes options to the offline queue, e.g. WithConnectivity
func WithQueueOptions(opts ...QueueOption) ClientOption {
	return func(c *Client) {
		c.queueOpts = append(c.queueOpts, opts...)
	}
}

// WithRequestProvider sets how the request being served is found for a capture
func WithRequestProvider(p RequestContextProvider) ClientOption {
	return func(c *Client) {
		c.requests = p
	}
}

// WithClientMetrics records capture activity on m
func WithClientMetrics(m *Metrics) ClientOption {
	return func(c *Client) {
		c.metrics = m
	}
}

// Client builds events, sends them right away and falls back to the offline
// queue when the endpoint cannot be reached
type Client struct {
	dsn      *DSN
	logger   *zap.Logger
	builder  *Builder
	sender   Sender
	queue    *OfflineQueue
	metrics  *Metrics
	requests RequestContextProvider

	builderOpts   []BuilderOption
	transportOpts []TransportOption
	queueOpts     []QueueOption
}

// NewClient wires a client from the configuration. The DSN is required
func NewClient(cfg *Config, logger *zap.Logger, opts ...ClientOption) (*Client, error) {
	const op = errors.Op("sentry_capture_new_client")

	if cfg == nil || cfg.DSN == "" {
		return nil, errors.E(op, ErrNotConfigured)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	dsn, err := ParseDSN(cfg.DSN)
	if err != nil {
		return nil, errors.E(op, err)
	}

	c := &Client{
		dsn:      dsn,
		logger:   logger,
		requests: ContextRequestProvider,
	}
	for _, opt := range opts {
		opt(c)
	}

	builderOpts := append([]BuilderOption{WithLoggerName(cfg.Logger)}, c.builderOpts...)
	c.builder = NewBuilder(builderOpts...)

	if c.sender == nil {
		transportOpts := c.transportOpts
		if cfg.Scrub.Enabled {
			scrubber, err := NewPatternScrubber(cfg.Scrub.Patterns...)
			if err != nil {
				return nil, errors.E(op, err)
			}
			transportOpts = append([]TransportOption{WithScrubber(scrubber)}, transportOpts...)
		}

		transport, err := NewHTTPTransport(&cfg.Transport, dsn, logger, transportOpts...)
		if err != nil {
			return nil, errors.E(op, err)
		}
		c.sender = transport
	}

	if c.queue == nil {
		queueOpts := append([]QueueOption{WithMetrics(c.metrics)}, c.queueOpts...)
		c.queue, err = NewOfflineQueue(&cfg.Queue, logger, queueOpts...)
		if err != nil {
			return nil, errors.E(op, err)
		}
	}
	c.metrics.observeQueue(c.queue)

	return c, nil
}

// Project returns the project identifier events are reported under
func (c *Client) Project() string {
	return c.dsn.ProjectID
}

// Queue returns the offline queue
func (c *Client) Queue() *OfflineQueue {
	return c.queue
}

// CaptureMessage reports message, info level unless overridden
func (c *Client) CaptureMessage(ctx context.Context, message string, opts ...EventOption) (string, error) {
	event, err := c.builder.FromMessage(c.dsn.ProjectID, message, c.eventOptions(ctx, opts)...)
	if err != nil {
		return "", err
	}
	return c.capture(ctx, event)
}

// CaptureException reports cause and its chain, error level unless overridden
func (c *Client) CaptureException(ctx context.Context, cause error, opts ...EventOption) (string, error) {
	event, err := c.builder.FromException(c.dsn.ProjectID, cause, c.eventOptions(ctx, opts)...)
	if err != nil {
		return "", err
	}
	return c.capture(ctx, event)
}

// CapturePanic reports a value returned by recover(). Call it from the
// deferred function so the panicking stack is recorded
func (c *Client) CapturePanic(ctx context.Context, recovered any, opts ...EventOption) (string, error) {
	event, err := c.builder.FromPanic(c.dsn.ProjectID, recovered, c.eventOptions(ctx, opts)...)
	if err != nil {
		return "", err
	}
	return c.capture(ctx, event)
}

// capture sends the event and returns the acknowledged id. On a transient
// failure the event is queued and the delivery error still returned. When
// queueing fails too, the error also matches ErrNotQueued
func (c *Client) capture(ctx context.Context, event *Event) (string, error) {
	c.metrics.IncCapturedEvents(event.Level)

	id, err := c.sender.Send(ctx, event)
	if err == nil {
		c.metrics.IncSuccessfulEvents()
		return id, nil
	}

	if !IsTransient(err) {
		c.metrics.IncDroppedEvents(reasonSendError)
		c.logger.Error("Event rejected by server",
			zap.String("event_id", event.EventID),
			zap.Error(err))
		return "", err
	}

	key, qerr := c.queue.Enqueue(event)
	if qerr != nil {
		c.metrics.IncDroppedEvents(reasonQueueWrite)
		c.logger.Error("Failed to store event for later delivery",
			zap.String("event_id", event.EventID),
			zap.Error(qerr))
		return "", fmt.Errorf("%w; %w: %w", err, ErrNotQueued, qerr)
	}

	c.logger.Warn("Event delivery failed, stored for retry",
		zap.String("event_id", event.EventID),
		zap.String("key", key),
		zap.Error(err))
	return "", err
}

func (c *Client) eventOptions(ctx context.Context, opts []EventOption) []EventOption {
	if c.requests == nil {
		return opts
	}
	r := c.requests(ctx)
	if r == nil {
		return opts
	}
	return append([]EventOption{WithRequest(r)}, opts...)
}

// Recover is meant to be deferred at the top of a goroutine. It stores the
// panic in the offline queue without touching the network, then panics again.
// Failures while storing are logged and never replace the original panic.
//
//	defer client.Recover()
func (c *Client) Recover() {
	rec := recover()
	if rec == nil {
		return
	}
	c.store(rec)
	panic(rec)
}

func (c *Client) store(rec any) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Panic while storing crash report", zap.Any("panic", r))
		}
	}()

	event, err := c.builder.FromPanic(c.dsn.ProjectID, rec)
	if err != nil {
		c.logger.Error("Failed to build crash report", zap.Error(err))
		return
	}
	c.metrics.IncCapturedEvents(event.Level)

	key, err := c.queue.Enqueue(event)
	if err != nil {
		c.metrics.IncDroppedEvents(reasonQueueWrite)
		c.logger.Error("Failed to store crash report",
			zap.String("event_id", event.EventID),
			zap.Error(err))
		return
	}
	c.logger.Info("Crash report stored for the next sweep",
		zap.String("event_id", event.EventID),
		zap.String("key", key))
}

// Go runs fn on a new goroutine. A panic in fn is reported and does not
// crash the process
func (c *Client) Go(fn func()) {
	go func() {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			id, err := c.CapturePanic(context.Background(), rec)
			if err != nil {
				c.logger.Error("Recovered panic in goroutine",
					zap.Any("panic", rec),
					zap.Error(err))
				return
			}
			c.logger.Error("Recovered panic in goroutine",
				zap.Any("panic", rec),
				zap.String("event_id", id))
		}()
		fn()
	}()
}

// Flush sweeps the offline queue once
func (c *Client) Flush(ctx context.Context) (DrainStats, error) {
	return c.queue.DrainAll(ctx, c.sender)
}

// Close releases the transport and stops accepting queue writes
func (c *Client) Close() error {
	var err error
	if closer, ok := c.sender.(io.Closer); ok {
		err = multierr.Append(err, closer.Close())
	}
	return multierr.Append(err, c.queue.Close())
}
