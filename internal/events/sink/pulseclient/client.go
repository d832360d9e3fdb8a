// Package pulseclient wraps goa.design/pulse streams behind a small
// interface so the events package can publish turn events to Redis-backed
// streams without depending on the Pulse API directly.
package pulseclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"
)

// Options configures the Client.
type Options struct {
	// Redis is the connection backing every Pulse stream. Required.
	Redis *redis.Client
	// StreamMaxLen bounds the number of entries retained per stream. Zero
	// uses the Pulse default.
	StreamMaxLen int
	// StreamOptions returns extra per-stream options, invoked once per
	// Stream call with the stream name.
	StreamOptions func(name string) []streamopts.Stream
	// OperationTimeout bounds individual Add calls. Zero means no timeout.
	OperationTimeout time.Duration
}

// Client exposes the subset of Pulse operations the turn event sink needs.
type Client interface {
	// Stream returns a handle to the named stream, creating it if needed.
	Stream(name string, opts ...streamopts.Stream) (Stream, error)
	// Close releases client-owned resources. Callers that own the Redis
	// connection separately may treat this as a no-op.
	Close(ctx context.Context) error
}

// Stream publishes events to, and reads them back from, one Pulse stream.
type Stream interface {
	// Add publishes an event, returning the Redis-assigned entry id.
	Add(ctx context.Context, event string, payload []byte) (string, error)
	// NewSink opens a consumer-group reader on this stream.
	NewSink(ctx context.Context, name string, opts ...streamopts.Sink) (Sink, error)
	// Destroy deletes the stream and all its entries.
	Destroy(ctx context.Context) error
}

// Sink is a consumer-group reader over a Pulse stream.
type Sink interface {
	Subscribe() <-chan *streaming.Event
	Ack(ctx context.Context, event *streaming.Event) error
	Close(ctx context.Context)
}

type client struct {
	redis        *redis.Client
	maxLen       int
	streamOptsFn func(name string) []streamopts.Stream
	timeout      time.Duration
}

// New constructs a Client backed by the given Redis connection.
func New(opts Options) (Client, error) {
	if opts.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	return &client{
		redis:        opts.Redis,
		maxLen:       opts.StreamMaxLen,
		streamOptsFn: opts.StreamOptions,
		timeout:      opts.OperationTimeout,
	}, nil
}

func (c *client) Stream(name string, opts ...streamopts.Stream) (Stream, error) {
	if name == "" {
		return nil, errors.New("stream name is required")
	}
	var streamOptions []streamopts.Stream
	if c.maxLen > 0 {
		streamOptions = append(streamOptions, streamopts.WithStreamMaxLen(c.maxLen))
	}
	if c.streamOptsFn != nil {
		streamOptions = append(streamOptions, c.streamOptsFn(name)...)
	}
	streamOptions = append(streamOptions, opts...)
	str, err := streaming.NewStream(name, c.redis, streamOptions...)
	if err != nil {
		return nil, fmt.Errorf("create pulse stream: %w", err)
	}
	return &handle{stream: str, timeout: c.timeout}, nil
}

// Close is a no-op: callers typically own the Redis connection lifecycle.
func (c *client) Close(ctx context.Context) error {
	return nil
}

type handle struct {
	stream  *streaming.Stream
	timeout time.Duration
}

func (h *handle) Add(ctx context.Context, event string, payload []byte) (string, error) {
	if event == "" {
		return "", errors.New("event name is required")
	}
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}
	id, err := h.stream.Add(ctx, event, payload)
	if err != nil {
		return "", fmt.Errorf("pulse add: %w", err)
	}
	return id, nil
}

func (h *handle) NewSink(ctx context.Context, name string, opts ...streamopts.Sink) (Sink, error) {
	s, err := h.stream.NewSink(ctx, name, opts...)
	if err != nil {
		return nil, err
	}
	return &sinkAdapter{Sink: s}, nil
}

func (h *handle) Destroy(ctx context.Context) error {
	return h.stream.Destroy(ctx)
}

type sinkAdapter struct {
	*streaming.Sink
}

func (s sinkAdapter) Close(ctx context.Context) {
	s.Sink.Close(ctx)
}
