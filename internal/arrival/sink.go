package arrival

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/waypoint/model"
)

// Sink receives accepted transitions in causal order.
type Sink interface {
	Publish(ctx context.Context, ev model.Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, ev model.Event) error

// Publish implements Sink.
func (f SinkFunc) Publish(ctx context.Context, ev model.Event) error { return f(ctx, ev) }

// ErrQueueFull is returned by QueueSink when its buffer is full.
var ErrQueueFull = errors.New("arrival: event queue full")

// ErrQueueClosed is returned by QueueSink after Close.
var ErrQueueClosed = errors.New("arrival: event queue closed")

// QueueSink buffers events on a channel for an in-process consumer. Publish
// never blocks; a full queue drops the event and reports ErrQueueFull.
type QueueSink struct {
	mu     sync.RWMutex
	ch     chan model.Event
	closed bool
}

// NewQueueSink creates a queue with the given capacity.
func NewQueueSink(capacity int) *QueueSink {
	if capacity <= 0 {
		capacity = 1024
	}
	return &QueueSink{ch: make(chan model.Event, capacity)}
}

// Publish implements Sink.
func (q *QueueSink) Publish(ctx context.Context, ev model.Event) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case q.ch <- ev:
		return nil
	default:
		return ErrQueueFull
	}
}

// Events returns the receive side of the queue. It is closed by Close.
func (q *QueueSink) Events() <-chan model.Event { return q.ch }

// Close stops accepting events and closes the channel.
func (q *QueueSink) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
}

// DefaultRedisChannel is the pub/sub channel used by RedisSink.
const DefaultRedisChannel = "waypoint:arrival:events"

// RedisSink publishes events as JSON on a redis pub/sub channel so other
// services can observe arrivals.
type RedisSink struct {
	client  redis.Cmdable
	channel string
}

// NewRedisSink creates a sink publishing on channel, or DefaultRedisChannel.
func NewRedisSink(client redis.Cmdable, channel string) *RedisSink {
	if channel == "" {
		channel = DefaultRedisChannel
	}
	return &RedisSink{client: client, channel: channel}
}

// Publish implements Sink.
func (s *RedisSink) Publish(ctx context.Context, ev model.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal arrival event: %w", err)
	}
	if err := s.client.Publish(ctx, s.channel, payload).Err(); err != nil {
		return fmt.Errorf("redis publish %q: %w", s.channel, err)
	}
	return nil
}

// NamedSink pairs a sink with the label used in logs and metrics.
type NamedSink struct {
	Name string
	Sink Sink
}

// MultiSink delivers each event to every sink in order. A failing sink does
// not prevent delivery to the others; the failures are joined.
type MultiSink []NamedSink

// Publish implements Sink.
func (m MultiSink) Publish(ctx context.Context, ev model.Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Sink.Publish(ctx, ev); err != nil {
			errs = append(errs, &SinkError{Sink: s.Name, Err: err})
		}
	}
	return errors.Join(errs...)
}

// SinkError identifies the sink that failed.
type SinkError struct {
	Sink string
	Err  error
}

func (e *SinkError) Error() string { return fmt.Sprintf("sink %s: %v", e.Sink, e.Err) }

func (e *SinkError) Unwrap() error { return e.Err }
