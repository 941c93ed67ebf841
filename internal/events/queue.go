package events

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/zhiheng-yu/transcriptor/internal/observability"
)

// DefaultQueueSize bounds the events one connection may have waiting
const DefaultQueueSize = 64

// ErrQueueFull is returned when events arrive faster than Kafka takes them
var ErrQueueFull = errors.New("event queue full")

// Queue publishes one connection's events in order from a single goroutine,
// so a slow broker never holds up the connection's replies. Events that do
// not fit are dropped.
//
// Enqueueing must not race with Close.
type Queue struct {
	p      *Publisher
	events chan queued
	done   chan struct{}
	once   sync.Once
}

type queued struct {
	final bool
	ev    Transcript
}

// NewQueue starts a queue feeding p. A nil publisher gives a nil queue, on
// which every method is a no-op.
func (p *Publisher) NewQueue(size int) *Queue {
	if p == nil {
		return nil
	}
	if size <= 0 {
		size = DefaultQueueSize
	}
	q := &Queue{
		p:      p,
		events: make(chan queued, size),
		done:   make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *Queue) run() {
	defer close(q.done)
	for item := range q.events {
		// not tied to the connection: events queued before a disconnect
		// still go out, bounded by the writer's WriteTimeout
		ctx := context.Background()
		if item.final {
			_ = q.p.PublishFinal(ctx, item.ev)
		} else {
			_ = q.p.PublishPartial(ctx, item.ev)
		}
	}
}

// PublishPartial queues an in-progress transcript
func (q *Queue) PublishPartial(ev Transcript) error {
	return q.enqueue(queued{ev: ev})
}

// PublishFinal queues a finalized sentence
func (q *Queue) PublishFinal(ev Transcript) error {
	return q.enqueue(queued{final: true, ev: ev})
}

func (q *Queue) enqueue(item queued) error {
	if q == nil {
		return nil
	}
	if item.ev.Timestamp.IsZero() {
		item.ev.Timestamp = time.Now().UTC()
	}
	select {
	case q.events <- item:
		return nil
	default:
	}

	topic := q.p.topicPartial
	if item.final {
		topic = q.p.topicFinal
	}
	observability.RecordPublish(topic, ErrQueueFull)
	q.p.logger.Warn().
		Str("topic", topic).
		Str("session_id", item.ev.SessionID).
		Int("queued", len(q.events)).
		Msg("Event queue full, dropping event")
	return ErrQueueFull
}

// Close stops accepting events. What is already queued is still published;
// Wait blocks until it has been.
func (q *Queue) Close() {
	if q == nil {
		return
	}
	q.once.Do(func() { close(q.events) })
}

// Wait blocks until a closed queue has drained
func (q *Queue) Wait() {
	if q == nil {
		return
	}
	<-q.done
}
