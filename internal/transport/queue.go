package transport

import (
	"context"
	"log"
	"sync"
)

// DefaultQueueSize bounds the outbound queue.
const DefaultQueueSize = 100

// Queue is the bounded at-least-once fallback path for all outbound
// traffic. Sends that fail, or that arrive while the transport is
// down, are buffered here and retried on reconnect. When the queue is
// full the oldest message is evicted, never the newest.
type Queue struct {
	transport Transport
	max       int

	mu      sync.Mutex
	pending []Message
}

// NewQueue creates a Queue over a transport with the given bound.
// A bound <= 0 uses DefaultQueueSize.
func NewQueue(t Transport, max int) *Queue {
	if max <= 0 {
		max = DefaultQueueSize
	}
	return &Queue{transport: t, max: max}
}

// Enqueue appends a message, evicting from the head at capacity.
func (q *Queue) Enqueue(msg Message) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) >= q.max {
		log.Println("[queue] outbound queue full, dropping oldest message")
		q.pending = q.pending[1:]
	}
	q.pending = append(q.pending, msg)
}

// Len returns the number of buffered messages.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Pending returns a snapshot of the buffered messages in order.
func (q *Queue) Pending() []Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Message, len(q.pending))
	copy(out, q.pending)
	return out
}

// SafeSend sends msg directly if the transport is connected, and
// enqueues it on disconnect or send failure. It never returns an
// error: the queue is the loss bound.
func (q *Queue) SafeSend(ctx context.Context, msg Message) {
	if q.transport.Status() != StatusConnected {
		q.Enqueue(msg)
		return
	}
	if err := q.transport.Send(ctx, msg); err != nil {
		log.Printf("[queue] send failed: %v", err)
		q.Enqueue(msg)
	}
}

// Drain pops-and-sends from the head while the transport reports
// connected. On a send failure the failed message goes back to the
// head and draining stops, preserving order.
func (q *Queue) Drain(ctx context.Context) {
	for {
		q.mu.Lock()
		if len(q.pending) == 0 || q.transport.Status() != StatusConnected {
			q.mu.Unlock()
			return
		}
		msg := q.pending[0]
		q.pending = q.pending[1:]
		q.mu.Unlock()

		if err := q.transport.Send(ctx, msg); err != nil {
			log.Printf("[queue] drain interrupted: %v", err)
			q.mu.Lock()
			q.pending = append([]Message{msg}, q.pending...)
			q.mu.Unlock()
			return
		}
	}
}
