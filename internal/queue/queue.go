// Package queue implements the priority message queue (C3): four bounded
// FIFO sub-queues with backpressure and optional batching, as specified in
// spec §4.3/§8. It is grounded on the teacher's rate-limiting idiom
// (internal/http/middlewares/rate_limiter.go's per-key bucket accounting)
// generalized from an HTTP request limiter into priority-aware message
// admission control, and paced with golang.org/x/time/rate rather than the
// teacher's hand-rolled fixed window now that pacing is a queue concern
// rather than a per-client one.
package queue

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/fieldstack/supervisor/internal/bus"
	"github.com/fieldstack/supervisor/internal/config"
	"github.com/fieldstack/supervisor/internal/envelope"
	"golang.org/x/time/rate"
)

// DropReason identifies why Enqueue refused a message (spec §4.3).
type DropReason string

const (
	DropQueueFull     DropReason = "queue_full"
	DropBackpressure  DropReason = "backpressure"
)

// DroppedEvent is published on the bus whenever Enqueue drops a message.
type DroppedEvent struct {
	Envelope envelope.Envelope
	Reason   DropReason
}

// QueuedMessage wraps an envelope with retry bookkeeping while it sits in
// a sub-queue (spec §3).
type QueuedMessage struct {
	Envelope      envelope.Envelope
	Attempts      int
	NextAttemptAt time.Time
}

// Queue is the four-level priority FIFO queue.
type Queue struct {
	mu      sync.Mutex
	cfg     config.MessageQueue
	sub     map[envelope.Priority]*list.List
	bus     *bus.Bus
	limiter *rate.Limiter
}

// New builds a Queue from the message_queue config section.
func New(cfg config.MessageQueue, b *bus.Bus) *Queue {
	q := &Queue{
		cfg: cfg,
		sub: make(map[envelope.Priority]*list.List, len(envelope.Priorities)),
		bus: b,
	}
	for _, p := range envelope.Priorities {
		q.sub[p] = list.New()
	}
	if cfg.ProcessingDelayMS > 0 {
		q.limiter = rate.NewLimiter(rate.Every(time.Duration(cfg.ProcessingDelayMS)*time.Millisecond), 1)
	}
	return q
}

func (q *Queue) capFor(p envelope.Priority) int {
	if q.cfg.MaxSizePerPriority != nil {
		if v, ok := q.cfg.MaxSizePerPriority[string(p)]; ok && v > 0 {
			return v
		}
	}
	return q.cfg.MaxSize
}

func (q *Queue) totalLocked() int {
	n := 0
	for _, l := range q.sub {
		n += l.Len()
	}
	return n
}

// Enqueue admits a message, applying the per-priority cap, the
// backpressure rule for LOW priority (spec §4.3) and the total MaxSize
// cap. It returns false and publishes a DroppedEvent when the message is
// refused.
func (q *Queue) Enqueue(e envelope.Envelope) bool {
	q.mu.Lock()

	l := q.sub[e.Priority]
	if l == nil {
		// unknown priority: there is no sub-queue for it, so it is
		// refused as queue_full rather than accepted unbounded.
		q.mu.Unlock()
		q.drop(e, DropQueueFull)
		return false
	}

	if l.Len() >= q.capFor(e.Priority) {
		q.mu.Unlock()
		q.drop(e, DropQueueFull)
		return false
	}

	if q.cfg.EnableBackpressure && e.Priority == envelope.PriorityLow {
		total := q.totalLocked()
		threshold := q.cfg.BackpressureThreshold
		if threshold <= 0 {
			threshold = 0.8
		}
		if float64(total) >= threshold*float64(q.cfg.MaxSize) {
			q.mu.Unlock()
			q.drop(e, DropBackpressure)
			return false
		}
	}

	if q.cfg.MaxSize > 0 && q.totalLocked() >= q.cfg.MaxSize {
		q.mu.Unlock()
		q.drop(e, DropQueueFull)
		return false
	}

	if e.EnqueuedAt.IsZero() {
		e.EnqueuedAt = time.Now().UTC()
	}
	l.PushBack(QueuedMessage{Envelope: e, NextAttemptAt: e.EnqueuedAt})
	q.mu.Unlock()
	return true
}

func (q *Queue) drop(e envelope.Envelope, reason DropReason) {
	if q.bus != nil {
		q.bus.Publish(bus.Event{Kind: "dropped", Data: DroppedEvent{Envelope: e, Reason: reason}})
	}
}

// Dequeue removes and returns the head of the highest non-empty priority
// sub-queue. ok is false if every sub-queue is empty.
func (q *Queue) Dequeue() (envelope.Envelope, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, p := range envelope.Priorities {
		l := q.sub[p]
		if l.Len() == 0 {
			continue
		}
		front := l.Remove(l.Front()).(QueuedMessage)
		return front.Envelope, true
	}
	return envelope.Envelope{}, false
}

// Peek returns the head of the highest non-empty sub-queue without
// removing it.
func (q *Queue) Peek() (envelope.Envelope, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, p := range envelope.Priorities {
		l := q.sub[p]
		if l.Len() == 0 {
			continue
		}
		return l.Front().Value.(QueuedMessage).Envelope, true
	}
	return envelope.Envelope{}, false
}

// DequeueBatch drains up to BatchSize messages when batching is enabled,
// walking priorities high-to-low and taking each one's full run before
// moving to the next (spec §4.3). The reported batch priority is the
// highest priority present in the batch. If batching is disabled it
// behaves like a single-message Dequeue wrapped in a slice.
func (q *Queue) DequeueBatch() ([]envelope.Envelope, envelope.Priority, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	limit := q.cfg.BatchSize
	if !q.cfg.EnableBatching || limit <= 0 {
		limit = 1
	}

	var batch []envelope.Envelope
	var highest envelope.Priority

	for _, p := range envelope.Priorities {
		l := q.sub[p]
		for l.Len() > 0 && len(batch) < limit {
			front := l.Remove(l.Front()).(QueuedMessage)
			if len(batch) == 0 {
				highest = p
			}
			batch = append(batch, front.Envelope)
		}
		if len(batch) >= limit {
			break
		}
	}

	return batch, highest, len(batch) > 0
}

// WaitForNext blocks according to ProcessingDelayMS pacing before a
// consumer is allowed to Dequeue again. It is a no-op when no delay is
// configured.
func (q *Queue) WaitForNext(ctx context.Context) error {
	if q.limiter == nil {
		return nil
	}
	return q.limiter.Wait(ctx)
}

// Len returns the total number of queued messages across all priorities.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.totalLocked()
}

// LenByPriority returns the length of one priority's sub-queue.
func (q *Queue) LenByPriority(p envelope.Priority) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if l := q.sub[p]; l != nil {
		return l.Len()
	}
	return 0
}

// Clear empties every sub-queue.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, p := range envelope.Priorities {
		q.sub[p] = list.New()
	}
}

// ClearPriority empties one sub-queue.
func (q *Queue) ClearPriority(p envelope.Priority) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.sub[p]; ok {
		q.sub[p] = list.New()
	}
}
