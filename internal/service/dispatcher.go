package service

import (
	"context"
	"sync"
	"time"

	"github.com/fieldstack/supervisor/internal/envelope"
	"github.com/fieldstack/supervisor/internal/faults"
	"github.com/fieldstack/supervisor/internal/messaging"
	"github.com/fieldstack/supervisor/internal/queue"
)

// dispatcher is the scheduler spec §2 describes: it drains C3 and hands
// each message to C2, then routes the eventual result back to whichever
// Send() call is waiting on that message's correlation id.
type dispatcher struct {
	q *queue.Queue
	h *messaging.Handler

	mu      sync.Mutex
	waiters map[string]chan messaging.Result

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func newDispatcher(q *queue.Queue, h *messaging.Handler) *dispatcher {
	return &dispatcher{q: q, h: h, waiters: make(map[string]chan messaging.Result)}
}

func (d *dispatcher) register(requestID string) chan messaging.Result {
	ch := make(chan messaging.Result, 1)
	d.mu.Lock()
	d.waiters[requestID] = ch
	d.mu.Unlock()
	return ch
}

func (d *dispatcher) unregister(requestID string) {
	d.mu.Lock()
	delete(d.waiters, requestID)
	d.mu.Unlock()
}

func (d *dispatcher) start() {
	d.stopCh = make(chan struct{})
	d.wg.Add(1)
	go d.loop()
}

func (d *dispatcher) stop() {
	if d.stopCh != nil {
		close(d.stopCh)
	}
	d.wg.Wait()
}

func (d *dispatcher) loop() {
	defer d.wg.Done()
	for {
		select {
		case <-d.stopCh:
			d.drainRemaining()
			return
		default:
		}

		if err := d.q.WaitForNext(context.Background()); err != nil {
			return
		}
		e, ok := d.q.Dequeue()
		if !ok {
			time.Sleep(5 * time.Millisecond)
			continue
		}
		d.dispatchOne(e)
	}
}

func (d *dispatcher) dispatchOne(env envelope.Envelope) {
	future, err := d.h.Send(env)
	if err != nil {
		d.resolve(env.CorrelationID, messaging.Result{Err: err})
		return
	}
	go func() {
		resp, waitErr := future.Wait(context.Background())
		d.resolve(env.CorrelationID, messaging.Result{Envelope: resp, Err: waitErr})
	}()
}

func (d *dispatcher) resolve(requestID string, result messaging.Result) {
	d.mu.Lock()
	ch, ok := d.waiters[requestID]
	if ok {
		delete(d.waiters, requestID)
	}
	d.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- result:
	default:
	}
}

// drainRemaining fails every still-registered waiter once the dispatcher
// is stopping, so Send() callers don't block forever past Service.Stop.
func (d *dispatcher) drainRemaining() {
	d.mu.Lock()
	remaining := d.waiters
	d.waiters = make(map[string]chan messaging.Result)
	d.mu.Unlock()
	for _, ch := range remaining {
		select {
		case ch <- messaging.Result{Err: faults.ErrCancelled}:
		default:
		}
	}
}
