package bus

import (
	"sync/atomic"
	"testing"
)

func TestPublishDeliversToSpecificAndWildcard(t *testing.T) {
	b := New()

	var specific, wild int32
	b.Subscribe("worker_unhealthy", func(Event) { atomic.AddInt32(&specific, 1) })
	b.Subscribe("", func(Event) { atomic.AddInt32(&wild, 1) })

	b.Publish(Event{Kind: "worker_unhealthy"})
	b.Publish(Event{Kind: "health_check_failed"})

	if got := atomic.LoadInt32(&specific); got != 1 {
		t.Fatalf("specific handler calls = %d, want 1", got)
	}
	if got := atomic.LoadInt32(&wild); got != 2 {
		t.Fatalf("wildcard handler calls = %d, want 2", got)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New()

	var calls int32
	sub := b.Subscribe("ping", func(Event) { atomic.AddInt32(&calls, 1) })

	b.Publish(Event{Kind: "ping"})
	sub.Unsubscribe()
	sub.Unsubscribe() // must be idempotent
	b.Publish(Event{Kind: "ping"})

	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("calls after unsubscribe = %d, want 1", got)
	}
}

func TestEventCarriesPayload(t *testing.T) {
	b := New()

	var got any
	b.Subscribe("memory_threshold_exceeded", func(e Event) { got = e.Data })

	type alert struct{ Field string }
	b.Publish(Event{Kind: "memory_threshold_exceeded", Data: alert{Field: "rss"}})

	a, ok := got.(alert)
	if !ok || a.Field != "rss" {
		t.Fatalf("payload = %#v, want alert{Field: rss}", got)
	}
}
