package pool

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fieldstack/supervisor/internal/envelope"
	"github.com/fieldstack/supervisor/internal/faults"
	"github.com/fieldstack/supervisor/internal/service"
)

// fakeUnit is a WorkerUnit double cheap enough to spin up dozens of in a
// test: no subprocess, no C2-C9 wiring, just counters and a scriptable
// Send behavior.
type fakeUnit struct {
	id       string
	sendErr  error
	sendWait time.Duration
	starts   int32
	stops    int32
	sends    int32
}

func (f *fakeUnit) Start(ctx context.Context) service.StartResponse {
	atomic.AddInt32(&f.starts, 1)
	return service.StartResponse{Success: true, ThreadID: f.id, StartTime: time.Now()}
}

func (f *fakeUnit) Stop(ctx context.Context, graceful bool) service.StopResponse {
	atomic.AddInt32(&f.stops, 1)
	return service.StopResponse{Success: true, StopTime: time.Now()}
}

func (f *fakeUnit) Send(ctx context.Context, req service.SendRequest) service.SendResponse {
	atomic.AddInt32(&f.sends, 1)
	if f.sendWait > 0 {
		time.Sleep(f.sendWait)
	}
	if f.sendErr != nil {
		return service.SendResponse{Error: f.sendErr}
	}
	return service.SendResponse{Response: envelope.Envelope{Kind: envelope.KindSuccess}}
}

func (f *fakeUnit) Health() service.HealthSnapshot {
	return service.HealthSnapshot{IsHealthy: true}
}

func testConfig() Config {
	return Config{
		MinThreads:        2,
		MaxThreads:        4,
		Strategy:          StrategyRoundRobin,
		PendingQueueLimit: 100,
	}
}

func TestStartBringsUpMinThreads(t *testing.T) {
	units := make(map[string]*fakeUnit)
	factory := func(id string) WorkerUnit {
		u := &fakeUnit{id: id}
		units[id] = u
		return u
	}
	p := New(testConfig(), factory, nil)
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer p.Stop(context.Background(), true)

	if p.Len() != 2 {
		t.Fatalf("worker count = %d, want 2 (min_threads)", p.Len())
	}
}

func TestSubmitDispatchesToIdleWorker(t *testing.T) {
	factory := func(id string) WorkerUnit { return &fakeUnit{id: id} }
	p := New(testConfig(), factory, nil)
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer p.Stop(context.Background(), true)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	resp := p.Submit(ctx, service.SendRequest{Kind: envelope.KindData})
	if resp.Error != nil {
		t.Fatalf("Submit failed: %v", resp.Error)
	}
	if resp.Response.Kind != envelope.KindSuccess {
		t.Fatalf("response kind = %s, want success", resp.Response.Kind)
	}
}

func TestRoundRobinAlternatesWorkers(t *testing.T) {
	factory := func(id string) WorkerUnit { return &fakeUnit{id: id} }
	p := New(testConfig(), factory, nil)
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer p.Stop(context.Background(), true)

	hit := make(map[string]int)
	for i := 0; i < 8; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		resp := p.Submit(ctx, service.SendRequest{Kind: envelope.KindPing})
		cancel()
		if resp.Error != nil {
			t.Fatalf("Submit %d failed: %v", i, resp.Error)
		}
	}
	stats := p.Stats()
	for _, w := range stats.Workers {
		hit[w.WorkerID] = int(w.MessageCount)
	}
	for id, count := range hit {
		if count == 0 {
			t.Fatalf("worker %s never received a dispatch under round_robin", id)
		}
	}
}

func TestScaleUpAndScaleDown(t *testing.T) {
	factory := func(id string) WorkerUnit { return &fakeUnit{id: id} }
	p := New(testConfig(), factory, nil)
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer p.Stop(context.Background(), true)

	added := p.ScaleUp(10)
	if added != 2 {
		t.Fatalf("ScaleUp added %d, want 2 (bounded by max_threads=4)", added)
	}
	if p.Len() != 4 {
		t.Fatalf("worker count = %d, want 4", p.Len())
	}

	removed := p.ScaleDown(10)
	if removed != 2 {
		t.Fatalf("ScaleDown removed %d, want 2 (bounded by min_threads=2)", removed)
	}
	if p.Len() != 2 {
		t.Fatalf("worker count = %d, want 2", p.Len())
	}
}

func TestStopFailsQueuedFuturesWithPoolStopped(t *testing.T) {
	// No Start(): the dispatch loop never runs, so an entry queued directly
	// onto the pending channel stays queued until Stop drains it.
	factory := func(id string) WorkerUnit { return &fakeUnit{id: id} }
	p := New(testConfig(), factory, nil)

	d := pendingDispatch{ctx: context.Background(), req: service.SendRequest{}, result: make(chan service.SendResponse, 1)}
	select {
	case p.pending <- d:
	default:
		t.Fatalf("expected room in the pending queue")
	}

	if err := p.Stop(context.Background(), true); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	select {
	case resp := <-d.result:
		if resp.Error != faults.ErrPoolStopped {
			t.Fatalf("error = %v, want ErrPoolStopped", resp.Error)
		}
	default:
		t.Fatalf("expected the queued future to be resolved by Stop")
	}
}
