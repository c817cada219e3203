package restart

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fieldstack/supervisor/internal/bus"
	"github.com/fieldstack/supervisor/internal/config"
	"github.com/fieldstack/supervisor/internal/threadmgr"
)

type fakeTarget struct {
	mu        sync.Mutex
	startOK   bool
	starts    int32
	stops     int32
}

func (f *fakeTarget) Start(ctx context.Context) threadmgr.StartResult {
	atomic.AddInt32(&f.starts, 1)
	f.mu.Lock()
	ok := f.startOK
	f.mu.Unlock()
	if ok {
		return threadmgr.StartResult{Success: true, ThreadID: "w1", StartTime: time.Now()}
	}
	return threadmgr.StartResult{Error: "spawn_failed"}
}

func (f *fakeTarget) Stop(ctx context.Context, graceful bool) threadmgr.StopResult {
	atomic.AddInt32(&f.stops, 1)
	return threadmgr.StopResult{Success: true, StopTime: time.Now()}
}

func testRestartConfig() config.RestartManager {
	return config.RestartManager{
		MaxAttempts:          5,
		InitialDelayMS:       1,
		MaxDelayMS:           20,
		BackoffMultiplier:    2,
		ResetCounterAfterMS:  0,
		EnableCircuitBreaker: true,
		BreakerThreshold:     3,
		BreakerResetMS:       5000,
	}
}

func TestTriggerRestartSucceeds(t *testing.T) {
	target := &fakeTarget{startOK: true}
	m := New("w1", testRestartConfig(), target, bus.New())

	result := m.TriggerRestart("manual")
	if !result.Success {
		t.Fatalf("expected success, got %+v", result)
	}
	if atomic.LoadInt32(&target.stops) != 1 || atomic.LoadInt32(&target.starts) != 1 {
		t.Fatalf("expected exactly one stop+start, got stops=%d starts=%d", target.stops, target.starts)
	}
}

func TestMaxAttemptsExceededRefuses(t *testing.T) {
	target := &fakeTarget{startOK: false}
	cfg := testRestartConfig()
	cfg.MaxAttempts = 2
	cfg.EnableCircuitBreaker = false
	m := New("w1", cfg, target, bus.New())

	m.TriggerRestart("a")
	m.TriggerRestart("b")
	result := m.TriggerRestart("c")

	if result.Error != "MaxAttemptsExceeded" {
		t.Fatalf("error = %q, want MaxAttemptsExceeded", result.Error)
	}
}

func TestCircuitOpensAfterThresholdFailuresAndBlocksForResetWindow(t *testing.T) {
	target := &fakeTarget{startOK: false}
	cfg := testRestartConfig()
	cfg.MaxAttempts = 100
	cfg.BreakerThreshold = 3
	cfg.BreakerResetMS = 200
	m := New("w1", cfg, target, bus.New())

	m.TriggerRestart("a")
	m.TriggerRestart("b")
	m.TriggerRestart("c")

	result := m.TriggerRestart("d")
	if result.Error != "CircuitOpen" {
		t.Fatalf("error = %q, want CircuitOpen", result.Error)
	}

	time.Sleep(250 * time.Millisecond)
	// After the reset window, one probe is allowed (still fails, so it
	// reopens, but it must have been attempted -- visible via an extra
	// start() call).
	startsBefore := atomic.LoadInt32(&target.starts)
	m.TriggerRestart("e")
	if atomic.LoadInt32(&target.starts) <= startsBefore {
		t.Fatalf("expected the half-open probe to call Start")
	}
}

func TestConcurrentTriggersAreCoalesced(t *testing.T) {
	target := &fakeTarget{startOK: true}
	cfg := testRestartConfig()
	cfg.InitialDelayMS = 100
	m := New("w1", cfg, target, bus.New())

	var wg sync.WaitGroup
	results := make([]Result, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = m.TriggerRestart("concurrent")
		}(i)
	}
	wg.Wait()

	coalesced := 0
	for _, r := range results {
		if r.Error == "coalesced" {
			coalesced++
		}
	}
	if coalesced == 0 {
		t.Fatalf("expected at least one coalesced trigger among concurrent calls")
	}
}
