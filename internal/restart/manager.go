// Package restart implements the restart manager (C7): guarded restart
// attempts with an exponential backoff schedule and a circuit breaker
// (spec §4.7). It observes C4/C5/C6 events over the bus rather than
// holding direct references to them (spec §9 design notes).
package restart

import (
	"context"
	"sync"
	"time"

	"github.com/fieldstack/supervisor/internal/bus"
	"github.com/fieldstack/supervisor/internal/config"
	"github.com/fieldstack/supervisor/internal/faults"
	"github.com/fieldstack/supervisor/internal/threadmgr"
)

const (
	EventRestartAttempted = "restart_attempted"
	EventRestartSucceeded = "restart_succeeded"
	EventRestartFailed    = "restart_failed"
	EventRestartRefused   = "restart_refused"
)

// Target is the narrow command interface the restart manager drives; in
// production it is a *threadmgr.Manager.
type Target interface {
	Start(ctx context.Context) threadmgr.StartResult
	Stop(ctx context.Context, graceful bool) threadmgr.StopResult
}

// RestartAttempt records one restart attempt (spec §3).
type RestartAttempt struct {
	AttemptNumber int
	Timestamp     time.Time
	Reason        string
	Success       bool
	Error         string
}

// Result is what TriggerRestart returns to its caller (shaped like the
// façade's restart() response, spec §6).
type Result struct {
	Success      bool
	ThreadID     string
	RestartTime  time.Time
	RestartCount int
	Error        string
}

// Manager is C7.
type Manager struct {
	workerID string
	cfg      config.RestartManager
	target   Target
	bus      *bus.Bus
	breaker  *breaker

	mu               sync.Mutex
	currentAttempts  int
	restartInFlight  bool
	history          []RestartAttempt
	resetTimer       *time.Timer
}

func New(workerID string, cfg config.RestartManager, target Target, b *bus.Bus) *Manager {
	m := &Manager{workerID: workerID, cfg: cfg, target: target, bus: b}
	m.breaker = newBreaker(cfg.BreakerThreshold, time.Duration(cfg.BreakerResetMS)*time.Millisecond)
	if b != nil {
		b.Subscribe("worker_unhealthy", func(bus.Event) { go m.TriggerRestart("worker_unhealthy") })
		b.Subscribe("auto_restart_triggered", func(bus.Event) { go m.TriggerRestart("auto_restart_triggered") })
		b.Subscribe("worker_runtime_error", func(bus.Event) { go m.TriggerRestart("worker_runtime_error") })
	}
	return m
}

// CurrentAttempts exposes the live counter, mostly for tests and status
// snapshots.
func (m *Manager) CurrentAttempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentAttempts
}

// History returns a copy of every recorded restart attempt.
func (m *Manager) History() []RestartAttempt {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]RestartAttempt(nil), m.history...)
}

// BreakerState reports the circuit breaker's current state, exposed for
// status() snapshots.
func (m *Manager) BreakerState() string {
	return string(m.breaker.currentState())
}

// TriggerRestart evaluates the guards from spec §4.7 and, if admitted,
// performs stop() then start() on the target after a backoff delay. A
// trigger received while one is already in flight is coalesced: it
// returns immediately without starting a second attempt.
func (m *Manager) TriggerRestart(reason string) Result {
	m.mu.Lock()
	if m.restartInFlight {
		m.mu.Unlock()
		return Result{Error: "coalesced"}
	}
	if m.currentAttempts >= m.cfg.MaxAttempts {
		m.mu.Unlock()
		m.publish(EventRestartRefused, reason, faults.ErrMaxAttemptsExceeded)
		return Result{Error: "MaxAttemptsExceeded"}
	}
	if m.cfg.EnableCircuitBreaker && !m.breaker.allow() {
		m.mu.Unlock()
		m.publish(EventRestartRefused, reason, faults.ErrCircuitOpen)
		return Result{Error: "CircuitOpen"}
	}
	m.restartInFlight = true
	attempt := m.currentAttempts
	m.currentAttempts++
	if m.resetTimer != nil {
		m.resetTimer.Stop()
		m.resetTimer = nil
	}
	m.mu.Unlock()

	delay := backoffDelay(
		time.Duration(m.cfg.InitialDelayMS)*time.Millisecond,
		time.Duration(m.cfg.MaxDelayMS)*time.Millisecond,
		m.cfg.BackoffMultiplier,
		attempt,
	)
	time.Sleep(delay)

	ctx := context.Background()
	m.target.Stop(ctx, true)
	startResult := m.target.Start(ctx)

	record := RestartAttempt{
		AttemptNumber: attempt + 1,
		Timestamp:     time.Now(),
		Reason:        reason,
		Success:       startResult.Success,
	}
	if !startResult.Success {
		record.Error = startResult.Error
	}

	m.mu.Lock()
	m.history = append(m.history, record)
	m.restartInFlight = false
	m.mu.Unlock()

	if m.cfg.EnableCircuitBreaker {
		m.breaker.record(startResult.Success)
	}

	if startResult.Success {
		m.scheduleCounterReset()
		m.publishSuccess(reason, startResult)
		return Result{Success: true, ThreadID: startResult.ThreadID, RestartTime: startResult.StartTime, RestartCount: attempt + 1}
	}

	m.publish(EventRestartFailed, reason, nil)
	return Result{Error: startResult.Error}
}

// scheduleCounterReset zeroes current_attempts after reset_counter_after_ms
// of continuous Running with no new faults (spec §4.7). A subsequent
// TriggerRestart cancels the pending timer, since that implies the
// stable-operation window was interrupted.
func (m *Manager) scheduleCounterReset() {
	if m.cfg.ResetCounterAfterMS <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.resetTimer != nil {
		m.resetTimer.Stop()
	}
	m.resetTimer = time.AfterFunc(time.Duration(m.cfg.ResetCounterAfterMS)*time.Millisecond, func() {
		m.mu.Lock()
		m.currentAttempts = 0
		m.mu.Unlock()
	})
}

func (m *Manager) publish(kind, reason string, err error) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(bus.Event{Kind: kind, Data: map[string]any{"workerId": m.workerID, "reason": reason, "error": err}})
}

func (m *Manager) publishSuccess(reason string, r threadmgr.StartResult) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(bus.Event{Kind: EventRestartSucceeded, Data: map[string]any{"workerId": m.workerID, "reason": reason, "threadId": r.ThreadID}})
}
