// Package threadmgr implements the thread manager (C4): it owns exactly
// one worker's OS-level execution context and the bidirectional channel
// to it (spec §4.4). It is grounded on the teacher's
// internal/queue/worker/worker.go lifecycle shape (a Run loop started and
// torn down around a context, with explicit readiness and grace-period
// shutdown) generalized from an in-process goroutine pool to a spawned
// OS subprocess, since the teacher never modeled an external process
// boundary.
package threadmgr

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fieldstack/supervisor/internal/bus"
	"github.com/fieldstack/supervisor/internal/config"
	"github.com/fieldstack/supervisor/internal/envelope"
	"github.com/fieldstack/supervisor/internal/faults"
	"github.com/fieldstack/supervisor/internal/messaging"
)

// Event kinds published on the bus passed to New. The restart manager
// (C7) subscribes to worker_runtime_error, and service forwards the fault
// events to the error handler (C8); thread manager never
// calls either directly (spec §9: "no component stores a direct
// reference to another except through the bus").
const (
	EventStarted        = "worker_started"
	EventStopped         = "worker_stopped"
	EventSpawnFailed     = "worker_startup_error"
	EventCommunication   = "communication_error"
	EventRuntimeError    = "worker_runtime_error"
)

// FaultEvent is published whenever thread manager classifies a failure,
// for C8 to pick up (spec §4.4: "spawn failures raise worker_startup;
// channel I/O failures raise communication; abnormal exits raise
// worker_runtime").
type FaultEvent struct {
	WorkerID string
	Kind     string // mirrors errhandler.Kind's string form without importing it
	Err      error
}

// StartedEvent carries the information the pool/restart manager need
// after a successful start.
type StartedEvent struct {
	WorkerID  string
	StartTime time.Time
}

// StoppedEvent marks a worker fully stopped.
type StoppedEvent struct {
	WorkerID string
	StopTime time.Time
	Reason   string
}

// Manager is C4. One Manager owns one worker process for its entire
// lifetime; restarting means stop() then start() on the same Manager
// (spec §4.7: "call C4.stop() then C4.start()").
type Manager struct {
	id      string
	command string
	args    []string

	cfg     config.ThreadManager
	spawner Spawner
	handler *messaging.Handler
	bus     *bus.Bus
	gen     *envelope.IDGenerator

	stopGrace time.Duration

	mu        sync.Mutex
	state     State
	process   Process
	startTime time.Time
	cancelRead context.CancelFunc
}

// Opts configures a Manager beyond what config.ThreadManager carries.
type Opts struct {
	WorkerID  string
	Command   string
	Args      []string
	StopGrace time.Duration
}

// New constructs a Manager in NotStarted state.
func New(opts Opts, cfg config.ThreadManager, spawner Spawner, handler *messaging.Handler, b *bus.Bus, gen *envelope.IDGenerator) *Manager {
	grace := opts.StopGrace
	if grace <= 0 {
		grace = 5 * time.Second
	}
	return &Manager{
		id:        opts.WorkerID,
		command:   opts.Command,
		args:      opts.Args,
		cfg:       cfg,
		spawner:   spawner,
		handler:   handler,
		bus:       b,
		gen:       gen,
		stopGrace: grace,
		state:     NotStarted,
	}
}

func (m *Manager) WorkerID() string { return m.id }

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsRunning satisfies the narrow interface health and resource monitors
// use to ask "is the worker I'm pinging actually up", without either
// importing the full Manager type.
func (m *Manager) IsRunning() bool {
	return m.State() == Running
}

func (m *Manager) StartTime() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.startTime
}

func (m *Manager) transition(next State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.state.canTransitionTo(next) {
		return fmt.Errorf("threadmgr: invalid transition %s -> %s", m.state, next)
	}
	m.state = next
	return nil
}

// StartResult mirrors the façade's start() response shape (spec §6).
type StartResult struct {
	Success   bool
	ThreadID  string
	StartTime time.Time
	Error     string
}

// Start spawns the worker, installs the channel, sends a handshake, and
// awaits `ready` within a bounded window (spec §4.4).
func (m *Manager) Start(ctx context.Context) StartResult {
	if err := m.transition(Starting); err != nil {
		return StartResult{Error: err.Error()}
	}

	readCtx, cancel := context.WithCancel(context.Background())
	proc, err := m.spawner.Spawn(readCtx, m.command, m.args)
	if err != nil {
		cancel()
		_ = m.transition(Errored)
		m.publishFault("worker_startup", err)
		return StartResult{Error: "spawn_failed"}
	}

	m.mu.Lock()
	m.process = proc
	m.cancelRead = cancel
	m.mu.Unlock()

	m.handler.Attach(m)

	handshakeCtx, hcancel := context.WithTimeout(ctx, m.handshakeTimeout())
	defer hcancel()
	if err := m.awaitReady(handshakeCtx); err != nil {
		_ = proc.Kill()
		cancel()
		_ = m.transition(Errored)
		m.publishFault("worker_startup", err)
		return StartResult{Error: "handshake_timeout"}
	}
	go m.readLoop(proc)

	if err := m.transition(Running); err != nil {
		_ = proc.Kill()
		cancel()
		return StartResult{Error: err.Error()}
	}

	m.mu.Lock()
	m.startTime = time.Now()
	started := m.startTime
	m.mu.Unlock()

	if m.bus != nil {
		m.bus.Publish(bus.Event{Kind: EventStarted, Data: StartedEvent{WorkerID: m.id, StartTime: started}})
	}
	return StartResult{Success: true, ThreadID: m.id, StartTime: started}
}

func (m *Manager) handshakeTimeout() time.Duration {
	if m.cfg.MessageTimeoutMS <= 0 {
		return 5 * time.Second
	}
	return time.Duration(m.cfg.MessageTimeoutMS) * time.Millisecond
}

// awaitReady sends a start handshake and blocks for the worker's ready
// envelope, bypassing the normal handler pending-table plumbing since no
// correlation id exists yet at this point in the lifecycle.
func (m *Manager) awaitReady(ctx context.Context) error {
	handshake, err := envelope.New(m.gen, envelope.KindStart, "", nil)
	if err != nil {
		return err
	}
	data, err := envelope.Encode(handshake)
	if err != nil {
		return err
	}

	m.mu.Lock()
	proc := m.process
	m.mu.Unlock()
	if err := proc.Write(data); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return faults.ErrTimeout
		case line, ok := <-proc.Lines():
			if !ok {
				return faults.ErrWorkerNotRunning
			}
			e, err := envelope.Decode(line)
			if err != nil {
				continue
			}
			if e.Kind == envelope.KindReady {
				return nil
			}
			// Anything else arriving before ready is routed normally;
			// the handler simply has no pending request yet so it will
			// surface as unsolicited.
			_ = m.handler.OnIncoming(line)
		}
	}
}

// readLoop forwards every subsequent line from the worker to the
// handler, and detects process exit to raise worker_runtime faults.
func (m *Manager) readLoop(proc Process) {
	for line := range proc.Lines() {
		if err := m.handler.OnIncoming(line); err != nil {
			m.publishFault("communication", err)
		}
	}

	if m.State() == Running {
		_ = m.transition(Errored)
		m.handler.Clear("worker exited unexpectedly")
		m.publishFault("worker_runtime", fmt.Errorf("worker process exited"))
	}
}

func (m *Manager) publishFault(kind string, err error) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(bus.Event{Kind: kindToEventName(kind), Data: FaultEvent{WorkerID: m.id, Kind: kind, Err: err}})
}

func kindToEventName(kind string) string {
	switch kind {
	case "worker_startup":
		return EventSpawnFailed
	case "communication":
		return EventCommunication
	default:
		return EventRuntimeError
	}
}

// StopResult mirrors the façade's stop() response shape.
type StopResult struct {
	Success  bool
	StopTime time.Time
	Error    string
}

// Stop sends `stop`, awaits exit up to the grace window, then
// force-terminates; it always closes the channel and clears C2's pending
// table with reason WorkerStopped (spec §4.4).
func (m *Manager) Stop(ctx context.Context, graceful bool) StopResult {
	m.mu.Lock()
	state := m.state
	proc := m.process
	cancel := m.cancelRead
	m.mu.Unlock()

	if state != Running && state != Starting {
		return StopResult{Error: "not running"}
	}
	if err := m.transition(Stopping); err != nil {
		return StopResult{Error: err.Error()}
	}

	if graceful && proc != nil {
		stopEnvelope, _ := envelope.New(m.gen, envelope.KindStop, "", nil)
		data, _ := envelope.Encode(stopEnvelope)
		_ = proc.Write(data)

		done := make(chan struct{})
		go func() {
			_ = proc.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(m.stopGrace):
			_ = proc.Kill()
		}
	} else if proc != nil {
		_ = proc.Kill()
	}

	if cancel != nil {
		cancel()
	}
	m.handler.Clear("WorkerStopped")
	_ = m.transition(Stopped)

	stopTime := time.Now()
	if m.bus != nil {
		m.bus.Publish(bus.Event{Kind: EventStopped, Data: StoppedEvent{WorkerID: m.id, StopTime: stopTime, Reason: "requested"}})
	}
	return StopResult{Success: true, StopTime: stopTime}
}

// Send forwards an envelope to the worker via the message handler,
// rejecting with ErrWorkerNotRunning unless state == Running (spec
// §4.4).
func (m *Manager) Send(e envelope.Envelope) error {
	if m.State().IsTerminalForSend() {
		return faults.ErrWorkerNotRunning
	}
	m.mu.Lock()
	proc := m.process
	m.mu.Unlock()
	if proc == nil {
		return faults.ErrWorkerNotRunning
	}
	data, err := envelope.Encode(e)
	if err != nil {
		return faults.ErrEncodingError
	}
	if err := proc.Write(data); err != nil {
		m.publishFault("communication", err)
		return err
	}
	return nil
}
