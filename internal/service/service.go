// Package service implements the threading service (C10): it composes
// C2-C9 for exactly one worker and exposes the public façade
// {start, stop, restart, send, status, health, config, errors}
// (spec §4.10/§6); it has no logs accessor. Grounded on the teacher's cmd/worker/main.go wiring
// style (construct every collaborator, wire them together, expose one
// entry point) generalized from "wire a DB-backed job worker" to "wire a
// supervised subprocess worker".
package service

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/fieldstack/supervisor/internal/bus"
	"github.com/fieldstack/supervisor/internal/config"
	"github.com/fieldstack/supervisor/internal/envelope"
	"github.com/fieldstack/supervisor/internal/errhandler"
	"github.com/fieldstack/supervisor/internal/faults"
	"github.com/fieldstack/supervisor/internal/health"
	"github.com/fieldstack/supervisor/internal/messaging"
	"github.com/fieldstack/supervisor/internal/observability"
	"github.com/fieldstack/supervisor/internal/queue"
	"github.com/fieldstack/supervisor/internal/resource"
	"github.com/fieldstack/supervisor/internal/restart"
	"github.com/fieldstack/supervisor/internal/threadmgr"
)

var tracer = otel.Tracer("supervisor")

// Opts configures the one worker a Service supervises.
type Opts struct {
	WorkerID  string
	Command   string
	Args      []string
	Spawner   threadmgr.Spawner
	StopGrace time.Duration

	// ResourceConfig feeds C6, which has no dedicated
	// bit-exact config section (spec §6 does not define one); see
	// resource.Config's doc comment.
	ResourceConfig resource.Config

	// Metrics is optional. When set, C2's message counts/latencies and
	// C6's memory samples are mirrored onto it for Prometheus scraping.
	Metrics *observability.Collectors
}

// Service is C10.
type Service struct {
	workerID string
	bus      *bus.Bus
	gen      *envelope.IDGenerator

	configStore *config.Store
	queue       *queue.Queue
	handler     *messaging.Handler
	thread      *threadmgr.Manager
	healthMon   *health.Monitor
	resourceMon *resource.Monitor
	restartMgr  *restart.Manager
	errHandler  *errhandler.Handler

	dispatch *dispatcher
}

// New wires every collaborator for one worker, reading their tunables
// from configStore's current snapshot.
func New(opts Opts, configStore *config.Store) *Service {
	b := bus.New()
	gen := envelope.NewIDGenerator()
	cfg := configStore.Get()

	h := messaging.New(gen, b, time.Duration(cfg.ThreadManager.MessageTimeoutMS)*time.Millisecond, 0)
	q := queue.New(cfg.MessageQueue, b)
	thread := threadmgr.New(threadmgr.Opts{
		WorkerID:  opts.WorkerID,
		Command:   opts.Command,
		Args:      opts.Args,
		StopGrace: opts.StopGrace,
	}, cfg.ThreadManager, opts.Spawner, h, b, gen)

	healthMon := health.New(opts.WorkerID, cfg.HealthMonitor, h, thread, b)
	resourceMon := resource.New(opts.WorkerID, opts.ResourceConfig, h, b)
	restartMgr := restart.New(opts.WorkerID, cfg.RestartManager, thread, b)
	errHandler := errhandler.New(cfg.ErrorHandler, b)

	if opts.Metrics != nil {
		h.SetRecorder(opts.Metrics)
		resourceMon.SetRecorder(opts.Metrics)
	}

	svc := &Service{
		workerID:    opts.WorkerID,
		bus:         b,
		gen:         gen,
		configStore: configStore,
		queue:       q,
		handler:     h,
		thread:      thread,
		healthMon:   healthMon,
		resourceMon: resourceMon,
		restartMgr:  restartMgr,
		errHandler:  errHandler,
	}
	svc.dispatch = newDispatcher(q, h)

	b.Subscribe(threadmgr.EventStarted, func(bus.Event) { healthMon.OnWorkerStarted() })
	b.Subscribe(threadmgr.EventSpawnFailed, func(e bus.Event) { svc.onFault(e) })
	b.Subscribe(threadmgr.EventCommunication, func(e bus.Event) { svc.onFault(e) })
	b.Subscribe(threadmgr.EventRuntimeError, func(e bus.Event) { svc.onFault(e) })

	return svc
}

func (s *Service) onFault(e bus.Event) {
	fault, ok := e.Data.(threadmgr.FaultEvent)
	if !ok {
		return
	}
	s.errHandler.Handle(context.Background(), fault.Err, map[string]string{"workerId": fault.WorkerID, "source": fault.Kind}, restarterAdapter{s.restartMgr}, nil)
}

type restarterAdapter struct{ m *restart.Manager }

func (r restarterAdapter) TriggerRestart(reason string) error {
	result := r.m.TriggerRestart(reason)
	if result.Error != "" && result.Error != "coalesced" {
		return faults.ErrMaxAttemptsExceeded
	}
	return nil
}

// StartResponse mirrors the façade's start() response (spec §6).
type StartResponse struct {
	Success   bool
	ThreadID  string
	StartTime time.Time
	Error     string
}

// Start spawns the worker and launches the health/resource monitors.
func (s *Service) Start(ctx context.Context) StartResponse {
	result := s.thread.Start(ctx)
	if !result.Success {
		return StartResponse{Error: result.Error}
	}
	s.healthMon.Start()
	s.resourceMon.Start()
	s.dispatch.start()
	return StartResponse{Success: true, ThreadID: result.ThreadID, StartTime: result.StartTime}
}

// StopResponse mirrors the façade's stop() response (spec §6).
type StopResponse struct {
	Success  bool
	StopTime time.Time
	Error    string
}

// Stop stops the monitors and the worker itself.
func (s *Service) Stop(ctx context.Context, graceful bool) StopResponse {
	s.dispatch.stop()
	s.healthMon.Stop()
	s.resourceMon.Stop()
	result := s.thread.Stop(ctx, graceful)
	if !result.Success {
		return StopResponse{Error: result.Error}
	}
	return StopResponse{Success: true, StopTime: result.StopTime}
}

// RestartResponse mirrors the façade's restart() response (spec §6).
type RestartResponse struct {
	Success      bool
	ThreadID     string
	RestartTime  time.Time
	RestartCount int
	Error        string
}

// Restart delegates to C7; it does not stop/start this Service's own
// dispatcher, only the underlying worker process.
func (s *Service) Restart(reason string) RestartResponse {
	result := s.restartMgr.TriggerRestart(reason)
	return RestartResponse{
		Success:      result.Success,
		ThreadID:     result.ThreadID,
		RestartTime:  result.RestartTime,
		RestartCount: result.RestartCount,
		Error:        result.Error,
	}
}

// SendRequest is the façade's send() argument shape (spec §6).
type SendRequest struct {
	Kind          envelope.Kind
	Payload       any
	Priority      envelope.Priority
	TimeoutMS     int
	MaxRetries    int
	CorrelationID string
}

// SendResponse is the façade's send() response shape (spec §6).
type SendResponse struct {
	RequestID         string
	Response          envelope.Envelope
	ProcessingTimeMS  int64
	Error             error
}

// Send enqueues the request in C3 and returns once the dispatcher has
// routed it through C2 and a response (or failure) has arrived.
func (s *Service) Send(ctx context.Context, req SendRequest) SendResponse {
	started := time.Now()
	requestID := req.CorrelationID
	if requestID == "" {
		requestID = s.gen.Next()
	}

	priority := req.Priority
	if priority == "" {
		priority = envelope.PriorityNormal
	}

	ctx, span := tracer.Start(ctx, "service.send",
		trace.WithAttributes(
			attribute.String("envelope.id", requestID),
			attribute.String("envelope.kind", string(req.Kind)),
			attribute.String("envelope.priority", string(priority)),
			attribute.String("worker.id", s.workerID),
		),
	)
	defer span.End()

	raw, err := envelope.New(s.gen, req.Kind, requestID, req.Payload)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return SendResponse{RequestID: requestID, Error: faults.ErrEncodingError}
	}
	raw.Priority = priority
	raw.TimeoutMS = req.TimeoutMS
	raw.MaxRetries = req.MaxRetries

	waiter := s.dispatch.register(requestID)
	if !s.queue.Enqueue(raw) {
		s.dispatch.unregister(requestID)
		span.SetStatus(codes.Error, faults.ErrQueueFull.Error())
		return SendResponse{RequestID: requestID, Error: faults.ErrQueueFull}
	}

	select {
	case result := <-waiter:
		if result.Err != nil {
			span.RecordError(result.Err)
			span.SetStatus(codes.Error, result.Err.Error())
		}
		return SendResponse{RequestID: requestID, Response: result.Envelope, ProcessingTimeMS: time.Since(started).Milliseconds(), Error: result.Err}
	case <-ctx.Done():
		s.dispatch.unregister(requestID)
		span.RecordError(ctx.Err())
		span.SetStatus(codes.Error, ctx.Err().Error())
		return SendResponse{RequestID: requestID, Error: ctx.Err()}
	}
}

// HealthSnapshot is the façade's health() response shape (spec §6).
type HealthSnapshot struct {
	IsHealthy         bool
	LastCheck         time.Time
	ConsecutiveMissed int
	UptimeMS          int64
}

func (s *Service) Health() HealthSnapshot {
	snap := s.healthMon.Snapshot()
	uptime := int64(0)
	if start := s.thread.StartTime(); !start.IsZero() {
		uptime = time.Since(start).Milliseconds()
	}
	return HealthSnapshot{
		IsHealthy:         snap.IsHealthy,
		LastCheck:         snap.LastCheck,
		ConsecutiveMissed: snap.ConsecutiveMissed,
		UptimeMS:          uptime,
	}
}

// Status is the façade's status() aggregate (spec §4.10/§6): worker,
// health, restart, messages, errors in one response. Each nested field
// is produced by its owning component's own atomic snapshot method, so
// no individual field is ever torn; the struct as a whole is assembled
// without a cross-component lock because spec §5 scopes consistency to
// "no partial reads from concurrent mutation" within a single owner, not
// a transaction spanning independent owners.
type Status struct {
	WorkerID      string
	WorkerState   threadmgr.State
	Health        HealthSnapshot
	RestartState  string
	RestartCount  int
	MessageStats  messaging.Snapshot
	QueueLength   int
	ErrorStats    errhandler.Stats
}

func (s *Service) Status() Status {
	return Status{
		WorkerID:     s.workerID,
		WorkerState:  s.thread.State(),
		Health:       s.Health(),
		RestartState: s.restartMgr.BreakerState(),
		RestartCount: s.restartMgr.CurrentAttempts(),
		MessageStats: s.handler.Stats(),
		QueueLength:  s.queue.Len(),
		ErrorStats:   s.errHandler.Snapshot(),
	}
}

// Config exposes C9's get/update surface for this service's store.
func (s *Service) Config() *config.Store { return s.configStore }

// Errors exposes C8's list/clear surface (spec §6's errors.list/errors.clear).
func (s *Service) Errors() *errhandler.Handler { return s.errHandler }

// Bus exposes the instance-local event bus for host code that wants to
// observe lifecycle/fault/restart events directly (e.g. logging).
func (s *Service) Bus() *bus.Bus { return s.bus }
