// Package pool implements the worker pool (C11): a load-balanced,
// autoscaled collection of WorkerRecords, each backed by its own C10
// threading-service stack (spec §4.11). It generalizes the teacher's
// internal/pool/worker.go fixed-concurrency, channel-fed dispatch loop
// (N goroutines draining one jobs channel) from a fixed worker count into
// an elastic one, and replaces its bespoke `sync.WaitGroup` start/stop
// with `golang.org/x/sync/errgroup` so a failed worker start aborts the
// whole batch instead of leaving a half-started pool, plus
// `golang.org/x/sync/semaphore` to bound how many dispatches run
// concurrently across the pool regardless of worker count.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fieldstack/supervisor/internal/bus"
	"github.com/fieldstack/supervisor/internal/envelope"
	"github.com/fieldstack/supervisor/internal/faults"
	"github.com/fieldstack/supervisor/internal/observability"
	"github.com/fieldstack/supervisor/internal/service"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// WorkerUnit is the narrow interface the pool drives per worker; in
// production it is a *service.Service, but tests can supply a fake without
// spinning up a real C2-C9 stack.
type WorkerUnit interface {
	Start(ctx context.Context) service.StartResponse
	Stop(ctx context.Context, graceful bool) service.StopResponse
	Send(ctx context.Context, req service.SendRequest) service.SendResponse
	Health() service.HealthSnapshot
}

// Factory builds a fresh WorkerUnit for the given worker id. The pool calls
// it once per worker it creates, whether at startup or during autoscaling.
type Factory func(workerID string) WorkerUnit

// Recorder is the narrow surface the observability package's Prometheus
// collectors implement; a Pool with no Recorder attached behaves exactly
// as before.
type Recorder interface {
	SetPoolSize(counts map[string]int)
	SetPoolQueueDepth(n int)
	IncScaleUp()
	IncScaleDown()
}

// Config holds C11's tunables. It has no dedicated bit-exact section in
// spec §6's configuration tree (only thread_manager, health_monitor,
// restart_manager, error_handler, message_queue and worker are listed), so
// it is constructed by the host rather than read from C9, matching how
// resource.Config documents the same gap.
type Config struct {
	MinThreads int
	MaxThreads int
	Strategy   Strategy

	PendingQueueLimit int

	EnableAutoscaling   bool
	AutoscaleIntervalMS int
	ScaleUpThreshold    int
	ScaleUpCooldownMS   int
	MaxScaleUpRate      int
	ScaleDownThresholdMS int
	ScaleDownCooldownMS int
	MaxScaleDownRate    int

	MaxConcurrentDispatch int64
}

func (c Config) autoscaleInterval() time.Duration {
	if c.AutoscaleIntervalMS <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.AutoscaleIntervalMS) * time.Millisecond
}

// pendingDispatch is one entry in C11's FIFO queue of submitted envelopes.
type pendingDispatch struct {
	ctx    context.Context
	req    service.SendRequest
	result chan service.SendResponse
}

// Pool is C11.
type Pool struct {
	cfg     Config
	factory Factory
	bus     *bus.Bus

	mu        sync.Mutex
	workers   map[string]*WorkerRecord
	order     []string
	rrCounter int
	nextID    int

	lastScaleUp   time.Time
	lastScaleDown time.Time

	pending chan pendingDispatch
	sem     *semaphore.Weighted

	stopCh  chan struct{}
	wg      sync.WaitGroup
	metrics Recorder

	dispatchMetrics *observability.PoolMetrics
}

// SetMetrics attaches an optional Prometheus recorder. Call before Start.
func (p *Pool) SetMetrics(r Recorder) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.metrics = r
}

// reportSize pushes the current per-status worker counts and pending queue
// depth to the attached Recorder, if any.
func (p *Pool) reportSize() {
	p.mu.Lock()
	metrics := p.metrics
	if metrics == nil {
		p.mu.Unlock()
		return
	}
	counts := make(map[string]int, 5)
	for _, r := range p.workers {
		counts[string(r.Status())]++
	}
	pendingSize := len(p.pending)
	p.mu.Unlock()

	metrics.SetPoolSize(counts)
	metrics.SetPoolQueueDepth(pendingSize)
}

// New constructs a Pool with zero workers; call Start to bring it to
// min_threads.
func New(cfg Config, factory Factory, b *bus.Bus) *Pool {
	if cfg.MinThreads <= 0 {
		cfg.MinThreads = 1
	}
	if cfg.MaxThreads < cfg.MinThreads {
		cfg.MaxThreads = cfg.MinThreads
	}
	if cfg.PendingQueueLimit <= 0 {
		cfg.PendingQueueLimit = 1000
	}
	concurrency := cfg.MaxConcurrentDispatch
	if concurrency <= 0 {
		concurrency = int64(cfg.MaxThreads)
	}
	return &Pool{
		cfg:             cfg,
		factory:         factory,
		bus:             b,
		workers:         make(map[string]*WorkerRecord),
		pending:         make(chan pendingDispatch, cfg.PendingQueueLimit),
		sem:             semaphore.NewWeighted(concurrency),
		dispatchMetrics: observability.NewPoolMetrics(),
	}
}

// Start brings the pool up to min_threads workers (started concurrently via
// an errgroup: one failed Start aborts the whole batch) and launches the
// dispatch loop and, if enabled, the autoscaler.
func (p *Pool) Start(ctx context.Context) error {
	group, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.MinThreads; i++ {
		group.Go(func() error { return p.addWorker(gctx) })
	}
	if err := group.Wait(); err != nil {
		p.mu.Lock()
		started := make([]WorkerUnit, 0, len(p.workers))
		for _, r := range p.workers {
			started = append(started, r.unit)
		}
		p.workers = make(map[string]*WorkerRecord)
		p.order = nil
		p.mu.Unlock()
		for _, u := range started {
			u.Stop(context.Background(), false)
		}
		p.reportSize()
		return err
	}

	p.stopCh = make(chan struct{})
	p.wg.Add(1)
	go p.dispatchLoop()

	if p.cfg.EnableAutoscaling {
		p.wg.Add(1)
		go p.autoscaleLoop()
	}
	return nil
}

// Stop stops every worker (concurrently, via errgroup) and fails every
// queued future with ErrPoolStopped (spec §4.11).
func (p *Pool) Stop(ctx context.Context, graceful bool) error {
	if p.stopCh != nil {
		close(p.stopCh)
	}
	p.wg.Wait()

	p.drainPending()

	p.mu.Lock()
	units := make([]WorkerUnit, 0, len(p.workers))
	for _, r := range p.workers {
		r.setStatus(StatusStopping)
		units = append(units, r.unit)
	}
	p.mu.Unlock()

	group, gctx := errgroup.WithContext(ctx)
	for _, u := range units {
		unit := u
		group.Go(func() error {
			result := unit.Stop(gctx, graceful)
			if !result.Success {
				return fmt.Errorf("pool: stop failed: %s", result.Error)
			}
			return nil
		})
	}
	err := group.Wait()
	p.reportSize()
	return err
}

func (p *Pool) drainPending() {
	for {
		select {
		case d := <-p.pending:
			d.result <- service.SendResponse{Error: faults.ErrPoolStopped}
		default:
			return
		}
	}
}

func (p *Pool) addWorker(ctx context.Context) error {
	p.mu.Lock()
	p.nextID++
	id := fmt.Sprintf("worker-%d", p.nextID)
	unit := p.factory(id)
	record := newRecord(id, unit)
	p.workers[id] = record
	p.order = append(p.order, id)
	p.mu.Unlock()

	result := unit.Start(ctx)
	if !result.Success {
		p.mu.Lock()
		delete(p.workers, id)
		p.removeFromOrder(id)
		p.mu.Unlock()
		return fmt.Errorf("pool: worker %s failed to start: %s", id, result.Error)
	}
	record.setStatus(StatusIdle)
	p.reportSize()
	return nil
}

func (p *Pool) removeFromOrder(id string) {
	for i, existing := range p.order {
		if existing == id {
			p.order = append(p.order[:i], p.order[i+1:]...)
			return
		}
	}
}

// Submit enqueues req in C11's FIFO and blocks until a worker has dispatched
// it (or ctx is cancelled). It is the pool's equivalent of Service.Send.
func (p *Pool) Submit(ctx context.Context, req service.SendRequest) service.SendResponse {
	d := pendingDispatch{ctx: ctx, req: req, result: make(chan service.SendResponse, 1)}
	select {
	case p.pending <- d:
	default:
		return service.SendResponse{Error: faults.ErrQueueFull}
	}

	select {
	case resp := <-d.result:
		return resp
	case <-ctx.Done():
		return service.SendResponse{Error: ctx.Err()}
	}
}

func (p *Pool) dispatchLoop() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopCh:
			return
		case d := <-p.pending:
			if err := p.sem.Acquire(context.Background(), 1); err != nil {
				d.result <- service.SendResponse{Error: err}
				continue
			}
			go p.dispatchOne(d)
		}
	}
}

func (p *Pool) dispatchOne(d pendingDispatch) {
	defer p.sem.Release(1)

	record, err := p.selectWorker(d.req.Priority)
	if err != nil {
		d.result <- service.SendResponse{Error: err}
		return
	}

	record.setStatus(StatusBusy)
	record.onDispatch()
	p.reportSize()
	dispatchStart := time.Now()
	resp := record.unit.Send(d.ctx, d.req)
	p.dispatchMetrics.ObserveDispatch(time.Since(dispatchStart))
	failed := resp.Error != nil
	record.onComplete(failed)
	record.setStatus(StatusIdle)
	p.reportSize()
	if failed {
		p.maybeReplace(record, resp.Error)
	}
	d.result <- resp
}

var errNoIdleWorker = errors.New("pool: no idle worker available")

// selectWorker applies the configured load-balancing strategy over the
// currently idle workers (spec §4.11). It retries briefly if every worker
// is busy rather than failing the dispatch outright, since "busy" is
// expected to be transient.
func (p *Pool) selectWorker(priority envelope.Priority) (*WorkerRecord, error) {
	priorityAware := priority == envelope.PriorityHigh || priority == envelope.PriorityCritical
	deadline := time.Now().Add(2 * time.Second)
	for {
		p.mu.Lock()
		var idle []*WorkerRecord
		for _, id := range p.order {
			r := p.workers[id]
			if r != nil && r.Status() == StatusIdle {
				idle = append(idle, r)
			}
		}
		var chosen *WorkerRecord
		if len(idle) > 0 {
			chosen = choose(p.cfg.Strategy, idle, &p.rrCounter, priorityAware)
		}
		p.mu.Unlock()

		if chosen != nil {
			return chosen, nil
		}
		if time.Now().After(deadline) {
			return nil, errNoIdleWorker
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// maybeReplace performs the in-place replace spec §4.11 requires when a
// dispatch fails hard enough to suspect the worker itself (as opposed to a
// transient request-level error): stop the offender, spin up a
// replacement, preserving min_threads <= len(workers) <= max_threads except
// during the brief window of replacement.
func (p *Pool) maybeReplace(record *WorkerRecord, cause error) {
	if !errors.Is(cause, faults.ErrWorkerNotRunning) && !errors.Is(cause, faults.ErrRemoteFailure) {
		return
	}
	record.setStatus(StatusError)
	go func() {
		ctx := context.Background()
		record.unit.Stop(ctx, false)

		p.mu.Lock()
		delete(p.workers, record.WorkerID)
		p.removeFromOrder(record.WorkerID)
		p.mu.Unlock()
		p.reportSize()

		if err := p.addWorker(ctx); err == nil {
			p.dispatchMetrics.IncReplaced()
		}
	}()
}

// ScaleUp adds n workers (bounded by max_threads), as the façade's
// pool.scale_up(n) (spec §6).
func (p *Pool) ScaleUp(n int) int {
	p.mu.Lock()
	room := p.cfg.MaxThreads - len(p.workers)
	p.mu.Unlock()
	if n > room {
		n = room
	}
	if n <= 0 {
		return 0
	}
	added := 0
	for i := 0; i < n; i++ {
		if err := p.addWorker(context.Background()); err == nil {
			added++
		}
	}
	p.mu.Lock()
	p.lastScaleUp = time.Now()
	metrics := p.metrics
	p.mu.Unlock()
	if added > 0 {
		p.dispatchMetrics.IncScaleUp()
		if metrics != nil {
			metrics.IncScaleUp()
		}
	}
	p.reportSize()
	return added
}

// ScaleDown removes up to n idle workers, oldest-idle first, never going
// below min_threads, as the façade's pool.scale_down(n).
func (p *Pool) ScaleDown(n int) int {
	p.mu.Lock()
	var idle []*WorkerRecord
	for _, id := range p.order {
		r := p.workers[id]
		if r != nil && r.Status() == StatusIdle {
			idle = append(idle, r)
		}
	}
	room := len(p.workers) - p.cfg.MinThreads
	p.mu.Unlock()

	if n > room {
		n = room
	}
	if n > len(idle) {
		n = len(idle)
	}
	if n <= 0 {
		return 0
	}

	sortOldestIdleFirst(idle)
	removed := 0
	for i := 0; i < n; i++ {
		r := idle[i]
		r.setStatus(StatusStopping)
		r.unit.Stop(context.Background(), true)
		p.mu.Lock()
		delete(p.workers, r.WorkerID)
		p.removeFromOrder(r.WorkerID)
		p.mu.Unlock()
		removed++
	}
	p.mu.Lock()
	p.lastScaleDown = time.Now()
	metrics := p.metrics
	p.mu.Unlock()
	if removed > 0 {
		p.dispatchMetrics.IncScaleDown()
		if metrics != nil {
			metrics.IncScaleDown()
		}
	}
	p.reportSize()
	return removed
}

func sortOldestIdleFirst(records []*WorkerRecord) {
	for i := 1; i < len(records); i++ {
		for j := i; j > 0; j-- {
			if records[j].snapshot().LastUsedAt.Before(records[j-1].snapshot().LastUsedAt) {
				records[j], records[j-1] = records[j-1], records[j]
			} else {
				break
			}
		}
	}
}

func (p *Pool) autoscaleLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.autoscaleInterval())
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.evaluateAutoscale()
		}
	}
}

// evaluateAutoscale implements spec §4.11's scale-up/down conditions
// exactly.
func (p *Pool) evaluateAutoscale() {
	p.mu.Lock()
	pendingSize := len(p.pending)
	workers := len(p.workers)
	sinceUp := time.Since(p.lastScaleUp)
	sinceDown := time.Since(p.lastScaleDown)
	var oldestIdleAge time.Duration
	idleCount := 0
	now := time.Now()
	for _, r := range p.workers {
		if r.Status() != StatusIdle {
			continue
		}
		idleCount++
		age := now.Sub(r.snapshot().LastUsedAt)
		if age > oldestIdleAge {
			oldestIdleAge = age
		}
	}
	p.mu.Unlock()

	scaleUpCooldown := time.Duration(p.cfg.ScaleUpCooldownMS) * time.Millisecond
	if pendingSize >= p.cfg.ScaleUpThreshold && workers < p.cfg.MaxThreads && sinceUp >= scaleUpCooldown {
		rate := p.cfg.MaxScaleUpRate
		if room := p.cfg.MaxThreads - workers; rate > room {
			rate = room
		}
		if rate > 0 {
			p.ScaleUp(rate)
			return
		}
	}

	scaleDownCooldown := time.Duration(p.cfg.ScaleDownCooldownMS) * time.Millisecond
	threshold := time.Duration(p.cfg.ScaleDownThresholdMS) * time.Millisecond
	if workers > p.cfg.MinThreads && sinceDown >= scaleDownCooldown && idleCount > 0 && oldestIdleAge >= threshold {
		rate := p.cfg.MaxScaleDownRate
		if rate > idleCount {
			rate = idleCount
		}
		if room := workers - p.cfg.MinThreads; rate > room {
			rate = room
		}
		if rate > 0 {
			p.ScaleDown(rate)
		}
	}
}

// Stats is the façade's pool.stats() response (spec §6).
type Stats struct {
	Workers     []RecordSnapshot
	PendingSize int
	MinThreads  int
	MaxThreads  int
	Dispatch    observability.PoolMetricsSnapshot
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]RecordSnapshot, 0, len(p.workers))
	for _, id := range p.order {
		if r := p.workers[id]; r != nil {
			out = append(out, r.snapshot())
		}
	}
	return Stats{
		Workers:     out,
		PendingSize: len(p.pending),
		MinThreads:  p.cfg.MinThreads,
		MaxThreads:  p.cfg.MaxThreads,
		Dispatch:    p.dispatchMetrics.Snapshot(),
	}
}

// Len reports the current worker count, mostly for tests.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}
