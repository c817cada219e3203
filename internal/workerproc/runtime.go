// Package workerproc is C12: the runtime that runs inside the worker
// process itself, on the other end of C4's channel. It reads envelopes
// from its inbound stream, dispatches them by kind, and writes replies
// to its outbound stream, plus a periodic unsolicited status push (spec
// §4.12). Grounded on the teacher's worker.ProcessOne claim-execute-
// handleFailure shape (internal/domain/worker/step_ref.go), generalized
// from "claim a DB job, execute it, mark done/failed" to "read one
// envelope, dispatch by kind, reply".
package workerproc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/fieldstack/supervisor/internal/envelope"
	"github.com/fieldstack/supervisor/internal/memsample"
)

// statusInterval is the unsolicited status push period spec §4.12 fixes.
const statusInterval = 30 * time.Second

// Domain is the module-specific server C12 hosts. A worker binary
// supplies its own implementation; workerproc only calls it, it never
// assumes what it does. All methods may block until ctx is done.
type Domain interface {
	// Start initializes the domain server. Returning an error fails the
	// worker's start handshake.
	Start(ctx context.Context) error
	// Stop drains and shuts the domain server down.
	Stop(ctx context.Context) error
	// HandleData forwards one `data` envelope's payload to the domain
	// server's own request dispatcher and returns its reply payload.
	HandleData(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)
	// ApplyConfig merges a partial configuration update into the domain
	// server's own settings.
	ApplyConfig(ctx context.Context, partial json.RawMessage) error
}

// exitUncaught is the distinguishable exit code spec §4.12 requires for
// an uncaught exception ("terminate the worker with a distinguishable
// exit code").
const exitUncaught = 70

// Runtime is C12. One Runtime serves exactly one worker process.
type Runtime struct {
	domain Domain
	gen    *envelope.IDGenerator
	in     *bufio.Scanner
	out    io.Writer
	outMu  sync.Mutex

	resources      resourceTracker
	exitFunc       func(int)
	nowStarted     bool
	statusInterval time.Duration
}

// New builds a Runtime reading newline-delimited envelopes from r and
// writing replies to w, matching execSpawner's stdin/stdout protocol
// (internal/threadmgr/process.go).
func New(domain Domain, r io.Reader, w io.Writer) *Runtime {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	return &Runtime{
		domain:         domain,
		gen:            envelope.NewIDGenerator(),
		in:             scanner,
		out:            w,
		exitFunc:       os.Exit,
		statusInterval: statusInterval,
	}
}

// Run reads envelopes until the inbound stream closes or ctx is
// cancelled, recovering from any panic in a handler by emitting a
// synthetic error envelope and exiting with exitUncaught (spec §4.12:
// "uncaught exceptions emit a synthetic error envelope and terminate the
// worker with a distinguishable exit code").
func (r *Runtime) Run(ctx context.Context) error {
	statusStop := make(chan struct{})
	var statusWG sync.WaitGroup
	statusWG.Add(1)
	go r.statusLoop(ctx, statusStop, &statusWG)
	defer func() {
		close(statusStop)
		statusWG.Wait()
	}()

	for r.in.Scan() {
		line := append([]byte(nil), r.in.Bytes()...)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.handleLine(ctx, line)
	}
	return r.in.Err()
}

// handleLine decodes and dispatches one line, recovering from a handler
// panic so one bad envelope cannot silently kill the process without a
// trace reaching the supervisor.
func (r *Runtime) handleLine(ctx context.Context, line []byte) {
	defer func() {
		if rec := recover(); rec != nil {
			r.emitFatal(fmt.Errorf("panic: %v\n%s", rec, debug.Stack()))
			r.exitFunc(exitUncaught)
		}
	}()

	req, err := envelope.Decode(line)
	if err != nil {
		return
	}

	reply, ok := r.dispatch(ctx, req)
	if !ok {
		return
	}
	r.write(reply)
}

// dispatch implements spec §4.12's kind table.
func (r *Runtime) dispatch(ctx context.Context, req envelope.Envelope) (envelope.Envelope, bool) {
	switch req.Kind {
	case envelope.KindStart:
		return r.handleStart(ctx, req)
	case envelope.KindStop:
		return r.handleStop(ctx, req)
	case envelope.KindStatus:
		return r.handleStatus(req)
	case envelope.KindConfig:
		return r.handleConfig(ctx, req)
	case envelope.KindData:
		return r.handleData(ctx, req)
	case envelope.KindPing:
		return r.handlePing(req)
	case envelope.KindGC:
		return r.handleGC(req)
	case envelope.KindCleanup:
		return r.handleCleanup(req)
	default:
		return r.errorReply(req, fmt.Errorf("workerproc: unhandled kind %q", req.Kind)), true
	}
}

func (r *Runtime) handleStart(ctx context.Context, req envelope.Envelope) (envelope.Envelope, bool) {
	if err := r.domain.Start(ctx); err != nil {
		return r.errorReply(req, err), true
	}
	r.nowStarted = true
	reply, _ := envelope.Reply(req, envelope.KindSuccess, nil)
	return reply, true
}

func (r *Runtime) handleStop(ctx context.Context, req envelope.Envelope) (envelope.Envelope, bool) {
	err := r.domain.Stop(ctx)
	if err != nil {
		reply, _ := envelope.Reply(req, envelope.KindError, errPayload(err))
		r.write(reply)
	} else {
		reply, _ := envelope.Reply(req, envelope.KindSuccess, nil)
		r.write(reply)
	}
	r.exitFunc(0)
	return envelope.Envelope{}, false
}

func (r *Runtime) handleStatus(req envelope.Envelope) (envelope.Envelope, bool) {
	sample := r.sample()
	payload := struct {
		Started bool             `json:"started"`
		Sample  memsample.Sample `json:"sample"`
	}{Started: r.nowStarted, Sample: sample}
	reply, _ := envelope.Reply(req, envelope.KindStatus, payload)
	return reply, true
}

func (r *Runtime) handleConfig(ctx context.Context, req envelope.Envelope) (envelope.Envelope, bool) {
	if err := r.domain.ApplyConfig(ctx, req.Payload); err != nil {
		return r.errorReply(req, err), true
	}
	reply, _ := envelope.Reply(req, envelope.KindSuccess, nil)
	return reply, true
}

func (r *Runtime) handleData(ctx context.Context, req envelope.Envelope) (envelope.Envelope, bool) {
	resp, err := r.domain.HandleData(ctx, req.Payload)
	if err != nil {
		return r.errorReply(req, err), true
	}
	reply, _ := envelope.Reply(req, envelope.KindData, json.RawMessage(resp))
	return reply, true
}

func (r *Runtime) handlePing(req envelope.Envelope) (envelope.Envelope, bool) {
	reply, _ := envelope.Reply(req, envelope.KindPong, r.sample())
	return reply, true
}

// handleGC requests a runtime GC if available and reports before/after
// memory (spec §4.12: "request runtime GC if available; return
// before/after memory").
func (r *Runtime) handleGC(req envelope.Envelope) (envelope.Envelope, bool) {
	before := r.sample()
	runtime.GC()
	debug.FreeOSMemory()
	after := r.sample()
	payload := struct {
		Before memsample.Sample `json:"before"`
		After  memsample.Sample `json:"after"`
	}{Before: before, After: after}
	reply, _ := envelope.Reply(req, envelope.KindSuccess, payload)
	return reply, true
}

// handleCleanup releases a named tracked resource (spec §4.12). Tracked
// resources are registered by the Domain via Runtime.Track; an unknown
// name frees zero bytes rather than erroring, since "nothing to clean up"
// is not a failure.
func (r *Runtime) handleCleanup(req envelope.Envelope) (envelope.Envelope, bool) {
	var body struct {
		Name string `json:"name"`
	}
	_ = req.DecodePayload(&body)
	freed := r.resources.release(body.Name)
	reply, _ := envelope.Reply(req, envelope.KindSuccess, struct {
		BytesFreed uint64 `json:"bytesFreed"`
	}{BytesFreed: freed})
	return reply, true
}

// Track registers a named resource's estimated size so a later `cleanup`
// request can report bytes freed. Intended for use by the Domain
// implementation, not by workerproc itself.
func (r *Runtime) Track(name string, estimatedBytes uint64) {
	r.resources.track(name, estimatedBytes)
}

func (r *Runtime) errorReply(req envelope.Envelope, err error) envelope.Envelope {
	reply, _ := envelope.Reply(req, envelope.KindError, errPayload(err))
	return reply
}

func errPayload(err error) any {
	return struct {
		Message string `json:"message"`
	}{Message: err.Error()}
}

// emitFatal writes a synthetic, uncorrelated error envelope describing a
// panic that escaped a handler.
func (r *Runtime) emitFatal(err error) {
	e, encErr := envelope.Unsolicited(r.gen, envelope.KindError, errPayload(err))
	if encErr != nil {
		return
	}
	r.write(e)
}

// statusLoop pushes an unsolicited `status` envelope every 30s so the
// supervisor can refresh liveness absent outstanding pings (spec §4.12).
// This never touches C5's consecutive_missed_checks counter: the health
// monitor (internal/health) only resets that counter from its own
// solicited ping/pong round trip, so an unsolicited push here is purely
// informational to whatever else is listening on the bus.
func (r *Runtime) statusLoop(ctx context.Context, stop <-chan struct{}, wg *sync.WaitGroup) {
	defer wg.Done()
	ticker := time.NewTicker(r.statusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			e, err := envelope.Unsolicited(r.gen, envelope.KindStatus, struct {
				Started bool             `json:"started"`
				Sample  memsample.Sample `json:"sample"`
			}{Started: r.nowStarted, Sample: r.sample()})
			if err == nil {
				r.write(e)
			}
		}
	}
}

func (r *Runtime) write(e envelope.Envelope) {
	data, err := envelope.Encode(e)
	if err != nil {
		return
	}
	r.outMu.Lock()
	defer r.outMu.Unlock()
	_, _ = r.out.Write(append(data, '\n'))
}

// sample reads the Go runtime's memory stats. RSS is best-effort: the Go
// runtime does not expose resident set size directly, so Sys (memory
// obtained from the OS) stands in for it; External and ArrayBuffers are
// always zero since they describe V8 heap regions with no Go analogue.
func (r *Runtime) sample() memsample.Sample {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return memsample.Sample{
		RSS:       ms.Sys,
		HeapUsed:  ms.HeapAlloc,
		HeapTotal: ms.HeapSys,
		SampledAt: time.Now(),
	}
}

// resourceTracker is the ambient "named tracked resource" registry
// backing `cleanup`.
type resourceTracker struct {
	mu    sync.Mutex
	sizes map[string]uint64
}

func (t *resourceTracker) track(name string, bytes uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sizes == nil {
		t.sizes = make(map[string]uint64)
	}
	t.sizes[name] = bytes
}

func (t *resourceTracker) release(name string) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	bytes, ok := t.sizes[name]
	if !ok {
		return 0
	}
	delete(t.sizes, name)
	return bytes
}
