// Package worker implements the isolate-owning worker pool and the
// suspend/resume drift bookkeeping each worker keeps for its requests.
//
// # Concurrency model
//
// Each worker is one goroutine pinned to an OS thread for the life of
// the process; it owns one isolate and one bounded queue. All of a
// worker's mutable state (counters, drift maps, pending requests) is
// touched only from that goroutine, so none of it needs locking. The
// pool's round-robin counter is the only shared hot-path field and is
// atomic.
//
// # Invariants
//
//   - requestCounter and driftCounter are monotonic non-decreasing and
//     allocate ids to fresh entities only.
//   - A request id is in activeRequests iff it is in pendingRequests,
//     from first suspension until finish.
//   - A drift result is inserted into completedDrifts before the replay
//     that consumes it runs.
package worker

import (
	"context"
	"errors"
	"runtime"
	"strconv"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/t8nlab/titan/internal/drift"
	"github.com/t8nlab/titan/internal/engine"
	"github.com/t8nlab/titan/internal/logging"
	"github.com/t8nlab/titan/internal/titanerr"
)

// queueCapacity bounds each worker's command queue.
const queueCapacity = 256

// Runner is the executable surface a worker drives. The production
// implementation is *engine.Isolate.
type Runner interface {
	// Execute runs the action to completion, suspension
	// (engine.ErrSuspended), or failure.
	Execute(requestID uint64, task *drift.RequestTask) error
}

// RunnerFactory builds a worker's Runner on the worker's own thread, so
// the scripting engine is constructed on the thread that will drive it.
type RunnerFactory func(workerID int, host *Worker) Runner

// DBPoolFunc lazily initializes the shared SQL pool; the worker forwards
// t.db.connect calls here.
type DBPoolFunc func(conn string, maxSize int) error

// Worker is one isolate-owning thread plus its drift bookkeeping.
type Worker struct {
	id     int
	queue  chan drift.WorkerCommand
	runner Runner

	asyncTx  chan<- drift.AsyncOpRequest
	ensureDB DBPoolFunc

	requestCounter uint64
	driftCounter   uint64

	pendingRequests      map[uint64]chan drift.WorkerResult
	requestStartCounters map[uint64]uint64
	requestTimings       map[uint64][]drift.TimingEntry
	driftToRequest       map[uint64]uint64
	completedDrifts      map[uint64]any
	activeRequests       map[uint64]drift.ActiveRequest

	log *logging.Logger
}

func newWorker(id int, asyncTx chan<- drift.AsyncOpRequest, ensureDB DBPoolFunc) *Worker {
	return &Worker{
		id:                   id,
		queue:                make(chan drift.WorkerCommand, queueCapacity),
		asyncTx:              asyncTx,
		ensureDB:             ensureDB,
		pendingRequests:      map[uint64]chan drift.WorkerResult{},
		requestStartCounters: map[uint64]uint64{},
		requestTimings:       map[uint64][]drift.TimingEntry{},
		driftToRequest:       map[uint64]uint64{},
		completedDrifts:      map[uint64]any{},
		activeRequests:       map[uint64]drift.ActiveRequest{},
		log:                  logging.Default().With(zap.Int("worker_id", id)),
	}
}

// run is the worker loop: one OS thread, one isolate, commands consumed
// until the queue closes.
func (w *Worker) run(factory RunnerFactory) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	w.runner = factory(w.id, w)

	for cmd := range w.queue {
		switch cmd.Kind {
		case drift.CmdNewRequest:
			w.handleNewRequest(cmd.NewTask)
		case drift.CmdResume:
			w.handleResume(cmd.Resume)
		}
	}
}

func (w *Worker) handleNewRequest(task *drift.RequestTask) {
	w.requestCounter++
	requestID := w.requestCounter

	w.pendingRequests[requestID] = task.ResponseTx
	w.requestStartCounters[requestID] = w.driftCounter

	w.execute(requestID, task)

	if _, stillPending := w.pendingRequests[requestID]; !stillPending {
		// Completed synchronously; no replay snapshot needed.
		delete(w.requestStartCounters, requestID)
		delete(w.requestTimings, requestID)
	} else {
		// Suspended on a drift: snapshot the immutable inputs for replay.
		w.activeRequests[requestID] = drift.ActiveRequest{RequestID: requestID, Task: *task}
	}
}

func (w *Worker) handleResume(resume *drift.ResumePayload) {
	requestID := w.driftToRequest[resume.DriftID]

	label := "drift"
	if resume.IsError {
		label = "drift_error"
	}
	w.requestTimings[requestID] = append(w.requestTimings[requestID],
		drift.TimingEntry{Label: label, Milliseconds: resume.DurationMS})

	w.completedDrifts[resume.DriftID] = resume.Result

	if active, ok := w.activeRequests[requestID]; ok {
		// Rewind the drift counter so the replay re-allocates the same
		// ids in the same order.
		w.driftCounter = w.requestStartCounters[requestID]
		task := active.Task
		w.execute(requestID, &task)
	}

	if requestID != 0 {
		if _, stillPending := w.pendingRequests[requestID]; !stillPending {
			w.cleanupRequest(requestID)
		}
	}
}

func (w *Worker) execute(requestID uint64, task *drift.RequestTask) {
	err := w.runner.Execute(requestID, task)
	if err == nil || isSuspend(err) {
		return
	}

	w.log.Warn("action error", zap.String("action", task.ActionName), zap.Error(err))
	if tx, ok := w.pendingRequests[requestID]; ok {
		delete(w.pendingRequests, requestID)
		sendResult(tx, drift.WorkerResult{
			JSON: []byte(`{"error":` + strconv.Quote(err.Error()) + `}`),
		})
	}
}

func isSuspend(err error) bool {
	return errors.Is(err, engine.ErrSuspended)
}

// cleanupRequest drops every per-request record plus the drift records
// that belonged to it.
func (w *Worker) cleanupRequest(requestID uint64) {
	delete(w.activeRequests, requestID)
	delete(w.requestStartCounters, requestID)
	delete(w.requestTimings, requestID)
	for driftID, reqID := range w.driftToRequest {
		if reqID == requestID {
			delete(w.driftToRequest, driftID)
			delete(w.completedDrifts, driftID)
		}
	}
}

// DriftCall implements engine.Host: allocate the next drift id, replay
// from cache when the result is already in, otherwise enqueue the op and
// report suspension.
func (w *Worker) DriftCall(requestID uint64, op drift.AsyncOp) (any, bool) {
	w.driftCounter++
	driftID := w.driftCounter

	if requestID != 0 {
		w.driftToRequest[driftID] = requestID
	}

	if result, ok := w.completedDrifts[driftID]; ok {
		return result, true
	}

	respondTx := make(chan drift.AsyncOpResult, 1)
	req := drift.AsyncOpRequest{
		Op:        op,
		DriftID:   driftID,
		RequestID: requestID,
		WorkerID:  w.id,
		RespondTx: respondTx,
	}

	select {
	case w.asyncTx <- req:
	default:
		w.log.Warn("drift call failed to queue", zap.Uint64("drift_id", driftID))
		return nil, true
	}

	go func() {
		// A queue closed during shutdown makes the send panic; the
		// in-flight request is simply abandoned at that point.
		defer func() { _ = recover() }()
		res := <-respondTx
		isErr := false
		if m, ok := res.Result.(map[string]any); ok {
			_, isErr = m["error"]
		}
		w.queue <- drift.WorkerCommand{
			Kind: drift.CmdResume,
			Resume: &drift.ResumePayload{
				RequestID:  requestID,
				DriftID:    driftID,
				Result:     res.Result,
				DurationMS: res.DurationMS,
				IsError:    isErr,
			},
		}
	}()

	return nil, false
}

// FinishRequest implements engine.Host: deliver the action's result on
// the request's oneshot along with the accumulated timings.
func (w *Worker) FinishRequest(requestID uint64, resultJSON []byte) {
	tx, ok := w.pendingRequests[requestID]
	if !ok {
		return
	}
	delete(w.pendingRequests, requestID)
	timings := w.requestTimings[requestID]
	delete(w.requestTimings, requestID)
	sendResult(tx, drift.WorkerResult{JSON: resultJSON, Timings: timings})
}

// EnsureDBPool implements engine.Host.
func (w *Worker) EnsureDBPool(conn string, maxSize int) error {
	if w.ensureDB == nil {
		return nil
	}
	return w.ensureDB(conn, maxSize)
}

// sendResult delivers on a oneshot without blocking; an abandoned
// request (dispatcher gone) is dropped after bookkeeping already ran.
func sendResult(tx chan drift.WorkerResult, result drift.WorkerResult) {
	select {
	case tx <- result:
	default:
	}
}

// Pool is the set of workers plus the round-robin dispatch counter.
type Pool struct {
	workers []*Worker
	counter atomicCounter
}

// NewPool spawns n workers. Each worker's Runner is built by factory on
// the worker's own locked thread. stackMB is accepted for configuration
// compatibility; goroutine stacks grow on demand, so it is informational
// here.
func NewPool(n int, stackMB int, asyncTx chan<- drift.AsyncOpRequest, ensureDB DBPoolFunc, factory RunnerFactory) *Pool {
	p := &Pool{workers: make([]*Worker, n)}
	for i := 0; i < n; i++ {
		w := newWorker(i, asyncTx, ensureDB)
		p.workers[i] = w
		go w.run(factory)
	}
	logging.Default().Info("worker pool started",
		zap.Int("workers", n), zap.Int("stack_mb", stackMB))
	return p
}

// Execute dispatches a task: round-robin try-send across every worker,
// spilling to the next on a full queue, with a blocking send to the
// original target as the last-resort backpressure. The context guards
// that last-resort blocking send and the final await.
func (p *Pool) Execute(ctx context.Context, task drift.RequestTask) (drift.WorkerResult, error) {
	task.ResponseTx = make(chan drift.WorkerResult, 1)
	cmd := drift.WorkerCommand{Kind: drift.CmdNewRequest, NewTask: &task}

	n := len(p.workers)
	start := int(p.counter.next()) % n

	sent := false
	for attempt := 0; attempt < n; attempt++ {
		idx := (start + attempt) % n
		select {
		case p.workers[idx].queue <- cmd:
			sent = true
		default:
			continue
		}
		break
	}
	if !sent {
		// All queues full: block on the original target.
		select {
		case p.workers[start].queue <- cmd:
		case <-ctx.Done():
			return drift.WorkerResult{}, titanerr.Wrap(titanerr.KindWorkerUnavailable,
				"worker queue send aborted", ctx.Err())
		}
	}

	select {
	case result := <-task.ResponseTx:
		return result, nil
	case <-ctx.Done():
		return drift.WorkerResult{}, titanerr.Wrap(titanerr.KindWorkerUnavailable,
			"worker result await aborted", ctx.Err())
	}
}

// Close shuts every worker queue down; in-flight commands drain first.
func (p *Pool) Close() {
	for _, w := range p.workers {
		close(w.queue)
	}
}

// Size reports the worker count.
func (p *Pool) Size() int { return len(p.workers) }

// QueueDepths snapshots each worker's queue length for metrics.
func (p *Pool) QueueDepths() []int {
	depths := make([]int, len(p.workers))
	for i, w := range p.workers {
		depths[i] = len(w.queue)
	}
	return depths
}

type atomicCounter struct {
	v atomic.Uint64
}

func (c *atomicCounter) next() uint64 {
	return c.v.Add(1) - 1
}

// DefaultWorkerCount is 2× logical CPU cores, the sweet spot for
// CPU-bound script execution with I/O-suspended requests in flight.
func DefaultWorkerCount() int {
	return runtime.NumCPU() * 2
}
