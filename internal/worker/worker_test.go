package worker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/t8nlab/titan/internal/drift"
	"github.com/t8nlab/titan/internal/engine"
)

// scriptRunner emulates an isolate by running a Go function in place of
// a script action, with access to the worker's Host surface.
type scriptRunner struct {
	host *Worker
	fn   func(host *Worker, requestID uint64, task *drift.RequestTask) error
}

func (r *scriptRunner) Execute(requestID uint64, task *drift.RequestTask) error {
	return r.fn(r.host, requestID, task)
}

func newTestPool(t *testing.T, n int, asyncTx chan drift.AsyncOpRequest,
	fn func(host *Worker, requestID uint64, task *drift.RequestTask) error) *Pool {
	t.Helper()
	pool := NewPool(n, 8, asyncTx, nil, func(id int, host *Worker) Runner {
		return &scriptRunner{host: host, fn: fn}
	})
	t.Cleanup(pool.Close)
	return pool
}

func TestSynchronousCompletion(t *testing.T) {
	asyncTx := make(chan drift.AsyncOpRequest, 16)
	pool := newTestPool(t, 1, asyncTx, func(host *Worker, requestID uint64, task *drift.RequestTask) error {
		host.FinishRequest(requestID, []byte(`{"ok":true}`))
		return nil
	})

	res, err := pool.Execute(context.Background(), drift.RequestTask{ActionName: "sync", Method: "GET", Path: "/"})
	if err != nil {
		t.Fatal(err)
	}
	if string(res.JSON) != `{"ok":true}` {
		t.Fatalf("unexpected result %s", res.JSON)
	}

	// A second request acts as a barrier for the first request's
	// bookkeeping: the worker handles it only after that cleanup. Its own
	// result is sent before its cleanup finishes, so the maps are polled.
	if _, err := pool.Execute(context.Background(), drift.RequestTask{ActionName: "sync", Method: "GET", Path: "/"}); err != nil {
		t.Fatal(err)
	}
	w := pool.workers[0]
	waitFor(t, func() bool {
		return len(w.pendingRequests) == 0 && len(w.activeRequests) == 0 &&
			len(w.requestStartCounters) == 0
	})
}

func TestDriftSuspendResumeReplay(t *testing.T) {
	asyncTx := make(chan drift.AsyncOpRequest, 16)
	executions := 0
	pool := newTestPool(t, 1, asyncTx, func(host *Worker, requestID uint64, task *drift.RequestTask) error {
		executions++
		result, replay := host.DriftCall(requestID, drift.AsyncOp{Kind: drift.OpFetch, URL: "https://echo/"})
		if !replay {
			return engine.ErrSuspended
		}
		m := result.(map[string]any)
		body, _ := json.Marshal(map[string]any{"s": m["status"]})
		host.FinishRequest(requestID, body)
		return nil
	})

	// The async-executor side: complete the single op.
	go func() {
		req := <-asyncTx
		req.RespondTx <- drift.AsyncOpResult{
			DriftID:    req.DriftID,
			Result:     map[string]any{"_isResponse": true, "status": float64(200)},
			DurationMS: 1.5,
		}
	}()

	res, err := pool.Execute(context.Background(), drift.RequestTask{ActionName: "fetcher", Method: "GET", Path: "/"})
	if err != nil {
		t.Fatal(err)
	}
	if string(res.JSON) != `{"s":200}` {
		t.Fatalf("unexpected result %s", res.JSON)
	}
	if executions != 2 {
		t.Fatalf("expected initial run + one replay, got %d executions", executions)
	}
	if len(res.Timings) != 1 || res.Timings[0].Label != "drift" || res.Timings[0].Milliseconds <= 0 {
		t.Fatalf("expected one positive drift timing, got %+v", res.Timings)
	}
}

func TestTwoSequentialDriftsReplayFromCache(t *testing.T) {
	asyncTx := make(chan drift.AsyncOpRequest, 16)
	pool := newTestPool(t, 1, asyncTx, func(host *Worker, requestID uint64, task *drift.RequestTask) error {
		a, replay := host.DriftCall(requestID, drift.AsyncOp{Kind: drift.OpFetch, URL: "https://a/"})
		if !replay {
			return engine.ErrSuspended
		}
		b, replay := host.DriftCall(requestID, drift.AsyncOp{Kind: drift.OpFetch, URL: "https://b/"})
		if !replay {
			return engine.ErrSuspended
		}
		body, _ := json.Marshal(map[string]any{"joined": a.(string) + b.(string)})
		host.FinishRequest(requestID, body)
		return nil
	})

	seen := 0
	go func() {
		for req := range asyncTx {
			seen++
			body := "A"
			if req.Op.URL == "https://b/" {
				body = "B"
			}
			req.RespondTx <- drift.AsyncOpResult{DriftID: req.DriftID, Result: body, DurationMS: 1}
		}
	}()

	res, err := pool.Execute(context.Background(), drift.RequestTask{ActionName: "chain", Method: "GET", Path: "/"})
	if err != nil {
		t.Fatal(err)
	}
	if string(res.JSON) != `{"joined":"AB"}` {
		t.Fatalf("unexpected result %s", res.JSON)
	}
	// Replay must serve the first drift from cache: the executor sees
	// exactly two op requests for two logical drifts.
	if seen != 2 {
		t.Fatalf("expected executor to see exactly 2 ops, saw %d", seen)
	}
	if len(res.Timings) != 2 {
		t.Fatalf("expected two drift timings, got %+v", res.Timings)
	}
}

func TestBatchDriftAllocatesOneID(t *testing.T) {
	asyncTx := make(chan drift.AsyncOpRequest, 16)
	pool := newTestPool(t, 1, asyncTx, func(host *Worker, requestID uint64, task *drift.RequestTask) error {
		batch := drift.AsyncOp{Kind: drift.OpBatch, Sub: []drift.AsyncOp{
			{Kind: drift.OpFetch, URL: "https://a/"},
			{Kind: drift.OpFetch, URL: "https://b/"},
		}}
		results, replay := host.DriftCall(requestID, batch)
		if !replay {
			return engine.ErrSuspended
		}
		body, _ := json.Marshal(results)
		host.FinishRequest(requestID, body)
		return nil
	})

	var batchDriftID uint64
	go func() {
		req := <-asyncTx
		batchDriftID = req.DriftID
		req.RespondTx <- drift.AsyncOpResult{DriftID: req.DriftID, Result: []any{"ra", "rb"}, DurationMS: 1}
	}()

	res, err := pool.Execute(context.Background(), drift.RequestTask{ActionName: "batch", Method: "GET", Path: "/"})
	if err != nil {
		t.Fatal(err)
	}
	if string(res.JSON) != `["ra","rb"]` {
		t.Fatalf("expected ordered batch results, got %s", res.JSON)
	}
	if batchDriftID != 1 {
		t.Fatalf("expected single drift id 1, got %d", batchDriftID)
	}
}

func TestActionErrorBecomesErrorJSON(t *testing.T) {
	asyncTx := make(chan drift.AsyncOpRequest, 16)
	pool := newTestPool(t, 1, asyncTx, func(host *Worker, requestID uint64, task *drift.RequestTask) error {
		return errContrived
	})

	res, err := pool.Execute(context.Background(), drift.RequestTask{ActionName: "boom", Method: "GET", Path: "/"})
	if err != nil {
		t.Fatal(err)
	}
	var parsed map[string]any
	if err := json.Unmarshal(res.JSON, &parsed); err != nil {
		t.Fatal(err)
	}
	if parsed["error"] != "contrived failure" {
		t.Fatalf("unexpected error payload %s", res.JSON)
	}
}

func TestDriftErrorTimingLabel(t *testing.T) {
	asyncTx := make(chan drift.AsyncOpRequest, 16)
	pool := newTestPool(t, 1, asyncTx, func(host *Worker, requestID uint64, task *drift.RequestTask) error {
		result, replay := host.DriftCall(requestID, drift.AsyncOp{Kind: drift.OpFetch, URL: "https://down/"})
		if !replay {
			return engine.ErrSuspended
		}
		body, _ := json.Marshal(result)
		host.FinishRequest(requestID, body)
		return nil
	})

	go func() {
		req := <-asyncTx
		req.RespondTx <- drift.AsyncOpResult{DriftID: req.DriftID,
			Result: map[string]any{"error": "connection refused"}, DurationMS: 1}
	}()

	res, err := pool.Execute(context.Background(), drift.RequestTask{ActionName: "down", Method: "GET", Path: "/"})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Timings) != 1 || res.Timings[0].Label != "drift_error" {
		t.Fatalf("expected drift_error timing, got %+v", res.Timings)
	}
}

var errContrived = contrivedError{}

type contrivedError struct{}

func (contrivedError) Error() string { return "contrived failure" }

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}
