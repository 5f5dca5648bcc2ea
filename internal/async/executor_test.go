package async

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/t8nlab/titan/internal/drift"
)

func TestFetchShapesResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Custom") != "yes" {
			t.Errorf("expected custom header to be forwarded")
		}
		w.Header().Set("X-Reply", "ok")
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("short and stout"))
	}))
	defer srv.Close()

	e := New(t.TempDir())
	result := e.runOp(context.Background(), drift.AsyncOp{
		Kind:    drift.OpFetch,
		URL:     srv.URL,
		Headers: []drift.Header{{Name: "X-Custom", Value: "yes"}},
	})

	m := result.(map[string]any)
	if m["_isResponse"] != true {
		t.Fatalf("expected _isResponse, got %v", m)
	}
	if m["status"] != float64(http.StatusTeapot) {
		t.Fatalf("unexpected status %v", m["status"])
	}
	if m["body"] != "short and stout" {
		t.Fatalf("unexpected body %v", m["body"])
	}
	headers := m["headers"].(map[string]any)
	if headers["x-reply"] != "ok" {
		t.Fatalf("expected lowercased response header, got %v", headers)
	}
}

func TestFetchNetworkErrorBecomesValue(t *testing.T) {
	e := New(t.TempDir())
	result := e.runOp(context.Background(), drift.AsyncOp{
		Kind: drift.OpFetch,
		URL:  "http://127.0.0.1:1/unreachable",
	})
	m := result.(map[string]any)
	if m["error"] == nil || m["error"] == "" {
		t.Fatalf("expected error value, got %v", m)
	}
}

func TestFsReadConfinedToRoot(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "inside.txt"), []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}
	outside := filepath.Join(filepath.Dir(root), "outside.txt")
	if err := os.WriteFile(outside, []byte("secret"), 0o644); err != nil {
		t.Fatal(err)
	}
	defer os.Remove(outside)

	e := New(root)

	ok := e.runOp(context.Background(), drift.AsyncOp{Kind: drift.OpFsRead, Path: "inside.txt"})
	if m := ok.(map[string]any); m["data"] != "hello" {
		t.Fatalf("expected data, got %v", m)
	}

	denied := e.runOp(context.Background(), drift.AsyncOp{Kind: drift.OpFsRead, Path: "../outside.txt"})
	if m := denied.(map[string]any); m["error"] != "Access denied" {
		t.Fatalf("expected Access denied, got %v", m)
	}
}

func TestDBQueryWithoutPool(t *testing.T) {
	e := New(t.TempDir())
	result := e.runOp(context.Background(), drift.AsyncOp{Kind: drift.OpDbQuery, Query: "select 1"})
	if m := result.(map[string]any); m["error"] != "DB pool not initialized" {
		t.Fatalf("expected pool error, got %v", m)
	}
}

func TestBatchPreservesDeclarationOrder(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
		_, _ = w.Write([]byte("slow"))
	}))
	defer slow.Close()
	fast := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("fast"))
	}))
	defer fast.Close()

	e := New(t.TempDir())
	result := e.runOp(context.Background(), drift.AsyncOp{
		Kind: drift.OpBatch,
		Sub: []drift.AsyncOp{
			{Kind: drift.OpFetch, URL: slow.URL},
			{Kind: drift.OpFetch, URL: fast.URL},
		},
	})

	arr := result.([]any)
	if len(arr) != 2 {
		t.Fatalf("expected 2 results, got %d", len(arr))
	}
	first := arr[0].(map[string]any)
	second := arr[1].(map[string]any)
	if first["body"] != "slow" || second["body"] != "fast" {
		t.Fatalf("expected declaration order regardless of completion, got %v then %v",
			first["body"], second["body"])
	}
}

func TestRunDeliversResultWithDuration(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("pong"))
	}))
	defer srv.Close()

	e := New(t.TempDir())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)

	respond := make(chan drift.AsyncOpResult, 1)
	e.Requests <- drift.AsyncOpRequest{
		Op:        drift.AsyncOp{Kind: drift.OpFetch, URL: srv.URL},
		DriftID:   7,
		RespondTx: respond,
	}

	select {
	case res := <-respond:
		if res.DriftID != 7 {
			t.Fatalf("unexpected drift id %d", res.DriftID)
		}
		if res.DurationMS <= 0 {
			t.Fatalf("expected positive duration, got %f", res.DurationMS)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for op result")
	}
}
