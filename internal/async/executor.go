// Package async implements the executor backing drift operations: a
// concurrent runtime owning the outbound HTTP client and the lazily
// initialized SQL pool, consuming AsyncOpRequests from the workers and
// delivering results back on their per-op oneshots.
//
// # Concurrency model
//
// One goroutine drains the request channel and spawns a subtask per op,
// so a slow fetch never delays an unrelated database query. The HTTP
// client and the pgx pool are both internally concurrency-safe and
// shared by every subtask. Pool initialization is deduplicated with
// singleflight so concurrent t.db.connect calls share one dial.
package async

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/t8nlab/titan/internal/drift"
	"github.com/t8nlab/titan/internal/hostapi"
	"github.com/t8nlab/titan/internal/logging"
)

const (
	requestChannelCapacity = 2048
	userAgent              = "TitanPL/1.0"
	defaultBatchTimeout    = 30 * time.Second
)

// Executor owns the shared I/O clients and runs drift ops.
type Executor struct {
	// Requests is the global channel workers enqueue ops onto.
	Requests chan drift.AsyncOpRequest

	// BatchTimeout caps the whole of a batch drift.
	BatchTimeout time.Duration

	client      *http.Client
	projectRoot string

	poolMu   sync.RWMutex
	pool     *pgxpool.Pool
	poolOnce singleflight.Group

	log *logging.Logger
}

// New builds an executor rooted at projectRoot. The HTTP client carries
// TLS defaults, TCP no-delay, and the fixed user agent.
func New(projectRoot string) *Executor {
	dialer := &net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}
	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			conn, err := dialer.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			if tcp, ok := conn.(*net.TCPConn); ok {
				_ = tcp.SetNoDelay(true)
			}
			return conn, nil
		},
		TLSClientConfig:     &tls.Config{MinVersion: tls.VersionTLS12},
		MaxIdleConnsPerHost: 64,
	}
	return &Executor{
		Requests:     make(chan drift.AsyncOpRequest, requestChannelCapacity),
		BatchTimeout: defaultBatchTimeout,
		client:       &http.Client{Transport: transport},
		projectRoot:  projectRoot,
		log:          logging.Default(),
	}
}

// Run drains the request channel until ctx is done or the channel
// closes, spawning one subtask per op.
func (e *Executor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req, ok := <-e.Requests:
			if !ok {
				return
			}
			go e.handle(ctx, req)
		}
	}
}

func (e *Executor) handle(ctx context.Context, req drift.AsyncOpRequest) {
	start := time.Now()
	result := e.runOp(ctx, req.Op)
	req.RespondTx <- drift.AsyncOpResult{
		DriftID:    req.DriftID,
		Result:     result,
		DurationMS: float64(time.Since(start)) / float64(time.Millisecond),
	}
}

func errResult(err error) map[string]any {
	return map[string]any{"error": err.Error()}
}

func (e *Executor) runOp(ctx context.Context, op drift.AsyncOp) any {
	switch op.Kind {
	case drift.OpFetch:
		return e.runFetch(ctx, op)
	case drift.OpDbQuery:
		return e.runDBQuery(ctx, op)
	case drift.OpFsRead:
		return e.runFsRead(op)
	case drift.OpBatch:
		return e.runBatch(ctx, op)
	}
	return map[string]any{"error": "unknown async op"}
}

// runFetch performs the outbound HTTP request. The response becomes
// {_isResponse, status, body, headers} with header names lowercased;
// network errors become {error}.
func (e *Executor) runFetch(ctx context.Context, op drift.AsyncOp) any {
	method := op.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if op.Body != "" {
		body = strings.NewReader(op.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, op.URL, body)
	if err != nil {
		return errResult(err)
	}
	req.Header.Set("User-Agent", userAgent)
	for _, h := range op.Headers {
		req.Header.Add(h.Name, h.Value)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return errResult(err)
	}
	defer resp.Body.Close()

	text, err := io.ReadAll(resp.Body)
	if err != nil {
		return errResult(err)
	}

	headers := map[string]any{}
	for name, values := range resp.Header {
		if len(values) > 0 {
			headers[strings.ToLower(name)] = values[0]
		}
	}

	return map[string]any{
		"_isResponse": true,
		"status":      float64(resp.StatusCode),
		"body":        string(text),
		"headers":     headers,
	}
}

// EnsurePool lazily initializes the process-global SQL pool. The conn
// string names the pool on first use only: a single pool exists and
// later conn strings are accepted but ignored (documented limitation).
func (e *Executor) EnsurePool(conn string, maxSize int) error {
	e.poolMu.RLock()
	ready := e.pool != nil
	e.poolMu.RUnlock()
	if ready {
		return nil
	}

	_, err, _ := e.poolOnce.Do("db", func() (any, error) {
		cfg, err := pgxpool.ParseConfig(conn)
		if err != nil {
			return nil, err
		}
		if maxSize <= 0 {
			maxSize = 16
		}
		cfg.MaxConns = int32(maxSize)
		pool, err := pgxpool.NewWithConfig(context.Background(), cfg)
		if err != nil {
			return nil, err
		}
		e.poolMu.Lock()
		e.pool = pool
		e.poolMu.Unlock()
		e.log.Info("db pool initialized", zap.Int("max_conns", maxSize))
		return nil, nil
	})
	return err
}

// runDBQuery executes a prepared statement with positionally bound
// string params, mapping each row to an object keyed by column name.
// Cells decode by trying string, int64, int32, bool in order; all-fail
// decodes to null.
func (e *Executor) runDBQuery(ctx context.Context, op drift.AsyncOp) any {
	e.poolMu.RLock()
	pool := e.pool
	e.poolMu.RUnlock()
	if pool == nil {
		return map[string]any{"error": "DB pool not initialized"}
	}

	args := make([]any, len(op.Params))
	for i, p := range op.Params {
		args[i] = p
	}

	rows, err := pool.Query(ctx, op.Query, args...)
	if err != nil {
		return errResult(err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	var out []any
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return errResult(err)
		}
		row := map[string]any{}
		for i, field := range fields {
			row[field.Name] = decodeCell(values[i])
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return errResult(err)
	}
	if out == nil {
		out = []any{}
	}
	return out
}

func decodeCell(v any) any {
	switch x := v.(type) {
	case string:
		return x
	case int64:
		return float64(x)
	case int32:
		return float64(x)
	case bool:
		return x
	default:
		return nil
	}
}

// runFsRead resolves the path inside the project root before any I/O,
// then reads as UTF-8 text.
func (e *Executor) runFsRead(op drift.AsyncOp) any {
	target, err := hostapi.ResolveWithinRoot(e.projectRoot, op.Path)
	if err != nil {
		return map[string]any{"error": "Access denied"}
	}
	data, err := os.ReadFile(target)
	if err != nil {
		return errResult(err)
	}
	return map[string]any{"data": string(data)}
}

// runBatch fans the sub-ops out concurrently under the batch timeout,
// returning results in declaration order regardless of completion
// order.
func (e *Executor) runBatch(ctx context.Context, op drift.AsyncOp) any {
	batchCtx, cancel := context.WithTimeout(ctx, e.BatchTimeout)
	defer cancel()

	results := make([]any, len(op.Sub))
	g, gctx := errgroup.WithContext(batchCtx)
	for i, sub := range op.Sub {
		g.Go(func() error {
			results[i] = e.runOp(gctx, sub)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// Close releases the SQL pool.
func (e *Executor) Close() {
	e.poolMu.Lock()
	defer e.poolMu.Unlock()
	if e.pool != nil {
		e.pool.Close()
		e.pool = nil
	}
}
