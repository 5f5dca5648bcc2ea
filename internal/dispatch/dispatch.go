// Package dispatch is the entry point the HTTP layer calls: it decides
// between precomputed, fast-path, and worker-dispatched execution and
// assembles the final response.
//
// The fast-path check runs before any body or header parsing: a
// precomputed reply or a statically analyzed action is served from
// cached bytes without touching the scripting engine.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t8nlab/titan/internal/drift"
	"github.com/t8nlab/titan/internal/logging"
	"github.com/t8nlab/titan/internal/metrics"
	"github.com/t8nlab/titan/internal/observability"
	"github.com/t8nlab/titan/internal/respmodel"
	"github.com/t8nlab/titan/internal/route"
	"github.com/t8nlab/titan/internal/utils"
)

// Executor is the worker pool surface the dispatcher needs.
type Executor interface {
	Execute(ctx context.Context, task drift.RequestTask) (drift.WorkerResult, error)
}

// Dispatcher routes decoded requests per the serving-mode ladder.
type Dispatcher struct {
	Table      *route.Table
	FastPaths  map[string]respmodel.StaticResponse
	Pool       Executor
	Production bool

	log *logging.Logger
}

// New builds a dispatcher over an immutable route table and fast-path
// registry.
func New(table *route.Table, fastPaths map[string]respmodel.StaticResponse, pool Executor, production bool) *Dispatcher {
	return &Dispatcher{
		Table:      table,
		FastPaths:  fastPaths,
		Pool:       pool,
		Production: production,
		log:        logging.Default(),
	}
}

func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	method := strings.ToUpper(r.Method)
	path := r.URL.Path

	// Phase 1: fast paths, before any body/header work.
	if rt, ok := d.Table.LookupExact(method, path); ok {
		switch rt.Type {
		case route.TypeJSON, route.TypeText:
			if pre, ok := rt.Value.(respmodel.PrecomputedResponse); ok {
				d.writePrecomputed(w, pre, start)
				d.logServed(method, path, "reply", metrics.ModeReply, start, nil)
				return
			}
		case route.TypeAction:
			name, _ := rt.Value.(string)
			if static, ok := d.FastPaths[name]; ok {
				d.writeStatic(w, static, start)
				d.logServed(method, path, "fastpath", metrics.ModeFastPath, start, nil)
				return
			}
		case route.TypeString:
			if s, ok := rt.Value.(string); ok {
				d.writeTiming(w, "reply", start)
				_, _ = io.WriteString(w, s)
				d.logServed(method, path, "reply", metrics.ModeReply, start, nil)
				return
			}
		}
	}

	// Phase 2: decode the request for dynamic execution.
	query := map[string]string{}
	for key, values := range r.URL.Query() {
		if len(values) > 0 {
			query[key] = values[0]
		}
	}
	headers := map[string]string{}
	for key, values := range r.Header {
		if len(values) > 0 {
			headers[key] = values[0]
		}
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "Failed to read request body", http.StatusBadRequest)
		metrics.RequestsTotal.WithLabelValues(metrics.ModeError).Inc()
		return
	}
	// A request without a body (http.NoBody) forwards nil; any other body,
	// even an empty one, forwards a non-nil slice.
	var bodyArg []byte
	if r.Body != http.NoBody {
		bodyArg = body
	}

	params := map[string]string{}
	var actionName string
	if rt, ok := d.Table.LookupExact(method, path); ok && rt.Type == route.TypeAction {
		actionName, _ = rt.Value.(string)
	}
	if actionName == "" {
		if name, p, ok := d.Table.MatchDynamic(method, path); ok {
			actionName = name
			params = p
		}
	}
	if actionName == "" {
		http.Error(w, "Not Found", http.StatusNotFound)
		d.logServed(method, path, "404", metrics.ModeNotFound, start, nil)
		return
	}

	// Phase 3: dispatch to the worker pool.
	ctx, span := observability.StartRequestSpan(r.Context(), method, path)
	span.SetAttributes(observability.AttrAction.String(actionName))
	defer span.End()

	result, err := d.Pool.Execute(ctx, drift.RequestTask{
		ActionName: actionName,
		Body:       bodyArg,
		Method:     method,
		Path:       path,
		Headers:    headers,
		Params:     params,
		Query:      query,
	})
	if err != nil {
		observability.SetSpanError(span, err)
		d.writeErrorJSON(w, err.Error())
		d.logServed(method, path, "error", metrics.ModeError, start, nil)
		return
	}

	for _, timing := range result.Timings {
		_, driftSpan := observability.StartDriftSpan(ctx, timing.Label, timing.Milliseconds)
		driftSpan.End()
		outcome := "ok"
		if timing.Label == "drift_error" {
			outcome = "error"
		}
		metrics.DriftDuration.WithLabelValues("drift", outcome).Observe(timing.Milliseconds / 1000)
	}

	// Phase 4: response construction from the worker's JSON.
	d.writeResult(w, result, method, path, start)
}

// writeResult implements steps 7-9 of the dispatch ladder.
func (d *Dispatcher) writeResult(w http.ResponseWriter, result drift.WorkerResult, method, path string, start time.Time) {
	var parsed map[string]any
	isObject := json.Unmarshal(result.JSON, &parsed) == nil

	if isObject {
		if _, hasErr := parsed["error"]; hasErr {
			d.setTimingHeader(w, result.Timings)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write(result.JSON)
			d.logServed(method, path, "error", metrics.ModeError, start, result.Timings)
			return
		}

		if isResp, _ := parsed["_isResponse"].(bool); isResp {
			status := http.StatusOK
			if s, ok := parsed["status"].(float64); ok {
				status = respmodel.ClampStatus(int(s))
			}
			if hmap, ok := parsed["headers"].(map[string]any); ok {
				for name, value := range hmap {
					if vs, ok := value.(string); ok {
						w.Header().Set(name, vs)
					}
				}
			}

			bodyText, _ := parsed["body"].(string)
			if location, ok := parsed["redirect"].(string); ok && location != "" {
				if status < 300 || status >= 400 {
					status = http.StatusFound
				}
				w.Header().Set("Location", location)
				bodyText = ""
			}

			d.setTimingHeader(w, result.Timings)
			w.WriteHeader(status)
			_, _ = io.WriteString(w, bodyText)
			d.logServed(method, path, "action", metrics.ModeDynamic, start, result.Timings)
			return
		}
	}

	d.setTimingHeader(w, result.Timings)
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(result.JSON)
	d.logServed(method, path, "action", metrics.ModeDynamic, start, result.Timings)
}

func (d *Dispatcher) writeErrorJSON(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusInternalServerError)
	payload, _ := json.Marshal(map[string]string{"error": msg})
	_, _ = w.Write(payload)
}

func (d *Dispatcher) writePrecomputed(w http.ResponseWriter, pre respmodel.PrecomputedResponse, start time.Time) {
	d.writeTiming(w, "reply", start)
	w.Header().Set("Content-Type", string(pre.ContentType))
	_, _ = w.Write(pre.Body)
}

func (d *Dispatcher) writeStatic(w http.ResponseWriter, static respmodel.StaticResponse, start time.Time) {
	d.writeTiming(w, "fastpath", start)
	w.Header().Set("Content-Type", string(static.ContentType))
	for _, h := range static.ExtraHeaders {
		w.Header().Set(h.Name, h.Value)
	}
	w.WriteHeader(static.Status)
	_, _ = w.Write(static.Body)
}

// writeTiming attaches a Server-Timing entry for the fast paths; omitted
// entirely in production mode.
func (d *Dispatcher) writeTiming(w http.ResponseWriter, label string, start time.Time) {
	if d.Production {
		return
	}
	elapsed := float64(time.Since(start)) / float64(time.Millisecond)
	w.Header().Set("Server-Timing", fmt.Sprintf("%s;dur=%s", label, utils.FormatDurationMS(elapsed)))
}

// setTimingHeader summarizes drift durations for the dynamic path.
func (d *Dispatcher) setTimingHeader(w http.ResponseWriter, timings []drift.TimingEntry) {
	if d.Production || len(timings) == 0 {
		return
	}
	entries := make([]string, len(timings))
	for i, t := range timings {
		entries[i] = fmt.Sprintf("%s_%d;dur=%s", t.Label, i, utils.FormatDurationMS(t.Milliseconds))
	}
	w.Header().Set("Server-Timing", strings.Join(entries, ", "))
}

func (d *Dispatcher) logServed(method, path, label, mode string, start time.Time, timings []drift.TimingEntry) {
	elapsed := time.Since(start)
	metrics.RequestsTotal.WithLabelValues(mode).Inc()
	metrics.RequestDuration.WithLabelValues(mode).Observe(elapsed.Seconds())
	if d.Production {
		return
	}

	var driftMS float64
	for _, t := range timings {
		driftMS += t.Milliseconds
	}
	prefix := utils.Blue("[Titan]")
	if len(timings) > 0 {
		prefix = utils.Blue("[Titan Drift]")
	}
	line := fmt.Sprintf("%s %s %s %s %s",
		prefix,
		utils.Green(method+" "+path),
		utils.White("→"),
		utils.Yellow(label),
		utils.Gray(fmt.Sprintf("in %.2fms", float64(elapsed)/float64(time.Millisecond))))
	fields := []zap.Field{zap.Float64("drift_ms", driftMS)}
	if mode == metrics.ModeDynamic || mode == metrics.ModeError {
		// Correlation id for dynamic executions only; fast paths stay
		// allocation-free.
		fields = append(fields, zap.String("trace_id", uuid.NewString()))
	}
	d.log.Info(line, fields...)
}
