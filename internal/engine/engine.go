// Package engine wraps the embedded JavaScript engine into the isolate
// abstraction the worker pool owns: one single-threaded VM per worker,
// with the t.* host API surface injected once at startup and user
// actions compiled into callable functions.
//
// # Concurrency model
//
// An Isolate is not safe for concurrent use. Each worker owns exactly
// one and drives it from a single OS thread; suspension happens only by
// the drift sentinel unwinding the script stack, never by yielding the
// thread mid-action.
package engine

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/t8nlab/titan/internal/drift"
	"github.com/t8nlab/titan/internal/extension"
	"github.com/t8nlab/titan/internal/logging"
	"github.com/t8nlab/titan/internal/sharecontext"
	"github.com/t8nlab/titan/internal/titanerr"
)

//go:embed corejs/core.js
var coreJS string

// suspendSentinel is the distinguished exception message thrown to
// unwind the isolate when a drift must wait.
const suspendSentinel = "__SUSPEND__"

// ErrSuspended reports that an action threw the drift suspend sentinel:
// the request is parked, not failed.
var ErrSuspended = errors.New("action suspended on drift")

// Host is the worker-side surface the isolate's bindings call back into.
// The worker that owns the isolate implements it.
type Host interface {
	// DriftCall allocates the next drift id for the request and either
	// returns the cached result (replay) or enqueues the op and reports
	// that the action must suspend.
	DriftCall(requestID uint64, op drift.AsyncOp) (cached any, replay bool)
	// FinishRequest delivers the action's final JSON result.
	FinishRequest(requestID uint64, resultJSON []byte)
	// EnsureDBPool lazily initializes the shared SQL pool for
	// t.db.connect.
	EnsureDBPool(conn string, maxSize int) error
}

// internedKeys holds the request-object property names constructed once
// per isolate and reused on every request.
type internedKeys struct {
	method, path, headers, params, query string
	rawBody, requestID, titanReq, action string
}

func newInternedKeys() internedKeys {
	return internedKeys{
		method:    "method",
		path:      "path",
		headers:   "headers",
		params:    "params",
		query:     "query",
		rawBody:   "rawBody",
		requestID: "__titan_request_id",
		titanReq:  "__titan_req",
		action:    "__titan_action",
	}
}

// Config carries everything an isolate needs at construction.
type Config struct {
	ID          int
	ProjectRoot string
	Share       *sharecontext.Store
	Extensions  *extension.Registry
	Host        Host
	// Actions maps action name to source file path.
	Actions map[string]string
}

// Isolate is one scripting engine instance plus its compiled actions.
type Isolate struct {
	id          int
	vm          *goja.Runtime
	host        Host
	projectRoot string
	share       *sharecontext.Store

	actions   map[string]goja.Value
	runAction goja.Callable

	stringify goja.Callable
	parse     goja.Callable

	keys internedKeys
	log  *logging.Logger
}

// New builds an isolate: injects the t.* surface, evaluates the embedded
// script-side core, injects extension modules, and compiles every
// action. Actions that fail to compile are logged (on isolate 0 only, to
// avoid N-fold noise) and not registered.
func New(cfg Config) *Isolate {
	iso := &Isolate{
		id:          cfg.ID,
		vm:          goja.New(),
		host:        cfg.Host,
		projectRoot: cfg.ProjectRoot,
		share:       cfg.Share,
		actions:     map[string]goja.Value{},
		keys:        newInternedKeys(),
		log:         logging.Default(),
	}

	jsonObj := iso.vm.Get("JSON").ToObject(iso.vm)
	iso.stringify, _ = goja.AssertFunction(jsonObj.Get("stringify"))
	iso.parse, _ = goja.AssertFunction(jsonObj.Get("parse"))

	iso.vm.Set("__titan_root", cfg.ProjectRoot)
	iso.injectBindings()
	iso.runCore()
	iso.injectExtensions(cfg.Extensions)
	iso.loadActions(cfg.Actions)
	return iso
}

func (iso *Isolate) runCore() {
	if _, err := iso.vm.RunString(coreJS); err != nil {
		iso.log.Error("core script initialization failed", zap.Int("isolate", iso.id), zap.Error(err))
		return
	}
	if run, ok := goja.AssertFunction(iso.vm.Get("__titan_run_action")); ok {
		iso.runAction = run
	}
}

// loadActions compiles each action source into a callable. The source is
// first evaluated in a wrapper that surfaces a globalThis registration
// (the jsbundle convention); a source that is itself a bare function
// expression is accepted as a fallback.
func (iso *Isolate) loadActions(actions map[string]string) {
	for name, path := range actions {
		code, err := os.ReadFile(path)
		if err != nil {
			if iso.id == 0 {
				iso.log.Warn("action file unreadable", zap.String("action", name), zap.Error(err))
			}
			continue
		}

		wrapped := fmt.Sprintf("(function() { %s })(); globalThis[%q];", code, name)
		val, err := iso.vm.RunString(wrapped)
		if err == nil {
			if _, ok := goja.AssertFunction(val); ok {
				iso.actions[name] = val
				continue
			}
		}

		val, err2 := iso.vm.RunString(fmt.Sprintf("(%s)", code))
		if err2 == nil {
			if _, ok := goja.AssertFunction(val); ok {
				iso.actions[name] = val
				continue
			}
		}

		if iso.id == 0 {
			compileErr := titanerr.Wrap(titanerr.KindActionCompile, "failed to compile action", err)
			iso.log.Warn("action not registered", zap.String("action", name), zap.Error(compileErr))
		}
	}
}

// HasAction reports whether the action compiled and registered.
func (iso *Isolate) HasAction(name string) bool {
	_, ok := iso.actions[name]
	return ok
}

// Execute runs the named action against the request task. It returns
// nil when the action ran to completion (it has already delivered its
// result via _finish_request), ErrSuspended when the action parked on a
// drift, and an ActionRuntimeError for any other uncaught exception.
func (iso *Isolate) Execute(requestID uint64, task *drift.RequestTask) error {
	actionVal, ok := iso.actions[task.ActionName]
	if !ok {
		return titanerr.New(titanerr.KindActionRuntime,
			fmt.Sprintf("Action '%s' not found", task.ActionName))
	}

	req := iso.vm.NewObject()
	req.Set(iso.keys.requestID, int64(requestID))
	req.Set(iso.keys.method, task.Method)
	req.Set(iso.keys.path, task.Path)
	if task.Body != nil {
		req.Set(iso.keys.rawBody, iso.vm.ToValue(iso.vm.NewArrayBuffer(task.Body)))
	} else {
		req.Set(iso.keys.rawBody, goja.Null())
	}
	req.Set(iso.keys.headers, iso.stringMapObject(task.Headers))
	req.Set(iso.keys.params, iso.stringMapObject(task.Params))
	req.Set(iso.keys.query, iso.stringMapObject(task.Query))

	iso.vm.Set(iso.keys.titanReq, req)
	iso.vm.Set(iso.keys.action, task.ActionName)

	var err error
	if iso.runAction != nil {
		_, err = iso.runAction(goja.Undefined(), actionVal, req)
	} else if fn, callable := goja.AssertFunction(actionVal); callable {
		_, err = fn(goja.Undefined(), req)
	}
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), suspendSentinel) {
		return ErrSuspended
	}
	msg := err.Error()
	var ex *goja.Exception
	if errors.As(err, &ex) {
		msg = ex.Value().String()
	}
	return titanerr.New(titanerr.KindActionRuntime, msg)
}

func (iso *Isolate) stringMapObject(m map[string]string) *goja.Object {
	obj := iso.vm.NewObject()
	for k, v := range m {
		obj.Set(k, v)
	}
	return obj
}

// currentRequestID reads __titan_req.__titan_request_id from the global,
// the way the drift primitive discovers which request it belongs to.
func (iso *Isolate) currentRequestID() uint64 {
	reqVal := iso.vm.Get(iso.keys.titanReq)
	if reqVal == nil || goja.IsUndefined(reqVal) || goja.IsNull(reqVal) {
		return 0
	}
	idVal := reqVal.ToObject(iso.vm).Get(iso.keys.requestID)
	if idVal == nil {
		return 0
	}
	return uint64(idVal.ToInteger())
}

// currentActionName reads __titan_action for log tagging.
func (iso *Isolate) currentActionName() string {
	v := iso.vm.Get(iso.keys.action)
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return "init"
	}
	return v.String()
}

func (iso *Isolate) throw(msg string) {
	panic(iso.vm.ToValue(msg))
}
