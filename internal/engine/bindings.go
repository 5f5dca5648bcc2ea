package engine

import (
	"encoding/json"
	"fmt"

	"github.com/dop251/goja"

	"github.com/t8nlab/titan/internal/drift"
	"github.com/t8nlab/titan/internal/extension"
	"github.com/t8nlab/titan/internal/hostapi"
)

// injectBindings installs the native half of the t.* host surface. The
// script-side core (corejs/core.js) layers the drift wrappers and
// t.response over these primitives.
func (iso *Isolate) injectBindings() {
	vm := iso.vm
	t := vm.NewObject()

	vm.Set("defineAction", func(call goja.FunctionCall) goja.Value {
		return call.Argument(0)
	})

	t.Set("read", iso.nativeRead)
	t.Set("readSync", iso.nativeReadSync)
	t.Set("decodeUtf8", iso.nativeDecodeUTF8)
	t.Set("log", iso.nativeLog)
	t.Set("fetch", iso.nativeFetchMeta)
	t.Set("_drift_call", iso.nativeDriftCall)
	t.Set("_finish_request", iso.nativeFinishRequest)
	t.Set("loadEnv", func(call goja.FunctionCall) goja.Value {
		return iso.anyToValue(hostapi.LoadEnv())
	})

	jwtObj := vm.NewObject()
	jwtObj.Set("sign", iso.nativeJWTSign)
	jwtObj.Set("verify", iso.nativeJWTVerify)
	t.Set("jwt", jwtObj)

	pwObj := vm.NewObject()
	pwObj.Set("hash", func(call goja.FunctionCall) goja.Value {
		h, err := hostapi.PasswordHash(call.Argument(0).String())
		if err != nil {
			iso.throw(err.Error())
		}
		return vm.ToValue(h)
	})
	pwObj.Set("verify", func(call goja.FunctionCall) goja.Value {
		return vm.ToValue(hostapi.PasswordVerify(call.Argument(0).String(), call.Argument(1).String()))
	})
	t.Set("password", pwObj)

	scObj := vm.NewObject()
	scObj.Set("get", iso.nativeShareGet)
	scObj.Set("set", iso.nativeShareSet)
	scObj.Set("delete", func(call goja.FunctionCall) goja.Value {
		iso.share.Delete(call.Argument(0).String())
		return goja.Undefined()
	})
	scObj.Set("keys", func(call goja.FunctionCall) goja.Value {
		return vm.ToValue(iso.share.Keys())
	})
	scObj.Set("broadcast", iso.nativeShareBroadcast)
	t.Set("shareContext", scObj)

	dbObj := vm.NewObject()
	dbObj.Set("connect", iso.nativeDBConnect)
	t.Set("db", dbObj)

	coreObj := vm.NewObject()
	fsObj := vm.NewObject()
	fsObj.Set("read", iso.nativeRead)
	fsObj.Set("readFile", iso.nativeReadSync)
	coreObj.Set("fs", fsObj)
	t.Set("core", coreObj)

	vm.Set("t", t)
}

// driftDescriptor builds the {__titanAsync, type, data} object the
// script-side core hands back to t._drift_call.
func (iso *Isolate) driftDescriptor(opType string, data *goja.Object) *goja.Object {
	obj := iso.vm.NewObject()
	obj.Set("__titanAsync", true)
	obj.Set("type", opType)
	obj.Set("data", data)
	return obj
}

func (iso *Isolate) nativeRead(call goja.FunctionCall) goja.Value {
	pathVal := call.Argument(0)
	if goja.IsUndefined(pathVal) || goja.IsNull(pathVal) {
		iso.throw("t.read(path): path is required")
	}
	data := iso.vm.NewObject()
	data.Set("path", pathVal.String())
	return iso.driftDescriptor("fs_read", data)
}

func (iso *Isolate) nativeReadSync(call goja.FunctionCall) goja.Value {
	pathVal := call.Argument(0)
	if goja.IsUndefined(pathVal) || goja.IsNull(pathVal) {
		iso.throw("readSync/readFile: path is required")
	}
	content, err := hostapi.ReadFileSync(iso.projectRoot, pathVal.String())
	if err != nil {
		return goja.Null()
	}
	return iso.vm.ToValue(content)
}

func (iso *Isolate) nativeDecodeUTF8(call goja.FunctionCall) goja.Value {
	switch data := call.Argument(0).Export().(type) {
	case goja.ArrayBuffer:
		return iso.vm.ToValue(string(data.Bytes()))
	case []byte:
		return iso.vm.ToValue(string(data))
	}
	return goja.Null()
}

func (iso *Isolate) nativeLog(call goja.FunctionCall) goja.Value {
	parts := make([]any, 0, len(call.Arguments))
	for _, arg := range call.Arguments {
		if obj, ok := arg.(*goja.Object); ok {
			parts = append(parts, string(iso.valueToJSON(obj)))
			continue
		}
		parts = append(parts, arg.String())
	}
	iso.log.Script(iso.currentActionName(), parts...)
	return goja.Undefined()
}

func (iso *Isolate) nativeFetchMeta(call goja.FunctionCall) goja.Value {
	data := iso.vm.NewObject()
	data.Set("url", call.Argument(0).String())
	data.Set("opts", call.Argument(1))
	return iso.driftDescriptor("fetch", data)
}

func (iso *Isolate) nativeJWTSign(call goja.FunctionCall) goja.Value {
	payload, _ := iso.valueToAny(call.Argument(0)).(map[string]any)
	secret := call.Argument(1).String()

	var expiresIn any
	if opts, ok := call.Argument(2).(*goja.Object); ok {
		if ev := opts.Get("expiresIn"); ev != nil && !goja.IsUndefined(ev) {
			expiresIn = ev.Export()
		}
	}

	token, err := hostapi.JWTSign(payload, secret, expiresIn)
	if err != nil {
		iso.throw(err.Error())
	}
	return iso.vm.ToValue(token)
}

func (iso *Isolate) nativeJWTVerify(call goja.FunctionCall) goja.Value {
	claims, err := hostapi.JWTVerify(call.Argument(0).String(), call.Argument(1).String())
	if err != nil {
		iso.throw(err.Error())
	}
	return iso.anyToValue(claims)
}

func (iso *Isolate) nativeShareGet(call goja.FunctionCall) goja.Value {
	v, ok := iso.share.Get(call.Argument(0).String())
	if !ok {
		return goja.Null()
	}
	return iso.anyToValue(v)
}

func (iso *Isolate) nativeShareSet(call goja.FunctionCall) goja.Value {
	iso.share.Set(call.Argument(0).String(), iso.valueToAny(call.Argument(1)))
	return goja.Undefined()
}

func (iso *Isolate) nativeShareBroadcast(call goja.FunctionCall) goja.Value {
	iso.share.Broadcast(call.Argument(0).String(), iso.valueToAny(call.Argument(1)))
	return goja.Undefined()
}

func (iso *Isolate) nativeDBConnect(call goja.FunctionCall) goja.Value {
	conn := call.Argument(0).String()
	if conn == "" || goja.IsUndefined(call.Argument(0)) {
		iso.throw("t.db.connect(): connection string required")
	}

	maxSize := 16
	if opts, ok := call.Argument(1).(*goja.Object); ok {
		if mv := opts.Get("max"); mv != nil && !goja.IsUndefined(mv) {
			if n := int(mv.ToInteger()); n > 0 {
				maxSize = n
			}
		}
	}
	if err := iso.host.EnsureDBPool(conn, maxSize); err != nil {
		iso.throw(err.Error())
	}

	connObj := iso.vm.NewObject()
	connObj.Set("query", func(qc goja.FunctionCall) goja.Value {
		data := iso.vm.NewObject()
		data.Set("conn", "default")
		data.Set("query", qc.Argument(0).String())

		params := []string{}
		if arr, ok := qc.Argument(1).(*goja.Object); ok {
			if exported, ok := arr.Export().([]any); ok {
				for _, p := range exported {
					params = append(params, fmt.Sprint(p))
				}
			}
		}
		data.Set("params", iso.vm.ToValue(params))
		return iso.driftDescriptor("db_query", data)
	})
	return connObj
}

// parseAsyncOp converts a drift descriptor object back into the host's
// AsyncOp shape.
func (iso *Isolate) parseAsyncOp(v goja.Value) (drift.AsyncOp, bool) {
	obj, ok := v.(*goja.Object)
	if !ok {
		return drift.AsyncOp{}, false
	}
	opType := obj.Get("type")
	dataVal := obj.Get("data")
	if opType == nil || dataVal == nil {
		return drift.AsyncOp{}, false
	}
	data, ok := dataVal.(*goja.Object)
	if !ok {
		return drift.AsyncOp{}, false
	}

	switch opType.String() {
	case "fetch":
		op := drift.AsyncOp{Kind: drift.OpFetch, Method: "GET"}
		op.URL = stringProp(data, "url")
		if opts, ok := data.Get("opts").(*goja.Object); ok {
			if m := stringProp(opts, "method"); m != "" {
				op.Method = m
			}
			if bv := opts.Get("body"); bv != nil && !goja.IsUndefined(bv) && !goja.IsNull(bv) {
				if _, isObj := bv.(*goja.Object); isObj {
					op.Body = string(iso.valueToJSON(bv))
				} else {
					op.Body = bv.String()
				}
			}
			if hv, ok := opts.Get("headers").(*goja.Object); ok {
				for _, key := range hv.Keys() {
					op.Headers = append(op.Headers, drift.Header{
						Name:  key,
						Value: hv.Get(key).String(),
					})
				}
			}
		}
		return op, true

	case "db_query":
		op := drift.AsyncOp{Kind: drift.OpDbQuery}
		op.Conn = stringProp(data, "conn")
		op.Query = stringProp(data, "query")
		if pv := data.Get("params"); pv != nil {
			if arr, ok := pv.Export().([]any); ok {
				for _, p := range arr {
					op.Params = append(op.Params, fmt.Sprint(p))
				}
			}
		}
		return op, true

	case "fs_read":
		return drift.AsyncOp{Kind: drift.OpFsRead, Path: stringProp(data, "path")}, true
	}
	return drift.AsyncOp{}, false
}

func stringProp(obj *goja.Object, key string) string {
	v := obj.Get(key)
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return ""
	}
	return v.String()
}

func (iso *Isolate) nativeDriftCall(call goja.FunctionCall) goja.Value {
	arg := call.Argument(0)

	var op drift.AsyncOp
	if obj, isObj := arg.(*goja.Object); isObj && obj.ClassName() == "Array" {
		batch := drift.AsyncOp{Kind: drift.OpBatch}
		length := int(obj.Get("length").ToInteger())
		for i := 0; i < length; i++ {
			if sub, ok := iso.parseAsyncOp(obj.Get(fmt.Sprint(i))); ok {
				batch.Sub = append(batch.Sub, sub)
			}
		}
		op = batch
	} else {
		parsed, ok := iso.parseAsyncOp(arg)
		if !ok {
			iso.throw("drift() requires an async operation or array of operations")
		}
		op = parsed
	}

	requestID := iso.currentRequestID()
	cached, replay := iso.host.DriftCall(requestID, op)
	if replay {
		return iso.anyToValue(cached)
	}
	iso.throw(suspendSentinel)
	return goja.Undefined() // unreachable
}

func (iso *Isolate) nativeFinishRequest(call goja.FunctionCall) goja.Value {
	requestID := uint64(call.Argument(0).ToInteger())
	result := call.Argument(1)

	var payload []byte
	if obj, ok := result.(*goja.Object); ok && obj.Get("_isResponse") != nil && obj.Get("_isResponse").ToBoolean() {
		// Hot path: extract status/headers/body field-by-field; body is
		// already a serialized string and passes through untouched.
		out := map[string]any{"_isResponse": true}
		if sv := obj.Get("status"); sv != nil && !goja.IsUndefined(sv) {
			out["status"] = sv.ToInteger()
		}
		if bv := obj.Get("body"); bv != nil && !goja.IsUndefined(bv) && !goja.IsNull(bv) {
			out["body"] = bv.String()
		}
		if hv, ok := obj.Get("headers").(*goja.Object); ok {
			headers := map[string]string{}
			for _, key := range hv.Keys() {
				headers[key] = hv.Get(key).String()
			}
			out["headers"] = headers
		}
		if rv := obj.Get("redirect"); rv != nil && !goja.IsUndefined(rv) && !goja.IsNull(rv) {
			out["redirect"] = rv.String()
		}
		var err error
		payload, err = json.Marshal(out)
		if err != nil {
			payload = []byte(`{"error":"failed to serialize response"}`)
		}
	} else {
		payload = iso.valueToJSON(result)
	}

	iso.host.FinishRequest(requestID, payload)
	return goja.Undefined()
}

// injectExtensions binds the generic native invoker, then builds each
// extension module's script object and evaluates its entry source with t
// as its single parameter.
func (iso *Isolate) injectExtensions(reg *extension.Registry) {
	if reg == nil {
		return
	}
	vm := iso.vm

	vm.Set("__titan_invoke_native", func(call goja.FunctionCall) goja.Value {
		index := int(call.Argument(0).ToInteger())
		entry := reg.Native(index)
		if entry == nil {
			iso.throw("Native function not found")
		}
		var args []any
		if exported, ok := call.Argument(1).Export().([]any); ok {
			args = exported
		}
		result := entry.Invoke(args)
		switch entry.Sig.Ret {
		case extension.RetJSON:
			return iso.anyToValue(result)
		case extension.RetVoid, extension.RetBuffer:
			return goja.Undefined()
		default:
			return vm.ToValue(result)
		}
	})

	tObj := vm.Get("t").ToObject(vm)
	for _, mod := range reg.Modules {
		modObj := vm.NewObject()
		for fnName, idx := range mod.Map {
			wrapper, err := vm.RunString(fmt.Sprintf(
				"(function(...args) { return __titan_invoke_native(%d, args); })", idx))
			if err == nil {
				modObj.Set(fnName, wrapper)
			}
		}
		tObj.Set(mod.Name, modObj)
		vm.Set(iso.keys.action, mod.Name)

		entry, err := vm.RunString(fmt.Sprintf("(function(t) { %s })", mod.JS))
		if err != nil {
			iso.log.Warn("extension entry script failed to compile: " + mod.Name)
			continue
		}
		if fn, ok := goja.AssertFunction(entry); ok {
			if _, err := fn(goja.Undefined(), tObj); err != nil {
				iso.log.Warn("extension entry script failed: " + mod.Name)
			}
		}
	}
}
