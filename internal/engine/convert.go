package engine

import (
	"encoding/json"

	"github.com/dop251/goja"
)

// valueToJSON serializes a script value to JSON bytes. Primitives convert
// directly; objects and arrays go through the engine's own JSON
// serializer (JSON.stringify), with a recursive Export fallback when the
// value defeats it (cycles throw inside stringify and land in the error
// path).
func (iso *Isolate) valueToJSON(v goja.Value) []byte {
	if v == nil || goja.IsNull(v) || goja.IsUndefined(v) {
		return []byte("null")
	}
	switch v.ExportType().Kind().String() {
	case "bool", "int64", "float64", "string":
		b, err := json.Marshal(v.Export())
		if err == nil {
			return b
		}
	}
	if out, err := iso.stringify(goja.Undefined(), v); err == nil && !goja.IsUndefined(out) {
		return []byte(out.String())
	}
	b, err := json.Marshal(v.Export())
	if err != nil {
		return []byte("null")
	}
	return b
}

// valueToAny exports a script value to a plain Go JSON value
// (map[string]any / []any / string / float64 / bool / nil) by routing
// objects through the engine's serializer and a host-side parse.
func (iso *Isolate) valueToAny(v goja.Value) any {
	data := iso.valueToJSON(v)
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}

// anyToValue converts a host JSON value into a script value via the
// engine's JSON parser, keeping object/array identity semantics inside
// the isolate.
func (iso *Isolate) anyToValue(v any) goja.Value {
	switch x := v.(type) {
	case nil:
		return goja.Null()
	case bool, float64, int64, int, string:
		return iso.vm.ToValue(x)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return goja.Null()
	}
	parsed, err := iso.parse(goja.Undefined(), iso.vm.ToValue(string(data)))
	if err != nil {
		return goja.Null()
	}
	return parsed
}
