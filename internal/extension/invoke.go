package extension

import (
	"encoding/json"
	"strconv"

	"github.com/ebitengine/purego"
)

// buildInvoker resolves a symbol into a generic invoker for the declared
// signature. Registration with purego happens once here; the returned
// closure only coerces arguments and converts the result.
//
// The supported shapes mirror the trampoline contract: parameter counts
// 0, 1, and 2 for the common type combinations. json parameters travel
// as serialized C strings; a json result is parsed back, with a null
// C-string decoding to null (and to "" for string results — purego
// already maps NULL to the empty Go string).
func buildInvoker(sym uintptr, sig Signature) func(args []any) any {
	raw := registerTyped(sym, sig)
	if raw == nil {
		return func([]any) any { return nil }
	}
	return func(args []any) any {
		coerced := make([]any, len(sig.Params))
		for i, p := range sig.Params {
			var arg any
			if i < len(args) {
				arg = args[i]
			}
			coerced[i] = coerceArg(arg, p)
		}
		result := raw(coerced)
		return convertResult(result, sig.Ret)
	}
}

// paramKind collapses the declared type to the Go-level ABI type used
// for registration: json travels as a string, buffer as []byte.
func paramKind(p ParamType) byte {
	switch p {
	case TypeString, TypeJSON:
		return 's'
	case TypeF64:
		return 'f'
	case TypeBool:
		return 'b'
	case TypeBuffer:
		return 'u'
	}
	return 's'
}

func returnKind(r ReturnType) byte {
	switch r {
	case RetString, RetJSON:
		return 's'
	case RetF64:
		return 'f'
	case RetBool:
		return 'b'
	default:
		// void; buffer returns are unsupported and behave as void
		return 'v'
	}
}

func reg[T any](sym uintptr) T {
	var f T
	purego.RegisterFunc(&f, sym)
	return f
}

// registerTyped builds the typed call wrapper for the signature, or nil
// when the combination is outside the supported set.
func registerTyped(sym uintptr, sig Signature) func([]any) any {
	key := string(returnKind(sig.Ret)) + "("
	for i, p := range sig.Params {
		if i > 0 {
			key += ","
		}
		key += string(paramKind(p))
	}
	key += ")"

	switch key {
	case "s()":
		f := reg[func() string](sym)
		return func([]any) any { return f() }
	case "f()":
		f := reg[func() float64](sym)
		return func([]any) any { return f() }
	case "b()":
		f := reg[func() bool](sym)
		return func([]any) any { return f() }
	case "v()":
		f := reg[func()](sym)
		return func([]any) any { f(); return nil }

	case "s(s)":
		f := reg[func(string) string](sym)
		return func(a []any) any { return f(a[0].(string)) }
	case "f(s)":
		f := reg[func(string) float64](sym)
		return func(a []any) any { return f(a[0].(string)) }
	case "b(s)":
		f := reg[func(string) bool](sym)
		return func(a []any) any { return f(a[0].(string)) }
	case "v(s)":
		f := reg[func(string)](sym)
		return func(a []any) any { f(a[0].(string)); return nil }

	case "s(f)":
		f := reg[func(float64) string](sym)
		return func(a []any) any { return f(a[0].(float64)) }
	case "f(f)":
		f := reg[func(float64) float64](sym)
		return func(a []any) any { return f(a[0].(float64)) }
	case "b(f)":
		f := reg[func(float64) bool](sym)
		return func(a []any) any { return f(a[0].(float64)) }
	case "v(f)":
		f := reg[func(float64)](sym)
		return func(a []any) any { f(a[0].(float64)); return nil }

	case "s(b)":
		f := reg[func(bool) string](sym)
		return func(a []any) any { return f(a[0].(bool)) }
	case "f(b)":
		f := reg[func(bool) float64](sym)
		return func(a []any) any { return f(a[0].(bool)) }
	case "b(b)":
		f := reg[func(bool) bool](sym)
		return func(a []any) any { return f(a[0].(bool)) }
	case "v(b)":
		f := reg[func(bool)](sym)
		return func(a []any) any { f(a[0].(bool)); return nil }

	case "s(u)":
		f := reg[func([]byte) string](sym)
		return func(a []any) any { return f(a[0].([]byte)) }
	case "f(u)":
		f := reg[func([]byte) float64](sym)
		return func(a []any) any { return f(a[0].([]byte)) }
	case "b(u)":
		f := reg[func([]byte) bool](sym)
		return func(a []any) any { return f(a[0].([]byte)) }
	case "v(u)":
		f := reg[func([]byte)](sym)
		return func(a []any) any { f(a[0].([]byte)); return nil }

	case "s(s,s)":
		f := reg[func(string, string) string](sym)
		return func(a []any) any { return f(a[0].(string), a[1].(string)) }
	case "f(s,s)":
		f := reg[func(string, string) float64](sym)
		return func(a []any) any { return f(a[0].(string), a[1].(string)) }
	case "b(s,s)":
		f := reg[func(string, string) bool](sym)
		return func(a []any) any { return f(a[0].(string), a[1].(string)) }
	case "v(s,s)":
		f := reg[func(string, string)](sym)
		return func(a []any) any { f(a[0].(string), a[1].(string)); return nil }

	case "s(s,f)":
		f := reg[func(string, float64) string](sym)
		return func(a []any) any { return f(a[0].(string), a[1].(float64)) }
	case "f(s,f)":
		f := reg[func(string, float64) float64](sym)
		return func(a []any) any { return f(a[0].(string), a[1].(float64)) }
	case "b(s,f)":
		f := reg[func(string, float64) bool](sym)
		return func(a []any) any { return f(a[0].(string), a[1].(float64)) }
	case "v(s,f)":
		f := reg[func(string, float64)](sym)
		return func(a []any) any { f(a[0].(string), a[1].(float64)); return nil }
	}
	return nil
}

// coerceArg converts a script-supplied value into the Go ABI type for
// the declared parameter.
func coerceArg(v any, p ParamType) any {
	switch p {
	case TypeString:
		return toString(v)
	case TypeJSON:
		b, err := json.Marshal(v)
		if err != nil {
			return "null"
		}
		return string(b)
	case TypeF64:
		return toFloat(v)
	case TypeBool:
		b, _ := v.(bool)
		return b
	case TypeBuffer:
		return toBytes(v)
	}
	return toString(v)
}

func toString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	case nil:
		return ""
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return ""
		}
		return string(b)
	}
}

func toFloat(v any) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case int64:
		return float64(x)
	case string:
		f, _ := strconv.ParseFloat(x, 64)
		return f
	case bool:
		if x {
			return 1
		}
	}
	return 0
}

func toBytes(v any) []byte {
	switch x := v.(type) {
	case []byte:
		return x
	case string:
		return []byte(x)
	case []any:
		out := make([]byte, len(x))
		for i, e := range x {
			out[i] = byte(toFloat(e))
		}
		return out
	}
	return nil
}

// convertResult maps the raw ABI return value into the script-facing
// value for the declared result type.
func convertResult(raw any, r ReturnType) any {
	switch r {
	case RetString:
		s, _ := raw.(string)
		return s
	case RetF64:
		f, _ := raw.(float64)
		return f
	case RetBool:
		b, _ := raw.(bool)
		return b
	case RetJSON:
		s, _ := raw.(string)
		if s == "" {
			return nil
		}
		var v any
		if err := json.Unmarshal([]byte(s), &v); err != nil {
			return nil
		}
		return v
	default:
		return nil
	}
}
