// Package staticresp implements the static-response analyzer: it
// parses an action's source, resolves the symbols feeding every
// t.response.json/text/html call, and — when every such call in the file
// is provably the same response — returns it as a fast-path
// respmodel.StaticResponse the dispatcher can serve without ever
// starting the scripting engine.
package staticresp

import (
	"encoding/json"
	"sort"

	"github.com/t8nlab/titan/internal/respmodel"
)

// Analyze reports the action's fast-path response, if one can be proven.
// A false second return means the action must run through the worker
// pool like any other: it has no response calls, its response calls do
// not all produce the same response, or something about it is not
// statically computable. It never errors
// outward; parse failure and disqualification read identically.
func Analyze(source string) (respmodel.StaticResponse, bool) {
	prog, err := parseProgram(source)
	if err != nil {
		return respmodel.StaticResponse{}, false
	}
	st := buildSymtab(prog)

	var calls []Call
	visit(prog, func(n Node) {
		if c, ok := n.(Call); ok {
			calls = append(calls, c)
		}
	})

	var responses []respmodel.StaticResponse
	for _, call := range calls {
		kind, ok := isResponseCall(call)
		if !ok {
			continue
		}
		resp, ok := evalResponseCall(kind, call, st)
		if !ok {
			return respmodel.StaticResponse{}, false
		}
		responses = append(responses, resp)
	}
	if len(responses) == 0 {
		return respmodel.StaticResponse{}, false
	}
	first := responses[0]
	for _, r := range responses[1:] {
		if !r.Equal(first) {
			return respmodel.StaticResponse{}, false
		}
	}
	return first, true
}

// isResponseCall reports whether call's callee is the static member
// chain t.response.json / t.response.text / t.response.html, where t is
// a free identifier (never rebound — the analyzer doesn't track that
// separately since shadowing `t` inside a nested function would already
// disqualify any enclosing identifier resolution it depends on).
func isResponseCall(call Call) (string, bool) {
	outer, ok := call.Callee.(Member)
	if !ok || outer.Computed {
		return "", false
	}
	switch outer.Prop {
	case "json", "text", "html":
	default:
		return "", false
	}
	inner, ok := outer.Obj.(Member)
	if !ok || inner.Computed || inner.Prop != "response" {
		return "", false
	}
	id, ok := inner.Obj.(Ident)
	if !ok || id.Name != "t" {
		return "", false
	}
	return outer.Prop, true
}

func evalResponseCall(kind string, call Call, st *symtab) (respmodel.StaticResponse, bool) {
	if len(call.Args) == 0 {
		return respmodel.StaticResponse{}, false
	}
	if _, isSpread := call.Args[0].(Spread); isSpread {
		return respmodel.StaticResponse{}, false
	}
	bodyVal, ok := evalStatic(call.Args[0], st, maxDepth)
	if !ok {
		return respmodel.StaticResponse{}, false
	}

	status := 200
	var headers []respmodel.Header
	if len(call.Args) > 1 {
		if _, isSpread := call.Args[1].(Spread); isSpread {
			return respmodel.StaticResponse{}, false
		}
		optsVal, ok := evalStatic(call.Args[1], st, maxDepth)
		if !ok {
			return respmodel.StaticResponse{}, false
		}
		opts, ok := optsVal.(map[string]any)
		if !ok {
			return respmodel.StaticResponse{}, false
		}
		if sv, present := opts["status"]; present {
			f, ok := sv.(float64)
			if !ok {
				return respmodel.StaticResponse{}, false
			}
			status = int(f)
		}
		if hv, present := opts["headers"]; present {
			hm, ok := hv.(map[string]any)
			if !ok {
				return respmodel.StaticResponse{}, false
			}
			keys := make([]string, 0, len(hm))
			for k := range hm {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				sv, ok := hm[k].(string)
				if !ok {
					return respmodel.StaticResponse{}, false
				}
				headers = append(headers, respmodel.Header{Name: k, Value: sv})
			}
		}
	}

	var body []byte
	var ct respmodel.ContentType
	switch kind {
	case "json":
		b, err := json.Marshal(bodyVal)
		if err != nil {
			return respmodel.StaticResponse{}, false
		}
		body = b
		ct = respmodel.ContentJSON
	case "text", "html":
		s, ok := bodyVal.(string)
		if !ok {
			return respmodel.StaticResponse{}, false
		}
		body = []byte(s)
		if kind == "text" {
			ct = respmodel.ContentPlainText
		} else {
			ct = respmodel.ContentHTML
		}
	}

	return respmodel.StaticResponse{
		Body:         body,
		ContentType:  ct,
		Status:       respmodel.ClampStatus(status),
		ExtraHeaders: headers,
	}, true
}
