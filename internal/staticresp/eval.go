package staticresp

import (
	"math"
	"strconv"
	"strings"
)

// maxDepth bounds evalStatic recursion.
const maxDepth = 16

var mutationMethods = map[string]bool{
	"push": true, "pop": true, "shift": true, "unshift": true,
	"splice": true, "sort": true, "reverse": true, "fill": true,
	"copyWithin": true, "set": true, "delete": true, "clear": true,
}

// symtab answers, for every top-level-or-nested variable declaration:
// was it ever written again after its initializer, and — if it's bound
// to an object or array literal — was that aggregate ever mutated.
type symtab struct {
	decls     map[string]Node // declarator name -> initializer (nil if none)
	redeclared map[string]bool
	rewritten map[string]bool
	mutated   map[string]bool
}

func buildSymtab(prog *Program) *symtab {
	st := &symtab{
		decls:      map[string]Node{},
		redeclared: map[string]bool{},
		rewritten:  map[string]bool{},
		mutated:    map[string]bool{},
	}
	visit(prog, func(n Node) {
		switch v := n.(type) {
		case VarDecl:
			if v.Name == "" {
				return
			}
			if _, exists := st.decls[v.Name]; exists {
				st.redeclared[v.Name] = true
			}
			st.decls[v.Name] = v.Init
		case Assign:
			switch t := v.Target.(type) {
			case Ident:
				st.rewritten[t.Name] = true
			case Member:
				if id, ok := t.Obj.(Ident); ok {
					st.mutated[id.Name] = true
				}
			}
		case Delete:
			if m, ok := v.Target.(Member); ok {
				if id, ok := m.Obj.(Ident); ok {
					st.mutated[id.Name] = true
				}
			}
		case Call:
			if m, ok := v.Callee.(Member); ok && !m.Computed && mutationMethods[m.Prop] {
				if id, ok := m.Obj.(Ident); ok {
					st.mutated[id.Name] = true
				}
			}
		}
	})
	return st
}

// evalStatic evaluates a provably constant expression. The bool result is false for
// any construct the algorithm cannot prove statically; the caller treats
// that the same as a parse failure — the action is simply not registered.
func evalStatic(n Node, st *symtab, depth int) (any, bool) {
	if depth < 0 || n == nil {
		return nil, false
	}
	switch v := n.(type) {
	case StringLit:
		return v.Value, true
	case NumberLit:
		if math.IsNaN(v.Value) || math.IsInf(v.Value, 0) {
			return nil, false
		}
		return v.Value, true
	case BoolLit:
		return v.Value, true
	case NullLit:
		return nil, true
	case ObjectLit:
		obj := make(map[string]any, len(v.Props))
		for _, p := range v.Props {
			if p.Spread || p.Computed {
				return nil, false
			}
			val, ok := evalStatic(p.Value, st, depth-1)
			if !ok {
				return nil, false
			}
			obj[p.Key] = val
		}
		return obj, true
	case ArrayLit:
		arr := make([]any, len(v.Elems))
		for i, e := range v.Elems {
			if e == nil {
				arr[i] = nil
				continue
			}
			if _, isSpread := e.(Spread); isSpread {
				return nil, false
			}
			val, ok := evalStatic(e, st, depth-1)
			if !ok {
				return nil, false
			}
			arr[i] = val
		}
		return arr, true
	case TemplateLit:
		var sb strings.Builder
		for i, q := range v.Quasis {
			sb.WriteString(q)
			if i >= len(v.Exprs) {
				continue
			}
			val, ok := evalStatic(v.Exprs[i], st, depth-1)
			if !ok {
				return nil, false
			}
			s, ok := coerceToString(val)
			if !ok {
				return nil, false
			}
			sb.WriteString(s)
		}
		return sb.String(), true
	case Binary:
		if v.Op != "+" {
			return nil, false
		}
		l, ok := evalStatic(v.L, st, depth-1)
		if !ok {
			return nil, false
		}
		r, ok := evalStatic(v.R, st, depth-1)
		if !ok {
			return nil, false
		}
		lf, lIsNum := l.(float64)
		rf, rIsNum := r.(float64)
		if lIsNum && rIsNum {
			sum := lf + rf
			if math.IsNaN(sum) || math.IsInf(sum, 0) {
				return nil, false
			}
			return sum, true
		}
		ls, lok := coerceToString(l)
		rs, rok := coerceToString(r)
		if !lok || !rok {
			return nil, false
		}
		return ls + rs, true
	case Unary:
		if v.Op != "-" {
			return nil, false
		}
		val, ok := evalStatic(v.Operand, st, depth-1)
		if !ok {
			return nil, false
		}
		f, isNum := val.(float64)
		if !isNum {
			return nil, false
		}
		neg := -f
		if math.IsNaN(neg) || math.IsInf(neg, 0) {
			return nil, false
		}
		return neg, true
	case Ident:
		return resolveIdent(v.Name, st, depth)
	default:
		return nil, false
	}
}

func resolveIdent(name string, st *symtab, depth int) (any, bool) {
	if st.rewritten[name] || st.redeclared[name] {
		return nil, false
	}
	init, declared := st.decls[name]
	if !declared || init == nil {
		return nil, false
	}
	val, ok := evalStatic(init, st, depth-1)
	if !ok {
		return nil, false
	}
	switch val.(type) {
	case map[string]any, []any:
		if st.mutated[name] {
			return nil, false
		}
	}
	return val, true
}

// coerceToString implements the template-literal interpolation coercion
// rules: string as-is, number via JS-like formatting, boolean to
// "true"/"false", null to "null"; anything else disqualifies.
func coerceToString(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case float64:
		return formatNumber(t), true
	case bool:
		if t {
			return "true", true
		}
		return "false", true
	case nil:
		return "null", true
	default:
		return "", false
	}
}

func formatNumber(f float64) string {
	if !math.IsInf(f, 0) && f == math.Trunc(f) && math.Abs(f) < 1e15 {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}
