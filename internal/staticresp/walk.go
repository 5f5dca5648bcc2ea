package staticresp

// children returns the immediate child nodes of n, in evaluation order.
// It is the single traversal primitive both the symbol-table builder and
// the response-call collector are built on.
func children(n Node) []Node {
	switch v := n.(type) {
	case *Program:
		if v == nil {
			return nil
		}
		return v.Stmts
	case Program:
		return v.Stmts
	case *Block:
		if v == nil {
			return nil
		}
		return v.Stmts
	case Block:
		return v.Stmts
	case Generic:
		return v.Nested
	case VarDecl:
		if v.Init == nil {
			return nil
		}
		return []Node{v.Init}
	case ExprStmt:
		return []Node{v.Expr}
	case FuncDecl:
		return []Node{v.Body}
	case FuncExpr:
		return []Node{v.Body}
	case ReturnStmt:
		if v.Arg == nil {
			return nil
		}
		return []Node{v.Arg}
	case ObjectLit:
		out := make([]Node, 0, len(v.Props))
		for _, p := range v.Props {
			if p.Value != nil {
				out = append(out, p.Value)
			}
		}
		return out
	case ArrayLit:
		out := make([]Node, 0, len(v.Elems))
		for _, e := range v.Elems {
			if e != nil {
				out = append(out, e)
			}
		}
		return out
	case Spread:
		return []Node{v.Arg}
	case TemplateLit:
		return v.Exprs
	case Binary:
		return []Node{v.L, v.R}
	case Unary:
		return []Node{v.Operand}
	case Member:
		if v.Computed && v.Index != nil {
			return []Node{v.Obj, v.Index}
		}
		return []Node{v.Obj}
	case Call:
		out := make([]Node, 0, len(v.Args)+1)
		out = append(out, v.Callee)
		out = append(out, v.Args...)
		return out
	case Assign:
		return []Node{v.Target, v.Value}
	case Delete:
		return []Node{v.Target}
	default:
		return nil
	}
}

// visit calls fn on n and every descendant, pre-order.
func visit(n Node, fn func(Node)) {
	if n == nil {
		return
	}
	fn(n)
	for _, c := range children(n) {
		visit(c, fn)
	}
}
