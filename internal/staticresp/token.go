package staticresp

// This file, lexer.go and parser.go implement a small recursive-descent front end for
// exactly the JavaScript subset the static-response analyzer needs to
// recognize: literals, object/array/template literals, binary `+`,
// unary `-`, member/call chains, assignments, and the mutating method
// calls that disqualify a tracked symbol. It intentionally does not aim
// to be a general JS parser — anything it cannot confidently classify is
// surfaced to the caller as "not static," which is always a safe outcome
// per the algorithm's own "when in doubt, return not static" rule.

type tokenKind int

const (
	tEOF tokenKind = iota
	tIdent
	tKeyword
	tString
	tNumber
	tTemplate // raw backtick-delimited source; re-lexed by parseTemplateLiteral
	tPunct
)

type token struct {
	kind tokenKind
	text string  // identifier/keyword/punct text, or unescaped string value
	num  float64 // valid when kind == tNumber
	pos  int
}

var keywords = map[string]bool{
	"var": true, "let": true, "const": true, "function": true,
	"return": true, "true": true, "false": true, "null": true,
	"undefined": true, "delete": true, "new": true, "if": true,
	"else": true, "for": true, "while": true, "try": true, "catch": true,
	"finally": true, "throw": true, "typeof": true, "in": true, "of": true,
	"do": true, "switch": true, "case": true, "default": true, "break": true,
	"continue": true, "this": true, "async": true, "await": true,
}
