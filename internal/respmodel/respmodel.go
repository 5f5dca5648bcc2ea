// Package respmodel holds the response value types shared by the
// configuration loader, the static-response analyzer, and the dispatcher:
// PrecomputedResponse and StaticResponse.
package respmodel

// ContentType enumerates the content types a precomputed or static
// response may carry.
type ContentType string

const (
	ContentJSON ContentType = "application/json"
	// ContentText is the precomputed/dynamic text reply content type.
	ContentText ContentType = "text/plain; charset=utf-8"
	// ContentPlainText is the static-response text content type; unlike
	// ContentText it carries no charset suffix.
	ContentPlainText ContentType = "text/plain"
	ContentHTML      ContentType = "text/html"
)

// PrecomputedResponse is a route-table literal response (types json/text
// in routes.json), built once at startup.
type PrecomputedResponse struct {
	Body        []byte
	ContentType ContentType
}

// Header is an ordered (name, value) pair, preserved verbatim.
type Header struct {
	Name  string
	Value string
}

// StaticResponse is the output of the static-response analyzer: a
// fully determined HTTP response an action would always produce.
type StaticResponse struct {
	Body         []byte
	ContentType  ContentType
	Status       int
	ExtraHeaders []Header
}

// Equal implements field-wise equality: two static responses are "the
// same" iff their bytes, content-type, status, and headers all match.
func (s StaticResponse) Equal(o StaticResponse) bool {
	if s.ContentType != o.ContentType || s.Status != o.Status {
		return false
	}
	if string(s.Body) != string(o.Body) {
		return false
	}
	if len(s.ExtraHeaders) != len(o.ExtraHeaders) {
		return false
	}
	for i := range s.ExtraHeaders {
		if s.ExtraHeaders[i] != o.ExtraHeaders[i] {
			return false
		}
	}
	return true
}

// ClampStatus clamps a status code into the valid HTTP range 100-599,
// defaulting to 200 when zero.
func ClampStatus(status int) int {
	if status == 0 {
		return 200
	}
	if status < 100 {
		return 100
	}
	if status > 599 {
		return 599
	}
	return status
}
