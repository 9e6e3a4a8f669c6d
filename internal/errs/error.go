package errs

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// Error is the mediator's canonical application error: a stable Code
// plus a human-readable message and optional structured detail.
type Error struct {
	Code    Code
	Message string
	Detail  map[string]string
	cause   error
}

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

func (e *Error) WithDetail(k, v string) *Error {
	n := *e
	if n.Detail == nil {
		n.Detail = map[string]string{}
	} else {
		cp := make(map[string]string, len(n.Detail)+1)
		for k2, v2 := range n.Detail {
			cp[k2] = v2
		}
		n.Detail = cp
	}
	n.Detail[k] = v
	return &n
}

// As extracts an *Error from any error, synthesizing an INTERNAL
// wrapper when err isn't already one of ours.
func As(err error) *Error {
	if err == nil {
		return nil
	}
	if e, ok := err.(*Error); ok {
		return e
	}
	return &Error{Code: CodeInternal, Message: "internal error", cause: err}
}

// Body is the wire shape of an HTTP error response.
type Body struct {
	Code    Code              `json:"code"`
	Message string            `json:"message"`
	Detail  map[string]string `json:"detail,omitempty"`
}

// Envelope wraps Body the way every mediator HTTP error response is
// shaped: {"error": {...}}.
type Envelope struct {
	Error Body `json:"error"`
}

func (e *Error) Envelope() Envelope {
	return Envelope{Error: Body{Code: e.Code, Message: e.Message, Detail: e.Detail}}
}

// WriteHTTP writes err as a JSON error envelope with the status code
// registered for its Code.
func WriteHTTP(w http.ResponseWriter, err error) {
	e := As(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(Meta(e.Code).HTTPStatus)
	_ = json.NewEncoder(w).Encode(e.Envelope())
}
