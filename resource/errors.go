package resource

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/ggoodman/jsonresource-go/contexts"
)

// Error is an HTTP-status-aligned failure surfaced by connections and by the
// dispatch layer. Every error response produced by this module is rendered
// from an Error, so clients always observe the same JSON shape.
type Error struct {
	Code    int
	Reason  string
	Message string
	Detail  map[string]any
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%d %s: %s: %v", e.Code, e.Reason, e.Message, e.Cause)
	}
	return fmt.Sprintf("%d %s: %s", e.Code, e.Reason, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// WithDetail returns a copy of e carrying detail.
func (e *Error) WithDetail(detail map[string]any) *Error {
	cp := *e
	cp.Detail = detail
	return &cp
}

// ToJSON returns the wire representation:
//
//	{"code": 404, "reason": "Not Found", "message": "...", "detail": {...}}
func (e *Error) ToJSON() map[string]any {
	out := map[string]any{
		"code":    e.Code,
		"reason":  e.Reason,
		"message": e.Message,
	}
	if len(e.Detail) > 0 {
		out["detail"] = e.Detail
	}
	return out
}

// NewError builds an Error for an arbitrary status code. The reason phrase is
// the standard HTTP one, or "Unknown" for codes net/http doesn't know.
func NewError(code int, message string) *Error {
	reason := http.StatusText(code)
	if reason == "" {
		reason = "Unknown"
	}
	if message == "" {
		message = reason
	}
	return &Error{Code: code, Reason: reason, Message: message}
}

func NewBadRequest(format string, args ...any) *Error {
	return NewError(http.StatusBadRequest, fmt.Sprintf(format, args...))
}

func NewNotFound(format string, args ...any) *Error {
	return NewError(http.StatusNotFound, fmt.Sprintf(format, args...))
}

func NewConflict(format string, args ...any) *Error {
	return NewError(http.StatusConflict, fmt.Sprintf(format, args...))
}

func NewPreconditionFailed(format string, args ...any) *Error {
	return NewError(http.StatusPreconditionFailed, fmt.Sprintf(format, args...))
}

func NewNotSupported(format string, args ...any) *Error {
	return NewError(http.StatusNotImplemented, fmt.Sprintf(format, args...))
}

// NewInternalError wraps cause as a 500.
func NewInternalError(cause error) *Error {
	e := NewError(http.StatusInternalServerError, "")
	if cause != nil {
		e.Message = cause.Error()
		e.Cause = cause
	}
	return e
}

// Adapt returns the *Error in err's chain. Context lookup misses become 404,
// anything else is wrapped as an internal error.
func Adapt(err error) *Error {
	if err == nil {
		return nil
	}
	var re *Error
	if errors.As(err, &re) {
		return re
	}
	if errors.Is(err, contexts.ErrNotFound) {
		e := NewError(http.StatusNotFound, err.Error())
		e.Cause = err
		return e
	}
	return NewInternalError(err)
}

// IsNotFound reports whether err carries a 404.
func IsNotFound(err error) bool {
	var re *Error
	if errors.As(err, &re) {
		return re.Code == http.StatusNotFound
	}
	return errors.Is(err, contexts.ErrNotFound)
}
