// Package rpcerr defines the structured errors that travel back to callers in the
// response code and message of a reply header.
package rpcerr

import (
	"errors"
	"fmt"
)

// Generic codes the container itself produces.
const (
	CodeNotNull     = "Err-Core-098"
	CodeTimeout     = "Err-Core-408"
	CodeRateLimited = "Err-Core-429"
)

var (
	NotNull     = New(CodeNotNull, "processor or result is null")
	Timeout     = New(CodeTimeout, "request timed out")
	RateLimited = New(CodeRateLimited, "rate limit exceeded")
)

// Error is an application error with an explicit code.
type Error struct {
	Code    string
	Message string
}

func New(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Errorf builds an Error whose message is formatted.
func Errorf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}

// Is matches any *Error with the same code, so errors.Is(err, rpcerr.Timeout) works on
// copies with a different message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// From returns the structured error inside err. Anything else is an unexpected failure
// and maps to NotNull, and ok reports which case applied.
func From(err error) (e *Error, ok bool) {
	if errors.As(err, &e) {
		return e, true
	}
	return NotNull, false
}
