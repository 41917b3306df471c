package queue

import "fmt"

// Code is the small error taxonomy every RPC error is mapped from.
type Code string

const (
	CodeValidation Code = "VALIDATION"
	CodeNotFound   Code = "NOT_FOUND"
	CodePermission Code = "PERMISSION"
	CodeTimeout    Code = "TIMEOUT"
	CodeInternal   Code = "INTERNAL"
)

// Error is a taxonomy-tagged error surfaced verbatim to RPC callers for
// VALIDATION/NOT_FOUND/PERMISSION, and logged-but-generalized for INTERNAL.
type Error struct {
	Code    Code
	Reason  string // machine-readable sub-code, e.g. "wrong_agent", "not_pending"
	Message string
}

func (e *Error) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s(%s): %s", e.Code, e.Reason, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func validationErr(reason, format string, args ...any) *Error {
	return &Error{Code: CodeValidation, Reason: reason, Message: fmt.Sprintf(format, args...)}
}

func notFoundErr(format string, args ...any) *Error {
	return &Error{Code: CodeNotFound, Message: fmt.Sprintf(format, args...)}
}
