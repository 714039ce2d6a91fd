package usecase

import "fmt"

type ErrorCode string

const (
	ErrorInvalidAddress    ErrorCode = "INVALID_ADDRESS"
	ErrorInvalidInput      ErrorCode = "INVALID_INPUT"
	ErrorUnauthorized      ErrorCode = "UNAUTHORIZED"
	ErrorQuotaExceeded     ErrorCode = "QUOTA_EXCEEDED"
	ErrorNotFound          ErrorCode = "NOT_FOUND"
	ErrorGenerationFailure ErrorCode = "GENERATION_FAILURE"
	ErrorStoreUnavailable  ErrorCode = "STORE_UNAVAILABLE"
	ErrorInternal          ErrorCode = "INTERNAL_ERROR"
)

type Error struct {
	Code   ErrorCode
	Reason string
	// Notice is user-facing text the adapter may show instead of its
	// generic message for Code.
	Notice string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("usecase: %s (%s)", e.Code, e.Reason)
	}
	return fmt.Sprintf("usecase: %s (%s): %v", e.Code, e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func newError(code ErrorCode, reason string, err error) *Error {
	return &Error{Code: code, Reason: reason, Err: err}
}
