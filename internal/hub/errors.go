package hub

import "fmt"

const (
	CodeHubUnreachable = "E_HUB_UNREACHABLE"
	CodeAuthInvalid    = "E_AUTH_INVALID"
	CodeObjectNotFound = "E_OBJECT_NOT_FOUND"
	CodeTransferFailed = "E_TRANSFER_FAILED"
	CodeScanFailed     = "E_SCAN_FAILED"
)

// Error wraps hub failures with retryability hints.
type Error struct {
	Code      string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return e.Code
}

func (e *Error) Unwrap() error         { return e.Err }
func (e *Error) CodeValue() string     { return e.Code }
func (e *Error) RetryableStatus() bool { return e.Retryable }

func wrapError(code string, retryable bool, err error) *Error {
	if err == nil {
		return &Error{Code: code, Retryable: retryable}
	}
	return &Error{Code: code, Retryable: retryable, Err: err}
}
