// Provides common liveobjects error definitions.
package liveobjects_errors

import (
	"fmt"

	"github.com/pkg/errors"
)

// Error codes as reported by the realtime service.
const (
	CodeBadRequest      = 40000
	CodeValidation      = 40003
	CodeMaxMessageSize  = 40009
	CodeMissingMode     = 40024
	CodeChannelState    = 90001
	CodeInvalidObjectID = 92000
	CodePathNotResolved = 92005
	CodeTypeMismatch    = 92007
	CodeSyncCancelled   = 92008
)

// ErrorInfo is a coded error. Two ErrorInfo values match with errors.Is
// when their codes are equal.
type ErrorInfo struct {
	Code       int
	StatusCode int
	Message    string
	Cause      error
}

func (e *ErrorInfo) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("liveobjects: %s (code %d): %v", e.Message, e.Code, e.Cause)
	}
	return fmt.Sprintf("liveobjects: %s (code %d)", e.Message, e.Code)
}

func (e *ErrorInfo) Unwrap() error {
	return e.Cause
}

func (e *ErrorInfo) Is(target error) bool {
	t, ok := target.(*ErrorInfo)
	return ok && t.Code == e.Code
}

var (
	ErrSyncCancelled = &ErrorInfo{Code: CodeSyncCancelled, StatusCode: 400, Message: "object sync was cancelled"}
	ErrBatchClosed   = &ErrorInfo{Code: CodeBadRequest, StatusCode: 400, Message: "batch is closed"}

	// Code-only values to match constructed errors with errors.Is.
	ErrMissingMode     = &ErrorInfo{Code: CodeMissingMode}
	ErrChannelState    = &ErrorInfo{Code: CodeChannelState}
	ErrPathNotResolved = &ErrorInfo{Code: CodePathNotResolved}
	ErrTypeMismatch    = &ErrorInfo{Code: CodeTypeMismatch}
	ErrValidation      = &ErrorInfo{Code: CodeValidation}
	ErrMaxMessageSize  = &ErrorInfo{Code: CodeMaxMessageSize}
	ErrInvalidObjectID = &ErrorInfo{Code: CodeInvalidObjectID}
)

func MissingModeError(mode string) error {
	return &ErrorInfo{
		Code:       CodeMissingMode,
		StatusCode: 400,
		Message:    fmt.Sprintf("channel mode %q is required", mode),
	}
}

func ChannelStateError(state string) error {
	return &ErrorInfo{
		Code:       CodeChannelState,
		StatusCode: 400,
		Message:    fmt.Sprintf("channel operation failed as channel state is %s", state),
	}
}

func PathNotResolvedError(path string) error {
	return &ErrorInfo{
		Code:       CodePathNotResolved,
		StatusCode: 400,
		Message:    fmt.Sprintf("could not resolve path %q", path),
	}
}

func TypeMismatchError(op, want, got string) error {
	return &ErrorInfo{
		Code:       CodeTypeMismatch,
		StatusCode: 400,
		Message:    fmt.Sprintf("cannot %s: expected %s, got %s", op, want, got),
	}
}

func ValidationError(format string, args ...any) error {
	return &ErrorInfo{
		Code:       CodeValidation,
		StatusCode: 400,
		Message:    fmt.Sprintf(format, args...),
	}
}

func MaxMessageSizeError(size, max int) error {
	return &ErrorInfo{
		Code:       CodeMaxMessageSize,
		StatusCode: 400,
		Message:    fmt.Sprintf("maximum size of object messages that can be published at once exceeded (was %d bytes; limit is %d bytes)", size, max),
	}
}

func InvalidObjectIDError(id string, cause error) error {
	return &ErrorInfo{
		Code:       CodeInvalidObjectID,
		StatusCode: 500,
		Message:    fmt.Sprintf("invalid object id %q", id),
		Cause:      cause,
	}
}

// Wrap annotates err with a message, keeping errors.Is on the code.
func Wrap(err error, msg string) error {
	return errors.Wrap(err, msg)
}
