package core

import (
	"errors"
	"fmt"
)

// Error codes used across the bridge and worker.
const (
	CodeValidation       = "VALIDATION"
	CodeBridgeRepublish  = "BRIDGE_REPUBLISH"
	CodeInvalidConfig    = "INVALID_CONFIG"
	CodeProcessingFailed = "PROCESSING_FAILED"
)

// Sentinel errors. Match with errors.Is.
var (
	// ErrValidation marks a malformed or incomplete message. Such messages are
	// dropped and never retried.
	ErrValidation = errors.New("validation error")

	// ErrBridgeRepublish marks a request the bridge consumed but failed to put
	// on the task queue.
	ErrBridgeRepublish = errors.New("bridge republish failure")

	// ErrInvalidConfig marks a constructor called with unusable settings.
	ErrInvalidConfig = errors.New("invalid configuration")
)

// Error carries a code, the failing operation and the correlation id of the
// message being handled.
type Error struct {
	Code          string
	Op            string
	CorrelationID string
	Message       string
	Err           error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.CorrelationID != "" {
		msg = fmt.Sprintf("%s (correlationId=%s)", msg, e.CorrelationID)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Validationf builds a validation error for op.
func Validationf(op, format string, args ...interface{}) error {
	return &Error{
		Code:    CodeValidation,
		Op:      op,
		Message: fmt.Sprintf(format, args...),
		Err:     ErrValidation,
	}
}

// InvalidConfigf builds a configuration error.
func InvalidConfigf(format string, args ...interface{}) error {
	return &Error{
		Code:    CodeInvalidConfig,
		Message: fmt.Sprintf(format, args...),
		Err:     ErrInvalidConfig,
	}
}

// IsValidation reports whether err is a validation error.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
