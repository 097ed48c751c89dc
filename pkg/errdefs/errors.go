// Package errdefs defines the error taxonomy shared by the execution
// engine and the control-plane API. Every error that crosses the API
// boundary carries a stable code; the HTTP status is derived from it.
package errdefs

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies an error class on the wire.
type Code string

const (
	CodeSessionNotFound    Code = "SessionNotFound"
	CodeFlowNotFound       Code = "FlowNotFound"
	CodeExecutionNotFound  Code = "ExecutionNotFound"
	CodeRequestNotFound    Code = "RequestNotFound"
	CodeFileNotFound       Code = "FileNotFound"
	CodeWsSessionNotFound  Code = "WsSessionNotFound"
	CodeRunNotFound        Code = "RunNotFound"
	CodeValidation         Code = "ValidationError"
	CodeContentOrPath      Code = "ContentOrPathRequired"
	CodeRequestIndexRange  Code = "RequestIndexOutOfRange"
	CodePathOutsideRoot    Code = "PathOutsideWorkspace"
	CodeParse              Code = "Parse"
	CodeNoRequestsFound    Code = "NoRequestsFound"
	CodeExecute            Code = "Execute"
	CodeSessionLimit       Code = "SessionLimitReached"
	CodeFlowLimit          Code = "FlowLimitReached"
	CodeWsSessionLimit     Code = "WsSessionLimitReached"
	CodeTimeout            Code = "Timeout"
	CodeUnauthorized       Code = "Unauthorized"
	CodeWsBinaryUnsupported Code = "WsBinaryUnsupported"
	CodeWsFrameTooLarge    Code = "WsFrameTooLarge"
	CodeWsReplayGap        Code = "WsReplayGap"
)

// Error is a coded error with optional structured details.
type Error struct {
	Code    Code           `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`

	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New creates a coded error.
func New(code Code, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

// Newf creates a coded error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a coded error wrapping a cause.
func Wrap(code Code, msg string, cause error) *Error {
	return &Error{Code: code, Message: msg, cause: cause}
}

// WithDetails attaches structured details, returning the same error.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// CodeOf extracts the code from err, or CodeExecute for uncoded errors.
func CodeOf(err error) Code {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Code
	}
	return CodeExecute
}

// AsError returns the coded error inside err, wrapping uncoded errors
// as CodeExecute so handlers always have a code and a message.
func AsError(err error) *Error {
	var ce *Error
	if errors.As(err, &ce) {
		return ce
	}
	return &Error{Code: CodeExecute, Message: err.Error(), cause: err}
}

// HTTPStatus maps an error code to the HTTP status the API responds with.
func HTTPStatus(code Code) int {
	switch code {
	case CodeSessionNotFound, CodeFlowNotFound, CodeExecutionNotFound,
		CodeRequestNotFound, CodeFileNotFound, CodeWsSessionNotFound, CodeRunNotFound:
		return http.StatusNotFound
	case CodeValidation, CodeContentOrPath, CodeRequestIndexRange,
		CodeParse, CodeNoRequestsFound,
		CodeWsBinaryUnsupported, CodeWsFrameTooLarge, CodeWsReplayGap:
		return http.StatusBadRequest
	case CodePathOutsideRoot:
		return http.StatusForbidden
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeSessionLimit, CodeFlowLimit, CodeWsSessionLimit:
		return http.StatusServiceUnavailable
	case CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// IsNotFound reports whether err carries any of the not-found codes.
func IsNotFound(err error) bool {
	return HTTPStatus(CodeOf(err)) == http.StatusNotFound
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}
