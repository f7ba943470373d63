// Package errors provides structured error types for the vmdbg server.
// These errors include helpful hints and suggestions that guide the caller
// to correct course when something goes wrong.
package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
)

// ErrorCode represents a category of error for programmatic handling
type ErrorCode string

const (
	// Session errors
	CodeSessionNotFound     ErrorCode = "SESSION_NOT_FOUND"
	CodeSessionLimitReached ErrorCode = "SESSION_LIMIT_REACHED"
	CodeSessionTerminated   ErrorCode = "SESSION_TERMINATED"
	CodeNoMainIsolate       ErrorCode = "NO_MAIN_ISOLATE"

	// VM connection and protocol errors
	CodeConnectionFailed  ErrorCode = "CONNECTION_FAILED"
	CodeProtocolError     ErrorCode = "PROTOCOL_ERROR"
	CodeEvaluationTimeout ErrorCode = "EVALUATION_TIMEOUT"
	CodeAnomalousEvent    ErrorCode = "ANOMALOUS_EVENT"
	CodeVersionMismatch   ErrorCode = "VERSION_MISMATCH"

	// Parameter errors
	CodeMissingParameter ErrorCode = "MISSING_PARAMETER"
	CodeInvalidParameter ErrorCode = "INVALID_PARAMETER"
	CodeInvalidJSON      ErrorCode = "INVALID_JSON"

	// Permission errors
	CodePermissionDenied ErrorCode = "PERMISSION_DENIED"

	// Configuration errors
	CodeConfigInvalid ErrorCode = "CONFIG_INVALID"

	// Runtime errors
	CodeBreakpointFailed ErrorCode = "BREAKPOINT_FAILED"
	CodeStepFailed       ErrorCode = "STEP_FAILED"
)

// DebugError is a structured error type that includes helpful information
// for the caller to understand what went wrong and how to fix it.
type DebugError struct {
	// Code is a machine-readable error category
	Code ErrorCode `json:"code"`

	// Message is a human-readable description of what went wrong
	Message string `json:"message"`

	// Hint provides actionable guidance on how to fix the error
	Hint string `json:"hint,omitempty"`

	// Details contains additional context (e.g., the invalid value, expected format)
	Details map[string]interface{} `json:"details,omitempty"`

	// Cause is the underlying error, if any
	Cause error `json:"-"`
}

// Error implements the error interface
func (e *DebugError) Error() string {
	var sb strings.Builder
	sb.WriteString(e.Message)

	if e.Hint != "" {
		sb.WriteString(" | Hint: ")
		sb.WriteString(e.Hint)
	}

	return sb.String()
}

// Unwrap returns the underlying error for error chaining
func (e *DebugError) Unwrap() error {
	return e.Cause
}

// WithDetails adds details to the error
func (e *DebugError) WithDetails(key string, value interface{}) *DebugError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithCause sets the underlying cause
func (e *DebugError) WithCause(err error) *DebugError {
	e.Cause = err
	return e
}

// HasCode reports whether err, or any error it wraps, is a DebugError with
// the given code.
func HasCode(err error, code ErrorCode) bool {
	var de *DebugError
	for err != nil {
		if !stderrors.As(err, &de) {
			return false
		}
		if de.Code == code {
			return true
		}
		err = de.Cause
	}
	return false
}

// IsConnectionFailed reports whether err is fatal to the VM connection.
func IsConnectionFailed(err error) bool {
	return HasCode(err, CodeConnectionFailed)
}

// IsProtocolError reports whether err carries an error payload returned by the VM.
func IsProtocolError(err error) bool {
	return HasCode(err, CodeProtocolError)
}

// --- Session Errors ---

// SessionNotFound creates an error for when a session ID doesn't exist
func SessionNotFound(sessionID string) *DebugError {
	return &DebugError{
		Code:    CodeSessionNotFound,
		Message: fmt.Sprintf("session '%s' not found", sessionID),
		Hint:    "Use vm_list_sessions to see active sessions, or use vm_attach to create a new session.",
		Details: map[string]interface{}{
			"sessionId": sessionID,
		},
	}
}

// SessionLimitReached creates an error when max sessions is reached
func SessionLimitReached(maxSessions int) *DebugError {
	return &DebugError{
		Code:    CodeSessionLimitReached,
		Message: fmt.Sprintf("maximum number of sessions (%d) reached", maxSessions),
		Hint:    "Use vm_detach to terminate an existing session before creating a new one.",
		Details: map[string]interface{}{
			"maxSessions": maxSessions,
		},
	}
}

// SessionTerminated creates an error for a session whose VM connection is gone
func SessionTerminated(sessionID string) *DebugError {
	return &DebugError{
		Code:    CodeSessionTerminated,
		Message: fmt.Sprintf("session '%s' is no longer connected to the VM", sessionID),
		Hint:    "The VM exited or closed the connection. Use vm_detach to clean up and vm_attach to reconnect.",
		Details: map[string]interface{}{
			"sessionId": sessionID,
		},
	}
}

// NoMainIsolate creates an error for commands issued before any isolate is known
func NoMainIsolate() *DebugError {
	return &DebugError{
		Code:    CodeNoMainIsolate,
		Message: "no main isolate is known yet",
		Hint:    "The VM has not reported an isolate or a pause since attaching. Wait for the first pause (see vm_events) and retry.",
	}
}

// --- VM Errors ---

// ConnectionFailed creates an error for an unusable VM connection. It is fatal
// to the session.
func ConnectionFailed(address string, err error) *DebugError {
	return &DebugError{
		Code:    CodeConnectionFailed,
		Message: fmt.Sprintf("connection to VM at %s failed: %v", address, err),
		Hint:    "Check that the VM was started with its debug service enabled on this host and port, and that it is still running.",
		Cause:   err,
		Details: map[string]interface{}{
			"address": address,
		},
	}
}

// ConnectionClosed creates an error for requests issued or pending when the
// connection shut down.
func ConnectionClosed() *DebugError {
	return &DebugError{
		Code:    CodeConnectionFailed,
		Message: "connection to VM is closed",
		Hint:    "The session has ended. Use vm_attach to connect again.",
	}
}

// ProtocolError creates an error for a response that carries an error payload
func ProtocolError(command, message string) *DebugError {
	return &DebugError{
		Code:    CodeProtocolError,
		Message: fmt.Sprintf("VM rejected %s: %s", command, message),
		Details: map[string]interface{}{
			"command": command,
		},
	}
}

// EvaluationTimeout creates an error for an expression that produced no value in time
func EvaluationTimeout(expression string, timeoutMillis int64) *DebugError {
	return &DebugError{
		Code:    CodeEvaluationTimeout,
		Message: fmt.Sprintf("evaluation of '%s' timed out after %dms", expression, timeoutMillis),
		Details: map[string]interface{}{
			"expression":    expression,
			"timeoutMillis": timeoutMillis,
		},
	}
}

// AnomalousEvent creates an error describing an event that refers to unknown state
func AnomalousEvent(event, reason string) *DebugError {
	return &DebugError{
		Code:    CodeAnomalousEvent,
		Message: fmt.Sprintf("ignoring %s event: %s", event, reason),
		Details: map[string]interface{}{
			"event": event,
		},
	}
}

// VersionMismatch creates an error for a VM speaking an older protocol than supported
func VersionMismatch(actual, minimum string) *DebugError {
	return &DebugError{
		Code:    CodeVersionMismatch,
		Message: fmt.Sprintf("VM protocol version %s is older than the minimum supported version %s", actual, minimum),
		Hint:    "Some commands may be rejected. Upgrade the VM or lower vm.minProtocolVersion in the configuration.",
		Details: map[string]interface{}{
			"actual":  actual,
			"minimum": minimum,
		},
	}
}

// --- Parameter Errors ---

// MissingParameter creates an error for missing required parameters
func MissingParameter(paramName, description string) *DebugError {
	return &DebugError{
		Code:    CodeMissingParameter,
		Message: fmt.Sprintf("required parameter '%s' is missing", paramName),
		Hint:    description,
		Details: map[string]interface{}{
			"parameter": paramName,
		},
	}
}

// InvalidParameter creates an error for invalid parameter values
func InvalidParameter(paramName string, value interface{}, expected string) *DebugError {
	return &DebugError{
		Code:    CodeInvalidParameter,
		Message: fmt.Sprintf("invalid value for parameter '%s': %v", paramName, value),
		Hint:    fmt.Sprintf("Expected: %s", expected),
		Details: map[string]interface{}{
			"parameter": paramName,
			"value":     value,
			"expected":  expected,
		},
	}
}

// InvalidJSON creates an error for JSON parsing failures
func InvalidJSON(paramName string, err error, example string) *DebugError {
	return &DebugError{
		Code:    CodeInvalidJSON,
		Message: fmt.Sprintf("invalid JSON in parameter '%s': %v", paramName, err),
		Hint:    fmt.Sprintf("Provide valid JSON. Example: %s", example),
		Cause:   err,
		Details: map[string]interface{}{
			"parameter": paramName,
			"example":   example,
		},
	}
}

// --- Permission Errors ---

// PermissionDenied creates an error for permission denied
func PermissionDenied(operation, mode string) *DebugError {
	var hint string
	switch operation {
	case "attach":
		hint = "The server is configured to disallow attaching to VMs. Ask the administrator to enable 'allowAttach' in the configuration."
	case "execute":
		hint = "Execution control is disabled in the current server mode. Resume, pause and step are unavailable."
	case "modify":
		hint = "Breakpoint changes are disabled in the current server mode. The server may be in read-only mode."
	default:
		hint = fmt.Sprintf("This operation is not allowed in '%s' mode.", mode)
	}

	return &DebugError{
		Code:    CodePermissionDenied,
		Message: fmt.Sprintf("%s is not allowed in current server mode", operation),
		Hint:    hint,
		Details: map[string]interface{}{
			"operation": operation,
			"mode":      mode,
		},
	}
}

// --- Configuration Errors ---

// ConfigInvalid creates an error for invalid configuration
func ConfigInvalid(field, reason string) *DebugError {
	return &DebugError{
		Code:    CodeConfigInvalid,
		Message: fmt.Sprintf("configuration field '%s' is invalid: %s", field, reason),
		Hint:    "Check the YAML configuration file for typos and ensure durations use Go syntax such as 50ms or 5s.",
		Details: map[string]interface{}{
			"field":  field,
			"reason": reason,
		},
	}
}

// --- Runtime Errors ---

// BreakpointFailed creates an error for breakpoint failures
func BreakpointFailed(path string, line int, err error) *DebugError {
	return &DebugError{
		Code:    CodeBreakpointFailed,
		Message: fmt.Sprintf("could not set breakpoint at %s:%d: %v", path, line, err),
		Hint:    "Ensure the file path is correct and the line number contains executable code (not comments or blank lines).",
		Cause:   err,
		Details: map[string]interface{}{
			"path": path,
			"line": line,
		},
	}
}

// StepFailed creates an error for step failures
func StepFailed(stepType string, err error) *DebugError {
	var hint string
	switch stepType {
	case "over":
		hint = "Step over failed. The isolate may not be paused. Use vm_snapshot to check the current state."
	case "into":
		hint = "Step into failed. There may be no call on the current line, or the isolate has exited."
	case "out":
		hint = "Step out failed. You may already be at the top of the call stack, or the isolate has exited."
	default:
		hint = "The step operation failed. Use vm_snapshot to check the current program state."
	}

	return &DebugError{
		Code:    CodeStepFailed,
		Message: fmt.Sprintf("step %s failed: %v", stepType, err),
		Hint:    hint,
		Cause:   err,
		Details: map[string]interface{}{
			"stepType": stepType,
		},
	}
}

// --- Helper for wrapping generic errors ---

// Wrap wraps a generic error with context
func Wrap(code ErrorCode, message string, hint string, err error) *DebugError {
	return &DebugError{
		Code:    code,
		Message: message,
		Hint:    hint,
		Cause:   err,
	}
}

// FromError creates a DebugError from a generic error, attempting to preserve any existing structure
func FromError(err error) *DebugError {
	var de *DebugError
	if stderrors.As(err, &de) {
		return de
	}
	return &DebugError{
		Code:    "UNKNOWN_ERROR",
		Message: err.Error(),
		Hint:    "An unexpected error occurred. Please check the error message for details.",
		Cause:   err,
	}
}
