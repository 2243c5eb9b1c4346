// ABOUTME: Error taxonomy for the debug session runtime.
// ABOUTME: Stable codes with recoverable flags and agent-facing hints.

package debugger

import (
	"errors"
	"fmt"

	"github.com/wallter/smart-xdebug-mcp/pkg/dbgp"
)

// Code is a stable error identifier surfaced to the agent.
type Code string

const (
	CodeNoActiveSession      Code = "NO_ACTIVE_SESSION"
	CodeSessionAlreadyActive Code = "SESSION_ALREADY_ACTIVE"
	CodeSessionNotPaused     Code = "SESSION_NOT_PAUSED"
	CodeSessionStopped       Code = "SESSION_STOPPED"
	CodeConnectionTimeout    Code = "CONNECTION_TIMEOUT"
	CodeNoAvailablePort      Code = "NO_AVAILABLE_PORT"
	CodeNotConnected         Code = "NOT_CONNECTED"
	CodeDBGpError            Code = "DBGP_ERROR"
	CodeValidationError      Code = "VALIDATION_ERROR"
	CodeInvalidFilter        Code = "INVALID_FILTER"
	CodeUnknownError         Code = "UNKNOWN_ERROR"
)

// Error is the typed failure every agent-facing operation returns.
type Error struct {
	Code        Code     `json:"code"`
	Message     string   `json:"error"`
	Recoverable bool     `json:"recoverable"`
	Hint        string   `json:"hint,omitempty"`
	Issues      []string `json:"issues,omitempty"`
	DBGpCode    int      `json:"dbgp_code,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func errNoActiveSession() *Error {
	return &Error{
		Code:        CodeNoActiveSession,
		Message:     "no active debug session",
		Recoverable: true,
		Hint:        "Call start_debug_session first.",
	}
}

func errSessionAlreadyActive(id string) *Error {
	return &Error{
		Code:        CodeSessionAlreadyActive,
		Message:     fmt.Sprintf("debug session %s is already active", id),
		Recoverable: true,
		Hint:        "Stop the current session with control_execution action=stop before starting a new one.",
	}
}

func errSessionNotPaused(status Status) *Error {
	return &Error{
		Code:        CodeSessionNotPaused,
		Message:     fmt.Sprintf("session is %s, not paused", status),
		Recoverable: true,
		Hint:        "Wait for a breakpoint to hit, or set one and continue execution.",
	}
}

func errSessionStopped() *Error {
	return &Error{
		Code:        CodeSessionStopped,
		Message:     "the debug session has stopped",
		Recoverable: true,
		Hint:        "Start a new session with start_debug_session.",
	}
}

func errValidation(issues ...string) *Error {
	return &Error{
		Code:        CodeValidationError,
		Message:     "invalid input",
		Recoverable: true,
		Hint:        "Correct the listed issues and retry.",
		Issues:      issues,
	}
}

// AsError converts any failure into the typed envelope, mapping link-level
// sentinels onto their stable codes. Unknown failures are non-recoverable.
func AsError(err error) *Error {
	var typed *Error
	if errors.As(err, &typed) {
		return typed
	}

	var dbgpErr *dbgp.DBGpError
	switch {
	case errors.As(err, &dbgpErr):
		return &Error{
			Code:        CodeDBGpError,
			Message:     dbgpErr.Message,
			Recoverable: true,
			Hint:        "The debuggee rejected the command; check the variable name or expression.",
			DBGpCode:    dbgpErr.Code,
		}
	case errors.Is(err, dbgp.ErrNoAvailablePort):
		return &Error{
			Code:        CodeNoAvailablePort,
			Message:     err.Error(),
			Recoverable: true,
			Hint:        "Free a port in the configured range or widen port_range_end.",
		}
	case errors.Is(err, dbgp.ErrTimeout):
		return &Error{
			Code:        CodeConnectionTimeout,
			Message:     err.Error(),
			Recoverable: true,
			Hint:        "Check that the trigger command reaches an XDebug-enabled interpreter pointed at this host.",
		}
	case errors.Is(err, dbgp.ErrNotConnected):
		return &Error{
			Code:        CodeNotConnected,
			Message:     err.Error(),
			Recoverable: true,
			Hint:        "The debuggee connection is gone; start a new session.",
		}
	default:
		return &Error{
			Code:        CodeUnknownError,
			Message:     err.Error(),
			Recoverable: false,
		}
	}
}
