// Package mcp provides the MCP server implementation for the XDebug bridge.
// handlers.go translates tool calls into debug session runtime operations.
package mcp

import (
	"context"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/wallter/smart-xdebug-mcp/pkg/debugger"
)

func (s *Server) handleSetBreakpoint(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.Params.Arguments
	file := getStr(args, "file")
	line := getInt(args, "line", 0)
	condition := getStr(args, "condition")

	var issues []string
	if file == "" {
		issues = append(issues, "file is required")
	}
	if line < 1 {
		issues = append(issues, "line must be an integer >= 1")
	}
	if len(issues) > 0 {
		return newToolResultError(&debugger.Error{
			Code:        debugger.CodeValidationError,
			Message:     "invalid set_breakpoint input",
			Recoverable: true,
			Issues:      issues,
		}), nil
	}

	bp, err := s.runtime.SetBreakpoint(ctx, file, line, condition)
	if err != nil {
		return newToolResultError(err), nil
	}

	breakpoint := map[string]any{"file": bp.File, "line": bp.Line}
	if bp.Condition != "" {
		breakpoint["condition"] = bp.Condition
	}
	return newToolResultJSON(map[string]any{
		"success":    true,
		"breakpoint": breakpoint,
		"message":    fmt.Sprintf("Breakpoint set at %s:%d", bp.File, bp.Line),
		"hint":       "Start a session with start_debug_session to activate it.",
	}), nil
}

func (s *Server) handleStartSession(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.Params.Arguments
	command := getStr(args, "command")
	if command == "" {
		return newToolResultError(&debugger.Error{
			Code:        debugger.CodeValidationError,
			Message:     "invalid start_debug_session input",
			Recoverable: true,
			Issues:      []string{"command is required"},
		}), nil
	}

	result, err := s.runtime.StartSession(ctx, debugger.StartOptions{
		Command:         command,
		StopOnEntry:     getBool(args, "stop_on_entry", false),
		StopOnException: getBool(args, "stop_on_exception", false),
		WorkingDir:      getStr(args, "working_directory"),
	})
	if err != nil {
		return newToolResultError(err), nil
	}
	return newToolResultJSON(result), nil
}

func (s *Server) handleControlExecution(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	action := getStr(request.Params.Arguments, "action")
	switch action {
	case "step_over", "step_into", "step_out", "continue", "stop":
	default:
		return newToolResultError(&debugger.Error{
			Code:        debugger.CodeValidationError,
			Message:     "invalid control_execution input",
			Recoverable: true,
			Issues:      []string{"action must be one of: step_over, step_into, step_out, continue, stop"},
		}), nil
	}

	result, err := s.runtime.ControlExecution(ctx, action)
	if err != nil {
		return newToolResultError(err), nil
	}
	return newToolResultJSON(result), nil
}

func (s *Server) handleInspectVariable(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.Params.Arguments
	name := getStr(args, "name")
	filter := getStr(args, "filter")
	depth := getInt(args, "depth", 1)

	var issues []string
	if name == "" {
		issues = append(issues, "name is required")
	}
	if depth < 1 || depth > debugger.ContractMaxDepth {
		issues = append(issues, fmt.Sprintf("depth must be between 1 and %d", debugger.ContractMaxDepth))
	}
	if len(issues) > 0 {
		// Rejected before any command reaches the debuggee.
		return newToolResultError(&debugger.Error{
			Code:        debugger.CodeValidationError,
			Message:     "invalid inspect_variable input",
			Recoverable: true,
			Issues:      issues,
		}), nil
	}

	result, err := s.runtime.InspectVariable(ctx, name, filter, depth)
	if err != nil {
		return newToolResultError(err), nil
	}
	return newToolResultJSON(result), nil
}

func (s *Server) handleGetSessionStatus(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	snapshot := s.runtime.Snapshot()
	if snapshot == nil {
		return newToolResultJSON(map[string]any{
			"active":            false,
			"available_actions": debugger.AvailableActions(nil),
		}), nil
	}

	sess := snapshot.Session
	status := map[string]any{
		"active":            !sess.Status.Terminal() && sess.ID != debugger.PendingSessionID,
		"session_id":        sess.ID,
		"status":            sess.Status,
		"started_at":        sess.StartedAt.Format(time.RFC3339),
		"last_activity":     sess.LastActivityAt.Format(time.RFC3339),
		"available_actions": debugger.AvailableActions(sess),
	}
	if sess.Location != nil {
		status["location"] = sess.Location
	}
	if sess.CodeSnippet != "" {
		status["code_snippet"] = sess.CodeSnippet
	}
	if sess.PauseReason != "" {
		status["pause_reason"] = sess.PauseReason
		status["raw_reason"] = sess.RawReason
	}
	if sess.Exception != "" {
		status["exception"] = map[string]string{
			"class":   sess.Exception,
			"message": sess.ErrorMessage,
		}
	}
	if len(snapshot.Breakpoints) > 0 {
		list := make([]map[string]any, 0, len(snapshot.Breakpoints))
		for _, bp := range snapshot.Breakpoints {
			entry := map[string]any{"file": bp.File, "line": bp.Line}
			if bp.Condition != "" {
				entry["condition"] = bp.Condition
			}
			list = append(list, entry)
		}
		status["breakpoints"] = map[string]any{
			"count": len(list),
			"list":  list,
		}
	}
	return newToolResultJSON(status), nil
}

func (s *Server) handleQueryHistory(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.Params.Arguments
	name := getStr(args, "variable_name")
	stepsAgo := getInt(args, "steps_ago", 1)
	limit := getInt(args, "limit", 5)

	var issues []string
	if name == "" {
		issues = append(issues, "variable_name is required")
	}
	if stepsAgo < 0 {
		issues = append(issues, "steps_ago must be >= 0")
	}
	if limit < 1 || limit > 20 {
		issues = append(issues, "limit must be between 1 and 20")
	}
	if len(issues) > 0 {
		return newToolResultError(&debugger.Error{
			Code:        debugger.CodeValidationError,
			Message:     "invalid query_history input",
			Recoverable: true,
			Issues:      issues,
		}), nil
	}

	result, err := s.runtime.QueryHistory(ctx, name, stepsAgo, limit)
	if err != nil {
		return newToolResultError(err), nil
	}

	history := make([]map[string]any, 0, len(result.History))
	for _, e := range result.History {
		history = append(history, map[string]any{
			"step":      e.Step,
			"value":     e.Value,
			"location":  map[string]any{"file": e.File, "line": e.Line},
			"timestamp": e.Timestamp,
		})
	}
	return newToolResultJSON(map[string]any{
		"variable":  result.Variable,
		"steps_ago": result.StepsAgo,
		"history":   history,
		"message":   result.Message,
	}), nil
}
