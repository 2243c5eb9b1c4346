// Package mcp provides the MCP server implementation for the XDebug bridge.
// helpers.go contains shared result and parameter helpers used across handlers.
package mcp

import (
	"encoding/json"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/wallter/smart-xdebug-mcp/pkg/debugger"
)

// newToolResultJSON creates a successful result with JSON-formatted output.
func newToolResultJSON(v any) *mcp.CallToolResult {
	output, _ := json.MarshalIndent(v, "", "  ")
	return mcp.NewToolResultText(string(output))
}

// newToolResultError renders the typed error envelope
// {error, code, recoverable, hint?, issues?} as a failed tool result.
func newToolResultError(err error) *mcp.CallToolResult {
	typed := debugger.AsError(err)
	envelope := map[string]any{
		"error":       typed.Message,
		"code":        typed.Code,
		"recoverable": typed.Recoverable,
	}
	if typed.Hint != "" {
		envelope["hint"] = typed.Hint
	}
	if len(typed.Issues) > 0 {
		envelope["issues"] = typed.Issues
	}
	if typed.DBGpCode != 0 {
		envelope["dbgp_code"] = typed.DBGpCode
	}
	output, _ := json.MarshalIndent(envelope, "", "  ")
	result := mcp.NewToolResultText(string(output))
	result.IsError = true
	return result
}

// --- Parameter extraction helpers ---

// getStr extracts a string parameter, returning empty string if not found.
func getStr(args map[string]any, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}

// getInt extracts an integer parameter from float64, returning def if not found.
func getInt(args map[string]any, key string, def int) int {
	if v, ok := args[key].(float64); ok {
		return int(v)
	}
	return def
}

// getBool extracts a boolean parameter, returning def if not found.
func getBool(args map[string]any, key string, def bool) bool {
	if v, ok := args[key].(bool); ok {
		return v
	}
	return def
}
