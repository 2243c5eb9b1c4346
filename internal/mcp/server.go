// Package mcp provides the MCP server implementation for the XDebug bridge
// tools. Handlers are thin: contract translation between agent requests and
// the debug session runtime.
package mcp

import (
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/wallter/smart-xdebug-mcp/pkg/debugger"
)

// Server wraps the MCP server with the debug session runtime.
type Server struct {
	mcpServer *server.MCPServer
	runtime   *debugger.Runtime
	logger    *zap.Logger
}

// NewServer creates an MCP server exposing the six debugging tools.
func NewServer(runtime *debugger.Runtime, version string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	mcpServer := server.NewMCPServer(
		"smart-xdebug-mcp",
		version,
		server.WithLogging(),
	)

	s := &Server{
		mcpServer: mcpServer,
		runtime:   runtime,
		logger:    logger,
	}
	s.registerTools()
	return s
}

// ServeStdio starts the MCP server on stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcpServer)
}

// registerTools registers the debugging tools with the MCP server.
func (s *Server) registerTools() {
	s.mcpServer.AddTool(mcp.NewTool("set_breakpoint",
		mcp.WithDescription("Set a breakpoint at a file and line, optionally guarded by a condition expression. Works before or during a debug session."),
		mcp.WithString("file",
			mcp.Required(),
			mcp.Description("Path to the source file, relative to the project root or absolute"),
		),
		mcp.WithNumber("line",
			mcp.Required(),
			mcp.Description("1-based line number"),
		),
		mcp.WithString("condition",
			mcp.Description("Optional condition expression in the debuggee's language, e.g. \"$i === 50\""),
		),
	), s.handleSetBreakpoint)

	s.mcpServer.AddTool(mcp.NewTool("start_debug_session",
		mcp.WithDescription("Start a debug session: listen for the debuggee, run the trigger command, and wait for the first breakpoint."),
		mcp.WithString("command",
			mcp.Required(),
			mcp.Description("Shell command that triggers execution, e.g. \"curl http://localhost/checkout\""),
		),
		mcp.WithBoolean("stop_on_entry",
			mcp.Description("Pause on the first line instead of running to a breakpoint"),
		),
		mcp.WithBoolean("stop_on_exception",
			mcp.Description("Pause whenever an exception is thrown"),
		),
		mcp.WithString("working_directory",
			mcp.Description("Working directory for the trigger command (defaults to the project root)"),
		),
	), s.handleStartSession)

	s.mcpServer.AddTool(mcp.NewTool("control_execution",
		mcp.WithDescription("Step through or resume the paused debuggee, or stop the session."),
		mcp.WithString("action",
			mcp.Required(),
			mcp.Description("One of: step_over, step_into, step_out, continue, stop"),
		),
	), s.handleControlExecution)

	s.mcpServer.AddTool(mcp.NewTool("inspect_variable",
		mcp.WithDescription("Inspect a variable at the current breakpoint. Without a filter, returns a compact structural summary; pass a filter like $.items[*].sku to retrieve values."),
		mcp.WithString("name",
			mcp.Required(),
			mcp.Description("Variable name, e.g. \"$order\""),
		),
		mcp.WithString("filter",
			mcp.Description("Path filter: $.a.b, $.a[0], $.a[*].b, or recursive $..key"),
		),
		mcp.WithNumber("depth",
			mcp.Description("Traversal depth, 1-3 (default 1)"),
		),
	), s.handleInspectVariable)

	s.mcpServer.AddTool(mcp.NewTool("get_session_status",
		mcp.WithDescription("Report the current session status, location, breakpoints, and the actions valid right now."),
	), s.handleGetSessionStatus)

	s.mcpServer.AddTool(mcp.NewTool("query_history",
		mcp.WithDescription("Time-travel query: recorded values of a variable at or before an earlier step."),
		mcp.WithString("variable_name",
			mcp.Required(),
			mcp.Description("Variable name as it was inspected, e.g. \"$state\""),
		),
		mcp.WithNumber("steps_ago",
			mcp.Description("How many steps back to anchor the query (default 1; 0 includes the current step)"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Maximum entries to return, 1-20 (default 5)"),
		),
	), s.handleQueryHistory)
}
