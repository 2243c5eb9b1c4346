// xdebug-mcp is an MCP server that bridges agent tool calls to an
// XDebug-enabled interpreter over the DBGp protocol.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/wallter/smart-xdebug-mcp/internal/mcp"
	"github.com/wallter/smart-xdebug-mcp/pkg/debugger"
	"github.com/wallter/smart-xdebug-mcp/pkg/pathmap"
)

var (
	// Version information (set by build flags)
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "xdebug-mcp",
	Short: "MCP server bridging AI agents to XDebug over DBGp",
	Long: `xdebug-mcp is a Model Context Protocol (MCP) server that exposes
high-level debugging tools (breakpoints, stepping, surgical variable
inspection, time-travel history) and drives an XDebug-enabled interpreter
over the DBGp wire protocol.

The bridge listens for the debuggee's inbound TCP connection, spawns the
user-supplied trigger command with the XDebug activation environment, and
records every step and inspected variable in a durable session ledger.

Examples:
  # Serve with defaults (port 9003, data dir ./.xdebug-mcp)
  xdebug-mcp

  # Walk a wider port range and keep idle sessions alive longer
  xdebug-mcp --port 9003 --port-range-end 9020 --watchdog-timeout 15m

  # Explicit path mappings (repeatable), host=container
  xdebug-mcp --path-mapping /home/me/app=/var/www/html`,
	Version: fmt.Sprintf("%s (commit: %s, built: %s)", Version, Commit, BuildDate),
	RunE:    runServer,
}

func init() {
	// Load .env file if it exists (ignore error - file is optional)
	_ = godotenv.Load()

	flags := rootCmd.Flags()
	flags.Int("port", 9003, "Base TCP port for the DBGp listener")
	flags.Int("port-range-end", 9010, "Inclusive upper bound for bind retry")
	flags.Duration("connection-timeout", 30*time.Second, "Debuggee connection and per-command timeout")
	flags.Duration("watchdog-timeout", 5*time.Minute, "Idle session auto-termination interval")
	flags.Int("max-depth", 3, "Clamp for variable inspection depth")
	flags.Int("max-children", 20, "Children returned when unspecified")
	flags.String("data-dir", "", "Ledger and summary location (default <cwd>/.xdebug-mcp)")
	flags.String("project-root", "", "Base for local path normalization (default cwd)")
	flags.StringSlice("path-mapping", nil, "Explicit path mapping local=remote (repeatable)")
	flags.Bool("debug", false, "Verbose diagnostic logging to stderr")

	viper.SetEnvPrefix("XDEBUG_MCP")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	for _, name := range []string{
		"port", "port-range-end", "connection-timeout", "watchdog-timeout",
		"max-depth", "max-children", "data-dir", "project-root", "path-mapping", "debug",
	} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func runServer(_ *cobra.Command, _ []string) error {
	logger := buildLogger(viper.GetBool("debug"))
	defer func() { _ = logger.Sync() }()

	mappings, err := parsePathMappings(viper.GetStringSlice("path-mapping"))
	if err != nil {
		return err
	}

	opts := []debugger.Option{
		debugger.WithPort(viper.GetInt("port")),
		debugger.WithPortRangeEnd(viper.GetInt("port-range-end")),
		debugger.WithConnectionTimeout(viper.GetDuration("connection-timeout")),
		debugger.WithWatchdogTimeout(viper.GetDuration("watchdog-timeout")),
		debugger.WithMaxDepth(viper.GetInt("max-depth")),
		debugger.WithDefaultMaxChildren(viper.GetInt("max-children")),
		debugger.WithPathMappings(mappings),
		debugger.WithLogger(logger),
	}
	if dir := viper.GetString("data-dir"); dir != "" {
		opts = append(opts, debugger.WithDataDir(dir))
	}
	if root := viper.GetString("project-root"); root != "" {
		opts = append(opts, debugger.WithProjectRoot(root))
	}
	if viper.GetBool("debug") {
		opts = append(opts, debugger.WithDebug())
	}

	runtime := debugger.NewRuntime(debugger.NewConfig(opts...))
	defer runtime.Shutdown(context.Background())

	server := mcp.NewServer(runtime, Version, logger)
	logger.Info("serving MCP on stdio", zap.String("version", Version))
	return server.ServeStdio()
}

// buildLogger sends diagnostics to stderr; stdout belongs to the MCP
// stdio transport.
func buildLogger(debug bool) *zap.Logger {
	if !debug {
		return zap.NewNop()
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	logger, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

// parsePathMappings parses repeated local=remote flags.
func parsePathMappings(raw []string) ([]pathmap.Mapping, error) {
	mappings := make([]pathmap.Mapping, 0, len(raw))
	for _, entry := range raw {
		local, remote, ok := strings.Cut(entry, "=")
		if !ok || local == "" || remote == "" {
			return nil, fmt.Errorf("invalid --path-mapping %q, expected local=remote", entry)
		}
		mappings = append(mappings, pathmap.Mapping{Local: local, Remote: remote})
	}
	return mappings, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
