// Package debugger implements the debug session runtime: the state machine
// and orchestration layer between the agent-facing tools and the DBGp link.
package debugger

import (
	"os"
	"path/filepath"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/wallter/smart-xdebug-mcp/pkg/pathmap"
)

// Depth the agent-facing contract never exceeds, and the absolute ceiling
// regardless of configuration.
const (
	ContractMaxDepth = 3
	AbsoluteMaxDepth = 10
)

// Config holds the runtime configuration.
type Config struct {
	// Port is the base TCP port the DBGp listener binds.
	Port int
	// PortRangeEnd is the inclusive upper bound for bind retry.
	PortRangeEnd int
	// ConnectionTimeout bounds wait_for_connection and each command.
	ConnectionTimeout time.Duration
	// WatchdogTimeout terminates idle sessions.
	WatchdogTimeout time.Duration
	// MaxDepth is the clamp for inspection depth.
	MaxDepth int
	// DefaultMaxChildren is the child count returned when unspecified.
	DefaultMaxChildren int
	// DataDir is where the ledger database and summaries live.
	DataDir string
	// ProjectRoot is the base for local path normalization.
	ProjectRoot string
	// PathMappings are explicit local/remote pairs; when empty, mappings
	// are auto-detected from launch.json or compose files.
	PathMappings []pathmap.Mapping
	// Debug enables verbose diagnostic logging.
	Debug bool
	// Logger receives runtime diagnostics. Nil disables logging.
	Logger *zap.Logger
	// Clock drives the watchdog and activity stamps; swap for a mock in tests.
	Clock clock.Clock
}

// Option is a functional option for configuring the runtime.
type Option func(*Config)

// WithPort sets the base listener port.
func WithPort(port int) Option {
	return func(c *Config) { c.Port = port }
}

// WithPortRangeEnd sets the inclusive upper bound for bind retry.
func WithPortRangeEnd(port int) Option {
	return func(c *Config) { c.PortRangeEnd = port }
}

// WithConnectionTimeout sets the connection and per-command timeout.
func WithConnectionTimeout(d time.Duration) Option {
	return func(c *Config) { c.ConnectionTimeout = d }
}

// WithWatchdogTimeout sets the idle session auto-termination interval.
func WithWatchdogTimeout(d time.Duration) Option {
	return func(c *Config) { c.WatchdogTimeout = d }
}

// WithMaxDepth sets the inspection depth clamp (hard ceiling of 10).
func WithMaxDepth(depth int) Option {
	return func(c *Config) { c.MaxDepth = depth }
}

// WithDefaultMaxChildren sets the child count returned when unspecified.
func WithDefaultMaxChildren(n int) Option {
	return func(c *Config) { c.DefaultMaxChildren = n }
}

// WithDataDir sets the ledger and summary location.
func WithDataDir(dir string) Option {
	return func(c *Config) { c.DataDir = dir }
}

// WithProjectRoot sets the base for local path normalization.
func WithProjectRoot(root string) Option {
	return func(c *Config) { c.ProjectRoot = root }
}

// WithPathMappings sets explicit local/remote path mappings.
func WithPathMappings(mappings []pathmap.Mapping) Option {
	return func(c *Config) { c.PathMappings = mappings }
}

// WithDebug enables verbose diagnostic logging.
func WithDebug() Option {
	return func(c *Config) { c.Debug = true }
}

// WithLogger sets the diagnostic logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Config) { c.Logger = logger }
}

// WithClock sets the time source.
func WithClock(clk clock.Clock) Option {
	return func(c *Config) { c.Clock = clk }
}

// NewConfig creates a Config with defaults applied, then the options.
func NewConfig(opts ...Option) *Config {
	cwd, _ := os.Getwd()
	cfg := &Config{
		Port:               9003,
		PortRangeEnd:       9010,
		ConnectionTimeout:  30 * time.Second,
		WatchdogTimeout:    5 * time.Minute,
		MaxDepth:           ContractMaxDepth,
		DefaultMaxChildren: 20,
		DataDir:            filepath.Join(cwd, ".xdebug-mcp"),
		ProjectRoot:        cwd,
		Logger:             zap.NewNop(),
		Clock:              clock.New(),
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.MaxDepth > AbsoluteMaxDepth {
		cfg.MaxDepth = AbsoluteMaxDepth
	}
	if cfg.PortRangeEnd < cfg.Port {
		cfg.PortRangeEnd = cfg.Port
	}
	return cfg
}
