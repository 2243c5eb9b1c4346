// ABOUTME: DBGp link: TCP listener, trigger lifecycle, command correlation.
// ABOUTME: Owns the socket; exposes awaitable send/wait surfaces only.

package dbgp

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Pause reasons derived from the debuggee's reason attribute.
const (
	ReasonBreakpointHit = "breakpoint_hit"
	ReasonStepComplete  = "step_complete"
	ReasonException     = "exception"
)

// ClientConfig configures a DBGp link.
type ClientConfig struct {
	// Port is the base TCP port to bind.
	Port int
	// PortRangeEnd is the inclusive upper bound for bind retry.
	PortRangeEnd int
	// CommandTimeout bounds each outbound command (and connection waits
	// without their own deadline).
	CommandTimeout time.Duration
	// Logger receives link diagnostics. Nil disables logging.
	Logger *zap.Logger
}

// BreakEvent is emitted when the debuggee reports status="break".
type BreakEvent struct {
	Filename  string // remote filename, still a decoded file path
	Lineno    int
	Reason    string // mapped: breakpoint_hit, step_complete, exception
	RawReason string // debuggee's reason attribute, unmapped
	Exception string
	Message   string
}

// Client drives one DBGp connection: it listens for the debuggee's inbound
// dial, spawns the trigger command, correlates outbound commands with
// responses by transaction id, and surfaces break/close events. At most one
// debuggee connection is accepted per link.
type Client struct {
	cfg    ClientConfig
	logger *zap.Logger

	listener  net.Listener
	boundPort int

	mu      sync.Mutex
	conn    net.Conn
	trigger *triggerProcess
	closed  bool

	writeMu sync.Mutex

	txid      atomic.Int64
	pendingMu sync.Mutex
	pending   map[int]chan *Response

	connectedCh chan struct{}
	closedCh    chan struct{}
	breakCh     chan *BreakEvent

	connOnce  sync.Once
	closeOnce sync.Once
}

// NewClient creates an unbound link. Call Listen before ExecuteTrigger.
func NewClient(cfg ClientConfig) *Client {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 30 * time.Second
	}
	if cfg.PortRangeEnd < cfg.Port {
		cfg.PortRangeEnd = cfg.Port
	}
	return &Client{
		cfg:         cfg,
		logger:      cfg.Logger,
		pending:     make(map[int]chan *Response),
		connectedCh: make(chan struct{}),
		closedCh:    make(chan struct{}),
		breakCh:     make(chan *BreakEvent, 16),
	}
}

// Listen binds the first free port in [Port, PortRangeEnd] and starts
// accepting. Returns the actually bound port, which the trigger environment
// must carry since it may differ from the configured base.
func (c *Client) Listen() (int, error) {
	for port := c.cfg.Port; port <= c.cfg.PortRangeEnd; port++ {
		ln, err := net.Listen("tcp", ":"+strconv.Itoa(port))
		if err != nil {
			c.logger.Debug("port unavailable, walking range",
				zap.Int("port", port), zap.Error(err))
			continue
		}
		c.listener = ln
		c.boundPort = port
		go c.acceptLoop(ln)
		c.logger.Info("DBGp listener bound", zap.Int("port", port))
		return port, nil
	}
	return 0, fmt.Errorf("binding %d-%d: %w", c.cfg.Port, c.cfg.PortRangeEnd, ErrNoAvailablePort)
}

// Port returns the bound port, 0 before Listen succeeds.
func (c *Client) Port() int {
	return c.boundPort
}

// Connected reports whether a debuggee connection is established and open.
func (c *Client) Connected() bool {
	select {
	case <-c.closedCh:
		return false
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && !c.closed
}

// Closed is closed once the connection is gone (debuggee stopped, socket
// error, or Close).
func (c *Client) Closed() <-chan struct{} {
	return c.closedCh
}

// WaitForConnection blocks until the debuggee dials in.
func (c *Client) WaitForConnection(ctx context.Context) error {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.CommandTimeout)
		defer cancel()
	}
	select {
	case <-c.connectedCh:
		return nil
	case <-c.closedCh:
		return ErrNotConnected
	case <-ctx.Done():
		return fmt.Errorf("waiting for debuggee connection: %w", ErrTimeout)
	}
}

// WaitForBreak blocks until the next break event. Events are delivered in
// arrival order to a single consumer.
func (c *Client) WaitForBreak(ctx context.Context) (*BreakEvent, error) {
	select {
	case ev := <-c.breakCh:
		return ev, nil
	case <-c.closedCh:
		// Drain an event that raced the close.
		select {
		case ev := <-c.breakCh:
			return ev, nil
		default:
		}
		return nil, ErrNotConnected
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for break: %w", ErrTimeout)
	}
}

// ExecuteTrigger spawns the trigger command with the XDebug activation
// environment pointing at the bound port. Never blocks on the child.
func (c *Client) ExecuteTrigger(command, cwd string) error {
	env := []string{
		fmt.Sprintf("XDEBUG_CONFIG=client_host=host.docker.internal client_port=%d", c.boundPort),
		"XDEBUG_SESSION=mcp",
		"XDEBUG_MODE=debug",
		"XDEBUG_TRIGGER=yes",
	}
	trigger, err := startTrigger(command, cwd, env, c.logger)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.trigger = trigger
	c.mu.Unlock()
	return nil
}

// SendCommand issues one DBGp command and waits for the matching response.
// A timeout abandons the waiter but leaves the connection intact; a late
// response for an abandoned transaction is discarded with a debug log.
func (c *Client) SendCommand(ctx context.Context, verb string, args []string, data string) (*Response, error) {
	c.mu.Lock()
	conn := c.conn
	closed := c.closed
	c.mu.Unlock()
	if conn == nil || closed {
		return nil, ErrNotConnected
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.CommandTimeout)
		defer cancel()
	}

	txid := int(c.txid.Add(1))
	respCh := make(chan *Response, 1)
	c.pendingMu.Lock()
	c.pending[txid] = respCh
	c.pendingMu.Unlock()

	frame := EncodeCommand(verb, txid, args, data)
	c.writeMu.Lock()
	_, err := conn.Write(frame)
	c.writeMu.Unlock()
	if err != nil {
		c.unregister(txid)
		return nil, fmt.Errorf("writing %s command: %w", verb, err)
	}

	select {
	case resp := <-respCh:
		return c.checkResponse(resp)
	case <-c.closedCh:
		// The response may have been delivered just before the close.
		select {
		case resp := <-respCh:
			return c.checkResponse(resp)
		default:
		}
		c.unregister(txid)
		return nil, ErrNotConnected
	case <-ctx.Done():
		c.unregister(txid)
		return nil, fmt.Errorf("%s command: %w", verb, ErrTimeout)
	}
}

// SendContinuation writes a run/step command without awaiting its response.
// A continuation's response only arrives at the next break or stop, so it is
// surfaced through the break event stream instead of the pending table.
func (c *Client) SendContinuation(verb string) error {
	c.mu.Lock()
	conn := c.conn
	closed := c.closed
	c.mu.Unlock()
	if conn == nil || closed {
		return ErrNotConnected
	}

	txid := int(c.txid.Add(1))
	frame := EncodeCommand(verb, txid, nil, "")
	c.writeMu.Lock()
	_, err := conn.Write(frame)
	c.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("writing %s command: %w", verb, err)
	}
	return nil
}

func (c *Client) checkResponse(resp *Response) (*Response, error) {
	if resp.Error != nil {
		return nil, &DBGpError{Code: resp.Error.Code, Message: resp.Error.Message}
	}
	return resp, nil
}

func (c *Client) unregister(txid int) {
	c.pendingMu.Lock()
	delete(c.pending, txid)
	c.pendingMu.Unlock()
}

// Close tears the link down: kills the trigger process group (best effort),
// rejects all pending commands, and releases the socket and listener.
// Idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	trigger := c.trigger
	conn := c.conn
	listener := c.listener
	c.mu.Unlock()

	c.closeOnce.Do(func() { close(c.closedCh) })

	if trigger != nil {
		trigger.kill()
	}
	if conn != nil {
		_ = conn.Close()
	}
	if listener != nil {
		_ = listener.Close()
	}
	return nil
}

// --- Connection internals ---

func (c *Client) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		c.mu.Lock()
		if c.conn != nil || c.closed {
			c.mu.Unlock()
			// Single-session bridge: extra dials are refused.
			c.logger.Warn("rejecting extra debuggee connection",
				zap.String("remote", conn.RemoteAddr().String()))
			_ = conn.Close()
			continue
		}
		c.conn = conn
		c.mu.Unlock()

		c.logger.Info("debuggee connected", zap.String("remote", conn.RemoteAddr().String()))
		c.connOnce.Do(func() { close(c.connectedCh) })
		go c.readLoop(conn)
	}
}

func (c *Client) readLoop(conn net.Conn) {
	decoder := NewFrameDecoder(c.logger)
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			for _, payload := range decoder.Feed(buf[:n]) {
				c.dispatch(payload)
			}
		}
		if err != nil {
			c.logger.Debug("debuggee connection closed", zap.Error(err))
			c.closeOnce.Do(func() { close(c.closedCh) })
			return
		}
	}
}

// dispatch routes one XML payload: init packets are logged, responses are
// matched against the pending table, break/stopped statuses become events.
func (c *Client) dispatch(payload []byte) {
	switch RootName(payload) {
	case "init":
		init, err := ParseInit(payload)
		if err != nil {
			c.logger.Warn("unparseable init packet", zap.Error(err))
			return
		}
		c.logger.Info("DBGp session initialized",
			zap.String("language", init.Language),
			zap.String("idekey", init.IDEKey),
			zap.String("fileuri", init.FileURI))
	case "response":
		resp, err := ParseResponse(payload)
		if err != nil {
			c.logger.Warn("unparseable response packet", zap.Error(err))
			return
		}
		c.deliver(resp)
	default:
		c.logger.Debug("ignoring unknown DBGp packet",
			zap.String("root", RootName(payload)))
	}
}

func (c *Client) deliver(resp *Response) {
	c.pendingMu.Lock()
	ch, ok := c.pending[resp.TransactionID]
	if ok {
		delete(c.pending, resp.TransactionID)
	}
	c.pendingMu.Unlock()

	if ok {
		ch <- resp
	} else if resp.TransactionID != 0 {
		c.logger.Debug("discarding response for abandoned transaction",
			zap.Int("txid", resp.TransactionID),
			zap.String("command", resp.Command))
	}

	switch resp.Status {
	case "break":
		ev := &BreakEvent{
			Reason:    mapReason(resp.Reason),
			RawReason: resp.Reason,
		}
		if resp.Break != nil {
			ev.Filename = DecodeFileURI(resp.Break.Filename)
			ev.Lineno = resp.Break.Lineno
			ev.Exception = resp.Break.Exception
			ev.Message = resp.Break.Message
			if resp.Break.Exception != "" {
				ev.Reason = ReasonException
			}
		}
		select {
		case c.breakCh <- ev:
		default:
			c.logger.Warn("break event buffer full, dropping event",
				zap.String("filename", ev.Filename), zap.Int("lineno", ev.Lineno))
		}
	case "stopped", "stopping":
		c.logger.Info("debuggee reported stopped")
		c.closeOnce.Do(func() { close(c.closedCh) })
	}
}

// mapReason converts the debuggee's reason attribute to the bridge's pause
// reason enum. Unrecognized reasons count as breakpoint hits; the raw value
// travels alongside so callers can disambiguate.
func mapReason(reason string) string {
	switch reason {
	case "ok":
		return ReasonStepComplete
	case "error", "exception":
		return ReasonException
	default:
		return ReasonBreakpointHit
	}
}

// --- High-level DBGp operations ---

// BreakpointRequest describes one breakpoint_set call.
type BreakpointRequest struct {
	Type       string // line, conditional, exception
	Filename   string // remote path for line/conditional
	Lineno     int
	Exception  string // exception class for type exception
	Expression string // condition for type conditional, base64-encoded on the wire
}

// SetBreakpoint registers a breakpoint with the debuggee and returns its id.
func (c *Client) SetBreakpoint(ctx context.Context, req BreakpointRequest) (string, error) {
	var args []string
	data := ""
	switch req.Type {
	case "line", "conditional":
		args = []string{
			"-t", req.Type,
			"-f", EncodeFileURI(req.Filename),
			"-n", strconv.Itoa(req.Lineno),
		}
		data = req.Expression
	case "exception":
		args = []string{"-t", "exception", "-x", req.Exception}
	default:
		return "", fmt.Errorf("unsupported breakpoint type %q", req.Type)
	}

	resp, err := c.SendCommand(ctx, "breakpoint_set", args, data)
	if err != nil {
		return "", fmt.Errorf("breakpoint_set: %w", err)
	}
	return resp.BreakpointID, nil
}

// RemoveBreakpoint unregisters a breakpoint by debuggee-assigned id.
func (c *Client) RemoveBreakpoint(ctx context.Context, id string) error {
	if _, err := c.SendCommand(ctx, "breakpoint_remove", []string{"-d", id}, ""); err != nil {
		return fmt.Errorf("breakpoint_remove: %w", err)
	}
	return nil
}

// SetFeature sets a DBGp feature (max_depth, max_children, ...).
func (c *Client) SetFeature(ctx context.Context, name, value string) error {
	if _, err := c.SendCommand(ctx, "feature_set", []string{"-n", name, "-v", value}, ""); err != nil {
		return fmt.Errorf("feature_set %s: %w", name, err)
	}
	return nil
}

// BreakOnException arranges a break whenever the named exception (or "*")
// is thrown.
func (c *Client) BreakOnException(ctx context.Context, name string) error {
	if _, err := c.SendCommand(ctx, "breakpoint_set", []string{"-t", "exception", "-x", name}, ""); err != nil {
		return fmt.Errorf("breakpoint_set exception: %w", err)
	}
	return nil
}

// GetProperty fetches one variable by name. Depth and child count are
// applied via feature_set before the fetch. A DBGp 300 (property not found)
// returns (nil, nil) rather than an error.
func (c *Client) GetProperty(ctx context.Context, name string, depth, maxChildren int) (*VarInfo, error) {
	if err := c.SetFeature(ctx, "max_depth", strconv.Itoa(depth)); err != nil {
		return nil, err
	}
	if err := c.SetFeature(ctx, "max_children", strconv.Itoa(maxChildren)); err != nil {
		return nil, err
	}

	resp, err := c.SendCommand(ctx, "property_get", []string{"-n", QuoteArg(name)}, "")
	if err != nil {
		if IsPropertyNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("property_get: %w", err)
	}
	if len(resp.Properties) == 0 {
		return nil, nil
	}
	info := DecodeProperty(resp.Properties[0])
	return &info, nil
}

// GetContextVariables lists the variables of one context (0 = locals).
func (c *Client) GetContextVariables(ctx context.Context, contextID, depth int) ([]VarInfo, error) {
	if err := c.SetFeature(ctx, "max_depth", strconv.Itoa(depth)); err != nil {
		return nil, err
	}
	resp, err := c.SendCommand(ctx, "context_get", []string{"-c", strconv.Itoa(contextID)}, "")
	if err != nil {
		return nil, fmt.Errorf("context_get: %w", err)
	}
	vars := make([]VarInfo, 0, len(resp.Properties))
	for _, p := range resp.Properties {
		vars = append(vars, DecodeProperty(p))
	}
	return vars, nil
}

// GetStackFrames returns the current call stack, outermost last.
func (c *Client) GetStackFrames(ctx context.Context) ([]StackFrame, error) {
	resp, err := c.SendCommand(ctx, "stack_get", nil, "")
	if err != nil {
		return nil, fmt.Errorf("stack_get: %w", err)
	}
	return resp.Stack, nil
}

// Evaluate runs an expression in the debuggee and decodes the result.
func (c *Client) Evaluate(ctx context.Context, expr string) (*VarInfo, error) {
	resp, err := c.SendCommand(ctx, "eval", nil, expr)
	if err != nil {
		return nil, fmt.Errorf("eval: %w", err)
	}
	if len(resp.Properties) == 0 {
		return nil, nil
	}
	info := DecodeProperty(resp.Properties[0])
	return &info, nil
}
