// ABOUTME: Session runtime: state machine, orchestration, watchdog.
// ABOUTME: Single-owner coordinator between tool dispatch and the DBGp link.

package debugger

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wallter/smart-xdebug-mcp/pkg/dbgp"
	"github.com/wallter/smart-xdebug-mcp/pkg/ledger"
	"github.com/wallter/smart-xdebug-mcp/pkg/pathmap"
)

// firstBreakWait is how long session start waits for an initial break
// before reporting the session as simply running.
const firstBreakWait = 5 * time.Second

// Runtime is the central coordinator. At most one agent operation is in
// flight at a time; break and close events interleave through the event
// loop goroutine.
type Runtime struct {
	cfg    *Config
	logger *zap.Logger
	clk    clock.Clock
	mapper *pathmap.Mapper

	mu             sync.Mutex
	store          *ledger.Store
	link           *dbgp.Client
	session        *Session
	stepCount      int
	waitCh         chan struct{}
	watchdog       *clock.Timer
	stopping       bool
	mappingsLoaded bool
}

// NewRuntime creates a runtime. No listener exists until StartSession.
func NewRuntime(cfg *Config) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: cfg.Logger,
		clk:    cfg.Clock,
		mapper: pathmap.NewMapper(cfg.ProjectRoot, cfg.Logger),
		waitCh: make(chan struct{}),
	}
}

// StartOptions parameterize start_debug_session.
type StartOptions struct {
	Command         string
	StopOnEntry     bool
	StopOnException bool
	WorkingDir      string
}

// StartResult is the agent-facing outcome of a session start.
type StartResult struct {
	Status      Status    `json:"status"`
	SessionID   string    `json:"session_id"`
	Message     string    `json:"message"`
	Location    *Location `json:"location,omitempty"`
	CodeSnippet string    `json:"code_snippet,omitempty"`
	PauseReason string    `json:"pause_reason,omitempty"`
	RawReason   string    `json:"raw_reason,omitempty"`
	Hint        string    `json:"hint"`
}

// ControlResult is the agent-facing outcome of a stepping action.
type ControlResult struct {
	Status      Status    `json:"status"`
	Action      string    `json:"action"`
	Message     string    `json:"message"`
	Location    *Location `json:"location,omitempty"`
	CodeSnippet string    `json:"code_snippet,omitempty"`
	PauseReason string    `json:"pause_reason,omitempty"`
	RawReason   string    `json:"raw_reason,omitempty"`
	Hint        string    `json:"hint"`
}

// HistoryResult is the agent-facing outcome of query_history.
type HistoryResult struct {
	Variable string                `json:"variable"`
	StepsAgo int                   `json:"steps_ago"`
	History  []ledger.HistoryEntry `json:"history"`
	Message  string                `json:"message"`
}

// ensureMappings loads path mappings once; reload only replaces the list.
func (r *Runtime) ensureMappings() {
	r.mu.Lock()
	loaded := r.mappingsLoaded
	r.mappingsLoaded = true
	r.mu.Unlock()
	if !loaded {
		r.mapper.Load(r.cfg.PathMappings)
	}
}

// ensureStore lazily opens the ledger; it stays open across sessions.
func (r *Runtime) ensureStore() (*ledger.Store, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.store != nil {
		return r.store, nil
	}
	store, err := ledger.Open(r.cfg.DataDir, r.logger)
	if err != nil {
		return nil, err
	}
	r.store = store
	return store, nil
}

// SetBreakpoint registers a breakpoint, creating a pending session when none
// exists. Identity is (file, line); re-setting overwrites, removing the
// previous debuggee registration when connected.
func (r *Runtime) SetBreakpoint(ctx context.Context, file string, line int, condition string) (*Breakpoint, error) {
	if file == "" || line < 1 {
		return nil, errValidation("file is required", "line must be >= 1")
	}
	r.ensureMappings()
	r.touch()

	r.mu.Lock()
	if r.session == nil || r.session.Status.Terminal() {
		r.session = newPendingSession(r.clk.Now())
		r.stepCount = 0
		r.stopping = false
	}
	session := r.session
	link := r.link
	key := breakpointKey{file: pathmap.Normalize(file), line: line}
	previous := session.Breakpoints[key]
	bp := &Breakpoint{
		File:       key.file,
		Line:       line,
		Condition:  condition,
		RemoteFile: r.mapper.ToRemote(file),
	}
	session.Breakpoints[key] = bp
	connected := link != nil && link.Connected() && !session.Status.Terminal() && session.ID != PendingSessionID
	r.mu.Unlock()

	if connected {
		if previous != nil && previous.ID != "" {
			if err := link.RemoveBreakpoint(ctx, previous.ID); err != nil {
				r.logger.Warn("removing superseded breakpoint failed", zap.Error(err))
			}
		}
		id, err := r.registerBreakpoint(ctx, link, bp)
		if err != nil {
			return nil, AsError(err)
		}
		bp.ID = id
	}
	return bp, nil
}

// registerBreakpoint issues breakpoint_set for one breakpoint.
func (r *Runtime) registerBreakpoint(ctx context.Context, link *dbgp.Client, bp *Breakpoint) (string, error) {
	req := dbgp.BreakpointRequest{
		Type:     "line",
		Filename: bp.RemoteFile,
		Lineno:   bp.Line,
	}
	if bp.Condition != "" {
		req.Type = "conditional"
		req.Expression = bp.Condition
	}
	return link.SetBreakpoint(ctx, req)
}

// StartSession runs the start sequence: ledger init, listener bind, trigger
// spawn, connection wait, breakpoint registration, and the initial
// continuation. Breakpoints from a pending session carry over verbatim.
func (r *Runtime) StartSession(ctx context.Context, opts StartOptions) (*StartResult, error) {
	if strings.TrimSpace(opts.Command) == "" {
		return nil, errValidation("command is required")
	}

	r.mu.Lock()
	if r.session != nil && r.session.ID != PendingSessionID && !r.session.Status.Terminal() {
		id := r.session.ID
		r.mu.Unlock()
		return nil, errSessionAlreadyActive(id)
	}
	carried := make(map[breakpointKey]*Breakpoint)
	if r.session != nil && !r.session.Status.Terminal() {
		carried = r.session.Breakpoints
	}
	now := r.clk.Now()
	session := &Session{
		ID:             uuid.NewString(),
		Status:         StatusInitializing,
		Breakpoints:    carried,
		StartedAt:      now,
		LastActivityAt: now,
	}
	r.session = session
	r.stepCount = 0
	r.stopping = false
	r.waitCh = make(chan struct{})
	r.mu.Unlock()

	r.ensureMappings()

	store, err := r.ensureStore()
	if err != nil {
		return nil, r.failSession(err)
	}
	if err := store.InitSession(ctx, session.ID); err != nil {
		return nil, r.failSession(err)
	}

	link := dbgp.NewClient(dbgp.ClientConfig{
		Port:           r.cfg.Port,
		PortRangeEnd:   r.cfg.PortRangeEnd,
		CommandTimeout: r.cfg.ConnectionTimeout,
		Logger:         r.logger,
	})
	r.mu.Lock()
	r.link = link
	r.mu.Unlock()

	port, err := link.Listen()
	if err != nil {
		return nil, r.failSession(err)
	}
	r.setStatus(StatusListening)
	r.logger.Info("session listening", zap.String("session", session.ID), zap.Int("port", port))

	cwd := opts.WorkingDir
	if cwd == "" {
		cwd = r.cfg.ProjectRoot
	}
	if err := link.ExecuteTrigger(opts.Command, cwd); err != nil {
		return nil, r.failSession(err)
	}

	connCtx, cancel := context.WithTimeout(ctx, r.cfg.ConnectionTimeout)
	err = link.WaitForConnection(connCtx)
	cancel()
	if err != nil {
		return nil, r.failSession(err)
	}
	r.setStatus(StatusConnected)

	go r.eventLoop(link)
	r.startWatchdog()

	// Register accumulated breakpoints; per-breakpoint failures are logged
	// but never abort the session.
	for _, bp := range session.BreakpointList() {
		id, err := r.registerBreakpoint(ctx, link, bp)
		if err != nil {
			r.logger.Warn("breakpoint registration failed",
				zap.String("file", bp.File), zap.Int("line", bp.Line), zap.Error(err))
			continue
		}
		bp.ID = id
	}

	if opts.StopOnException {
		if err := link.BreakOnException(ctx, "*"); err != nil {
			r.logger.Warn("exception breakpoint registration failed", zap.Error(err))
		}
	}

	verb := "run"
	if opts.StopOnEntry {
		verb = "step_into"
	}
	wait := r.currentWait()
	r.setStatus(StatusRunning)
	if err := link.SendContinuation(verb); err != nil {
		return nil, r.failSession(err)
	}

	// Give the debuggee a moment to hit something; a timeout just means
	// execution is ongoing.
	r.awaitPause(ctx, wait, firstBreakWait)

	return r.startResult(), nil
}

func (r *Runtime) startResult() *StartResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.session
	res := &StartResult{
		Status:    s.Status,
		SessionID: s.ID,
	}
	switch s.Status {
	case StatusPaused:
		res.Location = s.Location
		res.CodeSnippet = s.CodeSnippet
		res.PauseReason = s.PauseReason
		res.RawReason = s.RawReason
		res.Message = fmt.Sprintf("Paused at %s:%d", s.Location.File, s.Location.Line)
		res.Hint = "Inspect variables with inspect_variable or step with control_execution."
	case StatusStopped:
		res.Message = "The debuggee ran to completion without hitting a breakpoint."
		res.Hint = "Set a breakpoint on an executed line and start again."
	default:
		res.Message = "Session started; execution is running."
		res.Hint = "The debuggee has not paused yet; it may pause later or finish."
	}
	return res
}

// failSession transitions to error, tears the link down, and returns the
// typed failure.
func (r *Runtime) failSession(err error) *Error {
	typed := AsError(err)
	r.mu.Lock()
	link := r.link
	if r.session != nil {
		r.session.Status = StatusError
		r.session.ErrorMessage = typed.Message
	}
	r.stopWatchdogLocked()
	r.mu.Unlock()
	if link != nil {
		_ = link.Close()
	}
	r.logger.Error("session start failed", zap.Error(err))
	return typed
}

// eventLoop is the single consumer of break events for one link.
func (r *Runtime) eventLoop(link *dbgp.Client) {
	for {
		ev, err := link.WaitForBreak(context.Background())
		if err != nil {
			r.handleClose(link)
			return
		}
		r.handleBreak(link, ev)
	}
}

// handleBreak processes one break event: advance the step counter, translate
// the remote path, annotate the location, persist the step, pause the
// session, and wake waiters. Recording happens before waiters observe
// paused.
func (r *Runtime) handleBreak(link *dbgp.Client, ev *dbgp.BreakEvent) {
	localFile := r.mapper.ToLocal(ev.Filename)
	display := r.relativize(localFile)

	function := ""
	stackCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	if frames, err := link.GetStackFrames(stackCtx); err == nil && len(frames) > 0 {
		function = frames[0].Where
	}
	cancel()

	snippet := readSnippet(localFile, ev.Lineno)

	r.mu.Lock()
	if r.session == nil || r.session.Status.Terminal() {
		r.mu.Unlock()
		return
	}
	r.stepCount++
	step := r.stepCount
	sid := r.session.ID
	loc := &Location{File: display, Line: ev.Lineno, Function: function}
	r.session.Status = StatusPaused
	r.session.Location = loc
	r.session.CodeSnippet = snippet
	r.session.PauseReason = ev.Reason
	r.session.RawReason = ev.RawReason
	r.session.Exception = ev.Exception
	r.session.ErrorMessage = ev.Message
	r.session.LastActivityAt = r.clk.Now()
	store := r.store
	wait := r.waitCh
	r.waitCh = make(chan struct{})
	r.mu.Unlock()

	if store != nil {
		recCtx, cancelRec := context.WithTimeout(context.Background(), 5*time.Second)
		if err := store.RecordStep(recCtx, sid, step, ledger.Location{File: loc.File, Line: loc.Line, Function: function}, ev.Reason); err != nil {
			r.logger.Warn("recording step failed", zap.Error(err))
		}
		cancelRec()
	}

	r.touch()
	r.logger.Debug("break handled",
		zap.String("file", loc.File), zap.Int("line", loc.Line),
		zap.String("reason", ev.Reason), zap.Int("step", step))
	close(wait)
}

// handleClose reacts to the debuggee connection going away.
func (r *Runtime) handleClose(link *dbgp.Client) {
	r.mu.Lock()
	if r.link != link {
		r.mu.Unlock()
		return
	}
	alreadyTerminal := r.session == nil || r.session.Status.Terminal()
	var sid string
	if r.session != nil && !alreadyTerminal {
		r.session.Status = StatusStopped
		sid = r.session.ID
		r.stopping = true
	}
	store := r.store
	wait := r.waitCh
	r.waitCh = make(chan struct{})
	r.stopWatchdogLocked()
	r.mu.Unlock()

	_ = link.Close()
	if sid != "" && sid != PendingSessionID && store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := store.FinalizeSession(ctx, sid); err != nil {
			r.logger.Warn("finalizing session failed", zap.Error(err))
		}
		cancel()
		r.logger.Info("session stopped", zap.String("session", sid))
	}
	close(wait)
}

// relativize strips the project root from a local path for display; files
// outside the root keep their absolute form.
func (r *Runtime) relativize(local string) string {
	root := pathmap.Normalize(r.cfg.ProjectRoot)
	if root != "" && strings.HasPrefix(local, root+"/") {
		return local[len(root)+1:]
	}
	return local
}

// currentWait snapshots the channel the next pause transition will close.
// Grab it before dispatching a continuation to avoid missing a fast break.
func (r *Runtime) currentWait() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.waitCh
}

// awaitPause waits for the snapshot channel, a timeout, or context end.
// Returns true when the session transitioned (pause or close).
func (r *Runtime) awaitPause(ctx context.Context, wait <-chan struct{}, timeout time.Duration) bool {
	timer := r.clk.Timer(timeout)
	defer timer.Stop()
	select {
	case <-wait:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// ControlExecution dispatches a stepping action, then waits for the next
// break or termination.
func (r *Runtime) ControlExecution(ctx context.Context, action string) (*ControlResult, error) {
	r.touch()

	r.mu.Lock()
	session := r.session
	link := r.link
	var status Status
	var sid string
	if session != nil {
		status = session.Status
		sid = session.ID
	}
	r.mu.Unlock()

	if session == nil || sid == PendingSessionID {
		return nil, errNoActiveSession()
	}
	if action == "stop" {
		r.Stop(ctx)
		return &ControlResult{
			Status:  StatusStopped,
			Action:  action,
			Message: "Debug session stopped.",
			Hint:    "Start a new session with start_debug_session.",
		}, nil
	}
	if status.Terminal() {
		return nil, errSessionStopped()
	}

	verb, ok := map[string]string{
		"step_over": "step_over",
		"step_into": "step_into",
		"step_out":  "step_out",
		"continue":  "run",
	}[action]
	if !ok {
		return nil, errValidation(fmt.Sprintf("unknown action %q", action),
			"valid actions: step_over, step_into, step_out, continue, stop")
	}

	wait := r.currentWait()
	r.setStatus(StatusRunning)
	if err := link.SendContinuation(verb); err != nil {
		return nil, AsError(err)
	}
	r.awaitPause(ctx, wait, r.cfg.ConnectionTimeout)

	return r.controlResult(action), nil
}

func (r *Runtime) controlResult(action string) *ControlResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.session
	res := &ControlResult{Status: s.Status, Action: action}
	switch s.Status {
	case StatusPaused:
		res.Location = s.Location
		res.CodeSnippet = s.CodeSnippet
		res.PauseReason = s.PauseReason
		res.RawReason = s.RawReason
		res.Message = fmt.Sprintf("Paused at %s:%d", s.Location.File, s.Location.Line)
		res.Hint = "Inspect variables with inspect_variable or keep stepping."
	case StatusStopped, StatusError:
		res.Message = "Execution finished; the session has stopped."
		res.Hint = "Start a new session with start_debug_session."
	default:
		res.Message = "Execution resumed and has not paused yet."
		res.Hint = "The debuggee may pause later; check get_session_status."
	}
	return res
}

// QueryHistory resolves a time-travel lookup against the ledger relative to
// the current step.
func (r *Runtime) QueryHistory(ctx context.Context, name string, stepsAgo, limit int) (*HistoryResult, error) {
	if name == "" {
		return nil, errValidation("variable_name is required")
	}
	if stepsAgo < 0 {
		return nil, errValidation("steps_ago must be >= 0")
	}
	if limit < 1 || limit > 20 {
		return nil, errValidation("limit must be between 1 and 20")
	}
	r.touch()

	r.mu.Lock()
	session := r.session
	store := r.store
	step := r.stepCount
	r.mu.Unlock()

	if session == nil || session.ID == PendingSessionID || store == nil {
		return nil, errNoActiveSession()
	}

	fromStep := step - stepsAgo
	if fromStep < 0 {
		fromStep = 0
	}
	entries, err := store.VariableHistory(ctx, session.ID, name, fromStep, limit)
	if err != nil {
		return nil, AsError(err)
	}

	msg := fmt.Sprintf("Found %d recorded value(s) of %s at or before step %d.", len(entries), name, fromStep)
	if len(entries) == 0 {
		msg = fmt.Sprintf("No recorded values of %s at or before step %d. Values are recorded when inspected.", name, fromStep)
	}
	return &HistoryResult{
		Variable: name,
		StepsAgo: stepsAgo,
		History:  entries,
		Message:  msg,
	}, nil
}

// SessionSnapshot is a consistent copy of the session for status reporting.
type SessionSnapshot struct {
	Session     *Session
	StepCount   int
	Breakpoints []*Breakpoint
}

// Snapshot returns the current session state, or nil when none exists.
func (r *Runtime) Snapshot() *SessionSnapshot {
	r.touch()
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.session == nil {
		return nil
	}
	copied := *r.session
	return &SessionSnapshot{
		Session:     &copied,
		StepCount:   r.stepCount,
		Breakpoints: r.session.BreakpointList(),
	}
}

// Stop runs the stop sequence: best-effort stop command, link teardown,
// ledger finalization. Concurrent stops are no-ops after the first.
func (r *Runtime) Stop(ctx context.Context) {
	r.mu.Lock()
	if r.session == nil || r.stopping {
		r.mu.Unlock()
		return
	}
	r.stopping = true
	sid := r.session.ID
	link := r.link
	store := r.store
	if !r.session.Status.Terminal() {
		r.session.Status = StatusStopped
	}
	wait := r.waitCh
	r.waitCh = make(chan struct{})
	r.stopWatchdogLocked()
	r.mu.Unlock()

	if link != nil {
		if link.Connected() {
			stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
			if _, err := link.SendCommand(stopCtx, "stop", nil, ""); err != nil {
				r.logger.Debug("stop command failed", zap.Error(err))
			}
			cancel()
		}
		_ = link.Close()
	}

	if sid != PendingSessionID && store != nil {
		finCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := store.FinalizeSession(finCtx, sid); err != nil {
			r.logger.Warn("finalizing session failed", zap.Error(err))
		}
		cancel()
	}
	r.logger.Info("session stopped", zap.String("session", sid))
	close(wait)
}

// Shutdown stops any session and releases the ledger. For process exit.
func (r *Runtime) Shutdown(ctx context.Context) {
	r.Stop(ctx)
	r.mu.Lock()
	store := r.store
	r.store = nil
	r.mu.Unlock()
	if store != nil {
		_ = store.Close()
	}
}

func (r *Runtime) setStatus(status Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.session == nil || r.session.Status.Terminal() {
		return
	}
	r.session.Status = status
	r.session.LastActivityAt = r.clk.Now()
}

// --- Watchdog ---

// startWatchdog arms the idle timer for the current session.
func (r *Runtime) startWatchdog() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopWatchdogLocked()
	r.watchdog = r.clk.AfterFunc(r.cfg.WatchdogTimeout, r.onWatchdog)
}

func (r *Runtime) onWatchdog() {
	r.logger.Warn("watchdog expired, terminating idle session",
		zap.Duration("timeout", r.cfg.WatchdogTimeout))
	r.Stop(context.Background())
}

// touch resets the watchdog; every agent request and break event lands here.
func (r *Runtime) touch() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.session != nil {
		r.session.LastActivityAt = r.clk.Now()
	}
	if r.watchdog != nil {
		r.watchdog.Reset(r.cfg.WatchdogTimeout)
	}
}

func (r *Runtime) stopWatchdogLocked() {
	if r.watchdog != nil {
		r.watchdog.Stop()
		r.watchdog = nil
	}
}
