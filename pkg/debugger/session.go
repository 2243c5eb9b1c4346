// ABOUTME: Session model: statuses, breakpoints, locations, snippets.
// ABOUTME: The pending session holds breakpoints set before the first start.

package debugger

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"
)

// Status enumerates the session state machine.
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusListening    Status = "listening"
	StatusConnected    Status = "connected"
	StatusRunning      Status = "running"
	StatusPaused       Status = "paused"
	StatusStopped      Status = "stopped"
	StatusError        Status = "error"
)

// PendingSessionID is the sentinel id of a session created solely to hold
// breakpoints before start_debug_session. It is never persisted.
const PendingSessionID = "pending"

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusStopped || s == StatusError
}

// Location pins the paused debuggee to a local source position.
type Location struct {
	File     string `json:"file"`
	Line     int    `json:"line"`
	Function string `json:"function,omitempty"`
}

// Breakpoint is identified by (file, line); re-setting overwrites. The
// remote file is derived at creation time; ID stays empty while the
// breakpoint is pending registration with a debuggee.
type Breakpoint struct {
	File       string `json:"file"`
	Line       int    `json:"line"`
	Condition  string `json:"condition,omitempty"`
	RemoteFile string `json:"-"`
	ID         string `json:"-"`
}

type breakpointKey struct {
	file string
	line int
}

// Session is the bridge's single debug session. At most one non-terminated
// session exists at a time.
type Session struct {
	ID             string
	Status         Status
	Breakpoints    map[breakpointKey]*Breakpoint
	StartedAt      time.Time
	LastActivityAt time.Time
	Location       *Location
	CodeSnippet    string
	PauseReason    string
	RawReason      string
	Exception      string
	ErrorMessage   string
}

func newPendingSession(now time.Time) *Session {
	return &Session{
		ID:             PendingSessionID,
		Breakpoints:    make(map[breakpointKey]*Breakpoint),
		StartedAt:      now,
		LastActivityAt: now,
	}
}

// BreakpointList returns breakpoints in a stable (file, line) order.
func (s *Session) BreakpointList() []*Breakpoint {
	out := make([]*Breakpoint, 0, len(s.Breakpoints))
	for _, bp := range s.Breakpoints {
		out = append(out, bp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].File != out[j].File {
			return out[i].File < out[j].File
		}
		return out[i].Line < out[j].Line
	})
	return out
}

// AvailableActions maps a status to the agent operations valid in it.
// A nil session (no active session) yields start_debug_session only.
func AvailableActions(s *Session) []string {
	if s == nil {
		return []string{"start_debug_session"}
	}
	switch s.Status {
	case StatusPaused:
		return []string{"step_over", "step_into", "step_out", "continue", "stop", "inspect_variable"}
	case StatusRunning, StatusListening, StatusConnected:
		return []string{"stop"}
	case StatusStopped, StatusError:
		return []string{"start_debug_session"}
	default:
		return []string{}
	}
}

// snippetContext is how many lines surround the current one.
const snippetContext = 1

// readSnippet renders a small window of source around line, with the
// current line marked. Best effort: unreadable files yield "".
func readSnippet(file string, line int) string {
	f, err := os.Open(file)
	if err != nil {
		return ""
	}
	defer f.Close()

	var sb strings.Builder
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)
	n := 0
	for scanner.Scan() {
		n++
		if n < line-snippetContext {
			continue
		}
		if n > line+snippetContext {
			break
		}
		marker := "  "
		if n == line {
			marker = "->"
		}
		fmt.Fprintf(&sb, "%s %d: %s\n", marker, n, scanner.Text())
	}
	return strings.TrimRight(sb.String(), "\n")
}
