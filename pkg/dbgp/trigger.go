// ABOUTME: Trigger-process lifecycle for the DBGp link.
// ABOUTME: Spawns the user-supplied command detached through a shell.

package dbgp

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"

	"go.uber.org/zap"
)

const triggerOutputLimit = 2048

// SplitCommand performs simple quote-aware splitting of a command string.
// Used for validation and logging; the child itself runs through a shell so
// pipelines and URL quoting behave the way the user wrote them.
func SplitCommand(command string) []string {
	var (
		args    []string
		current strings.Builder
		quote   rune
	)
	for _, r := range command {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				current.WriteRune(r)
			}
		case r == '\'' || r == '"':
			quote = r
		case r == ' ' || r == '\t':
			if current.Len() > 0 {
				args = append(args, current.String())
				current.Reset()
			}
		default:
			current.WriteRune(r)
		}
	}
	if current.Len() > 0 {
		args = append(args, current.String())
	}
	return args
}

// triggerProcess owns the spawned trigger child. The child is fire-and-forget:
// its exit never drives session state, only the TCP dial from the debuggee does.
type triggerProcess struct {
	cmd    *exec.Cmd
	logger *zap.Logger

	mu     sync.Mutex
	killed bool
}

// startTrigger spawns the command through a shell, detached in its own
// process group so the bridge can terminate it without waiting on its exit.
// stdout/stderr are captured into truncated log lines for diagnostics only.
func startTrigger(command, cwd string, env []string, logger *zap.Logger) (*triggerProcess, error) {
	if len(SplitCommand(command)) == 0 {
		return nil, fmt.Errorf("empty trigger command")
	}

	cmd := exec.Command("sh", "-c", command)
	cmd.Dir = cwd
	cmd.Env = append(os.Environ(), env...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("trigger stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("trigger stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting trigger command: %w", err)
	}

	t := &triggerProcess{cmd: cmd, logger: logger}
	go t.drain("trigger stdout", stdout)
	go t.drain("trigger stderr", stderr)
	go func() {
		// Reap the child; exit status is diagnostic only.
		err := cmd.Wait()
		logger.Debug("trigger command exited", zap.Error(err))
	}()

	logger.Debug("trigger command started",
		zap.String("command", command),
		zap.Int("pid", cmd.Process.Pid))
	return t, nil
}

// drain logs captured child output, truncated per line.
func (t *triggerProcess) drain(label string, r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 64*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if len(line) > triggerOutputLimit {
			line = line[:triggerOutputLimit] + "...(truncated)"
		}
		t.logger.Debug(label, zap.String("output", line))
	}
}

// kill terminates the whole process group, best effort.
func (t *triggerProcess) kill() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.killed || t.cmd.Process == nil {
		return
	}
	t.killed = true
	_ = syscall.Kill(-t.cmd.Process.Pid, syscall.SIGKILL)
}
