package debugger

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAvailableActionsPerStatus(t *testing.T) {
	tests := []struct {
		status Status
		want   []string
	}{
		{StatusPaused, []string{"step_over", "step_into", "step_out", "continue", "stop", "inspect_variable"}},
		{StatusRunning, []string{"stop"}},
		{StatusListening, []string{"stop"}},
		{StatusConnected, []string{"stop"}},
		{StatusStopped, []string{"start_debug_session"}},
		{StatusError, []string{"start_debug_session"}},
		{StatusInitializing, []string{}},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			s := &Session{Status: tt.status}
			assert.Equal(t, tt.want, AvailableActions(s))
		})
	}

	assert.Equal(t, []string{"start_debug_session"}, AvailableActions(nil))
}

func TestStatusTerminal(t *testing.T) {
	assert.True(t, StatusStopped.Terminal())
	assert.True(t, StatusError.Terminal())
	for _, s := range []Status{StatusInitializing, StatusListening, StatusConnected, StatusRunning, StatusPaused} {
		assert.False(t, s.Terminal(), string(s))
	}
}

func TestBreakpointListStableOrder(t *testing.T) {
	s := newPendingSession(time.Now())
	for _, bp := range []*Breakpoint{
		{File: "b.php", Line: 5},
		{File: "a.php", Line: 9},
		{File: "a.php", Line: 2},
	} {
		s.Breakpoints[breakpointKey{file: bp.File, line: bp.Line}] = bp
	}

	list := s.BreakpointList()
	require.Len(t, list, 3)
	assert.Equal(t, "a.php", list[0].File)
	assert.Equal(t, 2, list[0].Line)
	assert.Equal(t, "a.php", list[1].File)
	assert.Equal(t, 9, list[1].Line)
	assert.Equal(t, "b.php", list[2].File)
}

func TestReadSnippetMarksCurrentLine(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "x.php")
	content := "<?php\n$a = 1;\n$b = 2;\n$c = 3;\n$d = 4;\n"
	require.NoError(t, os.WriteFile(file, []byte(content), 0o644))

	snippet := readSnippet(file, 3)
	assert.Equal(t, "   2: $a = 1;\n-> 3: $b = 2;\n   4: $c = 3;", snippet)
}

func TestReadSnippetFirstLine(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "x.php")
	require.NoError(t, os.WriteFile(file, []byte("<?php\necho 1;\n"), 0o644))

	snippet := readSnippet(file, 1)
	assert.Equal(t, "-> 1: <?php\n   2: echo 1;", snippet)
}

func TestReadSnippetUnreadableFileIsEmpty(t *testing.T) {
	assert.Empty(t, readSnippet("/nonexistent/file.php", 10))
}
