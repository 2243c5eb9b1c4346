// ABOUTME: Markdown session summary generation.
// ABOUTME: Rendered at finalization into the session row and a sidecar file.

package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"
)

const summaryStepCap = 50

type summaryStep struct {
	Number   int
	File     string
	Line     int
	Function string
	Reason   string
}

// buildSummary renders the post-session Markdown report: header, statistics
// table, a capped execution path, and the distinct inspected variables.
func (s *Store) buildSummary(ctx context.Context, sid string) (string, error) {
	var (
		startedAt, endedAt           string
		totalSteps, bpHit, excThrown int
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT started_at, COALESCE(ended_at, ''), total_steps, breakpoints_hit, exceptions_thrown
		 FROM sessions WHERE id = ?`, sid).
		Scan(&startedAt, &endedAt, &totalSteps, &bpHit, &excThrown)
	if err != nil {
		return "", fmt.Errorf("reading session header: %w", err)
	}

	steps, err := s.sessionSteps(ctx, sid)
	if err != nil {
		return "", err
	}
	varNames, err := s.distinctVariables(ctx, sid)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "# Debug Session %s\n\n", sid)
	fmt.Fprintf(&sb, "- Started: %s\n", startedAt)
	fmt.Fprintf(&sb, "- Ended: %s\n", endedAt)
	fmt.Fprintf(&sb, "- Duration: %s\n\n", duration(startedAt, endedAt))

	sb.WriteString("## Statistics\n\n")
	sb.WriteString("| Metric | Value |\n|---|---|\n")
	fmt.Fprintf(&sb, "| Total steps | %d |\n", totalSteps)
	fmt.Fprintf(&sb, "| Breakpoints hit | %d |\n", bpHit)
	fmt.Fprintf(&sb, "| Exceptions thrown | %d |\n", excThrown)
	fmt.Fprintf(&sb, "| Variables inspected | %d |\n\n", len(varNames))

	sb.WriteString("## Execution Path\n\n```\n")
	for i, st := range steps {
		if i == summaryStepCap {
			fmt.Fprintf(&sb, "... and %d more steps\n", len(steps)-summaryStepCap)
			break
		}
		fn := st.Function
		if fn == "" {
			fn = "{main}"
		}
		fmt.Fprintf(&sb, "%4d. %s:%d %s (%s)\n", st.Number, st.File, st.Line, fn, st.Reason)
	}
	sb.WriteString("```\n")

	if len(varNames) > 0 {
		sb.WriteString("\n## Inspected Variables\n\n")
		for _, name := range varNames {
			fmt.Fprintf(&sb, "- `%s`\n", name)
		}
	}
	return sb.String(), nil
}

func (s *Store) sessionSteps(ctx context.Context, sid string) ([]summaryStep, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT step_number, file, line, COALESCE(function, ''), reason
		 FROM steps WHERE session_id = ? ORDER BY step_number`, sid)
	if err != nil {
		return nil, fmt.Errorf("reading session steps: %w", err)
	}
	defer rows.Close()

	var steps []summaryStep
	for rows.Next() {
		var st summaryStep
		if err := rows.Scan(&st.Number, &st.File, &st.Line, &st.Function, &st.Reason); err != nil {
			return nil, fmt.Errorf("scanning step row: %w", err)
		}
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

func (s *Store) distinctVariables(ctx context.Context, sid string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT name FROM variables WHERE session_id = ? ORDER BY name`, sid)
	if err != nil {
		return nil, fmt.Errorf("reading inspected variables: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scanning variable name: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func duration(startedAt, endedAt string) string {
	start, err1 := time.Parse(time.RFC3339Nano, startedAt)
	end, err2 := time.Parse(time.RFC3339Nano, endedAt)
	if err1 != nil || err2 != nil {
		return "unknown"
	}
	return end.Sub(start).Round(time.Millisecond).String()
}
