// ABOUTME: Inspection pipeline: surgical filters and structural summaries.
// ABOUTME: The default shape never pastes large payloads back to the agent.

package debugger

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ohler55/ojg/jp"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/wallter/smart-xdebug-mcp/pkg/dbgp"
	"github.com/wallter/smart-xdebug-mcp/pkg/ledger"
)

const (
	previewChildren  = 3
	previewValueCap  = 50
	availableKeysCap = 20
)

// InspectVariable fetches a variable from the paused debuggee, records the
// snapshot against the current step, and runs the result through the
// inspection pipeline: a filtered slice when a filter is supplied, a
// structural summary otherwise.
func (r *Runtime) InspectVariable(ctx context.Context, name, filter string, depth int) (map[string]any, error) {
	if name == "" {
		return nil, errValidation("name is required")
	}
	r.touch()

	r.mu.Lock()
	session := r.session
	link := r.link
	store := r.store
	step := r.stepCount
	var status Status
	var sid string
	var loc *Location
	if session != nil {
		status = session.Status
		sid = session.ID
		if session.Location != nil {
			copied := *session.Location
			loc = &copied
		}
	}
	r.mu.Unlock()

	if session == nil || sid == PendingSessionID {
		return nil, errNoActiveSession()
	}
	if status.Terminal() {
		return nil, errSessionStopped()
	}
	if status != StatusPaused {
		return nil, errSessionNotPaused(status)
	}

	if depth < 1 {
		depth = 1
	}
	if depth > r.cfg.MaxDepth {
		depth = r.cfg.MaxDepth
	}
	if depth > AbsoluteMaxDepth {
		depth = AbsoluteMaxDepth
	}

	info, err := link.GetProperty(ctx, name, depth, r.cfg.DefaultMaxChildren)
	if err != nil {
		return nil, AsError(err)
	}
	if info == nil {
		return map[string]any{
			"variable": name,
			"found":    false,
			"error":    fmt.Sprintf("Variable %s not found in the current scope", name),
			"hint":     "Check the spelling; locals are only visible in their own frame.",
		}, nil
	}

	plain := Flatten(info)
	if store != nil && loc != nil {
		recCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		recLoc := ledger.Location{
			File:     loc.File,
			Line:     loc.Line,
			Function: loc.Function,
		}
		if err := store.RecordVariable(recCtx, sid, step, recLoc, name, plain); err != nil {
			r.logger.Warn("recording variable snapshot failed",
				zap.String("name", name), zap.Error(err))
		}
		cancel()
	}

	if filter != "" {
		return applyFilter(info, plain, name, filter), nil
	}
	return structuralResult(info, name), nil
}

// Flatten converts a VarInfo tree into a plain structured value: maps for
// objects, slices for arrays, scalars for leaves.
func Flatten(v *dbgp.VarInfo) any {
	if len(v.Children) == 0 {
		return v.Value
	}
	if v.Type == "array" || v.Type == "hash" {
		if isList(v.Children) {
			out := make([]any, 0, len(v.Children))
			for i := range v.Children {
				out = append(out, Flatten(&v.Children[i]))
			}
			return out
		}
	}
	out := make(map[string]any, len(v.Children))
	for i := range v.Children {
		out[v.Children[i].Name] = Flatten(&v.Children[i])
	}
	return out
}

// isList reports whether array children are numerically keyed 0..n-1.
func isList(children []dbgp.VarInfo) bool {
	for i := range children {
		if children[i].Name != fmt.Sprintf("%d", i) {
			return false
		}
	}
	return true
}

// applyFilter evaluates a JSONPath-style filter over the flattened value.
// Evaluator errors never abort the session; they downgrade to a diagnostic
// payload with navigational hints.
func applyFilter(info *dbgp.VarInfo, plain any, name, filter string) map[string]any {
	expr, err := jp.ParseString(filter)
	if err != nil {
		return filterDiagnostic(info, plain, name,
			fmt.Sprintf("invalid filter expression: %v", err))
	}

	var results []any
	func() {
		// The evaluator is opaque third-party code running over debuggee
		// data; a panic must degrade to a diagnostic, not kill the bridge.
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("filter evaluation failed: %v", p)
			}
		}()
		results = expr.Get(plain)
	}()
	if err != nil {
		return filterDiagnostic(info, plain, name, err.Error())
	}
	if len(results) == 0 {
		return filterDiagnostic(info, plain, name,
			fmt.Sprintf("filter %q matched nothing", filter))
	}

	value := any(results)
	if len(results) == 1 && !strings.Contains(filter, "*") && !strings.Contains(filter, "..") {
		value = results[0]
	}
	return map[string]any{
		"variable":  name,
		"filter":    filter,
		"type":      info.Type,
		"value":     value,
		"truncated": false,
	}
}

func filterDiagnostic(info *dbgp.VarInfo, plain any, name, message string) map[string]any {
	return map[string]any{
		"error":          message,
		"variable":       name,
		"type":           info.Type,
		"available_keys": availableKeys(plain, availableKeysCap),
		"hint":           "Use dot/bracket paths like $.items[0].sku, $.items[*].sku, or $..sku.",
	}
}

// availableKeys enumerates the first navigable paths from the root,
// breadth-first, so a failed filter comes back with a map of the territory.
func availableKeys(plain any, limit int) []string {
	type node struct {
		path  string
		value any
	}
	queue := []node{{path: "$", value: plain}}
	var keys []string
	for len(queue) > 0 && len(keys) < limit {
		n := queue[0]
		queue = queue[1:]
		switch v := n.value.(type) {
		case map[string]any:
			names := lo.Keys(v)
			sort.Strings(names)
			for _, k := range names {
				p := n.path + "." + k
				keys = append(keys, p)
				queue = append(queue, node{path: p, value: v[k]})
				if len(keys) >= limit {
					break
				}
			}
		case []any:
			for i, item := range v {
				p := fmt.Sprintf("%s[%d]", n.path, i)
				keys = append(keys, p)
				queue = append(queue, node{path: p, value: item})
				if len(keys) >= limit {
					break
				}
			}
		}
	}
	return keys
}

// structuralResult builds the default no-filter response. Scalars bypass
// the summary and return their literal value.
func structuralResult(info *dbgp.VarInfo, name string) map[string]any {
	if !info.IsCompound() && len(info.Children) == 0 {
		return map[string]any{
			"variable": name,
			"type":     info.Type,
			"value":    info.Value,
		}
	}

	keys := lo.Map(info.Children, func(c dbgp.VarInfo, _ int) string { return c.Name })
	preview := make(map[string]string, previewChildren)
	for i := range info.Children {
		if i == previewChildren {
			break
		}
		c := &info.Children[i]
		preview[c.Name] = previewString(c)
	}

	structure := map[string]any{
		"type":           info.Type,
		"keys":           keys,
		"children_count": childCount(info),
		"preview":        preview,
	}
	result := map[string]any{
		"variable":  name,
		"type":      info.Type,
		"structure": structure,
		"hint":      "Pass a filter like $.key or $.items[*].field to retrieve values.",
	}
	if info.Classname != "" {
		structure["classname"] = info.Classname
		result["classname"] = info.Classname
	}
	return result
}

func childCount(v *dbgp.VarInfo) int {
	if v.NumChildren > 0 {
		return v.NumChildren
	}
	return len(v.Children)
}

// previewString renders one child as "(type) value", values truncated to
// keep the payload small; compound children show a count marker instead.
func previewString(c *dbgp.VarInfo) string {
	if c.IsCompound() || len(c.Children) > 0 {
		return fmt.Sprintf("(%s) [%d children]", c.Type, childCount(c))
	}
	rendered := "null"
	if c.Value != nil {
		rendered = fmt.Sprintf("%v", c.Value)
	}
	if len(rendered) > previewValueCap {
		rendered = rendered[:previewValueCap] + "..."
	}
	return fmt.Sprintf("(%s) %s", c.Type, rendered)
}
