// Package graph validates a workflow's ActionList as a DAG and derives
// the adjacency/predecessor maps the rest of the runtime needs.
//
// Cycle detection is DFS with an explicit recursion stack rather than
// Kahn's algorithm, because a fatal cycle must report the specific
// offending edge, not merely the fact that one exists.
package graph

import (
	"fmt"
	"sort"
	"strings"

	"github.com/oriys/zephyr/internal/domain"
)

// CycleError reports the edge where a cycle was detected.
type CycleError struct {
	From, To string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("cycle detected: %s -> %s", e.From, e.To)
}

// UnreachableStateError reports an action never visited from the
// workflow's single source.
type UnreachableStateError struct {
	Action string
}

func (e *UnreachableStateError) Error() string {
	return fmt.Sprintf("unreachable state found: %s", e.Action)
}

// NoInitialActionError is returned when no action has zero predecessors.
type NoInitialActionError struct{}

func (e *NoInitialActionError) Error() string {
	return "no initial action: every action has a predecessor"
}

// BuildAdjacency expands InvokeNext (rank fan-out and conditional
// branches) into a plain successor adjacency map over action names.
func BuildAdjacency(doc *domain.WorkflowDocument) map[string][]string {
	adj := make(map[string][]string, len(doc.ActionList))
	for name, action := range doc.ActionList {
		adj[name] = append(adj[name], expandInvokeNext(action.InvokeNext)...)
	}
	return adj
}

func expandInvokeNext(n domain.InvokeNext) []string {
	var out []string
	for _, t := range n {
		switch t.Kind {
		case domain.InvokeTargetPlain:
			out = append(out, t.Name)
		case domain.InvokeTargetRanked:
			for i := 1; i <= t.Rank; i++ {
				out = append(out, fmt.Sprintf("%s.%d", t.Name, i))
			}
		case domain.InvokeTargetConditional:
			for _, branch := range t.Conditional {
				out = append(out, expandInvokeNext(branch)...)
			}
		}
	}
	return out
}

// FanOutWidths scans every InvokeNext entry for ranked targets and
// returns the fan-out width N of each action invoked as "name(N)".
// Actions only ever invoked plainly are absent from the result.
func FanOutWidths(doc *domain.WorkflowDocument) map[string]int {
	widths := make(map[string]int)
	for _, action := range doc.ActionList {
		collectWidths(action.InvokeNext, widths)
	}
	return widths
}

func collectWidths(n domain.InvokeNext, widths map[string]int) {
	for _, t := range n {
		switch t.Kind {
		case domain.InvokeTargetRanked:
			if t.Rank > widths[t.Name] {
				widths[t.Name] = t.Rank
			}
		case domain.InvokeTargetConditional:
			for _, branch := range t.Conditional {
				collectWidths(branch, widths)
			}
		}
	}
}

// ExpandRanked maps predecessor names to the done-flag instance names
// the fan-in barrier must wait for: a predecessor invoked as a ranked
// fan-out "p(N)" expands to p.1 .. p.N, plain predecessors pass
// through unchanged.
func ExpandRanked(doc *domain.WorkflowDocument, names []string) []string {
	widths := FanOutWidths(doc)
	out := make([]string, 0, len(names))
	for _, name := range names {
		if n := widths[name]; n > 1 {
			for i := 1; i <= n; i++ {
				out = append(out, fmt.Sprintf("%s.%d", name, i))
			}
			continue
		}
		out = append(out, name)
	}
	return out
}

// Predecessors inverts an adjacency map into a map of successor ->
// direct predecessors.
func Predecessors(adj map[string][]string) map[string][]string {
	pre := make(map[string][]string)
	for from, tos := range adj {
		for _, to := range tos {
			pre[to] = append(pre[to], from)
		}
	}
	return pre
}

// stripRank removes a ".N" rank suffix from an expanded action name,
// e.g. "B.2" -> "B", so the DFS visited-set and final reachability
// check operate on logical action names.
func stripRank(name string) string {
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		if isAllDigits(name[i+1:]) {
			return name[:i]
		}
	}
	return name
}

func isAllDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func isCyclic(adj map[string][]string, curr string, visited map[string]bool, stack []string) (bool, *CycleError) {
	normalized := stripRank(curr)
	visited[normalized] = true
	stack = append(stack, normalized)

	for _, child := range adj[normalized] {
		childName := stripRank(child)
		if containsString(stack, childName) {
			// The edge that closes the cycle, reported as found.
			return true, &CycleError{From: normalized, To: childName}
		}
		if !visited[childName] {
			if cyc, cycErr := isCyclic(adj, child, visited, stack); cyc {
				return true, cycErr
			}
		}
	}
	return false, nil
}

func containsString(s []string, v string) bool {
	for _, e := range s {
		if e == v {
			return true
		}
	}
	return false
}

// CheckDAG validates acyclicity and full reachability from the
// unique source action, then returns the direct predecessors of
// doc.FunctionInvoke.
func CheckDAG(doc *domain.WorkflowDocument) ([]string, error) {
	adj := BuildAdjacency(doc)
	pre := Predecessors(adj)

	names := make([]string, 0, len(doc.ActionList))
	for name := range doc.ActionList {
		names = append(names, name)
	}
	sort.Strings(names) // deterministic source selection

	var first string
	found := false
	for _, name := range names {
		if len(pre[name]) == 0 && len(pre[name+".1"]) == 0 {
			first = name
			found = true
			break
		}
	}
	if !found {
		return nil, &NoInitialActionError{}
	}

	visited := make(map[string]bool)
	if cyc, cycErr := isCyclic(adj, first, visited, nil); cyc {
		return nil, cycErr
	}

	for _, name := range names {
		if !visited[stripRank(name)] {
			return nil, &UnreachableStateError{Action: name}
		}
	}

	current := doc.FunctionInvoke
	preds := pre[current]
	if len(preds) == 0 {
		// A ranked fan-out instance appears in the adjacency map under
		// its instance name; every instance shares the same predecessors.
		if FanOutWidths(doc)[current] > 1 {
			preds = pre[current+".1"]
		}
	}
	return preds, nil
}
