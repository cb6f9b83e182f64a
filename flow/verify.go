package flow

import "sort"

// Graph verifier. A single depth-first traversal maintains a path-scoped
// set of step instance names, so duplicates are detected per linear path
// while mutually exclusive branch cases may reuse names. Fork and loop
// structure is validated with explicit frames during compilation; the
// verifier re-checks the invariants on the compiled table.

// Diagnostic codes emitted by the verifier.
const (
	// DiagEmptyName: workflow name must be non-empty (fatal).
	DiagEmptyName = "AGWF001"
	// DiagNoSteps: workflow should contain at least one step (warning).
	DiagNoSteps = "AGWF002"
	// DiagDuplicateStep: step names must be unique within a linear path (fatal).
	DiagDuplicateStep = "AGWF003"
	// DiagGlobalNamespace: workflow must be declared in a named namespace (fatal).
	DiagGlobalNamespace = "AGWF004"
	// DiagBadEntry: the first node must be a step (fatal).
	DiagBadEntry = "AGWF009"
	// DiagNoTerminal: the last reachable node should be a terminal step (warning).
	DiagNoTerminal = "AGWF010"
	// DiagEmptyBranch: a branch must declare at least one case (fatal).
	DiagEmptyBranch = "AGWF011"
	// DiagUnpairedFork: every fork needs a matching join (fatal).
	DiagUnpairedFork = "AGWF012"
	// DiagEmptyLoop: every loop body needs at least one step (fatal).
	DiagEmptyLoop = "AGWF014"
	// DiagNoApprovalOptions: an approval must present at least one option (fatal).
	DiagNoApprovalOptions = "AGWF015"
	// DiagNoExitPredicate: a loop must declare an exit predicate (fatal).
	DiagNoExitPredicate = "AGWF016"
)

type verifier[S any] struct {
	d     *Definition[S]
	diags []Diagnostic

	sawTerminal bool
	sawExit     bool
}

func verify[S any](d *Definition[S]) []Diagnostic {
	v := &verifier[S]{d: d}

	if d.name == "" {
		v.fatal(DiagEmptyName, d.namespace+"/?", "workflow name must not be empty")
	}
	if d.namespace == "" {
		v.fatal(DiagGlobalNamespace, d.name, "workflow must be declared in a named namespace")
	}

	steps := 0
	for _, n := range d.nodes {
		if n.kind == kindStep {
			steps++
		}
	}
	if steps == 0 {
		v.warn(DiagNoSteps, d.name, "workflow contains no steps")
	}

	if start, ok := d.nodes[d.start]; !ok || start.kind != kindStep {
		v.fatal(DiagBadEntry, d.start, "first node must be a step")
	}

	// Structural per-node checks, in deterministic order.
	ids := make([]string, 0, len(d.nodes))
	for id := range d.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		n := d.nodes[id]
		switch n.kind {
		case kindBranch:
			if len(n.cases) == 0 {
				v.fatal(DiagEmptyBranch, id, "branch declares no cases")
			}
		case kindFork:
			join, ok := d.nodes[n.joinID]
			if !ok || join.kind != kindJoin || join.join == nil {
				v.fatal(DiagUnpairedFork, id, "fork has no matching join step")
			}
		case kindLoop:
			if n.exit == nil {
				v.fatal(DiagNoExitPredicate, id, "loop declares no exit predicate")
			}
			if n.bodyHead == n.id || v.bodySteps(n.bodyHead, n.id) == 0 {
				v.fatal(DiagEmptyLoop, id, "loop body contains no steps")
			}
		case kindApproval:
			if n.approval == nil || len(n.approval.Options) == 0 {
				v.fatal(DiagNoApprovalOptions, id, "approval presents no options")
			}
		}
	}

	// Path traversal: duplicate names and terminal reachability.
	v.walk(d.start, map[string]bool{}, map[string]bool{})
	for _, head := range v.handlerHeads() {
		v.walk(head, map[string]bool{}, map[string]bool{})
	}

	if v.sawExit && !v.sawTerminal {
		v.warn(DiagNoTerminal, d.name, "no reachable terminal step; last step should be terminal")
	}

	return v.diags
}

func (v *verifier[S]) walk(id string, names, onPath map[string]bool) {
	if id == "" {
		return
	}
	n, ok := v.d.nodes[id]
	if !ok || onPath[id] {
		return
	}
	onPath[id] = true
	defer delete(onPath, id)

	switch n.kind {
	case kindStep:
		if names[n.name] {
			v.fatal(DiagDuplicateStep, id, "duplicate step name "+n.name+" within a linear path")
		}
		names[n.name] = true
		if n.terminal {
			v.sawTerminal = true
		} else if n.next == "" {
			v.sawExit = true
		}
		v.walk(n.next, names, onPath)

	case kindBranch:
		for _, cs := range n.cases {
			v.walk(cs.Head, cloneSet(names), onPath)
		}

	case kindFork:
		for _, head := range n.pathHeads {
			v.walk(head, cloneSet(names), onPath)
		}
		v.walk(n.joinID, names, onPath)

	case kindJoin:
		v.walk(n.next, names, onPath)

	case kindLoop:
		v.walk(n.bodyHead, names, onPath)
		v.walk(n.next, names, onPath)

	case kindApproval:
		// The rejection and escalation walks must not see names collected
		// on the main continuation: the escalation path rejoins it, so the
		// same steps are legitimately reachable twice.
		base := cloneSet(names)
		v.walk(n.next, names, onPath)
		v.walk(n.rejectionHead, cloneSet(base), onPath)
		v.walk(n.escalationHead, cloneSet(base), onPath)
	}
}

// bodySteps counts steps reachable from head before control returns to the
// loop node. Used for the non-empty-body invariant.
func (v *verifier[S]) bodySteps(head, loopID string) int {
	count := 0
	seen := map[string]bool{loopID: true}
	var visit func(id string)
	visit = func(id string) {
		if id == "" || seen[id] {
			return
		}
		seen[id] = true
		n, ok := v.d.nodes[id]
		if !ok {
			return
		}
		switch n.kind {
		case kindStep:
			count++
			visit(n.next)
		case kindBranch:
			for _, cs := range n.cases {
				visit(cs.Head)
			}
		case kindFork:
			for _, h := range n.pathHeads {
				visit(h)
			}
			visit(n.joinID)
		default:
			visit(n.next)
		}
	}
	visit(head)
	return count
}

func (v *verifier[S]) handlerHeads() []string {
	seen := map[string]bool{}
	heads := []string{}
	if v.d.handler != "" {
		seen[v.d.handler] = true
		heads = append(heads, v.d.handler)
	}
	ids := make([]string, 0, len(v.d.nodes))
	for id := range v.d.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		h := v.d.nodes[id].handlerID
		if h != "" && !seen[h] {
			seen[h] = true
			heads = append(heads, h)
		}
	}
	return heads
}

func (v *verifier[S]) fatal(code, loc, msg string) {
	v.diags = append(v.diags, Diagnostic{Code: code, Severity: SeverityFatal, Location: loc, Message: msg})
}

func (v *verifier[S]) warn(code, loc, msg string) {
	v.diags = append(v.diags, Diagnostic{Code: code, Severity: SeverityWarning, Location: loc, Message: msg})
}

func cloneSet(in map[string]bool) map[string]bool {
	out := make(map[string]bool, len(in))
	for k := range in {
		out[k] = true
	}
	return out
}
