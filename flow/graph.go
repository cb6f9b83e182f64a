package flow

import "time"

// Graph model: a workflow definition compiled from the builder DSL into an
// ID-addressed node table. Nodes reference each other by ID, never by
// pointer, so the structure stays acyclic even when control flow loops.

// nodeKind discriminates the compiled node variants.
type nodeKind int

const (
	kindStep nodeKind = iota
	kindBranch
	kindFork
	kindJoin
	kindPathEnd
	kindLoop
	kindApproval
	kindHandlerEnd
)

func (k nodeKind) String() string {
	switch k {
	case kindBranch:
		return "branch"
	case kindFork:
		return "fork"
	case kindJoin:
		return "join"
	case kindPathEnd:
		return "path_end"
	case kindLoop:
		return "loop"
	case kindApproval:
		return "approval"
	case kindHandlerEnd:
		return "handler_end"
	default:
		return "step"
	}
}

// handlerScope orders failure-handler nesting: a failure bubbles to the
// nearest enclosing handler, fork-path before loop-body before workflow.
type handlerScope int

const (
	scopeNone handlerScope = iota
	scopeWorkflow
	scopeLoopBody
	scopeForkPath
)

// branchCase is one compiled case of a branch node.
type branchCase struct {
	// Key is the literal discriminator value this case matches.
	Key string

	// Head is the first node of the case's sub-sequence.
	Head string
}

// ApprovalSpec configures a human-approval checkpoint.
type ApprovalSpec struct {
	// ApproverID identifies the approver type asked for a decision.
	ApproverID string

	// Options is the non-empty list of choices presented.
	Options []string

	// Message is the context shown alongside the request.
	Message string

	// Timeout, when non-zero, bounds how long the workflow waits before
	// completing with outcome timed_out.
	Timeout time.Duration
}

// node is a compiled graph node. Only the fields for its kind are set.
type node[S any] struct {
	id   string
	kind nodeKind

	// name is the user-facing instance name (the last path segment of id).
	name string

	// next is the continuation node ID. Empty means the workflow (or the
	// enclosing synthetic scope) completes after this node.
	next string

	// step fields
	step     Step[S]
	terminal bool

	// branch fields
	disc  Discriminator[S]
	cases []branchCase

	// fork fields
	pathHeads []string
	joinID    string
	join      JoinStep[S]

	// path-end fields
	forkID    string
	pathIndex int

	// loop fields
	loopName      string
	exit          Predicate[S]
	bodyHead      string
	maxIterations int

	// approval fields
	approval       *ApprovalSpec
	rejectionHead  string
	escalationHead string

	// handler-end fields
	handlerTerminal bool

	// handlerID is the nearest enclosing failure-handler head, empty when
	// no handler covers this node.
	handlerID    string
	handlerScope handlerScope
}

// Severity grades a verifier diagnostic.
type Severity int

const (
	// SeverityWarning surfaces but does not block execution.
	SeverityWarning Severity = iota

	// SeverityFatal blocks the graph from being executable.
	SeverityFatal
)

func (s Severity) String() string {
	if s == SeverityFatal {
		return "fatal"
	}
	return "warning"
}

// Diagnostic is a verifier finding with a stable code.
type Diagnostic struct {
	// Code is the stable diagnostic identifier (e.g. "AGWF003").
	Code string

	// Severity grades the finding.
	Severity Severity

	// Location names the node or workflow element at fault.
	Location string

	// Message is the human-readable description.
	Message string
}

func (d Diagnostic) String() string {
	return d.Code + " (" + d.Severity.String() + ") at " + d.Location + ": " + d.Message
}

// Definition is an immutable compiled workflow graph. It is constructed
// once at program init by Builder.Build and shared read-only across all
// instances.
type Definition[S any] struct {
	namespace string
	name      string

	schema  *Schema[S]
	reducer Reducer[S]
	combine func(S, S) S

	nodes   map[string]*node[S]
	start   string
	handler string // workflow-scope failure-handler head

	diagnostics []Diagnostic
}

// Namespace returns the declaring namespace.
func (d *Definition[S]) Namespace() string { return d.namespace }

// Name returns the workflow name, unique within its namespace.
func (d *Definition[S]) Name() string { return d.name }

// Diagnostics returns all verifier findings, fatals and warnings alike.
func (d *Definition[S]) Diagnostics() []Diagnostic { return d.diagnostics }

// Executable reports whether verification produced no fatal diagnostics.
func (d *Definition[S]) Executable() bool {
	for _, diag := range d.diagnostics {
		if diag.Severity == SeverityFatal {
			return false
		}
	}
	return true
}

// Reducer returns the reducer the engine applies to step deltas.
func (d *Definition[S]) Reducer() Reducer[S] { return d.reducer }

func (d *Definition[S]) node(id string) (*node[S], bool) {
	n, ok := d.nodes[id]
	return n, ok
}
