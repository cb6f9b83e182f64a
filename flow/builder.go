package flow

import "fmt"

// Builder is the fluent DSL for declaring a workflow. It compiles a linear
// sequence of steps, conditional branches, fork/join blocks, bounded loops,
// approval checkpoints, and failure handlers into a normalized Definition.
//
// Example:
//
//	def, err := flow.NewWorkflow[ReviewState]("review", "triage").
//	    WithSchema(schema).
//	    Step("plan", planStep).
//	    Loop("refine", func(s ReviewState) bool { return s.Passed }, 3,
//	        func(q *flow.Seq[ReviewState]) {
//	            q.Step("generate", genStep)
//	            q.Step("test", testStep)
//	        }).
//	    TerminalStep("report", reportStep).
//	    Build()
type Builder[S any] struct {
	Seq[S]

	namespace string
	name      string
	schema    *Schema[S]
	reducer   Reducer[S]
	combine   func(S, S) S
}

// Seq declares a linear sub-sequence of workflow elements. The same methods
// are available on the top-level Builder and inside branch cases, fork
// paths, loop bodies, and approval paths.
type Seq[S any] struct {
	elems   []*element[S]
	handler *handlerSpec[S]
}

type element[S any] struct {
	kind nodeKind
	name string

	// step
	step     Step[S]
	terminal bool

	// branch
	disc    Discriminator[S]
	cases   []BranchCase[S]
	rejoins bool

	// fork
	join  JoinStep[S]
	paths []func(*Seq[S])

	// loop
	exit Predicate[S]
	max  int
	body func(*Seq[S])

	// approval
	approval   ApprovalSpec
	rejection  func(*Seq[S])
	escalation func(*Seq[S])
}

type handlerSpec[S any] struct {
	terminal bool
	body     func(*Seq[S])
}

// BranchCase pairs a literal discriminator key with the case sub-sequence.
type BranchCase[S any] struct {
	Key  string
	Body func(*Seq[S])
}

// When builds a BranchCase.
func When[S any](key string, body func(*Seq[S])) BranchCase[S] {
	return BranchCase[S]{Key: key, Body: body}
}

// NewWorkflow starts a workflow definition in the given namespace.
// An empty namespace is a fatal diagnostic (AGWF004) at Build time.
func NewWorkflow[S any](namespace, name string) *Builder[S] {
	return &Builder[S]{namespace: namespace, name: name}
}

// WithSchema sets the state schema; the reducer and update-combining
// operator are derived from its merge rules.
func (b *Builder[S]) WithSchema(schema *Schema[S]) *Builder[S] {
	b.schema = schema
	b.reducer = schema.Reducer()
	b.combine = schema.Combine
	return b
}

// WithReducer overrides the reducer with a hand-written one. Prefer
// WithSchema; a custom reducer must honor the same laws.
func (b *Builder[S]) WithReducer(r Reducer[S]) *Builder[S] {
	b.reducer = r
	return b
}

// Step appends a step to the sequence.
func (q *Seq[S]) Step(name string, step Step[S]) *Seq[S] {
	q.elems = append(q.elems, &element[S]{kind: kindStep, name: name, step: step})
	return q
}

// TerminalStep appends a step marked terminal: the workflow completes with
// outcome success after it runs.
func (q *Seq[S]) TerminalStep(name string, step Step[S]) *Seq[S] {
	q.elems = append(q.elems, &element[S]{kind: kindStep, name: name, step: step, terminal: true})
	return q
}

// Branch routes by a state-derived discriminator. When rejoins is true the
// case sub-sequences converge on the element following the branch; when
// false every case terminates the workflow.
func (q *Seq[S]) Branch(name string, disc Discriminator[S], rejoins bool, cases ...BranchCase[S]) *Seq[S] {
	q.elems = append(q.elems, &element[S]{kind: kindBranch, name: name, disc: disc, cases: cases, rejoins: rejoins})
	return q
}

// Fork runs the given paths in parallel and converges them at join, which
// receives the ordered path results and authors the merge policy.
func (q *Seq[S]) Fork(name string, join JoinStep[S], paths ...func(*Seq[S])) *Seq[S] {
	q.elems = append(q.elems, &element[S]{kind: kindFork, name: name, join: join, paths: paths})
	return q
}

// Loop repeats body until exit holds or maxIterations body-dispatches have
// run, then advances to the next element either way.
func (q *Seq[S]) Loop(name string, exit Predicate[S], maxIterations int, body func(*Seq[S])) *Seq[S] {
	q.elems = append(q.elems, &element[S]{kind: kindLoop, name: name, exit: exit, max: maxIterations, body: body})
	return q
}

// Approval suspends the workflow until a human decision arrives. Approve
// resumes at the following element; Reject runs the rejection path (if any)
// and completes with outcome rejected; Escalate runs the escalation path,
// which may chain further approvals before rejoining the main flow.
func (q *Seq[S]) Approval(name string, spec ApprovalSpec, opts ...ApprovalOption[S]) *Seq[S] {
	e := &element[S]{kind: kindApproval, name: name, approval: spec}
	for _, opt := range opts {
		opt(e)
	}
	q.elems = append(q.elems, e)
	return q
}

// ApprovalOption configures the optional decision paths of an approval.
type ApprovalOption[S any] func(*element[S])

// WithRejectionPath runs body before the workflow completes as rejected.
func WithRejectionPath[S any](body func(*Seq[S])) ApprovalOption[S] {
	return func(e *element[S]) { e.rejection = body }
}

// WithEscalationPath runs body on escalation; it rejoins the main flow.
func WithEscalationPath[S any](body func(*Seq[S])) ApprovalOption[S] {
	return func(e *element[S]) { e.escalation = body }
}

// OnFailure installs a failure handler scoped to this sequence: the whole
// workflow for the top-level builder, the loop body or fork path for nested
// sequences. When terminal is true the handler completes the workflow (or
// path) as failed; otherwise control rejoins after the failed step.
func (q *Seq[S]) OnFailure(terminal bool, body func(*Seq[S])) *Seq[S] {
	q.handler = &handlerSpec[S]{terminal: terminal, body: body}
	return q
}

// Build compiles and verifies the definition. The returned Definition is
// non-nil even when verification found problems so diagnostics remain
// inspectable; the error is non-nil when any diagnostic is fatal.
func (b *Builder[S]) Build() (*Definition[S], error) {
	if b.reducer == nil {
		return nil, Errorf(KindValidation, "builder.build",
			"workflow %q has no schema or reducer", b.name)
	}

	c := &compiler[S]{nodes: make(map[string]*node[S])}
	start := c.seq("", &b.Seq, "", scopeWorkflow)

	def := &Definition[S]{
		namespace:   b.namespace,
		name:        b.name,
		schema:      b.schema,
		reducer:     b.reducer,
		combine:     b.combine,
		nodes:       c.nodes,
		start:       start,
		handler:     c.workflowHandler,
		diagnostics: c.diags,
	}
	if b.combine == nil {
		// Without a schema the combine operator degrades to re-reduction,
		// which preserves replace semantics but not append ordering under
		// update coalescing. Callers with append fields should use a schema.
		def.combine = func(u1, u2 S) S { return b.reducer(u1, u2) }
	}

	def.diagnostics = append(def.diagnostics, verify(def)...)
	if !def.Executable() {
		return def, fmt.Errorf("workflow %s/%s: %w", b.namespace, b.name, ErrNotExecutable)
	}
	return def, nil
}

// compiler lowers the element tree into the flat node table. Sub-sequences
// compile back-to-front so each element knows its continuation ID.
type compiler[S any] struct {
	nodes           map[string]*node[S]
	diags           []Diagnostic
	handlers        []handlerFrame
	workflowHandler string
}

type handlerFrame struct {
	id    string
	scope handlerScope
}

func qual(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "/" + name
}

func (c *compiler[S]) put(n *node[S]) string {
	if _, dup := c.nodes[n.id]; dup {
		c.diags = append(c.diags, Diagnostic{
			Code:     "AGWF003",
			Severity: SeverityFatal,
			Location: n.id,
			Message:  "duplicate step name within a linear path",
		})
		return n.id
	}
	if len(c.handlers) > 0 {
		top := c.handlers[len(c.handlers)-1]
		n.handlerID = top.id
		n.handlerScope = top.scope
	}
	c.nodes[n.id] = n
	return n.id
}

// seq compiles a sub-sequence with the given continuation and returns the
// head node ID (or the continuation itself for an empty sequence).
func (c *compiler[S]) seq(prefix string, q *Seq[S], cont string, scope handlerScope) string {
	if q.handler != nil {
		endID := c.put(&node[S]{
			id:              qual(prefix, "onfailure.end"),
			kind:            kindHandlerEnd,
			handlerTerminal: q.handler.terminal,
		})
		body := collect(q.handler.body)
		head := c.chain(qual(prefix, "onfailure"), body, endID)
		c.handlers = append(c.handlers, handlerFrame{id: head, scope: scope})
		if scope == scopeWorkflow {
			c.workflowHandler = head
		}
		defer func() { c.handlers = c.handlers[:len(c.handlers)-1] }()
	}
	return c.chain(prefix, q, cont)
}

func (c *compiler[S]) chain(prefix string, q *Seq[S], cont string) string {
	head := cont
	for i := len(q.elems) - 1; i >= 0; i-- {
		head = c.element(prefix, q.elems[i], head)
	}
	return head
}

func collect[S any](body func(*Seq[S])) *Seq[S] {
	q := &Seq[S]{}
	if body != nil {
		body(q)
	}
	return q
}

func (c *compiler[S]) element(prefix string, e *element[S], cont string) string {
	id := qual(prefix, e.name)

	switch e.kind {
	case kindStep:
		return c.put(&node[S]{id: id, kind: kindStep, name: e.name, step: e.step, terminal: e.terminal, next: cont})

	case kindBranch:
		caseCont := ""
		if e.rejoins {
			caseCont = cont
		}
		cases := make([]branchCase, 0, len(e.cases))
		for _, cs := range e.cases {
			casePrefix := qual(prefix, fmt.Sprintf("%s.case[%s]", e.name, cs.Key))
			head := c.seq(casePrefix, collect(cs.Body), caseCont, scopeNone)
			cases = append(cases, branchCase{Key: cs.Key, Head: head})
		}
		return c.put(&node[S]{id: id, kind: kindBranch, disc: e.disc, cases: cases, next: cont})

	case kindFork:
		joinID := c.put(&node[S]{id: qual(prefix, e.name+".join"), kind: kindJoin, join: e.join, next: cont})
		heads := make([]string, 0, len(e.paths))
		for i, p := range e.paths {
			pathPrefix := qual(prefix, fmt.Sprintf("%s.path[%d]", e.name, i))
			endID := c.put(&node[S]{
				id:        pathPrefix + "/end",
				kind:      kindPathEnd,
				forkID:    id,
				pathIndex: i,
			})
			heads = append(heads, c.seq(pathPrefix, collect(p), endID, scopeForkPath))
		}
		return c.put(&node[S]{id: id, kind: kindFork, pathHeads: heads, joinID: joinID, next: cont})

	case kindLoop:
		n := &node[S]{id: id, kind: kindLoop, loopName: e.name, exit: e.exit, maxIterations: e.max, next: cont}
		c.put(n)
		n.bodyHead = c.seq(qual(prefix, e.name+".body"), collect(e.body), id, scopeLoopBody)
		return id

	case kindApproval:
		spec := e.approval
		n := &node[S]{id: id, kind: kindApproval, approval: &spec, next: cont}
		if e.rejection != nil {
			n.rejectionHead = c.seq(qual(prefix, e.name+".rejected"), collect(e.rejection), "", scopeNone)
		}
		if e.escalation != nil {
			n.escalationHead = c.seq(qual(prefix, e.name+".escalated"), collect(e.escalation), cont, scopeNone)
		}
		return c.put(n)
	}

	c.diags = append(c.diags, Diagnostic{
		Code:     "AGWF000",
		Severity: SeverityFatal,
		Location: id,
		Message:  "unknown element kind",
	})
	return cont
}
