package flow

import (
	"context"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/dhollis/agentflow-go/flow/store"
)

// Agent selector: a Bayesian bandit over (agent, task category) cells.
// Each cell carries a Beta(alpha, beta) posterior over the agent's success
// rate for that category; selection samples each posterior and picks the
// largest draw (Thompson sampling), which naturally balances exploration
// against exploitation.

// TaskCategory classifies a task description for belief lookup.
type TaskCategory string

const (
	CategoryCodeGeneration TaskCategory = "code_generation"
	CategoryDataAnalysis   TaskCategory = "data_analysis"
	CategoryWebSearch      TaskCategory = "web_search"
	CategoryFileOperation  TaskCategory = "file_operation"
	CategoryReasoning      TaskCategory = "reasoning"
	CategoryTextGeneration TaskCategory = "text_generation"
	CategoryGeneral        TaskCategory = "general"
)

// categoryKeywords is the ordered classifier table: the first category with
// a matching keyword wins, so earlier entries take priority ("code" beats
// "analyze" when both match).
var categoryKeywords = []struct {
	category TaskCategory
	keywords []string
}{
	{CategoryCodeGeneration, []string{"code", "program", "implement", "function", "debug", "refactor", "compile"}},
	{CategoryDataAnalysis, []string{"data", "analyze", "analysis", "statistics", "chart", "dataset", "metric"}},
	{CategoryWebSearch, []string{"search", "find", "lookup", "web", "browse", "research"}},
	{CategoryFileOperation, []string{"file", "read", "write", "directory", "folder", "save", "load"}},
	{CategoryReasoning, []string{"reason", "solve", "logic", "plan", "decide", "evaluate", "think"}},
	{CategoryTextGeneration, []string{"write", "draft", "summarize", "translate", "compose", "text", "essay"}},
}

// Classify maps a task description to a category by case-insensitive
// keyword matching in priority order. Empty or whitespace-only
// descriptions classify as General.
func Classify(description string) TaskCategory {
	desc := strings.ToLower(strings.TrimSpace(description))
	if desc == "" {
		return CategoryGeneral
	}
	for _, entry := range categoryKeywords {
		for _, kw := range entry.keywords {
			if strings.Contains(desc, kw) {
				return entry.category
			}
		}
	}
	return CategoryGeneral
}

// Beta prior for a cell with no observations: weakly informative, mean 0.5.
const (
	priorAlpha = 2.0
	priorBeta  = 2.0
)

// AgentSelection is the selector's verdict.
type AgentSelection struct {
	// AgentID is the chosen agent.
	AgentID string `json:"agent_id"`

	// Category is the classified task category the beliefs were read under.
	Category TaskCategory `json:"category"`

	// Sample is the winning posterior draw.
	Sample float64 `json:"sample"`

	// Confidence grows with observed evidence: min(1, observations/20).
	Confidence float64 `json:"confidence"`
}

// SelectionContext describes one selection request.
type SelectionContext struct {
	// Candidates is the ordered list of agent IDs considered. Ties in the
	// posterior draw break by encounter order.
	Candidates []string

	// TaskDescription is classified into a TaskCategory.
	TaskDescription string

	// Exclude removes agents from consideration (e.g. ones that just
	// failed and are being rotated away from).
	Exclude []string
}

// BeliefStore is the slice of the persistence contract the selector needs.
// Any store.Store[S] satisfies it.
type BeliefStore interface {
	GetBelief(ctx context.Context, agentID, category string) (store.Belief, error)
	CompareAndSwapBelief(ctx context.Context, b store.Belief, expectedAlpha, expectedBeta float64) (bool, error)
}

// Selector picks agents by Thompson sampling over persisted beliefs.
// Safe for concurrent use; belief updates are CAS retry loops, sampling
// guards its RNG with a mutex.
type Selector struct {
	beliefs BeliefStore

	mu  sync.Mutex
	rng *rand.Rand
	now func() time.Time
}

// NewSelector creates a selector over the given belief store. A nil rng
// gets a time-seeded one; inject a fixed seed for deterministic tests.
func NewSelector(beliefs BeliefStore, rng *rand.Rand) *Selector {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano())) // #nosec G404 -- sampling, not security
	}
	return &Selector{beliefs: beliefs, rng: rng, now: time.Now}
}

// Select classifies the task, samples each candidate's posterior, and
// returns the agent with the largest draw. Candidates with no recorded
// belief sample from the prior.
func (s *Selector) Select(ctx context.Context, sel SelectionContext) (AgentSelection, error) {
	if len(sel.Candidates) == 0 {
		return AgentSelection{}, Errorf(KindValidation, "selector.select", "no candidate agents")
	}
	category := Classify(sel.TaskDescription)

	excluded := make(map[string]bool, len(sel.Exclude))
	for _, id := range sel.Exclude {
		excluded[id] = true
	}

	var (
		best  AgentSelection
		found bool
	)
	for _, id := range sel.Candidates {
		if excluded[id] {
			continue
		}
		b, err := s.beliefs.GetBelief(ctx, id, string(category))
		if err == store.ErrNotFound {
			b = store.Belief{AgentID: id, TaskCategory: string(category), Alpha: priorAlpha, Beta: priorBeta}
		} else if err != nil {
			return AgentSelection{}, WrapError(KindOf(err), "selector.select", err)
		}

		theta := s.sampleBeta(b.Alpha, b.Beta)
		// Strict greater-than: ties break toward the earlier candidate.
		if !found || theta > best.Sample {
			found = true
			best = AgentSelection{
				AgentID:    id,
				Category:   category,
				Sample:     theta,
				Confidence: math.Min(1, float64(b.Observations)/20),
			}
		}
	}
	if !found {
		return AgentSelection{}, Errorf(KindValidation, "selector.select", "all candidates excluded")
	}
	return best, nil
}

// RecordOutcome folds one observation into the (agent, category) cell with
// partial credit: alpha += credit, beta += 1-credit. Credit is clamped to
// [0, 1]. Concurrent recorders are safe: the update is a CAS retry loop.
func (s *Selector) RecordOutcome(ctx context.Context, agentID string, category TaskCategory, credit float64) error {
	credit = math.Max(0, math.Min(1, credit))

	for {
		current, err := s.beliefs.GetBelief(ctx, agentID, string(category))
		if err == store.ErrNotFound {
			current = store.Belief{AgentID: agentID, TaskCategory: string(category), Alpha: priorAlpha, Beta: priorBeta}
		} else if err != nil {
			return WrapError(KindOf(err), "selector.record", err)
		}

		next := current
		next.Alpha += credit
		next.Beta += 1 - credit
		next.Observations++
		next.UpdatedAt = s.now()

		ok, err := s.beliefs.CompareAndSwapBelief(ctx, next, current.Alpha, current.Beta)
		if err != nil {
			return WrapError(KindOf(err), "selector.record", err)
		}
		if ok {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return WrapError(KindTimeout, "selector.record", err)
		}
	}
}

// sampleBeta draws from Beta(a, b) as Ga/(Ga+Gb) over two gamma draws.
func (s *Selector) sampleBeta(a, b float64) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	ga := sampleGamma(a, s.rng)
	gb := sampleGamma(b, s.rng)
	if ga+gb == 0 {
		return 0.5
	}
	return ga / (ga + gb)
}

// sampleGamma draws from Gamma(alpha, 1) by Marsaglia-Tsang squeeze
// rejection. Shapes below 1 use the boost identity
// Gamma(alpha) = Gamma(alpha+1) * U^(1/alpha).
func sampleGamma(alpha float64, rng *rand.Rand) float64 {
	if alpha <= 0 {
		return 0
	}
	if alpha < 1 {
		u := rng.Float64()
		for u == 0 {
			u = rng.Float64()
		}
		return sampleGamma(alpha+1, rng) * math.Pow(u, 1/alpha)
	}

	d := alpha - 1.0/3.0
	c := 1 / math.Sqrt(9*d)
	for {
		x := boxMuller(rng)
		v := 1 + c*x
		if v <= 0 {
			continue
		}
		v = v * v * v
		u := rng.Float64()
		if u < 1-0.0331*x*x*x*x {
			return d * v
		}
		if math.Log(u) < 0.5*x*x+d*(1-v+math.Log(v)) {
			return d * v
		}
	}
}

// boxMuller draws one standard normal.
func boxMuller(rng *rand.Rand) float64 {
	u1 := rng.Float64()
	for u1 == 0 {
		u1 = rng.Float64()
	}
	u2 := rng.Float64()
	return math.Sqrt(-2*math.Log(u1)) * math.Cos(2*math.Pi*u2)
}
