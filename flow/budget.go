package flow

import (
	"fmt"
	"sync"
)

// Scarcity grades how much of the allocation remains. Reservations are
// inflated by the level's multiplier, so a nearly exhausted budget rejects
// speculative work early instead of failing mid-flight.
type Scarcity int

const (
	ScarcityAbundant Scarcity = iota
	ScarcityNormal
	ScarcityScarce
	ScarcityCritical
)

func (s Scarcity) String() string {
	switch s {
	case ScarcityNormal:
		return "normal"
	case ScarcityScarce:
		return "scarce"
	case ScarcityCritical:
		return "critical"
	default:
		return "abundant"
	}
}

// BudgetAllocation is a multi-dimensional resource quantity. The same type
// expresses allocations, reservation estimates, and remaining balances.
type BudgetAllocation struct {
	// Steps is the number of step dispatches.
	Steps int64 `json:"steps"`

	// Tokens is the number of LLM tokens.
	Tokens int64 `json:"tokens"`

	// Executions is the number of workflow executions (including resets).
	Executions int64 `json:"executions"`

	// ToolCalls is the number of external tool invocations.
	ToolCalls int64 `json:"tool_calls"`

	// WallSeconds is elapsed wall-clock time in seconds.
	WallSeconds int64 `json:"wall_seconds"`
}

// IsZero reports whether no dimension is set.
func (a BudgetAllocation) IsZero() bool {
	return a == BudgetAllocation{}
}

func (a BudgetAllocation) add(b BudgetAllocation) BudgetAllocation {
	return BudgetAllocation{
		Steps:       a.Steps + b.Steps,
		Tokens:      a.Tokens + b.Tokens,
		Executions:  a.Executions + b.Executions,
		ToolCalls:   a.ToolCalls + b.ToolCalls,
		WallSeconds: a.WallSeconds + b.WallSeconds,
	}
}

func (a BudgetAllocation) sub(b BudgetAllocation) BudgetAllocation {
	return BudgetAllocation{
		Steps:       a.Steps - b.Steps,
		Tokens:      a.Tokens - b.Tokens,
		Executions:  a.Executions - b.Executions,
		ToolCalls:   a.ToolCalls - b.ToolCalls,
		WallSeconds: a.WallSeconds - b.WallSeconds,
	}
}

func (a BudgetAllocation) negative() bool {
	return a.Steps < 0 || a.Tokens < 0 || a.Executions < 0 || a.ToolCalls < 0 || a.WallSeconds < 0
}

func (a BudgetAllocation) scale(f float64) BudgetAllocation {
	mul := func(v int64) int64 { return int64(float64(v) * f) }
	return BudgetAllocation{
		Steps:       mul(a.Steps),
		Tokens:      mul(a.Tokens),
		Executions:  mul(a.Executions),
		ToolCalls:   mul(a.ToolCalls),
		WallSeconds: mul(a.WallSeconds),
	}
}

// BudgetConfig configures a per-instance budget guard.
type BudgetConfig struct {
	// Allocation is the total resource grant for one workflow instance.
	Allocation BudgetAllocation

	// Multipliers inflate reservation estimates per scarcity level, indexed
	// by Scarcity. Must be strictly increasing.
	Multipliers [4]float64

	// RetryMargin is the fraction of headroom added to every reservation so
	// retries of the same step do not overdraw. Must be in [0, 0.5].
	RetryMargin float64

	// Weights price each dimension for cost estimation. All must be >= 0.
	Weights BudgetWeights
}

// BudgetWeights price the five dimensions for EstimateCost.
type BudgetWeights struct {
	Steps       float64 `json:"steps"`
	Tokens      float64 `json:"tokens"`
	Executions  float64 `json:"executions"`
	ToolCalls   float64 `json:"tool_calls"`
	WallSeconds float64 `json:"wall_seconds"`
}

// DefaultBudgetConfig returns a permissive allocation suitable for
// development: generous ceilings, standard scarcity curve, 10% retry margin.
func DefaultBudgetConfig() BudgetConfig {
	return BudgetConfig{
		Allocation: BudgetAllocation{
			Steps:       1000,
			Tokens:      1_000_000,
			Executions:  10,
			ToolCalls:   500,
			WallSeconds: 3600,
		},
		Multipliers: [4]float64{1.0, 1.5, 3.0, 10.0},
		RetryMargin: 0.1,
		Weights:     BudgetWeights{Steps: 1, Tokens: 0.001, Executions: 10, ToolCalls: 2, WallSeconds: 0.5},
	}
}

// Validate checks the configuration constraints: non-negative weights,
// strictly increasing scarcity multipliers, retry margin within [0, 0.5].
func (c BudgetConfig) Validate() error {
	w := c.Weights
	if w.Steps < 0 || w.Tokens < 0 || w.Executions < 0 || w.ToolCalls < 0 || w.WallSeconds < 0 {
		return Errorf(KindValidation, "budget.validate", "weights must be >= 0")
	}
	for i := 1; i < len(c.Multipliers); i++ {
		if c.Multipliers[i] <= c.Multipliers[i-1] {
			return Errorf(KindValidation, "budget.validate",
				"scarcity multipliers must be strictly increasing, got %v", c.Multipliers)
		}
	}
	if c.RetryMargin < 0 || c.RetryMargin > 0.5 {
		return Errorf(KindValidation, "budget.validate", "retry margin must be in [0, 0.5], got %g", c.RetryMargin)
	}
	return nil
}

// Budget guards a single workflow instance's resource allocation across
// five dimensions. Reservation is atomic: either every dimension is
// decremented by the exact request or none is, so a rejected reserve leaves
// the balance untouched.
//
// The engine serializes reservations within an instance; Budget still locks
// so fork paths dispatched concurrently cannot over-commit.
type Budget struct {
	mu sync.Mutex

	cfg       BudgetConfig
	remaining BudgetAllocation
	reserved  BudgetAllocation
}

// NewBudget creates a guard for one workflow instance. Configuration errors
// are returned, not deferred to the first reserve.
func NewBudget(cfg BudgetConfig) (*Budget, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Budget{cfg: cfg, remaining: cfg.Allocation}, nil
}

// restoreBudget rebuilds a guard from a persisted balance during recovery.
func restoreBudget(cfg BudgetConfig, remaining BudgetAllocation) (*Budget, error) {
	b, err := NewBudget(cfg)
	if err != nil {
		return nil, err
	}
	b.remaining = remaining
	return b, nil
}

// Scarcity derives the current scarcity level from the fraction of the
// priced allocation that remains: >50% abundant, >25% normal, >10% scarce,
// otherwise critical.
func (b *Budget) Scarcity() Scarcity {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.scarcityLocked()
}

func (b *Budget) scarcityLocked() Scarcity {
	total := b.cfg.Weights.cost(b.cfg.Allocation)
	if total <= 0 {
		return ScarcityAbundant
	}
	frac := b.cfg.Weights.cost(b.remaining) / total
	switch {
	case frac > 0.5:
		return ScarcityAbundant
	case frac > 0.25:
		return ScarcityNormal
	case frac > 0.1:
		return ScarcityScarce
	default:
		return ScarcityCritical
	}
}

func (w BudgetWeights) cost(a BudgetAllocation) float64 {
	return w.Steps*float64(a.Steps) +
		w.Tokens*float64(a.Tokens) +
		w.Executions*float64(a.Executions) +
		w.ToolCalls*float64(a.ToolCalls) +
		w.WallSeconds*float64(a.WallSeconds)
}

// EstimateCost prices an allocation using the configured weights.
func (b *Budget) EstimateCost(a BudgetAllocation) float64 {
	return b.cfg.Weights.cost(a)
}

// Reserve holds estimate against the balance. Admission requires headroom
// for the estimate inflated by the retry margin and the current scarcity
// multiplier, so a nearly exhausted budget rejects speculative work early;
// the amount actually held is exactly the estimate. Fails with
// KindBudgetExhausted when any dimension lacks headroom, leaving the
// balance unchanged.
func (b *Budget) Reserve(estimate BudgetAllocation) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	factor := (1 + b.cfg.RetryMargin) * b.cfg.Multipliers[b.scarcityLocked()]
	headroom := estimate.scale(factor)
	if b.remaining.sub(headroom).negative() {
		return Errorf(KindBudgetExhausted, "budget.reserve",
			"reservation %s (headroom %s) exceeds remaining %s",
			format(estimate), format(headroom), format(b.remaining))
	}
	b.remaining = b.remaining.sub(estimate)
	b.reserved = b.reserved.add(estimate)
	return nil
}

// Commit settles a prior hold: the hold is released and the actual
// consumption is charged. Actual spend above the hold is still charged, so
// the balance reflects true usage even when estimates run low.
func (b *Budget) Commit(hold, actual BudgetAllocation) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.releaseLocked(hold)
	b.remaining = b.remaining.sub(actual)
	if b.remaining.negative() {
		// Clamp: overruns cannot create negative balances, they exhaust.
		clamp := func(v *int64) {
			if *v < 0 {
				*v = 0
			}
		}
		clamp(&b.remaining.Steps)
		clamp(&b.remaining.Tokens)
		clamp(&b.remaining.Executions)
		clamp(&b.remaining.ToolCalls)
		clamp(&b.remaining.WallSeconds)
	}
}

// Refund releases a hold without charging anything, used when a reserved
// step is served from the cache or cancelled before dispatch.
func (b *Budget) Refund(hold BudgetAllocation) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.releaseLocked(hold)
}

func (b *Budget) releaseLocked(hold BudgetAllocation) {
	b.remaining = b.remaining.add(hold)
	b.reserved = b.reserved.sub(hold)
	if b.reserved.negative() {
		b.reserved = BudgetAllocation{}
	}
}

// Remaining returns the current balance.
func (b *Budget) Remaining() BudgetAllocation {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.remaining
}

func format(a BudgetAllocation) string {
	return fmt.Sprintf("{steps:%d tokens:%d execs:%d tools:%d wall:%ds}",
		a.Steps, a.Tokens, a.Executions, a.ToolCalls, a.WallSeconds)
}
