package flow

import "fmt"

// Loop detector: online analysis of recent progress entries to catch
// runaway workflows before they burn the budget. Four weighted component
// scores plus an auxiliary oscillation score feed an ordered decision rule.

// LoopType classifies a detected loop.
type LoopType string

const (
	LoopExactRepetition    LoopType = "exact_repetition"
	LoopSemanticRepetition LoopType = "semantic_repetition"
	LoopOscillation        LoopType = "oscillation"
	LoopNoProgress         LoopType = "no_progress"
)

// RecoveryStrategy names the engine action recommended for a loop type.
type RecoveryStrategy string

const (
	RecoverInjectVariation RecoveryStrategy = "inject_variation"
	RecoverForceRotation   RecoveryStrategy = "force_rotation"
	RecoverSynthesize      RecoveryStrategy = "synthesize"
	RecoverDecompose       RecoveryStrategy = "decompose"
	RecoverEscalate        RecoveryStrategy = "escalate"
)

// strategyFor maps a loop type to its default recovery strategy.
func strategyFor(t LoopType) RecoveryStrategy {
	switch t {
	case LoopExactRepetition:
		return RecoverInjectVariation
	case LoopSemanticRepetition:
		return RecoverForceRotation
	case LoopOscillation:
		return RecoverSynthesize
	case LoopNoProgress:
		return RecoverDecompose
	default:
		return RecoverEscalate
	}
}

// SimilarityCalculator scores semantic similarity of two step outputs in
// [0, 1]. Implementations typically embed both texts and return cosine
// similarity. It is only consulted when the cheap scores have not already
// saturated.
type SimilarityCalculator interface {
	Similarity(a, b string) float64
}

// SimilarityFunc adapts a plain function to SimilarityCalculator.
type SimilarityFunc func(a, b string) float64

// Similarity implements SimilarityCalculator.
func (f SimilarityFunc) Similarity(a, b string) float64 { return f(a, b) }

// Detection is the detector's verdict over a progress window.
type Detection struct {
	Detected   bool             `json:"detected"`
	Type       LoopType         `json:"type,omitempty"`
	Confidence float64          `json:"confidence"`
	Strategy   RecoveryStrategy `json:"strategy,omitempty"`
	Diagnostic string           `json:"diagnostic"`
}

// LoopDetector scores a window of recent progress entries.
//
// The weighted components: repetition 0.4 (max action count / window),
// semantic similarity 0.3 (max pairwise output similarity), no-progress
// 0.2 (fraction with ProgressMade=false), frustration 0.1 (fraction with
// help_needed or failure signals). An auxiliary oscillation score detects
// short A-B-A-B cycles the repetition score dilutes.
type LoopDetector struct {
	// Window is the number of recent entries analyzed. Default 5.
	Window int

	// SimilarityThreshold triggers semantic-repetition detection. Default 0.85.
	SimilarityThreshold float64

	// RecoveryThreshold is the weighted-confidence detection floor. Default 0.7.
	RecoveryThreshold float64

	// Similarity scores output pairs. When nil the semantic component is 0.
	Similarity SimilarityCalculator
}

// NewLoopDetector returns a detector with default thresholds.
func NewLoopDetector(sim SimilarityCalculator) *LoopDetector {
	return &LoopDetector{
		Window:              5,
		SimilarityThreshold: 0.85,
		RecoveryThreshold:   0.7,
		Similarity:          sim,
	}
}

const (
	weightRepetition  = 0.4
	weightSemantic    = 0.3
	weightNoProgress  = 0.2
	weightFrustration = 0.1

	oscillationThreshold = 0.8

	// saturationEpsilon: a cheap score within this of 1.0 counts as
	// saturated and skips the similarity calculator.
	saturationEpsilon = 1e-9
)

// Detect analyzes the most recent Window entries of the ledger.
//
// Decision rule, in order: insufficient data; exact repetition (score 1.0);
// total no-progress (score 1.0); oscillation >= 0.8; semantic similarity
// over threshold; weighted confidence over threshold with argmax loop type;
// otherwise no loop. The exact-repetition and no-progress branches floor
// confidence at the recovery threshold even when the weighted sum is lower;
// this is a thresholding convention, not a calibrated probability.
func (d *LoopDetector) Detect(ledger *ProgressLedger) Detection {
	window := d.Window
	if window <= 0 {
		window = 5
	}
	if ledger == nil || len(ledger.Entries) < window {
		return Detection{Diagnostic: fmt.Sprintf("insufficient data: %d of %d entries", entryCount(ledger), window)}
	}
	entries := ledger.Recent(window)

	repetition := repetitionScore(entries)
	noProgress := noProgressScore(entries)
	frustration := frustrationScore(entries)

	// The similarity calculator may embed via an external model; skip it
	// when a cheap score already saturates the decision.
	semantic := 0.0
	if repetition < 1.0-saturationEpsilon && noProgress < 1.0-saturationEpsilon && d.Similarity != nil {
		semantic = d.maxPairwiseSimilarity(entries)
	}

	weighted := weightRepetition*repetition +
		weightSemantic*semantic +
		weightNoProgress*noProgress +
		weightFrustration*frustration

	threshold := d.RecoveryThreshold
	if threshold <= 0 {
		threshold = 0.7
	}
	simThreshold := d.SimilarityThreshold
	if simThreshold <= 0 {
		simThreshold = 0.85
	}

	if repetition >= 1.0 {
		return detection(LoopExactRepetition, max64(weighted, threshold),
			"all recent actions identical")
	}
	if noProgress >= 1.0 {
		return detection(LoopNoProgress, max64(weighted, threshold),
			"no entry in the window made progress")
	}
	if osc := oscillationScore(entries); osc >= oscillationThreshold {
		return detection(LoopOscillation, osc,
			fmt.Sprintf("action sequence oscillates (score %.2f)", osc))
	}
	if semantic >= simThreshold {
		return detection(LoopSemanticRepetition, semantic,
			fmt.Sprintf("outputs semantically similar (%.2f)", semantic))
	}
	if weighted >= threshold {
		t := LoopExactRepetition
		best := repetition
		if noProgress > best {
			t, best = LoopNoProgress, noProgress
		}
		if semantic > best {
			t = LoopSemanticRepetition
		}
		return detection(t, weighted,
			fmt.Sprintf("weighted confidence %.2f over threshold %.2f", weighted, threshold))
	}

	return Detection{
		Confidence: weighted,
		Diagnostic: fmt.Sprintf("no loop: repetition=%.2f semantic=%.2f no_progress=%.2f frustration=%.2f",
			repetition, semantic, noProgress, frustration),
	}
}

func detection(t LoopType, confidence float64, diag string) Detection {
	return Detection{
		Detected:   true,
		Type:       t,
		Confidence: confidence,
		Strategy:   strategyFor(t),
		Diagnostic: diag,
	}
}

// repetitionScore is the count of the most common action over the window
// size: 1.0 means every recent entry repeated the same action.
func repetitionScore(entries []ProgressEntry) float64 {
	counts := map[string]int{}
	best := 0
	for _, e := range entries {
		counts[e.Action]++
		if counts[e.Action] > best {
			best = counts[e.Action]
		}
	}
	return float64(best) / float64(len(entries))
}

func noProgressScore(entries []ProgressEntry) float64 {
	n := 0
	for _, e := range entries {
		if !e.ProgressMade {
			n++
		}
	}
	return float64(n) / float64(len(entries))
}

func frustrationScore(entries []ProgressEntry) float64 {
	n := 0
	for _, e := range entries {
		if e.Signal == SignalHelpNeeded || e.Signal == SignalFailure {
			n++
		}
	}
	return float64(n) / float64(len(entries))
}

// oscillationScore checks every period p in [2, W/2] for a repeating
// action cycle: the fraction of positions i >= p where action[i] equals
// action[i mod p]. The maximum over periods is the score, so A,B,A,B,A
// scores 1.0 at period 2.
func oscillationScore(entries []ProgressEntry) float64 {
	w := len(entries)
	best := 0.0
	for p := 2; p <= w/2; p++ {
		matches, total := 0, 0
		for i := p; i < w; i++ {
			total++
			if entries[i].Action == entries[i%p].Action {
				matches++
			}
		}
		if total == 0 {
			continue
		}
		if score := float64(matches) / float64(total); score > best {
			best = score
		}
	}
	return best
}

func (d *LoopDetector) maxPairwiseSimilarity(entries []ProgressEntry) float64 {
	best := 0.0
	for i := 0; i < len(entries); i++ {
		for j := i + 1; j < len(entries); j++ {
			if s := d.Similarity.Similarity(entries[i].Output, entries[j].Output); s > best {
				best = s
			}
		}
	}
	return best
}

func entryCount(p *ProgressLedger) int {
	if p == nil {
		return 0
	}
	return len(p.Entries)
}

func max64(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
