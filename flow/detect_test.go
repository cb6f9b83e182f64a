package flow

import (
	"strings"
	"testing"
)

func progressOf(actions ...string) *ProgressLedger {
	p := &ProgressLedger{}
	for _, a := range actions {
		p.Append(ProgressEntry{Action: a, Output: "output of " + a, ProgressMade: true})
	}
	return p
}

func TestLoopDetectorInsufficientData(t *testing.T) {
	d := NewLoopDetector(nil)
	det := d.Detect(progressOf("a", "b", "c"))
	if det.Detected {
		t.Errorf("detected with %d entries, window %d", 3, d.Window)
	}
	if !strings.Contains(det.Diagnostic, "insufficient") {
		t.Errorf("diagnostic should explain insufficiency, got %q", det.Diagnostic)
	}
}

func TestLoopDetectorExactRepetition(t *testing.T) {
	d := NewLoopDetector(nil)
	det := d.Detect(progressOf("retry", "retry", "retry", "retry", "retry"))
	if !det.Detected {
		t.Fatal("expected detection")
	}
	if det.Type != LoopExactRepetition {
		t.Errorf("expected exact_repetition, got %v", det.Type)
	}
	if det.Strategy != RecoverInjectVariation {
		t.Errorf("expected inject_variation, got %v", det.Strategy)
	}
	// Confidence floors at the recovery threshold even when the weighted
	// sum is lower (semantic component is 0 without a calculator).
	if det.Confidence < d.RecoveryThreshold {
		t.Errorf("confidence %.2f below threshold %.2f", det.Confidence, d.RecoveryThreshold)
	}
}

func TestLoopDetectorNoProgress(t *testing.T) {
	d := NewLoopDetector(nil)
	p := &ProgressLedger{}
	for i, a := range []string{"a", "b", "c", "d", "e"} {
		_ = i
		p.Append(ProgressEntry{Action: a, ProgressMade: false})
	}
	det := d.Detect(p)
	if !det.Detected || det.Type != LoopNoProgress {
		t.Fatalf("expected no_progress detection, got %+v", det)
	}
	if det.Strategy != RecoverDecompose {
		t.Errorf("expected decompose, got %v", det.Strategy)
	}
}

func TestLoopDetectorOscillation(t *testing.T) {
	d := NewLoopDetector(nil)
	det := d.Detect(progressOf("plan", "execute", "plan", "execute", "plan"))
	if !det.Detected {
		t.Fatal("expected detection")
	}
	if det.Type != LoopOscillation {
		t.Errorf("expected oscillation, got %v", det.Type)
	}
	if det.Strategy != RecoverSynthesize {
		t.Errorf("expected synthesize, got %v", det.Strategy)
	}
	if det.Confidence < oscillationThreshold {
		t.Errorf("oscillation confidence %.2f below %.2f", det.Confidence, oscillationThreshold)
	}
}

func TestLoopDetectorSemanticRepetition(t *testing.T) {
	sim := SimilarityFunc(func(a, b string) float64 {
		if a == b {
			return 1.0
		}
		return 0.9
	})
	d := NewLoopDetector(sim)
	det := d.Detect(progressOf("a", "b", "c", "d", "e"))
	if !det.Detected || det.Type != LoopSemanticRepetition {
		t.Fatalf("expected semantic_repetition, got %+v", det)
	}
	if det.Strategy != RecoverForceRotation {
		t.Errorf("expected force_rotation, got %v", det.Strategy)
	}
}

// TestLoopDetectorSkipsSimilarityWhenSaturated verifies the cheap-score
// short-circuit: when every recent action repeats, the similarity
// calculator (potentially an LLM call) is never consulted.
func TestLoopDetectorSkipsSimilarityWhenSaturated(t *testing.T) {
	calls := 0
	sim := SimilarityFunc(func(a, b string) float64 {
		calls++
		return 0
	})
	d := NewLoopDetector(sim)
	det := d.Detect(progressOf("x", "x", "x", "x", "x"))
	if !det.Detected || det.Type != LoopExactRepetition {
		t.Fatalf("expected exact_repetition, got %+v", det)
	}
	if calls != 0 {
		t.Errorf("similarity calculator consulted %d times despite saturation", calls)
	}
}

func TestLoopDetectorWeightedThreshold(t *testing.T) {
	// 4 of 5 actions repeat (repetition 0.8), 4 of 5 made no progress
	// (no-progress 0.8), all failures (frustration 1.0): weighted
	// 0.4*0.8 + 0.2*0.8 + 0.1*1.0 = 0.58 < 0.7, bump with semantic 0.5:
	// +0.3*0.5 = 0.73 over threshold.
	sim := SimilarityFunc(func(a, b string) float64 { return 0.5 })
	d := NewLoopDetector(sim)

	p := &ProgressLedger{}
	for i := 0; i < 4; i++ {
		p.Append(ProgressEntry{Action: "stuck", Signal: SignalFailure})
	}
	p.Append(ProgressEntry{Action: "other", Signal: SignalFailure, ProgressMade: true})

	det := d.Detect(p)
	if !det.Detected {
		t.Fatalf("expected weighted detection, got %+v", det)
	}
	if det.Type != LoopExactRepetition && det.Type != LoopNoProgress {
		t.Errorf("argmax type should be a cheap component, got %v", det.Type)
	}
}

func TestLoopDetectorNoLoop(t *testing.T) {
	d := NewLoopDetector(nil)
	det := d.Detect(progressOf("plan", "fetch", "analyze", "draft", "review"))
	if det.Detected {
		t.Errorf("healthy run flagged: %+v", det)
	}
	if det.Confidence >= d.RecoveryThreshold {
		t.Errorf("confidence %.2f should stay under threshold", det.Confidence)
	}
}

func TestOscillationScore(t *testing.T) {
	tests := []struct {
		name    string
		actions []string
		want    float64
	}{
		{"perfect period two", []string{"a", "b", "a", "b", "a"}, 1.0},
		{"no repetition", []string{"a", "b", "c", "d", "e"}, 0.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entries := make([]ProgressEntry, len(tt.actions))
			for i, a := range tt.actions {
				entries[i] = ProgressEntry{Action: a}
			}
			if got := oscillationScore(entries); got != tt.want {
				t.Errorf("oscillationScore = %.2f, want %.2f", got, tt.want)
			}
		})
	}
}
