package classify

import (
	"context"
	"testing"

	"triagebot/internal/domain"
	"triagebot/internal/taxonomy"
)

func testEngine(t *testing.T) (*Engine, *taxonomy.Registry) {
	t.Helper()
	reg, err := taxonomy.New()
	if err != nil {
		t.Fatalf("taxonomy.New failed: %v", err)
	}
	engine, err := NewEngine(reg, EngineConfig{
		AutoRouteCutoff:   90,
		ReviewCutoff:      80,
		UncertainCutoff:   70,
		OverrideThreshold: 0.10,
	})
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	return engine, reg
}

// evidence builds a vector with the given combined scores; neighborScore marks
// one category as having retained retrieval evidence so the degraded ceiling
// does not apply.
func evidence(scores map[string]float64, neighborOf string) domain.EvidenceVector {
	ev := domain.EvidenceVector{Scores: make(map[string]domain.CategoryEvidence)}
	for name, s := range scores {
		e := domain.CategoryEvidence{Combined: s}
		if name == neighborOf {
			e.NeighborScore = s
			e.MatchIDs = []string{"ref-1"}
		}
		ev.Scores[name] = e
	}
	return ev
}

func TestNewEngineRejectsBadCutoffs(t *testing.T) {
	reg, err := taxonomy.New()
	if err != nil {
		t.Fatalf("taxonomy.New failed: %v", err)
	}
	if _, err := NewEngine(reg, EngineConfig{AutoRouteCutoff: 80, ReviewCutoff: 80, UncertainCutoff: 70}); err == nil {
		t.Fatal("expected error for equal cutoffs")
	}
	if _, err := NewEngine(reg, EngineConfig{AutoRouteCutoff: 90, ReviewCutoff: 70, UncertainCutoff: 80}); err == nil {
		t.Fatal("expected error for inverted cutoffs")
	}
}

func TestLowConfidenceForcesFallback(t *testing.T) {
	engine, _ := testEngine(t)

	// Three categories with comparable signal: no share reaches 70%.
	result := engine.Decide(evidence(map[string]float64{
		"refund":    0.0,
		"invoice":   0.4,
		"team-info": 0.3,
		"feedback":  0.3,
	}, "invoice"))

	if result.Confidence >= 70 {
		t.Fatalf("expected confidence < 70, got %d", result.Confidence)
	}
	if result.Category != taxonomy.Fallback {
		t.Fatalf("expected %q, got %q", taxonomy.Fallback, result.Category)
	}
	if !result.Uncertain {
		t.Fatal("expected uncertainty flag on fallback")
	}
}

func TestUncertainBandKeepsCategory(t *testing.T) {
	engine, _ := testEngine(t)

	// 0.75 / 1.0 => confidence 75: kept but flagged.
	result := engine.Decide(evidence(map[string]float64{
		"invoice":  0.75,
		"feedback": 0.25,
	}, "invoice"))

	if result.Category != "invoice" {
		t.Fatalf("expected invoice, got %q", result.Category)
	}
	if result.Confidence != 75 {
		t.Fatalf("expected confidence 75, got %d", result.Confidence)
	}
	if !result.Uncertain {
		t.Fatal("expected uncertainty flag in [70,80) band")
	}
}

func TestHighConfidenceClearsUncertainty(t *testing.T) {
	engine, _ := testEngine(t)

	result := engine.Decide(evidence(map[string]float64{
		"invoice":  0.9,
		"feedback": 0.1,
	}, "invoice"))

	if result.Category != "invoice" || result.Confidence != 90 {
		t.Fatalf("expected invoice at 90, got %q at %d", result.Category, result.Confidence)
	}
	if result.Uncertain {
		t.Fatal("did not expect uncertainty flag at confidence 90")
	}
}

func TestResultAlwaysInClosedSet(t *testing.T) {
	engine, reg := testEngine(t)

	vectors := []domain.EvidenceVector{
		{Scores: map[string]domain.CategoryEvidence{}},
		evidence(map[string]float64{"refund": 0}, ""),
		evidence(map[string]float64{"refund": 0.5, "invoice": 0.5}, "refund"),
		evidence(map[string]float64{"linkedin": 1.0}, "linkedin"),
	}
	for i, ev := range vectors {
		result := engine.Decide(ev)
		if !reg.Has(result.Category) {
			t.Fatalf("vector %d: category %q not in taxonomy", i, result.Category)
		}
	}
}

func TestRefundOverridesRegeneration(t *testing.T) {
	engine, _ := testEngine(t)

	// Refund dominates but regeneration still clears the override threshold:
	// the rule keeps the winner deterministic rather than score-dependent.
	result := engine.Decide(evidence(map[string]float64{
		"refund":       0.9,
		"regeneration": 0.2,
	}, "refund"))
	if result.Category != "refund" {
		t.Fatalf("expected refund, got %q", result.Category)
	}
	if result.Confidence != 82 {
		t.Fatalf("expected confidence 82, got %d", result.Confidence)
	}
}

func TestOverrideSuppressesHigherRawScore(t *testing.T) {
	engine, _ := testEngine(t)

	// Regeneration outranks refund, both above threshold: the override flips
	// the winner to refund before thresholding, so regeneration is never
	// emitted. Here the recomputed refund confidence lands below 70 and the
	// conservative policy demotes to the fallback.
	result := engine.Decide(evidence(map[string]float64{
		"regeneration": 0.30,
		"refund":       0.28,
	}, "regeneration"))

	if result.Category == "regeneration" {
		t.Fatal("override must never emit the suppressed category")
	}
	if result.Category != taxonomy.Fallback {
		t.Fatalf("expected fallback after demotion, got %q", result.Category)
	}
	// Alternatives come from the pre-override ranking.
	if len(result.Alternatives) == 0 || result.Alternatives[0] != "regeneration" {
		t.Fatalf("expected regeneration as first alternative, got %v", result.Alternatives)
	}
}

func TestOverrideRulesFirstMatchWins(t *testing.T) {
	engine, _ := testEngine(t)

	// feedback+regeneration above threshold, refund silent: rule 3 applies.
	result := engine.Decide(evidence(map[string]float64{
		"feedback":     0.15,
		"regeneration": 0.85,
	}, "regeneration"))
	if result.Category != "regeneration" {
		t.Fatalf("expected regeneration from feedback+regeneration rule, got %q", result.Category)
	}

	// invoice+refund both above threshold: the rule fixes refund as winner.
	result = engine.Decide(evidence(map[string]float64{
		"invoice": 0.25,
		"refund":  0.75,
	}, "refund"))
	if result.Category != "refund" {
		t.Fatalf("expected refund from invoice+refund rule, got %q", result.Category)
	}
}

func TestDegradedModeCapsConfidence(t *testing.T) {
	engine, _ := testEngine(t)

	ev := evidence(map[string]float64{"refund": 1.0}, "")
	ev.Degraded = true
	result := engine.Decide(ev)

	if result.Category != "refund" {
		t.Fatalf("expected refund, got %q", result.Category)
	}
	if result.Confidence > 95 {
		t.Fatalf("expected degraded ceiling 95, got %d", result.Confidence)
	}
	if !result.Degraded {
		t.Fatal("expected degraded flag to propagate")
	}
}

func TestKeywordOnlyEvidenceCapsConfidence(t *testing.T) {
	engine, _ := testEngine(t)

	// Not degraded, but retrieval retained nothing: same ceiling.
	result := engine.Decide(evidence(map[string]float64{"refund": 1.0}, ""))
	if result.Confidence > 95 {
		t.Fatalf("expected ceiling 95 without neighbor evidence, got %d", result.Confidence)
	}
}

func TestEmptyEvidenceVector(t *testing.T) {
	engine, _ := testEngine(t)

	result := engine.Decide(domain.EvidenceVector{Scores: map[string]domain.CategoryEvidence{}})
	if result.Category != taxonomy.Fallback {
		t.Fatalf("expected fallback on empty vector, got %q", result.Category)
	}
	if !result.Uncertain {
		t.Fatal("expected uncertainty flag on empty vector")
	}
}

func TestAlternativesCappedAndNonzero(t *testing.T) {
	engine, _ := testEngine(t)

	result := engine.Decide(evidence(map[string]float64{
		"refund":    1.0,
		"invoice":   0.0,
		"feedback":  0.05,
		"team-info": 0.04,
		"linkedin":  0.03,
		"sppam":     0.02,
	}, "refund"))

	if len(result.Alternatives) > 3 {
		t.Fatalf("expected at most 3 alternatives, got %d", len(result.Alternatives))
	}
	for _, alt := range result.Alternatives {
		if alt == result.Category {
			t.Fatalf("alternatives must exclude the chosen category, got %v", result.Alternatives)
		}
		if alt == "invoice" {
			t.Fatal("zero-score categories must not appear as alternatives")
		}
	}
}

func TestDispositionBands(t *testing.T) {
	engine, _ := testEngine(t)

	cases := []struct {
		confidence int
		want       string
	}{
		{95, "auto-route"},
		{90, "auto-route"},
		{85, "review"},
		{75, "uncertain"},
		{69, "manual"},
		{0, "manual"},
	}
	for _, tc := range cases {
		if got := engine.Disposition(tc.confidence); got != tc.want {
			t.Errorf("Disposition(%d) = %q, want %q", tc.confidence, got, tc.want)
		}
	}
}

// Full-pipeline scenarios over the aggregator and engine together.

func TestScenarioRefundDegraded(t *testing.T) {
	engine, reg := testEngine(t)

	ticket := domain.Ticket{
		ID:      101,
		Subject: "Refund please",
		Body:    "These headshots look terrible. I want my money back immediately.",
	}
	ev := Aggregate(context.Background(), ticket, reg, nil, AggregatorConfig{K: 8, MinSimilarity: 0.75, NeighborWeight: 0.6})
	if !ev.Degraded {
		t.Fatal("expected degraded mode with nil retriever")
	}
	result := engine.Decide(ev)

	if result.Category != "refund" {
		t.Fatalf("expected refund, got %q", result.Category)
	}
	if result.Confidence > 95 {
		t.Fatalf("expected confidence <= 95, got %d", result.Confidence)
	}
	if result.Uncertain != (result.Confidence < 80) {
		t.Fatalf("uncertainty flag %t inconsistent with confidence %d", result.Uncertain, result.Confidence)
	}
}

func TestScenarioRegenerationKeywordOnly(t *testing.T) {
	engine, reg := testEngine(t)

	ticket := domain.Ticket{
		ID:   102,
		Body: "Can you make my hair longer in the photos?",
	}
	ev := Aggregate(context.Background(), ticket, reg, nil, AggregatorConfig{K: 8, MinSimilarity: 0.75, NeighborWeight: 0.6})
	result := engine.Decide(ev)

	if result.Category != "regeneration" {
		t.Fatalf("expected regeneration, got %q", result.Category)
	}
	if result.Confidence < 70 || result.Confidence > 95 {
		t.Fatalf("expected confidence in [70,95], got %d", result.Confidence)
	}
}

func TestScenarioNoSignalFallsBack(t *testing.T) {
	engine, reg := testEngine(t)

	ticket := domain.Ticket{
		ID:   103,
		Body: "Hello, I have a question about your service.",
	}
	ev := Aggregate(context.Background(), ticket, reg, nil, AggregatorConfig{K: 8, MinSimilarity: 0.75, NeighborWeight: 0.6})
	result := engine.Decide(ev)

	if result.Category != taxonomy.Fallback {
		t.Fatalf("expected %q, got %q", taxonomy.Fallback, result.Category)
	}
	if result.Confidence >= 70 {
		t.Fatalf("expected confidence < 70, got %d", result.Confidence)
	}
}
