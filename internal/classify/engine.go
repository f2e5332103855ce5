package classify

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"triagebot/internal/domain"
	"triagebot/internal/taxonomy"
)

const maxAlternatives = 3

// degradedCeiling caps confidence when the decision was made without
// retrieval evidence, so keyword-only wins never auto-route at full trust.
const degradedCeiling = 95

// EngineConfig holds the decision thresholds. All cutoffs are confidence
// percentages in [0,100].
type EngineConfig struct {
	AutoRouteCutoff   int     // >= this: route without review
	ReviewCutoff      int     // >= this: accept category, no uncertainty flag
	UncertainCutoff   int     // >= this: accept category, flag uncertain; below: miscellaneous
	OverrideThreshold float64 // minimal combined signal for a multi-intent override to fire
}

// overrideRule forces winner when both a and b carry signal above the
// override threshold. Rules are evaluated in declaration order; the first
// match wins and later rules are not consulted.
type overrideRule struct {
	a, b, winner string
}

var overrideRules = []overrideRule{
	{"refund", "regeneration", "refund"},
	{"invoice", "refund", "refund"},
	{"feedback", "regeneration", "regeneration"},
}

// Engine turns an evidence vector into a classification result.
type Engine struct {
	reg *taxonomy.Registry
	cfg EngineConfig
}

// NewEngine validates that every override rule references a known category.
// A violation is a configuration error and must abort startup.
func NewEngine(reg *taxonomy.Registry, cfg EngineConfig) (*Engine, error) {
	for _, r := range overrideRules {
		if err := reg.Validate(r.a, r.b, r.winner); err != nil {
			return nil, fmt.Errorf("override rule %s+%s->%s: %w", r.a, r.b, r.winner, err)
		}
	}
	if cfg.UncertainCutoff <= 0 || cfg.ReviewCutoff <= cfg.UncertainCutoff || cfg.AutoRouteCutoff <= cfg.ReviewCutoff {
		return nil, fmt.Errorf("invalid cutoffs auto-route=%d review=%d uncertain=%d", cfg.AutoRouteCutoff, cfg.ReviewCutoff, cfg.UncertainCutoff)
	}
	return &Engine{reg: reg, cfg: cfg}, nil
}

type rankedCategory struct {
	name  string
	score float64
}

// Decide applies ranking, confidence normalization, multi-intent overrides
// and the conservative threshold policy. It never fails on low-information
// input: the fallback category is the designed escape hatch.
func (e *Engine) Decide(ev domain.EvidenceVector) domain.ClassificationResult {
	ranking := rankCategories(ev)
	if len(ranking) == 0 {
		return domain.ClassificationResult{
			Category:  taxonomy.Fallback,
			Reasoning: "no evidence vector",
			Uncertain: true,
			Degraded:  ev.Degraded,
		}
	}
	var sum float64
	for _, rc := range ranking {
		sum += rc.score
	}

	// Confidence ceiling: degraded retrieval, or retrieval that contributed
	// nothing, means the decision rests on keywords alone.
	capped := ev.Degraded || neighborTotal(ev) == 0

	chosen := ranking[0].name
	overridden := false
	for _, r := range overrideRules {
		if ev.Scores[r.a].Combined > e.cfg.OverrideThreshold && ev.Scores[r.b].Combined > e.cfg.OverrideThreshold {
			chosen = r.winner
			overridden = chosen != ranking[0].name
			break
		}
	}

	confidence := e.confidenceFor(ev.Scores[chosen].Combined, sum, capped)

	uncertain := false
	final := chosen
	switch {
	case confidence >= e.cfg.ReviewCutoff:
	case confidence >= e.cfg.UncertainCutoff:
		uncertain = true
	default:
		final = taxonomy.Fallback
		uncertain = true
	}

	// Alternatives come from the pre-override ranking for transparency, so a
	// suppressed winner stays visible to the reviewer.
	var alternatives []string
	for _, rc := range ranking {
		if rc.name == final || rc.score == 0 {
			continue
		}
		alternatives = append(alternatives, rc.name)
		if len(alternatives) == maxAlternatives {
			break
		}
	}

	// Supporting evidence: the final category's own trail, or the provisional
	// winner's when the fallback carries none.
	evidenceOf := final
	if len(ev.Scores[evidenceOf].MatchIDs) == 0 && len(ev.Scores[evidenceOf].KeywordHits) == 0 {
		evidenceOf = ranking[0].name
	}

	return domain.ClassificationResult{
		Category:        final,
		Confidence:      confidence,
		Reasoning:       buildReasoning(ev, ranking[0].name, chosen, final, overridden),
		SemanticMatches: ev.Scores[evidenceOf].MatchIDs,
		KeyIndicators:   ev.Scores[evidenceOf].KeywordHits,
		Alternatives:    alternatives,
		Uncertain:       uncertain,
		Degraded:        ev.Degraded,
	}
}

// Disposition names the handling band for a confidence value.
func (e *Engine) Disposition(confidence int) string {
	switch {
	case confidence >= e.cfg.AutoRouteCutoff:
		return "auto-route"
	case confidence >= e.cfg.ReviewCutoff:
		return "review"
	case confidence >= e.cfg.UncertainCutoff:
		return "uncertain"
	default:
		return "manual"
	}
}

func (e *Engine) confidenceFor(score, sum float64, capped bool) int {
	if sum == 0 {
		return 0
	}
	c := int(math.Round(100 * score / sum))
	if capped && c > degradedCeiling {
		c = degradedCeiling
	}
	return c
}

// rankCategories sorts by combined score descending, name ascending on ties,
// so the ranking is deterministic for identical evidence.
func rankCategories(ev domain.EvidenceVector) []rankedCategory {
	ranking := make([]rankedCategory, 0, len(ev.Scores))
	for name, e := range ev.Scores {
		ranking = append(ranking, rankedCategory{name, e.Combined})
	}
	sort.Slice(ranking, func(i, j int) bool {
		if ranking[i].score != ranking[j].score {
			return ranking[i].score > ranking[j].score
		}
		return ranking[i].name < ranking[j].name
	})
	return ranking
}

func neighborTotal(ev domain.EvidenceVector) float64 {
	var total float64
	for _, e := range ev.Scores {
		total += e.NeighborScore
	}
	return total
}

func buildReasoning(ev domain.EvidenceVector, provisional, chosen, final string, overridden bool) string {
	var parts []string
	if hits := ev.Scores[chosen].KeywordHits; len(hits) > 0 {
		parts = append(parts, fmt.Sprintf("indicator phrases for %s: %s", chosen, strings.Join(hits, ", ")))
	}
	if ids := ev.Scores[chosen].MatchIDs; len(ids) > 0 {
		parts = append(parts, fmt.Sprintf("%d similar labeled tickets voted %s", len(ids), chosen))
	}
	if overridden {
		parts = append(parts, fmt.Sprintf("multi-intent override: %s preferred over %s", chosen, provisional))
	}
	if ev.Degraded {
		parts = append(parts, "similarity retrieval unavailable, keyword signal only")
	}
	if final != chosen {
		parts = append(parts, fmt.Sprintf("confidence below cutoff, falling back to %s", final))
	}
	if len(parts) == 0 {
		return "no keyword or similarity signal found"
	}
	return strings.Join(parts, "; ")
}
