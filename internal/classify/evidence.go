package classify

import (
	"context"
	"log"
	"strings"

	"triagebot/internal/domain"
	"triagebot/internal/taxonomy"
)

// Indicator-phrase hits in the subject line count less than hits in the body:
// subjects are short and often boilerplate ("Re: your order").
const (
	subjectWeight = 0.4
	bodyWeight    = 0.6
)

// Retriever is the similarity-search capability. Query returns up to k
// matches with score >= minScore, ordered by score descending.
type Retriever interface {
	Query(ctx context.Context, text string, k int, minScore float64) ([]domain.SimilarityMatch, error)
}

// AggregatorConfig tunes the evidence blend.
type AggregatorConfig struct {
	K              int     // neighbors requested from the retriever
	MinSimilarity  float64 // matches below this are discarded
	NeighborWeight float64 // blend weight for neighbor signal; keyword gets 1-w
}

// Aggregate builds the evidence vector for one ticket: keyword signal from
// indicator phrases plus neighbor votes from the retriever, blended per
// category. A retriever failure degrades to keyword-only and sets
// Degraded so the decision engine lowers its confidence ceiling; it never
// fails the pipeline.
func Aggregate(ctx context.Context, t domain.Ticket, reg *taxonomy.Registry, r Retriever, cfg AggregatorConfig) domain.EvidenceVector {
	ev := domain.EvidenceVector{Scores: make(map[string]domain.CategoryEvidence, len(reg.Definitions()))}

	subject := strings.ToLower(t.Subject)
	body := strings.ToLower(t.Body + threadText(t))

	// Keyword signal.
	rawKeyword := make(map[string]float64)
	for _, def := range reg.Definitions() {
		var score float64
		var hits []string
		for _, phrase := range def.Indicators {
			p := strings.ToLower(phrase)
			n := strings.Count(subject, p)
			m := strings.Count(body, p)
			if n+m == 0 {
				continue
			}
			score += subjectWeight*float64(n) + bodyWeight*float64(m)
			hits = append(hits, phrase)
		}
		rawKeyword[def.Name] = score
		ev.Scores[def.Name] = domain.CategoryEvidence{KeywordHits: hits}
	}

	// Neighbor signal.
	rawNeighbor := make(map[string]float64)
	if r == nil {
		ev.Degraded = true
	} else {
		matches, err := r.Query(ctx, t.Text(), cfg.K, cfg.MinSimilarity)
		if err != nil {
			log.Printf("classify retrieval unavailable ticket=%d err=%v", t.ID, err)
			ev.Degraded = true
		} else {
			for _, m := range matches {
				if !reg.Has(m.Category) {
					// Stale corpus label; ignore rather than widen the closed set.
					continue
				}
				rawNeighbor[m.Category] += m.Score
				e := ev.Scores[m.Category]
				e.MatchIDs = append(e.MatchIDs, m.TicketID)
				ev.Scores[m.Category] = e
			}
		}
	}

	// Normalize each signal by its per-category maximum, then blend.
	maxKeyword := maxValue(rawKeyword)
	maxNeighbor := maxValue(rawNeighbor)
	nw := cfg.NeighborWeight
	for _, def := range reg.Definitions() {
		e := ev.Scores[def.Name]
		if maxKeyword > 0 {
			e.KeywordScore = rawKeyword[def.Name] / maxKeyword
		}
		if maxNeighbor > 0 {
			e.NeighborScore = rawNeighbor[def.Name] / maxNeighbor
		}
		e.Combined = nw*e.NeighborScore + (1-nw)*e.KeywordScore
		ev.Scores[def.Name] = e
	}
	return ev
}

func threadText(t domain.Ticket) string {
	var b strings.Builder
	for _, m := range t.Thread {
		b.WriteString("\n")
		b.WriteString(m.Message)
	}
	return b.String()
}

func maxValue(m map[string]float64) float64 {
	var max float64
	for _, v := range m {
		if v > max {
			max = v
		}
	}
	return max
}
