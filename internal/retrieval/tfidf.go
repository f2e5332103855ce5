package retrieval

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"
	"unicode"

	"triagebot/internal/domain"
)

type sparseVec = map[int]float64

// Index is an in-memory TF-IDF index over the labeled-ticket corpus. It
// satisfies the classify.Retriever contract: given ticket text it returns the
// most similar historical tickets with cosine scores in [0,1]. Rebuild swaps
// the underlying index atomically, so queries keep working while the offline
// job refreshes the corpus.
type Index struct {
	mu  sync.RWMutex
	idx *tfidf
}

type tfidf struct {
	vocab map[string]int
	idf   []float64
	docs  []sparseVec
	items []domain.LabeledTicket
}

func NewIndex(items []domain.LabeledTicket) *Index {
	return &Index{idx: build(items)}
}

// Rebuild replaces the index contents with a fresh corpus snapshot.
func (ix *Index) Rebuild(items []domain.LabeledTicket) {
	idx := build(items)
	ix.mu.Lock()
	ix.idx = idx
	ix.mu.Unlock()
}

// Size returns the number of indexed tickets.
func (ix *Index) Size() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.idx.items)
}

// Query returns up to k matches with similarity >= minScore, ordered by
// score descending. The context is honored so a pipeline timeout set by the
// caller bounds the call like any other retriever backend.
func (ix *Index) Query(ctx context.Context, text string, k int, minScore float64) ([]domain.SimilarityMatch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ix.mu.RLock()
	idx := ix.idx
	ix.mu.RUnlock()

	if len(idx.items) == 0 || k <= 0 {
		return nil, nil
	}
	qvec := idx.queryVec(text)
	if len(qvec) == 0 {
		return nil, nil
	}

	type scored struct {
		index int
		score float64
	}
	var results []scored
	for i, dvec := range idx.docs {
		sim := cosineSim(qvec, dvec)
		if sim >= minScore && sim > 0 {
			results = append(results, scored{i, sim})
		}
	}
	sort.Slice(results, func(a, b int) bool {
		if results[a].score != results[b].score {
			return results[a].score > results[b].score
		}
		return results[a].index < results[b].index
	})
	if len(results) > k {
		results = results[:k]
	}

	out := make([]domain.SimilarityMatch, len(results))
	for i, r := range results {
		item := idx.items[r.index]
		out[i] = domain.SimilarityMatch{
			TicketID: item.TicketRef,
			Category: item.Category,
			Score:    r.score,
			Snippet:  snippet(item.Text),
		}
	}
	return out, nil
}

func build(items []domain.LabeledTicket) *tfidf {
	if len(items) == 0 {
		return &tfidf{vocab: make(map[string]int)}
	}

	vocab := make(map[string]int)
	for _, item := range items {
		for _, tok := range tokenize(item.Text) {
			if _, ok := vocab[tok]; !ok {
				vocab[tok] = len(vocab)
			}
		}
	}

	df := make([]int, len(vocab))
	docs := make([]sparseVec, len(items))
	n := float64(len(items))

	for i, item := range items {
		tf := make(map[int]int)
		for _, tok := range tokenize(item.Text) {
			if idx, ok := vocab[tok]; ok {
				tf[idx]++
			}
		}
		vec := make(sparseVec, len(tf))
		for idx, count := range tf {
			vec[idx] = float64(count)
			df[idx]++
		}
		docs[i] = vec
	}

	idf := make([]float64, len(vocab))
	for i, d := range df {
		if d > 0 {
			idf[i] = math.Log(n/float64(d)) + 1.0
		}
	}

	for _, vec := range docs {
		for idx := range vec {
			vec[idx] *= idf[idx]
		}
	}

	return &tfidf{vocab: vocab, idf: idf, docs: docs, items: items}
}

func (idx *tfidf) queryVec(query string) sparseVec {
	tf := make(map[int]int)
	for _, tok := range tokenize(query) {
		if i, ok := idx.vocab[tok]; ok {
			tf[i]++
		}
	}
	vec := make(sparseVec, len(tf))
	for i, count := range tf {
		vec[i] = float64(count) * idx.idf[i]
	}
	return vec
}

func tokenize(s string) []string {
	s = strings.ToLower(s)
	var tokens []string
	var cur strings.Builder
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			cur.WriteRune(r)
		} else {
			if cur.Len() > 0 {
				tokens = append(tokens, cur.String())
				cur.Reset()
			}
		}
	}
	if cur.Len() > 0 {
		tokens = append(tokens, cur.String())
	}
	return tokens
}

func cosineSim(a, b sparseVec) float64 {
	var dot, normA, normB float64
	for i, va := range a {
		if vb, ok := b[i]; ok {
			dot += va * vb
		}
		normA += va * va
	}
	for _, vb := range b {
		normB += vb * vb
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

func snippet(text string) string {
	text = strings.TrimSpace(strings.Join(strings.Fields(text), " "))
	if len(text) > 120 {
		return text[:120] + "..."
	}
	return text
}
