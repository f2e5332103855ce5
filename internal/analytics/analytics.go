package analytics

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"triagebot/internal/domain"
	"triagebot/internal/retrieval"
	"triagebot/internal/storage/sqlite"
	"triagebot/internal/taxonomy"
)

// CorpusEntry is one ticket of a labeled export file. Either text or
// subject+body must be present.
type CorpusEntry struct {
	TicketRef string `json:"ticket_ref"`
	Subject   string `json:"subject"`
	Body      string `json:"body"`
	Text      string `json:"text"`
	Category  string `json:"category"`
}

// ImportResult tracks separate counters for each skip reason.
type ImportResult struct {
	Total           int
	Imported        int
	SkippedNoRef    int
	SkippedNoText   int
	SkippedCategory int
}

func (r ImportResult) Summary() string {
	return fmt.Sprintf("imported %d/%d (no_ref=%d no_text=%d bad_category=%d)",
		r.Imported, r.Total, r.SkippedNoRef, r.SkippedNoText, r.SkippedCategory)
}

// ImportCorpus loads a JSON export of labeled tickets into the retriever
// corpus. Entries with labels outside the taxonomy are skipped rather than
// widening the closed set.
func ImportCorpus(db *sql.DB, reg *taxonomy.Registry, path string) (ImportResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ImportResult{}, fmt.Errorf("read corpus export: %w", err)
	}
	var entries []CorpusEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return ImportResult{}, fmt.Errorf("parse corpus export: %w", err)
	}

	result := ImportResult{Total: len(entries)}
	var items []domain.LabeledTicket
	for _, e := range entries {
		if e.TicketRef == "" {
			result.SkippedNoRef++
			continue
		}
		text := e.Text
		if text == "" {
			text = strings.TrimSpace(e.Subject + "\n\n" + e.Body)
		}
		if text == "" {
			result.SkippedNoText++
			continue
		}
		if !reg.Has(e.Category) {
			log.Printf("corpus import skipped ref=%s category=%s not in taxonomy", e.TicketRef, e.Category)
			result.SkippedCategory++
			continue
		}
		items = append(items, domain.LabeledTicket{TicketRef: e.TicketRef, Text: text, Category: e.Category})
	}

	n, err := sqlite.UpsertLabeledTickets(db, items)
	result.Imported = n
	if err != nil {
		return result, fmt.Errorf("upserting corpus: %w", err)
	}
	return result, nil
}

// RebuildIndex refreshes the retriever from the stored corpus and returns the
// indexed ticket count.
func RebuildIndex(db *sql.DB, index *retrieval.Index) (int, error) {
	corpus, err := sqlite.LoadCorpus(db)
	if err != nil {
		return 0, fmt.Errorf("loading corpus: %w", err)
	}
	index.Rebuild(corpus)
	return len(corpus), nil
}

// Classifier is the classification-only slice of the pipeline, enough for
// offline evaluation runs.
type Classifier interface {
	Classify(ctx context.Context, t domain.Ticket) domain.ClassificationResult
}

// CategoryAccuracy is the per-category tally of an evaluation run.
type CategoryAccuracy struct {
	Category string
	Total    int
	Correct  int
}

// Evaluation is the outcome of re-classifying a labeled corpus.
type Evaluation struct {
	Total      int
	Correct    int
	Fallbacks  int
	ByCategory []CategoryAccuracy
}

func (e Evaluation) Accuracy() float64 {
	if e.Total == 0 {
		return 0
	}
	return float64(e.Correct) / float64(e.Total)
}

// EvaluateCorpus re-classifies every labeled ticket and compares against its
// human label. Classification is CPU-bound with optional LLM calls, so runs
// are bounded by the given concurrency.
func EvaluateCorpus(ctx context.Context, c Classifier, corpus []domain.LabeledTicket, concurrency int) (Evaluation, error) {
	if concurrency < 1 {
		concurrency = 4
	}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	var mu sync.Mutex
	eval := Evaluation{Total: len(corpus)}
	byCategory := make(map[string]*CategoryAccuracy)

	for _, item := range corpus {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			result := c.Classify(ctx, domain.Ticket{ID: item.ID, Body: item.Text})

			mu.Lock()
			defer mu.Unlock()
			acc, ok := byCategory[item.Category]
			if !ok {
				acc = &CategoryAccuracy{Category: item.Category}
				byCategory[item.Category] = acc
			}
			acc.Total++
			if result.Category == item.Category {
				eval.Correct++
				acc.Correct++
			}
			if result.Category == taxonomy.Fallback {
				eval.Fallbacks++
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return eval, err
	}

	for _, acc := range byCategory {
		eval.ByCategory = append(eval.ByCategory, *acc)
	}
	sort.Slice(eval.ByCategory, func(i, j int) bool {
		return eval.ByCategory[i].Category < eval.ByCategory[j].Category
	})
	return eval, nil
}

func FormatEvaluation(e Evaluation) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("evaluated %d tickets, accuracy %.1f%%, fallbacks %d\n",
		e.Total, 100*e.Accuracy(), e.Fallbacks))
	for _, acc := range e.ByCategory {
		b.WriteString(fmt.Sprintf("  %-28s %d/%d\n", acc.Category, acc.Correct, acc.Total))
	}
	return b.String()
}

// StatsWindow is how far back the scheduled stats summary looks.
const StatsWindow = 7 * 24 * time.Hour

// CollectStats gathers the weekly summary inputs in one call.
func CollectStats(db *sql.DB) (sqlite.ClassificationStats, []sqlite.CategoryCount, error) {
	since := time.Now().UTC().Add(-StatsWindow)
	stats, err := sqlite.GetClassificationStats(db, since)
	if err != nil {
		return stats, nil, err
	}
	breakdown, err := sqlite.GetCategoryBreakdown(db, since)
	return stats, breakdown, err
}
