package retrieval

import (
	"context"
	"testing"

	"triagebot/internal/domain"
)

func testCorpus() []domain.LabeledTicket {
	return []domain.LabeledTicket{
		{ID: 1, TicketRef: "z-1", Text: "I want a refund, the headshots are bad and I want my money back", Category: "refund"},
		{ID: 2, TicketRef: "z-2", Text: "Please send me an invoice for my purchase", Category: "invoice"},
		{ID: 3, TicketRef: "z-3", Text: "Can you regenerate my photos with shorter hair", Category: "regeneration"},
		{ID: 4, TicketRef: "z-4", Text: "Refund my order please, money back", Category: "refund"},
	}
}

func TestQueryRanksSimilarTickets(t *testing.T) {
	idx := NewIndex(testCorpus())

	matches, err := idx.Query(context.Background(), "I would like a refund and my money back", 3, 0.1)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(matches) == 0 {
		t.Fatal("expected matches for refund query")
	}
	if matches[0].Category != "refund" {
		t.Fatalf("expected top match labeled refund, got %q (ref %s)", matches[0].Category, matches[0].TicketID)
	}
	for i := 1; i < len(matches); i++ {
		if matches[i].Score > matches[i-1].Score {
			t.Fatal("matches must be ordered by score descending")
		}
	}
}

func TestQueryHonorsMinScoreAndK(t *testing.T) {
	idx := NewIndex(testCorpus())

	matches, err := idx.Query(context.Background(), "refund money back", 1, 0.1)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(matches) > 1 {
		t.Fatalf("expected at most 1 match, got %d", len(matches))
	}

	matches, err = idx.Query(context.Background(), "refund money back", 10, 0.999)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	for _, m := range matches {
		if m.Score < 0.999 {
			t.Fatalf("match below min score retained: %.3f", m.Score)
		}
	}
}

func TestQueryEmptyIndexAndNoOverlap(t *testing.T) {
	empty := NewIndex(nil)
	matches, err := empty.Query(context.Background(), "anything", 5, 0)
	if err != nil || matches != nil {
		t.Fatalf("empty index: got %v, %v", matches, err)
	}

	idx := NewIndex(testCorpus())
	matches, err = idx.Query(context.Background(), "zzz qqq xxx", 5, 0)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(matches) != 0 {
		t.Fatalf("expected no matches without vocabulary overlap, got %d", len(matches))
	}
}

func TestQueryHonorsContextCancellation(t *testing.T) {
	idx := NewIndex(testCorpus())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := idx.Query(ctx, "refund", 5, 0); err == nil {
		t.Fatal("expected error from cancelled context")
	}
}

func TestRebuildSwapsCorpus(t *testing.T) {
	idx := NewIndex(testCorpus())
	if idx.Size() != 4 {
		t.Fatalf("expected size 4, got %d", idx.Size())
	}

	idx.Rebuild([]domain.LabeledTicket{
		{ID: 9, TicketRef: "z-9", Text: "collaboration offer from an influencer", Category: "influencers"},
	})
	if idx.Size() != 1 {
		t.Fatalf("expected size 1 after rebuild, got %d", idx.Size())
	}

	matches, err := idx.Query(context.Background(), "influencer collaboration", 5, 0.1)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(matches) != 1 || matches[0].Category != "influencers" {
		t.Fatalf("expected the rebuilt corpus to answer, got %v", matches)
	}
}
