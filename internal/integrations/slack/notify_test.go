package slack

import (
	"strings"
	"testing"

	"triagebot/internal/config"
	"triagebot/internal/domain"
	"triagebot/internal/storage/sqlite"
)

func TestNewNotifierRequiresTokenAndChannel(t *testing.T) {
	if n := NewNotifier(config.Config{}); n != nil {
		t.Fatal("expected nil notifier without credentials")
	}
	if n := NewNotifier(config.Config{SlackBotToken: "xoxb-test"}); n != nil {
		t.Fatal("expected nil notifier without channel")
	}
	if n := NewNotifier(config.Config{SlackBotToken: "xoxb-test", SlackAlertChannel: "C123"}); n == nil {
		t.Fatal("expected notifier with token and channel")
	}
}

func TestNilNotifierIsSafe(t *testing.T) {
	var n *Notifier
	// Must not panic.
	n.AlertHighPriority(1, domain.ClassificationResult{Category: "refund", Confidence: 92}, domain.RoutingDecision{Priority: "high", Team: "billing"})
	n.PostStats(sqlite.ClassificationStats{}, nil, "last 7 days")
}

func TestFormatStats(t *testing.T) {
	stats := sqlite.ClassificationStats{
		Total:         42,
		AvgConfidence: 83.5,
		Fallbacks:     4,
		Degraded:      2,
		BucketBelow70: 4,
		Bucket70to80:  6,
		Bucket80to90:  12,
		Bucket90Plus:  20,
	}
	breakdown := []sqlite.CategoryCount{
		{Category: "refund", Count: 15},
		{Category: "invoice", Count: 10},
	}

	out := FormatStats(stats, breakdown, "last 7 days")
	for _, fragment := range []string{"last 7 days", "Total: 42", "83.5%", "Fallbacks: 4", "refund — 15", "90+: 20"} {
		if !strings.Contains(out, fragment) {
			t.Fatalf("summary missing %q:\n%s", fragment, out)
		}
	}
}
