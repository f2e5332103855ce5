package slack

import (
	"fmt"
	"log"
	"strings"

	"github.com/slack-go/slack"

	"triagebot/internal/config"
	"triagebot/internal/domain"
	"triagebot/internal/storage/sqlite"
)

// Notifier posts routing alerts and periodic stats summaries to a Slack
// channel. A nil Notifier (no bot token configured) drops everything.
type Notifier struct {
	api     *slack.Client
	channel string
}

func NewNotifier(cfg config.Config) *Notifier {
	if cfg.SlackBotToken == "" || cfg.SlackAlertChannel == "" {
		return nil
	}
	return &Notifier{
		api:     slack.New(cfg.SlackBotToken),
		channel: cfg.SlackAlertChannel,
	}
}

// AlertHighPriority pings the channel when a ticket routes at high priority so
// staff can jump on it before the queue does.
func (n *Notifier) AlertHighPriority(ticketID int64, result domain.ClassificationResult, routing domain.RoutingDecision) {
	if n == nil {
		return
	}
	msg := fmt.Sprintf(":rotating_light: Ticket *%d* classified as *%s* (confidence %d%%) routed to *%s* at high priority.\n> %s",
		ticketID, result.Category, result.Confidence, routing.Team, result.Reasoning)
	if _, _, err := n.api.PostMessage(n.channel, slack.MsgOptionText(msg, false)); err != nil {
		log.Printf("slack alert error ticket=%d: %v", ticketID, err)
	}
}

// PostStats posts a formatted stats summary, typically from the cron job.
func (n *Notifier) PostStats(stats sqlite.ClassificationStats, breakdown []sqlite.CategoryCount, period string) {
	if n == nil {
		return
	}
	msg := FormatStats(stats, breakdown, period)
	if _, _, err := n.api.PostMessage(n.channel, slack.MsgOptionText(msg, false)); err != nil {
		log.Printf("slack stats post error: %v", err)
	}
}

// FormatStats renders the summary as Slack mrkdwn. Split out so the CLI stats
// command can reuse it.
func FormatStats(stats sqlite.ClassificationStats, breakdown []sqlite.CategoryCount, period string) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("*Classification stats (%s)*\n", period))
	b.WriteString(fmt.Sprintf("Total: %d | Avg confidence: %.1f%% | Fallbacks: %d | Degraded: %d\n",
		stats.Total, stats.AvgConfidence, stats.Fallbacks, stats.Degraded))
	b.WriteString(fmt.Sprintf("Confidence buckets: <70: %d | 70-79: %d | 80-89: %d | 90+: %d\n",
		stats.BucketBelow70, stats.Bucket70to80, stats.Bucket80to90, stats.Bucket90Plus))
	if len(breakdown) > 0 {
		b.WriteString("Top categories:\n")
		for i, c := range breakdown {
			if i >= 5 {
				break
			}
			b.WriteString(fmt.Sprintf("  %d. %s — %d\n", i+1, c.Category, c.Count))
		}
	}
	return b.String()
}
