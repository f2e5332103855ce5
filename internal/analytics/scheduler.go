package analytics

import (
	"database/sql"
	"log"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"triagebot/internal/config"
	slackx "triagebot/internal/integrations/slack"
	"triagebot/internal/retrieval"
)

// StartStatsScheduler runs a cron-based loop that refreshes the retriever
// index and posts the weekly classification summary to Slack.
// The schedule is a standard 5-field cron expression (minute hour day-of-month month day-of-week).
// Examples: "0 9 * * 1" (Mondays 9am), "0 9 * * *" (daily 9am).
func StartStatsScheduler(cfg config.Config, db *sql.DB, index *retrieval.Index, notifier *slackx.Notifier) {
	schedule := strings.TrimSpace(cfg.StatsSchedule)
	if schedule == "" {
		log.Println("Stats scheduler disabled (stats_schedule not set)")
		return
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	sched, err := parser.Parse(schedule)
	if err != nil {
		log.Printf("Invalid stats_schedule '%s': %v — stats scheduler disabled", schedule, err)
		return
	}
	log.Printf("Stats scheduler started (cron: %s)", schedule)

	go func() {
		for {
			now := time.Now()
			next := sched.Next(now)
			wait := next.Sub(now)
			log.Printf("Next stats run at %s (in %s)", next.Format("Mon Jan 2 15:04"), wait.Round(time.Minute))

			time.Sleep(wait)

			if n, rebuildErr := RebuildIndex(db, index); rebuildErr != nil {
				log.Printf("Stats run index rebuild error: %v", rebuildErr)
			} else {
				log.Printf("Stats run index rebuilt size=%d", n)
			}

			stats, breakdown, statsErr := CollectStats(db)
			if statsErr != nil {
				log.Printf("Stats run collect error: %v", statsErr)
				continue
			}
			log.Printf("Stats run complete total=%d avg_confidence=%.1f fallbacks=%d",
				stats.Total, stats.AvgConfidence, stats.Fallbacks)
			notifier.PostStats(stats, breakdown, "last 7 days")
		}
	}()
}
