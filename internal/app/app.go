package app

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"triagebot/internal/analytics"
	"triagebot/internal/classify"
	"triagebot/internal/config"
	"triagebot/internal/dispatch"
	"triagebot/internal/httpx"
	"triagebot/internal/integrations/llm"
	slackx "triagebot/internal/integrations/slack"
	"triagebot/internal/integrations/zendesk"
	"triagebot/internal/retrieval"
	"triagebot/internal/storage/sqlite"
	"triagebot/internal/taxonomy"
	"triagebot/internal/triage"
	"triagebot/internal/webhook"
)

func Main() {
	serve := flag.Bool("serve", false, "run the webhook server")
	ticketID := flag.Int64("ticket", 0, "classify and dispatch a single ticket by id")
	importPath := flag.String("import", "", "import a labeled-ticket JSON export into the retriever corpus")
	evaluate := flag.Bool("evaluate", false, "re-classify the stored corpus and report accuracy")
	stats := flag.Bool("stats", false, "print the last 7 days of classification stats")
	flag.Parse()

	cfg := config.LoadConfig()
	appliedHTTPTimeout := httpx.ConfigureExternalHTTPClient(cfg.ExternalHTTPTimeoutSec)
	log.Printf(
		"Config loaded. Subdomain=%s Staff=%d RetrieverK=%d MinSimilarity=%.2f NeighborWeight=%.2f Cutoffs=%d/%d/%d LLMReview=%t ExternalHTTPTimeout=%s",
		cfg.ZendeskSubdomain,
		len(cfg.SupportStaffIDs),
		cfg.RetrieverK,
		cfg.MinSimilarity,
		cfg.NeighborWeight,
		cfg.AutoRouteCutoff, cfg.ReviewCutoff, cfg.UncertainCutoff,
		cfg.LLMReviewEnabled,
		appliedHTTPTimeout,
	)

	db, err := sqlite.InitDB(cfg.DBPath)
	if err != nil {
		log.Fatalf("Failed to init database: %v", err)
	}
	log.Printf("Database initialized at %s", cfg.DBPath)
	defer db.Close()

	reg, err := loadTaxonomy(cfg)
	if err != nil {
		log.Fatalf("Failed to load taxonomy: %v", err)
	}
	log.Printf("Taxonomy loaded categories=%d", len(reg.Definitions()))

	engine, err := classify.NewEngine(reg, classify.EngineConfig{
		AutoRouteCutoff:   cfg.AutoRouteCutoff,
		ReviewCutoff:      cfg.ReviewCutoff,
		UncertainCutoff:   cfg.UncertainCutoff,
		OverrideThreshold: cfg.OverrideSignalCutoff,
	})
	if err != nil {
		log.Fatalf("Failed to build decision engine: %v", err)
	}

	switch {
	case *importPath != "":
		result, err := analytics.ImportCorpus(db, reg, *importPath)
		if err != nil {
			log.Fatalf("Corpus import failed: %v", err)
		}
		log.Printf("Corpus import %s", result.Summary())
		return
	case *stats:
		summary, breakdown, err := analytics.CollectStats(db)
		if err != nil {
			log.Fatalf("Stats query failed: %v", err)
		}
		fmt.Print(slackx.FormatStats(summary, breakdown, "last 7 days"))
		trend, err := sqlite.GetWeeklyTrend(db, time.Now().UTC().AddDate(0, 0, -28))
		if err != nil {
			log.Fatalf("Trend query failed: %v", err)
		}
		for _, week := range trend {
			fmt.Printf("week of %s: %d classified, avg confidence %.1f\n",
				week.WeekStart, week.Classifications, week.AvgConfidence)
		}
		return
	}

	corpus, err := sqlite.LoadCorpus(db)
	if err != nil {
		log.Fatalf("Failed to load retriever corpus: %v", err)
	}
	index := retrieval.NewIndex(corpus)
	log.Printf("Retriever index built size=%d", index.Size())

	var templates map[string]string
	if cfg.ResponseMapPath != "" {
		templates, err = triage.LoadResponseTemplates(cfg.ResponseMapPath, reg)
		if err != nil {
			log.Fatalf("Failed to load response templates: %v", err)
		}
		log.Printf("Response templates loaded count=%d", len(templates))
	}

	var reviewer *llm.Reviewer
	if cfg.LLMReviewEnabled {
		reviewer = llm.NewReviewer(cfg, reg)
		log.Printf("LLM review enabled provider=%s model=%s", cfg.LLMProvider, reviewer.Model())
	}

	notifier := slackx.NewNotifier(cfg)
	guard := dispatch.NewGuard(db)
	tickets := zendesk.NewClient(cfg)
	pipeline := triage.NewPipeline(cfg, reg, engine, index, guard, tickets, reviewer, notifier, db, templates)

	switch {
	case *evaluate:
		eval, err := analytics.EvaluateCorpus(context.Background(), pipeline, corpus, 4)
		if err != nil {
			log.Fatalf("Corpus evaluation failed: %v", err)
		}
		fmt.Print(analytics.FormatEvaluation(eval))
	case *ticketID > 0:
		result, outcome, err := pipeline.ProcessTicket(context.Background(), *ticketID)
		if err != nil {
			log.Fatalf("Ticket %d failed: %v", *ticketID, err)
		}
		out, _ := json.MarshalIndent(result, "", "  ")
		fmt.Printf("%s\noutcome: %s\n", out, outcome)
	case *serve:
		analytics.StartStatsScheduler(cfg, db, index, notifier)
		log.Println("Starting ticket triage bot...")
		server := webhook.NewServer(pipeline, cfg.WebhookSecret)
		if err := server.ListenAndServe(cfg.WebhookAddr); err != nil {
			log.Fatalf("Webhook server error: %v", err)
		}
	default:
		flag.Usage()
		os.Exit(2)
	}
}

func loadTaxonomy(cfg config.Config) (*taxonomy.Registry, error) {
	if cfg.TaxonomyPath != "" {
		return taxonomy.Load(cfg.TaxonomyPath)
	}
	return taxonomy.New()
}
