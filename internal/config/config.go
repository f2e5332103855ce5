package config

import (
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

type Config struct {
	ZendeskSubdomain string `yaml:"zendesk_subdomain"`
	ZendeskEmail     string `yaml:"zendesk_email"`
	ZendeskAPIToken  string `yaml:"zendesk_api_token"`

	SupportStaffIDs []int64 `yaml:"support_staff_ids"`

	WebhookAddr   string `yaml:"webhook_addr"`
	WebhookSecret string `yaml:"webhook_secret"`

	RetrieverK             int     `yaml:"retriever_k"`
	MinSimilarity          float64 `yaml:"min_similarity"`
	NeighborWeight         float64 `yaml:"neighbor_weight"`
	AutoRouteCutoff        int     `yaml:"auto_route_cutoff"`
	ReviewCutoff           int     `yaml:"review_cutoff"`
	UncertainCutoff        int     `yaml:"uncertain_cutoff"`
	OverrideSignalCutoff   float64 `yaml:"override_signal_threshold"`
	RetrieverTimeoutSecs   int     `yaml:"retriever_timeout_seconds"`
	WriterTimeoutSecs      int     `yaml:"writer_timeout_seconds"`
	ExternalHTTPTimeoutSec int     `yaml:"external_http_timeout_seconds"`

	LLMReviewEnabled bool   `yaml:"llm_review_enabled"`
	LLMProvider      string `yaml:"llm_provider"`
	LLMModel         string `yaml:"llm_model"`
	AnthropicAPIKey  string `yaml:"anthropic_api_key"`
	OpenAIAPIKey     string `yaml:"openai_api_key"`

	SlackBotToken     string `yaml:"slack_bot_token"`
	SlackAlertChannel string `yaml:"slack_alert_channel"`
	StatsSchedule     string `yaml:"stats_schedule"`

	DBPath          string `yaml:"db_path"`
	TaxonomyPath    string `yaml:"taxonomy_path"`
	ResponseMapPath string `yaml:"response_map_path"`
}

func LoadConfig() Config {
	var cfg Config

	configPath := "config.yaml"
	if envPath := os.Getenv("CONFIG_PATH"); envPath != "" {
		configPath = envPath
	}
	if data, err := os.ReadFile(configPath); err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			log.Fatalf("Error parsing %s: %v", configPath, err)
		}
		log.Printf("Loaded config from %s", configPath)
	}

	// Env vars override YAML values.
	envOverride(&cfg.ZendeskSubdomain, "ZENDESK_SUBDOMAIN")
	envOverride(&cfg.ZendeskEmail, "ZENDESK_EMAIL")
	envOverride(&cfg.ZendeskAPIToken, "ZENDESK_API_TOKEN")
	envOverride(&cfg.WebhookAddr, "WEBHOOK_ADDR")
	envOverride(&cfg.WebhookSecret, "WEBHOOK_SHARED_SECRET")
	envOverrideInt(&cfg.RetrieverK, "RETRIEVER_K")
	envOverrideFloat(&cfg.MinSimilarity, "MIN_SIMILARITY")
	envOverrideFloat(&cfg.NeighborWeight, "NEIGHBOR_WEIGHT")
	envOverrideInt(&cfg.AutoRouteCutoff, "AUTO_ROUTE_CUTOFF")
	envOverrideInt(&cfg.ReviewCutoff, "REVIEW_CUTOFF")
	envOverrideInt(&cfg.UncertainCutoff, "UNCERTAIN_CUTOFF")
	envOverrideFloat(&cfg.OverrideSignalCutoff, "OVERRIDE_SIGNAL_THRESHOLD")
	envOverrideInt(&cfg.RetrieverTimeoutSecs, "RETRIEVER_TIMEOUT_SECONDS")
	envOverrideInt(&cfg.WriterTimeoutSecs, "WRITER_TIMEOUT_SECONDS")
	envOverrideInt(&cfg.ExternalHTTPTimeoutSec, "EXTERNAL_HTTP_TIMEOUT_SECONDS")
	envOverrideBool(&cfg.LLMReviewEnabled, "LLM_REVIEW_ENABLED")
	envOverride(&cfg.LLMProvider, "LLM_PROVIDER")
	envOverride(&cfg.LLMModel, "LLM_MODEL")
	envOverride(&cfg.AnthropicAPIKey, "ANTHROPIC_API_KEY")
	envOverride(&cfg.OpenAIAPIKey, "OPENAI_API_KEY")
	envOverride(&cfg.SlackBotToken, "SLACK_BOT_TOKEN")
	envOverride(&cfg.SlackAlertChannel, "SLACK_ALERT_CHANNEL")
	envOverride(&cfg.StatsSchedule, "STATS_SCHEDULE")
	envOverride(&cfg.DBPath, "DB_PATH")
	envOverride(&cfg.TaxonomyPath, "TAXONOMY_PATH")
	envOverride(&cfg.ResponseMapPath, "RESPONSE_MAP_PATH")

	if ids := os.Getenv("SUPPORT_STAFF_IDS"); ids != "" {
		cfg.SupportStaffIDs = nil
		for _, raw := range strings.Split(ids, ",") {
			raw = strings.TrimSpace(raw)
			if raw == "" {
				continue
			}
			id, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				log.Fatalf("invalid SUPPORT_STAFF_IDS entry '%s': %v", raw, err)
			}
			cfg.SupportStaffIDs = append(cfg.SupportStaffIDs, id)
		}
	}

	// Defaults.
	if cfg.WebhookAddr == "" {
		cfg.WebhookAddr = ":8080"
	}
	if cfg.RetrieverK == 0 {
		cfg.RetrieverK = 8
	}
	if cfg.MinSimilarity == 0 {
		cfg.MinSimilarity = 0.75
	}
	if cfg.NeighborWeight == 0 {
		cfg.NeighborWeight = 0.6
	}
	if cfg.AutoRouteCutoff == 0 {
		cfg.AutoRouteCutoff = 90
	}
	if cfg.ReviewCutoff == 0 {
		cfg.ReviewCutoff = 80
	}
	if cfg.UncertainCutoff == 0 {
		cfg.UncertainCutoff = 70
	}
	if cfg.OverrideSignalCutoff == 0 {
		cfg.OverrideSignalCutoff = 0.10
	}
	if cfg.RetrieverTimeoutSecs == 0 {
		cfg.RetrieverTimeoutSecs = 5
	}
	if cfg.WriterTimeoutSecs == 0 {
		cfg.WriterTimeoutSecs = 10
	}
	if cfg.LLMProvider == "" {
		cfg.LLMProvider = "anthropic"
	}
	if cfg.DBPath == "" {
		cfg.DBPath = "./triagebot.db"
	}

	// Validate required fields.
	required := map[string]string{
		"zendesk_subdomain": cfg.ZendeskSubdomain,
		"zendesk_email":     cfg.ZendeskEmail,
		"zendesk_api_token": cfg.ZendeskAPIToken,
	}
	for name, val := range required {
		if val == "" {
			log.Fatalf("Required config '%s' is not set (via config.yaml or env var)", name)
		}
	}

	if cfg.MinSimilarity < 0 || cfg.MinSimilarity > 1 {
		log.Fatalf("invalid min_similarity '%f': must be between 0 and 1", cfg.MinSimilarity)
	}
	if cfg.NeighborWeight < 0 || cfg.NeighborWeight > 1 {
		log.Fatalf("invalid neighbor_weight '%f': must be between 0 and 1", cfg.NeighborWeight)
	}
	if cfg.RetrieverK < 1 {
		log.Fatalf("invalid retriever_k '%d': must be >= 1", cfg.RetrieverK)
	}
	if !(cfg.UncertainCutoff > 0 && cfg.UncertainCutoff < cfg.ReviewCutoff && cfg.ReviewCutoff < cfg.AutoRouteCutoff && cfg.AutoRouteCutoff <= 100) {
		log.Fatalf("invalid confidence cutoffs auto_route=%d review=%d uncertain=%d (need 0 < uncertain < review < auto_route <= 100)",
			cfg.AutoRouteCutoff, cfg.ReviewCutoff, cfg.UncertainCutoff)
	}

	if cfg.LLMReviewEnabled {
		switch cfg.LLMProvider {
		case "anthropic":
			if cfg.AnthropicAPIKey == "" {
				log.Fatalf("anthropic_api_key is required when llm_review_enabled and llm_provider=anthropic")
			}
		case "openai":
			if cfg.OpenAIAPIKey == "" {
				log.Fatalf("openai_api_key is required when llm_review_enabled and llm_provider=openai")
			}
		default:
			log.Fatalf("llm_provider must be 'anthropic' or 'openai', got '%s'", cfg.LLMProvider)
		}
	}

	if cfg.StatsSchedule != "" {
		parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
		if _, err := parser.Parse(cfg.StatsSchedule); err != nil {
			log.Fatalf("invalid stats_schedule '%s': %v", cfg.StatsSchedule, err)
		}
	}

	return cfg
}

func envOverride(field *string, envKey string) {
	if val := os.Getenv(envKey); val != "" {
		*field = val
	}
}

func envOverrideInt(field *int, envKey string) {
	if val := os.Getenv(envKey); val != "" {
		parsed, err := strconv.Atoi(val)
		if err != nil {
			log.Fatalf("invalid %s '%s': %v", envKey, val, err)
		}
		*field = parsed
	}
}

func envOverrideFloat(field *float64, envKey string) {
	if val := os.Getenv(envKey); val != "" {
		parsed, err := strconv.ParseFloat(val, 64)
		if err != nil {
			log.Fatalf("invalid %s '%s': %v", envKey, val, err)
		}
		*field = parsed
	}
}

func envOverrideBool(field *bool, envKey string) {
	if val := os.Getenv(envKey); val != "" {
		parsed, err := strconv.ParseBool(val)
		if err != nil {
			log.Fatalf("invalid %s '%s': %v", envKey, val, err)
		}
		*field = parsed
	}
}

// IsSupportStaff reports whether a comment author is internal staff, used by
// the conversation builder to label thread roles.
func (c Config) IsSupportStaff(authorID int64) bool {
	for _, id := range c.SupportStaffIDs {
		if id == authorID {
			return true
		}
	}
	return false
}
