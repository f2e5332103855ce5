package taxonomy

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Fallback is the reserved category for tickets that cannot be confidently
// classified. It is always present and always routes to the general review
// queue at medium priority.
const Fallback = "miscellaneous"

var ErrUnknownCategory = fmt.Errorf("unknown category")

// CategoryDefinition is one entry of the closed category set. Loaded once at
// startup, read-only afterwards.
type CategoryDefinition struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Indicators  []string `yaml:"indicators"`
	Priority    string   `yaml:"priority"` // high, medium, low
	Team        string   `yaml:"team"`
}

// Registry holds the category taxonomy. No mutation after New.
type Registry struct {
	defs  []CategoryDefinition
	index map[string]int
}

// builtin is the default taxonomy: the 11 production categories plus the
// miscellaneous fallback. Indicator phrases come from the historical
// rule-based classifier.
var builtin = []CategoryDefinition{
	{
		Name:        "refund",
		Description: "Customer wants their money back or disputes a charge",
		Indicators:  []string{"refund", "money back", "chargeback"},
		Priority:    "high",
		Team:        "billing",
	},
	{
		Name:        "regeneration",
		Description: "Customer asks for changes to generated headshots",
		Indicators:  []string{"make my hair", "change hair", "longer hair", "shorter hair", "modify", "make adjustments", "regenerate"},
		Priority:    "high",
		Team:        "studio",
	},
	{
		Name:        "sppam",
		Description: "Unsolicited marketing, SEO and link-building outreach",
		Indicators:  []string{"seo", "guest post", "backlink", "website ranking"},
		Priority:    "low",
		Team:        "spam-queue",
	},
	{
		Name:        "pictures-not-received-spam",
		Description: "Customer reports the delivery email never arrived",
		Indicators:  []string{"never received", "didn't get", "didnt get", "where are my headshots", "not received photos"},
		Priority:    "high",
		Team:        "delivery",
	},
	{
		Name:        "invoice",
		Description: "Customer requests an invoice or receipt",
		Indicators:  []string{"invoice", "receipt", "billing"},
		Priority:    "medium",
		Team:        "billing",
	},
	{
		Name:        "reupload",
		Description: "Customer wants to submit new or different source photos",
		Indicators:  []string{"reupload", "upload again", "new photos", "different pictures"},
		Priority:    "medium",
		Team:        "studio",
	},
	{
		Name:        "influencers",
		Description: "Influencer collaboration and promotion offers",
		Indicators:  []string{"followers", "collaboration", "promote on", "influencer"},
		Priority:    "low",
		Team:        "partnerships",
	},
	{
		Name:        "team-info",
		Description: "Team, enterprise or bulk purchase inquiries",
		Indicators:  []string{"team", "enterprise", "bulk"},
		Priority:    "medium",
		Team:        "sales",
	},
	{
		Name:        "feedback",
		Description: "General product feedback and suggestions",
		Indicators:  []string{"feedback", "suggestion", "how did we do"},
		Priority:    "low",
		Team:        "support",
	},
	{
		Name:        "ghost-email",
		Description: "Automated bounces, auto-replies and empty threads",
		Indicators:  []string{"undeliverable", "mail delivery failed", "auto-reply", "out of office"},
		Priority:    "low",
		Team:        "spam-queue",
	},
	{
		Name:        "linkedin",
		Description: "Customer shared or wants to share results on LinkedIn",
		Indicators:  []string{"linkedin"},
		Priority:    "low",
		Team:        "partnerships",
	},
	{
		Name:        Fallback,
		Description: "No clear category match; routed for manual review",
		Indicators:  nil,
		Priority:    "medium",
		Team:        "general-review",
	},
}

// New returns the built-in registry.
func New() (*Registry, error) {
	return newRegistry(builtin)
}

// Load reads category definitions from a YAML file. The file replaces the
// built-in set entirely, except that the miscellaneous fallback is appended
// when missing.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read taxonomy: %w", err)
	}
	var file struct {
		Categories []CategoryDefinition `yaml:"categories"`
	}
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse taxonomy yaml: %w", err)
	}
	defs := file.Categories
	hasFallback := false
	for _, d := range defs {
		if d.Name == Fallback {
			hasFallback = true
			break
		}
	}
	if !hasFallback {
		defs = append(defs, builtin[len(builtin)-1])
	}
	return newRegistry(defs)
}

func newRegistry(defs []CategoryDefinition) (*Registry, error) {
	index := make(map[string]int, len(defs))
	for i, d := range defs {
		if d.Name == "" {
			return nil, fmt.Errorf("taxonomy entry %d has no name", i)
		}
		if _, dup := index[d.Name]; dup {
			return nil, fmt.Errorf("duplicate category %q", d.Name)
		}
		switch d.Priority {
		case "high", "medium", "low":
		default:
			return nil, fmt.Errorf("category %q: invalid priority %q", d.Name, d.Priority)
		}
		index[d.Name] = i
	}
	return &Registry{defs: defs, index: index}, nil
}

// Definitions returns the categories in declaration order.
func (r *Registry) Definitions() []CategoryDefinition {
	return r.defs
}

// Get resolves a category by name.
func (r *Registry) Get(name string) (CategoryDefinition, error) {
	i, ok := r.index[name]
	if !ok {
		return CategoryDefinition{}, fmt.Errorf("%w: %q", ErrUnknownCategory, name)
	}
	return r.defs[i], nil
}

// Has reports whether name is a member of the closed set.
func (r *Registry) Has(name string) bool {
	_, ok := r.index[name]
	return ok
}

// Validate checks that every referenced category name is a member of the
// closed set. Used at startup for override rules and response mappings; a
// failure here is a configuration error and aborts initialization.
func (r *Registry) Validate(names ...string) error {
	for _, n := range names {
		if !r.Has(n) {
			return fmt.Errorf("%w: %q", ErrUnknownCategory, n)
		}
	}
	return nil
}
