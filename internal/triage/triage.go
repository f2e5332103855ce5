package triage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"triagebot/internal/classify"
	"triagebot/internal/config"
	"triagebot/internal/dispatch"
	"triagebot/internal/domain"
	"triagebot/internal/integrations/llm"
	slackx "triagebot/internal/integrations/slack"
	"triagebot/internal/storage/sqlite"
	"triagebot/internal/taxonomy"
)

// TicketSource is the ticketing-system capability the pipeline needs: read a
// ticket, write the classification back.
type TicketSource interface {
	FetchTicket(ctx context.Context, ticketID int64) (domain.Ticket, error)
	Annotate(ctx context.Context, ticketID int64, noteBody string, tags []string) error
}

// Pipeline wires the stages together: fetch, evidence aggregation, decision,
// routing, optional LLM second opinion, guarded dispatch.
type Pipeline struct {
	cfg       config.Config
	reg       *taxonomy.Registry
	engine    *classify.Engine
	retriever classify.Retriever
	guard     *dispatch.Guard
	tickets   TicketSource
	reviewer  *llm.Reviewer
	notifier  *slackx.Notifier
	db        *sql.DB
	templates map[string]string
}

func NewPipeline(
	cfg config.Config,
	reg *taxonomy.Registry,
	engine *classify.Engine,
	retriever classify.Retriever,
	guard *dispatch.Guard,
	tickets TicketSource,
	reviewer *llm.Reviewer,
	notifier *slackx.Notifier,
	db *sql.DB,
	templates map[string]string,
) *Pipeline {
	return &Pipeline{
		cfg:       cfg,
		reg:       reg,
		engine:    engine,
		retriever: retriever,
		guard:     guard,
		tickets:   tickets,
		reviewer:  reviewer,
		notifier:  notifier,
		db:        db,
		templates: templates,
	}
}

// ProcessTicket runs the whole pipeline for one ticket. Classification itself
// cannot fail; only fetching the ticket and writing the annotation can.
func (p *Pipeline) ProcessTicket(ctx context.Context, ticketID int64) (domain.ClassificationResult, domain.DispatchOutcome, error) {
	ticket, err := p.tickets.FetchTicket(ctx, ticketID)
	if err != nil {
		return domain.ClassificationResult{}, domain.OutcomeFailed, fmt.Errorf("fetching ticket %d: %w", ticketID, err)
	}

	result := p.Classify(ctx, ticket)
	routing := classify.ResolveRouting(result, p.reg)
	result.RoutingPriority = routing.Priority

	key := ticket.IdempotencyKey()
	outcome, err := p.guard.Attempt(ctx, ticket.ID, key, result.Category, func(ctx context.Context) error {
		writerCtx := ctx
		if p.cfg.WriterTimeoutSecs > 0 {
			var cancel context.CancelFunc
			writerCtx, cancel = context.WithTimeout(ctx, time.Duration(p.cfg.WriterTimeoutSecs)*time.Second)
			defer cancel()
		}
		note, buildErr := p.buildNote(result, routing)
		if buildErr != nil {
			return buildErr
		}
		return p.tickets.Annotate(writerCtx, ticket.ID, note, dispatchTags(result, routing))
	})
	if err != nil {
		return result, outcome, fmt.Errorf("dispatching ticket %d: %w", ticketID, err)
	}

	if outcome == domain.OutcomeDispatched {
		p.recordClassification(ticket.ID, result)
		if routing.Priority == "high" {
			p.notifier.AlertHighPriority(ticket.ID, result, routing)
		}
	}
	return result, outcome, nil
}

// Classify runs evidence aggregation and the decision engine, plus the
// optional LLM second opinion for uncertain results. It has no side effects
// beyond the classification history LLM fields.
func (p *Pipeline) Classify(ctx context.Context, ticket domain.Ticket) domain.ClassificationResult {
	aggCtx := ctx
	if p.cfg.RetrieverTimeoutSecs > 0 {
		var cancel context.CancelFunc
		aggCtx, cancel = context.WithTimeout(ctx, time.Duration(p.cfg.RetrieverTimeoutSecs)*time.Second)
		defer cancel()
	}
	ev := classify.Aggregate(aggCtx, ticket, p.reg, p.retriever, classify.AggregatorConfig{
		K:              p.cfg.RetrieverK,
		MinSimilarity:  p.cfg.MinSimilarity,
		NeighborWeight: p.cfg.NeighborWeight,
	})
	result := p.engine.Decide(ev)

	if p.reviewer != nil && result.Uncertain && result.Category != taxonomy.Fallback {
		result = p.secondOpinion(ctx, ticket, result)
	}
	return result
}

// secondOpinion is advisory: a disagreement demotes to the fallback category,
// agreement appends reasoning. Confidence is never raised and a review error
// leaves the first-pass result untouched.
func (p *Pipeline) secondOpinion(ctx context.Context, ticket domain.Ticket, result domain.ClassificationResult) domain.ClassificationResult {
	review, usage, err := p.reviewer.Review(ctx, ticket, result)
	if err != nil {
		log.Printf("triage llm review failed ticket=%d err=%v", ticket.ID, err)
		return result
	}
	log.Printf("triage llm review ticket=%d agree=%t category=%s tokens=%d",
		ticket.ID, review.Agree, review.Category, usage.TotalTokens())
	if review.Agree {
		result.Reasoning += "; llm reviewer concurs"
		return result
	}
	result.Category = taxonomy.Fallback
	result.Uncertain = true
	result.Reasoning += fmt.Sprintf("; llm reviewer disagreed (%s), demoted for manual review", review.Reasoning)
	return result
}

// buildNote renders the private comment left on the ticket: the result JSON
// plus disposition and, when mapped, a suggested response template.
func (p *Pipeline) buildNote(result domain.ClassificationResult, routing domain.RoutingDecision) (string, error) {
	body, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return "", fmt.Errorf("rendering note: %w", err)
	}
	note := fmt.Sprintf("Automated classification\n\n%s\n\nDisposition: %s\nTeam: %s",
		string(body), p.engine.Disposition(result.Confidence), routing.Team)
	if tmpl, ok := p.templates[result.Category]; ok {
		note += "\n\nSuggested response:\n" + tmpl
	}
	return note, nil
}

func dispatchTags(result domain.ClassificationResult, routing domain.RoutingDecision) []string {
	tags := []string{"triage_" + result.Category, "priority_" + routing.Priority}
	if result.Uncertain {
		tags = append(tags, "triage_uncertain")
	}
	return tags
}

func (p *Pipeline) recordClassification(ticketID int64, result domain.ClassificationResult) {
	rec := domain.ClassificationRecord{
		TicketID:   ticketID,
		Category:   result.Category,
		Confidence: result.Confidence,
		Uncertain:  result.Uncertain,
		Degraded:   result.Degraded,
	}
	if p.reviewer != nil {
		rec.LLMProvider = p.cfg.LLMProvider
		rec.LLMModel = p.reviewer.Model()
	}
	if err := sqlite.InsertClassificationRecord(p.db, rec); err != nil {
		log.Printf("triage history insert failed ticket=%d: %v", ticketID, err)
	}
}

// LoadResponseTemplates reads the category -> canned response mapping. Every
// key must be a member of the taxonomy.
func LoadResponseTemplates(path string, reg *taxonomy.Registry) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read response map: %w", err)
	}
	var file struct {
		Responses map[string]string `yaml:"responses"`
	}
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse response map: %w", err)
	}
	for category := range file.Responses {
		if err := reg.Validate(category); err != nil {
			return nil, fmt.Errorf("response map: %w", err)
		}
	}
	return file.Responses, nil
}
