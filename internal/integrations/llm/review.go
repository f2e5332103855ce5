package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"triagebot/internal/config"
	"triagebot/internal/domain"
	"triagebot/internal/httpx"
	"triagebot/internal/taxonomy"
)

const defaultAnthropicModel = "claude-sonnet-4-5-20250929"
const defaultOpenAIModel = "gpt-4o-mini"

type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

func (u Usage) TotalTokens() int64 {
	return u.InputTokens + u.OutputTokens
}

// Review is the model's second opinion on an uncertain classification. It is
// advisory: callers may demote to the fallback category or append reasoning,
// never raise confidence.
type Review struct {
	Agree     bool   `json:"agree"`
	Category  string `json:"category"`
	Reasoning string `json:"reasoning"`
}

// Reviewer asks an LLM for a second opinion on classifications that landed in
// the uncertain band.
type Reviewer struct {
	provider        string
	model           string
	anthropicAPIKey string
	openAIAPIKey    string
	registry        *taxonomy.Registry
}

func NewReviewer(cfg config.Config, reg *taxonomy.Registry) *Reviewer {
	model := cfg.LLMModel
	if model == "" {
		if cfg.LLMProvider == "openai" {
			model = defaultOpenAIModel
		} else {
			model = defaultAnthropicModel
		}
	}
	return &Reviewer{
		provider:        cfg.LLMProvider,
		model:           model,
		anthropicAPIKey: cfg.AnthropicAPIKey,
		openAIAPIKey:    cfg.OpenAIAPIKey,
		registry:        reg,
	}
}

func (r *Reviewer) Model() string { return r.model }

func (r *Reviewer) Review(ctx context.Context, t domain.Ticket, result domain.ClassificationResult) (Review, Usage, error) {
	systemPrompt := r.buildSystemPrompt()
	userPrompt := buildUserPrompt(t, result)

	var responseText string
	var usage Usage
	var err error
	if r.provider == "openai" {
		responseText, usage, err = callOpenAI(ctx, r.openAIAPIKey, r.model, systemPrompt, userPrompt)
	} else {
		responseText, usage, err = callAnthropic(ctx, r.anthropicAPIKey, r.model, systemPrompt, userPrompt)
	}
	if err != nil {
		return Review{}, usage, err
	}

	review, err := parseReview(responseText)
	if err != nil {
		return Review{}, usage, err
	}
	if review.Category != "" && !r.registry.Has(review.Category) {
		log.Printf("llm review unknown category=%s ticket=%d, treating as disagreement", review.Category, t.ID)
		review.Category = taxonomy.Fallback
	}
	return review, usage, nil
}

func (r *Reviewer) buildSystemPrompt() string {
	var b strings.Builder
	b.WriteString("You are a second reviewer for a support ticket classifier. ")
	b.WriteString("A first-pass classifier produced a low-confidence category for a ticket. ")
	b.WriteString("Decide whether you agree. Categories:\n")
	for _, def := range r.registry.Definitions() {
		b.WriteString(fmt.Sprintf("- %s: %s\n", def.Name, def.Description))
	}
	b.WriteString("\nRespond with JSON only: {\"agree\": bool, \"category\": \"<category>\", \"reasoning\": \"<one sentence>\"}")
	return b.String()
}

func buildUserPrompt(t domain.Ticket, result domain.ClassificationResult) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("Subject: %s\n\nBody:\n%s\n", t.Subject, t.Body))
	for _, msg := range t.Thread {
		b.WriteString(fmt.Sprintf("\n[%s] %s\n", msg.Role, msg.Message))
	}
	b.WriteString(fmt.Sprintf("\nFirst-pass category: %s (confidence %d)\nReasoning: %s\n",
		result.Category, result.Confidence, result.Reasoning))
	return b.String()
}

// parseReview extracts the JSON object from the response, tolerating markdown
// code fences around it.
func parseReview(text string) (Review, error) {
	text = strings.TrimSpace(text)
	if start := strings.Index(text, "{"); start >= 0 {
		if end := strings.LastIndex(text, "}"); end > start {
			text = text[start : end+1]
		}
	}
	var review Review
	if err := json.Unmarshal([]byte(text), &review); err != nil {
		return Review{}, fmt.Errorf("parsing review response: %w", err)
	}
	return review, nil
}

func callAnthropic(ctx context.Context, apiKey, model, systemPrompt, userPrompt string) (string, Usage, error) {
	client := anthropic.NewClient(option.WithAPIKey(apiKey))

	message, err := client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: 1024,
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt, CacheControl: anthropic.NewCacheControlEphemeralParam()},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt)),
		},
	})
	if err != nil {
		log.Printf("llm anthropic error: %v", err)
		return "", Usage{}, fmt.Errorf("Anthropic API error: %w", err)
	}
	usage := Usage{
		InputTokens:  message.Usage.InputTokens,
		OutputTokens: message.Usage.OutputTokens,
	}

	for _, block := range message.Content {
		if block.Type == "text" {
			log.Printf("llm anthropic response size=%d tokens_in=%d tokens_out=%d", len(block.Text), usage.InputTokens, usage.OutputTokens)
			return block.Text, usage, nil
		}
	}
	return "", usage, fmt.Errorf("no text content in Anthropic response")
}

// --- OpenAI ---

type openAIRequest struct {
	Model    string          `json:"model"`
	Messages []openAIMessage `json:"messages"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func callOpenAI(ctx context.Context, apiKey, model, systemPrompt, userPrompt string) (string, Usage, error) {
	reqBody := openAIRequest{
		Model: model,
		Messages: []openAIMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
	}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return "", Usage{}, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", "https://api.openai.com/v1/chat/completions", bytes.NewReader(bodyBytes))
	if err != nil {
		return "", Usage{}, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := httpx.ExternalHTTPClient().Do(req)
	if err != nil {
		log.Printf("llm openai error: %v", err)
		return "", Usage{}, fmt.Errorf("OpenAI API error: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", Usage{}, fmt.Errorf("reading response: %w", err)
	}

	var openAIResp openAIResponse
	if err := json.Unmarshal(respBody, &openAIResp); err != nil {
		return "", Usage{}, fmt.Errorf("parsing OpenAI response: %w", err)
	}

	if openAIResp.Error != nil {
		log.Printf("llm openai api error: %s", openAIResp.Error.Message)
		return "", Usage{}, fmt.Errorf("OpenAI API error: %s", openAIResp.Error.Message)
	}

	if len(openAIResp.Choices) == 0 {
		return "", Usage{}, fmt.Errorf("no choices in OpenAI response")
	}
	usage := Usage{}
	if openAIResp.Usage != nil {
		usage.InputTokens = openAIResp.Usage.PromptTokens
		usage.OutputTokens = openAIResp.Usage.CompletionTokens
	}

	log.Printf("llm openai response size=%d tokens_in=%d tokens_out=%d", len(openAIResp.Choices[0].Message.Content), usage.InputTokens, usage.OutputTokens)
	return openAIResp.Choices[0].Message.Content, usage, nil
}
