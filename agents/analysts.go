package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/feedmind/feedmind/llm"
	"github.com/feedmind/feedmind/model"
	"github.com/feedmind/feedmind/telemetry"
)

const skepticSystemPrompt = `You are the Skeptic, a source-criticism analyst. Assess the article's trustworthiness, not its topic.

Respond with JSON only:
{
  "credibility_tier": "A" | "B" | "C" | "D",
  "credibility_score": 0-1,
  "bias_indicators": ["..."],
  "clickbait_score": 0-1,
  "unverified_claims": ["..."],
  "verdict": one paragraph
}`

const economistSystemPrompt = `You are the Economist, an impact analyst. Trace the economic consequences of the article's subject.

Respond with JSON only:
{
  "first_order_impact": "...",
  "second_order_impact": "...",
  "third_order_impact": "...",
  "affected_sectors": ["..."],
  "market_sentiment": "bullish" | "bearish" | "neutral",
  "time_horizon": "days" | "months" | "years",
  "verdict": one paragraph
}`

const detectiveSystemPrompt = `You are the Detective, a relationship analyst. Map the actors in the article and how they connect.

Respond with JSON only:
{
  "key_actors": [{"name": "...", "role": "...", "interest": "..."}],
  "relationships": [{"source": "...", "target": "...", "nature": "..."}],
  "hidden_stakeholders": ["..."],
  "open_questions": ["..."],
  "verdict": one paragraph
}`

// Analyst is one consultant: an independently-prompted LLM call whose
// report augments the extractor's context. Analyst failures never block
// extraction.
type Analyst struct {
	Name        string
	gw          *llm.Gateway
	logger      *slog.Logger
	prompt      string
	temperature float64
}

// NewSkeptic assesses source credibility and bias.
func NewSkeptic(gw *llm.Gateway, logger *slog.Logger) *Analyst {
	return newAnalyst(gw, logger, "skeptic", skepticSystemPrompt, 0.3)
}

// NewEconomist traces first, second and third-order impact.
func NewEconomist(gw *llm.Gateway, logger *slog.Logger) *Analyst {
	return newAnalyst(gw, logger, "economist", economistSystemPrompt, 0.4)
}

// NewDetective maps entity relationships and stakeholders.
func NewDetective(gw *llm.Gateway, logger *slog.Logger) *Analyst {
	return newAnalyst(gw, logger, "detective", detectiveSystemPrompt, 0.4)
}

func newAnalyst(gw *llm.Gateway, logger *slog.Logger, name, prompt string, temperature float64) *Analyst {
	if logger == nil {
		logger = slog.Default()
	}
	return &Analyst{
		Name:        name,
		gw:          gw,
		logger:      logger.With("agent", name),
		prompt:      prompt,
		temperature: temperature,
	}
}

// Analyze produces this analyst's structured report for one article.
func (a *Analyst) Analyze(ctx context.Context, article *model.Article) (json.RawMessage, error) {
	ctx = telemetry.WithAgent(ctx, a.Name)

	body := article.Content
	if len(body) > 6000 {
		body = body[:6000]
	}
	user := fmt.Sprintf("Source: %s\nTitle: %s\nPublished: %s\n\n%s",
		article.Source, article.Title, article.PublishedAt, body)

	raw, _, err := a.gw.ChatJSON(ctx, []llm.Message{
		{Role: "system", Content: a.prompt},
		{Role: "user", Content: user},
	}, llm.ChatOptions{Temperature: a.temperature})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", a.Name, err)
	}
	return raw, nil
}

// Reports maps analyst name to report. Failed analysts are simply
// absent.
type Reports map[string]json.RawMessage

// Notes renders the reports as extractor prompt context.
func (r Reports) Notes() string {
	if len(r) == 0 {
		return ""
	}
	b, err := json.Marshal(r)
	if err != nil {
		return ""
	}
	return string(b)
}
