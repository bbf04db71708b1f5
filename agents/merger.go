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

const mergerSystemPrompt = `You fuse multiple reports of the same underlying event into one canonical information unit.

You receive a JSON list of units describing the same event from different sources. Produce a single fused unit:

- title: the clearest, most complete title.
- content: fused content covering every material detail without repetition.
- summary: one line.
- analysis_content: merged analysis, richer than any single input.
- key_insights: union of the inputs' insights, deduplicated.
- credibility_score: 0-1. Independent corroboration across sources raises it above any single input.
- importance_score: 0-1, re-assessed for the fused unit.
- sentiment: "positive", "neutral" or "negative".
- impact_assessment: merged prose.

Respond with JSON only:
{"title": ..., "content": ..., "summary": ..., "analysis_content": ..., "key_insights": [...], "credibility_score": ..., "importance_score": ..., "sentiment": ..., "impact_assessment": ...}`

// Merger fuses units describing the same event into one canonical unit.
type Merger struct {
	gw          *llm.Gateway
	logger      *slog.Logger
	temperature float64
}

// NewMerger builds the merger agent.
func NewMerger(gw *llm.Gateway, logger *slog.Logger) *Merger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Merger{
		gw:          gw,
		logger:      logger.With("agent", "merger"),
		temperature: 0.2,
	}
}

type mergedPayload struct {
	Title            string           `json:"title"`
	Content          string           `json:"content"`
	Summary          string           `json:"summary"`
	AnalysisContent  string           `json:"analysis_content"`
	KeyInsights      model.StringList `json:"key_insights"`
	CredibilityScore flexFloat        `json:"credibility_score"`
	ImportanceScore  flexFloat        `json:"importance_score"`
	Sentiment        string           `json:"sentiment"`
	ImpactAssessment string           `json:"impact_assessment"`
}

// Merge fuses two or more units. The first unit's id and fingerprint
// are always preserved so downstream references stay stable. On any
// LLM failure the first unit's prose is kept verbatim; sources, tags,
// counters and the entity hierarchy are still merged locally.
func (m *Merger) Merge(ctx context.Context, units []*model.InformationUnit) *model.InformationUnit {
	if len(units) == 0 {
		return nil
	}
	base := units[0]

	merged := *base
	merged.Sources = nil
	var sourceLists [][]model.SourceReference
	tagLists := make([][]string, 0, len(units))
	insightLists := make([][]string, 0, len(units))
	merged.MergedCount = 0
	for _, u := range units {
		sourceLists = append(sourceLists, u.Sources)
		tagLists = append(tagLists, u.Tags)
		insightLists = append(insightLists, u.KeyInsights)
		count := u.MergedCount
		if count < 1 {
			count = 1
		}
		merged.MergedCount += count
	}
	merged.Sources = model.MergeSources(sourceLists...)
	merged.Tags = model.UnionStrings(tagLists...)
	merged.EntityHierarchy = dedupAnchors(units)

	if len(units) == 1 {
		return &merged
	}

	payload, err := m.fuse(ctx, units)
	if err != nil {
		m.logger.Warn("merge_fallback_to_base", "unit", base.ID, "error", err)
		return &merged
	}

	if payload.Title != "" {
		merged.Title = payload.Title
	}
	if payload.Content != "" {
		merged.Content = payload.Content
	}
	if payload.Summary != "" {
		merged.Summary = payload.Summary
	}
	if payload.AnalysisContent != "" {
		merged.AnalysisContent = payload.AnalysisContent
	}
	if len(payload.KeyInsights) > 0 {
		merged.KeyInsights = payload.KeyInsights
	} else {
		merged.KeyInsights = model.UnionStrings(insightLists...)
	}
	if payload.CredibilityScore > 0 {
		merged.CredibilityScore = model.ClampUnitInterval(float64(payload.CredibilityScore))
	}
	if payload.ImportanceScore > 0 {
		merged.ImportanceScore = model.ClampUnitInterval(float64(payload.ImportanceScore))
	}
	if payload.Sentiment != "" {
		merged.Sentiment = normalizeSentiment(payload.Sentiment)
	}
	if payload.ImpactAssessment != "" {
		merged.ImpactAssessment = payload.ImpactAssessment
	}
	return &merged
}

func (m *Merger) fuse(ctx context.Context, units []*model.InformationUnit) (*mergedPayload, error) {
	ctx = telemetry.WithAgent(ctx, "merger")

	type inputUnit struct {
		Title            string   `json:"title"`
		Content          string   `json:"content"`
		Summary          string   `json:"summary"`
		AnalysisContent  string   `json:"analysis_content"`
		KeyInsights      []string `json:"key_insights"`
		CredibilityScore float64  `json:"credibility_score"`
		ImportanceScore  float64  `json:"importance_score"`
		SourceCount      int      `json:"source_count"`
	}
	inputs := make([]inputUnit, 0, len(units))
	for _, u := range units {
		inputs = append(inputs, inputUnit{
			Title:            u.Title,
			Content:          u.Content,
			Summary:          u.Summary,
			AnalysisContent:  u.AnalysisContent,
			KeyInsights:      u.KeyInsights,
			CredibilityScore: u.CredibilityScore,
			ImportanceScore:  u.ImportanceScore,
			SourceCount:      len(u.Sources),
		})
	}
	body, err := json.Marshal(inputs)
	if err != nil {
		return nil, err
	}

	raw, _, err := m.gw.ChatJSON(ctx, []llm.Message{
		{Role: "system", Content: mergerSystemPrompt},
		{Role: "user", Content: string(body)},
	}, llm.ChatOptions{Temperature: m.temperature})
	if err != nil {
		return nil, err
	}

	var payload mergedPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("decoding merged unit: %w", err)
	}
	return &payload, nil
}

// dedupAnchors unions entity hierarchies across units, deduplicated by
// (l1_name, l3_root).
func dedupAnchors(units []*model.InformationUnit) []model.EntityAnchor {
	seen := make(map[string]bool)
	var out []model.EntityAnchor
	for _, u := range units {
		for _, a := range u.EntityHierarchy {
			key := a.L1Name + "\x00" + a.L3Root
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, a)
		}
	}
	return out
}
