// Package agents implements the LLM-backed agents of the pipeline:
// extractor, merger, curator and the three consultant analysts. Each
// agent owns its prompt and the validation of the model's output; all
// calls go through the llm.Gateway.
package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/feedmind/feedmind/llm"
	"github.com/feedmind/feedmind/model"
	"github.com/feedmind/feedmind/telemetry"
)

const extractorSystemPrompt = `You are an intelligence analyst. Decompose the given article into atomic information units. Each unit carries exactly one fact, event, opinion or data point that can stand on its own.

For every unit fill the full schema:

- type: one of "fact", "opinion", "event", "data".
- title: one concise sentence naming the unit.
- content: the self-contained statement of the unit.
- summary: one-line summary.
- analysis_content: your analysis of what this means and why it matters.
- key_insights: list of short insight strings.
- event_time: when the underlying event happened, free text such as "2026-01-15", empty if unknown.
- time_sensitivity: "urgent", "normal" or "evergreen".
- 4D value scores, each a number from 1.0 to 10.0:
  - information_gain: how much this changes what a well-informed reader knows.
  - actionability: how directly a reader can act on it.
  - scarcity: how unlikely the reader is to see this elsewhere.
  - impact_magnitude: how large the affected scope is.
- state_change_type: the dimension of world-state change, one of TECH, CAPITAL, REGULATION, ORG, RISK, SENTIMENT. Empty if none applies.
- state_change_subtypes: optional finer labels.
- entity_hierarchy: for each concrete entity involved, an object
  {"l1_name": entity name, "l1_role": "主角" | "配角" | "提及", "l2_sector": its sector, "l3_root": one of the root domains below, "confidence": 0-1}.
  Root domains: 人工智能, 半导体芯片, 消费电子, 云计算与数据中心, 软件与开发工具, 区块链与加密货币, 网络安全, 电商与零售, 社交媒体, 游戏与娱乐, 内容与流媒体, 金融与银行, 汽车与出行, 能源与环境, 医疗与生物科技, 制造与工业, 宏观经济, 地缘政治. Use 其他 only when nothing fits.
- who / what / when / where / why / how: the 5W1H decomposition; who is a list.
- extraction_confidence: 0-1, your confidence in this extraction.
- credibility_score: 0-1, credibility of the claim given the source.
- importance_score: 0-1.
- sentiment: "positive", "neutral" or "negative".
- impact_assessment: short prose on expected consequences.
- tags: short topical tags.
- entities: list of {"name", "type" (COMPANY/PERSON/PRODUCT/ORG/CONCEPT/LOCATION/EVENT), "aliases", "l3_root", "l2_sector", "role", "sentiment", "state_dimension", "state_delta"}.
- relations: list of {"source", "target", "relation_type", "strength" 0-1, "confidence" 0-1} where relation_type is one of parent_of, subsidiary_of, competitor, partner, peer, supplier, customer, investor, ceo_of, founder_of, employee_of.

Skip boilerplate, navigation text and pure self-promotion. An article with no substantive information yields an empty list.

Respond with JSON only:
{"units": [ ... ]}`

// Extractor turns one article into zero or more candidate units.
type Extractor struct {
	gw          *llm.Gateway
	logger      *slog.Logger
	temperature float64
}

// NewExtractor builds the extractor agent.
func NewExtractor(gw *llm.Gateway, logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{
		gw:          gw,
		logger:      logger.With("agent", "extractor"),
		temperature: 0.3,
	}
}

// Extraction is one candidate unit plus the entity graph material the
// model captured alongside it.
type Extraction struct {
	Unit      *model.InformationUnit
	Entities  []model.ExtractedEntity
	Relations []model.ExtractedRelation
}

// Extract calls the model and validates every returned unit. A response
// with nothing parseable yields no units; units are never fabricated.
func (e *Extractor) Extract(ctx context.Context, article *model.Article, analystNotes string) ([]Extraction, error) {
	ctx = telemetry.WithAgent(ctx, "extractor")

	body := article.Content
	if len(body) > 8000 {
		body = body[:8000]
	}
	user := fmt.Sprintf("Source: %s\nTitle: %s\nPublished: %s\n\n%s",
		article.Source, article.Title, article.PublishedAt, body)
	if analystNotes != "" {
		user += "\n\nConsultant analyst reports (context, not content to extract from):\n" + analystNotes
	}

	raw, _, err := e.gw.ChatJSON(ctx, []llm.Message{
		{Role: "system", Content: extractorSystemPrompt},
		{Role: "user", Content: user},
	}, llm.ChatOptions{Temperature: e.temperature})
	if err != nil {
		return nil, fmt.Errorf("extractor: %w", err)
	}

	payload := decodeUnitsPayload(raw)
	out := make([]Extraction, 0, len(payload))
	for _, wire := range payload {
		ext, ok := e.buildExtraction(wire, article)
		if !ok {
			continue
		}
		out = append(out, ext)
	}
	e.logger.Debug("units_extracted", "article", article.URL, "count", len(out))
	return out, nil
}

// wireUnit is the tolerant JSON shape of one extracted unit.
type wireUnit struct {
	Type                 string                    `json:"type"`
	Title                string                    `json:"title"`
	Content              string                    `json:"content"`
	Summary              string                    `json:"summary"`
	AnalysisContent      string                    `json:"analysis_content"`
	KeyInsights          model.StringList          `json:"key_insights"`
	EventTime            string                    `json:"event_time"`
	TimeSensitivity      string                    `json:"time_sensitivity"`
	InformationGain      flexFloat                 `json:"information_gain"`
	Actionability        flexFloat                 `json:"actionability"`
	Scarcity             flexFloat                 `json:"scarcity"`
	ImpactMagnitude      flexFloat                 `json:"impact_magnitude"`
	StateChangeType      string                    `json:"state_change_type"`
	StateChangeSubtypes  model.StringList          `json:"state_change_subtypes"`
	EntityHierarchy      []wireAnchor              `json:"entity_hierarchy"`
	Who                  model.StringList          `json:"who"`
	What                 string                    `json:"what"`
	When                 string                    `json:"when"`
	Where                string                    `json:"where"`
	Why                  string                    `json:"why"`
	How                  string                    `json:"how"`
	ExtractionConfidence flexFloat                 `json:"extraction_confidence"`
	CredibilityScore     flexFloat                 `json:"credibility_score"`
	ImportanceScore      flexFloat                 `json:"importance_score"`
	Sentiment            string                    `json:"sentiment"`
	ImpactAssessment     string                    `json:"impact_assessment"`
	Tags                 model.StringList          `json:"tags"`
	Entities             []model.ExtractedEntity   `json:"entities"`
	Relations            []model.ExtractedRelation `json:"relations"`
}

type wireAnchor struct {
	L1Name     string    `json:"l1_name"`
	L1Role     string    `json:"l1_role"`
	L2Sector   string    `json:"l2_sector"`
	L3Root     string    `json:"l3_root"`
	Confidence flexFloat `json:"confidence"`
}

func decodeUnitsPayload(raw json.RawMessage) []wireUnit {
	if len(raw) == 0 {
		return nil
	}
	var envelope struct {
		Units            []wireUnit `json:"units"`
		InformationUnits []wireUnit `json:"information_units"`
	}
	if err := json.Unmarshal(raw, &envelope); err == nil {
		if len(envelope.Units) > 0 {
			return envelope.Units
		}
		if len(envelope.InformationUnits) > 0 {
			return envelope.InformationUnits
		}
	}
	// Some models return the list directly.
	var list []wireUnit
	if err := json.Unmarshal(raw, &list); err == nil {
		return list
	}
	return nil
}

func (e *Extractor) buildExtraction(w wireUnit, article *model.Article) (Extraction, bool) {
	title := strings.TrimSpace(w.Title)
	content := strings.TrimSpace(w.Content)
	if title == "" || content == "" {
		return Extraction{}, false
	}

	fingerprint := model.Fingerprint(title, content)
	u := &model.InformationUnit{
		ID:              model.UnitID(fingerprint),
		Fingerprint:     fingerprint,
		Type:            normalizeUnitType(w.Type),
		Title:           title,
		Content:         content,
		Summary:         strings.TrimSpace(w.Summary),
		AnalysisContent: strings.TrimSpace(w.AnalysisContent),
		KeyInsights:     w.KeyInsights,

		EventTime:       strings.TrimSpace(w.EventTime),
		ReportTime:      article.PublishedAt,
		TimeSensitivity: normalizeSensitivity(w.TimeSensitivity),

		InformationGain: model.ClampScore(float64(w.InformationGain)),
		Actionability:   model.ClampScore(float64(w.Actionability)),
		Scarcity:        model.ClampScore(float64(w.Scarcity)),
		ImpactMagnitude: model.ClampScore(float64(w.ImpactMagnitude)),

		StateChangeSubtypes: w.StateChangeSubtypes,

		Who:   w.Who,
		What:  w.What,
		When:  w.When,
		Where: w.Where,
		Why:   w.Why,
		How:   w.How,

		PrimarySource:        article.Source,
		ExtractionConfidence: model.ClampUnitInterval(float64(w.ExtractionConfidence)),
		AnalysisDepthScore:   analysisDepth(w),
		CredibilityScore:     model.ClampUnitInterval(float64(w.CredibilityScore)),
		ImportanceScore:      model.ClampUnitInterval(float64(w.ImportanceScore)),
		Sentiment:            normalizeSentiment(w.Sentiment),
		ImpactAssessment:     strings.TrimSpace(w.ImpactAssessment),
		Tags:                 w.Tags,

		MergedCount: 1,
	}

	// Invalid taxonomy values are dropped, not guessed.
	sct := model.StateChangeType(strings.ToUpper(strings.TrimSpace(w.StateChangeType)))
	if model.ValidStateChange(sct) {
		u.StateChangeType = sct
	}

	for _, a := range w.EntityHierarchy {
		if strings.TrimSpace(a.L1Name) == "" {
			continue
		}
		u.EntityHierarchy = append(u.EntityHierarchy, model.EntityAnchor{
			L1Name:     strings.TrimSpace(a.L1Name),
			L1Role:     model.NormalizeRole(a.L1Role),
			L2Sector:   strings.TrimSpace(a.L2Sector),
			L3Root:     model.NormalizeRoot(a.L3Root),
			Confidence: model.ClampUnitInterval(float64(a.Confidence)),
		})
	}

	u.AddSource(model.SourceReference{
		URL:             article.URL,
		Title:           article.Title,
		SourceName:      article.Source,
		PublishedAt:     article.PublishedAt,
		Excerpt:         head(content, 200),
		CredibilityTier: "unrated",
	})

	entities := w.Entities
	if len(entities) == 0 {
		entities = model.EntitiesFromAnchors(u.EntityHierarchy, u.Sentiment, u.StateChangeType)
	}
	for i := range entities {
		entities[i].L3Root = model.NormalizeRoot(entities[i].L3Root)
	}

	return Extraction{Unit: u, Entities: entities, Relations: w.Relations}, true
}

// analysisDepth scores how much analytical substance the extraction
// carries, in [0, 1].
func analysisDepth(w wireUnit) float64 {
	depth := 0.0
	if strings.TrimSpace(w.AnalysisContent) != "" {
		depth += 0.5
		if len(w.AnalysisContent) > 200 {
			depth += 0.2
		}
	}
	if len(w.KeyInsights) > 0 {
		depth += 0.2
	}
	if strings.TrimSpace(w.ImpactAssessment) != "" {
		depth += 0.1
	}
	return model.ClampUnitInterval(depth)
}

func normalizeUnitType(t string) model.InformationType {
	switch model.InformationType(strings.ToLower(strings.TrimSpace(t))) {
	case model.TypeOpinion:
		return model.TypeOpinion
	case model.TypeEvent:
		return model.TypeEvent
	case model.TypeData:
		return model.TypeData
	default:
		return model.TypeFact
	}
}

func normalizeSensitivity(t string) model.TimeSensitivity {
	switch model.TimeSensitivity(strings.ToLower(strings.TrimSpace(t))) {
	case model.SensitivityUrgent:
		return model.SensitivityUrgent
	case model.SensitivityEvergreen:
		return model.SensitivityEvergreen
	default:
		return model.SensitivityNormal
	}
}

func normalizeSentiment(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "positive":
		return "positive"
	case "negative":
		return "negative"
	default:
		return "neutral"
	}
}

// flexFloat tolerates numbers arriving as JSON numbers or numeric
// strings; anything else decodes to zero (callers apply defaults).
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(data []byte) error {
	s := strings.Trim(strings.TrimSpace(string(data)), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		*f = 0
		return nil
	}
	*f = flexFloat(v)
	return nil
}

func head(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
