package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/feedmind/feedmind/llm"
	"github.com/feedmind/feedmind/model"
	"github.com/feedmind/feedmind/telemetry"
)

const curatorSystemPrompt = `You are the curator of a daily intelligence digest. You receive candidate information units and select the ones worth a reader's time.

Score each candidate with the 4D value model, each dimension 1.0-10.0:
- information_gain (weight 0.30): does it change what a well-informed reader knows?
- actionability (weight 0.25): can the reader act on it?
- scarcity (weight 0.20): will the reader see it elsewhere anyway?
- impact_magnitude (weight 0.25): how large is the affected scope?

The total is the weighted mean. Place each candidate:
- top_picks: total >= 7.0 and genuinely must-read. At most a handful.
- quick_reads: total >= 5.5, worth a skim.
- everything else: exclude silently.

Give every pick a one-sentence reason. Write a 2-3 sentence daily_summary of the overall picture.

Respond with JSON only:
{"daily_summary": "...", "top_picks": [{"id": "...", "score": 8.2, "reason": "..."}], "quick_reads": [{"id": "...", "score": 6.1, "reason": "..."}]}`

// CuratorConfig carries the selection limits and thresholds.
type CuratorConfig struct {
	MaxTopPicks    int     `json:"max_top_picks" yaml:"max_top_picks"`
	MaxQuickReads  int     `json:"max_quick_reads" yaml:"max_quick_reads"`
	MaxTotal       int     `json:"max_total" yaml:"max_total"`
	CandidateLimit int     `json:"candidate_limit" yaml:"candidate_limit"`
	TopPickFloor   float64 `json:"top_pick_floor" yaml:"top_pick_floor"`
	QuickReadFloor float64 `json:"quick_read_floor" yaml:"quick_read_floor"`
	TitleSim       float64 `json:"title_similarity" yaml:"title_similarity"`
}

// DefaultCuratorConfig returns the standard limits.
func DefaultCuratorConfig() CuratorConfig {
	return CuratorConfig{
		MaxTopPicks:    8,
		MaxQuickReads:  15,
		MaxTotal:       20,
		CandidateLimit: 25,
		TopPickFloor:   7.0,
		QuickReadFloor: 5.5,
		TitleSim:       0.55,
	}
}

// excludedDomains are forum Q&A sources whose units are rarely digest
// material.
var excludedDomains = []string{
	"v2ex.com",
	"segmentfault.com",
	"stackoverflow.com",
	"zhihu.com/question",
}

// helpSeekingMarkers flag interrogative or help-seeking titles.
var helpSeekingMarkers = []string{
	"怎么", "如何", "为什么", "请问", "求助", "有没有",
	"how do i", "how to", "why does", "anyone know",
}

// Curator selects the digest from the unsent units.
type Curator struct {
	gw          *llm.Gateway
	logger      *slog.Logger
	cfg         CuratorConfig
	temperature float64
}

// NewCurator builds the curator agent.
func NewCurator(gw *llm.Gateway, cfg CuratorConfig, logger *slog.Logger) *Curator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxTopPicks <= 0 {
		cfg = DefaultCuratorConfig()
	}
	return &Curator{
		gw:          gw,
		logger:      logger.With("agent", "curator"),
		cfg:         cfg,
		temperature: 0.15,
	}
}

// Curate runs the deterministic pre-processing, the LLM selection and
// the hard post-filters, falling back to a pure value-score ranking
// when the model fails.
func (c *Curator) Curate(ctx context.Context, units []*model.InformationUnit) *model.Digest {
	reviewed := len(units)
	candidates := c.preprocess(units)

	digest, err := c.selectWithLLM(ctx, candidates)
	if err != nil {
		c.logger.Warn("curation_failed_using_fallback", "error", err, "candidates", len(candidates))
		digest = c.fallback(candidates)
	}
	c.enforceLimits(digest)
	digest.Date = time.Now().Format("2006-01-02")
	digest.TotalReviewed = reviewed
	digest.TotalSelected = len(digest.TopPicks) + len(digest.QuickReads)
	return digest
}

// preprocess is deterministic: exclusion filter, value-score pre-rank,
// near-duplicate removal, candidate cap.
func (c *Curator) preprocess(units []*model.InformationUnit) []*model.InformationUnit {
	kept := make([]*model.InformationUnit, 0, len(units))
	for _, u := range units {
		if c.excluded(u) {
			continue
		}
		kept = append(kept, u)
	}

	sort.SliceStable(kept, func(i, j int) bool {
		return kept[i].ValueScore() > kept[j].ValueScore()
	})

	kept = c.dedup(kept)

	if len(kept) > c.cfg.CandidateLimit {
		kept = kept[:c.cfg.CandidateLimit]
	}
	return kept
}

func (c *Curator) excluded(u *model.InformationUnit) bool {
	source := strings.ToLower(u.PrimarySource)
	for _, s := range u.Sources {
		source += " " + strings.ToLower(s.URL)
	}
	for _, domain := range excludedDomains {
		if strings.Contains(source, domain) {
			return true
		}
	}
	title := strings.ToLower(u.Title)
	for _, marker := range helpSeekingMarkers {
		if strings.Contains(title, marker) {
			return true
		}
	}
	return u.ImportanceScore < 0.5 && u.AnalysisDepthScore < 0.5
}

// dedup drops near-duplicates: strong title similarity alone, or weak
// title similarity combined with similar content openings. The unit
// with the higher depth/importance blend survives. Input must already
// be sorted by value score.
func (c *Curator) dedup(units []*model.InformationUnit) []*model.InformationUnit {
	var kept []*model.InformationUnit
	for _, u := range units {
		dup := -1
		for i, k := range kept {
			titleSim := similarityRatio(u.Title, k.Title)
			if titleSim > c.cfg.TitleSim {
				dup = i
				break
			}
			if titleSim > 0.40 && similarityRatio(head(u.Content, 200), head(k.Content, 200)) > 0.55 {
				dup = i
				break
			}
		}
		if dup == -1 {
			kept = append(kept, u)
			continue
		}
		if qualityBlend(u) > qualityBlend(kept[dup]) {
			kept[dup] = u
		}
	}
	return kept
}

func qualityBlend(u *model.InformationUnit) float64 {
	return 0.7*u.AnalysisDepthScore + 0.3*u.ImportanceScore
}

type wirePick struct {
	ID     string    `json:"id"`
	Score  flexFloat `json:"score"`
	Reason string    `json:"reason"`
}

type wireSelection struct {
	DailySummary string     `json:"daily_summary"`
	TopPicks     []wirePick `json:"top_picks"`
	QuickReads   []wirePick `json:"quick_reads"`
}

func (c *Curator) selectWithLLM(ctx context.Context, candidates []*model.InformationUnit) (*model.Digest, error) {
	if len(candidates) == 0 {
		return &model.Digest{DailySummary: "No qualifying units today."}, nil
	}
	ctx = telemetry.WithAgent(ctx, "curator")

	type candidate struct {
		ID          string   `json:"id"`
		Title       string   `json:"title"`
		Summary     string   `json:"summary"`
		KeyInsights []string `json:"key_insights"`
		ValueScore  float64  `json:"value_score"`
		Sources     int      `json:"sources"`
		Sentiment   string   `json:"sentiment"`
	}
	payload := make([]candidate, 0, len(candidates))
	byID := make(map[string]*model.InformationUnit, len(candidates))
	for _, u := range candidates {
		byID[u.ID] = u
		payload = append(payload, candidate{
			ID:          u.ID,
			Title:       u.Title,
			Summary:     u.Summary,
			KeyInsights: u.KeyInsights,
			ValueScore:  u.ValueScore(),
			Sources:     len(u.Sources),
			Sentiment:   u.Sentiment,
		})
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	raw, _, err := c.gw.ChatJSON(ctx, []llm.Message{
		{Role: "system", Content: curatorSystemPrompt},
		{Role: "user", Content: string(body)},
	}, llm.ChatOptions{Temperature: c.temperature})
	if err != nil {
		return nil, err
	}

	var sel wireSelection
	if err := json.Unmarshal(raw, &sel); err != nil {
		return nil, fmt.Errorf("decoding curator selection: %w", err)
	}

	digest := &model.Digest{DailySummary: sel.DailySummary}
	for _, p := range sel.TopPicks {
		u, ok := byID[p.ID]
		if !ok || float64(p.Score) < c.cfg.TopPickFloor {
			continue
		}
		digest.TopPicks = append(digest.TopPicks, model.CuratedPick{
			Unit: *u, Score: float64(p.Score), Reason: p.Reason,
		})
	}
	for _, p := range sel.QuickReads {
		u, ok := byID[p.ID]
		if !ok || float64(p.Score) < c.cfg.QuickReadFloor {
			continue
		}
		digest.QuickReads = append(digest.QuickReads, model.CuratedPick{
			Unit: *u, Score: float64(p.Score), Reason: p.Reason,
		})
	}
	return digest, nil
}

// fallback ranks purely by value score: the top picks slots get the
// best-scored candidates, the next twelve become quick reads.
func (c *Curator) fallback(candidates []*model.InformationUnit) *model.Digest {
	digest := &model.Digest{
		DailySummary: "Automatic selection of today's highest-value units (curator unavailable).",
	}
	topN := c.cfg.MaxTopPicks
	if topN > 8 {
		topN = 8
	}
	for i, u := range candidates {
		pick := model.CuratedPick{Unit: *u, Score: u.ValueScore(), Reason: "Ranked by value score."}
		switch {
		case i < topN:
			digest.TopPicks = append(digest.TopPicks, pick)
		case i < topN+12:
			digest.QuickReads = append(digest.QuickReads, pick)
		}
	}
	return digest
}

// enforceLimits applies the hard count caps, keeping highest scores.
func (c *Curator) enforceLimits(d *model.Digest) {
	sort.SliceStable(d.TopPicks, func(i, j int) bool { return d.TopPicks[i].Score > d.TopPicks[j].Score })
	sort.SliceStable(d.QuickReads, func(i, j int) bool { return d.QuickReads[i].Score > d.QuickReads[j].Score })

	if len(d.TopPicks) > c.cfg.MaxTopPicks {
		d.TopPicks = d.TopPicks[:c.cfg.MaxTopPicks]
	}
	if len(d.QuickReads) > c.cfg.MaxQuickReads {
		d.QuickReads = d.QuickReads[:c.cfg.MaxQuickReads]
	}
	if over := len(d.TopPicks) + len(d.QuickReads) - c.cfg.MaxTotal; over > 0 {
		if over >= len(d.QuickReads) {
			d.QuickReads = nil
		} else {
			d.QuickReads = d.QuickReads[:len(d.QuickReads)-over]
		}
	}
}
