// Package pipeline drives the per-article workflow: consultant
// analysts, extraction, the two-tier (exact + semantic) merge loop,
// persistence and entity-graph ingest, with bounded fan-out across
// articles.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/feedmind/feedmind/agents"
	"github.com/feedmind/feedmind/embed"
	"github.com/feedmind/feedmind/model"
	"github.com/feedmind/feedmind/store"
	"github.com/feedmind/feedmind/telemetry"
)

// Config bounds the orchestrator.
type Config struct {
	// Deep enables the consultant analysts before extraction.
	Deep bool `json:"deep" yaml:"deep"`
	// MaxConcurrent caps concurrent article pipelines.
	MaxConcurrent int `json:"max_concurrent" yaml:"max_concurrent"`
	// SimilarityThreshold gates the semantic dedup tier.
	SimilarityThreshold float64 `json:"similarity_threshold" yaml:"similarity_threshold"`
	// SimilarTopK is the semantic search fan-in.
	SimilarTopK int `json:"similar_top_k" yaml:"similar_top_k"`
	// ArticleTimeout bounds one article's whole pipeline.
	ArticleTimeout time.Duration `json:"article_timeout" yaml:"article_timeout"`
}

// DefaultConfig returns the standard orchestrator bounds.
func DefaultConfig() Config {
	return Config{
		Deep:                true,
		MaxConcurrent:       5,
		SimilarityThreshold: 0.60,
		SimilarTopK:         3,
		ArticleTimeout:      5 * time.Minute,
	}
}

// Orchestrator wires the agents to the store.
type Orchestrator struct {
	store     *store.Store
	embedder  *embed.Service
	extractor *agents.Extractor
	merger    *agents.Merger
	analysts  []*agents.Analyst
	logger    *slog.Logger
	cfg       Config
}

// New builds an orchestrator. analysts may be empty; Deep mode then
// degrades to plain extraction.
func New(st *store.Store, embedder *embed.Service, extractor *agents.Extractor, merger *agents.Merger, analysts []*agents.Analyst, cfg Config, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultConfig().MaxConcurrent
	}
	if cfg.SimilarityThreshold <= 0 {
		cfg.SimilarityThreshold = DefaultConfig().SimilarityThreshold
	}
	if cfg.SimilarTopK <= 0 {
		cfg.SimilarTopK = DefaultConfig().SimilarTopK
	}
	if cfg.ArticleTimeout <= 0 {
		cfg.ArticleTimeout = DefaultConfig().ArticleTimeout
	}
	return &Orchestrator{
		store:     st,
		embedder:  embedder,
		extractor: extractor,
		merger:    merger,
		analysts:  analysts,
		logger:    logger.With("component", "pipeline"),
		cfg:       cfg,
	}
}

// ProcessBatch runs article pipelines with bounded concurrency. Failed
// articles are logged and skipped; the batch never aborts. Returns the
// number of articles that produced at least one unit.
func (o *Orchestrator) ProcessBatch(ctx context.Context, articles []*model.Article) int {
	sem := make(chan struct{}, o.cfg.MaxConcurrent)
	var wg sync.WaitGroup
	var mu sync.Mutex
	productive := 0

	for i, article := range articles {
		select {
		case <-ctx.Done():
			o.logger.Info("batch_cancelled", "remaining", len(articles)-i)
			wg.Wait()
			return productive
		case sem <- struct{}{}:
		}

		wg.Add(1)
		go func(a *model.Article) {
			defer wg.Done()
			defer func() { <-sem }()

			articleCtx, cancel := context.WithTimeout(ctx, o.cfg.ArticleTimeout)
			defer cancel()

			units, err := o.ProcessArticle(articleCtx, a)
			if err != nil {
				o.logger.Error("article_analysis_failed", "url", a.URL, "error", err)
				return
			}
			if len(units) > 0 {
				mu.Lock()
				productive++
				mu.Unlock()
			}
		}(article)
	}
	wg.Wait()
	return productive
}

// ProcessArticle runs one article through the full pipeline and returns
// the final (merged or novel) units. Candidates are processed
// sequentially so two candidates from the same article cannot both
// create a novel unit for the same event.
func (o *Orchestrator) ProcessArticle(ctx context.Context, article *model.Article) ([]*model.InformationUnit, error) {
	ctx = telemetry.WithSession(ctx, telemetry.NewSessionID())

	var notes string
	if o.cfg.Deep && len(o.analysts) > 0 {
		notes = o.runAnalysts(ctx, article).Notes()
	}

	extractions, err := o.extractor.Extract(ctx, article, notes)
	if err != nil {
		return nil, fmt.Errorf("extracting %s: %w", article.URL, err)
	}
	if len(extractions) == 0 {
		// Persisted article without units; eligible for reprocess.
		o.logger.Info("no_units_extracted", "url", article.URL)
		return nil, nil
	}

	final := make([]*model.InformationUnit, 0, len(extractions))
	for _, ext := range extractions {
		u, err := o.ingest(ctx, ext)
		if err != nil {
			o.logger.Error("unit_ingest_failed", "url", article.URL, "title", ext.Unit.Title, "error", err)
			continue
		}
		final = append(final, u)
	}
	return final, nil
}

// runAnalysts fans out to the consultants in parallel with
// continue-on-error semantics: a failed analyst is simply absent from
// the reports.
func (o *Orchestrator) runAnalysts(ctx context.Context, article *model.Article) agents.Reports {
	reports := make(agents.Reports, len(o.analysts))
	var wg sync.WaitGroup
	var mu sync.Mutex

	for _, analyst := range o.analysts {
		wg.Add(1)
		go func(a *agents.Analyst) {
			defer wg.Done()
			report, err := a.Analyze(ctx, article)
			if err != nil {
				o.logger.Warn("analyst_failed", "analyst", a.Name, "url", article.URL, "error", err)
				return
			}
			mu.Lock()
			reports[a.Name] = report
			mu.Unlock()
		}(analyst)
	}
	wg.Wait()
	return reports
}

// ingest runs the two-tier merge loop for one candidate and persists
// the outcome: exact fingerprint match first, then semantic search,
// else the candidate is saved as a novel unit. The entity material is
// ingested into the graph afterwards.
func (o *Orchestrator) ingest(ctx context.Context, ext agents.Extraction) (*model.InformationUnit, error) {
	u := ext.Unit

	final, err := o.mergeOrInsert(ctx, u)
	if err != nil {
		return nil, err
	}

	if err := o.store.SaveUnit(ctx, final); err != nil {
		return nil, fmt.Errorf("saving unit %s: %w", final.ID, err)
	}

	vec, err := o.embedder.Embed(ctx, queryText(final))
	if err == nil {
		if err := o.store.UpsertUnitVector(ctx, final.Fingerprint, vec); err != nil {
			o.logger.Warn("vector_upsert_failed", "unit", final.ID, "error", err)
		}
	}

	if err := o.store.ProcessExtracted(ctx, final.ID, ext.Entities, ext.Relations, u.EventTime); err != nil {
		o.logger.Warn("entity_ingest_failed", "unit", final.ID, "error", err)
		return final, nil
	}
	if err := o.store.MarkEntityProcessed(ctx, final.ID); err != nil {
		return final, err
	}
	return final, nil
}

func (o *Orchestrator) mergeOrInsert(ctx context.Context, u *model.InformationUnit) (*model.InformationUnit, error) {
	// Exact tier.
	existing, err := o.store.GetUnitByFingerprint(ctx, u.Fingerprint)
	if err != nil {
		return nil, fmt.Errorf("fingerprint lookup: %w", err)
	}
	if existing != nil {
		o.logger.Info("unit_merged_exact", "unit", existing.ID, "sources", len(existing.Sources))
		return o.merger.Merge(ctx, []*model.InformationUnit{existing, u}), nil
	}

	// Semantic tier.
	vec, err := o.embedder.Embed(ctx, queryText(u))
	if err != nil {
		return u, nil
	}
	similar, err := o.store.FindSimilarUnits(ctx, vec, o.cfg.SimilarTopK, o.cfg.SimilarityThreshold, u.Fingerprint)
	if err != nil {
		return nil, fmt.Errorf("semantic search: %w", err)
	}
	if len(similar) == 0 {
		return u, nil
	}

	inputs := make([]*model.InformationUnit, 0, len(similar)+1)
	for _, s := range similar {
		inputs = append(inputs, s.Unit)
	}
	inputs = append(inputs, u)
	o.logger.Info("unit_merged_semantic",
		"unit", similar[0].Unit.ID, "score", similar[0].Score, "inputs", len(inputs))
	// The first similar unit anchors id and fingerprint.
	return o.merger.Merge(ctx, inputs), nil
}

// queryText builds the embedding text for a unit: title, summary and
// the top insights.
func queryText(u *model.InformationUnit) string {
	parts := []string{u.Title, u.Summary}
	for i, ins := range u.KeyInsights {
		if i == 3 {
			break
		}
		parts = append(parts, ins)
	}
	return strings.TrimSpace(strings.Join(parts, " "))
}

// Reprocess re-runs extraction for articles that were persisted but
// produced no units.
func (o *Orchestrator) Reprocess(ctx context.Context, limit int) (int, error) {
	articles, err := o.store.GetArticlesWithoutUnits(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("finding reprocess candidates: %w", err)
	}
	if len(articles) == 0 {
		return 0, nil
	}
	o.logger.Info("reprocessing_articles", "count", len(articles))
	return o.ProcessBatch(ctx, articles), nil
}

// BackfillEntities ingests the entity hierarchy of units saved before
// entity processing existed (or whose ingest failed), then flips their
// flag.
func (o *Orchestrator) BackfillEntities(ctx context.Context, limit int) (int, error) {
	units, err := o.store.GetEntityUnprocessed(ctx, limit)
	if err != nil {
		return 0, err
	}
	done := 0
	for _, u := range units {
		if err := ctx.Err(); err != nil {
			return done, err
		}
		entities := model.EntitiesFromAnchors(u.EntityHierarchy, u.Sentiment, u.StateChangeType)
		if err := o.store.ProcessExtracted(ctx, u.ID, entities, nil, u.EventTime); err != nil {
			o.logger.Warn("entity_backfill_failed", "unit", u.ID, "error", err)
			continue
		}
		if err := o.store.MarkEntityProcessed(ctx, u.ID); err != nil {
			return done, err
		}
		done++
	}
	return done, nil
}
