package feedmind

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/feedmind/feedmind/agents"
	"github.com/feedmind/feedmind/embed"
	"github.com/feedmind/feedmind/llm"
	"github.com/feedmind/feedmind/model"
	"github.com/feedmind/feedmind/pipeline"
	"github.com/feedmind/feedmind/store"
	"github.com/feedmind/feedmind/telemetry"
)

// Fetcher delivers fresh articles. Fetching feeds is a collaborator
// concern; the engine only requires that URLs are not duplicated within
// one batch.
type Fetcher interface {
	Fetch(ctx context.Context) ([]*model.Article, error)
}

// Sender hands a curated digest to the delivery collaborator (email,
// web). The engine neither formats HTML nor speaks SMTP.
type Sender interface {
	Send(ctx context.Context, digest *model.Digest) error
}

// Engine owns the full pipeline: store, gateway, agents, orchestrator
// and curator. One process owns one store.
type Engine struct {
	cfg          Config
	store        *store.Store
	recorder     *telemetry.Recorder
	gateway      *llm.Gateway
	embedder     *embed.Service
	orchestrator *pipeline.Orchestrator
	curator      *agents.Curator
	fetcher      Fetcher
	sender       Sender
	logger       *slog.Logger

	// cycleMu serializes whole cycles: the curator never runs while a
	// fetch cycle is mutating the store.
	cycleMu sync.Mutex
}

// Option customizes an Engine.
type Option func(*Engine)

// WithFetcher injects the article ingress collaborator.
func WithFetcher(f Fetcher) Option { return func(e *Engine) { e.fetcher = f } }

// WithSender injects the digest delivery collaborator.
func WithSender(s Sender) Option { return func(e *Engine) { e.sender = s } }

// WithEngineLogger overrides the default logger.
func WithEngineLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// New builds an Engine from configuration.
func New(cfg Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{cfg: cfg, logger: slog.Default()}
	for _, opt := range opts {
		opt(e)
	}

	recorder, err := telemetry.NewRecorder(cfg.Telemetry, e.logger)
	if err != nil {
		return nil, fmt.Errorf("feedmind: telemetry: %w", err)
	}
	e.recorder = recorder

	chatProvider, err := llm.NewProvider(cfg.Chat)
	if err != nil {
		recorder.Close()
		return nil, fmt.Errorf("feedmind: chat provider: %w", err)
	}
	e.gateway = llm.NewGateway(chatProvider, cfg.Chat, recorder, llm.WithLogger(e.logger))

	var embedProvider embed.Embedder
	if cfg.Embedding.Provider != "" {
		p, err := llm.NewProvider(cfg.Embedding)
		if err != nil {
			recorder.Close()
			return nil, fmt.Errorf("feedmind: embedding provider: %w", err)
		}
		embedProvider = llm.NewGateway(p, cfg.Embedding, recorder, llm.WithLogger(e.logger))
	}
	e.embedder = embed.NewService(embedProvider, cfg.EmbeddingDim, e.logger)

	st, err := store.New(cfg.resolveDBPath(), e.embedder.Dim())
	if err != nil {
		recorder.Close()
		return nil, fmt.Errorf("feedmind: opening store: %w", err)
	}
	e.store = st

	extractor := agents.NewExtractor(e.gateway, e.logger)
	merger := agents.NewMerger(e.gateway, e.logger)
	analysts := []*agents.Analyst{
		agents.NewSkeptic(e.gateway, e.logger),
		agents.NewEconomist(e.gateway, e.logger),
		agents.NewDetective(e.gateway, e.logger),
	}
	e.orchestrator = pipeline.New(st, e.embedder, extractor, merger, analysts, cfg.Pipeline, e.logger)
	e.curator = agents.NewCurator(e.gateway, cfg.Curator, e.logger)

	return e, nil
}

// CycleResult summarizes one fetch cycle.
type CycleResult struct {
	Fetched    int `json:"fetched"`
	Productive int `json:"productive"`
}

// RunCycle fetches articles and runs them through the pipeline. Cycles
// are serialized; a concurrent digest waits.
func (e *Engine) RunCycle(ctx context.Context) (*CycleResult, error) {
	if e.fetcher == nil {
		return nil, ErrNoFetcher
	}
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()

	articles, err := e.fetcher.Fetch(ctx)
	if err != nil {
		return nil, fmt.Errorf("feedmind: fetching: %w", err)
	}
	for _, a := range articles {
		if err := e.store.SaveArticle(ctx, a); err != nil {
			e.logger.Error("article_save_failed", "url", a.URL, "error", err)
		}
	}

	productive := e.orchestrator.ProcessBatch(ctx, articles)
	e.logger.Info("cycle_complete", "fetched", len(articles), "productive", productive)
	return &CycleResult{Fetched: len(articles), Productive: productive}, nil
}

// ProcessArticles runs a caller-supplied batch through the pipeline,
// persisting the articles first.
func (e *Engine) ProcessArticles(ctx context.Context, articles []*model.Article) (int, error) {
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()
	for _, a := range articles {
		if err := e.store.SaveArticle(ctx, a); err != nil {
			return 0, fmt.Errorf("feedmind: saving article %s: %w", a.URL, err)
		}
	}
	return e.orchestrator.ProcessBatch(ctx, articles), nil
}

// SendDigest curates the unsent units, emits the digest through the
// sender (when configured) and marks the selected units sent. Units are
// marked only after a successful send, so delivery failures leave them
// eligible for the next digest.
func (e *Engine) SendDigest(ctx context.Context) (*model.Digest, error) {
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()

	units, err := e.store.GetUnsentUnits(ctx, e.cfg.UnsentLimit)
	if err != nil {
		return nil, fmt.Errorf("feedmind: loading unsent units: %w", err)
	}
	if len(units) == 0 {
		return nil, ErrNothingToCurate
	}

	digest := e.curator.Curate(ctx, units)

	if hot, err := e.store.GetHotEntities(ctx, 7, 10); err == nil {
		digest.HotEntities = hot
	}

	if e.sender != nil {
		if err := e.sender.Send(ctx, digest); err != nil {
			return nil, fmt.Errorf("feedmind: sending digest: %w", err)
		}
	}

	if err := e.store.MarkSent(ctx, digest.SelectedIDs()); err != nil {
		return digest, fmt.Errorf("feedmind: marking sent: %w", err)
	}
	e.logger.Info("digest_sent",
		"top_picks", len(digest.TopPicks), "quick_reads", len(digest.QuickReads),
		"reviewed", digest.TotalReviewed)
	return digest, nil
}

// Reprocess re-runs the pipeline for articles that produced no units.
func (e *Engine) Reprocess(ctx context.Context) (int, error) {
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()
	return e.orchestrator.Reprocess(ctx, e.cfg.UnsentLimit)
}

// BackfillEntities ingests entity hierarchies of units whose entity
// processing is still pending.
func (e *Engine) BackfillEntities(ctx context.Context) (int, error) {
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()
	return e.orchestrator.BackfillEntities(ctx, 0)
}

// Stats reports row counts across the store.
func (e *Engine) Stats(ctx context.Context) (*store.Stats, error) {
	return e.store.GetStats(ctx)
}

// Store exposes the underlying store for advanced queries.
func (e *Engine) Store() *store.Store { return e.store }

// Telemetry exposes the call recorder; nil when disabled.
func (e *Engine) Telemetry() *telemetry.Recorder { return e.recorder }

// Close flushes telemetry and closes the store.
func (e *Engine) Close() error {
	var first error
	if err := e.recorder.Close(); err != nil {
		first = err
	}
	if err := e.store.Close(); err != nil && first == nil {
		first = err
	}
	return first
}
