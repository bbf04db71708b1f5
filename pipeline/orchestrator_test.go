package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/feedmind/feedmind/agents"
	"github.com/feedmind/feedmind/embed"
	"github.com/feedmind/feedmind/llm"
	"github.com/feedmind/feedmind/model"
	"github.com/feedmind/feedmind/store"
)

// scriptedProvider answers by system prompt so one provider serves the
// whole agent roster. Analysts call it concurrently.
type scriptedProvider struct {
	mu             sync.Mutex
	extractorJSON  string
	analystErr     error
	extractorCalls int
	analystCalls   int
	mergerCalls    int
}

func (p *scriptedProvider) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	system := ""
	for _, m := range req.Messages {
		if m.Role == "system" {
			system = m.Content
		}
	}
	switch {
	case strings.Contains(system, "atomic information units"):
		p.extractorCalls++
		return &llm.ChatResponse{Content: p.extractorJSON}, nil
	case strings.Contains(system, "fuse multiple reports"):
		p.mergerCalls++
		return &llm.ChatResponse{Content: `{"title": "fused", "content": "fused content", "credibility_score": 0.9}`}, nil
	default: // analysts
		p.analystCalls++
		if p.analystErr != nil {
			return nil, p.analystErr
		}
		return &llm.ChatResponse{Content: `{"verdict": "fine"}`}, nil
	}
}

func (p *scriptedProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return nil, fmt.Errorf("embedding not scripted")
}

func extractorJSONFor(title, content string) string {
	payload := map[string]any{
		"units": []map[string]any{{
			"type":             "fact",
			"title":            title,
			"content":          content,
			"summary":          "s",
			"information_gain": 7, "actionability": 6, "scarcity": 5, "impact_magnitude": 7,
			"importance_score": 0.7, "credibility_score": 0.6, "extraction_confidence": 0.8,
			"entity_hierarchy": []map[string]any{
				{"l1_name": "NVIDIA", "l1_role": "主角", "l3_root": "半导体芯片", "confidence": 0.9},
			},
		}},
	}
	b, _ := json.Marshal(payload)
	return string(b)
}

type testRig struct {
	store        *store.Store
	provider     *scriptedProvider
	orchestrator *Orchestrator
}

func newTestRig(t *testing.T, p *scriptedProvider) *testRig {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "pipeline.db"), 16)
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	gw := llm.NewGateway(p, llm.Config{Model: "stub", MaxTokens: 1024}, nil)
	embedder := embed.NewService(nil, 16, nil)
	o := New(st, embedder,
		agents.NewExtractor(gw, nil),
		agents.NewMerger(gw, nil),
		[]*agents.Analyst{agents.NewSkeptic(gw, nil), agents.NewEconomist(gw, nil)},
		Config{Deep: true, MaxConcurrent: 2, SimilarityThreshold: 0.99, SimilarTopK: 3},
		nil)
	return &testRig{store: st, provider: p, orchestrator: o}
}

func article(url string) *model.Article {
	return &model.Article{
		URL:         url,
		Title:       "some article",
		Content:     "article body",
		Source:      "news.example",
		PublishedAt: "2026-08-20",
	}
}

func TestProcessArticleSavesNovelUnit(t *testing.T) {
	p := &scriptedProvider{extractorJSON: extractorJSONFor("novel event", "novel content")}
	rig := newTestRig(t, p)
	ctx := context.Background()

	units, err := rig.orchestrator.ProcessArticle(ctx, article("https://a.example/1"))
	if err != nil {
		t.Fatalf("ProcessArticle: %v", err)
	}
	if len(units) != 1 {
		t.Fatalf("units = %d, want 1", len(units))
	}
	if p.analystCalls != 2 {
		t.Fatalf("analyst calls = %d, want 2", p.analystCalls)
	}

	fp := model.Fingerprint("novel event", "novel content")
	saved, err := rig.store.GetUnitByFingerprint(ctx, fp)
	if err != nil {
		t.Fatal(err)
	}
	if saved == nil {
		t.Fatal("unit not persisted")
	}
	if len(saved.Sources) != 1 || saved.Sources[0].URL != "https://a.example/1" {
		t.Fatalf("sources = %+v", saved.Sources)
	}
	if !saved.EntityProcessed {
		t.Fatal("entity_processed not set after ingest")
	}

	// Entity graph populated from the hierarchy.
	e, err := rig.store.GetEntityByName(ctx, "NVIDIA")
	if err != nil || e == nil {
		t.Fatalf("entity missing: %v", err)
	}
	mentions, err := rig.store.GetMentionsByUnit(ctx, saved.ID)
	if err != nil || len(mentions) != 1 {
		t.Fatalf("mentions = %d, %v", len(mentions), err)
	}

	// Vector stored for the semantic tier.
	st, err := rig.store.GetStats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.Vectors != 1 {
		t.Fatalf("vectors = %d, want 1", st.Vectors)
	}
}

func TestExactTierMergesAcrossArticles(t *testing.T) {
	p := &scriptedProvider{extractorJSON: extractorJSONFor("repeated event", "same content")}
	rig := newTestRig(t, p)
	ctx := context.Background()

	if _, err := rig.orchestrator.ProcessArticle(ctx, article("https://a.example/1")); err != nil {
		t.Fatal(err)
	}
	if _, err := rig.orchestrator.ProcessArticle(ctx, article("https://b.example/2")); err != nil {
		t.Fatal(err)
	}
	if p.mergerCalls != 1 {
		t.Fatalf("merger calls = %d, want 1 (second pass hits the exact tier)", p.mergerCalls)
	}

	fp := model.Fingerprint("repeated event", "same content")
	saved, err := rig.store.GetUnitByFingerprint(ctx, fp)
	if err != nil {
		t.Fatal(err)
	}
	if len(saved.Sources) != 2 {
		t.Fatalf("sources = %d, want both articles", len(saved.Sources))
	}
	if saved.MergedCount != 2 {
		t.Fatalf("merged_count = %d, want 2", saved.MergedCount)
	}
	var rows int
	if err := rig.store.DB().QueryRow("SELECT COUNT(*) FROM information_units").Scan(&rows); err != nil {
		t.Fatal(err)
	}
	if rows != 1 {
		t.Fatalf("unit rows = %d, want 1", rows)
	}
}

func TestSemanticTierConvergesOnAnchor(t *testing.T) {
	// Same title and summary, different content: the fingerprints
	// differ, so the exact tier misses, but the embedding texts are
	// identical and the semantic tier finds the earlier unit.
	p := &scriptedProvider{extractorJSON: extractorJSONFor("joint fab venture", "first wire report")}
	rig := newTestRig(t, p)
	ctx := context.Background()

	if _, err := rig.orchestrator.ProcessArticle(ctx, article("https://a.example/1")); err != nil {
		t.Fatal(err)
	}
	p.mu.Lock()
	p.extractorJSON = extractorJSONFor("joint fab venture", "second wire report")
	p.mu.Unlock()
	if _, err := rig.orchestrator.ProcessArticle(ctx, article("https://b.example/2")); err != nil {
		t.Fatal(err)
	}
	if p.mergerCalls != 1 {
		t.Fatalf("merger calls = %d, want 1 (second pass hits the semantic tier)", p.mergerCalls)
	}

	// The first unit anchors id and fingerprint; no second row exists.
	fp1 := model.Fingerprint("joint fab venture", "first wire report")
	saved, err := rig.store.GetUnitByFingerprint(ctx, fp1)
	if err != nil {
		t.Fatal(err)
	}
	if saved == nil {
		t.Fatal("anchor unit missing")
	}
	if saved.ID != model.UnitID(fp1) {
		t.Fatalf("id = %s, want anchored to the first unit", saved.ID)
	}
	if len(saved.Sources) != 2 {
		t.Fatalf("sources = %d, want both articles", len(saved.Sources))
	}
	if saved.MergedCount != 2 {
		t.Fatalf("merged_count = %d, want 2", saved.MergedCount)
	}
	fp2 := model.Fingerprint("joint fab venture", "second wire report")
	if other, err := rig.store.GetUnitByFingerprint(ctx, fp2); err != nil || other != nil {
		t.Fatalf("second fingerprint stored as its own row: %+v, %v", other, err)
	}
	var rows int
	if err := rig.store.DB().QueryRow("SELECT COUNT(*) FROM information_units").Scan(&rows); err != nil {
		t.Fatal(err)
	}
	if rows != 1 {
		t.Fatalf("unit rows = %d, want 1", rows)
	}
}

func TestAnalystFailureDoesNotBlockExtraction(t *testing.T) {
	p := &scriptedProvider{
		extractorJSON: extractorJSONFor("resilient event", "content"),
		analystErr:    &llm.APIError{StatusCode: 400, Message: "analyst down"},
	}
	rig := newTestRig(t, p)

	units, err := rig.orchestrator.ProcessArticle(context.Background(), article("https://a.example/1"))
	if err != nil {
		t.Fatalf("ProcessArticle with failing analysts: %v", err)
	}
	if len(units) != 1 {
		t.Fatalf("units = %d, want 1", len(units))
	}
	if p.extractorCalls != 1 {
		t.Fatalf("extractor calls = %d", p.extractorCalls)
	}
}

func TestProcessBatchCountsProductive(t *testing.T) {
	p := &scriptedProvider{extractorJSON: `{"units": []}`}
	rig := newTestRig(t, p)

	articles := []*model.Article{article("https://a.example/1"), article("https://b.example/2")}
	if got := rig.orchestrator.ProcessBatch(context.Background(), articles); got != 0 {
		t.Fatalf("productive = %d, want 0 for empty extractions", got)
	}

	p.extractorJSON = extractorJSONFor("batch event", "batch content")
	if got := rig.orchestrator.ProcessBatch(context.Background(), []*model.Article{article("https://c.example/3")}); got != 1 {
		t.Fatalf("productive = %d, want 1", got)
	}
}

func TestReprocessPicksUpBarrenArticles(t *testing.T) {
	p := &scriptedProvider{extractorJSON: `{"units": []}`}
	rig := newTestRig(t, p)
	ctx := context.Background()

	a := article("https://a.example/barren")
	if err := rig.store.SaveArticle(ctx, a); err != nil {
		t.Fatal(err)
	}
	if _, err := rig.orchestrator.ProcessArticle(ctx, a); err != nil {
		t.Fatal(err)
	}

	// Second run extracts successfully.
	p.extractorJSON = extractorJSONFor("recovered event", "recovered content")
	n, err := rig.orchestrator.Reprocess(ctx, 10)
	if err != nil {
		t.Fatalf("Reprocess: %v", err)
	}
	if n != 1 {
		t.Fatalf("reprocessed productive = %d, want 1", n)
	}
	saved, err := rig.store.GetUnitByFingerprint(ctx, model.Fingerprint("recovered event", "recovered content"))
	if err != nil || saved == nil {
		t.Fatalf("recovered unit missing: %v", err)
	}
}

func TestBackfillEntities(t *testing.T) {
	p := &scriptedProvider{}
	rig := newTestRig(t, p)
	ctx := context.Background()

	fp := model.Fingerprint("old unit", "old content")
	u := &model.InformationUnit{
		ID: model.UnitID(fp), Fingerprint: fp,
		Type: model.TypeFact, Title: "old unit", Content: "old content",
		Sentiment: "neutral", StateChangeType: model.StateTech,
		EntityHierarchy: []model.EntityAnchor{
			{L1Name: "TSMC", L1Role: model.RoleProtagonist, L3Root: "半导体芯片"},
		},
	}
	if err := rig.store.SaveUnit(ctx, u); err != nil {
		t.Fatal(err)
	}

	n, err := rig.orchestrator.BackfillEntities(ctx, 10)
	if err != nil {
		t.Fatalf("BackfillEntities: %v", err)
	}
	if n != 1 {
		t.Fatalf("backfilled = %d, want 1", n)
	}
	e, err := rig.store.GetEntityByName(ctx, "TSMC")
	if err != nil || e == nil {
		t.Fatalf("backfilled entity missing: %v", err)
	}
	pending, err := rig.store.GetEntityUnprocessed(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Fatalf("pending after backfill = %d", len(pending))
	}

	// Idempotent: nothing left to do.
	n, err = rig.orchestrator.BackfillEntities(ctx, 10)
	if err != nil || n != 0 {
		t.Fatalf("second backfill = %d, %v", n, err)
	}
}
