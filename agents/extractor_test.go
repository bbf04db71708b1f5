package agents

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/feedmind/feedmind/model"
)

var testArticle = &model.Article{
	URL:         "https://news.example/gpu",
	Title:       "NVIDIA announces next GPU",
	Content:     "NVIDIA announced its next datacenter GPU generation today.",
	Source:      "news.example",
	PublishedAt: "2026-08-20",
}

const extractorResponse = `{
  "units": [
    {
      "type": "EVENT",
      "title": "NVIDIA announces next datacenter GPU",
      "content": "NVIDIA announced the successor to its datacenter GPU line.",
      "summary": "New GPU generation announced.",
      "analysis_content": "Keeps the annual cadence; supply remains the bottleneck.",
      "key_insights": ["cadence holds"],
      "information_gain": "7.5",
      "actionability": 15,
      "scarcity": 0,
      "impact_magnitude": 8,
      "state_change_type": "tech",
      "entity_hierarchy": [
        {"l1_name": "NVIDIA", "l1_role": "lead", "l2_sector": "GPU", "l3_root": "芯片", "confidence": 0.9}
      ],
      "who": "NVIDIA",
      "what": "announced GPU",
      "extraction_confidence": 0.9,
      "credibility_score": 0.8,
      "importance_score": 0.7,
      "sentiment": "POSITIVE",
      "tags": ["gpu"],
      "relations": []
    },
    {
      "type": "fact",
      "title": "",
      "content": "unit without a title must be dropped"
    }
  ]
}`

func TestExtractValidatesUnits(t *testing.T) {
	gw, p := newStubGateway(func(system, user string) (string, error) {
		if !isExtractorPrompt(system) {
			t.Fatalf("unexpected system prompt: %.60s", system)
		}
		return extractorResponse, nil
	})
	e := NewExtractor(gw, nil)

	got, err := e.Extract(context.Background(), testArticle, "")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if p.calls != 1 {
		t.Fatalf("provider calls = %d, want 1", p.calls)
	}
	if len(got) != 1 {
		t.Fatalf("extractions = %d, want 1 (titleless unit dropped)", len(got))
	}

	u := got[0].Unit
	if u.Fingerprint != model.Fingerprint(u.Title, u.Content) {
		t.Fatal("fingerprint not derived from title+content")
	}
	if u.ID != model.UnitID(u.Fingerprint) {
		t.Fatalf("id = %s", u.ID)
	}
	if u.Type != model.TypeEvent {
		t.Fatalf("type = %q, want event", u.Type)
	}
	// Score coercion: strings parse, out-of-range clamps, zero defaults.
	if u.InformationGain != 7.5 {
		t.Fatalf("information_gain = %v", u.InformationGain)
	}
	if u.Actionability != 10 {
		t.Fatalf("actionability = %v, want clamped to 10", u.Actionability)
	}
	if u.Scarcity != 5 {
		t.Fatalf("scarcity = %v, want neutral default 5", u.Scarcity)
	}
	if u.StateChangeType != model.StateTech {
		t.Fatalf("state_change_type = %q, want TECH (uppercased)", u.StateChangeType)
	}
	if u.Sentiment != "positive" {
		t.Fatalf("sentiment = %q", u.Sentiment)
	}
	if len(u.Who) != 1 || u.Who[0] != "NVIDIA" {
		t.Fatalf("who = %v, want string coerced to list", u.Who)
	}
	if u.ReportTime != testArticle.PublishedAt {
		t.Fatalf("report_time = %q", u.ReportTime)
	}

	// Hierarchy normalization.
	if len(u.EntityHierarchy) != 1 {
		t.Fatalf("hierarchy = %+v", u.EntityHierarchy)
	}
	a := u.EntityHierarchy[0]
	if a.L3Root != "半导体芯片" {
		t.Fatalf("l3_root = %q, want substring-normalized root", a.L3Root)
	}
	if a.L1Role != model.RoleMentioned {
		t.Fatalf("l1_role = %q, want fallback role", a.L1Role)
	}

	// The article becomes the first source.
	if len(u.Sources) != 1 || u.Sources[0].URL != testArticle.URL {
		t.Fatalf("sources = %+v", u.Sources)
	}
	if u.Sources[0].CredibilityTier != "unrated" {
		t.Fatalf("credibility tier = %q", u.Sources[0].CredibilityTier)
	}

	// No explicit entities: derived from the hierarchy.
	if len(got[0].Entities) != 1 || got[0].Entities[0].Name != "NVIDIA" {
		t.Fatalf("entities = %+v", got[0].Entities)
	}
}

func TestExtractInvalidStateChangeDropped(t *testing.T) {
	gw, _ := newStubGateway(func(system, user string) (string, error) {
		return `{"units": [{"title": "t", "content": "c", "state_change_type": "WEATHER"}]}`, nil
	})
	got, err := NewExtractor(gw, nil).Extract(context.Background(), testArticle, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("extractions = %d", len(got))
	}
	if got[0].Unit.StateChangeType != "" {
		t.Fatalf("invalid taxonomy value kept: %q", got[0].Unit.StateChangeType)
	}
}

func TestExtractEmptyArticleYieldsNothing(t *testing.T) {
	gw, _ := newStubGateway(func(system, user string) (string, error) {
		return `{"units": []}`, nil
	})
	got, err := NewExtractor(gw, nil).Extract(context.Background(), testArticle, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("extractions = %d, want 0", len(got))
	}
}

func TestExtractProviderFailure(t *testing.T) {
	gw, _ := newStubGateway(func(system, user string) (string, error) {
		return "", errPermanent
	})
	if _, err := NewExtractor(gw, nil).Extract(context.Background(), testArticle, ""); err == nil {
		t.Fatal("expected error")
	}
}

func TestDecodeUnitsPayloadShapes(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want int
	}{
		{"envelope", `{"units": [{"title": "a"}]}`, 1},
		{"alt key", `{"information_units": [{"title": "a"}, {"title": "b"}]}`, 2},
		{"bare array", `[{"title": "a"}]`, 1},
		{"empty", ``, 0},
		{"unrelated object", `{"message": "hi"}`, 0},
	}
	for _, c := range cases {
		if got := len(decodeUnitsPayload(json.RawMessage(c.raw))); got != c.want {
			t.Errorf("%s: decoded %d units, want %d", c.name, got, c.want)
		}
	}
}

func TestAnalysisDepth(t *testing.T) {
	full := wireUnit{
		AnalysisContent:  "deep analysis " + strings.Repeat("x", 200),
		KeyInsights:      model.StringList{"one"},
		ImpactAssessment: "wide",
	}
	if got := analysisDepth(full); got != 1.0 {
		t.Fatalf("full depth = %v, want 1.0", got)
	}
	if got := analysisDepth(wireUnit{}); got != 0 {
		t.Fatalf("empty depth = %v, want 0", got)
	}
	short := wireUnit{AnalysisContent: "brief"}
	if got := analysisDepth(short); got != 0.5 {
		t.Fatalf("short analysis depth = %v, want 0.5", got)
	}
}
