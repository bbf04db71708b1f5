package store

import (
	"context"
	"testing"
	"time"

	"github.com/feedmind/feedmind/model"
)

func TestRegisterAndResolve(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	e := &model.Entity{CanonicalName: "NVIDIA Corporation", Type: model.EntityCompany, L3Root: "半导体芯片"}
	if err := s.RegisterEntity(ctx, e, []string{"NVIDIA", "英伟达"}); err != nil {
		t.Fatalf("RegisterEntity: %v", err)
	}
	if e.ID == "" {
		t.Fatal("entity id not assigned")
	}

	// Exact alias hit, case-insensitive.
	id, err := s.ResolveAlias(ctx, "nvidia")
	if err != nil || id != e.ID {
		t.Fatalf("ResolveAlias(nvidia) = %q, %v; want %q", id, err, e.ID)
	}
	// Substring hit.
	id, err = s.ResolveAlias(ctx, "NVIDIA Corp")
	if err != nil || id != e.ID {
		t.Fatalf("ResolveAlias(NVIDIA Corp) = %q, %v", id, err)
	}
	// Miss.
	id, err = s.ResolveAlias(ctx, "completely unrelated")
	if err != nil || id != "" {
		t.Fatalf("ResolveAlias(miss) = %q, %v; want empty", id, err)
	}

	aliases, err := s.GetAliases(ctx, e.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(aliases) != 3 {
		t.Fatalf("aliases = %d, want 3 (canonical + 2)", len(aliases))
	}
	if !aliases[0].IsPrimary {
		t.Fatal("canonical alias should be primary and sorted first")
	}

	got, err := s.GetEntityByName(ctx, "英伟达")
	if err != nil || got == nil || got.ID != e.ID {
		t.Fatalf("GetEntityByName = %+v, %v", got, err)
	}
}

func TestAliasCollisionKeepsOwner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := &model.Entity{CanonicalName: "Apple", Type: model.EntityCompany}
	if err := s.RegisterEntity(ctx, first, nil); err != nil {
		t.Fatal(err)
	}
	second := &model.Entity{CanonicalName: "Apple Records", Type: model.EntityCompany}
	if err := s.RegisterEntity(ctx, second, []string{"Apple"}); err != nil {
		t.Fatal(err)
	}
	id, err := s.ResolveAlias(ctx, "Apple")
	if err != nil || id != first.ID {
		t.Fatalf("claimed alias moved: got %q, want %q", id, first.ID)
	}
}

func TestRecordMentionBumpsCounters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	e := &model.Entity{CanonicalName: "OpenAI", Type: model.EntityCompany}
	if err := s.RegisterEntity(ctx, e, nil); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		m := &model.EntityMention{EntityID: e.ID, UnitID: "iu_test", Role: model.RoleProtagonist}
		if err := s.RecordMention(ctx, m); err != nil {
			t.Fatalf("RecordMention: %v", err)
		}
	}
	got, err := s.GetEntity(ctx, e.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.MentionCount != 3 {
		t.Fatalf("mention_count = %d, want 3", got.MentionCount)
	}
	if got.FirstMentioned.IsZero() || got.LastMentioned.IsZero() {
		t.Fatal("mention timestamps not set")
	}

	mentions, err := s.GetMentionsByEntity(ctx, e.ID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(mentions) != 3 {
		t.Fatalf("mentions = %d, want 3", len(mentions))
	}
}

func TestAddRelationMergesEvidence(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	src := &model.Entity{CanonicalName: "Alphabet", Type: model.EntityCompany}
	dst := &model.Entity{CanonicalName: "Google", Type: model.EntityCompany}
	for _, e := range []*model.Entity{src, dst} {
		if err := s.RegisterEntity(ctx, e, nil); err != nil {
			t.Fatal(err)
		}
	}

	first := &model.EntityRelation{
		SourceID: src.ID, TargetID: dst.ID, RelationType: model.RelParentOf,
		Strength: 0.8, Confidence: 0.9, EvidenceUnitIDs: []string{"iu_a"},
	}
	if err := s.AddRelation(ctx, first); err != nil {
		t.Fatalf("AddRelation: %v", err)
	}
	second := &model.EntityRelation{
		SourceID: src.ID, TargetID: dst.ID, RelationType: model.RelParentOf,
		Strength: 0.9, Confidence: 0.95, EvidenceUnitIDs: []string{"iu_b", "iu_a"},
	}
	if err := s.AddRelation(ctx, second); err != nil {
		t.Fatalf("second AddRelation: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("repeated edge created a new row: %s vs %s", second.ID, first.ID)
	}

	rels, err := s.GetRelations(ctx, src.ID, DirectionOut)
	if err != nil {
		t.Fatal(err)
	}
	if len(rels) != 1 {
		t.Fatalf("relations = %d, want 1", len(rels))
	}
	r := rels[0]
	if len(r.EvidenceUnitIDs) != 2 {
		t.Fatalf("evidence = %v, want union of iu_a and iu_b", r.EvidenceUnitIDs)
	}
	if r.Strength != 0.9 {
		t.Fatalf("strength = %v, want newest observation", r.Strength)
	}
}

func TestAddRelationRejectsUnknownType(t *testing.T) {
	s := newTestStore(t)
	err := s.AddRelation(context.Background(), &model.EntityRelation{
		SourceID: "e1", TargetID: "e2", RelationType: "arch_nemesis",
	})
	if err == nil {
		t.Fatal("invalid relation type accepted")
	}
}

func TestProcessExtracted(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	entities := []model.ExtractedEntity{
		{Name: "Microsoft", Type: "COMPANY", Aliases: model.StringList{"MSFT"}, L3Root: "软件与开发工具", Role: model.RoleProtagonist, Sentiment: "positive"},
		{Name: "Satya Nadella", Type: "PERSON", Role: model.RoleSupporting},
	}
	relations := []model.ExtractedRelation{
		{SourceName: "Satya Nadella", TargetName: "Microsoft", RelationType: "ceo_of", Strength: 0.9, Confidence: 0.95},
		{SourceName: "Satya Nadella", TargetName: "Unknown Corp", RelationType: "ceo_of"}, // unresolved endpoint
		{SourceName: "Microsoft", TargetName: "Satya Nadella", RelationType: "owns"},      // invalid vocab
	}
	if err := s.ProcessExtracted(ctx, "iu_unit1", entities, relations, "2026-08-01"); err != nil {
		t.Fatalf("ProcessExtracted: %v", err)
	}

	ms, err := s.GetEntityByName(ctx, "MSFT")
	if err != nil || ms == nil {
		t.Fatalf("alias lookup after ingest: %+v, %v", ms, err)
	}
	if ms.Type != model.EntityCompany || ms.L3Root != "软件与开发工具" {
		t.Fatalf("entity = %+v", ms)
	}

	mentions, err := s.GetMentionsByUnit(ctx, "iu_unit1")
	if err != nil {
		t.Fatal(err)
	}
	if len(mentions) != 2 {
		t.Fatalf("mentions = %d, want 2", len(mentions))
	}

	person, err := s.GetEntityByName(ctx, "Satya Nadella")
	if err != nil || person == nil {
		t.Fatal(err)
	}
	rels, err := s.GetRelations(ctx, person.ID, DirectionOut)
	if err != nil {
		t.Fatal(err)
	}
	if len(rels) != 1 || rels[0].RelationType != model.RelCEOOf {
		t.Fatalf("relations = %+v, want only the valid ceo_of edge", rels)
	}

	// Re-ingest from a second unit resolves instead of duplicating.
	if err := s.ProcessExtracted(ctx, "iu_unit2", entities[:1], nil, ""); err != nil {
		t.Fatal(err)
	}
	found, err := s.SearchEntities(ctx, "Microsoft", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(found) != 1 {
		t.Fatalf("entities named Microsoft = %d, want 1", len(found))
	}
	if found[0].MentionCount != 2 {
		t.Fatalf("mention_count = %d, want 2", found[0].MentionCount)
	}
}

func TestGetEntityTimeline(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u := testUnit("timeline unit", "content")
	if err := s.SaveUnit(ctx, u); err != nil {
		t.Fatal(err)
	}
	e := &model.Entity{CanonicalName: "Tesla", Type: model.EntityCompany}
	if err := s.RegisterEntity(ctx, e, nil); err != nil {
		t.Fatal(err)
	}
	m := &model.EntityMention{EntityID: e.ID, UnitID: u.ID, Role: model.RoleProtagonist, EventTime: "2026-08-20"}
	if err := s.RecordMention(ctx, m); err != nil {
		t.Fatal(err)
	}

	timeline, err := s.GetEntityTimeline(ctx, e.ID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(timeline) != 1 {
		t.Fatalf("timeline = %d entries, want 1", len(timeline))
	}
	if timeline[0].UnitTitle != "timeline unit" || timeline[0].EventTime != "2026-08-20" {
		t.Fatalf("timeline entry = %+v", timeline[0])
	}
}

func TestGetHotEntities(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	rising := &model.Entity{CanonicalName: "Anthropic", Type: model.EntityCompany}
	fresh := &model.Entity{CanonicalName: "NewCo", Type: model.EntityCompany}
	stale := &model.Entity{CanonicalName: "OldCo", Type: model.EntityCompany}
	for _, e := range []*model.Entity{rising, fresh, stale} {
		if err := s.RegisterEntity(ctx, e, nil); err != nil {
			t.Fatal(err)
		}
	}

	record := func(entityID string, at time.Time, n int) {
		t.Helper()
		for i := 0; i < n; i++ {
			m := &model.EntityMention{EntityID: entityID, UnitID: "iu_x", CreatedAt: at}
			if err := s.RecordMention(ctx, m); err != nil {
				t.Fatal(err)
			}
		}
	}
	// rising: 1 mention in the previous window, 5 in the recent one.
	record(rising.ID, now.AddDate(0, 0, -10), 1)
	record(rising.ID, now.AddDate(0, 0, -1), 5)
	// fresh: recent only.
	record(fresh.ID, now.AddDate(0, 0, -2), 2)
	// stale: previous window only; must not appear.
	record(stale.ID, now.AddDate(0, 0, -10), 4)

	hot, err := s.GetHotEntities(ctx, 7, 10)
	if err != nil {
		t.Fatalf("GetHotEntities: %v", err)
	}
	byName := map[string]model.HotEntity{}
	for _, h := range hot {
		byName[h.Entity.CanonicalName] = h
	}
	if _, ok := byName["OldCo"]; ok {
		t.Fatal("entity with no recent mentions reported as hot")
	}

	r, ok := byName["Anthropic"]
	if !ok {
		t.Fatal("rising entity missing")
	}
	if r.Trend != "up" || r.RecentCount != 5 || r.PreviousCount != 1 {
		t.Fatalf("rising = %+v, want trend up 5/1", r)
	}
	if r.ChangePct != 400 {
		t.Fatalf("change pct = %v, want 400", r.ChangePct)
	}

	f, ok := byName["NewCo"]
	if !ok {
		t.Fatal("fresh entity missing")
	}
	if f.Trend != "new" || f.ChangePct != 100 {
		t.Fatalf("fresh = %+v, want trend new", f)
	}
}
