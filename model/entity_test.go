package model

import (
	"strings"
	"testing"
)

func TestNormalizeEntityType(t *testing.T) {
	cases := []struct {
		in   string
		want EntityType
	}{
		{"COMPANY", EntityCompany},
		{"person", EntityPerson},
		{" Product ", EntityProduct},
		{"galaxy", EntityConcept},
		{"", EntityConcept},
	}
	for _, c := range cases {
		if got := NormalizeEntityType(c.in); got != c.want {
			t.Errorf("NormalizeEntityType(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestValidRelation(t *testing.T) {
	for _, r := range []RelationType{RelParentOf, RelSubsidiaryOf, RelCompetitor, RelPartner,
		RelPeer, RelSupplier, RelCustomer, RelInvestor, RelCEOOf, RelFounderOf, RelEmployeeOf} {
		if !ValidRelation(r) {
			t.Errorf("ValidRelation(%q) = false", r)
		}
	}
	if ValidRelation("frenemy_of") {
		t.Error("ValidRelation accepted an unknown edge type")
	}
}

func TestEntitiesFromAnchors(t *testing.T) {
	anchors := []EntityAnchor{
		{L1Name: "NVIDIA", L1Role: RoleProtagonist, L2Sector: "GPU", L3Root: "半导体芯片"},
		{L1Name: "  ", L1Role: RoleMentioned},
		{L1Name: "TSMC", L1Role: RoleSupporting, L3Root: "半导体芯片"},
	}
	got := EntitiesFromAnchors(anchors, "positive", StateTech)
	if len(got) != 2 {
		t.Fatalf("derived %d entities, want 2 (blank name skipped)", len(got))
	}
	if got[0].Name != "NVIDIA" || got[0].Role != RoleProtagonist {
		t.Fatalf("first entity = %+v", got[0])
	}
	if got[0].Sentiment != "positive" || got[0].StateDimension != string(StateTech) {
		t.Fatalf("sentiment/state not propagated: %+v", got[0])
	}
}

func TestNormalizeAlias(t *testing.T) {
	if got := NormalizeAlias("  OpenAI "); got != "openai" {
		t.Fatalf("NormalizeAlias = %q, want openai", got)
	}
}

func TestIDConstructors(t *testing.T) {
	e, m, r := NewEntityID(), NewMentionID(), NewRelationID()
	if !strings.HasPrefix(e, "entity_") || !strings.HasPrefix(m, "mention_") || !strings.HasPrefix(r, "rel_") {
		t.Fatalf("id prefixes wrong: %s %s %s", e, m, r)
	}
	if NewEntityID() == e {
		t.Fatal("entity ids should be unique")
	}
}
