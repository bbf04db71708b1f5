package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// EntityType classifies a node of the entity graph.
type EntityType string

const (
	EntityCompany  EntityType = "COMPANY"
	EntityPerson   EntityType = "PERSON"
	EntityProduct  EntityType = "PRODUCT"
	EntityOrg      EntityType = "ORG"
	EntityConcept  EntityType = "CONCEPT"
	EntityLocation EntityType = "LOCATION"
	EntityEvent    EntityType = "EVENT"
)

var entityTypes = map[EntityType]bool{
	EntityCompany:  true,
	EntityPerson:   true,
	EntityProduct:  true,
	EntityOrg:      true,
	EntityConcept:  true,
	EntityLocation: true,
	EntityEvent:    true,
}

// NormalizeEntityType coerces a free-form type string onto the fixed
// vocabulary, defaulting to CONCEPT.
func NormalizeEntityType(t string) EntityType {
	et := EntityType(strings.ToUpper(strings.TrimSpace(t)))
	if entityTypes[et] {
		return et
	}
	return EntityConcept
}

// RelationType is a directed edge type between two entities.
type RelationType string

const (
	RelParentOf     RelationType = "parent_of"
	RelSubsidiaryOf RelationType = "subsidiary_of"
	RelCompetitor   RelationType = "competitor"
	RelPartner      RelationType = "partner"
	RelPeer         RelationType = "peer"
	RelSupplier     RelationType = "supplier"
	RelCustomer     RelationType = "customer"
	RelInvestor     RelationType = "investor"
	RelCEOOf        RelationType = "ceo_of"
	RelFounderOf    RelationType = "founder_of"
	RelEmployeeOf   RelationType = "employee_of"
)

var relationTypes = map[RelationType]bool{
	RelParentOf:     true,
	RelSubsidiaryOf: true,
	RelCompetitor:   true,
	RelPartner:      true,
	RelPeer:         true,
	RelSupplier:     true,
	RelCustomer:     true,
	RelInvestor:     true,
	RelCEOOf:        true,
	RelFounderOf:    true,
	RelEmployeeOf:   true,
}

// ValidRelation reports whether t belongs to the fixed edge vocabulary.
func ValidRelation(t RelationType) bool { return relationTypes[t] }

// Entity is a resolved node of the knowledge graph with rolling mention
// counters.
type Entity struct {
	ID             string     `json:"id"`
	CanonicalName  string     `json:"canonical_name"`
	Type           EntityType `json:"type"`
	L3Root         string     `json:"l3_root"`
	L2Sector       string     `json:"l2_sector"`
	Description    string     `json:"description"`
	MentionCount   int        `json:"mention_count"`
	FirstMentioned time.Time  `json:"first_mentioned"`
	LastMentioned  time.Time  `json:"last_mentioned"`
	CreatedAt      time.Time  `json:"created_at"`
}

// EntityAlias maps a normalized surface form to an entity.
type EntityAlias struct {
	Alias     string `json:"alias"`
	EntityID  string `json:"entity_id"`
	IsPrimary bool   `json:"is_primary"`
}

// EntityMention joins an entity to one unit that mentions it.
type EntityMention struct {
	ID             string    `json:"id"`
	EntityID       string    `json:"entity_id"`
	UnitID         string    `json:"unit_id"`
	Role           string    `json:"role"`
	Sentiment      string    `json:"sentiment"`
	StateDimension string    `json:"state_dimension"`
	StateDelta     string    `json:"state_delta"`
	EventTime      string    `json:"event_time"`
	CreatedAt      time.Time `json:"created_at"`
}

// EntityRelation is a directed, evidence-backed edge. Repeated evidence
// of the same (source, target, type) edge merges into one row.
type EntityRelation struct {
	ID              string       `json:"id"`
	SourceID        string       `json:"source_id"`
	TargetID        string       `json:"target_id"`
	RelationType    RelationType `json:"relation_type"`
	Strength        float64      `json:"strength"`
	Confidence      float64      `json:"confidence"`
	EvidenceUnitIDs StringList   `json:"evidence_unit_ids"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

// ExtractedEntity is the LLM-shaped entity candidate before resolution.
type ExtractedEntity struct {
	Name           string     `json:"name"`
	Type           string     `json:"type"`
	Aliases        StringList `json:"aliases"`
	L3Root         string     `json:"l3_root"`
	L2Sector       string     `json:"l2_sector"`
	Role           string     `json:"role"`
	Sentiment      string     `json:"sentiment"`
	StateDimension string     `json:"state_dimension"`
	StateDelta     string     `json:"state_delta"`
}

// ExtractedRelation is the LLM-shaped edge candidate; endpoints are
// surface names resolved against this call's entities.
type ExtractedRelation struct {
	SourceName   string  `json:"source"`
	TargetName   string  `json:"target"`
	RelationType string  `json:"relation_type"`
	Strength     float64 `json:"strength"`
	Confidence   float64 `json:"confidence"`
}

// EntitiesFromAnchors derives entity candidates from a unit's entity
// hierarchy, for when no dedicated entity list was extracted.
func EntitiesFromAnchors(anchors []EntityAnchor, sentiment string, stateDim StateChangeType) []ExtractedEntity {
	out := make([]ExtractedEntity, 0, len(anchors))
	for _, a := range anchors {
		if strings.TrimSpace(a.L1Name) == "" {
			continue
		}
		out = append(out, ExtractedEntity{
			Name:           a.L1Name,
			Type:           string(EntityConcept),
			L3Root:         a.L3Root,
			L2Sector:       a.L2Sector,
			Role:           a.L1Role,
			Sentiment:      sentiment,
			StateDimension: string(stateDim),
		})
	}
	return out
}

// HotEntity is one row of the trending-entities report: mention volume
// over two back-to-back windows and the resulting trend label.
type HotEntity struct {
	Entity        Entity  `json:"entity"`
	RecentCount   int     `json:"recent_count"`
	PreviousCount int     `json:"previous_count"`
	Trend         string  `json:"trend"`
	ChangePct     float64 `json:"change_pct"`
}

// NormalizeAlias lowercases and trims a surface form for alias lookup.
func NormalizeAlias(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// Opaque id constructors. A short uuid suffix keeps ids readable in logs.

func NewEntityID() string   { return "entity_" + shortUUID() }
func NewMentionID() string  { return "mention_" + shortUUID() }
func NewRelationID() string { return "rel_" + shortUUID() }

func shortUUID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}
