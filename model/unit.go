// Package model defines the value types shared across the pipeline:
// information units, source references, the entity graph, articles and
// digests, together with the fixed vocabularies they are validated
// against.
package model

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"
)

// InformationType classifies what kind of atom a unit carries.
type InformationType string

const (
	TypeFact    InformationType = "fact"
	TypeOpinion InformationType = "opinion"
	TypeEvent   InformationType = "event"
	TypeData    InformationType = "data"
)

// TimeSensitivity marks how quickly a unit loses value.
type TimeSensitivity string

const (
	SensitivityUrgent    TimeSensitivity = "urgent"
	SensitivityNormal    TimeSensitivity = "normal"
	SensitivityEvergreen TimeSensitivity = "evergreen"
)

// StateChangeType is the six-way taxonomy of what kind of world-state
// change a unit reports.
type StateChangeType string

const (
	StateTech       StateChangeType = "TECH"
	StateCapital    StateChangeType = "CAPITAL"
	StateRegulation StateChangeType = "REGULATION"
	StateOrg        StateChangeType = "ORG"
	StateRisk       StateChangeType = "RISK"
	StateSentiment  StateChangeType = "SENTIMENT"
)

var stateChangeTypes = map[StateChangeType]bool{
	StateTech:       true,
	StateCapital:    true,
	StateRegulation: true,
	StateOrg:        true,
	StateRisk:       true,
	StateSentiment:  true,
}

// ValidStateChange reports whether t belongs to the fixed taxonomy.
// The empty string is permitted (no state change detected).
func ValidStateChange(t StateChangeType) bool {
	return t == "" || stateChangeTypes[t]
}

// RootEntities is the fixed vocabulary of top-level domains an entity
// hierarchy entry may anchor to. Entries that match none of these fall
// back to RootOther.
var RootEntities = []string{
	"人工智能",
	"半导体芯片",
	"消费电子",
	"云计算与数据中心",
	"软件与开发工具",
	"区块链与加密货币",
	"网络安全",
	"电商与零售",
	"社交媒体",
	"游戏与娱乐",
	"内容与流媒体",
	"金融与银行",
	"汽车与出行",
	"能源与环境",
	"医疗与生物科技",
	"制造与工业",
	"宏观经济",
	"地缘政治",
}

// RootOther is the fallback root domain for entities outside the vocabulary.
const RootOther = "其他"

// NormalizeRoot maps a free-form root domain onto the fixed vocabulary:
// exact match first, then substring match in either direction, then
// RootOther.
func NormalizeRoot(root string) string {
	root = strings.TrimSpace(root)
	if root == "" {
		return RootOther
	}
	for _, r := range RootEntities {
		if root == r {
			return r
		}
	}
	for _, r := range RootEntities {
		if strings.Contains(root, r) || strings.Contains(r, root) {
			return r
		}
	}
	return RootOther
}

// Entity roles within a unit.
const (
	RoleProtagonist = "主角"
	RoleSupporting  = "配角"
	RoleMentioned   = "提及"
)

// NormalizeRole coerces a free-form role onto the fixed role vocabulary.
func NormalizeRole(role string) string {
	switch strings.TrimSpace(role) {
	case RoleProtagonist, RoleSupporting, RoleMentioned:
		return strings.TrimSpace(role)
	default:
		return RoleMentioned
	}
}

// 4D value score weights. The weighted mean of the four dimensions is
// the unit's value score; it is always derived, never stored.
const (
	WeightInformationGain = 0.30
	WeightActionability   = 0.25
	WeightScarcity        = 0.20
	WeightImpactMagnitude = 0.25
)

// EntityAnchor is one entry of a unit's entity hierarchy: a concrete
// entity, its role in the unit, and its sector/root classification.
type EntityAnchor struct {
	L1Name     string  `json:"l1_name"`
	L1Role     string  `json:"l1_role"`
	L2Sector   string  `json:"l2_sector"`
	L3Root     string  `json:"l3_root"`
	Confidence float64 `json:"confidence"`
}

// SourceReference points back to one originating article. Two references
// are the same source iff their URLs are equal.
type SourceReference struct {
	URL             string `json:"url"`
	Title           string `json:"title"`
	SourceName      string `json:"source_name"`
	PublishedAt     string `json:"published_at"`
	Excerpt         string `json:"excerpt"`
	CredibilityTier string `json:"credibility_tier"`
}

// InformationUnit is the atomic, deduplicated deliverable of the pipeline.
type InformationUnit struct {
	ID          string          `json:"id"`
	Fingerprint string          `json:"fingerprint"`
	Type        InformationType `json:"type"`

	Title           string     `json:"title"`
	Content         string     `json:"content"`
	Summary         string     `json:"summary"`
	AnalysisContent string     `json:"analysis_content"`
	KeyInsights     StringList `json:"key_insights"`

	EventTime       string          `json:"event_time"`
	ReportTime      string          `json:"report_time"`
	TimeSensitivity TimeSensitivity `json:"time_sensitivity"`

	InformationGain float64 `json:"information_gain"`
	Actionability   float64 `json:"actionability"`
	Scarcity        float64 `json:"scarcity"`
	ImpactMagnitude float64 `json:"impact_magnitude"`

	StateChangeType     StateChangeType `json:"state_change_type"`
	StateChangeSubtypes StringList      `json:"state_change_subtypes"`
	EntityHierarchy     []EntityAnchor  `json:"entity_hierarchy"`

	Who   StringList `json:"who"`
	What  string     `json:"what"`
	When  string     `json:"when"`
	Where string     `json:"where"`
	Why   string     `json:"why"`
	How   string     `json:"how"`

	PrimarySource        string  `json:"primary_source"`
	ExtractionConfidence float64 `json:"extraction_confidence"`
	AnalysisDepthScore   float64 `json:"analysis_depth_score"`
	CredibilityScore     float64 `json:"credibility_score"`
	ImportanceScore      float64 `json:"importance_score"`
	Sentiment            string  `json:"sentiment"`
	ImpactAssessment     string  `json:"impact_assessment"`

	RelatedUnitIDs StringList `json:"related_unit_ids"`
	Tags           StringList `json:"tags"`

	Sources []SourceReference `json:"sources"`

	MergedCount     int  `json:"merged_count"`
	IsSent          bool `json:"is_sent"`
	EntityProcessed bool `json:"entity_processed"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Fingerprint derives the content-addressed dedup key for a unit:
// a stable hash of the lowercased title and content. Units with equal
// fingerprints are definitionally the same unit.
func Fingerprint(title, content string) string {
	h := sha256.Sum256([]byte(strings.ToLower(title + content)))
	return hex.EncodeToString(h[:])
}

// UnitID derives the opaque stable handle for a fingerprint.
func UnitID(fingerprint string) string {
	if len(fingerprint) < 16 {
		return "iu_" + fingerprint
	}
	return "iu_" + fingerprint[:16]
}

// ValueScore is the weighted mean of the four value dimensions.
func (u *InformationUnit) ValueScore() float64 {
	return WeightInformationGain*u.InformationGain +
		WeightActionability*u.Actionability +
		WeightScarcity*u.Scarcity +
		WeightImpactMagnitude*u.ImpactMagnitude
}

// AddSource appends src unless a source with the same URL is already
// present. Order of existing sources is preserved.
func (u *InformationUnit) AddSource(src SourceReference) {
	for _, s := range u.Sources {
		if s.URL == src.URL {
			return
		}
	}
	u.Sources = append(u.Sources, src)
}

// MergeSources unions source lists preserving first-seen order,
// deduplicating by URL.
func MergeSources(lists ...[]SourceReference) []SourceReference {
	seen := make(map[string]bool)
	var out []SourceReference
	for _, list := range lists {
		for _, s := range list {
			if seen[s.URL] {
				continue
			}
			seen[s.URL] = true
			out = append(out, s)
		}
	}
	return out
}

// ClampScore coerces a 4D dimension into [1.0, 10.0]. Zero (an absent
// field) maps to the neutral default of 5.0.
func ClampScore(v float64) float64 {
	if v == 0 {
		return 5.0
	}
	if v < 1.0 {
		return 1.0
	}
	if v > 10.0 {
		return 10.0
	}
	return v
}

// ClampUnitInterval coerces a confidence-style score into [0, 1].
func ClampUnitInterval(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// StringList tolerates the polymorphic shapes LLMs emit for list fields:
// a JSON array of strings, a bare string, a number, or null all decode
// cleanly.
type StringList []string

func (l *StringList) UnmarshalJSON(data []byte) error {
	data = []byte(strings.TrimSpace(string(data)))
	if len(data) == 0 || string(data) == "null" {
		*l = nil
		return nil
	}
	switch data[0] {
	case '[':
		var raw []json.RawMessage
		if err := json.Unmarshal(data, &raw); err != nil {
			return err
		}
		out := make([]string, 0, len(raw))
		for _, r := range raw {
			var s string
			if err := json.Unmarshal(r, &s); err == nil {
				out = append(out, s)
				continue
			}
			out = append(out, strings.Trim(string(r), `"`))
		}
		*l = out
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s == "" {
			*l = nil
		} else {
			*l = []string{s}
		}
	default:
		*l = []string{string(data)}
	}
	return nil
}

// UnionStrings set-unions string lists preserving first-seen order.
func UnionStrings(lists ...[]string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, list := range lists {
		for _, s := range list {
			if s == "" || seen[s] {
				continue
			}
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
