package store

import "fmt"

// schemaSQL returns the DDL for all tables. embeddingDim controls the
// vec0 virtual table dimension.
func schemaSQL(embeddingDim int) string {
	return fmt.Sprintf(`
-- Feed article registry (populated by the fetcher; URL is identity)
CREATE TABLE IF NOT EXISTS articles (
    id INTEGER PRIMARY KEY,
    url TEXT NOT NULL UNIQUE,
    title TEXT NOT NULL,
    content TEXT,
    summary TEXT,
    source TEXT,
    category TEXT,
    author TEXT,
    published_at TEXT,
    fetched_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

-- Atomic information units, deduplicated by content fingerprint
CREATE TABLE IF NOT EXISTS information_units (
    id TEXT NOT NULL,
    fingerprint TEXT NOT NULL UNIQUE,
    type TEXT NOT NULL,
    title TEXT NOT NULL,
    content TEXT,
    summary TEXT,
    analysis_content TEXT,
    key_insights JSON,
    event_time TEXT,
    report_time TEXT,
    time_sensitivity TEXT,
    information_gain REAL DEFAULT 5.0,
    actionability REAL DEFAULT 5.0,
    scarcity REAL DEFAULT 5.0,
    impact_magnitude REAL DEFAULT 5.0,
    state_change_type TEXT DEFAULT '',
    state_change_subtypes JSON,
    entity_hierarchy JSON,
    who JSON,
    what TEXT,
    when_time TEXT,
    where_place TEXT,
    why TEXT,
    how TEXT,
    primary_source TEXT,
    extraction_confidence REAL DEFAULT 0,
    analysis_depth_score REAL DEFAULT 0,
    credibility_score REAL DEFAULT 0,
    importance_score REAL DEFAULT 0,
    sentiment TEXT,
    impact_assessment TEXT,
    related_unit_ids JSON,
    tags JSON,
    merged_count INTEGER DEFAULT 1,
    is_sent INTEGER DEFAULT 0,
    entity_processed INTEGER DEFAULT 0,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_units_id ON information_units(id);
CREATE INDEX IF NOT EXISTS idx_units_unsent ON information_units(is_sent, analysis_depth_score DESC, importance_score DESC);
CREATE INDEX IF NOT EXISTS idx_units_entity_processed ON information_units(entity_processed);

-- Source references, child of units
CREATE TABLE IF NOT EXISTS source_references (
    id INTEGER PRIMARY KEY,
    unit_fingerprint TEXT NOT NULL REFERENCES information_units(fingerprint) ON DELETE CASCADE,
    url TEXT NOT NULL,
    title TEXT,
    source_name TEXT,
    published_at TEXT,
    excerpt TEXT,
    credibility_tier TEXT
);
CREATE INDEX IF NOT EXISTS idx_sources_fingerprint ON source_references(unit_fingerprint);

-- Vector index over units via sqlite-vec, joined by rowid
CREATE VIRTUAL TABLE IF NOT EXISTS vec_units USING vec0(
    unit_rowid INTEGER PRIMARY KEY,
    embedding float[%d] distance_metric=cosine
);

-- Knowledge graph: entities with rolling mention counters
CREATE TABLE IF NOT EXISTS entities (
    id TEXT PRIMARY KEY,
    canonical_name TEXT NOT NULL,
    entity_type TEXT NOT NULL,
    l3_root TEXT,
    l2_sector TEXT,
    description TEXT,
    mention_count INTEGER DEFAULT 0,
    first_mentioned DATETIME,
    last_mentioned DATETIME,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_entities_name ON entities(canonical_name);
CREATE INDEX IF NOT EXISTS idx_entities_mentions ON entities(mention_count DESC);

-- Knowledge graph: alias -> entity
CREATE TABLE IF NOT EXISTS entity_aliases (
    alias TEXT PRIMARY KEY,
    entity_id TEXT NOT NULL REFERENCES entities(id) ON DELETE CASCADE,
    is_primary INTEGER DEFAULT 0
);

-- Knowledge graph: entity <-> unit join
CREATE TABLE IF NOT EXISTS entity_mentions (
    id TEXT PRIMARY KEY,
    entity_id TEXT NOT NULL REFERENCES entities(id) ON DELETE CASCADE,
    unit_id TEXT NOT NULL,
    role TEXT,
    sentiment TEXT,
    state_dimension TEXT,
    state_delta TEXT,
    event_time TEXT,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_mentions_entity ON entity_mentions(entity_id, created_at);
CREATE INDEX IF NOT EXISTS idx_mentions_unit ON entity_mentions(unit_id);

-- Knowledge graph: directed, evidence-backed edges
CREATE TABLE IF NOT EXISTS entity_relations (
    id TEXT PRIMARY KEY,
    source_id TEXT NOT NULL REFERENCES entities(id) ON DELETE CASCADE,
    target_id TEXT NOT NULL REFERENCES entities(id) ON DELETE CASCADE,
    relation_type TEXT NOT NULL,
    strength REAL DEFAULT 0.5,
    confidence REAL DEFAULT 0.5,
    evidence_unit_ids JSON,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(source_id, target_id, relation_type)
);
CREATE INDEX IF NOT EXISTS idx_relations_source ON entity_relations(source_id);
CREATE INDEX IF NOT EXISTS idx_relations_target ON entity_relations(target_id);
`, embeddingDim)
}
