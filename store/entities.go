package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/feedmind/feedmind/model"
)

const entityColumns = `id, canonical_name, entity_type, COALESCE(l3_root,''), COALESCE(l2_sector,''),
	COALESCE(description,''), mention_count, first_mentioned, last_mentioned, created_at`

const sqliteTime = "2006-01-02 15:04:05"

// RegisterEntity creates a new entity and registers its aliases. The
// canonical name always becomes the primary alias.
func (s *Store) RegisterEntity(ctx context.Context, e *model.Entity, aliases []string) error {
	if e.ID == "" {
		e.ID = model.NewEntityID()
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO entities (id, canonical_name, entity_type, l3_root, l2_sector, description)
			VALUES (?, ?, ?, ?, ?, ?)`,
			e.ID, e.CanonicalName, string(e.Type), e.L3Root, e.L2Sector, e.Description)
		if err != nil {
			return fmt.Errorf("inserting entity %s: %w", e.CanonicalName, err)
		}
		if err := addAliasTx(tx, ctx, e.ID, e.CanonicalName, true); err != nil {
			return err
		}
		for _, a := range aliases {
			if err := addAliasTx(tx, ctx, e.ID, a, false); err != nil {
				return err
			}
		}
		return nil
	})
}

// AddAlias registers one alias for an existing entity. Already-claimed
// aliases are left with their current owner.
func (s *Store) AddAlias(ctx context.Context, entityID, alias string, primary bool) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return addAliasTx(tx, ctx, entityID, alias, primary)
	})
}

func addAliasTx(tx *sql.Tx, ctx context.Context, entityID, alias string, primary bool) error {
	norm := model.NormalizeAlias(alias)
	if norm == "" {
		return nil
	}
	_, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO entity_aliases (alias, entity_id, is_primary)
		VALUES (?, ?, ?)`, norm, entityID, primary)
	return err
}

// ResolveAlias maps a surface form to an entity id: exact normalized
// lookup first, then substring match. Ambiguous substring matches
// prefer the most-mentioned entity, ties broken by creation time.
// Returns "" on miss.
func (s *Store) ResolveAlias(ctx context.Context, alias string) (string, error) {
	norm := model.NormalizeAlias(alias)
	if norm == "" {
		return "", nil
	}
	var id string
	err := s.db.QueryRowContext(ctx,
		"SELECT entity_id FROM entity_aliases WHERE alias = ?", norm).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return "", err
	}
	err = s.db.QueryRowContext(ctx, `
		SELECT a.entity_id
		FROM entity_aliases a
		JOIN entities e ON e.id = a.entity_id
		WHERE a.alias LIKE '%' || ? || '%' OR ? LIKE '%' || a.alias || '%'
		ORDER BY e.mention_count DESC, e.created_at
		LIMIT 1`, norm, norm).Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return id, nil
}

// GetEntity returns the entity with the given id, or nil.
func (s *Store) GetEntity(ctx context.Context, id string) (*model.Entity, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+entityColumns+" FROM entities WHERE id = ?", id)
	e, err := scanEntity(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return e, err
}

// GetEntityByName resolves name through the alias table and loads the
// entity, or nil.
func (s *Store) GetEntityByName(ctx context.Context, name string) (*model.Entity, error) {
	id, err := s.ResolveAlias(ctx, name)
	if err != nil || id == "" {
		return nil, err
	}
	return s.GetEntity(ctx, id)
}

// GetAliases lists the registered aliases of an entity.
func (s *Store) GetAliases(ctx context.Context, entityID string) ([]model.EntityAlias, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT alias, entity_id, is_primary FROM entity_aliases WHERE entity_id = ? ORDER BY is_primary DESC, alias", entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.EntityAlias
	for rows.Next() {
		var a model.EntityAlias
		if err := rows.Scan(&a.Alias, &a.EntityID, &a.IsPrimary); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// RecordMention inserts one mention and bumps the entity's rolling
// counters in the same transaction. A zero CreatedAt means now.
func (s *Store) RecordMention(ctx context.Context, m *model.EntityMention) error {
	if m.ID == "" {
		m.ID = model.NewMentionID()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO entity_mentions (id, entity_id, unit_id, role, sentiment, state_dimension, state_delta, event_time, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			m.ID, m.EntityID, m.UnitID, m.Role, m.Sentiment, m.StateDimension, m.StateDelta, m.EventTime,
			m.CreatedAt.UTC().Format(sqliteTime))
		if err != nil {
			return fmt.Errorf("inserting mention: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE entities SET
				mention_count = mention_count + 1,
				last_mentioned = ?,
				first_mentioned = COALESCE(first_mentioned, ?)
			WHERE id = ?`,
			m.CreatedAt.UTC().Format(sqliteTime), m.CreatedAt.UTC().Format(sqliteTime), m.EntityID)
		if err != nil {
			return fmt.Errorf("updating mention counters: %w", err)
		}
		return nil
	})
}

// GetMentionsByEntity lists mentions of one entity, newest first.
func (s *Store) GetMentionsByEntity(ctx context.Context, entityID string, limit int) ([]model.EntityMention, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, entity_id, unit_id, COALESCE(role,''), COALESCE(sentiment,''),
		       COALESCE(state_dimension,''), COALESCE(state_delta,''), COALESCE(event_time,''), created_at
		FROM entity_mentions WHERE entity_id = ?
		ORDER BY created_at DESC LIMIT ?`, entityID, limit)
	if err != nil {
		return nil, err
	}
	return collectMentions(rows)
}

// GetMentionsByUnit lists the entities a unit mentions.
func (s *Store) GetMentionsByUnit(ctx context.Context, unitID string) ([]model.EntityMention, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, entity_id, unit_id, COALESCE(role,''), COALESCE(sentiment,''),
		       COALESCE(state_dimension,''), COALESCE(state_delta,''), COALESCE(event_time,''), created_at
		FROM entity_mentions WHERE unit_id = ? ORDER BY created_at`, unitID)
	if err != nil {
		return nil, err
	}
	return collectMentions(rows)
}

// AddRelation upserts a directed edge. A second insert with the same
// (source, target, type) merges: evidence unit ids are unioned, the
// scores are replaced by the newer observation.
func (s *Store) AddRelation(ctx context.Context, rel *model.EntityRelation) error {
	if rel.ID == "" {
		rel.ID = model.NewRelationID()
	}
	if !model.ValidRelation(rel.RelationType) {
		return fmt.Errorf("invalid relation type %q", rel.RelationType)
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var existingID string
		var evidence sql.NullString
		err := tx.QueryRowContext(ctx, `
			SELECT id, evidence_unit_ids FROM entity_relations
			WHERE source_id = ? AND target_id = ? AND relation_type = ?`,
			rel.SourceID, rel.TargetID, string(rel.RelationType)).Scan(&existingID, &evidence)
		if err == sql.ErrNoRows {
			_, err = tx.ExecContext(ctx, `
				INSERT INTO entity_relations (id, source_id, target_id, relation_type, strength, confidence, evidence_unit_ids)
				VALUES (?, ?, ?, ?, ?, ?, ?)`,
				rel.ID, rel.SourceID, rel.TargetID, string(rel.RelationType),
				rel.Strength, rel.Confidence, marshalJSON(rel.EvidenceUnitIDs))
			return err
		}
		if err != nil {
			return err
		}

		var prior []string
		unmarshalJSON(evidence, &prior)
		merged := model.UnionStrings(prior, rel.EvidenceUnitIDs)
		rel.ID = existingID
		rel.EvidenceUnitIDs = merged
		_, err = tx.ExecContext(ctx, `
			UPDATE entity_relations SET
				strength = ?,
				confidence = ?,
				evidence_unit_ids = ?,
				updated_at = CURRENT_TIMESTAMP
			WHERE id = ?`,
			rel.Strength, rel.Confidence, marshalJSON(merged), existingID)
		return err
	})
}

// RelationDirection selects edge orientation for GetRelations.
type RelationDirection string

const (
	DirectionOut  RelationDirection = "out"
	DirectionIn   RelationDirection = "in"
	DirectionBoth RelationDirection = "both"
)

// GetRelations lists edges touching an entity in the given direction.
func (s *Store) GetRelations(ctx context.Context, entityID string, dir RelationDirection) ([]model.EntityRelation, error) {
	var where string
	var args []any
	switch dir {
	case DirectionOut:
		where = "source_id = ?"
		args = []any{entityID}
	case DirectionIn:
		where = "target_id = ?"
		args = []any{entityID}
	default:
		where = "source_id = ? OR target_id = ?"
		args = []any{entityID, entityID}
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, source_id, target_id, relation_type, strength, confidence,
		       evidence_unit_ids, created_at, updated_at
		FROM entity_relations WHERE `+where+` ORDER BY strength DESC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.EntityRelation
	for rows.Next() {
		var r model.EntityRelation
		var relType string
		var evidence sql.NullString
		if err := rows.Scan(&r.ID, &r.SourceID, &r.TargetID, &relType, &r.Strength,
			&r.Confidence, &evidence, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		r.RelationType = model.RelationType(relType)
		unmarshalJSON(evidence, (*[]string)(&r.EvidenceUnitIDs))
		out = append(out, r)
	}
	return out, rows.Err()
}

// SearchEntities matches a substring against canonical names and
// aliases, ranked by mention count.
func (s *Store) SearchEntities(ctx context.Context, query string, limit int) ([]model.Entity, error) {
	if limit <= 0 {
		limit = 20
	}
	norm := model.NormalizeAlias(query)
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT `+prefixedEntityColumns("e")+`
		FROM entities e
		LEFT JOIN entity_aliases a ON a.entity_id = e.id
		WHERE e.canonical_name LIKE '%' || ? || '%' OR a.alias LIKE '%' || ? || '%'
		ORDER BY e.mention_count DESC
		LIMIT ?`, query, norm, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// TimelineEntry is one step of an entity's longitudinal history.
type TimelineEntry struct {
	UnitID         string    `json:"unit_id"`
	UnitTitle      string    `json:"unit_title"`
	Role           string    `json:"role"`
	Sentiment      string    `json:"sentiment"`
	StateDimension string    `json:"state_dimension"`
	StateDelta     string    `json:"state_delta"`
	EventTime      string    `json:"event_time"`
	MentionedAt    time.Time `json:"mentioned_at"`
}

// GetEntityTimeline returns the mention history of an entity joined to
// unit titles, newest first.
func (s *Store) GetEntityTimeline(ctx context.Context, entityID string, limit int) ([]TimelineEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.unit_id, COALESCE(u.title,''), COALESCE(m.role,''), COALESCE(m.sentiment,''),
		       COALESCE(m.state_dimension,''), COALESCE(m.state_delta,''), COALESCE(m.event_time,''), m.created_at
		FROM entity_mentions m
		LEFT JOIN information_units u ON u.id = m.unit_id
		WHERE m.entity_id = ?
		ORDER BY m.created_at DESC
		LIMIT ?`, entityID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []TimelineEntry
	for rows.Next() {
		var t TimelineEntry
		if err := rows.Scan(&t.UnitID, &t.UnitTitle, &t.Role, &t.Sentiment,
			&t.StateDimension, &t.StateDelta, &t.EventTime, &t.MentionedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// GetHotEntities compares mention volume over two back-to-back windows
// of windowDays each and labels the trend: new (no prior mentions),
// up/down (change beyond 20 percent either way), else stable.
func (s *Store) GetHotEntities(ctx context.Context, windowDays, k int) ([]model.HotEntity, error) {
	if windowDays <= 0 {
		windowDays = 7
	}
	if k <= 0 {
		k = 10
	}
	now := time.Now().UTC()
	recentCutoff := now.AddDate(0, 0, -windowDays).Format(sqliteTime)
	previousCutoff := now.AddDate(0, 0, -2*windowDays).Format(sqliteTime)

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+prefixedEntityColumns("e")+`,
		       SUM(CASE WHEN m.created_at >= ? THEN 1 ELSE 0 END) AS recent,
		       SUM(CASE WHEN m.created_at >= ? AND m.created_at < ? THEN 1 ELSE 0 END) AS previous
		FROM entities e
		JOIN entity_mentions m ON m.entity_id = e.id
		WHERE m.created_at >= ?
		GROUP BY e.id
		HAVING recent > 0
		ORDER BY recent DESC
		LIMIT ?`, recentCutoff, previousCutoff, recentCutoff, previousCutoff, k)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.HotEntity
	for rows.Next() {
		var h model.HotEntity
		var firstMentioned, lastMentioned sql.NullTime
		var entType string
		if err := rows.Scan(&h.Entity.ID, &h.Entity.CanonicalName, &entType,
			&h.Entity.L3Root, &h.Entity.L2Sector, &h.Entity.Description,
			&h.Entity.MentionCount, &firstMentioned, &lastMentioned, &h.Entity.CreatedAt,
			&h.RecentCount, &h.PreviousCount); err != nil {
			return nil, err
		}
		h.Entity.Type = model.EntityType(entType)
		h.Entity.FirstMentioned = firstMentioned.Time
		h.Entity.LastMentioned = lastMentioned.Time

		switch {
		case h.PreviousCount == 0:
			h.Trend = "new"
			h.ChangePct = 100
		default:
			h.ChangePct = float64(h.RecentCount-h.PreviousCount) / float64(h.PreviousCount) * 100
			switch {
			case h.ChangePct > 20:
				h.Trend = "up"
			case h.ChangePct < -20:
				h.Trend = "down"
			default:
				h.Trend = "stable"
			}
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// ProcessExtracted ingests the extractor's entity and relation
// candidates for one unit: resolve-or-create each entity, record its
// mention, then upsert validated relations whose endpoints were
// resolved in this call.
func (s *Store) ProcessExtracted(ctx context.Context, unitID string, entities []model.ExtractedEntity, relations []model.ExtractedRelation, eventTime string) error {
	resolved := make(map[string]string, len(entities))

	for _, ext := range entities {
		if ext.Name == "" {
			continue
		}
		id, err := s.ResolveAlias(ctx, ext.Name)
		if err != nil {
			return fmt.Errorf("resolving %q: %w", ext.Name, err)
		}
		if id == "" {
			e := &model.Entity{
				CanonicalName: ext.Name,
				Type:          model.NormalizeEntityType(ext.Type),
				L3Root:        model.NormalizeRoot(ext.L3Root),
				L2Sector:      ext.L2Sector,
			}
			if err := s.RegisterEntity(ctx, e, ext.Aliases); err != nil {
				return fmt.Errorf("registering %q: %w", ext.Name, err)
			}
			id = e.ID
		} else {
			// Known entity: new surface forms still get registered.
			for _, a := range ext.Aliases {
				if err := s.AddAlias(ctx, id, a, false); err != nil {
					return err
				}
			}
		}
		resolved[model.NormalizeAlias(ext.Name)] = id

		mention := &model.EntityMention{
			EntityID:       id,
			UnitID:         unitID,
			Role:           model.NormalizeRole(ext.Role),
			Sentiment:      ext.Sentiment,
			StateDimension: ext.StateDimension,
			StateDelta:     ext.StateDelta,
			EventTime:      eventTime,
		}
		if err := s.RecordMention(ctx, mention); err != nil {
			return fmt.Errorf("recording mention of %q: %w", ext.Name, err)
		}
	}

	for _, rel := range relations {
		sourceID := resolved[model.NormalizeAlias(rel.SourceName)]
		targetID := resolved[model.NormalizeAlias(rel.TargetName)]
		relType := model.RelationType(rel.RelationType)
		if sourceID == "" || targetID == "" || !model.ValidRelation(relType) {
			continue
		}
		r := &model.EntityRelation{
			SourceID:        sourceID,
			TargetID:        targetID,
			RelationType:    relType,
			Strength:        model.ClampUnitInterval(rel.Strength),
			Confidence:      model.ClampUnitInterval(rel.Confidence),
			EvidenceUnitIDs: []string{unitID},
		}
		if err := s.AddRelation(ctx, r); err != nil {
			return fmt.Errorf("adding relation %s-%s: %w", rel.SourceName, rel.TargetName, err)
		}
	}
	return nil
}

func prefixedEntityColumns(p string) string {
	return p + `.id, ` + p + `.canonical_name, ` + p + `.entity_type, COALESCE(` + p + `.l3_root,''), COALESCE(` + p + `.l2_sector,''),
	COALESCE(` + p + `.description,''), ` + p + `.mention_count, ` + p + `.first_mentioned, ` + p + `.last_mentioned, ` + p + `.created_at`
}

func scanEntity(row rowScanner) (*model.Entity, error) {
	var e model.Entity
	var entType string
	var firstMentioned, lastMentioned sql.NullTime
	err := row.Scan(&e.ID, &e.CanonicalName, &entType, &e.L3Root, &e.L2Sector,
		&e.Description, &e.MentionCount, &firstMentioned, &lastMentioned, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	e.Type = model.EntityType(entType)
	e.FirstMentioned = firstMentioned.Time
	e.LastMentioned = lastMentioned.Time
	return &e, nil
}

func collectMentions(rows *sql.Rows) ([]model.EntityMention, error) {
	defer rows.Close()
	var out []model.EntityMention
	for rows.Next() {
		var m model.EntityMention
		if err := rows.Scan(&m.ID, &m.EntityID, &m.UnitID, &m.Role, &m.Sentiment,
			&m.StateDimension, &m.StateDelta, &m.EventTime, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
