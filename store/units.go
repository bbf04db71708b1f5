package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/feedmind/feedmind/model"
)

// unitColumns is the column list shared by all unit queries, in scan order.
const unitColumns = `id, fingerprint, type, title, content, summary, analysis_content,
	key_insights, event_time, report_time, time_sensitivity,
	information_gain, actionability, scarcity, impact_magnitude,
	state_change_type, state_change_subtypes, entity_hierarchy,
	who, what, when_time, where_place, why, how,
	primary_source, extraction_confidence, analysis_depth_score,
	credibility_score, importance_score, sentiment, impact_assessment,
	related_unit_ids, tags, merged_count, is_sent, entity_processed,
	created_at, updated_at`

// SaveUnit upserts a unit by fingerprint inside one transaction: the
// unit row plus its source-reference child rows. On conflict the
// existing id and created_at are preserved and updated_at advances.
// Sources are unioned with the rows already on disk, so concurrent
// savers of the same fingerprint converge without losing references.
func (s *Store) SaveUnit(ctx context.Context, u *model.InformationUnit) error {
	if u.Fingerprint == "" {
		return fmt.Errorf("unit has no fingerprint")
	}
	if u.ID == "" {
		u.ID = model.UnitID(u.Fingerprint)
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		prior, err := sourcesTx(tx, ctx, u.Fingerprint)
		if err != nil {
			return fmt.Errorf("reading prior sources: %w", err)
		}
		union := model.MergeSources(prior, u.Sources)

		_, err = tx.ExecContext(ctx, `
			INSERT INTO information_units (
				id, fingerprint, type, title, content, summary, analysis_content,
				key_insights, event_time, report_time, time_sensitivity,
				information_gain, actionability, scarcity, impact_magnitude,
				state_change_type, state_change_subtypes, entity_hierarchy,
				who, what, when_time, where_place, why, how,
				primary_source, extraction_confidence, analysis_depth_score,
				credibility_score, importance_score, sentiment, impact_assessment,
				related_unit_ids, tags, merged_count, is_sent, entity_processed
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(fingerprint) DO UPDATE SET
				type = excluded.type,
				title = excluded.title,
				content = excluded.content,
				summary = excluded.summary,
				analysis_content = excluded.analysis_content,
				key_insights = excluded.key_insights,
				event_time = excluded.event_time,
				report_time = excluded.report_time,
				time_sensitivity = excluded.time_sensitivity,
				information_gain = excluded.information_gain,
				actionability = excluded.actionability,
				scarcity = excluded.scarcity,
				impact_magnitude = excluded.impact_magnitude,
				state_change_type = excluded.state_change_type,
				state_change_subtypes = excluded.state_change_subtypes,
				entity_hierarchy = excluded.entity_hierarchy,
				who = excluded.who,
				what = excluded.what,
				when_time = excluded.when_time,
				where_place = excluded.where_place,
				why = excluded.why,
				how = excluded.how,
				primary_source = excluded.primary_source,
				extraction_confidence = excluded.extraction_confidence,
				analysis_depth_score = excluded.analysis_depth_score,
				credibility_score = excluded.credibility_score,
				importance_score = excluded.importance_score,
				sentiment = excluded.sentiment,
				impact_assessment = excluded.impact_assessment,
				related_unit_ids = excluded.related_unit_ids,
				tags = excluded.tags,
				merged_count = excluded.merged_count,
				is_sent = excluded.is_sent,
				entity_processed = excluded.entity_processed,
				updated_at = CURRENT_TIMESTAMP
		`,
			u.ID, u.Fingerprint, string(u.Type), u.Title, u.Content, u.Summary, u.AnalysisContent,
			marshalJSON(u.KeyInsights), u.EventTime, u.ReportTime, string(u.TimeSensitivity),
			u.InformationGain, u.Actionability, u.Scarcity, u.ImpactMagnitude,
			string(u.StateChangeType), marshalJSON(u.StateChangeSubtypes), marshalJSON(u.EntityHierarchy),
			marshalJSON(u.Who), u.What, u.When, u.Where, u.Why, u.How,
			u.PrimarySource, u.ExtractionConfidence, u.AnalysisDepthScore,
			u.CredibilityScore, u.ImportanceScore, u.Sentiment, u.ImpactAssessment,
			marshalJSON(u.RelatedUnitIDs), marshalJSON(u.Tags), u.MergedCount, u.IsSent, u.EntityProcessed)
		if err != nil {
			return fmt.Errorf("upserting unit %s: %w", u.ID, err)
		}

		// Rewrite the child rows with the unioned set. Cheaper than
		// diffing; sources per unit number in the tens at most.
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM source_references WHERE unit_fingerprint = ?", u.Fingerprint); err != nil {
			return fmt.Errorf("clearing sources: %w", err)
		}
		for _, src := range union {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO source_references
				(unit_fingerprint, url, title, source_name, published_at, excerpt, credibility_tier)
				VALUES (?, ?, ?, ?, ?, ?, ?)`,
				u.Fingerprint, src.URL, src.Title, src.SourceName, src.PublishedAt, src.Excerpt, src.CredibilityTier); err != nil {
				return fmt.Errorf("inserting source %s: %w", src.URL, err)
			}
		}
		u.Sources = union
		return nil
	})
}

// GetUnitByFingerprint returns the unit with the given fingerprint, or
// nil when absent.
func (s *Store) GetUnitByFingerprint(ctx context.Context, fingerprint string) (*model.InformationUnit, error) {
	return s.getUnitWhere(ctx, "fingerprint = ?", fingerprint)
}

// GetUnitByID returns the unit with the given id, or nil when absent.
func (s *Store) GetUnitByID(ctx context.Context, id string) (*model.InformationUnit, error) {
	return s.getUnitWhere(ctx, "id = ?", id)
}

func (s *Store) getUnitWhere(ctx context.Context, where string, arg any) (*model.InformationUnit, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+unitColumns+" FROM information_units WHERE "+where, arg)
	u, err := scanUnit(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	u.Sources, err = s.getSources(ctx, u.Fingerprint)
	if err != nil {
		return nil, err
	}
	return u, nil
}

// GetUnsentUnits returns unsent units ordered by analysis depth then
// importance, sources attached.
func (s *Store) GetUnsentUnits(ctx context.Context, limit int) ([]*model.InformationUnit, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+unitColumns+` FROM information_units
		WHERE is_sent = 0
		ORDER BY analysis_depth_score DESC, importance_score DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	units, err := collectUnits(rows)
	if err != nil {
		return nil, err
	}
	for _, u := range units {
		if u.Sources, err = s.getSources(ctx, u.Fingerprint); err != nil {
			return nil, err
		}
	}
	return units, nil
}

// MarkSent flags units as emitted. Sent units are never candidates for
// a later digest.
func (s *Store) MarkSent(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	placeholders := strings.TrimPrefix(repeatPlaceholders(len(ids)), ", ")
	_, err := s.db.ExecContext(ctx,
		"UPDATE information_units SET is_sent = 1, updated_at = CURRENT_TIMESTAMP WHERE id IN ("+placeholders+")",
		args...)
	return err
}

// MarkEntityProcessed flags a unit's entity hierarchy as ingested.
func (s *Store) MarkEntityProcessed(ctx context.Context, unitID string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE information_units SET entity_processed = 1 WHERE id = ?", unitID)
	return err
}

// GetEntityUnprocessed returns units whose entity hierarchy has not
// been ingested into the graph yet.
func (s *Store) GetEntityUnprocessed(ctx context.Context, limit int) ([]*model.InformationUnit, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+unitColumns+` FROM information_units
		WHERE entity_processed = 0
		ORDER BY created_at
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	return collectUnits(rows)
}

func (s *Store) getSources(ctx context.Context, fingerprint string) ([]model.SourceReference, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT url, COALESCE(title,''), COALESCE(source_name,''), COALESCE(published_at,''),
		       COALESCE(excerpt,''), COALESCE(credibility_tier,'')
		FROM source_references WHERE unit_fingerprint = ? ORDER BY id`, fingerprint)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.SourceReference
	for rows.Next() {
		var src model.SourceReference
		if err := rows.Scan(&src.URL, &src.Title, &src.SourceName, &src.PublishedAt,
			&src.Excerpt, &src.CredibilityTier); err != nil {
			return nil, err
		}
		out = append(out, src)
	}
	return out, rows.Err()
}

func sourcesTx(tx *sql.Tx, ctx context.Context, fingerprint string) ([]model.SourceReference, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT url, COALESCE(title,''), COALESCE(source_name,''), COALESCE(published_at,''),
		       COALESCE(excerpt,''), COALESCE(credibility_tier,'')
		FROM source_references WHERE unit_fingerprint = ? ORDER BY id`, fingerprint)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.SourceReference
	for rows.Next() {
		var src model.SourceReference
		if err := rows.Scan(&src.URL, &src.Title, &src.SourceName, &src.PublishedAt,
			&src.Excerpt, &src.CredibilityTier); err != nil {
			return nil, err
		}
		out = append(out, src)
	}
	return out, rows.Err()
}

// --- vector index ---

// SimilarUnit pairs a re-hydrated unit with its cosine similarity score.
type SimilarUnit struct {
	Unit  *model.InformationUnit
	Score float64
}

// UpsertUnitVector stores the embedding for a saved unit, replacing any
// prior vector.
func (s *Store) UpsertUnitVector(ctx context.Context, fingerprint string, embedding []float32) error {
	var rowid int64
	err := s.db.QueryRowContext(ctx,
		"SELECT rowid FROM information_units WHERE fingerprint = ?", fingerprint).Scan(&rowid)
	if err == sql.ErrNoRows {
		return fmt.Errorf("no unit with fingerprint %s", fingerprint)
	}
	if err != nil {
		return err
	}
	// vec0 virtual tables reject INSERT OR REPLACE; the replace is a
	// delete plus insert in one transaction.
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM vec_units WHERE unit_rowid = ?", rowid); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			"INSERT INTO vec_units (unit_rowid, embedding) VALUES (?, ?)",
			rowid, serializeFloat32(embedding))
		return err
	})
}

// FindSimilarUnits performs a KNN search over stored units. Scores are
// cosine similarities in [0, 1]; rows below threshold and the excluded
// fingerprint are dropped. A failing vector backend degrades to an
// empty result so dedup falls back to exact fingerprints only.
func (s *Store) FindSimilarUnits(ctx context.Context, embedding []float32, k int, threshold float64, excludeFingerprint string) ([]SimilarUnit, error) {
	if k <= 0 {
		k = 3
	}
	// Over-fetch one so the excluded unit does not eat a slot.
	rows, err := s.db.QueryContext(ctx, `
		SELECT u.fingerprint, v.distance
		FROM vec_units v
		JOIN information_units u ON u.rowid = v.unit_rowid
		WHERE v.embedding MATCH ? AND k = ?
		ORDER BY v.distance`, serializeFloat32(embedding), k+1)
	if err != nil {
		s.warnVecOnce(err)
		return nil, nil
	}
	type hit struct {
		fingerprint string
		score       float64
	}
	var hits []hit
	for rows.Next() {
		var h hit
		var distance float64
		if err := rows.Scan(&h.fingerprint, &distance); err != nil {
			rows.Close()
			return nil, err
		}
		// Convert distance to similarity score (1 - distance for cosine)
		h.score = 1.0 - distance
		hits = append(hits, h)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		s.warnVecOnce(err)
		return nil, nil
	}

	var out []SimilarUnit
	for _, h := range hits {
		if h.fingerprint == excludeFingerprint || h.score < threshold {
			continue
		}
		u, err := s.GetUnitByFingerprint(ctx, h.fingerprint)
		if err != nil {
			return nil, err
		}
		if u == nil {
			continue
		}
		out = append(out, SimilarUnit{Unit: u, Score: h.score})
		if len(out) == k {
			break
		}
	}
	return out, nil
}

func (s *Store) warnVecOnce(err error) {
	s.vecOnce.Do(func() {
		slog.Warn("vector_backend_unavailable", "error", err)
	})
}

// --- row helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUnit(row rowScanner) (*model.InformationUnit, error) {
	var u model.InformationUnit
	var unitType, sensitivity, stateChange string
	var keyInsights, subtypes, hierarchy, who, related, tags sql.NullString
	var content, summary, analysis, eventTime, reportTime sql.NullString
	var what, when, where, why, how sql.NullString
	var primarySource, sentiment, impact sql.NullString
	var createdAt, updatedAt time.Time

	err := row.Scan(&u.ID, &u.Fingerprint, &unitType, &u.Title, &content, &summary, &analysis,
		&keyInsights, &eventTime, &reportTime, &sensitivity,
		&u.InformationGain, &u.Actionability, &u.Scarcity, &u.ImpactMagnitude,
		&stateChange, &subtypes, &hierarchy,
		&who, &what, &when, &where, &why, &how,
		&primarySource, &u.ExtractionConfidence, &u.AnalysisDepthScore,
		&u.CredibilityScore, &u.ImportanceScore, &sentiment, &impact,
		&related, &tags, &u.MergedCount, &u.IsSent, &u.EntityProcessed,
		&createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	u.Type = model.InformationType(unitType)
	u.TimeSensitivity = model.TimeSensitivity(sensitivity)
	u.StateChangeType = model.StateChangeType(stateChange)
	u.Content = content.String
	u.Summary = summary.String
	u.AnalysisContent = analysis.String
	u.EventTime = eventTime.String
	u.ReportTime = reportTime.String
	u.What = what.String
	u.When = when.String
	u.Where = where.String
	u.Why = why.String
	u.How = how.String
	u.PrimarySource = primarySource.String
	u.Sentiment = sentiment.String
	u.ImpactAssessment = impact.String
	u.CreatedAt = createdAt
	u.UpdatedAt = updatedAt

	unmarshalJSON(keyInsights, (*[]string)(&u.KeyInsights))
	unmarshalJSON(subtypes, (*[]string)(&u.StateChangeSubtypes))
	unmarshalJSON(hierarchy, &u.EntityHierarchy)
	unmarshalJSON(who, (*[]string)(&u.Who))
	unmarshalJSON(related, (*[]string)(&u.RelatedUnitIDs))
	unmarshalJSON(tags, (*[]string)(&u.Tags))
	return &u, nil
}

func collectUnits(rows *sql.Rows) ([]*model.InformationUnit, error) {
	defer rows.Close()
	var units []*model.InformationUnit
	for rows.Next() {
		u, err := scanUnit(rows)
		if err != nil {
			return nil, err
		}
		units = append(units, u)
	}
	return units, rows.Err()
}

func marshalJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(b)
}

func unmarshalJSON[T any](src sql.NullString, dst *T) {
	if !src.Valid || src.String == "" {
		return
	}
	// Malformed stored JSON leaves the zero value in place.
	_ = json.Unmarshal([]byte(src.String), dst)
}
