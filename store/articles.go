package store

import (
	"context"
	"database/sql"

	"github.com/feedmind/feedmind/model"
)

// SaveArticle registers a fetched article. URL is the identity; an
// existing row is refreshed in place.
func (s *Store) SaveArticle(ctx context.Context, a *model.Article) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO articles (url, title, content, summary, source, category, author, published_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(url) DO UPDATE SET
			title = excluded.title,
			content = excluded.content,
			summary = excluded.summary,
			source = excluded.source,
			category = excluded.category,
			author = excluded.author,
			published_at = excluded.published_at
	`, a.URL, a.Title, a.Content, a.Summary, a.Source, a.Category, a.Author, a.PublishedAt)
	return err
}

// GetArticle returns the article with the given URL, or nil.
func (s *Store) GetArticle(ctx context.Context, url string) (*model.Article, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT url, title, COALESCE(content,''), COALESCE(summary,''), COALESCE(source,''),
		       COALESCE(category,''), COALESCE(author,''), COALESCE(published_at,''), fetched_at
		FROM articles WHERE url = ?`, url)
	a, err := scanArticle(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return a, err
}

// GetArticlesWithoutUnits returns articles that produced no information
// units, the reprocess candidates. An article is linked to its units
// through the source-reference URLs.
func (s *Store) GetArticlesWithoutUnits(ctx context.Context, limit int) ([]*model.Article, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT a.url, a.title, COALESCE(a.content,''), COALESCE(a.summary,''), COALESCE(a.source,''),
		       COALESCE(a.category,''), COALESCE(a.author,''), COALESCE(a.published_at,''), a.fetched_at
		FROM articles a
		WHERE NOT EXISTS (
			SELECT 1 FROM source_references sr WHERE sr.url = a.url
		)
		ORDER BY a.fetched_at
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.Article
	for rows.Next() {
		a, err := scanArticle(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanArticle(row rowScanner) (*model.Article, error) {
	var a model.Article
	err := row.Scan(&a.URL, &a.Title, &a.Content, &a.Summary, &a.Source,
		&a.Category, &a.Author, &a.PublishedAt, &a.FetchedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}
