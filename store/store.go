// Package store owns all persistence for the pipeline: information
// units with their source references, the feed article registry, the
// entity knowledge graph and the sqlite-vec vector index, all in one
// SQLite database.
package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"
)

func init() {
	sqlite_vec.Auto()
}

// Store wraps the SQLite database for all feedmind persistence.
type Store struct {
	db           *sql.DB
	embeddingDim int

	vecOnce sync.Once
}

// New opens (or creates) a SQLite database at the given path and
// initialises the schema including the sqlite-vec virtual table.
func New(dbPath string, embeddingDim int) (*Store, error) {
	// Ensure parent directory exists
	dir := filepath.Dir(dbPath)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=30000")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Create schema
	if _, err := db.Exec(schemaSQL(embeddingDim)); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	// Connection pool settings for SQLite.
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &Store{db: db, embeddingDim: embeddingDim}

	// Run pending migrations.
	if err := s.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying *sql.DB for advanced queries.
func (s *Store) DB() *sql.DB {
	return s.db
}

// EmbeddingDim returns the configured embedding dimension.
func (s *Store) EmbeddingDim() int {
	return s.embeddingDim
}

// Stats summarizes row counts across the main tables.
type Stats struct {
	Articles    int `json:"articles"`
	Units       int `json:"units"`
	UnsentUnits int `json:"unsent_units"`
	Entities    int `json:"entities"`
	Mentions    int `json:"mentions"`
	Relations   int `json:"relations"`
	Vectors     int `json:"vectors"`
}

// GetStats counts rows in the main tables.
func (s *Store) GetStats(ctx context.Context) (*Stats, error) {
	st := &Stats{}
	counts := []struct {
		query string
		dst   *int
	}{
		{"SELECT COUNT(*) FROM articles", &st.Articles},
		{"SELECT COUNT(*) FROM information_units", &st.Units},
		{"SELECT COUNT(*) FROM information_units WHERE is_sent = 0", &st.UnsentUnits},
		{"SELECT COUNT(*) FROM entities", &st.Entities},
		{"SELECT COUNT(*) FROM entity_mentions", &st.Mentions},
		{"SELECT COUNT(*) FROM entity_relations", &st.Relations},
		{"SELECT COUNT(*) FROM vec_units", &st.Vectors},
	}
	for _, c := range counts {
		if err := s.db.QueryRowContext(ctx, c.query).Scan(c.dst); err != nil {
			return nil, fmt.Errorf("stats query %q: %w", c.query, err)
		}
	}
	return st, nil
}

// --- helpers ---

func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func repeatPlaceholders(n int) string {
	s := ""
	for i := 0; i < n; i++ {
		s += ", ?"
	}
	return s
}

// serializeFloat32 converts a float32 slice to little-endian bytes for sqlite-vec.
func serializeFloat32(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}
