// Package telemetry records every AI call made by the pipeline: an
// append-only daily JSONL log holding full request/response payloads,
// plus an ai_calls SQLite index for cheap querying. Recording is
// asynchronous behind a bounded queue so a slow disk never blocks an
// LLM caller; when the queue overflows the oldest record is dropped.
package telemetry

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Call types.
const (
	CallChat      = "chat"
	CallChatJSON  = "chat_json"
	CallEmbedding = "embedding"
)

// Message mirrors one chat message of a recorded call.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// TokenUsage is the provider-reported token accounting for one call.
type TokenUsage struct {
	Prompt     int `json:"prompt"`
	Completion int `json:"completion"`
	Total      int `json:"total"`
}

// Record is one AI call: full input and output plus timing, retries and
// context tags.
type Record struct {
	CallID     string          `json:"call_id"`
	Timestamp  time.Time       `json:"timestamp"`
	SessionID  string          `json:"session_id,omitempty"`
	AgentName  string          `json:"agent_name,omitempty"`
	CallType   string          `json:"call_type"`
	Model      string          `json:"model"`
	Messages   []Message       `json:"messages"`
	Response   string          `json:"response"`
	ParsedJSON json.RawMessage `json:"parsed_json,omitempty"`
	TokenUsage TokenUsage      `json:"token_usage"`
	DurationMS int64           `json:"duration_ms"`
	RetryCount int             `json:"retry_count"`
	Error      string          `json:"error,omitempty"`
}

// ---------------------------------------------------------------------------
// Context tags

type ctxKey int

const (
	sessionKey ctxKey = iota
	agentKey
)

// WithSession tags ctx with a session id picked up by Recorder.Record.
func WithSession(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionKey, sessionID)
}

// WithAgent tags ctx with the calling agent's name.
func WithAgent(ctx context.Context, agent string) context.Context {
	return context.WithValue(ctx, agentKey, agent)
}

// SessionFrom returns the session id tag, if any.
func SessionFrom(ctx context.Context) string {
	s, _ := ctx.Value(sessionKey).(string)
	return s
}

// AgentFrom returns the agent name tag, if any.
func AgentFrom(ctx context.Context) string {
	s, _ := ctx.Value(agentKey).(string)
	return s
}

// NewSessionID returns a fresh session identifier.
func NewSessionID() string {
	return "session_" + uuid.NewString()[:8]
}

// ---------------------------------------------------------------------------
// Recorder

// Config controls the recorder.
type Config struct {
	Enabled          bool   `json:"enabled" yaml:"enabled"`
	Dir              string `json:"dir" yaml:"dir"`
	RetentionDays    int    `json:"retention_days" yaml:"retention_days"`
	MaxContentLength int    `json:"max_content_length" yaml:"max_content_length"`
	QueueSize        int    `json:"queue_size" yaml:"queue_size"`
}

// DefaultConfig returns the recorder defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:          true,
		Dir:              "data/telemetry",
		RetentionDays:    30,
		MaxContentLength: 10000,
		QueueSize:        256,
	}
}

// Recorder owns the JSONL files and the ai_calls index. A nil Recorder
// is valid and records nothing.
type Recorder struct {
	cfg    Config
	db     *sql.DB
	logger *slog.Logger

	queue     chan Record
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once

	mu      sync.Mutex
	dropped int64
}

const indexSchema = `
CREATE TABLE IF NOT EXISTS ai_calls (
    call_id           TEXT PRIMARY KEY,
    timestamp         TEXT NOT NULL,
    session_id        TEXT,
    agent_name        TEXT,
    call_type         TEXT NOT NULL,
    model             TEXT,
    duration_ms       INTEGER,
    prompt_tokens     INTEGER,
    completion_tokens INTEGER,
    total_tokens      INTEGER,
    retry_count       INTEGER DEFAULT 0,
    error             TEXT,
    jsonl_file        TEXT
);
CREATE INDEX IF NOT EXISTS idx_ai_calls_session ON ai_calls(session_id);
CREATE INDEX IF NOT EXISTS idx_ai_calls_agent ON ai_calls(agent_name);
CREATE INDEX IF NOT EXISTS idx_ai_calls_timestamp ON ai_calls(timestamp);
`

// NewRecorder opens the telemetry directory and index and starts the
// background writer. Returns (nil, nil) when telemetry is disabled.
func NewRecorder(cfg Config, logger *slog.Logger) (*Recorder, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Dir == "" {
		cfg.Dir = DefaultConfig().Dir
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = DefaultConfig().RetentionDays
	}
	if cfg.MaxContentLength <= 0 {
		cfg.MaxContentLength = DefaultConfig().MaxContentLength
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create telemetry dir: %w", err)
	}
	db, err := sql.Open("sqlite3", filepath.Join(cfg.Dir, "telemetry.db")+"?_journal_mode=WAL&_busy_timeout=30000")
	if err != nil {
		return nil, fmt.Errorf("open telemetry index: %w", err)
	}
	if _, err := db.Exec(indexSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create telemetry schema: %w", err)
	}
	r := &Recorder{
		cfg:    cfg,
		db:     db,
		logger: logger.With("component", "telemetry"),
		queue:  make(chan Record, cfg.QueueSize),
		done:   make(chan struct{}),
	}
	r.wg.Add(1)
	go r.writeLoop()
	return r, nil
}

// Record enqueues one call record, filling the call id, timestamp and
// context tags if absent. It never blocks: when the queue is full the
// oldest queued record is discarded first.
func (r *Recorder) Record(ctx context.Context, rec Record) {
	if r == nil {
		return
	}
	if rec.CallID == "" {
		rec.CallID = "call_" + uuid.NewString()[:12]
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	if rec.SessionID == "" {
		rec.SessionID = SessionFrom(ctx)
	}
	if rec.AgentName == "" {
		rec.AgentName = AgentFrom(ctx)
	}
	r.truncate(&rec)

	for {
		select {
		case r.queue <- rec:
			return
		default:
		}
		select {
		case old := <-r.queue:
			r.mu.Lock()
			r.dropped++
			n := r.dropped
			r.mu.Unlock()
			if n%100 == 1 {
				r.logger.Warn("telemetry_record_dropped", "dropped_total", n, "call_id", old.CallID)
			}
		default:
		}
	}
}

// Dropped reports how many records were discarded due to queue overflow.
func (r *Recorder) Dropped() int64 {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// Close drains the queue and closes the index. Safe to call twice.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	var err error
	r.closeOnce.Do(func() {
		close(r.done)
		r.wg.Wait()
		err = r.db.Close()
	})
	return err
}

func (r *Recorder) writeLoop() {
	defer r.wg.Done()
	for {
		select {
		case rec := <-r.queue:
			r.write(rec)
		case <-r.done:
			for {
				select {
				case rec := <-r.queue:
					r.write(rec)
				default:
					return
				}
			}
		}
	}
}

func (r *Recorder) write(rec Record) {
	file := rec.Timestamp.Format("2006-01-02") + ".jsonl"
	if err := r.appendJSONL(file, rec); err != nil {
		r.logger.Error("telemetry_write_failed", "error", err, "call_id", rec.CallID)
		return
	}
	_, err := r.db.Exec(`
		INSERT OR REPLACE INTO ai_calls
		(call_id, timestamp, session_id, agent_name, call_type, model, duration_ms,
		 prompt_tokens, completion_tokens, total_tokens, retry_count, error, jsonl_file)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.CallID, rec.Timestamp.Format(time.RFC3339), rec.SessionID, rec.AgentName,
		rec.CallType, rec.Model, rec.DurationMS,
		rec.TokenUsage.Prompt, rec.TokenUsage.Completion, rec.TokenUsage.Total,
		rec.RetryCount, rec.Error, file)
	if err != nil {
		r.logger.Error("telemetry_index_failed", "error", err, "call_id", rec.CallID)
	}
}

func (r *Recorder) appendJSONL(file string, rec Record) error {
	f, err := os.OpenFile(filepath.Join(r.cfg.Dir, file), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	return enc.Encode(rec)
}

func (r *Recorder) truncate(rec *Record) {
	max := r.cfg.MaxContentLength
	for i := range rec.Messages {
		if len(rec.Messages[i].Content) > max {
			rec.Messages[i].Content = rec.Messages[i].Content[:max] +
				fmt.Sprintf("... [truncated, total %d chars]", len(rec.Messages[i].Content))
		}
	}
	if len(rec.Response) > max {
		rec.Response = rec.Response[:max] +
			fmt.Sprintf("... [truncated, total %d chars]", len(rec.Response))
	}
}

// ---------------------------------------------------------------------------
// Queries and maintenance

// IndexRow is one row of the ai_calls index.
type IndexRow struct {
	CallID     string     `json:"call_id"`
	Timestamp  time.Time  `json:"timestamp"`
	SessionID  string     `json:"session_id"`
	AgentName  string     `json:"agent_name"`
	CallType   string     `json:"call_type"`
	Model      string     `json:"model"`
	DurationMS int64      `json:"duration_ms"`
	TokenUsage TokenUsage `json:"token_usage"`
	RetryCount int        `json:"retry_count"`
	Error      string     `json:"error"`
	JSONLFile  string     `json:"jsonl_file"`
}

// QueryFilter narrows an index query. Zero values match everything.
type QueryFilter struct {
	SessionID string
	AgentName string
	CallType  string
	Since     time.Time
	Limit     int
}

// Query returns index rows matching the filter, newest first.
func (r *Recorder) Query(ctx context.Context, f QueryFilter) ([]IndexRow, error) {
	if r == nil {
		return nil, nil
	}
	q := `SELECT call_id, timestamp, COALESCE(session_id,''), COALESCE(agent_name,''),
	             call_type, COALESCE(model,''), COALESCE(duration_ms,0),
	             COALESCE(prompt_tokens,0), COALESCE(completion_tokens,0), COALESCE(total_tokens,0),
	             COALESCE(retry_count,0), COALESCE(error,''), COALESCE(jsonl_file,'')
	      FROM ai_calls WHERE 1=1`
	var args []any
	if f.SessionID != "" {
		q += " AND session_id = ?"
		args = append(args, f.SessionID)
	}
	if f.AgentName != "" {
		q += " AND agent_name = ?"
		args = append(args, f.AgentName)
	}
	if f.CallType != "" {
		q += " AND call_type = ?"
		args = append(args, f.CallType)
	}
	if !f.Since.IsZero() {
		q += " AND timestamp >= ?"
		args = append(args, f.Since.Format(time.RFC3339))
	}
	q += " ORDER BY timestamp DESC"
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	q += " LIMIT ?"
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query ai_calls: %w", err)
	}
	defer rows.Close()
	var out []IndexRow
	for rows.Next() {
		var row IndexRow
		var ts string
		if err := rows.Scan(&row.CallID, &ts, &row.SessionID, &row.AgentName,
			&row.CallType, &row.Model, &row.DurationMS,
			&row.TokenUsage.Prompt, &row.TokenUsage.Completion, &row.TokenUsage.Total,
			&row.RetryCount, &row.Error, &row.JSONLFile); err != nil {
			return nil, err
		}
		row.Timestamp, _ = time.Parse(time.RFC3339, ts)
		out = append(out, row)
	}
	return out, rows.Err()
}

// Stats is the aggregate view of recorded calls.
type Stats struct {
	TotalCalls    int            `json:"total_calls"`
	TotalTokens   int            `json:"total_tokens"`
	ErrorCount    int            `json:"error_count"`
	AvgDurationMS float64        `json:"avg_duration_ms"`
	ByCallType    map[string]int `json:"by_call_type"`
}

// GetStats aggregates over the whole index.
func (r *Recorder) GetStats(ctx context.Context) (*Stats, error) {
	if r == nil {
		return &Stats{ByCallType: map[string]int{}}, nil
	}
	s := &Stats{ByCallType: map[string]int{}}
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(total_tokens),0),
		       COALESCE(SUM(CASE WHEN error != '' AND error IS NOT NULL THEN 1 ELSE 0 END),0),
		       COALESCE(AVG(duration_ms),0)
		FROM ai_calls`).Scan(&s.TotalCalls, &s.TotalTokens, &s.ErrorCount, &s.AvgDurationMS)
	if err != nil {
		return nil, fmt.Errorf("telemetry stats: %w", err)
	}
	rows, err := r.db.QueryContext(ctx, `SELECT call_type, COUNT(*) FROM ai_calls GROUP BY call_type`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var ct string
		var n int
		if err := rows.Scan(&ct, &n); err != nil {
			return nil, err
		}
		s.ByCallType[ct] = n
	}
	return s, rows.Err()
}

// GetFullRecord loads one complete record from its JSONL file.
func (r *Recorder) GetFullRecord(ctx context.Context, callID string) (*Record, error) {
	if r == nil {
		return nil, nil
	}
	var file string
	err := r.db.QueryRowContext(ctx,
		`SELECT COALESCE(jsonl_file,'') FROM ai_calls WHERE call_id = ?`, callID).Scan(&file)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	f, err := os.Open(filepath.Join(r.cfg.Dir, file))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	dec := json.NewDecoder(f)
	for {
		var rec Record
		if err := dec.Decode(&rec); err != nil {
			return nil, nil
		}
		if rec.CallID == callID {
			return &rec, nil
		}
	}
}

// Cleanup removes JSONL files and index rows older than the retention
// window. Returns the number of files removed.
func (r *Recorder) Cleanup(ctx context.Context) (int, error) {
	if r == nil {
		return 0, nil
	}
	cutoff := time.Now().AddDate(0, 0, -r.cfg.RetentionDays)
	entries, err := os.ReadDir(r.cfg.Dir)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, e := range entries {
		name := e.Name()
		if filepath.Ext(name) != ".jsonl" {
			continue
		}
		day, err := time.Parse("2006-01-02", name[:len(name)-len(".jsonl")])
		if err != nil || !day.Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(r.cfg.Dir, name)); err != nil {
			r.logger.Warn("telemetry_cleanup_failed", "file", name, "error", err)
			continue
		}
		if _, err := r.db.ExecContext(ctx, `DELETE FROM ai_calls WHERE jsonl_file = ?`, name); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// Export writes all index rows matching the filter to one JSONL file.
func (r *Recorder) Export(ctx context.Context, path string, f QueryFilter) (int, error) {
	if r == nil {
		return 0, nil
	}
	rows, err := r.Query(ctx, f)
	if err != nil {
		return 0, err
	}
	out, err := os.Create(path)
	if err != nil {
		return 0, err
	}
	defer out.Close()
	enc := json.NewEncoder(out)
	for _, row := range rows {
		if err := enc.Encode(row); err != nil {
			return 0, err
		}
	}
	return len(rows), nil
}
