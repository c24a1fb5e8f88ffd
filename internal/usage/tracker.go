// Package usage persists per-request accounting to SQLite and answers the
// admin usage queries. Writes arrive in batches from the async request
// logger so the hot path never touches the database.
package usage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS request_logs (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	request_id      TEXT,
	ts              TEXT NOT NULL,
	credential_hash TEXT,
	model           TEXT NOT NULL,
	upstream_model  TEXT,
	provider        TEXT,
	input_tokens    INTEGER DEFAULT 0,
	output_tokens   INTEGER DEFAULT 0,
	total_tokens    INTEGER DEFAULT 0,
	cost_usd        REAL,
	latency_ms      INTEGER,
	status_code     INTEGER,
	cached          INTEGER DEFAULT 0,
	error_message   TEXT
);
CREATE INDEX IF NOT EXISTS idx_request_logs_ts ON request_logs(ts);
CREATE INDEX IF NOT EXISTS idx_request_logs_credential ON request_logs(credential_hash);
CREATE INDEX IF NOT EXISTS idx_request_logs_model ON request_logs(model);
`

// Record is one served (or failed) request.
type Record struct {
	RequestID      uuid.UUID
	Timestamp      time.Time
	CredentialHash string
	Model          string // logical name
	UpstreamModel  string
	Provider       string
	InputTokens    int
	OutputTokens   int
	CostUSD        *float64 // nil when no price rule matched
	LatencyMs      int64
	Status         int
	Cached         bool
	ErrorMessage   string
}

// Summary aggregates usage over a period.
type Summary struct {
	PeriodDays     int          `json:"period_days"`
	Requests       int64        `json:"requests"`
	InputTokens    int64        `json:"input_tokens"`
	OutputTokens   int64        `json:"output_tokens"`
	TotalTokens    int64        `json:"total_tokens"`
	CostUSD        float64      `json:"cost_usd"`
	AvgLatencyMs   float64      `json:"avg_latency_ms"`
	CachedRequests int64        `json:"cached_requests"`
	ErrorRequests  int64        `json:"error_requests"`
	CacheHitRate   float64      `json:"cache_hit_rate"`
	ByModel        []ModelUsage `json:"by_model"`
}

// ModelUsage is the per-model breakdown inside a Summary.
type ModelUsage struct {
	Model        string  `json:"model"`
	Requests     int64   `json:"requests"`
	TotalTokens  int64   `json:"total_tokens"`
	CostUSD      float64 `json:"cost_usd"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
}

// Tracker is the SQLite-backed usage store. Safe for concurrent use; SQLite
// serializes writers, so the pool is capped at one connection.
type Tracker struct {
	db *sql.DB
}

// Open creates (or opens) the database at path and applies the schema.
// Use ":memory:" for tests.
func Open(path string) (*Tracker, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("usage: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("usage: init schema: %w", err)
	}
	return &Tracker{db: db}, nil
}

// Ping reports whether the database is reachable. Used by readiness probes.
func (t *Tracker) Ping(ctx context.Context) error {
	return t.db.PingContext(ctx)
}

// Write inserts a batch of records in one transaction. Implements the
// request logger's sink contract.
func (t *Tracker) Write(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("usage: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO request_logs (
			request_id, ts, credential_hash, model, upstream_model, provider,
			input_tokens, output_tokens, total_tokens, cost_usd,
			latency_ms, status_code, cached, error_message
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("usage: prepare: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		var cost any
		if r.CostUSD != nil {
			cost = *r.CostUSD
		}
		cached := 0
		if r.Cached {
			cached = 1
		}
		_, err := stmt.ExecContext(ctx,
			r.RequestID.String(),
			r.Timestamp.UTC().Format(time.RFC3339Nano),
			r.CredentialHash,
			r.Model,
			r.UpstreamModel,
			r.Provider,
			r.InputTokens,
			r.OutputTokens,
			r.InputTokens+r.OutputTokens,
			cost,
			r.LatencyMs,
			r.Status,
			cached,
			nullIfEmpty(r.ErrorMessage),
		)
		if err != nil {
			return fmt.Errorf("usage: insert: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("usage: commit: %w", err)
	}
	return nil
}

// Summarize aggregates the last `days` days, optionally filtered by
// credential hash (empty string means all credentials).
func (t *Tracker) Summarize(ctx context.Context, days int, credentialHash string) (*Summary, error) {
	if days <= 0 {
		days = 30
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -days).Format(time.RFC3339Nano)

	where := "ts >= ?"
	args := []any{cutoff}
	if credentialHash != "" {
		where += " AND credential_hash = ?"
		args = append(args, credentialHash)
	}

	s := &Summary{PeriodDays: days}

	row := t.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(input_tokens), 0),
			COALESCE(SUM(output_tokens), 0),
			COALESCE(SUM(total_tokens), 0),
			COALESCE(SUM(cost_usd), 0),
			COALESCE(AVG(latency_ms), 0),
			COALESCE(SUM(cached), 0),
			COALESCE(SUM(CASE WHEN status_code >= 400 THEN 1 ELSE 0 END), 0)
		FROM request_logs WHERE `+where, args...)
	if err := row.Scan(
		&s.Requests, &s.InputTokens, &s.OutputTokens, &s.TotalTokens,
		&s.CostUSD, &s.AvgLatencyMs, &s.CachedRequests, &s.ErrorRequests,
	); err != nil {
		return nil, fmt.Errorf("usage: summarize: %w", err)
	}

	if s.Requests > 0 {
		s.CacheHitRate = float64(s.CachedRequests) / float64(s.Requests) * 100
	}

	rows, err := t.db.QueryContext(ctx, `
		SELECT model, COUNT(*), COALESCE(SUM(total_tokens), 0),
		       COALESCE(SUM(cost_usd), 0), COALESCE(AVG(latency_ms), 0)
		FROM request_logs WHERE `+where+`
		GROUP BY model ORDER BY COUNT(*) DESC`, args...)
	if err != nil {
		return nil, fmt.Errorf("usage: breakdown: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var m ModelUsage
		if err := rows.Scan(&m.Model, &m.Requests, &m.TotalTokens, &m.CostUSD, &m.AvgLatencyMs); err != nil {
			return nil, fmt.Errorf("usage: breakdown scan: %w", err)
		}
		s.ByModel = append(s.ByModel, m)
	}
	return s, rows.Err()
}

// Recent returns the most recent records, newest first.
func (t *Tracker) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	rows, err := t.db.QueryContext(ctx, `
		SELECT request_id, ts, credential_hash, model, upstream_model, provider,
		       input_tokens, output_tokens, cost_usd, latency_ms, status_code,
		       cached, COALESCE(error_message, '')
		FROM request_logs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("usage: recent: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			r      Record
			reqID  string
			ts     string
			cost   sql.NullFloat64
			cached int
		)
		if err := rows.Scan(&reqID, &ts, &r.CredentialHash, &r.Model, &r.UpstreamModel,
			&r.Provider, &r.InputTokens, &r.OutputTokens, &cost, &r.LatencyMs,
			&r.Status, &cached, &r.ErrorMessage); err != nil {
			return nil, fmt.Errorf("usage: recent scan: %w", err)
		}
		r.RequestID, _ = uuid.Parse(reqID)
		r.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		if cost.Valid {
			v := cost.Float64
			r.CostUSD = &v
		}
		r.Cached = cached == 1
		out = append(out, r)
	}
	return out, rows.Err()
}

// Close releases the database handle.
func (t *Tracker) Close() error {
	return t.db.Close()
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
