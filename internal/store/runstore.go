// Package store persists research runs: run state, append-only trace
// events, the sources list, and verified claims. Backed by SQLite.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// RunStatus is the lifecycle state of a run. A run reaches exactly one
// terminal status (done or error).
type RunStatus string

const (
	StatusRunning RunStatus = "running"
	StatusDone    RunStatus = "done"
	StatusError   RunStatus = "error"
)

// Run is the persisted run record.
type Run struct {
	ID          string         `json:"id"`
	Query       string         `json:"query"`
	Mode        string         `json:"mode"` // classic | deep
	Settings    map[string]any `json:"settings,omitempty"`
	Status      RunStatus      `json:"status"`
	FinalAnswer string         `json:"final_answer,omitempty"`
	Error       string         `json:"error,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// TraceEvent is one append-only trace entry.
type TraceEvent struct {
	Step      string         `json:"step"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// SourceRecord is the persisted projection of one pool hit.
type SourceRecord struct {
	SourceType string         `json:"source_type"`
	RefID      string         `json:"ref_id"`
	ChunkID    int64          `json:"chunk_id"`
	Title      string         `json:"title,omitempty"`
	URL        string         `json:"url,omitempty"`
	Domain     string         `json:"domain,omitempty"`
	Score      float64        `json:"score"`
	Snippet    string         `json:"snippet,omitempty"`
	Meta       map[string]any `json:"meta,omitempty"`
	Pinned     bool           `json:"pinned"`
	Excluded   bool           `json:"excluded"`
	Citation   string         `json:"citation,omitempty"`
}

// SourceFlags carries the user-set per-source overrides.
type SourceFlags struct {
	Pinned   bool `json:"pinned"`
	Excluded bool `json:"excluded"`
}

// ClaimRecord mirrors the pipeline's claim type to avoid an import
// cycle with the research package.
type ClaimRecord struct {
	Claim     string          `json:"claim"`
	Status    string          `json:"status"` // supported | unclear | refuted
	Citations []string        `json:"citations,omitempty"`
	Evidence  []ClaimEvidence `json:"evidence,omitempty"`
	Notes     string          `json:"notes,omitempty"`
}

// ClaimEvidence is one citation+quote pair backing a claim.
type ClaimEvidence struct {
	Citation string `json:"citation"`
	Quote    string `json:"quote"`
}

// =============================================================================
// RUN STORE
// =============================================================================

// RunStore is the SQLite-backed research run store. Safe for use from
// multiple runs concurrently; all state is keyed by run id.
type RunStore struct {
	db *sql.DB
	mu sync.Mutex
}

// Open initializes the store at the given path, creating the schema
// when missing.
func Open(path string) (*RunStore, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		return nil, fmt.Errorf("failed to set busy_timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		return nil, fmt.Errorf("failed to set journal_mode: %w", err)
	}

	s := &RunStore{db: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the database handle.
func (s *RunStore) Close() error { return s.db.Close() }

// DB exposes the underlying handle so the document index can share the
// same database file (the connection pool is capped at one connection,
// so sharing is safe).
func (s *RunStore) DB() *sql.DB { return s.db }

func (s *RunStore) ensureSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		query TEXT NOT NULL,
		mode TEXT NOT NULL,
		settings TEXT,
		status TEXT NOT NULL,
		final_answer TEXT,
		error TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS run_trace (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		step TEXT NOT NULL,
		payload TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_trace_run ON run_trace(run_id);

	CREATE TABLE IF NOT EXISTS run_sources (
		run_id TEXT NOT NULL,
		ref_id TEXT NOT NULL,
		source_type TEXT NOT NULL,
		chunk_id INTEGER,
		title TEXT,
		url TEXT,
		domain TEXT,
		score REAL,
		snippet TEXT,
		meta TEXT,
		pinned BOOLEAN NOT NULL DEFAULT 0,
		excluded BOOLEAN NOT NULL DEFAULT 0,
		citation TEXT,
		PRIMARY KEY (run_id, ref_id)
	);

	CREATE TABLE IF NOT EXISTS run_claims (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		claim TEXT NOT NULL,
		status TEXT NOT NULL,
		citations TEXT,
		evidence TEXT,
		notes TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_claims_run ON run_claims(run_id);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}
	return nil
}

// =============================================================================
// RUNS
// =============================================================================

// CreateRun registers a new run and returns its id.
func (s *RunStore) CreateRun(query, mode string, settings map[string]any) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.NewString()
	settingsJSON, err := json.Marshal(settings)
	if err != nil {
		return "", fmt.Errorf("failed to marshal settings: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO runs (id, query, mode, settings, status) VALUES (?, ?, ?, ?, ?)`,
		id, query, mode, string(settingsJSON), string(StatusRunning),
	)
	if err != nil {
		return "", fmt.Errorf("failed to create run: %w", err)
	}
	return id, nil
}

// GetRun loads one run.
func (s *RunStore) GetRun(runID string) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRow(
		`SELECT id, query, mode, settings, status, final_answer, error, created_at, updated_at
		 FROM runs WHERE id = ?`, runID)

	var (
		run                            Run
		settingsJSON, answer, errorMsg sql.NullString
		status                         string
	)
	if err := row.Scan(&run.ID, &run.Query, &run.Mode, &settingsJSON, &status, &answer, &errorMsg, &run.CreatedAt, &run.UpdatedAt); err != nil {
		return nil, fmt.Errorf("failed to load run %s: %w", runID, err)
	}
	run.Status = RunStatus(status)
	run.FinalAnswer = answer.String
	run.Error = errorMsg.String
	if settingsJSON.String != "" {
		_ = json.Unmarshal([]byte(settingsJSON.String), &run.Settings)
	}
	return &run, nil
}

// ListRuns returns the most recent runs, newest first.
func (s *RunStore) ListRuns(limit int) ([]Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(
		`SELECT id, query, mode, status, created_at, updated_at
		 FROM runs ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var status string
		if err := rows.Scan(&r.ID, &r.Query, &r.Mode, &status, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		r.Status = RunStatus(status)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// SetRunDone marks a run terminal-done with its final answer. A run
// already terminal is left untouched.
func (s *RunStore) SetRunDone(runID, answer string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`UPDATE runs SET status = ?, final_answer = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE id = ? AND status = ?`,
		string(StatusDone), answer, runID, string(StatusRunning),
	)
	if err != nil {
		return fmt.Errorf("failed to mark run done: %w", err)
	}
	return nil
}

// SetRunError marks a run terminal-error.
func (s *RunStore) SetRunError(runID, errorMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`UPDATE runs SET status = ?, error = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE id = ? AND status = ?`,
		string(StatusError), errorMsg, runID, string(StatusRunning),
	)
	if err != nil {
		return fmt.Errorf("failed to mark run error: %w", err)
	}
	return nil
}

// =============================================================================
// TRACE
// =============================================================================

// AddTrace appends one trace event. The trace is append-only.
func (s *RunStore) AddTrace(runID, step string, payload map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var payloadJSON []byte
	if payload != nil {
		var err error
		payloadJSON, err = json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal trace payload: %w", err)
		}
	}
	_, err := s.db.Exec(
		`INSERT INTO run_trace (run_id, step, payload) VALUES (?, ?, ?)`,
		runID, step, string(payloadJSON),
	)
	if err != nil {
		return fmt.Errorf("failed to append trace: %w", err)
	}
	return nil
}

// TraceEvents returns a run's trace in insertion order.
func (s *RunStore) TraceEvents(runID string) ([]TraceEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(
		`SELECT step, payload, created_at FROM run_trace WHERE run_id = ? ORDER BY id ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to load trace: %w", err)
	}
	defer rows.Close()

	var events []TraceEvent
	for rows.Next() {
		var ev TraceEvent
		var payload sql.NullString
		if err := rows.Scan(&ev.Step, &payload, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan trace event: %w", err)
		}
		if payload.String != "" {
			_ = json.Unmarshal([]byte(payload.String), &ev.Payload)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// =============================================================================
// SOURCES
// =============================================================================

// UpsertSources replaces a run's sources list with the given entries,
// preserving previously-set pinned/excluded flags (those belong to the
// user, not the pipeline) and deleting entries no longer present.
func (s *RunStore) UpsertSources(runID string, records []SourceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	keep := make([]any, 0, len(records)+1)
	keep = append(keep, runID)
	for _, rec := range records {
		metaJSON, err := json.Marshal(rec.Meta)
		if err != nil {
			return fmt.Errorf("failed to marshal source meta: %w", err)
		}
		_, err = tx.Exec(
			`INSERT INTO run_sources
				(run_id, ref_id, source_type, chunk_id, title, url, domain, score, snippet, meta, pinned, excluded, citation)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(run_id, ref_id) DO UPDATE SET
				source_type = excluded.source_type,
				chunk_id = excluded.chunk_id,
				title = excluded.title,
				url = excluded.url,
				domain = excluded.domain,
				score = excluded.score,
				snippet = excluded.snippet,
				meta = excluded.meta,
				citation = excluded.citation`,
			runID, rec.RefID, rec.SourceType, rec.ChunkID, rec.Title, rec.URL, rec.Domain,
			rec.Score, rec.Snippet, string(metaJSON), rec.Pinned, rec.Excluded, rec.Citation,
		)
		if err != nil {
			return fmt.Errorf("failed to upsert source %s: %w", rec.RefID, err)
		}
		keep = append(keep, rec.RefID)
	}

	// Delete stale entries no longer in the pool.
	query := `DELETE FROM run_sources WHERE run_id = ?`
	if len(records) > 0 {
		query += ` AND ref_id NOT IN (?` + strings.Repeat(",?", len(records)-1) + `)`
	}
	if _, err := tx.Exec(query, keep...); err != nil {
		return fmt.Errorf("failed to prune stale sources: %w", err)
	}

	return tx.Commit()
}

// SetSourceFlags updates the user overrides for one source.
func (s *RunStore) SetSourceFlags(runID, refID string, flags SourceFlags) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`UPDATE run_sources SET pinned = ?, excluded = ? WHERE run_id = ? AND ref_id = ?`,
		flags.Pinned, flags.Excluded, runID, refID,
	)
	if err != nil {
		return fmt.Errorf("failed to set source flags: %w", err)
	}
	return nil
}

// SourceFlagsByRefID returns the pinned/excluded overrides for a run.
func (s *RunStore) SourceFlagsByRefID(runID string) (map[string]SourceFlags, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(
		`SELECT ref_id, pinned, excluded FROM run_sources WHERE run_id = ?`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to load source flags: %w", err)
	}
	defer rows.Close()

	flags := make(map[string]SourceFlags)
	for rows.Next() {
		var refID string
		var f SourceFlags
		if err := rows.Scan(&refID, &f.Pinned, &f.Excluded); err != nil {
			return nil, fmt.Errorf("failed to scan source flags: %w", err)
		}
		flags[refID] = f
	}
	return flags, rows.Err()
}

// Sources returns a run's full sources list.
func (s *RunStore) Sources(runID string) ([]SourceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(
		`SELECT ref_id, source_type, chunk_id, title, url, domain, score, snippet, meta, pinned, excluded, citation
		 FROM run_sources WHERE run_id = ? ORDER BY citation`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to load sources: %w", err)
	}
	defer rows.Close()

	var records []SourceRecord
	for rows.Next() {
		var (
			rec                                        SourceRecord
			chunkID                                    sql.NullInt64
			title, url, domain, snippet, meta, tagCell sql.NullString
			score                                      sql.NullFloat64
		)
		if err := rows.Scan(&rec.RefID, &rec.SourceType, &chunkID, &title, &url, &domain, &score, &snippet, &meta, &rec.Pinned, &rec.Excluded, &tagCell); err != nil {
			return nil, fmt.Errorf("failed to scan source: %w", err)
		}
		rec.ChunkID = chunkID.Int64
		rec.Title = title.String
		rec.URL = url.String
		rec.Domain = domain.String
		rec.Score = score.Float64
		rec.Snippet = snippet.String
		rec.Citation = tagCell.String
		if meta.String != "" {
			_ = json.Unmarshal([]byte(meta.String), &rec.Meta)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// =============================================================================
// CLAIMS
// =============================================================================

// ClearClaims deletes a run's claims. The verifier replaces claims
// wholesale on every pass.
func (s *RunStore) ClearClaims(runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`DELETE FROM run_claims WHERE run_id = ?`, runID); err != nil {
		return fmt.Errorf("failed to clear claims: %w", err)
	}
	return nil
}

// AddClaims appends claim records for a run.
func (s *RunStore) AddClaims(runID string, claims []ClaimRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := insertClaims(tx, runID, claims); err != nil {
		return err
	}
	return tx.Commit()
}

// ReplaceClaims swaps a run's claim set in one transaction, so a
// failure mid-replace never leaves the run with no claims at all.
func (s *RunStore) ReplaceClaims(runID string, claims []ClaimRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM run_claims WHERE run_id = ?`, runID); err != nil {
		return fmt.Errorf("failed to clear claims: %w", err)
	}
	if err := insertClaims(tx, runID, claims); err != nil {
		return err
	}
	return tx.Commit()
}

func insertClaims(tx *sql.Tx, runID string, claims []ClaimRecord) error {
	for _, c := range claims {
		citationsJSON, err := json.Marshal(c.Citations)
		if err != nil {
			return fmt.Errorf("failed to marshal citations: %w", err)
		}
		evidenceJSON, err := json.Marshal(c.Evidence)
		if err != nil {
			return fmt.Errorf("failed to marshal evidence: %w", err)
		}
		if _, err := tx.Exec(
			`INSERT INTO run_claims (run_id, claim, status, citations, evidence, notes) VALUES (?, ?, ?, ?, ?, ?)`,
			runID, c.Claim, c.Status, string(citationsJSON), string(evidenceJSON), c.Notes,
		); err != nil {
			return fmt.Errorf("failed to insert claim: %w", err)
		}
	}
	return nil
}

// Claims returns a run's claims in insertion order.
func (s *RunStore) Claims(runID string) ([]ClaimRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(
		`SELECT claim, status, citations, evidence, notes FROM run_claims WHERE run_id = ? ORDER BY id ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to load claims: %w", err)
	}
	defer rows.Close()

	var claims []ClaimRecord
	for rows.Next() {
		var c ClaimRecord
		var citations, evidence, notes sql.NullString
		if err := rows.Scan(&c.Claim, &c.Status, &citations, &evidence, &notes); err != nil {
			return nil, fmt.Errorf("failed to scan claim: %w", err)
		}
		if citations.String != "" {
			_ = json.Unmarshal([]byte(citations.String), &c.Citations)
		}
		if evidence.String != "" {
			_ = json.Unmarshal([]byte(evidence.String), &c.Evidence)
		}
		c.Notes = notes.String
		claims = append(claims, c)
	}
	return claims, rows.Err()
}

