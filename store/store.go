// Package store keeps an audit log of processed documents in SQLite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

var (
	// ErrRunNotFound is returned by GetRun for an unknown id.
	ErrRunNotFound = errors.New("store: run not found")

	// ErrDocumentNotFound is returned by GetDocument for an unknown hash.
	ErrDocumentNotFound = errors.New("store: document not found")
)

const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// timeLayout is fixed-width so that stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Run represents a row in the runs table: one pipeline invocation.
type Run struct {
	ID          string          `json:"id"`
	Operation   string          `json:"operation"`
	Filename    string          `json:"filename"`
	ContentHash string          `json:"content_hash"`
	PageNumber  int             `json:"page_number,omitempty"`
	PageCount   int             `json:"page_count,omitempty"`
	Language    string          `json:"language"`
	Status      string          `json:"status"`
	Error       string          `json:"error,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	TotalTokens int             `json:"total_tokens"`
	DurationMs  int64           `json:"duration_ms"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Document represents a row in the documents table.
type Document struct {
	ContentHash string    `json:"content_hash"`
	Filename    string    `json:"filename"`
	PageCount   int       `json:"page_count"`
	FirstSeen   time.Time `json:"first_seen"`
	LastSeen    time.Time `json:"last_seen"`
}

// Stats holds counts of logged objects.
type Stats struct {
	Runs      int `json:"runs"`
	Failed    int `json:"failed"`
	Documents int `json:"documents"`
}

// Store wraps the SQLite database for the run log.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// New opens (or creates) a SQLite database at the given path and applies
// the schema and pending migrations.
func New(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=30000")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &Store{db: db, now: time.Now}

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

// --- Run operations ---

// RecordRun writes r to the log and refreshes the document registry entry
// for its content hash. Empty ID and CreatedAt are filled in; the stored
// run is returned.
func (s *Store) RecordRun(ctx context.Context, r Run) (*Run, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.now().UTC()
	}
	if r.Status == "" {
		r.Status = StatusSuccess
	}
	created := r.CreatedAt.UTC().Format(timeLayout)

	var result sql.NullString
	if len(r.Result) > 0 {
		result = sql.NullString{String: string(r.Result), Valid: true}
	}

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO runs (id, operation, filename, content_hash, page_number, page_count,
				language, status, error, result, total_tokens, duration_ms, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, r.ID, r.Operation, r.Filename, r.ContentHash, r.PageNumber, r.PageCount, r.Language,
			r.Status, r.Error, result, r.TotalTokens, r.DurationMs, created); err != nil {
			return fmt.Errorf("inserting run: %w", err)
		}

		if r.ContentHash == "" {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO documents (content_hash, filename, page_count, first_seen, last_seen)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(content_hash) DO UPDATE SET
				filename = excluded.filename,
				page_count = CASE WHEN excluded.page_count > 0 THEN excluded.page_count ELSE documents.page_count END,
				last_seen = excluded.last_seen
		`, r.ContentHash, r.Filename, r.PageCount, created, created); err != nil {
			return fmt.Errorf("upserting document: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &r, nil
}

const runColumns = `id, operation, filename, content_hash, page_number, page_count,
	language, status, error, result, total_tokens, duration_ms, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	var (
		r                 Run
		filename, hash    sql.NullString
		language, errText sql.NullString
		result            sql.NullString
		created           string
	)
	if err := row.Scan(&r.ID, &r.Operation, &filename, &hash, &r.PageNumber, &r.PageCount, &language,
		&r.Status, &errText, &result, &r.TotalTokens, &r.DurationMs, &created); err != nil {
		return nil, err
	}
	r.Filename = filename.String
	r.ContentHash = hash.String
	r.Language = language.String
	r.Error = errText.String
	if result.Valid && result.String != "" {
		r.Result = json.RawMessage(result.String)
	}
	t, err := time.Parse(timeLayout, created)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at %q: %w", created, err)
	}
	r.CreatedAt = t
	return &r, nil
}

// GetRun retrieves a run by ID.
func (s *Store) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+runColumns+" FROM runs WHERE id = ?", id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

// ListRuns returns up to limit runs, newest first. A non-positive limit
// returns every run.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+runColumns+" FROM runs ORDER BY created_at DESC, rowid DESC LIMIT ?", limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs := []Run{}
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

// GetDocument retrieves a document registry entry by content hash.
func (s *Store) GetDocument(ctx context.Context, hash string) (*Document, error) {
	var (
		d           Document
		first, last string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT content_hash, filename, page_count, first_seen, last_seen
		FROM documents WHERE content_hash = ?
	`, hash).Scan(&d.ContentHash, &d.Filename, &d.PageCount, &first, &last)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDocumentNotFound
	}
	if err != nil {
		return nil, err
	}
	d.FirstSeen, _ = time.Parse(timeLayout, first)
	d.LastSeen, _ = time.Parse(timeLayout, last)
	return &d, nil
}

// DeleteRunsBefore removes runs created before t and returns how many were
// deleted.
func (s *Store) DeleteRunsBefore(ctx context.Context, t time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM runs WHERE created_at < ?",
		t.UTC().Format(timeLayout))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Stats returns counts of runs, failed runs and documents.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}
	queries := []struct {
		query string
		dest  *int
	}{
		{"SELECT COUNT(*) FROM runs", &stats.Runs},
		{"SELECT COUNT(*) FROM runs WHERE status = 'error'", &stats.Failed},
		{"SELECT COUNT(*) FROM documents", &stats.Documents},
	}
	for _, q := range queries {
		if err := s.db.QueryRowContext(ctx, q.query).Scan(q.dest); err != nil {
			return nil, fmt.Errorf("counting %s: %w", q.query, err)
		}
	}
	return stats, nil
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
