package journal

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteJournal implements Journal using SQLite.
type SQLiteJournal struct {
	db *sql.DB
	mu sync.RWMutex
}

// NewSQLiteJournal opens (and creates) the journal database.
// Use ":memory:" for an in-memory database, or a file path for persistent storage.
func NewSQLiteJournal(dbPath string) (*SQLiteJournal, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// every pooled connection to ":memory:" would see its own database
	db.SetMaxOpenConns(1)

	j, err := NewWithDB(db)
	if err != nil {
		_ = db.Close() // Best effort cleanup on initialization error
		return nil, err
	}
	return j, nil
}

// NewWithDB uses an already opened database.
func NewWithDB(db *sql.DB) (*SQLiteJournal, error) {
	j := &SQLiteJournal{db: db}
	if err := j.initialize(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return j, nil
}

func (j *SQLiteJournal) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		request_id TEXT NOT NULL,
		digest TEXT NOT NULL,
		phase TEXT NOT NULL,
		repository TEXT,
		detail TEXT,
		timestamp INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_digest ON events(digest);
	CREATE INDEX IF NOT EXISTS idx_timestamp ON events(timestamp);
	`
	_, err := j.db.Exec(schema)
	return err
}

// Append adds an event to the journal.
func (j *SQLiteJournal) Append(ctx context.Context, e Event) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := j.db.ExecContext(ctx,
		"INSERT INTO events (request_id, digest, phase, repository, detail, timestamp) VALUES (?, ?, ?, ?, ?, ?)",
		e.RequestID, e.Digest, e.Phase, e.Repository, e.Detail, e.At.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// ByDigest retrieves all events for a digest.
func (j *SQLiteJournal) ByDigest(ctx context.Context, digest string) ([]Event, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	rows, err := j.db.QueryContext(ctx,
		"SELECT id, request_id, digest, phase, repository, detail, timestamp FROM events WHERE digest = ? ORDER BY id",
		digest,
	)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return scanEvents(rows)
}

// Recent retrieves the newest events.
func (j *SQLiteJournal) Recent(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}
	j.mu.RLock()
	defer j.mu.RUnlock()

	rows, err := j.db.QueryContext(ctx,
		"SELECT id, request_id, digest, phase, repository, detail, timestamp FROM events ORDER BY id DESC LIMIT ?",
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]Event, error) {
	var events []Event
	for rows.Next() {
		var e Event
		var repository, detail sql.NullString
		var timestamp int64

		if err := rows.Scan(&e.ID, &e.RequestID, &e.Digest, &e.Phase, &repository, &detail, &timestamp); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Repository = repository.String
		e.Detail = detail.String
		e.At = time.Unix(0, timestamp)
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return events, nil
}

// Close closes the database connection.
func (j *SQLiteJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.db.Close()
}
