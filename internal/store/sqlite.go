package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"

	"github.com/c2stem/copa/internal/domain"
	"github.com/c2stem/copa/internal/retry"
	"github.com/c2stem/copa/internal/shared"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db      *sql.DB
	writeMu sync.Mutex // serializes transcript writes to avoid SQLITE_BUSY
	writes  *retry.Adapter
}

// Open opens (creating if needed) a SQLite database in WAL mode.
func Open(dbPath string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	db, err := Open(dbPath)
	if err != nil {
		return nil, err
	}
	return NewSQLiteFromDB(db, logger)
}

// NewSQLiteFromDB wraps an open database handle and ensures the schema exists.
func NewSQLiteFromDB(db *sql.DB, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &SQLiteStore{
		db:     db,
		writes: retry.New(3, 100*time.Millisecond, shared.IsSQLiteConflictError, retry.WithLogger(logger)),
	}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS students (
		username TEXT PRIMARY KEY,
		created_at INTEGER NOT NULL,
		last_seen_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS transcripts (
		id TEXT NOT NULL,
		username TEXT NOT NULL,
		run_id TEXT NOT NULL,
		messages_json TEXT NOT NULL,
		timestamps_json TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (username, run_id)
	);
	CREATE INDEX IF NOT EXISTS idx_transcripts_updated ON transcripts(updated_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// GetStudent retrieves a student by username.
func (s *SQLiteStore) GetStudent(ctx context.Context, username string) (*domain.Student, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT username, created_at, last_seen_at FROM students WHERE username = ?`, username)

	var st domain.Student
	var createdAt, lastSeen int64
	err := row.Scan(&st.Username, &createdAt, &lastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("student %s: %w", username, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan student row: %w", err)
	}
	st.CreatedAt = time.Unix(createdAt, 0)
	st.LastSeenAt = time.Unix(lastSeen, 0)
	return &st, nil
}

// UpsertStudent creates or updates a student record.
func (s *SQLiteStore) UpsertStudent(ctx context.Context, st *domain.Student) error {
	query := `
	INSERT INTO students (username, created_at, last_seen_at)
	VALUES (?, ?, ?)
	ON CONFLICT(username) DO UPDATE SET
		last_seen_at = excluded.last_seen_at`

	now := time.Now()
	created, seen := st.CreatedAt, st.LastSeenAt
	if created.IsZero() {
		created = now
	}
	if seen.IsZero() {
		seen = now
	}
	_, err := retry.Call(ctx, s.writes, "upsert student", func(ctx context.Context) (sql.Result, error) {
		return s.db.ExecContext(ctx, query, st.Username, created.Unix(), seen.Unix())
	}, nil)
	if err != nil {
		return fmt.Errorf("upsert student: %w", err)
	}
	return nil
}

// UpsertTranscript creates or replaces a run's transcript. A new ID is
// assigned on first insert and kept on later updates. Lock conflicts are
// retried like DeleteTranscripts.
func (s *SQLiteStore) UpsertTranscript(ctx context.Context, t *domain.Transcript) error {
	messagesJSON, err := json.Marshal(t.Messages)
	if err != nil {
		return fmt.Errorf("marshal messages: %w", err)
	}
	timestampsJSON, err := json.Marshal(t.Timestamps)
	if err != nil {
		return fmt.Errorf("marshal timestamps: %w", err)
	}
	if t.ID == "" {
		t.ID = ulid.Make().String()
	}
	now := time.Now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now

	query := `
		INSERT INTO transcripts (id, username, run_id, messages_json, timestamps_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(username, run_id) DO UPDATE SET
			messages_json = excluded.messages_json,
			timestamps_json = excluded.timestamps_json,
			updated_at = excluded.updated_at`

	_, err = retry.Call(ctx, s.writes, "upsert transcript", func(ctx context.Context) (sql.Result, error) {
		s.writeMu.Lock()
		defer s.writeMu.Unlock()
		return s.db.ExecContext(ctx, query,
			t.ID, t.Username, t.RunID, string(messagesJSON), string(timestampsJSON),
			t.CreatedAt.UnixMilli(), t.UpdatedAt.UnixMilli(),
		)
	}, nil)
	if err != nil {
		return fmt.Errorf("upsert transcript: %w", err)
	}
	return nil
}

const transcriptColumns = `id, username, run_id, messages_json, timestamps_json, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTranscript(row rowScanner) (*domain.Transcript, error) {
	var t domain.Transcript
	var messagesJSON, timestampsJSON string
	var createdAt, updatedAt int64
	if err := row.Scan(&t.ID, &t.Username, &t.RunID, &messagesJSON, &timestampsJSON, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(messagesJSON), &t.Messages); err != nil {
		return nil, fmt.Errorf("decode messages of run %s: %w", t.RunID, err)
	}
	if err := json.Unmarshal([]byte(timestampsJSON), &t.Timestamps); err != nil {
		return nil, fmt.Errorf("decode timestamps of run %s: %w", t.RunID, err)
	}
	t.CreatedAt = time.UnixMilli(createdAt)
	t.UpdatedAt = time.UnixMilli(updatedAt)
	return &t, nil
}

// GetTranscript retrieves the transcript of one run.
func (s *SQLiteStore) GetTranscript(ctx context.Context, username, runID string) (*domain.Transcript, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+transcriptColumns+` FROM transcripts WHERE username = ? AND run_id = ?`, username, runID)
	t, err := scanTranscript(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("transcript %s/%s: %w", username, runID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan transcript row: %w", err)
	}
	return t, nil
}

// ListTranscripts returns every run of one student, newest first.
func (s *SQLiteStore) ListTranscripts(ctx context.Context, username string) ([]*domain.Transcript, error) {
	return s.queryTranscripts(ctx,
		`SELECT `+transcriptColumns+` FROM transcripts WHERE username = ? ORDER BY updated_at DESC`, username)
}

// ListLatestTranscripts returns the most recently updated run of every student.
func (s *SQLiteStore) ListLatestTranscripts(ctx context.Context) ([]*domain.Transcript, error) {
	return s.queryTranscripts(ctx, `
		SELECT `+transcriptColumns+` FROM transcripts t
		WHERE updated_at = (SELECT MAX(updated_at) FROM transcripts WHERE username = t.username)
		ORDER BY username`)
}

func (s *SQLiteStore) queryTranscripts(ctx context.Context, query string, args ...any) ([]*domain.Transcript, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query transcripts: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close transcript rows", "error", closeErr)
		}
	}()

	var out []*domain.Transcript
	for rows.Next() {
		t, err := scanTranscript(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transcript row: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transcripts: %w", err)
	}
	return out, nil
}

// DeleteTranscripts removes every run of one student. SQLITE_BUSY and
// "database is locked" failures are retried with exponential backoff.
func (s *SQLiteStore) DeleteTranscripts(ctx context.Context, username string) (int64, error) {
	n, err := retry.Call(ctx, s.writes, "delete transcripts", func(ctx context.Context) (int64, error) {
		return s.deleteTranscriptsOnce(ctx, username)
	}, 0)
	if err != nil {
		return 0, fmt.Errorf("failed to delete transcripts for %s: %w", username, err)
	}
	return n, nil
}

func (s *SQLiteStore) deleteTranscriptsOnce(ctx context.Context, username string) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM transcripts WHERE username = ?`, username)
	if err != nil {
		return 0, fmt.Errorf("delete transcripts: %w", err)
	}
	return res.RowsAffected()
}

// CleanupTranscripts removes runs older than ttl.
func (s *SQLiteStore) CleanupTranscripts(ctx context.Context, ttl time.Duration) (int64, error) {
	threshold := time.Now().Add(-ttl).UnixMilli()
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	result, err := s.db.ExecContext(ctx, `DELETE FROM transcripts WHERE updated_at < ?`, threshold)
	if err != nil {
		return 0, fmt.Errorf("cleanup transcripts: %w", err)
	}
	return result.RowsAffected()
}
