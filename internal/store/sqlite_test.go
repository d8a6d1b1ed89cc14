package store

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/c2stem/copa/internal/domain"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "copa.db"), nil)
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func transcript(username, runID string, contents ...string) *domain.Transcript {
	tr := &domain.Transcript{Username: username, RunID: runID}
	for i, c := range contents {
		role := domain.RoleUser
		if i%2 == 1 {
			role = domain.RoleAssistant
		}
		ts := domain.Now()
		tr.Messages = append(tr.Messages, domain.Message{Role: role, Content: c, Timestamp: ts})
		tr.Timestamps = append(tr.Timestamps, ts)
	}
	return tr
}

func TestStudentUpsertAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.GetStudent(ctx, "alice"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	first := time.Unix(1_700_000_000, 0)
	if err := s.UpsertStudent(ctx, &domain.Student{Username: "alice", CreatedAt: first, LastSeenAt: first}); err != nil {
		t.Fatalf("UpsertStudent: %v", err)
	}
	later := first.Add(time.Hour)
	if err := s.UpsertStudent(ctx, &domain.Student{Username: "alice", CreatedAt: later, LastSeenAt: later}); err != nil {
		t.Fatalf("UpsertStudent: %v", err)
	}

	got, err := s.GetStudent(ctx, "alice")
	if err != nil {
		t.Fatalf("GetStudent: %v", err)
	}
	if !got.CreatedAt.Equal(first) {
		t.Errorf("created_at changed on update: %v", got.CreatedAt)
	}
	if !got.LastSeenAt.Equal(later) {
		t.Errorf("expected last_seen_at %v, got %v", later, got.LastSeenAt)
	}
}

func TestTranscriptUpsertKeepsOneRowPerRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tr := transcript("alice", "run-1", "truck won't move")
	if err := s.UpsertTranscript(ctx, tr); err != nil {
		t.Fatalf("UpsertTranscript: %v", err)
	}
	id := tr.ID
	if id == "" {
		t.Fatal("expected an ID to be assigned")
	}

	tr.Messages = append(tr.Messages, domain.Message{Role: domain.RoleAssistant, Content: "Check velocity."})
	tr.Timestamps = append(tr.Timestamps, domain.Now())
	if err := s.UpsertTranscript(ctx, tr); err != nil {
		t.Fatalf("UpsertTranscript: %v", err)
	}

	got, err := s.GetTranscript(ctx, "alice", "run-1")
	if err != nil {
		t.Fatalf("GetTranscript: %v", err)
	}
	if got.ID != id {
		t.Errorf("expected id %s, got %s", id, got.ID)
	}
	if len(got.Messages) != 2 || len(got.Timestamps) != 2 {
		t.Fatalf("expected 2 messages and timestamps, got %d/%d", len(got.Messages), len(got.Timestamps))
	}
	if got.Messages[1].Content != "Check velocity." {
		t.Errorf("unexpected message: %+v", got.Messages[1])
	}

	runs, err := s.ListTranscripts(ctx, "alice")
	if err != nil {
		t.Fatalf("ListTranscripts: %v", err)
	}
	if len(runs) != 1 {
		t.Errorf("expected 1 run, got %d", len(runs))
	}
}

func TestTranscriptUpsertRetriesWhileLocked(t *testing.T) {
	ctx := context.Background()
	// No busy timeout: a held write lock fails immediately with SQLITE_BUSY.
	dsn := filepath.Join(t.TempDir(), "copa.db") + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(0)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	db.SetMaxOpenConns(1)
	s, err := NewSQLiteFromDB(db, nil)
	if err != nil {
		t.Fatalf("NewSQLiteFromDB: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	other, err := sql.Open("sqlite", dsn)
	if err != nil {
		t.Fatalf("open second handle: %v", err)
	}
	t.Cleanup(func() { _ = other.Close() })
	holder, err := other.Conn(ctx)
	if err != nil {
		t.Fatalf("conn: %v", err)
	}
	t.Cleanup(func() { _ = holder.Close() })
	if _, err := holder.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		t.Fatalf("begin: %v", err)
	}

	released := make(chan error, 1)
	go func() {
		time.Sleep(150 * time.Millisecond)
		_, err := holder.ExecContext(ctx, "COMMIT")
		released <- err
	}()

	if err := s.UpsertTranscript(ctx, transcript("alice", "run-1", "hi")); err != nil {
		t.Fatalf("UpsertTranscript: %v", err)
	}
	if err := <-released; err != nil {
		t.Fatalf("commit: %v", err)
	}
	if _, err := s.GetTranscript(ctx, "alice", "run-1"); err != nil {
		t.Errorf("GetTranscript: %v", err)
	}
}

func TestListLatestTranscripts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, tr := range []*domain.Transcript{
		transcript("alice", "run-1", "first"),
		transcript("bob", "run-9", "hello"),
	} {
		if err := s.UpsertTranscript(ctx, tr); err != nil {
			t.Fatalf("UpsertTranscript: %v", err)
		}
	}
	time.Sleep(5 * time.Millisecond)
	if err := s.UpsertTranscript(ctx, transcript("alice", "run-2", "second")); err != nil {
		t.Fatalf("UpsertTranscript: %v", err)
	}

	latest, err := s.ListLatestTranscripts(ctx)
	if err != nil {
		t.Fatalf("ListLatestTranscripts: %v", err)
	}
	if len(latest) != 2 {
		t.Fatalf("expected 2 transcripts, got %d", len(latest))
	}
	if latest[0].Username != "alice" || latest[0].RunID != "run-2" {
		t.Errorf("expected alice/run-2 first, got %s/%s", latest[0].Username, latest[0].RunID)
	}
	if latest[1].Username != "bob" {
		t.Errorf("expected bob second, got %s", latest[1].Username)
	}
}

func TestDeleteAndCleanupTranscripts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, run := range []string{"run-1", "run-2"} {
		if err := s.UpsertTranscript(ctx, transcript("alice", run, "hi")); err != nil {
			t.Fatalf("UpsertTranscript: %v", err)
		}
	}
	if err := s.UpsertTranscript(ctx, transcript("bob", "run-3", "hi")); err != nil {
		t.Fatalf("UpsertTranscript: %v", err)
	}

	n, err := s.DeleteTranscripts(ctx, "alice")
	if err != nil {
		t.Fatalf("DeleteTranscripts: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 rows deleted, got %d", n)
	}
	if _, err := s.GetTranscript(ctx, "alice", "run-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	n, err = s.CleanupTranscripts(ctx, -time.Minute)
	if err != nil {
		t.Fatalf("CleanupTranscripts: %v", err)
	}
	if n != 1 {
		t.Errorf("expected bob's run to be cleaned up, got %d", n)
	}
}

func TestPing(t *testing.T) {
	s := newTestStore(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
}
