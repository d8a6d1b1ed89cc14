// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/c2stem/copa/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Repository defines the interface for persisting students and transcripts.
type Repository interface {
	// GetStudent retrieves a student by username.
	GetStudent(ctx context.Context, username string) (*domain.Student, error)

	// UpsertStudent creates a student or refreshes its last_seen_at.
	UpsertStudent(ctx context.Context, student *domain.Student) error

	// UpsertTranscript creates or replaces the transcript for (username, run_id).
	UpsertTranscript(ctx context.Context, t *domain.Transcript) error

	// GetTranscript retrieves the transcript of one run.
	GetTranscript(ctx context.Context, username, runID string) (*domain.Transcript, error)

	// ListTranscripts returns every run of one student, newest first.
	ListTranscripts(ctx context.Context, username string) ([]*domain.Transcript, error)

	// ListLatestTranscripts returns the most recent run of every student.
	ListLatestTranscripts(ctx context.Context) ([]*domain.Transcript, error)

	// DeleteTranscripts removes every run of one student.
	DeleteTranscripts(ctx context.Context, username string) (int64, error)

	// CleanupTranscripts removes runs not updated within ttl.
	CleanupTranscripts(ctx context.Context, ttl time.Duration) (int64, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
