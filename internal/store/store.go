// Package store persists conversation sessions in SQLite.
package store

import (
	"context"
	"time"

	"github.com/ashureev/mentorbot/internal/domain"
)

// Repository defines the interface for persisting conversation sessions.
type Repository interface {
	// GetSession retrieves the session of a user. It returns nil, nil when
	// the user has no session.
	GetSession(ctx context.Context, userID string) (*domain.Session, error)

	// UpsertSession creates or replaces session state.
	UpsertSession(ctx context.Context, session *domain.Session) error

	// DeleteSession removes session state. Deleting a missing session is
	// not an error.
	DeleteSession(ctx context.Context, userID string) error

	// CleanupExpiredSessions removes sessions not updated within ttl in one
	// statement and returns the users they belonged to.
	CleanupExpiredSessions(ctx context.Context, ttl time.Duration) ([]string, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
