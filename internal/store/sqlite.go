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
	"sort"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ashureev/mentorbot/internal/domain"
	"github.com/ashureev/mentorbot/internal/shared"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db        *sql.DB
	sessionMu sync.Mutex // serializes writers to prevent SQLITE_BUSY
	now       func() time.Time
}

// sessionPayload is the JSON column carrying the draft of the current state.
type sessionPayload struct {
	Registration *domain.RegistrationDraft `json:"registration,omitempty"`
	Broadcast    *domain.BroadcastDraft    `json:"broadcast,omitempty"`
	Solution     *domain.SolutionDraft     `json:"solution,omitempty"`
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db, now: time.Now}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS sessions (
		user_id TEXT PRIMARY KEY,
		state TEXT NOT NULL,
		payload_json TEXT NOT NULL DEFAULT '{}',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at);
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

// GetSession retrieves the session of a user.
func (s *SQLiteStore) GetSession(ctx context.Context, userID string) (*domain.Session, error) {
	query := `
		SELECT user_id, state, payload_json, created_at, updated_at
		FROM sessions WHERE user_id = ?`

	row := s.db.QueryRowContext(ctx, query, userID)

	var session domain.Session
	var state, payloadJSON string
	var createdAt, updatedAt int64

	err := row.Scan(&session.UserID, &state, &payloadJSON, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}

	var payload sessionPayload
	if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
		// An unreadable draft restarts the conversation.
		slog.Warn("Discarding unreadable session payload", "user_id", userID, "error", err)
		payload = sessionPayload{}
		state = string(domain.StateIdle)
	}

	session.State = domain.SessionState(state)
	session.Registration = payload.Registration
	session.Broadcast = payload.Broadcast
	session.Solution = payload.Solution
	session.CreatedAt = time.Unix(createdAt, 0)
	session.UpdatedAt = time.Unix(updatedAt, 0)
	return &session, nil
}

// UpsertSession creates or replaces session state.
func (s *SQLiteStore) UpsertSession(ctx context.Context, session *domain.Session) error {
	payloadJSON, err := json.Marshal(sessionPayload{
		Registration: session.Registration,
		Broadcast:    session.Broadcast,
		Solution:     session.Solution,
	})
	if err != nil {
		return fmt.Errorf("encode session payload: %w", err)
	}

	now := s.now()
	createdAt := session.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	query := `
		INSERT INTO sessions (user_id, state, payload_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			state = excluded.state,
			payload_json = excluded.payload_json,
			updated_at = excluded.updated_at`

	return s.withRetry(ctx, "upsert session", session.UserID, func() error {
		_, err := s.db.ExecContext(ctx, query,
			session.UserID, string(session.State), string(payloadJSON),
			createdAt.Unix(), now.Unix(),
		)
		return err
	})
}

// DeleteSession removes session state.
func (s *SQLiteStore) DeleteSession(ctx context.Context, userID string) error {
	return s.withRetry(ctx, "delete session", userID, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE user_id = ?`, userID)
		return err
	})
}

// CleanupExpiredSessions removes sessions not updated within ttl and returns
// their user ids. Selection and deletion are one statement.
func (s *SQLiteStore) CleanupExpiredSessions(ctx context.Context, ttl time.Duration) ([]string, error) {
	threshold := s.now().Add(-ttl).Unix()
	var ids []string
	err := s.withRetry(ctx, "cleanup expired sessions", "", func() error {
		ids = ids[:0]
		rows, err := s.db.QueryContext(ctx, `DELETE FROM sessions WHERE updated_at < ? RETURNING user_id`, threshold)
		if err != nil {
			return err
		}
		defer func() {
			if closeErr := rows.Close(); closeErr != nil {
				slog.Warn("failed to close expired sessions rows", "error", closeErr)
			}
		}()
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return fmt.Errorf("scan expired session row: %w", err)
			}
			ids = append(ids, id)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	return ids, nil
}

// withRetry runs a write under the session mutex, retrying with
// exponential backoff on SQLITE_BUSY and SQLITE_LOCKED.
func (s *SQLiteStore) withRetry(ctx context.Context, op, userID string, fn func() error) error {
	maxRetries := 3
	baseDelay := 100 * time.Millisecond

	var err error
	for i := 0; i < maxRetries; i++ {
		s.sessionMu.Lock()
		err = fn()
		s.sessionMu.Unlock()
		if err == nil {
			return nil
		}
		if !shared.IsSQLiteConflictError(err) || i == maxRetries-1 {
			break
		}

		delay := baseDelay * time.Duration(1<<i) // exponential backoff: 100ms, 200ms, 400ms
		slog.Debug("Session write failed with SQLITE_BUSY, retrying",
			"op", op,
			"user_id", userID,
			"attempt", i+1,
			"delay", delay)
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", op, ctx.Err())
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}
