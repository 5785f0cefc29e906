// Package shared provides common utilities used across the codebase.
//
//nolint:revive // "shared" is an intentional package name for cross-cutting helpers.
package shared

import (
	"errors"
	"strings"
)

// Outcome errors surfaced to the actor of an operation. Callers test with
// errors.Is; wrapped messages carry the detail.
var (
	// ErrNotFound means the referenced user, run or assignment does not exist.
	ErrNotFound = errors.New("not found")

	// ErrStaleRequest means an approval arrived for a request that no longer
	// matches the pending field on the record.
	ErrStaleRequest = errors.New("request no longer valid")

	// ErrPermission means the actor is not authorized for the record.
	ErrPermission = errors.New("permission denied")

	// ErrInvalidRequest means the request itself is malformed or forbidden
	// by policy (self-selection, unknown level, empty payload).
	ErrInvalidRequest = errors.New("invalid request")

	// ErrSaveFailed means a verified write failed and the previous state was
	// restored. The caller must re-attempt the operation.
	ErrSaveFailed = errors.New("save failed")

	// ErrNoActiveDialogue means the user has no relay partner.
	ErrNoActiveDialogue = errors.New("no active dialogue")
)

// IsSQLiteBusyError checks if the error is a SQLITE_BUSY error.
// This occurs when the database is locked by another connection.
func IsSQLiteBusyError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "SQLITE_BUSY")
}

// IsSQLiteLockedError checks if the error is a "database is locked" error.
func IsSQLiteLockedError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "database is locked")
}

// IsSQLiteConflictError reports either form of SQLite lock contention.
// Both typically warrant retry logic.
func IsSQLiteConflictError(err error) bool {
	if err == nil {
		return false
	}
	return IsSQLiteBusyError(err) || IsSQLiteLockedError(err)
}
