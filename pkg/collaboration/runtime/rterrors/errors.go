// Package rterrors defines the typed error kinds used across the
// collaboration runtime, grounded on the per-failure-kind typed errors in
// pkg/services/document_lock_service.go (LockConflictError,
// UnauthorizedLockError, LockNotFoundError, ...).
package rterrors

import "fmt"

// NotFoundError reports a missing document, session, lock, conflict,
// snapshot, invitation, or share link.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

// PermissionDeniedError reports that a user lacks the required bits.
type PermissionDeniedError struct {
	UserID     string
	DocumentID string
	Required   string
}

func (e *PermissionDeniedError) Error() string {
	return fmt.Sprintf("user %s lacks %s on document %s", e.UserID, e.Required, e.DocumentID)
}

// LockViolationError reports an edit attempted against a conflicting lock
// held by another user.
type LockViolationError struct {
	DocumentID string
	UserID     string
	HolderID   string
}

func (e *LockViolationError) Error() string {
	return fmt.Sprintf("document %s locked against user %s by %s", e.DocumentID, e.UserID, e.HolderID)
}

// VersionMismatchError reports base_version != current_version.
type VersionMismatchError struct {
	DocumentID string
	Expected   int64
	Actual     int64
}

func (e *VersionMismatchError) Error() string {
	return fmt.Sprintf("version mismatch on %s: expected %d, got %d", e.DocumentID, e.Expected, e.Actual)
}

// CapacityExceededError reports a per-user/per-document/per-session cap hit.
type CapacityExceededError struct {
	Resource string
	Limit    int
}

func (e *CapacityExceededError) Error() string {
	return fmt.Sprintf("%s capacity exceeded (limit %d)", e.Resource, e.Limit)
}

// TimeoutError reports a bounded wait (queue, resolution) expiring.
type TimeoutError struct {
	Operation string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out", e.Operation)
}

// CorruptionError reports a storage checksum mismatch.
type CorruptionError struct {
	DocumentID string
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("checksum mismatch for %s", e.DocumentID)
}

// InvalidInputError reports a malformed request (bad range, empty query).
type InvalidInputError struct {
	Field  string
	Reason string
}

func (e *InvalidInputError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}
