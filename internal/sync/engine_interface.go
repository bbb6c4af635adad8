package sync

import (
	"context"
	"time"
)

// SyncEngineInterface defines the interface for sync engine operations.
// This interface allows for mocking in tests and alternative implementations.
type SyncEngineInterface interface {
	// Sync performs one reconciliation pass for the user.
	// Returns the sync result with statistics or an error if a local step failed.
	Sync(ctx context.Context, userID string) (*SyncResult, error)

	// SetEventHandler sets the event handler for sync notifications.
	SetEventHandler(handler SyncEventHandler)

	// Status returns the current sync status.
	Status() SyncStatus

	// LastSync returns the timestamp of the last successful sync.
	LastSync() *time.Time

	// PendingChanges returns the number of queue entries left after the last pass.
	PendingChanges() int

	// LastError returns the last error that occurred during sync.
	LastError() error
}
