// Package conflict decides which copy of a todo survives when the local store
// and the remote disagree.
package conflict

import (
	"time"

	"github.com/kimhsiao/todosync/internal/logging"
	"github.com/kimhsiao/todosync/internal/models"
)

// ResolutionStrategy defines how conflicts are resolved.
type ResolutionStrategy string

const (
	// ResolutionStrategyLastWriteWins keeps the copy with the later
	// modification time. Ties go to the remote.
	ResolutionStrategyLastWriteWins ResolutionStrategy = "last_write_wins"
	// ResolutionStrategyRemoteWins always keeps the remote copy.
	ResolutionStrategyRemoteWins ResolutionStrategy = "remote_wins"
)

// Resolver handles conflict resolution during synchronization.
type Resolver struct {
	strategy ResolutionStrategy
	clock    func() time.Time
}

// NewResolver creates a new Resolver with the specified strategy.
func NewResolver(strategy ResolutionStrategy) *Resolver {
	return &Resolver{
		strategy: strategy,
		clock:    time.Now,
	}
}

// Conflict pairs the local and remote copies of one todo.
type Conflict struct {
	RecordID        string
	Local           *models.Todo
	Remote          *models.Todo
	LocalTimestamp  time.Time
	RemoteTimestamp time.Time
}

// NewConflict pairs local and remote, taking each side's modification time
// from updated_at with created_at as the fallback.
func NewConflict(local, remote *models.Todo) (*Conflict, error) {
	if local == nil || remote == nil {
		return nil, ErrInvalidConflict
	}
	if local.ID != remote.ID {
		return nil, ErrItemIDMismatch
	}
	return &Conflict{
		RecordID:        string(local.ID),
		Local:           local,
		Remote:          remote,
		LocalTimestamp:  local.LastModified(),
		RemoteTimestamp: remote.LastModified(),
	}, nil
}

// ResolveResult represents the outcome of conflict resolution.
type ResolveResult struct {
	RemoteWins bool
	Winner     *models.Todo
	Loser      *models.Todo
	Strategy   ResolutionStrategy
	// ConflictLog is set only when the two copies carry different content.
	ConflictLog *models.ConflictLog
}

// Resolve resolves a conflict using the configured strategy.
func (r *Resolver) Resolve(c *Conflict) (*ResolveResult, error) {
	if c == nil || c.Local == nil || c.Remote == nil {
		return nil, ErrInvalidConflict
	}
	if c.Local.ID != c.Remote.ID {
		return nil, ErrItemIDMismatch
	}

	remoteWins := true
	if r.strategy != ResolutionStrategyRemoteWins {
		// rows written before stamps were truncated may still carry nanoseconds
		remoteWins = !models.Stamp(c.RemoteTimestamp).Before(models.Stamp(c.LocalTimestamp))
	}

	result := &ResolveResult{
		RemoteWins: remoteWins,
		Winner:     c.Remote,
		Loser:      c.Local,
		Strategy:   r.strategy,
	}
	resolution := models.ResolutionRemoteWins
	if !remoteWins {
		result.Winner, result.Loser = c.Local, c.Remote
		resolution = models.ResolutionLocalWins
	}

	if c.Local.SameContent(c.Remote) {
		return result, nil
	}

	result.ConflictLog = &models.ConflictLog{
		UserID:          c.Local.UserID,
		TableName:       models.TableTodos,
		RecordID:        c.Local.ID,
		LocalUpdatedAt:  c.LocalTimestamp,
		RemoteUpdatedAt: c.RemoteTimestamp,
		Resolution:      resolution,
		DetectedAt:      r.clock().UTC(),
	}

	logging.Info("Conflict resolved",
		map[string]interface{}{
			"record_id":        c.RecordID,
			"local_timestamp":  models.FormatTime(c.LocalTimestamp),
			"remote_timestamp": models.FormatTime(c.RemoteTimestamp),
			"resolution":       resolution,
			"strategy":         r.strategy,
		})

	return result, nil
}

// Errors
var (
	ErrInvalidConflict = &ConflictError{Message: "invalid conflict: both items must be non-nil"}
	ErrItemIDMismatch  = &ConflictError{Message: "item ID mismatch"}
)

// ConflictError represents a conflict resolution error.
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string {
	return e.Message
}

// IsConflictError checks if an error is a ConflictError.
func IsConflictError(err error) bool {
	_, ok := err.(*ConflictError)
	return ok
}
