package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/kimhsiao/todosync/internal/models"
	"github.com/kimhsiao/todosync/internal/sync/queue"
)

// TodoRepository defines the user-facing todo operations.
type TodoRepository interface {
	ListTodos(ctx context.Context, userID string, filter TodoFilter) ([]*models.Todo, error)
	GetTodo(ctx context.Context, userID, id string) (*models.Todo, error)
	AddTodo(ctx context.Context, userID string, in NewTodo) (*models.Todo, error)
	ToggleTodo(ctx context.Context, userID, id string) (*models.Todo, error)
	EditTodo(ctx context.Context, userID, id string, changes TodoChanges) (*models.Todo, error)
	DeleteTodo(ctx context.Context, userID, id string) error
}

// GroupRepository defines the user-facing group operations.
type GroupRepository interface {
	ListGroups(ctx context.Context, userID string) ([]*models.Group, error)
	GetGroup(ctx context.Context, userID, id string) (*models.Group, error)
	AddGroup(ctx context.Context, userID, name string) (*models.Group, error)
	RenameGroup(ctx context.Context, userID, id, name string) (*models.Group, error)
	DeleteGroup(ctx context.Context, userID, id string) error
	EnsureDefaultGroup(ctx context.Context, userID string) (*models.Group, error)
}

// QueueRepository defines operations on the durable operation queue.
type QueueRepository interface {
	EnqueueTx(ctx context.Context, tx *sql.Tx, userID string, op queue.Op) (int64, error)
	Enqueue(ctx context.Context, userID string, op queue.Op) (int64, error)
	LastQueueID(ctx context.Context) (int64, error)
	QueueEntries(ctx context.Context, userID string, upTo int64) ([]*models.QueueEntry, error)
	DeleteQueueEntry(ctx context.Context, id int64) error
	PendingCount(ctx context.Context, userID string) (int, error)
}

// ConflictLogRepository defines operations for conflict log persistence.
type ConflictLogRepository interface {
	// CreateConflictLog creates a new conflict log entry.
	CreateConflictLog(ctx context.Context, log *models.ConflictLog) error

	// ListConflictLogs returns the most recent entries for a user.
	ListConflictLogs(ctx context.Context, userID string, limit int) ([]*models.ConflictLog, error)
}

// SyncRepository groups everything a reconciliation pass touches.
type SyncRepository interface {
	QueueRepository
	ConflictLogRepository

	UnsyncedTodos(ctx context.Context, userID string) ([]*models.Todo, error)
	MarkTodoSynced(ctx context.Context, id string, updatedAt time.Time) (bool, error)
	FindTodo(ctx context.Context, id string) (*models.Todo, error)
	InsertRemoteTodo(ctx context.Context, t *models.Todo) error
	OverwriteTodo(ctx context.Context, t *models.Todo, localModified time.Time) (bool, error)
	FindGroup(ctx context.Context, id string) (*models.Group, error)
	InsertRemoteGroup(ctx context.Context, g *models.Group) error
	OverwriteGroup(ctx context.Context, g *models.Group) error
}

// Store is the full local store surface.
type Store interface {
	TodoRepository
	GroupRepository
	SyncRepository
}

// Ensure *Repository implements the interfaces at compile time.
var (
	_ TodoRepository        = (*Repository)(nil)
	_ GroupRepository       = (*Repository)(nil)
	_ QueueRepository       = (*Repository)(nil)
	_ ConflictLogRepository = (*Repository)(nil)
	_ SyncRepository        = (*Repository)(nil)
	_ Store                 = (*Repository)(nil)
)
