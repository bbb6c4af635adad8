// Package sync reconciles the local store with the remote backend: it pushes
// unsynced rows, replays the operation queue in order, then pulls remote rows
// and merges them with last-writer-wins.
package sync

import (
	"context"
	"fmt"
	gosync "sync"
	"time"

	"github.com/kimhsiao/todosync/internal/db"
	apperrors "github.com/kimhsiao/todosync/internal/errors"
	"github.com/kimhsiao/todosync/internal/logging"
	"github.com/kimhsiao/todosync/internal/models"
	"github.com/kimhsiao/todosync/internal/sync/conflict"
	"github.com/kimhsiao/todosync/internal/sync/lock"
	"github.com/kimhsiao/todosync/internal/sync/queue"
	"github.com/kimhsiao/todosync/internal/sync/remote"
)

// DefaultRemoteTimeout bounds each individual remote call.
const DefaultRemoteTimeout = 10 * time.Second

// SyncStatus represents the current sync status.
type SyncStatus string

const (
	SyncStatusIdle    SyncStatus = "idle"
	SyncStatusSyncing SyncStatus = "syncing"
	SyncStatusFailed  SyncStatus = "failed"
)

// SyncEventType names the notifications an Engine emits.
type SyncEventType string

const (
	SyncEventStarted   SyncEventType = "sync.started"
	SyncEventCompleted SyncEventType = "sync.completed"
	SyncEventFailed    SyncEventType = "sync.failed"
)

// SyncEvent is delivered to the event handler at the start and end of a pass.
type SyncEvent struct {
	Type   SyncEventType
	UserID string
	Result *SyncResult
	Err    error
}

// SyncEventHandler receives sync notifications. It runs on the syncing
// goroutine and must not block.
type SyncEventHandler func(SyncEvent)

// SyncResult summarizes one reconciliation pass. Remote failures are counted
// here instead of being returned as errors.
type SyncResult struct {
	UserID    string        `json:"user_id"`
	StartTime time.Time     `json:"start_time"`
	EndTime   time.Time     `json:"end_time"`
	Duration  time.Duration `json:"duration"`

	Pushed     int `json:"pushed"`
	PushFailed int `json:"push_failed"`

	Applied     int `json:"applied"`
	ApplyFailed int `json:"apply_failed"`
	Malformed   int `json:"malformed"`

	TodosPulled  int `json:"todos_pulled"`
	GroupsPulled int `json:"groups_pulled"`
	PullFailed   int `json:"pull_failed"`
	Conflicts    int `json:"conflicts"`
	Reenqueued   int `json:"reenqueued"`

	Remaining int    `json:"remaining"`
	Canceled  bool   `json:"canceled"`
	Skipped   bool   `json:"skipped"`
	Error     string `json:"error,omitempty"`
}

// Clean reports whether the pass saw no remote failures.
func (r *SyncResult) Clean() bool {
	return r.PushFailed == 0 && r.ApplyFailed == 0 && r.Malformed == 0 && r.PullFailed == 0 && !r.Canceled
}

// EngineConfig holds Engine configuration.
type EngineConfig struct {
	// RemoteTimeout bounds each remote call; expiry counts as an ordinary failure.
	RemoteTimeout time.Duration
	// Locker serializes passes per user. Defaults to an in-process locker.
	Locker lock.Locker
	// Strategy selects the todo merge policy.
	Strategy conflict.ResolutionStrategy
}

// Engine runs reconciliation passes.
type Engine struct {
	store    db.SyncRepository
	remote   remote.Accessor
	locker   lock.Locker
	resolver *conflict.Resolver
	timeout  time.Duration

	mu       gosync.RWMutex
	handler  SyncEventHandler
	status   SyncStatus
	lastSync *time.Time
	pending  int
	lastErr  error
}

// NewEngine creates a new Engine.
func NewEngine(store db.SyncRepository, rem remote.Accessor, cfg *EngineConfig) *Engine {
	if cfg == nil {
		cfg = &EngineConfig{}
	}
	timeout := cfg.RemoteTimeout
	if timeout <= 0 {
		timeout = DefaultRemoteTimeout
	}
	locker := cfg.Locker
	if locker == nil {
		locker = lock.NewLocal()
	}
	strategy := cfg.Strategy
	if strategy == "" {
		strategy = conflict.ResolutionStrategyLastWriteWins
	}

	return &Engine{
		store:    store,
		remote:   rem,
		locker:   locker,
		resolver: conflict.NewResolver(strategy),
		timeout:  timeout,
		status:   SyncStatusIdle,
	}
}

// SetEventHandler sets the event handler for sync notifications.
func (e *Engine) SetEventHandler(handler SyncEventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handler = handler
}

// Status returns the current sync status.
func (e *Engine) Status() SyncStatus {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.status
}

// LastSync returns the end time of the last pass without a local error.
func (e *Engine) LastSync() *time.Time {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastSync
}

// PendingChanges returns the queue length left by the last pass.
func (e *Engine) PendingChanges() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.pending
}

// LastError returns the error of the last pass, if any.
func (e *Engine) LastError() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastErr
}

func (e *Engine) emit(event SyncEvent) {
	e.mu.RLock()
	handler := e.handler
	e.mu.RUnlock()
	if handler != nil {
		handler(event)
	}
}

// Sync runs one reconciliation pass for userID. At most one pass per user runs
// at a time; a concurrent call gets ErrSyncInProgress. Remote failures are
// absorbed into the result; local storage errors abort the pass and are
// returned. Cancelling ctx stops the pass between queue entries.
func (e *Engine) Sync(ctx context.Context, userID string) (*SyncResult, error) {
	if userID == "" {
		return nil, apperrors.New(apperrors.ErrNotAuthenticated, "no current user")
	}

	release, ok, err := e.locker.TryLock(ctx, userID)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrSyncFailed, "failed to acquire sync lock", err)
	}
	if !ok {
		return nil, apperrors.New(apperrors.ErrSyncInProgress, "sync already in progress")
	}
	defer release()

	e.mu.Lock()
	e.status = SyncStatusSyncing
	e.mu.Unlock()

	result := &SyncResult{
		UserID:    userID,
		StartTime: time.Now(),
	}
	e.emit(SyncEvent{Type: SyncEventStarted, UserID: userID})

	err = e.run(ctx, userID, result)

	result.EndTime = time.Now()
	result.Duration = result.EndTime.Sub(result.StartTime)
	if n, perr := e.store.PendingCount(context.WithoutCancel(ctx), userID); perr == nil {
		result.Remaining = n
	}

	e.mu.Lock()
	e.pending = result.Remaining
	e.lastErr = err
	if err != nil && !result.Canceled {
		e.status = SyncStatusFailed
		result.Error = err.Error()
	} else {
		e.status = SyncStatusIdle
	}
	if err == nil {
		end := result.EndTime
		e.lastSync = &end
	}
	e.mu.Unlock()

	if err != nil {
		if !result.Canceled {
			logging.ErrorWithCode("Sync pass failed", string(apperrors.CodeOf(err)), err,
				map[string]interface{}{"user_id": userID})
		}
		e.emit(SyncEvent{Type: SyncEventFailed, UserID: userID, Result: result, Err: err})
		return result, err
	}

	logging.Info("Sync pass completed",
		map[string]interface{}{
			"user_id":       userID,
			"pushed":        result.Pushed,
			"applied":       result.Applied,
			"apply_failed":  result.ApplyFailed,
			"malformed":     result.Malformed,
			"todos_pulled":  result.TodosPulled,
			"groups_pulled": result.GroupsPulled,
			"conflicts":     result.Conflicts,
			"remaining":     result.Remaining,
			"duration_ms":   result.Duration.Milliseconds(),
		})
	e.emit(SyncEvent{Type: SyncEventCompleted, UserID: userID, Result: result})
	return result, nil
}

func (e *Engine) run(ctx context.Context, userID string, result *SyncResult) error {
	lctx := context.WithoutCancel(ctx)

	// entries appended during the pass wait for the next one
	snapshot, err := e.store.LastQueueID(lctx)
	if err != nil {
		return err
	}

	// Step 1: Push unsynced rows
	if err := e.pushUnsynced(ctx, userID, result); err != nil {
		return err
	}

	// Step 2: Drain the queue snapshot
	if err := e.drainQueue(ctx, userID, snapshot, result); err != nil {
		return err
	}

	// Step 3: Pull and merge todos
	if err := e.pullTodos(ctx, userID, result); err != nil {
		return err
	}

	// Step 4: Pull and merge groups
	return e.pullGroups(ctx, userID, result)
}

// call runs fn under the per-call timeout.
func (e *Engine) call(ctx context.Context, fn func(ctx context.Context) error) error {
	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	return fn(callCtx)
}

func (e *Engine) pushUnsynced(ctx context.Context, userID string, result *SyncResult) error {
	lctx := context.WithoutCancel(ctx)
	todos, err := e.store.UnsyncedTodos(lctx, userID)
	if err != nil {
		return err
	}

	for _, t := range todos {
		row := remote.Row(queue.TodoRecordFrom(t).Row())
		err := e.call(ctx, func(ctx context.Context) error {
			return e.remote.Upsert(ctx, models.TableTodos, row)
		})
		if err != nil {
			result.PushFailed++
			logging.Warn("Failed to push unsynced todo",
				map[string]interface{}{"record_id": string(t.ID), "error": err.Error()})
			continue
		}

		if _, err := e.store.MarkTodoSynced(lctx, string(t.ID), t.LastModified()); err != nil {
			return err
		}
		result.Pushed++
	}
	return nil
}

func (e *Engine) drainQueue(ctx context.Context, userID string, upTo int64, result *SyncResult) error {
	lctx := context.WithoutCancel(ctx)
	entries, err := e.store.QueueEntries(lctx, userID, upTo)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			result.Canceled = true
			logging.Info("Sync pass canceled",
				map[string]interface{}{"user_id": userID, "next_entry": entry.ID})
			return err
		}

		op, err := queue.Decode(entry)
		if err != nil {
			// left in place for inspection, never deleted
			result.Malformed++
			logging.ErrorWithCode("Skipping malformed queue entry", string(apperrors.ErrMalformedPayload), err,
				map[string]interface{}{"entry_id": entry.ID, "table": string(entry.TableName), "op": string(entry.OpType)})
			continue
		}

		if err := e.call(ctx, func(ctx context.Context) error { return e.apply(ctx, op) }); err != nil {
			result.ApplyFailed++
			logging.Warn("Failed to apply queue entry",
				map[string]interface{}{"entry_id": entry.ID, "record_id": op.Record(), "error": err.Error()})
			continue
		}

		if err := e.store.DeleteQueueEntry(lctx, entry.ID); err != nil {
			return err
		}
		result.Applied++
	}
	return nil
}

// apply replays one operation. Inserts are upserts and updates and deletes
// address a single id, so replaying an entry twice is harmless.
func (e *Engine) apply(ctx context.Context, op queue.Op) error {
	switch o := op.(type) {
	case queue.InsertTodo:
		return e.remote.Upsert(ctx, models.TableTodos, o.Row())
	case queue.UpdateTodo:
		return e.remote.Update(ctx, models.TableTodos, o.TodoPatch.Row(), remote.Eq("id", o.ID))
	case queue.DeleteTodo:
		return e.remote.Delete(ctx, models.TableTodos, remote.Eq("id", o.ID))
	case queue.InsertGroup:
		return e.remote.Upsert(ctx, models.TableGroups, o.Row())
	case queue.UpdateGroup:
		return e.remote.Update(ctx, models.TableGroups, remote.Row{"name": o.Name}, remote.Eq("id", o.ID))
	case queue.DeleteGroup:
		return e.remote.Delete(ctx, models.TableGroups, remote.Eq("id", o.ID))
	default:
		return fmt.Errorf("unsupported queue operation %T", op)
	}
}

// pullTodos merges remote todos into the local store. Rows deleted remotely
// are not detected and stay in the local store.
func (e *Engine) pullTodos(ctx context.Context, userID string, result *SyncResult) error {
	var rows []remote.Row
	err := e.call(ctx, func(ctx context.Context) error {
		var err error
		rows, err = e.remote.Select(ctx, models.TableTodos, remote.Eq("user_id", userID), remote.Desc("created_at"))
		return err
	})
	if err != nil {
		result.PullFailed++
		logging.Warn("Failed to pull todos",
			map[string]interface{}{"user_id": userID, "error": err.Error()})
		return nil
	}

	for _, row := range rows {
		incoming, err := remote.DecodeTodo(row)
		if err != nil {
			result.PullFailed++
			logging.Warn("Skipping undecodable remote todo",
				map[string]interface{}{"user_id": userID, "error": err.Error()})
			continue
		}
		if err := e.mergeTodo(ctx, userID, incoming, result); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) mergeTodo(ctx context.Context, userID string, incoming *models.Todo, result *SyncResult) error {
	lctx := context.WithoutCancel(ctx)
	local, err := e.store.FindTodo(lctx, string(incoming.ID))
	if err != nil {
		return err
	}
	if local == nil {
		if err := e.store.InsertRemoteTodo(lctx, incoming); err != nil {
			return err
		}
		result.TodosPulled++
		return nil
	}
	if local.UserID != userID {
		logging.Warn("Remote todo id belongs to another local user, skipping",
			map[string]interface{}{"record_id": string(incoming.ID)})
		return nil
	}

	c, err := conflict.NewConflict(local, incoming)
	if err != nil {
		return err
	}
	resolved, err := e.resolver.Resolve(c)
	if err != nil {
		return err
	}
	if resolved.ConflictLog != nil {
		if err := e.store.CreateConflictLog(lctx, resolved.ConflictLog); err != nil {
			return err
		}
		result.Conflicts++
	}

	if resolved.RemoteWins {
		written, err := e.store.OverwriteTodo(lctx, incoming, c.LocalTimestamp)
		if err != nil {
			return err
		}
		if written {
			result.TodosPulled++
		}
		return nil
	}

	// local is newer: push its values on the next pass
	if _, err := e.store.Enqueue(lctx, userID, queue.UpdateTodo{ID: string(local.ID), TodoPatch: queue.PatchFrom(local)}); err != nil {
		return err
	}
	result.Reenqueued++
	return nil
}

// pullGroups merges remote groups. Existing groups are overwritten without a
// timestamp comparison.
func (e *Engine) pullGroups(ctx context.Context, userID string, result *SyncResult) error {
	lctx := context.WithoutCancel(ctx)
	var rows []remote.Row
	err := e.call(ctx, func(ctx context.Context) error {
		var err error
		rows, err = e.remote.Select(ctx, models.TableGroups, remote.Eq("user_id", userID), remote.Desc("created_at"))
		return err
	})
	if err != nil {
		result.PullFailed++
		logging.Warn("Failed to pull groups",
			map[string]interface{}{"user_id": userID, "error": err.Error()})
		return nil
	}

	for _, row := range rows {
		incoming, err := remote.DecodeGroup(row)
		if err != nil {
			result.PullFailed++
			logging.Warn("Skipping undecodable remote group",
				map[string]interface{}{"user_id": userID, "error": err.Error()})
			continue
		}

		local, err := e.store.FindGroup(lctx, string(incoming.ID))
		if err != nil {
			return err
		}
		switch {
		case local == nil:
			err = e.store.InsertRemoteGroup(lctx, incoming)
		case local.UserID != userID:
			continue
		default:
			err = e.store.OverwriteGroup(lctx, incoming)
		}
		if err != nil {
			return err
		}
		result.GroupsPulled++
	}
	return nil
}

var _ SyncEngineInterface = (*Engine)(nil)
