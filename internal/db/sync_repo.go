package db

import (
	"context"
	"database/sql"
	"time"

	apperrors "github.com/kimhsiao/todosync/internal/errors"
	"github.com/kimhsiao/todosync/internal/models"
	"github.com/kimhsiao/todosync/internal/sync/queue"
)

// =====================================================
// Queue Operations
// =====================================================

// EnqueueTx appends op to the queue inside tx and returns the new entry id.
// Entries are never coalesced.
func (r *Repository) EnqueueTx(ctx context.Context, tx *sql.Tx, userID string, op queue.Op) (int64, error) {
	opType, table, recordID, payload, err := queue.Encode(op)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrInternal, "failed to encode queue entry", err)
	}

	res, err := tx.ExecContext(ctx, `
	INSERT INTO queue (user_id, op_type, table_name, record_id, payload, created_at)
	VALUES (?, ?, ?, ?, ?, ?)`,
		userID, string(opType), string(table), recordID, string(payload), models.FormatTime(r.now()))
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "failed to enqueue operation", err)
	}
	return res.LastInsertId()
}

// Enqueue appends op to the queue in its own transaction.
func (r *Repository) Enqueue(ctx context.Context, userID string, op queue.Op) (int64, error) {
	var id int64
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		id, err = r.EnqueueTx(ctx, tx, userID, op)
		return err
	})
	return id, err
}

// LastQueueID returns the highest queue entry id, or 0 when the queue is empty.
func (r *Repository) LastQueueID(ctx context.Context) (int64, error) {
	var id int64
	if err := r.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(id), 0) FROM queue`).Scan(&id); err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "failed to read queue head", err)
	}
	return id, nil
}

// QueueEntries returns the user's entries with id <= upTo in ascending id order.
func (r *Repository) QueueEntries(ctx context.Context, userID string, upTo int64) ([]*models.QueueEntry, error) {
	rows, err := r.db.QueryContext(ctx, `
	SELECT id, user_id, op_type, table_name, record_id, payload, created_at
	FROM queue WHERE user_id = ? AND id <= ? ORDER BY id ASC`, userID, upTo)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to query queue", err)
	}
	defer rows.Close()

	entries := []*models.QueueEntry{}
	for rows.Next() {
		var (
			e                  models.QueueEntry
			payload, createdAt string
		)
		if err := rows.Scan(&e.ID, &e.UserID, &e.OpType, &e.TableName, &e.RecordID, &payload, &createdAt); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to scan queue entry", err)
		}
		e.Payload = []byte(payload)
		// a bad timestamp must not hide the entry from replay
		e.CreatedAt, _ = models.ParseTime(createdAt)
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to iterate queue", err)
	}
	return entries, nil
}

// DeleteQueueEntry removes an applied entry.
func (r *Repository) DeleteQueueEntry(ctx context.Context, id int64) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM queue WHERE id = ?`, id); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to delete queue entry", err)
	}
	return nil
}

// PendingCount returns the number of queue entries waiting for the user.
func (r *Repository) PendingCount(ctx context.Context, userID string) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queue WHERE user_id = ?`, userID).Scan(&n); err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "failed to count queue entries", err)
	}
	return n, nil
}

// =====================================================
// Reconciliation Operations
// =====================================================

// UnsyncedTodos returns the user's todos with synced = false, oldest first.
func (r *Repository) UnsyncedTodos(ctx context.Context, userID string) ([]*models.Todo, error) {
	return r.queryTodos(ctx, r.db,
		`SELECT `+todoColumns+` FROM todos_local WHERE user_id = ? AND synced = 0 ORDER BY created_at ASC, id ASC`,
		userID)
}

// MarkTodoSynced sets synced = true only if the row still carries the pushed
// updatedAt, so an edit made while the push was in flight stays unsynced.
func (r *Repository) MarkTodoSynced(ctx context.Context, id string, updatedAt time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE todos_local SET synced = 1 WHERE id = ? AND COALESCE(updated_at, created_at) = ?`,
		id, models.FormatTime(updatedAt))
	if err != nil {
		return false, apperrors.Wrap(apperrors.ErrDatabase, "failed to mark todo synced", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// FindTodo looks a todo up by id regardless of owner. It returns nil, nil when
// the row does not exist.
func (r *Repository) FindTodo(ctx context.Context, id string) (*models.Todo, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+todoColumns+` FROM todos_local WHERE id = ?`, id)
	t, err := scanTodo(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to find todo", err)
	}
	return t, nil
}

// InsertRemoteTodo stores a todo pulled from the remote as synced.
func (r *Repository) InsertRemoteTodo(ctx context.Context, t *models.Todo) error {
	t.Synced = true
	return insertTodo(ctx, r.db, t)
}

// OverwriteTodo replaces the local row with the remote copy and marks it
// synced. The write only happens if the local row still has the modification
// time the caller compared against; it reports whether it did.
func (r *Repository) OverwriteTodo(ctx context.Context, t *models.Todo, localModified time.Time) (bool, error) {
	t.Synced = true
	args := todoArgs(t)
	args = append(args[2:], string(t.ID), models.FormatTime(localModified))
	res, err := r.db.ExecContext(ctx, `
	UPDATE todos_local SET group_id = ?, title = ?, description = ?, is_completed = ?,
		priority = ?, due_date = ?, synced = ?, created_at = ?, updated_at = ?
	WHERE id = ? AND COALESCE(updated_at, created_at) = ?`, args...)
	if err != nil {
		return false, apperrors.Wrap(apperrors.ErrDatabase, "failed to overwrite todo", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// FindGroup looks a group up by id regardless of owner. It returns nil, nil
// when the row does not exist.
func (r *Repository) FindGroup(ctx context.Context, id string) (*models.Group, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+groupColumns+` FROM groups_local WHERE id = ?`, id)
	g, err := scanGroup(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to find group", err)
	}
	return g, nil
}

// InsertRemoteGroup stores a group pulled from the remote.
func (r *Repository) InsertRemoteGroup(ctx context.Context, g *models.Group) error {
	return insertGroup(ctx, r.db, g)
}

// OverwriteGroup replaces the local group with the remote copy unconditionally.
func (r *Repository) OverwriteGroup(ctx context.Context, g *models.Group) error {
	_, err := r.db.ExecContext(ctx, `UPDATE groups_local SET name = ?, created_at = ? WHERE id = ?`,
		g.Name, models.FormatTime(g.CreatedAt), string(g.ID))
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to overwrite group", err)
	}
	return nil
}

// =====================================================
// ConflictLog Operations
// =====================================================

// CreateConflictLog creates a new conflict log entry.
func (r *Repository) CreateConflictLog(ctx context.Context, log *models.ConflictLog) error {
	if log.DetectedAt.IsZero() {
		log.DetectedAt = r.now()
	}
	res, err := r.db.ExecContext(ctx, `
	INSERT INTO conflict_log (user_id, table_name, record_id, local_updated_at, remote_updated_at,
		resolution, detected_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)`,
		log.UserID, string(log.TableName), string(log.RecordID),
		models.FormatTime(log.LocalUpdatedAt), models.FormatTime(log.RemoteUpdatedAt),
		log.Resolution, models.FormatTime(log.DetectedAt))
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to create conflict log", err)
	}
	log.ID, _ = res.LastInsertId()
	return nil
}

// ListConflictLogs returns the user's most recent conflict log entries.
func (r *Repository) ListConflictLogs(ctx context.Context, userID string, limit int) ([]*models.ConflictLog, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
	SELECT id, user_id, table_name, record_id, local_updated_at, remote_updated_at, resolution, detected_at
	FROM conflict_log WHERE user_id = ? ORDER BY id DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to query conflict log", err)
	}
	defer rows.Close()

	logs := []*models.ConflictLog{}
	for rows.Next() {
		var (
			l                     models.ConflictLog
			local, remote, seenAt string
		)
		if err := rows.Scan(&l.ID, &l.UserID, &l.TableName, &l.RecordID, &local, &remote, &l.Resolution, &seenAt); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to scan conflict log", err)
		}
		l.LocalUpdatedAt, _ = models.ParseTime(local)
		l.RemoteUpdatedAt, _ = models.ParseTime(remote)
		l.DetectedAt, _ = models.ParseTime(seenAt)
		logs = append(logs, &l)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to iterate conflict log", err)
	}
	return logs, nil
}
