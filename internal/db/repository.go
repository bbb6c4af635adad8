package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	apperrors "github.com/kimhsiao/todosync/internal/errors"
	"github.com/kimhsiao/todosync/internal/models"
	"github.com/kimhsiao/todosync/internal/sync/queue"
	"github.com/kimhsiao/todosync/internal/uuid"
)

// Repository is the local offline store. Every user-facing mutation writes the
// row and appends the matching queue entry in one transaction.
type Repository struct {
	db *sql.DB

	mu    sync.RWMutex
	clock func() time.Time
}

// NewRepository creates a new Repository instance.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{
		db:    db,
		clock: time.Now,
	}
}

// SetClock replaces the time source used to stamp rows.
func (r *Repository) SetClock(clock func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clock = clock
}

func (r *Repository) now() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return models.Stamp(r.clock())
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// withTx runs fn inside a transaction, committing only when fn succeeds.
func (r *Repository) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to begin transaction", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to commit transaction", err)
	}
	return nil
}

// =====================================================
// Todo Operations
// =====================================================

// TodoStatus selects todos by completion.
type TodoStatus string

const (
	StatusAll       TodoStatus = "all"
	StatusActive    TodoStatus = "active"
	StatusCompleted TodoStatus = "completed"
)

// ParseTodoStatus maps "" to StatusAll and rejects unknown values.
func ParseTodoStatus(s string) (TodoStatus, error) {
	switch TodoStatus(strings.ToLower(strings.TrimSpace(s))) {
	case "", StatusAll:
		return StatusAll, nil
	case StatusActive:
		return StatusActive, nil
	case StatusCompleted:
		return StatusCompleted, nil
	}
	return "", apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("unknown status %q", s))
}

// TodoFilter narrows ListTodos. A zero filter lists everything.
type TodoFilter struct {
	GroupID string
	Status  TodoStatus
}

// NewTodo holds the user-supplied fields of a todo being created.
type NewTodo struct {
	Title       string
	Description string
	Priority    models.Priority
	DueDate     *time.Time
	GroupID     string
}

// TodoChanges holds an edit. Nil fields are left unchanged.
type TodoChanges struct {
	Title        *string
	Description  *string
	Priority     *models.Priority
	DueDate      *time.Time
	ClearDueDate bool
	GroupID      *string
	ClearGroup   bool
}

// IsEmpty reports whether the edit changes nothing.
func (c TodoChanges) IsEmpty() bool {
	return c.Title == nil && c.Description == nil && c.Priority == nil &&
		c.DueDate == nil && !c.ClearDueDate && c.GroupID == nil && !c.ClearGroup
}

const todoColumns = `id, user_id, group_id, title, description, is_completed, priority,
	due_date, synced, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTodo(s rowScanner) (*models.Todo, error) {
	var (
		t                   models.Todo
		groupID, dueDate    sql.NullString
		updatedAt           sql.NullString
		createdAt, priority string
	)
	if err := s.Scan(&t.ID, &t.UserID, &groupID, &t.Title, &t.Description, &t.IsCompleted,
		&priority, &dueDate, &t.Synced, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	if groupID.Valid && groupID.String != "" {
		g := models.UUID(groupID.String)
		t.GroupID = &g
	}
	t.Priority = models.Priority(priority)
	if !t.Priority.Valid() {
		t.Priority = models.PriorityMedium
	}
	if dueDate.Valid && dueDate.String != "" {
		d, err := models.ParseDate(dueDate.String)
		if err != nil {
			return nil, err
		}
		t.DueDate = &d
	}

	var err error
	if t.CreatedAt, err = models.ParseTime(createdAt); err != nil {
		return nil, err
	}
	if updatedAt.Valid {
		if t.UpdatedAt, err = models.ParseTime(updatedAt.String); err != nil {
			return nil, err
		}
	}
	return &t, nil
}

func todoArgs(t *models.Todo) []any {
	var groupID, dueDate, updatedAt any
	if t.GroupID != nil && *t.GroupID != "" {
		groupID = string(*t.GroupID)
	}
	if t.DueDate != nil {
		dueDate = models.FormatDate(*t.DueDate)
	}
	if !t.UpdatedAt.IsZero() {
		updatedAt = models.FormatTime(t.UpdatedAt)
	}
	return []any{string(t.ID), t.UserID, groupID, t.Title, t.Description, t.IsCompleted,
		string(t.Priority), dueDate, t.Synced, models.FormatTime(t.CreatedAt), updatedAt}
}

// ListTodos returns the user's todos, incomplete first, then newest first.
func (r *Repository) ListTodos(ctx context.Context, userID string, filter TodoFilter) ([]*models.Todo, error) {
	query := `SELECT ` + todoColumns + ` FROM todos_local WHERE user_id = ?`
	args := []any{userID}

	if filter.GroupID != "" {
		query += ` AND group_id = ?`
		args = append(args, filter.GroupID)
	}
	switch filter.Status {
	case StatusActive:
		query += ` AND is_completed = 0`
	case StatusCompleted:
		query += ` AND is_completed = 1`
	}
	query += ` ORDER BY is_completed ASC, created_at DESC, id DESC`

	return r.queryTodos(ctx, r.db, query, args...)
}

func (r *Repository) queryTodos(ctx context.Context, q querier, query string, args ...any) ([]*models.Todo, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to query todos", err)
	}
	defer rows.Close()

	todos := []*models.Todo{}
	for rows.Next() {
		t, err := scanTodo(rows)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to scan todo", err)
		}
		todos = append(todos, t)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to iterate todos", err)
	}
	return todos, nil
}

// GetTodo retrieves one of the user's todos. Todos owned by another user are
// reported as not found.
func (r *Repository) GetTodo(ctx context.Context, userID, id string) (*models.Todo, error) {
	return getTodo(ctx, r.db, userID, id)
}

func getTodo(ctx context.Context, q querier, userID, id string) (*models.Todo, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+todoColumns+` FROM todos_local WHERE id = ? AND user_id = ?`, id, userID)
	t, err := scanTodo(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("todo %s not found", id))
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to get todo", err)
	}
	return t, nil
}

// AddTodo creates a todo and enqueues its insert.
func (r *Repository) AddTodo(ctx context.Context, userID string, in NewTodo) (*models.Todo, error) {
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return nil, apperrors.New(apperrors.ErrValidation, "title must not be empty")
	}
	priority := in.Priority
	if priority == "" {
		priority = models.PriorityMedium
	}
	if !priority.Valid() {
		return nil, apperrors.New(apperrors.ErrValidation, fmt.Sprintf("unknown priority %q", in.Priority))
	}

	now := r.now()
	todo := &models.Todo{
		ID:          models.UUID(uuid.New()),
		UserID:      userID,
		Title:       title,
		Description: strings.TrimSpace(in.Description),
		Priority:    priority,
		DueDate:     in.DueDate,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	err := r.withTx(ctx, func(tx *sql.Tx) error {
		if in.GroupID != "" {
			if _, err := getGroup(ctx, tx, userID, in.GroupID); err != nil {
				return err
			}
			g := models.UUID(in.GroupID)
			todo.GroupID = &g
		}
		if err := insertTodo(ctx, tx, todo); err != nil {
			return err
		}
		_, err := r.EnqueueTx(ctx, tx, userID, queue.InsertTodo{TodoRecord: queue.TodoRecordFrom(todo)})
		return err
	})
	if err != nil {
		return nil, err
	}
	return todo, nil
}

func insertTodo(ctx context.Context, q querier, t *models.Todo) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO todos_local (`+todoColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		todoArgs(t)...)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to insert todo", err)
	}
	return nil
}

func updateTodo(ctx context.Context, q querier, t *models.Todo) (int64, error) {
	args := todoArgs(t)
	// id and user_id are immutable
	args = append(args[2:], string(t.ID))
	res, err := q.ExecContext(ctx, `
	UPDATE todos_local SET group_id = ?, title = ?, description = ?, is_completed = ?,
		priority = ?, due_date = ?, synced = ?, created_at = ?, updated_at = ?
	WHERE id = ?`, args...)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "failed to update todo", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ToggleTodo flips the completion flag and enqueues the update.
func (r *Repository) ToggleTodo(ctx context.Context, userID, id string) (*models.Todo, error) {
	var todo *models.Todo
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		if todo, err = getTodo(ctx, tx, userID, id); err != nil {
			return err
		}
		todo.IsCompleted = !todo.IsCompleted
		todo.Touch(r.now())
		if _, err := updateTodo(ctx, tx, todo); err != nil {
			return err
		}

		done := todo.IsCompleted
		op := queue.UpdateTodo{ID: id, TodoPatch: queue.TodoPatch{IsCompleted: &done, UpdatedAt: todo.UpdatedAt}}
		_, err = r.EnqueueTx(ctx, tx, userID, op)
		return err
	})
	if err != nil {
		return nil, err
	}
	return todo, nil
}

// EditTodo applies changes to a todo and enqueues an update carrying only the
// changed fields.
func (r *Repository) EditTodo(ctx context.Context, userID, id string, changes TodoChanges) (*models.Todo, error) {
	if changes.IsEmpty() {
		return nil, apperrors.New(apperrors.ErrValidation, "no changes")
	}

	var todo *models.Todo
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		if todo, err = getTodo(ctx, tx, userID, id); err != nil {
			return err
		}

		var patch queue.TodoPatch
		if changes.Title != nil {
			title := strings.TrimSpace(*changes.Title)
			if title == "" {
				return apperrors.New(apperrors.ErrValidation, "title must not be empty")
			}
			todo.Title = title
			patch.Title = &title
		}
		if changes.Description != nil {
			desc := strings.TrimSpace(*changes.Description)
			todo.Description = desc
			patch.Description = &desc
		}
		if changes.Priority != nil {
			p := *changes.Priority
			if !p.Valid() {
				return apperrors.New(apperrors.ErrValidation, fmt.Sprintf("unknown priority %q", p))
			}
			todo.Priority = p
			patch.Priority = &p
		}
		switch {
		case changes.ClearDueDate:
			todo.DueDate = nil
			empty := ""
			patch.DueDate = &empty
		case changes.DueDate != nil:
			d := *changes.DueDate
			todo.DueDate = &d
			s := models.FormatDate(d)
			patch.DueDate = &s
		}
		switch {
		case changes.ClearGroup:
			todo.GroupID = nil
			empty := ""
			patch.GroupID = &empty
		case changes.GroupID != nil:
			gid := *changes.GroupID
			if _, err := getGroup(ctx, tx, userID, gid); err != nil {
				return err
			}
			g := models.UUID(gid)
			todo.GroupID = &g
			patch.GroupID = &gid
		}

		todo.Touch(r.now())
		patch.UpdatedAt = todo.UpdatedAt
		if _, err := updateTodo(ctx, tx, todo); err != nil {
			return err
		}
		_, err = r.EnqueueTx(ctx, tx, userID, queue.UpdateTodo{ID: id, TodoPatch: patch})
		return err
	})
	if err != nil {
		return nil, err
	}
	return todo, nil
}

// DeleteTodo removes a todo locally and enqueues the remote delete.
func (r *Repository) DeleteTodo(ctx context.Context, userID, id string) error {
	return r.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM todos_local WHERE id = ? AND user_id = ?`, id, userID)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrDatabase, "failed to delete todo", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("todo %s not found", id))
		}
		_, err = r.EnqueueTx(ctx, tx, userID, queue.DeleteTodo{ID: id})
		return err
	})
}

// =====================================================
// Group Operations
// =====================================================

const groupColumns = `id, user_id, name, created_at`

func scanGroup(s rowScanner) (*models.Group, error) {
	var (
		g         models.Group
		createdAt string
	)
	if err := s.Scan(&g.ID, &g.UserID, &g.Name, &createdAt); err != nil {
		return nil, err
	}
	var err error
	if g.CreatedAt, err = models.ParseTime(createdAt); err != nil {
		return nil, err
	}
	return &g, nil
}

// ListGroups returns the user's groups, newest first.
func (r *Repository) ListGroups(ctx context.Context, userID string) ([]*models.Group, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+groupColumns+` FROM groups_local WHERE user_id = ? ORDER BY created_at DESC, id DESC`, userID)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to query groups", err)
	}
	defer rows.Close()

	groups := []*models.Group{}
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to scan group", err)
		}
		groups = append(groups, g)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to iterate groups", err)
	}
	return groups, nil
}

// GetGroup retrieves one of the user's groups.
func (r *Repository) GetGroup(ctx context.Context, userID, id string) (*models.Group, error) {
	return getGroup(ctx, r.db, userID, id)
}

func getGroup(ctx context.Context, q querier, userID, id string) (*models.Group, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+groupColumns+` FROM groups_local WHERE id = ? AND user_id = ?`, id, userID)
	g, err := scanGroup(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("group %s not found", id))
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to get group", err)
	}
	return g, nil
}

// AddGroup creates a group and enqueues its insert.
func (r *Repository) AddGroup(ctx context.Context, userID, name string) (*models.Group, error) {
	var group *models.Group
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		group, err = r.addGroupTx(ctx, tx, userID, name)
		return err
	})
	if err != nil {
		return nil, err
	}
	return group, nil
}

func (r *Repository) addGroupTx(ctx context.Context, tx *sql.Tx, userID, name string) (*models.Group, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, apperrors.New(apperrors.ErrValidation, "group name must not be empty")
	}
	group := &models.Group{
		ID:        models.UUID(uuid.New()),
		UserID:    userID,
		Name:      name,
		CreatedAt: r.now(),
	}
	if err := insertGroup(ctx, tx, group); err != nil {
		return nil, err
	}
	if _, err := r.EnqueueTx(ctx, tx, userID, queue.InsertGroup{GroupRecord: queue.GroupRecordFrom(group)}); err != nil {
		return nil, err
	}
	return group, nil
}

func insertGroup(ctx context.Context, q querier, g *models.Group) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO groups_local (`+groupColumns+`) VALUES (?, ?, ?, ?)`,
		string(g.ID), g.UserID, g.Name, models.FormatTime(g.CreatedAt))
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to insert group", err)
	}
	return nil
}

// RenameGroup renames a group and enqueues the update.
func (r *Repository) RenameGroup(ctx context.Context, userID, id, name string) (*models.Group, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, apperrors.New(apperrors.ErrValidation, "group name must not be empty")
	}

	var group *models.Group
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		if group, err = getGroup(ctx, tx, userID, id); err != nil {
			return err
		}
		group.Name = name
		if _, err := tx.ExecContext(ctx, `UPDATE groups_local SET name = ? WHERE id = ?`, name, id); err != nil {
			return apperrors.Wrap(apperrors.ErrDatabase, "failed to rename group", err)
		}
		_, err = r.EnqueueTx(ctx, tx, userID, queue.UpdateGroup{ID: id, Name: name})
		return err
	})
	if err != nil {
		return nil, err
	}
	return group, nil
}

// DeleteGroup removes a group locally and enqueues the remote delete. Todos in
// the group keep their group id until the next pull brings the remote value.
func (r *Repository) DeleteGroup(ctx context.Context, userID, id string) error {
	return r.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM groups_local WHERE id = ? AND user_id = ?`, id, userID)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrDatabase, "failed to delete group", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("group %s not found", id))
		}
		_, err = r.EnqueueTx(ctx, tx, userID, queue.DeleteGroup{ID: id})
		return err
	})
}

// EnsureDefaultGroup returns the user's oldest group named DefaultGroupName,
// creating it when missing.
func (r *Repository) EnsureDefaultGroup(ctx context.Context, userID string) (*models.Group, error) {
	var group *models.Group
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT `+groupColumns+` FROM groups_local
			WHERE user_id = ? AND name = ? ORDER BY created_at ASC, id ASC LIMIT 1`,
			userID, models.DefaultGroupName)
		g, err := scanGroup(row)
		switch {
		case err == nil:
			group = g
			return nil
		case err != sql.ErrNoRows:
			return apperrors.Wrap(apperrors.ErrDatabase, "failed to find default group", err)
		}
		group, err = r.addGroupTx(ctx, tx, userID, models.DefaultGroupName)
		return err
	})
	if err != nil {
		return nil, err
	}
	return group, nil
}
