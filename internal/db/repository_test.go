package db

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/kimhsiao/todosync/internal/errors"
	"github.com/kimhsiao/todosync/internal/models"
	"github.com/kimhsiao/todosync/internal/sync/queue"
)

// stepClock advances by one millisecond on every reading.
type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

func setupTestRepo(t *testing.T) *Repository {
	t.Helper()
	db, err := OpenAndMigrate(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	repo := NewRepository(db.DB)
	clock := &stepClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
	repo.SetClock(clock.Now)
	return repo
}

func queueKinds(t *testing.T, repo *Repository, userID string) []string {
	t.Helper()
	ctx := context.Background()
	last, err := repo.LastQueueID(ctx)
	require.NoError(t, err)
	entries, err := repo.QueueEntries(ctx, userID, last)
	require.NoError(t, err)

	kinds := make([]string, 0, len(entries))
	for _, e := range entries {
		kinds = append(kinds, string(e.OpType)+" "+string(e.TableName))
	}
	return kinds
}

func TestAddTodo(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	todo, err := repo.AddTodo(ctx, "u1", NewTodo{Title: "  Buy milk  "})
	require.NoError(t, err)
	assert.Equal(t, "Buy milk", todo.Title)
	assert.Equal(t, models.PriorityMedium, todo.Priority)
	assert.False(t, todo.Synced)
	assert.False(t, todo.IsCompleted)

	got, err := repo.GetTodo(ctx, "u1", string(todo.ID))
	require.NoError(t, err)
	assert.True(t, todo.SameContent(got))
	assert.True(t, todo.CreatedAt.Equal(got.CreatedAt))

	assert.Equal(t, []string{"INSERT todos"}, queueKinds(t, repo, "u1"))
}

func TestStamps_truncatedToMicroseconds(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()
	repo.SetClock(func() time.Time { return time.Date(2024, 3, 1, 9, 0, 0, 123456789, time.UTC) })

	todo, err := repo.AddTodo(ctx, "u1", NewTodo{Title: "Buy milk"})
	require.NoError(t, err)
	assert.Equal(t, 123456000, todo.CreatedAt.Nanosecond())

	toggled, err := repo.ToggleTodo(ctx, "u1", string(todo.ID))
	require.NoError(t, err)
	assert.Equal(t, 123456000, toggled.UpdatedAt.Nanosecond())

	got, err := repo.GetTodo(ctx, "u1", string(todo.ID))
	require.NoError(t, err)
	assert.True(t, toggled.UpdatedAt.Equal(got.UpdatedAt))
}

func TestAddTodo_validation(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	_, err := repo.AddTodo(ctx, "u1", NewTodo{Title: "   "})
	assert.True(t, apperrors.Is(err, apperrors.ErrValidation))

	_, err = repo.AddTodo(ctx, "u1", NewTodo{Title: "x", Priority: "urgent"})
	assert.True(t, apperrors.Is(err, apperrors.ErrValidation))

	_, err = repo.AddTodo(ctx, "u1", NewTodo{Title: "x", GroupID: "missing"})
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))

	// nothing written, nothing queued
	todos, err := repo.ListTodos(ctx, "u1", TodoFilter{})
	require.NoError(t, err)
	assert.Empty(t, todos)
	assert.Empty(t, queueKinds(t, repo, "u1"))
}

func TestListTodos_orderAndFilters(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	group, err := repo.AddGroup(ctx, "u1", "Work")
	require.NoError(t, err)

	a, err := repo.AddTodo(ctx, "u1", NewTodo{Title: "a"})
	require.NoError(t, err)
	b, err := repo.AddTodo(ctx, "u1", NewTodo{Title: "b", GroupID: string(group.ID)})
	require.NoError(t, err)
	c, err := repo.AddTodo(ctx, "u1", NewTodo{Title: "c"})
	require.NoError(t, err)
	_, err = repo.ToggleTodo(ctx, "u1", string(c.ID))
	require.NoError(t, err)

	todos, err := repo.ListTodos(ctx, "u1", TodoFilter{})
	require.NoError(t, err)
	require.Len(t, todos, 3)
	// incomplete first, newest first within each half
	assert.Equal(t, []models.UUID{b.ID, a.ID, c.ID}, []models.UUID{todos[0].ID, todos[1].ID, todos[2].ID})

	active, err := repo.ListTodos(ctx, "u1", TodoFilter{Status: StatusActive})
	require.NoError(t, err)
	assert.Len(t, active, 2)

	completed, err := repo.ListTodos(ctx, "u1", TodoFilter{Status: StatusCompleted})
	require.NoError(t, err)
	require.Len(t, completed, 1)
	assert.Equal(t, c.ID, completed[0].ID)

	grouped, err := repo.ListTodos(ctx, "u1", TodoFilter{GroupID: string(group.ID)})
	require.NoError(t, err)
	require.Len(t, grouped, 1)
	assert.Equal(t, b.ID, grouped[0].ID)
}

func TestParseTodoStatus(t *testing.T) {
	s, err := ParseTodoStatus("")
	require.NoError(t, err)
	assert.Equal(t, StatusAll, s)

	s, err = ParseTodoStatus("Active")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, s)

	_, err = ParseTodoStatus("archived")
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))
}

func TestToggleTodo(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	todo, err := repo.AddTodo(ctx, "u1", NewTodo{Title: "x"})
	require.NoError(t, err)

	toggled, err := repo.ToggleTodo(ctx, "u1", string(todo.ID))
	require.NoError(t, err)
	assert.True(t, toggled.IsCompleted)
	assert.True(t, toggled.UpdatedAt.After(todo.UpdatedAt))

	last, err := repo.LastQueueID(ctx)
	require.NoError(t, err)
	entries, err := repo.QueueEntries(ctx, "u1", last)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	op, err := queue.Decode(entries[1])
	require.NoError(t, err)
	update, ok := op.(queue.UpdateTodo)
	require.True(t, ok)
	require.NotNil(t, update.IsCompleted)
	assert.True(t, *update.IsCompleted)
	assert.Nil(t, update.Title)
}

func TestEditTodo(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	group, err := repo.AddGroup(ctx, "u1", "Home")
	require.NoError(t, err)
	due := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)
	todo, err := repo.AddTodo(ctx, "u1", NewTodo{Title: "x", DueDate: &due, GroupID: string(group.ID)})
	require.NoError(t, err)

	title := "renamed"
	high := models.PriorityHigh
	edited, err := repo.EditTodo(ctx, "u1", string(todo.ID), TodoChanges{
		Title:        &title,
		Priority:     &high,
		ClearDueDate: true,
		ClearGroup:   true,
	})
	require.NoError(t, err)
	assert.Equal(t, "renamed", edited.Title)
	assert.Equal(t, models.PriorityHigh, edited.Priority)
	assert.Nil(t, edited.DueDate)
	assert.Nil(t, edited.GroupID)

	got, err := repo.GetTodo(ctx, "u1", string(todo.ID))
	require.NoError(t, err)
	assert.True(t, edited.SameContent(got))

	last, err := repo.LastQueueID(ctx)
	require.NoError(t, err)
	entries, err := repo.QueueEntries(ctx, "u1", last)
	require.NoError(t, err)
	var payload map[string]any
	require.NoError(t, json.Unmarshal(entries[len(entries)-1].Payload, &payload))
	assert.Equal(t, "renamed", payload["title"])
	assert.Equal(t, "", payload["group_id"])
	assert.Equal(t, "", payload["due_date"])
	assert.NotContains(t, payload, "description")

	_, err = repo.EditTodo(ctx, "u1", string(todo.ID), TodoChanges{})
	assert.True(t, apperrors.Is(err, apperrors.ErrValidation))
}

func TestDeleteTodo(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	todo, err := repo.AddTodo(ctx, "u1", NewTodo{Title: "x"})
	require.NoError(t, err)
	require.NoError(t, repo.DeleteTodo(ctx, "u1", string(todo.ID)))

	_, err = repo.GetTodo(ctx, "u1", string(todo.ID))
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))

	err = repo.DeleteTodo(ctx, "u1", string(todo.ID))
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))

	assert.Equal(t, []string{"INSERT todos", "DELETE todos"}, queueKinds(t, repo, "u1"))
}

func TestMutation_rolledBackWhenEnqueueFails(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	_, err := repo.db.Exec(`DROP TABLE queue`)
	require.NoError(t, err)

	_, err = repo.AddTodo(ctx, "u1", NewTodo{Title: "x"})
	require.Error(t, err)

	var n int
	require.NoError(t, repo.db.QueryRow(`SELECT COUNT(*) FROM todos_local`).Scan(&n))
	assert.Equal(t, 0, n, "row must not survive without its queue entry")
}

func TestUserScoping(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	todo, err := repo.AddTodo(ctx, "alice", NewTodo{Title: "secret"})
	require.NoError(t, err)
	group, err := repo.AddGroup(ctx, "alice", "Private")
	require.NoError(t, err)

	todos, err := repo.ListTodos(ctx, "bob", TodoFilter{})
	require.NoError(t, err)
	assert.Empty(t, todos)

	groups, err := repo.ListGroups(ctx, "bob")
	require.NoError(t, err)
	assert.Empty(t, groups)

	_, err = repo.GetTodo(ctx, "bob", string(todo.ID))
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
	_, err = repo.ToggleTodo(ctx, "bob", string(todo.ID))
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
	assert.True(t, apperrors.Is(repo.DeleteTodo(ctx, "bob", string(todo.ID)), apperrors.ErrNotFound))
	assert.True(t, apperrors.Is(repo.DeleteGroup(ctx, "bob", string(group.ID)), apperrors.ErrNotFound))

	pending, err := repo.PendingCount(ctx, "bob")
	require.NoError(t, err)
	assert.Zero(t, pending)

	unsynced, err := repo.UnsyncedTodos(ctx, "bob")
	require.NoError(t, err)
	assert.Empty(t, unsynced)
}

func TestGroups(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	_, err := repo.AddGroup(ctx, "u1", " ")
	assert.True(t, apperrors.Is(err, apperrors.ErrValidation))

	first, err := repo.AddGroup(ctx, "u1", "First")
	require.NoError(t, err)
	second, err := repo.AddGroup(ctx, "u1", "Second")
	require.NoError(t, err)

	groups, err := repo.ListGroups(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, groups, 2)
	assert.Equal(t, second.ID, groups[0].ID)

	renamed, err := repo.RenameGroup(ctx, "u1", string(first.ID), "Renamed")
	require.NoError(t, err)
	assert.Equal(t, "Renamed", renamed.Name)

	require.NoError(t, repo.DeleteGroup(ctx, "u1", string(second.ID)))
	groups, err = repo.ListGroups(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, groups, 1)

	assert.Equal(t,
		[]string{"INSERT groups", "INSERT groups", "UPDATE groups", "DELETE groups"},
		queueKinds(t, repo, "u1"))
}

func TestEnsureDefaultGroup(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	g1, err := repo.EnsureDefaultGroup(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, models.DefaultGroupName, g1.Name)

	g2, err := repo.EnsureDefaultGroup(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, g1.ID, g2.ID)

	other, err := repo.EnsureDefaultGroup(ctx, "u2")
	require.NoError(t, err)
	assert.NotEqual(t, g1.ID, other.ID)

	assert.Equal(t, []string{"INSERT groups"}, queueKinds(t, repo, "u1"))
}

func TestQueue_fifoSnapshotAndDelete(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	todo, err := repo.AddTodo(ctx, "u1", NewTodo{Title: "x"})
	require.NoError(t, err)
	_, err = repo.ToggleTodo(ctx, "u1", string(todo.ID))
	require.NoError(t, err)

	snapshot, err := repo.LastQueueID(ctx)
	require.NoError(t, err)

	// entries appended after the snapshot are not part of it
	_, err = repo.ToggleTodo(ctx, "u1", string(todo.ID))
	require.NoError(t, err)

	entries, err := repo.QueueEntries(ctx, "u1", snapshot)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Less(t, entries[0].ID, entries[1].ID)

	require.NoError(t, repo.DeleteQueueEntry(ctx, entries[0].ID))
	pending, err := repo.PendingCount(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, pending)
}

func TestMarkTodoSynced_skipsConcurrentEdit(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	todo, err := repo.AddTodo(ctx, "u1", NewTodo{Title: "x"})
	require.NoError(t, err)
	pushed := todo.LastModified()

	_, err = repo.ToggleTodo(ctx, "u1", string(todo.ID))
	require.NoError(t, err)

	ok, err := repo.MarkTodoSynced(ctx, string(todo.ID), pushed)
	require.NoError(t, err)
	assert.False(t, ok)

	current, err := repo.GetTodo(ctx, "u1", string(todo.ID))
	require.NoError(t, err)
	ok, err = repo.MarkTodoSynced(ctx, string(todo.ID), current.LastModified())
	require.NoError(t, err)
	assert.True(t, ok)

	unsynced, err := repo.UnsyncedTodos(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, unsynced)
}

func TestRemoteTodoWrites(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	missing, err := repo.FindTodo(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)

	created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	remote := &models.Todo{
		ID:        "r1",
		UserID:    "u1",
		Title:     "from server",
		Priority:  models.PriorityLow,
		CreatedAt: created,
	}
	require.NoError(t, repo.InsertRemoteTodo(ctx, remote))

	local, err := repo.FindTodo(ctx, "r1")
	require.NoError(t, err)
	require.NotNil(t, local)
	assert.True(t, local.Synced)
	assert.True(t, local.UpdatedAt.IsZero())
	assert.True(t, created.Equal(local.LastModified()))

	newer := *remote
	newer.Title = "server edit"
	newer.UpdatedAt = created.Add(time.Hour)

	ok, err := repo.OverwriteTodo(ctx, &newer, created.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, ok, "stale comparison must not overwrite")

	ok, err = repo.OverwriteTodo(ctx, &newer, local.LastModified())
	require.NoError(t, err)
	assert.True(t, ok)

	local, err = repo.FindTodo(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "server edit", local.Title)
	assert.Empty(t, queueKinds(t, repo, "u1"))
}

func TestRemoteGroupWrites(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	g := &models.Group{ID: "g1", UserID: "u1", Name: "A", CreatedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	require.NoError(t, repo.InsertRemoteGroup(ctx, g))

	g.Name = "B"
	require.NoError(t, repo.OverwriteGroup(ctx, g))

	found, err := repo.FindGroup(ctx, "g1")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "B", found.Name)

	missing, err := repo.FindGroup(ctx, "g2")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestConflictLogs(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	local := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	log := &models.ConflictLog{
		UserID:          "u1",
		TableName:       models.TableTodos,
		RecordID:        "t1",
		LocalUpdatedAt:  local,
		RemoteUpdatedAt: local.Add(time.Second),
		Resolution:      models.ResolutionRemoteWins,
	}
	require.NoError(t, repo.CreateConflictLog(ctx, log))
	assert.NotZero(t, log.ID)

	logs, err := repo.ListConflictLogs(ctx, "u1", 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, models.ResolutionRemoteWins, logs[0].Resolution)
	assert.True(t, local.Equal(logs[0].LocalUpdatedAt))
	assert.False(t, logs[0].DetectedAt.IsZero())

	others, err := repo.ListConflictLogs(ctx, "u2", 10)
	require.NoError(t, err)
	assert.Empty(t, others)
}
