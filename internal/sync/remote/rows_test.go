package remote

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/kimhsiao/todosync/internal/errors"
	"github.com/kimhsiao/todosync/internal/models"
)

func TestDecodeTodo_pgxValues(t *testing.T) {
	created := time.Date(2024, 2, 1, 10, 0, 0, 0, time.FixedZone("CET", 3600))
	id := [16]byte{0x01, 0x8e, 0x2b, 0x3c, 0x4d, 0x5e, 0x7f, 0x00, 0x80, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07}

	todo, err := DecodeTodo(Row{
		"id":           id,
		"user_id":      "u1",
		"group_id":     nil,
		"title":        "Buy milk",
		"description":  nil,
		"is_completed": true,
		"priority":     "HIGH",
		"due_date":     time.Date(2024, 2, 3, 0, 0, 0, 0, time.UTC),
		"created_at":   created,
		"updated_at":   nil,
	})
	require.NoError(t, err)

	assert.Equal(t, models.UUID("018e2b3c-4d5e-7f00-8001-020304050607"), todo.ID)
	assert.Nil(t, todo.GroupID)
	assert.Equal(t, "", todo.Description)
	assert.True(t, todo.IsCompleted)
	assert.Equal(t, models.PriorityHigh, todo.Priority)
	require.NotNil(t, todo.DueDate)
	assert.Equal(t, "2024-02-03", models.FormatDate(*todo.DueDate))
	assert.True(t, created.Equal(todo.CreatedAt))
	assert.True(t, todo.UpdatedAt.IsZero())
	assert.True(t, created.Equal(todo.LastModified()))
}

func TestDecodeTodo_stringValues(t *testing.T) {
	todo, err := DecodeTodo(Row{
		"id":         "t1",
		"user_id":    "u1",
		"group_id":   "g1",
		"title":      "x",
		"priority":   "urgent",
		"due_date":   "2024-02-03",
		"created_at": "2024-02-01T10:00:00Z",
		"updated_at": "2024-02-01T11:00:00.5Z",
	})
	require.NoError(t, err)

	require.NotNil(t, todo.GroupID)
	assert.Equal(t, models.UUID("g1"), *todo.GroupID)
	assert.Equal(t, models.PriorityMedium, todo.Priority)
	assert.Equal(t, 500*time.Millisecond, todo.UpdatedAt.Sub(time.Date(2024, 2, 1, 11, 0, 0, 0, time.UTC)))
}

func TestDecodeTodo_missingID(t *testing.T) {
	_, err := DecodeTodo(Row{"title": "x"})
	assert.True(t, apperrors.Is(err, apperrors.ErrRemote))
}

func TestDecodeGroup(t *testing.T) {
	g, err := DecodeGroup(Row{"id": "g1", "user_id": "u1", "name": "Home", "created_at": time.Unix(0, 0)})
	require.NoError(t, err)
	assert.Equal(t, "Home", g.Name)
	assert.Equal(t, time.UTC, g.CreatedAt.Location())
}

func TestColumns(t *testing.T) {
	_, err := Columns("notes")
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))
	assert.NoError(t, checkColumn(models.TableTodos, "due_date"))
	assert.Error(t, checkColumn(models.TableGroups, "title"))
}

func TestFilter_AndDoesNotAlias(t *testing.T) {
	base := Eq("user_id", "u1")
	a := base.And("id", "a")
	b := base.And("id", "b")
	assert.Len(t, base, 1)
	assert.Equal(t, "a", a[1].Value)
	assert.Equal(t, "b", b[1].Value)
}
