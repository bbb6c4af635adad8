package remote

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mitchellh/mapstructure"

	apperrors "github.com/kimhsiao/todosync/internal/errors"
	"github.com/kimhsiao/todosync/internal/models"
)

// columns lists the writable and selectable columns of each remote table.
var columns = map[models.TableName][]string{
	models.TableTodos: {
		"id", "user_id", "group_id", "title", "description", "is_completed",
		"priority", "due_date", "created_at", "updated_at",
	},
	models.TableGroups: {"id", "user_id", "name", "created_at"},
}

// Columns returns the known columns of table.
func Columns(table models.TableName) ([]string, error) {
	cols, ok := columns[table]
	if !ok {
		return nil, apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("unknown remote table %q", table))
	}
	return cols, nil
}

func checkColumn(table models.TableName, column string) error {
	cols, err := Columns(table)
	if err != nil {
		return err
	}
	for _, c := range cols {
		if c == column {
			return nil
		}
	}
	return apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("unknown column %q on %s", column, table))
}

type todoRow struct {
	ID          string     `mapstructure:"id"`
	UserID      string     `mapstructure:"user_id"`
	GroupID     *string    `mapstructure:"group_id"`
	Title       string     `mapstructure:"title"`
	Description *string    `mapstructure:"description"`
	IsCompleted bool       `mapstructure:"is_completed"`
	Priority    string     `mapstructure:"priority"`
	DueDate     *time.Time `mapstructure:"due_date"`
	CreatedAt   time.Time  `mapstructure:"created_at"`
	UpdatedAt   *time.Time `mapstructure:"updated_at"`
}

type groupRow struct {
	ID        string    `mapstructure:"id"`
	UserID    string    `mapstructure:"user_id"`
	Name      string    `mapstructure:"name"`
	CreatedAt time.Time `mapstructure:"created_at"`
}

// DecodeTodo converts a remote todos row into a Todo. An unknown priority is
// read as medium.
func DecodeTodo(row Row) (*models.Todo, error) {
	var r todoRow
	if err := decode(row, &r); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrRemote, "failed to decode todo row", err)
	}
	if r.ID == "" {
		return nil, apperrors.New(apperrors.ErrRemote, "todo row without id")
	}

	t := &models.Todo{
		ID:          models.UUID(r.ID),
		UserID:      r.UserID,
		Title:       r.Title,
		IsCompleted: r.IsCompleted,
		Priority:    models.Priority(strings.ToLower(r.Priority)),
		CreatedAt:   r.CreatedAt.UTC(),
	}
	if !t.Priority.Valid() {
		t.Priority = models.PriorityMedium
	}
	if r.GroupID != nil && *r.GroupID != "" {
		g := models.UUID(*r.GroupID)
		t.GroupID = &g
	}
	if r.Description != nil {
		t.Description = *r.Description
	}
	if r.DueDate != nil {
		y, m, d := r.DueDate.Date()
		due := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
		t.DueDate = &due
	}
	if r.UpdatedAt != nil {
		t.UpdatedAt = r.UpdatedAt.UTC()
	}
	return t, nil
}

// DecodeGroup converts a remote groups row into a Group.
func DecodeGroup(row Row) (*models.Group, error) {
	var r groupRow
	if err := decode(row, &r); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrRemote, "failed to decode group row", err)
	}
	if r.ID == "" {
		return nil, apperrors.New(apperrors.ErrRemote, "group row without id")
	}
	return &models.Group{
		ID:        models.UUID(r.ID),
		UserID:    r.UserID,
		Name:      r.Name,
		CreatedAt: r.CreatedAt.UTC(),
	}, nil
}

func decode(row Row, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			uuidBytesToStringHook,
			stringToTimeHook,
		),
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	return dec.Decode(map[string]any(row))
}

// uuidBytesToStringHook renders the [16]byte values pgx returns for uuid
// columns in canonical form.
func uuidBytesToStringHook(from, to reflect.Type, data any) (any, error) {
	if to.Kind() != reflect.String || from.Kind() != reflect.Array ||
		from.Len() != 16 || from.Elem().Kind() != reflect.Uint8 {
		return data, nil
	}
	var id uuid.UUID
	reflect.Copy(reflect.ValueOf(&id).Elem(), reflect.ValueOf(data))
	return id.String(), nil
}

func stringToTimeHook(from, to reflect.Type, data any) (any, error) {
	if from.Kind() != reflect.String || to != reflect.TypeOf(time.Time{}) {
		return data, nil
	}
	s := reflect.ValueOf(data).String()
	if len(s) == len(models.DateLayout) {
		return models.ParseDate(s)
	}
	return models.ParseTime(s)
}
