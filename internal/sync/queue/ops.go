// Package queue defines the typed operations recorded in the local sync queue
// and their JSON payload encoding.
package queue

import (
	"encoding/json"
	"fmt"
	"time"

	apperrors "github.com/kimhsiao/todosync/internal/errors"
	"github.com/kimhsiao/todosync/internal/models"
)

// Op is one queued mutation. The concrete types are InsertTodo, UpdateTodo,
// DeleteTodo, InsertGroup, UpdateGroup and DeleteGroup.
type Op interface {
	Kind() (models.OpType, models.TableName)
	Record() string
	isOp()
}

// TodoRecord is the full remote representation of a todo.
type TodoRecord struct {
	ID          string          `json:"id"`
	UserID      string          `json:"user_id"`
	GroupID     *string         `json:"group_id"`
	Title       string          `json:"title"`
	Description string          `json:"description"`
	IsCompleted bool            `json:"is_completed"`
	Priority    models.Priority `json:"priority"`
	DueDate     *string         `json:"due_date"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// TodoRecordFrom snapshots the remote-visible fields of t.
func TodoRecordFrom(t *models.Todo) TodoRecord {
	rec := TodoRecord{
		ID:          string(t.ID),
		UserID:      t.UserID,
		Title:       t.Title,
		Description: t.Description,
		IsCompleted: t.IsCompleted,
		Priority:    t.Priority,
		CreatedAt:   t.CreatedAt.UTC(),
		UpdatedAt:   t.LastModified().UTC(),
	}
	if t.GroupID != nil {
		g := string(*t.GroupID)
		rec.GroupID = &g
	}
	if t.DueDate != nil {
		d := models.FormatDate(*t.DueDate)
		rec.DueDate = &d
	}
	return rec
}

// Row renders the record as a remote row.
func (r TodoRecord) Row() map[string]any {
	return map[string]any{
		"id":           r.ID,
		"user_id":      r.UserID,
		"group_id":     nullableString(r.GroupID),
		"title":        r.Title,
		"description":  r.Description,
		"is_completed": r.IsCompleted,
		"priority":     string(r.Priority),
		"due_date":     nullableDate(r.DueDate),
		"created_at":   r.CreatedAt,
		"updated_at":   r.UpdatedAt,
	}
}

// TodoPatch carries the changed fields of a todo. For GroupID and DueDate an
// empty string clears the value.
type TodoPatch struct {
	Title       *string          `json:"title,omitempty"`
	Description *string          `json:"description,omitempty"`
	IsCompleted *bool            `json:"is_completed,omitempty"`
	Priority    *models.Priority `json:"priority,omitempty"`
	GroupID     *string          `json:"group_id,omitempty"`
	DueDate     *string          `json:"due_date,omitempty"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// PatchFrom builds a patch carrying every mutable field of t.
func PatchFrom(t *models.Todo) TodoPatch {
	rec := TodoRecordFrom(t)
	group, due := "", ""
	if rec.GroupID != nil {
		group = *rec.GroupID
	}
	if rec.DueDate != nil {
		due = *rec.DueDate
	}
	return TodoPatch{
		Title:       &rec.Title,
		Description: &rec.Description,
		IsCompleted: &rec.IsCompleted,
		Priority:    &rec.Priority,
		GroupID:     &group,
		DueDate:     &due,
		UpdatedAt:   rec.UpdatedAt,
	}
}

// Row renders only the fields present in the patch.
func (p TodoPatch) Row() map[string]any {
	row := map[string]any{"updated_at": p.UpdatedAt}
	if p.Title != nil {
		row["title"] = *p.Title
	}
	if p.Description != nil {
		row["description"] = *p.Description
	}
	if p.IsCompleted != nil {
		row["is_completed"] = *p.IsCompleted
	}
	if p.Priority != nil {
		row["priority"] = string(*p.Priority)
	}
	if p.GroupID != nil {
		row["group_id"] = emptyToNil(*p.GroupID)
	}
	if p.DueDate != nil {
		if *p.DueDate == "" {
			row["due_date"] = nil
		} else {
			row["due_date"] = nullableDate(p.DueDate)
		}
	}
	return row
}

// GroupRecord is the full remote representation of a group.
type GroupRecord struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// GroupRecordFrom snapshots g.
func GroupRecordFrom(g *models.Group) GroupRecord {
	return GroupRecord{
		ID:        string(g.ID),
		UserID:    g.UserID,
		Name:      g.Name,
		CreatedAt: g.CreatedAt.UTC(),
	}
}

// Row renders the record as a remote row.
func (r GroupRecord) Row() map[string]any {
	return map[string]any{
		"id":         r.ID,
		"user_id":    r.UserID,
		"name":       r.Name,
		"created_at": r.CreatedAt,
	}
}

// InsertTodo replays as an upsert of the full todo.
type InsertTodo struct {
	TodoRecord
}

// UpdateTodo replays as an update by id.
type UpdateTodo struct {
	ID string `json:"id"`
	TodoPatch
}

// DeleteTodo replays as a delete by id.
type DeleteTodo struct {
	ID string `json:"id"`
}

// InsertGroup replays as an upsert of the full group.
type InsertGroup struct {
	GroupRecord
}

// UpdateGroup replays as an update by id.
type UpdateGroup struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// DeleteGroup replays as a delete by id.
type DeleteGroup struct {
	ID string `json:"id"`
}

func (InsertTodo) Kind() (models.OpType, models.TableName)  { return models.OpInsert, models.TableTodos }
func (UpdateTodo) Kind() (models.OpType, models.TableName)  { return models.OpUpdate, models.TableTodos }
func (DeleteTodo) Kind() (models.OpType, models.TableName)  { return models.OpDelete, models.TableTodos }
func (InsertGroup) Kind() (models.OpType, models.TableName) { return models.OpInsert, models.TableGroups }
func (UpdateGroup) Kind() (models.OpType, models.TableName) { return models.OpUpdate, models.TableGroups }
func (DeleteGroup) Kind() (models.OpType, models.TableName) { return models.OpDelete, models.TableGroups }

func (o InsertTodo) Record() string  { return o.TodoRecord.ID }
func (o UpdateTodo) Record() string  { return o.ID }
func (o DeleteTodo) Record() string  { return o.ID }
func (o InsertGroup) Record() string { return o.GroupRecord.ID }
func (o UpdateGroup) Record() string { return o.ID }
func (o DeleteGroup) Record() string { return o.ID }

func (InsertTodo) isOp()  {}
func (UpdateTodo) isOp()  {}
func (DeleteTodo) isOp()  {}
func (InsertGroup) isOp() {}
func (UpdateGroup) isOp() {}
func (DeleteGroup) isOp() {}

// Encode renders op as the columns of a queue row.
func Encode(op Op) (models.OpType, models.TableName, string, []byte, error) {
	opType, table := op.Kind()
	payload, err := json.Marshal(op)
	if err != nil {
		return "", "", "", nil, fmt.Errorf("marshal %s %s payload: %w", opType, table, err)
	}
	return opType, table, op.Record(), payload, nil
}

// Decode parses a queue entry back into its typed operation. Unknown
// (table, op) pairs and unparsable payloads yield an ErrMalformedPayload error.
func Decode(e *models.QueueEntry) (Op, error) {
	var (
		op  Op
		err error
	)
	switch e.TableName {
	case models.TableTodos:
		switch e.OpType {
		case models.OpInsert:
			var v InsertTodo
			err = unmarshal(e, &v)
			if v.TodoRecord.ID == "" {
				v.TodoRecord.ID = e.RecordID
			}
			op = v
		case models.OpUpdate:
			var v UpdateTodo
			err = unmarshal(e, &v)
			if v.ID == "" {
				v.ID = e.RecordID
			}
			op = v
		case models.OpDelete:
			op = DeleteTodo{ID: e.RecordID}
		}
	case models.TableGroups:
		switch e.OpType {
		case models.OpInsert:
			var v InsertGroup
			err = unmarshal(e, &v)
			if v.GroupRecord.ID == "" {
				v.GroupRecord.ID = e.RecordID
			}
			op = v
		case models.OpUpdate:
			var v UpdateGroup
			err = unmarshal(e, &v)
			if v.ID == "" {
				v.ID = e.RecordID
			}
			op = v
		case models.OpDelete:
			op = DeleteGroup{ID: e.RecordID}
		}
	}
	if err != nil {
		return nil, err
	}
	if op == nil {
		return nil, apperrors.New(apperrors.ErrMalformedPayload,
			fmt.Sprintf("queue entry %d: unknown operation %s on %s", e.ID, e.OpType, e.TableName))
	}
	if op.Record() == "" {
		return nil, apperrors.New(apperrors.ErrMalformedPayload,
			fmt.Sprintf("queue entry %d: missing record id", e.ID))
	}
	return op, nil
}

func unmarshal(e *models.QueueEntry, v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return apperrors.Wrap(apperrors.ErrMalformedPayload,
			fmt.Sprintf("queue entry %d: decode %s %s payload", e.ID, e.OpType, e.TableName), err)
	}
	return nil
}

func nullableString(s *string) any {
	if s == nil {
		return nil
	}
	return emptyToNil(*s)
}

func emptyToNil(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableDate(s *string) any {
	if s == nil || *s == "" {
		return nil
	}
	d, err := models.ParseDate(*s)
	if err != nil {
		return *s
	}
	return d
}
