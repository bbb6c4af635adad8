// Package models provides data model definitions for todosync.
package models

import (
	"database/sql/driver"
	"fmt"
	"strings"
	"time"
)

// UUID is a wrapper around string for record id type safety.
type UUID string

// Value implements driver.Valuer for UUID.
func (u UUID) Value() (driver.Value, error) {
	return string(u), nil
}

// Scan implements sql.Scanner for UUID.
func (u *UUID) Scan(value interface{}) error {
	switch v := value.(type) {
	case nil:
		*u = ""
	case string:
		*u = UUID(v)
	case []byte:
		*u = UUID(v)
	default:
		return fmt.Errorf("cannot scan %T into UUID", value)
	}
	return nil
}

// String returns the string representation of the UUID.
func (u UUID) String() string {
	return string(u)
}

// Priority ranks a todo.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// Valid reports whether p is one of the known priorities.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh:
		return true
	}
	return false
}

// ParsePriority normalizes s, mapping empty input to PriorityMedium.
func ParsePriority(s string) (Priority, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return PriorityMedium, nil
	}
	p := Priority(s)
	if !p.Valid() {
		return "", fmt.Errorf("unknown priority %q", s)
	}
	return p, nil
}

// Todo is one to-do item, mirrored between the local store and the remote todos table.
type Todo struct {
	ID          UUID       `db:"id" json:"id"`
	UserID      string     `db:"user_id" json:"user_id"`
	GroupID     *UUID      `db:"group_id" json:"group_id"`
	Title       string     `db:"title" json:"title"`
	Description string     `db:"description" json:"description"`
	IsCompleted bool       `db:"is_completed" json:"is_completed"`
	Priority    Priority   `db:"priority" json:"priority"`
	DueDate     *time.Time `db:"due_date" json:"due_date,omitempty"`
	Synced      bool       `db:"synced" json:"synced"` // local only
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at" json:"updated_at"`
}

// TableName returns the local table name for Todo.
func (Todo) TableName() string {
	return "todos_local"
}

// LastModified returns UpdatedAt, or CreatedAt when UpdatedAt was never set.
func (t *Todo) LastModified() time.Time {
	if t.UpdatedAt.IsZero() {
		return t.CreatedAt
	}
	return t.UpdatedAt
}

// Touch stamps UpdatedAt and clears the synced flag.
func (t *Todo) Touch(now time.Time) {
	t.UpdatedAt = Stamp(now)
	t.Synced = false
}

// SameContent reports whether the user-visible fields of t and o match.
func (t *Todo) SameContent(o *Todo) bool {
	return t.ID == o.ID &&
		t.Title == o.Title &&
		t.Description == o.Description &&
		t.IsCompleted == o.IsCompleted &&
		t.Priority == o.Priority &&
		sameGroup(t.GroupID, o.GroupID) &&
		sameDate(t.DueDate, o.DueDate)
}

// GroupIDString returns the group id or "" for ungrouped todos.
func (t *Todo) GroupIDString() string {
	if t.GroupID == nil {
		return ""
	}
	return string(*t.GroupID)
}

func sameGroup(a, b *UUID) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func sameDate(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return FormatDate(*a) == FormatDate(*b)
}
