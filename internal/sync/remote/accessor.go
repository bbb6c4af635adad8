// Package remote is the thin access layer over the hosted relational backend:
// filtered selects, inserts, updates, deletes and upserts on the todos and
// groups tables, plus per-table change notifications.
package remote

import (
	"context"

	"github.com/kimhsiao/todosync/internal/models"
)

// Row is one remote row keyed by column name.
type Row map[string]any

// Cond is a single equality condition.
type Cond struct {
	Column string
	Value  any
}

// Filter is a conjunction of equality conditions, applied in order.
type Filter []Cond

// Eq starts a filter with column = value.
func Eq(column string, value any) Filter {
	return Filter{{Column: column, Value: value}}
}

// And appends column = value to the filter.
func (f Filter) And(column string, value any) Filter {
	out := make(Filter, 0, len(f)+1)
	out = append(out, f...)
	return append(out, Cond{Column: column, Value: value})
}

// Order sorts a select by one column.
type Order struct {
	Column string
	Desc   bool
}

// Asc and Desc build an Order.
func Asc(column string) Order  { return Order{Column: column} }
func Desc(column string) Order { return Order{Column: column, Desc: true} }

// EventType is the kind of row change carried by a ChangeEvent.
type EventType string

const (
	EventInsert EventType = "insert"
	EventUpdate EventType = "update"
	EventDelete EventType = "delete"
)

// ChangeEvent reports that a row in a remote table changed.
type ChangeEvent struct {
	Table    models.TableName `json:"table"`
	Type     EventType        `json:"type"`
	RecordID string           `json:"id"`
	UserID   string           `json:"user_id"`
}

// Subscription is an active change feed.
type Subscription interface {
	Close() error
}

// Accessor is the remote backend. Every method returns errors instead of
// panicking; callers decide whether a failure is fatal.
type Accessor interface {
	Select(ctx context.Context, table models.TableName, filter Filter, order ...Order) ([]Row, error)
	Insert(ctx context.Context, table models.TableName, rows ...Row) error
	Update(ctx context.Context, table models.TableName, patch Row, filter Filter) error
	Delete(ctx context.Context, table models.TableName, filter Filter) error
	Upsert(ctx context.Context, table models.TableName, row Row) error
	Subscribe(ctx context.Context, table models.TableName, fn func(ChangeEvent)) (Subscription, error)
}
