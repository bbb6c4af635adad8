package models

import (
	"encoding/json"
	"time"
)

// OpType is the kind of mutation a queue entry replays.
type OpType string

const (
	OpInsert OpType = "INSERT"
	OpUpdate OpType = "UPDATE"
	OpDelete OpType = "DELETE"
)

// TableName names a remote table mirrored locally.
type TableName string

const (
	TableTodos  TableName = "todos"
	TableGroups TableName = "groups"
)

// QueueEntry is a durable record of one local mutation awaiting remote application.
// Entries replay in ascending ID order.
type QueueEntry struct {
	ID        int64           `db:"id" json:"id"`
	UserID    string          `db:"user_id" json:"user_id"`
	OpType    OpType          `db:"op_type" json:"op_type"`
	TableName TableName       `db:"table_name" json:"table_name"`
	RecordID  string          `db:"record_id" json:"record_id"`
	Payload   json.RawMessage `db:"payload" json:"payload"`
	CreatedAt time.Time       `db:"created_at" json:"created_at"`
}
