package models

import "time"

// DefaultGroupName is the group new todos fall into when none is chosen.
const DefaultGroupName = "Default Group"

// Group is a named collection of todos owned by one user.
type Group struct {
	ID        UUID      `db:"id" json:"id"`
	UserID    string    `db:"user_id" json:"user_id"`
	Name      string    `db:"name" json:"name"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// TableName returns the local table name for Group.
func (Group) TableName() string {
	return "groups_local"
}
