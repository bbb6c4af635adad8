package models

import "time"

// Conflict resolutions recorded in the conflict log.
const (
	ResolutionRemoteWins = "remote_wins"
	ResolutionLocalWins  = "local_wins"
)

// ConflictLog records a merge where local and remote copies of a row disagreed.
type ConflictLog struct {
	ID              int64     `db:"id" json:"id"`
	UserID          string    `db:"user_id" json:"user_id"`
	TableName       TableName `db:"table_name" json:"table_name"`
	RecordID        UUID      `db:"record_id" json:"record_id"`
	LocalUpdatedAt  time.Time `db:"local_updated_at" json:"local_updated_at"`
	RemoteUpdatedAt time.Time `db:"remote_updated_at" json:"remote_updated_at"`
	Resolution      string    `db:"resolution" json:"resolution"`
	DetectedAt      time.Time `db:"detected_at" json:"detected_at"`
}
