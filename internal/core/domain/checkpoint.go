package domain

import "time"

// Checkpoint is the last fully processed chain height of one event type.
type Checkpoint struct {
	Event     string    `db:"event"`
	Height    uint64    `db:"height"`
	UpdatedAt time.Time `db:"updated_at"`
}
