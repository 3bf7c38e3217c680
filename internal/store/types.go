package store

import "time"

// Project is a tracked location.
type Project struct {
	Path         string    `json:"path"`
	RegisteredAt time.Time `json:"registered_at"`
}

// BadEvent is a stored event that could not be decoded.
type BadEvent struct {
	RowID   int64
	EventID string
	Err     error
}
