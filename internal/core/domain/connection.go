package domain

import "time"

type UserID string

type ConnectionID string

// Connection is a single live socket belonging to a user. A user may hold
// several at once (multi-device).
type Connection struct {
	ID          ConnectionID
	UserID      UserID
	ConnectedAt time.Time
}
