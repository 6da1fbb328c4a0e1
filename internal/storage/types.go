package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file at Path
//   - "memory": private in-memory SQLite database (tests, dry runs)
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	// Location is the zone appointment date/time columns are written in. Nil means Local.
	Location *time.Location
}

// User is the subset of the user record the notification path reads.
type User struct {
	ID    string
	Name  string
	Email string
}
