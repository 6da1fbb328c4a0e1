// Package storage is the SQLite persistence behind the appointment and user
// contracts the background jobs consume.
package storage
