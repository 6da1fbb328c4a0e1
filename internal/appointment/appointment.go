// Package appointment holds the clinic appointment view consumed by the job
// handlers and the storage contracts they depend on.
package appointment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrNotFound = errors.New("not found")

// Wire formats of the date and time fields.
const (
	DateLayout = "2006-01-02"
	TimeLayout = "15:04"
)

type Status int

const (
	Scheduled Status = iota
	InProgress
	Completed
	Cancelled
	NoShow
)

var statusNames = map[Status]string{
	Scheduled:  "scheduled",
	InProgress: "in-progress",
	Completed:  "completed",
	Cancelled:  "cancelled",
	NoShow:     "no-show",
}

func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// ParseStatus accepts the wire strings plus the enum names ("NoShow", "InProgress").
func ParseStatus(v string) (Status, error) {
	key := strings.ToLower(strings.TrimSpace(v))
	key = strings.NewReplacer("_", "-", " ", "-").Replace(key)
	switch key {
	case "inprogress":
		return InProgress, nil
	case "noshow":
		return NoShow, nil
	}
	for s, n := range statusNames {
		if n == key {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown appointment status %q", v)
}

// Appointment is the subset of the appointment record the background jobs read.
type Appointment struct {
	ID                   string
	ClientID             string
	ClientName           string
	DoctorName           string
	DoctorSpecialization string
	Date                 string // yyyy-MM-dd
	Time                 string // HH:mm
	Status               Status
	Reason               string
	Notes                string
	CreatedAt            time.Time
	CompletedAt          *time.Time
}

// DateTime combines Date and Time in loc (time.Local when nil).
func (a Appointment) DateTime(loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.Local
	}
	t, err := time.ParseInLocation(DateLayout+" "+TimeLayout, strings.TrimSpace(a.Date)+" "+strings.TrimSpace(a.Time), loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("appointment %s: invalid date/time %q %q: %w", a.ID, a.Date, a.Time, err)
	}
	return t, nil
}

// PastDue reports whether a scheduled appointment has started before now.
// It is the only condition under which the sweep may complete an appointment.
func (a Appointment) PastDue(now time.Time, loc *time.Location) bool {
	if a.Status != Scheduled {
		return false
	}
	at, err := a.DateTime(loc)
	if err != nil {
		return false
	}
	return at.Before(now)
}

// Store is the appointment persistence contract used by the jobs.
type Store interface {
	GetAppointmentByID(ctx context.Context, id string) (Appointment, error)
	ListAppointments(ctx context.Context) ([]Appointment, error)
	// MarkCompletedIfPastDue completes every past-due scheduled appointment and returns how many changed.
	MarkCompletedIfPastDue(ctx context.Context, now time.Time) (int, error)
}

// UserStore resolves a user's email address. It returns ErrNotFound for unknown users.
type UserStore interface {
	GetEmailByUserID(ctx context.Context, userID string) (string, error)
}
