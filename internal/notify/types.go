package notify

import (
	"context"
	"fmt"
	"time"
)

// Event is the appointment lifecycle event a notification reports.
type Event int

const (
	Created Event = iota
	Modified
	Reminder
	Cancelled
	Completed
)

var eventNames = [...]string{"created", "modified", "reminder", "cancelled", "completed"}

func (e Event) String() string {
	if int(e) >= 0 && int(e) < len(eventNames) {
		return eventNames[e]
	}
	return fmt.Sprintf("event(%d)", int(e))
}

func (e Event) MarshalText() ([]byte, error) { return []byte(e.String()), nil }

// Notification is the in-app record produced by every dispatch.
// Only Read and EmailSent change after creation.
type Notification struct {
	ID            string    `json:"id"`
	UserID        string    `json:"user_id"`
	Title         string    `json:"title"`
	Message       string    `json:"message"`
	Type          Event     `json:"type"`
	AppointmentID string    `json:"appointment_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	Read          bool      `json:"read"`
	EmailSent     bool      `json:"email_sent"`
}

// EmailSender delivers one message. It reports success and never panics on transport errors.
type EmailSender interface {
	Send(ctx context.Context, toEmail, toName, subject, htmlBody, textBody string) bool
}

// Config controls dispatch behaviour.
type Config struct {
	// FallbackEmail replaces a missing or malformed recipient address.
	FallbackEmail string

	// DeliverToFallback sends the message to FallbackEmail instead of skipping delivery.
	DeliverToFallback bool

	// EmailRatePerSec caps outbound email. 0 disables limiting.
	EmailRatePerSec float64
	EmailBurst      int
}

const DefaultFallbackEmail = "noreply@medanoclinic.com"
