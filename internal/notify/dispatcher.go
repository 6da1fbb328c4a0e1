package notify

import (
	"context"
	"errors"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"clinicjobs/internal/appointment"
	"clinicjobs/pkg/logx"
)

// Dispatcher turns one appointment lifecycle event into an in-app
// notification plus an email attempt.
type Dispatcher struct {
	cfg     Config
	store   *MemoryStore
	users   appointment.UserStore
	sender  EmailSender
	log     logx.Logger
	limiter *rate.Limiter
	now     func() time.Time
}

type DispatcherOption func(*Dispatcher)

// WithClock overrides the timestamp source of new notifications.
func WithClock(now func() time.Time) DispatcherOption {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

func NewDispatcher(cfg Config, store *MemoryStore, users appointment.UserStore, sender EmailSender, log logx.Logger, opts ...DispatcherOption) *Dispatcher {
	if strings.TrimSpace(cfg.FallbackEmail) == "" {
		cfg.FallbackEmail = DefaultFallbackEmail
	}
	d := &Dispatcher{
		cfg:    cfg,
		store:  store,
		users:  users,
		sender: sender,
		log:    log.With(logx.String("comp", "notify")),
		now:    time.Now,
	}
	if cfg.EmailRatePerSec > 0 {
		d.limiter = rate.NewLimiter(rate.Limit(cfg.EmailRatePerSec), max(cfg.EmailBurst, 1))
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

func (d *Dispatcher) Store() *MemoryStore { return d.store }

// Delivery is the outcome of one Deliver call.
type Delivery struct {
	NotificationID string
	Persisted      bool
	EmailSent      bool
	// Retryable reports an email attempt that failed in transport and may
	// succeed later. A skipped delivery (no usable address) is not retryable.
	Retryable bool
}

// Dispatch records the notification and tries to email the client.
// It reports whether the in-app record was persisted; email failures only
// flip the record's EmailSent flag.
func (d *Dispatcher) Dispatch(ctx context.Context, ev Event, appt appointment.Appointment) bool {
	return d.Deliver(ctx, "", ev, appt).Persisted
}

// Deliver is Dispatch keyed for retries: a second call with the same key
// reuses the stored notification and only repeats the email when it has
// not been sent yet. An empty key always creates a new record.
func (d *Dispatcher) Deliver(ctx context.Context, key string, ev Event, appt appointment.Appointment) Delivery {
	log := d.log.With(logx.String("event", ev.String()), logx.String("appointment", appt.ID), logx.String("user", appt.ClientID))

	c, ok := contents[ev]
	if !ok {
		log.Error("dispatch: unsupported event")
		return Delivery{}
	}

	n, created, err := d.store.AddOnce(key, Notification{
		ID:            uuid.NewString(),
		UserID:        appt.ClientID,
		Title:         c.title,
		Message:       c.message(appt),
		Type:          ev,
		AppointmentID: appt.ID,
		CreatedAt:     d.now().UTC(),
	})
	if err != nil {
		log.Error("dispatch: store notification failed", logx.Err(err))
		return Delivery{}
	}
	log = log.With(logx.String("notification", n.ID))
	if !created && n.EmailSent {
		log.Debug("notification already delivered")
		return Delivery{NotificationID: n.ID, Persisted: true, EmailSent: true}
	}

	sent, retryable := d.sendEmail(ctx, ev, appt, log)
	d.store.SetEmailSent(n.ID, sent)

	log.Info("notification dispatched", logx.Bool("email_sent", sent), logx.Bool("resend", !created))
	return Delivery{NotificationID: n.ID, Persisted: true, EmailSent: sent, Retryable: !sent && retryable}
}

// sendEmail reports whether the email went out and, if not, whether trying
// again later could help.
func (d *Dispatcher) sendEmail(ctx context.Context, ev Event, appt appointment.Appointment, log logx.Logger) (sent, retryable bool) {
	if d.sender == nil {
		log.Warn("dispatch: no email sender configured")
		return false, false
	}

	to, fallback := d.resolveEmail(ctx, appt.ClientID, log)
	if fallback && !d.cfg.DeliverToFallback {
		log.Warn("dispatch: no usable recipient address, email skipped", logx.String("fallback", to))
		return false, false
	}

	msg, err := render(ev, appt)
	if err != nil {
		log.Error("dispatch: render email failed", logx.Err(err))
		return false, false
	}

	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			log.Warn("dispatch: email rate limit wait aborted", logx.Err(err))
			return false, true
		}
	}

	if !d.sender.Send(ctx, to, displayName(appt.ClientName), msg.subject, msg.html, msg.text) {
		log.Warn("dispatch: email delivery failed", logx.String("to", to))
		return false, true
	}
	return true, false
}

// resolveEmail returns the client's address, or the fallback address (and true)
// when it is missing, unknown or malformed.
func (d *Dispatcher) resolveEmail(ctx context.Context, userID string, log logx.Logger) (string, bool) {
	if strings.TrimSpace(userID) == "" {
		log.Warn("client id is empty, using fallback email")
		return d.cfg.FallbackEmail, true
	}
	if d.users == nil {
		return d.cfg.FallbackEmail, true
	}

	email, err := d.users.GetEmailByUserID(ctx, userID)
	switch {
	case errors.Is(err, appointment.ErrNotFound):
		log.Warn("user not found, using fallback email")
		return d.cfg.FallbackEmail, true
	case err != nil:
		log.Error("lookup user email failed, using fallback email", logx.Err(err))
		return d.cfg.FallbackEmail, true
	}

	email = strings.TrimSpace(email)
	if !validEmail(email) {
		log.Warn("invalid email format, using fallback email", logx.String("email", email))
		return d.cfg.FallbackEmail, true
	}
	return email, false
}

// validEmail accepts a bare address only ("a@b.c", not "Name <a@b.c>").
func validEmail(s string) bool {
	if s == "" {
		return false
	}
	addr, err := mail.ParseAddress(s)
	return err == nil && addr.Address == s
}
