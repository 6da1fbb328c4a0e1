// Package jobs holds the appointment job handlers and the producer API the
// request path uses to enqueue them.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"clinicjobs/internal/appointment"
	"clinicjobs/internal/notify"
	"clinicjobs/internal/queue"
	"clinicjobs/pkg/logx"
)

// ReminderOffset is how long before the appointment the reminder fires.
const ReminderOffset = time.Hour

// ErrEmailNotSent marks a handler attempt whose in-app notification exists
// but whose email failed in transport. The queue retries it.
var ErrEmailNotSent = errors.New("notification email not sent")

// Dispatcher is the notification side effect of a job. Deliveries sharing a
// key are one notification; *notify.Dispatcher satisfies it.
type Dispatcher interface {
	Deliver(ctx context.Context, key string, ev notify.Event, appt appointment.Appointment) notify.Delivery
}

// Producer accepts jobs. *queue.Service satisfies it.
type Producer interface {
	Enqueue(kind queue.Kind, payload, queueName string) (string, error)
	Schedule(kind queue.Kind, payload, queueName string, notBefore time.Time) (string, error)
}

// Registry binds handlers to job kinds. *queue.Service satisfies it.
type Registry interface {
	Handle(kind queue.Kind, fn queue.HandlerFunc)
}

type Service struct {
	appts    appointment.Store
	dispatch Dispatcher
	q        Producer
	log      logx.Logger
	loc      *time.Location
	now      func() time.Time
}

type Option func(*Service)

// WithClock injects the time source used for reminder and sweep decisions.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLocation sets the zone appointment dates and times are written in.
func WithLocation(loc *time.Location) Option {
	return func(s *Service) {
		if loc != nil {
			s.loc = loc
		}
	}
}

func New(appts appointment.Store, dispatch Dispatcher, q Producer, log logx.Logger, opts ...Option) *Service {
	s := &Service{
		appts:    appts,
		dispatch: dispatch,
		q:        q,
		log:      log.With(logx.String("comp", "jobs")),
		loc:      time.Local,
		now:      time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Register binds every job kind to its handler. Queue deliveries are keyed
// by job id, so a retried attempt resends the email without a second record.
func (s *Service) Register(r Registry) {
	r.Handle(queue.KindCreatedEmail, s.byAppointment(notify.Created, scheduledOrNot))
	r.Handle(queue.KindReminder, func(ctx context.Context, job queue.Job) error {
		return s.byAppointment(notify.Reminder, s.reminderStillDue(job))(ctx, job)
	})
	r.Handle(queue.KindModifiedEmail, s.byAppointment(notify.Modified, scheduledOrNot))
	r.Handle(queue.KindCancelledEmail, s.byAppointment(notify.Cancelled, scheduledOrNot))
	r.Handle(queue.KindStatusSweep, func(ctx context.Context, _ queue.Job) error {
		_, err := s.ProcessPastAppointmentsStatusSweep(ctx)
		return err
	})
}

func (s *Service) byAppointment(ev notify.Event, ok guard) queue.HandlerFunc {
	return func(ctx context.Context, job queue.Job) error {
		id := strings.TrimSpace(job.Payload)
		if id == "" {
			return queue.Terminal(fmt.Errorf("job %s: empty appointment id", job.ID))
		}
		return s.notify(ctx, job.ID, ev, id, ok)
	}
}

// guard decides whether the loaded appointment still warrants the notification.
type guard func(appt appointment.Appointment, log logx.Logger) bool

func scheduledOrNot(appointment.Appointment, logx.Logger) bool { return true }

func scheduledOnly(appt appointment.Appointment, log logx.Logger) bool {
	if appt.Status != appointment.Scheduled {
		log.Warn("appointment no longer scheduled, skipping", logx.String("status", appt.Status.String()))
		return false
	}
	return true
}

// reminderStillDue drops reminders scheduled for a slot the appointment has
// since moved away from; the reschedule queued its own reminder.
func (s *Service) reminderStillDue(job queue.Job) guard {
	return func(appt appointment.Appointment, log logx.Logger) bool {
		if !scheduledOnly(appt, log) {
			return false
		}
		if job.NotBefore.IsZero() {
			return true
		}
		at, err := appt.DateTime(s.loc)
		if err != nil {
			log.Warn("appointment slot unreadable, reminder skipped", logx.Err(err))
			return false
		}
		if slot := job.NotBefore.Add(ReminderOffset); !slot.Equal(at) {
			log.Info("reminder belongs to an earlier slot, skipping",
				logx.Time("reminder_slot", slot), logx.Time("appointment_at", at))
			return false
		}
		return true
	}
}

// ---- handlers ----

func (s *Service) ProcessAppointmentCreatedEmail(ctx context.Context, appointmentID string) error {
	return s.notify(ctx, "", notify.Created, appointmentID, scheduledOrNot)
}

// ProcessAppointmentReminder is a no-op unless the appointment is still scheduled.
func (s *Service) ProcessAppointmentReminder(ctx context.Context, appointmentID string) error {
	return s.notify(ctx, "", notify.Reminder, appointmentID, scheduledOnly)
}

func (s *Service) ProcessAppointmentModifiedEmail(ctx context.Context, appointmentID string) error {
	return s.notify(ctx, "", notify.Modified, appointmentID, scheduledOrNot)
}

func (s *Service) ProcessAppointmentCancelledEmail(ctx context.Context, appointmentID string) error {
	return s.notify(ctx, "", notify.Cancelled, appointmentID, scheduledOrNot)
}

func (s *Service) notify(ctx context.Context, key string, ev notify.Event, appointmentID string, ok guard) error {
	log := s.log.With(logx.String("event", ev.String()), logx.String("appointment", appointmentID))

	appt, err := s.appts.GetAppointmentByID(ctx, appointmentID)
	if errors.Is(err, appointment.ErrNotFound) {
		log.Warn("appointment not found, nothing to notify")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load appointment %s: %w", appointmentID, err)
	}
	if !ok(appt, log) {
		return nil
	}

	res := s.dispatch.Deliver(ctx, key, ev, appt)
	switch {
	case !res.Persisted:
		return fmt.Errorf("dispatch %s notification for appointment %s failed", ev, appointmentID)
	case res.Retryable:
		return fmt.Errorf("%w: %s for appointment %s", ErrEmailNotSent, ev, appointmentID)
	}
	return nil
}

// ProcessPastAppointmentsStatusSweep completes every scheduled appointment whose
// start time has passed and returns how many changed. Running it again is a no-op.
func (s *Service) ProcessPastAppointmentsStatusSweep(ctx context.Context) (int, error) {
	now := s.now()
	n, err := s.appts.MarkCompletedIfPastDue(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("status sweep: %w", err)
	}
	if n > 0 {
		s.log.Info("past appointments completed", logx.Int("count", n))
	} else {
		s.log.Debug("status sweep found nothing to complete")
	}
	return n, nil
}

// ---- producer API ----

// EnqueueAppointmentCreatedJob queues the confirmation notification. Errors are only logged.
func (s *Service) EnqueueAppointmentCreatedJob(appt appointment.Appointment) {
	s.enqueue(queue.KindCreatedEmail, appt)
}

func (s *Service) EnqueueAppointmentModifiedJob(appt appointment.Appointment) {
	s.enqueue(queue.KindModifiedEmail, appt)
}

func (s *Service) EnqueueAppointmentCancelledJob(appt appointment.Appointment) {
	s.enqueue(queue.KindCancelledEmail, appt)
}

func (s *Service) enqueue(kind queue.Kind, appt appointment.Appointment) {
	id, err := s.q.Enqueue(kind, appt.ID, queue.Notifications)
	if err != nil {
		s.log.Error("enqueue job failed", logx.String("kind", string(kind)), logx.String("appointment", appt.ID), logx.Err(err))
		return
	}
	s.log.Info("job enqueued", logx.String("kind", string(kind)), logx.String("appointment", appt.ID), logx.String("job", id))
}

// ScheduleReminderJob schedules the reminder at appointment time minus
// ReminderOffset, but only when that instant is still in the future.
func (s *Service) ScheduleReminderJob(appt appointment.Appointment) {
	log := s.log.With(logx.String("appointment", appt.ID))

	at, err := appt.DateTime(s.loc)
	if err != nil {
		log.Error("cannot schedule reminder", logx.Err(err))
		return
	}
	notBefore := at.Add(-ReminderOffset)
	if !notBefore.After(s.now()) {
		log.Info("appointment is less than an hour away, reminder not scheduled", logx.Time("appointment_at", at))
		return
	}

	id, err := s.q.Schedule(queue.KindReminder, appt.ID, queue.Notifications, notBefore)
	if err != nil {
		log.Error("schedule reminder failed", logx.Err(err))
		return
	}
	log.Info("reminder scheduled", logx.String("job", id), logx.Time("not_before", notBefore))
}
