package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"clinicjobs/internal/appointment"
	"clinicjobs/internal/notify"
	"clinicjobs/internal/queue"
	"clinicjobs/pkg/logx"
)

// memStore is an appointment.Store over a map.
type memStore struct {
	mu    sync.Mutex
	items map[string]appointment.Appointment
	err   error
	loc   *time.Location
}

func newMemStore(items ...appointment.Appointment) *memStore {
	s := &memStore{items: map[string]appointment.Appointment{}, loc: time.UTC}
	for _, a := range items {
		s.items[a.ID] = a
	}
	return s
}

func (s *memStore) GetAppointmentByID(_ context.Context, id string) (appointment.Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return appointment.Appointment{}, s.err
	}
	a, ok := s.items[id]
	if !ok {
		return appointment.Appointment{}, appointment.ErrNotFound
	}
	return a, nil
}

func (s *memStore) ListAppointments(context.Context) ([]appointment.Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]appointment.Appointment, 0, len(s.items))
	for _, a := range s.items {
		out = append(out, a)
	}
	return out, nil
}

func (s *memStore) MarkCompletedIfPastDue(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return 0, s.err
	}
	n := 0
	for id, a := range s.items {
		if a.PastDue(now, s.loc) {
			at := now
			a.Status = appointment.Completed
			a.CompletedAt = &at
			s.items[id] = a
			n++
		}
	}
	return n, nil
}

func (s *memStore) put(a appointment.Appointment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[a.ID] = a
}

func (s *memStore) get(id string) appointment.Appointment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.items[id]
}

type recordingDispatcher struct {
	mu     sync.Mutex
	events []notify.Event
	appts  []appointment.Appointment
	ok     bool
}

func (d *recordingDispatcher) Deliver(_ context.Context, _ string, ev notify.Event, appt appointment.Appointment) notify.Delivery {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, ev)
	d.appts = append(d.appts, appt)
	return notify.Delivery{Persisted: d.ok, EmailSent: d.ok}
}

func (d *recordingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.events)
}

type okSender struct{ calls int }

func (s *okSender) Send(context.Context, string, string, string, string, string) bool {
	s.calls++
	return true
}

// flakySender reports failure for its first `failures` sends.
type flakySender struct {
	mu       sync.Mutex
	failures int
	calls    int
}

func (s *flakySender) Send(context.Context, string, string, string, string, string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.calls > s.failures
}

func (s *flakySender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// handlerSet captures what Register binds.
type handlerSet map[queue.Kind]queue.HandlerFunc

func (h handlerSet) Handle(kind queue.Kind, fn queue.HandlerFunc) { h[kind] = fn }

type users map[string]string

func (u users) GetEmailByUserID(_ context.Context, id string) (string, error) {
	if v, ok := u[id]; ok {
		return v, nil
	}
	return "", appointment.ErrNotFound
}

// clock is a settable time source.
type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

// baseTime is a minute-aligned instant safely in the real future, so the queue
// treats reminder times computed from it as future too.
func baseTime() time.Time {
	return time.Now().UTC().Add(48 * time.Hour).Truncate(time.Minute)
}

func apptAt(id string, at time.Time, status appointment.Status) appointment.Appointment {
	return appointment.Appointment{
		ID:                   id,
		ClientID:             "client-" + id,
		ClientName:           "Client " + id,
		DoctorName:           "Dr. Grey",
		DoctorSpecialization: "Surgery",
		Date:                 at.Format(appointment.DateLayout),
		Time:                 at.Format(appointment.TimeLayout),
		Status:               status,
		Reason:               "Consultation",
	}
}

func newQueue() *queue.Service {
	return queue.New(queue.Config{PollInterval: 10 * time.Millisecond, RetryBase: time.Millisecond, RetryMaxDelay: 5 * time.Millisecond}, logx.Nop(), nil)
}

func TestScheduleReminderOnlyWhenStrictlyFuture(t *testing.T) {
	t.Parallel()

	T := baseTime()
	cases := []struct {
		name      string
		slot      time.Duration
		scheduled bool
	}{
		{"three hours ahead", 3 * time.Hour, true},
		{"just over an hour", time.Hour + time.Minute, true},
		{"exactly an hour", time.Hour, false},
		{"thirty minutes", 30 * time.Minute, false},
		{"in the past", -2 * time.Hour, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			q := newQueue()
			svc := New(newMemStore(), &recordingDispatcher{ok: true}, q, logx.Nop(), WithClock(func() time.Time { return T }), WithLocation(time.UTC))

			slot := T.Add(tc.slot)
			svc.ScheduleReminderJob(apptAt("1", slot, appointment.Scheduled))

			delayed := q.Delayed()
			if !tc.scheduled {
				require.Empty(t, delayed)
				require.Zero(t, q.Snapshot().Enqueued)
				return
			}
			require.Len(t, delayed, 1)
			job := delayed[0]
			require.Equal(t, queue.KindReminder, job.Kind)
			require.Equal(t, queue.Notifications, job.Queue)
			require.Equal(t, "1", job.Payload)
			require.True(t, job.NotBefore.Equal(slot.Add(-ReminderOffset)), "not before %s", job.NotBefore)
		})
	}
}

func TestScheduleReminderSkipsUnparseableSlot(t *testing.T) {
	t.Parallel()

	q := newQueue()
	svc := New(newMemStore(), &recordingDispatcher{ok: true}, q, logx.Nop())
	svc.ScheduleReminderJob(appointment.Appointment{ID: "x", Date: "tomorrow", Time: "noon"})
	require.Empty(t, q.Delayed())
}

func TestCreationWithinTheHourOnlyEnqueuesCreatedJob(t *testing.T) {
	t.Parallel()

	T := baseTime()
	q := newQueue()
	svc := New(newMemStore(), &recordingDispatcher{ok: true}, q, logx.Nop(), WithClock(func() time.Time { return T }), WithLocation(time.UTC))

	a := apptAt("7", T.Add(30*time.Minute), appointment.Scheduled)
	svc.EnqueueAppointmentCreatedJob(a)
	svc.ScheduleReminderJob(a)

	snap := q.Snapshot()
	require.EqualValues(t, 1, snap.Enqueued)
	require.Zero(t, snap.DelayedPending)
	for _, ch := range snap.Channels {
		if ch.Name == queue.Notifications {
			require.Equal(t, 1, ch.QueueLen)
		} else {
			require.Zero(t, ch.QueueLen, ch.Name)
		}
	}
}

func TestReminderScenarioDispatchesWithEmailSent(t *testing.T) {
	t.Parallel()

	T := baseTime()
	clk := &clock{t: T}
	a := apptAt("11", T.Add(3*time.Hour), appointment.Scheduled)
	store := newMemStore(a)

	notes := notify.NewMemoryStore()
	sender := &okSender{}
	disp := notify.NewDispatcher(notify.Config{}, notes, users{a.ClientID: "patient@example.com"}, sender, logx.Nop())

	q := newQueue()
	svc := New(store, disp, q, logx.Nop(), WithClock(clk.Now), WithLocation(time.UTC))
	svc.ScheduleReminderJob(a)

	delayed := q.Delayed()
	require.Len(t, delayed, 1)
	require.True(t, delayed[0].NotBefore.Equal(T.Add(2*time.Hour)))

	// The reminder fires a minute after its not-before time; the store still says Scheduled.
	clk.Set(T.Add(2*time.Hour + time.Minute))
	require.NoError(t, svc.ProcessAppointmentReminder(context.Background(), delayed[0].Payload))

	list := notes.ListForUser(a.ClientID)
	require.Len(t, list, 1)
	require.Equal(t, notify.Reminder, list[0].Type)
	require.True(t, list[0].EmailSent)
	require.Equal(t, 1, sender.calls)
}

func TestReminderForCancelledAppointmentIsNoop(t *testing.T) {
	t.Parallel()

	T := baseTime()
	store := newMemStore(apptAt("5", T, appointment.Cancelled), apptAt("6", T, appointment.Completed))
	disp := &recordingDispatcher{ok: true}
	svc := New(store, disp, newQueue(), logx.Nop())

	require.NoError(t, svc.ProcessAppointmentReminder(context.Background(), "5"))
	require.NoError(t, svc.ProcessAppointmentReminder(context.Background(), "6"))
	require.NoError(t, svc.ProcessAppointmentReminder(context.Background(), "missing"))
	require.Zero(t, disp.count())
}

func TestCreatedEmailHandler(t *testing.T) {
	t.Parallel()

	T := baseTime()
	store := newMemStore(apptAt("1", T, appointment.Scheduled))
	disp := &recordingDispatcher{ok: true}
	svc := New(store, disp, newQueue(), logx.Nop())

	require.NoError(t, svc.ProcessAppointmentCreatedEmail(context.Background(), "1"))
	require.NoError(t, svc.ProcessAppointmentCreatedEmail(context.Background(), "nope"))
	require.Equal(t, []notify.Event{notify.Created}, disp.events)

	require.NoError(t, svc.ProcessAppointmentModifiedEmail(context.Background(), "1"))
	require.NoError(t, svc.ProcessAppointmentCancelledEmail(context.Background(), "1"))
	require.Equal(t, []notify.Event{notify.Created, notify.Modified, notify.Cancelled}, disp.events)
}

func TestHandlersRetryOnStoreFailure(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	store.err = errors.New("connection reset")
	svc := New(store, &recordingDispatcher{ok: true}, newQueue(), logx.Nop())

	err := svc.ProcessAppointmentCreatedEmail(context.Background(), "1")
	require.Error(t, err)
	require.False(t, queue.IsTerminal(err))

	err = svc.ProcessAppointmentReminder(context.Background(), "1")
	require.Error(t, err)
	require.False(t, queue.IsTerminal(err))

	_, err = svc.ProcessPastAppointmentsStatusSweep(context.Background())
	require.Error(t, err)
}

func TestDispatchFailureIsRetryable(t *testing.T) {
	t.Parallel()

	store := newMemStore(apptAt("1", baseTime(), appointment.Scheduled))
	svc := New(store, &recordingDispatcher{ok: false}, newQueue(), logx.Nop())

	err := svc.ProcessAppointmentCreatedEmail(context.Background(), "1")
	require.Error(t, err)
	require.False(t, queue.IsTerminal(err))
}

func TestStatusSweep(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 8, 5, 12, 0, 0, 0, time.UTC)
	store := newMemStore(
		apptAt("past-scheduled", now.Add(-3*time.Hour), appointment.Scheduled),
		apptAt("past-cancelled", now.Add(-3*time.Hour), appointment.Cancelled),
		apptAt("future-scheduled", now.Add(3*time.Hour), appointment.Scheduled),
	)
	svc := New(store, &recordingDispatcher{ok: true}, newQueue(), logx.Nop(), WithClock(func() time.Time { return now }), WithLocation(time.UTC))

	n, err := svc.ProcessPastAppointmentsStatusSweep(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	done := store.get("past-scheduled")
	require.Equal(t, appointment.Completed, done.Status)
	require.NotNil(t, done.CompletedAt)
	require.Equal(t, appointment.Cancelled, store.get("past-cancelled").Status)
	require.Nil(t, store.get("past-cancelled").CompletedAt)
	require.Equal(t, appointment.Scheduled, store.get("future-scheduled").Status)

	n, err = svc.ProcessPastAppointmentsStatusSweep(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)
	require.Equal(t, done.CompletedAt, store.get("past-scheduled").CompletedAt)
}

func TestRegisteredHandlersRunThroughQueue(t *testing.T) {
	t.Parallel()

	T := baseTime()
	a := apptAt("21", T.Add(5*time.Hour), appointment.Scheduled)
	disp := &recordingDispatcher{ok: true}
	q := newQueue()
	svc := New(newMemStore(a), disp, q, logx.Nop(), WithClock(func() time.Time { return T }), WithLocation(time.UTC))
	svc.Register(q)

	q.Start(context.Background())
	t.Cleanup(func() { q.Stop(context.Background()) })

	svc.EnqueueAppointmentCreatedJob(a)
	svc.EnqueueAppointmentCancelledJob(a)
	require.Eventually(t, func() bool { return disp.count() == 2 }, 3*time.Second, 5*time.Millisecond)

	done := make(chan queue.Result, 1)
	_, err := q.Submit(queue.Request{Kind: queue.KindReminder, Queue: queue.Notifications, OnDone: func(r queue.Result) { done <- r }})
	require.NoError(t, err)
	select {
	case r := <-done:
		require.Equal(t, queue.StateFailed, r.State)
		require.True(t, queue.IsTerminal(r.Err))
	case <-time.After(3 * time.Second):
		t.Fatalf("empty-payload reminder never finished")
	}
}

func runCreatedEmailJob(t *testing.T, sender notify.EmailSender) (queue.Result, *notify.MemoryStore, appointment.Appointment) {
	t.Helper()

	a := apptAt("31", baseTime().Add(5*time.Hour), appointment.Scheduled)
	notes := notify.NewMemoryStore()
	disp := notify.NewDispatcher(notify.Config{}, notes, users{a.ClientID: "patient@example.com"}, sender, logx.Nop())
	q := newQueue()
	svc := New(newMemStore(a), disp, q, logx.Nop(), WithLocation(time.UTC))
	svc.Register(q)
	q.Start(context.Background())
	t.Cleanup(func() { q.Stop(context.Background()) })

	done := make(chan queue.Result, 1)
	_, err := q.Submit(queue.Request{
		Kind:    queue.KindCreatedEmail,
		Payload: a.ID,
		Queue:   queue.Notifications,
		OnDone:  func(r queue.Result) { done <- r },
	})
	require.NoError(t, err)
	select {
	case r := <-done:
		return r, notes, a
	case <-time.After(5 * time.Second):
		t.Fatalf("created-email job never finished")
	}
	return queue.Result{}, nil, a
}

func TestEmailTransportFailureIsRetried(t *testing.T) {
	t.Parallel()

	sender := &flakySender{failures: 1}
	r, notes, a := runCreatedEmailJob(t, sender)

	require.Equal(t, queue.StateSucceeded, r.State)
	require.Equal(t, 2, r.Attempts)
	require.Equal(t, 2, sender.count())

	list := notes.ListForUser(a.ClientID)
	require.Len(t, list, 1, "a retry must not duplicate the in-app notification")
	require.True(t, list[0].EmailSent)
}

func TestEmailFailureExhaustsRetriesAndKeepsRecord(t *testing.T) {
	t.Parallel()

	sender := &flakySender{failures: 100}
	r, notes, a := runCreatedEmailJob(t, sender)

	require.Equal(t, queue.StateFailed, r.State)
	require.ErrorIs(t, r.Err, ErrEmailNotSent)
	require.Greater(t, r.Attempts, 1)
	require.Equal(t, r.Attempts, sender.count())

	list := notes.ListForUser(a.ClientID)
	require.Len(t, list, 1)
	require.False(t, list[0].EmailSent)
}

func TestRescheduledAppointmentSkipsStaleReminder(t *testing.T) {
	t.Parallel()

	T := baseTime()
	first := apptAt("41", T.Add(5*time.Hour), appointment.Scheduled)
	store := newMemStore(first)
	disp := &recordingDispatcher{ok: true}
	q := newQueue()
	svc := New(store, disp, q, logx.Nop(), WithClock(func() time.Time { return T }), WithLocation(time.UTC))
	handlers := handlerSet{}
	svc.Register(handlers)

	svc.ScheduleReminderJob(first)
	moved := apptAt("41", T.Add(10*time.Hour), appointment.Scheduled)
	store.put(moved)
	svc.ScheduleReminderJob(moved)

	delayed := q.Delayed()
	require.Len(t, delayed, 2)

	var stale, current queue.Job
	for _, j := range delayed {
		if j.NotBefore.Equal(T.Add(4 * time.Hour)) {
			stale = j
		} else {
			current = j
		}
	}
	require.NotEmpty(t, stale.ID)
	require.True(t, current.NotBefore.Equal(T.Add(9*time.Hour)))

	reminder := handlers[queue.KindReminder]
	require.NoError(t, reminder(context.Background(), stale))
	require.Zero(t, disp.count(), "reminder for the old slot must not notify")

	require.NoError(t, reminder(context.Background(), current))
	require.Equal(t, []notify.Event{notify.Reminder}, disp.events)
	require.Equal(t, moved.Time, disp.appts[0].Time)
}
