package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"clinicjobs/internal/appointment"
	"clinicjobs/pkg/logx"
)

type sentMail struct {
	to, name, subject, html, text string
}

type fakeSender struct {
	mu   sync.Mutex
	ok   bool
	sent []sentMail
}

func (f *fakeSender) Send(_ context.Context, to, name, subject, html, text string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMail{to, name, subject, html, text})
	return f.ok
}

type fakeUsers map[string]string

func (f fakeUsers) GetEmailByUserID(_ context.Context, id string) (string, error) {
	switch v, ok := f[id]; {
	case !ok:
		return "", appointment.ErrNotFound
	case v == "!error":
		return "", errors.New("identity store down")
	default:
		return v, nil
	}
}

func sampleAppointment() appointment.Appointment {
	return appointment.Appointment{
		ID:                   "42",
		ClientID:             "user-1",
		ClientName:           "Ana Perez",
		DoctorName:           "Dr. House",
		DoctorSpecialization: "Diagnostics",
		Date:                 "2025-08-05",
		Time:                 "14:30",
		Status:               appointment.Scheduled,
		Reason:               "Checkup",
		Notes:                "Bring previous results",
	}
}

func newDispatcher(t *testing.T, cfg Config, users fakeUsers, sender *fakeSender) *Dispatcher {
	t.Helper()
	return NewDispatcher(cfg, NewMemoryStore(), users, sender, logx.Nop())
}

func TestDispatchSendsEmail(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{ok: true}
	d := newDispatcher(t, Config{}, fakeUsers{"user-1": " ana@example.com "}, sender)

	require.True(t, d.Dispatch(context.Background(), Created, sampleAppointment()))

	list := d.Store().ListForUser("user-1")
	require.Len(t, list, 1)
	n := list[0]
	require.Equal(t, "Appointment Confirmed", n.Title)
	require.Equal(t, "Your appointment with Dr. House on 2025-08-05 at 14:30 has been confirmed.", n.Message)
	require.Equal(t, Created, n.Type)
	require.Equal(t, "42", n.AppointmentID)
	require.True(t, n.EmailSent)
	require.False(t, n.Read)

	require.Len(t, sender.sent, 1)
	m := sender.sent[0]
	require.Equal(t, "ana@example.com", m.to)
	require.Equal(t, "Ana Perez", m.name)
	require.Equal(t, "Appointment Confirmation - MedanoClinic", m.subject)
	require.Contains(t, m.html, "Bring previous results")
	require.Contains(t, m.text, "Doctor: Dr. House (Diagnostics)")
}

func TestDispatchMissingUserNeverFails(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{ok: true}
	d := newDispatcher(t, Config{}, fakeUsers{}, sender)

	require.NotPanics(t, func() {
		require.True(t, d.Dispatch(context.Background(), Reminder, sampleAppointment()))
	})
	list := d.Store().ListForUser("user-1")
	require.Len(t, list, 1)
	require.False(t, list[0].EmailSent)
	require.Empty(t, sender.sent)
}

func TestDispatchFallbackAddress(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		users fakeUsers
		appt  func(a *appointment.Appointment)
	}{
		{"malformed", fakeUsers{"user-1": "not-an-email"}, nil},
		{"display name form", fakeUsers{"user-1": "Ana <ana@example.com>"}, nil},
		{"empty", fakeUsers{"user-1": "   "}, nil},
		{"lookup error", fakeUsers{"user-1": "!error"}, nil},
		{"no client id", fakeUsers{}, func(a *appointment.Appointment) { a.ClientID = "" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sender := &fakeSender{ok: true}
			d := newDispatcher(t, Config{DeliverToFallback: true}, tc.users, sender)
			a := sampleAppointment()
			if tc.appt != nil {
				tc.appt(&a)
			}
			require.True(t, d.Dispatch(context.Background(), Created, a))
			require.Len(t, sender.sent, 1)
			require.Equal(t, DefaultFallbackEmail, sender.sent[0].to)
		})
	}
}

func TestDispatchCustomFallback(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{ok: true}
	d := newDispatcher(t, Config{FallbackEmail: "frontdesk@clinic.test", DeliverToFallback: true}, fakeUsers{}, sender)
	require.True(t, d.Dispatch(context.Background(), Cancelled, sampleAppointment()))
	require.Equal(t, "frontdesk@clinic.test", sender.sent[0].to)
}

func TestDispatchEmailFailureKeepsRecord(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{ok: false}
	d := newDispatcher(t, Config{}, fakeUsers{"user-1": "ana@example.com"}, sender)

	require.True(t, d.Dispatch(context.Background(), Modified, sampleAppointment()))
	list := d.Store().ListForUser("user-1")
	require.Len(t, list, 1)
	require.False(t, list[0].EmailSent)
	require.Equal(t, "Appointment Updated", list[0].Title)
}

func TestDeliverWithKeyResendsOnlyEmail(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{ok: false}
	d := newDispatcher(t, Config{}, fakeUsers{"user-1": "ana@example.com"}, sender)

	first := d.Deliver(context.Background(), "job-1", Reminder, sampleAppointment())
	require.True(t, first.Persisted)
	require.False(t, first.EmailSent)
	require.True(t, first.Retryable)

	sender.mu.Lock()
	sender.ok = true
	sender.mu.Unlock()
	second := d.Deliver(context.Background(), "job-1", Reminder, sampleAppointment())
	require.Equal(t, first.NotificationID, second.NotificationID)
	require.True(t, second.EmailSent)
	require.False(t, second.Retryable)

	third := d.Deliver(context.Background(), "job-1", Reminder, sampleAppointment())
	require.True(t, third.EmailSent)
	require.Len(t, sender.sent, 2, "a delivered key is not emailed again")

	list := d.Store().ListForUser("user-1")
	require.Len(t, list, 1)
	require.True(t, list[0].EmailSent)

	// A different key is a different notification.
	require.NotEqual(t, first.NotificationID, d.Deliver(context.Background(), "job-2", Reminder, sampleAppointment()).NotificationID)
	require.Equal(t, 2, d.Store().Len())
}

func TestDeliverSkippedAddressIsNotRetryable(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{ok: true}
	d := newDispatcher(t, Config{}, fakeUsers{}, sender)

	res := d.Deliver(context.Background(), "job-1", Created, sampleAppointment())
	require.True(t, res.Persisted)
	require.False(t, res.EmailSent)
	require.False(t, res.Retryable)
	require.Empty(t, sender.sent)
}

func TestDispatchRateLimitHonoursContext(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{ok: true}
	d := newDispatcher(t, Config{EmailRatePerSec: 0.001, EmailBurst: 1}, fakeUsers{"user-1": "ana@example.com"}, sender)

	require.True(t, d.Dispatch(context.Background(), Created, sampleAppointment()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.True(t, d.Dispatch(ctx, Reminder, sampleAppointment()))

	require.Len(t, sender.sent, 1)
	list := d.Store().ListForUser("user-1")
	require.Len(t, list, 2)
	require.Equal(t, 1, countSent(list))
}

func countSent(list []Notification) int {
	n := 0
	for _, item := range list {
		if item.EmailSent {
			n++
		}
	}
	return n
}

func TestRenderSubjects(t *testing.T) {
	t.Parallel()

	want := map[Event]string{
		Created:   "Appointment Confirmation - MedanoClinic",
		Modified:  "Appointment Updated - MedanoClinic",
		Reminder:  "Appointment Reminder - MedanoClinic",
		Cancelled: "Appointment Cancelled - MedanoClinic",
		Completed: "Appointment Completed - MedanoClinic",
	}
	for ev, subject := range want {
		r, err := render(ev, sampleAppointment())
		if err != nil {
			t.Fatalf("render(%s): %v", ev, err)
		}
		if r.subject != subject {
			t.Fatalf("render(%s) subject = %q, want %q", ev, r.subject, subject)
		}
		if !strings.Contains(r.text, "MedanoClinic - Your Health, Our Priority") {
			t.Fatalf("render(%s) text footer missing", ev)
		}
	}
	if _, err := render(Event(99), sampleAppointment()); err == nil {
		t.Fatalf("expected error for unknown event")
	}
}

func TestRenderDetails(t *testing.T) {
	t.Parallel()

	a := sampleAppointment()
	a.ClientName = "<script>alert(1)</script>"

	r, err := render(Reminder, a)
	require.NoError(t, err)
	require.NotContains(t, r.html, "<script>")
	require.Contains(t, r.html, "&lt;script&gt;")
	require.Contains(t, r.html, "Bring your ID and insurance card")
	require.NotContains(t, r.html, "Bring previous results", "reminder omits notes")

	r, err = render(Cancelled, sampleAppointment())
	require.NoError(t, err)
	require.Contains(t, r.text, "Original Date: 2025-08-05")
	require.Contains(t, r.text, "APPOINTMENT CANCELLED")

	a = sampleAppointment()
	a.ClientName = ""
	r, err = render(Created, a)
	require.NoError(t, err)
	require.Contains(t, r.text, "Dear Patient,")
}

func TestMemoryStore(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	base := time.Date(2025, 8, 5, 9, 0, 0, 0, time.UTC)
	for i, user := range []string{"u1", "u2", "u1", "u1"} {
		_, err := s.Add(Notification{ID: fmt.Sprintf("n%d", i), UserID: user, CreatedAt: base.Add(time.Duration(i) * time.Minute)})
		require.NoError(t, err)
	}
	_, err := s.Add(Notification{ID: "n0"})
	require.ErrorIs(t, err, ErrDuplicateID)
	_, err = s.Add(Notification{})
	require.Error(t, err)

	list := s.ListForUser("u1")
	require.Len(t, list, 3)
	require.Equal(t, []string{"n3", "n2", "n0"}, []string{list[0].ID, list[1].ID, list[2].ID})

	require.True(t, s.MarkRead("n2"))
	require.False(t, s.MarkRead("missing"))
	require.True(t, s.SetEmailSent("n3", true))
	require.False(t, s.SetEmailSent("missing", true))

	n, ok := s.Get("n2")
	require.True(t, ok)
	require.True(t, n.Read)
	require.Equal(t, 4, s.Len())
}

func TestMemoryStoreConcurrentDispatch(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{ok: true}
	d := newDispatcher(t, Config{}, fakeUsers{"user-1": "ana@example.com"}, sender)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.Dispatch(context.Background(), Created, sampleAppointment())
		}()
	}
	wg.Wait()

	list := d.Store().ListForUser("user-1")
	require.Len(t, list, 50)
	require.Equal(t, 50, countSent(list))
}
