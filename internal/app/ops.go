package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"clinicjobs/internal/notify"
	"clinicjobs/internal/queue"
	"clinicjobs/internal/recurring"
	rtsup "clinicjobs/internal/runtime/supervisor"
	"clinicjobs/internal/storage"
)

// opsView backs the Telegram commands and the ops HTTP endpoints.
type opsView struct {
	q      *queue.Service
	rec    *recurring.Service
	notifs *notify.MemoryStore
	store  *storage.SQLiteStore
	sup    func() *rtsup.Supervisor
}

// Status is served as JSON on /jobs.
type Status struct {
	Queue         queue.Snapshot     `json:"queue"`
	Recurring     recurring.Snapshot `json:"recurring"`
	Notifications int                `json:"notifications"`
	Goroutines    rtsup.Counters     `json:"goroutines"`
}

func (o *opsView) Status() Status {
	st := Status{
		Queue:         o.q.Snapshot(),
		Recurring:     o.rec.Snapshot(),
		Notifications: o.notifs.Len(),
	}
	if o.sup != nil {
		st.Goroutines = o.sup().Counters()
	}
	return st
}

func (o *opsView) Health(ctx context.Context) error {
	if !o.q.Snapshot().Running {
		return errors.New("job queue not running")
	}
	if err := o.store.Ping(ctx); err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	return nil
}

func (o *opsView) JobsText() string {
	s := o.q.Snapshot()
	var b strings.Builder
	fmt.Fprintf(&b, "running=%t delayed=%d\n", s.Running, s.DelayedPending)
	fmt.Fprintf(&b, "enqueued=%d ok=%d retried=%d failed=%d spilled=%d\n",
		s.Enqueued, s.Succeeded, s.Retried, s.Failed, s.Spilled)
	for _, c := range s.Channels {
		fmt.Fprintf(&b, "%s: workers=%d queued=%d/%d in_flight=%d\n", c.Name, c.Workers, c.QueueLen, c.QueueCap, c.InFlight)
	}
	n := min(5, len(s.History))
	if n > 0 {
		b.WriteString("recent:\n")
		for _, h := range s.History[len(s.History)-n:] {
			line := fmt.Sprintf("  %s %s %s attempt=%d", h.Started.Format(time.TimeOnly), h.Kind, h.State, h.Attempt)
			if h.Error != "" {
				line += " err=" + h.Error
			}
			b.WriteString(line + "\n")
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func (o *opsView) SchedulesText() string {
	s := o.rec.Snapshot()
	if len(s.Schedules) == 0 {
		return "no recurring jobs"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "tz=%s running=%t\n", s.Timezone, s.Running)
	for _, it := range s.Schedules {
		next := "-"
		if !it.Next.IsZero() {
			next = it.Next.Format(time.DateTime)
		}
		fmt.Fprintf(&b, "%s [%s] next=%s triggered=%d skipped=%d\n", it.Name, it.Spec, next, it.Triggered, it.Skipped)
	}
	return strings.TrimRight(b.String(), "\n")
}

func (o *opsView) TriggerSweep() error {
	return o.rec.TriggerNow(recurring.SweepJobName)
}
