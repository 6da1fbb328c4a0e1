// Package recurring triggers named jobs on cron or interval schedules.
//
// Names are the de-duplication key: registering a name again replaces the
// previous schedule, so startup registration is safe to repeat.
package recurring

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"clinicjobs/internal/queue"
	"clinicjobs/pkg/logx"
)

// SweepJobName is the recurring job that completes past appointments.
const SweepJobName = "update-past-appointments-status"

var ErrUnknownSchedule = errors.New("recurring job not registered")

// Submitter accepts jobs. *queue.Service satisfies it.
type Submitter interface {
	Submit(req queue.Request) (string, error)
}

type Config struct {
	Timezone string // IANA TZ, e.g. "Europe/Madrid". Empty means Local.
}

// runState gates overlap: a trigger is skipped while the previous run is queued or running.
type runState struct {
	mu       sync.Mutex
	inflight bool
}

func (s *runState) tryAcquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight {
		return false
	}
	s.inflight = true
	return true
}

func (s *runState) release() {
	s.mu.Lock()
	s.inflight = false
	s.mu.Unlock()
}

type def struct {
	name     string
	schedule Schedule
	kind     queue.Kind
	queue    string
	entryID  cron.EntryID
	state    *runState

	triggered uint64
	skipped   uint64
	lastJob   atomic.Value // string
}

type Service struct {
	mu   sync.Mutex
	cfg  Config
	log  logx.Logger
	q    Submitter
	loc  *time.Location
	c    *cron.Cron
	done chan struct{} // closed when the runner in c stops
	defs []*def
}

func New(cfg Config, q Submitter, log logx.Logger) *Service {
	return &Service{
		cfg: cfg,
		q:   q,
		log: log.With(logx.String("comp", "recurring")),
	}
}

// AddOrUpdate registers (or replaces) the named recurring job.
func (s *Service) AddOrUpdate(name, schedule string, kind queue.Kind, queueName string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("recurring job name required")
	}
	if strings.TrimSpace(string(kind)) == "" {
		return fmt.Errorf("recurring job %s: kind required", name)
	}
	sc, err := ParseSchedule(schedule)
	if err != nil {
		return fmt.Errorf("recurring job %s: %w", name, err)
	}

	d := &def{
		name:     name,
		schedule: sc,
		kind:     kind,
		queue:    queueName,
		state:    &runState{},
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	replaced := s.removeLocked(name)
	s.defs = append(s.defs, d)
	if s.c != nil {
		if err := s.addCronLocked(d); err != nil {
			s.removeLocked(name)
			return fmt.Errorf("recurring job %s: %w", name, err)
		}
	}
	s.log.Info("recurring job registered", logx.String("name", name), logx.String("spec", sc.Spec),
		logx.String("kind", string(kind)), logx.String("queue", queueName), logx.Bool("replaced", replaced))
	return nil
}

// Remove unregisters name and reports whether it existed.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(strings.TrimSpace(name))
}

// RegisterDefaults installs the hourly status sweep on the maintenance channel.
func (s *Service) RegisterDefaults() error {
	return s.AddOrUpdate(SweepJobName, "@hourly", queue.KindStatusSweep, queue.Maintenance)
}

// TriggerNow runs the named job immediately, honouring the overlap rule.
func (s *Service) TriggerNow(name string) error {
	s.mu.Lock()
	var d *def
	for _, it := range s.defs {
		if it.name == name {
			d = it
			break
		}
	}
	s.mu.Unlock()
	if d == nil {
		return fmt.Errorf("%w: %s", ErrUnknownSchedule, name)
	}
	s.fire(d)
	return nil
}

func (s *Service) fire(d *def) {
	if !d.state.tryAcquire() {
		atomic.AddUint64(&d.skipped, 1)
		s.log.Debug("recurring job skipped, previous run still pending", logx.String("name", d.name))
		return
	}
	id, err := s.q.Submit(queue.Request{
		Kind:   d.kind,
		Queue:  d.queue,
		OnDone: func(queue.Result) { d.state.release() },
	})
	if err != nil {
		d.state.release()
		s.log.Warn("recurring job enqueue failed", logx.String("name", d.name), logx.Err(err))
		return
	}
	atomic.AddUint64(&d.triggered, 1)
	d.lastJob.Store(id)
	s.log.Debug("recurring job triggered", logx.String("name", d.name), logx.String("job", id))
}

// Start begins triggering and stops again when ctx is done. It is
// idempotent. A job the cron runner refuses fails Start and nothing runs.
func (s *Service) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	if s.c != nil {
		s.mu.Unlock()
		return nil
	}
	s.loc = s.loadLocationLocked()
	s.c = cron.New(cron.WithParser(parser), cron.WithLocation(s.loc))
	for _, d := range s.defs {
		if err := s.addCronLocked(d); err != nil {
			s.c = nil
			for _, it := range s.defs {
				it.entryID = 0
			}
			s.mu.Unlock()
			return fmt.Errorf("recurring job %s: %w", d.name, err)
		}
	}
	c, done := s.c, make(chan struct{})
	s.done = done
	c.Start()
	s.log.Info("recurring scheduler started", logx.String("tz", s.loc.String()), logx.Int("jobs", len(s.defs)))
	s.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			s.stopRunner(context.Background(), c)
		case <-done:
		}
	}()
	return nil
}

// Stop halts triggering. Registered jobs are kept for the next Start.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.mu.Unlock()
	if c != nil {
		s.stopRunner(ctx, c)
	}
}

// stopRunner stops c if it is still the active runner.
func (s *Service) stopRunner(ctx context.Context, c *cron.Cron) {
	s.mu.Lock()
	if s.c != c {
		s.mu.Unlock()
		return
	}
	s.c = nil
	close(s.done)
	s.done = nil
	for _, d := range s.defs {
		d.entryID = 0
	}
	s.mu.Unlock()

	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("recurring scheduler stopped")
}

func (s *Service) addCronLocked(d *def) error {
	eid, err := s.c.AddFunc(d.schedule.Spec, func() { s.fire(d) })
	if err != nil {
		return err
	}
	d.entryID = eid
	return nil
}

// removeLocked drops every def named name. Call with s.mu held.
func (s *Service) removeLocked(name string) bool {
	removed := false
	n := 0
	for _, d := range s.defs {
		if d.name == name {
			if s.c != nil && d.entryID != 0 {
				s.c.Remove(d.entryID)
			}
			removed = true
			continue
		}
		s.defs[n] = d
		n++
	}
	for i := n; i < len(s.defs); i++ {
		s.defs[i] = nil
	}
	s.defs = s.defs[:n]
	return removed
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

type ScheduleInfo struct {
	Name      string     `json:"name"`
	Spec      string     `json:"spec"`
	Kind      queue.Kind `json:"kind"`
	Queue     string     `json:"queue"`
	Next      time.Time  `json:"next,omitempty"`
	Prev      time.Time  `json:"prev,omitempty"`
	Triggered uint64     `json:"triggered"`
	Skipped   uint64     `json:"skipped"`
	LastJobID string     `json:"last_job_id,omitempty"`
}

type Snapshot struct {
	Running   bool           `json:"running"`
	Timezone  string         `json:"timezone"`
	Schedules []ScheduleInfo `json:"schedules"`
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{Running: s.c != nil, Timezone: s.cfg.Timezone}
	if s.loc != nil {
		snap.Timezone = s.loc.String()
	}
	for _, d := range s.defs {
		it := ScheduleInfo{
			Name:      d.name,
			Spec:      d.schedule.Spec,
			Kind:      d.kind,
			Queue:     d.queue,
			Triggered: atomic.LoadUint64(&d.triggered),
			Skipped:   atomic.LoadUint64(&d.skipped),
		}
		if v, ok := d.lastJob.Load().(string); ok {
			it.LastJobID = v
		}
		if s.c != nil && d.entryID != 0 {
			e := s.c.Entry(d.entryID)
			it.Next, it.Prev = e.Next, e.Prev
		}
		snap.Schedules = append(snap.Schedules, it)
	}
	sort.Slice(snap.Schedules, func(i, j int) bool { return snap.Schedules[i].Name < snap.Schedules[j].Name })
	return snap
}
