package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	rtsup "clinicjobs/internal/runtime/supervisor"
	"clinicjobs/pkg/logx"
)

const warnThrottleEvery = 5 * time.Second

// Service is an in-process job queue with three isolated channels,
// a delayed-job heap and at-least-once retry.
type Service struct {
	mu       sync.Mutex
	cfg      Config
	log      logx.Logger
	m        *metrics
	sup      *rtsup.Supervisor
	running  bool
	stopping bool
	stopDone chan struct{}

	// draining parks newly picked jobs and pauses promotion while Stop
	// waits for in-flight handlers.
	draining atomic.Bool

	hmu      sync.RWMutex
	handlers map[Kind]HandlerFunc

	// Channel buffers outlive Start/Stop so queued work survives a restart.
	chans    map[string]chan *entry
	inFlight map[string]*int32

	dmu     sync.Mutex
	delayed delayedHeap
	seq     uint64
	wake    chan struct{}

	enqueued  uint64
	succeeded uint64
	retried   uint64
	failed    uint64
	spilled   uint64

	histMu  sync.Mutex
	history []HistoryItem

	lastSpillWarnAt int64
}

// New builds a queue. reg may be nil (metrics are then kept unregistered).
func New(cfg Config, log logx.Logger, reg prometheus.Registerer) *Service {
	cfg = cfg.withDefaults()
	s := &Service{
		cfg:      cfg,
		log:      log.With(logx.String("comp", "queue")),
		m:        newMetrics(reg),
		handlers: make(map[Kind]HandlerFunc),
		chans:    make(map[string]chan *entry, len(Channels)),
		inFlight: make(map[string]*int32, len(Channels)),
		wake:     make(chan struct{}, 1),
	}
	for _, name := range Channels {
		s.chans[name] = make(chan *entry, cfg.Channels[name].QueueSize)
		s.inFlight[name] = new(int32)
	}
	return s
}

// Handle binds fn to kind, replacing any previous handler.
func (s *Service) Handle(kind Kind, fn HandlerFunc) {
	s.hmu.Lock()
	if fn == nil {
		delete(s.handlers, kind)
	} else {
		s.handlers[kind] = fn
	}
	s.hmu.Unlock()
}

func (s *Service) handler(kind Kind) HandlerFunc {
	s.hmu.RLock()
	defer s.hmu.RUnlock()
	return s.handlers[kind]
}

// Enqueue submits a job for immediate execution. It never blocks.
func (s *Service) Enqueue(kind Kind, payload, queueName string) (string, error) {
	return s.Submit(Request{Kind: kind, Payload: payload, Queue: queueName})
}

// Schedule submits a job that must not run before notBefore.
// A notBefore in the past is treated as immediate.
func (s *Service) Schedule(kind Kind, payload, queueName string, notBefore time.Time) (string, error) {
	return s.Submit(Request{Kind: kind, Payload: payload, Queue: queueName, NotBefore: notBefore})
}

func (s *Service) Submit(req Request) (string, error) {
	kind := Kind(strings.TrimSpace(string(req.Kind)))
	if kind == "" {
		return "", ErrInvalidJob
	}

	s.mu.Lock()
	stopping := s.stopping
	s.mu.Unlock()
	if stopping {
		return "", ErrStopped
	}

	now := time.Now()
	job := Job{
		ID:         uuid.NewString(),
		Kind:       kind,
		Payload:    req.Payload,
		Queue:      s.resolveQueue(req.Queue),
		EnqueuedAt: now,
	}
	if !req.NotBefore.IsZero() {
		if req.NotBefore.After(now) {
			job.NotBefore = req.NotBefore
		} else {
			s.log.Warn("scheduled time already passed, running immediately",
				logx.String("job", job.ID), logx.String("kind", string(kind)), logx.Time("not_before", req.NotBefore))
		}
	}

	atomic.AddUint64(&s.enqueued, 1)
	s.m.enqueued.WithLabelValues(job.Queue, string(kind)).Inc()

	e := &entry{job: job, onDone: req.OnDone}
	if !job.NotBefore.IsZero() {
		e.dueAt = job.NotBefore
		s.pushDelayed(e)
		s.log.Debug("job scheduled", logx.String("job", job.ID), logx.String("kind", string(kind)),
			logx.String("queue", job.Queue), logx.Time("not_before", job.NotBefore))
		return job.ID, nil
	}
	s.dispatch(e, now)
	s.log.Debug("job enqueued", logx.String("job", job.ID), logx.String("kind", string(kind)), logx.String("queue", job.Queue))
	return job.ID, nil
}

func (s *Service) resolveQueue(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if _, ok := s.chans[name]; ok {
		return name
	}
	if name != "" {
		s.log.Debug("unknown queue, using default", logx.String("queue", name))
	}
	return Default
}

// dispatch hands e to its channel buffer; a full buffer spills into the heap as due now.
func (s *Service) dispatch(e *entry, now time.Time) {
	select {
	case s.chans[e.job.Queue] <- e:
	default:
		atomic.AddUint64(&s.spilled, 1)
		if s.shouldWarn(&s.lastSpillWarnAt, now) {
			ch := s.chans[e.job.Queue]
			s.log.Warn("queue buffer full, job parked in delayed heap",
				logx.String("queue", e.job.Queue), logx.Int("queue_len", len(ch)), logx.Int("queue_cap", cap(ch)),
				logx.Uint64("spilled", atomic.LoadUint64(&s.spilled)))
		}
		e.dueAt = now
		s.pushDelayed(e)
	}
}

func (s *Service) pushDelayed(e *entry) {
	s.dmu.Lock()
	s.seq++
	e.seq = s.seq
	head := s.delayed.push(e)
	s.m.delayed.Set(float64(s.delayed.Len()))
	s.dmu.Unlock()

	if head {
		select {
		case s.wake <- struct{}{}:
		default:
		}
	}
}

// Start launches the channel worker pools and the delayed-job poller. It is idempotent.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.running {
		done := s.stopDone
		s.mu.Unlock()
		if done == nil {
			return
		}
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
		if s.running {
			s.mu.Unlock()
			return
		}
	}

	cfg := s.cfg
	sup := rtsup.New(ctx,
		rtsup.WithLogger(s.log),
		// Job failures are handled per job, never by tearing down the process.
		rtsup.WithCancelOnError(false),
	)
	s.sup = sup
	s.running = true
	s.stopping = false
	s.draining.Store(false)
	s.mu.Unlock()

	total := 0
	for _, name := range Channels {
		ch := s.chans[name]
		workers := cfg.Channels[name].Workers
		total += workers
		for i := 0; i < workers; i++ {
			idx := i
			queueName := name
			sup.GoRestart(fmt.Sprintf("%s.worker.%d", queueName, idx), func(c context.Context) error {
				s.worker(c, queueName, ch, idx)
				if c.Err() != nil {
					return c.Err()
				}
				return errors.New("worker exited unexpectedly")
			})
		}
	}
	sup.GoRestart("delayed.poller", func(c context.Context) error {
		s.poller(c)
		if c.Err() != nil {
			return c.Err()
		}
		return errors.New("poller exited unexpectedly")
	})

	s.log.Info("job queue started", logx.Int("workers", total), logx.Duration("poll_interval", cfg.PollInterval), logx.Int("retry_max", cfg.RetryMax))
}

// Stop lets in-flight handlers finish, then cancels workers and the poller
// and waits for them until ctx expires. A handler still running when ctx
// expires is cancelled and its job parked for the next Start. Queued and
// delayed jobs stay in memory.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	s.stopping = true
	sup := s.sup
	s.mu.Unlock()

	s.draining.Store(true)
	if !s.waitIdle(ctx) {
		s.log.Warn("job queue drain timed out, cancelling running jobs", logx.Int("in_flight", s.inFlightTotal()))
	}
	sup.Cancel()
	go func() {
		_ = sup.Wait(context.Background())
		s.mu.Lock()
		s.sup = nil
		s.running = false
		s.stopping = false
		s.stopDone = nil
		s.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("job queue stopped")
	case <-ctx.Done():
		s.log.Warn("job queue stop timed out", logx.Err(ctx.Err()))
	}
}

// waitIdle blocks until no handler is running or ctx is done.
func (s *Service) waitIdle(ctx context.Context) bool {
	t := time.NewTicker(5 * time.Millisecond)
	defer t.Stop()
	for s.inFlightTotal() > 0 {
		select {
		case <-ctx.Done():
			return false
		case <-t.C:
		}
	}
	return true
}

func (s *Service) inFlightTotal() int {
	n := 0
	for _, c := range s.inFlight {
		n += int(atomic.LoadInt32(c))
	}
	return n
}

// Supervisor returns the worker supervisor (nil when stopped).
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

// Delayed lists jobs waiting in the heap, earliest first.
func (s *Service) Delayed() []Job {
	s.dmu.Lock()
	entries := make([]*entry, len(s.delayed))
	copy(entries, s.delayed)
	s.dmu.Unlock()

	sort.Slice(entries, func(i, j int) bool { return delayedHeap(entries).Less(i, j) })
	out := make([]Job, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.job)
	}
	return out
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	running := s.running
	cfg := s.cfg
	s.mu.Unlock()

	chans := make([]ChannelSnapshot, 0, len(Channels))
	for _, name := range Channels {
		ch := s.chans[name]
		chans = append(chans, ChannelSnapshot{
			Name:     name,
			Workers:  cfg.Channels[name].Workers,
			QueueLen: len(ch),
			QueueCap: cap(ch),
			InFlight: int(atomic.LoadInt32(s.inFlight[name])),
		})
	}

	s.dmu.Lock()
	delayed := s.delayed.Len()
	s.dmu.Unlock()

	s.histMu.Lock()
	h := make([]HistoryItem, len(s.history))
	copy(h, s.history)
	s.histMu.Unlock()

	return Snapshot{
		Running:        running,
		Channels:       chans,
		DelayedPending: delayed,
		Enqueued:       atomic.LoadUint64(&s.enqueued),
		Succeeded:      atomic.LoadUint64(&s.succeeded),
		Retried:        atomic.LoadUint64(&s.retried),
		Failed:         atomic.LoadUint64(&s.failed),
		Spilled:        atomic.LoadUint64(&s.spilled),
		RetryMax:       cfg.RetryMax,
		History:        h,
	}
}

func (s *Service) record(item HistoryItem) {
	s.histMu.Lock()
	s.history = append(s.history, item)
	if n := s.cfg.HistorySize; len(s.history) > n {
		s.history = s.history[len(s.history)-n:]
	}
	s.histMu.Unlock()
}

func (s *Service) shouldWarn(last *int64, now time.Time) bool {
	prev := atomic.LoadInt64(last)
	n := now.UnixNano()
	if prev != 0 && (n-prev) < int64(warnThrottleEvery) {
		return false
	}
	return atomic.CompareAndSwapInt64(last, prev, n)
}
