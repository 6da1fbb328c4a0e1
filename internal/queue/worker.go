package queue

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"sync/atomic"
	"time"

	"clinicjobs/pkg/logx"
)

// spillRecheck delays another promotion attempt when the target buffer is still full.
const spillRecheck = 50 * time.Millisecond

func (s *Service) worker(ctx context.Context, queueName string, ch <-chan *entry, idx int) {
	// Per-worker RNG: avoids global lock contention when many jobs retry at once.
	rng := rand.New(rand.NewSource(time.Now().UnixNano() ^ (int64(idx) << 32) ^ int64(len(queueName))))

	for {
		// A cancelled context wins over buffered work.
		select {
		case <-ctx.Done():
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case e := <-ch:
			n := s.inFlight[queueName]
			// Count first, then check draining, so Stop either sees this job or we see Stop.
			atomic.AddInt32(n, 1)
			if s.draining.Load() {
				atomic.AddInt32(n, -1)
				e.dueAt = time.Now()
				s.pushDelayed(e)
				continue
			}
			s.execOne(ctx, e, rng)
			atomic.AddInt32(n, -1)
		}
	}
}

func (s *Service) execOne(ctx context.Context, e *entry, rng *rand.Rand) {
	job := e.job
	start := time.Now()
	attempt := job.RetryCount + 1
	queueDelay := max(start.Sub(job.EnqueuedAt), 0)
	if !job.NotBefore.IsZero() && start.After(job.NotBefore) {
		queueDelay = start.Sub(job.NotBefore)
	}
	log := s.log.With(logx.String("job", job.ID), logx.String("kind", string(job.Kind)), logx.String("queue", job.Queue), logx.Int("attempt", attempt))
	item := HistoryItem{ID: job.ID, Kind: job.Kind, Queue: job.Queue, Attempt: attempt, Started: start, QueueDelay: queueDelay}

	fn := s.handler(job.Kind)
	if fn == nil {
		err := fmt.Errorf("%w: %s", ErrUnknownKind, job.Kind)
		log.Error("job failed", logx.Err(err))
		item.State, item.Error = StateFailed, err.Error()
		s.record(item)
		s.finish(e, StateFailed, attempt, err)
		return
	}

	log.Debug("job started", logx.Duration("queue_delay", queueDelay))

	s.mu.Lock()
	timeout := s.cfg.DefaultTimeout
	s.mu.Unlock()
	runCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	err := runHandler(runCtx, fn, job, log)
	if cancel != nil {
		cancel()
	}

	dur := time.Since(start)
	item.Duration = dur
	s.m.duration.WithLabelValues(job.Queue, string(job.Kind)).Observe(dur.Seconds())

	switch {
	case err == nil:
		if dur >= 750*time.Millisecond {
			log.Info("job completed", logx.Duration("dur", dur))
		} else {
			log.Debug("job completed", logx.Duration("dur", dur))
		}
		item.State = StateSucceeded
		s.record(item)
		s.finish(e, StateSucceeded, attempt, nil)
		return

	case IsTerminal(err):
		log.Warn("job failed permanently", logx.Err(err), logx.Duration("dur", dur))
		item.State, item.Error = StateFailed, err.Error()
		s.record(item)
		s.finish(e, StateFailed, attempt, err)
		return

	case ctx.Err() != nil:
		// Interrupted by shutdown: park it again without burning a retry.
		log.Info("job interrupted by shutdown, parked for next start", logx.Err(err))
		item.State, item.Error = StatePending, err.Error()
		s.record(item)
		e.dueAt = time.Now()
		s.pushDelayed(e)
		return
	}

	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	if job.RetryCount >= cfg.RetryMax {
		log.Error("job failed after retries", logx.Err(err), logx.Int("retries", job.RetryCount))
		item.State, item.Error = StateFailed, err.Error()
		s.record(item)
		s.finish(e, StateFailed, attempt, err)
		return
	}

	e.job.RetryCount++
	e.job.LastError = err.Error()
	delay := backoffDelayWithHint(cfg, e.job.RetryCount, err, rng)
	e.dueAt = time.Now().Add(delay)
	atomic.AddUint64(&s.retried, 1)
	s.m.retries.WithLabelValues(job.Queue, string(job.Kind)).Inc()
	log.Warn("job failed, retry scheduled", logx.Err(err), logx.Duration("delay", delay), logx.Int("retry", e.job.RetryCount))

	item.State, item.Error = StateRetrying, err.Error()
	s.record(item)
	s.pushDelayed(e)
}

// runHandler converts a handler panic into a retryable error so one bad job
// cannot kill its worker.
func runHandler(ctx context.Context, fn HandlerFunc, job Job, log logx.Logger) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			log.Error("job panicked", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	return fn(ctx, job)
}

func (s *Service) finish(e *entry, state State, attempts int, err error) {
	switch state {
	case StateSucceeded:
		atomic.AddUint64(&s.succeeded, 1)
	case StateFailed:
		atomic.AddUint64(&s.failed, 1)
	}
	s.m.completed.WithLabelValues(e.job.Queue, string(e.job.Kind), string(state)).Inc()

	if e.onDone == nil {
		return
	}
	res := Result{Job: e.job, State: state, Attempts: attempts, Err: err}
	func() {
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("job completion callback panicked", logx.String("job", e.job.ID), logx.Any("panic", r))
			}
		}()
		e.onDone(res)
	}()
}

// poller promotes due jobs from the heap into their channel buffers.
// It sleeps until the earliest due job or PollInterval, whichever comes first,
// and is woken when a new earliest job arrives.
func (s *Service) poller(ctx context.Context) {
	s.mu.Lock()
	interval := s.cfg.PollInterval
	s.mu.Unlock()

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		case <-timer.C:
		}

		now := time.Now()
		wait := interval
		if !s.draining.Load() {
			s.promoteDue(now)
			s.dmu.Lock()
			if head := s.delayed.peek(); head != nil {
				wait = min(wait, max(head.dueAt.Sub(now), 0))
			}
			s.dmu.Unlock()
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)
	}
}

func (s *Service) promoteDue(now time.Time) {
	s.dmu.Lock()
	due := s.delayed.popDue(now)
	s.m.delayed.Set(float64(s.delayed.Len()))
	s.dmu.Unlock()

	var blocked []*entry
	for _, e := range due {
		select {
		case s.chans[e.job.Queue] <- e:
		default:
			blocked = append(blocked, e)
		}
	}
	if len(blocked) == 0 {
		return
	}

	s.mu.Lock()
	recheck := min(spillRecheck, s.cfg.PollInterval)
	s.mu.Unlock()
	for _, e := range blocked {
		e.dueAt = now.Add(recheck)
		s.pushDelayed(e)
	}
}

func backoffDelayWithHint(cfg Config, retry int, err error, rng *rand.Rand) time.Duration {
	var ra RetryAfterError
	if err != nil && errors.As(err, &ra) {
		d := min(max(ra.RetryAfter(), 0), cfg.RetryMaxDelay)
		return min(applyJitter(d, cfg.RetryJitter, rng), cfg.RetryMaxDelay)
	}
	return backoffDelay(cfg, retry, rng)
}

// backoffDelay doubles RetryBase per retry (retry starts at 1), capped at RetryMaxDelay.
func backoffDelay(cfg Config, retry int, rng *rand.Rand) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < retry; i++ {
		d *= 2
		if d > cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	return min(applyJitter(d, cfg.RetryJitter, rng), cfg.RetryMaxDelay)
}

func applyJitter(d time.Duration, j float64, rng *rand.Rand) time.Duration {
	if j <= 0 || d <= 0 || rng == nil {
		return d
	}
	r := (rng.Float64()*2 - 1) * j
	return max(time.Duration(float64(d)*(1+r)), 0)
}
