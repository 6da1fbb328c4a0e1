// Package app wires configuration, storage, the job queue, the recurring
// registrar and the operator surfaces into one process lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"clinicjobs/internal/config"
	"clinicjobs/internal/jobs"
	"clinicjobs/internal/mail"
	"clinicjobs/internal/notify"
	"clinicjobs/internal/observability/opsserver"
	"clinicjobs/internal/queue"
	"clinicjobs/internal/recurring"
	rtsup "clinicjobs/internal/runtime/supervisor"
	"clinicjobs/internal/storage"
	"clinicjobs/internal/transport/telegram"
	"clinicjobs/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	reg  *prometheus.Registry

	store  *storage.SQLiteStore
	notifs *notify.MemoryStore
	queue  *queue.Service
	jobs   *jobs.Service
	rec    *recurring.Service

	bot *telegram.Bot
	ops *opsserver.Server

	view *opsView
}

type Option func(*options)

type options struct {
	sender notify.EmailSender
}

// WithEmailSender overrides the sender chosen from the smtp section.
func WithEmailSender(s notify.EmailSender) Option {
	return func(o *options) { o.sender = s }
}

// New loads the config and builds every component. Nothing runs until Start.
func New(cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, root := logx.New(mapLogging(cfg))
	log := root.With(logx.String("comp", "app"))
	cfgm.SetLogger(root.With(logx.String("comp", "config")))

	var store *storage.SQLiteStore
	fail := func(err error) (*App, error) {
		if store != nil {
			_ = store.Close()
		}
		_ = logSvc.Close()
		return nil, err
	}

	loc, err := mapLocation(cfg)
	if err != nil {
		return fail(err)
	}
	sc, err := mapStorage(cfg, loc)
	if err != nil {
		return fail(err)
	}
	if store, err = storage.Open(sc, root); err != nil {
		return fail(fmt.Errorf("open storage: %w", err))
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	qc, err := mapQueue(cfg)
	if err != nil {
		return fail(err)
	}
	q := queue.New(qc, root, reg)

	sender := o.sender
	if sender == nil {
		smtpCfg, enabled, err := mapSMTP(cfg)
		if err != nil {
			return fail(err)
		}
		if enabled {
			sender = mail.NewSMTPSender(smtpCfg, root)
		} else {
			log.Warn("smtp.host not set; emails are only logged")
			sender = mail.NewLogSender(root)
		}
	}

	notifs := notify.NewMemoryStore()
	dispatcher := notify.NewDispatcher(mapNotify(cfg), notifs, store, sender, root)

	jobSvc := jobs.New(store, dispatcher, q, root, jobs.WithLocation(loc))
	jobSvc.Register(q)

	rec := recurring.New(recurring.Config{Timezone: cfg.Recurring.Timezone}, q, root)

	a := &App{
		cfgm:   cfgm,
		log:    log,
		logs:   logSvc,
		reg:    reg,
		store:  store,
		notifs: notifs,
		queue:  q,
		jobs:   jobSvc,
		rec:    rec,
	}
	a.view = &opsView{q: q, rec: rec, notifs: notifs, store: store, sup: func() *rtsup.Supervisor { return a.sup }}

	if tc, enabled := mapTelegram(cfg); enabled {
		bot, err := telegram.New(tc, root)
		if err != nil {
			return fail(fmt.Errorf("telegram: %w", err))
		}
		a.bot = bot
		logSvc.SetAlertSender(bot)
	}

	oc, enabled, err := mapOps(cfg)
	if err != nil {
		return fail(err)
	}
	if enabled {
		a.ops = opsserver.New(oc, opsserver.Deps{
			Gatherer: reg,
			Health:   a.view.Health,
			Status:   func() any { return a.view.Status() },
		}, root)
	}
	return a, nil
}

// Jobs is the producer API the request path calls.
func (a *App) Jobs() *jobs.Service { return a.jobs }

func (a *App) Store() *storage.SQLiteStore { return a.store }

func (a *App) Notifications() *notify.MemoryStore { return a.notifs }

func (a *App) Queue() *queue.Service { return a.queue }

func (a *App) Recurring() *recurring.Service { return a.rec }

func (a *App) Status() Status { return a.view.Status() }

// Metrics is the registry behind /metrics.
func (a *App) Metrics() prometheus.Gatherer { return a.reg }

// Done is closed when the app context is cancelled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start runs the queue, registers and starts the recurring jobs, then the
// operator surfaces and the config watcher. Registration failures are fatal.
func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return config.Validate(cfg)
	})

	a.queue.Start(a.sup.Context())

	if err := a.registerRecurring(a.cfgm.Get()); err != nil {
		a.sup.Cancel()
		return fmt.Errorf("register recurring jobs: %w", err)
	}
	if err := a.rec.Start(a.sup.Context()); err != nil {
		a.sup.Cancel()
		return fmt.Errorf("start recurring jobs: %w", err)
	}

	if a.bot != nil {
		if err := a.bot.Start(a.sup.Context(), a.view); err != nil {
			a.sup.Cancel()
			return err
		}
	}
	if a.ops != nil {
		if err := a.ops.Start(a.sup.Context()); err != nil {
			a.sup.Cancel()
			return fmt.Errorf("ops server: %w", err)
		}
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	notifySystemd(a.log, daemon.SdNotifyReady)
	a.log.Info("app started")
	return nil
}

func (a *App) registerRecurring(cfg *config.Config) error {
	if err := a.rec.RegisterDefaults(); err != nil {
		return err
	}
	if s := strings.TrimSpace(cfg.Recurring.StatusSweep); s != "" {
		return a.rec.AddOrUpdate(recurring.SweepJobName, s, queue.KindStatusSweep, queue.Maintenance)
	}
	return nil
}

// reloadLoop applies logging changes live; other sections need a restart.
func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
			// coalesce bursts
			for drained := false; !drained; {
				select {
				case newer := <-sub:
					if newer != nil {
						next = newer
					}
				default:
					drained = true
				}
			}

			sections, attrs := config.SummarizeChange(last, next)
			last = next
			if len(sections) == 0 {
				a.log.Debug("config reload received, no effective changes")
				continue
			}
			a.logs.Apply(mapLogging(next))

			fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
			a.log.Info("config applied", fields...)
			if config.RestartRequired(sections) {
				a.log.Warn("config sections changed that only apply after restart", logx.String("changed", strings.Join(sections, ",")))
			}
		}
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	notifySystemd(a.log, daemon.SdNotifyStopping)
	a.log.Info("stopping", logx.String("reason", string(reason)))

	var errs []error
	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		if dl, ok := ctx.Deadline(); ok {
			limit = min(limit, time.Until(dl))
		}
		if limit <= 0 {
			a.log.Warn("stop step skipped, deadline reached", logx.String("name", name))
			return
		}
		sctx, cancel := context.WithTimeout(ctx, limit)
		defer cancel()
		if err := fn(sctx); err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	}

	// Triggers first so nothing new is queued, then the queue lets running
	// jobs finish before the shared context is cancelled.
	step("telegram", 2*time.Second, func(c context.Context) error {
		if a.bot != nil {
			return a.bot.Stop(c)
		}
		return nil
	})
	step("recurring", 2*time.Second, func(c context.Context) error { a.rec.Stop(c); return nil })
	step("queue", 5*time.Second, func(c context.Context) error { a.queue.Stop(c); return nil })
	step("ops", time.Second, func(c context.Context) error {
		if a.ops != nil {
			a.ops.Stop(c)
		}
		return nil
	})
	a.sup.Cancel()
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })
	step("supervisor", 2*time.Second, func(c context.Context) error {
		err := a.sup.Wait(c)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	a.log.Info("stopped", logx.Int("pending_delayed_jobs", len(a.queue.Delayed())))
	_ = a.logs.Close()
	return errors.Join(errs...)
}
