package app

import (
	"fmt"
	"strings"
	"time"

	"clinicjobs/internal/config"
	"clinicjobs/internal/mail"
	"clinicjobs/internal/notify"
	"clinicjobs/internal/observability/opsserver"
	"clinicjobs/internal/queue"
	"clinicjobs/internal/storage"
	"clinicjobs/internal/transport/telegram"
	"clinicjobs/pkg/logx"
)

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Alerts: logx.AlertConfig{
			Enabled:    cfg.Logging.Alerts.Enabled && strings.TrimSpace(cfg.Telegram.Token) != "",
			MinLevel:   cfg.Logging.Alerts.MinLevel,
			RatePerSec: cfg.Logging.Alerts.RatePerSec,
		},
	}
}

func mapLocation(cfg *config.Config) (*time.Location, error) {
	tz := strings.TrimSpace(cfg.Recurring.Timezone)
	if tz == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("recurring.timezone: %w", err)
	}
	return loc, nil
}

func mapQueue(cfg *config.Config) (queue.Config, error) {
	jc := cfg.Jobs
	poll, err := config.ParseDurationField("jobs.poll_interval", jc.PollInterval)
	if err != nil {
		return queue.Config{}, err
	}
	// "0s" disables the per-attempt timeout; omitted means 30s.
	timeout := 30 * time.Second
	if strings.TrimSpace(jc.DefaultTimeout) != "" {
		if timeout, err = config.ParseDurationField("jobs.default_timeout", jc.DefaultTimeout); err != nil {
			return queue.Config{}, err
		}
	}
	base, err := config.ParseDurationField("jobs.retry_base", jc.RetryBase)
	if err != nil {
		return queue.Config{}, err
	}
	maxDelay, err := config.ParseDurationField("jobs.retry_max_delay", jc.RetryMaxDelay)
	if err != nil {
		return queue.Config{}, err
	}

	chans := make(map[string]queue.ChannelConfig, len(jc.Queues))
	for name, qc := range jc.Queues {
		chans[name] = queue.ChannelConfig{Workers: qc.Workers, QueueSize: qc.QueueSize}
	}
	return queue.Config{
		Channels:       chans,
		PollInterval:   poll,
		DefaultTimeout: timeout,
		RetryMax:       jc.RetryMax,
		RetryBase:      base,
		RetryMaxDelay:  maxDelay,
		HistorySize:    jc.HistorySize,
	}, nil
}

// mapStorage falls back to an in-memory database when no driver is configured.
func mapStorage(cfg *config.Config, loc *time.Location) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		driver = "memory"
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Driver: driver, Path: strings.TrimSpace(sc.Path), BusyTimeout: busy, Location: loc}, nil
}

func mapNotify(cfg *config.Config) notify.Config {
	return notify.Config{
		FallbackEmail:     strings.TrimSpace(cfg.Notify.FallbackEmail),
		DeliverToFallback: cfg.Notify.DeliverToFallback,
		EmailRatePerSec:   cfg.Notify.EmailRatePerSec,
		EmailBurst:        cfg.Notify.EmailBurst,
	}
}

// mapSMTP reports false when no host is set; the caller then uses the dry-run sender.
func mapSMTP(cfg *config.Config) (mail.SMTPConfig, bool, error) {
	sc := cfg.SMTP
	if strings.TrimSpace(sc.Host) == "" {
		return mail.SMTPConfig{}, false, nil
	}
	timeout, err := config.ParseDurationField("smtp.timeout", sc.Timeout)
	if err != nil {
		return mail.SMTPConfig{}, false, err
	}
	return mail.SMTPConfig{
		Host:          strings.TrimSpace(sc.Host),
		Port:          sc.Port,
		Username:      sc.Username,
		Password:      sc.Password,
		FromAddr:      sc.FromAddr,
		FromName:      sc.FromName,
		SSL:           sc.SSL,
		SkipTLSVerify: sc.SkipTLSVerify,
		Timeout:       timeout,
	}, true, nil
}

func mapTelegram(cfg *config.Config) (telegram.Config, bool) {
	tc := cfg.Telegram
	if strings.TrimSpace(tc.Token) == "" {
		return telegram.Config{}, false
	}
	return telegram.Config{
		Token:    strings.TrimSpace(tc.Token),
		ChatID:   tc.ChatID,
		ThreadID: tc.ThreadID,
		Commands: tc.Commands,
	}, true
}

func mapOps(cfg *config.Config) (opsserver.Config, bool, error) {
	oc := cfg.Ops
	if !oc.Enabled {
		return opsserver.Config{}, false, nil
	}
	rt, err := config.ParseDurationField("ops.read_timeout", oc.ReadTimeout)
	if err != nil {
		return opsserver.Config{}, false, err
	}
	it, err := config.ParseDurationField("ops.idle_timeout", oc.IdleTimeout)
	if err != nil {
		return opsserver.Config{}, false, err
	}
	return opsserver.Config{
		Addr:          config.OpsAddr(oc),
		Token:         oc.Token,
		AllowInsecure: oc.AllowInsecure,
		Pprof:         oc.Pprof,
		ReadTimeout:   rt,
		IdleTimeout:   it,
	}, true, nil
}
