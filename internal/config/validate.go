package config

import (
	"errors"
	"fmt"
	"net"
	"net/mail"
	"strings"
	"time"

	"clinicjobs/internal/queue"
	"clinicjobs/internal/recurring"
)

// Validate reports every invalid field at once.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string) {
		_, err := ParseDurationField(path, raw)
		add(err)
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Logging.Level)) {
	case "", "trace", "debug", "info", "warn", "warning", "error":
	default:
		add(fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level))
	}

	for name, q := range cfg.Jobs.Queues {
		if !knownQueue(name) {
			add(fmt.Errorf("jobs.queues: unknown queue %q (want one of %s)", name, strings.Join(queue.Channels, ", ")))
		}
		if q.Workers < 0 || q.QueueSize < 0 {
			add(fmt.Errorf("jobs.queues.%s: workers and queue_size must be >= 0", name))
		}
	}
	dur("jobs.poll_interval", cfg.Jobs.PollInterval)
	dur("jobs.default_timeout", cfg.Jobs.DefaultTimeout)
	dur("jobs.retry_base", cfg.Jobs.RetryBase)
	dur("jobs.retry_max_delay", cfg.Jobs.RetryMaxDelay)
	if cfg.Jobs.RetryMax < 0 || cfg.Jobs.HistorySize < 0 {
		add(errors.New("jobs: retry_max and history_size must be >= 0"))
	}

	if tz := strings.TrimSpace(cfg.Recurring.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add(fmt.Errorf("recurring.timezone: %w", err))
		}
	}
	if s := strings.TrimSpace(cfg.Recurring.StatusSweep); s != "" {
		if _, err := recurring.ParseSchedule(s); err != nil {
			add(fmt.Errorf("recurring.status_sweep: %w", err))
		}
	}

	if fb := strings.TrimSpace(cfg.Notify.FallbackEmail); fb != "" {
		if _, err := mail.ParseAddress(fb); err != nil {
			add(fmt.Errorf("notify.fallback_email: %w", err))
		}
	}
	if cfg.Notify.EmailRatePerSec < 0 || cfg.Notify.EmailBurst < 0 {
		add(errors.New("notify: email_rate_per_sec and email_burst must be >= 0"))
	}

	if cfg.SMTP.Port < 0 || cfg.SMTP.Port > 65535 {
		add(fmt.Errorf("smtp.port: %d out of range", cfg.SMTP.Port))
	}
	dur("smtp.timeout", cfg.SMTP.Timeout)

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "none", "memory":
	case "sqlite", "sqlite3":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			add(errors.New("storage.path is required for sqlite"))
		}
	default:
		add(fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}
	dur("storage.busy_timeout", cfg.Storage.BusyTimeout)

	if strings.TrimSpace(cfg.Telegram.Token) != "" && cfg.Telegram.ChatID == 0 {
		add(errors.New("telegram.chat_id is required when a token is set"))
	}

	if cfg.Ops.Enabled {
		addr := OpsAddr(cfg.Ops)
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			add(fmt.Errorf("ops.addr: %w", err))
		} else if !isLoopback(host) && strings.TrimSpace(cfg.Ops.Token) == "" && !cfg.Ops.AllowInsecure {
			add(fmt.Errorf("ops.addr %q is not loopback: set ops.token or ops.allow_insecure", addr))
		}
		dur("ops.read_timeout", cfg.Ops.ReadTimeout)
		dur("ops.idle_timeout", cfg.Ops.IdleTimeout)
	}

	return errors.Join(errs...)
}

const DefaultOpsAddr = "127.0.0.1:9464"

// OpsAddr returns the configured listen address or DefaultOpsAddr.
func OpsAddr(c OpsConfig) string {
	if a := strings.TrimSpace(c.Addr); a != "" {
		return a
	}
	return DefaultOpsAddr
}

func knownQueue(name string) bool {
	for _, q := range queue.Channels {
		if q == name {
			return true
		}
	}
	return false
}

func isLoopback(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
