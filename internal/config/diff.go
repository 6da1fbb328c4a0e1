package config

import (
	"reflect"
	"strings"

	"clinicjobs/pkg/logx"
)

// SummarizeChange lists the sections that differ and safe log fields describing
// them. Secrets (smtp password, telegram token, ops token) are never included.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	var (
		changed []string
		attrs   []logx.Field
	)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.alerts_enabled", newCfg.Logging.Alerts.Enabled),
		)
	}
	if !reflect.DeepEqual(oldCfg.Jobs, newCfg.Jobs) {
		changed = append(changed, "jobs")
		attrs = append(attrs,
			logx.String("jobs.poll_interval", newCfg.Jobs.PollInterval),
			logx.Int("jobs.retry_max", newCfg.Jobs.RetryMax),
		)
	}
	if oldCfg.Recurring != newCfg.Recurring {
		changed = append(changed, "recurring")
		attrs = append(attrs,
			logx.String("recurring.timezone", newCfg.Recurring.Timezone),
			logx.String("recurring.status_sweep", newCfg.Recurring.StatusSweep),
		)
	}
	if oldCfg.Notify != newCfg.Notify {
		changed = append(changed, "notify")
		attrs = append(attrs, logx.String("notify.fallback_email", newCfg.Notify.FallbackEmail))
	}

	oldSMTP, newSMTP := oldCfg.SMTP, newCfg.SMTP
	smtpSecret := oldSMTP.Password != newSMTP.Password
	oldSMTP.Password, newSMTP.Password = "", ""
	if smtpSecret || oldSMTP != newSMTP {
		changed = append(changed, "smtp")
		attrs = append(attrs,
			logx.String("smtp.host", newSMTP.Host),
			logx.Int("smtp.port", newSMTP.Port),
			logx.Bool("smtp.password_changed", smtpSecret),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.String("storage.path", newCfg.Storage.Path),
		)
	}

	if oldCfg.Telegram != newCfg.Telegram {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.token_set", strings.TrimSpace(newCfg.Telegram.Token) != ""),
			logx.Int64("telegram.chat_id", newCfg.Telegram.ChatID),
		)
	}

	if oldCfg.Ops != newCfg.Ops {
		changed = append(changed, "ops")
		attrs = append(attrs,
			logx.Bool("ops.enabled", newCfg.Ops.Enabled),
			logx.String("ops.addr", OpsAddr(newCfg.Ops)),
			logx.Bool("ops.token_set", strings.TrimSpace(newCfg.Ops.Token) != ""),
		)
	}

	return changed, attrs
}

// RestartRequired reports whether a change touches sections only read at startup.
func RestartRequired(changed []string) bool {
	for _, s := range changed {
		if s != "logging" {
			return true
		}
	}
	return false
}
