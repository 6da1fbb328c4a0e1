package config

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// Omitted fields take the defaults of the component they configure.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Jobs      JobsConfig      `json:"jobs"`
	Recurring RecurringConfig `json:"recurring"`
	Notify    NotifyConfig    `json:"notify"`
	SMTP      SMTPConfig      `json:"smtp"`
	Storage   StorageConfig   `json:"storage"`
	Telegram  TelegramConfig  `json:"telegram"`
	Ops       OpsConfig       `json:"ops"`
}

type LoggingConfig struct {
	Level   string        `json:"level"`
	Console bool          `json:"console"`
	File    LoggingFile   `json:"file"`
	Alerts  LoggingAlerts `json:"alerts"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingAlerts forwards records at or above MinLevel to the Telegram alert chat.
type LoggingAlerts struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// JobsConfig controls the job queue.
//
// Defaults:
//   - queues.<name>.workers: 2, queues.<name>.queue_size: 256
//   - poll_interval: "5s"
//   - default_timeout: "30s" ("0s" disables)
//   - retry_max: 3 (lower values are raised to 3)
//   - retry_base: "2s", retry_max_delay: "5m"
//   - history_size: 200
type JobsConfig struct {
	Queues         map[string]QueueConfig `json:"queues,omitempty"`
	PollInterval   string                 `json:"poll_interval,omitempty"`
	DefaultTimeout string                 `json:"default_timeout,omitempty"`
	RetryMax       int                    `json:"retry_max,omitempty"`
	RetryBase      string                 `json:"retry_base,omitempty"`
	RetryMaxDelay  string                 `json:"retry_max_delay,omitempty"`
	HistorySize    int                    `json:"history_size,omitempty"`
}

type QueueConfig struct {
	Workers   int `json:"workers,omitempty"`
	QueueSize int `json:"queue_size,omitempty"`
}

type RecurringConfig struct {
	// Timezone for cron triggers and appointment slots. Empty means Local.
	Timezone string `json:"timezone,omitempty"`
	// StatusSweep overrides the hourly schedule of the past-appointment sweep.
	StatusSweep string `json:"status_sweep,omitempty"`
}

type NotifyConfig struct {
	FallbackEmail     string  `json:"fallback_email,omitempty"`
	DeliverToFallback bool    `json:"deliver_to_fallback,omitempty"`
	EmailRatePerSec   float64 `json:"email_rate_per_sec,omitempty"`
	EmailBurst        int     `json:"email_burst,omitempty"`
}

// SMTPConfig configures outbound mail. An empty host selects the log-only sender.
type SMTPConfig struct {
	Host          string `json:"host"`
	Port          int    `json:"port,omitempty"`
	Username      string `json:"username,omitempty"`
	Password      string `json:"password,omitempty"` // do not log
	FromAddr      string `json:"from_addr,omitempty"`
	FromName      string `json:"from_name,omitempty"`
	SSL           bool   `json:"ssl,omitempty"`
	SkipTLSVerify bool   `json:"skip_tls_verify,omitempty"`
	Timeout       string `json:"timeout,omitempty"`
}

// StorageConfig controls the appointment database.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/clinic.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// TelegramConfig configures the operator alert bot. An empty token disables it.
type TelegramConfig struct {
	Token    string `json:"token"` // do not log
	ChatID   int64  `json:"chat_id"`
	ThreadID int    `json:"thread_id,omitempty"`
	// Commands enables /jobs, /schedules and /sweep from ChatID.
	Commands bool `json:"commands,omitempty"`
}

// OpsConfig controls the ops HTTP server (/metrics, /healthz, /jobs, pprof).
//
// Prefer binding to localhost. A non-loopback address requires a token or allow_insecure.
type OpsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:9464"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
	ReadTimeout   string `json:"read_timeout,omitempty"`
	IdleTimeout   string `json:"idle_timeout,omitempty"`
}
