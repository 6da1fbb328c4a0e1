package queue

import (
	"context"
	"time"
)

// Channel names. Every job lands on exactly one of them.
const (
	Default       = "default"
	Notifications = "notifications"
	Maintenance   = "maintenance"
)

// Channels lists the known channels in worker start order.
var Channels = []string{Maintenance, Notifications, Default}

// Kind identifies which handler executes a job.
type Kind string

const (
	KindCreatedEmail Kind = "appointment.created_email"
	KindReminder     Kind = "appointment.reminder"
	KindStatusSweep  Kind = "appointments.status_sweep"

	// Dispatched for edits and cancellations made through the HTTP layer.
	KindModifiedEmail  Kind = "appointment.modified_email"
	KindCancelledEmail Kind = "appointment.cancelled_email"
)

type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateRetrying  State = "retrying"
	StateFailed    State = "failed"
)

// Job is a unit of deferred work. Payload is the appointment id, or empty for sweeps.
type Job struct {
	ID         string    `json:"id"`
	Kind       Kind      `json:"kind"`
	Payload    string    `json:"payload,omitempty"`
	Queue      string    `json:"queue"`
	NotBefore  time.Time `json:"not_before,omitempty"`
	RetryCount int       `json:"retry_count"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	LastError  string    `json:"last_error,omitempty"`
}

// HandlerFunc executes a job. Returning nil marks it succeeded, Terminal(err)
// fails it for good and any other error schedules a retry.
type HandlerFunc func(ctx context.Context, job Job) error

// Request describes a job submission. Enqueue and Schedule are shorthands for Submit.
type Request struct {
	Kind      Kind
	Payload   string
	Queue     string
	NotBefore time.Time

	// OnDone runs once, after the job reaches Succeeded or Failed.
	OnDone func(Result)
}

// Result is the final outcome of a job.
type Result struct {
	Job      Job
	State    State
	Attempts int
	Err      error
}

type ChannelConfig struct {
	Workers   int
	QueueSize int
}

type Config struct {
	Channels map[string]ChannelConfig

	// PollInterval bounds how long a due delayed job may wait for promotion.
	PollInterval time.Duration

	// DefaultTimeout caps a single handler attempt. 0 disables it.
	DefaultTimeout time.Duration

	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	RetryJitter   float64 // 0.2 = 20%

	HistorySize int
}

const (
	minRetries          = 3
	defaultWorkers      = 2
	defaultQueueSize    = 256
	defaultPollInterval = 5 * time.Second
	defaultHistorySize  = 200
)

func (c Config) withDefaults() Config {
	chans := make(map[string]ChannelConfig, len(Channels))
	for _, name := range Channels {
		cc := c.Channels[name]
		if cc.Workers <= 0 {
			cc.Workers = defaultWorkers
		}
		if cc.QueueSize <= 0 {
			cc.QueueSize = defaultQueueSize
		}
		chans[name] = cc
	}
	c.Channels = chans
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.RetryMax < minRetries {
		c.RetryMax = minRetries
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 2 * time.Second
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 5 * time.Minute
	}
	if c.RetryJitter <= 0 {
		c.RetryJitter = 0.2
	}
	if c.HistorySize <= 0 {
		c.HistorySize = defaultHistorySize
	}
	return c
}

type HistoryItem struct {
	ID         string        `json:"id"`
	Kind       Kind          `json:"kind"`
	Queue      string        `json:"queue"`
	State      State         `json:"state"`
	Attempt    int           `json:"attempt"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
}

type ChannelSnapshot struct {
	Name     string `json:"name"`
	Workers  int    `json:"workers"`
	QueueLen int    `json:"queue_len"`
	QueueCap int    `json:"queue_cap"`
	InFlight int    `json:"in_flight"`
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Running        bool              `json:"running"`
	Channels       []ChannelSnapshot `json:"channels"`
	DelayedPending int               `json:"delayed_pending"`

	Enqueued  uint64 `json:"enqueued"`
	Succeeded uint64 `json:"succeeded"`
	Retried   uint64 `json:"retried"`
	Failed    uint64 `json:"failed"`
	Spilled   uint64 `json:"spilled"`

	RetryMax int `json:"retry_max"`

	History []HistoryItem `json:"history"`
}
