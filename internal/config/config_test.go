package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const sampleYAML = `
logging:
  level: debug
  console: true
  alerts:
    enabled: true
    min_level: error
jobs:
  poll_interval: 2s
  retry_max: 5
  queues:
    notifications:
      workers: 4
recurring:
  timezone: UTC
  status_sweep: "@hourly"
notify:
  fallback_email: noreply@medanoclinic.com
smtp:
  host: smtp.example.com
  port: 587
  password: from-file
storage:
  driver: sqlite
  path: ./data/clinic.db
telegram:
  token: file-token
  chat_id: -100123
ops:
  enabled: true
  addr: 127.0.0.1:9464
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestDecodeYAMLAndJSON(t *testing.T) {
	t.Parallel()

	cfg, err := Decode("config.yaml", []byte(sampleYAML))
	require.NoError(t, err)
	require.Equal(t, "debug", cfg.Logging.Level)
	require.Equal(t, 4, cfg.Jobs.Queues["notifications"].Workers)
	require.Equal(t, int64(-100123), cfg.Telegram.ChatID)
	require.Equal(t, "./data/clinic.db", cfg.Storage.Path)
	require.NoError(t, Validate(cfg))

	cfg, err = Decode("config.json", []byte(`{"jobs":{"retry_max":3},"storage":{"driver":"memory","path":""}}`))
	require.NoError(t, err)
	require.Equal(t, 3, cfg.Jobs.RetryMax)

	cfg, err = Decode("empty.yml", []byte(""))
	require.NoError(t, err)
	require.NotNil(t, cfg)
}

func TestDecodeIsStrict(t *testing.T) {
	t.Parallel()

	cases := map[string]struct {
		name string
		body string
	}{
		"unknown json field":  {"c.json", `{"jobs":{"workers":3}}`},
		"unknown yaml field":  {"c.yaml", "scheduler:\n  enabled: true\n"},
		"trailing json":       {"c.json", `{} {}`},
		"malformed yaml":      {"c.yml", "logging: [\n"},
		"wrong type for port": {"c.json", `{"smtp":{"port":"587"}}`},
	}
	for name, tc := range cases {
		if _, err := Decode(tc.name, []byte(tc.body)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	require.NoError(t, Validate(&Config{}))
	require.Error(t, Validate(nil))

	bad := &Config{
		Logging:   LoggingConfig{Level: "loud"},
		Jobs:      JobsConfig{PollInterval: "soon", Queues: map[string]QueueConfig{"emails": {}}},
		Recurring: RecurringConfig{Timezone: "Mars/Olympus", StatusSweep: "whenever"},
		Notify:    NotifyConfig{FallbackEmail: "not an email"},
		SMTP:      SMTPConfig{Port: 70000},
		Storage:   StorageConfig{Driver: "sqlite"},
		Telegram:  TelegramConfig{Token: "t"},
		Ops:       OpsConfig{Enabled: true, Addr: "0.0.0.0:9464"},
	}
	err := Validate(bad)
	require.Error(t, err)
	for _, want := range []string{
		"logging.level", "jobs.poll_interval", `unknown queue "emails"`, "recurring.timezone",
		"recurring.status_sweep", "notify.fallback_email", "smtp.port", "storage.path",
		"telegram.chat_id", "ops.addr",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q does not mention %s", err, want)
		}
	}

	ok := &Config{Ops: OpsConfig{Enabled: true, Addr: "0.0.0.0:9464", Token: "secret"}}
	require.NoError(t, Validate(ok))
}

func TestParseAppliesEnvOverrides(t *testing.T) {
	t.Setenv(EnvSMTPPassword, "from-env")
	t.Setenv(EnvTelegramToken, "env-token")

	m := NewManager(writeFile(t, "config.yaml", sampleYAML))
	cfg, err := m.Load()
	require.NoError(t, err)
	require.Equal(t, "from-env", cfg.SMTP.Password)
	require.Equal(t, "env-token", cfg.Telegram.Token)
	require.Same(t, cfg, m.Get())
}

func TestLoadDotEnv(t *testing.T) {
	const key = "CLINICJOBS_TEST_DOTENV_VALUE"
	t.Cleanup(func() { _ = os.Unsetenv(key) })

	require.NoError(t, LoadDotEnv(filepath.Join(t.TempDir(), "missing.env")))

	p := writeFile(t, ".env", key+"=hello\n")
	require.NoError(t, LoadDotEnv(p))
	require.Equal(t, "hello", os.Getenv(key))
}

func TestSummarizeChangeHidesSecrets(t *testing.T) {
	t.Parallel()

	oldCfg := &Config{SMTP: SMTPConfig{Host: "a", Password: "one"}, Logging: LoggingConfig{Level: "info"}}
	newCfg := &Config{SMTP: SMTPConfig{Host: "a", Password: "two"}, Logging: LoggingConfig{Level: "debug"}}

	changed, attrs := SummarizeChange(oldCfg, newCfg)
	require.Equal(t, []string{"logging", "smtp"}, changed)
	require.NotEmpty(t, attrs)
	require.True(t, RestartRequired(changed))
	require.False(t, RestartRequired([]string{"logging"}))

	changed, _ = SummarizeChange(newCfg, newCfg)
	require.Empty(t, changed)
}

func TestWatchPublishesValidChanges(t *testing.T) {
	t.Parallel()

	path := writeFile(t, "config.json", `{"logging":{"level":"info"}}`)
	m := NewManager(path)
	_, err := m.Load()
	require.NoError(t, err)

	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Watch(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte(`{"logging":{"level":"nope"}}`), 0o600))
	time.Sleep(2 * reloadDebounce)
	require.NoError(t, os.WriteFile(path, []byte(`{"logging":{"level":"debug"}}`), 0o600))

	select {
	case cfg := <-sub:
		require.Equal(t, "debug", cfg.Logging.Level, "invalid configs are never published")
		require.Equal(t, "debug", m.Get().Logging.Level)
	case <-time.After(5 * time.Second):
		t.Fatalf("config change not published")
	}
}
