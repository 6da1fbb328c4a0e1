package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

type alertRecorder struct {
	mu   sync.Mutex
	msgs []string
}

func (r *alertRecorder) SendAlert(_ context.Context, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, text)
	return nil
}

func (r *alertRecorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.msgs...)
}

func TestWriterLoggerFields(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := NewWriter(&buf, "info").With(String("comp", "queue"))
	log.Debug("hidden")
	log.Info("job done", Int("attempt", 2), Err(errors.New("boom")), Err(nil))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d: %q", len(lines), buf.String())
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if m["comp"] != "queue" || m["attempt"] != float64(2) || m["message"] != "job done" {
		t.Fatalf("unexpected record: %v", m)
	}
	if _, ok := m["caller"]; !ok {
		t.Fatalf("missing caller: %v", m)
	}
}

func TestZeroAndNopLoggers(t *testing.T) {
	t.Parallel()

	var zero Logger
	if !zero.IsZero() {
		t.Fatalf("zero value should report IsZero")
	}
	zero.Error("must not panic")
	Nop().With(String("k", "v")).Info("nothing")
	if Nop().IsZero() {
		t.Fatalf("Nop is a configured logger")
	}
}

func TestServiceFileSinkAndAlerts(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "app.log")
	svc, log := New(Config{
		Level: "info",
		File:  FileConfig{Enabled: true, Path: path},
		Alerts: AlertConfig{
			Enabled:    true,
			MinLevel:   "error",
			RatePerSec: 10,
		},
	})
	t.Cleanup(func() { _ = svc.Close() })

	rec := &alertRecorder{}
	svc.SetAlertSender(rec)

	log.Warn("below alert level")
	log.Error("job failed permanently", String("kind", "reminder"))

	deadline := time.Now().Add(2 * time.Second)
	for len(rec.snapshot()) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	got := rec.snapshot()
	if len(got) != 1 {
		t.Fatalf("expected 1 alert, got %v", got)
	}
	if !strings.HasPrefix(got[0], "[ERROR] job failed permanently") || !strings.Contains(got[0], "- kind=reminder") {
		t.Fatalf("unexpected alert text: %q", got[0])
	}

	// Raising the level live silences info records in the file sink.
	svc.Apply(Config{Level: "error", File: FileConfig{Enabled: true, Path: path}})
	log.Info("dropped after apply")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	out := string(data)
	if !strings.Contains(out, "below alert level") || strings.Contains(out, "dropped after apply") {
		t.Fatalf("unexpected file contents: %s", out)
	}
}

func TestFormatAlert(t *testing.T) {
	t.Parallel()

	got := formatAlert([]byte(`{"level":"error","time":"x","message":"m","b":"2","a":1}`))
	if got != "[ERROR] m\n- a=1\n- b=2" {
		t.Fatalf("formatAlert = %q", got)
	}
	if got := formatAlert([]byte("not json")); got != "not json" {
		t.Fatalf("raw passthrough = %q", got)
	}
	if got := truncate(strings.Repeat("x", 20), 12); got != "xxxxxxxxx..." {
		t.Fatalf("truncate = %q", got)
	}
}
