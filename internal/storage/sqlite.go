package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"clinicjobs/internal/appointment"
	"clinicjobs/pkg/logx"
)

//go:embed schema.sql
var schemaSQL string

// slotLayout matches the date || ' ' || time || ':00' expression used by the sweep.
const slotLayout = "2006-01-02 15:04:05"

// SQLiteStore implements appointment.Store and appointment.UserStore.
type SQLiteStore struct {
	db  *sql.DB
	log logx.Logger
	loc *time.Location
}

var (
	_ appointment.Store     = (*SQLiteStore)(nil)
	_ appointment.UserStore = (*SQLiteStore)(nil)
)

func openSQLite(cfg Config, log logx.Logger) (*SQLiteStore, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer; it also keeps ":memory:" on one connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	if path != ":memory:" {
		_, _ = db.Exec("PRAGMA journal_mode = WAL")
		_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	}

	loc := cfg.Location
	if loc == nil {
		loc = time.Local
	}
	st := &SQLiteStore{db: db, log: log.With(logx.String("comp", "storage")), loc: loc}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate %s: %w", path, err)
	}
	st.log.Info("storage opened", logx.String("path", path))
	return st, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schemaSQL)
	return err
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping is used by the health endpoint.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	return s.db.PingContext(ctx)
}

// ---- users ----

// PutUser inserts or replaces a user.
func (s *SQLiteStore) PutUser(ctx context.Context, u User) error {
	if strings.TrimSpace(u.ID) == "" {
		return errors.New("user id required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users(id, name, email) VALUES(?,?,?)
		 ON CONFLICT(id) DO UPDATE SET name=excluded.name, email=excluded.email`,
		u.ID, u.Name, strings.TrimSpace(u.Email),
	)
	return err
}

func (s *SQLiteStore) GetEmailByUserID(ctx context.Context, userID string) (string, error) {
	var email string
	err := s.db.QueryRowContext(ctx, `SELECT email FROM users WHERE id = ?`, userID).Scan(&email)
	if errors.Is(err, sql.ErrNoRows) {
		return "", appointment.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get email for user %s: %w", userID, err)
	}
	return email, nil
}

// ---- appointments ----

// PutAppointment inserts or replaces an appointment. Date and time are
// validated and rewritten zero-padded so the sweep can compare them as text.
func (s *SQLiteStore) PutAppointment(ctx context.Context, a appointment.Appointment) error {
	if strings.TrimSpace(a.ID) == "" {
		return errors.New("appointment id required")
	}
	at, err := a.DateTime(s.loc)
	if err != nil {
		return err
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO appointments(id, client_id, client_name, doctor_name, doctor_specialization,
		                          date, time, status, reason, notes, created_at, completed_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   client_id=excluded.client_id, client_name=excluded.client_name,
		   doctor_name=excluded.doctor_name, doctor_specialization=excluded.doctor_specialization,
		   date=excluded.date, time=excluded.time, status=excluded.status,
		   reason=excluded.reason, notes=excluded.notes, completed_at=excluded.completed_at`,
		a.ID, a.ClientID, a.ClientName, a.DoctorName, a.DoctorSpecialization,
		at.Format(appointment.DateLayout), at.Format(appointment.TimeLayout), a.Status.String(),
		a.Reason, a.Notes, a.CreatedAt.UTC().Format(time.RFC3339Nano), nullTime(a.CompletedAt),
	)
	return err
}

// SetStatus changes an appointment's status. It returns appointment.ErrNotFound for unknown ids.
func (s *SQLiteStore) SetStatus(ctx context.Context, id string, st appointment.Status) error {
	res, err := s.db.ExecContext(ctx, `UPDATE appointments SET status = ? WHERE id = ?`, st.String(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return appointment.ErrNotFound
	}
	return nil
}

const appointmentCols = `id, client_id, client_name, doctor_name, doctor_specialization,
	date, time, status, reason, notes, created_at, completed_at`

func (s *SQLiteStore) GetAppointmentByID(ctx context.Context, id string) (appointment.Appointment, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+appointmentCols+` FROM appointments WHERE id = ?`, id)
	a, err := scanAppointment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return appointment.Appointment{}, appointment.ErrNotFound
	}
	if err != nil {
		return appointment.Appointment{}, fmt.Errorf("get appointment %s: %w", id, err)
	}
	return a, nil
}

// ListAppointments returns every appointment ordered by slot.
func (s *SQLiteStore) ListAppointments(ctx context.Context) ([]appointment.Appointment, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+appointmentCols+` FROM appointments ORDER BY date, time, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []appointment.Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// MarkCompletedIfPastDue completes every scheduled appointment whose slot is
// strictly before now. Other statuses are never touched, so reruns change nothing.
func (s *SQLiteStore) MarkCompletedIfPastDue(ctx context.Context, now time.Time) (int, error) {
	cutoff := now.In(s.loc).Format(slotLayout)
	res, err := s.db.ExecContext(ctx,
		`UPDATE appointments SET status = ?, completed_at = ?
		 WHERE status = ? AND (date || ' ' || time || ':00') < ?`,
		appointment.Completed.String(), now.UTC().Format(time.RFC3339Nano),
		appointment.Scheduled.String(), cutoff,
	)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.log.Debug("appointments completed", logx.Int64("count", n), logx.String("cutoff", cutoff))
	}
	return int(n), nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAppointment(r scanner) (appointment.Appointment, error) {
	var (
		a           appointment.Appointment
		status      string
		createdAt   string
		completedAt sql.NullString
	)
	if err := r.Scan(&a.ID, &a.ClientID, &a.ClientName, &a.DoctorName, &a.DoctorSpecialization,
		&a.Date, &a.Time, &status, &a.Reason, &a.Notes, &createdAt, &completedAt); err != nil {
		return appointment.Appointment{}, err
	}
	st, err := appointment.ParseStatus(status)
	if err != nil {
		return appointment.Appointment{}, fmt.Errorf("appointment %s: %w", a.ID, err)
	}
	a.Status = st
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		a.CreatedAt = t
	}
	if completedAt.Valid {
		if t, err := time.Parse(time.RFC3339Nano, completedAt.String); err == nil {
			a.CompletedAt = &t
		}
	}
	return a, nil
}

func nullTime(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}
