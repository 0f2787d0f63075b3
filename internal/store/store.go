// Package store is the durable persistence layer for devices, recurring
// alarms, and one-shot schedules. It owns the SQLite connection, schema
// migrations, and every CRUD operation the rest of the system relies on.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

const timeLayout = time.RFC3339Nano

// Device statuses.
const (
	DeviceOnline  = "online"
	DeviceOffline = "offline"
)

// Pump statuses. PumpStopped is never persisted; callers normalize it to
// PumpIdle before it reaches the store.
const (
	PumpRunning = "running"
	PumpIdle    = "idle"
)

// Schedule lifecycle states.
const (
	SchedulePending  = "pending"
	ScheduleExecuted = "executed"
	ScheduleFailed   = "failed"
	ScheduleExpired  = "expired"
)

// Device mirrors the persisted device row. Online/PumpStatus are owned by
// the Session Hub in memory and mirrored here asynchronously on transition.
type Device struct {
	DeviceID          string
	Status            string
	PumpStatus        string
	LastAddress       string
	ConnectionCounter int64
	LastSeen          time.Time
	LastHeartbeat     time.Time
	LastError         string
}

// Alarm is a recurring (time-of-day, weekday-set) watering rule.
type Alarm struct {
	ID             string
	DeviceID       string
	Name           string
	TimeOfDay      string
	Days           []time.Weekday
	DurationMS     int
	IsActive       bool
	LastExecuted   *time.Time
	NextExecution  time.Time
	ExecutionCount int64
}

// Schedule is a single future firing of a watering command.
type Schedule struct {
	ID          string
	DeviceID    string
	FireAt      time.Time
	DurationMS  int
	Status      string
	RetryCount  int
	LastError   string
	ExecutedAt  *time.Time
}

// Store wraps the SQLite connection and every persistence operation.
type Store struct {
	conn *sql.DB
	log  zerolog.Logger
}

// Open creates (or reuses) the SQLite database at path and applies every
// pending goose migration embedded in MigrationFS.
func Open(path string, log zerolog.Logger) (*Store, error) {
	conn, err := sql.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	conn.SetMaxOpenConns(1)

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	migrationsFS, err := fs.Sub(MigrationFS, "migrations")
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("migrations sub-fs: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, conn, migrationsFS)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("create migration provider: %w", err)
	}
	if _, err := provider.Up(context.Background()); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}

	return &Store{conn: conn, log: log.With().Str("component", "store").Logger()}, nil
}

// Migrate applies pending migrations without constructing a full Store; it
// backs the "migrate" CLI subcommand used in deploy scripts before serve.
func Migrate(path string) error {
	conn, err := sql.Open("sqlite", path+"?_pragma=journal_mode(wal)")
	if err != nil {
		return fmt.Errorf("open sqlite: %w", err)
	}
	defer conn.Close()

	migrationsFS, err := fs.Sub(MigrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("migrations sub-fs: %w", err)
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, conn, migrationsFS)
	if err != nil {
		return fmt.Errorf("create migration provider: %w", err)
	}
	if _, err := provider.Up(context.Background()); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// Close closes the underlying connection.
func (s *Store) Close() error {
	return s.conn.Close()
}

// Conn exposes the underlying *sql.DB for health checks.
func (s *Store) Conn() *sql.DB {
	return s.conn
}

func normalizeID(id string) string {
	return strings.ToUpper(strings.TrimSpace(id))
}

const deviceColumns = `device_id, status, pump_status, last_address, connection_counter, last_seen, last_heartbeat, last_error`

func scanDevice(scanner interface{ Scan(...any) error }) (*Device, error) {
	var d Device
	var lastSeen, lastHeartbeat sql.NullString
	var lastErr sql.NullString
	if err := scanner.Scan(&d.DeviceID, &d.Status, &d.PumpStatus, &d.LastAddress, &d.ConnectionCounter, &lastSeen, &lastHeartbeat, &lastErr); err != nil {
		return nil, err
	}
	if lastSeen.Valid {
		d.LastSeen, _ = time.Parse(timeLayout, lastSeen.String)
	}
	if lastHeartbeat.Valid {
		d.LastHeartbeat, _ = time.Parse(timeLayout, lastHeartbeat.String)
	}
	d.LastError = lastErr.String
	return &d, nil
}

// RegisterOrTouchDevice ensures a device row exists for id, updating its
// last-known address. It never mutates status or pump fields — those are
// owned exclusively by the Session Hub via SetDeviceStatus.
func (s *Store) RegisterOrTouchDevice(ctx context.Context, id, addr string) (*Device, error) {
	id = normalizeID(id)
	now := time.Now().UTC().Format(timeLayout)
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO devices (device_id, status, pump_status, last_address, last_seen)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET last_address = excluded.last_address, last_seen = excluded.last_seen
	`, id, DeviceOffline, PumpIdle, addr, now)
	if err != nil {
		return nil, fmt.Errorf("register device %s: %w", id, err)
	}
	return s.FindDevice(ctx, id)
}

// IncrementConnectionCounter atomically bumps a device's connection counter
// and returns the new value. Called once per successful admit, satisfying
// the per-row monotonicity guarantee the Store contract requires.
func (s *Store) IncrementConnectionCounter(ctx context.Context, id string) (int64, error) {
	id = normalizeID(id)
	row := s.conn.QueryRowContext(ctx, `
		UPDATE devices SET connection_counter = connection_counter + 1
		WHERE device_id = ?
		RETURNING connection_counter
	`, id)
	var counter int64
	if err := row.Scan(&counter); err != nil {
		return 0, fmt.Errorf("increment connection counter %s: %w", id, err)
	}
	return counter, nil
}

// SetDeviceStatus updates connectivity/pump/last-seen fields. A nil pointer
// leaves that field untouched.
func (s *Store) SetDeviceStatus(ctx context.Context, id string, online *bool, pumpStatus *string, lastSeen time.Time) error {
	id = normalizeID(id)
	sets := []string{}
	args := []any{}
	if online != nil {
		sets = append(sets, "status = ?")
		if *online {
			args = append(args, DeviceOnline)
		} else {
			args = append(args, DeviceOffline)
		}
	}
	if pumpStatus != nil {
		sets = append(sets, "pump_status = ?")
		args = append(args, *pumpStatus)
	}
	if !lastSeen.IsZero() {
		sets = append(sets, "last_seen = ?")
		args = append(args, lastSeen.UTC().Format(timeLayout))
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)
	_, err := s.conn.ExecContext(ctx, `UPDATE devices SET `+strings.Join(sets, ", ")+` WHERE device_id = ?`, args...)
	if err != nil {
		return fmt.Errorf("set device status %s: %w", id, err)
	}
	return nil
}

// TouchHeartbeat records a device's most recent heartbeat timestamp.
func (s *Store) TouchHeartbeat(ctx context.Context, id string, at time.Time) error {
	id = normalizeID(id)
	_, err := s.conn.ExecContext(ctx, `UPDATE devices SET last_heartbeat = ?, last_seen = ? WHERE device_id = ?`,
		at.UTC().Format(timeLayout), at.UTC().Format(timeLayout), id)
	if err != nil {
		return fmt.Errorf("touch heartbeat %s: %w", id, err)
	}
	return nil
}

// SetDeviceError records the most recent connection-error string.
func (s *Store) SetDeviceError(ctx context.Context, id, message string) error {
	id = normalizeID(id)
	_, err := s.conn.ExecContext(ctx, `UPDATE devices SET last_error = ? WHERE device_id = ?`, message, id)
	if err != nil {
		return fmt.Errorf("set device error %s: %w", id, err)
	}
	return nil
}

// ListDevices returns every known device, online and offline.
func (s *Store) ListDevices(ctx context.Context) ([]Device, error) {
	rows, err := s.conn.QueryContext(ctx, `SELECT `+deviceColumns+` FROM devices ORDER BY device_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	var out []Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

// FindDevice returns a single device by id, or nil if it does not exist.
func (s *Store) FindDevice(ctx context.Context, id string) (*Device, error) {
	id = normalizeID(id)
	row := s.conn.QueryRowContext(ctx, `SELECT `+deviceColumns+` FROM devices WHERE device_id = ?`, id)
	d, err := scanDevice(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find device %s: %w", id, err)
	}
	return d, nil
}

// --- Alarms ---

const alarmColumns = `id, device_id, name, time_of_day, days, duration_ms, is_active, last_executed, next_execution, execution_count`

func formatDays(days []time.Weekday) string {
	names := make([]string, len(days))
	for i, d := range days {
		names[i] = strconv.Itoa(int(d))
	}
	return strings.Join(names, ",")
}

func parseDays(raw string) []time.Weekday {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	days := make([]time.Weekday, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			continue
		}
		days = append(days, time.Weekday(n))
	}
	sort.Slice(days, func(i, j int) bool { return days[i] < days[j] })
	return days
}

func scanAlarm(scanner interface{ Scan(...any) error }) (*Alarm, error) {
	var a Alarm
	var days string
	var lastExecuted sql.NullString
	var nextExecution string
	var isActive int
	if err := scanner.Scan(&a.ID, &a.DeviceID, &a.Name, &a.TimeOfDay, &days, &a.DurationMS, &isActive, &lastExecuted, &nextExecution, &a.ExecutionCount); err != nil {
		return nil, err
	}
	a.Days = parseDays(days)
	a.IsActive = isActive != 0
	if lastExecuted.Valid {
		t, _ := time.Parse(timeLayout, lastExecuted.String)
		a.LastExecuted = &t
	}
	a.NextExecution, _ = time.Parse(timeLayout, nextExecution)
	return &a, nil
}

// CreateAlarm inserts a new recurring alarm, pre-computing nextExecution
// must already have been done by the caller (the Alarm Engine's
// ComputeNext).
func (s *Store) CreateAlarm(ctx context.Context, deviceID, name, timeOfDay string, days []time.Weekday, durationMS int, nextExecution time.Time) (*Alarm, error) {
	id := uuid.NewString()
	deviceID = normalizeID(deviceID)
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO alarms (id, device_id, name, time_of_day, days, duration_ms, is_active, next_execution)
		VALUES (?, ?, ?, ?, ?, ?, 1, ?)
	`, id, deviceID, name, timeOfDay, formatDays(days), durationMS, nextExecution.UTC().Format(timeLayout))
	if err != nil {
		return nil, fmt.Errorf("create alarm: %w", err)
	}
	return s.FindAlarm(ctx, id)
}

// FindAlarm returns a single alarm by id, or nil if it does not exist.
func (s *Store) FindAlarm(ctx context.Context, id string) (*Alarm, error) {
	row := s.conn.QueryRowContext(ctx, `SELECT `+alarmColumns+` FROM alarms WHERE id = ?`, id)
	a, err := scanAlarm(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find alarm %s: %w", id, err)
	}
	return a, nil
}

// ListAlarms returns every alarm for a device.
func (s *Store) ListAlarms(ctx context.Context, deviceID string) ([]Alarm, error) {
	deviceID = normalizeID(deviceID)
	rows, err := s.conn.QueryContext(ctx, `SELECT `+alarmColumns+` FROM alarms WHERE device_id = ? ORDER BY time_of_day ASC`, deviceID)
	if err != nil {
		return nil, fmt.Errorf("list alarms %s: %w", deviceID, err)
	}
	defer rows.Close()

	var out []Alarm
	for rows.Next() {
		a, err := scanAlarm(rows)
		if err != nil {
			return nil, fmt.Errorf("scan alarm: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// ToggleAlarm flips is_active and returns the updated row.
func (s *Store) ToggleAlarm(ctx context.Context, id string) (*Alarm, error) {
	_, err := s.conn.ExecContext(ctx, `UPDATE alarms SET is_active = 1 - is_active WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("toggle alarm %s: %w", id, err)
	}
	return s.FindAlarm(ctx, id)
}

// DeleteAlarm removes an alarm permanently. Returns false if it did not exist.
func (s *Store) DeleteAlarm(ctx context.Context, id string) (bool, error) {
	res, err := s.conn.ExecContext(ctx, `DELETE FROM alarms WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete alarm %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// FindDueAlarms returns every active alarm whose next_execution <= now, in
// deterministic order (next_execution ascending, then stable by id) — the
// only ordering guarantee the Alarm Engine relies on.
func (s *Store) FindDueAlarms(ctx context.Context, now time.Time) ([]Alarm, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT `+alarmColumns+` FROM alarms
		WHERE is_active = 1 AND next_execution <= ?
		ORDER BY next_execution ASC, id ASC
	`, now.UTC().Format(timeLayout))
	if err != nil {
		return nil, fmt.Errorf("find due alarms: %w", err)
	}
	defer rows.Close()

	var out []Alarm
	for rows.Next() {
		a, err := scanAlarm(rows)
		if err != nil {
			return nil, fmt.Errorf("scan alarm: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// UpdateAlarmAfterFire advances an alarm's schedule after a tick processes
// it. firedAt is nil when the alarm was missed (device offline) — in that
// case last_executed and execution_count are left untouched.
func (s *Store) UpdateAlarmAfterFire(ctx context.Context, id string, firedAt *time.Time, nextExecution time.Time) error {
	if firedAt != nil {
		_, err := s.conn.ExecContext(ctx, `
			UPDATE alarms SET last_executed = ?, next_execution = ?, execution_count = execution_count + 1
			WHERE id = ?
		`, firedAt.UTC().Format(timeLayout), nextExecution.UTC().Format(timeLayout), id)
		if err != nil {
			return fmt.Errorf("update alarm after fire %s: %w", id, err)
		}
		return nil
	}
	_, err := s.conn.ExecContext(ctx, `UPDATE alarms SET next_execution = ? WHERE id = ?`, nextExecution.UTC().Format(timeLayout), id)
	if err != nil {
		return fmt.Errorf("advance alarm %s: %w", id, err)
	}
	return nil
}

// --- One-shot schedules ---

const scheduleColumns = `id, device_id, fire_at, duration_ms, status, retry_count, last_error, executed_at`

func scanSchedule(scanner interface{ Scan(...any) error }) (*Schedule, error) {
	var sc Schedule
	var fireAt string
	var lastError sql.NullString
	var executedAt sql.NullString
	if err := scanner.Scan(&sc.ID, &sc.DeviceID, &fireAt, &sc.DurationMS, &sc.Status, &sc.RetryCount, &lastError, &executedAt); err != nil {
		return nil, err
	}
	sc.FireAt, _ = time.Parse(timeLayout, fireAt)
	sc.LastError = lastError.String
	if executedAt.Valid {
		t, _ := time.Parse(timeLayout, executedAt.String)
		sc.ExecutedAt = &t
	}
	return &sc, nil
}

// CreateSchedule inserts a new one-shot schedule in the pending state.
func (s *Store) CreateSchedule(ctx context.Context, deviceID string, fireAt time.Time, durationMS int) (*Schedule, error) {
	id := uuid.NewString()
	deviceID = normalizeID(deviceID)
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO schedules (id, device_id, fire_at, duration_ms, status)
		VALUES (?, ?, ?, ?, ?)
	`, id, deviceID, fireAt.UTC().Format(timeLayout), durationMS, SchedulePending)
	if err != nil {
		return nil, fmt.Errorf("create schedule: %w", err)
	}
	return s.FindSchedule(ctx, id)
}

// FindSchedule returns a single schedule by id, or nil if it does not exist.
func (s *Store) FindSchedule(ctx context.Context, id string) (*Schedule, error) {
	row := s.conn.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id = ?`, id)
	sc, err := scanSchedule(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find schedule %s: %w", id, err)
	}
	return sc, nil
}

// ListPendingSchedules returns every still-pending schedule for a device.
func (s *Store) ListPendingSchedules(ctx context.Context, deviceID string) ([]Schedule, error) {
	deviceID = normalizeID(deviceID)
	rows, err := s.conn.QueryContext(ctx, `
		SELECT `+scheduleColumns+` FROM schedules WHERE device_id = ? AND status = ? ORDER BY fire_at ASC
	`, deviceID, SchedulePending)
	if err != nil {
		return nil, fmt.Errorf("list pending schedules %s: %w", deviceID, err)
	}
	defer rows.Close()

	var out []Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		out = append(out, *sc)
	}
	return out, rows.Err()
}

// FindDueSchedules returns pending schedules whose fire_at <= now, ordered
// by fire_at ascending. It supplements the named Store operations so the
// Alarm Engine can drive one-shot dispatch the same way it drives alarms.
func (s *Store) FindDueSchedules(ctx context.Context, now time.Time) ([]Schedule, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT `+scheduleColumns+` FROM schedules WHERE status = ? AND fire_at <= ? ORDER BY fire_at ASC, id ASC
	`, SchedulePending, now.UTC().Format(timeLayout))
	if err != nil {
		return nil, fmt.Errorf("find due schedules: %w", err)
	}
	defer rows.Close()

	var out []Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		out = append(out, *sc)
	}
	return out, rows.Err()
}

// MarkSchedule transitions a pending schedule to the given status; rows
// no longer pending are left as they are, so terminal states (executed,
// failed, expired) are never resurrected.
func (s *Store) MarkSchedule(ctx context.Context, id, status string, errMsg string) error {
	now := time.Now().UTC().Format(timeLayout)
	var executedAt any
	if status == ScheduleExecuted || status == ScheduleFailed {
		executedAt = now
	}
	_, err := s.conn.ExecContext(ctx, `
		UPDATE schedules SET status = ?, last_error = ?, executed_at = COALESCE(?, executed_at)
		WHERE id = ? AND status = ?
	`, status, errMsg, executedAt, id, SchedulePending)
	if err != nil {
		return fmt.Errorf("mark schedule %s: %w", id, err)
	}
	return nil
}
