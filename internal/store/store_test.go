package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	st, err := Open(path, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestRegisterOrTouchDevice(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	d, err := st.RegisterOrTouchDevice(ctx, "strwsmk1", "10.0.0.5")
	require.NoError(t, err)
	assert.Equal(t, "STRWSMK1", d.DeviceID)
	assert.Equal(t, DeviceOffline, d.Status)

	d2, err := st.RegisterOrTouchDevice(ctx, "STRWSMK1", "10.0.0.6")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.6", d2.LastAddress)
}

func TestIncrementConnectionCounterMonotonic(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	_, err := st.RegisterOrTouchDevice(ctx, "DEV1", "addr")
	require.NoError(t, err)

	var last int64
	for i := 0; i < 5; i++ {
		counter, err := st.IncrementConnectionCounter(ctx, "DEV1")
		require.NoError(t, err)
		assert.Greater(t, counter, last)
		last = counter
	}
}

func TestSetDeviceStatusPartialUpdate(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	_, err := st.RegisterOrTouchDevice(ctx, "DEV1", "addr")
	require.NoError(t, err)

	online := true
	require.NoError(t, st.SetDeviceStatus(ctx, "DEV1", &online, nil, time.Now()))

	d, err := st.FindDevice(ctx, "DEV1")
	require.NoError(t, err)
	assert.Equal(t, DeviceOnline, d.Status)
	assert.Equal(t, PumpIdle, d.PumpStatus) // untouched field keeps its default
}

func TestFindDueAlarmsOrdering(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	_, err := st.RegisterOrTouchDevice(ctx, "DEV1", "addr")
	require.NoError(t, err)

	now := time.Now()
	a1, err := st.CreateAlarm(ctx, "DEV1", "first", "07:00", []time.Weekday{time.Monday}, 5000, now.Add(-2*time.Minute))
	require.NoError(t, err)
	a2, err := st.CreateAlarm(ctx, "DEV1", "second", "07:05", []time.Weekday{time.Monday}, 5000, now.Add(-time.Minute))
	require.NoError(t, err)

	due, err := st.FindDueAlarms(ctx, now)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, a1.ID, due[0].ID)
	assert.Equal(t, a2.ID, due[1].ID)
}

func TestUpdateAlarmAfterFireMissedLeavesExecutionCount(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	_, err := st.RegisterOrTouchDevice(ctx, "DEV1", "addr")
	require.NoError(t, err)

	now := time.Now()
	a, err := st.CreateAlarm(ctx, "DEV1", "daily", "07:00", []time.Weekday{time.Monday}, 5000, now)
	require.NoError(t, err)

	next := now.AddDate(0, 0, 7)
	require.NoError(t, st.UpdateAlarmAfterFire(ctx, a.ID, nil, next))

	updated, err := st.FindAlarm(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), updated.ExecutionCount)
	assert.Nil(t, updated.LastExecuted)
	assert.WithinDuration(t, next, updated.NextExecution, time.Second)
}

func TestMarkScheduleNoResurrection(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	_, err := st.RegisterOrTouchDevice(ctx, "DEV1", "addr")
	require.NoError(t, err)

	sched, err := st.CreateSchedule(ctx, "DEV1", time.Now().Add(time.Hour), 5000)
	require.NoError(t, err)

	require.NoError(t, st.MarkSchedule(ctx, sched.ID, ScheduleExecuted, ""))

	// A second attempt to mark it must not flip it back to pending or
	// overwrite the terminal state via the WHERE status = pending guard.
	require.NoError(t, st.MarkSchedule(ctx, sched.ID, ScheduleFailed, "retry"))

	final, err := st.FindSchedule(ctx, sched.ID)
	require.NoError(t, err)
	assert.Equal(t, ScheduleExecuted, final.Status)
}

func TestFindDueSchedules(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	_, err := st.RegisterOrTouchDevice(ctx, "DEV1", "addr")
	require.NoError(t, err)

	now := time.Now()
	due, err := st.CreateSchedule(ctx, "DEV1", now.Add(-time.Minute), 5000)
	require.NoError(t, err)
	_, err = st.CreateSchedule(ctx, "DEV1", now.Add(time.Hour), 5000)
	require.NoError(t, err)

	pending, err := st.FindDueSchedules(ctx, now)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, due.ID, pending[0].ID)
}
