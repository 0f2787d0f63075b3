package alarm

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/watering-systems/waterhub/internal/router"
	"github.com/watering-systems/waterhub/internal/session"
	"github.com/watering-systems/waterhub/internal/store"
)

type fakeTransport struct {
	fail bool
}

func (f *fakeTransport) SafeSend([]byte) bool { return !f.fail }
func (f *fakeTransport) Close(int, string)    {}
func (f *fakeTransport) RemoteAddr() string   { return "test" }

func newTestEngine(t *testing.T) (*Engine, *store.Store, *session.Hub) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	st, err := store.Open(path, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	hub := session.New(zerolog.Nop(), st)
	rt := router.New(zerolog.Nop(), hub, st)
	return New(zerolog.Nop(), st, rt), st, hub
}

func TestComputeNextAlwaysWithinEightDays(t *testing.T) {
	now := time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC) // a Wednesday
	days := []time.Weekday{time.Wednesday}

	next := ComputeNext("07:00", days, now)

	assert.True(t, next.After(now))
	assert.True(t, next.Before(now.AddDate(0, 0, 8)))
	assert.Equal(t, time.Wednesday, next.Weekday())
}

func TestComputeNextSkipsTodayWhenTimeHasPassed(t *testing.T) {
	now := time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC) // Wednesday noon
	days := []time.Weekday{time.Wednesday}

	next := ComputeNext("07:00", days, now) // 7am already passed today

	assert.Equal(t, now.Day()+7, next.Day())
	assert.True(t, next.After(now))
}

func TestComputeNextUsesTodayWhenTimeStillAhead(t *testing.T) {
	now := time.Date(2026, 3, 4, 6, 0, 0, 0, time.UTC) // Wednesday 6am
	days := []time.Weekday{time.Wednesday}

	next := ComputeNext("07:00", days, now)

	assert.Equal(t, now.Day(), next.Day())
	assert.Equal(t, 7, next.Hour())
}

func TestTickFiresAlarmWhenDeviceOnline(t *testing.T) {
	e, st, hub := newTestEngine(t)
	ctx := context.Background()

	_, err := hub.AdmitDevice(ctx, &fakeTransport{}, "DEV1")
	require.NoError(t, err)

	now := time.Now()
	a, err := st.CreateAlarm(ctx, "DEV1", "morning", "07:00", []time.Weekday{now.Weekday()}, 5000, now.Add(-time.Minute))
	require.NoError(t, err)

	e.Tick(ctx, now)

	updated, err := st.FindAlarm(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), updated.ExecutionCount)
	require.NotNil(t, updated.LastExecuted)
	assert.True(t, updated.NextExecution.After(now))
}

func TestTickMarksAlarmMissedWhenDeviceOffline(t *testing.T) {
	e, st, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := st.RegisterOrTouchDevice(ctx, "DEV1", "addr")
	require.NoError(t, err)

	now := time.Now()
	a, err := st.CreateAlarm(ctx, "DEV1", "morning", "07:00", []time.Weekday{now.Weekday()}, 5000, now.Add(-time.Minute))
	require.NoError(t, err)

	e.Tick(ctx, now)

	updated, err := st.FindAlarm(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), updated.ExecutionCount)
	assert.Nil(t, updated.LastExecuted)
	assert.True(t, updated.NextExecution.After(now))
}

func TestTickMarksAlarmFailedWhenDispatchFails(t *testing.T) {
	e, st, hub := newTestEngine(t)
	ctx := context.Background()

	_, err := hub.AdmitDevice(ctx, &fakeTransport{fail: true}, "DEV1")
	require.NoError(t, err)

	now := time.Now()
	a, err := st.CreateAlarm(ctx, "DEV1", "morning", "07:00", []time.Weekday{now.Weekday()}, 5000, now.Add(-time.Minute))
	require.NoError(t, err)

	e.Tick(ctx, now)

	updated, err := st.FindAlarm(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), updated.ExecutionCount)
	assert.Nil(t, updated.LastExecuted)
}

func TestTickExecutesScheduleWithinWindow(t *testing.T) {
	e, st, hub := newTestEngine(t)
	ctx := context.Background()

	_, err := hub.AdmitDevice(ctx, &fakeTransport{}, "DEV1")
	require.NoError(t, err)

	now := time.Now()
	s, err := st.CreateSchedule(ctx, "DEV1", now.Add(-time.Minute), 5000)
	require.NoError(t, err)

	e.Tick(ctx, now)

	final, err := st.FindSchedule(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ScheduleExecuted, final.Status)
}

func TestTickExpiresStaleSchedule(t *testing.T) {
	e, st, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := st.RegisterOrTouchDevice(ctx, "DEV1", "addr")
	require.NoError(t, err)

	now := time.Now()
	s, err := st.CreateSchedule(ctx, "DEV1", now.Add(-10*time.Minute), 5000)
	require.NoError(t, err)

	e.Tick(ctx, now)

	final, err := st.FindSchedule(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ScheduleExpired, final.Status)
}

func TestTickMarksScheduleFailedWhenDeviceNotConnected(t *testing.T) {
	e, st, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := st.RegisterOrTouchDevice(ctx, "DEV1", "addr")
	require.NoError(t, err)

	now := time.Now()
	s, err := st.CreateSchedule(ctx, "DEV1", now.Add(-time.Minute), 5000)
	require.NoError(t, err)

	e.Tick(ctx, now)

	final, err := st.FindSchedule(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ScheduleFailed, final.Status)
}
