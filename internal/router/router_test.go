package router

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/watering-systems/waterhub/internal/session"
	"github.com/watering-systems/waterhub/internal/store"
)

type fakeTransport struct {
	sends [][]byte
	fail  bool
}

func (f *fakeTransport) SafeSend(data []byte) bool {
	if f.fail {
		return false
	}
	f.sends = append(f.sends, data)
	return true
}
func (f *fakeTransport) Close(int, string) {}
func (f *fakeTransport) RemoteAddr() string { return "test" }

func newTestRouter(t *testing.T) (*Router, *session.Hub, *store.Store) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	st, err := store.Open(path, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	hub := session.New(zerolog.Nop(), st)
	return New(zerolog.Nop(), hub, st), hub, st
}

func TestIssueWaterCommandDeviceNotFound(t *testing.T) {
	rt, _, _ := newTestRouter(t)
	cmd, outcome, err := rt.IssueWaterCommand(context.Background(), "UNKNOWN", ActionWater, 5000)
	require.NoError(t, err)
	assert.Nil(t, cmd)
	assert.Equal(t, OutcomeDeviceNotFound, outcome)
}

func TestIssueWaterCommandDeviceOffline(t *testing.T) {
	rt, _, st := newTestRouter(t)
	ctx := context.Background()
	_, err := st.RegisterOrTouchDevice(ctx, "DEV1", "addr")
	require.NoError(t, err)

	_, outcome, err := rt.IssueWaterCommand(ctx, "DEV1", ActionWater, 5000)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDeviceOffline, outcome)
}

func TestIssueWaterCommandNotConnected(t *testing.T) {
	rt, _, st := newTestRouter(t)
	ctx := context.Background()
	_, err := st.RegisterOrTouchDevice(ctx, "DEV1", "addr")
	require.NoError(t, err)
	online := true
	require.NoError(t, st.SetDeviceStatus(ctx, "DEV1", &online, nil, time.Now()))

	_, outcome, err := rt.IssueWaterCommand(ctx, "DEV1", ActionWater, 5000)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNotConnected, outcome)
}

func TestIssueWaterCommandSuccessGeneratesUniqueCommandIDs(t *testing.T) {
	rt, hub, st := newTestRouter(t)
	ctx := context.Background()
	tr := &fakeTransport{}
	_, err := hub.AdmitDevice(ctx, tr, "DEV1")
	require.NoError(t, err)
	_ = st

	cmd1, outcome, err := rt.IssueWaterCommand(ctx, "DEV1", ActionWater, 5000)
	require.NoError(t, err)
	require.Equal(t, OutcomeSuccess, outcome)

	cmd2, outcome, err := rt.IssueWaterCommand(ctx, "DEV1", ActionWater, 5000)
	require.NoError(t, err)
	require.Equal(t, OutcomeSuccess, outcome)

	assert.NotEqual(t, cmd1.CommandID, cmd2.CommandID)
	assert.Contains(t, cmd1.CommandID, "cmd_")
}

func TestBroadcastToDashboardsCountsSuccesses(t *testing.T) {
	rt, hub, _ := newTestRouter(t)
	ctx := context.Background()
	ok := &fakeTransport{}
	failing := &fakeTransport{fail: true}
	_, err := hub.AdmitDashboard(ctx, ok)
	require.NoError(t, err)
	_, err = hub.AdmitDashboard(ctx, failing)
	require.NoError(t, err)

	sent := rt.BroadcastToDashboards("pump_status_update", map[string]string{"deviceId": "DEV1"})
	assert.Equal(t, 1, sent)
}
