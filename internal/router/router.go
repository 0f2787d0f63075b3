// Package router is the Command Router: it translates REST and
// dashboard-originated messages into addressed device commands, and fans
// device telemetry out to dashboards. It holds no state of its own.
package router

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/watering-systems/waterhub/internal/protocol"
	"github.com/watering-systems/waterhub/internal/session"
	"github.com/watering-systems/waterhub/internal/store"
)

// Outcome is the result of issuing a water command.
type Outcome string

const (
	OutcomeSuccess        Outcome = "success"
	OutcomeDeviceNotFound Outcome = "device_not_found"
	OutcomeDeviceOffline  Outcome = "device_offline"
	OutcomeNotConnected   Outcome = "not_connected"
	OutcomeInternal       Outcome = "internal"
)

// Action values accepted by issue_water_command.
const (
	ActionWater = "water"
	ActionStop  = "stop"
)

// Command describes a dispatched water command, returned to REST callers.
type Command struct {
	CommandID string
	Action    string
	Duration  int
}

// commandSeq guarantees commandId uniqueness per process even when two
// commands are issued within the same nanosecond.
var commandSeq atomic.Uint64

func nextCommandID() string {
	return fmt.Sprintf("cmd_%d_%d", time.Now().UnixNano(), commandSeq.Add(1))
}

// Router is the Command Router. It is stateless beyond its references to
// the Hub (for session lookup) and the Store (for device preconditions).
type Router struct {
	log   zerolog.Logger
	hub   *session.Hub
	store *store.Store
}

// New constructs a Router.
func New(log zerolog.Logger, hub *session.Hub, st *store.Store) *Router {
	return &Router{log: log.With().Str("component", "router").Logger(), hub: hub, store: st}
}

// SendToDevice writes an encoded message to a device's live session.
// Returns true only if a session exists and the write did not immediately
// fail; there is no queueing on miss.
func (r *Router) SendToDevice(deviceID, msgType string, payload any) bool {
	sess, ok := r.hub.Lookup(deviceID)
	if !ok {
		return false
	}
	data, err := protocol.Encode(msgType, payload)
	if err != nil {
		r.log.Error().Err(err).Str("device", deviceID).Str("type", msgType).Msg("encode message")
		return false
	}
	return sess.Transport.SafeSend(data)
}

// BroadcastToDashboards fans a message out to every connected dashboard,
// best-effort. Returns the number of sessions the send succeeded for.
func (r *Router) BroadcastToDashboards(msgType string, payload any) int {
	data, err := protocol.Encode(msgType, payload)
	if err != nil {
		r.log.Error().Err(err).Str("type", msgType).Msg("encode broadcast")
		return 0
	}
	sent := r.hub.BroadcastRaw(data)
	r.log.Debug().Str("type", msgType).Int("sent", sent).Msg("broadcast to dashboards")
	return sent
}

// IssueWaterCommand validates preconditions against the Store, builds a
// command envelope with a process-unique commandId, and dispatches it to
// the device's live session.
func (r *Router) IssueWaterCommand(ctx context.Context, deviceID, action string, durationMS int) (*Command, Outcome, error) {
	device, err := r.store.FindDevice(ctx, deviceID)
	if err != nil {
		return nil, OutcomeInternal, err
	}
	if device == nil {
		return nil, OutcomeDeviceNotFound, nil
	}
	if device.Status != store.DeviceOnline {
		return nil, OutcomeDeviceOffline, nil
	}

	cmd := &Command{CommandID: nextCommandID(), Action: action, Duration: durationMS}

	sent := r.SendToDevice(deviceID, protocol.TypeWaterCommand, protocol.WaterCommandPayload{
		Action:    action,
		Duration:  durationMS,
		CommandID: cmd.CommandID,
	})
	if !sent {
		return nil, OutcomeNotConnected, nil
	}

	r.log.Info().Str("device", deviceID).Str("action", action).Str("command_id", cmd.CommandID).Msg("water command issued")
	return cmd, OutcomeSuccess, nil
}

// FireAlarm dispatches a recurring alarm's water command, including alarm
// identity in the payload so the device and dashboards can correlate it.
func (r *Router) FireAlarm(deviceID, alarmID, alarmName string, durationMS int) bool {
	return r.SendToDevice(deviceID, protocol.TypeWaterCommand, protocol.WaterCommandPayload{
		Action:    ActionWater,
		Duration:  durationMS,
		CommandID: nextCommandID(),
		AlarmID:   alarmID,
		AlarmName: alarmName,
	})
}

// FireSchedule dispatches a one-shot schedule's water command.
func (r *Router) FireSchedule(deviceID string, durationMS int) bool {
	return r.SendToDevice(deviceID, protocol.TypeWaterCommand, protocol.WaterCommandPayload{
		Action:    ActionWater,
		Duration:  durationMS,
		CommandID: nextCommandID(),
	})
}
