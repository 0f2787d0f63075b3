package api

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"

	"github.com/watering-systems/waterhub/internal/protocol"
	"github.com/watering-systems/waterhub/internal/router"
	"github.com/watering-systems/waterhub/internal/session"
	"github.com/watering-systems/waterhub/internal/store"
)

// connState is the per-session state machine the Protocol Handler drives.
type connState int

const (
	stateUnbound connState = iota
	stateDevice
	stateDashboard
)

// connection is one instance of the Protocol Handler, bound to exactly one
// live transport. Its state is mutated only from the read loop in serve,
// which processes inbound frames serially, so no lock is needed here — the
// Session Hub's lock guards the shared registry, not this struct.
type connection struct {
	server *Server
	tr     *wsTransport
	state  connState
	deviceID string
	session  *session.Session
}

// handlerFunc processes one decoded inbound envelope for a connection.
type handlerFunc func(ctx context.Context, c *connection, data json.RawMessage) error

var dispatchTable = map[string]handlerFunc{
	protocol.TypeDeviceJoin:       handleDeviceJoin,
	protocol.TypeFrontendJoin:     handleFrontendJoin,
	protocol.TypeHeartbeat:        handleHeartbeat,
	protocol.TypePumpStatus:       handlePumpStatus,
	protocol.TypeCommandAck:       handleCommandAck,
	protocol.TypeScheduleExecuted: handleScheduleExecuted,
	protocol.TypeManualCommand:    handleManualCommand,
}

func supportedTypes() []string {
	out := make([]string, 0, len(dispatchTable))
	for t := range dispatchTable {
		out = append(out, t)
	}
	return out
}

// serve runs the full lifetime of one websocket connection: hello, read
// loop, and teardown. The read loop runs on the calling goroutine;
// writePump runs in its own goroutine started here.
func (s *Server) serve(ctx context.Context, conn *websocket.Conn) {
	tr := newWSTransport(conn)
	c := &connection{server: s, tr: tr, state: stateUnbound}

	go tr.writePump()

	hello, _ := protocol.Encode(protocol.TypeConnected, protocol.ConnectedPayload{
		ServerVersion: serverVersion,
		YourAddress:   tr.addr,
	})
	tr.SafeSend(hello)

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		if c.session != nil {
			s.hub.Touch(c.session, time.Now())
		}
		return nil
	})

	defer c.teardown(ctx, "closed")

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		if c.session != nil {
			s.hub.Touch(c.session, time.Now())
		}

		c.handleFrame(ctx, data)
	}
}

// handleFrame decodes one inbound frame and dispatches it. A parse failure
// or an unknown type produces an error frame; the session stays open.
func (c *connection) handleFrame(ctx context.Context, raw []byte) {
	var env protocol.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		c.sendError("invalid frame", nil)
		return
	}

	handler, ok := dispatchTable[env.Type]
	if !ok {
		c.sendError("unsupported message type", supportedTypes())
		return
	}

	if err := handler(ctx, c, env.Data); err != nil {
		c.sendError(err.Error(), nil)
	}
}

func (c *connection) sendError(message string, supported []string) {
	data, err := protocol.Encode(protocol.TypeError, protocol.ErrorPayload{Message: message, Supported: supported})
	if err != nil {
		return
	}
	c.tr.SafeSend(data)
}

func (c *connection) send(msgType string, payload any) {
	data, err := protocol.Encode(msgType, payload)
	if err != nil {
		return
	}
	c.tr.SafeSend(data)
}

// teardown runs once when the read loop exits for any reason. It drops the
// session from the Hub (if one was bound) and lets writePump close the
// transport once its channel drains.
func (c *connection) teardown(ctx context.Context, reason string) {
	if c.session != nil {
		c.server.hub.Drop(ctx, c.session, reason)
	}
	c.tr.Close(websocket.CloseNormalClosure, reason)
}

func handleDeviceJoin(ctx context.Context, c *connection, data json.RawMessage) error {
	if c.state == stateDashboard {
		return errWrongState()
	}
	var p protocol.DeviceJoinPayload
	if err := json.Unmarshal(data, &p); err != nil || p.DeviceID == "" {
		return errMissingField("deviceId")
	}

	result, err := c.server.hub.AdmitDevice(ctx, c.tr, p.DeviceID)
	if err != nil {
		return errInternal()
	}

	c.state = stateDevice
	c.deviceID = p.DeviceID
	c.session = result.Session

	c.send(protocol.TypeDeviceJoined, protocol.DeviceJoinedPayload{
		Status:         "success",
		ReconnectCount: result.ReconnectCount,
	})
	return nil
}

func handleFrontendJoin(ctx context.Context, c *connection, _ json.RawMessage) error {
	if c.state == stateDashboard {
		// Dashboards cannot rebind; a second frontend_join is ignored.
		return nil
	}
	if c.state == stateDevice {
		return errWrongState()
	}

	sess, err := c.server.hub.AdmitDashboard(ctx, c.tr)
	if err != nil {
		return errInternal()
	}
	c.state = stateDashboard
	c.session = sess
	return nil
}

func handleHeartbeat(ctx context.Context, c *connection, data json.RawMessage) error {
	if c.state != stateDevice {
		return errWrongState()
	}
	var p protocol.HeartbeatPayload
	if err := json.Unmarshal(data, &p); err != nil || p.DeviceID == "" {
		return errMissingField("deviceId")
	}

	now := time.Now()
	if err := c.server.store.TouchHeartbeat(ctx, c.deviceID, now); err != nil {
		c.server.log.Error().Err(err).Str("device", c.deviceID).Msg("touch heartbeat")
	}

	c.send(protocol.TypeHeartbeatAck, protocol.HeartbeatAckPayload{
		ServerTime: now.UTC().Format(time.RFC3339),
		Uptime:     p.Uptime,
		FreeHeap:   p.FreeHeap,
		RSSI:       p.RSSI,
	})
	return nil
}

func handlePumpStatus(ctx context.Context, c *connection, data json.RawMessage) error {
	if c.state != stateDevice {
		return errWrongState()
	}
	var p protocol.PumpStatusPayload
	if err := json.Unmarshal(data, &p); err != nil || p.DeviceID == "" || p.Status == "" {
		return errMissingField("deviceId, status")
	}

	normalized := p.Status
	if normalized == protocol.PumpStopped {
		normalized = protocol.PumpIdle
	}

	if err := c.server.store.SetDeviceStatus(ctx, c.deviceID, nil, &normalized, time.Now()); err != nil {
		c.server.log.Error().Err(err).Str("device", c.deviceID).Msg("persist pump status")
	}

	c.server.router.BroadcastToDashboards(protocol.TypePumpStatusUpdate, protocol.PumpStatusUpdatePayload{
		DeviceID: c.deviceID,
		Status:   normalized,
	})

	c.send(protocol.TypeStatusReceived, protocol.PumpStatusUpdatePayload{DeviceID: c.deviceID, Status: normalized})
	return nil
}

func handleCommandAck(ctx context.Context, c *connection, data json.RawMessage) error {
	if c.state != stateDevice {
		return errWrongState()
	}
	var p protocol.CommandAckPayload
	if err := json.Unmarshal(data, &p); err != nil || p.DeviceID == "" || p.CommandID == "" {
		return errMissingField("deviceId, commandId")
	}

	c.server.router.BroadcastToDashboards(protocol.TypeCommandAcknowledged, protocol.CommandAcknowledgedPayload{
		DeviceID:  p.DeviceID,
		CommandID: p.CommandID,
		Status:    p.Status,
	})
	return nil
}

func handleScheduleExecuted(ctx context.Context, c *connection, data json.RawMessage) error {
	if c.state != stateDevice {
		return errWrongState()
	}
	var p protocol.ScheduleExecutedPayload
	if err := json.Unmarshal(data, &p); err != nil || p.DeviceID == "" {
		return errMissingField("deviceId")
	}
	if p.ScheduleID == "" && p.AlarmID == "" {
		return errMissingField("scheduleId or alarmId")
	}

	if p.ScheduleID != "" {
		sched, err := c.server.store.FindSchedule(ctx, p.ScheduleID)
		if err != nil {
			c.server.log.Error().Err(err).Str("schedule", p.ScheduleID).Msg("lookup schedule")
			return nil
		}
		status := store.ScheduleExecuted
		if sched != nil {
			status = sched.Status
		}
		c.server.router.BroadcastToDashboards(protocol.TypeScheduleConfirmed, protocol.ScheduleConfirmedPayload{
			ScheduleID: p.ScheduleID,
			DeviceID:   p.DeviceID,
			Status:     status,
		})
		return nil
	}

	// Recurring alarms are not mutated on this message — the Alarm Engine
	// already advanced next_execution when it dispatched the command. This
	// is purely a device-originated confirmation fanned out for visibility.
	c.server.router.BroadcastToDashboards(protocol.TypeAlarmExecuted, protocol.AlarmFiredPayload{
		AlarmID:  p.AlarmID,
		DeviceID: p.DeviceID,
	})
	return nil
}

func handleManualCommand(ctx context.Context, c *connection, data json.RawMessage) error {
	if c.state != stateDashboard {
		return errWrongState()
	}
	var p protocol.ManualCommandPayload
	if err := json.Unmarshal(data, &p); err != nil || p.DeviceID == "" || p.Action == "" {
		return errMissingField("deviceId, action")
	}

	cmd, outcome, err := c.server.router.IssueWaterCommand(ctx, p.DeviceID, p.Action, p.Duration)
	if err != nil {
		return errInternal()
	}
	if outcome != router.OutcomeSuccess {
		return errPrecondition(string(outcome))
	}

	c.send(protocol.TypeCommandSent, protocol.CommandAcknowledgedPayload{
		DeviceID:  p.DeviceID,
		CommandID: cmd.CommandID,
		Status:    "sent",
	})
	return nil
}
