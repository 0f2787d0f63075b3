// Package protocol defines the WebSocket envelope and message payloads
// exchanged between devices, dashboards, and the hub on the /ws channel.
package protocol

import (
	"encoding/json"
	"time"
)

// ServerTag identifies this service in every outbound envelope.
const ServerTag = "waterhub"

// Envelope is the wire frame for every message in both directions.
type Envelope struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp string          `json:"timestamp"`
	Server    string          `json:"server,omitempty"`
}

// NewEnvelope marshals payload into data and stamps the current server time.
func NewEnvelope(msgType string, payload any) (*Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		Type:      msgType,
		Data:      data,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Server:    ServerTag,
	}, nil
}

// Encode marshals the envelope to JSON bytes ready to write to a socket.
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Parse unmarshals the envelope's data field into target.
func (e *Envelope) Parse(target any) error {
	return json.Unmarshal(e.Data, target)
}

// Encode is a convenience that builds and serializes an envelope in one step.
func Encode(msgType string, payload any) ([]byte, error) {
	env, err := NewEnvelope(msgType, payload)
	if err != nil {
		return nil, err
	}
	return env.Encode()
}

// Inbound message types (peer -> hub).
const (
	TypeDeviceJoin       = "device_join"
	TypeFrontendJoin     = "frontend_join"
	TypeHeartbeat        = "heartbeat"
	TypePumpStatus       = "pump_status"
	TypeCommandAck       = "command_ack"
	TypeScheduleExecuted = "schedule_executed"
	TypeManualCommand    = "manual_command"
)

// Outbound message types (hub -> peer).
const (
	TypeConnected           = "connected"
	TypeDeviceJoined        = "device_joined"
	TypeHeartbeatAck        = "heartbeat_ack"
	TypeStatusReceived      = "status_received"
	TypeCommandSent         = "command_sent"
	TypeError               = "error"
	TypeDeviceConnected     = "device_connected"
	TypeDeviceDisconnected  = "device_disconnected"
	TypePumpStatusUpdate    = "pump_status_update"
	TypeCommandAcknowledged = "command_acknowledged"
	TypeAlarmExecuted       = "alarm_executed"
	TypeAlarmMissed         = "alarm_missed"
	TypeAlarmFailed         = "alarm_failed"
	TypeScheduleConfirmed   = "schedule_confirmed"
	TypeDeviceSnapshot      = "device_snapshot"
	TypeWaterCommand        = "water_command"
)

// Pump status values as reported by a device.
const (
	PumpRunning = "running"
	PumpIdle    = "idle"
	PumpStopped = "stopped" // normalized to PumpIdle before it is ever broadcast
)

// DeviceJoinPayload is sent by a device to bind its session.
type DeviceJoinPayload struct {
	DeviceID string `json:"deviceId"`
}

// HeartbeatPayload is sent periodically by a device.
type HeartbeatPayload struct {
	DeviceID string `json:"deviceId"`
	Uptime   int64  `json:"uptime,omitempty"`
	FreeHeap int64  `json:"freeHeap,omitempty"`
	RSSI     int    `json:"rssi,omitempty"`
}

// HeartbeatAckPayload echoes the device's own metrics back with server time.
type HeartbeatAckPayload struct {
	ServerTime string `json:"serverTime"`
	Uptime     int64  `json:"uptime,omitempty"`
	FreeHeap   int64  `json:"freeHeap,omitempty"`
	RSSI       int    `json:"rssi,omitempty"`
}

// PumpStatusPayload is sent by a device reporting a pump state change.
type PumpStatusPayload struct {
	DeviceID string `json:"deviceId"`
	Status   string `json:"status"`
}

// PumpStatusUpdatePayload is fanned out to dashboards after normalization.
type PumpStatusUpdatePayload struct {
	DeviceID string `json:"deviceId"`
	Status   string `json:"status"`
}

// CommandAckPayload is sent by a device acknowledging a command.
type CommandAckPayload struct {
	DeviceID  string `json:"deviceId"`
	CommandID string `json:"commandId"`
	Status    string `json:"status"`
}

// ScheduleExecutedPayload is sent by a device after running a scheduled or
// alarm-driven watering command. Either ScheduleID or AlarmID may be set.
type ScheduleExecutedPayload struct {
	DeviceID   string `json:"deviceId"`
	ScheduleID string `json:"scheduleId,omitempty"`
	AlarmID    string `json:"alarmId,omitempty"`
}

// ManualCommandPayload is sent by a dashboard to request a device action.
type ManualCommandPayload struct {
	DeviceID string `json:"deviceId"`
	Action   string `json:"action"`
	Duration int    `json:"duration,omitempty"`
}

// WaterCommandPayload is the envelope sent to a device to start or stop
// watering, whether issued manually, by an alarm, or by a one-shot schedule.
type WaterCommandPayload struct {
	Action    string `json:"action"`
	Duration  int    `json:"duration,omitempty"`
	CommandID string `json:"commandId"`
	AlarmID   string `json:"alarmId,omitempty"`
	AlarmName string `json:"alarmName,omitempty"`
}

// ErrorPayload is returned for validation and protocol failures.
type ErrorPayload struct {
	Message   string   `json:"message"`
	Supported []string `json:"supportedTypes,omitempty"`
}

// ConnectedPayload greets a newly opened socket.
type ConnectedPayload struct {
	ServerVersion string `json:"serverVersion"`
	YourAddress   string `json:"yourAddress"`
}

// DeviceJoinedPayload confirms a device's join.
type DeviceJoinedPayload struct {
	Status         string `json:"status"`
	ReconnectCount int    `json:"reconnectCount"`
}

// DeviceConnectedPayload is broadcast to dashboards when a device joins.
type DeviceConnectedPayload struct {
	DeviceID string `json:"deviceId"`
	Status   string `json:"status"`
}

// DeviceDisconnectedPayload is broadcast to dashboards when a device drops.
type DeviceDisconnectedPayload struct {
	DeviceID string `json:"deviceId"`
	Reason   string `json:"reason"`
}

// CommandAcknowledgedPayload is broadcast when a device acks a command.
type CommandAcknowledgedPayload struct {
	DeviceID  string `json:"deviceId"`
	CommandID string `json:"commandId"`
	Status    string `json:"status"`
}

// AlarmFiredPayload backs alarm_executed / alarm_missed / alarm_failed.
type AlarmFiredPayload struct {
	AlarmID       string `json:"alarmId"`
	DeviceID      string `json:"deviceId"`
	Reason        string `json:"reason,omitempty"`
	NextExecution string `json:"nextExecution,omitempty"`
}

// ScheduleConfirmedPayload is broadcast when a one-shot schedule settles.
type ScheduleConfirmedPayload struct {
	ScheduleID string `json:"scheduleId"`
	DeviceID   string `json:"deviceId"`
	Status     string `json:"status"`
}
