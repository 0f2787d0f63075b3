// Package session is the Session Hub: the authoritative, in-memory registry
// of currently connected devices and dashboards. It owns admission,
// tracking, and eviction of live peer sessions; it never touches the wire
// itself — that is the Protocol Handler's job — and it never blocks a Store
// call or a broadcast while holding its lock.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/watering-systems/waterhub/internal/protocol"
	"github.com/watering-systems/waterhub/internal/store"
)

// Close codes in the RFC 6455 private-use range, sent to a transport being
// proactively evicted by the Hub rather than closing on its own.
const (
	CloseSuperseded = 4000
	CloseStale      = 4001
)

// Role distinguishes the two peer kinds the Hub tracks.
type Role string

const (
	RoleDevice    Role = "device"
	RoleDashboard Role = "dashboard"
)

// Transport is the minimum surface the Hub needs from a live connection. The
// Protocol Handler supplies the real websocket-backed implementation; tests
// substitute an in-memory fake, which is the entire point of treating the
// Hub as an explicit component behind an interface rather than a global map.
type Transport interface {
	// SafeSend enqueues data for the peer. It must never panic or block
	// indefinitely; it returns false if the session is already closed or
	// its outbound buffer is full.
	SafeSend(data []byte) bool
	// Close closes the transport with a protocol close code and reason.
	Close(code int, reason string)
	// RemoteAddr is the client address observed at connection time.
	RemoteAddr() string
}

// Session is a live transport binding for exactly one peer. It is
// exclusively owned by the Hub; all mutation happens under the Hub's lock.
type Session struct {
	Role           Role
	Transport      Transport
	DeviceID       string // bound device id; only meaningful for RoleDevice
	Addr           string
	JoinedAt       time.Time
	LastSeen       time.Time
	ReconnectCount int
}

// Stats is the process-wide counter struct the Hub maintains.
type Stats struct {
	TotalEver       int64
	Active          int64
	DeviceActive    int64
	DashboardActive int64
	StartTime       time.Time
}

// AdmitResult is returned by AdmitDevice.
type AdmitResult struct {
	Session        *Session
	ReconnectCount int
	Evicted        *Session // non-nil if a prior session for the same device was superseded
}

// Hub is the Session Hub component.
type Hub struct {
	log   zerolog.Logger
	store *store.Store

	mu         sync.RWMutex
	devices    map[string]*Session
	dashboards map[*Session]struct{}
	stats      Stats
}

// New constructs a Hub backed by store for the Device-row side effects that
// admit/drop produce.
func New(log zerolog.Logger, st *store.Store) *Hub {
	return &Hub{
		log:        log.With().Str("component", "hub").Logger(),
		store:      st,
		devices:    make(map[string]*Session),
		dashboards: make(map[*Session]struct{}),
		stats:      Stats{StartTime: time.Now()},
	}
}

// AdmitDevice binds tr as the live session for deviceID. If another session
// is already bound to the same device id, it is evicted (closed with
// CloseSuperseded) and replaced; the new session's reconnect count is the
// old one's plus one. The device's connection_counter is incremented and
// the device is marked online in the Store, then a device_connected
// broadcast fans out to all dashboards — all outside the Hub's lock.
func (h *Hub) AdmitDevice(ctx context.Context, tr Transport, deviceID string) (*AdmitResult, error) {
	now := time.Now()
	sess := &Session{
		Role:      RoleDevice,
		Transport: tr,
		DeviceID:  deviceID,
		Addr:      tr.RemoteAddr(),
		JoinedAt:  now,
		LastSeen:  now,
	}

	h.mu.Lock()
	var evicted *Session
	if existing, ok := h.devices[deviceID]; ok && existing.Transport != tr {
		evicted = existing
		sess.ReconnectCount = existing.ReconnectCount + 1
	}
	h.devices[deviceID] = sess
	h.stats.TotalEver++
	if evicted == nil {
		h.stats.Active++
		h.stats.DeviceActive++
	}
	h.mu.Unlock()

	if evicted != nil {
		evicted.Transport.Close(CloseSuperseded, "superseded")
	}

	if _, err := h.store.RegisterOrTouchDevice(ctx, deviceID, sess.Addr); err != nil {
		h.log.Error().Err(err).Str("device", deviceID).Msg("register device")
		return nil, err
	}
	if _, err := h.store.IncrementConnectionCounter(ctx, deviceID); err != nil {
		h.log.Error().Err(err).Str("device", deviceID).Msg("increment connection counter")
		return nil, err
	}
	online := true
	idle := store.PumpIdle
	if err := h.store.SetDeviceStatus(ctx, deviceID, &online, &idle, now); err != nil {
		h.log.Error().Err(err).Str("device", deviceID).Msg("mark device online")
		return nil, err
	}

	h.broadcast(protocol.TypeDeviceConnected, protocol.DeviceConnectedPayload{
		DeviceID: deviceID,
		Status:   store.DeviceOnline,
	})

	h.log.Info().Str("device", deviceID).Int("reconnect_count", sess.ReconnectCount).Msg("device admitted")

	return &AdmitResult{Session: sess, ReconnectCount: sess.ReconnectCount, Evicted: evicted}, nil
}

// AdmitDashboard registers tr as a dashboard session and sends it a one-shot
// snapshot of the current device table.
func (h *Hub) AdmitDashboard(ctx context.Context, tr Transport) (*Session, error) {
	now := time.Now()
	sess := &Session{
		Role:      RoleDashboard,
		Transport: tr,
		Addr:      tr.RemoteAddr(),
		JoinedAt:  now,
		LastSeen:  now,
	}

	h.mu.Lock()
	h.dashboards[sess] = struct{}{}
	h.stats.TotalEver++
	h.stats.Active++
	h.stats.DashboardActive++
	h.mu.Unlock()

	devices, err := h.store.ListDevices(ctx)
	if err != nil {
		h.log.Error().Err(err).Msg("list devices for snapshot")
		return sess, err
	}

	data, err := protocol.Encode(protocol.TypeDeviceSnapshot, snapshotPayload(devices))
	if err != nil {
		return sess, err
	}
	tr.SafeSend(data)

	return sess, nil
}

// Drop removes a session from the Hub. For a device session it marks the
// Device row offline/idle in the Store and fans out device_disconnected.
// It does not close the transport — the caller (the connection's own
// teardown, or Sweep) is responsible for that.
func (h *Hub) Drop(ctx context.Context, sess *Session, reason string) {
	h.mu.Lock()
	var wasDevice, wasDashboard bool
	if sess.Role == RoleDevice {
		if current, ok := h.devices[sess.DeviceID]; ok && current == sess {
			delete(h.devices, sess.DeviceID)
			wasDevice = true
		}
	} else {
		if _, ok := h.dashboards[sess]; ok {
			delete(h.dashboards, sess)
			wasDashboard = true
		}
	}
	if wasDevice || wasDashboard {
		h.stats.Active--
		if wasDevice {
			h.stats.DeviceActive--
		} else {
			h.stats.DashboardActive--
		}
	}
	h.mu.Unlock()

	if !wasDevice {
		return
	}

	offline := false
	idle := store.PumpIdle
	if err := h.store.SetDeviceStatus(ctx, sess.DeviceID, &offline, &idle, time.Now()); err != nil {
		h.log.Error().Err(err).Str("device", sess.DeviceID).Msg("mark device offline")
	}

	h.broadcast(protocol.TypeDeviceDisconnected, protocol.DeviceDisconnectedPayload{
		DeviceID: sess.DeviceID,
		Reason:   reason,
	})

	h.log.Info().Str("device", sess.DeviceID).Str("reason", reason).Msg("device dropped")
}

// Touch updates a session's last-seen time. Called on every inbound frame
// and on heartbeat.
func (h *Hub) Touch(sess *Session, at time.Time) {
	h.mu.Lock()
	sess.LastSeen = at
	h.mu.Unlock()
}

// Sweep evicts every device session whose last-seen time is older than
// threshold, marking the device offline and closing its transport with
// CloseStale. Returns the device ids that were swept, for logging.
func (h *Hub) Sweep(ctx context.Context, now time.Time, threshold time.Duration) []string {
	h.mu.RLock()
	var stale []*Session
	for _, sess := range h.devices {
		if now.Sub(sess.LastSeen) > threshold {
			stale = append(stale, sess)
		}
	}
	h.mu.RUnlock()

	swept := make([]string, 0, len(stale))
	for _, sess := range stale {
		h.Drop(ctx, sess, "stale")
		sess.Transport.Close(CloseStale, "stale")
		swept = append(swept, sess.DeviceID)
	}
	return swept
}

// Lookup returns the live session bound to deviceID, if any.
func (h *Hub) Lookup(deviceID string) (*Session, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	sess, ok := h.devices[deviceID]
	return sess, ok
}

// Dashboards returns a snapshot of currently connected dashboard sessions.
// The returned slice may be stale by the time the caller uses it; that is
// expected and matches the consistent-read-view contract in the spec.
func (h *Hub) Dashboards() []*Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Session, 0, len(h.dashboards))
	for d := range h.dashboards {
		out = append(out, d)
	}
	return out
}

// BroadcastRaw fans pre-encoded bytes out to every connected dashboard,
// best-effort. Returns the number of sessions the send succeeded for.
func (h *Hub) BroadcastRaw(data []byte) int {
	sent := 0
	for _, d := range h.Dashboards() {
		if d.Transport.SafeSend(data) {
			sent++
		}
	}
	return sent
}

func (h *Hub) broadcast(msgType string, payload any) {
	data, err := protocol.Encode(msgType, payload)
	if err != nil {
		h.log.Error().Err(err).Str("type", msgType).Msg("encode broadcast")
		return
	}
	h.BroadcastRaw(data)
}

// Stats returns a snapshot of the process-wide counters.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.stats
}

// DeviceSessionSnapshot describes a live device session for debug endpoints.
type DeviceSessionSnapshot struct {
	DeviceID       string
	Addr           string
	JoinedAt       time.Time
	LastSeen       time.Time
	ReconnectCount int
}

// SnapshotDeviceSessions lists every currently bound device session.
func (h *Hub) SnapshotDeviceSessions() []DeviceSessionSnapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]DeviceSessionSnapshot, 0, len(h.devices))
	for id, sess := range h.devices {
		out = append(out, DeviceSessionSnapshot{
			DeviceID:       id,
			Addr:           sess.Addr,
			JoinedAt:       sess.JoinedAt,
			LastSeen:       sess.LastSeen,
			ReconnectCount: sess.ReconnectCount,
		})
	}
	return out
}

type deviceSnapshotEntry struct {
	DeviceID   string `json:"deviceId"`
	Status     string `json:"status"`
	PumpStatus string `json:"pumpStatus"`
}

type deviceSnapshot struct {
	Devices []deviceSnapshotEntry `json:"devices"`
}

func snapshotPayload(devices []store.Device) deviceSnapshot {
	entries := make([]deviceSnapshotEntry, len(devices))
	for i, d := range devices {
		entries[i] = deviceSnapshotEntry{DeviceID: d.DeviceID, Status: d.Status, PumpStatus: d.PumpStatus}
	}
	return deviceSnapshot{Devices: entries}
}
