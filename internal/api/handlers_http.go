package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"

	"github.com/watering-systems/waterhub/internal/alarm"
	"github.com/watering-systems/waterhub/internal/router"
	"github.com/watering-systems/waterhub/internal/store"
)

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"success": false, "error": message})
}

func (s *Server) handleBanner(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"service": serverVersion, "status": "ok"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	dbStatus := "ok"
	if err := s.store.Conn().PingContext(r.Context()); err != nil {
		dbStatus = "error"
	}

	devices, err := s.store.ListDevices(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "database unavailable")
		return
	}
	online := 0
	for _, d := range devices {
		if d.Status == store.DeviceOnline {
			online++
		}
	}

	stats := s.hub.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"database":  dbStatus,
		"websocket": "ok",
		"devices":   map[string]any{"total": len(devices), "online": online},
		"uptime":    humanize.Time(stats.StartTime),
	})
}

type registerDeviceRequest struct {
	DeviceID  string `json:"deviceId"`
	IP        string `json:"ip"`
	Timestamp string `json:"timestamp"`
}

func (s *Server) handleRegisterDevice(w http.ResponseWriter, r *http.Request) {
	var req registerDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DeviceID == "" {
		writeError(w, http.StatusBadRequest, "deviceId is required")
		return
	}

	addr := req.IP
	if addr == "" {
		addr = r.RemoteAddr
	}

	device, err := s.store.RegisterOrTouchDevice(r.Context(), req.DeviceID, addr)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to register device")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"device":  device,
		"serverInfo": map[string]any{
			"wsUrl": "/ws",
		},
	})
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.store.ListDevices(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list devices")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "devices": devices})
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "id")
	schedules, err := s.store.ListPendingSchedules(r.Context(), deviceID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list schedules")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "schedules": schedules, "deviceId": strings.ToUpper(deviceID)})
}

func (s *Server) handleListAlarms(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "id")
	alarms, err := s.store.ListAlarms(r.Context(), deviceID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list alarms")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "alarms": alarms})
}

type createScheduleRequest struct {
	DeviceID string `json:"deviceId"`
	Time     string `json:"time"`
	Duration int    `json:"duration"`
}

func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	var req createScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.DeviceID == "" || req.Duration < 1000 || req.Duration > 300000 {
		writeError(w, http.StatusBadRequest, "deviceId and duration (1000-300000 ms) are required")
		return
	}
	fireAt, err := time.Parse(time.RFC3339, req.Time)
	if err != nil || !fireAt.After(time.Now()) {
		writeError(w, http.StatusBadRequest, "time must be a future ISO-8601 timestamp")
		return
	}

	device, err := s.store.FindDevice(r.Context(), req.DeviceID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to look up device")
		return
	}
	if device == nil {
		writeError(w, http.StatusNotFound, "device not found")
		return
	}

	schedule, err := s.store.CreateSchedule(r.Context(), req.DeviceID, fireAt, req.Duration)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create schedule")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "schedule": schedule})
}

type createAlarmRequest struct {
	DeviceID string   `json:"deviceId"`
	Name     string   `json:"name"`
	Time     string   `json:"time"`
	Days     []string `json:"days"`
	Duration int      `json:"duration"`
}

var weekdayNames = map[string]time.Weekday{
	"sun": time.Sunday, "mon": time.Monday, "tue": time.Tuesday, "wed": time.Wednesday,
	"thu": time.Thursday, "fri": time.Friday, "sat": time.Saturday,
}

func (s *Server) handleCreateAlarm(w http.ResponseWriter, r *http.Request) {
	var req createAlarmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.DeviceID == "" || req.Name == "" || req.Duration < 1000 || req.Duration > 300000 || len(req.Days) == 0 {
		writeError(w, http.StatusBadRequest, "deviceId, name, days, and duration (1000-300000 ms) are required")
		return
	}
	if _, err := time.Parse("15:04", req.Time); err != nil {
		writeError(w, http.StatusBadRequest, "time must be HH:MM")
		return
	}

	days := make([]time.Weekday, 0, len(req.Days))
	for _, d := range req.Days {
		wd, ok := weekdayNames[strings.ToLower(d)]
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid weekday: "+d)
			return
		}
		days = append(days, wd)
	}

	device, err := s.store.FindDevice(r.Context(), req.DeviceID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to look up device")
		return
	}
	if device == nil {
		writeError(w, http.StatusNotFound, "device not found")
		return
	}

	next := alarm.ComputeNext(req.Time, days, time.Now())
	created, err := s.store.CreateAlarm(r.Context(), req.DeviceID, req.Name, req.Time, days, req.Duration, next)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create alarm")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "alarm": created})
}

func (s *Server) handleToggleAlarm(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	existing, err := s.store.FindAlarm(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to look up alarm")
		return
	}
	if existing == nil {
		writeError(w, http.StatusNotFound, "alarm not found")
		return
	}
	updated, err := s.store.ToggleAlarm(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to toggle alarm")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"alarm": map[string]any{
			"id":            updated.ID,
			"isActive":      updated.IsActive,
			"nextExecution": updated.NextExecution,
		},
	})
}

func (s *Server) handleDeleteAlarm(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	deleted, err := s.store.DeleteAlarm(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to delete alarm")
		return
	}
	if !deleted {
		writeError(w, http.StatusNotFound, "alarm not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

type waterDeviceRequest struct {
	Action   string `json:"action"`
	Duration int    `json:"duration"`
}

func (s *Server) handleWaterDevice(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "id")
	var req waterDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Action != router.ActionWater && req.Action != router.ActionStop {
		writeError(w, http.StatusBadRequest, "action must be 'water' or 'stop'")
		return
	}
	if req.Duration == 0 {
		req.Duration = 5000
	}

	cmd, outcome, err := s.router.IssueWaterCommand(r.Context(), deviceID, req.Action, req.Duration)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	switch outcome {
	case router.OutcomeDeviceNotFound:
		writeError(w, http.StatusNotFound, "device not found")
	case router.OutcomeDeviceOffline:
		writeError(w, http.StatusConflict, "device offline")
	case router.OutcomeNotConnected:
		writeError(w, http.StatusConflict, "not connected")
	case router.OutcomeInternal:
		writeError(w, http.StatusInternalServerError, "internal error")
	default:
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "command": cmd})
	}
}

func (s *Server) handleDebugConnections(w http.ResponseWriter, r *http.Request) {
	sessions := s.hub.SnapshotDeviceSessions()
	entries := make([]map[string]any, len(sessions))
	for i, sess := range sessions {
		entries[i] = map[string]any{
			"deviceId":       sess.DeviceID,
			"addr":           sess.Addr,
			"joinedAt":       sess.JoinedAt,
			"lastSeen":       sess.LastSeen,
			"reconnectCount": sess.ReconnectCount,
		}
	}
	stats := s.hub.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"devices":    entries,
		"dashboards": stats.DashboardActive,
		"totalEver":  stats.TotalEver,
	})
}
