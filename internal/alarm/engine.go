// Package alarm is the Alarm Engine: a periodic worker that reads due
// recurring alarms and one-shot schedules from the Store, invokes the
// Router to fire them, and advances each row's next-firing state.
package alarm

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/watering-systems/waterhub/internal/protocol"
	"github.com/watering-systems/waterhub/internal/router"
	"github.com/watering-systems/waterhub/internal/store"
)

// TickInterval is the engine's wake-up cadence.
const TickInterval = 60 * time.Second

// staleScheduleWindow resolves an ambiguity the spec leaves open: by the
// time a tick observes a one-shot schedule, fire_at <= now is already true
// for every still-pending row, so "has not been dispatched" alone can't
// distinguish an on-time fire from a long-overdue one. A schedule whose
// fire_at is more than this far in the past is treated as missed its
// window and marked expired instead of fired.
const staleScheduleWindow = 5 * time.Minute

// Engine is the Alarm Engine component.
type Engine struct {
	log    zerolog.Logger
	store  *store.Store
	router *router.Router
}

// New constructs an Engine.
func New(log zerolog.Logger, st *store.Store, rt *router.Router) *Engine {
	return &Engine{log: log.With().Str("component", "alarm_engine").Logger(), store: st, router: rt}
}

// Run blocks, ticking every TickInterval until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Tick(ctx, time.Now())
		}
	}
}

// Tick runs exactly one pass: fire every due alarm, then dispatch every due
// one-shot schedule. Errors on an individual row are logged and do not
// abort the rest of the tick.
func (e *Engine) Tick(ctx context.Context, now time.Time) {
	due, err := e.store.FindDueAlarms(ctx, now)
	if err != nil {
		e.log.Error().Err(err).Msg("find due alarms")
	} else {
		for _, a := range due {
			e.fireAlarm(ctx, a, now)
		}
	}

	dueSchedules, err := e.store.FindDueSchedules(ctx, now)
	if err != nil {
		e.log.Error().Err(err).Msg("find due schedules")
		return
	}
	for _, s := range dueSchedules {
		e.fireSchedule(ctx, s, now)
	}
}

func (e *Engine) fireAlarm(ctx context.Context, a store.Alarm, now time.Time) {
	next := ComputeNext(a.TimeOfDay, a.Days, now)

	device, err := e.store.FindDevice(ctx, a.DeviceID)
	if err != nil {
		e.log.Error().Err(err).Str("alarm", a.ID).Msg("lookup device for alarm")
		return
	}

	if device == nil || device.Status != store.DeviceOnline {
		if err := e.store.UpdateAlarmAfterFire(ctx, a.ID, nil, next); err != nil {
			e.log.Error().Err(err).Str("alarm", a.ID).Msg("advance missed alarm")
			return
		}
		e.router.BroadcastToDashboards(protocol.TypeAlarmMissed, protocol.AlarmFiredPayload{
			AlarmID:       a.ID,
			DeviceID:      a.DeviceID,
			Reason:        "Device offline",
			NextExecution: next.UTC().Format(time.RFC3339),
		})
		e.log.Warn().Str("alarm", a.ID).Str("device", a.DeviceID).Msg("alarm missed, device offline")
		return
	}

	sent := e.router.FireAlarm(a.DeviceID, a.ID, a.Name, a.DurationMS)
	if sent {
		fired := now
		if err := e.store.UpdateAlarmAfterFire(ctx, a.ID, &fired, next); err != nil {
			e.log.Error().Err(err).Str("alarm", a.ID).Msg("advance fired alarm")
			return
		}
		e.router.BroadcastToDashboards(protocol.TypeAlarmExecuted, protocol.AlarmFiredPayload{
			AlarmID:       a.ID,
			DeviceID:      a.DeviceID,
			NextExecution: next.UTC().Format(time.RFC3339),
		})
		e.log.Info().Str("alarm", a.ID).Str("device", a.DeviceID).Msg("alarm executed")
		return
	}

	if err := e.store.UpdateAlarmAfterFire(ctx, a.ID, nil, next); err != nil {
		e.log.Error().Err(err).Str("alarm", a.ID).Msg("advance failed alarm")
		return
	}
	e.router.BroadcastToDashboards(protocol.TypeAlarmFailed, protocol.AlarmFiredPayload{
		AlarmID:       a.ID,
		DeviceID:      a.DeviceID,
		Reason:        "dispatch failed",
		NextExecution: next.UTC().Format(time.RFC3339),
	})
	e.log.Warn().Str("alarm", a.ID).Str("device", a.DeviceID).Msg("alarm dispatch failed")
}

func (e *Engine) fireSchedule(ctx context.Context, s store.Schedule, now time.Time) {
	if now.Sub(s.FireAt) > staleScheduleWindow {
		if err := e.store.MarkSchedule(ctx, s.ID, store.ScheduleExpired, ""); err != nil {
			e.log.Error().Err(err).Str("schedule", s.ID).Msg("expire schedule")
			return
		}
		e.router.BroadcastToDashboards(protocol.TypeScheduleConfirmed, protocol.ScheduleConfirmedPayload{
			ScheduleID: s.ID,
			DeviceID:   s.DeviceID,
			Status:     store.ScheduleExpired,
		})
		return
	}

	sent := e.router.FireSchedule(s.DeviceID, s.DurationMS)
	status := store.ScheduleExecuted
	errMsg := ""
	if !sent {
		status = store.ScheduleFailed
		errMsg = "dispatch failed"
	}
	if err := e.store.MarkSchedule(ctx, s.ID, status, errMsg); err != nil {
		e.log.Error().Err(err).Str("schedule", s.ID).Msg("mark schedule")
		return
	}
	e.router.BroadcastToDashboards(protocol.TypeScheduleConfirmed, protocol.ScheduleConfirmedPayload{
		ScheduleID: s.ID,
		DeviceID:   s.DeviceID,
		Status:     status,
	})
	e.log.Info().Str("schedule", s.ID).Str("device", s.DeviceID).Str("status", status).Msg("schedule dispatched")
}

// ComputeNext returns the earliest future instant strictly after now whose
// weekday is in days and whose server-local time-of-day equals hhmm
// ("HH:MM"). It walks 0..7 days ahead from now; day 0 is skipped unless
// hh:mm today is still strictly in the future.
func ComputeNext(hhmm string, days []time.Weekday, now time.Time) time.Time {
	hour, minute := 0, 0
	if t, err := time.Parse("15:04", hhmm); err == nil {
		hour, minute = t.Hour(), t.Minute()
	}

	dayMatch := make(map[time.Weekday]bool, len(days))
	for _, d := range days {
		dayMatch[d] = true
	}

	for offset := 0; offset <= 7; offset++ {
		candidateDay := now.AddDate(0, 0, offset)
		candidate := time.Date(candidateDay.Year(), candidateDay.Month(), candidateDay.Day(), hour, minute, 0, 0, now.Location())
		if !dayMatch[candidate.Weekday()] {
			continue
		}
		if candidate.After(now) {
			return candidate
		}
	}

	// Unreachable when days is non-empty, per the alarm invariant; fall
	// back to exactly one week out to keep the contract total.
	return now.AddDate(0, 0, 7)
}
