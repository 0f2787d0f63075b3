package session

import (
	"context"
	"time"
)

// SweepInterval is the sweeper's wake-up cadence.
const SweepInterval = 2 * time.Minute

// StaleThreshold is how long a device session may go without an inbound
// frame before it is considered dead.
const StaleThreshold = 10 * time.Minute

// RunSweeper starts the periodic stale-session sweep. It blocks until ctx
// is cancelled, so callers run it in its own goroutine.
func (h *Hub) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			swept := h.Sweep(ctx, time.Now(), StaleThreshold)
			if len(swept) > 0 {
				h.log.Info().Strs("devices", swept).Msg("swept stale sessions")
			}
		}
	}
}
