package monitor

import (
	"context"
	"time"
)

// Schedule starts an independent poll loop for the device with the given
// interval. Scheduling an already scheduled device replaces its loop. Each
// device runs its own ticker, so a slow device never delays the others.
func (r *Registry) Schedule(deviceID string, interval time.Duration) {
	if interval <= 0 {
		return
	}
	state := r.device(deviceID)

	state.mu.Lock()
	if state.cancelSchedule != nil {
		state.cancelSchedule()
	}
	ctx, cancel := context.WithCancel(context.Background())
	state.cancelSchedule = cancel
	state.mu.Unlock()

	r.wg.Add(1)
	go r.pollLoop(ctx, deviceID, interval)
	r.logger.Info().Str("device", deviceID).Dur("interval", interval).Msg("device scheduled")
}

// Unschedule cancels future polls of the device. An in-flight poll is left
// to finish on its own.
func (r *Registry) Unschedule(deviceID string) {
	r.mu.RLock()
	state, ok := r.devices[deviceID]
	r.mu.RUnlock()
	if !ok {
		return
	}
	state.mu.Lock()
	if state.cancelSchedule != nil {
		state.cancelSchedule()
		state.cancelSchedule = nil
	}
	state.mu.Unlock()
	r.logger.Info().Str("device", deviceID).Msg("device unscheduled")
}

// pollLoop polls once immediately and then on every tick until cancelled.
// Poll errors are already logged and counted; the loop's only job is pacing.
// A tick that fires while the previous poll still runs is skipped by the
// inFlight guard, never queued.
func (r *Registry) pollLoop(ctx context.Context, deviceID string, interval time.Duration) {
	defer r.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.schedulePoll(ctx, deviceID)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.schedulePoll(ctx, deviceID)
		}
	}
}

// schedulePoll runs one scheduled poll. The poll itself uses an undying
// context so that unscheduling mid-flight lets the wire cycle complete
// instead of tearing down a half-read session.
func (r *Registry) schedulePoll(ctx context.Context, deviceID string) {
	if ctx.Err() != nil {
		return
	}
	_, _ = r.Poll(context.WithoutCancel(ctx), deviceID)
}
