package playlist

import (
	"context"
	"time"
)

// Run drives the engine's tick until the context is cancelled. The delta
// passed to each tick is the measured wall time since the previous one, not
// the nominal interval, so playback does not drift when the scheduler is
// late.
func (e *Engine) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	e.logger.Info().Dur("interval", interval).Msg("tick loop started")
	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			e.logger.Info().Msg("tick loop stopped")
			return
		case now := <-ticker.C:
			delta := now.Sub(last).Seconds()
			last = now
			e.Tick(ctx, delta)
			if e.tickObserver != nil {
				e.tickObserver()
			}
		}
	}
}
