package scheduling

import (
	"context"
	"errors"
	"time"

	"github.com/hackgods/healthhub-scheduler/internal/lock"
)

const sweepLockKey = "expiry-sweep"

// RunMaintenance sweeps expired reservations once at start and then every
// interval until ctx ends. A tick is skipped while another instance holds
// the sweep lock.
func (e *Engine) RunMaintenance(ctx context.Context, interval time.Duration, locker lock.Locker) error {
	e.SweepOnce(ctx, locker)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.log.Info().Msg("stopping expiry sweep")
			return nil
		case <-ticker.C:
			e.SweepOnce(ctx, locker)
		}
	}
}

// SweepOnce runs one sweep under the sweep lock and reports how many
// reservations it expired.
func (e *Engine) SweepOnce(ctx context.Context, locker lock.Locker) int {
	runCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	start := time.Now()
	count := 0
	err := locker.WithLock(runCtx, sweepLockKey, func(ctx context.Context) error {
		expired, err := e.ExpireStalePending(ctx)
		count = len(expired)
		return err
	})
	switch {
	case errors.Is(err, lock.ErrNotAcquired):
		e.log.Debug().Msg("expiry sweep held elsewhere, skipping")
	case err != nil:
		e.log.Error().Err(err).Int("expired", count).Msg("expiry sweep failed")
	default:
		e.log.Info().Int("expired", count).Dur("took", time.Since(start)).Msg("expiry sweep complete")
	}
	return count
}
