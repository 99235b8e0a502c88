package session

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"shop-monitor-backend/internal/log"
	"shop-monitor-backend/internal/model"
)

// IdleMonitor force-logs-out machines that still hold a lead but have not
// reported activity within the timeout. Shortly before that it flags them
// with the warning status.
type IdleMonitor struct {
	ledger    *Ledger
	timeout   time.Duration
	warnAfter time.Duration
	interval  time.Duration
	logger    zerolog.Logger
}

// NewIdleMonitor creates a monitor sweeping every interval.
func NewIdleMonitor(ledger *Ledger, timeout, interval time.Duration) *IdleMonitor {
	return &IdleMonitor{
		ledger:  ledger,
		timeout: timeout,
		// 55 minutes of a one hour timeout.
		warnAfter: timeout - timeout/12,
		interval:  interval,
		logger:    log.WithComponent("idle-monitor"),
	}
}

// Run sweeps until ctx is cancelled.
func (im *IdleMonitor) Run(ctx context.Context) {
	im.logger.Info().Dur("timeout", im.timeout).Msg("Starting idle monitor...")
	ticker := time.NewTicker(im.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			im.logger.Info().Msg("Idle monitor shutting down.")
			return
		case <-ticker.C:
			if _, err := im.SweepOnce(ctx); err != nil {
				im.logger.Error().Err(err).Msg("Idle sweep failed")
			}
		}
	}
}

// SweepOnce flags active machines nearing the timeout, ends sessions on
// every idle machine that has a lead and returns the machines it cleared.
func (im *IdleMonitor) SweepOnce(ctx context.Context) ([]int64, error) {
	now := im.ledger.now()
	cutoff := now.Add(-im.timeout)
	db := im.ledger.store.DB().WithContext(ctx)

	warned := db.Model(&model.Machine{}).
		Where("lead_operator_id IS NOT NULL AND status = ? AND last_activity < ? AND last_activity >= ?",
			model.MachineActive, now.Add(-im.warnAfter), cutoff).
		Update("status", model.MachineWarning)
	if warned.Error != nil {
		return nil, warned.Error
	}
	if warned.RowsAffected > 0 {
		im.logger.Info().Int64("machines", warned.RowsAffected).Msg("Machines nearing idle timeout")
	}

	var machines []model.Machine
	if err := db.
		Where("lead_operator_id IS NOT NULL AND last_activity IS NOT NULL AND last_activity < ?", cutoff).
		Find(&machines).Error; err != nil {
		return nil, err
	}

	var cleared []int64
	for _, m := range machines {
		n, err := im.ledger.EndAll(ctx, m.ID, model.ReasonSystem)
		if err != nil {
			im.logger.Error().Err(err).Int64("machine_id", m.ID).Msg("Failed to end idle sessions")
			continue
		}
		im.logger.Info().Int64("machine_id", m.ID).Int("sessions", n).Msg("Idle machine logged out")
		cleared = append(cleared, m.ID)
	}
	return cleared, nil
}
