package session

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"shop-monitor-backend/internal/model"
	"shop-monitor-backend/internal/store"
)

// Heartbeat records machine liveness. It never touches session rows. The
// machine is active while anyone is logged in and idle otherwise.
func (l *Ledger) Heartbeat(ctx context.Context, machineID int64, active bool) (*model.Machine, error) {
	m, err := l.store.MachineByID(ctx, machineID)
	if err != nil {
		return nil, err
	}
	db := l.store.DB().WithContext(ctx)

	var open int64
	if err := db.Model(&model.MachineSession{}).
		Where("machine_id = ? AND logout_time IS NULL", m.ID).
		Count(&open).Error; err != nil {
		return nil, err
	}

	status := model.MachineIdle
	if open > 0 {
		status = model.MachineActive
	}
	now := l.now()
	if err := db.Model(m).Updates(map[string]any{"last_activity": now, "status": status}).Error; err != nil {
		return nil, fmt.Errorf("failed to record heartbeat for machine %d: %w", m.ID, err)
	}
	m.LastActivity = &now
	m.Status = status
	if active {
		l.logger.Debug().Int64("machine_id", m.ID).Msg("Heartbeat with activity")
	}
	return m, nil
}

// MarkOnline brings an offline machine back to idle.
func (l *Ledger) MarkOnline(ctx context.Context, m *model.Machine) error {
	if m.Status != model.MachineOffline {
		return nil
	}
	m.Status = model.MachineIdle
	return l.store.DB().WithContext(ctx).Model(m).Update("status", model.MachineIdle).Error
}

// ReportQuality adds rework and scrap to the user's open session.
func (l *Ledger) ReportQuality(ctx context.Context, machineID, userID int64, report QualityReport) (*model.MachineSession, error) {
	if err := report.validate(); err != nil {
		return nil, err
	}
	var sess *model.MachineSession
	err := l.store.WithMachineLock(ctx, machineID, func(tx *gorm.DB, m *model.Machine) error {
		var err error
		sess, err = store.ActiveSession(tx, m.ID, userID)
		if err != nil {
			return err
		}
		if sess == nil {
			return ErrNoActiveSession
		}
		sess.ReworkQty += report.ReworkQty
		sess.ScrapQty += report.ScrapQty
		return tx.Model(sess).Updates(map[string]any{
			"rework_qty": sess.ReworkQty,
			"scrap_qty":  sess.ScrapQty,
		}).Error
	})
	return sess, err
}

// UpdateCount stores the hardware activity count on the user's open session.
func (l *Ledger) UpdateCount(ctx context.Context, machineID, userID int64, count int) error {
	return l.store.WithMachineLock(ctx, machineID, func(tx *gorm.DB, m *model.Machine) error {
		sess, err := store.ActiveSession(tx, m.ID, userID)
		if err != nil {
			return err
		}
		if sess == nil {
			return ErrNoActiveSession
		}
		if err := tx.Model(sess).Update("activity_count", count).Error; err != nil {
			return err
		}
		return tx.Model(m).Update("last_activity", l.now()).Error
	})
}

// ActiveSessions returns the open sessions on the machine, earliest first.
func (l *Ledger) ActiveSessions(ctx context.Context, machineID int64) ([]model.MachineSession, error) {
	return store.ActiveSessions(l.store.DB().WithContext(ctx), machineID)
}

// EndAll closes every open session on the machine, non-leads first so the
// lead is not handed to someone about to be logged out. It returns the
// number of sessions closed.
func (l *Ledger) EndAll(ctx context.Context, machineID int64, reason model.LeadReason) (int, error) {
	closed := 0
	err := l.store.WithMachineLock(ctx, machineID, func(tx *gorm.DB, m *model.Machine) error {
		sessions, err := store.ActiveSessions(tx, m.ID)
		if err != nil {
			return err
		}
		var leads []model.MachineSession
		for _, s := range sessions {
			if s.IsLead {
				leads = append(leads, s)
				continue
			}
			if _, err := l.logoutTx(tx, m, s.UserID, nil, reason); err != nil {
				return err
			}
			closed++
		}
		for _, s := range leads {
			if _, err := l.logoutTx(tx, m, s.UserID, nil, reason); err != nil {
				return err
			}
			closed++
		}
		if m.LeadOperatorID != nil {
			// Lead recorded without a session; close the history row too.
			if _, err := l.leads.VacateTx(tx, m, *m.LeadOperatorID, reason); err != nil {
				return err
			}
		}
		return nil
	})
	return closed, err
}
