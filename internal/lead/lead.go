// Package lead maintains the single lead operator per machine. Every
// transition closes or opens a LeadOperatorHistory row and updates
// Machine.LeadOperatorID in the same transaction, so the machine column is
// nil exactly when no history row is open.
package lead

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"shop-monitor-backend/internal/apperr"
	"shop-monitor-backend/internal/authz"
	"shop-monitor-backend/internal/log"
	"shop-monitor-backend/internal/metrics"
	"shop-monitor-backend/internal/model"
	"shop-monitor-backend/internal/outbox"
	"shop-monitor-backend/internal/store"
)

var (
	ErrNotEligible    = apperr.New(apperr.KindAuthorization, "user is not eligible to be lead operator")
	ErrNotCurrentLead = apperr.New(apperr.KindAuthorization, "user is not the current lead operator")
	ErrUserInactive   = apperr.New(apperr.KindAuthorization, "user is inactive")
)

// Controller is the lead-operator state machine.
type Controller struct {
	store  store.Store
	outbox *outbox.Outbox
	logger zerolog.Logger
	now    func() time.Time
}

// NewController creates a lead controller.
func NewController(st store.Store, ob *outbox.Outbox) *Controller {
	return &Controller{
		store:  st,
		outbox: ob,
		logger: log.WithComponent("lead"),
		now:    time.Now,
	}
}

// SetClock overrides the time source.
func (c *Controller) SetClock(now func() time.Time) { c.now = now }

// Now is the controller's current time.
func (c *Controller) Now() time.Time { return c.now() }

// Assign makes userID the machine's lead, demoting any other lead first.
func (c *Controller) Assign(ctx context.Context, machineID, userID int64, assignedBy *int64) error {
	return c.store.WithMachineLock(ctx, machineID, func(tx *gorm.DB, m *model.Machine) error {
		return c.AssignTx(tx, m, userID, assignedBy, model.ReasonManual)
	})
}

// AssignTx is Assign inside a caller's machine-locked transaction. A user
// without an open session gets one; capacity limits do not apply.
func (c *Controller) AssignTx(tx *gorm.DB, m *model.Machine, userID int64, assignedBy *int64, reason model.LeadReason) error {
	u, err := c.eligibleUser(tx, m.ID, userID)
	if err != nil {
		return err
	}

	if m.LeadOperatorID != nil && *m.LeadOperatorID == userID {
		return nil
	}
	if m.LeadOperatorID != nil {
		if err := c.closeLead(tx, m, model.ReasonReassigned); err != nil {
			return err
		}
	}

	if err := c.openLead(tx, m, u.ID, assignedBy, reason); err != nil {
		return err
	}
	return c.enqueueMachine(tx, m, "lead_assigned")
}

// Vacate removes userID as lead and promotes the earliest-logged-in
// eligible operator still on the machine, if any. It returns the new lead.
// A user who is not the current lead is a no-op.
func (c *Controller) Vacate(ctx context.Context, machineID, userID int64, reason model.LeadReason) (*int64, error) {
	var next *int64
	err := c.store.WithMachineLock(ctx, machineID, func(tx *gorm.DB, m *model.Machine) error {
		var err error
		next, err = c.VacateTx(tx, m, userID, reason)
		return err
	})
	return next, err
}

// VacateTx is Vacate inside a caller's machine-locked transaction.
func (c *Controller) VacateTx(tx *gorm.DB, m *model.Machine, userID int64, reason model.LeadReason) (*int64, error) {
	if m.LeadOperatorID == nil || *m.LeadOperatorID != userID {
		return nil, nil
	}

	successor, err := c.successor(tx, m.ID, userID)
	if err != nil {
		return nil, err
	}

	closeReason := reason
	if successor != nil {
		closeReason = model.ReasonAutoAssigned
	}
	if err := c.closeLead(tx, m, closeReason); err != nil {
		return nil, err
	}

	if successor != nil {
		if err := c.openLead(tx, m, successor.UserID, nil, model.ReasonAutoAssigned); err != nil {
			return nil, err
		}
		c.logger.Info().Int64("machine_id", m.ID).Int64("from", userID).Int64("to", successor.UserID).
			Msg("Lead auto-assigned")
	}

	if err := c.enqueueMachine(tx, m, "lead_vacated"); err != nil {
		return nil, err
	}
	if successor != nil {
		id := successor.UserID
		return &id, nil
	}
	return nil, nil
}

// Transfer hands the lead from the current lead to toUserID. The caller
// proves consent by presenting the current lead's identity.
func (c *Controller) Transfer(ctx context.Context, machineID, fromUserID, toUserID int64) error {
	return c.store.WithMachineLock(ctx, machineID, func(tx *gorm.DB, m *model.Machine) error {
		if m.LeadOperatorID == nil || *m.LeadOperatorID != fromUserID {
			return ErrNotCurrentLead
		}
		if fromUserID == toUserID {
			return nil
		}
		if _, err := c.eligibleUser(tx, m.ID, toUserID); err != nil {
			return err
		}
		if err := c.closeLead(tx, m, model.ReasonTransfer); err != nil {
			return err
		}
		from := fromUserID
		if err := c.openLead(tx, m, toUserID, &from, model.ReasonTransfer); err != nil {
			return err
		}
		return c.enqueueMachine(tx, m, "lead_transferred")
	})
}

// Clear removes the current lead without promoting anyone.
func (c *Controller) Clear(ctx context.Context, machineID int64, reason model.LeadReason) error {
	return c.store.WithMachineLock(ctx, machineID, func(tx *gorm.DB, m *model.Machine) error {
		if m.LeadOperatorID == nil {
			return nil
		}
		if err := c.closeLead(tx, m, reason); err != nil {
			return err
		}
		return c.enqueueMachine(tx, m, "lead_cleared")
	})
}

func (c *Controller) eligibleUser(tx *gorm.DB, machineID, userID int64) (*model.User, error) {
	var u model.User
	if err := tx.First(&u, userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, store.ErrUserNotFound
		}
		return nil, err
	}
	if !u.Active {
		return nil, ErrUserInactive
	}
	access, err := authz.Evaluate(tx, &u, machineID)
	if err != nil {
		return nil, err
	}
	if !access.CanBeLead {
		return nil, ErrNotEligible
	}
	return &u, nil
}

// successor picks the replacement lead among the machine's open sessions,
// excluding the departing user: earliest login first, session id breaks ties.
func (c *Controller) successor(tx *gorm.DB, machineID, excludeUserID int64) (*model.MachineSession, error) {
	sessions, err := store.ActiveSessions(tx, machineID)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(sessions))
	for _, s := range sessions {
		ids = append(ids, s.UserID)
	}
	users, err := store.UsersByID(tx, ids)
	if err != nil {
		return nil, err
	}

	for i := range sessions {
		s := &sessions[i]
		if s.UserID == excludeUserID {
			continue
		}
		u, ok := users[s.UserID]
		if !ok || !u.Active {
			continue
		}
		access, err := authz.Evaluate(tx, &u, machineID)
		if err != nil {
			return nil, err
		}
		if access.CanBeLead {
			return s, nil
		}
	}
	return nil, nil
}

// closeLead ends the open history row and demotes the lead session. It
// runs before any new lead is opened so the partial unique indexes never
// see two open rows.
func (c *Controller) closeLead(tx *gorm.DB, m *model.Machine, reason model.LeadReason) error {
	now := c.now()

	if err := tx.Model(&model.LeadOperatorHistory{}).
		Where("machine_id = ? AND removed_time IS NULL", m.ID).
		Updates(map[string]any{"removed_time": now, "removal_reason": reason}).Error; err != nil {
		return fmt.Errorf("failed to close lead history for machine %d: %w", m.ID, err)
	}
	if err := tx.Model(&model.MachineSession{}).
		Where("machine_id = ? AND logout_time IS NULL AND is_lead = ?", m.ID, true).
		Update("is_lead", false).Error; err != nil {
		return fmt.Errorf("failed to demote lead session for machine %d: %w", m.ID, err)
	}
	if err := tx.Model(m).Update("lead_operator_id", nil).Error; err != nil {
		return fmt.Errorf("failed to clear lead on machine %d: %w", m.ID, err)
	}
	m.LeadOperatorID = nil

	metrics.LeadChanges.WithLabelValues(string(reason)).Inc()
	return nil
}

// openLead promotes userID's session, creating it when absent, and opens
// the matching history row. The machine must have no lead.
func (c *Controller) openLead(tx *gorm.DB, m *model.Machine, userID int64, assignedBy *int64, reason model.LeadReason) error {
	now := c.now()

	sess, err := store.ActiveSession(tx, m.ID, userID)
	if err != nil {
		return err
	}
	if sess == nil {
		sess = &model.MachineSession{MachineID: m.ID, UserID: userID, IsLead: true, LoginTime: now}
		if err := tx.Create(sess).Error; err != nil {
			return fmt.Errorf("failed to open session for lead %d on machine %d: %w", userID, m.ID, err)
		}
	} else if !sess.IsLead {
		if err := tx.Model(sess).Update("is_lead", true).Error; err != nil {
			return fmt.Errorf("failed to promote session %d: %w", sess.ID, err)
		}
	}

	history := &model.LeadOperatorHistory{
		MachineID:        m.ID,
		UserID:           userID,
		AssignedTime:     now,
		AssignedByID:     assignedBy,
		AssignmentReason: reason,
	}
	if err := tx.Create(history).Error; err != nil {
		return fmt.Errorf("failed to open lead history for machine %d: %w", m.ID, err)
	}

	if err := tx.Model(m).Update("lead_operator_id", userID).Error; err != nil {
		return fmt.Errorf("failed to set lead on machine %d: %w", m.ID, err)
	}
	m.LeadOperatorID = &userID

	metrics.LeadChanges.WithLabelValues(string(reason)).Inc()
	c.logger.Debug().Int64("machine_id", m.ID).Int64("user_id", userID).Str("reason", string(reason)).Msg("Lead opened")
	return nil
}

func (c *Controller) enqueueMachine(tx *gorm.DB, m *model.Machine, action string) error {
	_, err := c.outbox.Enqueue(tx, model.EventMachineUpdated, "machine", m.ID, map[string]any{
		"action":           action,
		"lead_operator_id": m.LeadOperatorID,
	})
	return err
}
